// Copyright 2023 Tetrate
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package api holds the analysis result model shared by the analyzer, the
// CLI and the web server.
package api

import (
	"sort"

	v1 "github.com/opencontainers/image-spec/specs-go/v1"
)

const (
	MediaTypeOCIImageIndex    = v1.MediaTypeImageIndex
	MediaTypeOCIImageManifest = v1.MediaTypeImageManifest
	MediaTypeOCIImageConfig   = v1.MediaTypeImageConfig

	MediaTypeDockerManifest       = "application/vnd.docker.distribution.manifest.v2+json"
	MediaTypeDockerManifestList   = "application/vnd.docker.distribution.manifest.list.v2+json"
	MediaTypeDockerContainerImage = "application/vnd.docker.container.image.v1+json"
	MediaTypeDockerImageLayer     = "application/vnd.docker.image.rootfs.diff.tar.gzip"

	// MediaTypeDockerImageTarLayer is the media type assigned to layers read
	// out of a `docker save` tarball, which are plain tars.
	MediaTypeDockerImageTarLayer = "application/vnd.docker.image.rootfs.diff.tar"
)

// Op is a per-file operation relative to the union of earlier layers.
// The wire values are stable: clients store and compare them.
type Op int

const (
	OpNone Op = iota
	OpRemoved
	OpModified
	OpAdded
)

// FileInfo is one non-directory tar entry of a filesystem layer.
// See https://github.com/opencontainers/image-spec/blob/master/layer.md
type FileInfo struct {
	// Path is slash separated without a leading slash. Ex. "usr/bin/env"
	Path string `json:"path"`
	// Link is the target of a symlink or hardlink, or empty.
	Link string `json:"link"`
	Size int64  `json:"size"`
	// Mode is the symbolic permission string. Ex. "-rwxr-xr-x"
	Mode string `json:"mode"`
	UID  int    `json:"uid"`
	GID  int    `json:"gid"`
	// IsWhiteout marks an entry that hides Path in lower layers. The
	// ".wh." prefix is already stripped from Path.
	IsWhiteout bool `json:"isWhiteout,omitempty"`
}

// ImageLayer is one entry of the image history, joined with its manifest
// layer when the history entry is non-empty.
type ImageLayer struct {
	Created   string `json:"created"`
	Digest    string `json:"digest"`
	Cmd       string `json:"cmd"`
	Size      int64  `json:"size"`
	MediaType string `json:"mediaType"`
	// UnpackSize is the decompressed byte count of the layer tar.
	UnpackSize int64 `json:"unpackSize"`
	// Empty means the history entry produced no filesystem layer.
	Empty bool `json:"empty"`
}

// FileTreeItem is a node of a per-layer file tree. A directory's Size is
// the sum of the file sizes below it.
type FileTreeItem struct {
	Name     string         `json:"name"`
	Link     string         `json:"link"`
	Size     int64          `json:"size"`
	Mode     string         `json:"mode"`
	UID      int            `json:"uid"`
	GID      int            `json:"gid"`
	Op       Op             `json:"op"`
	Children []FileTreeItem `json:"children,omitempty"`
}

// FileSummary records a file of a non-base layer that modifies or removes
// a path introduced by an earlier layer.
type FileSummary struct {
	LayerIndex int      `json:"layerIndex"`
	Op         Op       `json:"op"`
	Info       FileInfo `json:"info"`
}

// AnalysisResult is the output of one analyze call. It holds no external
// resources and marshals to the JSON consumed by the web UI and CI gating.
type AnalysisResult struct {
	// Name is "user/name:tag", or the file name for local archives.
	Name string `json:"name"`
	Arch string `json:"arch"`
	OS   string `json:"os"`
	// Layers aligns with the image config history: one entry per history
	// item, empty ones included.
	Layers []ImageLayer `json:"layers"`
	// Size is the sum of layer (wire) sizes.
	Size int64 `json:"size"`
	// TotalSize is the sum of layer unpack sizes.
	TotalSize int64 `json:"totalSize"`
	// FileTreeList has one tree per history entry, empty for empty layers.
	FileTreeList [][]FileTreeItem `json:"fileTreeList"`
	// FileSummaryList only contains Modified and Removed entries, and never
	// any for the base layer.
	FileSummaryList []FileSummary `json:"fileSummaryList"`
}

// WastedFile aggregates the bytes a path occupies more than once.
type WastedFile struct {
	Path      string `json:"path"`
	TotalSize int64  `json:"totalSize"`
	Count     int    `json:"count"`
}

// Summary is derived from an AnalysisResult, see AnalysisResult.Summary.
type Summary struct {
	// Score is the efficiency score in [0, 100].
	Score         int          `json:"score"`
	WastedSize    int64        `json:"wastedSize"`
	WastedPercent float64      `json:"wastedPercent"`
	WastedList    []WastedFile `json:"wastedList"`
}

// Summary derives the efficiency score and the wasted-bytes breakdown.
// It is a pure function of the result.
func (r *AnalysisResult) Summary() Summary {
	var wasted int64
	wastedIndex := map[string]int{}
	wastedList := make([]WastedFile, 0, len(r.FileSummaryList))
	for i := range r.FileSummaryList {
		info := &r.FileSummaryList[i].Info
		wasted += info.Size
		if at, ok := wastedIndex[info.Path]; ok {
			wastedList[at].Count++
			wastedList[at].TotalSize += info.Size
			continue
		}
		wastedIndex[info.Path] = len(wastedList)
		wastedList = append(wastedList, WastedFile{Path: info.Path, TotalSize: info.Size, Count: 1})
	}
	sort.SliceStable(wastedList, func(i, j int) bool {
		return wastedList[i].TotalSize > wastedList[j].TotalSize
	})

	var percent float64
	score := 100
	if r.TotalSize > 0 {
		percent = float64(wasted) / float64(r.TotalSize)
		score = int(100 * (1 - percent))
	}
	if wasted > 0 {
		score--
	}
	if score < 0 {
		score = 0
	} else if score > 100 {
		score = 100
	}
	return Summary{
		Score:         score,
		WastedSize:    wasted,
		WastedPercent: percent,
		WastedList:    wastedList,
	}
}

// Policy holds the CI thresholds an analysis must satisfy.
type Policy struct {
	// MinEfficiency is the lowest acceptable 1 - WastedPercent, in 0..1.
	MinEfficiency float64 `json:"minEfficiency"`
	// MaxWastedBytes is the highest acceptable WastedSize.
	MaxWastedBytes int64 `json:"maxWastedBytes"`
	// MaxWastedPercent is the highest acceptable WastedPercent.
	MaxWastedPercent float64 `json:"maxWastedPercent"`
}

// PolicyResult reports which checks failed, by name.
type PolicyResult struct {
	Pass     bool     `json:"pass"`
	Failures []string `json:"failures,omitempty"`
}

// Check evaluates the summary against the policy thresholds.
func (p Policy) Check(s Summary) PolicyResult {
	var failures []string
	if efficiency := 1 - s.WastedPercent; efficiency < p.MinEfficiency {
		failures = append(failures, "lowestEfficiency")
	}
	if p.MaxWastedBytes > 0 && s.WastedSize > p.MaxWastedBytes {
		failures = append(failures, "highestWastedBytes")
	}
	if p.MaxWastedPercent > 0 && s.WastedPercent > p.MaxWastedPercent {
		failures = append(failures, "highestUserWastedPercent")
	}
	return PolicyResult{Pass: len(failures) == 0, Failures: failures}
}
