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

// Package analyzer orchestrates an image analysis: token, manifest and
// config fetch, a parallel fetch+decode of every layer, then the
// cross-layer diff.
package analyzer

import (
	"context"
	"time"

	v1 "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/tetratelabs/diving/api"
	"github.com/tetratelabs/diving/internal/blob"
	"github.com/tetratelabs/diving/internal/diff"
	"github.com/tetratelabs/diving/internal/layer"
	"github.com/tetratelabs/diving/internal/reference"
	"github.com/tetratelabs/diving/internal/registry"
)

// Analyzer analyzes container images. It is safe for concurrent use: the
// only shared state is in the registry client's caches and the blob store.
type Analyzer struct {
	client *registry.Client
	// threads bounds the layer fan-out when positive. Zero means one task
	// per layer.
	threads int
}

// New creates an Analyzer on top of a blob store.
func New(blobs *blob.Store, threads int) *Analyzer {
	return &Analyzer{client: registry.NewClient(blobs), threads: threads}
}

// Analyze resolves the reference and produces the layer-by-layer analysis.
// Cancelling the context aborts in-flight fetches and discards partial
// results.
func (a *Analyzer) Analyze(ctx context.Context, ref reference.ImageRef) (*api.AnalysisResult, error) {
	log := logrus.WithField("image", ref.DisplayName())
	log.Info("analyzing image")

	token, err := a.client.Token(ctx, ref)
	if err != nil {
		return nil, api.WrapError(err, api.CategoryDocker)
	}
	manifest, err := a.client.GetManifest(ctx, ref, token)
	if err != nil {
		return nil, api.WrapError(err, api.CategoryDocker)
	}
	config, err := a.client.GetConfig(ctx, ref, token, manifest)
	if err != nil {
		return nil, api.WrapError(err, api.CategoryDocker)
	}

	infos, err := a.decodeLayers(ctx, ref, token, manifest.Layers)
	if err != nil {
		return nil, api.WrapError(err, api.CategoryLayer)
	}

	result := buildResult(ref, manifest, config, infos)
	log.Info("analyze image done")
	return result, nil
}

// decodeLayers fans out one fetch+decode task per manifest layer and joins
// the decoded results in manifest order.
func (a *Analyzer) decodeLayers(ctx context.Context, ref reference.ImageRef, token string, layers []v1.Descriptor) ([]*layer.Info, error) {
	infos := make([]*layer.Info, len(layers))
	g, ctx := errgroup.WithContext(ctx)
	if a.threads > 0 {
		g.SetLimit(a.threads)
	}
	for i := range layers {
		i, desc := i, layers[i]
		g.Go(func() error {
			data, err := a.client.GetLayer(ctx, ref, token, desc)
			if err != nil {
				return err
			}
			info, err := layer.Decode(data, desc.MediaType)
			if err != nil {
				return err
			}
			infos[i] = info
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return infos, nil
}

// buildResult walks the config history in order. The Nth non-empty history
// entry binds to manifest layer N; empty entries produce empty trees and a
// zero-filled layer.
func buildResult(ref reference.ImageRef, manifest *v1.Manifest, config *v1.Image, infos []*layer.Info) *api.AnalysisResult {
	result := &api.AnalysisResult{
		Name:            ref.DisplayName(),
		Arch:            config.Architecture,
		OS:              config.OS,
		FileTreeList:    make([][]api.FileTreeItem, 0, len(config.History)),
		FileSummaryList: []api.FileSummary{},
	}

	index := 0
	for layerIndex, history := range config.History {
		imageLayer := api.ImageLayer{
			Created: formatTime(history.Created),
			Cmd:     history.CreatedBy,
			Empty:   history.EmptyLayer,
		}
		fileTree := []api.FileTreeItem{}
		if !history.EmptyLayer && index < len(manifest.Layers) {
			desc := manifest.Layers[index]
			info := infos[index]
			imageLayer.Digest = desc.Digest.String()
			imageLayer.MediaType = desc.MediaType
			imageLayer.Size = desc.Size
			imageLayer.UnpackSize = info.UnpackSize
			if layerIndex != 0 {
				result.FileSummaryList = diff.AppendFileSummaries(
					result.FileSummaryList, layerIndex, info.Files, result.FileTreeList)
			}
			fileTree = diff.BuildTree(info.Files, result.FileSummaryList)
			result.Size += desc.Size
			result.TotalSize += info.UnpackSize
			index++
		}
		result.Layers = append(result.Layers, imageLayer)
		result.FileTreeList = append(result.FileTreeList, fileTree)
	}
	return result
}

func formatTime(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}
