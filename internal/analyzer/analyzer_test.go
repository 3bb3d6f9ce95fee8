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

package analyzer

import (
	"archive/tar"
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	v1 "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/stretchr/testify/require"

	"github.com/tetratelabs/diving/api"
	"github.com/tetratelabs/diving/internal/blob"
	"github.com/tetratelabs/diving/internal/diff"
	"github.com/tetratelabs/diving/internal/reference"
)

// fixtureLayer is one filesystem layer of a docker-save fixture.
type fixtureLayer struct {
	// files maps path to content. A "<whiteout>" value writes an empty
	// ".wh." entry instead.
	files map[string]string
	empty bool
	cmd   string
}

const whiteout = "<whiteout>"

func tarOf(t *testing.T, files map[string]string) []byte {
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	// deterministic iteration keeps digests stable between runs
	for _, path := range sortedKeys(files) {
		content := files[path]
		name, body := path, content
		if content == whiteout {
			dir, base := filepath.Split(path)
			name, body = dir+".wh."+base, ""
		}
		require.NoError(t, tw.WriteHeader(&tar.Header{
			Name: name, Mode: 0o644, Size: int64(len(body)), Typeflag: tar.TypeReg,
		}))
		_, err := tw.Write([]byte(body))
		require.NoError(t, err)
	}
	require.NoError(t, tw.Close())
	return buf.Bytes()
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	for i := range keys {
		for j := i + 1; j < len(keys); j++ {
			if keys[j] < keys[i] {
				keys[i], keys[j] = keys[j], keys[i]
			}
		}
	}
	return keys
}

// writeImageTar lays out a docker-save tarball: manifest.json, config.json
// and one inner tar per non-empty layer.
func writeImageTar(t *testing.T, layers []fixtureLayer) string {
	created := time.Date(2023, 6, 1, 0, 0, 0, 0, time.UTC)
	config := v1.Image{}
	config.Architecture = "amd64"
	config.OS = "linux"

	var layerPaths []string
	layerTars := map[string][]byte{}
	for i, layer := range layers {
		config.History = append(config.History, v1.History{
			Created:    &created,
			CreatedBy:  layer.cmd,
			EmptyLayer: layer.empty,
		})
		if layer.empty {
			continue
		}
		path := filepath.Join("layer"+string(rune('0'+i)), "layer.tar")
		layerPaths = append(layerPaths, path)
		layerTars[path] = tarOf(t, layer.files)
	}

	configJSON, err := json.Marshal(&config)
	require.NoError(t, err)
	manifestJSON, err := json.Marshal([]map[string]interface{}{{
		"Config":   "config.json",
		"RepoTags": []string{"test:latest"},
		"Layers":   layerPaths,
	}})
	require.NoError(t, err)

	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	writeEntry := func(name string, body []byte) {
		require.NoError(t, tw.WriteHeader(&tar.Header{
			Name: name, Mode: 0o644, Size: int64(len(body)), Typeflag: tar.TypeReg,
		}))
		_, err := tw.Write(body)
		require.NoError(t, err)
	}
	writeEntry("manifest.json", manifestJSON)
	writeEntry("config.json", configJSON)
	for _, path := range layerPaths {
		writeEntry(path, layerTars[path])
	}
	require.NoError(t, tw.Close())

	tarPath := filepath.Join(t.TempDir(), "image.tar")
	require.NoError(t, os.WriteFile(tarPath, buf.Bytes(), 0o644))
	return tarPath
}

func analyzeFixture(t *testing.T, layers []fixtureLayer) *api.AnalysisResult {
	store, err := blob.NewStore(t.TempDir())
	require.NoError(t, err)
	ref := reference.MustParse("file://" + writeImageTar(t, layers))
	result, err := New(store, 0).Analyze(context.Background(), ref)
	require.NoError(t, err)
	return result
}

func Test_Analyze_SingleLayer(t *testing.T) {
	result := analyzeFixture(t, []fixtureLayer{
		{cmd: "ADD bin/hello /bin/hello", files: map[string]string{"bin/hello": strings.Repeat("x", 1024)}},
	})

	require.Equal(t, "image.tar", result.Name)
	require.Equal(t, "amd64", result.Arch)
	require.Equal(t, "linux", result.OS)
	require.Len(t, result.Layers, 1)
	require.False(t, result.Layers[0].Empty)
	require.Equal(t, result.Size, result.TotalSize) // uncompressed layer
	require.Empty(t, result.FileSummaryList)

	hello := diff.FindInTree(result.FileTreeList[0], []string{"bin", "hello"})
	require.NotNil(t, hello)
	require.Equal(t, int64(1024), hello.Size)
	require.Equal(t, 100, result.Summary().Score)
}

func Test_Analyze_EmptyLayersOnly(t *testing.T) {
	result := analyzeFixture(t, []fixtureLayer{{cmd: "ENV A=B", empty: true}})

	require.Len(t, result.Layers, 1)
	require.True(t, result.Layers[0].Empty)
	require.Zero(t, result.Layers[0].Size)
	require.Len(t, result.FileTreeList, 1)
	require.Empty(t, result.FileTreeList[0])
	require.Zero(t, result.Size)
}

// Test_Analyze_ModifyAndWhiteout walks the whole pipeline: a file
// modified in a later layer and then hidden by a whiteout, with an empty
// history entry in between.
func Test_Analyze_ModifyAndWhiteout(t *testing.T) {
	result := analyzeFixture(t, []fixtureLayer{
		{cmd: "ADD app.log", files: map[string]string{"var/log/app.log": strings.Repeat("a", 1000)}},
		{cmd: "RUN grow log", files: map[string]string{"var/log/app.log": strings.Repeat("b", 1500)}},
		{cmd: "ENV DEBUG=1", empty: true},
		{cmd: "RUN rm /var/log/app.log", files: map[string]string{"var/log/app.log": whiteout}},
	})

	// layers align with history, empty entries included
	require.Len(t, result.Layers, 4)
	require.True(t, result.Layers[2].Empty)
	require.Empty(t, result.FileTreeList[2])
	require.Len(t, result.FileTreeList, 4)

	require.Equal(t, []api.FileSummary{
		{LayerIndex: 1, Op: api.OpModified, Info: api.FileInfo{
			Path: "var/log/app.log", Size: 1500, Mode: "-rw-r--r--"}},
		{LayerIndex: 3, Op: api.OpRemoved, Info: api.FileInfo{
			Path: "var/log/app.log", Size: 1500, Mode: "-rw-r--r--", IsWhiteout: true}},
	}, result.FileSummaryList)

	// the whiteout shows as Removed at the effective path
	removed := diff.FindInTree(result.FileTreeList[3], []string{"var", "log", "app.log"})
	require.NotNil(t, removed)
	require.Equal(t, api.OpRemoved, removed.Op)

	// every summary entry's path exists in an earlier tree with that size
	for _, summary := range result.FileSummaryList {
		require.Greater(t, summary.LayerIndex, 0)
		if summary.Op != api.OpRemoved {
			continue
		}
		var found *api.FileTreeItem
		for j := summary.LayerIndex - 1; j >= 0 && found == nil; j-- {
			found = diff.FindInTree(result.FileTreeList[j], strings.Split(summary.Info.Path, "/"))
		}
		require.NotNil(t, found)
		require.Equal(t, summary.Info.Size, found.Size)
	}

	summary := result.Summary()
	require.Equal(t, int64(3000), summary.WastedSize)
	require.Equal(t, []api.WastedFile{{Path: "var/log/app.log", TotalSize: 3000, Count: 2}}, summary.WastedList)
	require.Less(t, summary.Score, 100)

	// sizes roll up from the per-layer values
	var size, totalSize int64
	for _, layer := range result.Layers {
		size += layer.Size
		totalSize += layer.UnpackSize
	}
	require.Equal(t, size, result.Size)
	require.Equal(t, totalSize, result.TotalSize)
}
