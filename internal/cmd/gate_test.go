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

package cmd

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
)

// writeFixture lays out a two-layer docker-save tarball where the second
// layer overwrites the first layer's only file, wasting its bytes.
func writeFixture(t *testing.T) string {
	entry := func(tw *tar.Writer, name string, body []byte) {
		require.NoError(t, tw.WriteHeader(&tar.Header{
			Name: name, Mode: 0o644, Size: int64(len(body)), Typeflag: tar.TypeReg,
		}))
		_, err := tw.Write(body)
		require.NoError(t, err)
	}
	layerTar := func(body string) []byte {
		var buf bytes.Buffer
		tw := tar.NewWriter(&buf)
		entry(tw, "etc/hosts", []byte(body))
		require.NoError(t, tw.Close())
		return buf.Bytes()
	}

	created := time.Date(2023, 6, 1, 0, 0, 0, 0, time.UTC)
	config := v1.Image{}
	config.Architecture, config.OS = "amd64", "linux"
	config.History = []v1.History{
		{Created: &created, CreatedBy: "ADD hosts"},
		{Created: &created, CreatedBy: "RUN rewrite hosts"},
	}
	configJSON, err := json.Marshal(&config)
	require.NoError(t, err)
	manifestJSON, err := json.Marshal([]map[string]interface{}{{
		"Config":   "config.json",
		"RepoTags": []string{"test:latest"},
		"Layers":   []string{"l0/layer.tar", "l1/layer.tar"},
	}})
	require.NoError(t, err)

	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	entry(tw, "manifest.json", manifestJSON)
	entry(tw, "config.json", configJSON)
	entry(tw, "l0/layer.tar", layerTar(strings.Repeat("a", 512)))
	entry(tw, "l1/layer.tar", layerTar(strings.Repeat("b", 1024)))
	require.NoError(t, tw.Close())

	path := filepath.Join(t.TempDir(), "image.tar")
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0o644))
	return path
}

func Test_Run_Terminal(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	t.Setenv("CI", "")
	image := "file://" + writeFixture(t)

	stdout, stderr := new(bytes.Buffer), new(bytes.Buffer)
	code := Run(context.Background(), stdout, stderr, []string{"diving", image})
	require.Equal(t, 0, code, stderr.String())
	require.Contains(t, stdout.String(), "image.tar")
	require.Contains(t, stdout.String(), "score:")
}

// Test_Run_OutputFileGate checks the CI path: the result lands as JSON and
// the wasted bytes fail the configured efficiency floor.
func Test_Run_OutputFileGate(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)
	divingDir := filepath.Join(home, ".diving")
	require.NoError(t, os.MkdirAll(divingDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(divingDir, "config.yml"),
		[]byte("lowest_efficiency: 0.99\n"), 0o644))

	image := "file://" + writeFixture(t)
	outputFile := filepath.Join(home, "report.json")

	stdout, stderr := new(bytes.Buffer), new(bytes.Buffer)
	code := Run(context.Background(), stdout, stderr, []string{"diving", "--output-file", outputFile, image})
	require.Equal(t, 1, code)
	require.Contains(t, stderr.String(), "lowestEfficiency")

	data, err := os.ReadFile(outputFile)
	require.NoError(t, err)
	var result api.AnalysisResult
	require.NoError(t, json.Unmarshal(data, &result))
	require.Equal(t, "image.tar", result.Name)
	require.Len(t, result.Layers, 2)
	require.Len(t, result.FileSummaryList, 1)
}
