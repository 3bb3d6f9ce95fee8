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

// Package diving analyzes container images layer by layer: which files
// each layer adds, modifies or removes, and how many bytes are wasted on
// duplicates and shadowed files.
package diving

import (
	"context"

	"github.com/tetratelabs/diving/api"
	"github.com/tetratelabs/diving/internal/analyzer"
	"github.com/tetratelabs/diving/internal/blob"
	"github.com/tetratelabs/diving/internal/config"
	"github.com/tetratelabs/diving/internal/reference"
)

// Analyze parses an image reference such as "alpine:3.18",
// "ghcr.io/user/app:v1?arch=arm64" or "file://image.tar" and analyzes it
// with the configuration from $HOME/.diving.
func Analyze(ctx context.Context, image string) (*api.AnalysisResult, error) {
	ref, err := reference.Parse(image)
	if err != nil {
		return nil, err
	}
	cfg, err := config.Load("")
	if err != nil {
		return nil, err
	}
	store, err := blob.NewStore(cfg.LayerDir())
	if err != nil {
		return nil, api.WrapError(err, api.CategoryBlob)
	}
	return analyzer.New(store, cfg.Threads).Analyze(ctx, ref)
}
