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

// Package server exposes the analyzer over JSON/REST.
package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	pathutil "path"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/sirupsen/logrus"

	"github.com/tetratelabs/diving/api"
	"github.com/tetratelabs/diving/internal/analyzer"
	"github.com/tetratelabs/diving/internal/blob"
	"github.com/tetratelabs/diving/internal/layer"
	"github.com/tetratelabs/diving/internal/reference"
)

// latestImageCount bounds the recent-images listing.
const latestImageCount = 10

// Server handles the REST endpoints. Create with New.
type Server struct {
	analyzer *analyzer.Analyzer
	blobs    *blob.Store
	// latest tracks recently analyzed image names, most recent last.
	latest *lru.Cache[string, struct{}]
}

// New creates a Server around an analyzer and its blob store.
func New(a *analyzer.Analyzer, blobs *blob.Store) *Server {
	latest, _ := lru.New[string, struct{}](latestImageCount)
	return &Server{analyzer: a, blobs: blobs, latest: latest}
}

// Handler returns the route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ping", s.ping)
	mux.HandleFunc("/api/analyze", s.analyze)
	mux.HandleFunc("/api/file", s.file)
	mux.HandleFunc("/api/latest-images", s.latestImages)
	return mux
}

func (s *Server) ping(w http.ResponseWriter, _ *http.Request) {
	w.Write([]byte("pong")) //nolint
}

func (s *Server) analyze(w http.ResponseWriter, r *http.Request) {
	image := r.URL.Query().Get("image")
	ref, err := reference.Parse(image)
	if err != nil {
		writeError(w, r, err)
		return
	}
	result, err := s.analyzer.Analyze(r.Context(), ref)
	if err != nil {
		writeError(w, r, err)
		return
	}
	s.latest.Add(result.Name, struct{}{})
	writeJSON(w, result)
}

// file serves one file out of a layer blob already in the local store.
func (s *Server) file(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	digest := query.Get("digest")
	mediaType := query.Get("mediaType")
	file := query.Get("file")
	if digest == "" || file == "" {
		writeError(w, r, api.NewError(api.CategoryInvalidArgument, "digest and file are required"))
		return
	}
	data, err := s.blobs.Get(digest)
	if err != nil {
		writeError(w, r, api.NewError(api.CategoryBlob, err.Error()))
		return
	}
	content, err := layer.ReadFile(data, mediaType, file)
	if err != nil {
		writeError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", pathutil.Base(file)))
	w.Write(content) //nolint
}

func (s *Server) latestImages(w http.ResponseWriter, _ *http.Request) {
	keys := s.latest.Keys()
	// most recent first
	names := make([]string, 0, len(keys))
	for i := len(keys) - 1; i >= 0; i-- {
		names = append(names, keys[i])
	}
	writeJSON(w, names)
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logrus.WithError(err).Error("writing response failed")
	}
}

// writeError responds with the category error JSON and disables caching.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	e := api.WrapError(err, api.CategoryDocker)
	logrus.WithFields(logrus.Fields{"uri": r.RequestURI, "category": e.Category}).WithError(e).Error("request failed")
	status := e.Status
	if status < 400 || status > 599 {
		status = http.StatusBadRequest
	}
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(e) //nolint
}
