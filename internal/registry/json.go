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

package registry

import (
	"encoding/json"

	"github.com/opencontainers/go-digest"
	v1 "github.com/opencontainers/image-spec/specs-go/v1"

	"github.com/tetratelabs/diving/api"
	"github.com/tetratelabs/diving/internal"
)

// acceptManifest lists the manifest media types sent on manifest requests.
// See https://github.com/opencontainers/image-spec/blob/master/image-index.md
var acceptManifest = api.MediaTypeOCIImageIndex + ", " + api.MediaTypeDockerManifest + ", " + api.MediaTypeDockerManifestList

// guessManifest picks the manifest descriptor of an image index for the
// requested architecture: the first linux entry matching arch, else the
// first linux entry, else the first entry. An empty arch means the host
// architecture.
func guessManifest(index *v1.Index, arch string) (v1.Descriptor, error) {
	if len(index.Manifests) == 0 {
		return v1.Descriptor{}, api.NewError(api.CategoryDocker, "empty manifest list")
	}
	if arch == "" {
		arch = internal.HostArch()
	}
	var firstLinux *v1.Descriptor
	for i := range index.Manifests {
		m := &index.Manifests[i]
		if m.Platform == nil || m.Platform.OS != internal.OSLinux {
			continue
		}
		if m.Platform.Architecture == arch {
			return *m, nil
		}
		if firstLinux == nil {
			firstLinux = m
		}
	}
	if firstLinux != nil {
		return *firstLinux, nil
	}
	return index.Manifests[0], nil
}

// mediaTypeOf reads only the top-level mediaType of a manifest response, to
// decide whether it is a single manifest or an index.
func mediaTypeOf(data []byte) string {
	var probe struct {
		MediaType string `json:"mediaType"`
	}
	_ = json.Unmarshal(data, &probe)
	return probe.MediaType
}

// localManifest is one entry of the manifest.json inside a `docker save`
// tarball.
type localManifest struct {
	Config   string   `json:"Config"`
	RepoTags []string `json:"RepoTags"`
	Layers   []string `json:"Layers"`
}

// manifest translates the docker-save layout into an image manifest whose
// layer digests are paths inside the tarball. Sizes are filled by the
// caller from tar header probes.
func (l *localManifest) manifest() *v1.Manifest {
	m := &v1.Manifest{
		MediaType: api.MediaTypeDockerManifest,
		Config: v1.Descriptor{
			Digest: digest.Digest(l.Config),
		},
	}
	m.SchemaVersion = 2
	for _, layer := range l.Layers {
		m.Layers = append(m.Layers, v1.Descriptor{
			MediaType: api.MediaTypeDockerImageTarLayer,
			Digest:    digest.Digest(layer),
		})
	}
	return m
}
