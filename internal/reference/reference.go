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

package reference

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/tetratelabs/diving/api"
)

const (
	// DefaultRegistry is the v2 endpoint used for bare references.
	DefaultRegistry = "https://index.docker.io/v2"
	// DefaultUser is the implied user of official images. Ex. "alpine"
	DefaultUser = "library"
	// DefaultTag is implied when a reference has no tag.
	DefaultTag = "latest"
	// LocalFile is the sentinel registry of "file://" references.
	LocalFile = "local-file"

	fileProtocol = "file://"
)

// ImageRef is a parsed image reference. The zero value is not valid: use
// Parse.
type ImageRef struct {
	// Registry is a URL root ending in "/v2", or LocalFile. For LocalFile,
	// Name holds the tar path and the remaining fields are empty.
	Registry string
	User     string
	Name     string
	Tag      string
	// Arch optionally pins the manifest architecture. Ex. "arm64"
	Arch string
}

// Parse is a simplified parser of OCI references that handles Docker
// familiar images, "host/user/name" forms, an "?arch=" suffix and
// "file://" tar paths. This is not strict, so a bad reference will result
// in an HTTP error.
func Parse(image string) (ImageRef, error) {
	if image == "" {
		return ImageRef{}, api.NewError(api.CategoryInvalidArgument, "invalid reference format")
	}
	if strings.HasPrefix(image, fileProtocol) {
		return ImageRef{Registry: LocalFile, Name: strings.TrimPrefix(image, fileProtocol)}, nil
	}

	ref := ImageRef{Registry: DefaultRegistry, User: DefaultUser}
	if index := strings.IndexByte(image, '?'); index != -1 {
		for _, item := range strings.Split(image[index+1:], "&") {
			if kv := strings.SplitN(item, "=", 2); len(kv) == 2 && kv[0] == "arch" {
				ref.Arch = kv[1]
			}
		}
		image = image[:index]
	}
	if !strings.Contains(image, ":") {
		image += ":" + DefaultTag
	}

	values := strings.FieldsFunc(image, func(r rune) bool { return r == '/' || r == ':' })
	ref.Tag, values = values[len(values)-1], values[:len(values)-1]
	switch len(values) {
	case 1:
		ref.Name = values[0]
	case 2:
		ref.User, ref.Name = values[0], values[1]
	case 3:
		// only https v2 registries are supported
		ref.Registry = fmt.Sprintf("https://%s/v2", values[0])
		ref.User, ref.Name = values[1], values[2]
	default:
		ref.User, ref.Name = "", ""
	}
	return ref, nil
}

// MustParse calls Parse or panics on error.
func MustParse(image string) ImageRef {
	ref, err := Parse(image)
	if err != nil {
		panic(err)
	}
	return ref
}

// IsLocal is true for "file://" references.
func (r ImageRef) IsLocal() bool {
	return r.Registry == LocalFile
}

// DisplayName is "user/name:tag", or the file name for local archives.
func (r ImageRef) DisplayName() string {
	if r.IsLocal() {
		return filepath.Base(r.Name)
	}
	return fmt.Sprintf("%s/%s:%s", r.User, r.Name, r.Tag)
}

// String renders the reference in its shortest spelling: defaults are
// omitted so that Parse(r.String()) == r.
func (r ImageRef) String() string {
	if r.IsLocal() {
		return fileProtocol + r.Name
	}
	var sb strings.Builder
	if r.Registry != DefaultRegistry {
		host := strings.TrimSuffix(strings.TrimPrefix(r.Registry, "https://"), "/v2")
		sb.WriteString(host)
		sb.WriteByte('/')
	}
	if r.User != DefaultUser || r.Registry != DefaultRegistry {
		sb.WriteString(r.User)
		sb.WriteByte('/')
	}
	sb.WriteString(r.Name)
	if r.Tag != DefaultTag {
		sb.WriteByte(':')
		sb.WriteString(r.Tag)
	}
	if r.Arch != "" {
		sb.WriteString("?arch=")
		sb.WriteString(r.Arch)
	}
	return sb.String()
}
