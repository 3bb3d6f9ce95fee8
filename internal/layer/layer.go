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

// Package layer decodes filesystem layer blobs: tar, tar+gzip or tar+zstd.
package layer

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"io"
	"os"
	pathutil "path"
	"strings"

	"github.com/klauspost/compress/zstd"

	"github.com/tetratelabs/diving/api"
)

// Error codes of api.CategoryLayer errors.
const (
	CodeGzipDecode = "GzipDecode"
	CodeZstdDecode = "ZstdDecode"
	CodeTar        = "Tar"
	CodeNotFound   = "NotFound"
)

// whiteoutPrefix hides the same name in lower layers.
// See https://github.com/opencontainers/image-spec/blob/master/layer.md#whiteouts
const whiteoutPrefix = ".wh."

// Info is a fully decoded layer blob.
type Info struct {
	// Size is the wire size of the blob.
	Size int64
	// UnpackSize is the byte count after decompression. Equal to Size when
	// the blob is an uncompressed tar.
	UnpackSize int64
	// Files holds the non-directory entries in archive order.
	Files []api.FileInfo
}

func newError(code, message string) *api.Error {
	e := api.NewError(api.CategoryLayer, message)
	e.Code = code
	return e
}

// unpack decompresses data according to the layer media type. The choice is
// by substring so that OCI and Docker spellings both match.
func unpack(data []byte, mediaType string) ([]byte, error) {
	switch {
	case strings.Contains(mediaType, "gzip"):
		zr, err := gzip.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, newError(CodeGzipDecode, err.Error())
		}
		defer zr.Close() //nolint
		buf, err := io.ReadAll(zr)
		if err != nil {
			return nil, newError(CodeGzipDecode, err.Error())
		}
		return buf, nil
	case strings.Contains(mediaType, "zstd"):
		zr, err := zstd.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, newError(CodeZstdDecode, err.Error())
		}
		defer zr.Close()
		buf, err := io.ReadAll(zr)
		if err != nil {
			return nil, newError(CodeZstdDecode, err.Error())
		}
		return buf, nil
	default:
		return data, nil
	}
}

// Decode enumerates every entry of a layer blob.
func Decode(data []byte, mediaType string) (*Info, error) {
	buf, err := unpack(data, mediaType)
	if err != nil {
		return nil, err
	}
	info := &Info{Size: int64(len(data)), UnpackSize: int64(len(buf))}

	tr := tar.NewReader(bytes.NewReader(buf))
	for {
		th, err := tr.Next()
		if err == io.EOF {
			break
		} else if err != nil {
			return nil, newError(CodeTar, err.Error())
		}
		// Directories are reconstructed by the tree builder.
		if th.Typeflag == tar.TypeDir || strings.HasSuffix(th.Name, "/") {
			continue
		}

		path := normalizePath(th.Name)
		path, isWhiteout := stripWhiteout(path)
		info.Files = append(info.Files, api.FileInfo{
			Path:       path,
			Link:       th.Linkname,
			Size:       th.Size,
			Mode:       th.FileInfo().Mode().String(),
			UID:        th.Uid,
			GID:        th.Gid,
			IsWhiteout: isWhiteout,
		})
	}
	return info, nil
}

// ReadFile extracts one entry from a layer blob.
func ReadFile(data []byte, mediaType, path string) ([]byte, error) {
	buf, err := unpack(data, mediaType)
	if err != nil {
		return nil, err
	}
	return readFromTar(tar.NewReader(bytes.NewReader(buf)), path)
}

// ReadFileFromTar extracts one entry from a plain tar file on disk, such as
// the output of `docker save`.
func ReadFileFromTar(tarPath, path string) ([]byte, error) {
	f, err := os.Open(tarPath)
	if err != nil {
		return nil, newError(CodeTar, err.Error())
	}
	defer f.Close() //nolint
	return readFromTar(tar.NewReader(f), path)
}

// FileSizeInTar is a header-only probe: zero when path is absent.
func FileSizeInTar(tarPath, path string) (int64, error) {
	f, err := os.Open(tarPath)
	if err != nil {
		return 0, newError(CodeTar, err.Error())
	}
	defer f.Close() //nolint

	tr := tar.NewReader(f)
	for {
		th, err := tr.Next()
		if err == io.EOF {
			return 0, nil
		} else if err != nil {
			return 0, newError(CodeTar, err.Error())
		}
		if normalizePath(th.Name) == path {
			return th.Size, nil
		}
	}
}

func readFromTar(tr *tar.Reader, path string) ([]byte, error) {
	for {
		th, err := tr.Next()
		if err == io.EOF {
			break
		} else if err != nil {
			return nil, newError(CodeTar, err.Error())
		}
		if normalizePath(th.Name) != path {
			continue
		}
		b, err := io.ReadAll(tr)
		if err != nil {
			return nil, newError(CodeTar, err.Error())
		}
		return b, nil
	}
	return nil, newError(CodeNotFound, "file not found: "+path)
}

// normalizePath makes entry names comparable: forward slashes only, no
// leading slash or "./".
func normalizePath(name string) string {
	return strings.TrimPrefix(pathutil.Clean(name), "/")
}

// stripWhiteout removes one whiteout prefix from the final path component.
// "usr/bin/.wh.static" becomes "usr/bin/static". Doubled prefixes are
// stripped once only, so opaque markers stay literal.
func stripWhiteout(path string) (string, bool) {
	base := pathutil.Base(path)
	if !strings.HasPrefix(base, whiteoutPrefix) {
		return path, false
	}
	base = strings.TrimPrefix(base, whiteoutPrefix)
	if dir := pathutil.Dir(path); dir != "." {
		return dir + "/" + base, true
	}
	return base, true
}
