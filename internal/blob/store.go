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

// Package blob is a content-addressed on-disk cache keyed by digest.
package blob

import (
	"os"
	"path/filepath"
	"time"

	"github.com/opencontainers/go-digest"
	"github.com/pkg/errors"
)

// DefaultTTL is how long an unread blob is kept by Sweep.
const DefaultTTL = 90 * 24 * time.Hour

// Store keeps one file per digest under a base directory. Writes are not
// atomic: a failed Put leaves a partial file, and readers treat any read
// error as a miss and refetch.
type Store struct {
	dir string
}

// NewStore creates the base directory when missing.
func NewStore(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrap(err, "creating blob directory")
	}
	return &Store{dir: dir}, nil
}

// Dir returns the base directory.
func (s *Store) Dir() string {
	return s.dir
}

// Get returns the stored bytes for a digest. Any failure, including an
// invalid digest, reads as a miss: the caller refetches over the network.
func (s *Store) Get(dgst string) ([]byte, error) {
	if _, err := digest.Parse(dgst); err != nil {
		return nil, errors.Wrapf(err, "invalid digest %q", dgst)
	}
	return os.ReadFile(filepath.Join(s.dir, dgst))
}

// Put writes the bytes for a digest. The digest string is the file name.
func (s *Store) Put(dgst string, data []byte) error {
	if _, err := digest.Parse(dgst); err != nil {
		return errors.Wrapf(err, "invalid digest %q", dgst)
	}
	return os.WriteFile(filepath.Join(s.dir, dgst), data, 0o644)
}

// Sweep deletes blobs whose last use is at least ttl ago. Last use is the
// later of access and modification time, falling back to modification time
// where access time is unavailable. Per-file errors don't stop the walk.
func (s *Store) Sweep(ttl time.Duration) (removed int, errs []error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return 0, []error{errors.Wrap(err, "reading blob directory")}
	}
	deadline := time.Now().Add(-ttl)
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			errs = append(errs, err)
			continue
		}
		lastUsed := info.ModTime()
		if atime, ok := accessTime(info); ok && atime.After(lastUsed) {
			lastUsed = atime
		}
		if lastUsed.After(deadline) {
			continue
		}
		if err := os.Remove(filepath.Join(s.dir, entry.Name())); err != nil {
			errs = append(errs, err)
			continue
		}
		removed++
	}
	return removed, errs
}
