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

package blob

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/opencontainers/go-digest"
	"github.com/stretchr/testify/require"
)

func testDigest(data string) string {
	return digest.FromString(data).String()
}

func Test_PutGet(t *testing.T) {
	store, err := NewStore(filepath.Join(t.TempDir(), "layers"))
	require.NoError(t, err)

	dgst := testDigest("hello")
	_, err = store.Get(dgst)
	require.Error(t, err) // miss before Put

	require.NoError(t, store.Put(dgst, []byte("hello")))
	data, err := store.Get(dgst)
	require.NoError(t, err)
	require.Equal(t, []byte("hello"), data)

	// the file name is the digest string verbatim
	_, err = os.Stat(filepath.Join(store.Dir(), dgst))
	require.NoError(t, err)
}

func Test_InvalidDigest(t *testing.T) {
	store, err := NewStore(t.TempDir())
	require.NoError(t, err)

	require.Error(t, store.Put("../escape", []byte("x")))
	_, err = store.Get("../escape")
	require.Error(t, err)
}

func Test_Sweep(t *testing.T) {
	store, err := NewStore(t.TempDir())
	require.NoError(t, err)

	oldDigest, newDigest := testDigest("old"), testDigest("new")
	require.NoError(t, store.Put(oldDigest, []byte("old")))
	require.NoError(t, store.Put(newDigest, []byte("new")))

	// age one blob past the 90 day TTL
	stale := time.Now().Add(-91 * 24 * time.Hour)
	require.NoError(t, os.Chtimes(filepath.Join(store.Dir(), oldDigest), stale, stale))

	removed, errs := store.Sweep(DefaultTTL)
	require.Empty(t, errs)
	require.Equal(t, 1, removed)

	_, err = store.Get(oldDigest)
	require.Error(t, err)
	data, err := store.Get(newDigest)
	require.NoError(t, err)
	require.Equal(t, []byte("new"), data)

	// sweeping again removes nothing
	removed, errs = store.Sweep(DefaultTTL)
	require.Empty(t, errs)
	require.Zero(t, removed)
}
