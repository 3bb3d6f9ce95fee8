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

package diff

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tetratelabs/diving/api"
)

func Test_FindInTree(t *testing.T) {
	tree := BuildTree([]api.FileInfo{
		{Path: "etc/hosts", Size: 100},
		{Path: "var/log/app.log", Size: 1000},
	}, nil)

	tests := []struct {
		name, path   string
		expectedSize int64
	}{
		{name: "leaf", path: "etc/hosts", expectedSize: 100},
		{name: "nested leaf", path: "var/log/app.log", expectedSize: 1000},
		{name: "directory", path: "var/log", expectedSize: 1000},
	}
	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			found := FindInTree(tree, strings.Split(tc.path, "/"))
			require.NotNil(t, found)
			require.Equal(t, tc.expectedSize, found.Size)
		})
	}

	require.Nil(t, FindInTree(tree, []string{"etc", "passwd"}))
	require.Nil(t, FindInTree(tree, nil))
}

func Test_BuildTree_DirectorySizes(t *testing.T) {
	tree := BuildTree([]api.FileInfo{
		{Path: "usr/bin/a", Size: 10},
		{Path: "usr/bin/b", Size: 20},
		{Path: "usr/lib/c", Size: 5},
		{Path: "top", Size: 1},
	}, nil)

	require.Len(t, tree, 2)
	usr := FindInTree(tree, []string{"usr"})
	require.Equal(t, int64(35), usr.Size)
	bin := FindInTree(tree, []string{"usr", "bin"})
	require.Equal(t, int64(30), bin.Size)
	lib := FindInTree(tree, []string{"usr", "lib"})
	require.Equal(t, int64(5), lib.Size)
	top := FindInTree(tree, []string{"top"})
	require.Equal(t, int64(1), top.Size)
}

// Test_TwoLayerModify covers a file overwritten by a later layer.
func Test_TwoLayerModify(t *testing.T) {
	layer0 := []api.FileInfo{{Path: "etc/hosts", Size: 100}}
	layer1 := []api.FileInfo{{Path: "etc/hosts", Size: 120}}

	var summaries []api.FileSummary
	trees := [][]api.FileTreeItem{BuildTree(layer0, summaries)}

	summaries = AppendFileSummaries(summaries, 1, layer1, trees)
	require.Equal(t, []api.FileSummary{
		{LayerIndex: 1, Op: api.OpModified, Info: api.FileInfo{Path: "etc/hosts", Size: 120}},
	}, summaries)

	tree1 := BuildTree(layer1, summaries)
	leaf := FindInTree(tree1, []string{"etc", "hosts"})
	require.Equal(t, api.OpModified, leaf.Op)
	etc := FindInTree(tree1, []string{"etc"})
	require.Equal(t, api.OpModified, etc.Op)
}

// Test_ThreeLayerWhiteout covers a modify followed by a whiteout: the
// removed entry takes its size from the most recent earlier tree.
func Test_ThreeLayerWhiteout(t *testing.T) {
	layer0 := []api.FileInfo{{Path: "var/log/app.log", Size: 1000}}
	layer1 := []api.FileInfo{{Path: "var/log/app.log", Size: 1500}}
	layer2 := []api.FileInfo{{Path: "var/log/app.log", Size: 0, IsWhiteout: true}}

	var summaries []api.FileSummary
	trees := [][]api.FileTreeItem{BuildTree(layer0, summaries)}

	summaries = AppendFileSummaries(summaries, 1, layer1, trees)
	trees = append(trees, BuildTree(layer1, summaries))
	summaries = AppendFileSummaries(summaries, 2, layer2, trees)

	require.Equal(t, []api.FileSummary{
		{LayerIndex: 1, Op: api.OpModified, Info: api.FileInfo{Path: "var/log/app.log", Size: 1500}},
		{LayerIndex: 2, Op: api.OpRemoved, Info: api.FileInfo{Path: "var/log/app.log", Size: 1500, IsWhiteout: true}},
	}, summaries)

	tree2 := BuildTree(layer2, summaries)
	leaf := FindInTree(tree2, []string{"var", "log", "app.log"})
	require.Equal(t, api.OpRemoved, leaf.Op)
	// Removed does not propagate to directories
	log := FindInTree(tree2, []string{"var", "log"})
	require.Equal(t, api.OpNone, log.Op)
}

// Test_AppendFileSummaries_NewFile checks files without earlier state make
// no summary entries.
func Test_AppendFileSummaries_NewFile(t *testing.T) {
	trees := [][]api.FileTreeItem{BuildTree([]api.FileInfo{{Path: "a", Size: 1}}, nil)}
	summaries := AppendFileSummaries(nil, 1, []api.FileInfo{{Path: "b", Size: 2}}, trees)
	require.Empty(t, summaries)
}
