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

// Package diff categorizes layer files against the union of earlier layers
// and builds per-layer file trees.
package diff

import (
	"strings"

	"github.com/tetratelabs/diving/api"
)

// FindInTree walks a file tree along the path components and returns the
// matching node or nil.
func FindInTree(items []api.FileTreeItem, pathList []string) *api.FileTreeItem {
	if len(pathList) == 0 {
		return nil
	}
	for i := range items {
		if items[i].Name != pathList[0] {
			continue
		}
		if len(pathList) == 1 {
			return &items[i]
		}
		return FindInTree(items[i].Children, pathList[1:])
	}
	return nil
}

// AppendFileSummaries records one Modified or Removed entry for every file
// of layerIndex that shadows a path present in an earlier tree. A whiteout
// entry takes its size from the most recent earlier tree containing the
// path. The base layer never produces entries.
func AppendFileSummaries(summaries []api.FileSummary, layerIndex int, files []api.FileInfo, earlierTrees [][]api.FileTreeItem) []api.FileSummary {
	for _, file := range files {
		pathList := strings.Split(file.Path, "/")
		for j := len(earlierTrees) - 1; j >= 0; j-- {
			found := FindInTree(earlierTrees[j], pathList)
			if found == nil {
				continue
			}
			op := api.OpModified
			info := file
			if file.IsWhiteout {
				op = api.OpRemoved
				info.Size = found.Size
			}
			summaries = append(summaries, api.FileSummary{LayerIndex: layerIndex, Op: op, Info: info})
			break
		}
	}
	return summaries
}

// BuildTree converts the files of one layer into a tree. Directory nodes
// are created on demand, and each file adds its size to every ancestor
// exactly once. A leaf is Removed when it is a whiteout, Modified when the
// summary list holds its path, and None otherwise. Modified, but not
// Removed, propagates to ancestor directories that would otherwise be None.
func BuildTree(files []api.FileInfo, summaries []api.FileSummary) []api.FileTreeItem {
	modified := map[string]struct{}{}
	for i := range summaries {
		modified[summaries[i].Info.Path] = struct{}{}
	}

	tree := []api.FileTreeItem{}
	for _, file := range files {
		pathList := strings.Split(file.Path, "/")
		op := api.OpNone
		if file.IsWhiteout {
			op = api.OpRemoved
		} else if _, ok := modified[file.Path]; ok {
			op = api.OpModified
		}
		leaf := api.FileTreeItem{
			Name: pathList[len(pathList)-1],
			Link: file.Link,
			Size: file.Size,
			Mode: file.Mode,
			UID:  file.UID,
			GID:  file.GID,
			Op:   op,
		}
		tree = insert(tree, pathList[:len(pathList)-1], leaf)
	}
	return tree
}

func insert(items []api.FileTreeItem, dirs []string, leaf api.FileTreeItem) []api.FileTreeItem {
	if len(dirs) == 0 {
		return append(items, leaf)
	}
	index := -1
	for i := range items {
		if items[i].Name == dirs[0] {
			index = i
			items[i].Size += leaf.Size
			if items[i].Op == api.OpNone && leaf.Op == api.OpModified {
				items[i].Op = api.OpModified
			}
			break
		}
	}
	if index == -1 {
		op := api.OpNone
		if leaf.Op == api.OpModified {
			op = api.OpModified
		}
		items = append(items, api.FileTreeItem{Name: dirs[0], Size: leaf.Size, Op: op})
		index = len(items) - 1
	}
	items[index].Children = insert(items[index].Children, dirs[1:], leaf)
	return items
}
