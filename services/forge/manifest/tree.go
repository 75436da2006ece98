// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package manifest

import (
	"sort"
	"strings"
)

// =============================================================================
// Tree Rendering
// =============================================================================

// treeNode is an intermediate trie node for rendering.
type treeNode struct {
	isFile   bool
	children map[string]*treeNode
}

// TreeString renders file paths as a unix-tree-style listing rooted at
// ".", directories before files, case-insensitive name order:
//
//	.
//	├── src
//	│   ├── components
//	│   │   └── Header.tsx
//	│   └── main.tsx
//	└── package.json
//
// Used for human-facing plan logs in the event stream.
func TreeString(paths []string) string {
	root := &treeNode{children: map[string]*treeNode{}}

	for _, path := range paths {
		parts := strings.Split(path, "/")
		current := root
		for i, part := range parts {
			if part == "" {
				continue
			}
			isFile := i == len(parts)-1
			child, ok := current.children[part]
			if !ok {
				child = &treeNode{isFile: isFile, children: map[string]*treeNode{}}
				current.children[part] = child
			}
			if !isFile {
				current = child
			}
		}
	}

	lines := []string{"."}
	renderTree(root, "", &lines)
	return strings.Join(lines, "\n")
}

// TreeStringForManifest renders the manifest's file names as a tree.
func TreeStringForManifest(m *Manifest) string {
	return TreeString(m.Names())
}

func renderTree(node *treeNode, prefix string, lines *[]string) {
	names := make([]string, 0, len(node.children))
	for name := range node.children {
		names = append(names, name)
	}
	// Directories first, then case-insensitive by name.
	sort.Slice(names, func(i, j int) bool {
		a, b := node.children[names[i]], node.children[names[j]]
		if a.isFile != b.isFile {
			return !a.isFile
		}
		ai, bi := strings.ToLower(names[i]), strings.ToLower(names[j])
		if ai != bi {
			return ai < bi
		}
		return names[i] < names[j]
	})

	for index, name := range names {
		isLast := index == len(names)-1
		connector := "├── "
		childPrefix := prefix + "│   "
		if isLast {
			connector = "└── "
			childPrefix = prefix + "    "
		}
		*lines = append(*lines, prefix+connector+name)
		if child := node.children[name]; len(child.children) > 0 {
			renderTree(child, childPrefix, lines)
		}
	}
}
