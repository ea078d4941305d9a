package archive

import (
	"strings"

	"github.com/rcliao/dossier-cache/internal/model"
)

const (
	emptyDossierName    = "Empty Dossier"
	fallbackDossierName = "Dossier Files"
)

// Entry is the minimal view of an archive entry needed to build a tree.
type Entry struct {
	Name string
	Dir  bool
	Size int64
}

// BuildTree builds the document hierarchy for the given entries. Every path
// segment of every entry is represented exactly once; folder children keep
// first-seen order.
func BuildTree(rootName string, entries []Entry) *model.Node {
	root := &model.Node{Name: rootName, Path: "", Kind: model.KindFolder, Children: []*model.Node{}}
	index := map[string]*model.Node{"": root}

	for _, e := range entries {
		parts := splitPath(e.Name)
		current := root
		for i, part := range parts {
			nodePath := strings.Join(parts[:i+1], "/")
			existing, ok := index[nodePath]
			if !ok {
				isFile := !e.Dir && i == len(parts)-1
				existing = &model.Node{Name: part, Path: nodePath}
				if isFile {
					existing.Kind = model.KindFile
					existing.Size = e.Size
				} else {
					existing.Kind = model.KindFolder
					existing.Children = []*model.Node{}
				}
				index[nodePath] = existing
				current.Children = append(current.Children, existing)
			}
			if !existing.IsFolder() && i < len(parts)-1 {
				// A file shadows a folder of the same path; nothing can live under it.
				break
			}
			current = existing
		}
	}
	return root
}

// RootName derives the dossier name from the common top-level folder shared
// by all entry names.
func RootName(names []string) string {
	var paths []string
	for _, n := range names {
		if strings.TrimSpace(n) != "" {
			paths = append(paths, n)
		}
	}
	if len(paths) == 0 {
		return emptyDossierName
	}

	rootFolder := strings.SplitN(paths[0], "/", 2)[0]
	for _, p := range paths {
		if p != rootFolder && !strings.HasPrefix(p, rootFolder+"/") {
			return fallbackDossierName
		}
	}
	return rootFolder
}

// CountFiles returns the number of file nodes under n.
func CountFiles(n *model.Node) int {
	if n == nil {
		return 0
	}
	if !n.IsFolder() {
		return 1
	}
	count := 0
	for _, c := range n.Children {
		count += CountFiles(c)
	}
	return count
}

// Flatten returns every node under root keyed by path.
func Flatten(root *model.Node) map[string]*model.Node {
	result := make(map[string]*model.Node)
	if root == nil {
		return result
	}
	flattenRecursive(root, result)
	return result
}

func flattenRecursive(n *model.Node, result map[string]*model.Node) {
	result[n.Path] = n
	for _, c := range n.Children {
		flattenRecursive(c, result)
	}
}

func splitPath(name string) []string {
	raw := strings.Split(name, "/")
	parts := raw[:0:0]
	for _, p := range raw {
		if strings.TrimSpace(p) != "" {
			parts = append(parts, p)
		}
	}
	return parts
}
