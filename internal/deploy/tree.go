package deploy

import (
	"context"
	"fmt"
	"path"
)

// TreeNode is one entry of the upload root listing.
type TreeNode struct {
	ID           int         `json:"id" yaml:"id"`
	Label        string      `json:"label" yaml:"label"`
	IsFolder     bool        `json:"isFolder" yaml:"isFolder"`
	RelativePath string      `json:"path" yaml:"path"`
	Unreadable   bool        `json:"unreadable,omitempty" yaml:"unreadable,omitempty"`
	Children     []*TreeNode `json:"children,omitempty" yaml:"children,omitempty"`
}

// BuildDirectoryListing walks the upload root starting at rel ("" for the
// root) and returns the tree. IDs follow pre-order starting at 1 and siblings
// are sorted by name. The walk keeps an explicit stack so depth is bounded
// only by memory. A folder below rel that cannot be read is kept as an
// empty node marked Unreadable.
func (r *Repository) BuildDirectoryListing(ctx context.Context, rel string) (*TreeNode, error) {
	if r.fsmgr == nil {
		return nil, fmt.Errorf("no upload root configured: %w", ErrNotFound)
	}

	label := "/"
	if rel != "" {
		label = path.Base(rel)
	}
	root := &TreeNode{Label: label, IsFolder: true, RelativePath: rel}

	stack := []*TreeNode{root}
	nextID := 1
	for len(stack) > 0 {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		n := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		n.ID = nextID
		nextID++

		if !n.IsFolder {
			continue
		}

		entries, err := r.fsmgr.ReadDir(n.RelativePath)
		if err != nil {
			if n == root {
				return nil, fmt.Errorf("listing %q: %w", n.RelativePath, err)
			}
			r.logger.Warn("skipping unreadable folder", "path", n.RelativePath, "error", err)
			n.Unreadable = true
			continue
		}
		for _, e := range entries {
			childRel := path.Join(n.RelativePath, e.Name())
			if r.fsmgr.IsIgnored(childRel) {
				continue
			}
			if !e.IsDir() && !e.Type().IsRegular() {
				continue
			}
			n.Children = append(n.Children, &TreeNode{
				Label:        e.Name(),
				IsFolder:     e.IsDir(),
				RelativePath: childRel,
			})
		}

		// Push in reverse so the first child is visited next.
		for i := len(n.Children) - 1; i >= 0; i-- {
			stack = append(stack, n.Children[i])
		}
	}

	return root, nil
}
