package engine

import (
	"context"
	"fmt"
	"path"
	"sort"

	"github.com/franksops/fileops/provider"
)

// WalkFunc is called for every entry below the walk root. rel is relative to
// the root and always uses forward slashes. A directory is reported before
// any of its contents. Returning an error stops the walk.
type WalkFunc func(rel string, info provider.FileInfo) error

// Walker traverses a directory tree iteratively.
// It avoids deep recursion to prevent stack overflows on very deep directory structures.
// Symlinks are reported to Skipped and never followed, so a tree copy cannot
// leave its root or loop.
type Walker struct {
	Provider provider.Provider
	// Join builds provider paths. Defaults to path.Join.
	Join func(elem ...string) string
	// Skipped is called for every symlink that was not followed.
	Skipped func(rel string)
}

// NewWalker creates a new iterative directory walker.
func NewWalker(p provider.Provider) *Walker {
	return &Walker{Provider: p, Join: path.Join}
}

// Walk lists root and everything below it, calling fn for each entry.
func (w *Walker) Walk(ctx context.Context, root string, fn WalkFunc) error {
	join := w.Join
	if join == nil {
		join = path.Join
	}

	stack := []string{""}

	for len(stack) > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		// Pop item
		rel := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		dir := root
		if rel != "" {
			dir = join(root, rel)
		}

		entries, err := w.Provider.List(ctx, dir)
		if err != nil {
			return fmt.Errorf("list %s: %w", dir, err)
		}
		sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

		// Push subdirectories in reverse so they pop in name order.
		var subdirs []string
		for _, entry := range entries {
			entryRel := entry.Name()
			if rel != "" {
				entryRel = rel + "/" + entry.Name()
			}

			if provider.IsSymlink(entry) {
				if w.Skipped != nil {
					w.Skipped(entryRel)
				}
				continue
			}

			if err := fn(entryRel, entry); err != nil {
				return err
			}
			if entry.IsDir() {
				subdirs = append(subdirs, entryRel)
			}
		}
		for i := len(subdirs) - 1; i >= 0; i-- {
			stack = append(stack, subdirs[i])
		}
	}

	return nil
}
