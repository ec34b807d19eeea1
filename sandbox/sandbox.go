// Package sandbox confines user supplied local paths to a fixed set of root
// directories.
package sandbox

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// CodePathNotAllowed is the error code of every rejected path.
const CodePathNotAllowed = "path_not_allowed"

// ErrPathNotAllowed is matched by every resolution failure.
var ErrPathNotAllowed = errors.New("path not allowed")

// PathError describes a rejected path.
type PathError struct {
	Path   string
	Reason string
}

func (e *PathError) Error() string {
	return fmt.Sprintf("path not allowed: %s (%s)", e.Path, e.Reason)
}

// Code returns the stable machine-readable error code.
func (e *PathError) Code() string { return CodePathNotAllowed }

func (e *PathError) Is(target error) bool { return target == ErrPathNotAllowed }

func denied(p, reason string) error {
	return &PathError{Path: p, Reason: reason}
}

// Sandbox resolves paths against a static allow-list of roots. A Sandbox with
// no roots rejects everything.
type Sandbox struct {
	roots []string
}

// New canonicalizes roots once. Roots that do not exist yet are kept in their
// cleaned absolute form.
func New(roots []string) (*Sandbox, error) {
	s := &Sandbox{}
	seen := make(map[string]bool)
	for _, r := range roots {
		r = strings.TrimSpace(r)
		if r == "" {
			continue
		}
		abs, err := filepath.Abs(r)
		if err != nil {
			return nil, fmt.Errorf("sandbox root %q: %w", r, err)
		}
		if real, err := filepath.EvalSymlinks(abs); err == nil {
			abs = real
		} else if !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("sandbox root %q: %w", r, err)
		}
		if !seen[abs] {
			seen[abs] = true
			s.roots = append(s.roots, abs)
		}
	}
	return s, nil
}

// Roots returns the canonical roots.
func (s *Sandbox) Roots() []string {
	out := make([]string, len(s.roots))
	copy(out, s.roots)
	return out
}

// Resolve follows every symlink, including the final component. Use it for
// content reads and writes.
func (s *Sandbox) Resolve(p string) (string, error) {
	return s.resolve(p, true)
}

// ResolveNoFollow resolves the parent directory but leaves the final
// component untouched, so rename and delete act on a link itself rather than
// its target. A root itself is never a valid result.
func (s *Sandbox) ResolveNoFollow(p string) (string, error) {
	return s.resolve(p, false)
}

func (s *Sandbox) resolve(p string, follow bool) (string, error) {
	if len(s.roots) == 0 {
		return "", denied(p, "no sandbox roots configured")
	}
	if p == "" || strings.ContainsRune(p, 0) {
		return "", denied(p, "invalid path")
	}
	if !filepath.IsAbs(p) {
		return "", denied(p, "relative path")
	}
	clean := filepath.Clean(p)

	var resolved string
	if follow {
		r, err := evalExisting(clean)
		if err != nil {
			return "", denied(p, err.Error())
		}
		resolved = r
	} else {
		dir, base := filepath.Split(clean)
		if base == "" {
			return "", denied(p, "filesystem root")
		}
		parent, err := evalExisting(filepath.Clean(dir))
		if err != nil {
			return "", denied(p, err.Error())
		}
		resolved = filepath.Join(parent, base)
	}

	root := s.rootOf(resolved)
	if root == "" {
		return "", denied(p, "outside sandbox roots")
	}
	if !follow && resolved == root {
		return "", denied(p, "sandbox root itself")
	}
	return resolved, nil
}

func (s *Sandbox) rootOf(p string) string {
	for _, r := range s.roots {
		if p == r {
			return r
		}
		prefix := r
		if !strings.HasSuffix(prefix, string(filepath.Separator)) {
			prefix += string(filepath.Separator)
		}
		if strings.HasPrefix(p, prefix) {
			return r
		}
	}
	return ""
}

// evalExisting resolves symlinks in the longest existing prefix of p and
// re-attaches the missing tail. A dangling symlink anywhere on the way is an
// error since writing through it would land wherever it points.
func evalExisting(p string) (string, error) {
	var tail []string
	cur := p
	for {
		r, err := filepath.EvalSymlinks(cur)
		if err == nil {
			for i := len(tail) - 1; i >= 0; i-- {
				r = filepath.Join(r, tail[i])
			}
			return r, nil
		}
		if !errors.Is(err, fs.ErrNotExist) {
			return "", err
		}
		if _, lerr := os.Lstat(cur); lerr == nil {
			return "", fmt.Errorf("dangling symlink %s", cur)
		}
		parent := filepath.Dir(cur)
		if parent == cur {
			return "", err
		}
		tail = append(tail, filepath.Base(cur))
		cur = parent
	}
}
