package hooks

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/fractary/faber/internal/core"
	"github.com/fractary/faber/internal/fsutil"
)

// resolver confines hook paths to the project root and plugin directories.
type resolver struct {
	projectRoot string
	allowed     []string
}

func newResolver(projectRoot string, pluginDirs []string) (*resolver, error) {
	root, err := canonical(projectRoot)
	if err != nil {
		return nil, fmt.Errorf("resolving project root: %w", err)
	}
	r := &resolver{projectRoot: root, allowed: []string{root}}
	for _, dir := range pluginDirs {
		if !filepath.IsAbs(dir) {
			dir = filepath.Join(root, dir)
		}
		c, err := canonical(dir)
		if err != nil {
			// A plugin directory that does not exist yet cannot contain hooks.
			continue
		}
		r.allowed = append(r.allowed, c)
	}
	return r, nil
}

// resolve returns the absolute, symlink-free form of p. Traversal segments
// and paths landing outside the allowed roots are security violations; a
// missing file is a validation error.
func (r *resolver) resolve(p string) (string, error) {
	if fsutil.HasTraversal(p) {
		return "", core.ErrSecurity(core.CodePathTraversal, "hook path contains a '..' segment", p)
	}

	abs := p
	if !filepath.IsAbs(abs) {
		abs = filepath.Join(r.projectRoot, abs)
	}
	abs = filepath.Clean(abs)

	resolved, err := filepath.EvalSymlinks(abs)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			if !r.within(abs) {
				return "", r.notAllowed(p)
			}
			return "", core.ErrValidation(core.CodeInvalidHook, "hook path does not exist").WithDetail("path", p)
		}
		return "", fmt.Errorf("resolving hook path: %w", err)
	}
	if !r.within(resolved) {
		return "", r.notAllowed(p).WithDetail("resolved_path", resolved)
	}
	return resolved, nil
}

func (r *resolver) within(p string) bool {
	for _, dir := range r.allowed {
		if fsutil.WithinDir(p, dir) {
			return true
		}
	}
	return false
}

func (r *resolver) notAllowed(p string) *core.DomainError {
	return core.ErrSecurity(core.CodePathNotAllowed, "hook path is outside the project root and plugin directories", p).
		WithDetail("allowed_roots", r.allowed)
}

func canonical(dir string) (string, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return "", err
	}
	return filepath.EvalSymlinks(abs)
}
