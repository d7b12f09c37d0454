// Package security confines input file access to a directory and keeps an
// append-only audit trail of generated code and runtime adaptations.
package security

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"agentfabric/internal/domain"
)

// Sandbox confines file reads to one directory tree.
type Sandbox struct {
	root string // absolute, symlinks resolved
}

// NewSandbox creates a sandbox rooted at root, which must be a directory.
func NewSandbox(root string) (*Sandbox, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve sandbox root: %w", err)
	}
	resolved, err := filepath.EvalSymlinks(abs)
	if err != nil {
		return nil, fmt.Errorf("eval symlinks for sandbox root: %w", err)
	}
	info, err := os.Stat(resolved)
	if err != nil {
		return nil, fmt.Errorf("stat sandbox root: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("sandbox root %q is not a directory", resolved)
	}
	return &Sandbox{root: resolved}, nil
}

// ValidatePath returns the resolved form of requested if it lies inside the
// root. Relative paths are taken relative to the root, not the working
// directory, so remote callers cannot depend on where the process started.
func (s *Sandbox) ValidatePath(requested string) (string, error) {
	if !filepath.IsAbs(requested) {
		requested = filepath.Join(s.root, requested)
	}
	abs := filepath.Clean(requested)

	resolved, err := filepath.EvalSymlinks(abs)
	if err != nil {
		// Missing file: check where it would live so the caller reports
		// not-found rather than a sandbox violation.
		parent, perr := filepath.EvalSymlinks(filepath.Dir(abs))
		if perr != nil {
			return "", domain.NewDomainError("Sandbox.ValidatePath", domain.ErrPathOutsideRoot, perr.Error())
		}
		resolved = filepath.Join(parent, filepath.Base(abs))
	}

	if !s.contains(resolved) {
		return "", domain.NewDomainError("Sandbox.ValidatePath", domain.ErrPathOutsideRoot,
			fmt.Sprintf("%q resolves outside %q", requested, s.root))
	}
	return resolved, nil
}

// Root returns the sandbox root directory.
func (s *Sandbox) Root() string { return s.root }

func (s *Sandbox) contains(path string) bool {
	return path == s.root || strings.HasPrefix(path, s.root+string(os.PathSeparator))
}
