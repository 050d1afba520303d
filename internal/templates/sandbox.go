package templates

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// MaxTemplateSize bounds a notification template file.
const MaxTemplateSize = 64 << 10

// Sandbox confines notification template files to a single directory.
type Sandbox struct {
	root string
}

// NewSandbox roots a sandbox at root, which must exist and be a directory.
func NewSandbox(root string) (*Sandbox, error) {
	if strings.TrimSpace(root) == "" {
		return nil, errors.New("templates: sandbox root required")
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("templates: resolve root: %w", err)
	}
	if abs, err = filepath.EvalSymlinks(abs); err != nil {
		return nil, fmt.Errorf("templates: eval root symlinks: %w", err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return nil, fmt.Errorf("templates: stat root: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("templates: root %q is not a directory", abs)
	}
	return &Sandbox{root: abs}, nil
}

func (s *Sandbox) Root() string { return s.root }

// Resolve maps path (relative to the root, or absolute) to a real file inside
// the sandbox. Symlinks are followed before the containment check; a path that
// escapes is reported as such even when it does not exist.
func (s *Sandbox) Resolve(path string) (string, error) {
	if s == nil {
		return "", errors.New("templates: sandbox is nil")
	}
	candidate := filepath.Clean(path)
	if !filepath.IsAbs(candidate) {
		candidate = filepath.Join(s.root, candidate)
	}
	if !s.within(candidate) {
		return "", fmt.Errorf("templates: path %q escapes sandbox", path)
	}
	real, err := filepath.EvalSymlinks(candidate)
	if err != nil {
		return "", fmt.Errorf("templates: resolve %q: %w", path, err)
	}
	if !s.within(real) {
		return "", fmt.Errorf("templates: path %q escapes sandbox", path)
	}
	return real, nil
}

// Read returns the contents of a regular template file inside the sandbox.
func (s *Sandbox) Read(path string) (string, string, error) {
	resolved, err := s.Resolve(path)
	if err != nil {
		return "", "", err
	}
	f, err := os.Open(resolved)
	if err != nil {
		return "", "", fmt.Errorf("templates: open %q: %w", path, err)
	}
	defer func() { _ = f.Close() }()

	info, err := f.Stat()
	if err != nil {
		return "", "", fmt.Errorf("templates: stat %q: %w", path, err)
	}
	if !info.Mode().IsRegular() {
		return "", "", fmt.Errorf("templates: %q is not a regular file", path)
	}
	contents, err := io.ReadAll(io.LimitReader(f, MaxTemplateSize+1))
	if err != nil {
		return "", "", fmt.Errorf("templates: read %q: %w", path, err)
	}
	if len(contents) > MaxTemplateSize {
		return "", "", fmt.Errorf("templates: %q exceeds %d bytes", path, MaxTemplateSize)
	}
	return filepath.Base(resolved), string(contents), nil
}

func (s *Sandbox) within(candidate string) bool {
	rel, err := filepath.Rel(s.root, candidate)
	if err != nil {
		return false
	}
	return rel == "." || (rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)))
}
