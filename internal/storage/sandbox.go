// Package storage confines segment paths to the recording root.
package storage

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ErrEscapesSandbox is returned for paths that resolve outside the root.
var ErrEscapesSandbox = errors.New("path escapes sandbox")

// Sandbox resolves paths within a base directory.
type Sandbox struct {
	baseDir string
}

// NewSandbox creates a Sandbox rooted at baseDir, creating it if needed.
func NewSandbox(baseDir string) (*Sandbox, error) {
	absPath, err := filepath.Abs(baseDir)
	if err != nil {
		return nil, fmt.Errorf("getting absolute path: %w", err)
	}
	if err := os.MkdirAll(absPath, 0o755); err != nil {
		return nil, fmt.Errorf("creating base directory: %w", err)
	}
	return &Sandbox{baseDir: absPath}, nil
}

// BaseDir returns the absolute path to the sandbox base directory.
func (s *Sandbox) BaseDir() string {
	return s.baseDir
}

// ResolvePath returns the absolute form of p. Relative paths are taken
// from the base directory; absolute paths must already lie beneath it.
// The base directory itself is rejected since a segment needs its own
// directory.
func (s *Sandbox) ResolvePath(p string) (string, error) {
	if p == "" {
		return "", fmt.Errorf("%w: empty path", ErrEscapesSandbox)
	}
	full := p
	if !filepath.IsAbs(p) {
		full = filepath.Join(s.baseDir, p)
	}
	full = filepath.Clean(full)

	if !s.Contains(full) {
		return "", fmt.Errorf("%w: %s", ErrEscapesSandbox, p)
	}
	return full, nil
}

// Contains reports whether the absolute path p lies strictly beneath the
// base directory.
func (s *Sandbox) Contains(p string) bool {
	return strings.HasPrefix(filepath.Clean(p), s.baseDir+string(filepath.Separator))
}
