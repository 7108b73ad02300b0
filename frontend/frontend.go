// Package frontend loads programs into the bounds data model. LLVM IR is read
// from textual .ll files and Go packages are translated from SSA form.
package frontend

import (
	"os"
	"path/filepath"

	"github.com/benbjohnson/bounds"
	"github.com/pkg/errors"
)

// Load reads the program at path. Files ending in ".ll" are parsed as LLVM
// IR; anything else is loaded as a Go package pattern.
func Load(path string) (*bounds.Module, error) {
	if filepath.Ext(path) == ".ll" {
		return LoadLLVM(path)
	}

	if _, err := os.Stat(path); err != nil && !isPattern(path) {
		return nil, errors.Wrap(err, "load")
	}
	return LoadGo(path)
}

// isPattern returns true if path looks like a package pattern rather than a
// file system path.
func isPattern(path string) bool {
	if path == "" {
		return false
	}
	return filepath.Base(path) == "..." || !filepath.IsAbs(path) && path[0] != '.'
}
