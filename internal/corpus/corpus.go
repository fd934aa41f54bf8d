// Package corpus enumerates candidate source files under a directory tree.
package corpus

import (
	"fmt"
	"io/fs"
	"path/filepath"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// DefaultExtensions are the file extensions scanned when none are configured.
var DefaultExtensions = []string{".c", ".h"}

// Enumerate recursively walks root and returns every regular file whose
// extension is in extensions and whose path matches none of excludeGlobs.
// Hidden directories are skipped entirely. Glob patterns support *, ** and
// character classes; an invalid pattern is an error reported before the walk
// starts. An empty result is not an error.
func Enumerate(root string, extensions []string, excludeGlobs []string) ([]string, error) {
	for _, pattern := range excludeGlobs {
		if !doublestar.ValidatePattern(pattern) {
			return nil, fmt.Errorf("invalid exclude glob %q", pattern)
		}
	}

	extSet := make(map[string]bool, len(extensions))
	for _, ext := range extensions {
		extSet[ext] = true
	}

	var files []string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			// Unreadable entries are skipped, not fatal.
			if d != nil && d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if d.IsDir() {
			if path != root && strings.HasPrefix(d.Name(), ".") {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}
		if !extSet[filepath.Ext(path)] {
			return nil
		}
		if matchesAny(excludeGlobs, path) {
			return nil
		}
		files = append(files, path)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to walk %s: %w", root, err)
	}

	return files, nil
}

func matchesAny(patterns []string, path string) bool {
	slashed := filepath.ToSlash(path)
	for _, pattern := range patterns {
		// Patterns were validated up front.
		if ok, _ := doublestar.Match(pattern, slashed); ok {
			return true
		}
	}
	return false
}
