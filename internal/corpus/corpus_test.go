package corpus

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, path string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte("int x;\n"), 0o644))
}

func TestEnumerate_ExtensionFilter(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "fs", "pipe.c"))
	writeFile(t, filepath.Join(root, "include", "pipe.h"))
	writeFile(t, filepath.Join(root, "Makefile"))
	writeFile(t, filepath.Join(root, "scripts", "gen.py"))

	files, err := Enumerate(root, DefaultExtensions, nil)
	require.NoError(t, err)

	assert.Len(t, files, 2)
	for _, f := range files {
		ext := filepath.Ext(f)
		assert.Contains(t, []string{".c", ".h"}, ext)
	}
}

func TestEnumerate_SkipsHiddenDirs(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "kernel", "fork.c"))
	writeFile(t, filepath.Join(root, ".git", "objects", "blob.c"))
	writeFile(t, filepath.Join(root, ".cache", "x.h"))

	files, err := Enumerate(root, DefaultExtensions, nil)
	require.NoError(t, err)

	require.Len(t, files, 1)
	assert.Contains(t, files[0], "fork.c")
}

func TestEnumerate_ExcludeGlobs(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "drivers", "gpu", "nouveau.c"))
	writeFile(t, filepath.Join(root, "drivers", "net", "e1000.c"))
	writeFile(t, filepath.Join(root, "fs", "pipe.c"))

	files, err := Enumerate(root, DefaultExtensions, []string{"**/drivers/**"})
	require.NoError(t, err)

	require.Len(t, files, 1)
	assert.Contains(t, files[0], "pipe.c")
}

func TestEnumerate_ExcludeCharacterClass(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "a.c"))
	writeFile(t, filepath.Join(root, "b.c"))
	writeFile(t, filepath.Join(root, "z.c"))

	files, err := Enumerate(root, DefaultExtensions, []string{"**/[ab].c"})
	require.NoError(t, err)

	require.Len(t, files, 1)
	assert.Contains(t, files[0], "z.c")
}

func TestEnumerate_InvalidGlob(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "a.c"))

	_, err := Enumerate(root, DefaultExtensions, []string{"[unclosed"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid exclude glob")
}

func TestEnumerate_EmptyResult(t *testing.T) {
	root := t.TempDir()

	files, err := Enumerate(root, DefaultExtensions, nil)
	require.NoError(t, err)
	assert.Empty(t, files)
}
