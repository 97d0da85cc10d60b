package source_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"moria.us/elfhex/errs"
	"moria.us/elfhex/source"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	full := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(full, []byte(content), 0o644))
	return full
}

func TestLoaderParsesAndCaches(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "a.eh", "program 3 < 4096\nsegment text(flags: rx) {\n  90\n}\n")

	l := source.NewLoader([]string{dir})
	res, err := l.Load("", "a.eh")
	require.NoError(t, err)
	require.NotNil(t, res.File)
	assert.False(t, res.AlreadyLoaded)
	assert.Len(t, res.File.Segments, 1)

	res2, err := l.Load("", "a.eh")
	require.NoError(t, err)
	assert.True(t, res2.AlreadyLoaded)
	assert.Same(t, res.File, res2.File)
}

func TestLoaderFileNotFound(t *testing.T) {
	l := source.NewLoader([]string{t.TempDir()})
	_, err := l.Load("", "missing.eh")
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.FileNotFound))
}

func TestLoaderSearchPathOrder(t *testing.T) {
	dir1 := t.TempDir()
	dir2 := t.TempDir()
	writeFile(t, dir2, "b.eh", "program 3 < 4096\n")

	l := source.NewLoader([]string{dir1, dir2})
	res, err := l.Load("", "b.eh")
	require.NoError(t, err)
	assert.Equal(t, uint16(3), res.File.Decl.Machine)
}
