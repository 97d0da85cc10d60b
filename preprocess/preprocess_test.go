package preprocess_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"moria.us/elfhex/asm"
	"moria.us/elfhex/errs"
	"moria.us/elfhex/preprocess"
	"moria.us/elfhex/source"
)

func write(t *testing.T, dir, name, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644))
}

func TestMergeBasicIncludeAndSegmentMerge(t *testing.T) {
	dir := t.TempDir()
	write(t, dir, "lib.eh", "program 3 < 8192\nsegment text(flags: rx) {\n  90\n}\n")
	write(t, dir, "main.eh", "program 3 < 4096\ninclude \"lib.eh\"\nsegment text(flags: rx) {\n  90\n}\n")

	l := source.NewLoader([]string{dir})
	m, err := preprocess.Merge(filepath.Join(dir, "main.eh"), l, 64)
	require.NoError(t, err)

	assert.Equal(t, 8192, m.Decl.Align, "alignment should take the max across files")
	require.Len(t, m.Segments, 1)
	seg, ok := m.Segment("text")
	require.True(t, ok)
	assert.Len(t, seg.Elements, 2, "lib's and main's text elements should merge into one segment")
}

func TestMergeFragmentsOnlySuppressesSegments(t *testing.T) {
	dir := t.TempDir()
	write(t, dir, "frags.eh", "program 3 < 4096\nsegment hidden(flags: rx) {\n  90\n}\nfragment f() {\n  90\n}\n")
	write(t, dir, "main.eh", "program 3 < 4096\ninclude fragments \"frags.eh\"\nsegment text(flags: rx) {\n  90\n}\n")

	l := source.NewLoader([]string{dir})
	m, err := preprocess.Merge(filepath.Join(dir, "main.eh"), l, 64)
	require.NoError(t, err)

	_, ok := m.Segment("hidden")
	assert.False(t, ok, "fragments-only include must not contribute segments")
	_, ok = m.Segment("text")
	assert.True(t, ok)
	_, ok = m.Fragments["f"]
	assert.True(t, ok, "fragments-only include must still contribute fragments")
}

func TestMergeCycleTerminates(t *testing.T) {
	dir := t.TempDir()
	write(t, dir, "a.eh", "program 3 < 4096\ninclude \"b.eh\"\nsegment text(flags: rx) {\n  90\n}\n")
	write(t, dir, "b.eh", "program 3 < 4096\ninclude \"a.eh\"\nsegment text(flags: rx) {\n  91\n}\n")

	l := source.NewLoader([]string{dir})
	m, err := preprocess.Merge(filepath.Join(dir, "a.eh"), l, 64)
	require.NoError(t, err)
	seg, ok := m.Segment("text")
	require.True(t, ok)
	// a is loaded first, recurses into b, b recurses into a (already loaded,
	// skipped), so b's own segment merges before a's own.
	require.Len(t, seg.Elements, 2)
	first, ok := seg.Elements[0].(asm.ByteLiteral)
	require.True(t, ok)
	assert.Equal(t, []byte{0x91}, first.Bytes)
}

func TestMergeFragmentRedefinitionError(t *testing.T) {
	dir := t.TempDir()
	write(t, dir, "lib.eh", "program 3 < 4096\nfragment f() {\n  90\n}\n")
	write(t, dir, "main.eh", "program 3 < 4096\ninclude \"lib.eh\"\nfragment f() {\n  90\n}\n")

	l := source.NewLoader([]string{dir})
	_, err := preprocess.Merge(filepath.Join(dir, "main.eh"), l, 64)
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.FragmentRedefinition))
}

func TestMergeMetadataConflict(t *testing.T) {
	dir := t.TempDir()
	write(t, dir, "lib.eh", "program 3 < 4096\nsegment text(flags: rx) {\n  90\n}\n")
	write(t, dir, "main.eh", "program 3 < 4096\ninclude \"lib.eh\"\nsegment text(flags: rw) {\n  90\n}\n")

	l := source.NewLoader([]string{dir})
	_, err := preprocess.Merge(filepath.Join(dir, "main.eh"), l, 64)
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.MetadataConflict))
}

func TestMergeIncompatibleProgram(t *testing.T) {
	dir := t.TempDir()
	write(t, dir, "lib.eh", "program 9 < 4096\nsegment text(flags: rx) {\n  90\n}\n")
	write(t, dir, "main.eh", "program 3 < 4096\ninclude \"lib.eh\"\nsegment text(flags: rx) {\n  90\n}\n")

	l := source.NewLoader([]string{dir})
	_, err := preprocess.Merge(filepath.Join(dir, "main.eh"), l, 64)
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.IncompatibleProgram))
}
