package extension_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"moria.us/elfhex/asm"
	"moria.us/elfhex/errs"
	"moria.us/elfhex/extension"
)

type fakeProgram struct{ endian asm.Endian }

func (p fakeProgram) Endian() asm.Endian { return p.endian }
func (p fakeProgram) Resolve(segment, label string) (uint64, bool) { return 0, false }

func TestRegistryUnknownExtension(t *testing.T) {
	r := extension.NewRegistry()
	_, err := r.Resolve("nope", true, "", 1)
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.UnknownExtension))
}

func TestBuiltinZero(t *testing.T) {
	r := extension.NewRegistry()
	h, err := r.Resolve("zero", true, "3", 1)
	require.NoError(t, err)
	assert.Equal(t, 3, h.Size())
	b, err := h.Render(fakeProgram{}, extension.Segment{})
	require.NoError(t, err)
	assert.Equal(t, []byte{0, 0, 0}, b)
}

func TestBuiltinZeroInvalidWidth(t *testing.T) {
	r := extension.NewRegistry()
	_, err := r.Resolve("zero", true, "not-a-number", 1)
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.ExtensionParseError))
}

func TestBuiltinCRC32Deterministic(t *testing.T) {
	r := extension.NewRegistry()
	h, err := r.Resolve("crc32", true, "hello", 1)
	require.NoError(t, err)
	require.Equal(t, 4, h.Size())
	b1, err := h.Render(fakeProgram{endian: asm.LittleEndian}, extension.Segment{})
	require.NoError(t, err)
	b2, err := h.Render(fakeProgram{endian: asm.LittleEndian}, extension.Segment{})
	require.NoError(t, err)
	assert.Equal(t, b1, b2, "render output must be deterministic across calls")
	assert.Len(t, b1, 4)
}

func TestBuiltinCRC32EndianAffectsEncoding(t *testing.T) {
	r := extension.NewRegistry()
	h, err := r.Resolve("crc32", true, "hello", 1)
	require.NoError(t, err)
	le, err := h.Render(fakeProgram{endian: asm.LittleEndian}, extension.Segment{})
	require.NoError(t, err)
	be, err := h.Render(fakeProgram{endian: asm.BigEndian}, extension.Segment{})
	require.NoError(t, err)
	assert.NotEqual(t, le, be)
}
