package render_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"moria.us/elfhex/asm"
	"moria.us/elfhex/errs"
	"moria.us/elfhex/render"
)

func seg(name string, flags asm.Flags, elems ...asm.Element) *asm.ExpandedSegment {
	return &asm.ExpandedSegment{Name: name, Flags: flags, Elements: elems}
}

func bl(bs ...byte) asm.ByteLiteral { return asm.ByteLiteral{Bytes: bs} }

func TestRenderMinimalHelloS1(t *testing.T) {
	prog := &asm.Expanded{
		Decl: asm.Decl{Machine: 3, Endian: asm.LittleEndian, Align: 4096},
		Segments: []*asm.ExpandedSegment{
			seg("text", asm.FlagR|asm.FlagX,
				asm.Label{Name: "_start"},
				bl(0xb8),
				asm.PaddedLiteral{Sign: '=', Magnitude: 1, Width: 4},
				bl(0xcd, 0x80),
			),
		},
	}
	out, err := render.Render(prog, render.Options{MemoryStart: 0x08048000})
	require.NoError(t, err)

	// header(52)+phdr(32)=84 bytes, then zero-padded up to the segment's
	// 4096-byte alignment before its content begins.
	require.Len(t, out, 4096+7)
	textStart := out[4096:]
	require.Len(t, textStart, 7)
	assert.Equal(t, byte(0xb8), textStart[0])
	assert.Equal(t, []byte{1, 0, 0, 0}, textStart[1:5], "unsigned 1 little-endian")
	assert.Equal(t, []byte{0xcd, 0x80}, textStart[5:7])

	// entry point (offset 0x18, 4 bytes LE) equals address of _start, i.e. memory start.
	entry := uint32(out[0x18]) | uint32(out[0x19])<<8 | uint32(out[0x1a])<<16 | uint32(out[0x1b])<<24
	assert.Equal(t, uint32(0x08048000), entry)
}

func TestRenderCrossSegmentAbsoluteRefS2(t *testing.T) {
	prog := &asm.Expanded{
		Decl: asm.Decl{Machine: 3, Endian: asm.LittleEndian, Align: 0x1000},
		Segments: []*asm.ExpandedSegment{
			seg("text", asm.FlagR|asm.FlagX,
				asm.Label{Name: "_start"},
				asm.AbsoluteRef{Segment: "strings", SegmentSet: true, Label: "hello"},
			),
			seg("strings", asm.FlagR,
				asm.Label{Name: "hello"},
				bl('H', 'i'),
			),
		},
	}
	out, err := render.Render(prog, render.Options{MemoryStart: 0x08048000, SuppressHeader: true})
	require.NoError(t, err)

	// text is laid out first at 0x08048000 (aligned already); strings is
	// aligned up to the next 0x1000 boundary after text's memory size.
	assert.Equal(t, []byte{0x00, 0x90, 0x04, 0x08}, out[0:4])
}

func TestRenderRelativeRefBackwardS3(t *testing.T) {
	prog := &asm.Expanded{
		Decl: asm.Decl{Machine: 3, Endian: asm.LittleEndian, Align: 4096},
		Segments: []*asm.ExpandedSegment{
			seg("text", asm.FlagR|asm.FlagX,
				asm.Label{Name: "a"},
				bl(0x90),
				bl(0x90),
				bl(0x72),
				asm.RelativeRef{Segment: "text", SegmentSet: true, Label: "a", Width: 1},
			),
		},
	}
	out, err := render.Render(prog, render.Options{MemoryStart: 0x1000, SuppressHeader: true, Entry: "a"})
	require.NoError(t, err)
	require.Len(t, out, 4)
	assert.Equal(t, byte(0xfc), out[3])
}

func TestRenderFragmentHygieneS4(t *testing.T) {
	prog := &asm.Expanded{
		Decl: asm.Decl{Machine: 3, Endian: asm.LittleEndian, Align: 4096},
		Segments: []*asm.ExpandedSegment{
			seg("text", asm.FlagR|asm.FlagX,
				asm.Label{Name: "__1.__x"},
				bl(0xeb),
				asm.RelativeRef{Segment: "text", SegmentSet: true, Label: "__1.__x", Width: 1},
				asm.Label{Name: "__2.__x"},
				bl(0xeb),
				asm.RelativeRef{Segment: "text", SegmentSet: true, Label: "__2.__x", Width: 1},
			),
		},
	}
	out, err := render.Render(prog, render.Options{MemoryStart: 0x1000, SuppressHeader: true, Entry: "__1.__x"})
	require.NoError(t, err)
	require.Len(t, out, 4)
	assert.Equal(t, []byte{0xeb, 0xfe, 0xeb, 0xfe}, out)
}

func TestRenderOnceOnlyS5(t *testing.T) {
	// Once-only semantics are the transformer's job; here the renderer just
	// sees the already-deduplicated element sequence it produces.
	prog := &asm.Expanded{
		Decl: asm.Decl{Machine: 3, Endian: asm.LittleEndian, Align: 4096},
		Segments: []*asm.ExpandedSegment{
			seg("text", asm.FlagR|asm.FlagX, asm.Label{Name: "_start"}, bl(0xcd, 0x80)),
		},
	}
	out, err := render.Render(prog, render.Options{MemoryStart: 0x1000, SuppressHeader: true})
	require.NoError(t, err)
	assert.Equal(t, []byte{0xcd, 0x80}, out)
}

func TestRenderPaddedLiteralOverflowS6(t *testing.T) {
	prog := &asm.Expanded{
		Decl: asm.Decl{Machine: 3, Endian: asm.LittleEndian, Align: 4096},
		Segments: []*asm.ExpandedSegment{
			seg("text", asm.FlagR|asm.FlagX,
				asm.Label{Name: "_start"},
				asm.PaddedLiteral{Sign: '=', Magnitude: 300, Width: 1}),
		},
	}
	_, err := render.Render(prog, render.Options{MemoryStart: 0x1000, SuppressHeader: true})
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.LiteralOutOfRange))
}

func TestRenderEntryNotFound(t *testing.T) {
	prog := &asm.Expanded{
		Decl:     asm.Decl{Machine: 3, Endian: asm.LittleEndian, Align: 4096},
		Segments: []*asm.ExpandedSegment{seg("text", asm.FlagR|asm.FlagX, bl(0x90))},
	}
	_, err := render.Render(prog, render.Options{MemoryStart: 0x1000})
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.EntryNotFound))
}

func TestRenderEntryAmbiguous(t *testing.T) {
	prog := &asm.Expanded{
		Decl: asm.Decl{Machine: 3, Endian: asm.LittleEndian, Align: 4096},
		Segments: []*asm.ExpandedSegment{
			seg("a", asm.FlagR|asm.FlagX, asm.Label{Name: "dup"}, bl(0x90)),
			seg("b", asm.FlagR|asm.FlagX, asm.Label{Name: "dup"}, bl(0x90)),
		},
	}
	_, err := render.Render(prog, render.Options{MemoryStart: 0x1000, Entry: "dup"})
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.EntryAmbiguous))
}

func TestRenderAutoLabelsAddNoFileBytes(t *testing.T) {
	s := seg("bss", asm.FlagR|asm.FlagW, asm.Label{Name: "_start"})
	s.AutoLabels = []asm.AutoLabel{{Name: "buf", Width: 16}, {Name: "buf2", Width: 4}}
	prog := &asm.Expanded{
		Decl:     asm.Decl{Machine: 3, Endian: asm.LittleEndian, Align: 0x1000},
		Segments: []*asm.ExpandedSegment{s},
	}
	out, err := render.Render(prog, render.Options{MemoryStart: 0x1000, SuppressHeader: true})
	require.NoError(t, err)
	assert.Len(t, out, 0, "auto-labels contribute no file bytes")
}

func TestRenderPaddedLiteralWidthTooWideDoesNotPanic(t *testing.T) {
	prog := &asm.Expanded{
		Decl: asm.Decl{Machine: 3, Endian: asm.LittleEndian, Align: 4096},
		Segments: []*asm.ExpandedSegment{
			seg("text", asm.FlagR|asm.FlagX,
				asm.Label{Name: "_start"},
				asm.PaddedLiteral{Sign: '=', Magnitude: 1, Width: 9}),
		},
	}
	_, err := render.Render(prog, render.Options{MemoryStart: 0x1000, SuppressHeader: true})
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.LiteralOutOfRange))
}

func TestRenderRelativeRefWidthTooWideDoesNotPanic(t *testing.T) {
	prog := &asm.Expanded{
		Decl: asm.Decl{Machine: 3, Endian: asm.LittleEndian, Align: 4096},
		Segments: []*asm.ExpandedSegment{
			seg("text", asm.FlagR|asm.FlagX,
				asm.Label{Name: "a"},
				asm.RelativeRef{Segment: "text", SegmentSet: true, Label: "a", Width: 9}),
		},
	}
	_, err := render.Render(prog, render.Options{MemoryStart: 0x1000, SuppressHeader: true, Entry: "a"})
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.ReferenceOutOfRange))
}

func TestRenderUnknownLabel(t *testing.T) {
	prog := &asm.Expanded{
		Decl: asm.Decl{Machine: 3, Endian: asm.LittleEndian, Align: 4096},
		Segments: []*asm.ExpandedSegment{
			seg("text", asm.FlagR|asm.FlagX,
				asm.Label{Name: "_start"},
				asm.RelativeRef{Segment: "text", SegmentSet: true, Label: "missing", Width: 1}),
		},
	}
	_, err := render.Render(prog, render.Options{MemoryStart: 0x1000, SuppressHeader: true})
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.UnknownLabel))
}
