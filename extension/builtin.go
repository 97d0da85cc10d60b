package extension

import (
	"encoding/binary"
	"hash/crc32"
	"strconv"
	"strings"

	"moria.us/elfhex/asm"
	"moria.us/elfhex/errs"
)

func registerBuiltins(r *Registry) {
	r.RegisterBuiltin("zero", zeroExtension{})
	r.RegisterBuiltin("crc32", crc32Extension{})
}

// zeroExtension implements `::zero { <width> }`: a run of <width> zero
// bytes, the builtin form of a BSS-style pad that still needs to land
// inside a segment's file image (an auto-label covers the memory-only
// case; this covers padding that must actually exist in the file).
type zeroExtension struct{}

type zeroHandle struct{ width int }

func (zeroExtension) Parse(text string) (Handle, error) {
	w, err := strconv.Atoi(strings.TrimSpace(text))
	if err != nil || w < 0 {
		return nil, errs.New(errs.ExtensionParseError, errs.Location{}, "::zero expects a non-negative byte count, got %q", text)
	}
	return zeroHandle{width: w}, nil
}

func (h zeroHandle) Size() int { return h.width }

func (h zeroHandle) Render(Program, Segment) ([]byte, error) {
	return make([]byte, h.width), nil
}

// crc32Extension implements `::crc32 { <literal text> }`: a 4-byte IEEE
// CRC of the invocation's own literal text, encoded in the program's byte
// order. It never touches the program snapshot, so it is trivially pure.
type crc32Extension struct{}

type crc32Handle struct{ text string }

func (crc32Extension) Parse(text string) (Handle, error) {
	return crc32Handle{text: text}, nil
}

func (crc32Handle) Size() int { return 4 }

func (h crc32Handle) Render(p Program, _ Segment) ([]byte, error) {
	sum := crc32.ChecksumIEEE([]byte(h.text))
	var b [4]byte
	if p.Endian() == asm.BigEndian {
		binary.BigEndian.PutUint32(b[:], sum)
	} else {
		binary.LittleEndian.PutUint32(b[:], sum)
	}
	return b[:], nil
}
