// Package asm is the ELFHex data model: program declarations, segments,
// fragments, and the element variants that make up their bodies
// (spec §3). The same types serve as the parser's raw syntax tree, the
// preprocessor's merged program, and (restricted to a subset of element
// kinds) the transformer's expanded program — the stages differ in which
// fields are populated and which element kinds remain, not in the types
// themselves, the way the teacher's LE/LX Program/Object/Ref model is
// shared unchanged between its reader and writer.
package asm

import "fmt"

// Endian is the target program's byte order.
type Endian int

const (
	LittleEndian Endian = iota
	BigEndian
)

func (e Endian) String() string {
	if e == BigEndian {
		return "big"
	}
	return "little"
}

// Flags is a segment's load permission set. Its bit values differ from
// ELF p_flags (PF_R=4, PF_W=2, PF_X=1); the renderer translates them.
type Flags uint8

const (
	FlagR Flags = 1 << iota
	FlagW
	FlagX
)

// ParseFlags parses one of "r", "rw", "rx", "rwx" (spec §6). Any other
// combination of the three letters, in any order, is also accepted since
// the grammar only constrains which letters may appear.
func ParseFlags(s string) (Flags, error) {
	var f Flags
	for _, c := range s {
		switch c {
		case 'r':
			f |= FlagR
		case 'w':
			f |= FlagW
		case 'x':
			f |= FlagX
		default:
			return 0, fmt.Errorf("invalid flag character %q", c)
		}
	}
	return f, nil
}

func (f Flags) String() string {
	s := ""
	if f&FlagR != 0 {
		s += "r"
	}
	if f&FlagW != 0 {
		s += "w"
	}
	if f&FlagX != 0 {
		s += "x"
	}
	return s
}

// Decl is a program declaration (spec §3): machine number, endianness, and
// default segment alignment.
type Decl struct {
	Machine uint16
	Endian  Endian
	Align   int
}

// AutoLabel names a BSS-like region past a segment's file content. Only
// valid as a trailing list on a Segment.
type AutoLabel struct {
	Name  string
	Width int
}

// Segment is a named, ordered sequence of elements plus load metadata
// (spec §3).
type Segment struct {
	Name       string
	Flags      Flags
	FlagsSet   bool // whether flags were explicitly declared
	Size       int  // declared minimum size in bytes, 0 if unspecified
	Align      int  // declared alignment, 0 means "use program default"
	Elements   []Element
	AutoLabels []AutoLabel

	// File/Line recorded at the point the segment was first declared;
	// used for MetadataConflict diagnostics.
	File string
	Line int
}

// Fragment is a named, parameterised element sequence (spec §3). Fragments
// are not segments: they carry no metadata and contribute nothing to
// output unless referenced.
type Fragment struct {
	Name   string
	Params []string
	Elements []Element

	File string
	Line int
}

// Include is one `include` (or `include fragments`) directive.
type Include struct {
	Path          string
	FragmentsOnly bool
	Line          int
}

// File is the raw syntax tree produced by the parser for one source file:
// its own program declaration, its includes in source order, and the
// segments/fragments it declares directly (not those pulled in via
// includes — the preprocessor resolves those).
type File struct {
	Path     string // canonical path, set by the source loader
	Decl     Decl
	Includes []Include
	Segments []*Segment
	Fragments []*Fragment
}

// Element is the tagged-variant type shared by fragment and segment
// bodies (spec §3). Each concrete type below implements it with an
// unexported marker method, so the set of element kinds is closed to this
// package.
type Element interface {
	element()
}

// ByteLiteral is an ordered sequence of concrete bytes, produced by raw
// hex pairs or string literals (already resolved — these never depend on
// the program's endianness).
type ByteLiteral struct {
	Bytes []byte
}

func (ByteLiteral) element() {}

// PaddedLiteral is a padded numeric literal (spec §4.D "Numeric literal
// padding"): `(=|+|-)<digits>(b|d|h)(<width>)?`. Unlike ByteLiteral it is
// not yet byte-encoded: encoding depends on the program's endianness,
// which is only final after preprocessing, and overflow-checking is a
// rendering concern (LiteralOutOfRange), so it survives the transformer
// unchanged and is resolved by the renderer.
type PaddedLiteral struct {
	Sign      byte   // '=', '+', or '-'
	Magnitude uint64 // the unsigned value of the digit run, in its base
	Width     int    // encoded width in bytes
	Line      int
}

func (PaddedLiteral) element() {}

// Label marks a position. Local is true when the name begins with "__",
// which makes it subject to per-expansion mangling (spec §4.C).
type Label struct {
	Name  string
	Local bool
	Line  int
}

func (Label) element() {}

// RelativeRef is `<name>`, `<seg:name>`, optionally `+offset` and/or
// `:width`. Width is 0 until normalised to its default of 1 by the
// transformer.
type RelativeRef struct {
	Segment    string // "" means "my own segment"
	SegmentSet bool
	Label      string
	Offset     int
	Width      int
	Line       int
}

func (RelativeRef) element() {}

// AbsoluteRef is `<<name>>` or `<<seg:name>>`, optionally `+offset`.
// Always 4 bytes wide.
type AbsoluteRef struct {
	Segment    string
	SegmentSet bool
	Label      string
	Offset     int
	Line       int
}

func (AbsoluteRef) element() {}

const AbsoluteRefWidth = 4

// FragmentRef is `@name(args)`, optionally `@!name(args)` (once-only) and
// optionally followed by `(alias)`.
type FragmentRef struct {
	Name  string
	Args  [][]Element
	Alias string
	HasAlias bool
	Once  bool
	Line  int
}

func (FragmentRef) element() {}

// ParamRef is `$name`, only meaningful inside a fragment body.
type ParamRef struct {
	Name string
	Line int
}

func (ParamRef) element() {}

// ExtInvocation is `:name { ... }` (Builtin=false, looked up from the
// module root) or `::name { ... }` (Builtin=true, looked up from the
// built-in namespace).
type ExtInvocation struct {
	Name    string
	Builtin bool
	Text    string
	Line    int
}

func (ExtInvocation) element() {}

// Merged is the output of the preprocessor (spec §4.B): one program
// declaration, a segment table keyed by name (segments appear in order of
// first appearance during the depth-first include traversal), and a
// fragment table keyed by name.
type Merged struct {
	Decl       Decl
	Segments   []*Segment
	SegmentIdx map[string]*Segment
	Fragments  map[string]*Fragment
}

// Segment looks up a merged segment by name.
func (m *Merged) Segment(name string) (*Segment, bool) {
	s, ok := m.SegmentIdx[name]
	return s, ok
}

// Expanded is the output of the transformer (spec §4.C): a program whose
// segments contain only ByteLiteral, PaddedLiteral, Label, RelativeRef,
// AbsoluteRef, and ExtInvocation elements (FragmentRef and ParamRef have
// all been resolved away), plus each segment's (unchanged) AutoLabels.
type Expanded struct {
	Decl     Decl
	Segments []*ExpandedSegment
}

// ExpandedSegment is a Segment after fragment expansion: same metadata,
// fully expanded element list.
type ExpandedSegment struct {
	Name       string
	Flags      Flags
	Size       int
	Align      int
	Elements   []Element
	AutoLabels []AutoLabel
}
