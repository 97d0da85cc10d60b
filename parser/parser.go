// Package parser implements the ELFHex surface syntax (spec.md §6): a
// hand-written recursive-descent parser that turns source bytes into an
// *asm.File raw syntax tree. The core pipeline (source, preprocess,
// transform, render) depends only on that parse-tree contract — this
// package, like the grammar it implements, is an external collaborator
// and carries none of the pipeline's own invariants.
package parser

import (
	"fmt"
	"strconv"
	"strings"

	"moria.us/elfhex/asm"
	"moria.us/elfhex/errs"
)

// Parse parses one source file's bytes into a raw syntax tree. path is
// recorded as the tree's Path (the preprocessor resolves includes
// relative to its directory) and used in diagnostics; it is not
// canonicalised here (the source loader owns canonicalisation).
func Parse(path string, src []byte) (*asm.File, error) {
	p := &parser{sc: newScanner(src), path: path}
	return p.parseFile()
}

type parser struct {
	sc   *scanner
	path string
}

func (p *parser) errf(format string, args ...interface{}) error {
	return errs.New(errs.ParseError, errs.Location{File: p.path, Line: p.sc.line}, format, args...)
}

func (p *parser) expect(c byte) error {
	if p.sc.eof() || p.sc.peek() != c {
		return p.errf("expected %q", c)
	}
	p.sc.advance()
	return nil
}

func (p *parser) expectIdent(word string) error {
	p.sc.skipSpace()
	start := p.sc.pos
	id := p.sc.ident()
	if id != word {
		p.sc.pos = start
		return p.errf("expected %q", word)
	}
	return nil
}

func (p *parser) parseFile() (*asm.File, error) {
	f := &asm.File{Path: p.path}

	p.sc.skipSpace()
	decl, err := p.parseProgramDecl()
	if err != nil {
		return nil, err
	}
	f.Decl = decl

	for {
		p.sc.skipSpace()
		if p.sc.eof() {
			break
		}
		start := p.sc.pos
		kw := p.sc.ident()
		switch kw {
		case "include":
			inc, err := p.parseInclude()
			if err != nil {
				return nil, err
			}
			f.Includes = append(f.Includes, inc)
		case "segment":
			seg, err := p.parseSegment()
			if err != nil {
				return nil, err
			}
			f.Segments = append(f.Segments, seg)
		case "fragment":
			frag, err := p.parseFragment()
			if err != nil {
				return nil, err
			}
			f.Fragments = append(f.Fragments, frag)
		default:
			p.sc.pos = start
			return nil, p.errf("unexpected token at top level")
		}
	}
	return f, nil
}

func (p *parser) parseProgramDecl() (asm.Decl, error) {
	if err := p.expectIdent("program"); err != nil {
		return asm.Decl{}, err
	}
	p.sc.skipSpace()
	machStr := p.sc.number()
	if machStr == "" {
		return asm.Decl{}, p.errf("expected machine number")
	}
	mach, err := strconv.ParseUint(machStr, 10, 16)
	if err != nil {
		return asm.Decl{}, p.errf("invalid machine number %q", machStr)
	}
	p.sc.skipSpace()
	var endian asm.Endian
	switch p.sc.peek() {
	case '<':
		endian = asm.LittleEndian
		p.sc.advance()
	case '>':
		endian = asm.BigEndian
		p.sc.advance()
	default:
		return asm.Decl{}, p.errf("expected '<' or '>' for endianness")
	}
	p.sc.skipSpace()
	alignStr := p.sc.number()
	if alignStr == "" {
		return asm.Decl{}, p.errf("expected alignment number")
	}
	align, err := strconv.Atoi(alignStr)
	if err != nil || align <= 0 {
		return asm.Decl{}, p.errf("invalid alignment %q", alignStr)
	}
	return asm.Decl{Machine: uint16(mach), Endian: endian, Align: align}, nil
}

func (p *parser) parseInclude() (asm.Include, error) {
	inc := asm.Include{Line: p.sc.line}
	p.sc.skipSpace()
	if save := p.sc.pos; true {
		id := p.sc.ident()
		if id == "fragments" {
			inc.FragmentsOnly = true
		} else {
			p.sc.pos = save
		}
	}
	p.sc.skipSpace()
	path, err := p.parseQuotedString()
	if err != nil {
		return inc, err
	}
	inc.Path = path
	return inc, nil
}

func (p *parser) parseQuotedString() (string, error) {
	if p.sc.eof() || p.sc.peek() != '"' {
		return "", p.errf("expected string literal")
	}
	p.sc.advance()
	start := p.sc.pos
	for {
		if p.sc.eof() {
			return "", p.errf("unterminated string literal")
		}
		if p.sc.peek() == '"' {
			break
		}
		p.sc.advance()
	}
	s := string(p.sc.src[start:p.sc.pos])
	p.sc.advance() // closing quote
	return s, nil
}

func (p *parser) parseSegment() (*asm.Segment, error) {
	seg := &asm.Segment{File: p.path, Line: p.sc.line}
	p.sc.skipSpace()
	seg.Name = p.sc.ident()
	if seg.Name == "" {
		return nil, p.errf("expected segment name")
	}
	p.sc.skipSpace()
	if err := p.expect('('); err != nil {
		return nil, err
	}
	for {
		p.sc.skipSpace()
		if p.sc.peek() == ')' {
			p.sc.advance()
			break
		}
		key := p.sc.ident()
		if key == "" {
			return nil, p.errf("expected segment metadata key")
		}
		p.sc.skipSpace()
		if err := p.expect(':'); err != nil {
			return nil, err
		}
		p.sc.skipSpace()
		switch key {
		case "flags":
			val := p.sc.word()
			fl, err := asm.ParseFlags(val)
			if err != nil {
				return nil, p.errf("invalid flags %q: %v", val, err)
			}
			seg.Flags = fl
			seg.FlagsSet = true
		case "size":
			val := p.sc.number()
			n, err := strconv.Atoi(val)
			if err != nil {
				return nil, p.errf("invalid size %q", val)
			}
			seg.Size = n
		case "alignment":
			val := p.sc.number()
			n, err := strconv.Atoi(val)
			if err != nil {
				return nil, p.errf("invalid alignment %q", val)
			}
			seg.Align = n
		default:
			return nil, p.errf("unknown segment metadata key %q", key)
		}
		p.sc.skipSpace()
		if p.sc.peek() == ',' {
			p.sc.advance()
		}
	}
	p.sc.skipSpace()
	if err := p.expect('{'); err != nil {
		return nil, err
	}
	elems, autos, err := p.parseBody(true)
	if err != nil {
		return nil, err
	}
	if err := p.expect('}'); err != nil {
		return nil, err
	}
	seg.Elements = elems
	seg.AutoLabels = autos
	return seg, nil
}

func (p *parser) parseFragment() (*asm.Fragment, error) {
	frag := &asm.Fragment{File: p.path, Line: p.sc.line}
	p.sc.skipSpace()
	frag.Name = p.sc.ident()
	if frag.Name == "" {
		return nil, p.errf("expected fragment name")
	}
	p.sc.skipSpace()
	if err := p.expect('('); err != nil {
		return nil, err
	}
	for {
		p.sc.skipSpace()
		if p.sc.peek() == ')' {
			p.sc.advance()
			break
		}
		name := p.sc.ident()
		if name == "" {
			return nil, p.errf("expected parameter name")
		}
		frag.Params = append(frag.Params, name)
		p.sc.skipSpace()
		if p.sc.peek() == ',' {
			p.sc.advance()
		}
	}
	p.sc.skipSpace()
	if err := p.expect('{'); err != nil {
		return nil, err
	}
	elems, autos, err := p.parseBody(false)
	if err != nil {
		return nil, err
	}
	if len(autos) != 0 {
		return nil, p.errf("auto-label lists are not allowed in fragment bodies")
	}
	if err := p.expect('}'); err != nil {
		return nil, err
	}
	frag.Elements = elems
	return frag, nil
}

// parseBody parses a brace-delimited element sequence up to (but not
// including) the closing '}'. When allowAutoLabels is set, a trailing
// "[[ ... ]]" auto-label list may appear; nothing may follow it.
func (p *parser) parseBody(allowAutoLabels bool) ([]asm.Element, []asm.AutoLabel, error) {
	var elems []asm.Element
	var autos []asm.AutoLabel
	sawAutos := false
	for {
		p.sc.skipSpace()
		if p.sc.eof() {
			return nil, nil, p.errf("unexpected end of file inside body")
		}
		if p.sc.peek() == '}' {
			return elems, autos, nil
		}
		if p.sc.peek() == '[' && p.sc.peekAt(1) == '[' {
			if !allowAutoLabels {
				return nil, nil, p.errf("auto-label lists are not allowed here")
			}
			al, err := p.parseAutoLabelList()
			if err != nil {
				return nil, nil, err
			}
			autos = append(autos, al...)
			sawAutos = true
			continue
		}
		if sawAutos {
			return nil, nil, p.errf("auto-label list must be the last thing in a segment")
		}
		el, err := p.parseElement()
		if err != nil {
			return nil, nil, err
		}
		elems = append(elems, el)
	}
}

func (p *parser) parseAutoLabelList() ([]asm.AutoLabel, error) {
	if err := p.expect('['); err != nil {
		return nil, err
	}
	if err := p.expect('['); err != nil {
		return nil, err
	}
	var autos []asm.AutoLabel
	for {
		p.sc.skipSpace()
		if p.sc.peek() == ']' && p.sc.peekAt(1) == ']' {
			p.sc.advance()
			p.sc.advance()
			return autos, nil
		}
		name := p.sc.ident()
		if name == "" {
			return nil, p.errf("expected auto-label name")
		}
		if err := p.expect(':'); err != nil {
			return nil, err
		}
		widthStr := p.sc.number()
		width, err := strconv.Atoi(widthStr)
		if err != nil || width <= 0 {
			return nil, p.errf("invalid auto-label width %q", widthStr)
		}
		autos = append(autos, asm.AutoLabel{Name: name, Width: width})
	}
}

func (p *parser) parseElement() (asm.Element, error) {
	line := p.sc.line
	c := p.sc.peek()
	switch {
	case c == '"':
		return p.parseStringLiteral(line)
	case c == '[':
		return p.parseLabel(line)
	case c == '<':
		if p.sc.peekAt(1) == '<' {
			return p.parseAbsoluteRef(line)
		}
		return p.parseRelativeRef(line)
	case c == '@':
		return p.parseFragmentRef(line)
	case c == '$':
		return p.parseParamRef(line)
	case c == ':':
		return p.parseExtInvocation(line)
	default:
		return p.parseBareLiteral(line)
	}
}

func (p *parser) parseStringLiteral(line int) (asm.Element, error) {
	s, err := p.parseQuotedString()
	if err != nil {
		return nil, err
	}
	b := make([]byte, len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c < 0x20 || c > 0x7e {
			return nil, errs.New(errs.UnprintableCharInString, errs.Location{File: p.path, Line: line},
				"unprintable character 0x%02x in string literal", c)
		}
		b[i] = c
	}
	return asm.ByteLiteral{Bytes: b}, nil
}

func (p *parser) parseLabel(line int) (asm.Element, error) {
	if err := p.expect('['); err != nil {
		return nil, err
	}
	name := p.sc.ident()
	if name == "" {
		return nil, p.errf("expected label name")
	}
	if err := p.expect(']'); err != nil {
		return nil, err
	}
	return asm.Label{Name: name, Local: strings.HasPrefix(name, "__"), Line: line}, nil
}

// refTarget parses the shared inner grammar of relative and absolute
// references: [seg:]label[+-offset][:width].
type refTarget struct {
	segment    string
	segmentSet bool
	label      string
	offset     int
	width      int // 0 means unspecified
}

func (p *parser) parseRefTarget() (refTarget, error) {
	var t refTarget
	p.sc.skipSpace()
	first := p.sc.ident()
	if first == "" {
		return t, p.errf("expected reference target")
	}
	p.sc.skipSpace()
	qualified := false
	if p.sc.peek() == ':' {
		// A ':' followed by digits is the width, not a segment qualifier.
		save, saveLine := p.sc.pos, p.sc.line
		p.sc.advance()
		p.sc.skipSpace()
		qualified = !isDigit(p.sc.peek())
		if !qualified {
			p.sc.pos, p.sc.line = save, saveLine
		}
	}
	if qualified {
		second := p.sc.ident()
		if second == "" {
			return t, p.errf("expected label name after segment qualifier")
		}
		t.segment = first
		t.segmentSet = true
		t.label = second
	} else {
		t.label = first
	}
	p.sc.skipSpace()
	if c := p.sc.peek(); c == '+' || c == '-' {
		p.sc.advance()
		p.sc.skipSpace()
		numStr := p.sc.number()
		if numStr == "" {
			return t, p.errf("expected offset digits")
		}
		n, err := strconv.Atoi(numStr)
		if err != nil {
			return t, p.errf("invalid offset %q", numStr)
		}
		if c == '-' {
			n = -n
		}
		t.offset = n
	}
	p.sc.skipSpace()
	if p.sc.peek() == ':' {
		p.sc.advance()
		p.sc.skipSpace()
		numStr := p.sc.number()
		n, err := strconv.Atoi(numStr)
		if err != nil || n <= 0 {
			return t, p.errf("invalid width %q", numStr)
		}
		t.width = n
	}
	return t, nil
}

func (p *parser) parseRelativeRef(line int) (asm.Element, error) {
	if err := p.expect('<'); err != nil {
		return nil, err
	}
	t, err := p.parseRefTarget()
	if err != nil {
		return nil, err
	}
	p.sc.skipSpace()
	if err := p.expect('>'); err != nil {
		return nil, err
	}
	return asm.RelativeRef{
		Segment: t.segment, SegmentSet: t.segmentSet, Label: t.label,
		Offset: t.offset, Width: t.width, Line: line,
	}, nil
}

func (p *parser) parseAbsoluteRef(line int) (asm.Element, error) {
	if err := p.expect('<'); err != nil {
		return nil, err
	}
	if err := p.expect('<'); err != nil {
		return nil, err
	}
	t, err := p.parseRefTarget()
	if err != nil {
		return nil, err
	}
	if t.width != 0 && t.width != asm.AbsoluteRefWidth {
		return nil, p.errf("absolute references are always %d bytes wide", asm.AbsoluteRefWidth)
	}
	p.sc.skipSpace()
	if err := p.expect('>'); err != nil {
		return nil, err
	}
	if err := p.expect('>'); err != nil {
		return nil, err
	}
	return asm.AbsoluteRef{
		Segment: t.segment, SegmentSet: t.segmentSet, Label: t.label, Offset: t.offset, Line: line,
	}, nil
}

func (p *parser) parseFragmentRef(line int) (asm.Element, error) {
	if err := p.expect('@'); err != nil {
		return nil, err
	}
	once := false
	if p.sc.peek() == '!' {
		p.sc.advance()
		once = true
	}
	name := p.sc.ident()
	if name == "" {
		return nil, p.errf("expected fragment name")
	}
	p.sc.skipSpace()
	if err := p.expect('('); err != nil {
		return nil, err
	}
	var args [][]asm.Element
	for {
		p.sc.skipSpace()
		if p.sc.peek() == ')' {
			p.sc.advance()
			break
		}
		var arg []asm.Element
		for {
			p.sc.skipSpace()
			c := p.sc.peek()
			if c == ',' || c == ')' {
				break
			}
			el, err := p.parseElement()
			if err != nil {
				return nil, err
			}
			arg = append(arg, el)
		}
		args = append(args, arg)
		p.sc.skipSpace()
		if p.sc.peek() == ',' {
			p.sc.advance()
			continue
		}
	}
	fr := asm.FragmentRef{Name: name, Args: args, Once: once, Line: line}
	save := p.sc.pos
	p.sc.skipSpace()
	if p.sc.peek() == '(' {
		p.sc.advance()
		alias := p.sc.ident()
		if alias == "" {
			return nil, p.errf("expected alias name")
		}
		if err := p.expect(')'); err != nil {
			return nil, err
		}
		fr.Alias = alias
		fr.HasAlias = true
	} else {
		p.sc.pos = save
	}
	return fr, nil
}

func (p *parser) parseParamRef(line int) (asm.Element, error) {
	if err := p.expect('$'); err != nil {
		return nil, err
	}
	name := p.sc.ident()
	if name == "" {
		return nil, p.errf("expected parameter name")
	}
	return asm.ParamRef{Name: name, Line: line}, nil
}

func (p *parser) parseExtInvocation(line int) (asm.Element, error) {
	if err := p.expect(':'); err != nil {
		return nil, err
	}
	builtin := false
	if p.sc.peek() == ':' {
		p.sc.advance()
		builtin = true
	}
	name := p.sc.ident()
	if name == "" {
		return nil, p.errf("expected extension name")
	}
	p.sc.skipSpace()
	if err := p.expect('{'); err != nil {
		return nil, err
	}
	start := p.sc.pos
	depth := 1
	for {
		if p.sc.eof() {
			return nil, p.errf("unterminated extension invocation")
		}
		c := p.sc.advance()
		if c == '{' {
			depth++
		} else if c == '}' {
			depth--
			if depth == 0 {
				break
			}
		}
	}
	text := string(p.sc.src[start : p.sc.pos-1])
	return asm.ExtInvocation{Name: name, Builtin: builtin, Text: text, Line: line}, nil
}

// parseBareLiteral parses a raw hex pair ([0-9a-f]{2}) or a padded numeric
// literal (=|+|-)<digits>(b|d|h)(<width>)?.
func (p *parser) parseBareLiteral(line int) (asm.Element, error) {
	w := p.sc.word()
	if w == "" {
		return nil, p.errf("unexpected character %q", p.sc.peek())
	}
	if len(w) == 2 && isHexDigit(w[0]) && isHexDigit(w[1]) && !isSignChar(w[0]) {
		b, err := strconv.ParseUint(w, 16, 8)
		if err != nil {
			return nil, p.errf("invalid hex pair %q", w)
		}
		return asm.ByteLiteral{Bytes: []byte{byte(b)}}, nil
	}
	if isSignChar(w[0]) {
		lit, err := parsePaddedLiteral(w)
		if err != nil {
			return nil, errs.New(errs.ParseError, errs.Location{File: p.path, Line: line}, "%v", err)
		}
		lit.Line = line
		return lit, nil
	}
	return nil, p.errf("unrecognised element token %q", w)
}

func isSignChar(c byte) bool { return c == '=' || c == '+' || c == '-' }

// parsePaddedLiteral decodes "(=|+|-)<digits>(b|d|h)(<width>)?" into its
// constituent sign/digits/base/width (spec §4.D "Numeric literal
// padding"). It does not itself encode the bytes — that depends on the
// program's endianness, known only after preprocessing, and range
// checking, which is the renderer's job (LiteralOutOfRange).
func parsePaddedLiteral(w string) (asm.PaddedLiteral, error) {
	sign := w[0]
	rest := w[1:]

	// The base character is the one letter ('b', 'd', or 'h') separating
	// the digit run from the optional trailing width. It can't be found
	// by scanning forward for the first non-digit byte, since a hex
	// digit run may itself contain 'b' or 'd' (e.g. "=9d" is decimal 9,
	// not an unterminated hex run). Instead, strip the trailing decimal
	// width digits first; whatever's left must end in the base letter.
	i := len(rest)
	for i > 0 && isDigit(rest[i-1]) {
		i--
	}
	widthStr := rest[i:]
	head := rest[:i]
	if head == "" {
		return asm.PaddedLiteral{}, fmt.Errorf("padded literal %q is missing a base character", w)
	}
	base := head[len(head)-1]
	digits := head[:len(head)-1]
	if digits == "" {
		return asm.PaddedLiteral{}, fmt.Errorf("padded literal %q has no digits", w)
	}

	width := 1
	if widthStr != "" {
		n, err := strconv.Atoi(widthStr)
		if err != nil || n <= 0 {
			return asm.PaddedLiteral{}, fmt.Errorf("padded literal %q has an invalid width", w)
		}
		width = n
	}
	var base10 int
	switch base {
	case 'b':
		base10 = 2
	case 'd':
		base10 = 10
	case 'h':
		base10 = 16
	default:
		return asm.PaddedLiteral{}, fmt.Errorf("padded literal %q has an unknown base %q", w, base)
	}
	mag, err := strconv.ParseUint(digits, base10, 64)
	if err != nil {
		return asm.PaddedLiteral{}, fmt.Errorf("padded literal %q has invalid digits for base %q", w, base)
	}
	return asm.PaddedLiteral{Sign: sign, Magnitude: mag, Width: width}, nil
}
