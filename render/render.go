// Package render implements the ELFHex Renderer (spec §4.D): a two-pass
// layout-then-emission lowering of an expanded program into an ELF32
// executable (or, with the header suppressed, a bare concatenation of
// segment images).
package render

import (
	"bytes"
	"sort"

	log "github.com/sirupsen/logrus"

	"moria.us/elfhex/asm"
	"moria.us/elfhex/errs"
	"moria.us/elfhex/extension"
)

// Options configures a render pass (spec §6 CLI surface).
type Options struct {
	MemoryStart      uint64
	Entry            string // defaults to "_start" if empty
	SuppressHeader   bool
	Extensions       *extension.Registry
	MachineOverride  uint16
	HasMachineOverride bool
}

// segLayout is pass 1's output for one segment: placement plus a
// per-element address table that pass 2 reads, never recomputes.
type segLayout struct {
	seg        *asm.ExpandedSegment
	vaddr      uint64
	fileOffset uint64
	fileSize   int
	memSize    int
	align      int
	elemAddr   []uint64 // parallel to seg.Elements
	autoAddr   []uint64 // parallel to seg.AutoLabels
}

// addrTable resolves (segment, label) to an address, populated from both
// Label and AutoLabel entries across every segment.
type addrTable map[string]map[string]uint64

func (t addrTable) set(segment, label string, addr uint64) {
	m, ok := t[segment]
	if !ok {
		m = make(map[string]uint64)
		t[segment] = m
	}
	m[label] = addr
}

func (t addrTable) get(segment, label string) (uint64, bool) {
	m, ok := t[segment]
	if !ok {
		return 0, false
	}
	addr, ok := m[label]
	return addr, ok
}

// Render runs both passes and returns the final byte stream.
func Render(prog *asm.Expanded, opts Options) ([]byte, error) {
	entry := opts.Entry
	if entry == "" {
		entry = "_start"
	}
	decl := prog.Decl
	if opts.HasMachineOverride {
		decl.Machine = opts.MachineOverride
	}

	handles, err := parseExtensionHandles(prog, opts.Extensions)
	if err != nil {
		return nil, err
	}

	layouts, addrs, err := layoutPass(prog, opts, handles)
	if err != nil {
		return nil, err
	}

	entryAddr, err := resolveEntry(addrs, entry)
	if err != nil {
		return nil, err
	}

	segBufs, err := emissionPass(decl, layouts, addrs, handles)
	if err != nil {
		return nil, err
	}

	var out bytes.Buffer
	if !opts.SuppressHeader {
		out.Write(buildHeader(decl, uint32(entryAddr), layouts))
	}
	for i, l := range layouts {
		if gap := int64(l.fileOffset) - int64(out.Len()); gap > 0 {
			out.Write(make([]byte, gap))
		}
		out.Write(segBufs[i])
	}
	return out.Bytes(), nil
}

// extKey identifies one extension invocation by its position, since the
// same (name, text) pair may appear more than once with independent
// handles (spec §4.E: handles are created per invocation).
type extKey struct {
	seg  int
	elem int
}

func parseExtensionHandles(prog *asm.Expanded, reg *extension.Registry) (map[extKey]extension.Handle, error) {
	handles := make(map[extKey]extension.Handle)
	if reg == nil {
		reg = extension.NewRegistry()
	}
	for si, seg := range prog.Segments {
		for ei, el := range seg.Elements {
			inv, ok := el.(asm.ExtInvocation)
			if !ok {
				continue
			}
			h, err := reg.Resolve(inv.Name, inv.Builtin, inv.Text, inv.Line)
			if err != nil {
				return nil, err
			}
			handles[extKey{si, ei}] = h
		}
	}
	return handles, nil
}

func elementSize(el asm.Element, h extension.Handle) (int, error) {
	switch v := el.(type) {
	case asm.ByteLiteral:
		return len(v.Bytes), nil
	case asm.PaddedLiteral:
		return v.Width, nil
	case asm.Label:
		return 0, nil
	case asm.RelativeRef:
		return v.Width, nil
	case asm.AbsoluteRef:
		return asm.AbsoluteRefWidth, nil
	case asm.ExtInvocation:
		return h.Size(), nil
	default:
		return 0, errs.New(errs.ParseError, errs.Location{}, "unexpected element type %T in render", el)
	}
}

func alignUp(v uint64, align int) uint64 {
	if align <= 0 {
		return v
	}
	a := uint64(align)
	return (v + a - 1) / a * a
}

func layoutPass(prog *asm.Expanded, opts Options, handles map[extKey]extension.Handle) ([]*segLayout, addrTable, error) {
	headerSize := 0
	if !opts.SuppressHeader {
		headerSize = elfHeaderSize + elfPhentSize*len(prog.Segments)
	}

	cursor := opts.MemoryStart
	fileCursor := uint64(headerSize)
	addrs := make(addrTable)
	var layouts []*segLayout

	for si, seg := range prog.Segments {
		align := seg.Align
		if align == 0 {
			align = prog.Decl.Align
		}
		cursor = alignUp(cursor, align)
		fileCursor = alignUp(fileCursor, align)

		l := &segLayout{
			seg:        seg,
			vaddr:      cursor,
			fileOffset: fileCursor,
			align:      align,
			elemAddr:   make([]uint64, len(seg.Elements)),
		}

		var fileSize uint64
		for ei, el := range seg.Elements {
			addr := l.vaddr + fileSize
			l.elemAddr[ei] = addr
			if lbl, ok := el.(asm.Label); ok {
				addrs.set(seg.Name, lbl.Name, addr)
			}
			size, err := elementSize(el, handles[extKey{si, ei}])
			if err != nil {
				return nil, nil, err
			}
			fileSize += uint64(size)
		}
		l.fileSize = int(fileSize)

		autoBase := l.vaddr + fileSize
		l.autoAddr = make([]uint64, len(seg.AutoLabels))
		autoTotal := uint64(0)
		for i, al := range seg.AutoLabels {
			addr := autoBase + autoTotal
			l.autoAddr[i] = addr
			addrs.set(seg.Name, al.Name, addr)
			autoTotal += uint64(al.Width)
		}

		memSize := fileSize + autoTotal
		if uint64(seg.Size) > memSize {
			memSize = uint64(seg.Size)
		}
		l.memSize = int(memSize)

		log.WithFields(log.Fields{
			"segment": seg.Name, "vaddr": l.vaddr, "fileOffset": l.fileOffset,
			"fileSize": l.fileSize, "memSize": l.memSize,
		}).Debug("render: laid out segment")

		layouts = append(layouts, l)
		cursor = l.vaddr + memSize
		fileCursor += fileSize
	}
	return layouts, addrs, nil
}

func resolveEntry(addrs addrTable, entry string) (uint64, error) {
	var matches []uint64
	segNames := make([]string, 0, len(addrs))
	for seg := range addrs {
		segNames = append(segNames, seg)
	}
	sort.Strings(segNames) // deterministic diagnostic/order, not semantically load-bearing
	for _, seg := range segNames {
		if addr, ok := addrs[seg][entry]; ok {
			matches = append(matches, addr)
		}
	}
	switch len(matches) {
	case 0:
		return 0, errs.New(errs.EntryNotFound, errs.Location{}, "entry label %q not found in any segment", entry)
	case 1:
		return matches[0], nil
	default:
		return 0, errs.New(errs.EntryAmbiguous, errs.Location{}, "entry label %q found in %d segments", entry, len(matches))
	}
}

func emissionPass(decl asm.Decl, layouts []*segLayout, addrs addrTable, handles map[extKey]extension.Handle) ([][]byte, error) {
	bo := byteOrder(decl.Endian)
	out := make([][]byte, len(layouts))

	for si, l := range layouts {
		buf := make([]byte, 0, l.fileSize)
		for ei, el := range l.seg.Elements {
			switch v := el.(type) {
			case asm.ByteLiteral:
				buf = append(buf, v.Bytes...)
			case asm.Label:
				// no bytes
			case asm.PaddedLiteral:
				enc, err := encodePadded(v, bo)
				if err != nil {
					return nil, errs.Wrap(errs.LiteralOutOfRange, errs.Location{Line: v.Line}, err,
						"padded literal does not fit in %d byte(s)", v.Width)
				}
				buf = append(buf, enc...)
			case asm.RelativeRef:
				target, ok := addrs.get(v.Segment, v.Label)
				if !ok {
					return nil, errs.New(errs.UnknownLabel, errs.Location{Line: v.Line},
						"relative reference to undefined label %q in segment %q", v.Label, v.Segment)
				}
				refAddr := l.elemAddr[ei]
				value := int64(target) - (int64(refAddr) + int64(v.Width)) + int64(v.Offset)
				enc, err := encodeSigned(value, v.Width, bo)
				if err != nil {
					return nil, errs.Wrap(errs.ReferenceOutOfRange, errs.Location{Line: v.Line}, err,
						"relative reference to %q does not fit in %d byte(s)", v.Label, v.Width)
				}
				buf = append(buf, enc...)
			case asm.AbsoluteRef:
				target, ok := addrs.get(v.Segment, v.Label)
				if !ok {
					return nil, errs.New(errs.UnknownLabel, errs.Location{Line: v.Line},
						"absolute reference to undefined label %q in segment %q", v.Label, v.Segment)
				}
				value := int64(target) + int64(v.Offset)
				if value < 0 || value > 0xffffffff {
					return nil, errs.New(errs.ReferenceOutOfRange, errs.Location{Line: v.Line},
						"absolute reference to %q does not fit in 4 bytes", v.Label)
				}
				var b [4]byte
				bo.PutUint32(b[:], uint32(value))
				buf = append(buf, b[:]...)
			case asm.ExtInvocation:
				h := handles[extKey{si, ei}]
				rendered, err := h.Render(programView{decl, addrs}, extension.Segment{Name: l.seg.Name, VAddr: l.vaddr})
				if err != nil {
					return nil, errs.Wrap(errs.ExtensionParseError, errs.Location{Line: v.Line}, err,
						"extension %q failed to render", v.Name)
				}
				if len(rendered) != h.Size() {
					return nil, errs.New(errs.ExtensionSizeMismatch, errs.Location{Line: v.Line},
						"extension %q rendered %d bytes, reported size %d", v.Name, len(rendered), h.Size())
				}
				buf = append(buf, rendered...)
			default:
				return nil, errs.New(errs.ParseError, errs.Location{}, "unexpected element type %T in render", el)
			}
		}
		out[si] = buf
	}
	return out, nil
}

// programView implements extension.Program over a finished address table.
type programView struct {
	decl  asm.Decl
	addrs addrTable
}

func (p programView) Endian() asm.Endian { return p.decl.Endian }

func (p programView) Resolve(segment, label string) (uint64, bool) {
	return p.addrs.get(segment, label)
}

