// Package dump prints an expanded program in the indented, field-aligned
// text format used throughout this tree's diagnostic output, for the
// `elfhex dump` subcommand (a build that stops after the transformer).
package dump

import (
	"bufio"
	"fmt"

	"moria.us/elfhex/asm"
)

const indentLevel = "  "

const hexDigits = "0123456789abcdef"

func writeHexStr(w *bufio.Writer, b []byte) {
	d := make([]byte, 4*len(b)+3)
	j := 3*len(b) + 2
	for i, c := range b {
		d[i*3+0] = hexDigits[c>>4]
		d[i*3+1] = hexDigits[c&15]
		d[i*3+2] = ' '
		if 0x20 <= c && c <= 0x7e {
			d[j+i] = c
		}
	}
	d[j-2] = ' '
	d[j-1] = '"'
	d[4*len(b)+2] = '"'
	w.Write(d)
}

// Expanded writes the transformer's output in indented text form: one
// block per segment, one line per element.
func Expanded(w *bufio.Writer, prog *asm.Expanded) {
	fmt.Fprintf(w, "Program: machine=%d endian=%s align=%d\n", prog.Decl.Machine, prog.Decl.Endian, prog.Decl.Align)
	for _, seg := range prog.Segments {
		fmt.Fprintf(w, "Segment %s (flags=%s size=%d align=%d):\n", seg.Name, seg.Flags, seg.Size, seg.Align)
		for _, el := range seg.Elements {
			w.WriteString(indentLevel)
			writeElement(w, el)
			w.WriteByte('\n')
		}
		for _, al := range seg.AutoLabels {
			fmt.Fprintf(w, "%sauto-label %s (width=%d)\n", indentLevel, al.Name, al.Width)
		}
	}
}

func writeElement(w *bufio.Writer, el asm.Element) {
	switch v := el.(type) {
	case asm.ByteLiteral:
		w.WriteString("bytes ")
		writeHexStr(w, v.Bytes)
	case asm.PaddedLiteral:
		fmt.Fprintf(w, "literal sign=%c magnitude=%d width=%d", v.Sign, v.Magnitude, v.Width)
	case asm.Label:
		fmt.Fprintf(w, "label %s", v.Name)
	case asm.RelativeRef:
		fmt.Fprintf(w, "relref %s:%s+%d:%d", v.Segment, v.Label, v.Offset, v.Width)
	case asm.AbsoluteRef:
		fmt.Fprintf(w, "absref %s:%s+%d", v.Segment, v.Label, v.Offset)
	case asm.ExtInvocation:
		fmt.Fprintf(w, "extension %s (builtin=%v)", v.Name, v.Builtin)
	default:
		fmt.Fprintf(w, "unknown element %T", v)
	}
}
