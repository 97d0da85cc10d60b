package render

import (
	"bytes"
	"debug/elf"
	"encoding/binary"

	"moria.us/elfhex/asm"
)

const (
	elfHeaderSize  = 52
	elfPhentSize   = 32
	elf32Class     = 1 // ELFCLASS32
	elfVersion     = 1 // EV_CURRENT
)

func byteOrder(e asm.Endian) binary.ByteOrder {
	if e == asm.BigEndian {
		return binary.BigEndian
	}
	return binary.LittleEndian
}

func elfDataEncoding(e asm.Endian) byte {
	if e == asm.BigEndian {
		return byte(elf.ELFDATA2MSB)
	}
	return byte(elf.ELFDATA2LSB)
}

// buildHeader assembles the 52-byte ELF32 header plus one PT_LOAD program
// header per segment (spec §4.D "ELF header assembly"), in program's
// declared byte order.
func buildHeader(decl asm.Decl, entry uint32, layouts []*segLayout) []byte {
	bo := byteOrder(decl.Endian)
	phnum := len(layouts)

	var buf bytes.Buffer
	var ident [16]byte
	ident[0] = 0x7f
	ident[1] = 'E'
	ident[2] = 'L'
	ident[3] = 'F'
	ident[4] = elf32Class
	ident[5] = elfDataEncoding(decl.Endian)
	ident[6] = elfVersion
	buf.Write(ident[:])

	write16 := func(v uint16) { var b [2]byte; bo.PutUint16(b[:], v); buf.Write(b[:]) }
	write32 := func(v uint32) { var b [4]byte; bo.PutUint32(b[:], v); buf.Write(b[:]) }

	write16(uint16(elf.ET_EXEC)) // e_type
	write16(decl.Machine)        // e_machine
	write32(elfVersion)          // e_version
	write32(entry)               // e_entry
	write32(elfHeaderSize)       // e_phoff
	write32(0)                   // e_shoff
	write32(0)                   // e_flags
	write16(elfHeaderSize)       // e_ehsize
	write16(elfPhentSize)        // e_phentsize
	write16(uint16(phnum))       // e_phnum
	write16(0)                   // e_shentsize
	write16(0)                   // e_shnum
	write16(0)                   // e_shstrndx

	for _, l := range layouts {
		write32(uint32(elf.PT_LOAD))      // p_type
		write32(uint32(l.fileOffset))     // p_offset
		write32(uint32(l.vaddr))          // p_vaddr
		write32(uint32(l.vaddr))          // p_paddr
		write32(uint32(l.fileSize))       // p_filesz
		write32(uint32(l.memSize))        // p_memsz
		write32(uint32(pflags(l.seg.Flags))) // p_flags
		write32(uint32(l.align))          // p_align
	}
	return buf.Bytes()
}

func pflags(f asm.Flags) uint32 {
	var v uint32
	if f&asm.FlagR != 0 {
		v |= uint32(elf.PF_R)
	}
	if f&asm.FlagW != 0 {
		v |= uint32(elf.PF_W)
	}
	if f&asm.FlagX != 0 {
		v |= uint32(elf.PF_X)
	}
	return v
}
