package main

import (
	"fmt"
	"os"
	"path/filepath"
)

// === Mach-O relocatable object writer (C9) ===
// Accumulates code, data, string literals, symbols and name-keyed
// relocations, then emits an MH_OBJECT file. Relocations reference
// symbols by name until write time: names that never resolve to a
// defined symbol become deduplicated undefined externals, and symbol
// indices are looked up only once the final table order is known.

// ARM64 relocation types (r_type field).
const (
	relocUnsigned  = 0 // ARM64_RELOC_UNSIGNED
	relocBranch26  = 2 // ARM64_RELOC_BRANCH26
	relocPage21    = 3 // ARM64_RELOC_PAGE21
	relocPageoff12 = 4 // ARM64_RELOC_PAGEOFF12
)

// Reloc is one name-keyed relocation record.
type Reloc struct {
	Off   uint32 // section offset of the instruction
	Name  string // target symbol name, resolved at write time
	Type  uint8
	Pcrel bool
	Len   uint8 // log2 of the patched width (2 = 4 bytes)
}

// Mach-O constants for the object header.
const (
	machoMagic64                   = 0xFEEDFACF
	machoCpuArm64                  = 0x0100000C
	machoObjectFile                = 0x1
	machoFlagSubsectionsViaSymbols = 0x2000
)

// Section ordinals within the single unnamed segment.
const (
	sectText = 1
	sectCstr = 2
	sectData = 3
)

// objSym is one symbol accumulated by the writer.
type objSym struct {
	name     string
	sect     int8 // section ordinal; 0 = undefined
	off      int  // section-relative offset
	external bool
}

// strLitSym names the assembler-local symbol of an interned string
// literal.
func strLitSym(handle int) string {
	return "l_.str." + itoa(handle)
}

// ObjectWriter accumulates one object file.
type ObjectWriter struct {
	text []byte
	cstr []byte
	data []byte

	syms    []objSym
	symIdx  map[string]int
	relocs  []Reloc // __text relocations, name-keyed
	litOffs map[int]int

	// AllowUndefined admits relocation targets that stay undefined;
	// they become external entries for the link step. When false an
	// unresolved name is E_RELOC_UNRESOLVED.
	AllowUndefined bool
}

// NewObjectWriter returns an empty writer.
func NewObjectWriter() *ObjectWriter {
	return &ObjectWriter{
		symIdx:         make(map[string]int),
		litOffs:        make(map[int]int),
		AllowUndefined: true,
	}
}

// defineSym appends a defined symbol once.
func (w *ObjectWriter) defineSym(name string, sect int8, off int, external bool) {
	if _, ok := w.symIdx[name]; ok {
		return
	}
	w.symIdx[name] = len(w.syms)
	w.syms = append(w.syms, objSym{name: name, sect: sect, off: off, external: external})
}

// AddFunc appends a function's code and relocations. The function
// symbol is external and `_`-prefixed per the Darwin C ABI.
func (w *ObjectWriter) AddFunc(name string, code []byte, relocs []Reloc) {
	base := len(w.text)
	w.defineSym(machoSymName(name), sectText, base, true)
	w.text = append(w.text, code...)
	for _, r := range relocs {
		r.Off += uint32(base)
		w.relocs = append(w.relocs, r)
	}
}

// AddStringLit appends a null-terminated string literal and defines its
// local symbol.
func (w *ObjectWriter) AddStringLit(handle int, s string) {
	if _, ok := w.litOffs[handle]; ok {
		return
	}
	off := len(w.cstr)
	w.litOffs[handle] = off
	w.cstr = append(w.cstr, s...)
	w.cstr = append(w.cstr, 0)
	w.defineSym(strLitSym(handle), sectCstr, off, false)
}

// AddGlobal appends an initialized 8-byte-aligned global.
func (w *ObjectWriter) AddGlobal(name string, size int, init int64) {
	for len(w.data)%8 != 0 {
		w.data = append(w.data, 0)
	}
	off := len(w.data)
	w.defineSym(machoSymName(name), sectData, off, true)
	buf := make([]byte, alignUp(size, 8))
	putU64(buf, uint64(init))
	w.data = append(w.data, buf...)
}

// Bytes assembles the object file. Writing proceeds in phases: collect
// relocation target names and append undefined externals, build the
// final name-to-index map, then emit header, load commands, section
// bytes, relocations, symbol table and string table.
func (w *ObjectWriter) Bytes() ([]byte, error) {
	// Phase 1: resolve relocation targets; unknown names become
	// undefined externals exactly once.
	for _, r := range w.relocs {
		if _, ok := w.symIdx[r.Name]; ok {
			continue
		}
		if !w.AllowUndefined {
			return nil, fatal(ErrRelocUnresolved, "object", "",
				"relocation target %q has no definition", r.Name)
		}
		w.symIdx[r.Name] = len(w.syms)
		w.syms = append(w.syms, objSym{name: r.Name, sect: 0, off: 0, external: true})
	}

	// Phase 2: final symbol order (locals, extdef, undef) and the
	// name-to-index map in that order.
	var locals, extdef, undef []objSym
	for _, s := range w.syms {
		switch {
		case s.sect == 0:
			undef = append(undef, s)
		case s.external:
			extdef = append(extdef, s)
		default:
			locals = append(locals, s)
		}
	}
	ordered := make([]objSym, 0, len(w.syms))
	ordered = append(ordered, locals...)
	ordered = append(ordered, extdef...)
	ordered = append(ordered, undef...)
	finalIdx := make(map[string]int, len(ordered))
	for i, s := range ordered {
		finalIdx[s.name] = i
	}

	// Section layout. Section addresses are cumulative from 0.
	textSize := len(w.text)
	cstrAddr := alignUp(textSize, 8)
	dataAddr := alignUp(cstrAddr+len(w.cstr), 8)
	totalSect := dataAddr + len(w.data)

	nsects := 2
	if len(w.data) > 0 {
		nsects = 3
	}

	lcSegSize := 72 + nsects*80
	lcBuildVersionSize := 24
	lcSymtabSize := 24
	lcDysymtabSize := 80
	ncmds := 4
	lcTotal := lcSegSize + lcBuildVersionSize + lcSymtabSize + lcDysymtabSize
	headerSize := 32 + lcTotal

	dataStart := alignUp(headerSize, 16)
	relocOff := alignUp(dataStart+totalSect, 8)
	nrelocs := len(w.relocs)
	symOff := relocOff + nrelocs*8
	nlistSize := 16
	strOff := symOff + len(ordered)*nlistSize

	strtab := []byte{0}
	nameOff := make([]int, len(ordered))
	for i, s := range ordered {
		nameOff[i] = len(strtab)
		strtab = append(strtab, s.name...)
		strtab = append(strtab, 0)
	}

	total := strOff + len(strtab)
	bin := make([]byte, total)

	// Mach-O header (32 bytes)
	putU32(bin[0:], machoMagic64)
	putU32(bin[4:], machoCpuArm64)
	putU32(bin[8:], 0) // CPU_SUBTYPE_ARM64_ALL
	putU32(bin[12:], machoObjectFile)
	putU32(bin[16:], uint32(ncmds))
	putU32(bin[20:], uint32(lcTotal))
	putU32(bin[24:], machoFlagSubsectionsViaSymbols)
	putU32(bin[28:], 0)

	off := 32

	// LC_SEGMENT_64 with an unnamed segment covering all sections.
	putU32(bin[off:], 0x19)
	putU32(bin[off+4:], uint32(lcSegSize))
	putU64(bin[off+24:], 0)                 // vmaddr
	putU64(bin[off+32:], uint64(totalSect)) // vmsize
	putU64(bin[off+40:], uint64(dataStart)) // fileoff
	putU64(bin[off+48:], uint64(totalSect)) // filesize
	putU32(bin[off+56:], 7)                 // maxprot rwx
	putU32(bin[off+60:], 7)                 // initprot rwx
	putU32(bin[off+64:], uint32(nsects))
	putU32(bin[off+68:], 0)
	off += 72

	writeSection := func(sectname, segname string, addr, size, fileoff, align, flags, reloff, nreloc int) {
		copy(bin[off:off+16], sectname)
		copy(bin[off+16:off+32], segname)
		putU64(bin[off+32:], uint64(addr))
		putU64(bin[off+40:], uint64(size))
		putU32(bin[off+48:], uint32(fileoff))
		putU32(bin[off+52:], uint32(align))
		putU32(bin[off+56:], uint32(reloff))
		putU32(bin[off+60:], uint32(nreloc))
		putU32(bin[off+64:], uint32(flags))
		off += 80
	}

	// __text carries all relocations; S_ATTR_PURE_INSTRUCTIONS +
	// S_ATTR_SOME_INSTRUCTIONS.
	writeSection("__text", "__TEXT", 0, textSize, dataStart, 2, 0x80000400, relocOff, nrelocs)
	writeSection("__cstring", "__TEXT", cstrAddr, len(w.cstr), dataStart+cstrAddr, 0, 0x2, 0, 0)
	if nsects == 3 {
		writeSection("__data", "__DATA", dataAddr, len(w.data), dataStart+dataAddr, 3, 0, 0, 0)
	}

	// LC_BUILD_VERSION: platform macOS.
	putU32(bin[off:], 0x32)
	putU32(bin[off+4:], uint32(lcBuildVersionSize))
	putU32(bin[off+8:], 1)           // PLATFORM_MACOS
	putU32(bin[off+12:], 0x000D0000) // minos 13.0
	putU32(bin[off+16:], 0)
	putU32(bin[off+20:], 0)
	off += lcBuildVersionSize

	// LC_SYMTAB
	putU32(bin[off:], 0x02)
	putU32(bin[off+4:], uint32(lcSymtabSize))
	putU32(bin[off+8:], uint32(symOff))
	putU32(bin[off+12:], uint32(len(ordered)))
	putU32(bin[off+16:], uint32(strOff))
	putU32(bin[off+20:], uint32(len(strtab)))
	off += lcSymtabSize

	// LC_DYSYMTAB: local/extdef/undef ranges, everything else zero.
	putU32(bin[off:], 0x0B)
	putU32(bin[off+4:], uint32(lcDysymtabSize))
	putU32(bin[off+8:], 0)
	putU32(bin[off+12:], uint32(len(locals)))
	putU32(bin[off+16:], uint32(len(locals)))
	putU32(bin[off+20:], uint32(len(extdef)))
	putU32(bin[off+24:], uint32(len(locals)+len(extdef)))
	putU32(bin[off+28:], uint32(len(undef)))
	off += lcDysymtabSize
	_ = off

	// Section bytes.
	copy(bin[dataStart:], w.text)
	copy(bin[dataStart+cstrAddr:], w.cstr)
	copy(bin[dataStart+dataAddr:], w.data)

	// Relocation entries. Branch relocations must sit on 4-byte
	// boundaries, and every symbol index must be in range.
	ro := relocOff
	for _, r := range w.relocs {
		if r.Off%4 != 0 {
			return nil, fatal(ErrObjectWrite, "object", "",
				"relocation at misaligned offset %#x", r.Off)
		}
		idx, ok := finalIdx[r.Name]
		if !ok || idx >= len(ordered) {
			return nil, fatal(ErrRelocUnresolved, "object", "",
				"relocation target %q did not resolve to a symbol", r.Name)
		}
		putU32(bin[ro:], r.Off)
		info := uint32(idx) & 0xFFFFFF
		if r.Pcrel {
			info |= 1 << 24
		}
		info |= uint32(r.Len) << 25
		info |= 1 << 27 // r_extern: by symbol
		info |= uint32(r.Type) << 28
		putU32(bin[ro+4:], info)
		ro += 8
	}

	// Symbol table: nlist_64 entries in locals/extdef/undef order.
	so := symOff
	sectAddr := map[int8]int{sectText: 0, sectCstr: cstrAddr, sectData: dataAddr}
	for i, s := range ordered {
		putU32(bin[so:], uint32(nameOff[i]))
		ntype := byte(0x0E) // N_SECT
		if s.external {
			ntype |= 0x01
		}
		if s.sect == 0 {
			ntype = 0x01 // N_UNDF | N_EXT
		}
		bin[so+4] = ntype
		if s.sect != 0 {
			bin[so+5] = byte(s.sect)
			putU64(bin[so+8:], uint64(sectAddr[s.sect]+s.off))
		}
		so += nlistSize
	}

	copy(bin[strOff:], strtab)
	return bin, nil
}

// Write emits the object to path atomically: the bytes land in a
// temporary file first, so a failure never leaves a partial object.
func (w *ObjectWriter) Write(path string) error {
	bin, err := w.Bytes()
	if err != nil {
		return err
	}
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".cotc-obj-*")
	if err != nil {
		return fmt.Errorf("object write: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(bin); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("object write: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("object write: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("object write: %w", err)
	}
	return nil
}
