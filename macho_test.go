package main

import (
	"bytes"
	"debug/macho"
	"os"
	"path/filepath"
	"testing"
)

func TestObjectHeader(t *testing.T) {
	w := NewObjectWriter()
	w.AddFunc("main", []byte{0xC0, 0x03, 0x5F, 0xD6}, nil) // RET
	bin, err := w.Bytes()
	if err != nil {
		t.Fatal(err)
	}
	if getU32(bin) != 0xFEEDFACF {
		t.Fatalf("magic %#x", getU32(bin))
	}
	f, err := macho.NewFile(bytes.NewReader(bin))
	if err != nil {
		t.Fatal(err)
	}
	if f.Cpu != macho.CpuArm64 {
		t.Fatalf("cpu %v, want arm64", f.Cpu)
	}
	if f.Type != macho.TypeObj {
		t.Fatalf("filetype %v, want MH_OBJECT", f.Type)
	}
	if f.Section("__text") == nil {
		t.Fatal("no __text section")
	}
	sym, ok := findSymbol(f, "_main")
	if !ok {
		t.Fatal("no _main symbol")
	}
	if sym.Sect != 1 {
		t.Fatalf("_main in section %d, want 1", sym.Sect)
	}
}

func TestUndefinedExternalsDeduplicated(t *testing.T) {
	w := NewObjectWriter()
	code := make([]byte, 16)
	relocs := []Reloc{
		{Off: 0, Name: "_ext", Type: relocBranch26, Pcrel: true, Len: 2},
		{Off: 4, Name: "_ext", Type: relocBranch26, Pcrel: true, Len: 2},
		{Off: 8, Name: "_other", Type: relocBranch26, Pcrel: true, Len: 2},
	}
	w.AddFunc("f", code, relocs)
	bin, err := w.Bytes()
	if err != nil {
		t.Fatal(err)
	}
	f, err := macho.NewFile(bytes.NewReader(bin))
	if err != nil {
		t.Fatal(err)
	}
	seen := map[string]int{}
	for _, s := range f.Symtab.Syms {
		seen[s.Name]++
	}
	if seen["_ext"] != 1 || seen["_other"] != 1 {
		t.Fatalf("external symbols duplicated: %v", seen)
	}

	// Every relocation's symbol index is valid and the two _ext
	// relocations agree on it.
	sect := f.Section("__text")
	var extIdx []uint32
	for _, r := range sect.Relocs {
		if int(r.Value) >= len(f.Symtab.Syms) {
			t.Fatalf("relocation symbol index %d out of range", r.Value)
		}
		if r.Addr%4 != 0 {
			t.Fatalf("branch relocation at misaligned offset %#x", r.Addr)
		}
		if f.Symtab.Syms[r.Value].Name == "_ext" {
			extIdx = append(extIdx, r.Value)
		}
	}
	if len(extIdx) != 2 || extIdx[0] != extIdx[1] {
		t.Fatalf("_ext relocations disagree on symbol index: %v", extIdx)
	}
}

func TestUnresolvedRelocationRejected(t *testing.T) {
	w := NewObjectWriter()
	w.AllowUndefined = false
	w.AddFunc("f", make([]byte, 4), []Reloc{
		{Off: 0, Name: "_missing", Type: relocBranch26, Pcrel: true, Len: 2},
	})
	_, err := w.Bytes()
	if err == nil {
		t.Fatal("unresolved relocation accepted")
	}
	ce, ok := err.(*CompileError)
	if !ok || ce.Kind != ErrRelocUnresolved {
		t.Fatalf("wrong error: %v", err)
	}
}

func TestMisalignedRelocationRejected(t *testing.T) {
	w := NewObjectWriter()
	w.AddFunc("f", make([]byte, 8), []Reloc{
		{Off: 2, Name: "_x", Type: relocBranch26, Pcrel: true, Len: 2},
	})
	if _, err := w.Bytes(); err == nil {
		t.Fatal("misaligned relocation accepted")
	}
}

func TestStringLiteralsAndGlobals(t *testing.T) {
	w := NewObjectWriter()
	w.AddStringLit(0, "hi")
	w.AddStringLit(0, "hi") // second registration is a no-op
	w.AddGlobal("counter", 8, 7)
	w.AddFunc("main", make([]byte, 4), []Reloc{
		{Off: 0, Name: strLitSym(0), Type: relocPage21, Pcrel: true, Len: 2},
	})
	bin, err := w.Bytes()
	if err != nil {
		t.Fatal(err)
	}
	f, err := macho.NewFile(bytes.NewReader(bin))
	if err != nil {
		t.Fatal(err)
	}
	cs := f.Section("__cstring")
	if cs == nil {
		t.Fatal("no __cstring section")
	}
	data, err := cs.Data()
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(data, []byte("hi\x00")) {
		t.Fatalf("cstring bytes %q; literal not null-terminated or duplicated", data)
	}
	ds := f.Section("__data")
	if ds == nil {
		t.Fatal("no __data section")
	}
	gd, err := ds.Data()
	if err != nil {
		t.Fatal(err)
	}
	if getU64(gd) != 7 {
		t.Fatalf("global initializer %d, want 7", getU64(gd))
	}
	if _, ok := findSymbol(f, "_counter"); !ok {
		t.Fatal("no _counter symbol")
	}
	if _, ok := findSymbol(f, "l_.str.0"); !ok {
		t.Fatal("no literal symbol")
	}
}

func TestSymbolOrderLocalsExternalsUndefined(t *testing.T) {
	w := NewObjectWriter()
	w.AddStringLit(0, "s")
	w.AddFunc("f", make([]byte, 8), []Reloc{
		{Off: 0, Name: "_undefined", Type: relocBranch26, Pcrel: true, Len: 2},
	})
	bin, err := w.Bytes()
	if err != nil {
		t.Fatal(err)
	}
	f, err := macho.NewFile(bytes.NewReader(bin))
	if err != nil {
		t.Fatal(err)
	}
	// nlist order: locals, then defined externals, then undefined.
	syms := f.Symtab.Syms
	if len(syms) != 3 {
		t.Fatalf("%d symbols, want 3", len(syms))
	}
	if syms[0].Name != "l_.str.0" || syms[1].Name != "_f" || syms[2].Name != "_undefined" {
		t.Fatalf("symbol order %v", []string{syms[0].Name, syms[1].Name, syms[2].Name})
	}
	if syms[2].Sect != 0 {
		t.Fatal("undefined symbol has a section")
	}
}

func TestAtomicWrite(t *testing.T) {
	dir := t.TempDir()
	out := filepath.Join(dir, "obj.o")
	w := NewObjectWriter()
	w.AddFunc("main", []byte{0xC0, 0x03, 0x5F, 0xD6}, nil)
	if err := w.Write(out); err != nil {
		t.Fatal(err)
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 || entries[0].Name() != "obj.o" {
		t.Fatalf("directory not clean after write: %v", entries)
	}
}
