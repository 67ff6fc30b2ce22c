package main

import (
	"testing"

	"golang.org/x/arch/arm64/arm64asm"
)

// emittedFor compiles one function of a source program down to bytes.
func emittedFor(t *testing.T, src, name string) []byte {
	t.Helper()
	mod := frontend(t, src)
	irf := mod.FuncByName(name)
	if irf == nil {
		t.Fatalf("no function %s", name)
	}
	code, _, err := compileFunc(mod, irf, testTracer())
	if err != nil {
		t.Fatalf("compileFunc(%s): %v", name, err)
	}
	return code
}

func TestPrologueEpilogueShape(t *testing.T) {
	code := emittedFor(t, readScenario(t, "ret42.cot"), "main")
	first, err := arm64asm.Decode(code[:4])
	if err != nil {
		t.Fatal(err)
	}
	if op := first.Op.String(); op != "STP" && op != "SUB" {
		t.Fatalf("prologue starts with %s, want STP (or SUB for a split frame)", op)
	}
	last, err := arm64asm.Decode(code[len(code)-4:])
	if err != nil {
		t.Fatal(err)
	}
	if last.Op.String() != "RET" {
		t.Fatalf("function ends with %s, want RET", last.Op)
	}
}

func TestEveryEmittedWordDecodes(t *testing.T) {
	for _, scenario := range []string{
		"ret42.cot", "arith.cot", "factorial.cot", "structret.cot",
		"sum9.cot", "concat.cot", "logic.cot", "switch.cot",
	} {
		src := readScenario(t, scenario)
		mod := frontend(t, src)
		for _, irf := range mod.Funcs {
			code, _, err := compileFunc(mod, irf, testTracer())
			if err != nil {
				t.Fatalf("%s/%s: %v", scenario, irf.Name, err)
			}
			for off := 0; off < len(code); off += 4 {
				if _, err := arm64asm.Decode(code[off : off+4]); err != nil {
					t.Fatalf("%s/%s: undecodable %#08x at +%#x",
						scenario, irf.Name, getU32(code[off:]), off)
				}
			}
		}
	}
}

func TestBranchImmediatesLandInFunction(t *testing.T) {
	// Every patched branch must decode to a 4-byte-aligned target
	// within the function body (calls carry relocations instead and
	// stay zero).
	src := readScenario(t, "logic.cot")
	mod := frontend(t, src)
	irf := mod.FuncByName("check")
	code, relocs, err := compileFunc(mod, irf, testTracer())
	if err != nil {
		t.Fatal(err)
	}
	relocAt := make(map[int]bool)
	for _, r := range relocs {
		relocAt[int(r.Off)] = true
	}
	for off := 0; off < len(code); off += 4 {
		w := getU32(code[off:])
		var target int
		switch {
		case w&0xFC000000 == 0x14000000: // B
			delta := int32(w<<6) >> 6
			target = off + int(delta)*4
		case w&0xFF000010 == 0x54000000: // B.cond
			delta := (int32(w<<8) >> 13)
			target = off + int(delta)*4
		case w&0x7F000000 == 0x35000000 || w&0x7F000000 == 0x34000000: // CBZ/CBNZ
			delta := (int32(w<<8) >> 13)
			target = off + int(delta)*4
		default:
			continue
		}
		if relocAt[off] {
			continue
		}
		if target < 0 || target > len(code) || target%4 != 0 {
			t.Fatalf("branch at +%#x targets %#x outside [0,%#x]", off, target, len(code))
		}
	}
}

func TestPerFunctionStateResets(t *testing.T) {
	// Compiling a second function must not inherit the first one's
	// branch fixups: recompiling factorial after main must reproduce
	// identical bytes, and main must compile to a non-empty body.
	src := readScenario(t, "factorial.cot")
	mod := frontend(t, src)
	fac := mod.FuncByName("factorial")
	mn := mod.FuncByName("main")

	code1, _, err := compileFunc(mod, fac, testTracer())
	if err != nil {
		t.Fatal(err)
	}
	code2, _, err := compileFunc(mod, mn, testTracer())
	if err != nil {
		t.Fatal(err)
	}
	code1again, _, err := compileFunc(mod, fac, testTracer())
	if err != nil {
		t.Fatal(err)
	}
	if len(code1) != len(code1again) {
		t.Fatalf("recompiling factorial changed its size: %d vs %d",
			len(code1), len(code1again))
	}
	for i := range code1 {
		if code1[i] != code1again[i] {
			t.Fatalf("recompiling factorial changed byte %d", i)
		}
	}
	if len(code2) == 0 {
		t.Fatal("main compiled to nothing")
	}
}

func TestSmodSequence(t *testing.T) {
	// smod emits divide then multiply-subtract; no modulo exists.
	src := `
func rem(a int, b int) int {
	return a % b
}

func main() int {
	return rem(7, 3)
}
`
	code := emittedFor(t, src, "rem")
	sawSdiv, sawMsub := false, false
	for off := 0; off < len(code); off += 4 {
		inst, err := arm64asm.Decode(code[off : off+4])
		if err != nil {
			t.Fatalf("undecodable at +%#x", off)
		}
		switch inst.Op.String() {
		case "SDIV":
			sawSdiv = true
		case "MSUB":
			sawMsub = true
		}
	}
	if !sawSdiv || !sawMsub {
		t.Fatalf("smod lowering missing sdiv/msub (sdiv=%v msub=%v)", sawSdiv, sawMsub)
	}
}

func TestGlobalAddrRelocPair(t *testing.T) {
	src := `
var counter int = 5

func main() int {
	counter = counter + 1
	return counter
}
`
	mod := frontend(t, src)
	irf := mod.FuncByName("main")
	code, relocs, err := compileFunc(mod, irf, testTracer())
	if err != nil {
		t.Fatal(err)
	}
	var page, pageoff int
	for _, r := range relocs {
		switch r.Type {
		case relocPage21:
			page++
			if !r.Pcrel {
				t.Fatal("PAGE21 must be pc-relative")
			}
			if r.Name != "_counter" {
				t.Fatalf("PAGE21 targets %q", r.Name)
			}
		case relocPageoff12:
			pageoff++
			if r.Pcrel {
				t.Fatal("PAGEOFF12 must not be pc-relative")
			}
		}
	}
	if page == 0 || page != pageoff {
		t.Fatalf("ADRP/ADD relocation pairs unbalanced: %d vs %d", page, pageoff)
	}
	for off := 0; off < len(code); off += 4 {
		if _, err := arm64asm.Decode(code[off : off+4]); err != nil {
			t.Fatalf("undecodable at +%#x", off)
		}
	}
}
