package main

import (
	"strings"
	"testing"

	"golang.org/x/arch/arm64/arm64asm"
)

// decodeOne decodes the single instruction most recently emitted.
func decodeOne(t *testing.T, g *CodeGen) arm64asm.Inst {
	t.Helper()
	if len(g.code) < 4 {
		t.Fatal("no instruction emitted")
	}
	word := g.code[len(g.code)-4:]
	inst, err := arm64asm.Decode(word)
	if err != nil {
		t.Fatalf("x/arch cannot decode %#08x: %v", getU32(word), err)
	}
	return inst
}

// opIs accepts the base op or its preferred alias.
func opIs(t *testing.T, inst arm64asm.Inst, names ...string) {
	t.Helper()
	got := inst.Op.String()
	for _, n := range names {
		if got == n {
			return
		}
	}
	t.Fatalf("decoded as %s (%s), want one of %v", got, arm64asm.GNUSyntax(inst), names)
}

func TestEncodeMoves(t *testing.T) {
	g := &CodeGen{}
	g.emitMovZ(0, 42, 0)
	opIs(t, decodeOne(t, g), "MOVZ", "MOV")

	g.emitMovK(1, 0xBEEF, 16)
	opIs(t, decodeOne(t, g), "MOVK")

	g.emitMovN(2, 0, 0)
	opIs(t, decodeOne(t, g), "MOVN", "MOV")

	g.emitMovRR(3, 4)
	opIs(t, decodeOne(t, g), "ORR", "MOV")

	g.emitMovRR(3, REG_SP)
	opIs(t, decodeOne(t, g), "ADD", "MOV")
}

func TestEncodeLoadImm64(t *testing.T) {
	g := &CodeGen{}
	g.emitLoadImm64(0, 0)
	if len(g.code) != 4 {
		t.Fatalf("zero should be one instruction, got %d bytes", len(g.code))
	}
	g = &CodeGen{}
	g.emitLoadImm64(0, 0xFFFFFFFFFFFFFFFF)
	if len(g.code) != 4 {
		t.Fatalf("all-ones should be a single MOVN, got %d bytes", len(g.code))
	}
	opIs(t, decodeOne(t, g), "MOVN", "MOV")
	g = &CodeGen{}
	g.emitLoadImm64(5, 0x123456789ABCDEF0)
	if len(g.code) != 16 {
		t.Fatalf("full 64-bit constant should take four instructions, got %d bytes", len(g.code))
	}
	for off := 0; off < len(g.code); off += 4 {
		if _, err := arm64asm.Decode(g.code[off : off+4]); err != nil {
			t.Fatalf("undecodable word at +%d: %v", off, err)
		}
	}
}

func TestEncodeALU(t *testing.T) {
	g := &CodeGen{}
	g.emitAddRR(0, 1, 2)
	opIs(t, decodeOne(t, g), "ADD")
	g.emitSubRR(0, 1, 2)
	opIs(t, decodeOne(t, g), "SUB")
	g.emitAddImm(0, 1, 100)
	opIs(t, decodeOne(t, g), "ADD")
	g.emitSubImm(0, 1, 100)
	opIs(t, decodeOne(t, g), "SUB")
	g.emitMul(0, 1, 2)
	opIs(t, decodeOne(t, g), "MADD", "MUL")
	g.emitSdiv(0, 1, 2)
	opIs(t, decodeOne(t, g), "SDIV")
	g.emitUdiv(0, 1, 2)
	opIs(t, decodeOne(t, g), "UDIV")
	g.emitMsub(0, 1, 2, 3)
	opIs(t, decodeOne(t, g), "MSUB")
	g.emitNeg(0, 1)
	opIs(t, decodeOne(t, g), "SUB", "NEG")
	g.emitAndRR(0, 1, 2)
	opIs(t, decodeOne(t, g), "AND")
	g.emitOrrRR(0, 1, 2)
	opIs(t, decodeOne(t, g), "ORR")
	g.emitEorRR(0, 1, 2)
	opIs(t, decodeOne(t, g), "EOR")
	g.emitMvn(0, 1)
	opIs(t, decodeOne(t, g), "ORN", "MVN")
	g.emitLslRR(0, 1, 2)
	opIs(t, decodeOne(t, g), "LSLV", "LSL")
	g.emitLsrRR(0, 1, 2)
	opIs(t, decodeOne(t, g), "LSRV", "LSR")
	g.emitAsrRR(0, 1, 2)
	opIs(t, decodeOne(t, g), "ASRV", "ASR")
	g.emitLslImm(0, 1, 3)
	opIs(t, decodeOne(t, g), "UBFM", "LSL", "UBFIZ")
	g.emitLsrImm(0, 1, 3)
	opIs(t, decodeOne(t, g), "UBFM", "LSR")
	g.emitAsrImm(0, 1, 3)
	opIs(t, decodeOne(t, g), "SBFM", "ASR")
	g.emitEorImm1(0, 1)
	opIs(t, decodeOne(t, g), "EOR")
}

func TestEncodeCompare(t *testing.T) {
	g := &CodeGen{}
	g.emitCmpRR(1, 2)
	opIs(t, decodeOne(t, g), "SUBS", "CMP")
	g.emitCmpImm(1, 7)
	opIs(t, decodeOne(t, g), "SUBS", "CMP")
	g.emitCset(0, COND_EQ)
	opIs(t, decodeOne(t, g), "CSINC", "CSET")
}

func TestEncodeSizedLoadsStoresScaleOffsets(t *testing.T) {
	// Scaled unsigned-offset forms encode byte_offset/access_size; the
	// immediate field must hold the divided value.
	cases := []struct {
		size int
		off  int
	}{
		{1, 17}, {2, 34}, {4, 68}, {8, 136},
	}
	for _, c := range cases {
		g := &CodeGen{}
		g.emitLdrSized(c.size, 0, 1, c.off)
		if len(g.code) != 4 {
			t.Fatalf("size %d offset %d took %d bytes", c.size, c.off, len(g.code))
		}
		w := getU32(g.code)
		imm := (w >> 10) & 0xFFF
		if int(imm) != c.off/c.size {
			t.Fatalf("size %d: scaled immediate %d, want %d", c.size, imm, c.off/c.size)
		}
		inst, err := arm64asm.Decode(g.code)
		if err != nil {
			t.Fatalf("size %d load undecodable: %v", c.size, err)
		}
		if !strings.HasPrefix(inst.Op.String(), "LDR") {
			t.Fatalf("size %d decoded as %s", c.size, inst.Op)
		}

		g = &CodeGen{}
		g.emitStrSized(c.size, 0, 1, c.off)
		inst, err = arm64asm.Decode(g.code)
		if err != nil {
			t.Fatalf("size %d store undecodable: %v", c.size, err)
		}
		if !strings.HasPrefix(inst.Op.String(), "STR") {
			t.Fatalf("size %d store decoded as %s", c.size, inst.Op)
		}
	}
}

func TestEncodeUnalignedOffsetFallsBackToUnscaled(t *testing.T) {
	g := &CodeGen{}
	g.emitLdrSized(8, 0, 1, 9) // not a multiple of 8
	if len(g.code) != 4 {
		t.Fatalf("small unaligned offset should use LDUR, got %d bytes", len(g.code))
	}
	opIs(t, decodeOne(t, g), "LDUR")

	g = &CodeGen{}
	g.emitLdrSized(8, 0, 1, 40000) // out of unsigned-scaled range
	if len(g.code) <= 4 {
		t.Fatal("large offset must expand to a scratch-register sequence")
	}
	for off := 0; off < len(g.code); off += 4 {
		if _, err := arm64asm.Decode(g.code[off : off+4]); err != nil {
			t.Fatalf("undecodable word in large-offset sequence: %v", err)
		}
	}
}

func TestEncodePairs(t *testing.T) {
	g := &CodeGen{}
	g.emitStpPre(29, 30, REG_SP, -32)
	opIs(t, decodeOne(t, g), "STP")
	g.emitLdpPost(29, 30, REG_SP, 32)
	opIs(t, decodeOne(t, g), "LDP")
	g.emitStpOff(29, 30, REG_SP, 0)
	opIs(t, decodeOne(t, g), "STP")
	g.emitLdpOff(29, 30, REG_SP, 0)
	opIs(t, decodeOne(t, g), "LDP")
}

func TestEncodeBranches(t *testing.T) {
	g := &CodeGen{}
	off := g.emitB()
	g.emitNop()
	g.emitNop()
	if !g.patchBranch26(off, len(g.code)) {
		t.Fatal("patchBranch26 failed in range")
	}
	inst := mustDecodeAt(t, g, off)
	opIs(t, inst, "B")

	off = g.emitBCond(COND_LT)
	g.emitNop()
	if !g.patchBranch19(off, len(g.code)) {
		t.Fatal("patchBranch19 failed in range")
	}
	inst = mustDecodeAt(t, g, off)
	if !strings.HasPrefix(inst.Op.String(), "B") {
		t.Fatalf("conditional branch decoded as %s", inst.Op)
	}

	off = g.emitCbnz(3)
	g.emitNop()
	if !g.patchBranch19(off, len(g.code)) {
		t.Fatal("patchBranch19 on CBNZ failed")
	}
	opIs(t, mustDecodeAt(t, g, off), "CBNZ")

	off = g.emitBL()
	opIs(t, mustDecodeAt(t, g, off), "BL")
	g.emitBlr(16)
	opIs(t, decodeOne(t, g), "BLR")
	g.emitRet()
	opIs(t, decodeOne(t, g), "RET")
}

func TestBranchRangeOverflow(t *testing.T) {
	g := &CodeGen{}
	off := g.emitBCond(COND_EQ)
	// 19-bit signed instruction count: 2^18 instructions away is out.
	if g.patchBranch19(off, off+(1<<18)*4+4) {
		t.Fatal("patchBranch19 accepted an out-of-range target")
	}
	if !g.patchBranch19(off, off+(1<<18)*4-4) {
		t.Fatal("patchBranch19 rejected an in-range target")
	}
}

func TestEncodeAdrp(t *testing.T) {
	g := &CodeGen{}
	g.emitAdrp(7)
	opIs(t, decodeOne(t, g), "ADRP")
}

func mustDecodeAt(t *testing.T, g *CodeGen, off int) arm64asm.Inst {
	t.Helper()
	inst, err := arm64asm.Decode(g.code[off : off+4])
	if err != nil {
		t.Fatalf("undecodable at +%d: %v", off, err)
	}
	return inst
}
