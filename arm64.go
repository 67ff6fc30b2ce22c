package main

// === ARM64 Assembler: instruction encoding for AArch64 ===
// ARM64 uses fixed-width 32-bit instructions, little-endian.

// Register constants (X0-X30, SP/XZR=31)
const (
	REG_X0  = 0
	REG_X1  = 1
	REG_X8  = 8  // hidden-return pointer (AAPCS64)
	REG_X16 = 16 // IP0 (intra-procedure scratch)
	REG_X17 = 17 // IP1
	REG_FP  = 29 // frame pointer (X29)
	REG_LR  = 30 // link register (X30)
	REG_SP  = 31 // stack pointer (context-dependent)
	REG_XZR = 31 // zero register (context-dependent)
)

// Role aliases used across the allocator and emitter.
const (
	hiddenRetReg = REG_X8
	scratchReg   = REG_X16 // large offsets, smod, aggregate copies
	shuffleReg   = REG_X17 // parallel-copy cycle breaker
)

// Condition codes for B.cond / CSET
const (
	COND_EQ = 0x0 // equal
	COND_NE = 0x1 // not equal
	COND_CS = 0x2 // carry set / unsigned >=
	COND_CC = 0x3 // carry clear / unsigned <
	COND_HI = 0x8 // unsigned >
	COND_LS = 0x9 // unsigned <=
	COND_GE = 0xA // signed >=
	COND_LT = 0xB // signed <
	COND_GT = 0xC // signed >
	COND_LE = 0xD // signed <=
)

// emitArm64 appends a 32-bit ARM64 instruction (little-endian).
func (g *CodeGen) emitArm64(inst uint32) {
	g.code = append(g.code, byte(inst), byte(inst>>8), byte(inst>>16), byte(inst>>24))
}

// === Immediate loading ===

// emitMovZ emits MOVZ Xd, #imm16, LSL #shift (shift=0,16,32,48)
func (g *CodeGen) emitMovZ(rd int, imm16 uint16, shift int) {
	hw := uint32(shift / 16)
	inst := uint32(0xD2800000) | (hw << 21) | (uint32(imm16) << 5) | uint32(rd&0x1f)
	g.emitArm64(inst)
}

// emitMovK emits MOVK Xd, #imm16, LSL #shift (shift=0,16,32,48)
func (g *CodeGen) emitMovK(rd int, imm16 uint16, shift int) {
	hw := uint32(shift / 16)
	inst := uint32(0xF2800000) | (hw << 21) | (uint32(imm16) << 5) | uint32(rd&0x1f)
	g.emitArm64(inst)
}

// emitMovN emits MOVN Xd, #imm16, LSL #shift (move wide with NOT)
func (g *CodeGen) emitMovN(rd int, imm16 uint16, shift int) {
	hw := uint32(shift / 16)
	inst := uint32(0x92800000) | (hw << 21) | (uint32(imm16) << 5) | uint32(rd&0x1f)
	g.emitArm64(inst)
}

// emitLoadImm64 loads a 64-bit value: zero and values whose bits above
// the low 16 are all ones take a single MOVZ or MOVN; otherwise MOVZ
// sets the low chunk and a MOVK follows for each nonzero higher chunk.
func (g *CodeGen) emitLoadImm64(rd int, val uint64) {
	if val == 0 {
		g.emitMovZ(rd, 0, 0)
		return
	}
	// All-ones above the low 16 bits: a single MOVN.
	inv := ^val
	if inv&0xFFFF == inv {
		g.emitMovN(rd, uint16(inv), 0)
		return
	}
	first := true
	for shift := 0; shift < 64; shift += 16 {
		chunk := uint16((val >> uint(shift)) & 0xFFFF)
		if chunk != 0 || shift == 0 {
			if first {
				g.emitMovZ(rd, chunk, shift)
				first = false
			} else {
				g.emitMovK(rd, chunk, shift)
			}
		}
	}
}

// === Arithmetic ===

// emitAddRR emits ADD Xd, Xn, Xm
func (g *CodeGen) emitAddRR(rd, rn, rm int) {
	inst := uint32(0x8B000000) | (uint32(rm&0x1f) << 16) | (uint32(rn&0x1f) << 5) | uint32(rd&0x1f)
	g.emitArm64(inst)
}

// emitSubRR emits SUB Xd, Xn, Xm
func (g *CodeGen) emitSubRR(rd, rn, rm int) {
	inst := uint32(0xCB000000) | (uint32(rm&0x1f) << 16) | (uint32(rn&0x1f) << 5) | uint32(rd&0x1f)
	g.emitArm64(inst)
}

// emitAddImm emits ADD Xd, Xn, #imm12
func (g *CodeGen) emitAddImm(rd, rn int, imm12 uint32) {
	inst := uint32(0x91000000) | ((imm12 & 0xFFF) << 10) | (uint32(rn&0x1f) << 5) | uint32(rd&0x1f)
	g.emitArm64(inst)
}

// emitAddImmShifted emits ADD Xd, Xn, #imm12, LSL #12
func (g *CodeGen) emitAddImmShifted(rd, rn int, imm12 uint32) {
	inst := uint32(0x91400000) | ((imm12 & 0xFFF) << 10) | (uint32(rn&0x1f) << 5) | uint32(rd&0x1f)
	g.emitArm64(inst)
}

// emitSubImm emits SUB Xd, Xn, #imm12
func (g *CodeGen) emitSubImm(rd, rn int, imm12 uint32) {
	inst := uint32(0xD1000000) | ((imm12 & 0xFFF) << 10) | (uint32(rn&0x1f) << 5) | uint32(rd&0x1f)
	g.emitArm64(inst)
}

// emitAddImmAny adds an arbitrary non-negative offset, splitting into
// an ADD pair for offsets up to 24 bits and falling back to a scratch
// register load for anything larger.
func (g *CodeGen) emitAddImmAny(rd, rn int, off int) {
	switch {
	case off >= 0 && off < 4096:
		g.emitAddImm(rd, rn, uint32(off))
	case off >= 0 && off < 1<<24:
		g.emitAddImmShifted(rd, rn, uint32(off>>12))
		if off&0xFFF != 0 {
			g.emitAddImm(rd, rd, uint32(off&0xFFF))
		}
	default:
		g.emitLoadImm64(scratchReg, uint64(int64(off)))
		g.emitAddRR(rd, rn, scratchReg)
	}
}

// emitMul emits MUL Xd, Xn, Xm (alias for MADD Xd, Xn, Xm, XZR)
func (g *CodeGen) emitMul(rd, rn, rm int) {
	inst := uint32(0x9B007C00) | (uint32(rm&0x1f) << 16) | (uint32(rn&0x1f) << 5) | uint32(rd&0x1f)
	g.emitArm64(inst)
}

// emitSdiv emits SDIV Xd, Xn, Xm
func (g *CodeGen) emitSdiv(rd, rn, rm int) {
	inst := uint32(0x9AC00C00) | (uint32(rm&0x1f) << 16) | (uint32(rn&0x1f) << 5) | uint32(rd&0x1f)
	g.emitArm64(inst)
}

// emitUdiv emits UDIV Xd, Xn, Xm
func (g *CodeGen) emitUdiv(rd, rn, rm int) {
	inst := uint32(0x9AC00800) | (uint32(rm&0x1f) << 16) | (uint32(rn&0x1f) << 5) | uint32(rd&0x1f)
	g.emitArm64(inst)
}

// emitMsub emits MSUB Xd, Xn, Xm, Xa  (Xd = Xa - Xn*Xm)
func (g *CodeGen) emitMsub(rd, rn, rm, ra int) {
	inst := uint32(0x9B008000) | (uint32(rm&0x1f) << 16) | (uint32(ra&0x1f) << 10) | (uint32(rn&0x1f) << 5) | uint32(rd&0x1f)
	g.emitArm64(inst)
}

// emitNeg emits NEG Xd, Xm (alias for SUB Xd, XZR, Xm)
func (g *CodeGen) emitNeg(rd, rm int) {
	g.emitSubRR(rd, REG_XZR, rm)
}

// === Logic ===

// emitAndRR emits AND Xd, Xn, Xm
func (g *CodeGen) emitAndRR(rd, rn, rm int) {
	inst := uint32(0x8A000000) | (uint32(rm&0x1f) << 16) | (uint32(rn&0x1f) << 5) | uint32(rd&0x1f)
	g.emitArm64(inst)
}

// emitOrrRR emits ORR Xd, Xn, Xm
func (g *CodeGen) emitOrrRR(rd, rn, rm int) {
	inst := uint32(0xAA000000) | (uint32(rm&0x1f) << 16) | (uint32(rn&0x1f) << 5) | uint32(rd&0x1f)
	g.emitArm64(inst)
}

// emitEorRR emits EOR Xd, Xn, Xm (exclusive or)
func (g *CodeGen) emitEorRR(rd, rn, rm int) {
	inst := uint32(0xCA000000) | (uint32(rm&0x1f) << 16) | (uint32(rn&0x1f) << 5) | uint32(rd&0x1f)
	g.emitArm64(inst)
}

// emitMvn emits MVN Xd, Xm (alias for ORN Xd, XZR, Xm)
func (g *CodeGen) emitMvn(rd, rm int) {
	inst := uint32(0xAA2003E0) | (uint32(rm&0x1f) << 16) | uint32(rd&0x1f)
	g.emitArm64(inst)
}

// emitLslRR emits LSLV Xd, Xn, Xm
func (g *CodeGen) emitLslRR(rd, rn, rm int) {
	inst := uint32(0x9AC02000) | (uint32(rm&0x1f) << 16) | (uint32(rn&0x1f) << 5) | uint32(rd&0x1f)
	g.emitArm64(inst)
}

// emitLsrRR emits LSRV Xd, Xn, Xm
func (g *CodeGen) emitLsrRR(rd, rn, rm int) {
	inst := uint32(0x9AC02400) | (uint32(rm&0x1f) << 16) | (uint32(rn&0x1f) << 5) | uint32(rd&0x1f)
	g.emitArm64(inst)
}

// emitAsrRR emits ASRV Xd, Xn, Xm (arithmetic shift right)
func (g *CodeGen) emitAsrRR(rd, rn, rm int) {
	inst := uint32(0x9AC02800) | (uint32(rm&0x1f) << 16) | (uint32(rn&0x1f) << 5) | uint32(rd&0x1f)
	g.emitArm64(inst)
}

// emitLslImm emits LSL Xd, Xn, #shift (alias for UBFM)
func (g *CodeGen) emitLslImm(rd, rn int, shift uint32) {
	// LSL Xd, Xn, #shift is UBFM Xd, Xn, #(64-shift), #(63-shift)
	immr := (64 - shift) & 0x3F
	imms := (63 - shift) & 0x3F
	inst := uint32(0xD3400000) | (immr << 16) | (imms << 10) | (uint32(rn&0x1f) << 5) | uint32(rd&0x1f)
	g.emitArm64(inst)
}

// emitLsrImm emits LSR Xd, Xn, #shift (alias for UBFM Xd, Xn, #shift, #63)
func (g *CodeGen) emitLsrImm(rd, rn int, shift uint32) {
	inst := uint32(0xD3400000) | ((shift & 0x3F) << 16) | (63 << 10) | (uint32(rn&0x1f) << 5) | uint32(rd&0x1f)
	g.emitArm64(inst)
}

// emitAsrImm emits ASR Xd, Xn, #shift (alias for SBFM Xd, Xn, #shift, #63)
func (g *CodeGen) emitAsrImm(rd, rn int, shift uint32) {
	inst := uint32(0x93400000) | ((shift & 0x3F) << 16) | (63 << 10) | (uint32(rn&0x1f) << 5) | uint32(rd&0x1f)
	g.emitArm64(inst)
}

// emitEorImm1 emits EOR Xd, Xn, #1 (boolean NOT: XOR with 1)
func (g *CodeGen) emitEorImm1(rd, rn int) {
	// Bitmask immediate encoding for 1: N=1, immr=0, imms=0.
	inst := uint32(0xD2400000) | (uint32(rn&0x1f) << 5) | uint32(rd&0x1f)
	g.emitArm64(inst)
}

// === Compare ===

// emitCmpRR emits CMP Xn, Xm (alias for SUBS XZR, Xn, Xm)
func (g *CodeGen) emitCmpRR(rn, rm int) {
	inst := uint32(0xEB000000) | (uint32(rm&0x1f) << 16) | (uint32(rn&0x1f) << 5) | uint32(REG_XZR&0x1f)
	g.emitArm64(inst)
}

// emitCmpImm emits CMP Xn, #imm12 (alias for SUBS XZR, Xn, #imm12)
func (g *CodeGen) emitCmpImm(rn int, imm12 uint32) {
	inst := uint32(0xF1000000) | ((imm12 & 0xFFF) << 10) | (uint32(rn&0x1f) << 5) | uint32(REG_XZR&0x1f)
	g.emitArm64(inst)
}

// emitCset emits CSET Xd, cond (alias for CSINC Xd, XZR, XZR, invert(cond))
func (g *CodeGen) emitCset(rd int, cond int) {
	inv := uint32(cond ^ 1)
	inst := uint32(0x9A9F07E0) | (inv << 12) | uint32(rd&0x1f)
	g.emitArm64(inst)
}

// === Memory: sized LDR/STR ===

// ldrOpcodes[log2(size)] is the base opcode of the scaled unsigned-
// offset load of that size; sturOpcodes the unscaled-offset form.
var ldrOpcodes = [4]uint32{0x39400000, 0x79400000, 0xB9400000, 0xF9400000}
var strOpcodes = [4]uint32{0x39000000, 0x79000000, 0xB9000000, 0xF9000000}
var ldurOpcodes = [4]uint32{0x38400000, 0x78400000, 0xB8400000, 0xF8400000}
var sturOpcodes = [4]uint32{0x38000000, 0x78000000, 0xB8000000, 0xF8000000}

func sizeClass(size int) int {
	switch size {
	case 1:
		return 0
	case 2:
		return 1
	case 4:
		return 2
	default:
		return 3
	}
}

// emitLdrSized emits a load of the given access size. The scaled
// unsigned-offset form encodes byte_offset/access_size; the offset must
// be divided, never passed raw. Unaligned or negative offsets fall back
// to LDUR, and anything out of range goes through the scratch register.
func (g *CodeGen) emitLdrSized(size, rt, rn, offset int) {
	sc := sizeClass(size)
	if offset >= 0 && offset%size == 0 && offset/size < 4096 {
		uimm := uint32(offset / size)
		g.emitArm64(ldrOpcodes[sc] | (uimm << 10) | (uint32(rn&0x1f) << 5) | uint32(rt&0x1f))
		return
	}
	if offset >= -256 && offset <= 255 {
		simm9 := uint32(offset) & 0x1FF
		g.emitArm64(ldurOpcodes[sc] | (simm9 << 12) | (uint32(rn&0x1f) << 5) | uint32(rt&0x1f))
		return
	}
	g.emitLoadImm64(scratchReg, uint64(int64(offset)))
	g.emitAddRR(scratchReg, rn, scratchReg)
	g.emitArm64(ldrOpcodes[sc] | (uint32(scratchReg&0x1f) << 5) | uint32(rt&0x1f))
}

// emitStrSized emits a store of the given access size, with the same
// offset handling as emitLdrSized.
func (g *CodeGen) emitStrSized(size, rt, rn, offset int) {
	sc := sizeClass(size)
	if offset >= 0 && offset%size == 0 && offset/size < 4096 {
		uimm := uint32(offset / size)
		g.emitArm64(strOpcodes[sc] | (uimm << 10) | (uint32(rn&0x1f) << 5) | uint32(rt&0x1f))
		return
	}
	if offset >= -256 && offset <= 255 {
		simm9 := uint32(offset) & 0x1FF
		g.emitArm64(sturOpcodes[sc] | (simm9 << 12) | (uint32(rn&0x1f) << 5) | uint32(rt&0x1f))
		return
	}
	g.emitLoadImm64(scratchReg, uint64(int64(offset)))
	g.emitAddRR(scratchReg, rn, scratchReg)
	g.emitArm64(strOpcodes[sc] | (uint32(scratchReg&0x1f) << 5) | uint32(rt&0x1f))
}

// emitLdr emits LDR Xt, [Xn, #offset]
func (g *CodeGen) emitLdr(rt, rn, offset int) {
	g.emitLdrSized(8, rt, rn, offset)
}

// emitStr emits STR Xt, [Xn, #offset]
func (g *CodeGen) emitStr(rt, rn, offset int) {
	g.emitStrSized(8, rt, rn, offset)
}

// emitStpPre emits STP Xt1, Xt2, [Xn, #offset]! (pre-index)
func (g *CodeGen) emitStpPre(rt1, rt2, rn, offset int) {
	imm7 := uint32(offset/8) & 0x7F
	inst := uint32(0xA9800000) | (imm7 << 15) | (uint32(rt2&0x1f) << 10) | (uint32(rn&0x1f) << 5) | uint32(rt1&0x1f)
	g.emitArm64(inst)
}

// emitStpOff emits STP Xt1, Xt2, [Xn, #offset] (signed offset)
func (g *CodeGen) emitStpOff(rt1, rt2, rn, offset int) {
	imm7 := uint32(offset/8) & 0x7F
	inst := uint32(0xA9000000) | (imm7 << 15) | (uint32(rt2&0x1f) << 10) | (uint32(rn&0x1f) << 5) | uint32(rt1&0x1f)
	g.emitArm64(inst)
}

// emitLdpPost emits LDP Xt1, Xt2, [Xn], #offset (post-index)
func (g *CodeGen) emitLdpPost(rt1, rt2, rn, offset int) {
	imm7 := uint32(offset/8) & 0x7F
	inst := uint32(0xA8C00000) | (imm7 << 15) | (uint32(rt2&0x1f) << 10) | (uint32(rn&0x1f) << 5) | uint32(rt1&0x1f)
	g.emitArm64(inst)
}

// emitLdpOff emits LDP Xt1, Xt2, [Xn, #offset] (signed offset)
func (g *CodeGen) emitLdpOff(rt1, rt2, rn, offset int) {
	imm7 := uint32(offset/8) & 0x7F
	inst := uint32(0xA9400000) | (imm7 << 15) | (uint32(rt2&0x1f) << 10) | (uint32(rn&0x1f) << 5) | uint32(rt1&0x1f)
	g.emitArm64(inst)
}

// === Branch ===

// emitB emits B (unconditional branch, imm26) with a zero immediate.
// Returns the code offset of the instruction for later fixup.
func (g *CodeGen) emitB() int {
	off := len(g.code)
	g.emitArm64(0x14000000)
	return off
}

// emitBCond emits B.cond with a zero immediate. Returns the code
// offset for later fixup.
func (g *CodeGen) emitBCond(cond int) int {
	off := len(g.code)
	g.emitArm64(uint32(0x54000000) | uint32(cond&0xF))
	return off
}

// emitCbz emits CBZ Xt with a zero immediate, returning the offset.
func (g *CodeGen) emitCbz(rt int) int {
	off := len(g.code)
	g.emitArm64(uint32(0xB4000000) | uint32(rt&0x1f))
	return off
}

// emitCbnz emits CBNZ Xt with a zero immediate, returning the offset.
func (g *CodeGen) emitCbnz(rt int) int {
	off := len(g.code)
	g.emitArm64(uint32(0xB5000000) | uint32(rt&0x1f))
	return off
}

// emitBL emits BL #0; the relocation toward the callee is recorded by
// the caller.
func (g *CodeGen) emitBL() int {
	off := len(g.code)
	g.emitArm64(0x94000000)
	return off
}

// emitBlr emits BLR Xn (branch to register with link)
func (g *CodeGen) emitBlr(rn int) {
	inst := uint32(0xD63F0000) | (uint32(rn&0x1f) << 5)
	g.emitArm64(inst)
}

// emitRet emits RET (return via LR, X30)
func (g *CodeGen) emitRet() {
	g.emitArm64(0xD65F03C0)
}

// emitNop emits NOP
func (g *CodeGen) emitNop() {
	g.emitArm64(0xD503201F)
}

// === Move ===

// emitMovRR emits MOV Xd, Xm.
// For SP-involving moves, uses ADD Xd, Xn, #0 (SP is only valid in
// ADD/SUB, not ORR). For all other registers, ORR Xd, XZR, Xm.
func (g *CodeGen) emitMovRR(rd, rm int) {
	if rd == REG_SP || rm == REG_SP {
		g.emitAddImm(rd, rm, 0)
		return
	}
	g.emitOrrRR(rd, REG_XZR, rm)
}

// === PC-relative addressing (ADRP + ADD) ===

// emitAdrp emits ADRP Xd, #0. The page immediate is filled by the
// linker through a relocation. Returns the code offset.
func (g *CodeGen) emitAdrp(rd int) int {
	off := len(g.code)
	inst := uint32(0x90000000) | uint32(rd&0x1f)
	g.emitArm64(inst)
	return off
}

// === Fixup helpers ===

// patchBranch26 patches a B or BL at codeOffset to branch to target.
// Both offsets are within the current code buffer. Reports overflow of
// the signed 26-bit instruction-count field.
func (g *CodeGen) patchBranch26(codeOffset, target int) bool {
	delta := (target - codeOffset) / 4
	if delta < -(1<<25) || delta >= 1<<25 {
		return false
	}
	existing := getU32(g.code[codeOffset : codeOffset+4])
	opcode := existing & 0xFC000000
	imm26 := uint32(delta) & 0x03FFFFFF
	putU32(g.code[codeOffset:], opcode|imm26)
	return true
}

// patchBranch19 patches a B.cond/CBZ/CBNZ at codeOffset. Reports
// overflow of the signed 19-bit field.
func (g *CodeGen) patchBranch19(codeOffset, target int) bool {
	delta := (target - codeOffset) / 4
	if delta < -(1<<18) || delta >= 1<<18 {
		return false
	}
	existing := getU32(g.code[codeOffset : codeOffset+4])
	imm19 := (uint32(delta) & 0x7FFFF) << 5
	cleared := existing &^ (uint32(0x7FFFF) << 5)
	putU32(g.code[codeOffset:], cleared|imm19)
	return true
}

// === Byte helpers ===

func putU16(b []byte, v uint16) {
	b[0] = byte(v)
	b[1] = byte(v >> 8)
}

func putU32(b []byte, v uint32) {
	b[0] = byte(v)
	b[1] = byte(v >> 8)
	b[2] = byte(v >> 16)
	b[3] = byte(v >> 24)
}

func getU32(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}

func putU64(b []byte, v uint64) {
	b[0] = byte(v)
	b[1] = byte(v >> 8)
	b[2] = byte(v >> 16)
	b[3] = byte(v >> 24)
	b[4] = byte(v >> 32)
	b[5] = byte(v >> 40)
	b[6] = byte(v >> 48)
	b[7] = byte(v >> 56)
}

func getU64(b []byte) uint64 {
	return uint64(b[0]) | uint64(b[1])<<8 | uint64(b[2])<<16 | uint64(b[3])<<24 |
		uint64(b[4])<<32 | uint64(b[5])<<40 | uint64(b[6])<<48 | uint64(b[7])<<56
}
