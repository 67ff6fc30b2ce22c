package main

import "strings"

// === Code emitter (C8) ===
// Walks the allocated, scheduled SSA and selects ARM64 instructions.
// Forward branches are emitted with zero immediates and patched from a
// per-function fixup table after the last instruction. All per-function
// counters reset between functions; stale fixups would miscompile the
// next function.

// CodeGen holds state for generating machine code from SSA.
type CodeGen struct {
	code []byte

	fn    *Func
	irf   *IRFunc
	frame *Frame

	blockOffsets map[ID]int
	branchFixups []branchFixup
	relocs       []Reloc
}

// branchFixup records a branch awaiting its target block offset.
type branchFixup struct {
	codeOff int
	target  ID
	wide    bool // 26-bit B; false = 19-bit B.cond/CBZ/CBNZ
}

// reset clears all per-function state.
func (g *CodeGen) reset(f *Func, irf *IRFunc, frame *Frame) {
	g.code = g.code[:0]
	g.fn = f
	g.irf = irf
	g.frame = frame
	g.blockOffsets = make(map[ID]int)
	g.branchFixups = g.branchFixups[:0]
	g.relocs = g.relocs[:0]
}

// machoSymName maps a language-level name to its Darwin symbol name.
// String-literal symbols are assembler-local and keep their l_ prefix.
func machoSymName(name string) string {
	if strings.HasPrefix(name, "l_.str.") {
		return name
	}
	return "_" + name
}

// emitFunc generates one function, returning its code bytes and
// function-relative relocations.
func emitFunc(f *Func, irf *IRFunc, frame *Frame, tr *Tracer) ([]byte, []Reloc, error) {
	g := &CodeGen{}
	g.reset(f, irf, frame)

	g.emitPrologue()

	for i, b := range f.Blocks {
		g.blockOffsets[b.ID] = len(g.code)
		for _, v := range b.Values {
			if err := g.emitValue(v); err != nil {
				return nil, nil, err
			}
		}
		var next *Block
		if i+1 < len(f.Blocks) {
			next = f.Blocks[i+1]
		}
		if err := g.emitTerminator(b, next); err != nil {
			return nil, nil, err
		}
	}

	// Patch forward branches now that every block offset is known.
	for _, fix := range g.branchFixups {
		target := g.blockOffsets[fix.target]
		ok := false
		if fix.wide {
			ok = g.patchBranch26(fix.codeOff, target)
		} else {
			ok = g.patchBranch19(fix.codeOff, target)
		}
		if !ok {
			e := fatal(ErrBranchTooFar, "codegen", f.Name,
				"branch at %#x cannot reach block b%d at %#x", fix.codeOff, fix.target, target)
			e.BlockID = int(fix.target)
			return nil, nil, e
		}
	}

	tr.Trace(TraceCodegen, "codegen %s: %d bytes, %d relocs", f.Name, len(g.code), len(g.relocs))
	return g.code, g.relocs, nil
}

// reg returns the allocated register of v.
func (g *CodeGen) reg(v *Value) (int, bool) {
	r, ok := g.fn.RegOf[v.ID]
	return int(r), ok
}

func (g *CodeGen) mustReg(v *Value) (int, error) {
	r, ok := g.reg(v)
	if !ok {
		e := fatal(ErrRegallocOverconstrained, "codegen", g.fn.Name,
			"value v%d (%s) has no register", v.ID, v.Op)
		e.ValueID = int(v.ID)
		return 0, e
	}
	return r, nil
}

// === Prologue / epilogue ===

func (g *CodeGen) emitPrologue() {
	size := g.frame.Size
	if size <= 504 {
		g.emitStpPre(REG_FP, REG_LR, REG_SP, -size)
	} else {
		// Frame too large for the pre-index form: split.
		if size < 4096 {
			g.emitSubImm(REG_SP, REG_SP, uint32(size))
		} else {
			g.emitLoadImm64(scratchReg, uint64(size))
			g.emitSubRR(REG_SP, REG_SP, scratchReg)
		}
		g.emitStpOff(REG_FP, REG_LR, REG_SP, 0)
	}
	g.emitMovRR(REG_FP, REG_SP)

	for _, r := range allocOrder {
		if off, ok := g.frame.CalleeSaveOff[r]; ok {
			g.emitStr(int(r), REG_FP, off)
		}
	}
	if g.frame.X8Slot >= 0 {
		g.emitStr(REG_X8, REG_FP, g.frame.X8Slot)
	}
}

func (g *CodeGen) emitEpilogue() {
	for _, r := range allocOrder {
		if off, ok := g.frame.CalleeSaveOff[r]; ok {
			g.emitLdr(int(r), REG_FP, off)
		}
	}
	size := g.frame.Size
	if size <= 504 {
		g.emitLdpPost(REG_FP, REG_LR, REG_SP, size)
	} else {
		g.emitLdpOff(REG_FP, REG_LR, REG_SP, 0)
		if size < 4096 {
			g.emitAddImm(REG_SP, REG_SP, uint32(size))
		} else {
			g.emitLoadImm64(scratchReg, uint64(size))
			g.emitAddRR(REG_SP, REG_SP, scratchReg)
		}
	}
	g.emitRet()
}

// === Value selection ===

func (g *CodeGen) emitValue(v *Value) error {
	reg := g.fn.Mod.Types
	switch v.Op {
	case OpPhi, OpSelectN, OpStringMake, OpSliceMake:
		// No instructions: phis resolve on the edges, select_n results
		// are already in their ABI registers, and surviving make
		// pseudos are consumed by the return.
		return nil
	}
	if v.Op == OpArg {
		return g.emitArgValue(v)
	}
	if cmpFolded(v) {
		// Folded into the terminator's B.cond.
		return nil
	}

	switch v.Op {
	case OpConstInt, OpConstBool, OpConstNil:
		r, err := g.mustReg(v)
		if err != nil {
			return err
		}
		g.emitLoadImm64(r, uint64(v.AuxInt))
		return nil
	case OpCopy:
		r, err := g.mustReg(v)
		if err != nil {
			return err
		}
		a, err := g.mustReg(v.Args[0])
		if err != nil {
			return err
		}
		if r != a {
			g.emitMovRR(r, a)
		}
		return nil
	case OpLoadReg:
		r, err := g.mustReg(v)
		if err != nil {
			return err
		}
		off := g.frame.SpillOff[v.Args[0].ID]
		g.emitLdrSized(spillSize(reg, v.Type), r, REG_FP, off)
		return nil
	case OpStoreReg:
		a, err := g.mustReg(v.Args[0])
		if err != nil {
			return err
		}
		off := g.frame.SpillOff[v.ID]
		g.emitStrSized(spillSize(reg, v.Type), a, REG_FP, off)
		return nil
	case OpLocalAddr:
		r, err := g.mustReg(v)
		if err != nil {
			return err
		}
		g.emitAddImmAny(r, REG_FP, g.irf.Locals[v.AuxInt].Offset)
		return nil
	case OpGlobalAddr:
		r, err := g.mustReg(v)
		if err != nil {
			return err
		}
		name := machoSymName(v.Aux)
		off := g.emitAdrp(r)
		g.relocs = append(g.relocs, Reloc{Off: uint32(off), Name: name, Type: relocPage21, Pcrel: true, Len: 2})
		addOff := len(g.code)
		g.emitAddImm(r, r, 0)
		g.relocs = append(g.relocs, Reloc{Off: uint32(addOff), Name: name, Type: relocPageoff12, Pcrel: false, Len: 2})
		return nil
	case OpOffPtr:
		r, err := g.mustReg(v)
		if err != nil {
			return err
		}
		a, err := g.mustReg(v.Args[0])
		if err != nil {
			return err
		}
		if v.AuxInt == 0 {
			if r != a {
				g.emitMovRR(r, a)
			}
			return nil
		}
		g.emitAddImmAny(r, a, int(v.AuxInt))
		return nil
	case OpAddPtr:
		return g.emitAddPtr(v)
	case OpLoad:
		r, err := g.mustReg(v)
		if err != nil {
			return err
		}
		a, err := g.mustReg(v.Args[0])
		if err != nil {
			return err
		}
		g.emitLdrSized(accessSize(reg, v.Type), r, a, int(v.AuxInt))
		return nil
	case OpStore:
		return g.emitStore(v)
	case OpStaticCall:
		return g.emitCall(v)
	case OpClosureCall:
		return g.emitClosureCall(v)
	case OpStringLen, OpSliceLen, OpStringPtr, OpSlicePtr:
		e := fatal(ErrSSAInvariant, "codegen", g.fn.Name,
			"aggregate extraction v%d (%s) survived decompose", v.ID, v.Op)
		e.ValueID = int(v.ID)
		return e
	case OpSelect:
		return g.emitSelect(v)
	}
	return g.emitALU(v)
}

// spillSize is the access width of a spill slot.
func spillSize(reg *TypeRegistry, t TypeID) int {
	s := reg.SizeOf(t)
	if s < 1 || s > 8 {
		return 8
	}
	return s
}

// accessSize is the load/store width for a scalar type. The size must
// match the result type: byte loads use LDRB, halfword LDRH, and so on.
func accessSize(reg *TypeRegistry, t TypeID) int {
	switch reg.SizeOf(t) {
	case 1:
		return 1
	case 2:
		return 2
	case 4:
		return 4
	}
	return 8
}

func (g *CodeGen) emitArgValue(v *Value) error {
	param := int(v.AuxInt >> 1)
	half := int(v.AuxInt & 1)
	slot := g.fn.OwnABI.Params[param]
	if slot.InReg {
		// Already in its AAPCS64 register at entry.
		return nil
	}
	r, err := g.mustReg(v)
	if err != nil {
		return err
	}
	// Incoming stack arguments sit above this function's frame.
	off := g.frame.Size + slot.StackOff + half*8
	g.emitLdr(r, REG_FP, off)
	return nil
}

func (g *CodeGen) emitAddPtr(v *Value) error {
	r, err := g.mustReg(v)
	if err != nil {
		return err
	}
	p, err := g.mustReg(v.Args[0])
	if err != nil {
		return err
	}
	idx, err := g.mustReg(v.Args[1])
	if err != nil {
		return err
	}
	elem := v.AuxInt
	switch {
	case elem == 1:
		g.emitAddRR(r, p, idx)
	case elem > 0 && elem&(elem-1) == 0:
		g.emitLslImm(scratchReg, idx, uint32(log2i(elem)))
		g.emitAddRR(r, p, scratchReg)
	default:
		g.emitLoadImm64(scratchReg, uint64(elem))
		g.emitMul(scratchReg, idx, scratchReg)
		g.emitAddRR(r, p, scratchReg)
	}
	return nil
}

func (g *CodeGen) emitStore(v *Value) error {
	reg := g.fn.Mod.Types
	addr, err := g.mustReg(v.Args[0])
	if err != nil {
		return err
	}
	val := v.Args[1]
	k := reg.Kind(val.Type)
	if k == TyStruct || k == TyArray {
		// Aggregate store: the value operand is the source address.
		src, err := g.mustReg(val)
		if err != nil {
			return err
		}
		g.emitBlockCopy(addr, int(v.AuxInt), src, reg.SizeOf(val.Type))
		return nil
	}
	vr, err := g.mustReg(val)
	if err != nil {
		return err
	}
	g.emitStrSized(accessSize(reg, val.Type), vr, addr, int(v.AuxInt))
	return nil
}

// emitBlockCopy copies size bytes from [src] to [dst+dstOff] through
// the scratch register, eight bytes at a time with a sized tail.
func (g *CodeGen) emitBlockCopy(dst, dstOff, src, size int) {
	off := 0
	for size-off >= 8 {
		g.emitLdr(scratchReg, src, off)
		g.emitStr(scratchReg, dst, dstOff+off)
		off += 8
	}
	for _, w := range []int{4, 2, 1} {
		for size-off >= w {
			g.emitLdrSized(w, scratchReg, src, off)
			g.emitStrSized(w, scratchReg, dst, dstOff+off)
			off += w
		}
	}
}

// condFor maps a comparison op to its ARM64 condition code.
func condFor(op Op) int {
	switch op {
	case OpEq:
		return COND_EQ
	case OpNe:
		return COND_NE
	case OpSlt:
		return COND_LT
	case OpSle:
		return COND_LE
	case OpSgt:
		return COND_GT
	case OpSge:
		return COND_GE
	case OpUlt:
		return COND_CC
	case OpUle:
		return COND_LS
	}
	return COND_EQ
}

func (g *CodeGen) emitALU(v *Value) error {
	r, err := g.mustReg(v)
	if err != nil {
		return err
	}
	argr := make([]int, len(v.Args))
	for i := range v.Args {
		a, err := g.mustReg(v.Args[i])
		if err != nil {
			return err
		}
		argr[i] = a
	}
	switch v.Op {
	case OpAdd:
		g.emitAddRR(r, argr[0], argr[1])
	case OpSub:
		g.emitSubRR(r, argr[0], argr[1])
	case OpMul:
		g.emitMul(r, argr[0], argr[1])
	case OpSdiv:
		g.emitSdiv(r, argr[0], argr[1])
	case OpUdiv:
		g.emitUdiv(r, argr[0], argr[1])
	case OpSmod:
		// No modulo on ARM64: divide, then multiply-subtract.
		g.emitSdiv(scratchReg, argr[0], argr[1])
		g.emitMsub(r, scratchReg, argr[1], argr[0])
	case OpNeg:
		g.emitNeg(r, argr[0])
	case OpBand:
		g.emitAndRR(r, argr[0], argr[1])
	case OpBor:
		g.emitOrrRR(r, argr[0], argr[1])
	case OpBxor:
		g.emitEorRR(r, argr[0], argr[1])
	case OpBnot:
		g.emitMvn(r, argr[0])
	case OpShl:
		g.emitLslRR(r, argr[0], argr[1])
	case OpShr:
		g.emitLsrRR(r, argr[0], argr[1])
	case OpAshr:
		g.emitAsrRR(r, argr[0], argr[1])
	case OpAddImm:
		g.emitAddImm(r, argr[0], uint32(v.AuxInt))
	case OpSubImm:
		g.emitSubImm(r, argr[0], uint32(v.AuxInt))
	case OpShlImm:
		g.emitLslImm(r, argr[0], uint32(v.AuxInt))
	case OpShrImm:
		g.emitLsrImm(r, argr[0], uint32(v.AuxInt))
	case OpAshrImm:
		g.emitAsrImm(r, argr[0], uint32(v.AuxInt))
	case OpNot:
		if g.fn.Mod.Types.SizeOf(v.Type) == 1 {
			g.emitEorImm1(r, argr[0])
		} else {
			g.emitMvn(r, argr[0])
		}
	case OpEq, OpNe, OpSlt, OpSle, OpSgt, OpSge, OpUlt, OpUle:
		g.emitCmpRR(argr[0], argr[1])
		g.emitCset(r, condFor(v.Op))
	default:
		return fatal(ErrSSAInvariant, "codegen", g.fn.Name,
			"no selection rule for op %s (v%d)", v.Op, v.ID)
	}
	return nil
}

func (g *CodeGen) emitSelect(v *Value) error {
	r, err := g.mustReg(v)
	if err != nil {
		return err
	}
	c, err := g.mustReg(v.Args[0])
	if err != nil {
		return err
	}
	a, err := g.mustReg(v.Args[1])
	if err != nil {
		return err
	}
	b, err := g.mustReg(v.Args[2])
	if err != nil {
		return err
	}
	g.emitCmpImm(c, 0)
	// CSEL Xd, Xn, Xm, NE
	inst := uint32(0x9A800000) | (uint32(b&0x1f) << 16) | (uint32(COND_NE) << 12) | (uint32(a&0x1f) << 5) | uint32(r&0x1f)
	g.emitArm64(inst)
	return nil
}

// === Calls ===

// regMove is one desired register-to-register transfer.
type regMove struct {
	dst, src int
}

// emitParallelMove realizes a set of register moves, breaking cycles
// through the shuffle scratch register.
func (g *CodeGen) emitParallelMove(moves []regMove) {
	pending := make([]regMove, 0, len(moves))
	loc := make(map[int]int) // original source reg -> current reg
	for _, m := range moves {
		if m.dst != m.src {
			pending = append(pending, m)
			loc[m.src] = m.src
		}
	}
	for len(pending) > 0 {
		progress := false
		rest := pending[:0]
		for _, m := range pending {
			blocked := false
			for _, o := range pending {
				if o.dst != m.dst && loc[o.src] == m.dst {
					blocked = true
					break
				}
			}
			if blocked {
				rest = append(rest, m)
				continue
			}
			if loc[m.src] != m.dst {
				g.emitMovRR(m.dst, loc[m.src])
			}
			progress = true
		}
		pending = rest
		if !progress && len(pending) > 0 {
			m := pending[0]
			// Park the blocking content in the scratch register.
			g.emitMovRR(shuffleReg, m.dst)
			for s, l := range loc {
				if l == m.dst {
					loc[s] = shuffleReg
				}
			}
		}
	}
}

// slotWords returns how many 8-byte words a stack slot occupies.
func slotWords(reg *TypeRegistry, slot ABISlot) int {
	switch reg.Kind(slot.Type) {
	case TyString, TySlice:
		return 2
	case TyStruct, TyArray:
		if slot.ByRef {
			return 1
		}
		if slot.Size > 8 {
			return 2
		}
	}
	return 1
}

func (g *CodeGen) emitCall(v *Value) error {
	reg := g.fn.Mod.Types
	abi := g.fn.callABI[v.ID]
	if abi == nil {
		return fatal(ErrSSAInvariant, "codegen", g.fn.Name,
			"call v%d has no ABI record", v.ID)
	}

	if abi.StackBytes > 0 {
		g.emitSubImm(REG_SP, REG_SP, uint32(abi.StackBytes))
	}

	// Walk the flattened args against the ABI slots.
	var moves []regMove
	argIdx := 0
	for _, slot := range abi.Params {
		words := slotWords(reg, slot)
		if slot.InReg {
			for w := 0; w < words; w++ {
				src, err := g.mustReg(v.Args[argIdx])
				if err != nil {
					return err
				}
				moves = append(moves, regMove{dst: int(slot.Regs[w]), src: src})
				argIdx++
			}
			continue
		}
		// Stack slot: store each word before the register shuffle so
		// sources are still intact.
		for w := 0; w < words; w++ {
			src, err := g.mustReg(v.Args[argIdx])
			if err != nil {
				return err
			}
			g.emitStr(src, REG_SP, slot.StackOff+w*8)
			argIdx++
		}
	}
	g.emitParallelMove(moves)

	if abi.UsesHiddenRet {
		off := g.frame.HiddenRetOff[v.ID]
		g.emitAddImmAny(hiddenRetReg, REG_FP, off)
	}

	blOff := g.emitBL()
	g.relocs = append(g.relocs, Reloc{
		Off:   uint32(blOff),
		Name:  machoSymName(v.Aux),
		Type:  relocBranch26,
		Pcrel: true,
		Len:   2,
	})

	if abi.StackBytes > 0 {
		g.emitAddImm(REG_SP, REG_SP, uint32(abi.StackBytes))
	}

	if abi.UsesHiddenRet {
		// The call value is the address of the returned aggregate.
		r, err := g.mustReg(v)
		if err != nil {
			return err
		}
		g.emitAddImmAny(r, REG_FP, g.frame.HiddenRetOff[v.ID])
	}
	return nil
}

func (g *CodeGen) emitClosureCall(v *Value) error {
	code, err := g.mustReg(v.Args[0])
	if err != nil {
		return err
	}
	var moves []regMove
	for i := 1; i < len(v.Args); i++ {
		src, err := g.mustReg(v.Args[i])
		if err != nil {
			return err
		}
		moves = append(moves, regMove{dst: i - 1, src: src})
	}
	// Keep the code pointer clear of the argument registers.
	if code < len(v.Args)-1 {
		g.emitMovRR(scratchReg, code)
		code = scratchReg
	}
	g.emitParallelMove(moves)
	g.emitBlr(code)
	return nil
}

// === Terminators ===

func (g *CodeGen) emitTerminator(b *Block, next *Block) error {
	switch b.Kind {
	case BlockRet, BlockExit:
		return g.emitReturn(b)
	case BlockIf:
		return g.emitBranchTerm(b, next)
	default:
		if len(b.Succs) == 0 {
			// Fall off the end of a function with no explicit return.
			g.emitEpilogue()
			return nil
		}
		t := b.Succs[0].b
		if t != next {
			off := g.emitB()
			g.branchFixups = append(g.branchFixups, branchFixup{off, t.ID, true})
		}
		return nil
	}
}

func (g *CodeGen) emitReturn(b *Block) error {
	reg := g.fn.Mod.Types
	c := b.Control
	switch {
	case c == nil:
		// void return
	case retPseudo(c):
		p, err := g.mustReg(c.Args[0])
		if err != nil {
			return err
		}
		n, err := g.mustReg(c.Args[1])
		if err != nil {
			return err
		}
		g.emitParallelMove([]regMove{{dst: 0, src: p}, {dst: 1, src: n}})
	case g.fn.OwnABI.UsesHiddenRet:
		// Copy the aggregate into the caller's buffer via the saved x8.
		src, err := g.mustReg(c)
		if err != nil {
			return err
		}
		g.emitLdr(shuffleReg, REG_FP, g.frame.X8Slot)
		size := reg.SizeOf(c.Type)
		off := 0
		for size-off >= 8 {
			g.emitLdr(scratchReg, src, off)
			g.emitStr(scratchReg, shuffleReg, off)
			off += 8
		}
		for _, w := range []int{4, 2, 1} {
			for size-off >= w {
				g.emitLdrSized(w, scratchReg, src, off)
				g.emitStrSized(w, scratchReg, shuffleReg, off)
				off += w
			}
		}
	default:
		r, err := g.mustReg(c)
		if err != nil {
			return err
		}
		if r != REG_X0 {
			g.emitMovRR(REG_X0, r)
		}
	}
	g.emitEpilogue()
	return nil
}

func (g *CodeGen) emitBranchTerm(b *Block, next *Block) error {
	c := b.Control
	taken := b.Succs[0].b
	fall := b.Succs[1].b

	if cmpFolded(c) {
		// The condition folds into the branch: CMP then B.cond.
		a0, err := g.mustReg(c.Args[0])
		if err != nil {
			return err
		}
		if imm, ok := cmpImmArg(c.Args[1]); ok {
			g.emitCmpImm(a0, imm)
		} else {
			a1, err := g.mustReg(c.Args[1])
			if err != nil {
				return err
			}
			g.emitCmpRR(a0, a1)
		}
		off := g.emitBCond(condFor(c.Op))
		g.branchFixups = append(g.branchFixups, branchFixup{off, taken.ID, false})
	} else {
		r, err := g.mustReg(c)
		if err != nil {
			return err
		}
		off := g.emitCbnz(r)
		g.branchFixups = append(g.branchFixups, branchFixup{off, taken.ID, false})
	}
	if fall != next {
		off := g.emitB()
		g.branchFixups = append(g.branchFixups, branchFixup{off, fall.ID, true})
	}
	return nil
}

// cmpImmArg reports whether a comparison operand is a constant that
// fits the 12-bit compare-immediate form.
func cmpImmArg(v *Value) (uint32, bool) {
	if v.Op == OpConstInt && v.AuxInt >= 0 && v.AuxInt < 4096 {
		return uint32(v.AuxInt), true
	}
	return 0, false
}
