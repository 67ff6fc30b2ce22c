package main

import "sort"

// === Pass pipeline (C3) ===
// Ordered transformations over one SSA function:
// expandCalls -> decompose -> lower -> schedule -> local optimizations.
// Every arg rewrite goes through ResetArgs/AddArg/SetArg so use counts
// stay exact; the verifier runs after each pass when enabled.

// verifyAfterPasses turns on the SSA verifier between passes. It is on
// by default, for tests and the driver alike, since the cost is small
// at this compiler's scale.
var verifyAfterPasses = true

// optimizeEnabled gates the optional local optimizations. Correctness
// never depends on it.
var optimizeEnabled = true

// runPasses runs the ordered pipeline on f.
func runPasses(f *Func, tr *Tracer) error {
	passes := []struct {
		name string
		fn   func(*Func) error
	}{
		{"expand_calls", expandCalls},
		{"decompose", decompose},
		{"lower", lower},
		{"schedule", schedule},
		{"early_deadcode", earlyDeadcode},
		{"early_copyelim", earlyCopyelim},
		{"local_cse", localCSE},
		{"late_deadcode", earlyDeadcode},
		{"critical", splitCriticalEdges},
	}
	for _, p := range passes {
		if p.name == "local_cse" && !optimizeEnabled {
			continue
		}
		if err := p.fn(f); err != nil {
			return err
		}
		if verifyAfterPasses {
			if err := f.Check(); err != nil {
				if ce, ok := err.(*CompileError); ok {
					ce.Pass = p.name
				}
				return err
			}
		}
		tr.Trace(TraceSSA, "after %s %s:\n%s", p.name, f.Name, f)
	}
	return nil
}

// === expand_calls ===

// expandCalls rewrites call arguments into their ABI scalar components,
// attaches hidden-return records, and materializes select_n values for
// multi-register results.
func expandCalls(f *Func) error {
	reg := f.Mod.Types
	f.OwnABI = ResolveFuncABI(reg, f.Type)

	for _, b := range f.Blocks {
		// Snapshot: the loop appends component values to b.Values.
		calls := make([]*Value, 0, 4)
		for _, v := range b.Values {
			if v.Op == OpStaticCall || v.Op == OpClosureCall {
				calls = append(calls, v)
			}
		}
		for _, v := range calls {
			if err := expandOneCall(f, b, v); err != nil {
				return err
			}
		}
	}
	return nil
}

func expandOneCall(f *Func, b *Block, v *Value) error {
	reg := f.Mod.Types
	argTypes := make([]TypeID, len(v.Args))
	for i, a := range v.Args {
		argTypes[i] = a.Type
	}
	abi := ResolveABI(reg, argTypes, v.Type, v.Aux)
	f.callABI[v.ID] = abi

	// Rewrite aggregate args into scalar components. Never assign the
	// arg array directly: reset, then re-add, so use counts stay exact.
	oldArgs := make([]*Value, len(v.Args))
	copy(oldArgs, v.Args)
	v.ResetArgs()
	for _, a := range oldArgs {
		switch reg.Kind(a.Type) {
		case TyString, TySlice:
			p, n := aggregateParts(f, b, a)
			v.AddArg(p)
			v.AddArg(n)
		case TyStruct, TyArray:
			size := reg.SizeOf(a.Type)
			if size > 16 {
				// Pass the source address; the callee receives a
				// pointer. A load of a stack struct passes the load's
				// address operand.
				if a.Op == OpLoad {
					v.AddArg(a.Args[0])
				} else {
					v.AddArg(a)
				}
			} else {
				// Up to two register words loaded from the source. The
				// loads splice in ahead of the call so memory order is
				// load-then-call.
				addr := a
				if a.Op == OpLoad {
					addr = a.Args[0]
				}
				lo := f.newValueBefore(b, v, OpLoad, TypeU64, v.Pos)
				lo.AddArg(addr)
				v.AddArg(lo)
				if size > 8 {
					hi := f.newValueBefore(b, v, OpLoad, TypeU64, v.Pos)
					hi.AuxInt = 8
					hi.AddArg(addr)
					v.AddArg(hi)
				}
			}
		default:
			v.AddArg(a)
		}
	}

	if abi.UsesHiddenRet {
		f.hiddenRetCalls = append(f.hiddenRetCalls, v.ID)
	}

	// Multi-register results: emit select_n extractors and rebuild the
	// aggregate for the remaining users.
	if reg.Kind(v.Type) == TyString || reg.Kind(v.Type) == TySlice {
		// Collect users before adding the extractors.
		type use struct {
			u *Value
			i int
		}
		var uses []use
		for _, ub := range f.Blocks {
			for _, u := range ub.Values {
				for i, a := range u.Args {
					if a == v {
						uses = append(uses, use{u, i})
					}
				}
			}
		}
		var ctlBlocks []*Block
		for _, cb := range f.Blocks {
			if cb.Control == v {
				ctlBlocks = append(ctlBlocks, cb)
			}
		}

		s0 := f.newValueInto(b, OpSelectN, reg.Pointer(TypeU8), v.Pos)
		s0.AddArg(v)
		s1 := f.newValueInto(b, OpSelectN, TypeInt, v.Pos)
		s1.AuxInt = 1
		s1.AddArg(v)
		mkOp := OpStringMake
		if reg.Kind(v.Type) == TySlice {
			mkOp = OpSliceMake
		}
		mk := f.newValueInto(b, mkOp, v.Type, v.Pos)
		mk.AddArg(s0)
		mk.AddArg(s1)

		for _, u := range uses {
			u.u.SetArg(u.i, mk)
		}
		for _, cb := range ctlBlocks {
			cb.SetControl(mk)
		}
	}
	return nil
}

// aggregateParts returns the (pointer, length) components of a
// two-word aggregate value, materializing extraction values in b when
// the components are not directly available. A const_string argument
// becomes a literal address plus a const_int with the length taken from
// the string literal table.
func aggregateParts(f *Func, b *Block, a *Value) (*Value, *Value) {
	reg := f.Mod.Types
	switch a.Op {
	case OpStringMake, OpSliceMake:
		return a.Args[0], a.Args[1]
	case OpConstString:
		lit := f.Mod.Strings[a.AuxInt]
		ga := f.newValueInto(b, OpGlobalAddr, reg.Pointer(TypeU8), a.Pos)
		ga.Aux = strLitSym(int(a.AuxInt))
		return ga, f.ConstInt(TypeInt, int64(len(lit)))
	}
	ptrOp, lenOp := OpStringPtr, OpStringLen
	if reg.Kind(a.Type) == TySlice {
		ptrOp, lenOp = OpSlicePtr, OpSliceLen
	}
	p := f.newValueInto(b, ptrOp, reg.Pointer(TypeU8), a.Pos)
	p.AddArg(a)
	n := f.newValueInto(b, lenOp, TypeInt, a.Pos)
	n.AddArg(a)
	return p, n
}

// === decompose ===

// decompose eliminates aggregate values before regalloc so components
// do not occupy registers unnecessarily: const_string becomes an
// address/length pair, aggregate phis split into component phis, and
// make/extract pairs cancel.
func decompose(f *Func) error {
	reg := f.Mod.Types

	// const_string -> string_make(global_addr, const_int).
	for _, b := range f.Blocks {
		for _, v := range b.Values {
			if v.Op != OpConstString {
				continue
			}
			lit := f.Mod.Strings[v.AuxInt]
			ga := f.newValueInto(b, OpGlobalAddr, reg.Pointer(TypeU8), v.Pos)
			ga.Aux = strLitSym(int(v.AuxInt))
			cl := f.ConstInt(TypeInt, int64(len(lit)))
			v.ResetArgs()
			v.Op = OpStringMake
			v.AuxInt = 0
			v.AddArg(ga)
			v.AddArg(cl)
		}
	}

	// Aggregate phis -> component phis + make.
	for _, b := range f.Blocks {
		phis := make([]*Value, 0, 4)
		for _, v := range b.Values {
			k := reg.Kind(v.Type)
			if v.Op == OpPhi && (k == TyString || k == TySlice) {
				phis = append(phis, v)
			}
		}
		for _, p := range phis {
			decomposeAggregatePhi(f, b, p)
		}
	}

	// Cancel make/extract pairs.
	for {
		changed := false
		for _, b := range f.Blocks {
			for _, v := range b.Values {
				var a *Value
				switch v.Op {
				case OpStringPtr, OpSlicePtr, OpStringLen, OpSliceLen:
					a = unwrapCopy(v.Args[0])
				default:
					continue
				}
				if a.Op != OpStringMake && a.Op != OpSliceMake {
					continue
				}
				part := 0
				if v.Op == OpStringLen || v.Op == OpSliceLen {
					part = 1
				}
				v.copyOf(a.Args[part])
				changed = true
			}
		}
		if !changed {
			break
		}
	}
	return nil
}

// decomposeAggregatePhi splits a two-word aggregate phi into a pointer
// phi and a length phi joined by a make.
func decomposeAggregatePhi(f *Func, b *Block, p *Value) {
	reg := f.Mod.Types
	mkOp := OpStringMake
	ptrOp, lenOp := OpStringPtr, OpStringLen
	if reg.Kind(p.Type) == TySlice {
		mkOp = OpSliceMake
		ptrOp, lenOp = OpSlicePtr, OpSliceLen
	}

	ptrPhi := &Value{ID: f.vid, Op: OpPhi, Type: reg.Pointer(TypeU8), Block: b, Pos: p.Pos}
	f.vid++
	lenPhi := &Value{ID: f.vid, Op: OpPhi, Type: TypeInt, Block: b, Pos: p.Pos}
	f.vid++
	// Phis stay at the head of the block.
	b.Values = append(b.Values, nil, nil)
	copy(b.Values[2:], b.Values)
	b.Values[0] = ptrPhi
	b.Values[1] = lenPhi

	for i, a := range p.Args {
		a = unwrapCopy(a)
		if a == p {
			// Self-referential edge: the component phis feed themselves.
			ptrPhi.AddArg(ptrPhi)
			lenPhi.AddArg(lenPhi)
			continue
		}
		if a.Op == OpStringMake || a.Op == OpSliceMake {
			ptrPhi.AddArg(a.Args[0])
			lenPhi.AddArg(a.Args[1])
			continue
		}
		// Extract in the predecessor, before its terminator.
		pred := b.Preds[i].b
		pe := f.newValueInto(pred, ptrOp, ptrPhi.Type, p.Pos)
		pe.AddArg(a)
		le := f.newValueInto(pred, lenOp, TypeInt, p.Pos)
		le.AddArg(a)
		ptrPhi.AddArg(pe)
		lenPhi.AddArg(le)
	}

	p.ResetArgs()
	p.Op = mkOp
	p.AddArg(ptrPhi)
	p.AddArg(lenPhi)
}

// unwrapCopy chases copy chains to the underlying value.
func unwrapCopy(v *Value) *Value {
	for v.Op == OpCopy {
		v = v.Args[0]
	}
	return v
}

// === lower ===

// lower rewrites generic ops into arch-friendly forms: constant
// folding, strength reduction, immediate forms, and folding of off_ptr
// offsets into load/store aux so codegen never recomputes them.
func lower(f *Func) error {
	for _, b := range f.Blocks {
		for _, v := range b.Values {
			lowerValue(f, v)
		}
	}
	return nil
}

func lowerValue(f *Func, v *Value) {
	// Normalize constants to the right-hand side of commutative ops.
	if opcodeTable[v.Op].commutative && len(v.Args) == 2 &&
		v.Args[0].Op == OpConstInt && v.Args[1].Op != OpConstInt {
		a0, a1 := v.Args[0], v.Args[1]
		v.SetArg(0, a1)
		v.SetArg(1, a0)
	}

	// Fold pure binary ops with constant args.
	if len(v.Args) == 2 && v.Args[0].Op == OpConstInt && v.Args[1].Op == OpConstInt {
		if c, ok := foldConst(v.Op, v.Args[0].AuxInt, v.Args[1].AuxInt); ok {
			t := v.Type
			if v.Op.isCompare() {
				t = TypeBool
			}
			if t == TypeBool {
				v.copyOf(f.ConstBool(c != 0))
			} else {
				v.copyOf(f.ConstInt(t, c))
			}
			return
		}
	}

	switch v.Op {
	case OpAdd, OpBor, OpBxor:
		if v.Args[1].Op == OpConstInt && v.Args[1].AuxInt == 0 {
			v.copyOf(v.Args[0])
			return
		}
	case OpSub, OpShl, OpShr, OpAshr:
		if v.Args[1].Op == OpConstInt && v.Args[1].AuxInt == 0 {
			v.copyOf(v.Args[0])
			return
		}
	case OpMul:
		c := v.Args[1]
		if c.Op == OpConstInt {
			if c.AuxInt == 1 {
				v.copyOf(v.Args[0])
				return
			}
			if c.AuxInt > 0 && c.AuxInt&(c.AuxInt-1) == 0 {
				x := v.Args[0]
				sh := log2i(c.AuxInt)
				v.ResetArgs()
				v.Op = OpShlImm
				v.AuxInt = sh
				v.AddArg(x)
				return
			}
		}
	}

	// Immediate forms for ALU ops with a small constant RHS.
	switch v.Op {
	case OpAdd, OpSub:
		c := v.Args[1]
		if c.Op == OpConstInt && c.AuxInt > 0 && c.AuxInt < 4096 {
			x := v.Args[0]
			imm := c.AuxInt
			op := OpAddImm
			if v.Op == OpSub {
				op = OpSubImm
			}
			v.ResetArgs()
			v.Op = op
			v.AuxInt = imm
			v.AddArg(x)
			return
		}
	case OpShl, OpShr, OpAshr:
		c := v.Args[1]
		if c.Op == OpConstInt && c.AuxInt >= 0 && c.AuxInt < 64 {
			x := v.Args[0]
			sh := c.AuxInt
			var op Op
			switch v.Op {
			case OpShl:
				op = OpShlImm
			case OpShr:
				op = OpShrImm
			case OpAshr:
				op = OpAshrImm
			}
			v.ResetArgs()
			v.Op = op
			v.AuxInt = sh
			v.AddArg(x)
			return
		}
	}

	switch v.Op {
	case OpLoad:
		if a := v.Args[0]; a.Op == OpOffPtr {
			v.AuxInt += a.AuxInt
			v.SetArg(0, a.Args[0])
		}
	case OpStore:
		if a := v.Args[0]; a.Op == OpOffPtr {
			v.AuxInt += a.AuxInt
			v.SetArg(0, a.Args[0])
		}
	case OpAddPtr:
		// Constant index folds to a plain offset; the element size was
		// recorded at build time so nothing is looked up here.
		if idx := v.Args[1]; idx.Op == OpConstInt {
			off := idx.AuxInt * v.AuxInt
			p := v.Args[0]
			v.ResetArgs()
			v.Op = OpOffPtr
			v.AuxInt = off
			v.AddArg(p)
		}
	}
}

// foldConst evaluates a pure binary op over constants. Division by
// zero is left to runtime behavior and not folded.
func foldConst(op Op, a, b int64) (int64, bool) {
	switch op {
	case OpAdd:
		return a + b, true
	case OpSub:
		return a - b, true
	case OpMul:
		return a * b, true
	case OpSdiv:
		if b == 0 {
			return 0, false
		}
		return a / b, true
	case OpUdiv:
		if b == 0 {
			return 0, false
		}
		return int64(uint64(a) / uint64(b)), true
	case OpSmod:
		if b == 0 {
			return 0, false
		}
		return a % b, true
	case OpBand:
		return a & b, true
	case OpBor:
		return a | b, true
	case OpBxor:
		return a ^ b, true
	case OpShl:
		return a << uint(b&63), true
	case OpShr:
		return int64(uint64(a) >> uint(b&63)), true
	case OpAshr:
		return a >> uint(b&63), true
	case OpEq:
		return b2i(a == b), true
	case OpNe:
		return b2i(a != b), true
	case OpSlt:
		return b2i(a < b), true
	case OpSle:
		return b2i(a <= b), true
	case OpSgt:
		return b2i(a > b), true
	case OpSge:
		return b2i(a >= b), true
	case OpUlt:
		return b2i(uint64(a) < uint64(b)), true
	case OpUle:
		return b2i(uint64(a) <= uint64(b)), true
	}
	return 0, false
}

func b2i(b bool) int64 {
	if b {
		return 1
	}
	return 0
}

func log2i(v int64) int64 {
	n := int64(0)
	for v > 1 {
		v >>= 1
		n++
	}
	return n
}

// === schedule ===

// Priority scores; lower runs earlier. Ties keep original order.
const (
	scorePhi = iota
	scoreArg
	scoreDefault
	scoreControl
)

// schedule reorders each block into a valid linear order: args before
// uses, stores before subsequent loads (conservatively: memory ops keep
// their relative order), phis first, args second, control-producing
// values last. Scheduling an already-scheduled function is a no-op.
func schedule(f *Func) error {
	for _, b := range f.Blocks {
		if err := scheduleBlock(f, b); err != nil {
			return err
		}
	}
	f.layoutBlocks()
	f.Scheduled = true
	f.LaidOut = true
	return nil
}

func isMemoryOp(v *Value) bool {
	switch v.Op {
	case OpLoad, OpStore, OpStaticCall, OpClosureCall:
		return true
	}
	return false
}

func scheduleBlock(f *Func, b *Block) error {
	n := len(b.Values)
	if n <= 1 {
		return nil
	}
	origIdx := make(map[*Value]int, n)
	for i, v := range b.Values {
		origIdx[v] = i
	}
	score := func(v *Value) int {
		switch {
		case v.Op == OpPhi:
			return scorePhi
		case v.Op == OpArg:
			return scoreArg
		case v == b.Control:
			return scoreControl
		}
		return scoreDefault
	}

	// In-block dependency edges: value -> args in the same block (phi
	// args carry predecessor-end semantics and are exempt), plus a
	// chain through memory ops preserving their original order.
	indeg := make(map[*Value]int, n)
	succs := make(map[*Value][]*Value, n)
	addEdge := func(from, to *Value) {
		succs[from] = append(succs[from], to)
		indeg[to]++
	}
	for _, v := range b.Values {
		if v.Op == OpPhi {
			continue
		}
		for _, a := range v.Args {
			if a.Block == b && a != v {
				addEdge(a, v)
			}
		}
	}
	var mem []*Value
	for _, v := range b.Values {
		if isMemoryOp(v) {
			mem = append(mem, v)
		}
	}
	sort.SliceStable(mem, func(i, j int) bool { return origIdx[mem[i]] < origIdx[mem[j]] })
	for i := 1; i < len(mem); i++ {
		addEdge(mem[i-1], mem[i])
	}

	// Stable priority topological order: among ready values pick the
	// smallest (score, original index).
	ready := make([]*Value, 0, n)
	for _, v := range b.Values {
		if indeg[v] == 0 {
			ready = append(ready, v)
		}
	}
	out := make([]*Value, 0, n)
	for len(ready) > 0 {
		best := 0
		for i := 1; i < len(ready); i++ {
			si, sb := score(ready[i]), score(ready[best])
			if si < sb || (si == sb && origIdx[ready[i]] < origIdx[ready[best]]) {
				best = i
			}
		}
		v := ready[best]
		ready = append(ready[:best], ready[best+1:]...)
		out = append(out, v)
		for _, s := range succs[v] {
			indeg[s]--
			if indeg[s] == 0 {
				ready = append(ready, s)
			}
		}
	}
	if len(out) != n {
		e := fatal(ErrSSAInvariant, "schedule", f.Name,
			"dependency cycle in block b%d", b.ID)
		e.BlockID = int(b.ID)
		return e
	}
	b.Values = out
	return nil
}

// === local optimizations ===

// earlyDeadcode removes values with zero uses and no side effects,
// decrementing their args' use counts. Running it twice yields the same
// function as running it once.
func earlyDeadcode(f *Func) error {
	for {
		changed := false
		for _, b := range f.Blocks {
			out := b.Values[:0]
			for _, v := range b.Values {
				if v.Uses == 0 && !v.Op.hasSideEffects() {
					v.ResetArgs()
					f.invalidateConst(v)
					changed = true
					continue
				}
				out = append(out, v)
			}
			b.Values = out
		}
		if !changed {
			return nil
		}
	}
}

// earlyCopyelim rewrites every use of copy(x) to x, including block
// controls. The dead copies fall to deadcode.
func earlyCopyelim(f *Func) error {
	for _, b := range f.Blocks {
		for _, v := range b.Values {
			for i, a := range v.Args {
				if a.Op == OpCopy {
					v.SetArg(i, unwrapCopy(a))
				}
			}
		}
		if b.Control != nil && b.Control.Op == OpCopy {
			b.SetControl(unwrapCopy(b.Control))
		}
	}
	return nil
}

// localCSE conservatively merges identical pure values within single
// blocks. Loads, stores, calls, phis and args never participate.
func localCSE(f *Func) error {
	type key struct {
		op     Op
		t      TypeID
		auxInt int64
		aux    string
		a0, a1 ID
	}
	for _, b := range f.Blocks {
		seen := make(map[key]*Value)
		for _, v := range b.Values {
			switch v.Op {
			case OpPhi, OpArg, OpCopy, OpLoad, OpStore, OpLoadReg, OpStoreReg,
				OpStaticCall, OpClosureCall, OpSelectN, OpConstString:
				continue
			}
			if v.Op.hasSideEffects() || len(v.Args) > 2 {
				continue
			}
			k := key{op: v.Op, t: v.Type, auxInt: v.AuxInt, aux: v.Aux, a0: -1, a1: -1}
			if len(v.Args) > 0 {
				k.a0 = v.Args[0].ID
			}
			if len(v.Args) > 1 {
				k.a1 = v.Args[1].ID
			}
			if first, ok := seen[k]; ok {
				v.copyOf(first)
				continue
			}
			seen[k] = v
		}
	}
	return nil
}

// === CFG normalization ===

// splitCriticalEdges inserts an empty block on every edge whose source
// has multiple successors and whose destination has multiple
// predecessors, so the regalloc shuffle always has an insertion point.
func splitCriticalEdges(f *Func) error {
	// Collect first: rewiring mutates the lists being walked.
	type crit struct {
		p  *Block
		si int
	}
	var edges []crit
	for _, p := range f.Blocks {
		if len(p.Succs) < 2 {
			continue
		}
		for i, e := range p.Succs {
			if len(e.b.Preds) > 1 {
				edges = append(edges, crit{p, i})
			}
		}
	}
	for _, c := range edges {
		p := c.p
		e := p.Succs[c.si]
		s := e.b
		mid := f.NewBlock(BlockPlain)
		// p -> mid -> s, preserving edge indices on both ends so phi
		// args still line up.
		p.Succs[c.si] = Edge{mid, 0}
		mid.Preds = []Edge{{p, c.si}}
		mid.Succs = []Edge{{s, e.i}}
		s.Preds[e.i] = Edge{mid, 0}
	}
	if len(edges) > 0 {
		f.layoutBlocks()
	}
	return nil
}

// === dead function elimination ===

// eliminateDeadFunctions removes unreachable functions from the module
// using mark-and-sweep reachability over IR call edges, rooted at main.
func eliminateDeadFunctions(mod *IRModule) {
	reachable := make(map[string]bool)
	var worklist []string
	if mod.FuncByName("main") != nil {
		reachable["main"] = true
		worklist = append(worklist, "main")
	}
	for len(worklist) > 0 {
		name := worklist[len(worklist)-1]
		worklist = worklist[:len(worklist)-1]
		fn := mod.FuncByName(name)
		if fn == nil {
			continue
		}
		for i := range fn.Nodes {
			n := &fn.Nodes[i]
			if n.Kind != NCall {
				continue
			}
			if !reachable[n.Aux] && mod.FuncByName(n.Aux) != nil {
				reachable[n.Aux] = true
				worklist = append(worklist, n.Aux)
			}
		}
	}
	if len(reachable) == 0 {
		return
	}
	kept := mod.Funcs[:0]
	mod.funcIdx = make(map[string]int)
	for _, fn := range mod.Funcs {
		if reachable[fn.Name] {
			mod.funcIdx[fn.Name] = len(kept)
			kept = append(kept, fn)
		}
	}
	mod.Funcs = kept
}
