package main

import "sort"

// === SSA construction (C2) ===
// Converts the flat IR of one function into SSA. Variable-versioned
// construction: block-local definitions are tracked per local; reads
// that cross block boundaries go through readVar, which inserts phis at
// join points and fills them once all predecessors are known. Incomplete
// phis break the recursion on loop back edges.

type ssaBuilder struct {
	fn  *Func
	ir  *IRFunc
	mod *IRModule

	// sibling[i] is the SSA block created for IR block i. The block a
	// value lands in may differ once logical operators split control
	// flow; cur tracks the live insertion point.
	sibling []*Block
	cur     *Block

	// defs[local][block] is the current SSA definition of local.
	defs []map[*Block]*Value

	// sealed blocks have their final predecessor list. incomplete maps
	// a not-yet-sealed block to its pending phis per local.
	sealed     map[*Block]bool
	incomplete map[*Block]map[int]*Value

	// predTotal/predDone count IR-level incoming edges per IR block.
	predTotal []int
	predDone  []int

	// nodeVal maps IR node index -> SSA value.
	nodeVal []*Value
	// skip marks nodes consumed by logical-operator handling; they are
	// evaluated on demand inside the short-circuit blocks instead.
	skip []bool
}

// buildSSA converts irf into a new SSA function.
func buildSSA(mod *IRModule, irf *IRFunc, tr *Tracer) (*Func, error) {
	f := NewFunc(irf.Name, irf.Type, mod)
	ft := mod.Types.Get(irf.Type)
	if len(ft.Results) > 0 {
		f.RetSize = mod.Types.SizeOf(ft.Results[0])
	}

	s := &ssaBuilder{
		fn:         f,
		ir:         irf,
		mod:        mod,
		sibling:    make([]*Block, len(irf.Blocks)),
		defs:       make([]map[*Block]*Value, len(irf.Locals)),
		sealed:     make(map[*Block]bool),
		incomplete: make(map[*Block]map[int]*Value),
		predTotal:  make([]int, len(irf.Blocks)),
		predDone:   make([]int, len(irf.Blocks)),
		nodeVal:    make([]*Value, len(irf.Nodes)),
		skip:       make([]bool, len(irf.Nodes)),
	}
	for i := range s.defs {
		s.defs[i] = make(map[*Block]*Value)
	}

	// Count IR-level predecessors so blocks can be sealed as soon as
	// every incoming terminator has been emitted.
	for _, blk := range irf.Blocks {
		for _, ni := range blk.Nodes {
			n := &irf.Nodes[ni]
			switch n.Kind {
			case NJump:
				s.predTotal[n.To]++
			case NBranch:
				s.predTotal[n.To]++
				s.predTotal[n.Alt]++
			}
		}
	}

	for i := range irf.Blocks {
		s.sibling[i] = f.NewBlock(BlockPlain)
	}
	f.Entry = s.sibling[irf.Entry]
	s.seal(f.Entry)
	// Blocks with no incoming edges are unreachable; seal them so reads
	// inside them cannot wait forever on predecessors that never come.
	for i := range irf.Blocks {
		if i != irf.Entry && s.predTotal[i] == 0 {
			s.seal(s.sibling[i])
		}
	}

	s.emitParams()

	for i, blk := range irf.Blocks {
		s.cur = s.sibling[i]
		s.markLogicalOperands(blk)
		for _, ni := range blk.Nodes {
			if s.skip[ni] {
				continue
			}
			if err := s.genNode(ni); err != nil {
				return nil, err
			}
		}
	}

	for b := range s.incomplete {
		if len(s.incomplete[b]) > 0 {
			e := fatal(ErrSSAUnsealedPred, "ssa", f.Name,
				"block b%d never sealed: unreachable predecessor", b.ID)
			e.BlockID = int(b.ID)
			return nil, e
		}
	}

	s.removeTrivialPhis()
	f.layoutBlocksPreserveEntry()

	if err := f.Check(); err != nil {
		return nil, err
	}
	tr.Trace(TraceSSA, "ssa %s:\n%s", f.Name, f)
	return f, nil
}

// layoutBlocksPreserveEntry drops unreachable blocks without imposing
// the final schedule order (that happens in the schedule pass).
func (f *Func) layoutBlocksPreserveEntry() {
	f.layoutBlocks()
}

// emitParams materializes arg values for each parameter in the entry
// block. String parameters arrive as two argument slots (pointer,
// length) combined with string_make. Address-taken scalar params are
// stored to their memory slot.
// Arg values encode their placement as AuxInt = paramIndex<<1 | half;
// half 1 is the length word of a two-word aggregate parameter.
func argAuxInt(param, half int) int64 {
	return int64(param<<1 | half)
}

func (s *ssaBuilder) emitParams() {
	reg := s.mod.Types
	for li := range s.ir.Locals {
		l := &s.ir.Locals[li]
		if !l.IsParam {
			break
		}
		switch reg.Kind(l.Type) {
		case TyString:
			p := s.fn.newValueInto(s.cur, OpArg, reg.Pointer(TypeU8), l.posSpan())
			p.AuxInt = argAuxInt(li, 0)
			p.Aux = l.Name + ".ptr"
			n := s.fn.newValueInto(s.cur, OpArg, TypeInt, l.posSpan())
			n.AuxInt = argAuxInt(li, 1)
			n.Aux = l.Name + ".len"
			mk := s.fn.newValueInto(s.cur, OpStringMake, TypeString, l.posSpan())
			mk.AddArg(p)
			mk.AddArg(n)
			s.writeVar(li, s.cur, mk)
		default:
			v := s.fn.newValueInto(s.cur, OpArg, l.Type, l.posSpan())
			v.AuxInt = argAuxInt(li, 0)
			v.Aux = l.Name
			if l.AddrTaken {
				addr := s.fn.newValueInto(s.cur, OpLocalAddr, reg.Pointer(l.Type), l.posSpan())
				addr.AuxInt = int64(li)
				st := s.fn.newValueInto(s.cur, OpStore, TypeVoid, l.posSpan())
				st.AddArg(addr)
				st.AddArg(v)
			} else {
				s.writeVar(li, s.cur, v)
			}
		}
	}
}

func (l *IRLocal) posSpan() Span { return Span{} }

// markLogicalOperands pre-scans a block and marks the operand subtrees
// of short-circuit operators so the main walk skips them; the logical
// handler evaluates each operand on the control path that needs it.
func (s *ssaBuilder) markLogicalOperands(blk *IRBlock) {
	for _, ni := range blk.Nodes {
		n := &s.ir.Nodes[ni]
		if n.Kind == NBinary && (BinOp(n.AuxInt) == BinLogAnd || BinOp(n.AuxInt) == BinLogOr) {
			s.markSubtree(n.Args[0])
			s.markSubtree(n.Args[1])
		}
	}
}

func (s *ssaBuilder) markSubtree(ni int) {
	if s.skip[ni] {
		return
	}
	s.skip[ni] = true
	for _, a := range s.ir.Nodes[ni].Args {
		s.markSubtree(a)
	}
}

// genTree evaluates a (possibly skipped) node subtree in the current
// block, returning its value.
func (s *ssaBuilder) genTree(ni int) (*Value, error) {
	if v := s.nodeVal[ni]; v != nil {
		return v, nil
	}
	n := &s.ir.Nodes[ni]
	if n.Kind != NBinary || (BinOp(n.AuxInt) != BinLogAnd && BinOp(n.AuxInt) != BinLogOr) {
		for _, a := range n.Args {
			if _, err := s.genTree(a); err != nil {
				return nil, err
			}
		}
	}
	if err := s.genNode(ni); err != nil {
		return nil, err
	}
	return s.nodeVal[ni], nil
}

// genNode emits the SSA for one IR node into the current block.
func (s *ssaBuilder) genNode(ni int) error {
	n := &s.ir.Nodes[ni]
	reg := s.mod.Types
	switch n.Kind {
	case NConstInt:
		s.nodeVal[ni] = s.fn.ConstInt(n.Type, n.AuxInt)
	case NConstBool:
		s.nodeVal[ni] = s.fn.ConstBool(n.AuxInt != 0)
	case NConstStr:
		v := s.fn.newValueInto(s.cur, OpConstString, TypeString, n.Pos)
		v.AuxInt = n.AuxInt
		s.nodeVal[ni] = v

	case NBinary:
		op := BinOp(n.AuxInt)
		if op == BinLogAnd || op == BinLogOr {
			return s.genLogical(ni)
		}
		s.nodeVal[ni] = s.genBinary(n)
	case NUnary:
		x := s.nodeVal[n.Args[0]]
		var op Op
		switch UnOp(n.AuxInt) {
		case UnNeg:
			op = OpNeg
		case UnNot:
			op = OpNot
		}
		v := s.fn.newValueInto(s.cur, op, n.Type, n.Pos)
		v.AddArg(x)
		s.nodeVal[ni] = v

	case NLoadLocal:
		li := int(n.AuxInt)
		if v, ok := s.blockDef(li, s.cur); ok {
			s.nodeVal[ni] = v
		} else {
			s.nodeVal[ni] = s.readVar(li, s.cur)
			// Cache as the in-block definition until the next store.
			s.writeVar(li, s.cur, s.nodeVal[ni])
		}
	case NStoreLocal:
		s.writeVar(int(n.AuxInt), s.cur, s.nodeVal[n.Args[0]])
	case NAddrLocal:
		v := s.fn.newValueInto(s.cur, OpLocalAddr, n.Type, n.Pos)
		v.AuxInt = n.AuxInt
		s.nodeVal[ni] = v
	case NAddrGlobal:
		v := s.fn.newValueInto(s.cur, OpGlobalAddr, n.Type, n.Pos)
		v.Aux = n.Aux
		s.nodeVal[ni] = v
	case NLoadGlobal:
		addr := s.fn.newValueInto(s.cur, OpGlobalAddr, reg.Pointer(n.Type), n.Pos)
		addr.Aux = n.Aux
		v := s.fn.newValueInto(s.cur, OpLoad, n.Type, n.Pos)
		v.AddArg(addr)
		s.nodeVal[ni] = v
	case NStoreGlobal:
		addr := s.fn.newValueInto(s.cur, OpGlobalAddr, reg.Pointer(n.Type), n.Pos)
		addr.Aux = n.Aux
		st := s.fn.newValueInto(s.cur, OpStore, TypeVoid, n.Pos)
		st.AddArg(addr)
		st.AddArg(s.nodeVal[n.Args[0]])
		s.nodeVal[ni] = st

	case NFieldValue:
		base := s.nodeVal[n.Args[0]]
		k := reg.Kind(n.Type)
		if k == TyStruct || k == TyArray {
			// Aggregate extraction keeps the field's own type so a
			// later return of this field classifies as a large-struct
			// return.
			off := s.fn.newValueInto(s.cur, OpOffPtr, n.Type, n.Pos)
			off.AuxInt = int64(n.Off)
			off.AddArg(base)
			s.nodeVal[ni] = off
		} else {
			off := s.fn.newValueInto(s.cur, OpOffPtr, reg.Pointer(n.Type), n.Pos)
			off.AuxInt = int64(n.Off)
			off.AddArg(base)
			ld := s.fn.newValueInto(s.cur, OpLoad, n.Type, n.Pos)
			ld.AddArg(off)
			s.nodeVal[ni] = ld
		}
	case NFieldLocal:
		addr := s.fn.newValueInto(s.cur, OpLocalAddr, n.Type, n.Pos)
		addr.AuxInt = n.AuxInt
		if n.Off != 0 {
			off := s.fn.newValueInto(s.cur, OpOffPtr, n.Type, n.Pos)
			off.AuxInt = int64(n.Off)
			off.AddArg(addr)
			s.nodeVal[ni] = off
		} else {
			s.nodeVal[ni] = addr
		}
	case NIndexLocal:
		addr := s.fn.newValueInto(s.cur, OpLocalAddr, n.Type, n.Pos)
		addr.AuxInt = n.AuxInt
		idx := s.nodeVal[n.Args[0]]
		v := s.fn.newValueInto(s.cur, OpAddPtr, n.Type, n.Pos)
		v.AuxInt = int64(n.Off)
		v.AddArg(addr)
		v.AddArg(idx)
		s.nodeVal[ni] = v
	case NLoad:
		v := s.fn.newValueInto(s.cur, OpLoad, n.Type, n.Pos)
		v.AddArg(s.nodeVal[n.Args[0]])
		s.nodeVal[ni] = v
	case NStore:
		st := s.fn.newValueInto(s.cur, OpStore, TypeVoid, n.Pos)
		st.AddArg(s.nodeVal[n.Args[0]])
		st.AddArg(s.nodeVal[n.Args[1]])
		s.nodeVal[ni] = st

	case NCall:
		v := s.fn.newValueInto(s.cur, OpStaticCall, n.Type, n.Pos)
		v.Aux = n.Aux
		for _, a := range n.Args {
			v.AddArg(s.nodeVal[a])
		}
		s.nodeVal[ni] = v
	case NStrLen:
		v := s.fn.newValueInto(s.cur, OpStringLen, TypeInt, n.Pos)
		v.AddArg(s.nodeVal[n.Args[0]])
		s.nodeVal[ni] = v

	case NRet:
		s.cur.Kind = BlockRet
		if len(n.Args) > 0 {
			s.cur.SetControl(s.nodeVal[n.Args[0]])
		}
	case NJump:
		s.cur.Kind = BlockPlain
		s.emitEdge(n.To)
	case NBranch:
		s.cur.Kind = BlockIf
		s.cur.SetControl(s.nodeVal[n.Args[0]])
		s.emitEdge(n.To)
		s.emitEdge(n.Alt)
	case NNop:
		// nothing
	default:
		return fatal(ErrIRMalformed, "ssa", s.fn.Name, "unexpected node kind %d", n.Kind)
	}
	return nil
}

// genBinary emits one non-logical binary op.
func (s *ssaBuilder) genBinary(n *Node) *Value {
	reg := s.mod.Types
	x := s.nodeVal[n.Args[0]]
	y := s.nodeVal[n.Args[1]]
	signed := true
	if len(n.Args) > 0 {
		opnd := &s.ir.Nodes[n.Args[0]]
		if reg.IsInteger(opnd.Type) {
			signed = reg.IsSigned(opnd.Type)
		}
	}
	var op Op
	switch BinOp(n.AuxInt) {
	case BinAdd:
		op = OpAdd
	case BinSub:
		op = OpSub
	case BinMul:
		op = OpMul
	case BinDiv:
		if signed {
			op = OpSdiv
		} else {
			op = OpUdiv
		}
	case BinMod:
		op = OpSmod
	case BinAnd:
		op = OpBand
	case BinOr:
		op = OpBor
	case BinXor:
		op = OpBxor
	case BinShl:
		op = OpShl
	case BinShr:
		if signed {
			op = OpAshr
		} else {
			op = OpShr
		}
	case BinEq:
		op = OpEq
	case BinNe:
		op = OpNe
	case BinLt:
		if signed {
			op = OpSlt
		} else {
			op = OpUlt
		}
	case BinLe:
		if signed {
			op = OpSle
		} else {
			op = OpUle
		}
	case BinGt:
		op = OpSgt
	case BinGe:
		op = OpSge
	}
	v := s.fn.newValueInto(s.cur, op, n.Type, n.Pos)
	v.AddArg(x)
	v.AddArg(y)
	return v
}

// genLogical lowers a short-circuit and/or. The left operand is
// evaluated in the current block; the right operand only inside a new
// eval-right block reached when the left side does not decide the
// result. A phi in the merge block combines both paths.
func (s *ssaBuilder) genLogical(ni int) error {
	n := &s.ir.Nodes[ni]
	isAnd := BinOp(n.AuxInt) == BinLogAnd

	left, err := s.genTree(n.Args[0])
	if err != nil {
		return err
	}
	condBlock := s.cur
	condBlock.Kind = BlockIf
	condBlock.SetControl(left)

	evalRight := s.fn.NewBlock(BlockPlain)
	merge := s.fn.NewBlock(BlockPlain)

	if isAnd {
		// true -> evaluate right; false -> result is left (false)
		condBlock.AddEdgeTo(evalRight)
		condBlock.AddEdgeTo(merge)
	} else {
		// true -> result is left (true); false -> evaluate right
		condBlock.AddEdgeTo(merge)
		condBlock.AddEdgeTo(evalRight)
	}
	s.sealed[evalRight] = true

	s.cur = evalRight
	right, err := s.genTree(n.Args[1])
	if err != nil {
		return err
	}
	// genTree may itself have split control flow; the edge into merge
	// comes from whatever block is current now.
	s.cur.Kind = BlockPlain
	s.cur.AddEdgeTo(merge)
	s.sealed[merge] = true

	s.cur = merge
	phi := s.fn.newValueInto(merge, OpPhi, TypeBool, n.Pos)
	// Phi args in predecessor order: merge.Preds[0] is the condBlock
	// edge, merge.Preds[1] the eval-right edge.
	phi.AddArg(left)
	phi.AddArg(right)
	s.nodeVal[ni] = phi
	return nil
}

// emitEdge connects the current block to the sibling of IR block "to",
// sealing the target once its last incoming edge arrives.
func (s *ssaBuilder) emitEdge(to int) {
	target := s.sibling[to]
	s.cur.AddEdgeTo(target)
	s.predDone[to]++
	if s.predDone[to] == s.predTotal[to] {
		s.seal(target)
	}
}

// === Variable versioning ===

func (s *ssaBuilder) blockDef(local int, b *Block) (*Value, bool) {
	v, ok := s.defs[local][b]
	return v, ok
}

func (s *ssaBuilder) writeVar(local int, b *Block, v *Value) {
	s.defs[local][b] = v
}

// readVar resolves the current definition of a local in block b,
// inserting phis as needed.
func (s *ssaBuilder) readVar(local int, b *Block) *Value {
	if v, ok := s.defs[local][b]; ok {
		return v
	}
	return s.readVarRecursive(local, b)
}

func (s *ssaBuilder) readVarRecursive(local int, b *Block) *Value {
	var v *Value
	if !s.sealed[b] {
		// Incomplete phi: args filled when the block seals.
		v = s.newPhi(b, s.ir.Locals[local].Type)
		m := s.incomplete[b]
		if m == nil {
			m = make(map[int]*Value)
			s.incomplete[b] = m
		}
		m[local] = v
	} else if len(b.Preds) == 1 {
		v = s.readVar(local, b.Preds[0].b)
	} else {
		v = s.newPhi(b, s.ir.Locals[local].Type)
		s.writeVar(local, b, v)
		v = s.addPhiOperands(local, v)
	}
	s.writeVar(local, b, v)
	return v
}

// newPhi prepends a phi to b.
func (s *ssaBuilder) newPhi(b *Block, t TypeID) *Value {
	v := &Value{ID: s.fn.vid, Op: OpPhi, Type: t, Block: b}
	s.fn.vid++
	b.Values = append(b.Values, nil)
	copy(b.Values[1:], b.Values)
	b.Values[0] = v
	return v
}

// addPhiOperands appends one arg per predecessor, in edge order, then
// attempts trivial-phi removal.
func (s *ssaBuilder) addPhiOperands(local int, phi *Value) *Value {
	for _, e := range phi.Block.Preds {
		phi.AddArg(s.readVar(local, e.b))
	}
	return s.tryRemoveTrivialPhi(phi)
}

// seal fixes b's predecessor list and completes its pending phis, in
// local order so value numbering stays deterministic.
func (s *ssaBuilder) seal(b *Block) {
	pending := s.incomplete[b]
	locals := make([]int, 0, len(pending))
	for l := range pending {
		locals = append(locals, l)
	}
	sort.Ints(locals)
	for _, l := range locals {
		s.addPhiOperands(l, pending[l])
	}
	delete(s.incomplete, b)
	s.sealed[b] = true
}

// tryRemoveTrivialPhi replaces a phi whose args are all the same value
// (or the phi itself) with that value, rewriting all existing uses.
// Users that are themselves phis are re-checked recursively.
func (s *ssaBuilder) tryRemoveTrivialPhi(phi *Value) *Value {
	var same *Value
	for _, a := range phi.Args {
		if a == same || a == phi {
			continue
		}
		if same != nil {
			return phi // not trivial: merges at least two values
		}
		same = a
	}
	if same == nil {
		// Phi references only itself; only possible in unreachable
		// code. Leave it for layout to drop.
		return phi
	}

	// Collect phi users before rewriting.
	var phiUsers []*Value
	for _, b := range s.fn.Blocks {
		for _, v := range b.Values {
			if v == phi || v.Op != OpPhi {
				continue
			}
			for _, a := range v.Args {
				if a == phi {
					phiUsers = append(phiUsers, v)
					break
				}
			}
		}
	}

	s.fn.ReplaceUses(phi, same)
	for local := range s.defs {
		for b, d := range s.defs[local] {
			if d == phi {
				s.defs[local][b] = same
			}
		}
	}
	for _, m := range s.incomplete {
		for local, p := range m {
			if p == phi {
				m[local] = same
			}
		}
	}
	phi.copyOf(same)

	for _, u := range phiUsers {
		s.tryRemoveTrivialPhi(u)
	}
	return same
}

// removeTrivialPhis runs trivial-phi removal to a fixed point over the
// whole function.
func (s *ssaBuilder) removeTrivialPhis() {
	for {
		changed := false
		for _, b := range s.fn.Blocks {
			for _, v := range b.Values {
				if v.Op != OpPhi {
					continue
				}
				if s.tryRemoveTrivialPhi(v) != v {
					changed = true
				}
			}
		}
		if !changed {
			return
		}
	}
}
