package main

// === Register allocator (C6) ===
// Linear scan over blocks in reverse postorder. Each value that needs a
// register is, at every use site, either in an acceptable register or
// reloadable from a known spill slot (or rematerialized when cheap).
// Spill selection picks the resident value whose next use is farthest
// in the future, read from the liveness use lists. Register state is
// reconciled across merge edges by parallel copies in the shuffle
// phase; phi allocation itself only decides registers and start-state,
// all movement happens on the edges.

// RegMask is a set of machine registers.
type RegMask uint32

const maxDist = int32(0x7fffffff)

// allocOrder lists allocatable registers in preference order:
// caller-saved first, then the allocatable callee-saved range.
var allocOrder = []int8{0, 1, 2, 3, 4, 5, 6, 7, 9, 10, 11, 12, 13, 14, 15,
	19, 20, 21, 22, 23, 24, 25}

var allocatableMask = func() RegMask {
	var m RegMask
	for _, r := range allocOrder {
		m |= 1 << uint(r)
	}
	return m
}()

// callerSavedMask covers x0-x15; calls clobber all of them.
const callerSavedMask = RegMask(0xFFFF)

// calleeSavedAllocMask is the allocatable callee-saved range x19-x25.
const calleeSavedAllocMask = RegMask(0x3F80000)

// valState is the allocator's per-original-value state.
type valState struct {
	regs      RegMask // registers currently holding the value
	spill     *Value  // lazily created store_reg, initially unplaced
	spillUsed bool
}

type regAllocState struct {
	f  *Func
	lv *Liveness
	tr *Tracer

	vals map[ID]*valState
	// origOf maps copies/reloads/remat clones back to the value whose
	// content they carry.
	origOf map[ID]*Value
	home   map[ID]int8

	// Register state for the block being processed.
	regs     [32]*Value // original value held, or nil
	concrete [32]*Value // concrete value whose def put it there

	startRegs     map[*Block]map[int8]*Value
	endRegs       map[*Block]map[int8]*Value
	endConcrete   map[*Block]map[int8]*Value
	primaryPredOf map[*Block]*Block

	uses     map[*Value]*Use
	nextCall []int32
	cur      *Block
	out      []*Value
}

// regalloc allocates registers for f, rewriting it in place: copies,
// reloads and spills become real values and every remaining value that
// needs a register has one recorded in f.RegOf.
func regalloc(f *Func, tr *Tracer) error {
	s := &regAllocState{
		f:             f,
		lv:            computeLiveness(f),
		tr:            tr,
		vals:          make(map[ID]*valState),
		origOf:        make(map[ID]*Value),
		home:          make(map[ID]int8),
		startRegs:     make(map[*Block]map[int8]*Value),
		endRegs:       make(map[*Block]map[int8]*Value),
		endConcrete:   make(map[*Block]map[int8]*Value),
		primaryPredOf: make(map[*Block]*Block),
	}
	for _, b := range f.Blocks {
		if err := s.processBlock(b); err != nil {
			return err
		}
	}
	if err := s.shuffle(); err != nil {
		return err
	}
	s.placeSpills()

	f.RegOf = make(map[ID]int8, len(s.home))
	for id, r := range s.home {
		f.RegOf[id] = r
	}
	return nil
}

func (s *regAllocState) orig(v *Value) *Value {
	if o, ok := s.origOf[v.ID]; ok {
		return o
	}
	return v
}

func (s *regAllocState) state(v *Value) *valState {
	vs := s.vals[v.ID]
	if vs == nil {
		vs = &valState{}
		s.vals[v.ID] = vs
	}
	return vs
}

func (s *regAllocState) setReg(r int8, orig, concrete *Value) {
	if old := s.regs[r]; old != nil {
		s.state(old).regs &^= 1 << uint(r)
	}
	s.regs[r] = orig
	s.concrete[r] = concrete
	s.state(orig).regs |= 1 << uint(r)
	s.home[concrete.ID] = r
	if calleeSavedAllocMask&(1<<uint(r)) != 0 {
		s.f.UsedCalleeSaves |= 1 << uint(r)
	}
}

func (s *regAllocState) freeReg(r int8) {
	if v := s.regs[r]; v != nil {
		s.state(v).regs &^= 1 << uint(r)
	}
	s.regs[r] = nil
	s.concrete[r] = nil
}

func (s *regAllocState) freeValue(v *Value) {
	vs := s.state(v)
	for r := int8(0); r < 32; r++ {
		if vs.regs&(1<<uint(r)) != 0 {
			s.regs[r] = nil
			s.concrete[r] = nil
		}
	}
	vs.regs = 0
}

// someReg returns a register currently holding v, or -1.
func (s *regAllocState) someReg(v *Value) int8 {
	vs := s.vals[v.ID]
	if vs == nil || vs.regs == 0 {
		return -1
	}
	for r := int8(0); r < 32; r++ {
		if vs.regs&(1<<uint(r)) != 0 {
			return r
		}
	}
	return -1
}

// ensureSpill creates the value's store_reg lazily. Rematerializable
// values never spill; they are recomputed at the next use.
func (s *regAllocState) ensureSpill(v *Value) {
	if v.Op.isRemat() {
		return
	}
	vs := s.state(v)
	if vs.spill != nil {
		return
	}
	sp := &Value{ID: s.f.vid, Op: OpStoreReg, Type: v.Type, Pos: v.Pos}
	s.f.vid++
	sp.AddArg(v)
	vs.spill = sp
}

// allocReg picks a free register from mask, excluding used. When none
// is free it spills the resident value whose next use is farthest.
func (s *regAllocState) allocReg(mask, used RegMask, pos int32) (int8, error) {
	mask &= allocatableMask &^ used
	for _, r := range allocOrder {
		if mask&(1<<uint(r)) != 0 && s.regs[r] == nil {
			return r, nil
		}
	}
	// Farthest-next-use eviction. A value whose next use lies strictly
	// after the next call is preferred: the call clobbers every
	// caller-save anyway, so its register is reclaimed for free.
	nc := maxDist
	if int(pos) >= 0 && int(pos) < len(s.nextCall) {
		nc = s.nextCall[pos]
	}
	best := int8(-1)
	bestScore := int64(-1)
	for _, r := range allocOrder {
		if mask&(1<<uint(r)) == 0 {
			continue
		}
		v := s.regs[r]
		if v == nil {
			continue
		}
		d := nextUseDist(s.uses, v, pos-1)
		score := int64(d)
		if d != maxDist && nc != maxDist && d > nc && callerSavedMask&(1<<uint(r)) != 0 {
			score += int64(maxDist)
		}
		if score > bestScore {
			bestScore = score
			best = r
		}
	}
	if best < 0 {
		return 0, fatal(ErrRegallocOverconstrained, "regalloc", s.f.Name,
			"no register satisfies mask %#x at position %d", mask, pos)
	}
	evicted := s.regs[best]
	if nextUseDist(s.uses, evicted, pos-1) != maxDist || s.lv.LiveOut[s.cur][evicted.ID] != nil {
		s.ensureSpill(evicted)
	}
	s.freeReg(best)
	return best, nil
}

// insert appends a freshly created value to the rewritten block body.
func (s *regAllocState) insert(v *Value) {
	v.Block = s.cur
	s.out = append(s.out, v)
}

// makeReload materializes v into a register: a copy when v lives in
// another register, otherwise a reload from its spill slot, otherwise a
// rematerialization of its defining op.
func (s *regAllocState) makeReload(v *Value, used RegMask, pos int32) (*Value, error) {
	vs := s.state(v)
	var nv *Value
	switch {
	case vs.regs != 0:
		src := s.concrete[s.someReg(v)]
		nv = &Value{ID: s.f.vid, Op: OpCopy, Type: v.Type, Pos: v.Pos}
		s.f.vid++
		nv.AddArg(src)
	case vs.spill != nil:
		vs.spillUsed = true
		nv = &Value{ID: s.f.vid, Op: OpLoadReg, Type: v.Type, Pos: v.Pos}
		s.f.vid++
		nv.AddArg(vs.spill)
	case v.Op.isRemat():
		nv = &Value{ID: s.f.vid, Op: v.Op, Type: v.Type, AuxInt: v.AuxInt, Aux: v.Aux, Pos: v.Pos}
		s.f.vid++
	default:
		e := fatal(ErrRegallocOverconstrained, "regalloc", s.f.Name,
			"value v%d has no register, no spill and is not rematerializable", v.ID)
		e.ValueID = int(v.ID)
		return nil, e
	}
	r, err := s.allocReg(allocatableMask, used, pos)
	if err != nil {
		return nil, err
	}
	s.insert(nv)
	s.origOf[nv.ID] = v
	s.setReg(r, v, nv)
	return nv, nil
}

// ensureArgInReg makes sure user's argument i is register-resident,
// rewriting the arg to the concrete value providing it.
func (s *regAllocState) ensureArgInReg(user *Value, i int, used *RegMask, pos int32) error {
	a := s.orig(user.Args[i])
	if r := s.someReg(a); r >= 0 {
		user.SetArg(i, s.concrete[r])
		*used |= 1 << uint(r)
		return nil
	}
	nv, err := s.makeReload(a, *used, pos)
	if err != nil {
		return err
	}
	user.SetArg(i, nv)
	*used |= 1 << uint(s.home[nv.ID])
	return nil
}

// needsReg reports whether v's result occupies a register.
func needsReg(v *Value) bool {
	switch v.Op {
	case OpStore, OpStoreReg, OpStringMake, OpSliceMake, OpPhi:
		return false
	}
	if v.Type == TypeVoid {
		return false
	}
	if cmpFolded(v) {
		return false
	}
	return true
}

// cmpFolded reports whether a comparison is folded into its block's
// conditional branch instead of materializing a boolean.
func cmpFolded(v *Value) bool {
	return v.Op.isCompare() && v.Uses == 1 && v.Block.Kind == BlockIf && v.Block.Control == v
}

// retPseudo reports whether v is a two-word aggregate pseudo consumed
// only by the return; it takes no register itself.
func retPseudo(v *Value) bool {
	return (v.Op == OpStringMake || v.Op == OpSliceMake) &&
		v.Block.Kind == BlockRet && v.Block.Control == v
}

// processBlock allocates one block in schedule order.
func (s *regAllocState) processBlock(b *Block) error {
	s.cur = b
	s.uses, s.nextCall = s.blockUseLists(b)

	for r := range s.regs {
		s.regs[r] = nil
		s.concrete[r] = nil
	}
	for _, vs := range s.vals {
		vs.regs = 0
	}

	nPhis := 0
	for _, v := range b.Values {
		if v.Op != OpPhi {
			break
		}
		nPhis++
	}

	if b == s.f.Entry {
		s.bindEntryArgs(b)
	} else {
		s.inheritState(b)
	}
	if nPhis > 0 {
		if err := s.placePhis(b, nPhis); err != nil {
			return err
		}
	}

	// Record the required entry state for this block; edges that
	// disagree are reconciled by the shuffle phase.
	start := make(map[int8]*Value)
	for r := int8(0); r < 32; r++ {
		if v := s.regs[r]; v != nil {
			start[r] = v
		}
	}
	s.startRegs[b] = start

	s.out = make([]*Value, 0, len(b.Values))
	s.out = append(s.out, b.Values[:nPhis]...)

	for i := nPhis; i < len(b.Values); i++ {
		v := b.Values[i]
		pos := int32(i)
		if retPseudo(v) {
			s.out = append(s.out, v)
			continue
		}
		if v.Op == OpSelectN {
			// Homed when its call was processed.
			s.out = append(s.out, v)
			s.afterUse(v, pos)
			continue
		}
		if v.Op == OpArg && s.argInReg(v) {
			// Bound at entry; nothing to emit.
			s.out = append(s.out, v)
			s.afterUse(v, pos)
			continue
		}

		var used RegMask
		for ai := range v.Args {
			if err := s.ensureArgInReg(v, ai, &used, pos); err != nil {
				return err
			}
		}
		for _, a := range v.Args {
			s.advanceAndFree(s.orig(a), pos)
		}

		if v.Op.isCall() {
			if err := s.processCall(v, pos); err != nil {
				return err
			}
			s.out = append(s.out, v)
			s.homeSelectNs(b, v)
			continue
		}

		if needsReg(v) {
			mask := allocatableMask
			if opcodeTable[v.Op].resultInArg0 {
				r := s.home[v.Args[0].ID]
				mask = 1 << uint(r)
				used &^= mask
			}
			r, err := s.allocReg(mask, used, pos)
			if err != nil {
				return err
			}
			s.setReg(r, v, v)
			s.afterUse(v, pos)
		}
		s.out = append(s.out, v)
	}

	if err := s.fixBlockEnd(b); err != nil {
		return err
	}

	b.Values = s.out

	end := make(map[int8]*Value)
	endC := make(map[int8]*Value)
	liveOut := s.lv.LiveOut[b]
	for r := int8(0); r < 32; r++ {
		v := s.regs[r]
		if v == nil {
			continue
		}
		if liveOut[v.ID] != nil || s.phiInputOnSomeEdge(b, v) {
			end[r] = v
			endC[r] = s.concrete[r]
		}
	}
	s.endRegs[b] = end
	s.endConcrete[b] = endC
	return nil
}

// argInReg reports whether an arg value's ABI slot is a register.
func (s *regAllocState) argInReg(v *Value) bool {
	param := int(v.AuxInt >> 1)
	return s.f.OwnABI.Params[param].InReg
}

// bindEntryArgs binds register parameters to their AAPCS64 registers.
func (s *regAllocState) bindEntryArgs(b *Block) {
	for _, v := range b.Values {
		if v.Op != OpArg {
			continue
		}
		param := int(v.AuxInt >> 1)
		half := int(v.AuxInt & 1)
		slot := s.f.OwnABI.Params[param]
		if !slot.InReg {
			continue
		}
		s.setReg(slot.Regs[half], v, v)
	}
}

// inheritState seeds the block's register state from its primary
// predecessor: for a single predecessor, its end state; for a merge,
// the processed predecessor with the largest useful overlap.
func (s *regAllocState) inheritState(b *Block) {
	liveIn := s.lv.LiveIn[b]
	var primary *Block
	bestScore := -1
	for _, e := range b.Preds {
		end, ok := s.endRegs[e.b]
		if !ok {
			continue
		}
		score := 0
		for _, v := range end {
			if liveIn[v.ID] != nil {
				score++
			}
		}
		if score > bestScore {
			bestScore = score
			primary = e.b
		}
	}
	if primary == nil {
		return
	}
	s.primaryPredOf[b] = primary
	for r, v := range s.endRegs[primary] {
		if liveIn[v.ID] != nil || s.phiArgOnEdgeFrom(b, primary, v) {
			s.setReg(r, v, s.endConcrete[primary][r])
		}
	}
}

// phiArgOnEdgeFrom reports whether v feeds some phi of b along the
// edge from pred.
func (s *regAllocState) phiArgOnEdgeFrom(b, pred *Block, v *Value) bool {
	for i, e := range b.Preds {
		if e.b != pred {
			continue
		}
		for _, p := range b.Values {
			if p.Op != OpPhi {
				break
			}
			if s.orig(p.Args[i]) == v {
				return true
			}
		}
	}
	return false
}

func (s *regAllocState) phiInputOnSomeEdge(b *Block, v *Value) bool {
	for _, e := range b.Succs {
		for _, p := range e.b.Values {
			if p.Op != OpPhi {
				break
			}
			if s.orig(p.Args[e.i]) == v {
				return true
			}
		}
	}
	return false
}

// placePhis decides phi output registers in three passes and adjusts
// the block-entry state. No instructions are emitted here: every edge,
// including the primary one, is reconciled by the shuffle phase.
func (s *regAllocState) placePhis(b *Block, nPhis int) error {
	liveIn := s.lv.LiveIn[b]
	primary := s.primaryPredOf[b]
	primaryIdx := -1
	for i, e := range b.Preds {
		if e.b == primary {
			primaryIdx = i
			break
		}
	}
	phis := b.Values[:nPhis]
	assigned := make([]int8, nPhis)
	for i := range assigned {
		assigned[i] = -1
	}

	// Pass 1: a phi takes the register its primary-pred arg occupies
	// when that arg dies at the phi.
	if primaryIdx >= 0 {
		for i, p := range phis {
			a := s.orig(p.Args[primaryIdx])
			r := s.someReg(a)
			if r < 0 {
				continue
			}
			if liveIn[a.ID] != nil {
				continue // pass 2 relocates it first
			}
			s.freeReg(r)
			s.setReg(r, p, p)
			assigned[i] = r
		}
		// Pass 2: args still live past the phi move to a free register
		// before their register is handed to the phi.
		for i, p := range phis {
			if assigned[i] >= 0 {
				continue
			}
			a := s.orig(p.Args[primaryIdx])
			r := s.someReg(a)
			if r < 0 {
				continue
			}
			if liveIn[a.ID] != nil {
				nr := s.findFree(allocatableMask)
				if nr >= 0 {
					c := s.concrete[r]
					s.freeReg(r)
					s.setReg(nr, a, c)
				} else {
					s.ensureSpill(a)
					s.freeReg(r)
				}
			} else {
				s.freeReg(r)
			}
			s.setReg(r, p, p)
			assigned[i] = r
		}
	}
	// Pass 3: consensus with other predecessors' end states, then any
	// free register, then eviction.
	for i, p := range phis {
		if assigned[i] >= 0 {
			continue
		}
		r := int8(-1)
		for pi, e := range b.Preds {
			end, ok := s.endRegs[e.b]
			if !ok {
				continue
			}
			a := s.orig(p.Args[pi])
			for _, er := range allocOrder {
				if end[er] == a && s.regs[er] == nil {
					r = er
					break
				}
			}
			if r >= 0 {
				break
			}
		}
		if r < 0 {
			r = s.findFree(allocatableMask)
		}
		if r < 0 {
			var err error
			r, err = s.allocReg(allocatableMask, 0, 0)
			if err != nil {
				return err
			}
		}
		s.setReg(r, p, p)
		assigned[i] = r
	}
	return nil
}

func (s *regAllocState) findFree(mask RegMask) int8 {
	mask &= allocatableMask
	for _, r := range allocOrder {
		if mask&(1<<uint(r)) != 0 && s.regs[r] == nil {
			return r
		}
	}
	return -1
}

// afterUse drops register bindings of values with no remaining uses.
func (s *regAllocState) afterUse(v *Value, pos int32) {
	if nextUseDist(s.uses, v, pos) == maxDist && s.lv.LiveOut[s.cur][v.ID] == nil {
		s.freeValue(v)
	}
}

func (s *regAllocState) advanceAndFree(v *Value, pos int32) {
	advanceUses(s.uses, v, pos)
	s.afterUse(v, pos)
}

// processCall spills caller-saved residents that live across the call,
// then binds the call's result register.
func (s *regAllocState) processCall(v *Value, pos int32) error {
	for r := int8(0); r < 16; r++ {
		held := s.regs[r]
		if held == nil {
			continue
		}
		if nextUseDist(s.uses, held, pos) != maxDist || s.lv.LiveOut[s.cur][held.ID] != nil {
			// Next use lies after the clobber: reclaim the register,
			// keeping the value reachable through its spill slot.
			s.ensureSpill(held)
		}
		s.freeReg(r)
	}

	abi := s.f.callABI[v.ID]
	if abi != nil && abi.UsesHiddenRet {
		// The call value stands for the hidden-return buffer address,
		// materialized after the BL.
		r, err := s.allocReg(allocatableMask, 0, pos)
		if err != nil {
			return err
		}
		s.setReg(r, v, v)
		s.afterUse(v, pos)
		return nil
	}
	if v.Type != TypeVoid {
		k := s.f.Mod.Types.Kind(v.Type)
		if k != TyString && k != TySlice {
			s.setReg(0, v, v)
			s.afterUse(v, pos)
		}
	}
	return nil
}

// homeSelectNs binds the call's select_n extractors to their ABI result
// registers immediately, so nothing scheduled between the call and the
// extractors can claim those registers.
func (s *regAllocState) homeSelectNs(b *Block, call *Value) {
	for _, v := range b.Values {
		if v.Op != OpSelectN || len(v.Args) == 0 || v.Args[0] != call {
			continue
		}
		r := int8(v.AuxInt)
		s.setReg(r, v, v)
	}
}

// fixBlockEnd makes the control operands register-resident for the
// terminator: the return value (or the two words of an aggregate
// return), or a materialized branch condition.
func (s *regAllocState) fixBlockEnd(b *Block) error {
	c := b.Control
	if c == nil {
		return nil
	}
	pos := int32(len(b.Values))
	var used RegMask
	if retPseudo(c) {
		for ai := range c.Args {
			if err := s.ensureArgInReg(c, ai, &used, pos); err != nil {
				return err
			}
		}
		return nil
	}
	if cmpFolded(c) {
		// Args were placed at the compare's own position, which the
		// scheduler keeps adjacent to the terminator.
		return nil
	}
	o := s.orig(c)
	if s.someReg(o) < 0 {
		nv, err := s.makeReload(o, 0, pos)
		if err != nil {
			return err
		}
		b.SetControl(nv)
	} else if c != s.concrete[s.someReg(o)] {
		b.SetControl(s.concrete[s.someReg(o)])
	}
	return nil
}

// blockUseLists wraps Liveness.blockUses, redirecting the uses of a
// return pseudo to its component args at block end.
func (s *regAllocState) blockUseLists(b *Block) (map[*Value]*Use, []int32) {
	uses, nextCall := s.lv.blockUses(b)
	if c := b.Control; c != nil && retPseudo(c) {
		end := int32(len(b.Values))
		for _, a := range c.Args {
			ao := s.orig(a)
			uses[ao] = &Use{dist: end, pos: -1, next: uses[ao]}
		}
	}
	return uses, nextCall
}

// === Shuffle phase ===

// An edge move materializes one desired (register <- value) binding.
type edgeMove struct {
	dst int8
	val *Value // original value
}

// shuffle reconciles end and start register states on every CFG edge
// with parallel copies. Cycles break through the dedicated shuffle
// scratch register.
func (s *regAllocState) shuffle() error {
	for _, b := range s.f.Blocks {
		for pi, e := range b.Preds {
			if err := s.shuffleEdge(e.b, b, pi); err != nil {
				return err
			}
		}
	}
	return nil
}

func (s *regAllocState) shuffleEdge(p, b *Block, predIdx int) error {
	desired := make([]edgeMove, 0, 8)
	for r, v := range s.startRegs[b] {
		want := v
		if v.Op == OpPhi && v.Block == b {
			want = s.orig(v.Args[predIdx])
		}
		desired = append(desired, edgeMove{r, want})
	}
	// Stable order for determinism.
	for i := 1; i < len(desired); i++ {
		for j := i; j > 0 && desired[j].dst < desired[j-1].dst; j-- {
			desired[j], desired[j-1] = desired[j-1], desired[j]
		}
	}

	cur := make(map[int8]*Value)
	curC := make(map[int8]*Value)
	for r, v := range s.endRegs[p] {
		cur[r] = v
		curC[r] = s.endConcrete[p][r]
	}
	loc := make(map[ID]int8)
	for r, v := range cur {
		loc[v.ID] = r
	}

	pending := desired[:0]
	for _, m := range desired {
		if cur[m.dst] != m.val {
			pending = append(pending, m)
		}
	}
	if len(pending) == 0 {
		return nil
	}
	if len(p.Succs) != 1 {
		e := fatal(ErrSSAInvariant, "shuffle", s.f.Name,
			"edge b%d->b%d needs moves but b%d has %d successors",
			p.ID, b.ID, p.ID, len(p.Succs))
		e.BlockID = int(p.ID)
		return e
	}

	emit := func(m edgeMove) error {
		var nv *Value
		if r, ok := loc[m.val.ID]; ok {
			nv = &Value{ID: s.f.vid, Op: OpCopy, Type: m.val.Type, Pos: m.val.Pos}
			s.f.vid++
			nv.AddArg(curC[r])
		} else if vs := s.vals[m.val.ID]; vs != nil && vs.spill != nil {
			vs.spillUsed = true
			nv = &Value{ID: s.f.vid, Op: OpLoadReg, Type: m.val.Type, Pos: m.val.Pos}
			s.f.vid++
			nv.AddArg(vs.spill)
		} else if m.val.Op.isRemat() {
			// Rematerialize on the edge.
			nv = &Value{ID: s.f.vid, Op: m.val.Op, Type: m.val.Type,
				AuxInt: m.val.AuxInt, Aux: m.val.Aux, Pos: m.val.Pos}
			s.f.vid++
		} else {
			e := fatal(ErrRegallocOverconstrained, "shuffle", s.f.Name,
				"value v%d reaches edge b%d->b%d with no location", m.val.ID, p.ID, b.ID)
			e.ValueID = int(m.val.ID)
			return e
		}
		nv.Block = p
		p.Values = append(p.Values, nv)
		s.origOf[nv.ID] = m.val
		s.home[nv.ID] = m.dst
		if calleeSavedAllocMask&(1<<uint(m.dst)) != 0 {
			s.f.UsedCalleeSaves |= 1 << uint(m.dst)
		}
		cur[m.dst] = m.val
		curC[m.dst] = nv
		loc[m.val.ID] = m.dst
		return nil
	}

	for len(pending) > 0 {
		progress := false
		rest := pending[:0]
		for _, m := range pending {
			// A move is blocked while some other pending move still
			// reads its destination register.
			blocked := false
			for _, o := range pending {
				if o.dst == m.dst {
					continue
				}
				if r, ok := loc[o.val.ID]; ok && r == m.dst {
					blocked = true
					break
				}
			}
			if blocked {
				rest = append(rest, m)
				continue
			}
			if res := cur[m.dst]; res != nil {
				if r, ok := loc[res.ID]; ok && r == m.dst {
					delete(loc, res.ID)
				}
			}
			if err := emit(m); err != nil {
				return err
			}
			progress = true
		}
		pending = rest
		if !progress && len(pending) > 0 {
			// A cycle: park the blocker in the shuffle scratch.
			m := pending[0]
			res := cur[m.dst]
			nv := &Value{ID: s.f.vid, Op: OpCopy, Type: res.Type, Pos: res.Pos}
			s.f.vid++
			nv.AddArg(curC[m.dst])
			nv.Block = p
			p.Values = append(p.Values, nv)
			s.origOf[nv.ID] = res
			s.home[nv.ID] = shuffleReg
			cur[shuffleReg] = res
			curC[shuffleReg] = nv
			loc[res.ID] = shuffleReg
			delete(cur, m.dst)
		}
	}
	return nil
}

// placeSpills drops unused spills and inserts the used ones into their
// definition blocks, immediately after the defining value (after the
// phis, for phi definitions).
func (s *regAllocState) placeSpills() {
	for _, vs := range s.vals {
		sp := vs.spill
		if sp == nil {
			continue
		}
		if !vs.spillUsed {
			sp.ResetArgs()
			vs.spill = nil
			continue
		}
		def := sp.Args[0]
		b := def.Block
		idx := -1
		for i, v := range b.Values {
			if v == def {
				idx = i
				break
			}
		}
		if idx < 0 {
			// Definition vanished; spill is unreachable.
			sp.ResetArgs()
			vs.spill = nil
			continue
		}
		if def.Op == OpPhi {
			for idx+1 < len(b.Values) && b.Values[idx+1].Op == OpPhi {
				idx++
			}
		}
		sp.Block = b
		b.Values = append(b.Values, nil)
		copy(b.Values[idx+2:], b.Values[idx+1:])
		b.Values[idx+1] = sp
	}
}
