package main

import (
	"fmt"
	"strings"
)

// === SSA form ===
// Values and blocks are Go objects linked by pointers; IDs stay dense
// for deterministic ordering and map keys. Every argument mutation goes
// through AddArg/SetArg/ResetArgs so use counts always equal the number
// of live arg edges.

// ID numbers values and blocks densely within one function.
type ID int32

// Op is the SSA operation vocabulary.
type Op int

const (
	OpInvalid Op = iota

	// Constants
	OpConstInt
	OpConstBool
	OpConstNil
	OpConstFloat
	OpConstString // AuxInt = string literal handle

	// Arithmetic
	OpAdd
	OpSub
	OpMul
	OpSdiv
	OpUdiv
	OpSmod
	OpNeg

	// Bitwise
	OpBand
	OpBor
	OpBxor
	OpBnot
	OpShl
	OpShr
	OpAshr

	// Logical
	OpNot

	// Comparisons
	OpEq
	OpNe
	OpSlt
	OpSle
	OpSgt
	OpSge
	OpUlt
	OpUle

	// Memory
	OpLoad     // AuxInt = byte offset folded from OffPtr
	OpStore    // args: addr, value; AuxInt = byte offset
	OpLoadReg  // reload from spill slot; args: the StoreReg value
	OpStoreReg // spill to slot; args: the spilled value
	OpCopy

	// Addresses
	OpLocalAddr  // AuxInt = local index
	OpGlobalAddr // Aux = symbol name
	OpOffPtr     // args: ptr; AuxInt = byte offset
	OpAddPtr     // args: ptr, index; AuxInt = element size
	OpFieldValue // args: base addr; AuxInt = offset (pre-lower form)
	OpIndexValue // args: base addr, index; AuxInt = element size

	// Aggregates
	OpSliceMake
	OpSlicePtr
	OpSliceLen
	OpStringMake
	OpStringPtr
	OpStringLen

	// Calls
	OpStaticCall  // Aux = callee name
	OpClosureCall // args[0] = code pointer, rest = args
	OpSelectN     // AuxInt = result slot index; args: the call

	// Control
	OpPhi
	OpArg    // AuxInt = parameter index<<1 | half (see argAuxInt)
	OpSelect // ternary: args: cond, a, b

	// Lowered arch forms (produced by the lower pass)
	OpAddImm  // args: x; AuxInt = imm
	OpSubImm  // args: x; AuxInt = imm
	OpShlImm  // args: x; AuxInt = shift
	OpShrImm  // args: x; AuxInt = shift
	OpAshrImm // args: x; AuxInt = shift

	opCount
)

// opInfo is the per-op metadata table entry.
type opInfo struct {
	name         string
	argLen       int // -1 = variadic
	commutative  bool
	resultInArg0 bool
	call         bool
	remat        bool
	sideEffect   bool
}

var opcodeTable = [opCount]opInfo{
	OpInvalid:     {name: "invalid"},
	OpConstInt:    {name: "const_int", argLen: 0, remat: true},
	OpConstBool:   {name: "const_bool", argLen: 0, remat: true},
	OpConstNil:    {name: "const_nil", argLen: 0, remat: true},
	OpConstFloat:  {name: "const_float", argLen: 0, remat: true},
	OpConstString: {name: "const_string", argLen: 0},
	OpAdd:         {name: "add", argLen: 2, commutative: true},
	OpSub:         {name: "sub", argLen: 2},
	OpMul:         {name: "mul", argLen: 2, commutative: true},
	OpSdiv:        {name: "sdiv", argLen: 2},
	OpUdiv:        {name: "udiv", argLen: 2},
	OpSmod:        {name: "smod", argLen: 2},
	OpNeg:         {name: "neg", argLen: 1},
	OpBand:        {name: "band", argLen: 2, commutative: true},
	OpBor:         {name: "bor", argLen: 2, commutative: true},
	OpBxor:        {name: "bxor", argLen: 2, commutative: true},
	OpBnot:        {name: "bnot", argLen: 1},
	OpShl:         {name: "shl", argLen: 2},
	OpShr:         {name: "shr", argLen: 2},
	OpAshr:        {name: "ashr", argLen: 2},
	OpNot:         {name: "not", argLen: 1},
	OpEq:          {name: "eq", argLen: 2, commutative: true},
	OpNe:          {name: "ne", argLen: 2, commutative: true},
	OpSlt:         {name: "slt", argLen: 2},
	OpSle:         {name: "sle", argLen: 2},
	OpSgt:         {name: "sgt", argLen: 2},
	OpSge:         {name: "sge", argLen: 2},
	OpUlt:         {name: "ult", argLen: 2},
	OpUle:         {name: "ule", argLen: 2},
	OpLoad:        {name: "load", argLen: 1},
	OpStore:       {name: "store", argLen: 2, sideEffect: true},
	OpLoadReg:     {name: "load_reg", argLen: 1},
	OpStoreReg:    {name: "store_reg", argLen: 1, sideEffect: true},
	OpCopy:        {name: "copy", argLen: 1},
	OpLocalAddr:   {name: "local_addr", argLen: 0, remat: true},
	OpGlobalAddr:  {name: "global_addr", argLen: 0, remat: true},
	OpOffPtr:      {name: "off_ptr", argLen: 1},
	OpAddPtr:      {name: "add_ptr", argLen: 2},
	OpFieldValue:  {name: "field_value", argLen: 1},
	OpIndexValue:  {name: "index_value", argLen: 2},
	OpSliceMake:   {name: "slice_make", argLen: 2},
	OpSlicePtr:    {name: "slice_ptr", argLen: 1},
	OpSliceLen:    {name: "slice_len", argLen: 1},
	OpStringMake:  {name: "string_make", argLen: 2},
	OpStringPtr:   {name: "string_ptr", argLen: 1},
	OpStringLen:   {name: "string_len", argLen: 1},
	OpStaticCall:  {name: "static_call", argLen: -1, call: true, sideEffect: true},
	OpClosureCall: {name: "closure_call", argLen: -1, call: true, sideEffect: true},
	OpSelectN:     {name: "select_n", argLen: 1},
	OpPhi:         {name: "phi", argLen: -1},
	OpArg:         {name: "arg", argLen: 0},
	OpSelect:      {name: "select", argLen: 3},
	OpAddImm:      {name: "add_imm", argLen: 1},
	OpSubImm:      {name: "sub_imm", argLen: 1},
	OpShlImm:      {name: "shl_imm", argLen: 1},
	OpShrImm:      {name: "shr_imm", argLen: 1},
	OpAshrImm:     {name: "ashr_imm", argLen: 1},
}

func (o Op) String() string { return opcodeTable[o].name }

// isCall reports whether o clobbers caller-save registers.
func (o Op) isCall() bool { return opcodeTable[o].call }

// isRemat reports whether o is cheap to recompute instead of spilling.
func (o Op) isRemat() bool { return opcodeTable[o].remat }

// hasSideEffects reports whether o must never be dead-code eliminated.
func (o Op) hasSideEffects() bool { return opcodeTable[o].sideEffect }

// isCompare reports whether o produces a condition-codes-foldable bool.
func (o Op) isCompare() bool {
	return o >= OpEq && o <= OpUle
}

// Value is one SSA value.
type Value struct {
	ID     ID
	Op     Op
	Type   TypeID
	Args   []*Value
	AuxInt int64
	Aux    string
	Block  *Block
	Pos    Span

	// Uses must exactly equal the number of live arg edges (including
	// block control edges) pointing at this value.
	Uses int32
}

// AddArg appends w to v's arguments, bumping w's use count.
func (v *Value) AddArg(w *Value) {
	v.Args = append(v.Args, w)
	w.Uses++
}

// SetArg replaces argument i, keeping use counts consistent.
func (v *Value) SetArg(i int, w *Value) {
	v.Args[i].Uses--
	v.Args[i] = w
	w.Uses++
}

// ResetArgs drops all arguments, decrementing their use counts.
func (v *Value) ResetArgs() {
	for _, a := range v.Args {
		a.Uses--
	}
	v.Args = v.Args[:0]
}

// copyOf turns v into a copy of w in place, releasing v's old args.
func (v *Value) copyOf(w *Value) {
	v.ResetArgs()
	v.Op = OpCopy
	v.AuxInt = 0
	v.Aux = ""
	v.AddArg(w)
}

func (v *Value) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "v%d = %s", v.ID, v.Op)
	for _, a := range v.Args {
		fmt.Fprintf(&sb, " v%d", a.ID)
	}
	if v.AuxInt != 0 || v.Op == OpConstInt || v.Op == OpConstBool {
		fmt.Fprintf(&sb, " [%d]", v.AuxInt)
	}
	if v.Aux != "" {
		fmt.Fprintf(&sb, " {%s}", v.Aux)
	}
	return sb.String()
}

// BlockKind classifies a block's terminator.
type BlockKind int8

const (
	BlockPlain BlockKind = iota // one successor
	BlockIf                     // two successors, Control = condition
	BlockRet                    // no successors, Control = optional return value
	BlockExit                   // no successors, no control
)

// Edge is one side of a bidirectional CFG edge. For e in b.Succs,
// e.b.Preds[e.i].b == b, and symmetrically for Preds.
type Edge struct {
	b *Block
	i int
}

// Block returns the target block of the edge.
func (e Edge) Block() *Block { return e.b }

// Block is one SSA basic block.
type Block struct {
	ID      ID
	Kind    BlockKind
	Func    *Func
	Values  []*Value
	Succs   []Edge
	Preds   []Edge
	Control *Value
}

// AddEdgeTo adds a bidirectional edge b -> c.
func (b *Block) AddEdgeTo(c *Block) {
	i := len(b.Succs)
	j := len(c.Preds)
	b.Succs = append(b.Succs, Edge{c, j})
	c.Preds = append(c.Preds, Edge{b, i})
}

// SetControl sets the block's control value, adjusting use counts.
func (b *Block) SetControl(v *Value) {
	if b.Control != nil {
		b.Control.Uses--
	}
	b.Control = v
	if v != nil {
		v.Uses++
	}
}

// removeSucc deletes successor edge i, patching the peer indices.
func (b *Block) removeSucc(i int) {
	e := b.Succs[i]
	last := len(b.Succs) - 1
	if i != last {
		moved := b.Succs[last]
		b.Succs[i] = moved
		moved.b.Preds[moved.i].i = i
	}
	b.Succs = b.Succs[:last]
	// Remove the reverse edge.
	p := e.b
	lastP := len(p.Preds) - 1
	if e.i != lastP {
		moved := p.Preds[lastP]
		p.Preds[e.i] = moved
		moved.b.Succs[moved.i].i = e.i
	}
	p.Preds = p.Preds[:lastP]
}

func (b *Block) String() string { return fmt.Sprintf("b%d", b.ID) }

// Func is one function in SSA form.
type Func struct {
	Name   string
	Type   TypeID
	Mod    *IRModule
	Entry  *Block
	Blocks []*Block

	Scheduled bool
	LaidOut   bool

	// RetSize drives the hidden-return decision for this function.
	RetSize int

	vid ID
	bid ID

	constCache map[constKey]*Value

	// ABI records per call value, filled by expandCalls.
	callABI map[ID]*ABIInfo
	// OwnABI describes this function's own signature.
	OwnABI *ABIInfo
	// hiddenRetCalls lists call value IDs that need frame buffers.
	hiddenRetCalls []ID

	// RegOf is the regalloc output: assigned register per value ID.
	RegOf map[ID]int8
	// UsedCalleeSaves tracks callee-saved registers the allocator
	// handed out; the prologue saves exactly these.
	UsedCalleeSaves RegMask
}

type constKey struct {
	t TypeID
	c int64
}

// NewFunc creates an empty SSA function over mod's registry.
func NewFunc(name string, sig TypeID, mod *IRModule) *Func {
	return &Func{
		Name:       name,
		Type:       sig,
		Mod:        mod,
		constCache: make(map[constKey]*Value),
		callABI:    make(map[ID]*ABIInfo),
	}
}

// NewBlock appends a new block of the given kind.
func (f *Func) NewBlock(kind BlockKind) *Block {
	b := &Block{ID: f.bid, Kind: kind, Func: f}
	f.bid++
	f.Blocks = append(f.Blocks, b)
	return b
}

// newValueInto creates a value owned by block b.
func (f *Func) newValueInto(b *Block, op Op, t TypeID, pos Span) *Value {
	v := &Value{ID: f.vid, Op: op, Type: t, Block: b, Pos: pos}
	f.vid++
	b.Values = append(b.Values, v)
	return v
}

// newValueBefore creates a value in b placed immediately before ref,
// for passes that must keep memory operations in program order.
func (f *Func) newValueBefore(b *Block, ref *Value, op Op, t TypeID, pos Span) *Value {
	v := &Value{ID: f.vid, Op: op, Type: t, Block: b, Pos: pos}
	f.vid++
	idx := len(b.Values)
	for i, w := range b.Values {
		if w == ref {
			idx = i
			break
		}
	}
	b.Values = append(b.Values, nil)
	copy(b.Values[idx+1:], b.Values[idx:])
	b.Values[idx] = v
	return v
}

// NumValues returns the value ID ceiling.
func (f *Func) NumValues() int { return int(f.vid) }

// ConstInt returns the canonical constant value for (t, c). Constants
// live in the entry block.
func (f *Func) ConstInt(t TypeID, c int64) *Value {
	k := constKey{t, c}
	if v, ok := f.constCache[k]; ok {
		return v
	}
	v := f.newValueInto(f.Entry, OpConstInt, t, Span{})
	v.AuxInt = c
	f.constCache[k] = v
	return v
}

// ConstBool returns the canonical bool constant.
func (f *Func) ConstBool(c bool) *Value {
	n := int64(0)
	if c {
		n = 1
	}
	k := constKey{TypeBool, n + 2} // offset to keep bools apart from ints
	if v, ok := f.constCache[k]; ok {
		return v
	}
	v := f.newValueInto(f.Entry, OpConstBool, TypeBool, Span{})
	v.AuxInt = n
	f.constCache[k] = v
	return v
}

// invalidateConst drops v from the constant cache (used when deadcode
// removes an unused canonical constant).
func (f *Func) invalidateConst(v *Value) {
	switch v.Op {
	case OpConstInt:
		delete(f.constCache, constKey{v.Type, v.AuxInt})
	case OpConstBool:
		delete(f.constCache, constKey{TypeBool, v.AuxInt + 2})
	}
}

// ReplaceUses rewrites every use of old to new across the function,
// including phi args and block controls.
func (f *Func) ReplaceUses(old, new *Value) {
	for _, b := range f.Blocks {
		for _, v := range b.Values {
			for i, a := range v.Args {
				if a == old {
					v.SetArg(i, new)
				}
			}
		}
		if b.Control == old {
			b.SetControl(new)
		}
	}
}

// postorder returns blocks in postorder from the entry.
func (f *Func) postorder() []*Block {
	seen := make([]bool, f.bid)
	var order []*Block
	var walk func(b *Block)
	walk = func(b *Block) {
		seen[b.ID] = true
		for _, e := range b.Succs {
			if !seen[e.b.ID] {
				walk(e.b)
			}
		}
		order = append(order, b)
	}
	walk(f.Entry)
	return order
}

// ReversePostorder returns blocks in reverse postorder from the entry.
func (f *Func) ReversePostorder() []*Block {
	po := f.postorder()
	for i, j := 0, len(po)-1; i < j; i, j = i+1, j-1 {
		po[i], po[j] = po[j], po[i]
	}
	return po
}

// layoutBlocks reorders f.Blocks into reverse postorder. Unreachable
// blocks are dropped.
func (f *Func) layoutBlocks() {
	rpo := f.ReversePostorder()
	reach := make(map[*Block]bool, len(rpo))
	for _, b := range rpo {
		reach[b] = true
	}
	for _, b := range f.Blocks {
		if !reach[b] {
			// Drop edges out of unreachable blocks so use counts and
			// pred lists stay consistent.
			for len(b.Succs) > 0 {
				b.removeSucc(0)
			}
			for _, v := range b.Values {
				v.ResetArgs()
			}
			b.SetControl(nil)
		}
	}
	f.Blocks = rpo
}

// String renders the function for tracing.
func (f *Func) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "func %s:\n", f.Name)
	for _, b := range f.Blocks {
		fmt.Fprintf(&sb, "  b%d: (kind=%d", b.ID, b.Kind)
		if len(b.Preds) > 0 {
			sb.WriteString(" preds=")
			for i, e := range b.Preds {
				if i > 0 {
					sb.WriteString(",")
				}
				fmt.Fprintf(&sb, "b%d", e.b.ID)
			}
		}
		sb.WriteString(")\n")
		for _, v := range b.Values {
			fmt.Fprintf(&sb, "    %s (uses=%d)\n", v, v.Uses)
		}
		if b.Control != nil {
			fmt.Fprintf(&sb, "    ctl: v%d\n", b.Control.ID)
		}
		if len(b.Succs) > 0 {
			sb.WriteString("    ->")
			for _, e := range b.Succs {
				fmt.Fprintf(&sb, " b%d", e.b.ID)
			}
			sb.WriteString("\n")
		}
	}
	return sb.String()
}

// === Verifier ===

// Check validates the SSA invariants: use counts, edge bidirectionality,
// phi arity, value ownership, and constant canonicalization.
func (f *Func) Check() error {
	counts := make(map[*Value]int32)
	owner := make(map[*Value]*Block)
	for _, b := range f.Blocks {
		for _, v := range b.Values {
			if prev, ok := owner[v]; ok {
				return fatal(ErrSSAInvariant, "verify", f.Name,
					"value v%d owned by both b%d and b%d", v.ID, prev.ID, b.ID)
			}
			owner[v] = b
		}
	}
	for _, b := range f.Blocks {
		for _, v := range b.Values {
			for _, a := range v.Args {
				counts[a]++
				if owner[a] == nil {
					return fatal(ErrSSAInvariant, "verify", f.Name,
						"v%d uses v%d which is not owned by any block", v.ID, a.ID)
				}
			}
			if v.Op == OpPhi && len(v.Args) != len(b.Preds) {
				e := fatal(ErrSSAInvariant, "verify", f.Name,
					"phi v%d has %d args, block b%d has %d preds", v.ID, len(v.Args), b.ID, len(b.Preds))
				e.ValueID = int(v.ID)
				e.BlockID = int(b.ID)
				return e
			}
		}
		if b.Control != nil {
			counts[b.Control]++
		}
		for i, e := range b.Succs {
			if e.b.Preds[e.i].b != b || e.b.Preds[e.i].i != i {
				e2 := fatal(ErrSSAInvariant, "verify", f.Name,
					"edge b%d->b%d is not bidirectional", b.ID, e.b.ID)
				e2.BlockID = int(b.ID)
				return e2
			}
		}
		for i, e := range b.Preds {
			if e.b.Succs[e.i].b != b || e.b.Succs[e.i].i != i {
				e2 := fatal(ErrSSAInvariant, "verify", f.Name,
					"pred edge b%d<-b%d is not bidirectional", b.ID, e.b.ID)
				e2.BlockID = int(b.ID)
				return e2
			}
		}
	}
	for _, b := range f.Blocks {
		for _, v := range b.Values {
			if counts[v] != v.Uses {
				e := fatal(ErrSSAUseCount, "verify", f.Name,
					"v%d has uses=%d but %d arg edges point at it", v.ID, v.Uses, counts[v])
				e.ValueID = int(v.ID)
				return e
			}
		}
	}
	// Constant cache canonicalization: one const_int per (type, aux).
	// Holds until allocation; rematerialization clones constants on
	// purpose afterwards.
	if f.RegOf != nil {
		return nil
	}
	seen := make(map[constKey]*Value)
	for _, b := range f.Blocks {
		for _, v := range b.Values {
			if v.Op != OpConstInt {
				continue
			}
			k := constKey{v.Type, v.AuxInt}
			if prev, ok := seen[k]; ok && prev != v {
				e := fatal(ErrSSAInvariant, "verify", f.Name,
					"const_int %d duplicated as v%d and v%d", v.AuxInt, prev.ID, v.ID)
				e.ValueID = int(v.ID)
				return e
			}
			seen[k] = v
		}
	}
	return nil
}
