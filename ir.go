package main

// === Flat typed IR (pre-SSA) ===
// The lowering phase builds this form function by function through the
// IRBuilder API. From SSA construction onward the IR is immutable: SSA
// values reference local IDs and string handles but never mutate it.

// NodeKind tags one IR node.
type NodeKind int

const (
	NInvalid NodeKind = iota
	NConstInt
	NConstBool
	NConstStr // string_header; AuxInt = string table handle
	NBinary   // AuxInt = binary operator (BinOp)
	NUnary    // AuxInt = unary operator (UnOp)
	NLoadLocal
	NStoreLocal // AuxInt = local, Args[0] = value
	NAddrLocal
	NAddrGlobal // Aux = global name
	NLoadGlobal // Aux = global name
	NStoreGlobal
	NFieldValue // Args[0] = base value, Off = field offset
	NFieldLocal // AuxInt = local, Off = field offset (address of field)
	NIndexLocal // AuxInt = local, Args[0] = index, Off = element size
	NLoad       // Args[0] = address
	NStore      // Args[0] = address, Args[1] = value
	NCall       // Aux = callee, Args = arguments
	NStrLen     // Args[0] = string value
	NRet        // Args = optional return value
	NJump       // To = target block
	NBranch     // Args[0] = condition, To = then block, Alt = else block
	NNop
)

// Binary operators carried in NBinary.AuxInt.
type BinOp int

const (
	BinAdd BinOp = iota
	BinSub
	BinMul
	BinDiv
	BinMod
	BinAnd // bitwise
	BinOr  // bitwise
	BinXor
	BinShl
	BinShr
	BinEq
	BinNe
	BinLt
	BinLe
	BinGt
	BinGe
	BinLogAnd // short-circuit and
	BinLogOr  // short-circuit or
	BinConcat // string +
)

// Unary operators carried in NUnary.AuxInt.
type UnOp int

const (
	UnNeg UnOp = iota
	UnNot
)

// Node is one tagged IR record in a function's node pool.
type Node struct {
	Kind   NodeKind
	Type   TypeID
	Pos    Span
	Args   []int // child node indices
	AuxInt int64 // constant payload / local index / operator
	Aux    string
	Off    int // field offset / element size
	To     int // jump/branch target block
	Alt    int // branch else block
}

// IRLocal is one slot in a function's local table. Params appear
// first, in declaration order.
type IRLocal struct {
	Name    string
	Type    TypeID
	Size    int
	IsParam bool
	// AddrTaken locals and aggregates live in memory; everything else
	// is versioned into SSA values.
	AddrTaken bool
	Offset    int // filled by the stack allocator
}

// IRBlock is an ordered sequence of node indices. Block IDs are dense
// from 0.
type IRBlock struct {
	ID    int
	Nodes []int
}

// IRFunc is one function's flat IR.
type IRFunc struct {
	Name   string
	Type   TypeID // function type in the registry
	Blocks []*IRBlock
	Nodes  []Node
	Locals []IRLocal
	Entry  int
	Pos    Span
}

// NumParams counts the leading param entries of the local table.
func (f *IRFunc) NumParams() int {
	n := 0
	for _, l := range f.Locals {
		if !l.IsParam {
			break
		}
		n++
	}
	return n
}

// IRGlobal is one module-level variable.
type IRGlobal struct {
	Name string
	Type TypeID
	Init int64
}

// IRModule holds all compiled IR plus the interned string literals.
type IRModule struct {
	Funcs   []*IRFunc
	Globals []IRGlobal
	Strings []string
	Types   *TypeRegistry

	stringIdx map[string]int
	funcIdx   map[string]int
}

// NewIRModule creates an empty module over a type registry.
func NewIRModule(reg *TypeRegistry) *IRModule {
	return &IRModule{
		Types:     reg,
		stringIdx: make(map[string]int),
		funcIdx:   make(map[string]int),
	}
}

// AddString interns a string literal and returns its handle.
func (m *IRModule) AddString(s string) int {
	if idx, ok := m.stringIdx[s]; ok {
		return idx
	}
	idx := len(m.Strings)
	m.Strings = append(m.Strings, s)
	m.stringIdx[s] = idx
	return idx
}

// FuncByName returns the named function.
func (m *IRModule) FuncByName(name string) *IRFunc {
	if i, ok := m.funcIdx[name]; ok {
		return m.Funcs[i]
	}
	return nil
}

// === IR Builder (C1) ===
// Mutation API used by AST lowering. Emitting a terminator does not
// close the current block; the caller switches blocks explicitly.

// IRBuilder accumulates one function at a time into a module.
type IRBuilder struct {
	Mod *IRModule
	fn  *IRFunc
	cur *IRBlock
}

// NewIRBuilder returns a builder over mod.
func NewIRBuilder(mod *IRModule) *IRBuilder {
	return &IRBuilder{Mod: mod}
}

// StartFunc begins a new function and makes a fresh entry block
// current. Params are added by the caller via AddLocal in declaration
// order, before any non-param local.
func (b *IRBuilder) StartFunc(name string, sig TypeID, pos Span) *IRFunc {
	b.fn = &IRFunc{Name: name, Type: sig, Pos: pos}
	b.Mod.funcIdx[name] = len(b.Mod.Funcs)
	b.Mod.Funcs = append(b.Mod.Funcs, b.fn)
	b.fn.Entry = b.NewBlock()
	b.SetBlock(b.fn.Entry)
	return b.fn
}

// Func returns the function under construction.
func (b *IRBuilder) Func() *IRFunc {
	return b.fn
}

// NewBlock appends a new empty block and returns its ID.
func (b *IRBuilder) NewBlock() int {
	blk := &IRBlock{ID: len(b.fn.Blocks)}
	b.fn.Blocks = append(b.fn.Blocks, blk)
	return blk.ID
}

// SetBlock makes block id current.
func (b *IRBuilder) SetBlock(id int) {
	b.cur = b.fn.Blocks[id]
}

// CurBlock returns the current block ID.
func (b *IRBuilder) CurBlock() int {
	return b.cur.ID
}

// AddLocal appends a local slot and returns its index.
func (b *IRBuilder) AddLocal(name string, t TypeID, isParam bool) int {
	idx := len(b.fn.Locals)
	b.fn.Locals = append(b.fn.Locals, IRLocal{
		Name:    name,
		Type:    t,
		Size:    b.Mod.Types.SizeOf(t),
		IsParam: isParam,
	})
	return idx
}

// emit appends a node to the pool and the current block.
func (b *IRBuilder) emit(n Node) int {
	idx := len(b.fn.Nodes)
	b.fn.Nodes = append(b.fn.Nodes, n)
	b.cur.Nodes = append(b.cur.Nodes, idx)
	return idx
}

// EmitConstInt emits an integer constant node.
func (b *IRBuilder) EmitConstInt(t TypeID, v int64, pos Span) int {
	return b.emit(Node{Kind: NConstInt, Type: t, AuxInt: v, Pos: pos})
}

// EmitConstBool emits a boolean constant node.
func (b *IRBuilder) EmitConstBool(v bool, pos Span) int {
	n := int64(0)
	if v {
		n = 1
	}
	return b.emit(Node{Kind: NConstBool, Type: TypeBool, AuxInt: n, Pos: pos})
}

// EmitConstStr emits a string literal node, interning the bytes.
func (b *IRBuilder) EmitConstStr(s string, pos Span) int {
	h := b.Mod.AddString(s)
	return b.emit(Node{Kind: NConstStr, Type: TypeString, AuxInt: int64(h), Pos: pos})
}

// EmitBinary emits a binary operation node.
func (b *IRBuilder) EmitBinary(op BinOp, t TypeID, lhs, rhs int, pos Span) int {
	return b.emit(Node{Kind: NBinary, Type: t, AuxInt: int64(op), Args: []int{lhs, rhs}, Pos: pos})
}

// EmitUnary emits a unary operation node.
func (b *IRBuilder) EmitUnary(op UnOp, t TypeID, operand int, pos Span) int {
	return b.emit(Node{Kind: NUnary, Type: t, AuxInt: int64(op), Args: []int{operand}, Pos: pos})
}

// EmitLoadLocal emits a read of local l.
func (b *IRBuilder) EmitLoadLocal(l int, pos Span) int {
	return b.emit(Node{Kind: NLoadLocal, Type: b.fn.Locals[l].Type, AuxInt: int64(l), Pos: pos})
}

// EmitStoreLocal emits a write of value node v to local l.
func (b *IRBuilder) EmitStoreLocal(l, v int, pos Span) int {
	return b.emit(Node{Kind: NStoreLocal, Type: TypeVoid, AuxInt: int64(l), Args: []int{v}, Pos: pos})
}

// EmitAddrLocal emits the address of local l. The local is marked
// address-taken and will live in memory.
func (b *IRBuilder) EmitAddrLocal(l int, t TypeID, pos Span) int {
	b.fn.Locals[l].AddrTaken = true
	return b.emit(Node{Kind: NAddrLocal, Type: t, AuxInt: int64(l), Pos: pos})
}

// EmitAddrGlobal emits the address of a module global.
func (b *IRBuilder) EmitAddrGlobal(name string, t TypeID, pos Span) int {
	return b.emit(Node{Kind: NAddrGlobal, Type: t, Aux: name, Pos: pos})
}

// EmitLoadGlobal emits a read of a module global.
func (b *IRBuilder) EmitLoadGlobal(name string, t TypeID, pos Span) int {
	return b.emit(Node{Kind: NLoadGlobal, Type: t, Aux: name, Pos: pos})
}

// EmitStoreGlobal emits a write of value node v to a module global.
func (b *IRBuilder) EmitStoreGlobal(name string, v int, pos Span) int {
	return b.emit(Node{Kind: NStoreGlobal, Type: TypeVoid, Aux: name, Args: []int{v}, Pos: pos})
}

// EmitFieldValue emits extraction of a field from an in-memory base
// address node. For struct- or array-typed fields the node carries the
// field's own type; scalar extractions keep the scalar type.
func (b *IRBuilder) EmitFieldValue(base int, t TypeID, off int, pos Span) int {
	return b.emit(Node{Kind: NFieldValue, Type: t, Args: []int{base}, Off: off, Pos: pos})
}

// EmitFieldLocal emits the address of a field of an in-memory local.
func (b *IRBuilder) EmitFieldLocal(l int, t TypeID, off int, pos Span) int {
	b.fn.Locals[l].AddrTaken = true
	return b.emit(Node{Kind: NFieldLocal, Type: t, AuxInt: int64(l), Off: off, Pos: pos})
}

// EmitIndexLocal emits the address of element [idx] of an in-memory
// array local. Off carries the element size so later passes never look
// it up.
func (b *IRBuilder) EmitIndexLocal(l int, t TypeID, idx int, elemSize int, pos Span) int {
	b.fn.Locals[l].AddrTaken = true
	return b.emit(Node{Kind: NIndexLocal, Type: t, AuxInt: int64(l), Args: []int{idx}, Off: elemSize, Pos: pos})
}

// EmitLoad emits a load through an address node.
func (b *IRBuilder) EmitLoad(addr int, t TypeID, pos Span) int {
	return b.emit(Node{Kind: NLoad, Type: t, Args: []int{addr}, Pos: pos})
}

// EmitStore emits a store of value through an address node.
func (b *IRBuilder) EmitStore(addr, v int, pos Span) int {
	return b.emit(Node{Kind: NStore, Type: TypeVoid, Args: []int{addr, v}, Pos: pos})
}

// EmitCall emits a call node.
func (b *IRBuilder) EmitCall(callee string, t TypeID, args []int, pos Span) int {
	return b.emit(Node{Kind: NCall, Type: t, Aux: callee, Args: args, Pos: pos})
}

// EmitStrLen emits a string length node.
func (b *IRBuilder) EmitStrLen(s int, pos Span) int {
	return b.emit(Node{Kind: NStrLen, Type: TypeInt, Args: []int{s}, Pos: pos})
}

// EmitRet emits a return terminator. v < 0 means no value.
func (b *IRBuilder) EmitRet(v int, pos Span) int {
	n := Node{Kind: NRet, Type: TypeVoid, Pos: pos}
	if v >= 0 {
		n.Args = []int{v}
	}
	return b.emit(n)
}

// EmitJump emits an unconditional jump terminator.
func (b *IRBuilder) EmitJump(to int, pos Span) int {
	return b.emit(Node{Kind: NJump, Type: TypeVoid, To: to, Pos: pos})
}

// EmitBranch emits a conditional branch terminator.
func (b *IRBuilder) EmitBranch(cond, then, els int, pos Span) int {
	return b.emit(Node{Kind: NBranch, Type: TypeVoid, Args: []int{cond}, To: then, Alt: els, Pos: pos})
}

// EmitNop emits a no-op node.
func (b *IRBuilder) EmitNop(pos Span) int {
	return b.emit(Node{Kind: NNop, Type: TypeVoid, Pos: pos})
}

// Terminated reports whether block id currently ends in a terminator.
func (f *IRFunc) Terminated(id int) bool {
	blk := f.Blocks[id]
	if len(blk.Nodes) == 0 {
		return false
	}
	switch f.Nodes[blk.Nodes[len(blk.Nodes)-1]].Kind {
	case NRet, NJump, NBranch:
		return true
	}
	return false
}
