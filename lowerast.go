package main

import "fmt"

// === AST lowering ===
// Drives the IR builder over the checked AST. Statement-mode switch
// lowers to an if/else chain over a once-evaluated tag; string
// concatenation lowers to a call to the runtime's __cot_str_concat.

// concatRuntimeFunc is the runtime entry point for string +.
const concatRuntimeFunc = "__cot_str_concat"

type astLower struct {
	b    *IRBuilder
	cm   *CheckedModule
	ast  *Ast
	reg  *TypeRegistry
	errs *ErrorReporter
	fn   *CheckedFunc

	breaks    []int
	continues []int
	tempSeq   int
}

// lowerModule lowers a checked module into flat IR.
func lowerModule(cm *CheckedModule, errs *ErrorReporter) *IRModule {
	mod := NewIRModule(cm.Types)
	for _, g := range cm.Globals {
		mod.Globals = append(mod.Globals, IRGlobal{Name: g.Name, Type: g.Type, Init: g.Init})
	}
	l := &astLower{
		b:    NewIRBuilder(mod),
		cm:   cm,
		ast:  cm.Ast,
		reg:  cm.Types,
		errs: errs,
	}
	for _, fn := range cm.Funcs {
		l.lowerFunc(fn)
	}
	return mod
}

func (l *astLower) lowerFunc(fn *CheckedFunc) {
	l.fn = fn
	l.breaks = l.breaks[:0]
	l.continues = l.continues[:0]
	decl := l.ast.Node(fn.Decl)
	l.b.StartFunc(fn.Name, fn.Sig, decl.Pos)
	for i, ld := range fn.Locals {
		l.b.AddLocal(ld.Name, ld.Type, i < fn.Params)
	}
	l.lowerBlock(fn.Body)
	if !l.b.Func().Terminated(l.b.CurBlock()) {
		if fn.Ret == TypeVoid {
			l.b.EmitRet(-1, decl.Pos)
		} else {
			l.errs.Errorf(decl.Pos, "missing return in %s", fn.Name)
		}
	}
}

// afterTerminator switches to a fresh block so nothing appends after a
// terminator, per the builder contract.
func (l *astLower) afterTerminator() {
	nb := l.b.NewBlock()
	l.b.SetBlock(nb)
}

func (l *astLower) lowerBlock(bi int) {
	for _, si := range l.ast.Node(bi).Kids {
		l.lowerStmt(si)
	}
}

func (l *astLower) lowerStmt(si int) {
	s := l.ast.Node(si)
	switch s.Kind {
	case AstVarDecl:
		l.lowerVarDecl(s)
	case AstAssign:
		l.lowerAssign(s)
	case AstExprStmt:
		l.lowerExpr(s.Kids[0])
	case AstIf:
		l.lowerIf(si)
	case AstFor:
		l.lowerFor(s)
	case AstSwitch:
		l.lowerSwitch(s)
	case AstReturn:
		if len(s.Kids) == 0 {
			l.b.EmitRet(-1, s.Pos)
		} else {
			l.b.EmitRet(l.lowerExpr(s.Kids[0]), s.Pos)
		}
		l.afterTerminator()
	case AstBreak:
		if len(l.breaks) == 0 {
			l.errs.Errorf(s.Pos, "break outside loop or switch")
			return
		}
		l.b.EmitJump(l.breaks[len(l.breaks)-1], s.Pos)
		l.afterTerminator()
	case AstContinue:
		if len(l.continues) == 0 {
			l.errs.Errorf(s.Pos, "continue outside loop")
			return
		}
		l.b.EmitJump(l.continues[len(l.continues)-1], s.Pos)
		l.afterTerminator()
	case AstBlock:
		l.lowerBlock(si)
	}
}

func (l *astLower) lowerVarDecl(s *AstNode) {
	li := s.Sym
	t := s.Type
	k := l.reg.Kind(t)
	if len(s.Kids) > 1 {
		init := l.lowerExpr(s.Kids[1])
		if k == TyStruct || k == TyArray {
			addr := l.b.EmitAddrLocal(li, l.reg.Pointer(t), s.Pos)
			l.b.EmitStore(addr, init, s.Pos)
		} else {
			l.b.EmitStoreLocal(li, init, s.Pos)
		}
		return
	}
	// Scalars and strings get a definite zero value; aggregate locals
	// are memory and start uninitialized.
	switch {
	case t == TypeString:
		l.b.EmitStoreLocal(li, l.b.EmitConstStr("", s.Pos), s.Pos)
	case t == TypeBool:
		l.b.EmitStoreLocal(li, l.b.EmitConstBool(false, s.Pos), s.Pos)
	case l.reg.IsInteger(t) || l.reg.Kind(t) == TyPointer:
		l.b.EmitStoreLocal(li, l.b.EmitConstInt(t, 0, s.Pos), s.Pos)
	}
}

func (l *astLower) lowerAssign(s *AstNode) {
	lhs := l.ast.Node(s.Kids[0])
	switch lhs.Kind {
	case AstIdent:
		rhs := l.lowerExpr(s.Kids[1])
		if lhs.Sym >= 0 {
			t := l.fn.Locals[lhs.Sym].Type
			k := l.reg.Kind(t)
			if k == TyStruct || k == TyArray {
				addr := l.b.EmitAddrLocal(lhs.Sym, l.reg.Pointer(t), s.Pos)
				l.b.EmitStore(addr, rhs, s.Pos)
			} else {
				l.b.EmitStoreLocal(lhs.Sym, rhs, s.Pos)
			}
		} else {
			l.b.EmitStoreGlobal(lhs.Lit, rhs, s.Pos)
		}
	case AstSelector:
		li, off, ft, ok := l.fieldChain(s.Kids[0])
		rhs := l.lowerExpr(s.Kids[1])
		if !ok {
			l.errs.Errorf(lhs.Pos, "cannot assign through this field access")
			return
		}
		addr := l.b.EmitFieldLocal(li, l.reg.Pointer(ft), off, lhs.Pos)
		l.b.EmitStore(addr, rhs, s.Pos)
	case AstIndex:
		base := l.ast.Node(lhs.Kids[0])
		if base.Kind != AstIdent || base.Sym < 0 {
			l.errs.Errorf(lhs.Pos, "cannot assign through this index expression")
			return
		}
		at := l.fn.Locals[base.Sym].Type
		elem := l.reg.Get(at).Elem
		idx := l.lowerExpr(lhs.Kids[1])
		rhs := l.lowerExpr(s.Kids[1])
		addr := l.b.EmitIndexLocal(base.Sym, l.reg.Pointer(elem), idx, l.elemStride(elem), lhs.Pos)
		l.b.EmitStore(addr, rhs, s.Pos)
	}
}

// fieldChain resolves a selector chain rooted at a struct local,
// returning the local index, accumulated byte offset and field type.
func (l *astLower) fieldChain(ei int) (local, off int, ft TypeID, ok bool) {
	e := l.ast.Node(ei)
	switch e.Kind {
	case AstIdent:
		if e.Sym < 0 {
			return 0, 0, TypeVoid, false
		}
		return e.Sym, 0, l.fn.Locals[e.Sym].Type, true
	case AstSelector:
		li, base, _, okc := l.fieldChain(e.Kids[0])
		if !okc {
			return 0, 0, TypeVoid, false
		}
		return li, base + int(e.Num), e.Type, true
	}
	return 0, 0, TypeVoid, false
}

func (l *astLower) elemStride(elem TypeID) int {
	return alignUp(l.reg.SizeOf(elem), l.reg.AlignOf(elem))
}

func (l *astLower) lowerIf(si int) {
	s := l.ast.Node(si)
	cond := l.lowerExpr(s.Kids[0])
	thenB := l.b.NewBlock()
	merge := l.b.NewBlock()
	elseB := merge
	hasElse := len(s.Kids) > 2
	if hasElse {
		elseB = l.b.NewBlock()
	}
	l.b.EmitBranch(cond, thenB, elseB, s.Pos)

	l.b.SetBlock(thenB)
	l.lowerBlock(s.Kids[1])
	if !l.b.Func().Terminated(l.b.CurBlock()) {
		l.b.EmitJump(merge, s.Pos)
	}
	if hasElse {
		l.b.SetBlock(elseB)
		els := l.ast.Node(s.Kids[2])
		if els.Kind == AstIf {
			l.lowerIf(s.Kids[2])
		} else {
			l.lowerBlock(s.Kids[2])
		}
		if !l.b.Func().Terminated(l.b.CurBlock()) {
			l.b.EmitJump(merge, s.Pos)
		}
	}
	l.b.SetBlock(merge)
}

func (l *astLower) lowerFor(s *AstNode) {
	header := l.b.NewBlock()
	body := l.b.NewBlock()
	exit := l.b.NewBlock()
	l.b.EmitJump(header, s.Pos)

	l.b.SetBlock(header)
	if s.Num == 1 {
		cond := l.lowerExpr(s.Kids[0])
		l.b.EmitBranch(cond, body, exit, s.Pos)
	} else {
		l.b.EmitJump(body, s.Pos)
	}

	l.breaks = append(l.breaks, exit)
	l.continues = append(l.continues, header)
	l.b.SetBlock(body)
	l.lowerBlock(s.Kids[len(s.Kids)-1])
	if !l.b.Func().Terminated(l.b.CurBlock()) {
		l.b.EmitJump(header, s.Pos)
	}
	l.breaks = l.breaks[:len(l.breaks)-1]
	l.continues = l.continues[:len(l.continues)-1]

	l.b.SetBlock(exit)
}

// lowerSwitch lowers a statement-mode switch into an if/else chain
// over a once-evaluated tag held in a synthetic local.
func (l *astLower) lowerSwitch(s *AstNode) {
	tag := l.lowerExpr(s.Kids[0])
	tagType := l.ast.Node(s.Kids[0]).Type
	tmp := l.b.AddLocal(fmt.Sprintf("$switch%d", l.tempSeq), tagType, false)
	l.tempSeq++
	l.b.EmitStoreLocal(tmp, tag, s.Pos)

	done := l.b.NewBlock()
	l.breaks = append(l.breaks, done)

	defaultCase := -1
	for _, ci := range s.Kids[1:] {
		cs := l.ast.Node(ci)
		if cs.Num != 1 {
			defaultCase = ci
			continue
		}
		caseB := l.b.NewBlock()
		next := l.b.NewBlock()
		tv := l.b.EmitLoadLocal(tmp, cs.Pos)
		cv := l.lowerExpr(cs.Kids[0])
		cond := l.b.EmitBinary(BinEq, TypeBool, tv, cv, cs.Pos)
		l.b.EmitBranch(cond, caseB, next, cs.Pos)

		l.b.SetBlock(caseB)
		for _, bi := range cs.Kids[1:] {
			l.lowerStmt(bi)
		}
		if !l.b.Func().Terminated(l.b.CurBlock()) {
			l.b.EmitJump(done, cs.Pos)
		}
		l.b.SetBlock(next)
	}
	if defaultCase >= 0 {
		cs := l.ast.Node(defaultCase)
		for _, bi := range cs.Kids {
			l.lowerStmt(bi)
		}
	}
	if !l.b.Func().Terminated(l.b.CurBlock()) {
		l.b.EmitJump(done, s.Pos)
	}
	l.breaks = l.breaks[:len(l.breaks)-1]
	l.b.SetBlock(done)
}

// === Expressions ===

func (l *astLower) lowerExpr(ei int) int {
	e := l.ast.Node(ei)
	switch e.Kind {
	case AstIntLit:
		return l.b.EmitConstInt(e.Type, e.Num, e.Pos)
	case AstStringLit:
		return l.b.EmitConstStr(e.Lit, e.Pos)
	case AstBoolLit:
		return l.b.EmitConstBool(e.Num != 0, e.Pos)
	case AstIdent:
		if e.Sym >= 0 {
			t := l.fn.Locals[e.Sym].Type
			switch l.reg.Kind(t) {
			case TyStruct, TyArray:
				// Aggregates are referenced by address, typed as the
				// aggregate itself.
				return l.b.EmitAddrLocal(e.Sym, t, e.Pos)
			}
			return l.b.EmitLoadLocal(e.Sym, e.Pos)
		}
		return l.b.EmitLoadGlobal(e.Lit, e.Type, e.Pos)
	case AstUnary:
		x := l.lowerExpr(e.Kids[0])
		op := UnNeg
		if e.Op == TokNot {
			op = UnNot
		}
		return l.b.EmitUnary(op, e.Type, x, e.Pos)
	case AstBinary:
		return l.lowerBinary(e)
	case AstSelector:
		base := l.lowerExpr(e.Kids[0])
		return l.b.EmitFieldValue(base, e.Type, int(e.Num), e.Pos)
	case AstIndex:
		b := l.ast.Node(e.Kids[0])
		if b.Kind != AstIdent || b.Sym < 0 {
			l.errs.Errorf(e.Pos, "can only index array locals")
			return l.b.EmitConstInt(TypeInt, 0, e.Pos)
		}
		idx := l.lowerExpr(e.Kids[1])
		addr := l.b.EmitIndexLocal(b.Sym, l.reg.Pointer(e.Type), idx, l.elemStride(e.Type), e.Pos)
		return l.b.EmitLoad(addr, e.Type, e.Pos)
	case AstCall:
		if e.Lit == "len" {
			arg := l.lowerExpr(e.Kids[0])
			return l.b.EmitStrLen(arg, e.Pos)
		}
		args := make([]int, len(e.Kids))
		for i, ai := range e.Kids {
			args[i] = l.lowerExpr(ai)
		}
		return l.b.EmitCall(e.Lit, e.Type, args, e.Pos)
	}
	l.errs.Errorf(e.Pos, "unsupported expression")
	return l.b.EmitConstInt(TypeInt, 0, e.Pos)
}

func (l *astLower) lowerBinary(e *AstNode) int {
	switch e.Op {
	case TokAnd, TokOr:
		// Operands lower in place; SSA construction moves the right
		// operand onto its short-circuit path.
		lhs := l.lowerExpr(e.Kids[0])
		rhs := l.lowerExpr(e.Kids[1])
		op := BinLogAnd
		if e.Op == TokOr {
			op = BinLogOr
		}
		return l.b.EmitBinary(op, TypeBool, lhs, rhs, e.Pos)
	}
	lhs := l.lowerExpr(e.Kids[0])
	rhs := l.lowerExpr(e.Kids[1])
	if e.Op == TokPlus && e.Type == TypeString {
		return l.b.EmitCall(concatRuntimeFunc, TypeString, []int{lhs, rhs}, e.Pos)
	}
	var op BinOp
	switch e.Op {
	case TokPlus:
		op = BinAdd
	case TokMinus:
		op = BinSub
	case TokStar:
		op = BinMul
	case TokSlash:
		op = BinDiv
	case TokPercent:
		op = BinMod
	case TokAmp:
		op = BinAnd
	case TokPipe:
		op = BinOr
	case TokCaret:
		op = BinXor
	case TokShl:
		op = BinShl
	case TokShr:
		op = BinShr
	case TokEq:
		op = BinEq
	case TokNe:
		op = BinNe
	case TokLt:
		op = BinLt
	case TokLe:
		op = BinLe
	case TokGt:
		op = BinGt
	case TokGe:
		op = BinGe
	}
	return l.b.EmitBinary(op, e.Type, lhs, rhs, e.Pos)
}
