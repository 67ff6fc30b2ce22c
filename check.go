package main

// === Checker ===
// Resolves names, computes struct layouts into the type registry, and
// annotates AST nodes with type indices. User errors collect in the
// reporter; the driver stops before lowering when any were found.

// LocalDecl is one checked local slot; params come first.
type LocalDecl struct {
	Name string
	Type TypeID
}

// CheckedFunc is the checker's per-function output.
type CheckedFunc struct {
	Decl   int
	Name   string
	Sig    TypeID
	Ret    TypeID
	Body   int
	Params int
	Locals []LocalDecl
}

// CheckedGlobal is one module-level variable.
type CheckedGlobal struct {
	Name string
	Type TypeID
	Init int64
}

// CheckedModule is the checker's output for one file.
type CheckedModule struct {
	Ast     *Ast
	Types   *TypeRegistry
	Funcs   []*CheckedFunc
	Globals []CheckedGlobal

	funcSig map[string]TypeID
}

type checker struct {
	ast   *Ast
	reg   *TypeRegistry
	errs  *ErrorReporter
	mod   *CheckedModule
	fn    *CheckedFunc
	scope []map[string]int
}

// Check type-checks a parsed file against a fresh registry view.
func Check(ast *Ast, reg *TypeRegistry, errs *ErrorReporter) *CheckedModule {
	c := &checker{
		ast:  ast,
		reg:  reg,
		errs: errs,
		mod: &CheckedModule{
			Ast:     ast,
			Types:   reg,
			funcSig: make(map[string]TypeID),
		},
	}
	c.collectDecls()
	if errs.HasErrors() {
		return c.mod
	}
	c.checkBodies()
	return c.mod
}

// collectDecls registers struct types, globals and function signatures.
func (c *checker) collectDecls() {
	root := c.ast.Node(c.ast.Root)
	for _, di := range root.Kids {
		d := c.ast.Node(di)
		switch d.Kind {
		case AstTypeDecl:
			var fields []Field
			for _, fi := range d.Kids {
				f := c.ast.Node(fi)
				ft := c.resolveType(f.Kids[0])
				fields = append(fields, Field{Name: f.Lit, Type: ft})
			}
			if _, exists := c.reg.LookupByName(d.Lit); exists {
				c.errs.Errorf(d.Pos, "type %s redeclared", d.Lit)
				continue
			}
			d.Type = c.reg.Struct(d.Lit, fields)
		case AstVarDecl:
			t := c.resolveType(d.Kids[0])
			if t != TypeVoid && !c.reg.IsInteger(t) {
				c.errs.Errorf(d.Pos, "global %s: only integer globals are supported", d.Lit)
				continue
			}
			g := CheckedGlobal{Name: d.Lit, Type: t}
			if len(d.Kids) > 1 {
				init := c.ast.Node(d.Kids[1])
				if init.Kind != AstIntLit {
					c.errs.Errorf(init.Pos, "global %s: initializer must be an integer literal", d.Lit)
				} else {
					g.Init = init.Num
				}
			}
			d.Type = t
			c.mod.Globals = append(c.mod.Globals, g)
		}
	}
	for _, di := range root.Kids {
		d := c.ast.Node(di)
		if d.Kind != AstFuncDecl {
			continue
		}
		var params []TypeID
		for _, ki := range d.Kids {
			k := c.ast.Node(ki)
			if k.Kind != AstParam {
				continue
			}
			pt := c.resolveType(k.Kids[0])
			switch c.reg.Kind(pt) {
			case TyStruct, TyArray:
				c.errs.Errorf(k.Pos, "parameter %s: aggregate parameters are not supported", k.Lit)
			}
			k.Type = pt
			params = append(params, pt)
		}
		var results []TypeID
		ret := TypeVoid
		if d.Num == 1 {
			ret = c.resolveType(d.Kids[len(d.Kids)-2])
			results = append(results, ret)
		}
		if _, dup := c.mod.funcSig[d.Lit]; dup {
			c.errs.Errorf(d.Pos, "function %s redeclared", d.Lit)
			continue
		}
		sig := c.reg.Func(params, results)
		c.mod.funcSig[d.Lit] = sig
		d.Type = sig
	}
}

func (c *checker) resolveType(ti int) TypeID {
	t := c.ast.Node(ti)
	switch t.Lit {
	case "[]":
		elem := c.resolveType(t.Kids[0])
		id := c.reg.Array(elem, int(t.Num))
		t.Type = id
		return id
	case "*":
		elem := c.resolveType(t.Kids[0])
		id := c.reg.Pointer(elem)
		t.Type = id
		return id
	}
	if id, ok := c.reg.LookupByName(t.Lit); ok {
		t.Type = id
		return id
	}
	c.errs.Errorf(t.Pos, "undefined type %s", t.Lit)
	return TypeVoid
}

// === Function bodies ===

func (c *checker) checkBodies() {
	root := c.ast.Node(c.ast.Root)
	for _, di := range root.Kids {
		d := c.ast.Node(di)
		if d.Kind != AstFuncDecl {
			continue
		}
		fn := &CheckedFunc{
			Decl: di,
			Name: d.Lit,
			Sig:  d.Type,
			Body: d.Kids[len(d.Kids)-1],
		}
		sig := c.reg.Get(d.Type)
		if len(sig.Results) > 0 {
			fn.Ret = sig.Results[0]
		}
		c.fn = fn
		c.scope = c.scope[:0]
		c.pushScope()
		for _, ki := range d.Kids {
			k := c.ast.Node(ki)
			if k.Kind != AstParam {
				continue
			}
			k.Sym = c.declareLocal(k.Lit, k.Type, k.Pos)
		}
		fn.Params = len(fn.Locals)
		c.checkBlock(fn.Body)
		c.popScope()
		c.mod.Funcs = append(c.mod.Funcs, fn)
	}
}

func (c *checker) pushScope() {
	c.scope = append(c.scope, make(map[string]int))
}

func (c *checker) popScope() {
	c.scope = c.scope[:len(c.scope)-1]
}

func (c *checker) declareLocal(name string, t TypeID, pos Span) int {
	top := c.scope[len(c.scope)-1]
	if _, dup := top[name]; dup {
		c.errs.Errorf(pos, "%s redeclared in this block", name)
	}
	idx := len(c.fn.Locals)
	c.fn.Locals = append(c.fn.Locals, LocalDecl{Name: name, Type: t})
	top[name] = idx
	return idx
}

func (c *checker) lookupLocal(name string) int {
	for i := len(c.scope) - 1; i >= 0; i-- {
		if idx, ok := c.scope[i][name]; ok {
			return idx
		}
	}
	return -1
}

func (c *checker) lookupGlobal(name string) int {
	for i := range c.mod.Globals {
		if c.mod.Globals[i].Name == name {
			return i
		}
	}
	return -1
}

// assignable allows exact matches plus integer-to-integer conversion.
func (c *checker) assignable(dst, src TypeID) bool {
	if dst == src {
		return true
	}
	return c.reg.IsInteger(dst) && c.reg.IsInteger(src)
}

func (c *checker) checkBlock(bi int) {
	c.pushScope()
	for _, si := range c.ast.Node(bi).Kids {
		c.checkStmt(si)
	}
	c.popScope()
}

func (c *checker) checkStmt(si int) {
	s := c.ast.Node(si)
	switch s.Kind {
	case AstVarDecl:
		t := c.resolveType(s.Kids[0])
		s.Type = t
		if len(s.Kids) > 1 {
			it := c.checkExpr(s.Kids[1])
			if !c.assignable(t, it) {
				c.errs.Errorf(s.Pos, "cannot initialize %s (%s) with %s",
					s.Lit, c.reg.Get(t).Name, c.reg.Get(it).Name)
			}
		}
		s.Sym = c.declareLocal(s.Lit, t, s.Pos)
	case AstAssign:
		lt := c.checkLValue(s.Kids[0])
		rt := c.checkExpr(s.Kids[1])
		if !c.assignable(lt, rt) {
			c.errs.Errorf(s.Pos, "cannot assign %s to %s",
				c.reg.Get(rt).Name, c.reg.Get(lt).Name)
		}
	case AstExprStmt:
		c.checkExpr(s.Kids[0])
	case AstIf:
		ct := c.checkExpr(s.Kids[0])
		if ct != TypeBool {
			c.errs.Errorf(s.Pos, "if condition must be bool, have %s", c.reg.Get(ct).Name)
		}
		c.checkBlock(s.Kids[1])
		if len(s.Kids) > 2 {
			els := c.ast.Node(s.Kids[2])
			if els.Kind == AstIf {
				c.checkStmt(s.Kids[2])
			} else {
				c.checkBlock(s.Kids[2])
			}
		}
	case AstFor:
		if s.Num == 1 {
			ct := c.checkExpr(s.Kids[0])
			if ct != TypeBool {
				c.errs.Errorf(s.Pos, "for condition must be bool, have %s", c.reg.Get(ct).Name)
			}
		}
		c.checkBlock(s.Kids[len(s.Kids)-1])
	case AstSwitch:
		tt := c.checkExpr(s.Kids[0])
		if !c.reg.IsInteger(tt) {
			c.errs.Errorf(s.Pos, "switch tag must be an integer, have %s", c.reg.Get(tt).Name)
		}
		defaults := 0
		for _, ci := range s.Kids[1:] {
			cs := c.ast.Node(ci)
			body := cs.Kids
			if cs.Num == 1 {
				vt := c.checkExpr(cs.Kids[0])
				if !c.reg.IsInteger(vt) {
					c.errs.Errorf(cs.Pos, "case value must be an integer")
				}
				body = cs.Kids[1:]
			} else {
				defaults++
			}
			c.pushScope()
			for _, bi := range body {
				c.checkStmt(bi)
			}
			c.popScope()
		}
		if defaults > 1 {
			c.errs.Errorf(s.Pos, "multiple default cases")
		}
	case AstReturn:
		if len(s.Kids) == 0 {
			if c.fn.Ret != TypeVoid {
				c.errs.Errorf(s.Pos, "%s must return %s", c.fn.Name, c.reg.Get(c.fn.Ret).Name)
			}
			return
		}
		rt := c.checkExpr(s.Kids[0])
		if c.fn.Ret == TypeVoid {
			c.errs.Errorf(s.Pos, "%s has no return value", c.fn.Name)
		} else if !c.assignable(c.fn.Ret, rt) {
			c.errs.Errorf(s.Pos, "cannot return %s from %s (want %s)",
				c.reg.Get(rt).Name, c.fn.Name, c.reg.Get(c.fn.Ret).Name)
		}
	case AstBreak, AstContinue:
		// Loop nesting is validated during lowering, where loop stacks
		// exist anyway.
	case AstBlock:
		c.checkBlock(si)
	default:
		c.checkExpr(si)
	}
}

// checkLValue types an assignment target.
func (c *checker) checkLValue(ei int) TypeID {
	e := c.ast.Node(ei)
	switch e.Kind {
	case AstIdent, AstSelector, AstIndex:
		return c.checkExpr(ei)
	}
	c.errs.Errorf(e.Pos, "cannot assign to this expression")
	return c.checkExpr(ei)
}

func (c *checker) checkExpr(ei int) TypeID {
	e := c.ast.Node(ei)
	switch e.Kind {
	case AstIntLit:
		e.Type = TypeInt
	case AstStringLit:
		e.Type = TypeString
	case AstBoolLit:
		e.Type = TypeBool
	case AstIdent:
		if idx := c.lookupLocal(e.Lit); idx >= 0 {
			e.Sym = idx
			e.Type = c.fn.Locals[idx].Type
		} else if gi := c.lookupGlobal(e.Lit); gi >= 0 {
			e.Type = c.mod.Globals[gi].Type
		} else {
			c.errs.Errorf(e.Pos, "undefined: %s", e.Lit)
			e.Type = TypeInt
		}
	case AstUnary:
		ot := c.checkExpr(e.Kids[0])
		switch e.Op {
		case TokMinus:
			if !c.reg.IsInteger(ot) {
				c.errs.Errorf(e.Pos, "operator - needs an integer operand")
			}
			e.Type = ot
		case TokNot:
			if ot != TypeBool {
				c.errs.Errorf(e.Pos, "operator ! needs a bool operand")
			}
			e.Type = TypeBool
		}
	case AstBinary:
		e.Type = c.checkBinary(e)
	case AstSelector:
		bt := c.checkExpr(e.Kids[0])
		if c.reg.Kind(bt) != TyStruct {
			c.errs.Errorf(e.Pos, "field access on non-struct %s", c.reg.Get(bt).Name)
			e.Type = TypeInt
			break
		}
		f, ok := c.reg.FieldByName(bt, e.Lit)
		if !ok {
			c.errs.Errorf(e.Pos, "%s has no field %s", c.reg.Get(bt).Name, e.Lit)
			e.Type = TypeInt
			break
		}
		e.Type = f.Type
		e.Num = int64(f.Offset)
	case AstIndex:
		bt := c.checkExpr(e.Kids[0])
		it := c.checkExpr(e.Kids[1])
		if !c.reg.IsInteger(it) {
			c.errs.Errorf(e.Pos, "index must be an integer")
		}
		if c.reg.Kind(bt) != TyArray {
			c.errs.Errorf(e.Pos, "indexing non-array %s", c.reg.Get(bt).Name)
			e.Type = TypeInt
			break
		}
		e.Type = c.reg.Get(bt).Elem
	case AstCall:
		e.Type = c.checkCall(e)
	default:
		c.errs.Errorf(e.Pos, "expected expression")
		e.Type = TypeInt
	}
	return e.Type
}

func (c *checker) checkBinary(e *AstNode) TypeID {
	lt := c.checkExpr(e.Kids[0])
	rt := c.checkExpr(e.Kids[1])
	switch e.Op {
	case TokAnd, TokOr:
		if lt != TypeBool || rt != TypeBool {
			c.errs.Errorf(e.Pos, "logical operator needs bool operands")
		}
		return TypeBool
	case TokEq, TokNe, TokLt, TokLe, TokGt, TokGe:
		ints := c.reg.IsInteger(lt) && c.reg.IsInteger(rt)
		bools := lt == TypeBool && rt == TypeBool
		if !ints && !bools {
			c.errs.Errorf(e.Pos, "cannot compare %s and %s",
				c.reg.Get(lt).Name, c.reg.Get(rt).Name)
		}
		return TypeBool
	case TokPlus:
		if lt == TypeString && rt == TypeString {
			return TypeString
		}
		fallthrough
	case TokMinus, TokStar, TokSlash, TokPercent,
		TokAmp, TokPipe, TokCaret, TokShl, TokShr:
		if !(c.reg.IsInteger(lt) && c.reg.IsInteger(rt)) {
			c.errs.Errorf(e.Pos, "arithmetic needs integer operands, have %s and %s",
				c.reg.Get(lt).Name, c.reg.Get(rt).Name)
			return TypeInt
		}
		return lt
	}
	return TypeInt
}

func (c *checker) checkCall(e *AstNode) TypeID {
	if e.Lit == "len" {
		if len(e.Kids) != 1 {
			c.errs.Errorf(e.Pos, "len takes exactly one argument")
			return TypeInt
		}
		at := c.checkExpr(e.Kids[0])
		if at != TypeString && c.reg.Kind(at) != TySlice {
			c.errs.Errorf(e.Pos, "len needs a string or slice argument")
		}
		return TypeInt
	}
	sig, ok := c.mod.funcSig[e.Lit]
	if !ok {
		c.errs.Errorf(e.Pos, "undefined function: %s", e.Lit)
		for _, ai := range e.Kids {
			c.checkExpr(ai)
		}
		return TypeInt
	}
	st := c.reg.Get(sig)
	if len(e.Kids) != len(st.Params) {
		c.errs.Errorf(e.Pos, "%s takes %d arguments, given %d", e.Lit, len(st.Params), len(e.Kids))
	}
	for i, ai := range e.Kids {
		at := c.checkExpr(ai)
		if i < len(st.Params) && !c.assignable(st.Params[i], at) {
			c.errs.Errorf(c.ast.Node(ai).Pos, "argument %d of %s: cannot use %s as %s",
				i+1, e.Lit, c.reg.Get(at).Name, c.reg.Get(st.Params[i]).Name)
		}
	}
	if len(st.Results) > 0 {
		return st.Results[0]
	}
	return TypeVoid
}
