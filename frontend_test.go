package main

import "testing"

func scanAll(t *testing.T, src string) []Token {
	t.Helper()
	errs := NewErrorReporter()
	s := NewScanner(src, errs)
	var toks []Token
	for {
		tok := s.Next()
		toks = append(toks, tok)
		if tok.Kind == TokEOF {
			break
		}
	}
	if errs.HasErrors() {
		t.Fatalf("scan errors: %+v", errs.Errors)
	}
	return toks
}

func TestScannerTokens(t *testing.T) {
	toks := scanAll(t, `func f(x int) int { return x + 0x2A }`)
	kinds := []TokKind{
		TokFunc, TokIdent, TokLParen, TokIdent, TokIdent, TokRParen,
		TokIdent, TokLBrace, TokReturn, TokIdent, TokPlus, TokInt,
		TokRBrace, TokSemi, TokEOF,
	}
	if len(toks) != len(kinds) {
		t.Fatalf("got %d tokens, want %d", len(toks), len(kinds))
	}
	for i, k := range kinds {
		if toks[i].Kind != k {
			t.Fatalf("token %d: kind %d, want %d", i, toks[i].Kind, k)
		}
	}
	var hex Token
	for _, tok := range toks {
		if tok.Kind == TokInt {
			hex = tok
		}
	}
	if hex.Num != 42 {
		t.Fatalf("hex literal scanned as %d", hex.Num)
	}
}

func TestScannerSemicolonInsertion(t *testing.T) {
	toks := scanAll(t, "x = 1\ny = 2\n")
	semis := 0
	for _, tok := range toks {
		if tok.Kind == TokSemi {
			semis++
		}
	}
	if semis != 2 {
		t.Fatalf("inserted %d semicolons, want 2", semis)
	}
	// No insertion after an operator.
	toks = scanAll(t, "x = 1 +\n2\n")
	for i, tok := range toks {
		if tok.Kind == TokPlus && toks[i+1].Kind == TokSemi {
			t.Fatal("semicolon inserted after binary operator")
		}
	}
}

func TestScannerLogicalKeywords(t *testing.T) {
	toks := scanAll(t, "a and b or c")
	want := []TokKind{TokIdent, TokAnd, TokIdent, TokOr, TokIdent, TokSemi, TokEOF}
	for i, k := range want {
		if toks[i].Kind != k {
			t.Fatalf("token %d: kind %d, want %d", i, toks[i].Kind, k)
		}
	}
}

func TestParserSpans(t *testing.T) {
	src := "func main() int {\n\treturn 42\n}\n"
	errs := NewErrorReporter()
	ast := Parse(src, errs)
	if errs.HasErrors() {
		t.Fatalf("%+v", errs.Errors)
	}
	// Every node carries a span inside the source.
	for i := range ast.Nodes {
		n := &ast.Nodes[i]
		if n.Pos.Start < 0 || n.Pos.End > len(src) || n.Pos.Start > n.Pos.End {
			t.Fatalf("node %d (%d) has bad span %v", i, n.Kind, n.Pos)
		}
	}
	// The literal 42 is addressable by dense index.
	found := false
	for i := range ast.Nodes {
		n := &ast.Nodes[i]
		if n.Kind == AstIntLit && n.Num == 42 {
			found = true
			if src[n.Pos.Start:n.Pos.End] != "42" {
				t.Fatalf("literal span %q", src[n.Pos.Start:n.Pos.End])
			}
		}
	}
	if !found {
		t.Fatal("literal node missing")
	}
}

func TestParserPrecedence(t *testing.T) {
	errs := NewErrorReporter()
	ast := Parse("func f() int { return 1 + 2 * 3 }", errs)
	if errs.HasErrors() {
		t.Fatalf("%+v", errs.Errors)
	}
	// The root binary must be +, with * nested on the right.
	var add *AstNode
	for i := range ast.Nodes {
		n := &ast.Nodes[i]
		if n.Kind == AstBinary && n.Op == TokPlus {
			add = n
		}
	}
	if add == nil {
		t.Fatal("no + node")
	}
	rhs := ast.Node(add.Kids[1])
	if rhs.Kind != AstBinary || rhs.Op != TokStar {
		t.Fatal("* did not bind tighter than +")
	}
}

func TestCheckerUndefinedName(t *testing.T) {
	errs := NewErrorReporter()
	ast := Parse("func main() int { return nope }", errs)
	Check(ast, NewTypeRegistry(), errs)
	if !errs.HasErrors() {
		t.Fatal("undefined name not reported")
	}
}

func TestCheckerTypeMismatch(t *testing.T) {
	errs := NewErrorReporter()
	ast := Parse(`func main() int { return "s" + 1 }`, errs)
	Check(ast, NewTypeRegistry(), errs)
	if !errs.HasErrors() {
		t.Fatal("string + int not reported")
	}
}

func TestCheckerErrorCap(t *testing.T) {
	errs := NewErrorReporter()
	src := "func main() int {\n"
	for i := 0; i < 100; i++ {
		src += "\tx = nope\n"
	}
	src += "\treturn 0\n}\n"
	ast := Parse(src, errs)
	Check(ast, NewTypeRegistry(), errs)
	if len(errs.Errors) > defaultErrorCap {
		t.Fatalf("reporter kept %d errors, cap is %d", len(errs.Errors), defaultErrorCap)
	}
	if errs.Dropped() == 0 {
		t.Fatal("overflow errors not counted as dropped")
	}
}

func TestCheckerStructFields(t *testing.T) {
	src := `
type Pair struct {
	a int
	b int
}

func main() int {
	var p Pair
	p.a = 1
	p.b = 2
	return p.a + p.b
}
`
	errs := NewErrorReporter()
	ast := Parse(src, errs)
	if errs.HasErrors() {
		t.Fatalf("parse: %+v", errs.Errors)
	}
	reg := NewTypeRegistry()
	Check(ast, reg, errs)
	if errs.HasErrors() {
		t.Fatalf("check: %+v", errs.Errors)
	}
	pair, ok := reg.LookupByName("Pair")
	if !ok {
		t.Fatal("Pair not registered")
	}
	if off, _ := reg.FieldOffset(pair, "b"); off != 8 {
		t.Fatalf("Pair.b offset %d, want 8", off)
	}
}

func TestIRBuilderContract(t *testing.T) {
	reg := NewTypeRegistry()
	mod := NewIRModule(reg)
	b := NewIRBuilder(mod)
	sig := reg.Func([]TypeID{TypeInt, TypeString}, []TypeID{TypeInt})
	irf := b.StartFunc("f", sig, Span{})
	b.AddLocal("n", TypeInt, true)
	b.AddLocal("s", TypeString, true)
	b.AddLocal("tmp", TypeInt, false)

	if irf.NumParams() != 2 {
		t.Fatalf("NumParams = %d, want 2", irf.NumParams())
	}
	if !irf.Locals[0].IsParam || irf.Locals[2].IsParam {
		t.Fatal("params must lead the local table")
	}

	h1 := mod.AddString("dup")
	h2 := mod.AddString("dup")
	if h1 != h2 {
		t.Fatal("string literals not interned by content")
	}

	b.EmitRet(b.EmitConstInt(TypeInt, 0, Span{}), Span{})
	if !irf.Terminated(b.CurBlock()) {
		t.Fatal("ret did not terminate the block")
	}
}
