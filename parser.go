package main

// === Parser ===
// Recursive descent over the scanner's token stream. Lookahead is one
// token of explicit state (tok); no hidden suspension anywhere.

// Parser holds the parse state for one source file.
type Parser struct {
	ast  *Ast
	sc   *Scanner
	tok  Token
	errs *ErrorReporter
}

// Parse parses one source file into a dense-index AST.
func Parse(src string, errs *ErrorReporter) *Ast {
	p := &Parser{
		ast:  &Ast{Src: src},
		sc:   NewScanner(src, errs),
		errs: errs,
	}
	p.next()
	p.ast.Root = p.parseFile()
	return p.ast
}

func (p *Parser) next() {
	p.tok = p.sc.Next()
}

func (p *Parser) got(k TokKind) bool {
	if p.tok.Kind == k {
		p.next()
		return true
	}
	return false
}

func (p *Parser) expect(k TokKind) Token {
	t := p.tok
	if t.Kind != k {
		p.errs.Errorf(t.Pos, "expected %s, found %s", tokenName(k), tokenName(t.Kind))
		// Do not consume: the caller's recovery loop moves forward.
		return Token{Kind: k, Pos: t.Pos}
	}
	p.next()
	return t
}

func (p *Parser) skipSemis() {
	for p.tok.Kind == TokSemi {
		p.next()
	}
}

func (p *Parser) parseFile() int {
	var decls []int
	start := p.tok.Pos
	for p.tok.Kind != TokEOF {
		p.skipSemis()
		if p.tok.Kind == TokEOF {
			break
		}
		switch p.tok.Kind {
		case TokFunc:
			decls = append(decls, p.parseFuncDecl())
		case TokType:
			decls = append(decls, p.parseTypeDecl())
		case TokVar:
			decls = append(decls, p.parseVarDecl())
		default:
			p.errs.Errorf(p.tok.Pos, "expected declaration, found %s", tokenName(p.tok.Kind))
			p.next()
		}
	}
	return p.ast.add(AstNode{Kind: AstFile, Kids: decls, Pos: Span{start.Start, p.tok.Pos.End}})
}

// parseTypeDecl parses: type Name struct { field Type ... }
func (p *Parser) parseTypeDecl() int {
	start := p.expect(TokType).Pos
	name := p.expect(TokIdent)
	p.expect(TokStruct)
	p.expect(TokLBrace)
	var fields []int
	for p.tok.Kind != TokRBrace && p.tok.Kind != TokEOF {
		p.skipSemis()
		if p.tok.Kind == TokRBrace {
			break
		}
		if p.tok.Kind != TokIdent {
			p.errs.Errorf(p.tok.Pos, "expected field name, found %s", tokenName(p.tok.Kind))
			p.next()
			continue
		}
		fname := p.expect(TokIdent)
		ft := p.parseTypeName()
		fields = append(fields, p.ast.add(AstNode{
			Kind: AstFieldDecl, Lit: fname.Lit, Kids: []int{ft}, Pos: fname.Pos,
		}))
		p.skipSemis()
	}
	end := p.expect(TokRBrace).Pos
	return p.ast.add(AstNode{
		Kind: AstTypeDecl, Lit: name.Lit, Kids: fields,
		Pos: Span{start.Start, end.End},
	})
}

// parseVarDecl parses: var name Type [= expr]
func (p *Parser) parseVarDecl() int {
	start := p.expect(TokVar).Pos
	name := p.expect(TokIdent)
	t := p.parseTypeName()
	kids := []int{t}
	if p.got(TokAssign) {
		kids = append(kids, p.parseExpr())
	}
	return p.ast.add(AstNode{
		Kind: AstVarDecl, Lit: name.Lit, Kids: kids,
		Pos: Span{start.Start, p.tok.Pos.Start},
	})
}

// parseTypeName parses: ident | [N]Type | *Type
func (p *Parser) parseTypeName() int {
	switch p.tok.Kind {
	case TokLBrack:
		start := p.tok.Pos
		p.next()
		n := p.expect(TokInt)
		p.expect(TokRBrack)
		elem := p.parseTypeName()
		return p.ast.add(AstNode{
			Kind: AstTypeName, Lit: "[]", Num: n.Num, Kids: []int{elem},
			Pos: Span{start.Start, p.tok.Pos.Start},
		})
	case TokStar:
		start := p.tok.Pos
		p.next()
		elem := p.parseTypeName()
		return p.ast.add(AstNode{
			Kind: AstTypeName, Lit: "*", Kids: []int{elem},
			Pos: Span{start.Start, p.tok.Pos.Start},
		})
	default:
		t := p.expect(TokIdent)
		return p.ast.add(AstNode{Kind: AstTypeName, Lit: t.Lit, Pos: t.Pos})
	}
}

func (p *Parser) parseFuncDecl() int {
	start := p.expect(TokFunc).Pos
	name := p.expect(TokIdent)
	p.expect(TokLParen)
	var kids []int
	for p.tok.Kind != TokRParen && p.tok.Kind != TokEOF {
		pname := p.expect(TokIdent)
		pt := p.parseTypeName()
		kids = append(kids, p.ast.add(AstNode{
			Kind: AstParam, Lit: pname.Lit, Kids: []int{pt}, Pos: pname.Pos,
		}))
		if !p.got(TokComma) {
			break
		}
	}
	p.expect(TokRParen)
	ret := -1
	if p.tok.Kind != TokLBrace {
		ret = p.parseTypeName()
	}
	body := p.parseBlock()
	n := AstNode{
		Kind: AstFuncDecl, Lit: name.Lit, Kids: kids,
		Pos: Span{start.Start, p.tok.Pos.Start},
	}
	// Layout of kids: params..., [ret type marked by Num], body last.
	if ret >= 0 {
		n.Num = 1
		n.Kids = append(n.Kids, ret)
	}
	n.Kids = append(n.Kids, body)
	return p.ast.add(n)
}

func (p *Parser) parseBlock() int {
	start := p.expect(TokLBrace).Pos
	var stmts []int
	for p.tok.Kind != TokRBrace && p.tok.Kind != TokEOF {
		p.skipSemis()
		if p.tok.Kind == TokRBrace {
			break
		}
		stmts = append(stmts, p.parseStmt())
		p.skipSemis()
	}
	end := p.expect(TokRBrace).Pos
	return p.ast.add(AstNode{Kind: AstBlock, Kids: stmts, Pos: Span{start.Start, end.End}})
}

func (p *Parser) parseStmt() int {
	switch p.tok.Kind {
	case TokVar:
		return p.parseVarDecl()
	case TokIf:
		return p.parseIf()
	case TokFor:
		return p.parseFor()
	case TokSwitch:
		return p.parseSwitch()
	case TokReturn:
		start := p.tok.Pos
		p.next()
		kids := []int{}
		if p.tok.Kind != TokSemi && p.tok.Kind != TokRBrace {
			kids = append(kids, p.parseExpr())
		}
		return p.ast.add(AstNode{Kind: AstReturn, Kids: kids, Pos: start})
	case TokBreak:
		t := p.tok
		p.next()
		return p.ast.add(AstNode{Kind: AstBreak, Pos: t.Pos})
	case TokContinue:
		t := p.tok
		p.next()
		return p.ast.add(AstNode{Kind: AstContinue, Pos: t.Pos})
	case TokLBrace:
		return p.parseBlock()
	}
	// Expression statement or assignment.
	lhs := p.parseExpr()
	if p.got(TokAssign) {
		rhs := p.parseExpr()
		return p.ast.add(AstNode{
			Kind: AstAssign, Kids: []int{lhs, rhs}, Pos: p.ast.Node(lhs).Pos,
		})
	}
	return p.ast.add(AstNode{Kind: AstExprStmt, Kids: []int{lhs}, Pos: p.ast.Node(lhs).Pos})
}

func (p *Parser) parseIf() int {
	start := p.expect(TokIf).Pos
	cond := p.parseExpr()
	then := p.parseBlock()
	kids := []int{cond, then}
	if p.got(TokElse) {
		if p.tok.Kind == TokIf {
			kids = append(kids, p.parseIf())
		} else {
			kids = append(kids, p.parseBlock())
		}
	}
	return p.ast.add(AstNode{Kind: AstIf, Kids: kids, Pos: start})
}

// parseFor parses: for [cond] block. A missing condition loops forever.
func (p *Parser) parseFor() int {
	start := p.expect(TokFor).Pos
	var kids []int
	if p.tok.Kind != TokLBrace {
		kids = append(kids, p.parseExpr())
	}
	body := p.parseBlock()
	n := AstNode{Kind: AstFor, Kids: append(kids, body), Pos: start}
	n.Num = int64(len(kids)) // 1 when a condition is present
	return p.ast.add(n)
}

func (p *Parser) parseSwitch() int {
	start := p.expect(TokSwitch).Pos
	tag := p.parseExpr()
	p.expect(TokLBrace)
	kids := []int{tag}
	for p.tok.Kind != TokRBrace && p.tok.Kind != TokEOF {
		p.skipSemis()
		switch p.tok.Kind {
		case TokCase:
			cs := p.tok.Pos
			p.next()
			val := p.parseExpr()
			p.expect(TokColon)
			body := p.parseCaseBody()
			kids = append(kids, p.ast.add(AstNode{
				Kind: AstCase, Kids: append([]int{val}, body...), Num: 1, Pos: cs,
			}))
		case TokDefault:
			cs := p.tok.Pos
			p.next()
			p.expect(TokColon)
			body := p.parseCaseBody()
			kids = append(kids, p.ast.add(AstNode{Kind: AstCase, Kids: body, Pos: cs}))
		case TokRBrace:
		default:
			p.errs.Errorf(p.tok.Pos, "expected case or default, found %s", tokenName(p.tok.Kind))
			p.next()
		}
		if p.tok.Kind == TokRBrace {
			break
		}
	}
	p.expect(TokRBrace)
	return p.ast.add(AstNode{Kind: AstSwitch, Kids: kids, Pos: start})
}

func (p *Parser) parseCaseBody() []int {
	var stmts []int
	for {
		p.skipSemis()
		if p.tok.Kind == TokCase || p.tok.Kind == TokDefault ||
			p.tok.Kind == TokRBrace || p.tok.Kind == TokEOF {
			return stmts
		}
		stmts = append(stmts, p.parseStmt())
	}
}

// === Expressions ===
// Precedence climbing: or < and < comparison < additive < multiplicative.

func (p *Parser) parseExpr() int {
	return p.parseOr()
}

func (p *Parser) parseOr() int {
	lhs := p.parseAnd()
	for p.tok.Kind == TokOr {
		op := p.tok
		p.next()
		rhs := p.parseAnd()
		lhs = p.ast.add(AstNode{Kind: AstBinary, Op: op.Kind, Kids: []int{lhs, rhs}, Pos: op.Pos})
	}
	return lhs
}

func (p *Parser) parseAnd() int {
	lhs := p.parseCmp()
	for p.tok.Kind == TokAnd {
		op := p.tok
		p.next()
		rhs := p.parseCmp()
		lhs = p.ast.add(AstNode{Kind: AstBinary, Op: op.Kind, Kids: []int{lhs, rhs}, Pos: op.Pos})
	}
	return lhs
}

func (p *Parser) parseCmp() int {
	lhs := p.parseAdd()
	switch p.tok.Kind {
	case TokEq, TokNe, TokLt, TokLe, TokGt, TokGe:
		op := p.tok
		p.next()
		rhs := p.parseAdd()
		return p.ast.add(AstNode{Kind: AstBinary, Op: op.Kind, Kids: []int{lhs, rhs}, Pos: op.Pos})
	}
	return lhs
}

func (p *Parser) parseAdd() int {
	lhs := p.parseMul()
	for {
		switch p.tok.Kind {
		case TokPlus, TokMinus, TokPipe, TokCaret:
			op := p.tok
			p.next()
			rhs := p.parseMul()
			lhs = p.ast.add(AstNode{Kind: AstBinary, Op: op.Kind, Kids: []int{lhs, rhs}, Pos: op.Pos})
		default:
			return lhs
		}
	}
}

func (p *Parser) parseMul() int {
	lhs := p.parseUnary()
	for {
		switch p.tok.Kind {
		case TokStar, TokSlash, TokPercent, TokAmp, TokShl, TokShr:
			op := p.tok
			p.next()
			rhs := p.parseUnary()
			lhs = p.ast.add(AstNode{Kind: AstBinary, Op: op.Kind, Kids: []int{lhs, rhs}, Pos: op.Pos})
		default:
			return lhs
		}
	}
}

func (p *Parser) parseUnary() int {
	switch p.tok.Kind {
	case TokMinus, TokNot:
		op := p.tok
		p.next()
		operand := p.parseUnary()
		return p.ast.add(AstNode{Kind: AstUnary, Op: op.Kind, Kids: []int{operand}, Pos: op.Pos})
	}
	return p.parsePostfix()
}

func (p *Parser) parsePostfix() int {
	e := p.parsePrimary()
	for {
		switch p.tok.Kind {
		case TokDot:
			p.next()
			name := p.expect(TokIdent)
			e = p.ast.add(AstNode{Kind: AstSelector, Lit: name.Lit, Kids: []int{e}, Pos: name.Pos})
		case TokLBrack:
			p.next()
			idx := p.parseExpr()
			end := p.expect(TokRBrack)
			e = p.ast.add(AstNode{Kind: AstIndex, Kids: []int{e, idx}, Pos: end.Pos})
		default:
			return e
		}
	}
}

func (p *Parser) parsePrimary() int {
	t := p.tok
	switch t.Kind {
	case TokInt:
		p.next()
		return p.ast.add(AstNode{Kind: AstIntLit, Num: t.Num, Pos: t.Pos})
	case TokString:
		p.next()
		return p.ast.add(AstNode{Kind: AstStringLit, Lit: t.Lit, Pos: t.Pos})
	case TokTrue:
		p.next()
		return p.ast.add(AstNode{Kind: AstBoolLit, Num: 1, Pos: t.Pos})
	case TokFalse:
		p.next()
		return p.ast.add(AstNode{Kind: AstBoolLit, Num: 0, Pos: t.Pos})
	case TokIdent:
		p.next()
		if p.tok.Kind == TokLParen {
			p.next()
			var args []int
			for p.tok.Kind != TokRParen && p.tok.Kind != TokEOF {
				args = append(args, p.parseExpr())
				if !p.got(TokComma) {
					break
				}
			}
			end := p.expect(TokRParen)
			return p.ast.add(AstNode{
				Kind: AstCall, Lit: t.Lit, Kids: args,
				Pos: Span{t.Pos.Start, end.Pos.End},
			})
		}
		return p.ast.add(AstNode{Kind: AstIdent, Lit: t.Lit, Pos: t.Pos})
	case TokLParen:
		p.next()
		e := p.parseExpr()
		p.expect(TokRParen)
		return e
	}
	p.errs.Errorf(t.Pos, "expected expression, found %s", tokenName(t.Kind))
	p.next()
	return p.ast.add(AstNode{Kind: AstIntLit, Num: 0, Pos: t.Pos})
}
