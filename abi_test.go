package main

import "testing"

func TestABIIntegerRegisters(t *testing.T) {
	reg := NewTypeRegistry()
	args := make([]TypeID, 8)
	for i := range args {
		args[i] = TypeInt
	}
	abi := ResolveABI(reg, args, TypeInt, "")
	for i, p := range abi.Params {
		if !p.InReg || len(p.Regs) != 1 || p.Regs[0] != int8(i) {
			t.Fatalf("param %d: got %+v, want x%d", i, p, i)
		}
	}
	if abi.StackBytes != 0 {
		t.Fatalf("eight register params need no stack area, got %d", abi.StackBytes)
	}
	if len(abi.Results) != 1 || abi.Results[0].Regs[0] != 0 {
		t.Fatal("integer result not in x0")
	}
}

func TestABINinthArgumentStack(t *testing.T) {
	reg := NewTypeRegistry()
	args := make([]TypeID, 10)
	for i := range args {
		args[i] = TypeInt
	}
	abi := ResolveABI(reg, args, TypeInt, "")
	if abi.Params[8].InReg || abi.Params[9].InReg {
		t.Fatal("args beyond the eighth must go to the stack")
	}
	if abi.Params[8].StackOff != 0 || abi.Params[9].StackOff != 16 {
		t.Fatalf("stack slots must be 16-byte aligned: %d, %d",
			abi.Params[8].StackOff, abi.Params[9].StackOff)
	}
	if abi.StackBytes != 32 {
		t.Fatalf("stack area %d, want 32", abi.StackBytes)
	}
}

func TestABIStringPair(t *testing.T) {
	reg := NewTypeRegistry()
	abi := ResolveABI(reg, []TypeID{TypeString, TypeInt}, TypeString, "")
	if !abi.Params[0].InReg || len(abi.Params[0].Regs) != 2 {
		t.Fatal("string parameter must take two registers")
	}
	if abi.Params[0].Regs[0] != 0 || abi.Params[0].Regs[1] != 1 {
		t.Fatal("string parameter not in x0/x1")
	}
	if abi.Params[1].Regs[0] != 2 {
		t.Fatal("following parameter not in x2")
	}
	r := abi.Results[0]
	if len(r.Regs) != 2 || r.Regs[0] != 0 || r.Regs[1] != 1 {
		t.Fatal("string result not in x0/x1")
	}
}

func TestABIStringStraddleGoesToStack(t *testing.T) {
	reg := NewTypeRegistry()
	args := make([]TypeID, 8)
	for i := 0; i < 7; i++ {
		args[i] = TypeInt
	}
	args[7] = TypeString
	abi := ResolveABI(reg, args, TypeVoid, "")
	// Only one register remains: the two-word aggregate moves wholly to
	// the stack rather than straddling.
	if abi.Params[7].InReg {
		t.Fatal("two-word aggregate must not straddle the register boundary")
	}
	if abi.StackBytes != 16 {
		t.Fatalf("stack area %d, want 16", abi.StackBytes)
	}
}

func TestABILargeStructByRef(t *testing.T) {
	reg := NewTypeRegistry()
	big := reg.Struct("Big", []Field{
		{Name: "a", Type: TypeI64},
		{Name: "b", Type: TypeI64},
		{Name: "c", Type: TypeI64},
	})
	abi := ResolveABI(reg, []TypeID{big}, big, "")
	if !abi.Params[0].ByRef || len(abi.Params[0].Regs) != 1 {
		t.Fatal("24-byte struct argument must pass by reference in one register")
	}
	if !abi.UsesHiddenRet {
		t.Fatal("24-byte return must use the hidden-return buffer")
	}
	if abi.RetSize != 24 {
		t.Fatalf("hidden return size %d, want 24", abi.RetSize)
	}
	if abi.Results[0].Regs[0] != hiddenRetReg {
		t.Fatal("hidden return pointer must ride in x8")
	}
}

func TestABISmallStructTwoRegisters(t *testing.T) {
	reg := NewTypeRegistry()
	small := reg.Struct("Pair", []Field{
		{Name: "a", Type: TypeI64},
		{Name: "b", Type: TypeI64},
	})
	abi := ResolveABI(reg, []TypeID{small}, small, "")
	if !abi.Params[0].InReg || len(abi.Params[0].Regs) != 2 {
		t.Fatal("16-byte struct should decompose into two registers")
	}
	if abi.UsesHiddenRet {
		t.Fatal("16-byte return fits x0/x1; no hidden return")
	}
}

func TestABIVariadicCStack(t *testing.T) {
	reg := NewTypeRegistry()
	// open(path, flags, mode): the third argument is variadic and goes
	// to the stack even though registers remain.
	abi := ResolveABI(reg, []TypeID{TypeU64, TypeI32, TypeI32}, TypeI32, "open")
	if !abi.Params[0].InReg || !abi.Params[1].InReg {
		t.Fatal("fixed args of open stay in registers")
	}
	if abi.Params[2].InReg {
		t.Fatal("variadic arg of open must go to the stack")
	}
	// A same-shape non-variadic callee keeps everything in registers.
	plain := ResolveABI(reg, []TypeID{TypeU64, TypeI32, TypeI32}, TypeI32, "openfile")
	if !plain.Params[2].InReg {
		t.Fatal("non-variadic callee spuriously forced to the stack")
	}
}
