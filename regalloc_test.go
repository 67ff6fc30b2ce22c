package main

import "testing"

// allocatedFor runs the full middle-end on one function of a source
// program and returns the allocated SSA.
func allocatedFor(t *testing.T, src, name string) *Func {
	t.Helper()
	mod := frontend(t, src)
	f := ssaFor(t, mod, name)
	if err := regalloc(f, testTracer()); err != nil {
		t.Fatalf("regalloc(%s): %v", name, err)
	}
	return f
}

// checkAllocation asserts the allocator's output invariants:
// every value that needs a register has one from the allocatable set
// (or its fixed ABI register), no output lands on one of its own
// argument registers, and spills sit right after their definitions.
func checkAllocation(t *testing.T, f *Func) {
	t.Helper()
	for _, b := range f.Blocks {
		for _, v := range b.Values {
			switch v.Op {
			case OpPhi, OpSelectN, OpArg:
				continue
			}
			if !needsReg(v) {
				continue
			}
			r, ok := f.RegOf[v.ID]
			if !ok {
				t.Fatalf("v%d (%s) needs a register but has none", v.ID, v.Op)
			}
			if allocatableMask&(1<<uint(r)) == 0 && r != shuffleReg {
				t.Fatalf("v%d assigned non-allocatable register x%d", v.ID, r)
			}
			if v.Op.isCall() {
				continue
			}
			// Evictions never overwrite arguments: the destination is
			// outside the instruction's used-mask.
			for _, a := range v.Args {
				if ar, ok := f.RegOf[a.ID]; ok && ar == r && a.Op != OpStoreReg {
					t.Fatalf("v%d output register x%d collides with argument v%d",
						v.ID, r, a.ID)
				}
			}
		}
	}

	// Used spills are placed immediately after their defining value
	// (after the phis for phi definitions); unused ones are deleted.
	for _, b := range f.Blocks {
		for i, v := range b.Values {
			if v.Op != OpStoreReg {
				continue
			}
			def := v.Args[0]
			if def.Block != b {
				t.Fatalf("spill v%d not in its definition's block", v.ID)
			}
			found := false
			for j := 0; j < i; j++ {
				if b.Values[j] == def {
					found = true
				}
			}
			if !found {
				t.Fatalf("spill v%d precedes its definition v%d", v.ID, def.ID)
			}
			used := false
			for _, b2 := range f.Blocks {
				for _, w := range b2.Values {
					for _, a := range w.Args {
						if a == v {
							used = true
						}
					}
				}
			}
			if !used {
				t.Fatalf("unused spill v%d survived", v.ID)
			}
		}
	}
}

func TestRegallocStraightLine(t *testing.T) {
	f := allocatedFor(t, readScenario(t, "arith.cot"), "main")
	checkAllocation(t, f)
}

func TestRegallocLoop(t *testing.T) {
	src := `
func sumto(n int) int {
	var x int = 0
	var i int = 0
	for i < n {
		x = x + i
		i = i + 1
	}
	return x
}

func main() int {
	return sumto(10)
}
`
	f := allocatedFor(t, src, "sumto")
	checkAllocation(t, f)

	// Loop-carried values keep their phi registers consistent: every
	// merge edge's disagreements were resolved by inserted moves, so a
	// second verification of use counts still passes.
	if err := f.Check(); err != nil {
		t.Fatal(err)
	}
}

func TestRegallocHighPressureSpills(t *testing.T) {
	// More simultaneously-live values than allocatable registers.
	src := `
func burn(a int) int {
	var v0 int = a + 1
	var v1 int = a + 2
	var v2 int = a + 3
	var v3 int = a + 4
	var v4 int = a + 5
	var v5 int = a + 6
	var v6 int = a + 7
	var v7 int = a + 8
	var v8 int = a + 9
	var v9 int = a + 10
	var v10 int = a + 11
	var v11 int = a + 12
	var v12 int = a + 13
	var v13 int = a + 14
	var v14 int = a + 15
	var v15 int = a + 16
	var v16 int = a + 17
	var v17 int = a + 18
	var v18 int = a + 19
	var v19 int = a + 20
	var v20 int = a + 21
	var v21 int = a + 22
	var v22 int = a + 23
	if a > 0 {
		v0 = v0 + v22
	}
	return v0 + v1 + v2 + v3 + v4 + v5 + v6 + v7 + v8 + v9 + v10 + v11 + v12 + v13 + v14 + v15 + v16 + v17 + v18 + v19 + v20 + v21 + v22
}

func main() int {
	return burn(1)
}
`
	f := allocatedFor(t, src, "burn")
	checkAllocation(t, f)

	spills, reloads := 0, 0
	for _, b := range f.Blocks {
		for _, v := range b.Values {
			switch v.Op {
			case OpStoreReg:
				spills++
			case OpLoadReg:
				reloads++
			}
		}
	}
	if spills == 0 || reloads == 0 {
		t.Fatalf("pressure did not force spilling (spills=%d reloads=%d)", spills, reloads)
	}
	for _, b := range f.Blocks {
		for _, v := range b.Values {
			if v.Op == OpLoadReg && v.Args[0].Op != OpStoreReg {
				t.Fatalf("reload v%d does not reference a spill", v.ID)
			}
		}
	}
}

func TestRegallocCallClobbers(t *testing.T) {
	f := allocatedFor(t, readScenario(t, "factorial.cot"), "factorial")
	checkAllocation(t, f)

	// A value live across the recursive call must not sit in a
	// caller-saved register on both sides of it without a spill.
	for _, b := range f.Blocks {
		callSeen := false
		liveBefore := make(map[ID]int8)
		for _, v := range b.Values {
			if v.Op.isCall() {
				callSeen = true
				continue
			}
			if !callSeen {
				if r, ok := f.RegOf[v.ID]; ok {
					liveBefore[v.ID] = r
				}
				continue
			}
			for _, a := range v.Args {
				r, had := liveBefore[a.ID]
				if !had {
					continue
				}
				if callerSavedMask&(1<<uint(r)) != 0 && f.RegOf[a.ID] == r && a.Op != OpStoreReg {
					t.Fatalf("v%d uses v%d from caller-saved x%d across a call",
						v.ID, a.ID, r)
				}
			}
		}
	}
}

func TestRegallocRematerializesConstants(t *testing.T) {
	src := readScenario(t, "concat.cot")
	f := allocatedFor(t, src, "main")
	checkAllocation(t, f)
	// Constants are never spilled; they reappear as fresh const values
	// when needed after a clobber.
	for _, b := range f.Blocks {
		for _, v := range b.Values {
			if v.Op == OpStoreReg && v.Args[0].Op == OpConstInt {
				t.Fatalf("constant v%d was spilled instead of rematerialized", v.Args[0].ID)
			}
		}
	}
}
