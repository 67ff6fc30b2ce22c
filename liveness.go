package main

// === Liveness (C5) ===
// Per-block use-distance lists feed the allocator's farthest-next-use
// spill selection; a cross-block backward dataflow provides live-out
// sets. Successor phi args count as uses at the end of the matching
// predecessor.

// Use is one entry of a value's per-block use list. Lists are ordered
// by ascending distance: the head is always the nearest remaining use
// after advanceUses.
type Use struct {
	dist int32 // instruction index of the use within the block
	pos  int32 // argument slot, for diagnostics
	next *Use
}

// Liveness holds the cross-block results.
type Liveness struct {
	f *Func
	// LiveOut maps a block to the set of values live at its end,
	// including successor-phi inputs for the matching edge.
	LiveOut map[*Block]map[ID]*Value
	// LiveIn excludes values defined in the block itself (phis count
	// as block-local definitions).
	LiveIn map[*Block]map[ID]*Value
}

// computeLiveness runs the backward dataflow to a fixed point.
func computeLiveness(f *Func) *Liveness {
	lv := &Liveness{
		f:       f,
		LiveOut: make(map[*Block]map[ID]*Value),
		LiveIn:  make(map[*Block]map[ID]*Value),
	}
	defs := make(map[*Block]map[ID]bool)
	gen := make(map[*Block]map[ID]*Value)
	for _, b := range f.Blocks {
		defs[b] = make(map[ID]bool)
		gen[b] = make(map[ID]*Value)
		lv.LiveOut[b] = make(map[ID]*Value)
		lv.LiveIn[b] = make(map[ID]*Value)
	}
	for _, b := range f.Blocks {
		for _, v := range b.Values {
			defs[b][v.ID] = true
		}
	}
	for _, b := range f.Blocks {
		for _, v := range b.Values {
			if v.Op == OpPhi {
				continue // phi args are uses in the predecessors
			}
			for _, a := range v.Args {
				if a.Block != b {
					gen[b][a.ID] = a
				}
			}
		}
		if c := b.Control; c != nil && c.Block != b {
			gen[b][c.ID] = c
		}
	}

	po := f.postorder()
	for changed := true; changed; {
		changed = false
		for _, b := range po {
			out := lv.LiveOut[b]
			for _, e := range b.Succs {
				s := e.b
				for id, v := range lv.LiveIn[s] {
					if _, ok := out[id]; !ok {
						out[id] = v
						changed = true
					}
				}
				// Phi inputs along this edge are live at the end of b.
				for _, v := range s.Values {
					if v.Op != OpPhi {
						break
					}
					a := v.Args[e.i]
					if _, ok := out[a.ID]; !ok {
						out[a.ID] = a
						changed = true
					}
				}
			}
			in := lv.LiveIn[b]
			for id, v := range gen[b] {
				if _, ok := in[id]; !ok {
					in[id] = v
					changed = true
				}
			}
			for id, v := range out {
				if !defs[b][id] {
					if _, ok := in[id]; !ok {
						in[id] = v
						changed = true
					}
				}
			}
		}
	}
	return lv
}

// liveOutDist is the synthetic distance of the live-out sentinel use:
// strictly beyond every in-block position including the terminator.
func liveOutDist(b *Block) int32 {
	return int32(len(b.Values)) + 2
}

// blockUses builds the per-value use lists for one block, walking
// values in reverse order so each list comes out in ascending distance
// with the nearest use at the head. It also returns nextCall, where
// nextCall[i] is the index of the next call at or after instruction i
// (maxInt32 if none).
func (lv *Liveness) blockUses(b *Block) (map[*Value]*Use, []int32) {
	const maxInt32 = int32(0x7fffffff)
	uses := make(map[*Value]*Use)
	n := len(b.Values)

	prepend := func(v *Value, dist int32, pos int32) {
		uses[v] = &Use{dist: dist, pos: pos, next: uses[v]}
	}

	// Sentinels beyond the block for everything live-out.
	for _, v := range lv.LiveOut[b] {
		prepend(v, liveOutDist(b), -1)
	}
	// Successor phi args and the control value are consumed at the
	// block end.
	end := int32(n)
	for _, e := range b.Succs {
		for _, v := range e.b.Values {
			if v.Op != OpPhi {
				break
			}
			prepend(v.Args[e.i], end, -1)
		}
	}
	if b.Control != nil {
		prepend(b.Control, end, -1)
	}
	for i := n - 1; i >= 0; i-- {
		v := b.Values[i]
		if v.Op == OpPhi {
			continue
		}
		for ai, a := range v.Args {
			prepend(a, int32(i), int32(ai))
		}
	}

	nextCall := make([]int32, n+1)
	nextCall[n] = maxInt32
	for i := n - 1; i >= 0; i-- {
		if b.Values[i].Op.isCall() {
			nextCall[i] = int32(i)
		} else {
			nextCall[i] = nextCall[i+1]
		}
	}
	return uses, nextCall
}

// advanceUses pops use records at or before the given position,
// leaving the nearest remaining use at the head.
func advanceUses(uses map[*Value]*Use, v *Value, pos int32) *Use {
	u := uses[v]
	for u != nil && u.dist <= pos {
		u = u.next
	}
	uses[v] = u
	return u
}

// nextUseDist returns the distance of v's next use after pos, or
// maxInt32 when none remains in this block or beyond.
func nextUseDist(uses map[*Value]*Use, v *Value, pos int32) int32 {
	u := uses[v]
	for u != nil && u.dist <= pos {
		u = u.next
	}
	if u == nil {
		return 0x7fffffff
	}
	return u.dist
}
