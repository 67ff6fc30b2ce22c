package main

// === Stack allocator (C7) ===
// Frame layout, relative to FP after the prologue, growing upward:
// saved FP+LR (16 bytes), saved callee-save registers, the x8 home slot
// when the function receives a hidden-return pointer, hidden-return
// buffers for call sites returning more than 16 bytes (16-byte
// aligned), locals at their actual sizes, then spill slots aligned to
// each value's size. The total rounds up to 16.

// Frame is the computed layout of one function's stack frame.
type Frame struct {
	Size          int
	CalleeSaveOff map[int8]int
	X8Slot        int // -1 when the function has no hidden return
	HiddenRetOff  map[ID]int
	SpillOff      map[ID]int
}

// allocFrame assigns byte offsets to callee-saves, hidden-return
// buffers, locals and spill slots. Local offsets are written back into
// the IR local table.
func allocFrame(f *Func, irf *IRFunc) *Frame {
	reg := f.Mod.Types
	fr := &Frame{
		CalleeSaveOff: make(map[int8]int),
		X8Slot:        -1,
		HiddenRetOff:  make(map[ID]int),
		SpillOff:      make(map[ID]int),
	}
	off := 16 // saved FP+LR

	for _, r := range allocOrder {
		if f.UsedCalleeSaves&(1<<uint(r)) != 0 {
			fr.CalleeSaveOff[r] = off
			off += 8
		}
	}
	if f.OwnABI != nil && f.OwnABI.UsesHiddenRet {
		fr.X8Slot = off
		off += 8
	}

	for _, id := range f.hiddenRetCalls {
		abi := f.callABI[id]
		off = alignUp(off, 16)
		fr.HiddenRetOff[id] = off
		off += alignUp(abi.RetSize, 16)
	}

	// Locals use their recorded sizes; an array local must advance the
	// cursor by its full extent or the next local collides with it.
	for i := range irf.Locals {
		l := &irf.Locals[i]
		if !localInMemory(reg, l) {
			continue
		}
		a := reg.AlignOf(l.Type)
		if a < 1 {
			a = 1
		}
		off = alignUp(off, a)
		l.Offset = off
		off += l.Size
	}

	for _, b := range f.Blocks {
		for _, v := range b.Values {
			if v.Op != OpStoreReg {
				continue
			}
			size := reg.SizeOf(v.Type)
			if size < 1 || size > 8 {
				size = 8
			}
			off = alignUp(off, size)
			fr.SpillOff[v.ID] = off
			off += size
		}
	}

	fr.Size = alignUp(off, 16)
	return fr
}

// localInMemory reports whether a local gets a frame slot rather than
// living purely in SSA values.
func localInMemory(reg *TypeRegistry, l *IRLocal) bool {
	if l.AddrTaken {
		return true
	}
	switch reg.Kind(l.Type) {
	case TyStruct, TyArray:
		return true
	}
	return false
}
