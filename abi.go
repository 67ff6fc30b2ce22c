package main

// === ABI resolver (C4) ===
// AAPCS64-style placement for parameters and results. Consulted by
// expand_calls, by the emitter when materializing call arguments, and
// by the stack allocator for hidden-return buffers.

// ABISlot places one parameter or result: either a list of integer
// argument registers or a 16-byte-aligned outgoing stack offset.
type ABISlot struct {
	Type     TypeID
	Size     int
	InReg    bool
	Regs     []int8 // x-register numbers, up to two
	StackOff int    // valid when !InReg
	// ByRef marks aggregates larger than 16 bytes: the slot carries a
	// pointer to the value, not the value itself.
	ByRef bool
}

// ABIInfo is the placement record for one signature or call site.
type ABIInfo struct {
	Params  []ABISlot
	Results []ABISlot

	UsesHiddenRet bool
	RetSize       int

	// StackBytes is the outgoing stack argument area, rounded to 16.
	StackBytes int
}

// numParamRegs is the count of integer argument registers x0-x7.
const numParamRegs = 8

// variadicCFixedArgs maps the variadic C functions the emitter
// recognizes to their fixed parameter counts. Variadic arguments go to
// the stack even when register slots remain.
var variadicCFixedArgs = map[string]int{
	"open":   2,
	"openat": 3,
	"fcntl":  2,
	"ioctl":  2,
}

// ResolveABI computes placement for a call to callee with the given
// argument and return types. callee selects the variadic-C rule; pass
// "" for a plain signature.
func ResolveABI(reg *TypeRegistry, argTypes []TypeID, ret TypeID, callee string) *ABIInfo {
	info := &ABIInfo{}
	fixed, isVariadicC := variadicCFixedArgs[callee]

	nextReg := 0
	stackOff := 0
	for i, t := range argTypes {
		size := reg.SizeOf(t)
		slot := ABISlot{Type: t, Size: size}
		need := 1
		switch reg.Kind(t) {
		case TyString, TySlice:
			need = 2
		case TyStruct, TyArray:
			if size > 16 {
				slot.ByRef = true
				slot.Size = 8
				need = 1
			} else if size > 8 {
				need = 2
			}
		}
		forceStack := isVariadicC && i >= fixed
		if !forceStack && nextReg+need <= numParamRegs {
			slot.InReg = true
			for k := 0; k < need; k++ {
				slot.Regs = append(slot.Regs, int8(nextReg))
				nextReg++
			}
		} else {
			slot.StackOff = stackOff
			stackOff += alignUp(need*8, 16)
		}
		info.Params = append(info.Params, slot)
	}
	info.StackBytes = alignUp(stackOff, 16)

	if ret != TypeVoid {
		size := reg.SizeOf(ret)
		info.RetSize = size
		rslot := ABISlot{Type: ret, Size: size, InReg: true}
		switch reg.Kind(ret) {
		case TyString, TySlice:
			rslot.Regs = []int8{0, 1}
		case TyStruct, TyArray:
			if size > 16 {
				// Caller-allocated buffer addressed by x8.
				info.UsesHiddenRet = true
				rslot.ByRef = true
				rslot.Regs = []int8{hiddenRetReg}
			} else if size > 8 {
				rslot.Regs = []int8{0, 1}
			} else {
				rslot.Regs = []int8{0}
			}
		default:
			rslot.Regs = []int8{0}
		}
		info.Results = append(info.Results, rslot)
	}
	return info
}

// ResolveFuncABI computes the ABI record of a function signature.
func ResolveFuncABI(reg *TypeRegistry, sig TypeID) *ABIInfo {
	t := reg.Get(sig)
	ret := TypeVoid
	if len(t.Results) > 0 {
		ret = t.Results[0]
	}
	return ResolveABI(reg, t.Params, ret, "")
}
