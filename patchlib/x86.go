package patchlib

import (
	"encoding/binary"
	"fmt"
	"math"

	"golang.org/x/arch/x86/x86asm"
)

// x86-64 opcodes used by the relocator.
const (
	OpCall = 0xE8
	OpJmp  = 0xE9
	OpNop  = 0x90
	OpRet  = 0xC3
)

// Sizes of the generated instructions.
const (
	Rel32Size   = 5  // E8/E9 rel32
	AbsJumpSize = 14 // FF 25 00000000 imm64
)

func inRel32(from, to uintptr) bool {
	d := int64(to) - int64(from)
	return d >= math.MinInt32 && d <= math.MaxInt32
}

// AsmRel32 assembles a 5-byte instruction with a rel32 operand (CALL or JMP)
// at pc targeting target.
func AsmRel32(op byte, pc, target uintptr) ([]byte, error) {
	if !inRel32(pc+Rel32Size, target) {
		return nil, fmt.Errorf("AsmRel32: target %#x out of rel32 range of %#x", target, pc)
	}
	b := make([]byte, Rel32Size)
	b[0] = op
	binary.LittleEndian.PutUint32(b[1:], uint32(int32(int64(target)-int64(pc+Rel32Size))))
	return b, nil
}

// AsmAbsJump assembles `jmp qword ptr [rip+0]` followed by the target, which
// can reach anywhere in the address space.
func AsmAbsJump(target uintptr) []byte {
	b := []byte{0xFF, 0x25, 0x00, 0x00, 0x00, 0x00, 0, 0, 0, 0, 0, 0, 0, 0}
	binary.LittleEndian.PutUint64(b[6:], uint64(target))
	return b
}

// AsmNop returns n single-byte NOPs.
func AsmNop(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = OpNop
	}
	return b
}

// Rel32Target decodes the destination of a CALL/JMP rel32 at pc.
func Rel32Target(pc uintptr, inst []byte) (uintptr, error) {
	if len(inst) < Rel32Size || (inst[0] != OpCall && inst[0] != OpJmp) {
		return 0, fmt.Errorf("Rel32Target: not a rel32 call or jmp at %#x", pc)
	}
	return uintptr(int64(pc+Rel32Size) + int64(int32(binary.LittleEndian.Uint32(inst[1:])))), nil
}

// decodePrologue decodes whole instructions from the start of code until at
// least need bytes are covered.
func decodePrologue(code []byte, need int) ([]x86asm.Inst, int, error) {
	var insts []x86asm.Inst
	var n int
	for n < need {
		if n >= len(code) {
			return nil, 0, fmt.Errorf("prologue shorter than %d bytes", need)
		}
		inst, err := x86asm.Decode(code[n:], 64)
		if err != nil {
			return nil, 0, fmt.Errorf("decode at +%#x: %w", n, err)
		}
		switch inst.Op {
		case x86asm.RET, x86asm.INT:
			if n+inst.Len < need {
				return nil, 0, fmt.Errorf("function ends at +%#x before %d bytes", n, need)
			}
		}
		insts = append(insts, inst)
		n += inst.Len
	}
	return insts, n, nil
}

// disp32 returns the offset of the 32-bit pc-relative displacement in an
// instruction (a rel32 branch target or a rip-relative memory operand).
func disp32(inst x86asm.Inst, raw []byte) (int, bool) {
	if inst.PCRel == 4 {
		return inst.PCRelOff, true
	}
	for _, a := range inst.Args {
		m, ok := a.(x86asm.Mem)
		if !ok || m.Base != x86asm.RIP {
			continue
		}
		// the displacement directly follows a ModRM with mod=00 rm=101
		for i := 1; i+4 <= inst.Len && i+4 <= len(raw); i++ {
			if raw[i-1]&0xC7 == 0x05 && int32(binary.LittleEndian.Uint32(raw[i:])) == int32(m.Disp) {
				return i, true
			}
		}
	}
	return 0, false
}

// relocate copies an instruction decoded at from so it can execute at to,
// adjusting any pc-relative displacement.
func relocate(inst x86asm.Inst, raw []byte, from, to uintptr) ([]byte, error) {
	out := make([]byte, len(raw))
	copy(out, raw)
	off, ok := disp32(inst, raw)
	if !ok {
		if inst.PCRel != 0 {
			return nil, fmt.Errorf("%v: cannot relocate %d-byte pc-relative operand", inst, inst.PCRel)
		}
		for _, a := range inst.Args {
			if m, ok := a.(x86asm.Mem); ok && m.Base == x86asm.RIP {
				return nil, fmt.Errorf("%v: unsupported rip-relative encoding", inst)
			}
		}
		return out, nil
	}
	disp := int64(int32(binary.LittleEndian.Uint32(raw[off:])))
	abs := int64(from) + int64(inst.Len) + disp
	nd := abs - (int64(to) + int64(inst.Len))
	if nd < math.MinInt32 || nd > math.MaxInt32 {
		return nil, fmt.Errorf("%v: relocated displacement out of range", inst)
	}
	binary.LittleEndian.PutUint32(out[off:], uint32(int32(nd)))
	return out, nil
}
