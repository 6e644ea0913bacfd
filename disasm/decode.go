// Package disasm decodes x86-64 handler routines out of a mapped
// target image and provides the linear-scan queries the structural
// matchers are built on.
package disasm

import (
	"fmt"

	"github.com/pkg/errors"
	"golang.org/x/arch/x86/x86asm"
)

// window is the number of bytes assumed decodable at any address a
// handler can reach.
const window = 0x1000

// Memory provides read access to the mapped target image.
type Memory interface {
	// Slice returns up to n readable bytes starting at addr.
	Slice(addr uint64, n int) ([]byte, error)
}

// OperandKind classifies a decoded operand.
type OperandKind uint8

const (
	// KindReg is a register operand.
	KindReg OperandKind = iota
	// KindMem is a memory operand.
	KindMem
	// KindImm is an immediate operand.
	KindImm
	// KindRel is a code-relative branch target.
	KindRel
)

func kindOf(arg x86asm.Arg) (OperandKind, bool) {
	switch arg.(type) {
	case x86asm.Reg:
		return KindReg, true
	case x86asm.Mem:
		return KindMem, true
	case x86asm.Imm:
		return KindImm, true
	case x86asm.Rel:
		return KindRel, true
	}
	return 0, false
}

// Instruction is one decoded native instruction.
type Instruction struct {
	// Addr is the virtual address the instruction was decoded at.
	Addr uint64
	// Inst is the decoded form.
	Inst x86asm.Inst
	// Raw holds the instruction's machine code bytes.
	Raw []byte
}

// Is reports whether the instruction has the given mnemonic and its
// leading operands have the given kinds. Extra operands beyond the
// pattern are ignored. A nil instruction matches nothing, which lets
// callers probe neighbors without bounds checks.
func (i *Instruction) Is(op x86asm.Op, kinds ...OperandKind) bool {
	if i == nil || i.Inst.Op != op {
		return false
	}
	for n, want := range kinds {
		got, ok := kindOf(i.Inst.Args[n])
		if !ok || got != want {
			return false
		}
	}
	return true
}

// IsBranch reports whether the instruction is a conditional or
// unconditional jump.
func (i *Instruction) IsBranch() bool {
	switch i.Inst.Op {
	case x86asm.JMP,
		x86asm.JA, x86asm.JAE, x86asm.JB, x86asm.JBE,
		x86asm.JCXZ, x86asm.JECXZ, x86asm.JRCXZ,
		x86asm.JE, x86asm.JNE,
		x86asm.JG, x86asm.JGE, x86asm.JL, x86asm.JLE,
		x86asm.JO, x86asm.JNO, x86asm.JP, x86asm.JNP,
		x86asm.JS, x86asm.JNS:
		return true
	}
	return false
}

// BranchTarget computes the absolute destination of a direct branch.
// The second return is false for register- or memory-indirect jumps.
func (i *Instruction) BranchTarget() (uint64, bool) {
	rel, ok := i.Inst.Args[0].(x86asm.Rel)
	if !ok {
		return 0, false
	}
	return i.Addr + uint64(i.Inst.Len) + uint64(int64(rel)), true
}

// String formats the instruction as address plus Intel syntax.
func (i *Instruction) String() string {
	return fmt.Sprintf("0x%016x %s", i.Addr, x86asm.IntelSyntax(i.Inst, i.Addr, nil))
}

// Extend returns the largest enclosing general-purpose register, e.g.
// AL -> RAX, R8W -> R8. Non-GPR registers are returned unchanged.
func Extend(r x86asm.Reg) x86asm.Reg {
	switch {
	case r >= x86asm.RAX && r <= x86asm.R15:
		return r
	case r >= x86asm.EAX && r <= x86asm.R15L:
		return x86asm.RAX + (r - x86asm.EAX)
	case r >= x86asm.AX && r <= x86asm.R15W:
		return x86asm.RAX + (r - x86asm.AX)
	case r >= x86asm.AL && r <= x86asm.BL:
		return x86asm.RAX + (r - x86asm.AL)
	case r >= x86asm.AH && r <= x86asm.BH:
		return x86asm.RAX + (r - x86asm.AH)
	case r >= x86asm.SPB && r <= x86asm.DIB:
		return x86asm.RSP + (r - x86asm.SPB)
	case r >= x86asm.R8B && r <= x86asm.R15B:
		return x86asm.R8 + (r - x86asm.R8B)
	}
	return r
}

// IsSelector reports whether r is a segment selector register.
func IsSelector(r x86asm.Reg) bool {
	switch r {
	case x86asm.CS, x86asm.DS, x86asm.ES, x86asm.FS, x86asm.GS, x86asm.SS:
		return true
	}
	return false
}

// RegisterSize returns the width of r in bytes, or 0 for registers the
// devirtualizer does not model.
func RegisterSize(r x86asm.Reg) int {
	switch {
	case r >= x86asm.AL && r <= x86asm.R15B:
		return 1
	case r >= x86asm.AX && r <= x86asm.R15W:
		return 2
	case r >= x86asm.EAX && r <= x86asm.R15L:
		return 4
	case r >= x86asm.RAX && r <= x86asm.R15:
		return 8
	case IsSelector(r):
		return 2
	}
	return 0
}

// Decoder decodes instructions out of a mapped image. It is configured
// for 64-bit long mode.
type Decoder struct {
	mem Memory
}

// NewDecoder creates a decoder reading from mem.
func NewDecoder(mem Memory) *Decoder {
	return &Decoder{mem: mem}
}

// Decode decodes the single instruction at addr.
func (d *Decoder) Decode(addr uint64) (*Instruction, error) {
	buf, err := d.mem.Slice(addr, window)
	if err != nil {
		return nil, errors.Wrapf(err, "decode at %#x", addr)
	}
	inst, err := x86asm.Decode(buf, 64)
	if err != nil {
		return nil, errors.Wrapf(err, "decode at %#x", addr)
	}
	raw := make([]byte, inst.Len)
	copy(raw, buf)
	return &Instruction{Addr: addr, Inst: inst, Raw: raw}, nil
}
