// Package vm recovers the virtual-machine program embedded in a
// protected binary. It walks the encrypted bytecode, unrolls and
// classifies each handler routine, and streams the recovered virtual
// instructions into an emitter backend.
package vm

import (
	"math/bits"

	"github.com/pkg/errors"
	"golang.org/x/arch/x86/x86asm"
)

// Opcode enumerates the closed virtual instruction set.
type Opcode uint8

const (
	// PopVreg pops the stack top into a virtual register.
	PopVreg Opcode = iota
	// PushVreg pushes a virtual register.
	PushVreg
	// PushConst pushes an embedded immediate.
	PushConst
	// Read8 replaces the stack top with the zero-extended byte it
	// points at.
	Read8
	// Read64 replaces the stack top with the qword it points at.
	Read64
	// Add replaces the top two slots with their sum.
	Add
	// Nand replaces the top two slots with ~(a & b).
	Nand
	// Mul replaces the top two slots with the low 64 bits of their
	// product.
	Mul
	// Jnz branches when the top two slots differ.
	Jnz
	// Exit restores the physical registers and leaves the VM.
	Exit
	// Invalid marks a handler no matcher recognized.
	Invalid
)

// String returns the trace name of the opcode.
func (o Opcode) String() string {
	switch o {
	case PopVreg:
		return "VM_POP_VREG"
	case PushVreg:
		return "VM_PUSH_VREG"
	case PushConst:
		return "VM_PUSH_CONST"
	case Read8:
		return "VM_READ_8"
	case Read64:
		return "VM_READ_64"
	case Add:
		return "VM_ADD"
	case Nand:
		return "VM_NAND"
	case Mul:
		return "VM_MUL"
	case Jnz:
		return "VM_JNZ"
	case Exit:
		return "VM_EXIT"
	}
	return "INVALID"
}

// Instruction is one recovered virtual instruction. VIP is the
// pre-handler virtual instruction pointer; the emitters use it as the
// branch-target identity. Operand is 0 for handlers with no embedded
// immediate.
type Instruction struct {
	Op      Opcode
	VIP     uint64
	Operand uint64
}

// Physical-register roles fixed by the target VM.
const (
	// VIPReg carries the virtual instruction pointer.
	VIPReg = x86asm.R8
	// VregReg carries the virtual register file base.
	VregReg = x86asm.R9
	// KeyReg carries the rolling decryption key.
	KeyReg = x86asm.R10
)

// gprCount is the number of general-purpose registers the VM spills
// onto its data stack on entry.
const gprCount = 15

// Memory provides little-endian word fetches from the mapped image.
type Memory interface {
	ReadUint64(addr uint64) (uint64, error)
}

// State is the decryption state machine walking the VM bytecode. The
// symbolic stack mirrors the VM data stack one uint64 per slot; it
// starts with one zero entry per spilled register.
type State struct {
	// VIP is the address of the next bytecode word.
	VIP uint64
	// RKey is the rolling decryption key.
	RKey uint64
	// Stack is the symbolic data stack.
	Stack []uint64

	mem Memory
}

// NewState creates VM state positioned at the bytecode start.
func NewState(mem Memory, vip, rkey uint64) *State {
	return &State{
		VIP:   vip,
		RKey:  rkey,
		Stack: make([]uint64, gprCount),
		mem:   mem,
	}
}

// DecryptVIP fetches and decrypts the next bytecode word, advancing
// the VIP and folding the word into the rolling key:
//
//	mov     rax, [r8]       ; r8 - vip
//	add     r8, 8
//	xor     rax, r10        ; r10 - rkey
//	ror     rax, key
//	xor     r10, rax
func (s *State) DecryptVIP(rorKey uint64) (uint64, error) {
	v, err := s.mem.ReadUint64(s.VIP)
	if err != nil {
		return 0, errors.Wrapf(err, "bytecode fetch at %#x", s.VIP)
	}
	s.VIP += 8

	v ^= s.RKey
	v = bits.RotateLeft64(v, -int(rorKey&63))
	s.RKey ^= v

	return v, nil
}

func (s *State) push(v uint64) {
	s.Stack = append(s.Stack, v)
}

func (s *State) pop() uint64 {
	if len(s.Stack) == 0 {
		panic("vm: symbolic stack underflow")
	}
	v := s.Stack[len(s.Stack)-1]
	s.Stack = s.Stack[:len(s.Stack)-1]
	return v
}

func (s *State) top() uint64 {
	if len(s.Stack) == 0 {
		panic("vm: symbolic stack underflow")
	}
	return s.Stack[len(s.Stack)-1]
}
