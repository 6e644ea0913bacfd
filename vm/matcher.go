package vm

import (
	"golang.org/x/arch/x86/x86asm"

	"github.com/archercreat/vm-jit/disasm"
)

// matcherFunc reports whether a routine has the structural shape of an
// opcode's handler.
type matcherFunc func(*State, *disasm.Routine) bool

// emulatorFunc applies the handler's net stack effect to the symbolic
// stack and, for Jnz, harvests the branch target from it.
type emulatorFunc func(*State, *Instruction)

// handler pairs a structural predicate with its stack emulator.
type handler struct {
	op      Opcode
	match   matcherFunc
	emulate emulatorFunc
}

func isPopReg(i *disasm.Instruction) bool {
	return i.Is(x86asm.POP, disasm.KindReg)
}

func isPushReg(i *disasm.Instruction) bool {
	return i.Is(x86asm.PUSH, disasm.KindReg)
}

// memBase returns the base register of the n-th operand when it is a
// memory operand.
func memBase(i *disasm.Instruction, n int) (x86asm.Reg, bool) {
	m, ok := i.Inst.Args[n].(x86asm.Mem)
	if !ok {
		return 0, false
	}
	return m.Base, true
}

// chainPops returns the index just past n pop-reg instructions found
// in order from the start of the routine, or -1.
func chainPops(r *disasm.Routine, n int) int {
	from := 0
	for ; n > 0; n-- {
		i := r.Next(isPopReg, from)
		if i == -1 {
			return -1
		}
		from = i + 1
	}
	return from
}

// handlers is the ordered match table. The first predicate that holds
// classifies the routine; the order is load-bearing for the
// PushConst/Exit and Exit/Jnz tie-breaks.
var handlers = []handler{
	{
		//	mov     rcx, [r8]
		//	add     r8, 8
		//	xor     rcx, r10
		//	ror     rcx, 17h
		//	xor     r10, rcx
		//	pop     qword ptr [r9+rcx*8]
		op: PopVreg,
		match: func(st *State, r *disasm.Routine) bool {
			return r.Next(func(i *disasm.Instruction) bool {
				base, ok := memBase(i, 0)
				return i.Inst.Op == x86asm.POP && ok && base == VregReg
			}, 0) != -1
		},
		emulate: func(st *State, in *Instruction) {
			st.pop()
		},
	},
	{
		//	push    qword ptr [r9+rcx*8]
		op: PushVreg,
		match: func(st *State, r *disasm.Routine) bool {
			return r.Next(func(i *disasm.Instruction) bool {
				base, ok := memBase(i, 0)
				return i.Inst.Op == x86asm.PUSH && ok && base == VregReg
			}, 0) != -1
		},
		emulate: func(st *State, in *Instruction) {
			st.push(in.Operand)
		},
	},
	{
		//	xor     r10, rcx
		//	push    rcx
		// The xor predecessor and non-ret successor separate the
		// decrypted-constant push from PushVreg and Exit shapes.
		op: PushConst,
		match: func(st *State, r *disasm.Routine) bool {
			i := r.Next(isPushReg, 0)
			if i == -1 {
				return false
			}
			return r.At(i-1).Is(x86asm.XOR, disasm.KindReg, disasm.KindReg) &&
				!r.At(i+1).Is(x86asm.RET)
		},
		emulate: func(st *State, in *Instruction) {
			st.push(in.Operand)
		},
	},
	{
		//	pop     rax
		//	movzx   rax, byte ptr [rax]
		//	push    rax
		op: Read8,
		match: func(st *State, r *disasm.Routine) bool {
			return r.Next(func(i *disasm.Instruction) bool {
				base, ok := memBase(i, 1)
				return i.Inst.Op == x86asm.MOVZX && ok && base == x86asm.RAX
			}, 0) != -1
		},
		emulate: func(st *State, in *Instruction) {
			// Pops an address, pushes the loaded value: net zero.
		},
	},
	{
		//	pop     rax
		//	mov     rax, [rax]
		//	push    rax
		op: Read64,
		match: func(st *State, r *disasm.Routine) bool {
			return r.Next(func(i *disasm.Instruction) bool {
				dst, isReg := i.Inst.Args[0].(x86asm.Reg)
				base, isMem := memBase(i, 1)
				return i.Inst.Op == x86asm.MOV && isReg && dst == x86asm.RAX &&
					isMem && base == x86asm.RAX
			}, 0) != -1
		},
		emulate: func(st *State, in *Instruction) {
			// Net zero, as Read8.
		},
	},
	{
		//	pop     rax
		//	pop     rbx
		//	add     rax, rbx
		//	push    rax
		op: Add,
		match: func(st *State, r *disasm.Routine) bool {
			i1 := r.Next(isPopReg, 0)
			if i1 == -1 {
				return false
			}
			i2 := r.Next(isPopReg, i1+1)
			if i2 == -1 {
				return false
			}
			return r.At(i2 + 1).Is(x86asm.ADD, disasm.KindReg, disasm.KindReg)
		},
		emulate: func(st *State, in *Instruction) {
			st.pop()
		},
	},
	{
		//	pop     rax
		//	pop     rbx
		//	and     rax, rbx
		//	not     rax
		//	push    rax
		op: Nand,
		match: func(st *State, r *disasm.Routine) bool {
			i1 := r.Next(isPopReg, 0)
			if i1 == -1 {
				return false
			}
			i2 := r.Next(isPopReg, i1+1)
			if i2 == -1 {
				return false
			}
			return r.At(i2 + 1).Is(x86asm.AND, disasm.KindReg, disasm.KindReg)
		},
		emulate: func(st *State, in *Instruction) {
			st.pop()
		},
	},
	{
		//	pop     rax
		//	pop     rbx
		//	mul     rbx
		//	push    rax
		op: Mul,
		match: func(st *State, r *disasm.Routine) bool {
			i1 := r.Next(isPopReg, 0)
			if i1 == -1 {
				return false
			}
			i2 := r.Next(isPopReg, i1+1)
			if i2 == -1 {
				return false
			}
			return r.At(i2 + 1).Is(x86asm.MUL, disasm.KindReg)
		},
		emulate: func(st *State, in *Instruction) {
			st.pop()
		},
	},
	{
		//	pop     rax
		//	pop     rbx
		//	pop     rdx
		//	pop     rdi
		//	pop     rsi
		//	cmp     rax, rbx
		//	mov     rcx, 13h
		//	cmovnz  r10, rdx
		//	cmovnz  r8, rdi
		//	cmovnz  rcx, rsi
		op: Jnz,
		match: func(st *State, r *disasm.Routine) bool {
			if chainPops(r, 4) == -1 {
				return false
			}
			return r.Next(func(i *disasm.Instruction) bool {
				return i.Inst.Op == x86asm.CMOVNE
			}, 0) != -1
		},
		emulate: func(st *State, in *Instruction) {
			// Compared pair, then the taken-path rolling key. The next
			// slot is the taken-path bytecode address: the branch
			// target identity.
			st.pop()
			st.pop()
			st.pop()
			in.Operand = st.top()
			st.pop()
			st.pop()
		},
	},
	{
		//	pop     r15 ... pop rax (15 pops)
		//	retn
		op: Exit,
		match: func(st *State, r *disasm.Routine) bool {
			return chainPops(r, gprCount) != -1
		},
		emulate: func(st *State, in *Instruction) {
			for i := 0; i < gprCount; i++ {
				st.pop()
			}
		},
	},
}

// Match classifies routine against the ordered handler table and
// applies the winning emulator to the symbolic stack. Routines no
// predicate recognizes yield an Invalid instruction.
func Match(st *State, r *disasm.Routine, operand uint64) Instruction {
	out := Instruction{Op: Invalid, Operand: operand}
	for _, h := range handlers {
		if h.match(st, r) {
			out.Op = h.op
			h.emulate(st, &out)
			return out
		}
	}
	return out
}
