package vm

import (
	"github.com/pkg/errors"
	"golang.org/x/arch/x86/x86asm"

	"github.com/archercreat/vm-jit/disasm"
)

// ExtractRorKeys returns the handler's embedded ROR key updates in
// program order. A key-update site is a ror reg, imm whose immediate
// neighbors on both sides are xor reg, reg; incidental rotations fail
// the sandwich test. The last key decrypts the next handler pointer;
// with two keys the first decrypts this handler's embedded operand.
func ExtractRorKeys(r *disasm.Routine) []uint64 {
	var out []uint64
	kinds := []disasm.OperandKind{disasm.KindReg, disasm.KindImm}
	from := 0
	for {
		i := r.NextIs(x86asm.ROR, kinds, from)
		if i == -1 {
			return out
		}
		if r.At(i-1).Is(x86asm.XOR, disasm.KindReg, disasm.KindReg) &&
			r.At(i+1).Is(x86asm.XOR, disasm.KindReg, disasm.KindReg) {
			imm := r.At(i).Inst.Args[1].(x86asm.Imm)
			out = append(out, uint64(imm))
		}
		from = i + 1
	}
}

// ExtractJccKey recovers the decryption key a Jnz handler uses for the
// fall-through path: the immediate loaded into rcx just before the
// final ror rax, cl. Both anchors must be present; their absence means
// the handler is not the expected Jnz shape.
func ExtractJccKey(r *disasm.Routine) (uint64, error) {
	iRor := r.Prev(func(i *disasm.Instruction) bool {
		dst, ok1 := i.Inst.Args[0].(x86asm.Reg)
		src, ok2 := i.Inst.Args[1].(x86asm.Reg)
		return i.Inst.Op == x86asm.ROR && ok1 && dst == x86asm.RAX && ok2 && src == x86asm.CL
	}, -1)
	if iRor == -1 {
		return 0, errors.New("jnz handler: no ror rax, cl")
	}

	iLoad := r.Prev(func(i *disasm.Instruction) bool {
		dst, ok := i.Inst.Args[0].(x86asm.Reg)
		_, isImm := i.Inst.Args[1].(x86asm.Imm)
		return i.Inst.Op == x86asm.MOV && ok && dst == x86asm.RCX && isImm
	}, iRor)
	if iLoad == -1 {
		return 0, errors.New("jnz handler: no mov rcx, imm before ror rax, cl")
	}

	return uint64(r.At(iLoad).Inst.Args[1].(x86asm.Imm)), nil
}
