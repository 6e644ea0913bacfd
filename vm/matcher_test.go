package vm_test

import (
	"testing"

	"github.com/archercreat/vm-jit/vm"
)

// Handler body fixtures, one per opcode shape.
var (
	popVregCode  = []byte{0x41, 0x8F, 0x01, 0xC3}       // pop qword ptr [r9]; ret
	pushVregCode = []byte{0x41, 0xFF, 0x31, 0xC3}       // push qword ptr [r9]; ret
	pushConstCode = []byte{
		0x48, 0x31, 0xC9, // xor rcx, rcx
		0x51,             // push rcx
		0x90,             // nop
		0xC3,
	}
	read8Code = []byte{
		0x58,                   // pop rax
		0x48, 0x0F, 0xB6, 0x00, // movzx rax, byte ptr [rax]
		0x50, // push rax
		0xC3,
	}
	read64Code = []byte{
		0x58,             // pop rax
		0x48, 0x8B, 0x00, // mov rax, [rax]
		0x50, // push rax
		0xC3,
	}
	addCode = []byte{
		0x58,             // pop rax
		0x5B,             // pop rbx
		0x48, 0x01, 0xD8, // add rax, rbx
		0x50, // push rax
		0xC3,
	}
	nandCode = []byte{
		0x58,             // pop rax
		0x5B,             // pop rbx
		0x48, 0x21, 0xD8, // and rax, rbx
		0x48, 0xF7, 0xD0, // not rax
		0x50, // push rax
		0xC3,
	}
	mulCode = []byte{
		0x58,             // pop rax
		0x5B,             // pop rbx
		0x48, 0xF7, 0xE3, // mul rbx
		0x50, // push rax
		0xC3,
	}
	jnzCode = []byte{
		0x58,                                     // pop rax
		0x5B,                                     // pop rbx
		0x5A,                                     // pop rdx
		0x5F,                                     // pop rdi
		0x5E,                                     // pop rsi
		0x48, 0x39, 0xD8,                         // cmp rax, rbx
		0x48, 0xC7, 0xC1, 0x13, 0x00, 0x00, 0x00, // mov rcx, 0x13
		0x4C, 0x0F, 0x45, 0xD2, // cmovnz r10, rdx
		0x4C, 0x0F, 0x45, 0xC7, // cmovnz r8, rdi
		0x48, 0x0F, 0x45, 0xCE, // cmovnz rcx, rsi
		0x48, 0xD3, 0xC8, // ror rax, cl
		0xC3,
	}
	exitCode = []byte{
		0x41, 0x5F, // pop r15
		0x41, 0x5E, // pop r14
		0x41, 0x5D, // pop r13
		0x41, 0x5C, // pop r12
		0x41, 0x5B, // pop r11
		0x41, 0x5A, // pop r10
		0x41, 0x59, // pop r9
		0x41, 0x58, // pop r8
		0x5D,       // pop rbp
		0x5E,       // pop rsi
		0x5F,       // pop rdi
		0x5A,       // pop rdx
		0x59,       // pop rcx
		0x5B,       // pop rbx
		0x58,       // pop rax
		0xC3,
	}
)

func TestMatchOpcodes(t *testing.T) {
	tests := []struct {
		name      string
		code      []byte
		operand   uint64
		wantOp    vm.Opcode
		wantDepth int
	}{
		{"pop vreg", popVregCode, 3, vm.PopVreg, 14},
		{"push vreg", pushVregCode, 3, vm.PushVreg, 16},
		{"push const", pushConstCode, 0x1234, vm.PushConst, 16},
		{"read 8", read8Code, 0, vm.Read8, 15},
		{"read 64", read64Code, 0, vm.Read64, 15},
		{"add", addCode, 0, vm.Add, 14},
		{"nand", nandCode, 0, vm.Nand, 14},
		{"mul", mulCode, 0, vm.Mul, 14},
		{"exit", exitCode, 0, vm.Exit, 0},
		{"invalid", []byte{0x90, 0xC3}, 0, vm.Invalid, 15},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			st := vm.NewState(wordMem{}, 0, 0)
			in := vm.Match(st, mkRoutine(t, tt.code), tt.operand)
			if in.Op != tt.wantOp {
				t.Fatalf("got %v, want %v", in.Op, tt.wantOp)
			}
			if in.Operand != tt.operand {
				t.Errorf("operand = %#x, want %#x", in.Operand, tt.operand)
			}
			if len(st.Stack) != tt.wantDepth {
				t.Errorf("stack depth = %d, want %d", len(st.Stack), tt.wantDepth)
			}
		})
	}
}

func TestMatchJnzHarvestsTarget(t *testing.T) {
	st := vm.NewState(wordMem{}, 0, 0)
	st.Stack = []uint64{1, 2, 3, 4, 0xBEEF, 11, 12, 13}

	in := vm.Match(st, mkRoutine(t, jnzCode), 0)
	if in.Op != vm.Jnz {
		t.Fatalf("got %v, want Jnz", in.Op)
	}
	if in.Operand != 0xBEEF {
		t.Errorf("branch target = %#x, want 0xbeef", in.Operand)
	}
	if len(st.Stack) != 3 {
		t.Errorf("stack depth = %d, want 3", len(st.Stack))
	}
}

func TestMatchPushedValues(t *testing.T) {
	st := vm.NewState(wordMem{}, 0, 0)
	vm.Match(st, mkRoutine(t, pushConstCode), 0xCAFE)
	if top := st.Stack[len(st.Stack)-1]; top != 0xCAFE {
		t.Fatalf("stack top = %#x, want 0xcafe", top)
	}
}

func TestMatchDeterminism(t *testing.T) {
	r := mkRoutine(t, addCode)
	for i := 0; i < 3; i++ {
		st := vm.NewState(wordMem{}, 0, 0)
		if in := vm.Match(st, r, 0); in.Op != vm.Add {
			t.Fatalf("run %d: got %v, want Add", i, in.Op)
		}
	}
}
