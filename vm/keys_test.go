package vm_test

import (
	"fmt"
	"testing"

	"github.com/archercreat/vm-jit/disasm"
	"github.com/archercreat/vm-jit/vm"
)

// byteMem maps a flat byte slice at a fixed base address.
type byteMem struct {
	base uint64
	data []byte
}

func (m byteMem) Slice(addr uint64, n int) ([]byte, error) {
	if addr < m.base || addr >= m.base+uint64(len(m.data)) {
		return nil, fmt.Errorf("unmapped address %#x", addr)
	}
	off := addr - m.base
	end := off + uint64(n)
	if end > uint64(len(m.data)) {
		end = uint64(len(m.data))
	}
	return m.data[off:end], nil
}

func mkRoutine(t *testing.T, code []byte) *disasm.Routine {
	t.Helper()
	return disasm.NewDecoder(byteMem{base: 0x1000, data: code}).Unroll(0x1000)
}

// operandFetch is the decrypt sequence handlers embed per operand:
//
//	mov rcx, [r8]; add r8, 8; xor rcx, r10; ror rcx, key; xor r10, rcx
func operandFetch(key byte) []byte {
	return []byte{
		0x49, 0x8B, 0x08,
		0x49, 0x83, 0xC0, 0x08,
		0x4C, 0x31, 0xD1,
		0x48, 0xC1, 0xC9, key,
		0x49, 0x31, 0xCA,
	}
}

// dispatchFetch is the tail decrypting and entering the next handler:
//
//	mov rax, [r8]; add r8, 8; xor rax, r10; ror rax, key; xor r10, rax; jmp rax
func dispatchFetch(key byte) []byte {
	return []byte{
		0x49, 0x8B, 0x00,
		0x49, 0x83, 0xC0, 0x08,
		0x4C, 0x31, 0xD0,
		0x48, 0xC1, 0xC8, key,
		0x49, 0x31, 0xC2,
		0xFF, 0xE0,
	}
}

func TestExtractRorKeysSingle(t *testing.T) {
	code := append(operandFetch(0x17), 0xC3)
	keys := vm.ExtractRorKeys(mkRoutine(t, code))
	if len(keys) != 1 || keys[0] != 0x17 {
		t.Fatalf("got %#x, want [0x17]", keys)
	}
}

func TestExtractRorKeysDouble(t *testing.T) {
	code := append(operandFetch(0x17), operandFetch(0x0B)...)
	code = append(code, 0xC3)
	keys := vm.ExtractRorKeys(mkRoutine(t, code))
	if len(keys) != 2 || keys[0] != 0x17 || keys[1] != 0x0B {
		t.Fatalf("got %#x, want [0x17 0xb]", keys)
	}
}

func TestExtractRorKeysIgnoresUnsandwiched(t *testing.T) {
	// ror rcx, 5 with no xor neighbors is an incidental rotation.
	code := []byte{0x48, 0xC1, 0xC9, 0x05, 0xC3}
	if keys := vm.ExtractRorKeys(mkRoutine(t, code)); len(keys) != 0 {
		t.Fatalf("got %#x, want none", keys)
	}
}

func TestExtractJccKey(t *testing.T) {
	code := []byte{
		0x48, 0xC7, 0xC1, 0x13, 0x00, 0x00, 0x00, // mov rcx, 0x13
		0x48, 0xD3, 0xC8, // ror rax, cl
		0xC3,
	}
	key, err := vm.ExtractJccKey(mkRoutine(t, code))
	if err != nil {
		t.Fatal(err)
	}
	if key != 0x13 {
		t.Fatalf("got %#x, want 0x13", key)
	}
}

func TestExtractJccKeyUsesLastAnchor(t *testing.T) {
	code := []byte{
		0x48, 0xC7, 0xC1, 0x11, 0x00, 0x00, 0x00, // mov rcx, 0x11
		0x48, 0xD3, 0xC8, // ror rax, cl
		0x48, 0xC7, 0xC1, 0x22, 0x00, 0x00, 0x00, // mov rcx, 0x22
		0x48, 0xD3, 0xC8, // ror rax, cl
		0xC3,
	}
	key, err := vm.ExtractJccKey(mkRoutine(t, code))
	if err != nil {
		t.Fatal(err)
	}
	if key != 0x22 {
		t.Fatalf("got %#x, want 0x22", key)
	}
}

func TestExtractJccKeyMalformed(t *testing.T) {
	if _, err := vm.ExtractJccKey(mkRoutine(t, []byte{0x90, 0xC3})); err == nil {
		t.Fatal("expected error for routine without ror rax, cl")
	}
	// ror present but no rcx immediate load before it.
	code := []byte{0x48, 0xD3, 0xC8, 0xC3}
	if _, err := vm.ExtractJccKey(mkRoutine(t, code)); err == nil {
		t.Fatal("expected error for routine without mov rcx, imm")
	}
}
