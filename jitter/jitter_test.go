package jitter

import (
	"bytes"
	"testing"

	"github.com/archercreat/vm-jit/vm"
)

func addAll(t *testing.T, j *Jitter, instrs []vm.Instruction) {
	t.Helper()
	for _, in := range instrs {
		if err := j.Add(in); err != nil {
			t.Fatalf("add %+v: %v", in, err)
		}
	}
}

func TestEntrySeedsStack(t *testing.T) {
	j, err := New()
	if err != nil {
		t.Fatal(err)
	}
	if j.depth != 15 {
		t.Fatalf("entry depth = %d, want 15", j.depth)
	}
}

func TestStackBalance(t *testing.T) {
	j, err := New()
	if err != nil {
		t.Fatal(err)
	}
	steps := []struct {
		in   vm.Instruction
		want int
	}{
		{vm.Instruction{Op: vm.PushConst, VIP: 0, Operand: 3}, 16},
		{vm.Instruction{Op: vm.PushConst, VIP: 8, Operand: 4}, 17},
		{vm.Instruction{Op: vm.Add, VIP: 16}, 16},
		{vm.Instruction{Op: vm.Read64, VIP: 24}, 16},
		{vm.Instruction{Op: vm.PopVreg, VIP: 32, Operand: 2}, 15},
		{vm.Instruction{Op: vm.PushVreg, VIP: 40, Operand: 2}, 16},
		{vm.Instruction{Op: vm.Nand, VIP: 48}, 15},
		{vm.Instruction{Op: vm.Exit, VIP: 56}, 0},
	}
	for _, s := range steps {
		if err := j.Add(s.in); err != nil {
			t.Fatalf("add %+v: %v", s.in, err)
		}
		if j.depth != s.want {
			t.Fatalf("after %v: depth = %d, want %d", s.in.Op, j.depth, s.want)
		}
	}
}

func TestCompileEmitsCode(t *testing.T) {
	j, err := New()
	if err != nil {
		t.Fatal(err)
	}
	addAll(t, j, []vm.Instruction{
		{Op: vm.PushConst, VIP: 0, Operand: 3},
		{Op: vm.PushConst, VIP: 8, Operand: 4},
		{Op: vm.Add, VIP: 16},
		{Op: vm.Exit, VIP: 24},
	})
	code, err := j.Compile()
	if err != nil {
		t.Fatal(err)
	}
	if len(code) == 0 {
		t.Fatal("empty code buffer")
	}
	if code[len(code)-1] != 0xC3 {
		t.Errorf("code does not end in ret: % x", code[len(code)-8:])
	}
}

func TestCompileTrapsDeadBranches(t *testing.T) {
	j, err := New()
	if err != nil {
		t.Fatal(err)
	}
	addAll(t, j, []vm.Instruction{
		{Op: vm.PushConst, VIP: 0, Operand: 1},
		{Op: vm.PushConst, VIP: 8, Operand: 2},
		{Op: vm.PushConst, VIP: 16, Operand: 0},
		{Op: vm.PushConst, VIP: 24, Operand: 0},
		{Op: vm.PushConst, VIP: 32, Operand: 0},
		{Op: vm.Jnz, VIP: 40, Operand: 0xDEAD},
		{Op: vm.Exit, VIP: 48},
	})
	if len(j.pending) != 1 {
		t.Fatalf("pending targets = %d, want 1", len(j.pending))
	}
	code, err := j.Compile()
	if err != nil {
		t.Fatal(err)
	}
	if len(j.pending) != 0 {
		t.Error("pending branches survived compile")
	}
	if !bytes.Contains(code, []byte{0xCC}) {
		t.Error("dead branch is not trap-terminated")
	}
}

func TestBackwardBranchResolves(t *testing.T) {
	j, err := New()
	if err != nil {
		t.Fatal(err)
	}
	addAll(t, j, []vm.Instruction{
		{Op: vm.PushConst, VIP: 0, Operand: 1},
		{Op: vm.PushConst, VIP: 8, Operand: 2},
		{Op: vm.PushConst, VIP: 16, Operand: 0},
		{Op: vm.PushConst, VIP: 24, Operand: 0},
		{Op: vm.PushConst, VIP: 32, Operand: 0},
		{Op: vm.Jnz, VIP: 40, Operand: 8}, // loop back to the second push
	})
	if len(j.pending) != 0 {
		t.Fatalf("backward branch left %d pending targets", len(j.pending))
	}
	// Rebalance and finish.
	addAll(t, j, []vm.Instruction{{Op: vm.Exit, VIP: 48}})
	if _, err := j.Compile(); err != nil {
		t.Fatal(err)
	}
}

func TestVregBounds(t *testing.T) {
	j, err := New()
	if err != nil {
		t.Fatal(err)
	}
	if err := j.Add(vm.Instruction{Op: vm.PopVreg, VIP: 0, Operand: 15}); err == nil {
		t.Fatal("expected error for out-of-range vreg")
	}
}
