package disasm

import (
	"fmt"
	"io"
	"strings"

	"golang.org/x/arch/x86/x86asm"
)

// Predicate selects instructions during routine scans.
type Predicate func(*Instruction) bool

// Routine is the unrolled, linear instruction stream of one handler.
// It ends at a return or an indirect jump, unless a decode failure cut
// the unroll short, in which case it has no terminator.
type Routine struct {
	Stream []*Instruction
}

// Len returns the number of instructions in the routine.
func (r *Routine) Len() int {
	return len(r.Stream)
}

// At returns the i-th instruction, or nil when i is out of range.
func (r *Routine) At(i int) *Instruction {
	if i < 0 || i >= len(r.Stream) {
		return nil
	}
	return r.Stream[i]
}

// Next returns the smallest index >= from whose instruction satisfies
// f, or -1 when none does.
func (r *Routine) Next(f Predicate, from int) int {
	if from < 0 {
		from = 0
	}
	for i := from; i < len(r.Stream); i++ {
		if f(r.Stream[i]) {
			return i
		}
	}
	return -1
}

// NextIs is Next with a mnemonic and operand-kind prefix pattern.
func (r *Routine) NextIs(op x86asm.Op, kinds []OperandKind, from int) int {
	return r.Next(func(i *Instruction) bool { return i.Is(op, kinds...) }, from)
}

// Prev returns the largest index <= from whose instruction satisfies
// f, or -1 when none does. from == -1 scans from the end; a from past
// the last index returns -1 without scanning.
func (r *Routine) Prev(f Predicate, from int) int {
	if from == -1 {
		from = len(r.Stream) - 1
	}
	if from >= len(r.Stream) {
		return -1
	}
	for i := from; i >= 0; i-- {
		if f(r.Stream[i]) {
			return i
		}
	}
	return -1
}

// PrevIs is Prev with a mnemonic and operand-kind prefix pattern.
func (r *Routine) PrevIs(op x86asm.Op, kinds []OperandKind, from int) int {
	return r.Prev(func(i *Instruction) bool { return i.Is(op, kinds...) }, from)
}

// Dump writes the routine's disassembly to w.
func (r *Routine) Dump(w io.Writer) {
	for _, ins := range r.Stream {
		fmt.Fprintf(w, "> %s\n", ins)
	}
}

// String returns the routine's disassembly.
func (r *Routine) String() string {
	var b strings.Builder
	r.Dump(&b)
	return b.String()
}

// Raw returns the concatenated machine code of the routine.
func (r *Routine) Raw() []byte {
	var out []byte
	for _, ins := range r.Stream {
		out = append(out, ins.Raw...)
	}
	return out
}
