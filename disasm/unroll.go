package disasm

import "golang.org/x/arch/x86/x86asm"

// Unroll follows the handler at addr and collects its linear
// instruction stream. Direct branches are followed rather than
// recorded as control flow; the stream ends at a return or an indirect
// jump. A decode failure ends the routine early with what was
// collected.
//
// Conditional jumps get the same follow-through as jmp: handler bodies
// are straight-line except for chaining jumps, so a conditional inside
// one is never taken during the structural scan.
func (d *Decoder) Unroll(addr uint64) *Routine {
	r := &Routine{}
	for {
		ins, err := d.Decode(addr)
		if err != nil {
			return r
		}
		r.Stream = append(r.Stream, ins)

		switch {
		case ins.IsBranch():
			target, ok := ins.BranchTarget()
			if !ok {
				return r
			}
			addr = target
		case ins.Inst.Op == x86asm.RET:
			return r
		default:
			addr += uint64(ins.Inst.Len)
		}
	}
}
