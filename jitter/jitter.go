// Package jitter recompiles the recovered virtual instruction stream
// into a flat x86-64 code buffer that can be patched over the VM entry
// of the original binary.
//
// The assembler has no register allocator, so every symbolic stack
// slot and every virtual register gets a fixed 8-byte home in a stack
// frame reserved on entry. Opcode lowerings move values through RAX
// and RCX only; no value is live in a register across an instruction
// boundary.
package jitter

import (
	"sort"

	"github.com/pkg/errors"
	asm "github.com/twitchyliquid64/golang-asm"
	"github.com/twitchyliquid64/golang-asm/obj"
	"github.com/twitchyliquid64/golang-asm/obj/x86"

	"github.com/archercreat/vm-jit/vm"
)

const (
	// vregCount virtual registers persist across instructions.
	vregCount = 15
	// stackCap bounds the symbolic evaluation stack depth.
	stackCap = 64
	// frameSize reserves homes for the virtual registers followed by
	// the evaluation slots.
	frameSize = (vregCount + stackCap) * 8
)

// entryRegs is the bottom-to-top order the VM spills the physical
// registers on entry. Exit restores them in reverse; the final pop
// lands in rax, which doubles as the return value.
var entryRegs = []int16{
	x86.REG_AX, x86.REG_BX, x86.REG_CX, x86.REG_DX,
	x86.REG_DI, x86.REG_SI, x86.REG_BP,
	x86.REG_R8, x86.REG_R9, x86.REG_R10, x86.REG_R11,
	x86.REG_R12, x86.REG_R13, x86.REG_R14, x86.REG_R15,
}

// Jitter is the native-code emitter backend.
type Jitter struct {
	b *asm.Builder

	// labels maps a VIP to its anchor prog.
	labels map[uint64]*obj.Prog
	// pending collects branches to VIPs not yet bound. Whatever is
	// still here at Compile becomes a trap-terminated dead branch.
	pending map[uint64][]*obj.Prog
	// depth is the symbolic evaluation stack depth.
	depth int
}

// New creates a jitter with the frame reserved and the incoming
// physical registers spilled to the symbolic stack, mirroring the VM
// entry sequence.
func New() (*Jitter, error) {
	b, err := asm.NewBuilder("amd64", 1024)
	if err != nil {
		return nil, errors.Wrap(err, "create assembler")
	}
	j := &Jitter{
		b:       b,
		labels:  make(map[uint64]*obj.Prog),
		pending: make(map[uint64][]*obj.Prog),
	}
	j.op2(x86.ASUBQ, constOp(frameSize), regOp(x86.REG_SP))
	for _, r := range entryRegs {
		slot := j.push()
		j.op2(x86.AMOVQ, regOp(r), j.slotOp(slot))
	}
	return j, nil
}

func regOp(r int16) obj.Addr {
	return obj.Addr{Type: obj.TYPE_REG, Reg: r}
}

func constOp(v int64) obj.Addr {
	return obj.Addr{Type: obj.TYPE_CONST, Offset: v}
}

func memOp(base int16, off int64) obj.Addr {
	return obj.Addr{Type: obj.TYPE_MEM, Reg: base, Offset: off}
}

// slotOp addresses evaluation slot s in the frame.
func (j *Jitter) slotOp(s int) obj.Addr {
	return memOp(x86.REG_SP, int64(vregCount+s)*8)
}

// vregOp addresses virtual register idx in the frame.
func (j *Jitter) vregOp(idx uint64) obj.Addr {
	return memOp(x86.REG_SP, int64(idx)*8)
}

func (j *Jitter) prog(as obj.As) *obj.Prog {
	p := j.b.NewProg()
	p.As = as
	j.b.AddInstruction(p)
	return p
}

func (j *Jitter) op1(as obj.As, to obj.Addr) *obj.Prog {
	p := j.prog(as)
	p.To = to
	return p
}

func (j *Jitter) op2(as obj.As, from, to obj.Addr) *obj.Prog {
	p := j.prog(as)
	p.From = from
	p.To = to
	return p
}

// push allocates the next evaluation slot.
func (j *Jitter) push() int {
	if j.depth == stackCap {
		panic("jitter: symbolic stack overflow")
	}
	s := j.depth
	j.depth++
	return s
}

// pop releases the top evaluation slot.
func (j *Jitter) pop() int {
	if j.depth == 0 {
		panic("jitter: symbolic stack underflow")
	}
	j.depth--
	return j.depth
}

// bind anchors vip at the current emission point and resolves any
// branches already waiting for it.
func (j *Jitter) bind(vip uint64) {
	anchor := j.prog(obj.ANOP)
	j.labels[vip] = anchor
	for _, br := range j.pending[vip] {
		br.To.SetTarget(anchor)
	}
	delete(j.pending, vip)
}

// Add lowers one virtual instruction. Every instruction binds a label
// for its VIP first so later Jnz lowerings can branch back to it.
func (j *Jitter) Add(in vm.Instruction) error {
	j.bind(in.VIP)

	switch in.Op {
	case vm.PopVreg:
		if in.Operand >= vregCount {
			return errors.Errorf("vreg index %d out of range", in.Operand)
		}
		s := j.pop()
		j.op2(x86.AMOVQ, j.slotOp(s), regOp(x86.REG_AX))
		j.op2(x86.AMOVQ, regOp(x86.REG_AX), j.vregOp(in.Operand))

	case vm.PushVreg:
		if in.Operand >= vregCount {
			return errors.Errorf("vreg index %d out of range", in.Operand)
		}
		j.op2(x86.AMOVQ, j.vregOp(in.Operand), regOp(x86.REG_AX))
		j.op2(x86.AMOVQ, regOp(x86.REG_AX), j.slotOp(j.push()))

	case vm.PushConst:
		j.op2(x86.AMOVQ, constOp(int64(in.Operand)), regOp(x86.REG_AX))
		j.op2(x86.AMOVQ, regOp(x86.REG_AX), j.slotOp(j.push()))

	case vm.Read8:
		s := j.pop()
		j.op2(x86.AMOVQ, j.slotOp(s), regOp(x86.REG_AX))
		j.op2(x86.AMOVBQZX, memOp(x86.REG_AX, 0), regOp(x86.REG_AX))
		j.op2(x86.AMOVQ, regOp(x86.REG_AX), j.slotOp(j.push()))

	case vm.Read64:
		s := j.pop()
		j.op2(x86.AMOVQ, j.slotOp(s), regOp(x86.REG_AX))
		j.op2(x86.AMOVQ, memOp(x86.REG_AX, 0), regOp(x86.REG_AX))
		j.op2(x86.AMOVQ, regOp(x86.REG_AX), j.slotOp(j.push()))

	case vm.Add:
		a := j.pop()
		b := j.pop()
		j.op2(x86.AMOVQ, j.slotOp(a), regOp(x86.REG_AX))
		j.op2(x86.AADDQ, j.slotOp(b), regOp(x86.REG_AX))
		j.op2(x86.AMOVQ, regOp(x86.REG_AX), j.slotOp(j.push()))

	case vm.Nand:
		a := j.pop()
		b := j.pop()
		j.op2(x86.AMOVQ, j.slotOp(a), regOp(x86.REG_AX))
		j.op2(x86.AANDQ, j.slotOp(b), regOp(x86.REG_AX))
		j.op1(x86.ANOTQ, regOp(x86.REG_AX))
		j.op2(x86.AMOVQ, regOp(x86.REG_AX), j.slotOp(j.push()))

	case vm.Mul:
		// Two-operand imul keeps the low 64 bits, which is all the VM
		// keeps of its widening mul, and leaves rdx alone.
		a := j.pop()
		b := j.pop()
		j.op2(x86.AMOVQ, j.slotOp(a), regOp(x86.REG_AX))
		j.op2(x86.AIMULQ, j.slotOp(b), regOp(x86.REG_AX))
		j.op2(x86.AMOVQ, regOp(x86.REG_AX), j.slotOp(j.push()))

	case vm.Jnz:
		c1 := j.pop()
		c2 := j.pop()
		// The remaining three slots carry the taken-path key schedule,
		// which recompiled code has no use for.
		j.pop()
		j.pop()
		j.pop()
		j.op2(x86.AMOVQ, j.slotOp(c1), regOp(x86.REG_AX))
		j.op2(x86.AMOVQ, j.slotOp(c2), regOp(x86.REG_CX))
		j.op2(x86.ACMPQ, regOp(x86.REG_AX), regOp(x86.REG_CX))
		br := j.prog(x86.AJNE)
		br.To.Type = obj.TYPE_BRANCH
		if anchor, ok := j.labels[in.Operand]; ok {
			br.To.SetTarget(anchor)
		} else {
			j.pending[in.Operand] = append(j.pending[in.Operand], br)
		}

	case vm.Exit:
		for i := len(entryRegs) - 1; i >= 0; i-- {
			s := j.pop()
			j.op2(x86.AMOVQ, j.slotOp(s), regOp(entryRegs[i]))
		}
		j.op2(x86.AADDQ, constOp(frameSize), regOp(x86.REG_SP))
		j.prog(obj.ARET)

	default:
		return errors.Errorf("cannot lower opcode %v", in.Op)
	}
	return nil
}

// Compile terminates every dead branch with a trap and assembles the
// final code buffer.
func (j *Jitter) Compile() ([]byte, error) {
	vips := make([]uint64, 0, len(j.pending))
	for vip := range j.pending {
		vips = append(vips, vip)
	}
	sort.Slice(vips, func(a, b int) bool { return vips[a] < vips[b] })

	for _, vip := range vips {
		anchor := j.prog(obj.ANOP)
		// Single-byte INT3 (0xCC); INT with an immediate of 3 would
		// assemble as the two-byte CD 03 form.
		trap := j.prog(x86.ABYTE)
		trap.From = constOp(0xCC)
		for _, br := range j.pending[vip] {
			br.To.SetTarget(anchor)
		}
		delete(j.pending, vip)
	}

	code := j.b.Assemble()
	if len(code) == 0 {
		return nil, errors.New("assembled an empty code buffer")
	}
	return code, nil
}
