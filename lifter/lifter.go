// Package lifter raises the recovered virtual instruction stream into
// an LLVM-style IR module: one external function over a context struct
// of the 15 physical registers, with the virtual register file and the
// spilled evaluation stack materialized as internal globals. The
// module is deliberately unoptimized; a standard mem2reg/GVN/DCE
// pipeline collapses the temporaries.
package lifter

import (
	"fmt"

	"github.com/llir/llvm/ir"
	"github.com/llir/llvm/ir/constant"
	"github.com/llir/llvm/ir/enum"
	"github.com/llir/llvm/ir/types"
	"github.com/llir/llvm/ir/value"
	"github.com/pkg/errors"

	"github.com/archercreat/vm-jit/vm"
)

// pregCount physical register slots travel through the context struct.
const pregCount = 15

// Lifter is the IR emitter backend.
type Lifter struct {
	m       *ir.Module
	fn      *ir.Func
	ctxType types.Type
	cur     *ir.Block

	// anchors maps a VIP to the marker instruction opening its
	// lowering, the stable point back-branches split blocks at.
	anchors map[uint64]ir.Instruction
	// stack spills every pushed value to a temp global so dataflow
	// survives block splits without SSA bookkeeping.
	stack []*ir.Global
	// dead collects placeholder targets of forward branches to VIPs
	// not yet lowered when the branch was added; a VIP lowered later
	// does not retarget them.
	dead   []*ir.Block
	vregs  [pregCount]*ir.Global
	ntemp  int
	nsplit int
}

// New creates a lifter with the context types, the vreg globals and
// the entry block in place, and the incoming registers pushed onto the
// virtual stack.
func New() *Lifter {
	m := ir.NewModule()

	regType := m.NewTypeDef("RegisterR", types.NewStruct(types.I64))
	fields := make([]types.Type, pregCount)
	for i := range fields {
		fields[i] = regType
	}
	ctxType := m.NewTypeDef("ContextTy", types.NewStruct(fields...))

	fn := m.NewFunc("main", types.Void, ir.NewParam("regs", types.NewPointer(ctxType)))

	l := &Lifter{
		m:       m,
		fn:      fn,
		ctxType: ctxType,
		anchors: make(map[uint64]ir.Instruction),
	}
	l.cur = fn.NewBlock("loc_0")

	for i := 0; i < pregCount; i++ {
		g := m.NewGlobalDef(fmt.Sprintf("vreg_%d", i), constant.NewInt(types.I64, 0))
		g.Linkage = enum.LinkageInternal
		l.vregs[i] = g
	}
	for i := 0; i < pregCount; i++ {
		l.virtualPush(l.getPreg(i))
	}
	return l
}

// pregPtr addresses register slot idx inside the context struct.
func (l *Lifter) pregPtr(idx int) value.Value {
	return l.cur.NewGetElementPtr(l.ctxType, l.fn.Params[0],
		constant.NewInt(types.I64, 0),
		constant.NewInt(types.I32, int64(idx)),
		constant.NewInt(types.I32, 0))
}

func (l *Lifter) getPreg(idx int) value.Value {
	return l.cur.NewLoad(types.I64, l.pregPtr(idx))
}

func (l *Lifter) setPreg(idx int, v value.Value) {
	l.cur.NewStore(v, l.pregPtr(idx))
}

func (l *Lifter) virtualPush(v value.Value) {
	g := l.m.NewGlobalDef(fmt.Sprintf("temp_%d", l.ntemp), constant.NewInt(types.I64, 0))
	g.Linkage = enum.LinkageInternal
	l.ntemp++
	l.cur.NewStore(v, g)
	l.stack = append(l.stack, g)
}

func (l *Lifter) virtualPop() value.Value {
	if len(l.stack) == 0 {
		panic("lifter: virtual stack underflow")
	}
	g := l.stack[len(l.stack)-1]
	l.stack = l.stack[:len(l.stack)-1]
	return l.cur.NewLoad(types.I64, g)
}

// splitAt moves everything from anchor onward into a new block and
// rewires the old block to fall through to it. Splitting the block
// under construction carries the in-progress tail along, so emission
// continues in the new block.
func (l *Lifter) splitAt(anchor ir.Instruction, name string) *ir.Block {
	for _, b := range l.fn.Blocks {
		for i, inst := range b.Insts {
			if inst != anchor {
				continue
			}
			nb := l.fn.NewBlock(name)
			nb.Insts = append(nb.Insts, b.Insts[i:]...)
			nb.Term = b.Term
			b.Insts = b.Insts[:i]
			b.Term = nil
			b.NewBr(nb)
			if l.cur == b {
				l.cur = nb
			}
			return nb
		}
	}
	panic("lifter: split anchor not found in any block")
}

// Add lowers one virtual instruction into the current block.
func (l *Lifter) Add(in vm.Instruction) error {
	// A benign marker opens every instruction so back-branches have a
	// stable split point for this VIP.
	marker := l.cur.NewAdd(constant.NewInt(types.I32, 1337), constant.NewInt(types.I32, 1337))
	l.anchors[in.VIP] = marker

	switch in.Op {
	case vm.PopVreg:
		if in.Operand >= pregCount {
			return errors.Errorf("vreg index %d out of range", in.Operand)
		}
		l.cur.NewStore(l.virtualPop(), l.vregs[in.Operand])

	case vm.PushVreg:
		if in.Operand >= pregCount {
			return errors.Errorf("vreg index %d out of range", in.Operand)
		}
		l.virtualPush(l.cur.NewLoad(types.I64, l.vregs[in.Operand]))

	case vm.PushConst:
		l.virtualPush(constant.NewInt(types.I64, int64(in.Operand)))

	case vm.Read8:
		t := l.virtualPop()
		ptr := l.cur.NewIntToPtr(t, types.NewPointer(types.I8))
		b := l.cur.NewLoad(types.I8, ptr)
		l.virtualPush(l.cur.NewZExt(b, types.I64))

	case vm.Read64:
		t := l.virtualPop()
		ptr := l.cur.NewIntToPtr(t, types.NewPointer(types.I64))
		l.virtualPush(l.cur.NewLoad(types.I64, ptr))

	case vm.Add:
		a := l.virtualPop()
		b := l.virtualPop()
		l.virtualPush(l.cur.NewAdd(a, b))

	case vm.Nand:
		a := l.virtualPop()
		b := l.virtualPop()
		and := l.cur.NewAnd(a, b)
		l.virtualPush(l.cur.NewXor(and, constant.NewInt(types.I64, -1)))

	case vm.Mul:
		a := l.virtualPop()
		b := l.virtualPop()
		l.virtualPush(l.cur.NewMul(a, b))

	case vm.Jnz:
		// Resolve the target first: a back-branch splits the block the
		// target VIP lowered into, possibly the one being built.
		var target *ir.Block
		if anchor, ok := l.anchors[in.Operand]; ok {
			target = l.splitAt(anchor, fmt.Sprintf("loc_%x_%d", in.Operand, l.nsplit))
			l.nsplit++
		} else {
			target = l.fn.NewBlock(fmt.Sprintf("dead_%x_%d", in.Operand, len(l.dead)))
			l.dead = append(l.dead, target)
		}

		c1 := l.virtualPop()
		c2 := l.virtualPop()
		// Taken-path key schedule; recompiled control flow replaces it.
		l.virtualPop()
		l.virtualPop()
		l.virtualPop()

		cond := l.cur.NewICmp(enum.IPredEQ, c1, c2)
		fall := l.fn.NewBlock(fmt.Sprintf("loc_%x", in.VIP+8))
		// Equal falls through; not-equal takes the recovered target.
		l.cur.NewCondBr(cond, fall, target)
		l.cur = fall

	case vm.Exit:
		for i := pregCount - 1; i >= 0; i-- {
			l.setPreg(i, l.virtualPop())
		}
		l.cur.NewRet(nil)

	default:
		return errors.Errorf("cannot lift opcode %v", in.Op)
	}
	return nil
}

// Compile terminates the dead branches with self-loops, checks the
// function is well formed, and returns the finished module.
func (l *Lifter) Compile() (*ir.Module, error) {
	for _, b := range l.dead {
		b.NewBr(b)
	}
	for _, b := range l.fn.Blocks {
		if b.Term == nil {
			return nil, errors.Errorf("block %s has no terminator", b.Name())
		}
	}
	return l.m, nil
}
