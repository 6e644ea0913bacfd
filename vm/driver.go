package vm

import (
	"fmt"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/archercreat/vm-jit/disasm"
)

// Emitter consumes the recovered virtual instruction stream one record
// at a time.
type Emitter interface {
	Add(Instruction) error
}

// Driver ties the chain together: decrypt the next handler pointer,
// unroll the handler, extract its key schedule, classify it, and feed
// the recovered instruction to the emitter.
type Driver struct {
	state *State
	dec   *disasm.Decoder
	emit  Emitter
}

// NewDriver creates a driver over the given state, decoder and
// emitter.
func NewDriver(state *State, dec *disasm.Decoder, emit Emitter) *Driver {
	return &Driver{state: state, dec: dec, emit: emit}
}

// Run iterates handlers starting with the given initial ROR key until
// the VM exits. An unrecognized handler is dumped through the logger
// and aborts the walk.
func (d *Driver) Run(rorKey uint64) error {
	for {
		savedVIP := d.state.VIP

		handlerAddr, err := d.state.DecryptVIP(rorKey)
		if err != nil {
			return err
		}
		routine := d.dec.Unroll(handlerAddr)
		keys := ExtractRorKeys(routine)

		var operand uint64
		if len(keys) > 1 {
			if len(keys) != 2 {
				return errors.Errorf("handler at %#x: unexpected %d ror keys", handlerAddr, len(keys))
			}
			// Two keys mean the handler decrypts an embedded operand
			// with the first one before fetching the next handler.
			operand, err = d.state.DecryptVIP(keys[0])
			if err != nil {
				return err
			}
		}

		instr := Match(d.state, routine, operand)
		instr.VIP = savedVIP

		if instr.Op == Invalid {
			log.Errorf("unrecognized handler at %#x:\n%s", handlerAddr, routine)
			return errors.Errorf("unrecognized handler at %#x", handlerAddr)
		}

		log.WithFields(log.Fields{
			"vip":     fmt.Sprintf("%#x", instr.VIP),
			"op":      instr.Op.String(),
			"operand": fmt.Sprintf("%#x", instr.Operand),
		}).Info("virtual instruction")

		if err := d.emit.Add(instr); err != nil {
			return errors.Wrapf(err, "emit at vip %#x", instr.VIP)
		}

		switch instr.Op {
		case Jnz:
			// The fall-through key schedule hides in the handler tail
			// rather than in a key-update sandwich.
			rorKey, err = ExtractJccKey(routine)
			if err != nil {
				return errors.Wrapf(err, "handler at %#x", handlerAddr)
			}
		case Exit:
			return nil
		default:
			if len(keys) == 0 {
				return errors.Errorf("handler at %#x: no ror key updates", handlerAddr)
			}
			rorKey = keys[len(keys)-1]
		}
	}
}
