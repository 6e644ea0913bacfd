package main

import (
	"fmt"
	"os"

	log "github.com/sirupsen/logrus"

	"github.com/archercreat/vm-jit/disasm"
	"github.com/archercreat/vm-jit/image"
	"github.com/archercreat/vm-jit/jitter"
	"github.com/archercreat/vm-jit/lifter"
	"github.com/archercreat/vm-jit/vm"
)

// Tuning constants for the supported VM instance. These describe one
// target, they are not general parameters.
const (
	// bytecodeBase is the virtual address of the encrypted bytecode.
	bytecodeBase = 0x140067050
	// initialKey seeds the rolling decryption key.
	initialKey = 0x1337DEAD6969CAFE
	// initialRorKey decrypts the very first handler pointer.
	initialRorKey = 5
	// vmEntryOffset is the file offset of the VM entry stub the
	// recompiled buffer overwrites.
	vmEntryOffset = 0x2C07C
)

func usage() {
	fmt.Fprintf(os.Stderr, "Usage: %s <target-image> -llvm|-asmjit\n", os.Args[0])
	os.Exit(1)
}

func main() {
	log.SetFormatter(&log.TextFormatter{DisableTimestamp: true})

	if len(os.Args) != 3 {
		usage()
	}
	path := os.Args[1]

	img, err := image.Load(path)
	if err != nil {
		log.WithError(err).Fatal("load target image")
	}

	state := vm.NewState(img, bytecodeBase, initialKey)
	dec := disasm.NewDecoder(img)

	switch os.Args[2] {
	case "-llvm":
		l := lifter.New()
		if err := vm.NewDriver(state, dec, l).Run(initialRorKey); err != nil {
			log.WithError(err).Fatal("devirtualization failed")
		}
		m, err := l.Compile()
		if err != nil {
			log.WithError(err).Fatal("finalize module")
		}
		if err := os.WriteFile("bytecode.ll", []byte(m.String()), 0o644); err != nil {
			log.WithError(err).Fatal("write bytecode.ll")
		}
		log.Info("wrote bytecode.ll")

	case "-asmjit":
		j, err := jitter.New()
		if err != nil {
			log.WithError(err).Fatal("create jitter")
		}
		if err := vm.NewDriver(state, dec, j).Run(initialRorKey); err != nil {
			log.WithError(err).Fatal("devirtualization failed")
		}
		code, err := j.Compile()
		if err != nil {
			log.WithError(err).Fatal("assemble code buffer")
		}
		out := append([]byte(nil), img.Raw()...)
		if vmEntryOffset+len(code) > len(out) {
			log.Fatalf("code buffer of %d bytes does not fit at offset %#x", len(code), vmEntryOffset)
		}
		copy(out[vmEntryOffset:], code)
		if err := os.WriteFile("output.exe", out, 0o644); err != nil {
			log.WithError(err).Fatal("write output.exe")
		}
		log.WithField("bytes", len(code)).Info("wrote output.exe")

	default:
		usage()
	}
}
