// Package fault raises hardware exceptions on the calling thread, for
// exercising an exception port end to end.
//
// Every trigger is a single instruction whose width equals the
// architecture's default skip width, so that skipping it returns straight
// into the Go caller.
package fault

import (
	"errors"
	"fmt"

	"golang.org/x/arch/arm64/arm64asm"
	"golang.org/x/arch/x86/x86asm"

	"github.com/go-delve/machexc/pkg/mach"
	"github.com/go-delve/machexc/pkg/mach/regs"
)

// ErrUnsupported is returned when there is no trigger for a kind on the
// running architecture.
var ErrUnsupported = errors.New("no fault trigger for this architecture")

// Trigger is the instruction executed to raise one kind of exception.
type Trigger struct {
	Arch *regs.Arch
	Kind mach.Kind
	Code []byte
}

// Triggers lists the instructions emitted by the assembly helpers of this
// package.
var Triggers = []Trigger{
	// MOVL (AX), AX
	{regs.AMD64, mach.KindBadAccess, []byte{0x8b, 0x00}},
	// UD2
	{regs.AMD64, mach.KindBadInstruction, []byte{0x0f, 0x0b}},
	// DIVL CX
	{regs.AMD64, mach.KindArithmetic, []byte{0xf7, 0xf1}},
	// LDR w0, [x0]
	{regs.ARM64, mach.KindBadAccess, []byte{0x00, 0x00, 0x40, 0xb9}},
	// UDF #0
	{regs.ARM64, mach.KindBadInstruction, []byte{0x00, 0x00, 0x00, 0x00}},
}

// Lookup returns the trigger for kind on arch.
func Lookup(arch *regs.Arch, kind mach.Kind) (Trigger, error) {
	for _, t := range Triggers {
		if t.Arch == arch && t.Kind == kind {
			return t, nil
		}
	}
	return Trigger{}, fmt.Errorf("%w: %s on %s", ErrUnsupported, kind, arch.Name)
}

// Disassemble returns the Go assembler syntax of the trigger instruction
// and its length in bytes.
func (t Trigger) Disassemble() (string, int, error) {
	switch t.Arch {
	case regs.AMD64:
		inst, err := x86asm.Decode(t.Code, 64)
		if err != nil {
			return "", 0, err
		}
		return x86asm.GoSyntax(inst, 0, nil), inst.Len, nil
	case regs.ARM64:
		inst, err := arm64asm.Decode(t.Code)
		if err != nil {
			return "", 0, err
		}
		return arm64asm.GoSyntax(inst, 0, nil, nil), 4, nil
	}
	return "", 0, fmt.Errorf("%w: %s", ErrUnsupported, t.Arch.Name)
}

// Raise executes the trigger for kind on the calling thread. addr is the
// address read by the bad access trigger. Without an exception port that
// repairs the fault, the Go runtime turns it into a fatal signal.
func Raise(kind mach.Kind, addr uintptr) error {
	return raise(kind, addr)
}
