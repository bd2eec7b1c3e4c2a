// Package regs decodes the thread state flavors returned by
// thread_get_state into named registers.
//
// A ThreadState keeps the raw words it was read as, so that writing it
// back always uses the flavor and count the kernel handed out.
package regs

import (
	"bytes"
	"fmt"

	"github.com/go-delve/machexc/pkg/mach"
)

// Arch describes the register flavors of one CPU architecture.
type Arch struct {
	Name string

	ThreadFlavor     mach.Flavor
	ThreadCount      int
	ExceptionFlavor  mach.Flavor
	ExceptionCount   int
	DefaultSkipWidth uint64

	// word offsets of 64-bit registers inside the thread state
	pc, sp, fp int
	// word offset and width (in words) of the flags register
	flags, flagsWords int
	// names of the 64-bit registers, in layout order
	names []string

	decodeFault func(words []uint32) FaultContext
}

// ThreadState is one flavor of a thread's general register state.
type ThreadState struct {
	Arch   *Arch
	Flavor mach.Flavor
	Words  []uint32
}

// NewThreadState wraps words read with the general flavor of arch.
func NewThreadState(arch *Arch, flavor mach.Flavor, words []uint32) (*ThreadState, error) {
	if flavor != arch.ThreadFlavor {
		return nil, fmt.Errorf("unexpected thread state flavor %d for %s (want %d)", flavor, arch.Name, arch.ThreadFlavor)
	}
	if len(words) != arch.ThreadCount {
		return nil, fmt.Errorf("short thread state for %s: %d words, want %d", arch.Name, len(words), arch.ThreadCount)
	}
	return &ThreadState{Arch: arch, Flavor: flavor, Words: words}, nil
}

func (s *ThreadState) get(off int) uint64 {
	return uint64(s.Words[off]) | uint64(s.Words[off+1])<<32
}

func (s *ThreadState) set(off int, v uint64) {
	s.Words[off] = uint32(v)
	s.Words[off+1] = uint32(v >> 32)
}

// PC returns the instruction pointer.
func (s *ThreadState) PC() uint64 { return s.get(s.Arch.pc) }

// SetPC sets the instruction pointer.
func (s *ThreadState) SetPC(pc uint64) { s.set(s.Arch.pc, pc) }

// SP returns the stack pointer.
func (s *ThreadState) SP() uint64 { return s.get(s.Arch.sp) }

// FP returns the frame pointer.
func (s *ThreadState) FP() uint64 { return s.get(s.Arch.fp) }

// Flags returns rflags on amd64 and cpsr on arm64.
func (s *ThreadState) Flags() uint64 {
	if s.Arch.flagsWords == 1 {
		return uint64(s.Words[s.Arch.flags])
	}
	return s.get(s.Arch.flags)
}

// Reg returns the i-th 64-bit register in layout order.
func (s *ThreadState) Reg(i int) uint64 {
	return s.get(2 * i)
}

// NumRegs is the number of named 64-bit registers.
func (s *ThreadState) NumRegs() int {
	return len(s.Arch.names)
}

// RegName returns the name of the i-th register.
func (s *ThreadState) RegName(i int) string {
	return s.Arch.names[i]
}

// Clone returns a deep copy of s.
func (s *ThreadState) Clone() *ThreadState {
	w := make([]uint32, len(s.Words))
	copy(w, s.Words)
	return &ThreadState{Arch: s.Arch, Flavor: s.Flavor, Words: w}
}

// Equal reports whether s and o hold the same flavor and words.
func (s *ThreadState) Equal(o *ThreadState) bool {
	if s.Flavor != o.Flavor || len(s.Words) != len(o.Words) {
		return false
	}
	for i := range s.Words {
		if s.Words[i] != o.Words[i] {
			return false
		}
	}
	return true
}

func (s *ThreadState) String() string {
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "pc = %#016x sp = %#016x fp = %#016x flags = %#x\n", s.PC(), s.SP(), s.FP(), s.Flags())
	for i, name := range s.Arch.names {
		fmt.Fprintf(&buf, "%s = %#x\n", name, s.Reg(i))
	}
	return buf.String()
}

// FaultContext holds the hardware diagnostics of a fault.
type FaultContext struct {
	Trap         uint32
	CPU          uint32
	ErrorCode    uint32
	FaultAddress uint64
}

func (f FaultContext) String() string {
	return fmt.Sprintf("trapno %#04x cpu %#04x err %#08x faultAddr %#016x", f.Trap, f.CPU, f.ErrorCode, f.FaultAddress)
}

// DecodeFault decodes words read with the exception flavor of a.
func (a *Arch) DecodeFault(flavor mach.Flavor, words []uint32) (FaultContext, error) {
	if flavor != a.ExceptionFlavor || len(words) != a.ExceptionCount {
		return FaultContext{}, fmt.Errorf("unexpected exception state for %s: flavor %d, %d words", a.Name, flavor, len(words))
	}
	return a.decodeFault(words), nil
}
