package seh

import (
	"errors"
	"fmt"

	"github.com/go-delve/machexc/pkg/mach"
	"github.com/go-delve/machexc/pkg/mach/msg"
	"github.com/go-delve/machexc/pkg/mach/regs"
)

// ErrNoState is returned by policies that need the faulting thread's
// registers when they could not be read.
var ErrNoState = errors.New("thread state unavailable")

// Fault is the exception being handled, as handed to a RepairPolicy.
type Fault struct {
	Notification *msg.Notification
	// State is the faulting thread's general register state, nil when it
	// could not be obtained. A policy that changes it must set Modified.
	State *regs.ThreadState
	// Context is the hardware fault diagnostics, nil when unavailable.
	Context *regs.FaultContext
	// Modified makes the dispatch loop write State back before replying.
	Modified bool

	kernel   mach.Kernel
	registry *Registry
}

// Previous returns the handler that was responsible for this kind of
// exception before Initialize, if it is still alive.
func (f *Fault) Previous() (mach.HandlerEntry, bool) {
	if f.registry == nil {
		return mach.HandlerEntry{}, false
	}
	return f.registry.Lookup(f.Notification.Exception)
}

// Forward delivers the exception to h and waits for its reply. Thread
// state returned by a state behavior handler replaces f.State.
func (f *Fault) Forward(h mach.HandlerEntry) (mach.KernReturn, error) {
	n := *f.Notification
	if h.Behavior.Base() != mach.BehaviorDefault {
		if f.State == nil {
			return mach.KernFailure, ErrNoState
		}
		if f.State.Flavor != h.Flavor {
			return mach.KernFailure, fmt.Errorf("handler %#x expects flavor %d, have %d", uint32(h.Port), h.Flavor, f.State.Flavor)
		}
		n.Flavor = h.Flavor
		n.State = f.State.Words
	}
	req, err := msg.Forward(&n, h)
	if err != nil {
		return mach.KernFailure, err
	}
	buf := make([]byte, receiveBufferSize)
	cnt, err := f.kernel.Call(req, buf)
	if err != nil {
		return mach.KernFailure, err
	}
	r, err := msg.DecodeReply(buf[:cnt])
	if err != nil {
		return mach.KernFailure, err
	}
	if r.RetCode == mach.KernSuccess && r.State != nil && f.State != nil {
		if r.Flavor != f.State.Flavor || len(r.State) != len(f.State.Words) {
			return mach.KernFailure, fmt.Errorf("handler %#x returned flavor %d state of %d words", uint32(h.Port), r.Flavor, len(r.State))
		}
		copy(f.State.Words, r.State)
		f.Modified = true
	}
	return r.RetCode, nil
}

// RepairPolicy decides how an exception is disposed of. The returned code
// becomes the reply's RetCode: KERN_SUCCESS resumes the thread, anything
// else makes the kernel try the next exception port. A non-nil error is
// traced but does not change the reply.
type RepairPolicy interface {
	Name() string
	Repair(f *Fault) (mach.KernReturn, error)
}

// SkipInstruction advances the program counter past the faulting
// instruction and resumes the thread.
type SkipInstruction struct {
	Width uint64
}

func (SkipInstruction) Name() string { return "skip" }

func (p SkipInstruction) Repair(f *Fault) (mach.KernReturn, error) {
	if f.State == nil {
		return mach.KernSuccess, ErrNoState
	}
	f.State.SetPC(f.State.PC() + p.Width)
	f.Modified = true
	return mach.KernSuccess, nil
}

// Forward hands the exception to the handler that was installed before
// Initialize and returns its answer. Without a live previous handler it
// declines.
type Forward struct{}

func (Forward) Name() string { return "forward" }

func (Forward) Repair(f *Fault) (mach.KernReturn, error) {
	h, ok := f.Previous()
	if !ok {
		return mach.KernFailure, nil
	}
	return f.Forward(h)
}

// Decline leaves the thread untouched and lets the kernel pass the
// exception on.
type Decline struct{}

func (Decline) Name() string { return "decline" }

func (Decline) Repair(*Fault) (mach.KernReturn, error) {
	return mach.KernFailure, nil
}

// RepairPolicyNames lists the names accepted by ParseRepairPolicy.
var RepairPolicyNames = []string{"skip", "forward", "decline"}

// ParseRepairPolicy returns the policy called name. width is used by
// "skip"; zero means the running architecture's default.
func ParseRepairPolicy(name string, width uint64) (RepairPolicy, error) {
	switch name {
	case "", "skip":
		if width == 0 {
			if a := regs.Native(); a != nil {
				width = a.DefaultSkipWidth
			}
		}
		if width == 0 {
			return nil, fmt.Errorf("no default skip width on this architecture")
		}
		return SkipInstruction{Width: width}, nil
	case "forward":
		return Forward{}, nil
	case "decline":
		return Decline{}, nil
	}
	return nil, fmt.Errorf("unknown repair policy %q, want one of %v", name, RepairPolicyNames)
}
