// Package seh implements structured exception handling for the current
// process on top of Mach exception ports.
//
// Initialize installs a freshly allocated port as the exception handler of
// the calling thread (or of the whole task) and starts a dispatch loop on a
// dedicated OS thread. When a monitored thread faults, the kernel suspends
// it and sends an exception raise request to the port; the loop reads the
// faulting thread's registers, lets a RepairPolicy fix them up and replies,
// which resumes the thread.
//
// Handlers that were installed before Initialize are remembered in a
// Registry so that the Forward policy can hand faults back to them.
package seh

import (
	"fmt"

	"github.com/go-delve/machexc/pkg/mach"
	"github.com/go-delve/machexc/pkg/mach/regs"
)

// Scope selects where the exception port is installed.
type Scope uint8

const (
	// ScopeThread installs the port on the calling thread only. The caller
	// must have locked its goroutine to the OS thread.
	ScopeThread Scope = iota
	// ScopeTask installs the port on the task, catching faults of every
	// thread that has no thread level handler. Note that the Go runtime
	// relies on EXC_BAD_ACCESS reaching its signal handler for nil pointer
	// checks.
	ScopeTask
)

func (s Scope) String() string {
	switch s {
	case ScopeThread:
		return "thread"
	case ScopeTask:
		return "task"
	}
	return fmt.Sprintf("Scope(%d)", uint8(s))
}

// ParseScope parses "thread" or "task".
func ParseScope(s string) (Scope, error) {
	switch s {
	case "", "thread":
		return ScopeThread, nil
	case "task":
		return ScopeTask, nil
	}
	return 0, fmt.Errorf("unknown scope %q", s)
}

// StateErrorPolicy decides what the dispatch loop does when reading or
// writing the faulting thread's state fails.
type StateErrorPolicy uint8

const (
	// BestEffort logs the failure and still replies with the repair
	// policy's disposition.
	BestEffort StateErrorPolicy = iota
	// FailFast replies KERN_FAILURE so that the kernel passes the fault
	// on to the next handler.
	FailFast
)

func (p StateErrorPolicy) String() string {
	switch p {
	case BestEffort:
		return "best-effort"
	case FailFast:
		return "fail-fast"
	}
	return fmt.Sprintf("StateErrorPolicy(%d)", uint8(p))
}

// ParseStateErrorPolicy parses "best-effort" or "fail-fast".
func ParseStateErrorPolicy(s string) (StateErrorPolicy, error) {
	switch s {
	case "", "best-effort":
		return BestEffort, nil
	case "fail-fast":
		return FailFast, nil
	}
	return 0, fmt.Errorf("unknown state error policy %q", s)
}

// ParseBehavior parses "default" or "state-identity".
func ParseBehavior(s string) (mach.Behavior, error) {
	switch s {
	case "", "default":
		return mach.BehaviorDefault, nil
	case "state-identity":
		return mach.BehaviorStateIdentity, nil
	}
	return 0, fmt.Errorf("unknown exception behavior %q", s)
}

// DefaultRepeatLimit is the number of consecutive faults at the same
// instruction of a thread after which the dispatch loop stops repairing.
const DefaultRepeatLimit = 8

// Config configures Initialize.
type Config struct {
	// Mask selects the exception kinds routed to the new port.
	Mask mach.Mask
	// Scope selects the thread or task exception port.
	Scope Scope
	// Behavior is mach.BehaviorDefault or mach.BehaviorStateIdentity.
	// MACH_EXCEPTION_CODES is always requested.
	Behavior mach.Behavior
	// Arch describes the register layout; nil means the running
	// architecture.
	Arch *regs.Arch
	// Repair is applied to every exception; nil means skipping
	// Arch.DefaultSkipWidth bytes.
	Repair RepairPolicy
	// OnStateError is applied when thread_get_state or thread_set_state
	// fail.
	OnStateError StateErrorPolicy
	// RepeatLimit bounds consecutive faults at the same pc of a thread.
	// Zero disables the check.
	RepeatLimit int
	// Tracer receives an Event at every step of the dispatch loop; nil
	// means logging through logflags.DispatchLogger.
	Tracer Tracer
	// Spawn starts the dispatch loop; nil means a goroutine locked to its
	// own OS thread.
	Spawn func(loop func()) error
}

// DefaultConfig catches the hardware faults of the calling thread and
// skips the faulting instruction.
func DefaultConfig() Config {
	return Config{
		Mask:        mach.HardwareMask,
		Scope:       ScopeThread,
		Behavior:    mach.BehaviorDefault,
		RepeatLimit: DefaultRepeatLimit,
	}
}

func (cfg *Config) check() error {
	if cfg.Arch == nil {
		cfg.Arch = regs.Native()
		if cfg.Arch == nil {
			return mach.ErrUnsupported
		}
	}
	if cfg.Mask == 0 || cfg.Mask&^mach.AllMask != 0 {
		return fmt.Errorf("invalid exception mask %s", cfg.Mask)
	}
	switch cfg.Behavior.Base() {
	case 0:
		cfg.Behavior = mach.BehaviorDefault
	case mach.BehaviorDefault, mach.BehaviorStateIdentity:
	default:
		return fmt.Errorf("unsupported exception behavior %s", cfg.Behavior)
	}
	cfg.Behavior |= mach.BehaviorCodes64
	if cfg.Repair == nil {
		cfg.Repair = SkipInstruction{Width: cfg.Arch.DefaultSkipWidth}
	}
	if cfg.RepeatLimit < 0 {
		return fmt.Errorf("negative repeat limit %d", cfg.RepeatLimit)
	}
	if cfg.Tracer == nil {
		cfg.Tracer = newLogTracer()
	}
	if cfg.Spawn == nil {
		cfg.Spawn = spawnLocked
	}
	return nil
}
