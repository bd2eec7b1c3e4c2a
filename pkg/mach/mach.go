// Package mach describes the subset of the Mach kernel interface used to
// catch exceptions raised against threads of the current task: ports and
// rights, exception ports, message passing and thread register state.
//
// The Kernel interface is implemented by the native darwin backend (see
// Native) and by the simulated kernel in package machtest.
package mach

import "fmt"

// Port is a Mach port name in the current task's IPC space.
type Port uint32

// PortNull is MACH_PORT_NULL.
const PortNull Port = 0

// PortDead is MACH_PORT_DEAD.
const PortDead Port = ^Port(0)

// Kind is an exception type (exception_type_t).
type Kind int32

const (
	KindBadAccess      Kind = 1 // EXC_BAD_ACCESS
	KindBadInstruction Kind = 2 // EXC_BAD_INSTRUCTION
	KindArithmetic     Kind = 3 // EXC_ARITHMETIC
	KindEmulation      Kind = 4 // EXC_EMULATION
	KindSoftware       Kind = 5 // EXC_SOFTWARE
	KindBreakpoint     Kind = 6 // EXC_BREAKPOINT
	KindSyscall        Kind = 7 // EXC_SYSCALL
	KindMachSyscall    Kind = 8 // EXC_MACH_SYSCALL
)

// Mask returns the exception mask bit for k.
func (k Kind) Mask() Mask {
	if k <= 0 || k >= 32 {
		return 0
	}
	return Mask(1) << uint(k)
}

func (k Kind) String() string {
	switch k {
	case KindBadAccess:
		return "EXC_BAD_ACCESS"
	case KindBadInstruction:
		return "EXC_BAD_INSTRUCTION"
	case KindArithmetic:
		return "EXC_ARITHMETIC"
	case KindEmulation:
		return "EXC_EMULATION"
	case KindSoftware:
		return "EXC_SOFTWARE"
	case KindBreakpoint:
		return "EXC_BREAKPOINT"
	case KindSyscall:
		return "EXC_SYSCALL"
	case KindMachSyscall:
		return "EXC_MACH_SYSCALL"
	}
	return fmt.Sprintf("EXC_UNKNOWN(%d)", int32(k))
}

// Mask is a set of exception kinds (exception_mask_t).
type Mask uint32

const (
	MaskBadAccess      = Mask(1 << KindBadAccess)
	MaskBadInstruction = Mask(1 << KindBadInstruction)
	MaskArithmetic     = Mask(1 << KindArithmetic)
	MaskSoftware       = Mask(1 << KindSoftware)
	MaskBreakpoint     = Mask(1 << KindBreakpoint)
	MaskSyscall        = Mask(1 << KindSyscall)
	MaskMachSyscall    = Mask(1 << KindMachSyscall)

	// HardwareMask selects the faults a repair policy can act on.
	HardwareMask = MaskBadAccess | MaskBadInstruction | MaskArithmetic

	// AllMask is every kind an exception port can be installed for.
	AllMask = HardwareMask | MaskSoftware | MaskBreakpoint | MaskSyscall | MaskMachSyscall
)

// Has reports whether k is a member of m.
func (m Mask) Has(k Kind) bool {
	return m&k.Mask() != 0
}

// Kinds returns the members of m in ascending order.
func (m Mask) Kinds() []Kind {
	var r []Kind
	for k := KindBadAccess; k <= KindMachSyscall; k++ {
		if m.Has(k) {
			r = append(r, k)
		}
	}
	return r
}

func (m Mask) String() string {
	if m == 0 {
		return "0"
	}
	s := ""
	for _, k := range m.Kinds() {
		if s != "" {
			s += "|"
		}
		s += k.String()
	}
	if rest := m &^ AllMask &^ Mask(1<<KindEmulation); rest != 0 {
		if s != "" {
			s += "|"
		}
		s += fmt.Sprintf("%#x", uint32(rest))
	}
	return s
}

// Behavior selects the message format used to deliver an exception
// (exception_behavior_t).
type Behavior int32

const (
	BehaviorDefault       Behavior = 1 // EXCEPTION_DEFAULT
	BehaviorState         Behavior = 2 // EXCEPTION_STATE
	BehaviorStateIdentity Behavior = 3 // EXCEPTION_STATE_IDENTITY

	// BehaviorCodes64 is MACH_EXCEPTION_CODES: codes are delivered as
	// 64-bit integers.
	BehaviorCodes64 Behavior = -0x80000000
)

// Base strips the MACH_EXCEPTION_CODES flag.
func (b Behavior) Base() Behavior {
	return b &^ BehaviorCodes64
}

// Codes64 reports whether MACH_EXCEPTION_CODES is set.
func (b Behavior) Codes64() bool {
	return b&BehaviorCodes64 != 0
}

func (b Behavior) String() string {
	var s string
	switch b.Base() {
	case BehaviorDefault:
		s = "EXCEPTION_DEFAULT"
	case BehaviorState:
		s = "EXCEPTION_STATE"
	case BehaviorStateIdentity:
		s = "EXCEPTION_STATE_IDENTITY"
	default:
		s = fmt.Sprintf("EXCEPTION_BEHAVIOR(%d)", int32(b.Base()))
	}
	if b.Codes64() {
		s += "|MACH_EXCEPTION_CODES"
	}
	return s
}

// Flavor identifies the layout of a thread state structure
// (thread_state_flavor_t).
type Flavor int32

// PortType is the result of mach_port_type.
type PortType uint32

const (
	PortTypeSend     PortType = 1 << 16
	PortTypeReceive  PortType = 1 << 17
	PortTypeSendOnce PortType = 1 << 18
	PortTypePortSet  PortType = 1 << 19
	PortTypeDeadName PortType = 1 << 20
)

// Target names the thread or task whose exception ports are read or set.
type Target struct {
	Port Port
	Task bool
}

func (t Target) String() string {
	if t.Task {
		return fmt.Sprintf("task %#x", uint32(t.Port))
	}
	return fmt.Sprintf("thread %#x", uint32(t.Port))
}

// HandlerEntry is one exception handler registration as returned by
// thread_get_exception_ports.
type HandlerEntry struct {
	Mask     Mask
	Port     Port
	Behavior Behavior
	Flavor   Flavor
}

func (e HandlerEntry) String() string {
	return fmt.Sprintf("mask %s handler %#x behavior %s flavor %d", e.Mask, uint32(e.Port), e.Behavior, e.Flavor)
}

// Names of the kernel calls, used as KernError.Op.
const (
	OpPortAllocate         = "mach_port_allocate"
	OpPortInsertRight      = "mach_port_insert_right"
	OpPortDestroy          = "mach_port_destroy"
	OpPortDeallocate       = "mach_port_deallocate"
	OpPortType             = "mach_port_type"
	OpThreadSetExceptPorts = "thread_set_exception_ports"
	OpTaskSetExceptPorts   = "task_set_exception_ports"
	OpThreadGetExceptPorts = "thread_get_exception_ports"
	OpTaskGetExceptPorts   = "task_get_exception_ports"
	OpMsgReceive           = "mach_msg_receive"
	OpMsgSend              = "mach_msg_send"
	OpMsgCall              = "mach_msg"
	OpThreadGetState       = "thread_get_state"
	OpThreadSetState       = "thread_set_state"
)

// SetExceptionPortsOp returns the name of the call that installs exception
// ports on t.
func (t Target) SetExceptionPortsOp() string {
	if t.Task {
		return OpTaskSetExceptPorts
	}
	return OpThreadSetExceptPorts
}

// GetExceptionPortsOp returns the name of the call that reads exception
// ports of t.
func (t Target) GetExceptionPortsOp() string {
	if t.Task {
		return OpTaskGetExceptPorts
	}
	return OpThreadGetExceptPorts
}
