package mach

// Kernel is the set of Mach calls the exception layer is built on. Every
// method that fails returns a *KernError.
type Kernel interface {
	// TaskSelf returns mach_task_self().
	TaskSelf() Port
	// ThreadSelf returns the port of the calling OS thread. Callers are
	// expected to have locked the goroutine to its thread. The name holds
	// no reference for the caller to release.
	ThreadSelf() Port

	// AllocatePort allocates a new port with a receive right.
	AllocatePort() (Port, error)
	// InsertSendRight makes a send right for port under the same name.
	InsertSendRight(port Port) error
	// DestroyPort releases all rights held on port.
	DestroyPort(port Port) error
	// DeallocatePort drops one user reference on the right named name.
	DeallocatePort(name Port) error
	// PortType returns the rights held on name.
	PortType(name Port) (PortType, error)

	// SetExceptionPorts installs port as the handler of target for the
	// kinds in mask.
	SetExceptionPorts(target Target, mask Mask, port Port, behavior Behavior, flavor Flavor) error
	// GetExceptionPorts returns at most max handler registrations of
	// target intersecting mask.
	GetExceptionPorts(target Target, mask Mask, max int) ([]HandlerEntry, error)

	// Receive blocks until a message arrives on port and copies it,
	// followed by its trailer, into buf. It returns the number of bytes
	// written.
	Receive(port Port, buf []byte) (int, error)
	// Send sends msg without waiting for a reply.
	Send(msg []byte) error
	// Call sends msg with a fresh reply port substituted into its local
	// port field, then receives the reply into buf.
	Call(msg []byte, buf []byte) (int, error)

	// GetThreadState reads count 32-bit words of flavor from thread.
	GetThreadState(thread Port, flavor Flavor, count int) ([]uint32, error)
	// SetThreadState writes state, which must have the word count that
	// GetThreadState returned for the same flavor.
	SetThreadState(thread Port, flavor Flavor, state []uint32) error
}

// IsDeadName reports whether t describes a dead name.
func (t PortType) IsDeadName() bool {
	return t&PortTypeDeadName != 0
}
