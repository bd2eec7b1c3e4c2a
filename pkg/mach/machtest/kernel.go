// Package machtest provides a simulated Mach kernel for testing the
// exception layer without touching real threads.
//
// The simulation keeps one IPC space with ports, rights and dead names,
// thread and task exception port tables, and a register file per thread.
// Faults are delivered as real exception raise messages built with package
// msg, so everything downstream of Receive sees the same bytes the kernel
// would send.
package machtest

import (
	"sync"

	"github.com/go-delve/machexc/pkg/mach"
	"github.com/go-delve/machexc/pkg/mach/msg"
	"github.com/go-delve/machexc/pkg/mach/regs"
)

const exceptionKinds = 32

type port struct {
	name   mach.Port
	typ    mach.PortType
	queue  chan []byte
	closed chan struct{}
	seqno  uint32
}

// Kernel is a simulated mach.Kernel. The zero value is not usable, call
// NewKernel.
type Kernel struct {
	arch *regs.Arch

	mu       sync.Mutex
	nextName mach.Port
	ports    map[mach.Port]*port
	threads  map[mach.Port]*Thread
	task     mach.Port
	current  mach.Port
	taskExc  [exceptionKinds]mach.HandlerEntry
	failures map[string]mach.KernReturn
	sent     int
	// serveErrs holds the replies Serve could not deliver.
	serveErrs []error
	// refs counts the thread and task send rights moved into exception
	// messages received in this task.
	refs map[mach.Port]int
}

// NewKernel returns a simulated kernel for arch with a single thread,
// which ThreadSelf reports until SetCurrentThread is called.
func NewKernel(arch *regs.Arch) *Kernel {
	k := &Kernel{
		arch:     arch,
		nextName: 0x1003,
		ports:    make(map[mach.Port]*port),
		threads:  make(map[mach.Port]*Thread),
		failures: make(map[string]mach.KernReturn),
		refs:     make(map[mach.Port]int),
	}
	k.task = k.allocName()
	k.current = k.NewThread().Port
	return k
}

// Arch returns the architecture the kernel simulates.
func (k *Kernel) Arch() *regs.Arch {
	return k.arch
}

func (k *Kernel) allocName() mach.Port {
	n := k.nextName
	k.nextName += 0x100
	return n
}

func (k *Kernel) newPortLocked(typ mach.PortType) *port {
	p := &port{
		name:   k.allocName(),
		typ:    typ,
		queue:  make(chan []byte, 64),
		closed: make(chan struct{}),
	}
	k.ports[p.name] = p
	return p
}

// Fail makes every later call named op (one of the mach.Op constants)
// return kr. Passing KERN_SUCCESS clears the failure.
func (k *Kernel) Fail(op string, kr mach.KernReturn) {
	k.mu.Lock()
	defer k.mu.Unlock()
	if kr == mach.KernSuccess {
		delete(k.failures, op)
		return
	}
	k.failures[op] = kr
}

func (k *Kernel) failLocked(op string) error {
	if kr, ok := k.failures[op]; ok {
		return &mach.KernError{Op: op, Code: kr}
	}
	return nil
}

// SetCurrentThread changes the thread returned by ThreadSelf.
func (k *Kernel) SetCurrentThread(th *Thread) {
	k.mu.Lock()
	k.current = th.Port
	k.mu.Unlock()
}

// Thread returns the simulated thread named by p.
func (k *Kernel) Thread(p mach.Port) *Thread {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.threads[p]
}

// Sent returns the number of messages sent with Send.
func (k *Kernel) Sent() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.sent
}

// ServeErrors returns the errors Serve hit sending replies.
func (k *Kernel) ServeErrors() []error {
	k.mu.Lock()
	defer k.mu.Unlock()
	return append([]error(nil), k.serveErrs...)
}

// LivePorts returns the names holding a receive right.
func (k *Kernel) LivePorts() []mach.Port {
	k.mu.Lock()
	defer k.mu.Unlock()
	var r []mach.Port
	for name, p := range k.ports {
		if p.typ&mach.PortTypeReceive != 0 {
			r = append(r, name)
		}
	}
	return r
}

// NewSendRight creates a port whose receive right lives outside the
// simulated task, leaving only a send right under the returned name. It
// stands in for an exception handler installed by someone else.
func (k *Kernel) NewSendRight() mach.Port {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.newPortLocked(mach.PortTypeSend).name
}

// KillReceiver simulates the death of the receiver of name: any send right
// held under name turns into a dead name.
func (k *Kernel) KillReceiver(name mach.Port) {
	k.mu.Lock()
	defer k.mu.Unlock()
	if p, ok := k.ports[name]; ok && p.typ != mach.PortTypeDeadName {
		p.typ = mach.PortTypeDeadName
		close(p.closed)
	}
}

// TaskSelf implements mach.Kernel.
func (k *Kernel) TaskSelf() mach.Port {
	return k.task
}

// ThreadSelf implements mach.Kernel.
func (k *Kernel) ThreadSelf() mach.Port {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.current
}

// AllocatePort implements mach.Kernel.
func (k *Kernel) AllocatePort() (mach.Port, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	if err := k.failLocked(mach.OpPortAllocate); err != nil {
		return mach.PortNull, err
	}
	return k.newPortLocked(mach.PortTypeReceive).name, nil
}

// InsertSendRight implements mach.Kernel.
func (k *Kernel) InsertSendRight(name mach.Port) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	if err := k.failLocked(mach.OpPortInsertRight); err != nil {
		return err
	}
	p, ok := k.ports[name]
	if !ok {
		return &mach.KernError{Op: mach.OpPortInsertRight, Code: mach.KernInvalidName}
	}
	if p.typ&mach.PortTypeReceive == 0 {
		return &mach.KernError{Op: mach.OpPortInsertRight, Code: mach.KernInvalidRight}
	}
	p.typ |= mach.PortTypeSend
	return nil
}

// DestroyPort implements mach.Kernel.
func (k *Kernel) DestroyPort(name mach.Port) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	p, ok := k.ports[name]
	if !ok {
		return &mach.KernError{Op: mach.OpPortDestroy, Code: mach.KernInvalidName}
	}
	delete(k.ports, name)
	if p.typ != mach.PortTypeDeadName {
		close(p.closed)
	}
	return nil
}

// DeallocatePort implements mach.Kernel. Only the references counted by
// Refs can be released.
func (k *Kernel) DeallocatePort(name mach.Port) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	if err := k.failLocked(mach.OpPortDeallocate); err != nil {
		return err
	}
	if k.refs[name] == 0 {
		return &mach.KernError{Op: mach.OpPortDeallocate, Code: mach.KernInvalidRight}
	}
	k.refs[name]--
	return nil
}

// Refs returns the number of send rights to name that exception messages
// handed to this task and that were not deallocated.
func (k *Kernel) Refs(name mach.Port) int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.refs[name]
}

// PortType implements mach.Kernel.
func (k *Kernel) PortType(name mach.Port) (mach.PortType, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	if err := k.failLocked(mach.OpPortType); err != nil {
		return 0, err
	}
	p, ok := k.ports[name]
	if !ok {
		return 0, &mach.KernError{Op: mach.OpPortType, Code: mach.KernInvalidName}
	}
	return p.typ, nil
}

const validMask = mach.Mask(0x3ffe)

func (k *Kernel) tableLocked(target mach.Target, op string) (*[exceptionKinds]mach.HandlerEntry, error) {
	if target.Task {
		if target.Port != k.task {
			return nil, &mach.KernError{Op: op, Code: mach.KernInvalidArgument}
		}
		return &k.taskExc, nil
	}
	th, ok := k.threads[target.Port]
	if !ok {
		return nil, &mach.KernError{Op: op, Code: mach.KernInvalidArgument}
	}
	return &th.exc, nil
}

// SetExceptionPorts implements mach.Kernel.
func (k *Kernel) SetExceptionPorts(target mach.Target, mask mach.Mask, name mach.Port, behavior mach.Behavior, flavor mach.Flavor) error {
	op := target.SetExceptionPortsOp()
	k.mu.Lock()
	defer k.mu.Unlock()
	if err := k.failLocked(op); err != nil {
		return err
	}
	table, err := k.tableLocked(target, op)
	if err != nil {
		return err
	}
	if mask&^validMask != 0 {
		return &mach.KernError{Op: op, Code: mach.KernInvalidArgument}
	}
	if b := behavior.Base(); b < mach.BehaviorDefault || b > mach.BehaviorStateIdentity {
		return &mach.KernError{Op: op, Code: mach.KernInvalidArgument}
	}
	if name != mach.PortNull {
		p, ok := k.ports[name]
		if !ok || p.typ&mach.PortTypeSend == 0 {
			return &mach.KernError{Op: op, Code: mach.KernInvalidRight}
		}
	}
	for kind := 1; kind < exceptionKinds; kind++ {
		if mask&(1<<uint(kind)) != 0 {
			table[kind] = mach.HandlerEntry{Mask: 1 << uint(kind), Port: name, Behavior: behavior, Flavor: flavor}
		}
	}
	return nil
}

// GetExceptionPorts implements mach.Kernel. Kinds sharing the same handler,
// behavior and flavor are merged into one entry, as the kernel does.
func (k *Kernel) GetExceptionPorts(target mach.Target, mask mach.Mask, max int) ([]mach.HandlerEntry, error) {
	op := target.GetExceptionPortsOp()
	k.mu.Lock()
	defer k.mu.Unlock()
	if err := k.failLocked(op); err != nil {
		return nil, err
	}
	table, err := k.tableLocked(target, op)
	if err != nil {
		return nil, err
	}
	var r []mach.HandlerEntry
kinds:
	for kind := 1; kind < exceptionKinds; kind++ {
		bit := mach.Mask(1) << uint(kind)
		if mask&bit == 0 {
			continue
		}
		e := table[kind]
		if e.Behavior == 0 {
			e = mach.HandlerEntry{Behavior: mach.BehaviorDefault}
		}
		for i := range r {
			if r[i].Port == e.Port && r[i].Behavior == e.Behavior && r[i].Flavor == e.Flavor {
				r[i].Mask |= bit
				continue kinds
			}
		}
		if len(r) == max {
			break
		}
		e.Mask = bit
		r = append(r, e)
	}
	return r, nil
}

// Receive implements mach.Kernel.
func (k *Kernel) Receive(name mach.Port, buf []byte) (int, error) {
	k.mu.Lock()
	p, ok := k.ports[name]
	k.mu.Unlock()
	if !ok || p.typ&mach.PortTypeReceive == 0 {
		return 0, &mach.KernError{Op: mach.OpMsgReceive, Code: mach.RcvInvalidName}
	}
	select {
	case m := <-p.queue:
		if len(m) > len(buf) {
			return 0, &mach.KernError{Op: mach.OpMsgReceive, Code: mach.RcvTooLarge}
		}
		return copy(buf, m), nil
	case <-p.closed:
		return 0, &mach.KernError{Op: mach.OpMsgReceive, Code: mach.RcvPortDied}
	}
}

// enqueueLocked appends m, stamped with a seqno trailer, to the queue of
// the port named dest.
func (k *Kernel) enqueueLocked(op string, dest mach.Port, m []byte) error {
	p, ok := k.ports[dest]
	if !ok || p.typ&(mach.PortTypeSend|mach.PortTypeSendOnce|mach.PortTypeReceive) == 0 {
		return &mach.KernError{Op: op, Code: mach.SendInvalidDest}
	}
	m = msg.AppendSeqnoTrailer(m, p.seqno)
	p.seqno++
	select {
	case p.queue <- m:
		return nil
	default:
		return &mach.KernError{Op: op, Code: mach.SendTimedOut}
	}
}

// Send implements mach.Kernel.
func (k *Kernel) Send(m []byte) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	if err := k.failLocked(mach.OpMsgSend); err != nil {
		return err
	}
	if len(m) < msg.HeaderSize {
		return &mach.KernError{Op: mach.OpMsgSend, Code: mach.KernInvalidArgument}
	}
	dest := mach.Port(le32(m[8:]))
	if err := k.enqueueLocked(mach.OpMsgSend, dest, m); err != nil {
		return err
	}
	// a send-once right is consumed by the send
	if p := k.ports[dest]; p.typ == mach.PortTypeSendOnce {
		delete(k.ports, dest)
	}
	k.sent++
	return nil
}

// Call implements mach.Kernel.
func (k *Kernel) Call(m []byte, buf []byte) (int, error) {
	k.mu.Lock()
	if err := k.failLocked(mach.OpMsgCall); err != nil {
		k.mu.Unlock()
		return 0, err
	}
	if len(m) < msg.HeaderSize {
		k.mu.Unlock()
		return 0, &mach.KernError{Op: mach.OpMsgCall, Code: mach.KernInvalidArgument}
	}
	reply := k.newPortLocked(mach.PortTypeSendOnce)
	dest := mach.Port(le32(m[8:]))
	// the receiver sees the header from its side: the reply port becomes
	// the remote port and the destination the local one
	m = append([]byte(nil), m...)
	put32(m[0:], le32(m[0:])&0x80000000|msg.Bits(msg.TypeMoveSendOnce, msg.TypeMoveSend))
	put32(m[8:], uint32(reply.name))
	put32(m[12:], uint32(dest))
	err := k.enqueueLocked(mach.OpMsgCall, dest, m)
	if err == nil && k.ports[dest].typ&mach.PortTypeReceive != 0 {
		// copied thread and task rights land in this task again
		if n, derr := msg.Decode(m); derr == nil && n.HasThread() {
			k.refs[n.Thread]++
			k.refs[n.Task]++
		}
	}
	k.mu.Unlock()
	if err != nil {
		return 0, err
	}
	r := <-reply.queue
	if len(r) > len(buf) {
		return 0, &mach.KernError{Op: mach.OpMsgCall, Code: mach.RcvTooLarge}
	}
	return copy(buf, r), nil
}

// GetThreadState implements mach.Kernel.
func (k *Kernel) GetThreadState(thread mach.Port, flavor mach.Flavor, count int) ([]uint32, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	if err := k.failLocked(mach.OpThreadGetState); err != nil {
		return nil, err
	}
	th, ok := k.threads[thread]
	if !ok {
		return nil, &mach.KernError{Op: mach.OpThreadGetState, Code: mach.KernInvalidArgument}
	}
	th.gets++
	w, ok := th.state[flavor]
	if !ok || count < len(w) {
		return nil, &mach.KernError{Op: mach.OpThreadGetState, Code: mach.KernInvalidArgument}
	}
	return append([]uint32(nil), w...), nil
}

// SetThreadState implements mach.Kernel.
func (k *Kernel) SetThreadState(thread mach.Port, flavor mach.Flavor, state []uint32) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	if err := k.failLocked(mach.OpThreadSetState); err != nil {
		return err
	}
	th, ok := k.threads[thread]
	if !ok {
		return &mach.KernError{Op: mach.OpThreadSetState, Code: mach.KernInvalidArgument}
	}
	th.sets++
	w, ok := th.state[flavor]
	if !ok || len(state) != len(w) || flavor == k.arch.ExceptionFlavor {
		return &mach.KernError{Op: mach.OpThreadSetState, Code: mach.KernInvalidArgument}
	}
	copy(w, state)
	return nil
}

func le32(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}

func put32(b []byte, v uint32) {
	b[0] = byte(v)
	b[1] = byte(v >> 8)
	b[2] = byte(v >> 16)
	b[3] = byte(v >> 24)
}
