package machtest

import (
	"errors"
	"fmt"
	"time"

	"github.com/go-delve/machexc/pkg/mach"
	"github.com/go-delve/machexc/pkg/mach/msg"
	"github.com/go-delve/machexc/pkg/mach/regs"
)

// Thread is a simulated thread with a register file and its own exception
// port table.
type Thread struct {
	Port mach.Port

	k     *Kernel
	exc   [exceptionKinds]mach.HandlerEntry
	state map[mach.Flavor][]uint32

	gets, sets int
	suspended  bool
}

// NewThread creates a thread whose registers are all zero.
func (k *Kernel) NewThread() *Thread {
	k.mu.Lock()
	defer k.mu.Unlock()
	th := &Thread{
		Port: k.allocName(),
		k:    k,
		state: map[mach.Flavor][]uint32{
			k.arch.ThreadFlavor:    make([]uint32, k.arch.ThreadCount),
			k.arch.ExceptionFlavor: make([]uint32, k.arch.ExceptionCount),
		},
	}
	k.threads[th.Port] = th
	return th
}

// Registers returns a copy of the thread's general register state.
func (th *Thread) Registers() *regs.ThreadState {
	th.k.mu.Lock()
	defer th.k.mu.Unlock()
	w := append([]uint32(nil), th.state[th.k.arch.ThreadFlavor]...)
	return &regs.ThreadState{Arch: th.k.arch, Flavor: th.k.arch.ThreadFlavor, Words: w}
}

// SetRegisters replaces the thread's general register state.
func (th *Thread) SetRegisters(s *regs.ThreadState) {
	th.k.mu.Lock()
	defer th.k.mu.Unlock()
	copy(th.state[th.k.arch.ThreadFlavor], s.Words)
}

// SetPC sets the instruction pointer.
func (th *Thread) SetPC(pc uint64) {
	s := th.Registers()
	s.SetPC(pc)
	th.SetRegisters(s)
}

// PC returns the instruction pointer.
func (th *Thread) PC() uint64 {
	return th.Registers().PC()
}

// SetExceptionState sets the raw words of the exception state flavor.
func (th *Thread) SetExceptionState(words []uint32) {
	th.k.mu.Lock()
	defer th.k.mu.Unlock()
	copy(th.state[th.k.arch.ExceptionFlavor], words)
}

// StateAccesses returns how many thread_get_state and thread_set_state
// calls were made against the thread.
func (th *Thread) StateAccesses() (gets, sets int) {
	th.k.mu.Lock()
	defer th.k.mu.Unlock()
	return th.gets, th.sets
}

// Suspended reports whether the thread is blocked waiting for an
// exception reply.
func (th *Thread) Suspended() bool {
	th.k.mu.Lock()
	defer th.k.mu.Unlock()
	return th.suspended
}

// Outcome is how the kernel disposed of a fault.
type Outcome struct {
	// Handled is true when some handler replied KERN_SUCCESS and the
	// thread was resumed.
	Handled bool
	// Handler is the port of the last handler the fault was delivered to.
	Handler mach.Port
	// RetCode is the last reply's RetCode.
	RetCode mach.KernReturn
	// Task is true if the fault was handled at task level.
	Task bool
}

// Fault is an exception raised on a simulated thread.
type Fault struct {
	Thread *Thread
	done   chan struct{}
	out    Outcome
	err    error
}

// ErrTimeout is returned by Fault.Wait when the thread is still suspended.
var ErrTimeout = errors.New("faulting thread still suspended")

// Wait blocks until the fault has been disposed of or d elapses.
func (f *Fault) Wait(d time.Duration) (Outcome, error) {
	select {
	case <-f.done:
		return f.out, f.err
	case <-time.After(d):
		return Outcome{}, ErrTimeout
	}
}

// Raise suspends th and delivers an exception of kind with codes to its
// thread level handler, then to the task level handler if the first one
// declines, the way the kernel walks exception ports. It does not wait for
// the handlers: call Wait on the returned Fault.
func (th *Thread) Raise(kind mach.Kind, codes ...int64) (*Fault, error) {
	k := th.k
	k.mu.Lock()
	if th.suspended {
		k.mu.Unlock()
		return nil, fmt.Errorf("thread %#x is already suspended", th.Port)
	}
	var levels []struct {
		entry mach.HandlerEntry
		task  bool
	}
	if int(kind) > 0 && int(kind) < exceptionKinds {
		if e := th.exc[kind]; e.Port != mach.PortNull {
			levels = append(levels, struct {
				entry mach.HandlerEntry
				task  bool
			}{e, false})
		}
		if e := k.taskExc[kind]; e.Port != mach.PortNull {
			levels = append(levels, struct {
				entry mach.HandlerEntry
				task  bool
			}{e, true})
		}
	}
	th.suspended = true
	k.mu.Unlock()

	f := &Fault{Thread: th, done: make(chan struct{})}
	go func() {
		defer close(f.done)
		f.out.RetCode = mach.KernFailure
		for _, l := range levels {
			ret, err := th.deliver(l.entry, kind, codes)
			f.out.Handler = l.entry.Port
			f.out.Task = l.task
			if err != nil {
				f.err = err
				continue
			}
			f.out.RetCode = ret
			if ret == mach.KernSuccess {
				f.out.Handled = true
				break
			}
		}
		k.mu.Lock()
		th.suspended = !f.out.Handled
		k.mu.Unlock()
		if f.out.Handled {
			f.err = nil
		}
	}()
	return f, nil
}

// deliver sends one exception raise request to h and waits for the reply,
// applying any returned thread state.
func (th *Thread) deliver(h mach.HandlerEntry, kind mach.Kind, codes []int64) (mach.KernReturn, error) {
	k := th.k
	k.mu.Lock()
	dest, ok := k.ports[h.Port]
	if !ok || dest.typ == mach.PortTypeDeadName {
		k.mu.Unlock()
		return mach.KernFailure, &mach.KernError{Op: "exception_deliver", Code: mach.SendInvalidDest}
	}
	reply := k.newPortLocked(mach.PortTypeSendOnce)
	spec := msg.RequestSpec{
		Remote:     reply.name,
		Local:      h.Port,
		RemoteDisp: msg.TypeMoveSendOnce,
		PortDisp:   msg.TypeMoveSend,
		Behavior:   h.Behavior,
		Thread:     th.Port,
		Task:       k.task,
		Exception:  kind,
		Codes:      codes,
	}
	if h.Behavior.Base() != mach.BehaviorDefault {
		w, ok := th.state[h.Flavor]
		if !ok {
			k.mu.Unlock()
			return mach.KernFailure, &mach.KernError{Op: "exception_deliver", Code: mach.KernInvalidArgument}
		}
		spec.Flavor = h.Flavor
		spec.State = append([]uint32(nil), w...)
	}
	req, err := msg.Request(spec)
	if err == nil {
		err = k.enqueueLocked("exception_deliver", h.Port, req)
	}
	if err == nil && dest.typ&mach.PortTypeReceive != 0 && h.Behavior.Base() != mach.BehaviorState {
		k.refs[th.Port]++
		k.refs[k.task]++
	}
	k.mu.Unlock()
	if err != nil {
		return mach.KernFailure, err
	}

	var raw []byte
	select {
	case raw = <-reply.queue:
	case <-dest.closed:
		return mach.KernFailure, &mach.KernError{Op: "exception_deliver", Code: mach.RcvPortDied}
	}
	r, err := msg.DecodeReply(raw)
	if err != nil {
		return mach.KernFailure, err
	}
	if r.ID != msg.RequestID(h.Behavior)+msg.ReplyIDOffset {
		return mach.KernFailure, &mach.KernError{Op: "exception_deliver", Code: mach.MigBadID}
	}
	if r.RetCode == mach.KernSuccess && r.State != nil {
		k.mu.Lock()
		w, ok := th.state[r.Flavor]
		if !ok || len(w) != len(r.State) {
			k.mu.Unlock()
			return mach.KernFailure, &mach.KernError{Op: "exception_deliver", Code: mach.KernInvalidArgument}
		}
		copy(w, r.State)
		k.mu.Unlock()
	}
	return r.RetCode, nil
}

// Serve receives exception requests sent to name, a port created with
// NewSendRight, and replies to each with the result of fn. It returns when
// the receiver is killed. Replies that cannot be sent are recorded and
// reported by ServeErrors.
func (k *Kernel) Serve(name mach.Port, fn func(*msg.Notification) mach.KernReturn) {
	k.mu.Lock()
	p, ok := k.ports[name]
	k.mu.Unlock()
	if !ok {
		return
	}
	for {
		var raw []byte
		select {
		case raw = <-p.queue:
		case <-p.closed:
			return
		}
		n, err := msg.Decode(raw)
		if err != nil || !n.IsException() {
			continue
		}
		reply, err := msg.Reply(n, fn(n), n.State)
		if err != nil {
			continue
		}
		k.mu.Lock()
		if err := k.enqueueLocked(mach.OpMsgSend, n.RemotePort, reply); err != nil {
			k.serveErrs = append(k.serveErrs, err)
		}
		delete(k.ports, n.RemotePort)
		k.mu.Unlock()
	}
}
