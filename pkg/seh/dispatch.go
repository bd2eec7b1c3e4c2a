package seh

import (
	"encoding/hex"
	"fmt"

	"github.com/go-delve/machexc/pkg/logflags"
	"github.com/go-delve/machexc/pkg/mach"
	"github.com/go-delve/machexc/pkg/mach/msg"
	"github.com/go-delve/machexc/pkg/mach/regs"
)

// receiveBufferSize holds the largest state identity request plus its
// trailer.
const receiveBufferSize = 8192

// Dispatcher receives exception messages on one port and disposes of them
// one at a time, in the order the kernel queued them.
type Dispatcher struct {
	k        mach.Kernel
	port     mach.Port
	arch     *regs.Arch
	repair   RepairPolicy
	onErr    StateErrorPolicy
	tracer   Tracer
	registry *Registry
	guard    *repeatGuard
	// codec is nil unless codec logging is enabled.
	codec logflags.Logger

	iteration uint64
}

func newDispatcher(k mach.Kernel, port mach.Port, cfg *Config, registry *Registry) *Dispatcher {
	var codec logflags.Logger
	if logflags.Codec() {
		codec = logflags.CodecLogger().WithField("port", fmt.Sprintf("%#x", uint32(port)))
	}
	return &Dispatcher{
		codec:    codec,
		k:        k,
		port:     port,
		arch:     cfg.Arch,
		repair:   cfg.Repair,
		onErr:    cfg.OnStateError,
		tracer:   cfg.Tracer,
		registry: registry,
		guard:    newRepeatGuard(cfg.RepeatLimit),
	}
}

// Run blocks receiving messages until the port loses its receive right,
// which happens when the Handle is closed.
func (d *Dispatcher) Run() error {
	buf := make([]byte, receiveBufferSize)
	for {
		d.tracer.Trace(Event{Kind: EventAwaiting, Iteration: d.iteration})
		cnt, err := d.k.Receive(d.port, buf)
		if err != nil {
			switch mach.Code(err) {
			case mach.RcvPortDied, mach.RcvInvalidName:
				d.tracer.Trace(Event{Kind: EventStopped, Iteration: d.iteration, Err: err})
				return nil
			}
			d.tracer.Trace(Event{Kind: EventReceiveFailed, Iteration: d.iteration, Err: err})
			continue
		}
		d.iteration++
		d.handle(buf[:cnt])
	}
}

func (d *Dispatcher) handle(raw []byte) {
	n, err := msg.Decode(raw)
	if d.codec != nil {
		if err != nil {
			d.codec.WithError(err).Debugf("<- %d bytes\n%s", len(raw), hex.Dump(raw))
		} else {
			d.codec.Debugf("<- %s\n%s", n, hex.Dump(raw))
		}
	}
	if err != nil {
		d.tracer.Trace(Event{Kind: EventDropped, Iteration: d.iteration, Err: err})
		// a malformed raise request still holds a thread suspended
		if r := msg.ReplyToMalformed(raw, mach.MigBadArguments); r != nil {
			d.logReply(r)
			if err := d.k.Send(r); err != nil {
				d.tracer.Trace(Event{Kind: EventReplyFailed, Iteration: d.iteration, Err: err})
			}
		}
		return
	}
	d.tracer.Trace(Event{Kind: EventReceived, Iteration: d.iteration, Notification: n})
	if !n.IsException() {
		d.tracer.Trace(Event{Kind: EventDropped, Iteration: d.iteration, Notification: n})
		return
	}

	f := &Fault{Notification: n, kernel: d.k, registry: d.registry}
	ret := d.process(f)
	d.reply(f, ret)
	d.release(n)
}

// release drops the thread and task send rights the kernel moved into n.
func (d *Dispatcher) release(n *msg.Notification) {
	if !n.HasThread() {
		return
	}
	for _, name := range []mach.Port{n.Thread, n.Task} {
		if err := d.k.DeallocatePort(name); err != nil {
			logflags.KernelLogger().WithError(err).Errorf("could not release send right %#x", uint32(name))
		}
	}
}

// process runs the repair policy on f and returns the reply's RetCode.
func (d *Dispatcher) process(f *Fault) mach.KernReturn {
	n := f.Notification
	if err := d.readState(f); err != nil {
		d.tracer.Trace(Event{Kind: EventStateError, Iteration: d.iteration, Notification: n, Err: err})
		if d.onErr == FailFast {
			return mach.KernFailure
		}
	} else {
		d.tracer.Trace(Event{Kind: EventState, Iteration: d.iteration, Notification: n, State: f.State})
	}
	if n.HasThread() {
		if err := d.readFaultContext(f); err != nil {
			d.tracer.Trace(Event{Kind: EventStateError, Iteration: d.iteration, Notification: n, Err: err})
		} else {
			d.tracer.Trace(Event{Kind: EventFaultContext, Iteration: d.iteration, Notification: n, Context: f.Context})
		}
	}

	if f.State != nil && n.HasThread() && d.guard.exceeded(n.Thread, f.State.PC()) {
		d.tracer.Trace(Event{Kind: EventRepeated, Iteration: d.iteration, Notification: n, State: f.State})
		return mach.KernFailure
	}

	ret, err := d.repair.Repair(f)
	d.tracer.Trace(Event{Kind: EventRepaired, Iteration: d.iteration, Notification: n, RetCode: ret, Policy: d.repair.Name(), Err: err})
	if ret != mach.KernSuccess || !f.Modified || f.State == nil {
		return ret
	}
	if !n.HasState() {
		if err := d.k.SetThreadState(n.Thread, f.State.Flavor, f.State.Words); err != nil {
			d.tracer.Trace(Event{Kind: EventStateError, Iteration: d.iteration, Notification: n, Err: err})
			if d.onErr == FailFast {
				return mach.KernFailure
			}
			return ret
		}
	}
	d.tracer.Trace(Event{Kind: EventStateWritten, Iteration: d.iteration, Notification: n, State: f.State})
	return ret
}

// readState fills f.State from the request, for the state behaviors, or
// with thread_get_state.
func (d *Dispatcher) readState(f *Fault) error {
	n := f.Notification
	var (
		words []uint32
		err   error
	)
	switch {
	case n.HasState():
		if n.Flavor != d.arch.ThreadFlavor {
			return fmt.Errorf("request carries flavor %d state, want %d", n.Flavor, d.arch.ThreadFlavor)
		}
		words = append([]uint32(nil), n.State...)
	case n.HasThread():
		words, err = d.k.GetThreadState(n.Thread, d.arch.ThreadFlavor, d.arch.ThreadCount)
		if err != nil {
			return err
		}
	default:
		return ErrNoState
	}
	s, err := regs.NewThreadState(d.arch, d.arch.ThreadFlavor, words)
	if err != nil {
		return err
	}
	f.State = s
	return nil
}

func (d *Dispatcher) readFaultContext(f *Fault) error {
	words, err := d.k.GetThreadState(f.Notification.Thread, d.arch.ExceptionFlavor, d.arch.ExceptionCount)
	if err != nil {
		return err
	}
	ctx, err := d.arch.DecodeFault(d.arch.ExceptionFlavor, words)
	if err != nil {
		return err
	}
	f.Context = &ctx
	return nil
}

func (d *Dispatcher) reply(f *Fault, ret mach.KernReturn) {
	n := f.Notification
	var state []uint32
	if n.HasState() {
		state = n.State
		if f.Modified && f.State != nil {
			state = f.State.Words
		}
	}
	r, err := msg.Reply(n, ret, state)
	if err == nil {
		d.logReply(r)
		err = d.k.Send(r)
	}
	if err != nil {
		d.tracer.Trace(Event{Kind: EventReplyFailed, Iteration: d.iteration, Notification: n, RetCode: ret, Err: err})
		return
	}
	d.tracer.Trace(Event{Kind: EventReplied, Iteration: d.iteration, Notification: n, RetCode: ret})
}

func (d *Dispatcher) logReply(r []byte) {
	if d.codec == nil {
		return
	}
	if rep, err := msg.DecodeReply(r); err == nil {
		d.codec.Debugf("-> %s (%d) %s flavor %d\n%s", msg.KindName(rep.ID), rep.ID, rep.RetCode, rep.Flavor, hex.Dump(r))
		return
	}
	d.codec.Debugf("-> %d bytes\n%s", len(r), hex.Dump(r))
}
