package seh

import (
	"github.com/go-delve/machexc/pkg/logflags"
	"github.com/go-delve/machexc/pkg/mach"
	"github.com/go-delve/machexc/pkg/mach/msg"
	"github.com/go-delve/machexc/pkg/mach/regs"
)

// EventKind identifies a decision point of the dispatch loop.
type EventKind uint8

const (
	// EventAwaiting: the loop is about to block in Receive.
	EventAwaiting EventKind = iota
	// EventReceiveFailed: Receive returned an error other than the
	// port dying.
	EventReceiveFailed
	// EventReceived: a message was received and decoded.
	EventReceived
	// EventDropped: the message was malformed or not an exception.
	EventDropped
	// EventState: the faulting thread's general state was read.
	EventState
	// EventFaultContext: the fault diagnostics were read.
	EventFaultContext
	// EventStateError: reading or writing thread state failed.
	EventStateError
	// EventRepeated: the repeat limit was reached, repair is skipped.
	EventRepeated
	// EventRepaired: the repair policy ran.
	EventRepaired
	// EventStateWritten: the modified state was written back.
	EventStateWritten
	// EventReplied: the reply was sent.
	EventReplied
	// EventReplyFailed: the reply could not be sent; the faulting thread
	// stays suspended.
	EventReplyFailed
	// EventStopped: the exception port died and the loop returned.
	EventStopped
)

var eventNames = [...]string{
	EventAwaiting:      "awaiting",
	EventReceiveFailed: "receive-failed",
	EventReceived:      "received",
	EventDropped:       "dropped",
	EventState:         "state",
	EventFaultContext:  "fault-context",
	EventStateError:    "state-error",
	EventRepeated:      "repeated",
	EventRepaired:      "repaired",
	EventStateWritten:  "state-written",
	EventReplied:       "replied",
	EventReplyFailed:   "reply-failed",
	EventStopped:       "stopped",
}

func (k EventKind) String() string {
	if int(k) < len(eventNames) {
		return eventNames[k]
	}
	return "unknown"
}

// Event describes one step of the dispatch loop. Only the fields relevant
// to Kind are set.
type Event struct {
	Kind EventKind
	// Iteration counts the messages received by the loop, starting at 1.
	Iteration    uint64
	Notification *msg.Notification
	State        *regs.ThreadState
	Context      *regs.FaultContext
	RetCode      mach.KernReturn
	Policy       string
	Err          error
}

// Tracer observes the dispatch loop. Trace is called from the loop's
// thread and must not block.
type Tracer interface {
	Trace(Event)
}

// TracerFunc adapts a function to Tracer.
type TracerFunc func(Event)

func (f TracerFunc) Trace(e Event) {
	f(e)
}

// MultiTracer fans events out to several tracers.
func MultiTracer(tracers ...Tracer) Tracer {
	return TracerFunc(func(e Event) {
		for _, t := range tracers {
			t.Trace(e)
		}
	})
}

type logTracer struct {
	log logflags.Logger
}

func newLogTracer() Tracer {
	return &logTracer{log: logflags.DispatchLogger()}
}

// LogTracer returns the tracer used when Config.Tracer is nil.
func LogTracer() Tracer {
	return newLogTracer()
}

func (t *logTracer) Trace(e Event) {
	log := t.log
	if e.Notification != nil {
		log = log.WithField("seq", e.Iteration)
		if e.Notification.IsException() {
			log = log.WithField("thread", e.Notification.Thread)
		}
	}
	switch e.Kind {
	case EventAwaiting:
		log.Trace("awaiting message")
	case EventReceiveFailed:
		log.WithError(e.Err).Error("receive on exception port failed")
	case EventReceived:
		n := e.Notification
		log.Debugf("received message %s (%#08x) from (remote) %#08x to (local) %#08x", msg.KindName(n.ID), uint32(n.ID), uint32(n.RemotePort), uint32(n.LocalPort))
		if n.IsException() {
			log.Debugf("exception notification %s (%d) flavor %d", n.Exception, int32(n.Exception), n.Flavor)
			for i, c := range n.Codes {
				log.Tracef("exception notification subcode[%d] = %#x", i, uint64(c))
			}
		}
	case EventDropped:
		if e.Notification != nil {
			log.Warnf("unknown message type %d", e.Notification.ID)
		} else {
			log.WithError(e.Err).Warn("dropping malformed message")
		}
	case EventState:
		s := e.State
		log.Debugf("actual pc %#016x sp %#016x fp %#016x flags %#08x", s.PC(), s.SP(), s.FP(), s.Flags())
		log.Tracef("registers:\n%s", s)
	case EventFaultContext:
		log.Debugf("exception state %s", e.Context)
	case EventStateError:
		log.WithError(e.Err).Error("thread state access failed")
	case EventRepeated:
		log.Warnf("repeated fault at pc %#x, declining", e.State.PC())
	case EventRepaired:
		if e.Err != nil {
			log = log.WithError(e.Err)
		}
		log.Debugf("%s policy returned %s", e.Policy, e.RetCode)
	case EventStateWritten:
		log.Debugf("resuming at pc %#016x", e.State.PC())
	case EventReplied:
		log.Debugf("reply to notification %s port %#08x", e.RetCode, uint32(e.Notification.RemotePort))
	case EventReplyFailed:
		log.WithError(e.Err).Error("could not reply to exception notification, faulting thread stays suspended")
	case EventStopped:
		log.WithError(e.Err).Info("exception port closed, dispatch loop exiting")
	}
}
