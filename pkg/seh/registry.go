package seh

import (
	"fmt"

	"github.com/go-delve/machexc/pkg/logflags"
	"github.com/go-delve/machexc/pkg/mach"
)

// MaxHandlers is the number of handler registrations a Snapshot holds.
const MaxHandlers = 6

// Snapshot is the set of exception handlers installed on a thread or task
// before Initialize replaced them. It is never modified after capture.
type Snapshot struct {
	entries [MaxHandlers]mach.HandlerEntry
	n       int
}

// NewSnapshot builds a snapshot from entries, in order. Entries beyond
// MaxHandlers are an error.
func NewSnapshot(entries ...mach.HandlerEntry) (*Snapshot, error) {
	if len(entries) > MaxHandlers {
		return nil, fmt.Errorf("%d handler entries exceed the snapshot capacity of %d", len(entries), MaxHandlers)
	}
	s := &Snapshot{n: len(entries)}
	copy(s.entries[:], entries)
	return s, nil
}

// CaptureSnapshot reads the exception handlers of target for every kind in
// mach.AllMask. A failed query is not an error: it yields an empty
// snapshot, as if no handler had been installed.
func CaptureSnapshot(k mach.Kernel, target mach.Target) *Snapshot {
	log := logflags.RegistryLogger()
	entries, err := k.GetExceptionPorts(target, mach.AllMask, MaxHandlers)
	if err != nil {
		log.WithError(err).Debugf("no previous handlers for %s", target)
		return &Snapshot{}
	}
	if len(entries) > MaxHandlers {
		entries = entries[:MaxHandlers]
	}
	s, _ := NewSnapshot(entries...)
	if logflags.Registry() {
		log.Debugf("%s port count %d", target, s.n)
		for _, e := range s.Entries() {
			log.Debugf("%s port %s", target, e)
		}
	}
	return s
}

// Len returns the number of captured entries.
func (s *Snapshot) Len() int {
	return s.n
}

// Entries returns a copy of the captured entries in capture order.
func (s *Snapshot) Entries() []mach.HandlerEntry {
	r := make([]mach.HandlerEntry, s.n)
	copy(r, s.entries[:s.n])
	return r
}

// Liveness reports whether a port still has a receiver.
type Liveness interface {
	IsAlive(port mach.Port) bool
}

// LivenessFunc adapts a function to Liveness.
type LivenessFunc func(port mach.Port) bool

func (f LivenessFunc) IsAlive(port mach.Port) bool {
	return f(port)
}

// PortLiveness checks ports with mach_port_type: a port is alive if the
// query succeeds and the name is not a dead name.
func PortLiveness(k mach.Kernel) Liveness {
	return LivenessFunc(func(port mach.Port) bool {
		t, err := k.PortType(port)
		return err == nil && !t.IsDeadName()
	})
}

// Registry answers which previously installed handler is responsible for
// an exception kind.
type Registry struct {
	snapshot *Snapshot
	self     mach.Port
	alive    Liveness
}

// NewRegistry returns a registry over s. self is the exception port owned
// by this process, which must never show up as a previous handler.
func NewRegistry(s *Snapshot, self mach.Port, alive Liveness) *Registry {
	if s == nil {
		s = &Snapshot{}
	}
	return &Registry{snapshot: s, self: self, alive: alive}
}

// Snapshot returns the underlying snapshot.
func (r *Registry) Snapshot() *Snapshot {
	return r.snapshot
}

// Lookup returns the first captured entry that covers kind, has a handler
// port and whose port is still alive.
func (r *Registry) Lookup(kind mach.Kind) (mach.HandlerEntry, bool) {
	bit := kind.Mask()
	if bit == 0 {
		return mach.HandlerEntry{}, false
	}
	s := r.snapshot
	for i := 0; i < s.n; i++ {
		e := s.entries[i]
		if e.Mask&bit == 0 || e.Port == mach.PortNull {
			continue
		}
		if e.Port == r.self {
			panic(fmt.Sprintf("previous %s handler is our own exception port %#x", kind, uint32(r.self)))
		}
		if r.alive.IsAlive(e.Port) {
			return e, true
		}
		if logflags.Registry() {
			logflags.RegistryLogger().Debugf("skipping dead %s handler %#x", kind, uint32(e.Port))
		}
	}
	return mach.HandlerEntry{}, false
}
