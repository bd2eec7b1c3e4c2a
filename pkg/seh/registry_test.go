package seh

import (
	"testing"

	"github.com/go-delve/machexc/pkg/mach"
	"github.com/go-delve/machexc/pkg/mach/machtest"
	"github.com/go-delve/machexc/pkg/mach/regs"
)

func mustSnapshot(t *testing.T, entries ...mach.HandlerEntry) *Snapshot {
	t.Helper()
	s, err := NewSnapshot(entries...)
	if err != nil {
		t.Fatalf("NewSnapshot: %v", err)
	}
	return s
}

func TestSnapshotCapacity(t *testing.T) {
	entries := make([]mach.HandlerEntry, MaxHandlers+1)
	if _, err := NewSnapshot(entries...); err == nil {
		t.Fatalf("expected an error for %d entries", len(entries))
	}
	s := mustSnapshot(t, entries[:MaxHandlers]...)
	if s.Len() != MaxHandlers {
		t.Fatalf("expected %d entries, got %d", MaxHandlers, s.Len())
	}
	got := s.Entries()
	got[0].Port = 0x4242
	if s.Entries()[0].Port != mach.PortNull {
		t.Fatalf("Entries exposes the snapshot's storage")
	}
}

func TestLookupReturnsLiveHandlerOnly(t *testing.T) {
	k := machtest.NewKernel(regs.AMD64)
	dead := k.NewSendRight()
	live := k.NewSendRight()
	k.KillReceiver(dead)

	s := mustSnapshot(t,
		mach.HandlerEntry{Mask: mach.MaskBadAccess, Port: dead, Behavior: mach.BehaviorDefault},
		mach.HandlerEntry{Mask: mach.MaskBadAccess, Port: live, Behavior: mach.BehaviorDefault},
	)
	r := NewRegistry(s, 0x9903, PortLiveness(k))
	e, ok := r.Lookup(mach.KindBadAccess)
	if !ok || e.Port != live {
		t.Fatalf("expected the live handler %#x, got %v %v", live, e, ok)
	}

	k.KillReceiver(live)
	if e, ok := r.Lookup(mach.KindBadAccess); ok {
		t.Fatalf("expected no handler once both are dead, got %v", e)
	}
}

func TestLookupFirstMatchWins(t *testing.T) {
	alive := LivenessFunc(func(mach.Port) bool { return true })
	s := mustSnapshot(t,
		mach.HandlerEntry{Mask: mach.MaskBadAccess | mach.MaskArithmetic, Port: mach.PortNull},
		mach.HandlerEntry{Mask: mach.MaskSoftware, Port: 0x1103},
		mach.HandlerEntry{Mask: mach.MaskArithmetic | mach.MaskSoftware, Port: 0x2203},
		mach.HandlerEntry{Mask: mach.MaskArithmetic, Port: 0x3303},
	)
	r := NewRegistry(s, 0x9903, alive)

	tests := []struct {
		kind mach.Kind
		port mach.Port
		ok   bool
	}{
		{mach.KindBadAccess, mach.PortNull, false},
		{mach.KindArithmetic, 0x2203, true},
		{mach.KindSoftware, 0x1103, true},
		{mach.KindBreakpoint, mach.PortNull, false},
		{mach.Kind(0), mach.PortNull, false},
		{mach.Kind(30), mach.PortNull, false},
	}
	for _, tc := range tests {
		e, ok := r.Lookup(tc.kind)
		if ok != tc.ok || e.Port != tc.port {
			t.Errorf("Lookup(%s) = %v %v, want %#x %v", tc.kind, e, ok, tc.port, tc.ok)
		}
	}
}

func TestLookupPanicsOnOwnPort(t *testing.T) {
	const self = mach.Port(0x9903)
	s := mustSnapshot(t, mach.HandlerEntry{Mask: mach.MaskBadInstruction, Port: self})
	r := NewRegistry(s, self, LivenessFunc(func(mach.Port) bool { return true }))
	defer func() {
		if recover() == nil {
			t.Fatalf("Lookup returned our own exception port")
		}
	}()
	r.Lookup(mach.KindBadInstruction)
}

func TestCaptureSnapshot(t *testing.T) {
	k := machtest.NewKernel(regs.AMD64)
	self := mach.Target{Port: k.ThreadSelf()}
	a, b := k.NewSendRight(), k.NewSendRight()
	if err := k.SetExceptionPorts(self, mach.MaskBadAccess|mach.MaskBreakpoint, a, mach.BehaviorDefault, 0); err != nil {
		t.Fatalf("SetExceptionPorts: %v", err)
	}
	if err := k.SetExceptionPorts(self, mach.MaskArithmetic, b, mach.BehaviorStateIdentity, regs.AMD64.ThreadFlavor); err != nil {
		t.Fatalf("SetExceptionPorts: %v", err)
	}

	s := CaptureSnapshot(k, self)
	var covered mach.Mask
	for _, e := range s.Entries() {
		switch e.Port {
		case a:
			if e.Mask != mach.MaskBadAccess|mach.MaskBreakpoint {
				t.Fatalf("handler %#x captured for %s", a, e.Mask)
			}
		case b:
			if e.Behavior != mach.BehaviorStateIdentity || e.Flavor != regs.AMD64.ThreadFlavor {
				t.Fatalf("handler %#x captured as %v", b, e)
			}
		}
		covered |= e.Mask
	}
	if covered != mach.AllMask {
		t.Fatalf("snapshot covers %s, want every kind", covered)
	}

	k.Fail(mach.OpThreadGetExceptPorts, mach.KernInvalidArgument)
	if s := CaptureSnapshot(k, self); s.Len() != 0 {
		t.Fatalf("a failed query produced %d entries", s.Len())
	}
}
