package machtest

import (
	"testing"
	"time"

	"github.com/go-delve/machexc/pkg/mach"
	"github.com/go-delve/machexc/pkg/mach/msg"
	"github.com/go-delve/machexc/pkg/mach/regs"
)

func TestServeRecordsUndeliverableReplies(t *testing.T) {
	k := NewKernel(regs.AMD64)
	name := k.NewSendRight()
	done := make(chan struct{})
	go func() {
		k.Serve(name, func(*msg.Notification) mach.KernReturn { return mach.KernSuccess })
		close(done)
	}()

	// the reply port names nothing in the task
	req, err := msg.Request(msg.RequestSpec{
		Remote:     0x7777,
		Local:      name,
		RemoteDisp: msg.TypeMoveSendOnce,
		PortDisp:   msg.TypeMoveSend,
		Behavior:   mach.BehaviorDefault | mach.BehaviorCodes64,
		Thread:     k.ThreadSelf(),
		Task:       k.TaskSelf(),
		Exception:  mach.KindBadAccess,
		Codes:      []int64{1, 0x10},
	})
	if err != nil {
		t.Fatalf("Request: %v", err)
	}
	if err := k.Send(req); err != nil {
		t.Fatalf("Send: %v", err)
	}

	var errs []error
	for deadline := time.Now().Add(5 * time.Second); len(errs) == 0 && time.Now().Before(deadline); {
		time.Sleep(10 * time.Millisecond)
		errs = k.ServeErrors()
	}
	k.KillReceiver(name)
	<-done

	if len(errs) != 1 {
		t.Fatalf("expected 1 reply error but was %d", len(errs))
	}
	if code := mach.Code(errs[0]); code != mach.SendInvalidDest {
		t.Fatalf("expected %s but was %s", mach.SendInvalidDest, code)
	}
}

func TestServeRepliesToDeliveredFault(t *testing.T) {
	k := NewKernel(regs.AMD64)
	name := k.NewSendRight()
	th := k.Thread(k.ThreadSelf())
	if err := k.SetExceptionPorts(mach.Target{Port: th.Port}, mach.MaskBadAccess, name, mach.BehaviorDefault|mach.BehaviorCodes64, regs.AMD64.ThreadFlavor); err != nil {
		t.Fatalf("SetExceptionPorts: %v", err)
	}
	done := make(chan struct{})
	go func() {
		k.Serve(name, func(*msg.Notification) mach.KernReturn { return mach.KernSuccess })
		close(done)
	}()
	defer func() {
		k.KillReceiver(name)
		<-done
	}()

	f, err := th.Raise(mach.KindBadAccess, 1, 0x10)
	if err != nil {
		t.Fatalf("Raise: %v", err)
	}
	out, err := f.Wait(5 * time.Second)
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if !out.Handled || out.RetCode != mach.KernSuccess {
		t.Fatalf("unexpected outcome %+v", out)
	}
	if errs := k.ServeErrors(); len(errs) != 0 {
		t.Fatalf("expected no reply errors but was %v", errs)
	}
}
