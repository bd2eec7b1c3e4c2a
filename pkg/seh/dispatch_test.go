package seh

import (
	"encoding/binary"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/go-delve/machexc/pkg/logflags"
	"github.com/go-delve/machexc/pkg/mach"
	"github.com/go-delve/machexc/pkg/mach/machtest"
	"github.com/go-delve/machexc/pkg/mach/msg"
	"github.com/go-delve/machexc/pkg/mach/regs"
)

func raise(t *testing.T, th *machtest.Thread, kind mach.Kind, codes ...int64) machtest.Outcome {
	t.Helper()
	f, err := th.Raise(kind, codes...)
	if err != nil {
		t.Fatalf("Raise: %v", err)
	}
	out, err := f.Wait(waitTimeout)
	if errors.Is(err, machtest.ErrTimeout) {
		t.Fatalf("fault on thread %#x was never disposed of", th.Port)
	}
	if err != nil {
		t.Logf("delivery error: %v", err)
	}
	return out
}

func TestSkipInstructionResumesThread(t *testing.T) {
	k := machtest.NewKernel(regs.AMD64)
	rec := newRecorder()
	h := initialize(t, k, testConfig(mach.HardwareMask, rec))
	th := k.Thread(k.ThreadSelf())
	th.SetPC(0x100003f20)
	th.SetExceptionState([]uint32{0xe | 3<<16, 4, 0xdead0000, 0x7f})

	out := raise(t, th, mach.KindBadAccess, 1, 0x7fdead0000)
	if !out.Handled || out.RetCode != mach.KernSuccess || out.Handler != h.Port() {
		t.Fatalf("unexpected outcome %+v", out)
	}
	if pc := th.PC(); pc != 0x100003f22 {
		t.Fatalf("expected pc 0x100003f22 after resume, got %#x", pc)
	}
	if th.Suspended() {
		t.Fatalf("thread left suspended")
	}

	recv := rec.waitFor(t, EventReceived, 1)[0].Notification
	if recv.Exception != mach.KindBadAccess || recv.Thread != th.Port {
		t.Fatalf("unexpected notification %v", recv)
	}
	if len(recv.Codes) != 2 || recv.Codes[1] != 0x7fdead0000 {
		t.Fatalf("unexpected codes %#x", recv.Codes)
	}
	ctx := rec.waitFor(t, EventFaultContext, 1)[0].Context
	want := regs.FaultContext{Trap: 0xe, CPU: 3, ErrorCode: 4, FaultAddress: 0x7fdead0000}
	if *ctx != want {
		t.Fatalf("fault context %v, want %v", ctx, want)
	}
	replied := rec.waitFor(t, EventReplied, 1)[0]
	if replied.RetCode != mach.KernSuccess {
		t.Fatalf("replied %s", replied.RetCode)
	}
	if gets, sets := th.StateAccesses(); gets != 2 || sets != 1 {
		t.Fatalf("expected 2 state reads and 1 write, got %d and %d", gets, sets)
	}
}

func TestUnknownMessageIsDropped(t *testing.T) {
	k := machtest.NewKernel(regs.AMD64)
	rec := newRecorder()
	h := initialize(t, k, testConfig(mach.HardwareMask, rec))
	th := k.Thread(k.ThreadSelf())

	m := make([]byte, msg.HeaderSize)
	binary.LittleEndian.PutUint32(m[0:], msg.Bits(msg.TypeCopySend, 0))
	binary.LittleEndian.PutUint32(m[4:], msg.HeaderSize)
	binary.LittleEndian.PutUint32(m[8:], uint32(h.Port()))
	binary.LittleEndian.PutUint32(m[20:], 70)
	if err := k.Send(m); err != nil {
		t.Fatalf("Send: %v", err)
	}

	dropped := rec.waitFor(t, EventDropped, 1)[0]
	if dropped.Notification == nil || dropped.Notification.ID != 70 {
		t.Fatalf("unexpected drop %+v", dropped)
	}
	if gets, sets := th.StateAccesses(); gets != 0 || sets != 0 {
		t.Fatalf("unknown message touched thread state: %d reads, %d writes", gets, sets)
	}
	if n := len(rec.of(EventReplied)); n != 0 {
		t.Fatalf("replied %d times to an unknown message", n)
	}

	// the loop is back to receiving
	rec.waitFor(t, EventAwaiting, 2)
	if out := raise(t, th, mach.KindBadInstruction); !out.Handled {
		t.Fatalf("fault after an unknown message not handled: %+v", out)
	}
}

func TestSendRightsReleasedAfterReply(t *testing.T) {
	k := machtest.NewKernel(regs.AMD64)
	rec := newRecorder()
	initialize(t, k, testConfig(mach.HardwareMask, rec))
	th := k.Thread(k.ThreadSelf())
	th.SetPC(0x100003f20)

	if out := raise(t, th, mach.KindBadAccess, 1, 0x7fdead0000); !out.Handled {
		t.Fatalf("unexpected outcome %+v", out)
	}
	// the loop releases the rights before receiving again
	rec.waitFor(t, EventAwaiting, 2)
	if n := k.Refs(th.Port); n != 0 {
		t.Fatalf("expected thread send right released but %d remain", n)
	}
	if n := k.Refs(k.TaskSelf()); n != 0 {
		t.Fatalf("expected task send right released but %d remain", n)
	}
}

func TestReceiveErrorIsNotReportedAsDrop(t *testing.T) {
	k := machtest.NewKernel(regs.AMD64)
	rec := newRecorder()
	h := initialize(t, k, testConfig(mach.HardwareMask, rec))
	th := k.Thread(k.ThreadSelf())

	// larger than the receive buffer, Receive fails with MACH_RCV_TOO_LARGE
	m := make([]byte, receiveBufferSize+msg.HeaderSize)
	binary.LittleEndian.PutUint32(m[0:], msg.Bits(msg.TypeCopySend, 0))
	binary.LittleEndian.PutUint32(m[4:], uint32(len(m)))
	binary.LittleEndian.PutUint32(m[8:], uint32(h.Port()))
	binary.LittleEndian.PutUint32(m[20:], uint32(msg.IDMachExceptionRaise))
	if err := k.Send(m); err != nil {
		t.Fatalf("Send: %v", err)
	}

	failed := rec.waitFor(t, EventReceiveFailed, 1)[0]
	if code := mach.Code(failed.Err); code != mach.RcvTooLarge {
		t.Fatalf("expected %s but was %s", mach.RcvTooLarge, code)
	}
	if n := len(rec.of(EventDropped)); n != 0 {
		t.Fatalf("expected no dropped messages but was %d", n)
	}
	if out := raise(t, th, mach.KindBadInstruction); !out.Handled {
		t.Fatalf("fault after a failed receive not handled: %+v", out)
	}
}

func TestCodecLogging(t *testing.T) {
	logfile := filepath.Join(t.TempDir(), "codec.log")
	if err := logflags.Setup(true, "codec", logfile); err != nil {
		t.Fatalf("Setup: %v", err)
	}
	defer func() {
		logflags.Close()
		logflags.Setup(false, "", "")
	}()

	k := machtest.NewKernel(regs.AMD64)
	rec := newRecorder()
	h := initialize(t, k, testConfig(mach.HardwareMask, rec))
	th := k.Thread(k.ThreadSelf())
	if out := raise(t, th, mach.KindBadAccess, 1, 0x7fdead0000); !out.Handled {
		t.Fatalf("unexpected outcome %+v", out)
	}
	h.Close()

	buf, err := os.ReadFile(logfile)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	out := string(buf)
	for _, want := range []string{"<- ", "MACH_EXCEPTION_RAISE", "-> EXCEPTION_REPLY", "KERN_SUCCESS", "layer=codec", "00000000"} {
		if !strings.Contains(out, want) {
			t.Fatalf("expected codec log to contain %q but was:\n%s", want, out)
		}
	}
}

func TestFaultsOnTwoThreadsHandledInDeliveryOrder(t *testing.T) {
	k := machtest.NewKernel(regs.AMD64)
	rec := newRecorder()
	cfg := testConfig(mach.HardwareMask, rec)
	cfg.Scope = ScopeTask
	h := initialize(t, k, cfg)

	a, b := k.NewThread(), k.NewThread()
	a.SetPC(0x2000)
	b.SetPC(0x3000)
	fa, err := a.Raise(mach.KindBadAccess, 1, 0)
	if err != nil {
		t.Fatalf("Raise: %v", err)
	}
	fb, err := b.Raise(mach.KindBadInstruction, 1, 0)
	if err != nil {
		t.Fatalf("Raise: %v", err)
	}
	for _, f := range []*machtest.Fault{fa, fb} {
		out, err := f.Wait(waitTimeout)
		if err != nil || !out.Handled || !out.Task || out.Handler != h.Port() {
			t.Fatalf("thread %#x: outcome %+v, %v", f.Thread.Port, out, err)
		}
	}
	if a.PC() != 0x2002 || b.PC() != 0x3002 {
		t.Fatalf("unexpected pcs %#x %#x", a.PC(), b.PC())
	}

	recv := rec.waitFor(t, EventReceived, 2)
	for i, e := range recv {
		if e.Iteration != uint64(i+1) {
			t.Fatalf("event %d has iteration %d", i, e.Iteration)
		}
		if !e.Notification.HasSeqno {
			t.Fatalf("notification %d carries no sequence number", i)
		}
	}
	if recv[0].Notification.Seqno >= recv[1].Notification.Seqno {
		t.Fatalf("processed out of delivery order: seqno %d then %d", recv[0].Notification.Seqno, recv[1].Notification.Seqno)
	}
	replied := rec.waitFor(t, EventReplied, 2)
	for i := range replied {
		if replied[i].Notification.Thread != recv[i].Notification.Thread {
			t.Fatalf("reply %d went to thread %#x, received from %#x", i, replied[i].Notification.Thread, recv[i].Notification.Thread)
		}
	}
}

func TestStateIdentityReturnsStateInReply(t *testing.T) {
	k := machtest.NewKernel(regs.AMD64)
	rec := newRecorder()
	cfg := testConfig(mach.HardwareMask, rec)
	cfg.Behavior = mach.BehaviorStateIdentity
	initialize(t, k, cfg)
	th := k.Thread(k.ThreadSelf())
	th.SetPC(0x4000)

	if out := raise(t, th, mach.KindBadAccess, 1, 8); !out.Handled {
		t.Fatalf("unexpected outcome %+v", out)
	}
	if pc := th.PC(); pc != 0x4002 {
		t.Fatalf("expected pc 0x4002, got %#x", pc)
	}
	// only the exception state is read, the general state travels in the
	// messages
	if gets, sets := th.StateAccesses(); gets != 1 || sets != 0 {
		t.Fatalf("expected 1 state read and no write, got %d and %d", gets, sets)
	}
	n := rec.waitFor(t, EventReceived, 1)[0].Notification
	if n.Behavior != mach.BehaviorStateIdentity|mach.BehaviorCodes64 || n.Flavor != regs.AMD64.ThreadFlavor {
		t.Fatalf("unexpected request %v", n)
	}
}

func TestStateErrorPolicies(t *testing.T) {
	for _, tc := range []struct {
		policy  StateErrorPolicy
		handled bool
	}{
		{BestEffort, true},
		{FailFast, false},
	} {
		k := machtest.NewKernel(regs.AMD64)
		rec := newRecorder()
		cfg := testConfig(mach.HardwareMask, rec)
		cfg.OnStateError = tc.policy
		initialize(t, k, cfg)
		th := k.Thread(k.ThreadSelf())
		th.SetPC(0x5000)
		k.Fail(mach.OpThreadGetState, mach.KernInvalidArgument)

		out := raise(t, th, mach.KindBadAccess, 1, 0)
		if out.Handled != tc.handled {
			t.Fatalf("%s: unexpected outcome %+v", tc.policy, out)
		}
		if pc := th.PC(); pc != 0x5000 {
			t.Fatalf("%s: pc moved to %#x without a state", tc.policy, pc)
		}
		rec.waitFor(t, EventStateError, 1)
		if tc.policy == BestEffort {
			repaired := rec.waitFor(t, EventRepaired, 1)[0]
			if !errors.Is(repaired.Err, ErrNoState) {
				t.Fatalf("expected ErrNoState from the repair, got %v", repaired.Err)
			}
		} else if n := len(rec.of(EventRepaired)); n != 0 {
			t.Fatalf("fail-fast still ran the repair policy")
		}
		k.Fail(mach.OpThreadGetState, mach.KernSuccess)
	}
}

func TestFailFastOnWriteBack(t *testing.T) {
	k := machtest.NewKernel(regs.AMD64)
	rec := newRecorder()
	cfg := testConfig(mach.HardwareMask, rec)
	cfg.OnStateError = FailFast
	initialize(t, k, cfg)
	th := k.Thread(k.ThreadSelf())
	k.Fail(mach.OpThreadSetState, mach.KernTerminated)

	out := raise(t, th, mach.KindArithmetic, 1, 0)
	if out.Handled || out.RetCode != mach.KernFailure {
		t.Fatalf("unexpected outcome %+v", out)
	}
}

// stuck claims to repair every fault without moving the thread.
type stuck struct{}

func (stuck) Name() string { return "stuck" }

func (stuck) Repair(*Fault) (mach.KernReturn, error) { return mach.KernSuccess, nil }

func TestRepeatedFaultIsDeclined(t *testing.T) {
	k := machtest.NewKernel(regs.AMD64)
	rec := newRecorder()
	cfg := testConfig(mach.HardwareMask, rec)
	cfg.Repair = stuck{}
	cfg.RepeatLimit = 2
	initialize(t, k, cfg)
	th := k.Thread(k.ThreadSelf())
	th.SetPC(0x6000)

	for i := 0; i < 2; i++ {
		if out := raise(t, th, mach.KindBadInstruction, 1, 0); !out.Handled {
			t.Fatalf("fault %d declined too early: %+v", i, out)
		}
	}
	if out := raise(t, th, mach.KindBadInstruction, 1, 0); out.Handled || out.RetCode != mach.KernFailure {
		t.Fatalf("repeated fault not declined: %+v", out)
	}
	if ev := rec.waitFor(t, EventRepeated, 1)[0]; ev.State.PC() != 0x6000 {
		t.Fatalf("repeat reported at %#x", ev.State.PC())
	}
}

func TestForwardToPreviousHandler(t *testing.T) {
	for _, behavior := range []mach.Behavior{
		mach.BehaviorDefault | mach.BehaviorCodes64,
		mach.BehaviorStateIdentity | mach.BehaviorCodes64,
	} {
		k := machtest.NewKernel(regs.AMD64)
		th := k.Thread(k.ThreadSelf())
		th.SetPC(0x7000)
		prev := k.NewSendRight()
		if err := k.SetExceptionPorts(mach.Target{Port: th.Port}, mach.MaskBadAccess, prev, behavior, regs.AMD64.ThreadFlavor); err != nil {
			t.Fatalf("SetExceptionPorts: %v", err)
		}
		seen := make(chan *msg.Notification, 1)
		go k.Serve(prev, func(n *msg.Notification) mach.KernReturn {
			seen <- n
			return mach.KernSuccess
		})
		t.Cleanup(func() { k.KillReceiver(prev) })

		cfg := testConfig(mach.HardwareMask, newRecorder())
		cfg.Repair = Forward{}
		h := initialize(t, k, cfg)

		out := raise(t, th, mach.KindBadAccess, 2, 0x10)
		if !out.Handled || out.Handler != h.Port() {
			t.Fatalf("%s: unexpected outcome %+v", behavior, out)
		}
		n := <-seen
		if n.Exception != mach.KindBadAccess || n.Behavior != behavior || len(n.Codes) != 2 || n.Codes[1] != 0x10 {
			t.Fatalf("%s: previous handler got %v", behavior, n)
		}
		if behavior.Base() == mach.BehaviorDefault {
			if n.Thread != th.Port {
				t.Fatalf("forwarded for thread %#x, want %#x", n.Thread, th.Port)
			}
		} else {
			s, err := regs.NewThreadState(regs.AMD64, n.Flavor, n.State)
			if err != nil || s.PC() != 0x7000 {
				t.Fatalf("forwarded state %v, %v", s, err)
			}
		}
		if pc := th.PC(); pc != 0x7000 {
			t.Fatalf("%s: forwarding moved pc to %#x", behavior, pc)
		}
	}
}

func TestForwardDeclinesWithoutLiveHandler(t *testing.T) {
	k := machtest.NewKernel(regs.AMD64)
	th := k.Thread(k.ThreadSelf())
	prev := k.NewSendRight()
	if err := k.SetExceptionPorts(mach.Target{Port: th.Port}, mach.MaskBadAccess, prev, mach.BehaviorDefault, 0); err != nil {
		t.Fatalf("SetExceptionPorts: %v", err)
	}
	cfg := testConfig(mach.HardwareMask, newRecorder())
	cfg.Repair = Forward{}
	initialize(t, k, cfg)
	k.KillReceiver(prev)

	out := raise(t, th, mach.KindBadAccess, 1, 0)
	if out.Handled || out.RetCode != mach.KernFailure {
		t.Fatalf("unexpected outcome %+v", out)
	}
}

func TestReplyFailureLeavesThreadSuspended(t *testing.T) {
	k := machtest.NewKernel(regs.AMD64)
	rec := newRecorder()
	initialize(t, k, testConfig(mach.HardwareMask, rec))
	th := k.Thread(k.ThreadSelf())
	k.Fail(mach.OpMsgSend, mach.SendInvalidDest)

	f, err := th.Raise(mach.KindBadAccess, 1, 0)
	if err != nil {
		t.Fatalf("Raise: %v", err)
	}
	ev := rec.waitFor(t, EventReplyFailed, 1)[0]
	if mach.Code(ev.Err) != mach.SendInvalidDest {
		t.Fatalf("unexpected reply error %v", ev.Err)
	}
	if _, err := f.Wait(50 * time.Millisecond); !errors.Is(err, machtest.ErrTimeout) {
		t.Fatalf("expected the thread to stay suspended, got %v", err)
	}
	if !th.Suspended() {
		t.Fatalf("thread resumed without a reply")
	}
	k.Fail(mach.OpMsgSend, mach.KernSuccess)
}

func TestThreadStateRoundTrip(t *testing.T) {
	k := machtest.NewKernel(regs.AMD64)
	th := k.Thread(k.ThreadSelf())
	before := th.Registers()
	for i := range before.Words {
		before.Words[i] = uint32(i*0x01010101 + 7)
	}
	th.SetRegisters(before)

	words, err := k.GetThreadState(th.Port, regs.AMD64.ThreadFlavor, regs.AMD64.ThreadCount)
	if err != nil {
		t.Fatalf("GetThreadState: %v", err)
	}
	s, err := regs.NewThreadState(regs.AMD64, regs.AMD64.ThreadFlavor, words)
	if err != nil {
		t.Fatalf("NewThreadState: %v", err)
	}
	if err := k.SetThreadState(th.Port, s.Flavor, s.Words); err != nil {
		t.Fatalf("SetThreadState: %v", err)
	}
	if after := th.Registers(); !after.Equal(before) {
		t.Fatalf("registers changed by an unmodified write back:\n%s\nwant\n%s", after, before)
	}
}
