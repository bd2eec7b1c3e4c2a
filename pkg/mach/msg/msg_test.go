package msg

import (
	"errors"
	"testing"

	"github.com/go-delve/machexc/pkg/mach"
)

func raiseRequest(t *testing.T, behavior mach.Behavior, codes []int64, state []uint32) []byte {
	t.Helper()
	b, err := Request(RequestSpec{
		Remote:     0x1103,
		Local:      0x2207,
		RemoteDisp: TypeMoveSendOnce,
		PortDisp:   TypeMoveSend,
		Behavior:   behavior,
		Thread:     0x3303,
		Task:       0x4403,
		Exception:  mach.KindBadAccess,
		Codes:      codes,
		Flavor:     4,
		State:      state,
	})
	if err != nil {
		t.Fatalf("Request: %v", err)
	}
	return b
}

func TestRequestSizesMatchMIG(t *testing.T) {
	tests := []struct {
		behavior mach.Behavior
		codes    int
		state    int
		want     int
	}{
		// sizeof(__Request__mach_exception_raise_t)
		{mach.BehaviorDefault | mach.BehaviorCodes64, 2, 0, 84},
		// sizeof(__Request__exception_raise_t)
		{mach.BehaviorDefault, 2, 0, 76},
		// mach_exception_raise_state_identity with x86_THREAD_STATE64
		{mach.BehaviorStateIdentity | mach.BehaviorCodes64, 2, 42, 84 + 8 + 42*4},
		{mach.BehaviorState | mach.BehaviorCodes64, 2, 42, 24 + 8 + 8 + 16 + 8 + 42*4},
		// a variable length code array shrinks the message
		{mach.BehaviorDefault | mach.BehaviorCodes64, 1, 0, 76},
	}
	for _, tc := range tests {
		b := raiseRequest(t, tc.behavior, make([]int64, tc.codes), make([]uint32, tc.state))
		if len(b) != tc.want {
			t.Errorf("%s with %d codes: expected %d bytes, got %d", tc.behavior, tc.codes, tc.want, len(b))
		}
		if got := int(le.Uint32(b[offSize:])); got != len(b) {
			t.Errorf("%s: msgh_size %d does not match length %d", tc.behavior, got, len(b))
		}
	}
}

func TestDecodeMachExceptionRaise(t *testing.T) {
	raw := raiseRequest(t, mach.BehaviorDefault|mach.BehaviorCodes64, []int64{1, 0x7fff00000010}, nil)
	raw = AppendSeqnoTrailer(raw, 9)

	n, err := Decode(raw)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if !n.IsException() || n.ID != IDMachExceptionRaise {
		t.Fatalf("expected a MACH_EXCEPTION_RAISE, got id %d", n.ID)
	}
	if n.RemotePort != 0x1103 || n.LocalPort != 0x2207 {
		t.Fatalf("unexpected ports remote %#x local %#x", n.RemotePort, n.LocalPort)
	}
	if n.Thread != 0x3303 || n.Task != 0x4403 {
		t.Fatalf("unexpected thread %#x task %#x", n.Thread, n.Task)
	}
	if n.Exception != mach.KindBadAccess {
		t.Fatalf("expected EXC_BAD_ACCESS, got %s", n.Exception)
	}
	if len(n.Codes) != 2 || n.Codes[0] != 1 || n.Codes[1] != 0x7fff00000010 {
		t.Fatalf("unexpected codes %#x", n.Codes)
	}
	if !n.HasSeqno || n.Seqno != 9 {
		t.Fatalf("expected seqno 9, got %d (present %v)", n.Seqno, n.HasSeqno)
	}
	if !n.HasThread() || n.HasState() {
		t.Fatalf("default behavior should carry a thread and no state")
	}
}

func TestDecodeExceptionRaiseSignExtendsCodes(t *testing.T) {
	raw := raiseRequest(t, mach.BehaviorDefault, []int64{-1, 2}, nil)
	n, err := Decode(raw)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if n.ID != IDExceptionRaise {
		t.Fatalf("expected EXCEPTION_RAISE, got %d", n.ID)
	}
	if n.Codes[0] != -1 || n.Codes[1] != 2 {
		t.Fatalf("unexpected codes %v", n.Codes)
	}
	if n.HasSeqno {
		t.Fatalf("no trailer was appended")
	}
}

func TestDecodeIgnoresCodesPastDeclaredCount(t *testing.T) {
	// offset of codeCnt in a complex request with two port descriptors
	const offCodeCnt = 64

	raw := raiseRequest(t, mach.BehaviorDefault|mach.BehaviorCodes64, []int64{1, 0x7fdead0000}, nil)
	le.PutUint32(raw[offCodeCnt:], 1)
	n, err := Decode(raw)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if len(raw) != 84 || len(n.Codes) != 1 || n.Codes[0] != 1 {
		t.Fatalf("expected exactly one code from %d bytes, got %v", len(raw), n.Codes)
	}

	// trailing bytes beyond msgh_size are not part of the message either
	n, err = Decode(append(raw, 0xde, 0xad, 0xbe, 0xef))
	if err != nil || len(n.Codes) != 1 {
		t.Fatalf("Decode with trailing bytes: %v %v", n, err)
	}

	state := make([]uint32, 42)
	state[32] = 0x3f20
	raw = raiseRequest(t, mach.BehaviorStateIdentity|mach.BehaviorCodes64, []int64{2, 0x10}, state)
	le.PutUint32(raw[offCodeCnt:], 1)
	n, err = Decode(raw)
	if err != nil {
		t.Fatalf("Decode state identity: %v", err)
	}
	if len(n.Codes) != 1 || n.Codes[0] != 2 {
		t.Fatalf("expected exactly one code, got %v", n.Codes)
	}
	if n.Flavor != 4 || len(n.State) != 42 || n.State[32] != 0x3f20 {
		t.Fatalf("state behind the full code array not decoded: flavor %d, %d words", n.Flavor, len(n.State))
	}
}

func TestDecodeStateIdentity(t *testing.T) {
	state := make([]uint32, 42)
	for i := range state {
		state[i] = uint32(i * 3)
	}
	raw := raiseRequest(t, mach.BehaviorStateIdentity|mach.BehaviorCodes64, []int64{2, 0}, state)
	n, err := Decode(raw)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if n.Flavor != 4 || len(n.State) != 42 || n.State[41] != 41*3 {
		t.Fatalf("state not decoded: flavor %d, %d words", n.Flavor, len(n.State))
	}
	if !n.HasThread() || !n.HasState() {
		t.Fatalf("state identity should carry both thread and state")
	}
}

func TestDecodeState(t *testing.T) {
	raw := raiseRequest(t, mach.BehaviorState|mach.BehaviorCodes64, []int64{2, 0}, make([]uint32, 42))
	n, err := Decode(raw)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if n.HasThread() || n.Thread != mach.PortNull {
		t.Fatalf("EXCEPTION_STATE requests identify no thread")
	}
	if len(n.State) != 42 {
		t.Fatalf("expected 42 state words, got %d", len(n.State))
	}
}

func TestDecodeUnknownMessage(t *testing.T) {
	b := make([]byte, HeaderSize+8)
	putHeader(b, Bits(TypeMakeSend, 0), 0x10, 0x20, 70) // MACH_NOTIFY_NO_SENDERS
	n, err := Decode(b)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if n.IsException() {
		t.Fatalf("message 70 classified as exception")
	}
	if n.Thread != mach.PortNull || n.Codes != nil {
		t.Fatalf("body of an unknown message should not be decoded")
	}
}

func TestDecodeMalformed(t *testing.T) {
	good := raiseRequest(t, mach.BehaviorDefault|mach.BehaviorCodes64, []int64{1, 2}, nil)

	tooManyCodes := append([]byte(nil), good...)
	le.PutUint32(tooManyCodes[64:], 3)

	notComplex := append([]byte(nil), good...)
	le.PutUint32(notComplex[offBits:], le.Uint32(notComplex[offBits:])&^bitsComplex)

	oversized := append([]byte(nil), good...)
	le.PutUint32(oversized[offSize:], uint32(len(good)+4))

	badDescriptor := append([]byte(nil), good...)
	badDescriptor[28+11] = 1

	tests := map[string][]byte{
		"short":          good[:10],
		"too many codes": tooManyCodes,
		"not complex":    notComplex,
		"oversized":      oversized,
		"bad descriptor": badDescriptor,
		"truncated":      append(append([]byte(nil), good[:70]...), 0),
	}
	for name, raw := range tests {
		if name == "truncated" {
			le.PutUint32(raw[offSize:], uint32(len(raw)))
		}
		if _, err := Decode(raw); !errors.Is(err, ErrMalformed) {
			t.Errorf("%s: expected ErrMalformed, got %v", name, err)
		}
	}
}

func TestReplyLayout(t *testing.T) {
	raw := raiseRequest(t, mach.BehaviorDefault|mach.BehaviorCodes64, []int64{1, 2}, nil)
	n, err := Decode(raw)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	r, err := Reply(n, mach.KernSuccess, nil)
	if err != nil {
		t.Fatalf("Reply: %v", err)
	}
	if len(r) != ReplySize || ReplySize != 36 {
		t.Fatalf("expected a 36 byte reply, got %d", len(r))
	}
	if bits := le.Uint32(r[offBits:]); bits != uint32(TypeMoveSendOnce) {
		t.Fatalf("expected reply bits %#x, got %#x", TypeMoveSendOnce, bits)
	}
	if mach.Port(le.Uint32(r[offRemote:])) != n.RemotePort || le.Uint32(r[offLocal:]) != 0 {
		t.Fatalf("reply not addressed to the request's reply port")
	}
	info, err := DecodeReply(r)
	if err != nil {
		t.Fatalf("DecodeReply: %v", err)
	}
	if info.ID != IDMachExceptionRaise+ReplyIDOffset || info.RetCode != mach.KernSuccess {
		t.Fatalf("unexpected reply %+v", info)
	}
}

func TestReplyStateIdentity(t *testing.T) {
	state := make([]uint32, 42)
	raw := raiseRequest(t, mach.BehaviorStateIdentity|mach.BehaviorCodes64, []int64{1, 2}, state)
	n, err := Decode(raw)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	newState := append([]uint32(nil), n.State...)
	newState[32] = 0x1002

	r, err := Reply(n, mach.KernSuccess, newState)
	if err != nil {
		t.Fatalf("Reply: %v", err)
	}
	info, err := DecodeReply(r)
	if err != nil {
		t.Fatalf("DecodeReply: %v", err)
	}
	if info.Flavor != 4 || len(info.State) != 42 || info.State[32] != 0x1002 {
		t.Fatalf("new state not carried by reply: %+v", info)
	}

	// failures use the short mig_reply_error_t form
	r, err = Reply(n, mach.KernFailure, newState)
	if err != nil {
		t.Fatalf("Reply: %v", err)
	}
	if len(r) != ReplySize {
		t.Fatalf("expected short error reply, got %d bytes", len(r))
	}
}

func TestReplyRejectsUnknown(t *testing.T) {
	n := &Notification{ID: 70}
	if _, err := Reply(n, mach.KernSuccess, nil); err == nil {
		t.Fatalf("expected an error replying to a non exception message")
	}
}

func TestForwardCopiesRights(t *testing.T) {
	raw := raiseRequest(t, mach.BehaviorDefault|mach.BehaviorCodes64, []int64{1, 2}, nil)
	n, err := Decode(raw)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	fwd, err := Forward(n, mach.HandlerEntry{Mask: mach.MaskBadAccess, Port: 0x5503, Behavior: mach.BehaviorDefault})
	if err != nil {
		t.Fatalf("Forward: %v", err)
	}
	f, err := Decode(fwd)
	if err != nil {
		t.Fatalf("Decode(forward): %v", err)
	}
	if f.ID != IDExceptionRaise {
		t.Fatalf("expected a 32-bit exception_raise for a handler without MACH_EXCEPTION_CODES, got %d", f.ID)
	}
	if f.RemotePort != 0x5503 || f.Thread != n.Thread || f.Task != n.Task {
		t.Fatalf("forwarded request not addressed correctly: %v", f)
	}
	if f.Bits&bitsRemoteMask != uint32(TypeCopySend) || (f.Bits&bitsLocalMask)>>8 != uint32(TypeMakeSendOnce) {
		t.Fatalf("unexpected forward bits %#x", f.Bits)
	}
	if fwd[28+10] != TypeCopySend {
		t.Fatalf("thread right should be copied, disposition %d", fwd[28+10])
	}
}

func TestRequestIDRoundTrip(t *testing.T) {
	for _, b := range []mach.Behavior{
		mach.BehaviorDefault, mach.BehaviorState, mach.BehaviorStateIdentity,
		mach.BehaviorDefault | mach.BehaviorCodes64, mach.BehaviorState | mach.BehaviorCodes64, mach.BehaviorStateIdentity | mach.BehaviorCodes64,
	} {
		id := RequestID(b)
		if !IsException(id) {
			t.Errorf("%s: id %d not classified as exception", b, id)
		}
		if got := BehaviorOf(id); got != b {
			t.Errorf("%s: BehaviorOf(%d) = %s", b, id, got)
		}
	}
	if IsException(2404) || IsException(2400) || IsException(2408) {
		t.Fatalf("ids outside the raise requests classified as exceptions")
	}
}

func TestReplyToMalformed(t *testing.T) {
	raw := raiseRequest(t, mach.BehaviorDefault|mach.BehaviorCodes64, []int64{1, 2}, nil)
	le.PutUint32(raw[64:], 3)
	if _, err := Decode(raw); !errors.Is(err, ErrMalformed) {
		t.Fatalf("expected ErrMalformed, got %v", err)
	}
	r := ReplyToMalformed(raw, mach.MigBadArguments)
	info, err := DecodeReply(r)
	if err != nil {
		t.Fatalf("DecodeReply: %v", err)
	}
	if info.RetCode != mach.MigBadArguments || info.State != nil {
		t.Fatalf("unexpected reply %+v", info)
	}
	if mach.Port(le.Uint32(r[offRemote:])) != 0x1103 {
		t.Fatalf("reply not addressed to the request's reply port")
	}

	unknown := append([]byte(nil), raw...)
	le.PutUint32(unknown[offID:], 70)
	if ReplyToMalformed(unknown, mach.MigBadArguments) != nil {
		t.Fatalf("replied to a message that is not an exception request")
	}
	if ReplyToMalformed(raw[:12], mach.MigBadArguments) != nil {
		t.Fatalf("replied to a truncated header")
	}
}
