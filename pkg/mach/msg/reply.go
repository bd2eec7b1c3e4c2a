package msg

import (
	"fmt"

	"github.com/go-delve/machexc/pkg/mach"
)

func putHeader(b []byte, bits uint32, remote, local mach.Port, id int32) {
	le.PutUint32(b[offBits:], bits)
	le.PutUint32(b[offSize:], uint32(len(b)))
	le.PutUint32(b[offRemote:], uint32(remote))
	le.PutUint32(b[offLocal:], uint32(local))
	le.PutUint32(b[offVoucher:], 0)
	le.PutUint32(b[offID:], uint32(id))
}

// Reply builds the reply to the exception request n. ret becomes the
// reply's RetCode. For the state behaviors a successful reply also
// carries state as the new thread state; state must then have been
// derived from n.State.
func Reply(n *Notification, ret mach.KernReturn, state []uint32) ([]byte, error) {
	if !n.IsException() {
		return nil, fmt.Errorf("cannot reply to %s message %d", KindName(n.ID), n.ID)
	}
	withState := ret == mach.KernSuccess && n.HasState()
	size := ReplySize
	if withState {
		if len(state) > MaxStateWords {
			return nil, fmt.Errorf("thread state of %d words exceeds THREAD_STATE_MAX", len(state))
		}
		size += 8 + 4*len(state)
	}
	b := make([]byte, size)
	putHeader(b, n.Bits&bitsRemoteMask, n.RemotePort, mach.PortNull, n.ID+ReplyIDOffset)
	off := HeaderSize
	copy(b[off:], ndrRecord[:])
	off += ndrSize
	le.PutUint32(b[off:], uint32(ret))
	off += 4
	if withState {
		le.PutUint32(b[off:], uint32(n.Flavor))
		le.PutUint32(b[off+4:], uint32(len(state)))
		off += 8
		for _, w := range state {
			le.PutUint32(b[off:], w)
			off += 4
		}
	}
	return b, nil
}

// ReplyToMalformed builds a RetCode only reply to raw, a message whose
// header names an exception request but whose body could not be decoded.
// It returns nil when the header is unusable or there is no reply port.
func ReplyToMalformed(raw []byte, ret mach.KernReturn) []byte {
	if len(raw) < HeaderSize {
		return nil
	}
	id := int32(le.Uint32(raw[offID:]))
	remote := mach.Port(le.Uint32(raw[offRemote:]))
	if !IsException(id) || remote == mach.PortNull {
		return nil
	}
	b := make([]byte, ReplySize)
	putHeader(b, le.Uint32(raw[offBits:])&bitsRemoteMask, remote, mach.PortNull, id+ReplyIDOffset)
	copy(b[HeaderSize:], ndrRecord[:])
	le.PutUint32(b[HeaderSize+ndrSize:], uint32(ret))
	return b
}

// ReplyInfo is a decoded exception reply.
type ReplyInfo struct {
	ID      int32
	RetCode mach.KernReturn
	Flavor  mach.Flavor
	State   []uint32
}

// DecodeReply parses a reply to an exception raise request.
func DecodeReply(raw []byte) (*ReplyInfo, error) {
	if len(raw) < ReplySize {
		return nil, fmt.Errorf("%w: reply of %d bytes", ErrMalformed, len(raw))
	}
	size := int(le.Uint32(raw[offSize:]))
	if size < ReplySize || size > len(raw) {
		return nil, fmt.Errorf("%w: reply declares %d bytes, have %d", ErrMalformed, size, len(raw))
	}
	r := &ReplyInfo{ID: int32(le.Uint32(raw[offID:]))}
	if !IsException(r.ID - ReplyIDOffset) {
		return nil, fmt.Errorf("%w: message %d is not an exception reply", ErrMalformed, r.ID)
	}
	off := HeaderSize + ndrSize
	r.RetCode = mach.KernReturn(int32(le.Uint32(raw[off:])))
	off += 4
	if size == ReplySize {
		return r, nil
	}
	if size < off+8 {
		return nil, fmt.Errorf("%w: reply truncated before state", ErrMalformed)
	}
	r.Flavor = mach.Flavor(int32(le.Uint32(raw[off:])))
	cnt := int(le.Uint32(raw[off+4:]))
	off += 8
	if cnt > MaxStateWords || size != off+4*cnt {
		return nil, fmt.Errorf("%w: reply carries %d state words in %d bytes", ErrMalformed, cnt, size-off)
	}
	r.State = make([]uint32, cnt)
	for i := range r.State {
		r.State[i] = le.Uint32(raw[off:])
		off += 4
	}
	return r, nil
}

// RequestSpec describes an exception raise request.
type RequestSpec struct {
	// Remote is the exception port, Local the port the reply goes to.
	Remote, Local         mach.Port
	RemoteDisp, LocalDisp uint8
	// PortDisp is the disposition of the thread and task descriptors.
	PortDisp uint8

	Behavior  mach.Behavior
	Thread    mach.Port
	Task      mach.Port
	Exception mach.Kind
	Codes     []int64
	Flavor    mach.Flavor
	State     []uint32
}

// Request encodes spec the way the kernel (or a MIG client) lays out an
// exception raise request.
func Request(spec RequestSpec) ([]byte, error) {
	if len(spec.Codes) > MaxCodes {
		return nil, fmt.Errorf("%d exception codes exceed the MIG bound of %d", len(spec.Codes), MaxCodes)
	}
	if len(spec.State) > MaxStateWords {
		return nil, fmt.Errorf("thread state of %d words exceeds THREAD_STATE_MAX", len(spec.State))
	}
	base := spec.Behavior.Base()
	if base < mach.BehaviorDefault || base > mach.BehaviorStateIdentity {
		return nil, fmt.Errorf("unsupported behavior %s", spec.Behavior)
	}
	width := 4
	if spec.Behavior.Codes64() {
		width = 8
	}
	withPorts := base != mach.BehaviorState
	withState := base != mach.BehaviorDefault

	size := HeaderSize + ndrSize + 8 + width*len(spec.Codes)
	if withPorts {
		size += bodySize + 2*descriptorSize
	}
	if withState {
		size += 8 + 4*len(spec.State)
	}
	b := make([]byte, size)
	bits := Bits(spec.RemoteDisp, spec.LocalDisp)
	if withPorts {
		bits |= bitsComplex
	}
	putHeader(b, bits, spec.Remote, spec.Local, RequestID(spec.Behavior))
	off := HeaderSize
	if withPorts {
		le.PutUint32(b[off:], 2)
		off += bodySize
		for _, p := range []mach.Port{spec.Thread, spec.Task} {
			le.PutUint32(b[off:], uint32(p))
			b[off+10] = spec.PortDisp
			b[off+11] = portDescriptor
			off += descriptorSize
		}
	}
	copy(b[off:], ndrRecord[:])
	off += ndrSize
	le.PutUint32(b[off:], uint32(spec.Exception))
	le.PutUint32(b[off+4:], uint32(len(spec.Codes)))
	off += 8
	for _, c := range spec.Codes {
		if width == 8 {
			le.PutUint64(b[off:], uint64(c))
		} else {
			le.PutUint32(b[off:], uint32(c))
		}
		off += width
	}
	if withState {
		le.PutUint32(b[off:], uint32(spec.Flavor))
		le.PutUint32(b[off+4:], uint32(len(spec.State)))
		off += 8
		for _, w := range spec.State {
			le.PutUint32(b[off:], w)
			off += 4
		}
	}
	return b, nil
}

// Forward re-encodes the exception carried by n as a request to the
// handler described by h. The thread and task rights are copied, the
// reply port is left for the kernel to fill in (see mach.Kernel.Call).
func Forward(n *Notification, h mach.HandlerEntry) ([]byte, error) {
	return Request(RequestSpec{
		Remote:     h.Port,
		RemoteDisp: TypeCopySend,
		LocalDisp:  TypeMakeSendOnce,
		PortDisp:   TypeCopySend,
		Behavior:   h.Behavior,
		Thread:     n.Thread,
		Task:       n.Task,
		Exception:  n.Exception,
		Codes:      n.Codes,
		Flavor:     n.Flavor,
		State:      n.State,
	})
}

// AppendSeqnoTrailer appends a mach_msg_seqno_trailer_t to a message, the
// way the kernel does when MACH_RCV_TRAILER_SEQNO is requested.
func AppendSeqnoTrailer(b []byte, seqno uint32) []byte {
	var t [trailerSeqnoSize]byte
	le.PutUint32(t[0:], 0)
	le.PutUint32(t[4:], trailerSeqnoSize)
	le.PutUint32(t[8:], seqno)
	return append(b, t[:]...)
}
