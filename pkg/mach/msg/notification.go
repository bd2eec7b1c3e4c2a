package msg

import (
	"errors"
	"fmt"

	"github.com/go-delve/machexc/pkg/mach"
)

// ErrMalformed is returned by Decode when a message is truncated or its
// fields disagree with its declared size.
var ErrMalformed = errors.New("malformed mach message")

// Notification is a decoded message received on an exception port. Only
// the header fields are set when the message is not an exception raise
// request.
type Notification struct {
	Raw []byte

	Bits       uint32
	Size       uint32
	RemotePort mach.Port
	LocalPort  mach.Port
	ID         int32

	// Seqno is the port sequence number from the receive trailer, when
	// the kernel supplied one.
	Seqno    uint32
	HasSeqno bool

	Behavior  mach.Behavior
	Thread    mach.Port
	Task      mach.Port
	Exception mach.Kind
	// Codes holds codeCnt entries. Codes of exc requests are sign
	// extended from 32 bits.
	Codes []int64

	// Flavor and State are only carried by the state behaviors.
	Flavor mach.Flavor
	State  []uint32
}

// IsException reports whether n is an exception raise request.
func (n *Notification) IsException() bool {
	return IsException(n.ID)
}

// HasThread reports whether the request identifies the faulting thread.
func (n *Notification) HasThread() bool {
	return n.IsException() && n.Behavior.Base() != mach.BehaviorState
}

// HasState reports whether the request carries the thread state inline.
func (n *Notification) HasState() bool {
	return n.IsException() && n.Behavior.Base() != mach.BehaviorDefault
}

func (n *Notification) String() string {
	if !n.IsException() {
		return fmt.Sprintf("%s (%#08x) from (remote) %#08x to (local) %#08x", KindName(n.ID), uint32(n.ID), uint32(n.RemotePort), uint32(n.LocalPort))
	}
	return fmt.Sprintf("%s %s thread %#08x flavor %d codes %#x", KindName(n.ID), n.Exception, uint32(n.Thread), n.Flavor, n.Codes)
}

// Decode parses raw, which holds one received message optionally followed
// by its trailer.
func Decode(raw []byte) (*Notification, error) {
	if len(raw) < HeaderSize {
		return nil, fmt.Errorf("%w: %d bytes is shorter than a message header", ErrMalformed, len(raw))
	}
	n := &Notification{
		Raw:        append([]byte(nil), raw...),
		Bits:       le.Uint32(raw[offBits:]),
		Size:       le.Uint32(raw[offSize:]),
		RemotePort: mach.Port(le.Uint32(raw[offRemote:])),
		LocalPort:  mach.Port(le.Uint32(raw[offLocal:])),
		ID:         int32(le.Uint32(raw[offID:])),
	}
	size := int(n.Size)
	if size < HeaderSize || size > len(raw) {
		return nil, fmt.Errorf("%w: declared size %d, have %d bytes", ErrMalformed, size, len(raw))
	}
	n.decodeTrailer(raw[size:])
	if !n.IsException() {
		return n, nil
	}
	n.Behavior = BehaviorOf(n.ID)
	if err := n.decodeBody(raw[:size]); err != nil {
		return nil, err
	}
	return n, nil
}

func (n *Notification) decodeTrailer(t []byte) {
	if len(t) < trailerSeqnoSize {
		return
	}
	if le.Uint32(t[0:]) != 0 || le.Uint32(t[4:]) < trailerSeqnoSize {
		return
	}
	n.Seqno = le.Uint32(t[8:])
	n.HasSeqno = true
}

func (n *Notification) decodeBody(b []byte) error {
	off := HeaderSize
	if n.Behavior.Base() != mach.BehaviorState {
		if n.Bits&bitsComplex == 0 {
			return fmt.Errorf("%w: %s is not a complex message", ErrMalformed, KindName(n.ID))
		}
		if len(b) < off+bodySize+2*descriptorSize {
			return fmt.Errorf("%w: %s too short for port descriptors", ErrMalformed, KindName(n.ID))
		}
		if cnt := le.Uint32(b[off:]); cnt != 2 {
			return fmt.Errorf("%w: %s has %d descriptors", ErrMalformed, KindName(n.ID), cnt)
		}
		off += bodySize
		var err error
		if n.Thread, err = decodePortDescriptor(b[off:]); err != nil {
			return err
		}
		off += descriptorSize
		if n.Task, err = decodePortDescriptor(b[off:]); err != nil {
			return err
		}
		off += descriptorSize
	}

	// NDR, exception, codeCnt
	if len(b) < off+ndrSize+8 {
		return fmt.Errorf("%w: %s truncated before codes", ErrMalformed, KindName(n.ID))
	}
	off += ndrSize
	n.Exception = mach.Kind(int32(le.Uint32(b[off:])))
	cnt := int(le.Uint32(b[off+4:]))
	off += 8
	if cnt > MaxCodes {
		return fmt.Errorf("%w: %d exception codes", ErrMalformed, cnt)
	}
	width := 4
	if n.Behavior.Codes64() {
		width = 8
	}
	if len(b) < off+cnt*width {
		return fmt.Errorf("%w: %s truncated inside codes", ErrMalformed, KindName(n.ID))
	}
	n.Codes = make([]int64, cnt)
	for i := range n.Codes {
		if width == 8 {
			n.Codes[i] = int64(le.Uint64(b[off:]))
		} else {
			n.Codes[i] = int64(int32(le.Uint32(b[off:])))
		}
		off += width
	}

	// Slots past codeCnt are ignored.
	if n.Behavior.Base() == mach.BehaviorDefault {
		return nil
	}

	// MIG packs the state right after codeCnt codes, but a sender may
	// also keep the full code array.
	if n.decodeState(b, off) {
		return nil
	}
	if full := off + (MaxCodes-cnt)*width; full != off && n.decodeState(b, full) {
		return nil
	}
	return fmt.Errorf("%w: %s carries no well formed state after %d codes", ErrMalformed, KindName(n.ID), cnt)
}

// decodeState decodes flavor, count and state words starting at off and
// reports whether they fill b exactly.
func (n *Notification) decodeState(b []byte, off int) bool {
	if len(b) < off+8 {
		return false
	}
	scnt := int(le.Uint32(b[off+4:]))
	if scnt > MaxStateWords || len(b) != off+8+scnt*4 {
		return false
	}
	n.Flavor = mach.Flavor(int32(le.Uint32(b[off:])))
	off += 8
	n.State = make([]uint32, scnt)
	for i := range n.State {
		n.State[i] = le.Uint32(b[off:])
		off += 4
	}
	return true
}

func decodePortDescriptor(b []byte) (mach.Port, error) {
	if typ := b[11]; typ != portDescriptor {
		return mach.PortNull, fmt.Errorf("%w: descriptor type %d is not a port", ErrMalformed, typ)
	}
	return mach.Port(le.Uint32(b[0:])), nil
}
