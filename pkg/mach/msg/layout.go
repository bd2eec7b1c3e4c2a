// Package msg encodes and decodes the Mach messages of the exc and
// mach_exc MIG subsystems: exception raise requests sent by the kernel to
// an exception port, and the replies that resume the faulting thread.
//
// All layouts follow the MIG generated structures, which are declared
// under #pragma pack(4) and are little endian on every platform that has
// Mach exception ports.
package msg

import (
	"encoding/binary"

	"github.com/go-delve/machexc/pkg/mach"
)

var le = binary.LittleEndian

// Message ids of the exc (32-bit codes) and mach_exc (64-bit codes)
// subsystems. Replies use id+100.
const (
	IDExceptionRaise                  int32 = 2401
	IDExceptionRaiseState             int32 = 2402
	IDExceptionRaiseStateIdentity     int32 = 2403
	IDMachExceptionRaise              int32 = 2405
	IDMachExceptionRaiseState         int32 = 2406
	IDMachExceptionRaiseStateIdentity int32 = 2407

	ReplyIDOffset int32 = 100
)

// Port dispositions (mach_msg_type_name_t).
const (
	TypeMoveReceive  uint8 = 16
	TypeMoveSend     uint8 = 17
	TypeMoveSendOnce uint8 = 18
	TypeCopySend     uint8 = 19
	TypeMakeSend     uint8 = 20
	TypeMakeSendOnce uint8 = 21
)

const (
	bitsComplex    uint32 = 0x80000000
	bitsRemoteMask uint32 = 0x0000001f
	bitsLocalMask  uint32 = 0x00001f00

	portDescriptor uint8 = 0 // MACH_MSG_PORT_DESCRIPTOR
)

// Bits builds msgh_bits from a remote and local disposition
// (MACH_MSGH_BITS).
func Bits(remote, local uint8) uint32 {
	return uint32(remote) | uint32(local)<<8
}

// mach_msg_header_t
const (
	offBits    = 0
	offSize    = 4
	offRemote  = 8
	offLocal   = 12
	offVoucher = 16
	offID      = 20

	HeaderSize = 24
)

const (
	ndrSize        = 8
	descriptorSize = 12 // mach_msg_port_descriptor_t
	bodySize       = 4  // mach_msg_body_t

	// MaxCodes is the bound MIG declares for the code array.
	MaxCodes = 2
	// MaxStateWords is THREAD_STATE_MAX.
	MaxStateWords = 1296

	// ReplySize is sizeof(__Reply__mach_exception_raise_t).
	ReplySize = HeaderSize + ndrSize + 4

	trailerSeqnoSize = 12 // mach_msg_seqno_trailer_t
)

// ndrRecord is NDR_record for a little endian host.
var ndrRecord = [ndrSize]byte{0, 0, 0, 0, 1, 0, 0, 0}

// IsException reports whether id is one of the exception raise requests.
func IsException(id int32) bool {
	return id >= IDExceptionRaise && id <= IDMachExceptionRaiseStateIdentity && id != IDExceptionRaiseStateIdentity+1
}

// RequestID returns the message id the kernel uses to deliver an exception
// to a port registered with behavior.
func RequestID(behavior mach.Behavior) int32 {
	id := IDExceptionRaise + int32(behavior.Base()-mach.BehaviorDefault)
	if behavior.Codes64() {
		id += IDMachExceptionRaise - IDExceptionRaise
	}
	return id
}

// BehaviorOf is the inverse of RequestID.
func BehaviorOf(id int32) mach.Behavior {
	var b mach.Behavior
	if id >= IDMachExceptionRaise {
		b = mach.BehaviorCodes64
		id -= IDMachExceptionRaise - IDExceptionRaise
	}
	return b | (mach.Behavior(id-IDExceptionRaise) + mach.BehaviorDefault)
}

// KindName names a message id for logging.
func KindName(id int32) string {
	switch id {
	case IDExceptionRaise:
		return "EXCEPTION_RAISE"
	case IDExceptionRaiseState:
		return "EXCEPTION_RAISE_STATE"
	case IDExceptionRaiseStateIdentity:
		return "EXCEPTION_RAISE_STATE_IDENTITY"
	case IDMachExceptionRaise:
		return "MACH_EXCEPTION_RAISE"
	case IDMachExceptionRaiseState:
		return "MACH_EXCEPTION_RAISE_STATE"
	case IDMachExceptionRaiseStateIdentity:
		return "MACH_EXCEPTION_RAISE_STATE_IDENTITY"
	case IDExceptionRaise + ReplyIDOffset, IDExceptionRaiseState + ReplyIDOffset, IDExceptionRaiseStateIdentity + ReplyIDOffset,
		IDMachExceptionRaise + ReplyIDOffset, IDMachExceptionRaiseState + ReplyIDOffset, IDMachExceptionRaiseStateIdentity + ReplyIDOffset:
		return "EXCEPTION_REPLY"
	}
	return "UNKNOWN"
}
