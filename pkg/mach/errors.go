package mach

import (
	"errors"
	"fmt"
)

// KernReturn is a kern_return_t or mach_msg_return_t.
type KernReturn int32

const (
	KernSuccess         KernReturn = 0
	KernInvalidAddress  KernReturn = 1
	KernProtection      KernReturn = 2
	KernNoSpace         KernReturn = 3
	KernInvalidArgument KernReturn = 4
	KernFailure         KernReturn = 5
	KernResourceShort   KernReturn = 6
	KernNotReceiver     KernReturn = 7
	KernNoAccess        KernReturn = 8
	KernInvalidName     KernReturn = 15
	KernInvalidTask     KernReturn = 16
	KernInvalidRight    KernReturn = 17
	KernInvalidValue    KernReturn = 18
	KernNameExists      KernReturn = 13
	KernTerminated      KernReturn = 37

	MigBadID        KernReturn = -303
	MigBadArguments KernReturn = -304
	MigNoReply      KernReturn = -305

	SendInvalidDest   KernReturn = 0x10000003
	SendTimedOut      KernReturn = 0x10000004
	SendInterrupted   KernReturn = 0x10000007
	RcvInvalidName    KernReturn = 0x10004002
	RcvTimedOut       KernReturn = 0x10004003
	RcvTooLarge       KernReturn = 0x10004004
	RcvInterrupted    KernReturn = 0x10004005
	RcvPortDied       KernReturn = 0x10004009
	RcvPortChanged    KernReturn = 0x10004006
	RcvInvalidTrailer KernReturn = 0x1000400f
)

var kernReturnNames = map[KernReturn]string{
	KernSuccess:         "KERN_SUCCESS",
	KernInvalidAddress:  "KERN_INVALID_ADDRESS",
	KernProtection:      "KERN_PROTECTION_FAILURE",
	KernNoSpace:         "KERN_NO_SPACE",
	KernInvalidArgument: "KERN_INVALID_ARGUMENT",
	KernFailure:         "KERN_FAILURE",
	KernResourceShort:   "KERN_RESOURCE_SHORTAGE",
	KernNotReceiver:     "KERN_NOT_RECEIVER",
	KernNoAccess:        "KERN_NO_ACCESS",
	KernInvalidName:     "KERN_INVALID_NAME",
	KernInvalidTask:     "KERN_INVALID_TASK",
	KernInvalidRight:    "KERN_INVALID_RIGHT",
	KernInvalidValue:    "KERN_INVALID_VALUE",
	KernNameExists:      "KERN_NAME_EXISTS",
	KernTerminated:      "KERN_TERMINATED",
	MigBadID:            "MIG_BAD_ID",
	MigBadArguments:     "MIG_BAD_ARGUMENTS",
	MigNoReply:          "MIG_NO_REPLY",
	SendInvalidDest:     "MACH_SEND_INVALID_DEST",
	SendTimedOut:        "MACH_SEND_TIMED_OUT",
	SendInterrupted:     "MACH_SEND_INTERRUPTED",
	RcvInvalidName:      "MACH_RCV_INVALID_NAME",
	RcvTimedOut:         "MACH_RCV_TIMED_OUT",
	RcvTooLarge:         "MACH_RCV_TOO_LARGE",
	RcvInterrupted:      "MACH_RCV_INTERRUPTED",
	RcvPortDied:         "MACH_RCV_PORT_DIED",
	RcvPortChanged:      "MACH_RCV_PORT_CHANGED",
	RcvInvalidTrailer:   "MACH_RCV_INVALID_TRAILER",
}

func (kr KernReturn) String() string {
	if s, ok := kernReturnNames[kr]; ok {
		return s
	}
	return fmt.Sprintf("kern_return(%#x)", uint32(kr))
}

// KernError is returned when a kernel call reports anything other than
// KERN_SUCCESS.
type KernError struct {
	Op   string
	Code KernReturn
}

func (e *KernError) Error() string {
	return fmt.Sprintf("%s failed: %s (%d)", e.Op, e.Code, int32(e.Code))
}

// Check converts a kernel return value into an error.
func Check(op string, kr KernReturn) error {
	if kr == KernSuccess {
		return nil
	}
	return &KernError{Op: op, Code: kr}
}

// Code extracts the KernReturn carried by err. Errors that do not wrap a
// *KernError map to KERN_FAILURE, nil maps to KERN_SUCCESS.
func Code(err error) KernReturn {
	if err == nil {
		return KernSuccess
	}
	var kerr *KernError
	if errors.As(err, &kerr) {
		return kerr.Code
	}
	return KernFailure
}

// ErrUnsupported is returned by the native kernel on platforms without
// Mach exception ports.
var ErrUnsupported = errors.New("mach exception ports are not supported on this platform")
