//go:build darwin && cgo

package mach

/*
#include <mach/mach.h>
#include <mach/mig.h>
#include <pthread.h>

static kern_return_t
get_exception_ports(mach_port_t target, int task, exception_mask_t mask,
		mach_msg_type_number_t *count, exception_mask_t *masks,
		mach_port_t *ports, exception_behavior_t *behaviors,
		thread_state_flavor_t *flavors) {
	if (task) {
		return task_get_exception_ports(target, mask, masks, count, ports, behaviors, flavors);
	}
	return thread_get_exception_ports(target, mask, masks, count, ports, behaviors, flavors);
}

static kern_return_t
set_exception_ports(mach_port_t target, int task, exception_mask_t mask,
		mach_port_t port, exception_behavior_t behavior, thread_state_flavor_t flavor) {
	if (task) {
		return task_set_exception_ports(target, mask, port, behavior, flavor);
	}
	return thread_set_exception_ports(target, mask, port, behavior, flavor);
}

// Receives one message on port into buf. On success *n is the message
// size plus the seqno trailer.
static kern_return_t
receive_msg(mach_port_t port, void *buf, mach_msg_size_t size, mach_msg_size_t *n) {
	mach_msg_header_t *hdr = (mach_msg_header_t *)buf;
	kern_return_t kret = mach_msg(hdr,
		MACH_RCV_MSG|MACH_RCV_TRAILER_TYPE(MACH_MSG_TRAILER_FORMAT_0)|MACH_RCV_TRAILER_ELEMENTS(MACH_RCV_TRAILER_SEQNO),
		0, size, port, MACH_MSG_TIMEOUT_NONE, MACH_PORT_NULL);
	if (kret != MACH_MSG_SUCCESS) {
		return kret;
	}
	mach_msg_trailer_t *trailer = (mach_msg_trailer_t *)((char *)buf + round_msg(hdr->msgh_size));
	*n = round_msg(hdr->msgh_size) + trailer->msgh_trailer_size;
	return KERN_SUCCESS;
}

static kern_return_t
send_msg(void *buf) {
	mach_msg_header_t *hdr = (mach_msg_header_t *)buf;
	return mach_msg(hdr, MACH_SEND_MSG, hdr->msgh_size, 0, MACH_PORT_NULL,
		MACH_MSG_TIMEOUT_NONE, MACH_PORT_NULL);
}

// Sends buf and receives the reply into the same buffer on a MIG reply
// port.
static kern_return_t
call_msg(void *buf, mach_msg_size_t size, mach_msg_size_t *n) {
	mach_msg_header_t *hdr = (mach_msg_header_t *)buf;
	mach_port_t reply = mig_get_reply_port();
	hdr->msgh_local_port = reply;
	kern_return_t kret = mach_msg(hdr, MACH_SEND_MSG|MACH_RCV_MSG, hdr->msgh_size, size, reply,
		MACH_MSG_TIMEOUT_NONE, MACH_PORT_NULL);
	if (kret != MACH_MSG_SUCCESS) {
		if (kret == MACH_RCV_TIMED_OUT || kret == MACH_RCV_PORT_DIED || kret == MACH_RCV_INTERRUPTED) {
			mig_dealloc_reply_port(reply);
		}
		return kret;
	}
	*n = hdr->msgh_size;
	return KERN_SUCCESS;
}
*/
import "C"

import (
	"fmt"
	"unsafe"
)

// excTypesCount is EXC_TYPES_COUNT, the size of the arrays filled by
// thread_get_exception_ports.
const excTypesCount = 14

type darwinKernel struct{}

// Native returns the Kernel backed by the Mach calls of the running
// process.
func Native() (Kernel, error) {
	return darwinKernel{}, nil
}

func (darwinKernel) TaskSelf() Port {
	return Port(C.mach_task_self_)
}

// ThreadSelf uses pthread_mach_thread_np, which unlike mach_thread_self
// does not add a user reference to the thread's port.
func (darwinKernel) ThreadSelf() Port {
	return Port(C.pthread_mach_thread_np(C.pthread_self()))
}

func (darwinKernel) AllocatePort() (Port, error) {
	var name C.mach_port_name_t
	kret := C.mach_port_allocate(C.mach_task_self_, C.MACH_PORT_RIGHT_RECEIVE, &name)
	if err := Check(OpPortAllocate, KernReturn(kret)); err != nil {
		return PortNull, err
	}
	return Port(name), nil
}

func (darwinKernel) InsertSendRight(name Port) error {
	kret := C.mach_port_insert_right(C.mach_task_self_, C.mach_port_name_t(name), C.mach_port_t(name), C.MACH_MSG_TYPE_MAKE_SEND)
	return Check(OpPortInsertRight, KernReturn(kret))
}

func (darwinKernel) DestroyPort(name Port) error {
	kret := C.mach_port_destroy(C.mach_task_self_, C.mach_port_name_t(name))
	return Check(OpPortDestroy, KernReturn(kret))
}

func (darwinKernel) DeallocatePort(name Port) error {
	kret := C.mach_port_deallocate(C.mach_task_self_, C.mach_port_name_t(name))
	return Check(OpPortDeallocate, KernReturn(kret))
}

func (darwinKernel) PortType(name Port) (PortType, error) {
	var typ C.mach_port_type_t
	kret := C.mach_port_type(C.mach_task_self_, C.mach_port_name_t(name), &typ)
	if err := Check(OpPortType, KernReturn(kret)); err != nil {
		return 0, err
	}
	return PortType(typ), nil
}

func boolToInt(b bool) C.int {
	if b {
		return 1
	}
	return 0
}

func (darwinKernel) SetExceptionPorts(target Target, mask Mask, port Port, behavior Behavior, flavor Flavor) error {
	kret := C.set_exception_ports(C.mach_port_t(target.Port), boolToInt(target.Task), C.exception_mask_t(mask),
		C.mach_port_t(port), C.exception_behavior_t(behavior), C.thread_state_flavor_t(flavor))
	return Check(target.SetExceptionPortsOp(), KernReturn(kret))
}

func (darwinKernel) GetExceptionPorts(target Target, mask Mask, max int) ([]HandlerEntry, error) {
	var (
		count     = C.mach_msg_type_number_t(excTypesCount)
		masks     [excTypesCount]C.exception_mask_t
		ports     [excTypesCount]C.mach_port_t
		behaviors [excTypesCount]C.exception_behavior_t
		flavors   [excTypesCount]C.thread_state_flavor_t
	)
	kret := C.get_exception_ports(C.mach_port_t(target.Port), boolToInt(target.Task), C.exception_mask_t(mask),
		&count, &masks[0], &ports[0], &behaviors[0], &flavors[0])
	if err := Check(target.GetExceptionPortsOp(), KernReturn(kret)); err != nil {
		return nil, err
	}
	n := int(count)
	if n > max {
		n = max
	}
	r := make([]HandlerEntry, n)
	for i := range r {
		r[i] = HandlerEntry{
			Mask:     Mask(masks[i]),
			Port:     Port(ports[i]),
			Behavior: Behavior(behaviors[i]),
			Flavor:   Flavor(flavors[i]),
		}
	}
	return r, nil
}

func (darwinKernel) Receive(port Port, buf []byte) (int, error) {
	var n C.mach_msg_size_t
	kret := C.receive_msg(C.mach_port_t(port), unsafe.Pointer(&buf[0]), C.mach_msg_size_t(len(buf)), &n)
	if err := Check(OpMsgReceive, KernReturn(kret)); err != nil {
		return 0, err
	}
	return int(n), nil
}

func (darwinKernel) Send(msg []byte) error {
	if len(msg) < 24 {
		return fmt.Errorf("%s: message of %d bytes has no header", OpMsgSend, len(msg))
	}
	kret := C.send_msg(unsafe.Pointer(&msg[0]))
	return Check(OpMsgSend, KernReturn(kret))
}

func (darwinKernel) Call(msg []byte, buf []byte) (int, error) {
	if len(msg) > len(buf) {
		return 0, fmt.Errorf("%s: reply buffer of %d bytes is smaller than the request", OpMsgCall, len(buf))
	}
	copy(buf, msg)
	var n C.mach_msg_size_t
	kret := C.call_msg(unsafe.Pointer(&buf[0]), C.mach_msg_size_t(len(buf)), &n)
	if err := Check(OpMsgCall, KernReturn(kret)); err != nil {
		return 0, err
	}
	return int(n), nil
}

func (darwinKernel) GetThreadState(thread Port, flavor Flavor, count int) ([]uint32, error) {
	state := make([]uint32, count)
	cnt := C.mach_msg_type_number_t(count)
	kret := C.thread_get_state(C.thread_act_t(thread), C.thread_state_flavor_t(flavor), (C.thread_state_t)(unsafe.Pointer(&state[0])), &cnt)
	if err := Check(OpThreadGetState, KernReturn(kret)); err != nil {
		return nil, err
	}
	return state[:cnt], nil
}

func (darwinKernel) SetThreadState(thread Port, flavor Flavor, state []uint32) error {
	kret := C.thread_set_state(C.thread_act_t(thread), C.thread_state_flavor_t(flavor), (C.thread_state_t)(unsafe.Pointer(&state[0])), C.mach_msg_type_number_t(len(state)))
	return Check(OpThreadSetState, KernReturn(kret))
}
