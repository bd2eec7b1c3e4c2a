package seh

import (
	"errors"
	"runtime"
	"sync"

	"github.com/go-delve/machexc/pkg/logflags"
	"github.com/go-delve/machexc/pkg/mach"
)

// Handle owns an exception port installed by Initialize and the dispatch
// loop serving it.
type Handle struct {
	k          mach.Kernel
	port       mach.Port
	target     mach.Target
	mask       mach.Mask
	registry   *Registry
	dispatcher *Dispatcher

	done      chan struct{}
	err       error
	closeOnce sync.Once
	closeErr  error
}

// Initialize captures the handlers currently installed on the calling
// thread (or the task, see Config.Scope), allocates a new exception port,
// installs it for cfg.Mask and starts the dispatch loop. On error nothing
// is left installed.
func Initialize(k mach.Kernel, cfg Config) (*Handle, error) {
	if err := cfg.check(); err != nil {
		return nil, err
	}
	log := logflags.KernelLogger()

	target := mach.Target{Port: k.ThreadSelf()}
	if cfg.Scope == ScopeTask {
		target = mach.Target{Port: k.TaskSelf(), Task: true}
	}
	snap := CaptureSnapshot(k, target)

	port, err := k.AllocatePort()
	if err != nil {
		return nil, &InitError{Stage: AllocationFailed, Err: err}
	}
	log.Debugf("allocated exception port %#x", uint32(port))
	if err := k.InsertSendRight(port); err != nil {
		destroyPort(k, port)
		return nil, &InitError{Stage: RightsInsertFailed, Err: err}
	}
	if err := k.SetExceptionPorts(target, cfg.Mask, port, cfg.Behavior, cfg.Arch.ThreadFlavor); err != nil {
		destroyPort(k, port)
		return nil, &InitError{Stage: HandlerInstallFailed, Err: err}
	}
	log.Debugf("installed exception port %#x on %s for %s behavior %s", uint32(port), target, cfg.Mask, cfg.Behavior)

	h := &Handle{
		k:        k,
		port:     port,
		target:   target,
		mask:     cfg.Mask,
		registry: NewRegistry(snap, port, PortLiveness(k)),
		done:     make(chan struct{}),
	}
	h.dispatcher = newDispatcher(k, port, &cfg, h.registry)
	if err := cfg.Spawn(h.run); err != nil {
		if rerr := h.restore(); rerr != nil {
			log.WithError(rerr).Error("could not restore previous exception handlers")
		}
		destroyPort(k, port)
		return nil, &InitError{Stage: ThreadSpawnFailed, Err: err}
	}
	return h, nil
}

func destroyPort(k mach.Kernel, port mach.Port) {
	if err := k.DestroyPort(port); err != nil {
		logflags.KernelLogger().WithError(err).Errorf("could not destroy exception port %#x", uint32(port))
	}
}

func (h *Handle) run() {
	defer close(h.done)
	h.err = h.dispatcher.Run()
}

// restore reinstalls the captured handlers for the kinds of h.mask. Kinds
// that had no handler are reset to the null port.
func (h *Handle) restore() error {
	var errs []error
	left := h.mask
	for _, e := range h.registry.Snapshot().Entries() {
		m := e.Mask & left
		if m == 0 || e.Port == mach.PortNull {
			continue
		}
		if err := h.k.SetExceptionPorts(h.target, m, e.Port, e.Behavior, e.Flavor); err != nil {
			errs = append(errs, err)
			continue
		}
		left &^= m
	}
	if left != 0 {
		if err := h.k.SetExceptionPorts(h.target, left, mach.PortNull, mach.BehaviorDefault, 0); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Close puts the previous handlers back, destroys the exception port and
// waits for the dispatch loop to exit.
func (h *Handle) Close() error {
	h.closeOnce.Do(func() {
		h.closeErr = h.restore()
		if err := h.k.DestroyPort(h.port); err != nil && h.closeErr == nil {
			h.closeErr = err
		}
		<-h.done
	})
	return h.closeErr
}

// Port returns the exception port.
func (h *Handle) Port() mach.Port { return h.port }

// Target returns the thread or task the port is installed on.
func (h *Handle) Target() mach.Target { return h.target }

// Mask returns the exception kinds routed to the port.
func (h *Handle) Mask() mach.Mask { return h.mask }

// Registry returns the handlers that were installed before Initialize.
func (h *Handle) Registry() *Registry { return h.registry }

// Done is closed when the dispatch loop has exited.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Err returns the dispatch loop's exit error once Done is closed.
func (h *Handle) Err() error {
	select {
	case <-h.done:
		return h.err
	default:
		return nil
	}
}

// spawnLocked runs loop on a goroutine locked to its own OS thread.
func spawnLocked(loop func()) error {
	go func() {
		runtime.LockOSThread()
		loop()
	}()
	return nil
}

var host struct {
	sync.Mutex
	h *Handle
}

// InitializeHost installs exception handling for mask on the calling thread
// using the native kernel and the default configuration, and reports
// whether it succeeded. A host application should not trigger faults when
// it returns false. Calling it again after a success is a no-op that
// returns true.
func InitializeHost(mask mach.Mask) bool {
	host.Lock()
	defer host.Unlock()
	if host.h != nil {
		return true
	}
	log := logflags.KernelLogger()
	k, err := mach.Native()
	if err != nil {
		log.WithError(err).Error("no native mach kernel interface")
		return false
	}
	cfg := DefaultConfig()
	cfg.Mask = mask
	h, err := Initialize(k, cfg)
	if err != nil {
		log.WithError(err).Error("exception handling not installed")
		return false
	}
	host.h = h
	return true
}
