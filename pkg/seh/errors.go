package seh

import "fmt"

// InitStage identifies the step of Initialize that failed.
type InitStage uint8

const (
	AllocationFailed InitStage = iota + 1
	RightsInsertFailed
	HandlerInstallFailed
	ThreadSpawnFailed
)

func (s InitStage) String() string {
	switch s {
	case AllocationFailed:
		return "port allocation"
	case RightsInsertFailed:
		return "send right insertion"
	case HandlerInstallFailed:
		return "exception handler installation"
	case ThreadSpawnFailed:
		return "dispatch thread creation"
	}
	return fmt.Sprintf("InitStage(%d)", uint8(s))
}

// InitError is returned by Initialize. Every stage is fatal: nothing that
// was set up before the failing stage is left behind.
type InitError struct {
	Stage InitStage
	Err   error
}

func (e *InitError) Error() string {
	return fmt.Sprintf("could not initialize mach exception handling: %s: %v", e.Stage, e.Err)
}

func (e *InitError) Unwrap() error {
	return e.Err
}
