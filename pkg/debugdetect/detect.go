package debugdetect

import "errors"

// ErrUnsupported is returned on systems where the tracer can not be
// determined.
var ErrUnsupported = errors.New("debugger detection not supported on this system")

// IsDebuggerAttached returns true if the current process is being debugged
// by a ptrace-based debugger (Delve, gdb, lldb, etc.).
func IsDebuggerAttached() (bool, error) {
	return detectDebuggerAttached()
}
