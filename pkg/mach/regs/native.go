package regs

import "runtime"

// Native returns the Arch of the running process, or nil when Mach thread
// states are not known for GOARCH.
func Native() *Arch {
	a, err := ByName(runtime.GOARCH)
	if err != nil {
		return nil
	}
	return a
}
