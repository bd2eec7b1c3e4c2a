//go:build !darwin || !cgo

package mach

// Native returns ErrUnsupported: Mach exception ports only exist on darwin
// and are reached through cgo.
func Native() (Kernel, error) {
	return nil, ErrUnsupported
}
