//go:build !darwin && !linux

package debugdetect

func detectDebuggerAttached() (bool, error) {
	return false, ErrUnsupported
}
