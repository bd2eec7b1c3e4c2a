//go:build !amd64 && !arm64

package fault

import (
	"fmt"

	"github.com/go-delve/machexc/pkg/mach"
)

func raise(kind mach.Kind, addr uintptr) error {
	return fmt.Errorf("%w: %s", ErrUnsupported, kind)
}
