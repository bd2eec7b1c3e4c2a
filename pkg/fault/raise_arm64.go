package fault

import (
	"fmt"

	"github.com/go-delve/machexc/pkg/mach"
)

func access(addr uintptr) uint32
func illegal()

func raise(kind mach.Kind, addr uintptr) error {
	switch kind {
	case mach.KindBadAccess:
		access(addr)
	case mach.KindBadInstruction:
		illegal()
	default:
		// integer division by zero does not trap on arm64
		return fmt.Errorf("%w: %s", ErrUnsupported, kind)
	}
	return nil
}
