package fault

import (
	"fmt"

	"github.com/go-delve/machexc/pkg/mach"
)

func access(addr uintptr) uint32
func illegal()
func divide(n uint32) uint32

func raise(kind mach.Kind, addr uintptr) error {
	switch kind {
	case mach.KindBadAccess:
		access(addr)
	case mach.KindBadInstruction:
		illegal()
	case mach.KindArithmetic:
		divide(0)
	default:
		return fmt.Errorf("%w: %s", ErrUnsupported, kind)
	}
	return nil
}
