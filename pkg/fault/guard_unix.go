//go:build unix

package fault

import (
	"unsafe"

	sys "golang.org/x/sys/unix"
)

// GuardPage is an anonymous mapping with no access rights. Reading it
// raises EXC_BAD_ACCESS.
type GuardPage struct {
	mem []byte
}

// NewGuardPage maps one inaccessible page.
func NewGuardPage() (*GuardPage, error) {
	mem, err := sys.Mmap(-1, 0, sys.Getpagesize(), sys.PROT_NONE, sys.MAP_ANON|sys.MAP_PRIVATE)
	if err != nil {
		return nil, err
	}
	return &GuardPage{mem: mem}, nil
}

// Addr returns the first address of the page.
func (g *GuardPage) Addr() uintptr {
	return uintptr(unsafe.Pointer(&g.mem[0]))
}

// Close unmaps the page.
func (g *GuardPage) Close() error {
	return sys.Munmap(g.mem)
}
