//go:build !unix

package fault

// GuardPage is an inaccessible page of memory.
type GuardPage struct{}

// NewGuardPage returns ErrUnsupported.
func NewGuardPage() (*GuardPage, error) {
	return nil, ErrUnsupported
}

func (g *GuardPage) Addr() uintptr { return 0 }

func (g *GuardPage) Close() error { return nil }
