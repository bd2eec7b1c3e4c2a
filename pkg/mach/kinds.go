package mach

import (
	"fmt"
	"sort"
	"strings"

	"github.com/derekparker/trie"
)

var kindNames = map[string]Mask{
	"bad-access":      MaskBadAccess,
	"bad-instruction": MaskBadInstruction,
	"arithmetic":      MaskArithmetic,
	"software":        MaskSoftware,
	"breakpoint":      MaskBreakpoint,
	"syscall":         MaskSyscall,
	"mach-syscall":    MaskMachSyscall,
	"hardware":        HardwareMask,
	"all":             AllMask,
}

var kindIndex = func() *trie.Trie {
	t := trie.New()
	for name, m := range kindNames {
		t.Add(name, m)
	}
	return t
}()

// ParseKind resolves a kind name, or any unambiguous prefix of one, to
// its mask. The names are bad-access, bad-instruction, arithmetic,
// software, breakpoint, syscall, mach-syscall, plus the groups hardware
// and all.
func ParseKind(name string) (Mask, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "" {
		return 0, fmt.Errorf("empty exception kind")
	}
	if n, ok := kindIndex.Find(name); ok {
		return n.Meta().(Mask), nil
	}
	matches := kindIndex.PrefixSearch(name)
	switch len(matches) {
	case 0:
		return 0, fmt.Errorf("unknown exception kind %q", name)
	case 1:
		return kindNames[matches[0]], nil
	}
	sort.Strings(matches)
	return 0, fmt.Errorf("ambiguous exception kind %q (could be %s)", name, strings.Join(matches, ", "))
}

// ParseMask parses a comma separated list of kind names.
func ParseMask(s string) (Mask, error) {
	var m Mask
	for _, name := range strings.Split(s, ",") {
		if strings.TrimSpace(name) == "" {
			continue
		}
		k, err := ParseKind(name)
		if err != nil {
			return 0, err
		}
		m |= k
	}
	return m, nil
}

// KindNames returns the names accepted by ParseKind that denote exactly
// one kind, in the order of m's bits.
func (m Mask) KindNames() []string {
	var r []string
	for _, k := range m.Kinds() {
		for name, km := range kindNames {
			if km == k.Mask() {
				r = append(r, name)
			}
		}
	}
	return r
}
