// Package version reports which machexc release a binary is and what it
// was built from.
package version

import (
	"fmt"
	"runtime"
	"runtime/debug"
	"strings"
	"text/tabwriter"
)

// Version identifies a release. An empty Build is filled in from the VCS
// settings recorded by the go command.
type Version struct {
	Major, Minor, Patch int
	Metadata            string
	Build               string
}

// MachexcVersion is the release this tree builds.
var MachexcVersion = Version{Major: 0, Minor: 3, Patch: 0}

// Semver formats v as MAJOR.MINOR.PATCH with an optional -METADATA suffix.
func (v Version) Semver() string {
	s := fmt.Sprintf("%d.%d.%d", v.Major, v.Minor, v.Patch)
	if v.Metadata != "" {
		s += "-" + v.Metadata
	}
	return s
}

func (v Version) String() string {
	build := v.Build
	if build == "" {
		build = Revision()
	}
	return fmt.Sprintf("Version: %s\nBuild: %s", v.Semver(), build)
}

// Revision returns the vcs.revision the binary was built at, marked
// -dirty for a modified checkout, or "unknown".
func Revision() string {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return "unknown"
	}
	settings := make(map[string]string, len(info.Settings))
	for _, s := range info.Settings {
		settings[s.Key] = s.Value
	}
	rev := settings["vcs.revision"]
	if rev == "" {
		return "unknown"
	}
	if settings["vcs.modified"] == "true" {
		rev += "-dirty"
	}
	return rev
}

// BuildInfo describes the toolchain, target and modules of the binary, one
// module per line.
func BuildInfo() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s %s/%s\n", runtime.Version(), runtime.GOOS, runtime.GOARCH)
	info, ok := debug.ReadBuildInfo()
	if !ok {
		b.WriteString("no module information\n")
		return b.String()
	}
	w := tabwriter.NewWriter(&b, 0, 8, 1, ' ', 0)
	fmt.Fprintf(w, "mod\t%s\t%s\n", info.Main.Path, info.Main.Version)
	for _, dep := range info.Deps {
		if dep.Replace != nil {
			fmt.Fprintf(w, "dep\t%s\t%s\t=> %s %s\n", dep.Path, dep.Version, dep.Replace.Path, dep.Replace.Version)
			continue
		}
		fmt.Fprintf(w, "dep\t%s\t%s\n", dep.Path, dep.Version)
	}
	w.Flush()
	return b.String()
}
