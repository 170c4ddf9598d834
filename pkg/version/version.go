package version

import (
	"fmt"
	"runtime"
	"runtime/debug"
	"strings"
)

// Version is a semantic version of the unwind tools, Build is the VCS
// revision they were built from.
type Version struct {
	Major    string
	Minor    string
	Patch    string
	Metadata string
	Build    string
}

// UnwindVersion is the current version.
var UnwindVersion = Version{
	Major: "0", Minor: "3", Patch: "0",
	Build: "$Id$",
}

// Semver returns the version without the build.
func (v Version) Semver() string {
	s := v.Major + "." + v.Minor + "." + v.Patch
	if v.Metadata != "" {
		s += "-" + v.Metadata
	}
	return s
}

func (v Version) String() string {
	build := v.Build
	if strings.HasPrefix(build, "$Id") {
		build = vcsRevision(readBuildInfo)
	}
	if build == "" {
		build = "unknown"
	}
	return fmt.Sprintf("Version: %s\nBuild: %s", v.Semver(), build)
}

// readBuildInfo is replaced in tests.
var readBuildInfo = debug.ReadBuildInfo

// vcsRevision returns the revision stamped by the go command, if any.
func vcsRevision(read func() (*debug.BuildInfo, bool)) string {
	info, ok := read()
	if !ok {
		return ""
	}
	for _, setting := range info.Settings {
		if setting.Key == "vcs.revision" {
			rev := setting.Value
			for _, s := range info.Settings {
				if s.Key == "vcs.modified" && s.Value == "true" {
					rev += "-dirty"
				}
			}
			return rev
		}
	}
	return ""
}

// BuildInfo returns the Go version and the modules the program was built
// with, one per line.
func BuildInfo() string {
	var sb strings.Builder
	sb.WriteString(runtime.Version())
	sb.WriteByte('\n')
	info, ok := readBuildInfo()
	if !ok {
		sb.WriteString("not built in module mode\n")
		return sb.String()
	}
	fmt.Fprintf(&sb, " mod\t%s\t%s\n", info.Main.Path, info.Main.Version)
	for _, dep := range info.Deps {
		fmt.Fprintf(&sb, " dep\t%s\t%s", dep.Path, dep.Version)
		if dep.Replace != nil {
			fmt.Fprintf(&sb, "\t=> %s\t%s", dep.Replace.Path, dep.Replace.Version)
		}
		sb.WriteByte('\n')
	}
	return sb.String()
}
