// Package buildinfo reports the vdilabd build.
package buildinfo

import (
	"fmt"
	"runtime"
	"runtime/debug"
)

// Set with -ldflags "-X github.com/vdilab/vdilab/internal/buildinfo.Version=...".
var (
	Version = "dev"
	Commit  = "none"
	Date    = "unknown"
)

// ResolvedVersion returns Version, or the module version recorded by
// `go install` when no version was stamped.
func ResolvedVersion() string {
	if Version != "dev" {
		return Version
	}
	if info, ok := debug.ReadBuildInfo(); ok && info.Main.Version != "" && info.Main.Version != "(devel)" {
		return info.Main.Version
	}
	return Version
}

// String formats the build for `vdilabd version` and the startup log.
func String() string {
	return fmt.Sprintf("version=%s commit=%s date=%s go=%s", ResolvedVersion(), Commit, Date, runtime.Version())
}
