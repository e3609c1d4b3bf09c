// Package version reports the version of the incbuild binary.
package version

import (
	"runtime/debug"
)

// Set through -ldflags "-X" at release time.
var (
	Version = "dev"
	Commit  = "none"
	Date    = "unknown"
)

// Info describes the running binary.
type Info struct {
	Version   string
	Commit    string
	Date      string
	GoVersion string
}

// Get returns the version of the running binary. Values not stamped at link
// time are taken from the module build info when available.
func Get() Info {
	info := Info{Version: Version, Commit: Commit, Date: Date}

	build, ok := debug.ReadBuildInfo()
	if !ok {
		return info
	}

	info.GoVersion = build.GoVersion

	if info.Version == "dev" && build.Main.Version != "" && build.Main.Version != "(devel)" {
		info.Version = build.Main.Version
	}

	for _, setting := range build.Settings {
		switch setting.Key {
		case "vcs.revision":
			if info.Commit == "none" {
				info.Commit = setting.Value
			}
		case "vcs.time":
			if info.Date == "unknown" {
				info.Date = setting.Value
			}
		}
	}

	return info
}

// String renders the info on one line.
func (i Info) String() string {
	s := i.Version + " (commit: " + i.Commit + ", built: " + i.Date
	if i.GoVersion != "" {
		s += ", " + i.GoVersion
	}

	return s + ")"
}
