// Package version carries build metadata stamped at link time.
package version

import (
	"runtime"
	"strings"
)

// Build metadata, overridden with -ldflags "-X".
var (
	Version = "dev"
	Commit  = "none"
	Date    = "unknown"
)

// String renders the one-line version banner.
func String() string {
	return "parley " + Version + " (commit=" + Commit + ", date=" + Date + ", go=" + runtime.Version() + ")"
}

// UserAgent identifies parley in outbound HTTP requests, e.g. "parley/1.2.3 (go1.25.5)".
func UserAgent() string {
	v := strings.TrimPrefix(strings.TrimSpace(Version), "v")
	if v == "" {
		v = "dev"
	}
	return "parley/" + v + " (" + runtime.Version() + ")"
}
