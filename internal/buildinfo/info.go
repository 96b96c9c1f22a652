// Package buildinfo holds build metadata injected at link time.
package buildinfo

// Populated via -ldflags at release build time; the defaults identify a
// local development build.
var (
	Version = "dev"
	Commit  = "none"
	Date    = "unknown"
)
