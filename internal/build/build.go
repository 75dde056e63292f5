// Package build holds build-time metadata injected via ldflags.
package build

// Version is the release version, overridden at build time.
var Version = "dev"
