// Package version provides build version information.
package version

// Version is the build version string, set by ldflags during build.
var Version = "v0.3.0-dev"

// BuildTime is the build timestamp, set by ldflags during build.
var BuildTime = "unknown"

// String returns the version with its build time.
func String() string {
	return Version + " (" + BuildTime + ")"
}
