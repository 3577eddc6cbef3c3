// Package version holds build metadata set with -ldflags -X.
package version

import "fmt"

var (
	// Version is the release tag, or "dev" for local builds.
	Version = "dev"
	// GitSHA is the commit the binary was built from.
	GitSHA = "unknown"
	// BuildTime is the build timestamp.
	BuildTime = "unknown"
)

// String formats the metadata for `raceline version`.
func String() string {
	return fmt.Sprintf("raceline %s (git %s, built %s)", Version, GitSHA, BuildTime)
}
