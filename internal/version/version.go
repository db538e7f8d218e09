package version

import "fmt"

var (
	// Version is the current application version, set with -ldflags at build time
	Version = "dev"
	// GitSHA is the git commit SHA
	GitSHA = "unknown"
	// BuildTime is the build timestamp
	BuildTime = "unknown"
)

// Service is the name reported by the status endpoint and health service.
const Service = "uwbsync"

// String formats the build metadata for logs and the CLI.
func String() string {
	return fmt.Sprintf("%s %s (%s, built %s)", Service, Version, GitSHA, BuildTime)
}
