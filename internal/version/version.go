package version

import "fmt"

var (
	// Version is the current application version
	Version = "dev"
	// GitSHA is the git commit SHA
	GitSHA = "unknown"
	// BuildTime is the build timestamp
	BuildTime = "unknown"
)

// UserAgent identifies the daemon to the backend.
func UserAgent() string {
	return fmt.Sprintf("fieldtrack/%s (%s)", Version, GitSHA)
}

// String is the one-line banner printed by -version.
func String() string {
	return fmt.Sprintf("fieldtrack %s (commit %s, built %s)", Version, GitSHA, BuildTime)
}
