package version

import "fmt"

var (
	// Version is the current application version, set via ldflags.
	Version = "v0.1.0-dev"

	// Commit is the git short hash of the build.
	Commit = "unknown"

	// Date is the build timestamp.
	Date = "unknown"
)

// String formats all build fields for --version output.
func String() string {
	return fmt.Sprintf("shardline %s (commit %s, built %s)", Version, Commit, Date)
}
