package medic

import "fmt"

// Build identity, stamped by the release pipeline:
//
//	go build -ldflags "-X github.com/sentinelops/medic.Version=v1.4.0 ..."
//
// Untouched builds identify themselves as development builds.
var (
	// Version is the release tag, or "development" for local builds.
	Version = "development"

	// GitCommit is the short hash of the commit the binary was built from.
	GitCommit = "unknown"

	// BuildDate is the UTC build timestamp.
	BuildDate = "unknown"
)

// VersionString renders the build identity as one human-readable line.
func VersionString() string {
	return fmt.Sprintf("medic %s (commit %s, built %s)", Version, GitCommit, BuildDate)
}
