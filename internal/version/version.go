// Package version holds build metadata stamped in with -ldflags -X.
package version

// Overridden at build time, e.g.
// -X github.com/GoCodeAlone/rollout/internal/version.Version=v1.2.0
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildDate = "unknown"
)
