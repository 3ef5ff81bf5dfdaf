// Package version holds build metadata for the precomp binary.
package version

import "fmt"

// Overridden at build time:
//
//	go build -ldflags "-X precomp/internal/version.Version=0.4.0 -X precomp/internal/version.Commit=$(git rev-parse HEAD)"
var (
	Version   = "0.4.0"
	Commit    = "unknown"
	BuildDate = "unknown"
)

// Info returns the version with a short commit suffix when one is known.
func Info() string {
	if Commit == "unknown" || len(Commit) < 8 {
		return Version
	}
	return fmt.Sprintf("%s (%s)", Version, Commit[:7])
}

// Full returns the multi-line version banner printed by `precomp version`.
func Full() string {
	return fmt.Sprintf("precomp %s\ncommit: %s\nbuilt:  %s", Version, Commit, BuildDate)
}
