// Package version carries build metadata set via ldflags:
//
//	go build -ldflags "-X github.com/markus-barta/harmonyfast/internal/version.Version=1.2.0"
package version

var (
	// Version defaults to "dev" for local builds.
	Version = "dev"

	GitCommit = "unknown"
	BuildTime = "unknown"
)

// Info returns the version with a short commit hash when known.
func Info() string {
	if GitCommit != "unknown" && len(GitCommit) > 7 {
		return Version + " (" + GitCommit[:7] + ")"
	}
	return Version
}
