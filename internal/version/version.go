// Package version exposes build metadata injected with -ldflags.
package version

import "fmt"

// Set at build time:
//
//	go build -ldflags "-X llmdispatch/internal/version.Version=v1.2.0 -X llmdispatch/internal/version.BuildTime=..."
var (
	Version   = "dev"
	BuildTime = "unknown"
)

// String returns the human readable version line.
func String() string {
	return fmt.Sprintf("llmdispatch %s (built %s)", Version, BuildTime)
}
