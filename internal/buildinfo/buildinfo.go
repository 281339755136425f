// Package buildinfo carries version data stamped in at link time:
//
//	go build -ldflags "-X deploy-go/internal/buildinfo.Version=1.2.0 -X deploy-go/internal/buildinfo.Commit=$(git rev-parse --short HEAD)"
package buildinfo

import "fmt"

var (
	Version = "dev"
	Commit  = "none"
	Date    = "unknown"
)

// String returns a one-line version summary.
func String() string {
	return fmt.Sprintf("%s (commit %s, built %s)", Version, Commit, Date)
}
