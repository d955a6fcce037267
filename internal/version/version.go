// Package version holds build metadata, set with -ldflags "-X".
package version

import "fmt"

var (
	Version = "dev"
	Commit  = ""
)

// String is the one-line version banner, e.g. "logsanitizer 1.2.0 (3f2a9c1)".
func String() string {
	if Commit == "" {
		return "logsanitizer " + Version
	}
	return fmt.Sprintf("logsanitizer %s (%s)", Version, Commit)
}
