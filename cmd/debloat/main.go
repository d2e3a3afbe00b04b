// Command debloat finds over-encoded video files and re-encodes the worst
// offenders with libx265, reclaiming disk space in bulk.
package main

import "os"

// version and commit are injected at build time via -ldflags.
var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	os.Exit(run())
}
