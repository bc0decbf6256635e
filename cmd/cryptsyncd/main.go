// Command cryptsyncd is a reference CLI exercising the cryptsync key
// management and block transfer core against a local file-based storage
// backend. It is a demonstration and integration tool, not the
// reconciliation engine itself.
package main

import (
	"os"

	"cryptsync/internal/cli"
)

var (
	Version   = "dev"
	BuildTime = "unknown"
)

func main() {
	cli.Version = Version
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
