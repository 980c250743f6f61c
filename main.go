// Command atview-core runs the AT-Protocol AppView ingestion-and-indexing
// pipeline: the firehose consumer, durable queue, commit processor, and the
// health/metrics surface that reports on them.
package main

import (
	"fmt"
	"os"

	"atview.dev/cli"
)

func main() {
	if err := cli.RootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
