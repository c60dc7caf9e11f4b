// Command eventcapture records a user's interaction with web pages in a
// Chromium browser and delivers the task logs to the ingestion service.
package main

import (
	"fmt"
	"os"

	"github.com/event-capture/eventcapture/env"
)

func main() {
	root := newRootCmd(env.Lookup, os.Stdin, os.Stdout, os.Stderr)
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, failure("Error: %v", err))
		os.Exit(1)
	}
}
