// Command tripsyncd is the local sync daemon and maintenance CLI for
// the trip store: schema migration, one-shot and scheduled sync passes,
// queue inspection and report export.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
