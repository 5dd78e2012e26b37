// Command maelstrom-node runs one node of a Maelstrom workload, speaking the
// line-delimited JSON protocol on stdin and stdout.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "maelstrom-node: %v\n", err)
		os.Exit(1)
	}
}
