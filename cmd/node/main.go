// Command node runs one cluster member: the writer, reader and combined
// audit/handoff services spec.md describes, wired together by
// pkg/node.Peer and bound to the environment via pkg/config.
package main

import (
	"fmt"
	"os"

	"clusterstore.io/core/cmd/node/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
