// Command orchestrator runs the security case orchestrator.
//
// Responsibilities:
//   - Load and validate configuration from YAML and ORCHESTRATOR_* variables
//   - Consume intake messages from the partitioned event log
//   - Drive cases through extraction, enrichment, tiered reasoning and approval
//   - Serve the REST API, the audit WebSocket stream and gRPC health
//   - Shut down gracefully on SIGINT or SIGTERM
package main

import (
	"fmt"
	"os"

	"github.com/kubilitics/kubilitics-orchestrator/internal/cli"
)

func main() {
	root := cli.NewRootCommand()
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
