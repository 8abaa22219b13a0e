// Command chronoctx runs the versioned context store: the HTTP API, the MCP
// tool server, and one-shot commands against a local store.
//
// Usage:
//
//	chronoctx serve --db ./chronoctx.db
//	chronoctx mcp --db ./chronoctx.db
//	chronoctx create --metadata '{"agent":"planner"}'
//	chronoctx get <context-id> --version 3
package main

import (
	"fmt"
	"os"

	"github.com/roach88/chronoctx/internal/cli"
)

func main() {
	if err := cli.NewRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(cli.GetExitCode(err))
	}
}
