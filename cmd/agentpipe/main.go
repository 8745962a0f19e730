// Command agentpipe orchestrates multi-stage AI agent pipelines against a
// git working copy.
package main

import (
	"os"

	"github.com/FRE-Studios/agentpipe/internal/cli"
)

func main() {
	os.Exit(cli.Execute())
}
