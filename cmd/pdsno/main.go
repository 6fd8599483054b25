// Command pdsno is the governance controller CLI and daemon.
package main

import (
	"fmt"
	"os"

	"github.com/preacher1045/pdsno/internal/cli"
)

func main() {
	if err := cli.NewRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(cli.GetExitCode(err))
	}
}
