// Command vdbtest validates harness configurations, pings data sources and
// provisions the virtual databases behind them.
package main

import (
	"fmt"
	"os"

	"github.com/roach88/vdbtest/internal/cli"
)

func main() {
	cmd := cli.NewRootCommand()
	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(cli.GetExitCode(err))
	}
}
