// Command slb is the CLI entrypoint for the Simultaneous Launch Button
// two-person-rule authorization layer.
package main

import (
	"fmt"
	"os"

	"github.com/twoperson/slb/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(cli.ExitCodeFor(err))
	}
}
