// Command poolctl drives a taskpool against a worker script: start one,
// submit a task to one, or inspect one's live stats.
package main

import (
	"fmt"
	"os"

	"github.com/ChuLiYu/taskpool/internal/cli"
)

func main() {
	if err := cli.BuildCLI().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
