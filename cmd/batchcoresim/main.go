package main

import (
	"fmt"
	"os"

	"github.com/streambatch/corebatch/cmd/batchcoresim/cli"
)

func main() {
	if err := cli.NewRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(cli.ExitCode(err))
	}
}
