package main

import (
	"fmt"
	"os"

	"github.com/harun/sonolbot/internal/cli"
)

func main() {
	err := cli.Execute()
	code := cli.ExitCode(err)
	if code == cli.ExitFailure {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	}
	os.Exit(code)
}
