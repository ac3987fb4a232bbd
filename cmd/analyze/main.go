package main

import (
	"errors"
	"fmt"
	"os"

	"analysis-orchestrator/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		var exit *cli.ExitError
		if errors.As(err, &exit) {
			os.Exit(exit.Code)
		}
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
