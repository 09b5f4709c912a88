package main

import (
	"os"

	"github.com/Smellon69/exception-based-comms/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
