package main

import (
	"fmt"
	"os"

	"github.com/quern-ai/quern/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "quern: %v\n", err)
		os.Exit(1)
	}
}
