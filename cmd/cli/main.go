package main

import (
	"fmt"
	"os"

	"github.com/hotspot-billing/hotspot-billing/cmd/cli/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
