package main

import (
	"fmt"
	"os"

	"github.com/dmitrijs2005/gophsync/internal/client/cli"
)

func main() {
	if err := cli.NewRootCommand(&cli.RootOptions{}).Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
