package main

import (
	"fmt"
	"os"

	"github.com/lazypower/memgraph/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "memgraph:", err)
		os.Exit(1)
	}
}
