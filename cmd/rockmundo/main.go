package main

import (
	"fmt"
	"os"
)

var version = "dev"

func main() {
	if err := newCLI().Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "rockmundo:", err)
		os.Exit(1)
	}
}
