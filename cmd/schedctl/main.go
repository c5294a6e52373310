package main

import (
	"fmt"
	"os"

	"gpuschedd/internal/schedctl"
)

func main() {
	if err := schedctl.BuildRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "schedctl: %v\n", err)
		os.Exit(1)
	}
}
