package main

import (
	"fmt"
	"os"

	"github.com/danmuck/edgelink/internal/logging"
)

func main() {
	logging.ConfigureRuntime()
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "edgelinkd: %v\n", err)
		os.Exit(1)
	}
}
