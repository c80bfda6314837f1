package main

import (
	"fmt"
	"os"

	"taskorch/pkg/logger"
)

func main() {
	logger.InitLogger("cli")
	defer logger.Sync()

	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
