package main

import (
	"fmt"
	"os"

	"github.com/teranos/jobconnect/cmd/jobconnect/commands"
	"github.com/teranos/jobconnect/logger"
)

func main() {
	defer logger.Cleanup()

	if err := commands.NewRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
