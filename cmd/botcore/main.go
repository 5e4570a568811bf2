package main

import (
	"os"

	"github.com/golemcore/botcore/internal/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
