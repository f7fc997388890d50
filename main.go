package main

import (
	"os"

	"github.com/obot-platform/app-oauth-server/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
