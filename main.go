package main

import (
	"os"

	"github.com/AmirhsFar/Chat-Service/internal/cli"
)

func main() {
	if err := cli.NewRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}
