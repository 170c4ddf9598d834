package main

import (
	"os"

	"github.com/go-delve/unwind/cmd/unwind/cmds"
)

func main() {
	if err := cmds.New().Execute(); err != nil {
		os.Exit(1)
	}
}
