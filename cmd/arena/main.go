package main

import (
	"os"

	"ai_arena/cmd/arena/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
