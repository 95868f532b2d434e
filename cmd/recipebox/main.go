package main

import (
	"os"

	"github.com/porthorian/recipebox/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
