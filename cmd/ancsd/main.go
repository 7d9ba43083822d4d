package main

import (
	"os"

	_ "ancs/internal/dropins/atlasph"
	_ "ancs/internal/dropins/bme280"
	_ "ancs/internal/dropins/soil"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
