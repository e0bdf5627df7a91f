package main

import (
	"fmt"
	"os"

	"github.com/video-system/go-raw-capture/internal/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "capture: %v\n", err)
		os.Exit(1)
	}
}
