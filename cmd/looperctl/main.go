package main

import (
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "looperctl",
	Short: "Demo harness for the looper event-loop engine",
	Long:  `looperctl drives the looper engine through a small TCP echo server.`,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
