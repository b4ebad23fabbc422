// Command execboxd runs the sandbox manager: the session registry, idle
// reaper, RPC front-end, and egress proxy that together make up the
// execbox control plane.
package main

import (
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "execboxd",
	Short: "execbox sandbox manager and RPC front-end",
	Long:  `execboxd runs the Sandbox Manager, RPC front-end, and egress proxy that make up the execbox control plane.`,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
