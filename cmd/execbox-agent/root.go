package main

import (
	"log"

	"github.com/spf13/cobra"

	"github.com/execbox/execbox/internal/agent"
)

var rootCmd = &cobra.Command{
	Use:   "execbox-agent",
	Short: "In-sandbox exec/file HTTP agent",
	Long:  `execbox-agent is the PID-1 process inside an execbox sandbox, serving exec and file requests from the Sandbox Manager on a fixed local port.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		srv := agent.New()
		log.Printf("execbox-agent: listening on :%d", agent.Port)
		return srv.ListenAndServe()
	},
}
