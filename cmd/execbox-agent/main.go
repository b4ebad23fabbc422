// Command execbox-agent is PID 1 inside every isolated environment the
// sandbox manager starts. It serves the in-sandbox HTTP API and has no
// other responsibilities: it does not dial out, register, or manage its
// own lifecycle beyond serving requests until killed.
package main

import "os"

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
