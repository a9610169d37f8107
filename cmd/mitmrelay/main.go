// Command mitmrelay drives a CDP-attached browser through an interactive
// traffic-mediation pipeline: capture, rewrite, optional operator
// interception, and replay.
package main

import "os"

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
