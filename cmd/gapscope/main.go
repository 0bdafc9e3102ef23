// Command gapscope segments market-share exports and investigates the
// competitive gaps it finds with a tool-calling completion endpoint.
package main

import (
	"os"
)

func main() {
	// Cobra prints the error itself.
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
