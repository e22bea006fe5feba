// Command askgen runs the generation backend and submits questions to it.
//
// Usage:
//
//	askgen [--config FILE] <command> [flags]
//
// Commands:
//
//	serve  - run the HTTP and websocket backend
//	ask    - submit a question and print the answer as it is generated
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
