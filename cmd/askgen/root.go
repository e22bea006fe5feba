package main

import (
	"github.com/spf13/cobra"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "askgen",
	Short: "Asynchronous answer generation over HTTP and websockets",
	Long: `askgen - submit questions and follow their answers as they are generated.

Configuration is read from config.yaml in . or ./config, from --config, and
from ASKGEN_* environment variables (e.g. ASKGEN_CLIENT_BASE_URL).

Examples:
  # Run the backend
  askgen serve

  # Ask a question in a new conversation
  askgen ask "What is Go?" --workspace docs

  # Follow by polling instead of the websocket
  askgen ask "What is Go?" --conversation c1 --delivery poll`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to config file")
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(askCmd)
}
