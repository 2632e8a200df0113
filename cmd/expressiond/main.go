package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	cfgFile string
	verbose bool
)

var rootCmd = &cobra.Command{
	Use:   "expressiond",
	Short: "Avatar expression daemon",
	Long: `expressiond blends expression intents, lip-sync, blinking, attention
and idle behavior into blend-shape frames for an avatar renderer.

Configuration:
  The daemon looks for configuration in:
  1. --config flag (explicit path)
  2. $HOME/.cortexexpression/config.yaml
  3. ./config.yaml (current directory)

Environment Variables:
  CORTEXEXPR_SERVER_LISTEN  - HTTP listen address
  CORTEXEXPR_INTENT_URL     - upstream SSE intent source
  CORTEXEXPR_LOG_LEVEL      - debug, info, warn or error`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.cortexexpression/config.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "debug logging")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(classifyCmd)
	rootCmd.AddCommand(configCmd)

	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configValidateCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
