// cortex is the decision substrate daemon and its operator CLI.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"cortex/internal/config"
	"cortex/internal/logging"
)

var (
	configPath string
	verbose    bool
)

var rootCmd = &cobra.Command{
	Use:   "cortex",
	Short: "cortex - cognitive decision substrate",
	Long: `cortex fuses perception context, long-lived memory, and safety-arbitrated
action dispatch into auditable decisions. Every accepted query produces a
decision record that can later be replayed as a causal chain.

Run "cortex serve" to start the daemon; "cortex query" and "cortex explain"
talk to a running instance.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		if err := logging.Initialize(cfg.Debug || verbose); err != nil {
			return fmt.Errorf("failed to initialize logging: %w", err)
		}
		loadedConfig = cfg
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		logging.Sync()
	},
}

// loadedConfig is populated by the root PersistentPreRunE before any
// subcommand runs.
var loadedConfig config.Config

func main() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to JSON config file")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "debug logging")

	rootCmd.AddCommand(serveCmd, queryCmd, explainCmd, encryptCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
