package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/dimasma0305/gzstream/internal/gzstream/config"
	"github.com/dimasma0305/gzstream/internal/log"
)

var (
	initURL   string
	initForce bool
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a config file with the default settings",
	Long: `Create the config file at --config filled with every setting and its default.

An existing file is left untouched unless --force is given.`,
	Example: `  # Create .gzstream/config.yaml
  gzstream init --url wss://orchestrator.local/ws

  # Recreate it
  gzstream init --force`,
	Args: cobra.NoArgs,
	RunE: func(_ *cobra.Command, _ []string) error {
		if _, err := os.Stat(configPath); err == nil && !initForce {
			return fmt.Errorf("%s already exists, use --force to overwrite it", configPath)
		}

		cfg := config.Default()
		cfg.Server.URL = initURL
		if err := cfg.Validate(); err != nil {
			return err
		}
		if err := cfg.Save(configPath); err != nil {
			return err
		}
		log.Success("Wrote %s", configPath)
		if initURL == "" {
			log.InfoH2("Set server.url or %s before streaming", config.EnvURL)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(initCmd)

	initCmd.Flags().StringVar(&initURL, "url", "", "Websocket url of the backend")
	initCmd.Flags().BoolVarP(&initForce, "force", "f", false, "Overwrite an existing config file")
}
