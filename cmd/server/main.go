package main

import (
	"encoding/json"
	"io"
	"os"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"ad-rule-engine/internal/app/server"
	"ad-rule-engine/internal/config"
)

var rootCmd = &cobra.Command{
	Use:           "ad-rule-engine",
	Short:         "Automation rule engine for ad campaigns",
	Long:          `Evaluates operator-authored rules against ad performance metrics and applies guarded status and budget changes.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          runServe,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the scheduler and HTTP API",
	RunE:  runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

// loadConfig reads configuration and sets up logging for every command.
func loadConfig() (config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return config.Config{}, err
	}
	config.SetupLogging(cfg.Server.LogLevel, cfg.Server.LogFormat)
	return cfg, nil
}

func runServe(_ *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	return server.Run(cfg)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		log.Error().Err(err).Msg("command failed")
		os.Exit(1)
	}
}
