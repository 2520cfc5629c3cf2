package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/habitkit/offlinesync/internal/config"
	"github.com/habitkit/offlinesync/pkg/offline"
)

var (
	configFile string
	logLevel   string
	userID     string
	jsonOutput bool
)

var rootCmd = &cobra.Command{
	Use:   "habitsync",
	Short: "Offline sync and cache operations for the habit tracker",
	Long: `habitsync operates the offline sync layer of the habit tracker: it reports
connectivity and queue state, drains pending mutations to the remote store
and maintains the local cache.

Configuration is read from defaults, then --config, then HABITSYNC_*
environment variables, then flags.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.CompletionOptions.DisableDefaultCmd = true

	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "configuration file (YAML)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level override: DEBUG, INFO, WARN, ERROR")
	rootCmd.PersistentFlags().StringVar(&userID, "user", "", "user id override")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "print results as JSON")
}

// loadConfig applies defaults, file, environment and flags in that order.
func loadConfig() (*config.Configuration, error) {
	cfg := config.NewDefault()
	if configFile != "" {
		if err := cfg.LoadFromFile(configFile); err != nil {
			return nil, err
		}
	}
	if err := cfg.LoadFromEnv(); err != nil {
		return nil, err
	}
	if logLevel != "" {
		cfg.Global.LogLevel = logLevel
	}
	if userID != "" {
		cfg.Global.UserID = userID
	}
	return cfg, nil
}

// newClient builds a client from the loaded configuration. The metrics
// endpoint is only served by the run command.
func newClient(ctx context.Context, serveMetrics bool) (*offline.Client, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	if !serveMetrics {
		cfg.Monitoring.Metrics.Enabled = false
	}
	return newClientFrom(ctx, cfg)
}

func newClientFrom(ctx context.Context, cfg *config.Configuration) (*offline.Client, error) {
	return offline.New(ctx, cfg)
}

func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printf(cmd *cobra.Command, format string, args ...interface{}) {
	fmt.Fprintf(cmd.OutOrStdout(), format, args...)
}
