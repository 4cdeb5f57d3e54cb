// Package cli wires the agent's cobra command tree.
package cli

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/proth1/kmflow-sub006/internal/config"
)

// NewRoot builds the command tree.
func NewRoot(version string) *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:           "kmflow-agent",
		Short:         "kmflow-agent: consent-gated desktop task capture",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.Version = version
	cmd.SetVersionTemplate("kmflow-agent {{.Version}}\n")

	cmd.PersistentFlags().StringVar(&configPath, "config",
		getenvDefault("KMFLOW_CONFIG", ""), "path to agent config YAML")

	cmd.AddCommand(newRunCmd(&configPath))
	cmd.AddCommand(newConsentCmd(&configPath))
	cmd.AddCommand(newConfigCmd(&configPath))

	return cmd
}

func getenvDefault(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func loadConfig(path string) (*config.Config, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

// newLogger builds the process logger from config. The agent logs metadata
// about its own operation only; captured content never reaches the log.
func newLogger(cfg config.LoggingConfig, w io.Writer) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "text" {
		return slog.New(slog.NewTextHandler(w, opts))
	}
	return slog.New(slog.NewJSONHandler(w, opts))
}

func newConfigCmd(configPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Configuration utilities",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "validate",
		Short: "Parse and validate the config file",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(*configPath)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "config ok: endpoint=%s engagement=%q\n",
				cfg.IPC.Endpoint, cfg.Engagement.ID)
			return nil
		},
	})
	return cmd
}
