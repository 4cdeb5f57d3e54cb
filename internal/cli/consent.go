package cli

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/proth1/kmflow-sub006/internal/config"
	"github.com/proth1/kmflow-sub006/internal/consent"
	"github.com/proth1/kmflow-sub006/internal/seal"
	"github.com/proth1/kmflow-sub006/internal/secretstore"
)

// sealKeyEnv overrides the key file when set.
const sealKeyEnv = "KMFLOW_SEAL_KEY"

func newConsentCmd(configPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "consent",
		Short: "Inspect and change capture consent for the engagement",
	}

	var scope string
	grant := &cobra.Command{
		Use:   "grant",
		Short: "Grant capture consent",
		RunE: func(cmd *cobra.Command, args []string) error {
			m, cfg, err := openConsentMachine(*configPath)
			if err != nil {
				return err
			}
			sc := consent.Scope(scope)
			if sc != consent.ScopeActionLevel && sc != consent.ScopeContentLevel {
				return fmt.Errorf("unknown scope %q (action_level|content_level)", scope)
			}
			if err := m.GrantConsent(sc); err != nil {
				if errors.Is(err, consent.ErrRevoked) {
					return fmt.Errorf("consent for engagement %s was revoked and cannot be re-granted", cfg.Engagement.ID)
				}
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "consent granted for engagement %s (scope %s)\n",
				cfg.Engagement.ID, sc)
			return nil
		},
	}
	grant.Flags().StringVar(&scope, "scope", string(consent.ScopeActionLevel),
		"capture scope: action_level|content_level")

	revoke := &cobra.Command{
		Use:   "revoke",
		Short: "Revoke capture consent",
		RunE: func(cmd *cobra.Command, args []string) error {
			m, cfg, err := openConsentMachine(*configPath)
			if err != nil {
				return err
			}
			if err := m.RevokeConsent(); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "consent revoked for engagement %s\n", cfg.Engagement.ID)
			return nil
		},
	}

	status := &cobra.Command{
		Use:   "status",
		Short: "Show the current consent state",
		RunE: func(cmd *cobra.Command, args []string) error {
			m, cfg, err := openConsentMachine(*configPath)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "engagement: %s\nstate: %s\nscope: %s\n",
				cfg.Engagement.ID, m.CurrentState(), m.CaptureScope())
			return nil
		},
	}

	cmd.AddCommand(grant, revoke, status)
	return cmd
}

// openConsentMachine builds an initialized consent machine against the
// on-disk store. Shared by the consent subcommands and the run command.
func openConsentMachine(configPath string) (*consent.Machine, *config.Config, error) {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return nil, nil, err
	}
	if cfg.Engagement.ID == "" {
		return nil, nil, fmt.Errorf("engagement.id is not configured")
	}
	// Consent subcommands are quiet; only the run command logs.
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	m, err := buildConsentMachine(cfg, log)
	if err != nil {
		return nil, nil, err
	}
	if err := m.Initialize(cfg.Engagement.ID); err != nil {
		return nil, nil, err
	}
	return m, cfg, nil
}

func buildConsentMachine(cfg *config.Config, log *slog.Logger) (*consent.Machine, error) {
	key, err := seal.LoadKey(sealKeyEnv, cfg.Consent.KeyFile)
	if err != nil {
		if os.Getenv(sealKeyEnv) == "" && cfg.Consent.KeyFile != "" {
			if _, statErr := os.Stat(cfg.Consent.KeyFile); os.IsNotExist(statErr) {
				if mkErr := os.MkdirAll(filepath.Dir(cfg.Consent.KeyFile), 0o700); mkErr == nil {
					key, err = seal.GenerateKey(cfg.Consent.KeyFile)
				}
			}
		}
		if err != nil {
			return nil, fmt.Errorf("load sealing key: %w", err)
		}
	}
	sealer, err := seal.New(key)
	if err != nil {
		return nil, err
	}
	store, err := secretstore.NewFileStore(cfg.Consent.StoreDir)
	if err != nil {
		return nil, err
	}
	return consent.NewMachine(store, sealer, log), nil
}
