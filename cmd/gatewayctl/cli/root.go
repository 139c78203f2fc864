package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"

	"github.com/spf13/cobra"

	"fabricgate.org/internal/config"
	"fabricgate.org/internal/obs"
	"fabricgate.org/internal/store/pg"
	"fabricgate.org/internal/vault"
)

var (
	configPath string
	logLevel   string
	logFormat  string
)

var version = "dev"

var rootCmd = &cobra.Command{
	Use:     "gatewayctl",
	Short:   fmt.Sprintf("fabricgate operator CLI (version: %s)", version),
	Version: version,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		obs.Init(logLevel, logFormat)
	},
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command and exits non-zero on failure.
func Execute() {
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		obs.Logger().Error().Err(err).Msg("command failed")
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", os.Getenv("FABRICGATE_CONFIG"),
		"Path to the YAML config file (env FABRICGATE_* overrides apply)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "console", "Log format (console, json)")
}

func loadConfig() (config.Config, error) {
	return config.Load(configPath)
}

func openStore(cfg config.Config) (*pg.Store, error) {
	if cfg.DatabaseDSN == "" {
		return nil, errors.New("database_dsn is not configured (set FABRICGATE_DATABASE_DSN)")
	}
	return pg.Open(cfg.DatabaseDSN)
}

func openVault(cfg config.Config) (*vault.Vault, error) {
	var opts []vault.Option
	for ver, secret := range cfg.Vault.Previous {
		n, err := strconv.Atoi(ver)
		if err != nil {
			return nil, fmt.Errorf("vault.previous: version %q is not a number", ver)
		}
		opts = append(opts, vault.WithPreviousKey(n, secret))
	}
	return vault.New(cfg.Vault.Secret, cfg.Vault.ActiveVersion, opts...)
}
