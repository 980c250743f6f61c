// Package cli provides the command-line interface for the AT-Protocol
// AppView ingestion-and-indexing core: the `serve` command that runs the
// full pipeline, and the §6 operational surface (`reconnect`,
// `retry-pending`, `dead-letter dump`) for diagnosing a deployment.
package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	homedir "github.com/mitchellh/go-homedir"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"atview.dev/common"
	"atview.dev/config"
)

var cfgFile string

// RootCmd is the entry point; running it with no subcommand is equivalent
// to `atview-core serve`.
var RootCmd = &cobra.Command{
	Use:   "atview-core",
	Short: "AT-Protocol AppView ingestion-and-indexing core",
	Long: `atview-core consumes a relay firehose, indexes it into Postgres, and
exposes health/metrics while it does so. Configuration is read from the
environment (see config.Load for the full list of variables), optionally
seeded from a YAML config file.`,
	RunE: runServe,
}

func init() {
	cobra.OnInitialize(initConfig)
	RootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default $HOME/.atview.yaml)")
	RootCmd.AddCommand(serveCmd, reconnectCmd, retryPendingCmd, deadLetterCmd)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "run the firehose consumer, commit processor, and health surface",
	RunE:  runServe,
}

// initConfig loads an optional YAML config file via Viper and exports its
// keys as environment variables, so config.Load (which only ever reads the
// environment) picks them up uniformly regardless of source.
func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := homedir.Dir()
		if err == nil {
			viper.AddConfigPath(home)
		}
		viper.AddConfigPath(".")
		viper.SetConfigType("yaml")
		viper.SetConfigName(".atview")
	}
	viper.AutomaticEnv()
	if err := viper.ReadInConfig(); err == nil {
		for _, key := range viper.AllKeys() {
			envKey := strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
			if os.Getenv(envKey) == "" {
				os.Setenv(envKey, viper.GetString(key))
			}
		}
	}
}

// loadConfig loads and validates the process configuration, exiting the
// command with a descriptive error if required fields are missing.
func loadConfig() (*config.Config, error) {
	cfg := config.Load()
	common.Configure(cfg.Service.LogLevel, cfg.Service.LogFormat)
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	svc, err := NewService(ctx, cfg)
	if err != nil {
		return fmt.Errorf("build service: %w", err)
	}
	svc.Start(ctx)

	log := common.ComponentLogger("cli")
	log.WithField("relay", cfg.Firehose.RelayURL).Info("serving")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit

	log.Info("shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	svc.Shutdown(shutdownCtx)
	return nil
}
