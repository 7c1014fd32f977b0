// Package main provides the CLI entry point for the TALLOW secure
// peer-to-peer file transfer client and relay, per spec.md §6.
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/tallowproject/tallow/internal/config"
	"github.com/tallowproject/tallow/internal/errs"
	"github.com/tallowproject/tallow/internal/logging"
)

// Version is set at build time via ldflags.
var Version = "dev"

var (
	configPath string
	dataDir    string
	logLevel   string
	logFormat  string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "tallow",
		Short: "TALLOW - post-quantum secure peer-to-peer file transfer",
		Long: `TALLOW sends files between two devices over a hybrid post-quantum
encrypted channel. The send and receive commands connect through a
zero-knowledge TLS relay; they do not attempt a direct QUIC or ICE
peer-to-peer connection.`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to YAML config file")
	rootCmd.PersistentFlags().StringVarP(&dataDir, "data-dir", "d", "", "Directory for device identity and transfer state")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level: debug, info, warn, error")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "", "Log format: text, json")

	rootCmd.AddCommand(sendCmd())
	rootCmd.AddCommand(receiveCmd())
	rootCmd.AddCommand(relayCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "tallow:", err)
		os.Exit(errs.ExitCode(err))
	}
}

// loadConfig resolves the Config for a send/receive/relay invocation,
// applying the --config/--data-dir/--log-level/--log-format flag
// overrides on top of the file+env layering config.Load already does.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, errs.Validation("%w", err)
	}
	if dataDir != "" {
		cfg.Agent.DataDir = dataDir
	}
	if logLevel != "" {
		cfg.Agent.LogLevel = logLevel
	}
	if logFormat != "" {
		cfg.Agent.LogFormat = logFormat
	}
	return cfg, nil
}

func newLogger(cfg *config.Config) *slog.Logger {
	return logging.NewLogger(cfg.Agent.LogLevel, cfg.Agent.LogFormat)
}
