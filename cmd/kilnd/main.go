package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/jbweber/kiln/internal/config"
	"github.com/jbweber/kiln/internal/logging"
)

var (
	version = "dev"
	commit  = "unknown"
)

const defaultConfigPath = "/etc/kiln/kilnd.yaml"

var (
	configPath string
	socketPath string
	logMode    string
	logLevel   string
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "kilnd",
	Short: "kilnd - VM lifecycle daemon",
	Long: `kilnd creates, supervises and tears down short-lived virtual machines
on behalf of local clients.

Clients talk to kilnd over a unix socket. Each VM lives as long as some
client holds a handle to it; when the last handle is dropped the VM is
killed and its temporary files are removed.`,
	Version:      fmt.Sprintf("%s (commit: %s)", version, commit),
	SilenceUsage: true,
	Args:         cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.LoadFromFile(configPath)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		if socketPath != "" {
			cfg.SocketPath = socketPath
		}
		if cmd.Flags().Changed("log-mode") {
			cfg.LogMode = logMode
		}
		if cmd.Flags().Changed("log-level") {
			cfg.LogLevel = logLevel
		}

		mode, err := logging.ParseMode(cfg.LogMode)
		if err != nil {
			return err
		}
		level, err := logging.ParseLevel(cfg.LogLevel)
		if err != nil {
			return err
		}
		logger := logging.New(mode, os.Stderr, level)

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		logger.Info("Starting kilnd", "version", version, "commit", commit, "config", configPath)
		return newDaemon(cfg, logger).run(ctx)
	},
}

func init() {
	rootCmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "Path to the daemon configuration file")
	rootCmd.Flags().StringVar(&socketPath, "socket", "", "Management socket path (overrides socket_path)")
	rootCmd.Flags().StringVar(&logMode, "log-mode", "json", "Log format: text or json (overrides log_mode)")
	rootCmd.Flags().StringVar(&logLevel, "log-level", "info", "Log level (overrides log_level)")
}
