// Package commands implements the mailexchange command line.
package commands

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/busybox42/mailexchange/internal/config"
	"github.com/busybox42/mailexchange/internal/logging"
)

var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

// app carries what PersistentPreRunE loads for the subcommands.
type app struct {
	configPath string
	cfg        *config.Config
	logger     *slog.Logger
}

// NewRootCmd builds a fresh command tree.
func NewRootCmd() *cobra.Command {
	a := &app{}
	rootCmd := &cobra.Command{
		Use:   "mailexchange",
		Short: "Minimal SMTP server and client",
		Long: `mailexchange receives mail over SMTP and stores one copy per recipient,
and sends mail directly to the MX hosts of the recipient domains.`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Name() == "help" || cmd.Name() == "version" || cmd.Name() == "completion" {
				return nil
			}
			return a.load(cmd.Name())
		},
	}

	rootCmd.PersistentFlags().StringVarP(&a.configPath, "config", "c", "", "Path to configuration file")

	rootCmd.AddCommand(newServerCmd(a))
	rootCmd.AddCommand(newSendCmd(a))
	rootCmd.AddCommand(newVersionCmd())
	return rootCmd
}

func (a *app) load(service string) error {
	cfg, err := config.LoadConfig(a.configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	logger, err := logging.New(cfg.LogSettings("mailexchange-" + service))
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}
	a.cfg = cfg
	a.logger = logger
	if cfg.Source != "" {
		logger.Debug("Configuration loaded", "path", cfg.Source)
	}
	return nil
}

// Execute runs the root command and exits non-zero on error.
func Execute() {
	if err := NewRootCmd().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "mailexchange %s\n", version)
			fmt.Fprintf(out, "Commit: %s\n", commit)
			fmt.Fprintf(out, "Built: %s\n", date)
		},
	}
}
