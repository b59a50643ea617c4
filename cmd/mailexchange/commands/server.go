package commands

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/busybox42/mailexchange/internal/api"
	"github.com/busybox42/mailexchange/internal/mailstore"
	"github.com/busybox42/mailexchange/internal/metrics"
	"github.com/busybox42/mailexchange/internal/smtp"
)

func newServerCmd(a *app) *cobra.Command {
	var listen, hostname string
	cmd := &cobra.Command{
		Use:   "server",
		Short: "Start the SMTP server",
		Long:  "Start the receiving SMTP server and, when metrics.listen is set, the HTTP admin endpoint",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if listen != "" {
				a.cfg.Server.Listen = listen
			}
			if hostname != "" {
				a.cfg.Server.Hostname = hostname
			}
			return a.runServer(cmd.Context())
		},
	}
	cmd.Flags().StringVar(&listen, "listen", "", "SMTP listen address (overrides config)")
	cmd.Flags().StringVar(&hostname, "hostname", "", "server hostname (overrides config)")
	return cmd
}

func (a *app) runServer(parent context.Context) error {
	if err := a.cfg.ValidateServer(); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := mailstore.Open(ctx, a.cfg.MailStore())
	if err != nil {
		return fmt.Errorf("failed to open mail store: %w", err)
	}
	defer store.Close()

	stats, err := metrics.Open(a.cfg.Metrics.ValkeyAddr)
	if err != nil {
		return fmt.Errorf("failed to open stats recorder: %w", err)
	}
	defer stats.Close()

	smtpConfig := a.cfg.SMTP()
	smtpConfig.Logger = a.logger
	smtpServer, err := smtp.NewServer(smtpConfig, store, stats)
	if err != nil {
		return fmt.Errorf("failed to create SMTP server: %w", err)
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return smtpServer.ListenAndServe(ctx)
	})

	if a.cfg.Metrics.Listen != "" {
		apiServer, err := api.NewServer(api.Config{
			ListenAddr: a.cfg.Metrics.Listen,
			Logger:     a.logger,
		}, store, stats)
		if err != nil {
			return fmt.Errorf("failed to create API server: %w", err)
		}
		g.Go(func() error {
			return apiServer.ListenAndServe(ctx)
		})
	}

	a.logger.InfoContext(ctx, "mailexchange server started",
		"hostname", a.cfg.Server.Hostname,
		"listen", a.cfg.Server.Listen,
		"store", a.cfg.Store.Type,
	)

	err = g.Wait()
	a.logger.Info("Shutdown complete")
	return err
}
