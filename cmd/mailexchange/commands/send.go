package commands

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/busybox42/mailexchange/internal/cache"
	"github.com/busybox42/mailexchange/internal/config"
	"github.com/busybox42/mailexchange/internal/delivery"
	"github.com/busybox42/mailexchange/internal/dns"
	"github.com/busybox42/mailexchange/internal/metrics"
	"github.com/busybox42/mailexchange/internal/transport"
)

// newResolver is replaced in tests.
var newResolver = buildResolver

func newSendCmd(a *app) *cobra.Command {
	var (
		from string
		to   []string
		file string
	)
	cmd := &cobra.Command{
		Use:   "send --from sender --to recipient [--to recipient] [--file message]",
		Short: "Send a message to the MX hosts of its recipients",
		Long: `Send reads a message from --file, or from stdin when no file is given, and
delivers it to the mail servers of every recipient domain. Recipients sharing
a domain are sent in one transaction.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if from == "" {
				return errors.New("--from is required")
			}
			if len(to) == 0 {
				return errors.New("at least one --to is required")
			}
			body, err := readBody(cmd.InOrStdin(), file)
			if err != nil {
				return err
			}
			return a.runSend(cmd.Context(), cmd.OutOrStdout(), from, to, body)
		},
	}
	cmd.Flags().StringVar(&from, "from", "", "envelope sender")
	cmd.Flags().StringArrayVar(&to, "to", nil, "envelope recipient, repeatable")
	cmd.Flags().StringVarP(&file, "file", "f", "", "message file (default stdin)")
	return cmd
}

func readBody(stdin io.Reader, file string) (string, error) {
	var (
		data []byte
		err  error
	)
	if file == "" || file == "-" {
		data, err = io.ReadAll(stdin)
	} else {
		data, err = os.ReadFile(file)
	}
	if err != nil {
		return "", fmt.Errorf("failed to read message: %w", err)
	}
	return string(data), nil
}

// buildResolver returns the configured MX resolver, wrapped in a cache when
// one is configured. The returned func releases the cache.
func buildResolver(ctx context.Context, cfg *config.Config, logger *slog.Logger) (dns.Resolver, func(), error) {
	var resolver dns.Resolver
	switch cfg.Delivery.Resolver {
	case "dns":
		resolver = dns.NewResolver(dns.ResolverConfig{Nameservers: cfg.Delivery.Nameservers})
	default:
		resolver = dns.NewStdResolver()
	}

	c, err := cache.Factory(cfg.CacheBackend())
	if err != nil {
		return nil, nil, err
	}
	if c == nil {
		return resolver, func() {}, nil
	}
	if err := c.Connect(ctx); err != nil {
		return nil, nil, fmt.Errorf("failed to connect %s cache: %w", c.Type(), err)
	}
	cached := dns.NewCachingResolver(resolver, c, cfg.Cache.TTL.Duration, logger)
	return cached, func() { _ = c.Close() }, nil
}

func (a *app) runSend(parent context.Context, out io.Writer, from string, to []string, body string) error {
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	resolver, release, err := newResolver(ctx, a.cfg, a.logger)
	if err != nil {
		return err
	}
	defer release()

	stats, err := metrics.Open(a.cfg.Metrics.ValkeyAddr)
	if err != nil {
		return fmt.Errorf("failed to open stats recorder: %w", err)
	}
	defer stats.Close()

	connector := delivery.NewConnector(resolver, delivery.ConnectorConfig{
		Port:        a.cfg.Delivery.Port,
		DialTimeout: a.cfg.Delivery.DialTimeout.Duration,
		Stream: transport.Options{
			ReadTimeout: a.cfg.Delivery.ReadTimeout.Duration,
			Logger:      a.logger,
		},
		Logger: a.logger,
	})
	client, err := delivery.NewClient(connector, delivery.Config{
		LocalName:   a.cfg.LocalName(),
		MaxAttempts: a.cfg.Delivery.MaxAttempts,
		RetryDelay:  a.cfg.Delivery.RetryDelay.Duration,
		Logger:      a.logger,
	}, stats)
	if err != nil {
		return err
	}

	dispatcher := delivery.NewDispatcher(client, a.cfg.Delivery.Concurrency, a.logger)
	results := dispatcher.SendAll(ctx, from, to, body)

	failed := 0
	for _, r := range results {
		if r.Err != nil {
			failed++
			fmt.Fprintf(out, "failed    %s (%d recipients): %v\n", r.Domain, len(r.Recipients), r.Err)
			continue
		}
		mode := "plaintext"
		if r.Result.TLS {
			mode = "tls"
		}
		fmt.Fprintf(out, "delivered %s (%d recipients) via %s after %d attempts, %s\n",
			r.Domain, len(r.Recipients), r.Result.Host, r.Result.Attempts, mode)
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d domains failed", failed, len(results))
	}
	return nil
}
