package delivery

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/busybox42/mailexchange/internal/smtp"
)

// Sender delivers one message to recipients of a single domain.
type Sender interface {
	Send(ctx context.Context, from string, to []string, body string) (*Result, error)
}

// DomainResult is the outcome for one recipient domain.
type DomainResult struct {
	Domain     string
	Recipients []string
	Result     *Result
	Err        error
}

// Dispatcher fans a message with recipients in several domains out to one
// Send per domain.
type Dispatcher struct {
	sender      Sender
	concurrency int
	logger      *slog.Logger
}

func NewDispatcher(sender Sender, concurrency int, logger *slog.Logger) *Dispatcher {
	if concurrency <= 0 {
		concurrency = 10
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		sender:      sender,
		concurrency: concurrency,
		logger:      logger.With("component", "dispatcher"),
	}
}

// GroupByDomain buckets recipients by lower-cased domain, keeping the order in
// which domains and recipients first appear. Recipients without a domain go
// under "".
func GroupByDomain(to []string) ([]string, map[string][]string) {
	var order []string
	groups := make(map[string][]string)
	for _, rcpt := range to {
		domain := strings.ToLower(smtp.Domain(rcpt))
		if _, ok := groups[domain]; !ok {
			order = append(order, domain)
		}
		groups[domain] = append(groups[domain], rcpt)
	}
	return order, groups
}

// SendAll runs the domain sends concurrently. Results follow the order of
// domains in to, and a failure in one domain does not affect the others.
func (d *Dispatcher) SendAll(ctx context.Context, from string, to []string, body string) []DomainResult {
	order, groups := GroupByDomain(to)
	results := make([]DomainResult, len(order))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(d.concurrency)

	for i, domain := range order {
		results[i] = DomainResult{Domain: domain, Recipients: groups[domain]}
		if domain == "" {
			results[i].Err = fmt.Errorf("recipients without a domain: %s", strings.Join(groups[domain], ", "))
			continue
		}
		g.Go(func() error {
			res, err := d.sender.Send(gctx, from, results[i].Recipients, body)
			results[i].Result = res
			results[i].Err = err
			if err != nil {
				d.logger.ErrorContext(gctx, "Domain delivery failed",
					"domain", domain,
					"recipients", len(results[i].Recipients),
					"error", err,
				)
			}
			return nil
		})
	}
	_ = g.Wait()
	return results
}
