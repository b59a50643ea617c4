package dns

import (
	"context"
	"net"
	"slices"
	"sync"
)

// MockResolver serves MX records from a map keyed by FQDN (trailing dot).
type MockResolver struct {
	MX map[string][]*net.MX
	// Fail lists FQDNs answered with ErrDNSServFail.
	Fail []string

	mu      sync.Mutex
	queries []string
}

var _ Resolver = (*MockResolver)(nil)

func (r *MockResolver) LookupMX(ctx context.Context, name string) ([]*net.MX, error) {
	fqdn := ensureAbsolute(name)

	r.mu.Lock()
	r.queries = append(r.queries, fqdn)
	r.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if slices.Contains(r.Fail, fqdn) {
		return nil, ErrDNSServFail
	}
	records := r.MX[fqdn]
	if len(records) == 0 {
		return nil, ErrDNSNotFound
	}
	return records, nil
}

// Queries returns the names looked up so far.
func (r *MockResolver) Queries() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.queries)
}
