// Package dns resolves the mail exchangers of a domain.
package dns

import (
	"context"
	"errors"
	"net"
	"strings"
)

var (
	ErrDNSNotFound = errors.New("dns: record not found")
	ErrDNSTimeout  = errors.New("dns: query timed out")
	ErrDNSServFail = errors.New("dns: server failure")
	ErrDNSRefused  = errors.New("dns: query refused")
)

// Resolver looks up MX records. Records come back in the order the resolver
// produced them. Implementations must be safe for concurrent use.
type Resolver interface {
	LookupMX(ctx context.Context, name string) ([]*net.MX, error)
}

func IsNotFound(err error) bool {
	return errors.Is(err, ErrDNSNotFound)
}

func IsTimeout(err error) bool {
	return errors.Is(err, ErrDNSTimeout)
}

// IsTemporary reports whether retrying the query later may succeed.
func IsTemporary(err error) bool {
	return errors.Is(err, ErrDNSTimeout) || errors.Is(err, ErrDNSServFail)
}

func ensureAbsolute(name string) string {
	if !strings.HasSuffix(name, ".") {
		return name + "."
	}
	return name
}
