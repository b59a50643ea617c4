package transport

import (
	"crypto/tls"
	"errors"
	"fmt"
)

// CredentialSource supplies the server certificate for a STARTTLS upgrade.
type CredentialSource interface {
	ServerTLSConfig() (*tls.Config, error)
}

// FileCredentials loads a PEM certificate chain and key from disk on every
// upgrade so a renewed certificate is picked up without a restart.
type FileCredentials struct {
	CertFile string
	KeyFile  string
}

func (f FileCredentials) ServerTLSConfig() (*tls.Config, error) {
	if f.CertFile == "" || f.KeyFile == "" {
		return nil, errors.New("certificate and key files must both be set")
	}
	cert, err := tls.LoadX509KeyPair(f.CertFile, f.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load certificate %s: %w", f.CertFile, err)
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}, nil
}

// StaticCredentials serves a fixed configuration.
type StaticCredentials struct {
	Config *tls.Config
}

func (s StaticCredentials) ServerTLSConfig() (*tls.Config, error) {
	if s.Config == nil {
		return nil, errors.New("no tls configuration")
	}
	return s.Config, nil
}
