// Package certs keeps a self-signed certificate on disk for serving webhooks over HTTPS
// on a local or tunneled endpoint.
package certs

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"time"
)

const (
	certName = "webhook.crt"
	keyName  = "webhook.key"

	// DefaultValidity is how long a generated certificate lasts.
	DefaultValidity = 365 * 24 * time.Hour

	// renewBefore regenerates certificates this close to expiry.
	renewBefore = 7 * 24 * time.Hour
)

// Store generates and reloads the webhook certificate in one directory.
type Store struct {
	now      func() time.Time
	logger   *slog.Logger
	dir      string
	hosts    []string
	validity time.Duration
}

// Option configures a Store.
type Option func(*Store)

// WithHosts sets the DNS names and IP addresses the certificate covers.
// localhost and the loopback addresses are always included.
func WithHosts(hosts ...string) Option {
	return func(s *Store) { s.hosts = append(s.hosts, hosts...) }
}

// WithValidity overrides DefaultValidity.
func WithValidity(d time.Duration) Option {
	return func(s *Store) {
		if d > 0 {
			s.validity = d
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// NewStore returns a store rooted at dir.
func NewStore(dir string, opts ...Option) *Store {
	s := &Store{
		now:      time.Now,
		logger:   slog.Default().With("component", "certs"),
		dir:      dir,
		hosts:    []string{"localhost", "127.0.0.1", "::1"},
		validity: DefaultValidity,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// CertFile is the PEM certificate path.
func (s *Store) CertFile() string { return filepath.Join(s.dir, certName) }

// KeyFile is the PEM private key path.
func (s *Store) KeyFile() string { return filepath.Join(s.dir, keyName) }

// Exists reports whether both the certificate and key are on disk.
func (s *Store) Exists() (bool, error) {
	for _, path := range []string{s.CertFile(), s.KeyFile()} {
		if _, err := os.Stat(path); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return false, nil
			}
			return false, fmt.Errorf("failed to check certificate: %w", err)
		}
	}
	return true, nil
}

// Certificate loads the stored certificate, generating a fresh one when none exists,
// the files are unreadable, a host is no longer covered, or expiry is near.
func (s *Store) Certificate() (tls.Certificate, error) {
	exists, err := s.Exists()
	if err != nil {
		return tls.Certificate{}, err
	}
	if exists {
		cert, err := tls.LoadX509KeyPair(s.CertFile(), s.KeyFile())
		if err == nil {
			if err = s.check(cert); err == nil {
				return cert, nil
			}
		}
		s.logger.Info("Regenerating webhook certificate", "dir", s.dir, "reason", err)
	}
	return s.generate()
}

// TLSConfig returns a server config serving the stored certificate.
func (s *Store) TLSConfig() (*tls.Config, error) {
	cert, err := s.Certificate()
	if err != nil {
		return nil, err
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}, nil
}

func (s *Store) generate() (tls.Certificate, error) {
	if err := os.MkdirAll(s.dir, 0700); err != nil {
		return tls.Certificate{}, fmt.Errorf("failed to create certificate directory: %w", err)
	}

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("failed to generate key: %w", err)
	}
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("failed to generate serial: %w", err)
	}

	now := s.now()
	tmpl := x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{Organization: []string{"bankfeed"}, CommonName: s.hosts[0]},
		NotBefore:             now.Add(-time.Minute),
		NotAfter:              now.Add(s.validity),
		KeyUsage:              x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
	}
	for _, h := range s.hosts {
		if ip := net.ParseIP(h); ip != nil {
			tmpl.IPAddresses = append(tmpl.IPAddresses, ip)
		} else {
			tmpl.DNSNames = append(tmpl.DNSNames, h)
		}
	}

	der, err := x509.CreateCertificate(rand.Reader, &tmpl, &tmpl, &key.PublicKey, key)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("failed to create certificate: %w", err)
	}
	keyDER, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("failed to encode key: %w", err)
	}

	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER})
	if err := os.WriteFile(s.CertFile(), certPEM, 0600); err != nil {
		return tls.Certificate{}, fmt.Errorf("failed to write certificate: %w", err)
	}
	if err := os.WriteFile(s.KeyFile(), keyPEM, 0600); err != nil {
		return tls.Certificate{}, fmt.Errorf("failed to write key: %w", err)
	}

	s.logger.Info("Generated webhook certificate", "dir", s.dir, "hosts", s.hosts, "expires", tmpl.NotAfter)
	return tls.X509KeyPair(certPEM, keyPEM)
}

func (s *Store) check(cert tls.Certificate) error {
	if len(cert.Certificate) == 0 {
		return errors.New("no certificate in chain")
	}
	leaf, err := x509.ParseCertificate(cert.Certificate[0])
	if err != nil {
		return fmt.Errorf("failed to parse certificate: %w", err)
	}

	now := s.now()
	if now.Before(leaf.NotBefore) {
		return errors.New("certificate not yet valid")
	}
	if now.Add(renewBefore).After(leaf.NotAfter) {
		return errors.New("certificate expires soon")
	}
	for _, h := range s.hosts {
		if err := leaf.VerifyHostname(h); err != nil {
			return fmt.Errorf("certificate does not cover %s: %w", h, err)
		}
	}
	return nil
}
