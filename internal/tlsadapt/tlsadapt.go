// Package tlsadapt wraps crypto/tls behind the non-blocking
// accept/read/write/shutdown surface spec.md §4.4 asks for, hiding
// handshake retry and WANT_READ/WANT_WRITE behind a small tagged result.
//
// The configuration surface (cert/key/passphrase, CA bundle, client-auth
// mode, version bounds) mirrors _examples/nabbar-golib/certificates'
// TLSConfig interface; unlike that package this adapter is built directly
// on crypto/tls rather than importing golib's whole certificate module —
// see DESIGN.md for why.
package tlsadapt

import (
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"net"
	"os"
	"sync/atomic"
	"time"
)

// StepResult is the outcome of one non-blocking handshake/read/write
// attempt.
type StepResult int

const (
	Done StepResult = iota
	NeedRead
	NeedWrite
	Failed
)

// Settings describes how to build a server-side tls.Config.
type Settings struct {
	CertFile          string
	KeyFile           string
	KeyPassphrase     string // optional; non-empty means KeyFile is an RFC 1423 encrypted PEM key
	CAFile            string // optional; enables client certificate verification
	RequireClientCert bool
	MinVersion        uint16 // defaults to tls.VersionTLS12
	MaxVersion        uint16 // 0 = no cap
}

// Provider loads and atomically swaps the TLS server configuration,
// fulfilling spec.md §4.4's "reloading atomically swaps the context".
type Provider struct {
	cfg atomic.Pointer[tls.Config]
}

// NewProvider loads certificates per Settings and returns a ready Provider.
func NewProvider(s Settings) (*Provider, error) {
	p := &Provider{}
	if err := p.Reload(s); err != nil {
		return nil, err
	}
	return p, nil
}

// Reload rebuilds the TLS configuration and atomically swaps it in; any
// connections already handshaking keep using the configuration they
// started with.
func (p *Provider) Reload(s Settings) error {
	cert, err := loadCertificate(s.CertFile, s.KeyFile, s.KeyPassphrase)
	if err != nil {
		return fmt.Errorf("load certificate: %w", err)
	}

	minVersion := s.MinVersion
	if minVersion == 0 {
		minVersion = tls.VersionTLS12
	}

	cfg := &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   minVersion,
		MaxVersion:   s.MaxVersion,
	}

	if s.CAFile != "" {
		pool, err := loadCAPool(s.CAFile)
		if err != nil {
			return fmt.Errorf("load CA bundle: %w", err)
		}
		cfg.ClientCAs = pool
		if s.RequireClientCert {
			cfg.ClientAuth = tls.RequireAndVerifyClientCert
		} else {
			cfg.ClientAuth = tls.VerifyClientCertIfGiven
		}
	}

	p.cfg.Store(cfg)
	return nil
}

func loadCertificate(certFile, keyFile, passphrase string) (tls.Certificate, error) {
	if passphrase == "" {
		return tls.LoadX509KeyPair(certFile, keyFile)
	}
	return loadEncryptedKeyPair(certFile, keyFile, passphrase)
}

// loadEncryptedKeyPair decrypts a passphrase-protected private key before
// pairing it with the certificate. Encrypted PEM blocks (RFC 1423) are the
// common case for operator-supplied keys.
func loadEncryptedKeyPair(certFile, keyFile, passphrase string) (tls.Certificate, error) {
	certPEM, err := os.ReadFile(certFile)
	if err != nil {
		return tls.Certificate{}, err
	}
	keyData, err := os.ReadFile(keyFile)
	if err != nil {
		return tls.Certificate{}, err
	}

	block, _ := pem.Decode(keyData)
	if block == nil {
		return tls.Certificate{}, fmt.Errorf("%s: not a PEM-encoded key", keyFile)
	}
	//nolint:staticcheck // DecryptPEMBlock is deprecated but still the
	// correct tool for legacy operator-supplied encrypted PEM keys.
	decrypted, err := x509.DecryptPEMBlock(block, []byte(passphrase))
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("decrypt private key: %w", err)
	}
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: block.Type, Bytes: decrypted})
	return tls.X509KeyPair(certPEM, keyPEM)
}

func loadCAPool(caFile string) (*x509.CertPool, error) {
	data, err := os.ReadFile(caFile)
	if err != nil {
		return nil, err
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(data) {
		return nil, fmt.Errorf("no certificates found in %s", caFile)
	}
	return pool, nil
}

// Conn wraps a *tls.Conn, exposing the non-blocking step API.
type Conn struct {
	tc *tls.Conn
}

// Accept wraps an accepted net.Conn as a server-side TLS connection using
// the provider's current configuration.
func (p *Provider) Accept(raw net.Conn) *Conn {
	return &Conn{tc: tls.Server(raw, p.cfg.Load())}
}

// HandshakeStep advances the TLS handshake by one non-blocking attempt.
func (c *Conn) HandshakeStep() StepResult {
	err := c.tc.Handshake()
	if err == nil {
		return Done
	}
	return classify(err)
}

// Read attempts to read decrypted application data.
func (c *Conn) Read(buf []byte) (int, StepResult) {
	n, err := c.tc.Read(buf)
	if err == nil {
		return n, Done
	}
	return n, classify(err)
}

// Write attempts to write application data, encrypting as it goes.
func (c *Conn) Write(buf []byte) (int, StepResult) {
	n, err := c.tc.Write(buf)
	if err == nil {
		return n, Done
	}
	return n, classify(err)
}

// Shutdown sends a close_notify alert and closes the underlying socket.
func (c *Conn) Shutdown() error {
	_ = c.tc.CloseWrite()
	return c.tc.Close()
}

// SetReadDeadline forwards to the underlying connection, for callers that
// drive HandshakeStep/Read in a poll loop with a bounded wait per attempt.
func (c *Conn) SetReadDeadline(t time.Time) error {
	return c.tc.SetReadDeadline(t)
}

func classify(err error) StepResult {
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return NeedRead
	}
	return Failed
}
