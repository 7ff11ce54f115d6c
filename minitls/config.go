package minitls

import (
	"crypto/rand"
	"io"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"tlsengine/keystore"
)

// Config configures a client handshake. A Config is cloned when the handshake
// starts, so changing it afterwards has no effect on running connections.
type Config struct {
	// TrustEvaluator decides whether the server's chain is acceptable. Required.
	TrustEvaluator TrustEvaluator

	// CipherSuites in preference order; nil means SupportedSuites().
	CipherSuites []*CipherSuite

	// ClientCertificates are offered, in order, when the server sends a
	// CertificateRequest. Entries must be unlocked.
	ClientCertificates []*keystore.Entry
	// RequireClientCertificate fails the handshake when the server asks for a
	// certificate and none of ClientCertificates can answer.
	RequireClientCertificate bool

	// ServerName is sent as SNI (unless it is an IP literal) and given to the
	// trust evaluator.
	ServerName string
	// NextProtos is the ALPN offer.
	NextProtos []string

	Rand     io.Reader
	Executor Executor
	Logger   *zap.Logger
	Metrics  *Metrics
	Clock    clock.Clock
}

func (c *Config) clone() *Config {
	if c == nil {
		return &Config{}
	}
	cfg := *c
	if c.CipherSuites != nil {
		cfg.CipherSuites = append([]*CipherSuite{}, c.CipherSuites...)
	}
	cfg.ClientCertificates = append([]*keystore.Entry(nil), c.ClientCertificates...)
	cfg.NextProtos = append([]string(nil), c.NextProtos...)
	return &cfg
}

func (c *Config) withDefaults() *Config {
	if c.CipherSuites == nil {
		c.CipherSuites = SupportedSuites()
	}
	if c.Rand == nil {
		c.Rand = rand.Reader
	}
	if c.Executor == nil {
		c.Executor = InlineExecutor{}
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	if c.Clock == nil {
		c.Clock = clock.New()
	}
	return c
}

func (c *Config) validate() error {
	if c.TrustEvaluator == nil {
		return configurationError("no trust evaluator configured")
	}
	if len(c.CipherSuites) == 0 {
		return configurationError("no cipher suites configured")
	}
	for _, s := range c.CipherSuites {
		if s == nil {
			return configurationError("nil cipher suite")
		}
		if reg, err := CipherSuiteByID(s.ID); err != nil || reg != s {
			return configurationError("cipher suite %s is not in the registry", s.Name)
		}
	}
	for _, e := range c.ClientCertificates {
		if e == nil {
			return configurationError("nil client certificate entry")
		}
	}
	for _, p := range c.NextProtos {
		if len(p) == 0 || len(p) > 255 {
			return configurationError("invalid ALPN protocol %q", p)
		}
	}
	return nil
}
