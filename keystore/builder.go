package keystore

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"fmt"
	"io"
	"math/big"
	"net"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"tlsengine/algo"
)

const (
	DefaultPassword = "changeit"
	DefaultValidity = 3 * 365 * 24 * time.Hour

	minRSAKeySize = 1024
)

// CertificateSpec describes one self-signed certificate to generate.
type CertificateSpec struct {
	Alias         string
	Hash          algo.HashAlgorithm
	Sign          algo.SignatureAlgorithm
	KeySizeInBits int
	Password      string

	CommonName  string
	DNSNames    []string
	IPAddresses []net.IP
	Validity    time.Duration
}

func (s *CertificateSpec) applyDefaults() {
	if s.Hash == 0 {
		s.Hash = algo.SHA256
	}
	if s.Sign == 0 {
		s.Sign = algo.RSA
	}
	if s.KeySizeInBits == 0 {
		if s.Sign == algo.ECDSA {
			s.KeySizeInBits = 256
		} else {
			s.KeySizeInBits = 2048
		}
	}
	if s.Password == "" {
		s.Password = DefaultPassword
	}
	if s.CommonName == "" {
		s.CommonName = "localhost"
	}
	if s.DNSNames == nil {
		s.DNSNames = []string{"localhost"}
	}
	if s.IPAddresses == nil {
		s.IPAddresses = []net.IP{net.IPv4(127, 0, 0, 1)}
	}
	if s.Validity == 0 {
		s.Validity = DefaultValidity
	}
}

func (s *CertificateSpec) validate() error {
	if s.Alias == "" {
		return fmt.Errorf("keystore: certificate spec without alias")
	}
	if !s.Hash.Valid() {
		return fmt.Errorf("keystore: %q: unsupported hash %s", s.Alias, s.Hash)
	}
	switch s.Sign {
	case algo.RSA:
		if s.KeySizeInBits < minRSAKeySize {
			return fmt.Errorf("keystore: %q: RSA key size %d below %d", s.Alias, s.KeySizeInBits, minRSAKeySize)
		}
	case algo.ECDSA:
		if _, err := curveForSize(s.KeySizeInBits); err != nil {
			return fmt.Errorf("keystore: %q: %w", s.Alias, err)
		}
	default:
		return fmt.Errorf("keystore: %q: unsupported signature algorithm %s", s.Alias, s.Sign)
	}
	return nil
}

// Option configures a Builder.
type Option func(*Builder)

func WithClock(c clock.Clock) Option {
	return func(b *Builder) { b.clock = c }
}

func WithRand(r io.Reader) Option {
	return func(b *Builder) { b.rand = r }
}

func WithLogger(l *zap.Logger) Option {
	return func(b *Builder) { b.logger = l }
}

// Builder accumulates certificate specs and generates a Store from them:
//
//	store, err := keystore.NewBuilder().
//		Certificate("sha384ecdsa", func(c *keystore.CertificateSpec) {
//			c.Hash = algo.SHA384
//			c.Sign = algo.ECDSA
//			c.KeySizeInBits = 384
//		}).
//		Build()
type Builder struct {
	specs  []CertificateSpec
	clock  clock.Clock
	rand   io.Reader
	logger *zap.Logger
}

func NewBuilder(opts ...Option) *Builder {
	b := &Builder{
		clock:  clock.New(),
		rand:   rand.Reader,
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Certificate adds a spec named alias; configure may be nil to take all defaults.
func (b *Builder) Certificate(alias string, configure func(*CertificateSpec)) *Builder {
	spec := CertificateSpec{Alias: alias}
	if configure != nil {
		configure(&spec)
	}
	spec.Alias = alias
	b.specs = append(b.specs, spec)
	return b
}

func (b *Builder) Add(specs ...CertificateSpec) *Builder {
	b.specs = append(b.specs, specs...)
	return b
}

// Build generates one self-signed entry per spec, in order.
func (b *Builder) Build() (*Store, error) {
	store := New()
	for _, spec := range b.specs {
		entry, err := b.generate(spec)
		if err != nil {
			return nil, err
		}
		if err := store.Add(entry); err != nil {
			return nil, err
		}
	}
	return store, nil
}

// Build is shorthand for NewBuilder().Add(specs...).Build().
func Build(specs ...CertificateSpec) (*Store, error) {
	return NewBuilder().Add(specs...).Build()
}

// Generate creates a single self-signed entry.
func (b *Builder) Generate(spec CertificateSpec) (*Entry, error) {
	return b.generate(spec)
}

func (b *Builder) generate(spec CertificateSpec) (*Entry, error) {
	spec.applyDefaults()
	if err := spec.validate(); err != nil {
		return nil, err
	}

	start := b.clock.Now()
	key, err := b.generateKey(spec)
	if err != nil {
		return nil, fmt.Errorf("keystore: %q: failed to generate key: %w", spec.Alias, err)
	}

	sigAlg, err := algo.X509SignatureAlgorithm(spec.Hash, spec.Sign)
	if err != nil {
		return nil, fmt.Errorf("keystore: %q: %w", spec.Alias, err)
	}

	serial, err := rand.Int(b.rand, new(big.Int).Lsh(big.NewInt(1), 127))
	if err != nil {
		return nil, fmt.Errorf("keystore: %q: failed to generate serial: %w", spec.Alias, err)
	}

	now := b.clock.Now()
	keyUsage := x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign
	if spec.Sign == algo.RSA {
		keyUsage |= x509.KeyUsageKeyEncipherment
	}
	template := &x509.Certificate{
		SerialNumber: serial,
		Subject: pkix.Name{
			CommonName:   spec.CommonName,
			Organization: []string{"tlsengine"},
		},
		NotBefore:             now.Add(-time.Minute),
		NotAfter:              now.Add(spec.Validity),
		KeyUsage:              keyUsage,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
		BasicConstraintsValid: true,
		IsCA:                  true,
		SignatureAlgorithm:    sigAlg,
		DNSNames:              spec.DNSNames,
		IPAddresses:           spec.IPAddresses,
	}

	der, err := x509.CreateCertificate(b.rand, template, template, key.Public(), key)
	if err != nil {
		return nil, fmt.Errorf("keystore: %q: failed to create certificate: %w", spec.Alias, err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, fmt.Errorf("keystore: %q: failed to parse generated certificate: %w", spec.Alias, err)
	}

	entry, err := NewPrivateKeyEntry(spec.Alias, key, []*x509.Certificate{cert}, spec.Password)
	if err != nil {
		return nil, err
	}
	entry.Hash = spec.Hash

	b.logger.Debug("Generated certificate",
		zap.String("alias", spec.Alias),
		zap.Stringer("hash", spec.Hash),
		zap.Stringer("sign", spec.Sign),
		zap.Int("key_size", spec.KeySizeInBits),
		zap.Duration("elapsed", b.clock.Since(start)))
	return entry, nil
}

func (b *Builder) generateKey(spec CertificateSpec) (crypto.Signer, error) {
	switch spec.Sign {
	case algo.RSA:
		return rsa.GenerateKey(b.rand, spec.KeySizeInBits)
	case algo.ECDSA:
		curve, err := curveForSize(spec.KeySizeInBits)
		if err != nil {
			return nil, err
		}
		return ecdsa.GenerateKey(curve, b.rand)
	}
	return nil, fmt.Errorf("unsupported signature algorithm %s", spec.Sign)
}

func curveForSize(bits int) (elliptic.Curve, error) {
	switch bits {
	case 256:
		return elliptic.P256(), nil
	case 384:
		return elliptic.P384(), nil
	case 521:
		return elliptic.P521(), nil
	}
	return nil, fmt.Errorf("no named curve with %d bits", bits)
}
