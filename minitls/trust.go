package minitls

import (
	"bytes"
	"crypto/sha256"
	"crypto/x509"
	"encoding/hex"
	"errors"
	"fmt"
	"net"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"
)

// VerifiedIdentity is what a TrustEvaluator vouches for.
type VerifiedIdentity struct {
	Leaf       *x509.Certificate
	Chains     [][]*x509.Certificate
	ServerName string
}

// TrustEvaluator decides whether the chain presented by the server is
// acceptable for serverName. chain is exactly what the server sent, leaf
// first. Returning an error aborts the handshake before any application data
// is exchanged; a *CertificateError selects the alert sent to the server.
type TrustEvaluator interface {
	Verify(chain []*x509.Certificate, serverName string) (*VerifiedIdentity, error)
}

// TrustEvaluatorFunc adapts a function to TrustEvaluator.
type TrustEvaluatorFunc func(chain []*x509.Certificate, serverName string) (*VerifiedIdentity, error)

func (f TrustEvaluatorFunc) Verify(chain []*x509.Certificate, serverName string) (*VerifiedIdentity, error) {
	return f(chain, serverName)
}

// PoolEvaluator verifies chains against a root pool with crypto/x509.
type PoolEvaluator struct {
	// Roots defaults to the system pool.
	Roots *x509.CertPool
	Clock clock.Clock
	// Logger receives non-fatal findings about the leaf.
	Logger *zap.Logger
}

func (p *PoolEvaluator) Verify(chain []*x509.Certificate, serverName string) (*VerifiedIdentity, error) {
	if len(chain) == 0 {
		return nil, &CertificateError{Type: CertErrorInvalidChain, Message: "no certificates provided"}
	}
	logger := p.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	leaf := chain[0]

	if len(leaf.ExtKeyUsage) > 0 {
		validUsage := false
		for _, usage := range leaf.ExtKeyUsage {
			if usage == x509.ExtKeyUsageServerAuth || usage == x509.ExtKeyUsageAny {
				validUsage = true
				break
			}
		}
		if !validUsage {
			return nil, &CertificateError{
				Type:    CertErrorVerification,
				Message: "server certificate not valid for server authentication",
			}
		}
	}
	if leaf.KeyUsage != 0 && leaf.KeyUsage&x509.KeyUsageDigitalSignature == 0 {
		logger.Warn("Server certificate missing digitalSignature key usage",
			zap.String("key_usage", fmt.Sprintf("0x%x", leaf.KeyUsage)))
	}

	roots := p.Roots
	if roots == nil {
		var err error
		roots, err = x509.SystemCertPool()
		if err != nil {
			return nil, &CertificateError{
				Type:    CertErrorSystemRoots,
				Message: "failed to load system cert pool",
				Err:     err,
			}
		}
	}
	intermediates := x509.NewCertPool()
	for _, c := range chain[1:] {
		intermediates.AddCert(c)
	}

	opts := x509.VerifyOptions{
		Roots:         roots,
		Intermediates: intermediates,
		DNSName:       serverName,
		KeyUsages:     []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}
	if p.Clock != nil {
		opts.CurrentTime = p.Clock.Now()
	}

	chains, err := leaf.Verify(opts)
	if err != nil {
		return nil, classifyVerifyError(serverName, err)
	}
	if len(chains) == 0 {
		return nil, &CertificateError{Type: CertErrorInvalidChain, Message: "no valid certificate chains found"}
	}
	return &VerifiedIdentity{Leaf: leaf, Chains: chains, ServerName: serverName}, nil
}

func classifyVerifyError(serverName string, err error) *CertificateError {
	var (
		hostErr    x509.HostnameError
		unknownErr x509.UnknownAuthorityError
		invalidErr x509.CertificateInvalidError
	)
	switch {
	case errors.As(err, &hostErr):
		return &CertificateError{
			Type:    CertErrorHostnameMismatch,
			Message: fmt.Sprintf("certificate is not valid for %s", serverName),
			Err:     err,
		}
	case errors.As(err, &unknownErr):
		return &CertificateError{Type: CertErrorUntrustedRoot, Message: "certificate signed by unknown authority", Err: err}
	case errors.As(err, &invalidErr) && invalidErr.Reason == x509.Expired:
		return &CertificateError{Type: CertErrorExpired, Message: "certificate expired or not yet valid", Err: err}
	}
	return &CertificateError{
		Type:    CertErrorVerification,
		Message: fmt.Sprintf("certificate verification failed for %s", serverName),
		Err:     err,
	}
}

// PinnedEvaluator accepts a chain whose leaf matches one of the pinned
// SHA-256 fingerprints of the DER certificate. Names and validity are
// checked against the leaf only.
type PinnedEvaluator struct {
	Pins  [][sha256.Size]byte
	Clock clock.Clock
}

// Pin returns the fingerprint PinnedEvaluator compares against.
func Pin(cert *x509.Certificate) [sha256.Size]byte {
	return sha256.Sum256(cert.Raw)
}

// ParsePin decodes a hex fingerprint, as printed by keytool.
func ParsePin(s string) ([sha256.Size]byte, error) {
	var pin [sha256.Size]byte
	b, err := hex.DecodeString(s)
	if err != nil {
		return pin, fmt.Errorf("invalid pin %q: %w", s, err)
	}
	if len(b) != sha256.Size {
		return pin, fmt.Errorf("invalid pin %q: want %d bytes, got %d", s, sha256.Size, len(b))
	}
	copy(pin[:], b)
	return pin, nil
}

func (p *PinnedEvaluator) Verify(chain []*x509.Certificate, serverName string) (*VerifiedIdentity, error) {
	if len(chain) == 0 {
		return nil, &CertificateError{Type: CertErrorInvalidChain, Message: "no certificates provided"}
	}
	leaf := chain[0]
	fp := Pin(leaf)
	pinned := false
	for _, pin := range p.Pins {
		if bytes.Equal(pin[:], fp[:]) {
			pinned = true
			break
		}
	}
	if !pinned {
		return nil, &CertificateError{
			Type:    CertErrorUntrustedRoot,
			Message: "certificate fingerprint " + hex.EncodeToString(fp[:]) + " is not pinned",
		}
	}

	now := clock.New().Now()
	if p.Clock != nil {
		now = p.Clock.Now()
	}
	if now.Before(leaf.NotBefore) || now.After(leaf.NotAfter) {
		return nil, &CertificateError{Type: CertErrorExpired, Message: "pinned certificate expired or not yet valid"}
	}
	if serverName != "" {
		if err := leaf.VerifyHostname(serverName); err != nil {
			return nil, &CertificateError{
				Type:    CertErrorHostnameMismatch,
				Message: fmt.Sprintf("certificate is not valid for %s", serverName),
				Err:     err,
			}
		}
	}
	return &VerifiedIdentity{Leaf: leaf, Chains: [][]*x509.Certificate{chain}, ServerName: serverName}, nil
}

// AcceptAnyEvaluator trusts every non-empty chain. For tests only.
type AcceptAnyEvaluator struct{}

func (AcceptAnyEvaluator) Verify(chain []*x509.Certificate, serverName string) (*VerifiedIdentity, error) {
	if len(chain) == 0 {
		return nil, &CertificateError{Type: CertErrorInvalidChain, Message: "no certificates provided"}
	}
	return &VerifiedIdentity{Leaf: chain[0], Chains: [][]*x509.Certificate{chain}, ServerName: serverName}, nil
}

// serverNameIsIP reports whether name is an IP literal, which SNI never carries.
func serverNameIsIP(name string) bool {
	return net.ParseIP(name) != nil
}
