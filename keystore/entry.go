package keystore

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/rsa"
	"crypto/x509"
	"errors"
	"fmt"
	"io"

	"tlsengine/algo"
)

var (
	ErrNotFound       = errors.New("keystore: no matching entry")
	ErrDuplicateAlias = errors.New("keystore: alias already present")
	ErrBadPassword    = errors.New("keystore: wrong password or corrupted data")
	ErrLocked         = errors.New("keystore: private key is locked")
)

// EntryKind distinguishes identities (key + chain) from bare trusted certificates.
type EntryKind uint8

const (
	PrivateKeyEntry EntryKind = iota + 1
	TrustedCertificateEntry
)

func (k EntryKind) String() string {
	switch k {
	case PrivateKeyEntry:
		return "PrivateKeyEntry"
	case TrustedCertificateEntry:
		return "TrustedCertificateEntry"
	default:
		return fmt.Sprintf("EntryKind(%d)", uint8(k))
	}
}

// Entry is one aliased item of a Store. The algorithm fields are fixed when the
// entry is created and are what capability lookups match against.
type Entry struct {
	Alias     string
	Kind      EntryKind
	Chain     []*x509.Certificate // leaf first
	Hash      algo.HashAlgorithm
	Signature algo.SignatureAlgorithm
	KeySize   int

	key       crypto.Signer
	sealedKey *sealedBox
	password  string
}

// NewPrivateKeyEntry builds an identity entry. The leaf's public key must
// belong to key.
func NewPrivateKeyEntry(alias string, key crypto.Signer, chain []*x509.Certificate, password string) (*Entry, error) {
	if alias == "" {
		return nil, fmt.Errorf("keystore: empty alias")
	}
	if key == nil {
		return nil, fmt.Errorf("keystore: entry %q has no private key", alias)
	}
	if len(chain) == 0 {
		return nil, fmt.Errorf("keystore: entry %q has an empty certificate chain", alias)
	}
	if !publicKeysEqual(key.Public(), chain[0].PublicKey) {
		return nil, fmt.Errorf("keystore: entry %q private key does not match leaf certificate", alias)
	}

	e, err := newEntry(alias, PrivateKeyEntry, chain)
	if err != nil {
		return nil, err
	}
	e.key = key
	e.password = password
	return e, nil
}

// NewTrustedCertificateEntry wraps a certificate that carries no private key.
func NewTrustedCertificateEntry(alias string, cert *x509.Certificate) (*Entry, error) {
	if alias == "" {
		return nil, fmt.Errorf("keystore: empty alias")
	}
	if cert == nil {
		return nil, fmt.Errorf("keystore: entry %q has no certificate", alias)
	}
	return newEntry(alias, TrustedCertificateEntry, []*x509.Certificate{cert})
}

func newEntry(alias string, kind EntryKind, chain []*x509.Certificate) (*Entry, error) {
	sig, size, err := keyParameters(chain[0].PublicKey)
	if err != nil {
		return nil, fmt.Errorf("keystore: entry %q: %w", alias, err)
	}
	return &Entry{
		Alias:     alias,
		Kind:      kind,
		Chain:     append([]*x509.Certificate(nil), chain...),
		Hash:      hashOf(chain[0].SignatureAlgorithm),
		Signature: sig,
		KeySize:   size,
	}, nil
}

// Leaf returns the end-entity certificate.
func (e *Entry) Leaf() *x509.Certificate {
	if len(e.Chain) == 0 {
		return nil
	}
	return e.Chain[0]
}

// PrivateKey returns the signer, or nil for trusted-certificate entries and
// entries still locked after Load.
func (e *Entry) PrivateKey() crypto.Signer {
	return e.key
}

// Locked reports whether the entry holds a sealed key that has not been unlocked.
func (e *Entry) Locked() bool {
	return e.Kind == PrivateKeyEntry && e.key == nil
}

// ChainDER returns the raw certificate bytes, leaf first.
func (e *Entry) ChainDER() [][]byte {
	der := make([][]byte, len(e.Chain))
	for i, c := range e.Chain {
		der[i] = c.Raw
	}
	return der
}

// Sign signs digest with the entry key.
func (e *Entry) Sign(rand io.Reader, digest []byte, opts crypto.SignerOpts) ([]byte, error) {
	if e.key == nil {
		if e.Kind == PrivateKeyEntry {
			return nil, ErrLocked
		}
		return nil, fmt.Errorf("keystore: entry %q has no private key", e.Alias)
	}
	return e.key.Sign(rand, digest, opts)
}

func (e *Entry) clone() *Entry {
	c := *e
	c.Chain = append([]*x509.Certificate(nil), e.Chain...)
	if e.sealedKey != nil {
		box := *e.sealedKey
		c.sealedKey = &box
	}
	return &c
}

func (e *Entry) unlock(password string) error {
	if e.Kind != PrivateKeyEntry {
		return nil
	}
	if e.key != nil {
		if e.password != password {
			return ErrBadPassword
		}
		return nil
	}
	if e.sealedKey == nil {
		return fmt.Errorf("keystore: entry %q has no key material", e.Alias)
	}
	der, err := e.sealedKey.open(password)
	if err != nil {
		return err
	}
	key, err := parsePrivateKey(der)
	if err != nil {
		return fmt.Errorf("keystore: entry %q: %w", e.Alias, err)
	}
	if !publicKeysEqual(key.Public(), e.Leaf().PublicKey) {
		return fmt.Errorf("keystore: entry %q private key does not match leaf certificate", e.Alias)
	}
	e.key = key
	e.password = password
	return nil
}

func keyParameters(pub any) (algo.SignatureAlgorithm, int, error) {
	switch k := pub.(type) {
	case *rsa.PublicKey:
		return algo.RSA, k.N.BitLen(), nil
	case *ecdsa.PublicKey:
		return algo.ECDSA, k.Curve.Params().BitSize, nil
	default:
		return 0, 0, fmt.Errorf("unsupported public key type %T", pub)
	}
}

func hashOf(sa x509.SignatureAlgorithm) algo.HashAlgorithm {
	switch sa {
	case x509.SHA1WithRSA, x509.ECDSAWithSHA1:
		return algo.SHA1
	case x509.SHA384WithRSA, x509.ECDSAWithSHA384, x509.SHA384WithRSAPSS:
		return algo.SHA384
	default:
		return algo.SHA256
	}
}

func publicKeysEqual(a, b crypto.PublicKey) bool {
	type equaler interface {
		Equal(crypto.PublicKey) bool
	}
	ea, ok := a.(equaler)
	return ok && ea.Equal(b)
}

func parsePrivateKey(der []byte) (crypto.Signer, error) {
	key, err := x509.ParsePKCS8PrivateKey(der)
	if err != nil {
		return nil, fmt.Errorf("failed to parse private key: %w", err)
	}
	switch k := key.(type) {
	case *rsa.PrivateKey:
		return k, nil
	case *ecdsa.PrivateKey:
		return k, nil
	case ed25519.PrivateKey:
		return nil, errors.New("ed25519 keys are not supported")
	default:
		return nil, fmt.Errorf("unsupported private key type %T", key)
	}
}
