package algo

import (
	"crypto"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/sha512"
	"crypto/x509"
	"fmt"
	"hash"
	"strings"
)

// HashAlgorithm names the digest used by a cipher suite or a generated certificate.
type HashAlgorithm uint8

const (
	SHA1 HashAlgorithm = iota + 1
	SHA256
	SHA384
)

// SignatureAlgorithm names the public key algorithm of a certificate or cipher suite.
type SignatureAlgorithm uint8

const (
	RSA SignatureAlgorithm = iota + 1
	ECDSA
)

func (h HashAlgorithm) String() string {
	switch h {
	case SHA1:
		return "SHA1"
	case SHA256:
		return "SHA256"
	case SHA384:
		return "SHA384"
	default:
		return fmt.Sprintf("HashAlgorithm(%d)", uint8(h))
	}
}

// New returns a fresh hash.Hash for h. It panics for an unknown value.
func (h HashAlgorithm) New() hash.Hash {
	switch h {
	case SHA1:
		return sha1.New()
	case SHA256:
		return sha256.New()
	case SHA384:
		return sha512.New384()
	}
	panic("algo: unknown hash algorithm " + h.String())
}

// Func returns the constructor for h, suitable for hmac.New.
func (h HashAlgorithm) Func() func() hash.Hash {
	switch h {
	case SHA1:
		return sha1.New
	case SHA256:
		return sha256.New
	case SHA384:
		return sha512.New384
	}
	return nil
}

// CryptoHash maps h onto crypto.Hash.
func (h HashAlgorithm) CryptoHash() crypto.Hash {
	switch h {
	case SHA1:
		return crypto.SHA1
	case SHA256:
		return crypto.SHA256
	case SHA384:
		return crypto.SHA384
	}
	return 0
}

// Size is the digest length in bytes.
func (h HashAlgorithm) Size() int {
	return h.CryptoHash().Size()
}

func (h HashAlgorithm) Valid() bool {
	return h >= SHA1 && h <= SHA384
}

func (s SignatureAlgorithm) String() string {
	switch s {
	case RSA:
		return "RSA"
	case ECDSA:
		return "ECDSA"
	default:
		return fmt.Sprintf("SignatureAlgorithm(%d)", uint8(s))
	}
}

func (s SignatureAlgorithm) Valid() bool {
	return s == RSA || s == ECDSA
}

// PublicKeyAlgorithm maps s onto the x509 public key algorithm.
func (s SignatureAlgorithm) PublicKeyAlgorithm() x509.PublicKeyAlgorithm {
	switch s {
	case RSA:
		return x509.RSA
	case ECDSA:
		return x509.ECDSA
	}
	return x509.UnknownPublicKeyAlgorithm
}

// X509SignatureAlgorithm returns the certificate signature algorithm combining h and s.
func X509SignatureAlgorithm(h HashAlgorithm, s SignatureAlgorithm) (x509.SignatureAlgorithm, error) {
	switch s {
	case RSA:
		switch h {
		case SHA1:
			return x509.SHA1WithRSA, nil
		case SHA256:
			return x509.SHA256WithRSA, nil
		case SHA384:
			return x509.SHA384WithRSA, nil
		}
	case ECDSA:
		switch h {
		case SHA1:
			return x509.ECDSAWithSHA1, nil
		case SHA256:
			return x509.ECDSAWithSHA256, nil
		case SHA384:
			return x509.ECDSAWithSHA384, nil
		}
	}
	return x509.UnknownSignatureAlgorithm, fmt.Errorf("no certificate signature algorithm for %s with %s", h, s)
}

// ParseHash accepts "sha1", "SHA-256", "sha384" and similar spellings.
func ParseHash(name string) (HashAlgorithm, error) {
	switch strings.ReplaceAll(strings.ToUpper(name), "-", "") {
	case "SHA1":
		return SHA1, nil
	case "SHA256":
		return SHA256, nil
	case "SHA384":
		return SHA384, nil
	}
	return 0, fmt.Errorf("unknown hash algorithm %q", name)
}

// ParseSignature accepts "rsa" or "ecdsa" in any case.
func ParseSignature(name string) (SignatureAlgorithm, error) {
	switch strings.ToUpper(name) {
	case "RSA":
		return RSA, nil
	case "ECDSA":
		return ECDSA, nil
	}
	return 0, fmt.Errorf("unknown signature algorithm %q", name)
}
