package minitls

import (
	"crypto/aes"
	"crypto/cipher"
	"fmt"
	"strings"

	"golang.org/x/crypto/chacha20poly1305"

	"tlsengine/algo"
)

// KeyExchange is how a suite establishes the pre-master secret.
type KeyExchange uint8

const (
	KeyExchangeECDHE KeyExchange = iota + 1
	KeyExchangeRSA
)

func (k KeyExchange) String() string {
	switch k {
	case KeyExchangeECDHE:
		return "ECDHE"
	case KeyExchangeRSA:
		return "RSA"
	}
	return fmt.Sprintf("KeyExchange(%d)", uint8(k))
}

// TLS 1.2 cipher suite code points
const (
	TLS_ECDHE_ECDSA_WITH_AES_256_GCM_SHA384       uint16 = 0xc02c
	TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384         uint16 = 0xc030
	TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256       uint16 = 0xc02b
	TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256         uint16 = 0xc02f
	TLS_ECDHE_ECDSA_WITH_CHACHA20_POLY1305_SHA256 uint16 = 0xcca9
	TLS_ECDHE_RSA_WITH_CHACHA20_POLY1305_SHA256   uint16 = 0xcca8
	TLS_RSA_WITH_AES_256_GCM_SHA384               uint16 = 0x009d
	TLS_RSA_WITH_AES_128_GCM_SHA256               uint16 = 0x009c
	TLS_ECDHE_ECDSA_WITH_AES_128_CBC_SHA          uint16 = 0xc009
	TLS_ECDHE_RSA_WITH_AES_128_CBC_SHA            uint16 = 0xc013
	TLS_RSA_WITH_AES_128_CBC_SHA                  uint16 = 0x002f
)

// CipherSuite is one immutable registry entry. Hash is the hash named by the
// suite; for CBC suites it is also the record MAC.
type CipherSuite struct {
	ID          uint16
	Name        string
	Hash        algo.HashAlgorithm
	Signature   algo.SignatureAlgorithm
	KeyExchange KeyExchange
	MinKeySize  int

	keyLen int
	macLen int
	ivLen  int // fixed IV taken from the key block
	aead   func(key, fixedNonce []byte) (recordCipher, error)
	cbc    func(key, macKey []byte) (recordCipher, error)
}

func (s *CipherSuite) String() string {
	return s.Name
}

// prfHash is SHA-384 for *_SHA384 suites and SHA-256 for everything else,
// including the SHA-1 CBC suites.
func (s *CipherSuite) prfHash() algo.HashAlgorithm {
	if s.Hash == algo.SHA384 {
		return algo.SHA384
	}
	return algo.SHA256
}

func (s *CipherSuite) isAEAD() bool {
	return s.aead != nil
}

func (s *CipherSuite) newCipher(key, iv, macKey []byte) (recordCipher, error) {
	if s.aead != nil {
		return s.aead(key, iv)
	}
	return s.cbc(key, macKey)
}

const (
	minRSAKeySize   = 1024
	minECDSAKeySize = 256
)

var registry = []*CipherSuite{
	{ID: TLS_ECDHE_ECDSA_WITH_AES_256_GCM_SHA384, Name: "TLS_ECDHE_ECDSA_WITH_AES_256_GCM_SHA384",
		Hash: algo.SHA384, Signature: algo.ECDSA, KeyExchange: KeyExchangeECDHE, MinKeySize: minECDSAKeySize,
		keyLen: 32, ivLen: 4, aead: aeadAESGCM},
	{ID: TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384, Name: "TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384",
		Hash: algo.SHA384, Signature: algo.RSA, KeyExchange: KeyExchangeECDHE, MinKeySize: minRSAKeySize,
		keyLen: 32, ivLen: 4, aead: aeadAESGCM},
	{ID: TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256, Name: "TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256",
		Hash: algo.SHA256, Signature: algo.ECDSA, KeyExchange: KeyExchangeECDHE, MinKeySize: minECDSAKeySize,
		keyLen: 16, ivLen: 4, aead: aeadAESGCM},
	{ID: TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256, Name: "TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256",
		Hash: algo.SHA256, Signature: algo.RSA, KeyExchange: KeyExchangeECDHE, MinKeySize: minRSAKeySize,
		keyLen: 16, ivLen: 4, aead: aeadAESGCM},
	{ID: TLS_ECDHE_ECDSA_WITH_CHACHA20_POLY1305_SHA256, Name: "TLS_ECDHE_ECDSA_WITH_CHACHA20_POLY1305_SHA256",
		Hash: algo.SHA256, Signature: algo.ECDSA, KeyExchange: KeyExchangeECDHE, MinKeySize: minECDSAKeySize,
		keyLen: 32, ivLen: 12, aead: aeadChaCha20Poly1305},
	{ID: TLS_ECDHE_RSA_WITH_CHACHA20_POLY1305_SHA256, Name: "TLS_ECDHE_RSA_WITH_CHACHA20_POLY1305_SHA256",
		Hash: algo.SHA256, Signature: algo.RSA, KeyExchange: KeyExchangeECDHE, MinKeySize: minRSAKeySize,
		keyLen: 32, ivLen: 12, aead: aeadChaCha20Poly1305},
	{ID: TLS_RSA_WITH_AES_256_GCM_SHA384, Name: "TLS_RSA_WITH_AES_256_GCM_SHA384",
		Hash: algo.SHA384, Signature: algo.RSA, KeyExchange: KeyExchangeRSA, MinKeySize: minRSAKeySize,
		keyLen: 32, ivLen: 4, aead: aeadAESGCM},
	{ID: TLS_RSA_WITH_AES_128_GCM_SHA256, Name: "TLS_RSA_WITH_AES_128_GCM_SHA256",
		Hash: algo.SHA256, Signature: algo.RSA, KeyExchange: KeyExchangeRSA, MinKeySize: minRSAKeySize,
		keyLen: 16, ivLen: 4, aead: aeadAESGCM},
	{ID: TLS_ECDHE_ECDSA_WITH_AES_128_CBC_SHA, Name: "TLS_ECDHE_ECDSA_WITH_AES_128_CBC_SHA",
		Hash: algo.SHA1, Signature: algo.ECDSA, KeyExchange: KeyExchangeECDHE, MinKeySize: minECDSAKeySize,
		keyLen: 16, macLen: 20, cbc: cbcAESHMACSHA1},
	{ID: TLS_ECDHE_RSA_WITH_AES_128_CBC_SHA, Name: "TLS_ECDHE_RSA_WITH_AES_128_CBC_SHA",
		Hash: algo.SHA1, Signature: algo.RSA, KeyExchange: KeyExchangeECDHE, MinKeySize: minRSAKeySize,
		keyLen: 16, macLen: 20, cbc: cbcAESHMACSHA1},
	{ID: TLS_RSA_WITH_AES_128_CBC_SHA, Name: "TLS_RSA_WITH_AES_128_CBC_SHA",
		Hash: algo.SHA1, Signature: algo.RSA, KeyExchange: KeyExchangeRSA, MinKeySize: minRSAKeySize,
		keyLen: 16, macLen: 20, cbc: cbcAESHMACSHA1},
}

// SupportedSuites returns the registry in preference order. The slice is a
// copy; the suites themselves are shared and immutable.
func SupportedSuites() []*CipherSuite {
	return append([]*CipherSuite(nil), registry...)
}

// CipherSuiteByID looks up a suite code point.
func CipherSuiteByID(id uint16) (*CipherSuite, error) {
	for _, s := range registry {
		if s.ID == id {
			return s, nil
		}
	}
	return nil, protocolError(alertIllegalParameter, "unknown cipher suite 0x%04x", id)
}

// CipherSuiteByName accepts the IANA name with or without the TLS_ prefix.
func CipherSuiteByName(name string) (*CipherSuite, error) {
	want := strings.ToUpper(strings.TrimSpace(name))
	if !strings.HasPrefix(want, "TLS_") {
		want = "TLS_" + want
	}
	for _, s := range registry {
		if s.Name == want {
			return s, nil
		}
	}
	return nil, configurationError("unknown cipher suite %q", name)
}

// Negotiate validates the server's selection against what was offered.
func Negotiate(offered []*CipherSuite, serverChoice uint16) (*CipherSuite, error) {
	suite, err := CipherSuiteByID(serverChoice)
	if err != nil {
		return nil, err
	}
	for _, o := range offered {
		if o == suite {
			return suite, nil
		}
	}
	return nil, protocolError(alertIllegalParameter, "server selected %s which was not offered", suite.Name)
}

func suiteIDs(suites []*CipherSuite) []uint16 {
	ids := make([]uint16, len(suites))
	for i, s := range suites {
		ids[i] = s.ID
	}
	return ids
}

func aeadAESGCM(key, fixedNonce []byte) (recordCipher, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create AES cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	return newAEADCipher(gcm, key, fixedNonce, false), nil
}

func aeadChaCha20Poly1305(key, fixedNonce []byte) (recordCipher, error) {
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create ChaCha20-Poly1305: %w", err)
	}
	return newAEADCipher(aead, key, fixedNonce, true), nil
}

func cbcAESHMACSHA1(key, macKey []byte) (recordCipher, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create AES cipher: %w", err)
	}
	return newCBCCipher(block, key, macKey, algo.SHA1.Func()), nil
}
