package keystore

import (
	"crypto/rand"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/scrypt"

	"tlsengine/algo"
)

const (
	formatVersion = 1
	saltSize      = 16
)

var sealLabel = []byte("tlsengine keystore v1")

// KDFParams are the scrypt cost parameters written next to every sealed box.
type KDFParams struct {
	N int
	R int
	P int
}

var (
	DefaultKDF = KDFParams{N: 1 << 15, R: 8, P: 1}
	// LightKDF is cheap enough for tests and throwaway stores.
	LightKDF = KDFParams{N: 1 << 10, R: 8, P: 1}
)

type persistOptions struct {
	kdf  KDFParams
	rand io.Reader
}

// PersistOption tunes Marshal and Save.
type PersistOption func(*persistOptions)

func WithKDF(p KDFParams) PersistOption {
	return func(o *persistOptions) { o.kdf = p }
}

func WithPersistRand(r io.Reader) PersistOption {
	return func(o *persistOptions) { o.rand = r }
}

type sealedBox struct {
	Salt       []byte `json:"salt"`
	Nonce      []byte `json:"nonce"`
	Ciphertext []byte `json:"ciphertext"`
	N          int    `json:"n"`
	R          int    `json:"r"`
	P          int    `json:"p"`
}

func deriveKey(password string, salt []byte, p KDFParams) ([]byte, error) {
	key, err := scrypt.Key([]byte(password), salt, p.N, p.R, p.P, chacha20poly1305.KeySize)
	if err != nil {
		return nil, fmt.Errorf("keystore: key derivation: %w", err)
	}
	return key, nil
}

func seal(rnd io.Reader, password string, plaintext []byte, p KDFParams) (*sealedBox, error) {
	box := &sealedBox{
		Salt:  make([]byte, saltSize),
		Nonce: make([]byte, chacha20poly1305.NonceSizeX),
		N:     p.N,
		R:     p.R,
		P:     p.P,
	}
	if _, err := io.ReadFull(rnd, box.Salt); err != nil {
		return nil, fmt.Errorf("keystore: read salt: %w", err)
	}
	if _, err := io.ReadFull(rnd, box.Nonce); err != nil {
		return nil, fmt.Errorf("keystore: read nonce: %w", err)
	}
	key, err := deriveKey(password, box.Salt, p)
	if err != nil {
		return nil, err
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}
	box.Ciphertext = aead.Seal(nil, box.Nonce, plaintext, sealLabel)
	return box, nil
}

func (b *sealedBox) open(password string) ([]byte, error) {
	if len(b.Nonce) != chacha20poly1305.NonceSizeX {
		return nil, fmt.Errorf("%w: bad nonce length", ErrBadPassword)
	}
	key, err := deriveKey(password, b.Salt, KDFParams{N: b.N, R: b.R, P: b.P})
	if err != nil {
		return nil, err
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}
	plaintext, err := aead.Open(nil, b.Nonce, b.Ciphertext, sealLabel)
	if err != nil {
		return nil, ErrBadPassword
	}
	return plaintext, nil
}

type fileEnvelope struct {
	Version int        `json:"version"`
	Store   *sealedBox `json:"store"`
}

type entryRecord struct {
	Alias     string     `json:"alias"`
	Kind      EntryKind  `json:"kind"`
	Hash      string     `json:"hash"`
	Chain     [][]byte   `json:"chain"`
	SealedKey *sealedBox `json:"key,omitempty"`
}

// Marshal serialises s. Private keys are sealed with their entry password and
// the whole payload with the store password.
func Marshal(s *Store, password string, opts ...PersistOption) ([]byte, error) {
	o := persistOptions{kdf: DefaultKDF, rand: rand.Reader}
	for _, opt := range opts {
		opt(&o)
	}

	entries := s.Entries()
	records := make([]entryRecord, 0, len(entries))
	for _, e := range entries {
		rec := entryRecord{
			Alias: e.Alias,
			Kind:  e.Kind,
			Hash:  e.Hash.String(),
			Chain: e.ChainDER(),
		}
		if e.Kind == PrivateKeyEntry {
			box, err := sealEntryKey(e, o)
			if err != nil {
				return nil, err
			}
			rec.SealedKey = box
		}
		records = append(records, rec)
	}

	inner, err := json.Marshal(records)
	if err != nil {
		return nil, fmt.Errorf("keystore: encode entries: %w", err)
	}
	box, err := seal(o.rand, password, inner, o.kdf)
	if err != nil {
		return nil, err
	}
	return json.Marshal(fileEnvelope{Version: formatVersion, Store: box})
}

func sealEntryKey(e *Entry, o persistOptions) (*sealedBox, error) {
	// Locked entries keep the box they were loaded with.
	if e.key == nil {
		if e.sealedKey == nil {
			return nil, fmt.Errorf("keystore: entry %q has no key material", e.Alias)
		}
		return e.sealedKey, nil
	}
	der, err := x509.MarshalPKCS8PrivateKey(e.key)
	if err != nil {
		return nil, fmt.Errorf("keystore: entry %q: encode key: %w", e.Alias, err)
	}
	box, err := seal(o.rand, e.password, der, o.kdf)
	clear(der)
	if err != nil {
		return nil, fmt.Errorf("keystore: entry %q: %w", e.Alias, err)
	}
	return box, nil
}

// Unmarshal reopens data produced by Marshal. Private-key entries come back
// locked; call Store.Unlock or Store.UnlockAll before signing.
func Unmarshal(data []byte, password string) (*Store, error) {
	var env fileEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("keystore: decode container: %w", err)
	}
	if env.Version != formatVersion {
		return nil, fmt.Errorf("keystore: unsupported format version %d", env.Version)
	}
	if env.Store == nil {
		return nil, fmt.Errorf("keystore: container has no payload")
	}
	inner, err := env.Store.open(password)
	if err != nil {
		return nil, err
	}

	var records []entryRecord
	if err := json.Unmarshal(inner, &records); err != nil {
		return nil, fmt.Errorf("keystore: decode entries: %w", err)
	}

	store := New()
	for _, rec := range records {
		e, err := entryFromRecord(rec)
		if err != nil {
			return nil, err
		}
		if err := store.Add(e); err != nil {
			return nil, err
		}
	}
	return store, nil
}

func entryFromRecord(rec entryRecord) (*Entry, error) {
	if len(rec.Chain) == 0 {
		return nil, fmt.Errorf("keystore: entry %q has an empty certificate chain", rec.Alias)
	}
	chain := make([]*x509.Certificate, len(rec.Chain))
	for i, der := range rec.Chain {
		cert, err := x509.ParseCertificate(der)
		if err != nil {
			return nil, fmt.Errorf("keystore: entry %q: certificate %d: %w", rec.Alias, i, err)
		}
		chain[i] = cert
	}

	e, err := newEntry(rec.Alias, rec.Kind, chain)
	if err != nil {
		return nil, err
	}
	if h, err := algo.ParseHash(rec.Hash); err == nil {
		e.Hash = h
	}
	switch rec.Kind {
	case PrivateKeyEntry:
		if rec.SealedKey == nil {
			return nil, fmt.Errorf("keystore: entry %q has no key material", rec.Alias)
		}
		e.sealedKey = rec.SealedKey
	case TrustedCertificateEntry:
	default:
		return nil, fmt.Errorf("keystore: entry %q has unknown kind %d", rec.Alias, rec.Kind)
	}
	return e, nil
}

// Save writes s to path, readable by the owner only.
func Save(s *Store, path, password string, opts ...PersistOption) error {
	data, err := Marshal(s, password, opts...)
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("keystore: write %s: %w", path, err)
	}
	return nil
}

// Load reads a store written by Save. Both the file and its password are required.
func Load(path, password string) (*Store, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("keystore: read %s: %w", path, err)
	}
	return Unmarshal(data, password)
}
