package keystore

import (
	"crypto/x509"
	"fmt"
	"sync"

	"tlsengine/algo"
)

// Store maps aliases to entries. Iteration follows insertion order so that
// capability lookups are deterministic.
type Store struct {
	mu      sync.RWMutex
	aliases []string
	entries map[string]*Entry
}

func New() *Store {
	return &Store{entries: make(map[string]*Entry)}
}

// Add stores a copy of e. Entries are never shared between stores.
func (s *Store) Add(e *Entry) error {
	if e == nil {
		return fmt.Errorf("keystore: nil entry")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.entries[e.Alias]; ok {
		return fmt.Errorf("%w: %q", ErrDuplicateAlias, e.Alias)
	}
	s.entries[e.Alias] = e.clone()
	s.aliases = append(s.aliases, e.Alias)
	return nil
}

func (s *Store) AddTrustedCertificate(alias string, cert *x509.Certificate) error {
	e, err := NewTrustedCertificateEntry(alias, cert)
	if err != nil {
		return err
	}
	return s.Add(e)
}

// Remove deletes alias and reports whether it was present.
func (s *Store) Remove(alias string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.entries[alias]; !ok {
		return false
	}
	delete(s.entries, alias)
	for i, a := range s.aliases {
		if a == alias {
			s.aliases = append(s.aliases[:i], s.aliases[i+1:]...)
			break
		}
	}
	return true
}

func (s *Store) Entry(alias string) (*Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.entries[alias]
	if !ok {
		return nil, fmt.Errorf("%w: alias %q", ErrNotFound, alias)
	}
	return e, nil
}

func (s *Store) Aliases() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]string(nil), s.aliases...)
}

// Entries returns the entries in iteration order.
func (s *Store) Entries() []*Entry {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*Entry, 0, len(s.aliases))
	for _, a := range s.aliases {
		out = append(out, s.entries[a])
	}
	return out
}

func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.aliases)
}

// FirstCertificateMatching returns the first entry whose leaf satisfies pred.
func (s *Store) FirstCertificateMatching(pred Predicate) (*Entry, error) {
	return FirstMatching(s.Entries(), pred)
}

// CertPool returns a pool holding every leaf certificate in the store, the
// equivalent of initialising a trust manager from the keystore.
func (s *Store) CertPool() *x509.CertPool {
	pool := x509.NewCertPool()
	for _, e := range s.Entries() {
		if leaf := e.Leaf(); leaf != nil {
			pool.AddCert(leaf)
		}
	}
	return pool
}

// Unlock opens the sealed private key of alias with password.
func (s *Store) Unlock(alias, password string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[alias]
	if !ok {
		return fmt.Errorf("%w: alias %q", ErrNotFound, alias)
	}
	if err := e.unlock(password); err != nil {
		return fmt.Errorf("keystore: unlock %q: %w", alias, err)
	}
	return nil
}

// UnlockAll opens every locked entry with the same password.
func (s *Store) UnlockAll(password string) error {
	for _, alias := range s.Aliases() {
		if err := s.Unlock(alias, password); err != nil {
			return err
		}
	}
	return nil
}

// Predicate decides whether an entry offers a capability.
type Predicate func(*Entry) bool

// FirstMatching scans entries in order.
func FirstMatching(entries []*Entry, pred Predicate) (*Entry, error) {
	for _, e := range entries {
		if e != nil && pred(e) {
			return e, nil
		}
	}
	return nil, ErrNotFound
}

// IsX509Certificate matches entries whose leaf is a parsed X.509 certificate.
func IsX509Certificate(e *Entry) bool {
	leaf := e.Leaf()
	return leaf != nil && len(leaf.Raw) > 0
}

// HasPrivateKey matches identity entries whose key is available for signing.
func HasPrivateKey(e *Entry) bool {
	return e.Kind == PrivateKeyEntry && e.key != nil
}

// SignsWith matches entries whose key uses sig.
func SignsWith(sig algo.SignatureAlgorithm) Predicate {
	return func(e *Entry) bool {
		return e.Signature == sig
	}
}

// And combines predicates; all must hold.
func And(preds ...Predicate) Predicate {
	return func(e *Entry) bool {
		for _, p := range preds {
			if !p(e) {
				return false
			}
		}
		return true
	}
}
