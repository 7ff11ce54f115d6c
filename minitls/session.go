package minitls

import (
	"crypto/x509"

	"github.com/google/uuid"
)

// HandshakeSession describes an established connection.
type HandshakeSession struct {
	ID                   uuid.UUID
	Version              uint16
	CipherSuite          *CipherSuite
	PeerCertificates     []*x509.Certificate
	Identity             *VerifiedIdentity
	ServerName           string
	NegotiatedProtocol   string
	ExtendedMasterSecret bool
	// ClientCertificateAlias is the keystore alias sent to the server, if any.
	ClientCertificateAlias string

	masterSecret []byte
	keys         *connectionKeys
}

// destroy zeroes the session's key material.
func (s *HandshakeSession) destroy() {
	clear(s.masterSecret)
	if s.keys != nil {
		s.keys.zero()
	}
}
