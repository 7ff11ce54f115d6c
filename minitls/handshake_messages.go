package minitls

import (
	"golang.org/x/crypto/cryptobyte"
)

// Handshake message codecs. Every marshal returns the full message including
// the 4-byte handshake header, which is also what goes into the transcript.

func readUint8LengthPrefixed(s *cryptobyte.String, out *[]byte) bool {
	return s.ReadUint8LengthPrefixed((*cryptobyte.String)(out))
}

func readUint16LengthPrefixed(s *cryptobyte.String, out *[]byte) bool {
	return s.ReadUint16LengthPrefixed((*cryptobyte.String)(out))
}

func readUint24LengthPrefixed(s *cryptobyte.String, out *[]byte) bool {
	return s.ReadUint24LengthPrefixed((*cryptobyte.String)(out))
}

func marshalHandshake(typ HandshakeType, body func(b *cryptobyte.Builder)) ([]byte, error) {
	var b cryptobyte.Builder
	b.AddUint8(uint8(typ))
	b.AddUint24LengthPrefixed(body)
	return b.Bytes()
}

type clientHelloMsg struct {
	vers                         uint16
	random                       []byte
	sessionID                    []byte
	cipherSuites                 []uint16
	compressionMethods           []uint8
	serverName                   string
	supportedCurves              []CurveID
	supportedPoints              []uint8
	supportedSignatureAlgorithms []SignatureScheme
	extendedMasterSecret         bool
	secureRenegotiationSupported bool
	alpnProtocols                []string
}

// offeredExtensions lists the extension types a ServerHello may echo.
func (m *clientHelloMsg) offeredExtensions() map[uint16]bool {
	offered := map[uint16]bool{
		extensionSupportedGroups:     len(m.supportedCurves) > 0,
		extensionECPointFormats:      len(m.supportedPoints) > 0,
		extensionSignatureAlgorithms: len(m.supportedSignatureAlgorithms) > 0,
	}
	if m.serverName != "" {
		offered[extensionServerName] = true
	}
	if m.extendedMasterSecret {
		offered[extensionExtendedMasterSecret] = true
	}
	if m.secureRenegotiationSupported {
		offered[extensionRenegotiationInfo] = true
	}
	if len(m.alpnProtocols) > 0 {
		offered[extensionALPN] = true
	}
	return offered
}

func (m *clientHelloMsg) marshal() ([]byte, error) {
	var exts cryptobyte.Builder
	if m.serverName != "" {
		exts.AddUint16(extensionServerName)
		exts.AddUint16LengthPrefixed(func(b *cryptobyte.Builder) {
			b.AddUint16LengthPrefixed(func(b *cryptobyte.Builder) {
				b.AddUint8(0) // host_name
				b.AddUint16LengthPrefixed(func(b *cryptobyte.Builder) {
					b.AddBytes([]byte(m.serverName))
				})
			})
		})
	}
	if len(m.supportedCurves) > 0 {
		exts.AddUint16(extensionSupportedGroups)
		exts.AddUint16LengthPrefixed(func(b *cryptobyte.Builder) {
			b.AddUint16LengthPrefixed(func(b *cryptobyte.Builder) {
				for _, c := range m.supportedCurves {
					b.AddUint16(uint16(c))
				}
			})
		})
	}
	if len(m.supportedPoints) > 0 {
		exts.AddUint16(extensionECPointFormats)
		exts.AddUint16LengthPrefixed(func(b *cryptobyte.Builder) {
			b.AddUint8LengthPrefixed(func(b *cryptobyte.Builder) {
				b.AddBytes(m.supportedPoints)
			})
		})
	}
	if len(m.supportedSignatureAlgorithms) > 0 {
		exts.AddUint16(extensionSignatureAlgorithms)
		exts.AddUint16LengthPrefixed(func(b *cryptobyte.Builder) {
			b.AddUint16LengthPrefixed(func(b *cryptobyte.Builder) {
				for _, s := range m.supportedSignatureAlgorithms {
					b.AddUint16(uint16(s))
				}
			})
		})
	}
	if m.extendedMasterSecret {
		exts.AddUint16(extensionExtendedMasterSecret)
		exts.AddUint16(0)
	}
	if m.secureRenegotiationSupported {
		// Initial handshake: renegotiated_connection is empty.
		exts.AddUint16(extensionRenegotiationInfo)
		exts.AddUint16LengthPrefixed(func(b *cryptobyte.Builder) {
			b.AddUint8(0)
		})
	}
	if len(m.alpnProtocols) > 0 {
		exts.AddUint16(extensionALPN)
		exts.AddUint16LengthPrefixed(func(b *cryptobyte.Builder) {
			b.AddUint16LengthPrefixed(func(b *cryptobyte.Builder) {
				for _, proto := range m.alpnProtocols {
					b.AddUint8LengthPrefixed(func(b *cryptobyte.Builder) {
						b.AddBytes([]byte(proto))
					})
				}
			})
		})
	}
	extBytes, err := exts.Bytes()
	if err != nil {
		return nil, err
	}

	return marshalHandshake(typeClientHello, func(b *cryptobyte.Builder) {
		b.AddUint16(m.vers)
		b.AddBytes(m.random)
		b.AddUint8LengthPrefixed(func(b *cryptobyte.Builder) {
			b.AddBytes(m.sessionID)
		})
		b.AddUint16LengthPrefixed(func(b *cryptobyte.Builder) {
			for _, suite := range m.cipherSuites {
				b.AddUint16(suite)
			}
		})
		b.AddUint8LengthPrefixed(func(b *cryptobyte.Builder) {
			b.AddBytes(m.compressionMethods)
		})
		if len(extBytes) > 0 {
			b.AddUint16LengthPrefixed(func(b *cryptobyte.Builder) {
				b.AddBytes(extBytes)
			})
		}
	})
}

type serverHelloMsg struct {
	vers                         uint16
	random                       []byte
	sessionID                    []byte
	cipherSuite                  uint16
	compressionMethod            uint8
	extensions                   []uint16
	extendedMasterSecret         bool
	secureRenegotiationSupported bool
	secureRenegotiation          []byte
	alpnProtocol                 string
	supportedPoints              []uint8
}

func (m *serverHelloMsg) unmarshal(data []byte) bool {
	s := cryptobyte.String(data)
	if !s.Skip(4) ||
		!s.ReadUint16(&m.vers) ||
		!s.ReadBytes(&m.random, randomLength) ||
		!readUint8LengthPrefixed(&s, &m.sessionID) || len(m.sessionID) > maxSessionIDLen ||
		!s.ReadUint16(&m.cipherSuite) ||
		!s.ReadUint8(&m.compressionMethod) {
		return false
	}
	if s.Empty() {
		return true
	}

	var extensions cryptobyte.String
	if !s.ReadUint16LengthPrefixed(&extensions) || !s.Empty() {
		return false
	}
	seen := make(map[uint16]bool)
	for !extensions.Empty() {
		var ext uint16
		var extData cryptobyte.String
		if !extensions.ReadUint16(&ext) || !extensions.ReadUint16LengthPrefixed(&extData) {
			return false
		}
		if seen[ext] {
			return false
		}
		seen[ext] = true
		m.extensions = append(m.extensions, ext)

		switch ext {
		case extensionExtendedMasterSecret:
			m.extendedMasterSecret = true
		case extensionRenegotiationInfo:
			if !readUint8LengthPrefixed(&extData, &m.secureRenegotiation) {
				return false
			}
			m.secureRenegotiationSupported = true
		case extensionALPN:
			var list, proto cryptobyte.String
			if !extData.ReadUint16LengthPrefixed(&list) ||
				!list.ReadUint8LengthPrefixed(&proto) || proto.Empty() || !list.Empty() {
				return false
			}
			m.alpnProtocol = string(proto)
		case extensionECPointFormats:
			if !readUint8LengthPrefixed(&extData, &m.supportedPoints) || len(m.supportedPoints) == 0 {
				return false
			}
		case extensionServerName:
		default:
			// Kept in m.extensions; the handshake rejects anything not offered.
			continue
		}
		if !extData.Empty() {
			return false
		}
	}
	return true
}

// marshal is only used by tests that play the server.
func (m *serverHelloMsg) marshal() ([]byte, error) {
	return marshalHandshake(typeServerHello, func(b *cryptobyte.Builder) {
		b.AddUint16(m.vers)
		b.AddBytes(m.random)
		b.AddUint8LengthPrefixed(func(b *cryptobyte.Builder) {
			b.AddBytes(m.sessionID)
		})
		b.AddUint16(m.cipherSuite)
		b.AddUint8(m.compressionMethod)
		if m.extendedMasterSecret || m.secureRenegotiationSupported {
			b.AddUint16LengthPrefixed(func(b *cryptobyte.Builder) {
				if m.extendedMasterSecret {
					b.AddUint16(extensionExtendedMasterSecret)
					b.AddUint16(0)
				}
				if m.secureRenegotiationSupported {
					b.AddUint16(extensionRenegotiationInfo)
					b.AddUint16LengthPrefixed(func(b *cryptobyte.Builder) {
						b.AddUint8LengthPrefixed(func(b *cryptobyte.Builder) {
							b.AddBytes(m.secureRenegotiation)
						})
					})
				}
			})
		}
	})
}

type certificateMsg struct {
	certificates [][]byte
}

func (m *certificateMsg) marshal() ([]byte, error) {
	return marshalHandshake(typeCertificate, func(b *cryptobyte.Builder) {
		b.AddUint24LengthPrefixed(func(b *cryptobyte.Builder) {
			for _, cert := range m.certificates {
				b.AddUint24LengthPrefixed(func(b *cryptobyte.Builder) {
					b.AddBytes(cert)
				})
			}
		})
	})
}

func (m *certificateMsg) unmarshal(data []byte) bool {
	s := cryptobyte.String(data)
	var certList cryptobyte.String
	if !s.Skip(4) || !s.ReadUint24LengthPrefixed(&certList) || !s.Empty() {
		return false
	}
	for !certList.Empty() {
		var cert []byte
		if !readUint24LengthPrefixed(&certList, &cert) || len(cert) == 0 {
			return false
		}
		m.certificates = append(m.certificates, cert)
	}
	return true
}

// serverKeyExchangeMsg keeps the body opaque; its layout depends on the suite.
type serverKeyExchangeMsg struct {
	key []byte
}

func (m *serverKeyExchangeMsg) unmarshal(data []byte) bool {
	if len(data) < 4 {
		return false
	}
	m.key = data[4:]
	return true
}

type certificateRequestMsg struct {
	certificateTypes             []byte
	supportedSignatureAlgorithms []SignatureScheme
	certificateAuthorities       [][]byte
}

func (m *certificateRequestMsg) unmarshal(data []byte) bool {
	s := cryptobyte.String(data)
	if !s.Skip(4) || !readUint8LengthPrefixed(&s, &m.certificateTypes) || len(m.certificateTypes) == 0 {
		return false
	}

	var sigAlgs cryptobyte.String
	if !s.ReadUint16LengthPrefixed(&sigAlgs) || sigAlgs.Empty() {
		return false
	}
	for !sigAlgs.Empty() {
		var alg uint16
		if !sigAlgs.ReadUint16(&alg) {
			return false
		}
		m.supportedSignatureAlgorithms = append(m.supportedSignatureAlgorithms, SignatureScheme(alg))
	}

	var auths cryptobyte.String
	if !s.ReadUint16LengthPrefixed(&auths) {
		return false
	}
	for !auths.Empty() {
		var ca []byte
		if !readUint16LengthPrefixed(&auths, &ca) || len(ca) == 0 {
			return false
		}
		m.certificateAuthorities = append(m.certificateAuthorities, ca)
	}
	return s.Empty()
}

type serverHelloDoneMsg struct{}

func (m *serverHelloDoneMsg) unmarshal(data []byte) bool {
	return len(data) == 4
}

// clientKeyExchangeMsg carries the already length-prefixed exchange value:
// an opaque<1..2^8-1> EC point or an opaque<0..2^16-1> RSA ciphertext.
type clientKeyExchangeMsg struct {
	ciphertext []byte
}

func (m *clientKeyExchangeMsg) marshal() ([]byte, error) {
	return marshalHandshake(typeClientKeyExchange, func(b *cryptobyte.Builder) {
		b.AddBytes(m.ciphertext)
	})
}

type certificateVerifyMsg struct {
	signatureAlgorithm SignatureScheme
	signature          []byte
}

func (m *certificateVerifyMsg) marshal() ([]byte, error) {
	return marshalHandshake(typeCertificateVerify, func(b *cryptobyte.Builder) {
		b.AddUint16(uint16(m.signatureAlgorithm))
		b.AddUint16LengthPrefixed(func(b *cryptobyte.Builder) {
			b.AddBytes(m.signature)
		})
	})
}

type finishedMsg struct {
	verifyData []byte
}

func (m *finishedMsg) marshal() ([]byte, error) {
	return marshalHandshake(typeFinished, func(b *cryptobyte.Builder) {
		b.AddBytes(m.verifyData)
	})
}

func (m *finishedMsg) unmarshal(data []byte) bool {
	if len(data) != 4+finishedLength {
		return false
	}
	m.verifyData = data[4:]
	return true
}
