package minitls

// VersionTLS12 is the only protocol version this client speaks.
const VersionTLS12 = 0x0303

// Record content types
type recordType uint8

const (
	recordTypeChangeCipherSpec recordType = 20
	recordTypeAlert            recordType = 21
	recordTypeHandshake        recordType = 22
	recordTypeApplicationData  recordType = 23
)

func (t recordType) String() string {
	switch t {
	case recordTypeChangeCipherSpec:
		return "change_cipher_spec"
	case recordTypeAlert:
		return "alert"
	case recordTypeHandshake:
		return "handshake"
	case recordTypeApplicationData:
		return "application_data"
	}
	return "unknown"
}

// HandshakeType is the one-byte message type of a handshake message.
type HandshakeType uint8

const (
	typeHelloRequest       HandshakeType = 0
	typeClientHello        HandshakeType = 1
	typeServerHello        HandshakeType = 2
	typeNewSessionTicket   HandshakeType = 4
	typeCertificate        HandshakeType = 11
	typeServerKeyExchange  HandshakeType = 12
	typeCertificateRequest HandshakeType = 13
	typeServerHelloDone    HandshakeType = 14
	typeCertificateVerify  HandshakeType = 15
	typeClientKeyExchange  HandshakeType = 16
	typeFinished           HandshakeType = 20
)

func (t HandshakeType) String() string {
	switch t {
	case typeHelloRequest:
		return "HelloRequest"
	case typeClientHello:
		return "ClientHello"
	case typeServerHello:
		return "ServerHello"
	case typeNewSessionTicket:
		return "NewSessionTicket"
	case typeCertificate:
		return "Certificate"
	case typeServerKeyExchange:
		return "ServerKeyExchange"
	case typeCertificateRequest:
		return "CertificateRequest"
	case typeServerHelloDone:
		return "ServerHelloDone"
	case typeCertificateVerify:
		return "CertificateVerify"
	case typeClientKeyExchange:
		return "ClientKeyExchange"
	case typeFinished:
		return "Finished"
	}
	return "unknown"
}

// Extension types
const (
	extensionServerName           uint16 = 0
	extensionSupportedGroups      uint16 = 10
	extensionECPointFormats       uint16 = 11
	extensionSignatureAlgorithms  uint16 = 13
	extensionALPN                 uint16 = 16
	extensionExtendedMasterSecret uint16 = 23
	extensionRenegotiationInfo    uint16 = 0xff01
)

// CurveID identifies a named group for ECDHE.
type CurveID uint16

const (
	CurveP256 CurveID = 23
	CurveP384 CurveID = 24
	X25519    CurveID = 29
)

var defaultCurvePreferences = []CurveID{X25519, CurveP256, CurveP384}

const (
	pointFormatUncompressed uint8 = 0
	curveTypeNamedCurve     uint8 = 3
	compressionNone         uint8 = 0
)

// SignatureScheme is a TLS 1.2 signature_algorithms code point.
type SignatureScheme uint16

const (
	PKCS1WithSHA256 SignatureScheme = 0x0401
	PKCS1WithSHA384 SignatureScheme = 0x0501
	PKCS1WithSHA512 SignatureScheme = 0x0601

	PSSWithSHA256 SignatureScheme = 0x0804
	PSSWithSHA384 SignatureScheme = 0x0805
	PSSWithSHA512 SignatureScheme = 0x0806

	ECDSAWithP256AndSHA256 SignatureScheme = 0x0403
	ECDSAWithP384AndSHA384 SignatureScheme = 0x0503
	ECDSAWithP521AndSHA512 SignatureScheme = 0x0603

	PKCS1WithSHA1 SignatureScheme = 0x0201
	ECDSAWithSHA1 SignatureScheme = 0x0203
)

// supportedSignatureAlgorithms is offered in ClientHello and is the
// preference order for CertificateVerify.
var supportedSignatureAlgorithms = []SignatureScheme{
	ECDSAWithP256AndSHA256,
	PSSWithSHA256,
	PKCS1WithSHA256,
	ECDSAWithP384AndSHA384,
	PSSWithSHA384,
	PKCS1WithSHA384,
	ECDSAWithP521AndSHA512,
	PSSWithSHA512,
	PKCS1WithSHA512,
	ECDSAWithSHA1,
	PKCS1WithSHA1,
}

const (
	randomLength     = 32
	finishedLength   = 12
	masterSecretLen  = 48
	preMasterRSALen  = 48
	maxSessionIDLen  = 32
	maxHandshakeSize = 1 << 18
)
