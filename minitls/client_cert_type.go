package minitls

import (
	"fmt"

	"tlsengine/algo"
)

// ClientCertificateType is a certificate_types entry of CertificateRequest.
type ClientCertificateType uint8

const (
	RSASign                ClientCertificateType = 1
	DSSSign                ClientCertificateType = 2
	RSAFixedDH             ClientCertificateType = 3
	DSSFixedDH             ClientCertificateType = 4
	RSAEphemeralDHReserved ClientCertificateType = 5
	DSSEphemeralDHReserved ClientCertificateType = 6
	FortezzaDMSReserved    ClientCertificateType = 20
)

// ClientCertificateTypes lists every defined type in code order.
var ClientCertificateTypes = []ClientCertificateType{
	RSASign, DSSSign, RSAFixedDH, DSSFixedDH,
	RSAEphemeralDHReserved, DSSEphemeralDHReserved, FortezzaDMSReserved,
}

// Code returns the one-byte wire value.
func (t ClientCertificateType) Code() byte {
	return byte(t)
}

func (t ClientCertificateType) String() string {
	switch t {
	case RSASign:
		return "RSA_SIGN"
	case DSSSign:
		return "DSS_SIGN"
	case RSAFixedDH:
		return "RSA_FIXED_DH"
	case DSSFixedDH:
		return "DSS_FIXED_DH"
	case RSAEphemeralDHReserved:
		return "RSA_EPHEMERAL_DH_RESERVED"
	case DSSEphemeralDHReserved:
		return "DSS_EPHEMERAL_DH_RESERVED"
	case FortezzaDMSReserved:
		return "FORTEZZA_DMS_RESERVED"
	}
	return fmt.Sprintf("ClientCertificateType(%d)", uint8(t))
}

// ClientCertificateTypeByCode is strict: any byte outside the defined set is
// a protocol error.
func ClientCertificateTypeByCode(code byte) (ClientCertificateType, error) {
	for _, t := range ClientCertificateTypes {
		if t.Code() == code {
			return t, nil
		}
	}
	return 0, protocolError(alertIllegalParameter, "unknown client certificate type %d", code)
}

// signature returns the key algorithm a certificate must use to answer a
// request for t. Only the signing types can be served.
func (t ClientCertificateType) signature() (algo.SignatureAlgorithm, bool) {
	if t == RSASign {
		return algo.RSA, true
	}
	return 0, false
}
