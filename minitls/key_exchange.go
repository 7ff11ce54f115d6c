package minitls

import (
	"crypto"
	"crypto/ecdh"
	"crypto/ecdsa"
	"crypto/rsa"
	"fmt"
	"io"

	"golang.org/x/crypto/cryptobyte"

	"tlsengine/algo"
)

// schemeParams describes how a SignatureScheme signs.
type schemeParams struct {
	sig  algo.SignatureAlgorithm
	hash crypto.Hash
	pss  bool
}

func signatureSchemeParams(s SignatureScheme) (schemeParams, bool) {
	switch s {
	case PKCS1WithSHA1:
		return schemeParams{algo.RSA, crypto.SHA1, false}, true
	case PKCS1WithSHA256:
		return schemeParams{algo.RSA, crypto.SHA256, false}, true
	case PKCS1WithSHA384:
		return schemeParams{algo.RSA, crypto.SHA384, false}, true
	case PKCS1WithSHA512:
		return schemeParams{algo.RSA, crypto.SHA512, false}, true
	case PSSWithSHA256:
		return schemeParams{algo.RSA, crypto.SHA256, true}, true
	case PSSWithSHA384:
		return schemeParams{algo.RSA, crypto.SHA384, true}, true
	case PSSWithSHA512:
		return schemeParams{algo.RSA, crypto.SHA512, true}, true
	case ECDSAWithSHA1:
		return schemeParams{algo.ECDSA, crypto.SHA1, false}, true
	case ECDSAWithP256AndSHA256:
		return schemeParams{algo.ECDSA, crypto.SHA256, false}, true
	case ECDSAWithP384AndSHA384:
		return schemeParams{algo.ECDSA, crypto.SHA384, false}, true
	case ECDSAWithP521AndSHA512:
		return schemeParams{algo.ECDSA, crypto.SHA512, false}, true
	}
	return schemeParams{}, false
}

func isSupportedSignatureAlgorithm(s SignatureScheme, list []SignatureScheme) bool {
	for _, l := range list {
		if l == s {
			return true
		}
	}
	return false
}

func digestOf(h crypto.Hash, data []byte) []byte {
	hh := h.New()
	hh.Write(data)
	return hh.Sum(nil)
}

// verifyHandshakeSignature checks a ServerKeyExchange signature. In TLS 1.2
// ECDSA schemes are not bound to a curve.
func verifyHandshakeSignature(pub crypto.PublicKey, scheme SignatureScheme, signed, sig []byte) error {
	p, ok := signatureSchemeParams(scheme)
	if !ok || !isSupportedSignatureAlgorithm(scheme, supportedSignatureAlgorithms) {
		return protocolError(alertIllegalParameter, "server used unoffered signature scheme 0x%04x", uint16(scheme))
	}
	digest := digestOf(p.hash, signed)

	switch p.sig {
	case algo.ECDSA:
		key, ok := pub.(*ecdsa.PublicKey)
		if !ok {
			return protocolError(alertIllegalParameter, "ECDSA signature with %T certificate key", pub)
		}
		if !ecdsa.VerifyASN1(key, digest, sig) {
			return cryptoError(alertDecryptError, "invalid ECDSA signature on ServerKeyExchange")
		}
	case algo.RSA:
		key, ok := pub.(*rsa.PublicKey)
		if !ok {
			return protocolError(alertIllegalParameter, "RSA signature with %T certificate key", pub)
		}
		var err error
		if p.pss {
			err = rsa.VerifyPSS(key, p.hash, digest, sig, &rsa.PSSOptions{SaltLength: rsa.PSSSaltLengthEqualsHash})
		} else {
			err = rsa.VerifyPKCS1v15(key, p.hash, digest, sig)
		}
		if err != nil {
			return cryptoError(alertDecryptError, "invalid RSA signature on ServerKeyExchange: %w", err)
		}
	}
	return nil
}

// signHandshake signs data for CertificateVerify.
func signHandshake(rnd io.Reader, key crypto.Signer, scheme SignatureScheme, data []byte) ([]byte, error) {
	p, ok := signatureSchemeParams(scheme)
	if !ok {
		return nil, fmt.Errorf("unsupported signature scheme 0x%04x", uint16(scheme))
	}
	var opts crypto.SignerOpts = p.hash
	if p.pss {
		opts = &rsa.PSSOptions{SaltLength: rsa.PSSSaltLengthEqualsHash, Hash: p.hash}
	}
	return key.Sign(rnd, digestOf(p.hash, data), opts)
}

// clientSignatureScheme picks our preferred scheme that the server accepts
// for a key of the given algorithm and size.
func clientSignatureScheme(sig algo.SignatureAlgorithm, keyBits int, serverAlgs []SignatureScheme) (SignatureScheme, bool) {
	for _, s := range supportedSignatureAlgorithms {
		p, _ := signatureSchemeParams(s)
		if p.sig != sig || !isSupportedSignatureAlgorithm(s, serverAlgs) {
			continue
		}
		// PSS needs room for two hashes plus two bytes.
		if p.pss && keyBits/8 < 2*p.hash.Size()+2 {
			continue
		}
		return s, true
	}
	return 0, false
}

func ecdhCurve(id CurveID) (ecdh.Curve, bool) {
	switch id {
	case X25519:
		return ecdh.X25519(), true
	case CurveP256:
		return ecdh.P256(), true
	case CurveP384:
		return ecdh.P384(), true
	}
	return nil, false
}

// ecdheParameters is a parsed ServerKeyExchange for an ECDHE suite.
type ecdheParameters struct {
	curve     CurveID
	point     []byte
	params    []byte // ServerECDHParams as signed
	scheme    SignatureScheme
	signature []byte
}

func parseECDHEParameters(key []byte) (*ecdheParameters, error) {
	s := cryptobyte.String(key)
	var curveType uint8
	var curve uint16
	p := &ecdheParameters{}
	if !s.ReadUint8(&curveType) || !s.ReadUint16(&curve) || !readUint8LengthPrefixed(&s, &p.point) {
		return nil, protocolError(alertDecodeError, "malformed ServerKeyExchange")
	}
	if curveType != curveTypeNamedCurve {
		return nil, protocolError(alertIllegalParameter, "unsupported ECDH curve type %d", curveType)
	}
	p.curve = CurveID(curve)
	p.params = key[:4+len(p.point)]

	var scheme uint16
	if !s.ReadUint16(&scheme) || !readUint16LengthPrefixed(&s, &p.signature) || !s.Empty() {
		return nil, protocolError(alertDecodeError, "malformed ServerKeyExchange signature")
	}
	p.scheme = SignatureScheme(scheme)
	return p, nil
}

// ecdheKeyAgreement generates our share on the server's curve and returns the
// pre-master secret and the ClientKeyExchange body.
func ecdheKeyAgreement(rnd io.Reader, p *ecdheParameters, offered []CurveID) (preMaster, ckx []byte, err error) {
	curve, ok := ecdhCurve(p.curve)
	if !ok || !containsCurve(offered, p.curve) {
		return nil, nil, protocolError(alertIllegalParameter, "server selected unoffered curve %d", p.curve)
	}
	peer, err := curve.NewPublicKey(p.point)
	if err != nil {
		return nil, nil, protocolError(alertIllegalParameter, "invalid server ECDH point: %w", err)
	}
	priv, err := curve.GenerateKey(rnd)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to generate ECDH key: %w", err)
	}
	preMaster, err = priv.ECDH(peer)
	if err != nil {
		return nil, nil, protocolError(alertIllegalParameter, "ECDH failed: %w", err)
	}
	point := priv.PublicKey().Bytes()
	ckx = make([]byte, 1+len(point))
	ckx[0] = byte(len(point))
	copy(ckx[1:], point)
	return preMaster, ckx, nil
}

func containsCurve(list []CurveID, c CurveID) bool {
	for _, l := range list {
		if l == c {
			return true
		}
	}
	return false
}

// rsaKeyAgreement encrypts a fresh pre-master secret to the server key:
// client_version(2) + random(46), PKCS #1 v1.5.
func rsaKeyAgreement(rnd io.Reader, pub crypto.PublicKey) (preMaster, ckx []byte, err error) {
	key, ok := pub.(*rsa.PublicKey)
	if !ok {
		return nil, nil, authenticationError(alertUnsupportedCertificate, "RSA key exchange with %T certificate key", pub)
	}
	preMaster = make([]byte, preMasterRSALen)
	preMaster[0] = byte(VersionTLS12 >> 8)
	preMaster[1] = byte(VersionTLS12 & 0xff)
	if _, err := io.ReadFull(rnd, preMaster[2:]); err != nil {
		return nil, nil, fmt.Errorf("failed to generate pre-master secret: %w", err)
	}
	encrypted, err := rsa.EncryptPKCS1v15(rnd, key, preMaster)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to encrypt pre-master secret: %w", err)
	}
	ckx = make([]byte, 2+len(encrypted))
	ckx[0] = byte(len(encrypted) >> 8)
	ckx[1] = byte(len(encrypted))
	copy(ckx[2:], encrypted)
	return preMaster, ckx, nil
}
