package minitls

import (
	"bytes"
	"crypto/ecdh"
	"crypto/rand"
	"crypto/rsa"
	"errors"
	"testing"

	"golang.org/x/crypto/cryptobyte"

	"tlsengine/algo"
)

func TestClientSignatureScheme(t *testing.T) {
	testCases := []struct {
		name       string
		sig        algo.SignatureAlgorithm
		keyBits    int
		serverAlgs []SignatureScheme
		want       SignatureScheme
		ok         bool
	}{
		{"ECDSA preferred", algo.ECDSA, 256, []SignatureScheme{PKCS1WithSHA256, ECDSAWithSHA1, ECDSAWithP256AndSHA256}, ECDSAWithP256AndSHA256, true},
		{"RSA PSS first", algo.RSA, 2048, []SignatureScheme{PKCS1WithSHA256, PSSWithSHA256}, PSSWithSHA256, true},
		{"PSS-SHA512 too big for 1024-bit key", algo.RSA, 1024, []SignatureScheme{PSSWithSHA512, PKCS1WithSHA512}, PKCS1WithSHA512, true},
		{"PSS-SHA256 fits 1024-bit key", algo.RSA, 1024, []SignatureScheme{PSSWithSHA256}, PSSWithSHA256, true},
		{"no overlap", algo.ECDSA, 256, []SignatureScheme{PKCS1WithSHA256, PSSWithSHA256}, 0, false},
		{"unknown server scheme", algo.RSA, 2048, []SignatureScheme{0x0101}, 0, false},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			got, ok := clientSignatureScheme(tc.sig, tc.keyBits, tc.serverAlgs)
			if ok != tc.ok || got != tc.want {
				t.Errorf("clientSignatureScheme = 0x%04x, %v; want 0x%04x, %v", uint16(got), ok, uint16(tc.want), tc.ok)
			}
		})
	}
}

func TestVerifyHandshakeSignature(t *testing.T) {
	rsaEntry := testEntry(t, "server-rsa")
	ecdsaEntry := testEntry(t, "server-ecdsa")
	signed := []byte("client_random || server_random || params")

	for _, scheme := range []SignatureScheme{PKCS1WithSHA256, PSSWithSHA256, PSSWithSHA384, PKCS1WithSHA1} {
		sig, err := signHandshake(rand.Reader, rsaEntry.PrivateKey(), scheme, signed)
		if err != nil {
			t.Fatalf("signHandshake(0x%04x) failed: %v", uint16(scheme), err)
		}
		if err := verifyHandshakeSignature(rsaEntry.Leaf().PublicKey, scheme, signed, sig); err != nil {
			t.Errorf("RSA scheme 0x%04x did not verify: %v", uint16(scheme), err)
		}
	}

	sig, err := signHandshake(rand.Reader, ecdsaEntry.PrivateKey(), ECDSAWithP256AndSHA256, signed)
	if err != nil {
		t.Fatal(err)
	}
	if err := verifyHandshakeSignature(ecdsaEntry.Leaf().PublicKey, ECDSAWithP256AndSHA256, signed, sig); err != nil {
		t.Errorf("ECDSA signature did not verify: %v", err)
	}

	t.Run("tampered data", func(t *testing.T) {
		err := verifyHandshakeSignature(ecdsaEntry.Leaf().PublicKey, ECDSAWithP256AndSHA256, []byte("other"), sig)
		var e *Error
		if !IsCryptoError(err) || !errors.As(err, &e) || e.Alert != alertDecryptError {
			t.Errorf("error = %v, want crypto decrypt_error", err)
		}
	})
	t.Run("wrong key type", func(t *testing.T) {
		err := verifyHandshakeSignature(rsaEntry.Leaf().PublicKey, ECDSAWithP256AndSHA256, signed, sig)
		if !IsProtocolError(err) {
			t.Errorf("error = %v, want protocol error", err)
		}
	})
	t.Run("unoffered scheme", func(t *testing.T) {
		err := verifyHandshakeSignature(rsaEntry.Leaf().PublicKey, 0x0101, signed, sig)
		var e *Error
		if !errors.As(err, &e) || e.Alert != alertIllegalParameter {
			t.Errorf("error = %v, want illegal_parameter", err)
		}
	})
}

func marshalECDHEParameters(t *testing.T, curve CurveID, point []byte, scheme SignatureScheme, sig []byte) []byte {
	t.Helper()
	var b cryptobyte.Builder
	b.AddUint8(curveTypeNamedCurve)
	b.AddUint16(uint16(curve))
	b.AddUint8LengthPrefixed(func(b *cryptobyte.Builder) { b.AddBytes(point) })
	b.AddUint16(uint16(scheme))
	b.AddUint16LengthPrefixed(func(b *cryptobyte.Builder) { b.AddBytes(sig) })
	return b.BytesOrPanic()
}

func TestECDHEKeyAgreement(t *testing.T) {
	curves := []struct {
		id    CurveID
		curve ecdh.Curve
	}{
		{X25519, ecdh.X25519()},
		{CurveP256, ecdh.P256()},
		{CurveP384, ecdh.P384()},
	}

	for _, c := range curves {
		serverKey, err := c.curve.GenerateKey(rand.Reader)
		if err != nil {
			t.Fatal(err)
		}
		point := serverKey.PublicKey().Bytes()
		raw := marshalECDHEParameters(t, c.id, point, ECDSAWithP256AndSHA256, []byte{1, 2, 3})

		p, err := parseECDHEParameters(raw)
		if err != nil {
			t.Fatalf("curve %d: parse failed: %v", c.id, err)
		}
		if !bytes.Equal(p.params, raw[:4+len(point)]) || !bytes.Equal(p.signature, []byte{1, 2, 3}) {
			t.Errorf("curve %d: parsed %+v", c.id, p)
		}

		preMaster, ckx, err := ecdheKeyAgreement(rand.Reader, p, defaultCurvePreferences)
		if err != nil {
			t.Fatalf("curve %d: agreement failed: %v", c.id, err)
		}
		if int(ckx[0]) != len(ckx)-1 {
			t.Errorf("curve %d: ClientKeyExchange length prefix %d for %d bytes", c.id, ckx[0], len(ckx)-1)
		}
		clientPub, err := c.curve.NewPublicKey(ckx[1:])
		if err != nil {
			t.Fatalf("curve %d: client point invalid: %v", c.id, err)
		}
		serverSecret, err := serverKey.ECDH(clientPub)
		if err != nil {
			t.Fatal(err)
		}
		if !bytes.Equal(preMaster, serverSecret) {
			t.Errorf("curve %d: shared secrets differ", c.id)
		}

		if _, _, err := ecdheKeyAgreement(rand.Reader, p, []CurveID{0}); !IsProtocolError(err) {
			t.Errorf("curve %d: unoffered curve error = %v", c.id, err)
		}
	}

	malformed := []struct {
		name string
		raw  []byte
	}{
		{"explicit curve", []byte{1, 0, 29, 1, 0, 0x04, 0x03, 0, 0}},
		{"truncated", []byte{3, 0, 29, 32, 1}},
		{"trailing bytes", append(marshalECDHEParameters(t, X25519, make([]byte, 32), PSSWithSHA256, []byte{1}), 0)},
	}
	for _, tc := range malformed {
		if _, err := parseECDHEParameters(tc.raw); !IsProtocolError(err) {
			t.Errorf("%s: error = %v, want protocol error", tc.name, err)
		}
	}
}

func TestRSAKeyAgreement(t *testing.T) {
	entry := testEntry(t, "server-rsa")
	preMaster, ckx, err := rsaKeyAgreement(rand.Reader, entry.Leaf().PublicKey)
	if err != nil {
		t.Fatalf("rsaKeyAgreement failed: %v", err)
	}
	if len(preMaster) != preMasterRSALen || preMaster[0] != 0x03 || preMaster[1] != 0x03 {
		t.Errorf("pre-master secret %x does not start with the client version", preMaster[:2])
	}
	if n := int(ckx[0])<<8 | int(ckx[1]); n != len(ckx)-2 {
		t.Errorf("length prefix %d for %d bytes", n, len(ckx)-2)
	}
	key := entry.PrivateKey().(*rsa.PrivateKey)
	decrypted, err := rsa.DecryptPKCS1v15(nil, key, ckx[2:])
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(decrypted, preMaster) {
		t.Error("server decrypts a different pre-master secret")
	}

	if _, _, err := rsaKeyAgreement(rand.Reader, testEntry(t, "server-ecdsa").Leaf().PublicKey); !IsAuthenticationError(err) {
		t.Errorf("ECDSA key error = %v, want authentication error", err)
	}
}

func TestServerHelloExtensions(t *testing.T) {
	build := func(exts ...uint16) []byte {
		var b cryptobyte.Builder
		b.AddUint8(uint8(typeServerHello))
		b.AddUint24LengthPrefixed(func(b *cryptobyte.Builder) {
			b.AddUint16(VersionTLS12)
			b.AddBytes(make([]byte, randomLength))
			b.AddUint8(0)
			b.AddUint16(TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256)
			b.AddUint8(0)
			b.AddUint16LengthPrefixed(func(b *cryptobyte.Builder) {
				for _, e := range exts {
					b.AddUint16(e)
					b.AddUint16(0)
				}
			})
		})
		return b.BytesOrPanic()
	}

	var m serverHelloMsg
	if !m.unmarshal(build(extensionExtendedMasterSecret, 0x1234)) {
		t.Fatal("valid ServerHello rejected")
	}
	if !m.extendedMasterSecret || len(m.extensions) != 2 || m.extensions[1] != 0x1234 {
		t.Errorf("parsed %+v", m)
	}

	var dup serverHelloMsg
	if dup.unmarshal(build(extensionExtendedMasterSecret, extensionExtendedMasterSecret)) {
		t.Error("duplicate extension accepted")
	}
}

func TestCertificateRequestUnknownTypes(t *testing.T) {
	var b cryptobyte.Builder
	b.AddUint8(uint8(typeCertificateRequest))
	b.AddUint24LengthPrefixed(func(b *cryptobyte.Builder) {
		b.AddUint8LengthPrefixed(func(b *cryptobyte.Builder) { b.AddBytes([]byte{64, 1}) })
		b.AddUint16LengthPrefixed(func(b *cryptobyte.Builder) { b.AddUint16(uint16(PKCS1WithSHA256)) })
		b.AddUint16LengthPrefixed(func(b *cryptobyte.Builder) {})
	})

	var m certificateRequestMsg
	if !m.unmarshal(b.BytesOrPanic()) {
		t.Fatal("CertificateRequest rejected")
	}
	if !bytes.Equal(m.certificateTypes, []byte{64, 1}) {
		t.Errorf("certificate types = %v", m.certificateTypes)
	}
	if _, err := ClientCertificateTypeByCode(64); err == nil {
		t.Error("ecdsa_sign (64) has a registry entry")
	}
}
