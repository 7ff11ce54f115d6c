package algo

import (
	"crypto/x509"
	"testing"
)

func TestX509SignatureAlgorithm(t *testing.T) {
	testCases := []struct {
		hash HashAlgorithm
		sign SignatureAlgorithm
		want x509.SignatureAlgorithm
	}{
		{SHA1, RSA, x509.SHA1WithRSA},
		{SHA256, RSA, x509.SHA256WithRSA},
		{SHA384, RSA, x509.SHA384WithRSA},
		{SHA1, ECDSA, x509.ECDSAWithSHA1},
		{SHA256, ECDSA, x509.ECDSAWithSHA256},
		{SHA384, ECDSA, x509.ECDSAWithSHA384},
	}

	for _, tc := range testCases {
		t.Run(tc.hash.String()+tc.sign.String(), func(t *testing.T) {
			got, err := X509SignatureAlgorithm(tc.hash, tc.sign)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tc.want {
				t.Errorf("got %v, want %v", got, tc.want)
			}
		})
	}

	if _, err := X509SignatureAlgorithm(0, RSA); err == nil {
		t.Error("expected error for unknown hash")
	}
}

func TestHashSizes(t *testing.T) {
	if SHA1.Size() != 20 || SHA256.Size() != 32 || SHA384.Size() != 48 {
		t.Errorf("unexpected digest sizes: %d %d %d", SHA1.Size(), SHA256.Size(), SHA384.Size())
	}
	if n := len(SHA384.New().Sum(nil)); n != 48 {
		t.Errorf("SHA384 digest length = %d, want 48", n)
	}
}

func TestParse(t *testing.T) {
	for _, name := range []string{"sha1", "SHA-256", "Sha384"} {
		if _, err := ParseHash(name); err != nil {
			t.Errorf("ParseHash(%q): %v", name, err)
		}
	}
	if _, err := ParseHash("md5"); err == nil {
		t.Error("ParseHash(md5) should fail")
	}
	if s, err := ParseSignature("ecdsa"); err != nil || s != ECDSA {
		t.Errorf("ParseSignature(ecdsa) = %v, %v", s, err)
	}
	if _, err := ParseSignature("dsa"); err == nil {
		t.Error("ParseSignature(dsa) should fail")
	}
}
