package minitls

import (
	"bytes"
	"crypto/rand"
	"encoding/hex"
	"testing"

	"tlsengine/algo"
)

// TestTLS12PRF checks P_SHA256 against the published test vector and basic
// properties for SHA-384.
func TestTLS12PRF(t *testing.T) {
	t.Run("SHA-256 vector", func(t *testing.T) {
		secret, _ := hex.DecodeString("9bbe436ba940f017b17652849a71db35")
		seed, _ := hex.DecodeString("a0ba9f936cda311827a6f796ffd5198c")
		want, _ := hex.DecodeString("e3f229ba727be17b8d122620557cd453c2aab21d07c3d495329b52d4e61edb5a" +
			"6b301791e90d35c9c9a46b4e14baf9af0fa022f7077def17abfd3797c0564bab" +
			"4fbc91666e9def9b97fce34f796789baa48082d122ee42c5a72e5a5110fff701" +
			"87347b66")

		got := prf12(algo.SHA256, secret, "test label", seed, len(want))
		if !bytes.Equal(got, want) {
			t.Errorf("PRF output mismatch:\n got %x\nwant %x", got, want)
		}
	})

	testCases := []struct {
		name   string
		hash   algo.HashAlgorithm
		secret string
		label  string
		seed   string
		length int
	}{
		{
			name:   "SHA-256 key block",
			hash:   algo.SHA256,
			secret: "0123456789abcdef0123456789abcdef",
			label:  labelKeyExpansion,
			seed:   "fedcba9876543210fedcba9876543210",
			length: 104,
		},
		{
			name:   "SHA-384 master secret",
			hash:   algo.SHA384,
			secret: "0123456789abcdef0123456789abcdef0123456789abcdef0123456789abcdef",
			label:  labelMasterSecret,
			seed:   "fedcba9876543210fedcba9876543210fedcba9876543210fedcba9876543210",
			length: 48,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			secret, _ := hex.DecodeString(tc.secret)
			seed, _ := hex.DecodeString(tc.seed)

			result := prf12(tc.hash, secret, tc.label, seed, tc.length)
			if len(result) != tc.length {
				t.Errorf("Expected length %d, got %d", tc.length, len(result))
			}
			if !bytes.Equal(result, prf12(tc.hash, secret, tc.label, seed, tc.length)) {
				t.Error("PRF is not deterministic")
			}
			// A shorter request is a prefix of a longer one.
			if short := prf12(tc.hash, secret, tc.label, seed, 12); !bytes.Equal(short, result[:12]) {
				t.Error("PRF output is not prefix-consistent")
			}
			if bytes.Equal(result, prf12(tc.hash, secret, tc.label+"x", seed, tc.length)) {
				t.Error("label does not affect PRF output")
			}

			t.Logf("%s: generated %d bytes", tc.name, len(result))
		})
	}
}

func TestKeySchedule(t *testing.T) {
	for _, suite := range SupportedSuites() {
		t.Run(suite.Name, func(t *testing.T) {
			preMasterSecret := make([]byte, 48)
			clientRandom := make([]byte, 32)
			serverRandom := make([]byte, 32)
			rand.Read(preMasterSecret)
			rand.Read(clientRandom)
			rand.Read(serverRandom)

			ks := newKeySchedule(suite, clientRandom, serverRandom)
			if _, err := ks.deriveKeys(); err == nil {
				t.Error("deriveKeys succeeded before the master secret was derived")
			}

			ks.deriveMasterSecret(preMasterSecret)
			if len(ks.masterSecret) != masterSecretLen {
				t.Fatalf("Master secret length: got %d, want %d", len(ks.masterSecret), masterSecretLen)
			}

			keys, err := ks.deriveKeys()
			if err != nil {
				t.Fatalf("Failed to derive keys: %v", err)
			}
			if len(keys.clientKey) != suite.keyLen || len(keys.serverKey) != suite.keyLen {
				t.Errorf("key lengths %d/%d, want %d", len(keys.clientKey), len(keys.serverKey), suite.keyLen)
			}
			if len(keys.clientIV) != suite.ivLen || len(keys.serverIV) != suite.ivLen {
				t.Errorf("IV lengths %d/%d, want %d", len(keys.clientIV), len(keys.serverIV), suite.ivLen)
			}
			if len(keys.clientMAC) != suite.macLen || len(keys.serverMAC) != suite.macLen {
				t.Errorf("MAC key lengths %d/%d, want %d", len(keys.clientMAC), len(keys.serverMAC), suite.macLen)
			}
			if bytes.Equal(keys.clientKey, keys.serverKey) {
				t.Error("Client and server write keys are identical")
			}

			// The key block is laid out MACs, keys, IVs.
			seed := append(append([]byte(nil), serverRandom...), clientRandom...)
			block := prf12(suite.prfHash(), ks.masterSecret, labelKeyExpansion, seed, 2*(suite.macLen+suite.keyLen+suite.ivLen))
			if !bytes.Equal(block[2*suite.macLen:2*suite.macLen+suite.keyLen], keys.clientKey) {
				t.Error("client key is not taken after the MAC keys")
			}

			// Extended master secret differs from the classic one.
			classic := append([]byte(nil), ks.masterSecret...)
			ks.deriveExtendedMasterSecret(preMasterSecret, make([]byte, suite.prfHash().Size()))
			if bytes.Equal(classic, ks.masterSecret) {
				t.Error("extended master secret equals the classic master secret")
			}

			client := ks.finishedData(labelClientFinished, []byte("transcript"))
			server := ks.finishedData(labelServerFinished, []byte("transcript"))
			if len(client) != finishedLength || bytes.Equal(client, server) {
				t.Errorf("finished data: client %x server %x", client, server)
			}

			keys.zero()
			ks.zero()
			if !bytes.Equal(keys.clientKey, make([]byte, suite.keyLen)) || !bytes.Equal(ks.masterSecret, make([]byte, masterSecretLen)) {
				t.Error("zero() left key material behind")
			}
		})
	}
}
