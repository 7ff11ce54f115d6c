package minitls

import (
	"crypto/hmac"
	"fmt"
	"hash"

	"tlsengine/algo"
)

// TLS 1.2 PRF, RFC 5246 Section 5.

// pHash implements P_hash:
//
//	P_hash(secret, seed) = HMAC_hash(secret, A(1) + seed) +
//	                       HMAC_hash(secret, A(2) + seed) + ...
//
// where A(0) = seed and A(i) = HMAC_hash(secret, A(i-1)).
func pHash(hashFunc func() hash.Hash, secret, seed []byte, length int) []byte {
	h := hmac.New(hashFunc, secret)
	h.Write(seed)
	a := h.Sum(nil)

	result := make([]byte, 0, length)
	for len(result) < length {
		h.Reset()
		h.Write(a)
		h.Write(seed)
		b := h.Sum(nil)

		todo := min(len(b), length-len(result))
		result = append(result, b[:todo]...)

		h.Reset()
		h.Write(a)
		a = h.Sum(nil)
	}
	return result
}

// prf12 computes PRF(secret, label, seed) = P_<hash>(secret, label + seed).
func prf12(h algo.HashAlgorithm, secret []byte, label string, seed []byte, length int) []byte {
	labelSeed := make([]byte, len(label)+len(seed))
	copy(labelSeed, label)
	copy(labelSeed[len(label):], seed)
	return pHash(h.Func(), secret, labelSeed, length)
}

const (
	labelMasterSecret         = "master secret"
	labelExtendedMasterSecret = "extended master secret"
	labelKeyExpansion         = "key expansion"
	labelClientFinished       = "client finished"
	labelServerFinished       = "server finished"
)

// keySchedule holds the randoms and master secret of one handshake.
type keySchedule struct {
	suite        *CipherSuite
	clientRandom []byte
	serverRandom []byte
	masterSecret []byte
}

func newKeySchedule(suite *CipherSuite, clientRandom, serverRandom []byte) *keySchedule {
	return &keySchedule{
		suite:        suite,
		clientRandom: append([]byte(nil), clientRandom...),
		serverRandom: append([]byte(nil), serverRandom...),
	}
}

// deriveMasterSecret:
//
//	master_secret = PRF(pre_master_secret, "master secret", client_random + server_random)[0..47]
func (ks *keySchedule) deriveMasterSecret(preMasterSecret []byte) {
	seed := make([]byte, 0, len(ks.clientRandom)+len(ks.serverRandom))
	seed = append(seed, ks.clientRandom...)
	seed = append(seed, ks.serverRandom...)
	ks.masterSecret = prf12(ks.suite.prfHash(), preMasterSecret, labelMasterSecret, seed, masterSecretLen)
}

// deriveExtendedMasterSecret implements RFC 7627; sessionHash covers the
// transcript up to and including ClientKeyExchange.
func (ks *keySchedule) deriveExtendedMasterSecret(preMasterSecret, sessionHash []byte) {
	ks.masterSecret = prf12(ks.suite.prfHash(), preMasterSecret, labelExtendedMasterSecret, sessionHash, masterSecretLen)
}

// connectionKeys is the key block split per direction.
type connectionKeys struct {
	clientMAC, serverMAC []byte
	clientKey, serverKey []byte
	clientIV, serverIV   []byte
}

func (k *connectionKeys) zero() {
	for _, b := range [][]byte{k.clientMAC, k.serverMAC, k.clientKey, k.serverKey, k.clientIV, k.serverIV} {
		clear(b)
	}
}

// deriveKeys expands the master secret:
//
//	key_block = PRF(master_secret, "key expansion", server_random + client_random)
//
// and splits it into MAC keys, write keys and fixed IVs, in that order.
func (ks *keySchedule) deriveKeys() (*connectionKeys, error) {
	if ks.masterSecret == nil {
		return nil, fmt.Errorf("master secret not derived")
	}
	s := ks.suite
	seed := make([]byte, 0, len(ks.serverRandom)+len(ks.clientRandom))
	seed = append(seed, ks.serverRandom...)
	seed = append(seed, ks.clientRandom...)

	n := 2 * (s.macLen + s.keyLen + s.ivLen)
	block := prf12(s.prfHash(), ks.masterSecret, labelKeyExpansion, seed, n)

	next := func(l int) []byte {
		out := block[:l:l]
		block = block[l:]
		return out
	}
	return &connectionKeys{
		clientMAC: next(s.macLen),
		serverMAC: next(s.macLen),
		clientKey: next(s.keyLen),
		serverKey: next(s.keyLen),
		clientIV:  next(s.ivLen),
		serverIV:  next(s.ivLen),
	}, nil
}

// finishedData computes the 12-byte verify_data over a transcript hash.
func (ks *keySchedule) finishedData(label string, transcriptHash []byte) []byte {
	return prf12(ks.suite.prfHash(), ks.masterSecret, label, transcriptHash, finishedLength)
}

func (ks *keySchedule) zero() {
	clear(ks.masterSecret)
}
