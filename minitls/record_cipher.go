package minitls

import (
	"crypto/cipher"
	"crypto/hmac"
	"crypto/subtle"
	"encoding/binary"
	"fmt"
	"hash"
	"io"
)

// recordCipher protects the payload of one record in one direction. The
// sequence number is supplied by the owning halfConn.
type recordCipher interface {
	encrypt(seq uint64, typ recordType, vers uint16, plaintext []byte, rnd io.Reader) ([]byte, error)
	decrypt(seq uint64, typ recordType, vers uint16, payload []byte) ([]byte, error)
	zero()
}

// additionalData builds the MAC / AEAD input prefix of RFC 5246 6.2.3.3:
//
//	seq_num(8) + type(1) + version(2) + length(2)
func additionalData(seq uint64, typ recordType, vers uint16, length int) []byte {
	var ad [13]byte
	binary.BigEndian.PutUint64(ad[0:8], seq)
	ad[8] = byte(typ)
	binary.BigEndian.PutUint16(ad[9:11], vers)
	binary.BigEndian.PutUint16(ad[11:13], uint16(length))
	return ad[:]
}

func errBadRecordMAC() *Error {
	return cryptoError(alertBadRecordMAC, "record authentication failed")
}

// aeadCipher covers AES-GCM (RFC 5288: 4-byte implicit salt, 8-byte explicit
// nonce carried in the record) and ChaCha20-Poly1305 (RFC 7905: 12-byte IV
// XOR sequence number, nothing carried).
type aeadCipher struct {
	aead       cipher.AEAD
	key        []byte
	fixedNonce []byte
	xorNonce   bool
}

func newAEADCipher(aead cipher.AEAD, key, fixedNonce []byte, xorNonce bool) *aeadCipher {
	return &aeadCipher{
		aead:       aead,
		key:        append([]byte(nil), key...),
		fixedNonce: append([]byte(nil), fixedNonce...),
		xorNonce:   xorNonce,
	}
}

func (c *aeadCipher) explicitNonceLen() int {
	if c.xorNonce {
		return 0
	}
	return 8
}

func (c *aeadCipher) nonce(seq uint64, explicit []byte) []byte {
	nonce := make([]byte, c.aead.NonceSize())
	if c.xorNonce {
		copy(nonce, c.fixedNonce)
		for i := 0; i < 8; i++ {
			nonce[len(nonce)-1-i] ^= byte(seq >> (8 * i))
		}
		return nonce
	}
	copy(nonce, c.fixedNonce)
	copy(nonce[len(c.fixedNonce):], explicit)
	return nonce
}

func (c *aeadCipher) encrypt(seq uint64, typ recordType, vers uint16, plaintext []byte, _ io.Reader) ([]byte, error) {
	explicitLen := c.explicitNonceLen()
	out := make([]byte, explicitLen, explicitLen+len(plaintext)+c.aead.Overhead())
	if explicitLen > 0 {
		binary.BigEndian.PutUint64(out, seq)
	}
	nonce := c.nonce(seq, out[:explicitLen])
	ad := additionalData(seq, typ, vers, len(plaintext))
	return c.aead.Seal(out, nonce, plaintext, ad), nil
}

func (c *aeadCipher) decrypt(seq uint64, typ recordType, vers uint16, payload []byte) ([]byte, error) {
	explicitLen := c.explicitNonceLen()
	if len(payload) < explicitLen+c.aead.Overhead() {
		return nil, errBadRecordMAC()
	}
	nonce := c.nonce(seq, payload[:explicitLen])
	ciphertext := payload[explicitLen:]
	ad := additionalData(seq, typ, vers, len(ciphertext)-c.aead.Overhead())
	plaintext, err := c.aead.Open(nil, nonce, ciphertext, ad)
	if err != nil {
		return nil, errBadRecordMAC()
	}
	return plaintext, nil
}

// zero clears the key copies held here; the AEAD's expanded key schedule is
// unreachable once the cipher is dropped.
func (c *aeadCipher) zero() {
	clear(c.key)
	clear(c.fixedNonce)
}

// cbcCipher is MAC-then-encrypt with an explicit per-record IV (RFC 5246 6.2.3.2).
type cbcCipher struct {
	block  cipher.Block
	key    []byte
	macKey []byte
	mac    func() hash.Hash
	macLen int
}

func newCBCCipher(block cipher.Block, key, macKey []byte, macHash func() hash.Hash) *cbcCipher {
	c := &cbcCipher{
		block:  block,
		key:    append([]byte(nil), key...),
		macKey: append([]byte(nil), macKey...),
		macLen: macHash().Size(),
	}
	c.mac = func() hash.Hash { return hmac.New(macHash, c.macKey) }
	return c
}

func (c *cbcCipher) encrypt(seq uint64, typ recordType, vers uint16, plaintext []byte, rnd io.Reader) ([]byte, error) {
	m := c.mac()
	m.Write(additionalData(seq, typ, vers, len(plaintext)))
	m.Write(plaintext)
	tag := m.Sum(nil)

	bs := c.block.BlockSize()
	dataLen := len(plaintext) + len(tag)
	padLen := bs - dataLen%bs // includes the padding_length byte

	out := make([]byte, bs+dataLen+padLen)
	iv := out[:bs]
	if _, err := io.ReadFull(rnd, iv); err != nil {
		return nil, fmt.Errorf("failed to generate record IV: %w", err)
	}
	body := out[bs:]
	copy(body, plaintext)
	copy(body[len(plaintext):], tag)
	for i := dataLen; i < len(body); i++ {
		body[i] = byte(padLen - 1)
	}
	cipher.NewCBCEncrypter(c.block, iv).CryptBlocks(body, body)
	return out, nil
}

func (c *cbcCipher) decrypt(seq uint64, typ recordType, vers uint16, payload []byte) ([]byte, error) {
	bs := c.block.BlockSize()
	minBody := (c.macLen + 1 + bs - 1) / bs * bs
	if len(payload)%bs != 0 || len(payload) < bs+minBody {
		return nil, errBadRecordMAC()
	}

	iv := payload[:bs]
	data := make([]byte, len(payload)-bs)
	cipher.NewCBCDecrypter(c.block, iv).CryptBlocks(data, payload[bs:])

	toRemove, good := extractPadding(data)
	n := len(data) - toRemove - c.macLen
	if n < 0 {
		n = 0
		good = 0
	}

	m := c.mac()
	m.Write(additionalData(seq, typ, vers, n))
	m.Write(data[:n])
	expected := m.Sum(nil)
	remote := data[n : n+c.macLen]

	if subtle.ConstantTimeCompare(expected, remote)&good != 1 {
		return nil, errBadRecordMAC()
	}
	return data[:n], nil
}

// extractPadding checks the CBC padding in constant time with respect to its
// contents. It returns the number of trailing bytes to strip and 1 when the
// padding is well formed; on failure nothing is stripped and good is 0.
func extractPadding(data []byte) (toRemove, good int) {
	paddingLen := int(data[len(data)-1])
	good = subtle.ConstantTimeLessOrEq(paddingLen+1, len(data))

	toCheck := min(256, len(data))
	for i := 1; i <= toCheck; i++ {
		inPadding := subtle.ConstantTimeLessOrEq(i, paddingLen+1)
		matches := subtle.ConstantTimeByteEq(data[len(data)-i], byte(paddingLen))
		good &= matches | (inPadding ^ 1)
	}
	return subtle.ConstantTimeSelect(good, paddingLen+1, 0), good
}

func (c *cbcCipher) zero() {
	clear(c.key)
	clear(c.macKey)
}
