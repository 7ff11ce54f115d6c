package minitls

import (
	"encoding/binary"
	"errors"
	"io"
	"math"
	"net"
	"sync"
)

const (
	recordHeaderLen = 5
	maxPlaintext    = 16384
	maxCiphertext   = maxPlaintext + 2048
)

// halfConn is one direction of the record layer. Each direction has its own
// cipher and sequence number so a reader and a writer never contend.
type halfConn struct {
	sync.Mutex

	cipher recordCipher // nil until ChangeCipherSpec
	next   recordCipher // installed by the next ChangeCipherSpec
	seq    uint64
	err    error // sticky
}

func (hc *halfConn) prepareCipherSpec(c recordCipher) {
	hc.next = c
}

func (hc *halfConn) changeCipherSpec() error {
	if hc.next == nil {
		return protocolError(alertUnexpectedMessage, "ChangeCipherSpec before key exchange")
	}
	hc.cipher, hc.next = hc.next, nil
	hc.seq = 0
	return nil
}

func (hc *halfConn) nextSeq() (uint64, error) {
	if hc.seq == math.MaxUint64 {
		return 0, protocolError(alertInternalError, "sequence number exhausted")
	}
	s := hc.seq
	hc.seq++
	return s, nil
}

func (hc *halfConn) setErr(err error) error {
	if hc.err == nil {
		hc.err = err
	}
	return err
}

func (hc *halfConn) zero() {
	if hc.cipher != nil {
		hc.cipher.zero()
	}
	if hc.next != nil {
		hc.next.zero()
	}
}

// recordLayer frames records over raw. Reads are exact: the header first,
// then precisely the declared payload length, so no bytes past the current
// record are ever consumed from the transport.
type recordLayer struct {
	raw  net.Conn
	rand io.Reader
	in   halfConn
	out  halfConn

	// vers is the record version once ServerHello has been processed; before
	// that any 3.x record version is accepted.
	vers uint16
	hdr  [recordHeaderLen]byte
}

func (rl *recordLayer) writeVersion() uint16 {
	if rl.vers == 0 {
		return VersionTLS12
	}
	return rl.vers
}

// readRecord returns the next record with its payload decrypted. The caller
// owns rl.in.
func (rl *recordLayer) readRecord() (recordType, []byte, error) {
	if rl.in.err != nil {
		return 0, nil, rl.in.err
	}

	if _, err := io.ReadFull(rl.raw, rl.hdr[:]); err != nil {
		return 0, nil, rl.in.setErr(transportError(err))
	}

	typ := recordType(rl.hdr[0])
	vers := binary.BigEndian.Uint16(rl.hdr[1:3])
	n := int(binary.BigEndian.Uint16(rl.hdr[3:5]))

	switch typ {
	case recordTypeChangeCipherSpec, recordTypeAlert, recordTypeHandshake, recordTypeApplicationData:
	default:
		return 0, nil, rl.in.setErr(protocolError(alertUnexpectedMessage, "unknown record type %d", typ))
	}
	if vers>>8 != 3 || (rl.vers != 0 && vers != rl.vers) {
		return 0, nil, rl.in.setErr(protocolError(alertProtocolVersion, "unexpected record version 0x%04x", vers))
	}
	limit := maxPlaintext
	if rl.in.cipher != nil {
		limit = maxCiphertext
	}
	if n > limit {
		return 0, nil, rl.in.setErr(protocolError(alertRecordOverflow, "record of %d bytes exceeds %d", n, limit))
	}

	payload := make([]byte, n)
	if _, err := io.ReadFull(rl.raw, payload); err != nil {
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return 0, nil, rl.in.setErr(transportError(err))
	}

	if rl.in.cipher == nil {
		return typ, payload, nil
	}

	seq, err := rl.in.nextSeq()
	if err != nil {
		return 0, nil, rl.in.setErr(err)
	}
	plaintext, err := rl.in.cipher.decrypt(seq, typ, vers, payload)
	if err != nil {
		return 0, nil, rl.in.setErr(err)
	}
	if len(plaintext) > maxPlaintext {
		return 0, nil, rl.in.setErr(protocolError(alertRecordOverflow, "decrypted record of %d bytes", len(plaintext)))
	}
	return typ, plaintext, nil
}

// writeRecord sends data as one or more records of at most maxPlaintext
// bytes each. The caller owns rl.out.
func (rl *recordLayer) writeRecord(typ recordType, data []byte) (int, error) {
	if rl.out.err != nil {
		return 0, rl.out.err
	}

	written := 0
	for {
		chunk := data[:min(len(data), maxPlaintext)]
		if err := rl.writeFragment(typ, chunk); err != nil {
			return written, rl.out.setErr(err)
		}
		written += len(chunk)
		data = data[len(chunk):]
		if len(data) == 0 {
			return written, nil
		}
	}
}

func (rl *recordLayer) writeFragment(typ recordType, fragment []byte) error {
	vers := rl.writeVersion()
	payload := fragment
	if rl.out.cipher != nil {
		seq, err := rl.out.nextSeq()
		if err != nil {
			return err
		}
		payload, err = rl.out.cipher.encrypt(seq, typ, vers, fragment, rl.rand)
		if err != nil {
			return err
		}
	}

	buf := make([]byte, recordHeaderLen+len(payload))
	buf[0] = byte(typ)
	binary.BigEndian.PutUint16(buf[1:3], vers)
	binary.BigEndian.PutUint16(buf[3:5], uint16(len(payload)))
	copy(buf[recordHeaderLen:], payload)

	if _, err := rl.raw.Write(buf); err != nil {
		return transportError(err)
	}
	return nil
}

// sendAlert writes an alert record. Fatal alerts poison the write side.
func (rl *recordLayer) sendAlert(a Alert, level uint8) error {
	if rl.out.err != nil {
		return rl.out.err
	}
	err := rl.writeFragment(recordTypeAlert, []byte{level, byte(a)})
	if level == alertLevelFatal && err == nil {
		rl.out.setErr(&Error{Kind: KindProtocol, Alert: a, Err: errors.New("local error: " + a.String())})
	}
	return err
}
