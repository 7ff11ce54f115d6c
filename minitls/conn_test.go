package minitls

import (
	"bytes"
	"crypto/rand"
	"errors"
	"io"
	"net"
	"testing"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap/zaptest"
)

// establishedPair wires a client Conn to a bare server record layer over
// net.Pipe with matching keys, as if a handshake had just completed.
func establishedPair(t *testing.T, suite *CipherSuite) (*Conn, *recordLayer) {
	t.Helper()
	clientRaw, serverRaw := net.Pipe()
	t.Cleanup(func() {
		clientRaw.Close()
		serverRaw.Close()
	})

	clientRandom := make([]byte, 32)
	serverRandom := make([]byte, 32)
	preMaster := make([]byte, 48)
	rand.Read(clientRandom)
	rand.Read(serverRandom)
	rand.Read(preMaster)
	ks := newKeySchedule(suite, clientRandom, serverRandom)
	ks.deriveMasterSecret(preMaster)
	keys, err := ks.deriveKeys()
	if err != nil {
		t.Fatal(err)
	}
	newCipher := func(key, iv, mac []byte) recordCipher {
		c, err := suite.newCipher(key, iv, mac)
		if err != nil {
			t.Fatal(err)
		}
		return c
	}

	c := Client(clientRaw, &Config{TrustEvaluator: AcceptAnyEvaluator{}, Logger: zaptest.NewLogger(t)})
	c.handshakeStarted.Store(true)
	c.session = &HandshakeSession{
		ID:           uuid.New(),
		Version:      VersionTLS12,
		CipherSuite:  suite,
		masterSecret: ks.masterSecret,
		keys:         keys,
	}
	close(c.handshakeDone)
	c.rl.vers = VersionTLS12
	c.rl.out.cipher = newCipher(keys.clientKey, keys.clientIV, keys.clientMAC)
	c.rl.in.cipher = newCipher(keys.serverKey, keys.serverIV, keys.serverMAC)

	server := &recordLayer{raw: serverRaw, rand: rand.Reader, vers: VersionTLS12}
	server.out.cipher = newCipher(keys.serverKey, keys.serverIV, keys.serverMAC)
	server.in.cipher = newCipher(keys.clientKey, keys.clientIV, keys.clientMAC)
	return c, server
}

// serverRead collects records the client sends until it closes.
func serverRead(server *recordLayer) <-chan []recordOf {
	out := make(chan []recordOf, 1)
	go func() {
		var recs []recordOf
		for {
			typ, data, err := server.readRecord()
			if err != nil {
				out <- recs
				return
			}
			recs = append(recs, recordOf{typ, data})
		}
	}()
	return out
}

type recordOf struct {
	typ  recordType
	data []byte
}

func TestConnApplicationData(t *testing.T) {
	for _, suite := range SupportedSuites() {
		t.Run(suite.Name, func(t *testing.T) {
			c, server := establishedPair(t, suite)
			received := serverRead(server)

			big := make([]byte, 3*maxPlaintext+10)
			rand.Read(big)
			if n, err := c.Write(big); err != nil || n != len(big) {
				t.Fatalf("Write = %d, %v", n, err)
			}

			go func() {
				server.writeRecord(recordTypeApplicationData, []byte("pong"))
				server.writeRecord(recordTypeApplicationData, nil)
				server.writeRecord(recordTypeApplicationData, []byte("!"))
			}()
			got := make([]byte, 0, 5)
			buf := make([]byte, 2)
			for len(got) < 5 {
				n, err := c.Read(buf)
				if err != nil {
					t.Fatalf("Read failed: %v", err)
				}
				got = append(got, buf[:n]...)
			}
			if string(got) != "pong!" {
				t.Errorf("Read %q, want pong!", got)
			}

			if err := c.Close(); err != nil {
				t.Errorf("Close failed: %v", err)
			}
			recs := <-received
			var data []byte
			for _, r := range recs[:len(recs)-1] {
				if r.typ != recordTypeApplicationData {
					t.Fatalf("record type %s, want application_data", r.typ)
				}
				data = append(data, r.data...)
			}
			if len(recs) != 5 {
				t.Errorf("server received %d records, want 4 data records and close_notify", len(recs))
			}
			if !bytes.Equal(data, big) {
				t.Error("fragmented write was not reassembled")
			}
			last := recs[len(recs)-1]
			if last.typ != recordTypeAlert || !bytes.Equal(last.data, []byte{alertLevelWarning, byte(alertCloseNotify)}) {
				t.Errorf("last record = %s %x, want close_notify", last.typ, last.data)
			}
		})
	}
}

func TestConnCloseNotify(t *testing.T) {
	c, server := establishedPair(t, SupportedSuites()[0])
	go server.sendAlert(alertCloseNotify, alertLevelWarning)

	if _, err := c.Read(make([]byte, 10)); err != io.EOF {
		t.Fatalf("Read after close_notify = %v, want io.EOF", err)
	}
	if _, err := c.Read(make([]byte, 10)); err != io.EOF {
		t.Errorf("second Read = %v, want io.EOF", err)
	}
}

func TestConnFatalAlert(t *testing.T) {
	c, server := establishedPair(t, SupportedSuites()[0])
	go server.sendAlert(alertBadRecordMAC, alertLevelFatal)

	_, err := c.Read(make([]byte, 10))
	var remote *RemoteAlertError
	if !errors.As(err, &remote) || remote.Alert != alertBadRecordMAC {
		t.Fatalf("Read error = %v, want remote bad_record_mac", err)
	}
	if !IsCryptoError(err) {
		t.Errorf("remote bad_record_mac kind = %s, want crypto", ErrorKindOf(err))
	}
	if _, err := c.Write([]byte("x")); !errors.Is(err, net.ErrClosed) {
		t.Errorf("Write after fatal alert = %v, want net.ErrClosed", err)
	}
}

// tamperConn flips the last byte of every write that match accepts, or of
// every write when match is nil.
type tamperConn struct {
	net.Conn
	match func([]byte) bool
}

func (c *tamperConn) Write(b []byte) (int, error) {
	if len(b) > 0 && (c.match == nil || c.match(b)) {
		b = bytes.Clone(b)
		b[len(b)-1] ^= 0xff
	}
	return c.Conn.Write(b)
}

// TestConnRecordFailureTearsDown checks that a bad record after the
// handshake sends a fatal alert and fails both directions.
func TestConnRecordFailureTearsDown(t *testing.T) {
	testCases := []struct {
		name  string
		send  func(server *recordLayer)
		kind  ErrorKind
		alert Alert
	}{
		{
			name: "bad record mac",
			send: func(server *recordLayer) {
				raw := server.raw
				server.raw = &tamperConn{Conn: raw}
				server.writeRecord(recordTypeApplicationData, []byte("tampered"))
				server.raw = raw
			},
			kind:  KindCrypto,
			alert: alertBadRecordMAC,
		},
		{
			name: "unknown record type",
			send: func(server *recordLayer) {
				server.raw.Write([]byte{99, 3, 3, 0, 0})
			},
			kind:  KindProtocol,
			alert: alertUnexpectedMessage,
		},
		{
			name: "version change",
			send: func(server *recordLayer) {
				server.raw.Write([]byte{byte(recordTypeApplicationData), 3, 1, 0, 0})
			},
			kind:  KindProtocol,
			alert: alertProtocolVersion,
		},
		{
			name: "record overflow",
			send: func(server *recordLayer) {
				server.raw.Write([]byte{byte(recordTypeApplicationData), 3, 3, 0xff, 0xff})
			},
			kind:  KindProtocol,
			alert: alertRecordOverflow,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			c, server := establishedPair(t, SupportedSuites()[0])

			received := make(chan []recordOf, 1)
			go func() {
				tc.send(server)
				var recs []recordOf
				for {
					typ, data, err := server.readRecord()
					if err != nil {
						received <- recs
						return
					}
					recs = append(recs, recordOf{typ, data})
				}
			}()

			_, err := c.Read(make([]byte, 10))
			if ErrorKindOf(err) != tc.kind {
				t.Fatalf("Read error = %v, want kind %s", err, tc.kind)
			}
			var e *Error
			if !errors.As(err, &e) || e.Alert != tc.alert || e.State != StateEstablished {
				t.Errorf("Read error = %v, want %s in Established", err, tc.alert)
			}

			if n, err := c.Write([]byte("still writing")); err == nil {
				t.Errorf("Write after record failure wrote %d bytes", n)
			}
			if _, err := c.Read(make([]byte, 1)); err != e {
				t.Errorf("second Read = %v, want the same failure", err)
			}

			select {
			case recs := <-received:
				if len(recs) != 1 || recs[0].typ != recordTypeAlert ||
					!bytes.Equal(recs[0].data, []byte{alertLevelFatal, byte(tc.alert)}) {
					t.Errorf("server received %v, want only a fatal %s alert", recs, tc.alert)
				}
			case <-time.After(5 * time.Second):
				t.Fatal("transport was not closed")
			}
		})
	}
}

// TestConnRenegotiation checks that a HelloRequest after the handshake kills
// the connection with no_renegotiation.
func TestConnRenegotiation(t *testing.T) {
	c, server := establishedPair(t, SupportedSuites()[1])

	alerts := make(chan recordOf, 1)
	go func() {
		server.writeRecord(recordTypeHandshake, []byte{byte(typeHelloRequest), 0, 0, 0})
		typ, data, _ := server.readRecord()
		alerts <- recordOf{typ, data}
	}()

	_, err := c.Read(make([]byte, 10))
	if !IsProtocolError(err) {
		t.Fatalf("Read error = %v, want protocol error", err)
	}
	var e *Error
	errors.As(err, &e)
	if e.Alert != alertNoRenegotiation || e.State != StateEstablished {
		t.Errorf("error alert %s state %s, want no_renegotiation in Established", e.Alert, e.State)
	}

	select {
	case rec := <-alerts:
		if rec.typ != recordTypeAlert || !bytes.Equal(rec.data, []byte{alertLevelFatal, byte(alertNoRenegotiation)}) {
			t.Errorf("server received %s %x, want fatal no_renegotiation", rec.typ, rec.data)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no alert sent")
	}

	// Both directions are now poisoned.
	if _, err := c.Read(make([]byte, 1)); !IsProtocolError(err) {
		t.Errorf("Read after failure = %v", err)
	}
	if _, err := c.Write([]byte("x")); err == nil {
		t.Error("Write after fatal alert succeeded")
	}
}

func TestConnTooManyEmptyRecords(t *testing.T) {
	c, server := establishedPair(t, SupportedSuites()[2])
	go func() {
		for i := 0; i <= maxEmptyRecords; i++ {
			if _, err := server.writeRecord(recordTypeApplicationData, nil); err != nil {
				return
			}
		}
		server.readRecord()
	}()

	if _, err := c.Read(make([]byte, 1)); !IsProtocolError(err) {
		t.Errorf("Read error = %v, want protocol error", err)
	}
}

func TestConnCloseZeroesKeys(t *testing.T) {
	suite := SupportedSuites()[0]
	c, server := establishedPair(t, suite)
	received := serverRead(server)

	out := c.rl.out.cipher.(*aeadCipher)
	in := c.rl.in.cipher.(*aeadCipher)
	keys := c.session.keys

	if err := c.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	<-received
	if err := c.Close(); err != nil {
		t.Errorf("second Close returned %v", err)
	}

	zero := make([]byte, suite.keyLen)
	if !bytes.Equal(out.key, zero) || !bytes.Equal(in.key, zero) {
		t.Error("record keys survived Close")
	}
	if !bytes.Equal(keys.clientKey, zero) || !bytes.Equal(keys.serverKey, zero) {
		t.Error("session keys survived Close")
	}
	if !bytes.Equal(c.session.masterSecret, make([]byte, masterSecretLen)) {
		t.Error("master secret survived Close")
	}
	if _, err := c.Write([]byte("late")); !errors.Is(err, net.ErrClosed) {
		t.Errorf("Write after Close = %v, want net.ErrClosed", err)
	}
}

func TestSessionBeforeHandshake(t *testing.T) {
	client, server := net.Pipe()
	defer server.Close()
	c := Client(client, &Config{TrustEvaluator: AcceptAnyEvaluator{}})
	if c.Session() != nil {
		t.Error("Session() is not nil before the handshake")
	}
	if err := c.Close(); err != nil {
		t.Errorf("Close before handshake failed: %v", err)
	}
}
