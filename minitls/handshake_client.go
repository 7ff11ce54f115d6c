package minitls

import (
	"context"
	"crypto/ecdsa"
	"crypto/rsa"
	"crypto/subtle"
	"crypto/x509"
	"errors"
	"fmt"
	"io"

	"go.uber.org/zap"

	"tlsengine/algo"
	"tlsengine/keystore"
)

// HandshakeState is the position of a client handshake.
type HandshakeState int

const (
	StateStart HandshakeState = iota + 1
	StateClientHelloSent
	StateAwaitingServerHello
	StateAwaitingCertificate
	StateAwaitingServerKeyExchangeOrDone
	StateAwaitingClientCertificateRequest
	StateClientKeyExchangeSent
	StateChangeCipherSpecSent
	StateFinishedSent
	StateAwaitingServerFinished
	StateEstablished
	StateFailed
)

func (s HandshakeState) String() string {
	switch s {
	case StateStart:
		return "Start"
	case StateClientHelloSent:
		return "ClientHelloSent"
	case StateAwaitingServerHello:
		return "AwaitingServerHello"
	case StateAwaitingCertificate:
		return "AwaitingCertificate"
	case StateAwaitingServerKeyExchangeOrDone:
		return "AwaitingServerKeyExchangeOrDone"
	case StateAwaitingClientCertificateRequest:
		return "AwaitingClientCertificateRequest"
	case StateClientKeyExchangeSent:
		return "ClientKeyExchangeSent"
	case StateChangeCipherSpecSent:
		return "ChangeCipherSpecSent"
	case StateFinishedSent:
		return "FinishedSent"
	case StateAwaitingServerFinished:
		return "AwaitingServerFinished"
	case StateEstablished:
		return "Established"
	case StateFailed:
		return "Failed"
	}
	return fmt.Sprintf("HandshakeState(%d)", int(s))
}

// clientHandshake holds everything a single handshake flow owns. Nothing in
// it is shared with other goroutines until the handshake completes.
type clientHandshake struct {
	ctx     context.Context
	cfg     *Config
	rl      *recordLayer
	logger  *zap.Logger
	session *HandshakeSession
	state   HandshakeState

	hello       *clientHelloMsg
	serverHello *serverHelloMsg
	suite       *CipherSuite
	ks          *keySchedule

	// transcript is every handshake message sent or received, headers
	// included, in wire order.
	transcript []byte
	// pending holds handshake bytes read from records but not yet returned
	// as a complete message. A message may span records and a record may
	// carry several messages; ChangeCipherSpec is only legal when it is empty.
	pending []byte

	peerCerts  []*x509.Certificate
	ecdhe      *ecdheParameters
	certReq    *certificateRequestMsg
	clientCert *keystore.Entry
	certScheme SignatureScheme
}

// execute runs fn through the configured Executor. fn writes only to its own
// result; the caller sees it once Execute has returned successfully.
func execute[T any](ctx context.Context, ex Executor, fn func() (T, error)) (T, error) {
	var out T
	err := ex.Execute(ctx, func() error {
		v, err := fn()
		if err == nil {
			out = v
		}
		return err
	})
	if err != nil {
		var zero T
		return zero, err
	}
	return out, nil
}

func (hs *clientHandshake) setState(s HandshakeState) {
	hs.state = s
	hs.logger.Debug("Handshake state",
		zap.String("session_id", hs.session.ID.String()),
		zap.Stringer("state", s))
}

func (hs *clientHandshake) run() error {
	hs.setState(StateStart)
	if err := hs.sendClientHello(); err != nil {
		return err
	}
	if err := hs.readServerHello(); err != nil {
		return err
	}
	if err := hs.readServerCertificate(); err != nil {
		return err
	}
	if err := hs.readServerFlight(); err != nil {
		return err
	}
	if err := hs.sendClientFlight(); err != nil {
		return err
	}
	if err := hs.readServerFinished(); err != nil {
		return err
	}
	hs.setState(StateEstablished)
	return nil
}

func (hs *clientHandshake) sendClientHello() error {
	random := make([]byte, randomLength)
	if _, err := io.ReadFull(hs.cfg.Rand, random); err != nil {
		return cryptoError(alertInternalError, "failed to generate client random: %w", err)
	}

	hs.hello = &clientHelloMsg{
		vers:                         VersionTLS12,
		random:                       random,
		cipherSuites:                 suiteIDs(hs.cfg.CipherSuites),
		compressionMethods:           []uint8{compressionNone},
		supportedCurves:              defaultCurvePreferences,
		supportedPoints:              []uint8{pointFormatUncompressed},
		supportedSignatureAlgorithms: supportedSignatureAlgorithms,
		extendedMasterSecret:         true,
		secureRenegotiationSupported: true,
		alpnProtocols:                hs.cfg.NextProtos,
	}
	if hs.cfg.ServerName != "" && !serverNameIsIP(hs.cfg.ServerName) {
		hs.hello.serverName = hs.cfg.ServerName
	}

	msg, err := hs.hello.marshal()
	if err != nil {
		return configurationError("failed to encode ClientHello: %w", err)
	}
	if err := hs.writeHandshake(msg); err != nil {
		return err
	}
	hs.setState(StateClientHelloSent)
	hs.setState(StateAwaitingServerHello)
	return nil
}

func (hs *clientHandshake) readServerHello() error {
	msg, err := hs.readHandshake(typeServerHello)
	if err != nil {
		return err
	}
	sh := &serverHelloMsg{}
	if !sh.unmarshal(msg) {
		return protocolError(alertDecodeError, "malformed ServerHello")
	}
	if sh.vers != VersionTLS12 {
		return protocolError(alertProtocolVersion, "server selected unsupported version 0x%04x", sh.vers)
	}
	if sh.compressionMethod != compressionNone {
		return protocolError(alertIllegalParameter, "server selected compression method %d", sh.compressionMethod)
	}
	suite, err := Negotiate(hs.cfg.CipherSuites, sh.cipherSuite)
	if err != nil {
		return err
	}

	offered := hs.hello.offeredExtensions()
	for _, ext := range sh.extensions {
		if !offered[ext] {
			return protocolError(alertUnsupportedExtension, "server sent unoffered extension %d", ext)
		}
	}
	if sh.secureRenegotiationSupported && len(sh.secureRenegotiation) != 0 {
		return protocolError(alertHandshakeFailure, "initial handshake had non-empty renegotiation extension")
	}
	if sh.alpnProtocol != "" {
		found := false
		for _, p := range hs.cfg.NextProtos {
			if p == sh.alpnProtocol {
				found = true
				break
			}
		}
		if !found {
			return protocolError(alertIllegalParameter, "server selected unoffered ALPN protocol %q", sh.alpnProtocol)
		}
	}
	if len(sh.supportedPoints) > 0 {
		uncompressed := false
		for _, p := range sh.supportedPoints {
			if p == pointFormatUncompressed {
				uncompressed = true
			}
		}
		if !uncompressed {
			return protocolError(alertIllegalParameter, "server does not support uncompressed EC points")
		}
	}

	hs.serverHello = sh
	hs.suite = suite
	hs.rl.vers = sh.vers
	hs.ks = newKeySchedule(suite, hs.hello.random, sh.random)
	hs.session.Version = sh.vers
	hs.session.CipherSuite = suite
	hs.session.ExtendedMasterSecret = sh.extendedMasterSecret
	hs.session.NegotiatedProtocol = sh.alpnProtocol

	hs.logger.Debug("Received ServerHello",
		zap.String("session_id", hs.session.ID.String()),
		zap.String("cipher_suite", suite.Name),
		zap.Bool("extended_master_secret", sh.extendedMasterSecret))
	hs.setState(StateAwaitingCertificate)
	return nil
}

func (hs *clientHandshake) readServerCertificate() error {
	msg, err := hs.readHandshake(typeCertificate)
	if err != nil {
		return err
	}
	cm := &certificateMsg{}
	if !cm.unmarshal(msg) {
		return protocolError(alertDecodeError, "malformed Certificate")
	}
	if len(cm.certificates) == 0 {
		return authenticationError(alertBadCertificate, "server sent no certificates")
	}

	chain := make([]*x509.Certificate, len(cm.certificates))
	for i, der := range cm.certificates {
		cert, err := x509.ParseCertificate(der)
		if err != nil {
			return authenticationError(alertBadCertificate, "failed to parse certificate %d: %w", i, err)
		}
		chain[i] = cert
	}
	if err := checkLeafKey(hs.suite, chain[0]); err != nil {
		return err
	}

	serverName := hs.cfg.ServerName
	trust := hs.cfg.TrustEvaluator
	identity, err := execute(hs.ctx, hs.cfg.Executor, func() (*VerifiedIdentity, error) {
		return trust.Verify(chain, serverName)
	})
	if err != nil {
		if hs.ctx.Err() != nil {
			return err
		}
		var certErr *CertificateError
		if errors.As(err, &certErr) {
			return &Error{Kind: KindAuthentication, Alert: certErr.AlertDescription(), Err: err}
		}
		return &Error{Kind: KindAuthentication, Alert: alertBadCertificate, Err: err}
	}

	hs.peerCerts = chain
	hs.session.PeerCertificates = chain
	hs.session.Identity = identity
	hs.logger.Debug("Server certificate accepted",
		zap.String("session_id", hs.session.ID.String()),
		zap.String("subject", chain[0].Subject.String()),
		zap.Int("chain_length", len(chain)))
	hs.setState(StateAwaitingServerKeyExchangeOrDone)
	return nil
}

// checkLeafKey enforces the suite's authentication algorithm and minimum key
// size on the server's leaf.
func checkLeafKey(suite *CipherSuite, leaf *x509.Certificate) error {
	var (
		sig  algo.SignatureAlgorithm
		size int
	)
	switch k := leaf.PublicKey.(type) {
	case *rsa.PublicKey:
		sig, size = algo.RSA, k.N.BitLen()
	case *ecdsa.PublicKey:
		sig, size = algo.ECDSA, k.Curve.Params().BitSize
	default:
		return &Error{Kind: KindAuthentication, Alert: alertUnsupportedCertificate, Err: &CertificateError{
			Type:    CertErrorKeyMismatch,
			Message: fmt.Sprintf("unsupported certificate key type %T", leaf.PublicKey),
		}}
	}
	if sig != suite.Signature {
		return &Error{Kind: KindAuthentication, Alert: alertUnsupportedCertificate, Err: &CertificateError{
			Type:    CertErrorKeyMismatch,
			Message: fmt.Sprintf("%s certificate cannot authenticate %s", sig, suite.Name),
		}}
	}
	if size < suite.MinKeySize {
		return &Error{Kind: KindAuthentication, Alert: alertInsufficientSecurity, Err: &CertificateError{
			Type:    CertErrorKeyMismatch,
			Message: fmt.Sprintf("%d-bit %s key is below the %d-bit minimum of %s", size, sig, suite.MinKeySize, suite.Name),
		}}
	}
	return nil
}

// readServerFlight consumes [ServerKeyExchange] [CertificateRequest] ServerHelloDone.
func (hs *clientHandshake) readServerFlight() error {
	for {
		msg, err := hs.readHandshake(0)
		if err != nil {
			return err
		}
		switch HandshakeType(msg[0]) {
		case typeServerKeyExchange:
			if hs.suite.KeyExchange != KeyExchangeECDHE || hs.state != StateAwaitingServerKeyExchangeOrDone {
				return protocolError(alertUnexpectedMessage, "unexpected ServerKeyExchange")
			}
			if err := hs.processServerKeyExchange(msg); err != nil {
				return err
			}
			hs.setState(StateAwaitingClientCertificateRequest)

		case typeCertificateRequest:
			if hs.certReq != nil {
				return protocolError(alertUnexpectedMessage, "duplicate CertificateRequest")
			}
			if err := hs.needServerKeyExchange(); err != nil {
				return err
			}
			cr := &certificateRequestMsg{}
			if !cr.unmarshal(msg) {
				return protocolError(alertDecodeError, "malformed CertificateRequest")
			}
			hs.certReq = cr
			hs.logger.Debug("Received CertificateRequest",
				zap.String("session_id", hs.session.ID.String()),
				zap.Binary("certificate_types", cr.certificateTypes),
				zap.Int("authorities", len(cr.certificateAuthorities)))
			hs.setState(StateAwaitingClientCertificateRequest)

		case typeServerHelloDone:
			if err := hs.needServerKeyExchange(); err != nil {
				return err
			}
			if !(&serverHelloDoneMsg{}).unmarshal(msg) {
				return protocolError(alertDecodeError, "malformed ServerHelloDone")
			}
			return nil

		default:
			return protocolError(alertUnexpectedMessage, "unexpected %s", HandshakeType(msg[0]))
		}
	}
}

func (hs *clientHandshake) needServerKeyExchange() error {
	if hs.suite.KeyExchange == KeyExchangeECDHE && hs.ecdhe == nil {
		return protocolError(alertUnexpectedMessage, "missing ServerKeyExchange for %s", hs.suite.Name)
	}
	return nil
}

func (hs *clientHandshake) processServerKeyExchange(msg []byte) error {
	skx := &serverKeyExchangeMsg{}
	if !skx.unmarshal(msg) {
		return protocolError(alertDecodeError, "malformed ServerKeyExchange")
	}
	params, err := parseECDHEParameters(skx.key)
	if err != nil {
		return err
	}

	signed := make([]byte, 0, 2*randomLength+len(params.params))
	signed = append(signed, hs.hello.random...)
	signed = append(signed, hs.serverHello.random...)
	signed = append(signed, params.params...)
	pub := hs.peerCerts[0].PublicKey

	_, err = execute(hs.ctx, hs.cfg.Executor, func() (struct{}, error) {
		return struct{}{}, verifyHandshakeSignature(pub, params.scheme, signed, params.signature)
	})
	if err != nil {
		return err
	}
	hs.ecdhe = params
	return nil
}

// selectClientCertificate picks the first configured entry that can answer
// the server's CertificateRequest, or nil.
func (hs *clientHandshake) selectClientCertificate() (*keystore.Entry, SignatureScheme, error) {
	var wanted []algo.SignatureAlgorithm
	for _, code := range hs.certReq.certificateTypes {
		t, err := ClientCertificateTypeByCode(code)
		if err != nil {
			hs.logger.Warn("Ignoring unknown client certificate type",
				zap.String("session_id", hs.session.ID.String()),
				zap.Uint8("code", code))
			continue
		}
		if sig, ok := t.signature(); ok {
			wanted = append(wanted, sig)
		}
	}

	var scheme SignatureScheme
	answers := func(e *keystore.Entry) bool {
		for _, sig := range wanted {
			if e.Signature != sig {
				continue
			}
			if s, ok := clientSignatureScheme(sig, e.KeySize, hs.certReq.supportedSignatureAlgorithms); ok {
				scheme = s
				return true
			}
		}
		return false
	}
	entry, err := keystore.FirstMatching(hs.cfg.ClientCertificates,
		keystore.And(keystore.IsX509Certificate, keystore.HasPrivateKey, answers))
	if err != nil {
		if hs.cfg.RequireClientCertificate {
			return nil, 0, configurationError("no client certificate matches the server's request")
		}
		return nil, 0, nil
	}
	return entry, scheme, nil
}

// keyExchangeResult is what the key exchange step hands back to the flow.
type keyExchangeResult struct {
	ckx       []byte
	schedule  *keySchedule
	keys      *connectionKeys
	client    recordCipher
	server    recordCipher
	preMaster []byte
}

func (hs *clientHandshake) sendClientFlight() error {
	if hs.certReq != nil {
		entry, scheme, err := hs.selectClientCertificate()
		if err != nil {
			return err
		}
		hs.clientCert, hs.certScheme = entry, scheme

		cm := &certificateMsg{}
		if entry != nil {
			cm.certificates = entry.ChainDER()
			hs.session.ClientCertificateAlias = entry.Alias
		}
		msg, err := cm.marshal()
		if err != nil {
			return configurationError("failed to encode Certificate: %w", err)
		}
		if err := hs.writeHandshake(msg); err != nil {
			return err
		}
		hs.logger.Debug("Sent client certificate",
			zap.String("session_id", hs.session.ID.String()),
			zap.String("alias", hs.session.ClientCertificateAlias))
	}

	rnd := hs.cfg.Rand
	suite := hs.suite
	ecdhe := hs.ecdhe
	curves := hs.hello.supportedCurves
	pub := hs.peerCerts[0].PublicKey
	kx, err := execute(hs.ctx, hs.cfg.Executor, func() (*keyExchangeResult, error) {
		var (
			preMaster, ckx []byte
			err            error
		)
		if suite.KeyExchange == KeyExchangeECDHE {
			preMaster, ckx, err = ecdheKeyAgreement(rnd, ecdhe, curves)
		} else {
			preMaster, ckx, err = rsaKeyAgreement(rnd, pub)
		}
		if err != nil {
			return nil, err
		}
		return &keyExchangeResult{ckx: ckx, preMaster: preMaster}, nil
	})
	if err != nil {
		return err
	}
	defer clear(kx.preMaster)

	ckxMsg, err := (&clientKeyExchangeMsg{ciphertext: kx.ckx}).marshal()
	if err != nil {
		return configurationError("failed to encode ClientKeyExchange: %w", err)
	}
	if err := hs.writeHandshake(ckxMsg); err != nil {
		return err
	}
	hs.setState(StateClientKeyExchangeSent)

	ems := hs.serverHello.extendedMasterSecret
	base := *hs.ks
	sessionHash := hs.transcriptHash()
	derived, err := execute(hs.ctx, hs.cfg.Executor, func() (*keyExchangeResult, error) {
		ks := base
		if ems {
			ks.deriveExtendedMasterSecret(kx.preMaster, sessionHash)
		} else {
			ks.deriveMasterSecret(kx.preMaster)
		}
		keys, err := ks.deriveKeys()
		if err != nil {
			return nil, err
		}
		client, err := suite.newCipher(keys.clientKey, keys.clientIV, keys.clientMAC)
		if err != nil {
			return nil, err
		}
		server, err := suite.newCipher(keys.serverKey, keys.serverIV, keys.serverMAC)
		if err != nil {
			return nil, err
		}
		return &keyExchangeResult{schedule: &ks, keys: keys, client: client, server: server}, nil
	})
	if err != nil {
		return err
	}
	hs.ks = derived.schedule
	hs.session.masterSecret = derived.schedule.masterSecret
	hs.session.keys = derived.keys

	if hs.clientCert != nil {
		if err := hs.sendCertificateVerify(); err != nil {
			return err
		}
	}

	hs.rl.out.prepareCipherSpec(derived.client)
	hs.rl.in.prepareCipherSpec(derived.server)

	if _, err := hs.rl.writeRecord(recordTypeChangeCipherSpec, []byte{1}); err != nil {
		return err
	}
	if err := hs.rl.out.changeCipherSpec(); err != nil {
		return err
	}
	hs.setState(StateChangeCipherSpecSent)

	verifyData, err := hs.finishedData(labelClientFinished)
	if err != nil {
		return err
	}
	fin, err := (&finishedMsg{verifyData: verifyData}).marshal()
	if err != nil {
		return configurationError("failed to encode Finished: %w", err)
	}
	if err := hs.writeHandshake(fin); err != nil {
		return err
	}
	hs.setState(StateFinishedSent)
	return nil
}

func (hs *clientHandshake) sendCertificateVerify() error {
	signer := hs.clientCert.PrivateKey()
	if signer == nil {
		return configurationError("client certificate %q is locked", hs.clientCert.Alias)
	}
	rnd := hs.cfg.Rand
	scheme := hs.certScheme
	transcript := append([]byte(nil), hs.transcript...)
	sig, err := execute(hs.ctx, hs.cfg.Executor, func() ([]byte, error) {
		return signHandshake(rnd, signer, scheme, transcript)
	})
	if err != nil {
		if hs.ctx.Err() != nil {
			return err
		}
		return cryptoError(alertInternalError, "failed to sign CertificateVerify: %w", err)
	}
	msg, err := (&certificateVerifyMsg{signatureAlgorithm: scheme, signature: sig}).marshal()
	if err != nil {
		return configurationError("failed to encode CertificateVerify: %w", err)
	}
	return hs.writeHandshake(msg)
}

func (hs *clientHandshake) readServerFinished() error {
	hs.setState(StateAwaitingServerFinished)
	if err := hs.readChangeCipherSpec(); err != nil {
		return err
	}

	expected, err := hs.finishedData(labelServerFinished)
	if err != nil {
		return err
	}
	msg, err := hs.readHandshake(typeFinished)
	if err != nil {
		return err
	}
	fin := &finishedMsg{}
	if !fin.unmarshal(msg) {
		return protocolError(alertDecodeError, "malformed Finished")
	}
	if subtle.ConstantTimeCompare(expected, fin.verifyData) != 1 {
		return cryptoError(alertDecryptError, "server Finished verify data mismatch")
	}
	return nil
}

func (hs *clientHandshake) transcriptHash() []byte {
	h := hs.suite.prfHash().New()
	h.Write(hs.transcript)
	return h.Sum(nil)
}

func (hs *clientHandshake) finishedData(label string) ([]byte, error) {
	ks := hs.ks
	th := hs.transcriptHash()
	return execute(hs.ctx, hs.cfg.Executor, func() ([]byte, error) {
		return ks.finishedData(label, th), nil
	})
}

func (hs *clientHandshake) writeHandshake(msg []byte) error {
	if _, err := hs.rl.writeRecord(recordTypeHandshake, msg); err != nil {
		return err
	}
	hs.transcript = append(hs.transcript, msg...)
	return nil
}

// readHandshake returns the next complete handshake message and adds it to
// the transcript. A non-zero want rejects any other message type.
func (hs *clientHandshake) readHandshake(want HandshakeType) ([]byte, error) {
	for {
		if len(hs.pending) >= 4 {
			n := int(hs.pending[1])<<16 | int(hs.pending[2])<<8 | int(hs.pending[3])
			if n > maxHandshakeSize {
				return nil, protocolError(alertRecordOverflow, "handshake message of %d bytes exceeds %d", n, maxHandshakeSize)
			}
			if len(hs.pending) >= 4+n {
				msg := append([]byte(nil), hs.pending[:4+n]...)
				hs.pending = hs.pending[4+n:]
				typ := HandshakeType(msg[0])
				if typ == typeHelloRequest {
					return nil, protocolError(alertNoRenegotiation, "server requested renegotiation")
				}
				if want != 0 && typ != want {
					return nil, protocolError(alertUnexpectedMessage, "expected %s, got %s", want, typ)
				}
				hs.transcript = append(hs.transcript, msg...)
				return msg, nil
			}
		}

		typ, data, err := hs.rl.readRecord()
		if err != nil {
			return nil, err
		}
		switch typ {
		case recordTypeHandshake:
			if len(data) == 0 {
				return nil, protocolError(alertUnexpectedMessage, "empty handshake record")
			}
			hs.pending = append(hs.pending, data...)
		case recordTypeAlert:
			if err := handleAlert(data); err != nil {
				return nil, err
			}
		default:
			return nil, protocolError(alertUnexpectedMessage, "unexpected %s record during handshake", typ)
		}
	}
}

func (hs *clientHandshake) readChangeCipherSpec() error {
	if len(hs.pending) != 0 {
		return protocolError(alertUnexpectedMessage, "ChangeCipherSpec inside a handshake message")
	}
	for {
		typ, data, err := hs.rl.readRecord()
		if err != nil {
			return err
		}
		switch typ {
		case recordTypeChangeCipherSpec:
			if len(data) != 1 || data[0] != 1 {
				return protocolError(alertDecodeError, "malformed ChangeCipherSpec")
			}
			return hs.rl.in.changeCipherSpec()
		case recordTypeAlert:
			if err := handleAlert(data); err != nil {
				return err
			}
		default:
			return protocolError(alertUnexpectedMessage, "expected ChangeCipherSpec, got %s record", typ)
		}
	}
}

// handleAlert returns nil for warning alerts that can be skipped.
func handleAlert(data []byte) error {
	if len(data) != 2 {
		return protocolError(alertDecodeError, "malformed alert")
	}
	a := Alert(data[1])
	if a == alertCloseNotify || data[0] == alertLevelFatal {
		return remoteAlert(a)
	}
	return nil
}
