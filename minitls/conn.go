package minitls

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	// maxEmptyRecords bounds consecutive zero-length application records.
	maxEmptyRecords    = 100
	closeNotifyTimeout = 5 * time.Second
)

// Conn is a TLS 1.2 client connection over a caller-supplied transport.
type Conn struct {
	raw    net.Conn
	cfg    *Config
	rl     recordLayer
	logger *zap.Logger

	handshakeStarted atomic.Bool
	handshakeDone    chan struct{}
	handshakeErr     error
	session          *HandshakeSession

	// input is decrypted application data not yet returned by Read; guarded
	// by rl.in.
	input []byte

	closeOnce    sync.Once
	rawCloseOnce sync.Once
	closed       atomic.Bool
}

// Client wraps raw without performing the handshake. The first Read, Write or
// Handshake call runs it.
func Client(raw net.Conn, cfg *Config) *Conn {
	cfg = cfg.clone().withDefaults()
	c := &Conn{
		raw:           raw,
		cfg:           cfg,
		logger:        cfg.Logger,
		handshakeDone: make(chan struct{}),
	}
	c.rl.raw = raw
	c.rl.rand = cfg.Rand
	return c
}

// Upgrade runs a client handshake over raw and returns the established
// connection. On failure raw has been closed.
func Upgrade(ctx context.Context, raw net.Conn, cfg *Config) (*Conn, error) {
	c := Client(raw, cfg)
	if err := c.Handshake(ctx); err != nil {
		return nil, err
	}
	return c, nil
}

// Handshake runs the handshake once. Concurrent callers wait for the first.
// Cancelling ctx aborts the handshake, closes the transport and returns a
// transport error wrapping ctx.Err().
func (c *Conn) Handshake(ctx context.Context) error {
	if !c.handshakeStarted.CompareAndSwap(false, true) {
		select {
		case <-c.handshakeDone:
			return c.handshakeErr
		case <-ctx.Done():
			return &Error{Kind: KindTransport, Err: ctx.Err()}
		}
	}
	defer close(c.handshakeDone)

	start := c.cfg.Clock.Now()
	hs := &clientHandshake{
		ctx:     ctx,
		cfg:     c.cfg,
		rl:      &c.rl,
		logger:  c.logger,
		session: &HandshakeSession{ID: uuid.New(), ServerName: c.cfg.ServerName},
	}

	err := c.cfg.validate()
	if err == nil {
		stop := context.AfterFunc(ctx, func() {
			c.raw.SetDeadline(time.Unix(1, 0))
		})
		err = hs.run()
		if !stop() && err == nil {
			// The handshake finished as ctx was cancelled; the forced deadline
			// would break the established connection.
			err = &Error{Kind: KindTransport, Err: ctx.Err()}
		}
	}

	err = c.fail(ctx, hs, err)
	c.cfg.Metrics.observe(hs.suite, c.cfg.Clock.Since(start), err)
	if err != nil {
		c.handshakeErr = err
		return err
	}

	c.session = hs.session
	c.logger.Info("TLS handshake complete",
		zap.String("session_id", hs.session.ID.String()),
		zap.String("cipher_suite", hs.suite.Name),
		zap.Bool("aead", hs.suite.isAEAD()),
		zap.Bool("extended_master_secret", hs.session.ExtendedMasterSecret),
		zap.String("alpn", hs.session.NegotiatedProtocol),
		zap.Duration("elapsed", c.cfg.Clock.Since(start)))
	return nil
}

// fail turns a handshake error into its final form, sends the alert if the
// flow got as far as ClientHello, and closes the transport.
func (c *Conn) fail(ctx context.Context, hs *clientHandshake, err error) error {
	if err == nil {
		return nil
	}
	var e *Error
	if ctx.Err() != nil {
		e = &Error{Kind: KindTransport, Err: ctx.Err()}
	} else if !errors.As(err, &e) {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			e = &Error{Kind: KindTransport, Err: err}
		} else {
			e = &Error{Kind: KindCrypto, Alert: alertInternalError, Err: err}
		}
	}
	if e.State == 0 && hs.state != 0 {
		e.State = hs.state
	}

	c.closed.Store(true)
	var remote *RemoteAlertError
	if hs.state != 0 && e.Kind != KindTransport && !errors.As(e, &remote) {
		alert := e.Alert
		if alert == 0 {
			alert = alertInternalError
		}
		c.rl.sendAlert(alert, alertLevelFatal)
	}
	c.closeRaw()
	c.rl.out.zero()
	c.rl.in.zero()
	hs.session.destroy()
	c.logger.Warn("TLS handshake failed",
		zap.String("session_id", hs.session.ID.String()),
		zap.Stringer("state", hs.state),
		zap.Stringer("kind", e.Kind),
		zap.Error(e))
	hs.state = StateFailed
	return e
}

func (c *Conn) closeRaw() error {
	var err error
	c.rawCloseOnce.Do(func() {
		err = c.raw.Close()
	})
	return err
}

// Session returns the handshake session, or nil before the handshake has
// completed.
func (c *Conn) Session() *HandshakeSession {
	if !c.handshakeComplete() {
		return nil
	}
	return c.session
}

func (c *Conn) handshakeComplete() bool {
	select {
	case <-c.handshakeDone:
		return c.handshakeErr == nil
	default:
		return false
	}
}

func (c *Conn) ensureHandshake() error {
	select {
	case <-c.handshakeDone:
		return c.handshakeErr
	default:
	}
	return c.Handshake(context.Background())
}

// Read returns decrypted application data. A close_notify from the server
// is reported as io.EOF.
func (c *Conn) Read(b []byte) (int, error) {
	if err := c.ensureHandshake(); err != nil {
		return 0, err
	}
	if len(b) == 0 {
		return 0, nil
	}

	c.rl.in.Lock()
	defer c.rl.in.Unlock()

	if len(c.input) == 0 && c.rl.in.err != nil {
		return 0, c.rl.in.err
	}

	empty := 0
	for len(c.input) == 0 {
		typ, data, err := c.rl.readRecord()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return 0, io.EOF
			}
			var e *Error
			if errors.As(err, &e) && e.Kind != KindTransport {
				return 0, c.readFailure(e)
			}
			return 0, err
		}
		switch typ {
		case recordTypeApplicationData:
			if len(data) == 0 {
				if empty++; empty > maxEmptyRecords {
					return 0, c.readFailure(protocolError(alertUnexpectedMessage, "too many empty records"))
				}
				continue
			}
			c.input = data
		case recordTypeAlert:
			if err := handleAlert(data); err != nil {
				var remote *RemoteAlertError
				if errors.As(err, &remote) && remote.Alert == alertCloseNotify {
					c.rl.in.setErr(io.EOF)
					return 0, io.EOF
				}
				c.closed.Store(true)
				c.closeRaw()
				return 0, c.rl.in.setErr(err)
			}
		case recordTypeHandshake:
			if len(data) > 0 && HandshakeType(data[0]) == typeHelloRequest {
				return 0, c.readFailure(protocolError(alertNoRenegotiation, "server requested renegotiation"))
			}
			return 0, c.readFailure(protocolError(alertUnexpectedMessage, "unexpected handshake message after handshake"))
		default:
			return 0, c.readFailure(protocolError(alertUnexpectedMessage, "unexpected %s record", typ))
		}
	}

	n := copy(b, c.input)
	c.input = c.input[n:]
	return n, nil
}

// readFailure sends a fatal alert for err, poisons both directions and
// closes the transport. The caller holds rl.in.
func (c *Conn) readFailure(err *Error) error {
	err.State = StateEstablished
	alert := err.Alert
	if alert == 0 {
		alert = alertInternalError
	}
	c.rl.out.Lock()
	c.rl.sendAlert(alert, alertLevelFatal)
	c.rl.out.setErr(err)
	c.rl.out.Unlock()
	c.closed.Store(true)
	c.closeRaw()
	c.logger.Warn("TLS connection failed",
		zap.String("session_id", c.session.ID.String()),
		zap.Error(err))
	return c.rl.in.setErr(err)
}

// Write encrypts b as one or more application data records.
func (c *Conn) Write(b []byte) (int, error) {
	if err := c.ensureHandshake(); err != nil {
		return 0, err
	}
	if c.closed.Load() {
		return 0, net.ErrClosed
	}
	if len(b) == 0 {
		return 0, nil
	}

	c.rl.out.Lock()
	defer c.rl.out.Unlock()
	return c.rl.writeRecord(recordTypeApplicationData, b)
}

// Close sends close_notify when possible, closes the transport exactly once
// and destroys the session keys.
func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		if c.handshakeStarted.Load() && !c.handshakeComplete() {
			// Unblock a running handshake and wait for it to clean up.
			err = c.closeRaw()
			<-c.handshakeDone
		}

		if c.handshakeComplete() && c.rl.out.TryLock() {
			c.raw.SetWriteDeadline(c.cfg.Clock.Now().Add(closeNotifyTimeout))
			c.rl.sendAlert(alertCloseNotify, alertLevelWarning)
			c.rl.out.setErr(net.ErrClosed)
			c.rl.out.Unlock()
		}
		c.closed.Store(true)
		if cerr := c.closeRaw(); cerr != nil && err == nil {
			err = cerr
		}

		c.rl.out.Lock()
		c.rl.out.zero()
		c.rl.out.Unlock()
		c.rl.in.Lock()
		c.rl.in.zero()
		c.input = nil
		c.rl.in.Unlock()
		if c.session != nil {
			c.session.destroy()
		}
	})
	return err
}

func (c *Conn) LocalAddr() net.Addr {
	return c.raw.LocalAddr()
}

func (c *Conn) RemoteAddr() net.Addr {
	return c.raw.RemoteAddr()
}

func (c *Conn) SetDeadline(t time.Time) error {
	return c.raw.SetDeadline(t)
}

func (c *Conn) SetReadDeadline(t time.Time) error {
	return c.raw.SetReadDeadline(t)
}

func (c *Conn) SetWriteDeadline(t time.Time) error {
	return c.raw.SetWriteDeadline(t)
}

var _ net.Conn = (*Conn)(nil)
