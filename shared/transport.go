package shared

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/mdlayher/vsock"
	"go.uber.org/zap"
)

const (
	TransportTCP   = "tcp"
	TransportVSock = "vsock"

	defaultParentCID = 3
	defaultProxyPort = 8444
)

// DialConfig selects the raw transport a TLS connection runs over. With
// vsock the connection goes to an internet proxy on the parent instance,
// which is told the target as a single "host:port\n" line before any TLS
// bytes.
type DialConfig struct {
	Transport string
	ParentCID uint32
	ProxyPort uint32
	Timeout   time.Duration
	Logger    *zap.Logger
}

// DialConfigFromEnv reads TLS_TRANSPORT, TLS_VSOCK_CID, TLS_VSOCK_PORT and
// TLS_TIMEOUT.
func DialConfigFromEnv() DialConfig {
	return DialConfig{
		Transport: GetEnvOrDefault("TLS_TRANSPORT", TransportTCP),
		ParentCID: GetEnvUint32OrDefault("TLS_VSOCK_CID", defaultParentCID),
		ProxyPort: GetEnvUint32OrDefault("TLS_VSOCK_PORT", defaultProxyPort),
		Timeout:   GetEnvDurationOrDefault("TLS_TIMEOUT", 30*time.Second),
	}
}

// Dial opens a raw connection to target ("host:port").
func (c DialConfig) Dial(ctx context.Context, target string) (net.Conn, error) {
	logger := c.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	if c.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.Timeout)
		defer cancel()
	}

	switch c.Transport {
	case "", TransportTCP:
		var d net.Dialer
		conn, err := d.DialContext(ctx, "tcp", target)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to %s: %w", target, err)
		}
		logger.Debug("TCP connection established", zap.String("target", target))
		return conn, nil
	case TransportVSock:
		return c.dialProxy(ctx, target, logger)
	}
	return nil, fmt.Errorf("unknown transport %q", c.Transport)
}

func (c DialConfig) dialProxy(ctx context.Context, target string, logger *zap.Logger) (net.Conn, error) {
	cid, port := c.ParentCID, c.ProxyPort
	if cid == 0 {
		cid = defaultParentCID
	}
	if port == 0 {
		port = defaultProxyPort
	}

	conn, err := vsock.Dial(cid, port, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to internet proxy: %w", err)
	}

	// Set a deadline for sending the target address
	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(30 * time.Second)
	}
	conn.SetWriteDeadline(deadline)

	if _, err := fmt.Fprintf(conn, "%s\n", target); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to send target address: %w", err)
	}

	// Clear the write deadline
	conn.SetWriteDeadline(time.Time{})

	logger.Debug("VSock proxy connection established",
		zap.Uint32("cid", cid),
		zap.Uint32("port", port),
		zap.String("target", target))
	return conn, nil
}
