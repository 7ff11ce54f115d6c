package shared

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"time"

	"github.com/mdlayher/vsock"
	"go.uber.org/zap"
)

const (
	proxyTargetTimeout = 10 * time.Second
	proxyIdleTimeout   = 10 * time.Minute
)

// InternetProxy runs on the parent instance and forwards connections from
// DialConfig's vsock transport to the target named on their first line.
type InternetProxy struct {
	logger *zap.Logger
	dialer net.Dialer
}

func NewInternetProxy(logger *zap.Logger) *InternetProxy {
	return &InternetProxy{
		logger: logger.With(zap.String("component", "internet_proxy")),
		dialer: net.Dialer{Timeout: proxyTargetTimeout},
	}
}

// ListenAndServe accepts vsock connections on port until ctx is done.
func (p *InternetProxy) ListenAndServe(ctx context.Context, port uint32) error {
	listener, err := vsock.Listen(port, nil)
	if err != nil {
		return fmt.Errorf("failed to listen on vsock port %d: %w", port, err)
	}
	p.logger.Info("Internet proxy started", zap.Uint32("port", port))
	return p.Serve(ctx, listener)
}

// Serve accepts connections from listener until ctx is done, then closes it.
func (p *InternetProxy) Serve(ctx context.Context, listener net.Listener) error {
	stop := context.AfterFunc(ctx, func() { listener.Close() })
	defer stop()
	defer listener.Close()

	for {
		conn, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				p.logger.Info("Internet proxy shutting down")
				return nil
			}
			if errors.Is(err, net.ErrClosed) {
				return err
			}
			p.logger.Error("Failed to accept connection", zap.Error(err))
			continue
		}
		go p.handleConnection(ctx, conn)
	}
}

// readProxyTarget reads the "host:port\n" line. It reads byte by byte so no
// TLS bytes after the line are consumed.
func readProxyTarget(r io.Reader) (string, error) {
	var line strings.Builder
	var b [1]byte
	for line.Len() < 256 {
		if _, err := io.ReadFull(r, b[:]); err != nil {
			return "", err
		}
		if b[0] == '\n' {
			target := strings.TrimSpace(line.String())
			if _, _, err := net.SplitHostPort(target); err != nil {
				return "", fmt.Errorf("invalid target %q: %w", target, err)
			}
			return target, nil
		}
		line.WriteByte(b[0])
	}
	return "", fmt.Errorf("target line too long")
}

func (p *InternetProxy) handleConnection(ctx context.Context, clientConn net.Conn) {
	defer clientConn.Close()

	clientConn.SetReadDeadline(time.Now().Add(proxyTargetTimeout))
	target, err := readProxyTarget(clientConn)
	if err != nil {
		p.logger.Error("Failed to read target address", zap.Error(err))
		return
	}
	clientConn.SetReadDeadline(time.Time{})

	targetConn, err := p.dialer.DialContext(ctx, "tcp", target)
	if err != nil {
		p.logger.Error("Failed to connect to target",
			zap.String("target", target),
			zap.Error(err))
		return
	}
	defer targetConn.Close()

	deadline := time.Now().Add(proxyIdleTimeout)
	clientConn.SetDeadline(deadline)
	targetConn.SetDeadline(deadline)

	p.logger.Debug("Starting bidirectional copy", zap.String("target", target))

	done := make(chan struct{}, 2)
	pipe := func(dst, src net.Conn, direction string) {
		defer func() { done <- struct{}{} }()
		written, err := io.Copy(dst, src)
		p.logger.Debug("Copy ended",
			zap.String("target", target),
			zap.String("direction", direction),
			zap.Int64("bytes", written),
			zap.Error(err))
	}
	go pipe(targetConn, clientConn, "client->target")
	go pipe(clientConn, targetConn, "target->client")

	select {
	case <-done:
		p.logger.Info("Internet proxy connection completed", zap.String("target", target))
	case <-ctx.Done():
		p.logger.Info("Internet proxy connection cancelled", zap.String("target", target))
	}
}
