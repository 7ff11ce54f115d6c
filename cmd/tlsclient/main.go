package main

import (
	"context"
	"crypto/x509"
	"errors"
	"flag"
	"fmt"
	"io"
	"net"
	"os"
	"runtime"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"tlsengine/keystore"
	"tlsengine/minitls"
	"tlsengine/shared"
)

// ClientConfig is read from the environment (and .env) with flags on top.
type ClientConfig struct {
	Addr             string
	ServerName       string
	Path             string
	Head             bool
	Timeout          time.Duration
	CipherSuites     []string
	NextProtos       []string
	Pins             []string
	Insecure         bool
	Keystore         string
	KeystorePassword string
	KeyPassword      string
	RequireClientCrt bool
	GCPProjectID     string
	Dial             shared.DialConfig
}

func LoadClientConfig(args []string) (*ClientConfig, error) {
	if err := shared.LoadEnv(); err != nil {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}
	cfg := &ClientConfig{
		Addr:             shared.GetEnvOrDefault("TLS_ADDR", "localhost:443"),
		ServerName:       os.Getenv("TLS_SERVER_NAME"),
		Path:             shared.GetEnvOrDefault("TLS_PATH", "/"),
		Timeout:          shared.GetEnvDurationOrDefault("TLS_TIMEOUT", 30*time.Second),
		CipherSuites:     shared.GetEnvListOrDefault("TLS_CIPHER_SUITES", nil),
		NextProtos:       shared.GetEnvListOrDefault("TLS_ALPN", nil),
		Pins:             shared.GetEnvListOrDefault("TLS_PINS", nil),
		Insecure:         shared.GetEnvBoolOrDefault("TLS_INSECURE", false),
		Keystore:         os.Getenv("TLS_KEYSTORE"),
		KeystorePassword: os.Getenv("TLS_KEYSTORE_PASSWORD"),
		KeyPassword:      shared.GetEnvOrDefault("TLS_KEY_PASSWORD", keystore.DefaultPassword),
		RequireClientCrt: shared.GetEnvBoolOrDefault("TLS_REQUIRE_CLIENT_CERT", false),
		GCPProjectID:     os.Getenv("GCP_PROJECT_ID"),
		Dial:             shared.DialConfigFromEnv(),
	}

	fs := flag.NewFlagSet("tlsclient", flag.ContinueOnError)
	fs.StringVar(&cfg.Addr, "addr", cfg.Addr, "server host:port")
	fs.StringVar(&cfg.Path, "path", cfg.Path, "request path")
	fs.BoolVar(&cfg.Head, "head", false, "send HEAD instead of GET")
	fs.BoolVar(&cfg.Insecure, "insecure", cfg.Insecure, "accept any server certificate")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	if cfg.ServerName == "" {
		host, _, err := net.SplitHostPort(cfg.Addr)
		if err != nil {
			return nil, fmt.Errorf("invalid address %q: %w", cfg.Addr, err)
		}
		cfg.ServerName = host
	}
	cfg.Dial.Timeout = cfg.Timeout
	return cfg, nil
}

func main() {
	logger, err := shared.NewLoggerFromEnv("tlsclient")
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	cfg, err := LoadClientConfig(os.Args[1:])
	if err != nil {
		logger.Fatal("Invalid configuration", zap.Error(err))
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Timeout)
	defer cancel()

	if err := run(ctx, cfg, logger, os.Stdout); err != nil {
		logger.Error("Request failed",
			zap.String("addr", cfg.Addr),
			zap.Stringer("kind", minitls.ErrorKindOf(err)),
			zap.Error(err))
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *ClientConfig, logger *shared.Logger, out io.Writer) error {
	registry := prometheus.NewRegistry()
	tlsConfig, err := buildTLSConfig(ctx, cfg, logger)
	if err != nil {
		return err
	}
	tlsConfig.Metrics = minitls.NewMetrics(registry)

	dial := cfg.Dial
	dial.Logger = logger.WithConnection(cfg.Addr)
	raw, err := dial.Dial(ctx, cfg.Addr)
	if err != nil {
		return err
	}

	conn, err := minitls.Upgrade(ctx, raw, tlsConfig)
	if err != nil {
		return err
	}
	defer conn.Close()

	session := conn.Session()
	sessionLogger := logger.WithSession(session.ID.String())
	sessionLogger.Info("Connected",
		zap.String("cipher_suite", session.CipherSuite.Name),
		zap.String("server_name", session.ServerName),
		zap.String("alpn", session.NegotiatedProtocol),
		zap.String("client_certificate", session.ClientCertificateAlias),
		zap.String("peer", session.PeerCertificates[0].Subject.String()))

	method := "GET"
	if cfg.Head {
		method = "HEAD"
	}
	if _, err := io.WriteString(conn, httpRequest(method, cfg.ServerName, cfg.Path)); err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}

	n, err := io.Copy(out, conn)
	if err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("failed to read response: %w", err)
	}
	sessionLogger.Debug("Response received", zap.Int64("bytes", n))

	if families, err := registry.Gather(); err == nil {
		for _, mf := range families {
			sessionLogger.Debug("Handshake metric", zap.String("name", mf.GetName()), zap.Int("series", len(mf.GetMetric())))
		}
	}
	return nil
}

func httpRequest(method, host, path string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s %s HTTP/1.1\r\n", method, path)
	fmt.Fprintf(&b, "Host: %s\r\n", host)
	b.WriteString("User-Agent: tlsengine-tlsclient/1.0\r\n")
	b.WriteString("Accept: */*\r\n")
	b.WriteString("Connection: close\r\n\r\n")
	return b.String()
}

// buildTLSConfig maps ClientConfig onto the engine: suites by name, one
// trust evaluator, and client identities from the keystore.
func buildTLSConfig(ctx context.Context, cfg *ClientConfig, logger *shared.Logger) (*minitls.Config, error) {
	tlsConfig := &minitls.Config{
		ServerName:               cfg.ServerName,
		NextProtos:               cfg.NextProtos,
		RequireClientCertificate: cfg.RequireClientCrt,
		Executor:                 minitls.NewBoundedExecutor(int64(runtime.NumCPU())),
		Logger:                   logger.Logger,
	}

	for _, name := range cfg.CipherSuites {
		suite, err := minitls.CipherSuiteByName(name)
		if err != nil {
			return nil, err
		}
		tlsConfig.CipherSuites = append(tlsConfig.CipherSuites, suite)
	}

	var store *keystore.Store
	if cfg.Keystore != "" {
		storage, name, err := keystore.OpenLocation(ctx, cfg.Keystore, cfg.GCPProjectID)
		if err != nil {
			return nil, err
		}
		store, err = keystore.LoadFrom(ctx, storage, name, cfg.KeystorePassword)
		if err != nil {
			return nil, err
		}
		if err := store.UnlockAll(cfg.KeyPassword); err != nil {
			return nil, err
		}
		tlsConfig.ClientCertificates = store.Entries()
		logger.Info("Loaded keystore", zap.String("location", cfg.Keystore), zap.Int("entries", store.Len()))
	}

	switch {
	case cfg.Insecure:
		logger.Security("Server certificate verification disabled")
		tlsConfig.TrustEvaluator = minitls.AcceptAnyEvaluator{}
	case len(cfg.Pins) > 0:
		pinned := &minitls.PinnedEvaluator{}
		for _, p := range cfg.Pins {
			pin, err := minitls.ParsePin(p)
			if err != nil {
				return nil, err
			}
			pinned.Pins = append(pinned.Pins, pin)
		}
		tlsConfig.TrustEvaluator = pinned
	default:
		roots, err := x509.SystemCertPool()
		if err != nil {
			roots = x509.NewCertPool()
		}
		if store != nil {
			for _, e := range store.Entries() {
				if e.Kind == keystore.TrustedCertificateEntry {
					roots.AddCert(e.Leaf())
				}
			}
		}
		tlsConfig.TrustEvaluator = &minitls.PoolEvaluator{Roots: roots, Logger: logger.Logger}
	}
	return tlsConfig, nil
}
