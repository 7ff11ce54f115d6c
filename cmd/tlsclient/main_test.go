package main

import (
	"bufio"
	"bytes"
	"context"
	"crypto/tls"
	"encoding/hex"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"tlsengine/algo"
	"tlsengine/keystore"
	"tlsengine/minitls"
	"tlsengine/shared"
)

// startHTTPSServer answers one request with a fixed HTTP response and
// returns the address and the method the server saw.
func startHTTPSServer(t *testing.T) (string, *keystore.Entry, <-chan string) {
	t.Helper()
	store, err := keystore.NewBuilder().Certificate("server", func(c *keystore.CertificateSpec) {
		c.Sign = algo.ECDSA
	}).Build()
	if err != nil {
		t.Fatal(err)
	}
	entry, _ := store.Entry("server")

	ln, err := tls.Listen("tcp", "127.0.0.1:0", &tls.Config{
		Certificates: []tls.Certificate{{Certificate: entry.ChainDER(), PrivateKey: entry.PrivateKey()}},
		MaxVersion:   tls.VersionTLS12,
	})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { ln.Close() })

	methods := make(chan string, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		req, err := http.ReadRequest(bufio.NewReader(conn))
		if err != nil {
			methods <- "error: " + err.Error()
			return
		}
		methods <- req.Method + " " + req.URL.Path + " " + req.Header.Get("Connection")
		io.WriteString(conn, "HTTP/1.1 200 OK\r\nContent-Length: 5\r\nConnection: close\r\n\r\nhello")
	}()
	return ln.Addr().String(), entry, methods
}

func testClientConfig(addr string) *ClientConfig {
	return &ClientConfig{
		Addr:       addr,
		ServerName: "localhost",
		Path:       "/status",
		Timeout:    10 * time.Second,
		Dial:       shared.DialConfig{Transport: shared.TransportTCP, Timeout: 10 * time.Second},
	}
}

func testLogger(t *testing.T) *shared.Logger {
	return &shared.Logger{Logger: zaptest.NewLogger(t)}
}

func TestRunPinned(t *testing.T) {
	addr, entry, methods := startHTTPSServer(t)
	pin := minitls.Pin(entry.Leaf())

	cfg := testClientConfig(addr)
	cfg.Pins = []string{hex.EncodeToString(pin[:])}
	cfg.Head = true

	var out bytes.Buffer
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := run(ctx, cfg, testLogger(t), &out); err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if got := <-methods; got != "HEAD /status close" {
		t.Errorf("server saw %q", got)
	}
	if !strings.HasPrefix(out.String(), "HTTP/1.1 200 OK") || !strings.HasSuffix(out.String(), "hello") {
		t.Errorf("response = %q", out.String())
	}
}

func TestRunUntrusted(t *testing.T) {
	addr, _, _ := startHTTPSServer(t)
	cfg := testClientConfig(addr)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	err := run(ctx, cfg, testLogger(t), io.Discard)
	if !minitls.IsAuthenticationError(err) {
		t.Errorf("run error = %v, want authentication error", err)
	}
}

func TestBuildTLSConfig(t *testing.T) {
	cfg := testClientConfig("localhost:443")
	cfg.CipherSuites = []string{"TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256", "ECDHE_ECDSA_WITH_CHACHA20_POLY1305_SHA256"}
	cfg.Insecure = true

	tlsConfig, err := buildTLSConfig(context.Background(), cfg, testLogger(t))
	if err != nil {
		t.Fatalf("buildTLSConfig failed: %v", err)
	}
	if len(tlsConfig.CipherSuites) != 2 || tlsConfig.CipherSuites[1].ID != minitls.TLS_ECDHE_ECDSA_WITH_CHACHA20_POLY1305_SHA256 {
		t.Errorf("cipher suites = %v", tlsConfig.CipherSuites)
	}
	if _, ok := tlsConfig.TrustEvaluator.(minitls.AcceptAnyEvaluator); !ok {
		t.Errorf("insecure trust evaluator = %T", tlsConfig.TrustEvaluator)
	}

	cfg.CipherSuites = []string{"TLS_RSA_WITH_RC4_128_SHA"}
	if _, err := buildTLSConfig(context.Background(), cfg, testLogger(t)); !minitls.IsConfigurationError(err) {
		t.Errorf("RC4 suite error = %v, want configuration error", err)
	}

	cfg.CipherSuites = nil
	cfg.Insecure = false
	cfg.Pins = []string{"not-hex"}
	if _, err := buildTLSConfig(context.Background(), cfg, testLogger(t)); err == nil {
		t.Error("invalid pin accepted")
	}
}

func TestLoadClientConfig(t *testing.T) {
	t.Setenv("TLS_ADDR", "example.com:8443")
	t.Setenv("TLS_SERVER_NAME", "")
	t.Setenv("TLS_CIPHER_SUITES", "TLS_RSA_WITH_AES_128_CBC_SHA, TLS_RSA_WITH_AES_128_GCM_SHA256")
	t.Setenv("TLS_TIMEOUT", "5s")

	cfg, err := LoadClientConfig([]string{"-head", "-path", "/x"})
	if err != nil {
		t.Fatalf("LoadClientConfig failed: %v", err)
	}
	if cfg.ServerName != "example.com" || !cfg.Head || cfg.Path != "/x" || cfg.Timeout != 5*time.Second {
		t.Errorf("config = %+v", cfg)
	}
	if len(cfg.CipherSuites) != 2 || cfg.Dial.Timeout != 5*time.Second {
		t.Errorf("suites %q, dial timeout %v", cfg.CipherSuites, cfg.Dial.Timeout)
	}

	if _, err := LoadClientConfig([]string{"-addr", "no-port"}); err == nil {
		t.Error("address without port accepted")
	}
}

func TestHTTPRequest(t *testing.T) {
	req, err := http.ReadRequest(bufio.NewReader(strings.NewReader(httpRequest("HEAD", "example.com", "/"))))
	if err != nil {
		t.Fatalf("request does not parse: %v", err)
	}
	if req.Method != "HEAD" || req.Host != "example.com" || !req.Close {
		t.Errorf("parsed %s %s close=%v", req.Method, req.Host, req.Close)
	}
}
