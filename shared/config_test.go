package shared

import (
	"bufio"
	"context"
	"net"
	"os"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	"go.uber.org/zap"
)

func TestEnvHelpers(t *testing.T) {
	t.Setenv("TEST_STRING", "value")
	t.Setenv("TEST_INT", "42")
	t.Setenv("TEST_BAD_INT", "forty-two")
	t.Setenv("TEST_CID", "16")
	t.Setenv("TEST_BOOL", "true")
	t.Setenv("TEST_DURATION", "1m30s")
	t.Setenv("TEST_SECONDS", "15")
	t.Setenv("TEST_LIST", " a, b,,c ")

	if got := GetEnvOrDefault("TEST_STRING", "x"); got != "value" {
		t.Errorf("GetEnvOrDefault = %q", got)
	}
	if got := GetEnvOrDefault("TEST_UNSET", "x"); got != "x" {
		t.Errorf("GetEnvOrDefault(unset) = %q", got)
	}
	if got := GetEnvIntOrDefault("TEST_INT", 1); got != 42 {
		t.Errorf("GetEnvIntOrDefault = %d", got)
	}
	if got := GetEnvIntOrDefault("TEST_BAD_INT", 1); got != 1 {
		t.Errorf("GetEnvIntOrDefault(bad) = %d", got)
	}
	if got := GetEnvUint32OrDefault("TEST_CID", 3); got != 16 {
		t.Errorf("GetEnvUint32OrDefault = %d", got)
	}
	if got := GetEnvBoolOrDefault("TEST_BOOL", false); !got {
		t.Error("GetEnvBoolOrDefault = false")
	}
	if got := GetEnvDurationOrDefault("TEST_DURATION", time.Second); got != 90*time.Second {
		t.Errorf("GetEnvDurationOrDefault = %v", got)
	}
	if got := GetEnvDurationOrDefault("TEST_SECONDS", time.Second); got != 15*time.Second {
		t.Errorf("GetEnvDurationOrDefault(seconds) = %v", got)
	}
	if got := GetEnvListOrDefault("TEST_LIST", nil); !reflect.DeepEqual(got, []string{"a", "b", "c"}) {
		t.Errorf("GetEnvListOrDefault = %q", got)
	}
}

func TestLoadEnv(t *testing.T) {
	dir := t.TempDir()
	if err := LoadEnv(filepath.Join(dir, "missing.env")); err != nil {
		t.Errorf("LoadEnv(missing) = %v, want nil", err)
	}

	path := filepath.Join(dir, "test.env")
	if err := os.WriteFile(path, []byte("TLS_LOADENV_TEST=from-file\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("TLS_LOADENV_TEST", "")
	os.Unsetenv("TLS_LOADENV_TEST")
	if err := LoadEnv(path); err != nil {
		t.Fatalf("LoadEnv failed: %v", err)
	}
	if got := os.Getenv("TLS_LOADENV_TEST"); got != "from-file" {
		t.Errorf("TLS_LOADENV_TEST = %q", got)
	}
}

func TestNewLogger(t *testing.T) {
	for _, cfg := range []LoggerConfig{
		{ServiceName: "prod"},
		{ServiceName: "dev", Development: true},
		{ServiceName: "quiet", Quiet: true},
	} {
		l, err := NewLogger(cfg)
		if err != nil {
			t.Fatalf("NewLogger(%+v) failed: %v", cfg, err)
		}
		if l.ServiceName() != cfg.ServiceName {
			t.Errorf("ServiceName() = %q", l.ServiceName())
		}
		if cfg.Quiet && l.Core().Enabled(zap.DebugLevel) {
			t.Error("quiet logger has debug enabled")
		}
		if cfg.Development && !l.Core().Enabled(zap.DebugLevel) {
			t.Error("development logger has debug disabled")
		}
	}
}

func TestDialTCP(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		line, _ := bufio.NewReader(conn).ReadString('\n')
		conn.Write([]byte(line))
	}()

	conn, err := DialConfig{Transport: TransportTCP, Timeout: 5 * time.Second}.Dial(context.Background(), ln.Addr().String())
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	defer conn.Close()
	conn.Write([]byte("ping\n"))
	line, err := bufio.NewReader(conn).ReadString('\n')
	if err != nil || line != "ping\n" {
		t.Errorf("echo = %q, %v", line, err)
	}

	if _, err := (DialConfig{Transport: "carrier-pigeon"}).Dial(context.Background(), "x:1"); err == nil {
		t.Error("unknown transport accepted")
	}
}
