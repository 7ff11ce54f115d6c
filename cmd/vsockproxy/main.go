package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"tlsengine/shared"
)

func main() {
	logger, err := shared.NewLoggerFromEnv("vsockproxy")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	if err := shared.LoadEnv(); err != nil {
		logger.Fatal("Failed to load .env", zap.Error(err))
	}
	port := shared.GetEnvUint32OrDefault("TLS_VSOCK_PORT", 8444)

	// Handle shutdown signals
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := shared.NewInternetProxy(logger.Logger).ListenAndServe(ctx, port); err != nil {
		logger.Fatal("Internet proxy failed", zap.Error(err))
	}
}
