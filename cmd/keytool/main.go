package main

import (
	"context"
	"encoding/hex"
	"flag"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"tlsengine/algo"
	"tlsengine/keystore"
	"tlsengine/minitls"
	"tlsengine/shared"
)

// parseSpec reads "alias[:sign[:hash[:bits]]]", e.g. "server:ecdsa:sha384:384".
// Omitted parts take the builder defaults.
func parseSpec(s string) (keystore.CertificateSpec, error) {
	parts := strings.Split(s, ":")
	spec := keystore.CertificateSpec{Alias: parts[0]}
	if spec.Alias == "" {
		return spec, fmt.Errorf("spec %q has no alias", s)
	}
	if len(parts) > 4 {
		return spec, fmt.Errorf("spec %q has too many fields", s)
	}
	var err error
	if len(parts) > 1 {
		if spec.Sign, err = algo.ParseSignature(parts[1]); err != nil {
			return spec, err
		}
	}
	if len(parts) > 2 {
		if spec.Hash, err = algo.ParseHash(parts[2]); err != nil {
			return spec, err
		}
	}
	if len(parts) > 3 {
		if spec.KeySizeInBits, err = strconv.Atoi(parts[3]); err != nil {
			return spec, fmt.Errorf("spec %q: invalid key size: %w", s, err)
		}
	}
	return spec, nil
}

func main() {
	logger, err := shared.NewLoggerFromEnv("keytool")
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	if err := shared.LoadEnv(); err != nil {
		logger.Fatal("Failed to load .env", zap.Error(err))
	}

	fs := flag.NewFlagSet("keytool", flag.ExitOnError)
	out := fs.String("out", shared.GetEnvOrDefault("TLS_KEYSTORE", "client.keystore"), "file path or sm://name")
	commonName := fs.String("cn", "", "subject common name for every certificate")
	dnsNames := fs.String("dns", "", "comma-separated DNS names for every certificate")
	validity := fs.Duration("validity", keystore.DefaultValidity, "certificate validity")
	fs.Parse(os.Args[1:])

	specs := fs.Args()
	if len(specs) == 0 {
		specs = []string{"client:rsa:sha256:2048"}
	}

	cfg := generateConfig{
		Specs:       specs,
		CommonName:  *commonName,
		Validity:    *validity,
		Password:    os.Getenv("TLS_KEYSTORE_PASSWORD"),
		KeyPassword: shared.GetEnvOrDefault("TLS_KEY_PASSWORD", keystore.DefaultPassword),
		Location:    *out,
		ProjectID:   os.Getenv("GCP_PROJECT_ID"),
	}
	if *dnsNames != "" {
		cfg.DNSNames = strings.Split(*dnsNames, ",")
	}

	if err := generate(context.Background(), cfg, logger.Logger, os.Stdout); err != nil {
		logger.Fatal("Failed to generate keystore", zap.Error(err))
	}
}

type generateConfig struct {
	Specs       []string
	CommonName  string
	DNSNames    []string
	Validity    time.Duration
	Password    string
	KeyPassword string
	Location    string
	ProjectID   string
}

// generate builds the store, saves it and prints one pin per entry.
func generate(ctx context.Context, cfg generateConfig, logger *zap.Logger, w io.Writer) error {
	if cfg.Password == "" {
		return fmt.Errorf("TLS_KEYSTORE_PASSWORD is required")
	}

	builder := keystore.NewBuilder(keystore.WithLogger(logger))
	for _, s := range cfg.Specs {
		spec, err := parseSpec(s)
		if err != nil {
			return err
		}
		spec.CommonName = cfg.CommonName
		spec.DNSNames = cfg.DNSNames
		spec.Validity = cfg.Validity
		spec.Password = cfg.KeyPassword
		builder.Add(spec)
	}
	store, err := builder.Build()
	if err != nil {
		return err
	}

	storage, name, err := keystore.OpenLocation(ctx, cfg.Location, cfg.ProjectID)
	if err != nil {
		return err
	}
	if err := keystore.SaveTo(ctx, storage, name, store, cfg.Password); err != nil {
		return err
	}
	logger.Info("Keystore saved", zap.String("location", cfg.Location), zap.Int("entries", store.Len()))

	for _, e := range store.Entries() {
		pin := minitls.Pin(e.Leaf())
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", e.Alias, e.Signature, e.Hash, hex.EncodeToString(pin[:]))
	}
	return nil
}
