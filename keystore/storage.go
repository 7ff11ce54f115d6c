package keystore

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	secretmanager "cloud.google.com/go/secretmanager/apiv1"
	secretspb "cloud.google.com/go/secretmanager/apiv1/secretmanagerpb"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Storage abstracts where serialised keystores are kept.
type Storage interface {
	Put(ctx context.Context, name string, data []byte) error
	Get(ctx context.Context, name string) ([]byte, error)
}

// SaveTo marshals s and hands it to storage under name.
func SaveTo(ctx context.Context, storage Storage, name string, s *Store, password string, opts ...PersistOption) error {
	data, err := Marshal(s, password, opts...)
	if err != nil {
		return err
	}
	return storage.Put(ctx, name, data)
}

func LoadFrom(ctx context.Context, storage Storage, name, password string) (*Store, error) {
	data, err := storage.Get(ctx, name)
	if err != nil {
		return nil, err
	}
	return Unmarshal(data, password)
}

// SecretManagerScheme prefixes locations that live in GCP Secret Manager.
const SecretManagerScheme = "sm://"

// OpenLocation resolves a keystore location to a Storage and the name to use
// with it. "sm://name" selects Secret Manager in projectID; anything else is a
// file path.
func OpenLocation(ctx context.Context, location, projectID string) (Storage, string, error) {
	if name, ok := strings.CutPrefix(location, SecretManagerScheme); ok {
		if projectID == "" {
			return nil, "", fmt.Errorf("keystore: %s requires a GCP project", location)
		}
		sm, err := NewDefaultSecretManagerStorage(ctx, projectID)
		if err != nil {
			return nil, "", err
		}
		return sm, name, nil
	}
	if location == "" {
		return nil, "", fmt.Errorf("keystore: empty location")
	}
	return FileStorage{Dir: filepath.Dir(location)}, filepath.Base(location), nil
}

// FileStorage keeps each keystore as a file under Dir.
type FileStorage struct {
	Dir string
}

func (f FileStorage) path(name string) (string, error) {
	if name == "" || strings.ContainsAny(name, `/\`) || name == "." || name == ".." {
		return "", fmt.Errorf("keystore: invalid storage name %q", name)
	}
	return filepath.Join(f.Dir, name), nil
}

func (f FileStorage) Put(_ context.Context, name string, data []byte) error {
	p, err := f.path(name)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(f.Dir, 0o700); err != nil {
		return fmt.Errorf("keystore: create %s: %w", f.Dir, err)
	}
	return os.WriteFile(p, data, 0o600)
}

func (f FileStorage) Get(_ context.Context, name string) ([]byte, error) {
	p, err := f.path(name)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(p)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, p)
		}
		return nil, err
	}
	return data, nil
}

// SecretManagerClient is the subset of GCP Secret Manager the storage needs.
type SecretManagerClient interface {
	CreateSecret(ctx context.Context, projectID, secretID string) error
	AddSecretVersion(ctx context.Context, projectID, secretID string, payload []byte) error
	AccessLatestVersion(ctx context.Context, projectID, secretID string) ([]byte, error)
}

// SecretManagerStorage stores keystores as secret versions, one secret per name.
type SecretManagerStorage struct {
	client    SecretManagerClient
	projectID string
}

func NewSecretManagerStorage(client SecretManagerClient, projectID string) *SecretManagerStorage {
	return &SecretManagerStorage{client: client, projectID: projectID}
}

// NewDefaultSecretManagerStorage dials Secret Manager with ambient credentials.
func NewDefaultSecretManagerStorage(ctx context.Context, projectID string) (*SecretManagerStorage, error) {
	c, err := secretmanager.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create secret manager client: %w", err)
	}
	return NewSecretManagerStorage(&gcpSecretManager{client: c}, projectID), nil
}

func secretIDFor(name string) string {
	id := strings.NewReplacer(".", "-", "_", "-", "/", "-").Replace(name)
	return "keystore-" + id
}

func (s *SecretManagerStorage) Put(ctx context.Context, name string, data []byte) error {
	secretID := secretIDFor(name)
	if err := s.client.CreateSecret(ctx, s.projectID, secretID); err != nil && status.Code(err) != codes.AlreadyExists {
		return fmt.Errorf("keystore: create secret %s: %w", secretID, err)
	}
	if err := s.client.AddSecretVersion(ctx, s.projectID, secretID, data); err != nil {
		return fmt.Errorf("keystore: add secret version %s: %w", secretID, err)
	}
	return nil
}

func (s *SecretManagerStorage) Get(ctx context.Context, name string) ([]byte, error) {
	secretID := secretIDFor(name)
	data, err := s.client.AccessLatestVersion(ctx, s.projectID, secretID)
	if err != nil {
		return nil, fmt.Errorf("keystore: access secret %s: %w", secretID, err)
	}
	return data, nil
}

type gcpSecretManager struct {
	client *secretmanager.Client
}

func (g *gcpSecretManager) CreateSecret(ctx context.Context, projectID, secretID string) error {
	_, err := g.client.CreateSecret(ctx, &secretspb.CreateSecretRequest{
		Parent:   fmt.Sprintf("projects/%s", projectID),
		SecretId: secretID,
		Secret: &secretspb.Secret{
			Replication: &secretspb.Replication{Replication: &secretspb.Replication_Automatic_{}},
		},
	})
	return err
}

func (g *gcpSecretManager) AddSecretVersion(ctx context.Context, projectID, secretID string, payload []byte) error {
	_, err := g.client.AddSecretVersion(ctx, &secretspb.AddSecretVersionRequest{
		Parent:  fmt.Sprintf("projects/%s/secrets/%s", projectID, secretID),
		Payload: &secretspb.SecretPayload{Data: payload},
	})
	return err
}

func (g *gcpSecretManager) AccessLatestVersion(ctx context.Context, projectID, secretID string) ([]byte, error) {
	resp, err := g.client.AccessSecretVersion(ctx, &secretspb.AccessSecretVersionRequest{
		Name: fmt.Sprintf("projects/%s/secrets/%s/versions/latest", projectID, secretID),
	})
	if err != nil {
		return nil, err
	}
	return resp.Payload.GetData(), nil
}
