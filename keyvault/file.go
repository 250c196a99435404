package keyvault

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/spf13/afero"

	"github.com/cloudvolt/diskcryptd/interfaces"
)

// FileSecretStore escrows secrets to a local directory. Only useful when
// that directory is itself durable storage (an attached key volume, an NFS
// mount); it mainly exists for development and tests.
type FileSecretStore struct {
	fs  afero.Fs
	dir string
	log *slog.Logger
}

// NewFileSecretStore creates the directory if needed.
func NewFileSecretStore(fs afero.Fs, dir string, log *slog.Logger) (*FileSecretStore, error) {
	if err := fs.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create secret directory: %w", err)
	}
	return &FileSecretStore{fs: fs, dir: dir, log: log}, nil
}

var _ interfaces.SecretStore = (*FileSecretStore)(nil)

func (f *FileSecretStore) path(name string) string {
	// Secret names are UUIDs; flatten anything else defensively.
	return filepath.Join(f.dir, filepath.Base(name))
}

// PutSecret writes the secret with a temp-and-rename so a torn write never
// leaves a half-written escrow behind.
func (f *FileSecretStore) PutSecret(ctx context.Context, name string, data []byte) error {
	tmp := f.path(name) + ".tmp"
	if err := afero.WriteFile(f.fs, tmp, data, 0600); err != nil {
		return fmt.Errorf("failed to write secret %s: %w", name, err)
	}
	if err := f.fs.Rename(tmp, f.path(name)); err != nil {
		return fmt.Errorf("failed to commit secret %s: %w", name, err)
	}
	f.log.Debug("Stored secret", slog.String("name", name))
	return nil
}

// GetSecret returns the secret, or ErrSecretNotFound.
func (f *FileSecretStore) GetSecret(ctx context.Context, name string) ([]byte, error) {
	data, err := afero.ReadFile(f.fs, f.path(name))
	if os.IsNotExist(err) {
		return nil, fmt.Errorf("%s: %w", name, interfaces.ErrSecretNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read secret %s: %w", name, err)
	}
	return data, nil
}

// DeleteSecret removes the secret. Absent secrets are not an error.
func (f *FileSecretStore) DeleteSecret(ctx context.Context, name string) error {
	err := f.fs.Remove(f.path(name))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete secret %s: %w", name, err)
	}
	return nil
}

// Available reports whether the directory is reachable.
func (f *FileSecretStore) Available(ctx context.Context) bool {
	_, err := f.fs.Stat(f.dir)
	return err == nil
}

// LocationURI returns the store's URI.
func (f *FileSecretStore) LocationURI() string {
	return "file://" + f.dir
}
