package keyvault

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/spf13/afero"
)

const (
	// DefaultBekName is the passphrase file name recorded in the
	// encryption config and looked up by every unlock path.
	DefaultBekName = "LinuxPassPhraseFileName"

	// CleartextKeyName is the throwaway key staged before decryption.
	CleartextKeyName = "CleartextPassPhraseFile"

	secretLen = 32
)

// BekManager owns the directory passphrase files live in, typically a
// small dedicated volume so key material never sits on a disk being
// encrypted. That volume itself is excluded from encryption selection.
type BekManager struct {
	fs  afero.Fs
	dir string
	log *slog.Logger
}

// NewBekManager creates the key directory if needed.
func NewBekManager(fs afero.Fs, dir string, log *slog.Logger) (*BekManager, error) {
	if err := fs.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create key directory: %w", err)
	}
	return &BekManager{fs: fs, dir: dir, log: log}, nil
}

// Dir returns the key directory.
func (b *BekManager) Dir() string {
	return b.dir
}

// Path returns the full path of a named passphrase file.
func (b *BekManager) Path(name string) string {
	return filepath.Join(b.dir, name)
}

// Exists reports whether the named passphrase file is present.
func (b *BekManager) Exists(name string) bool {
	_, err := b.fs.Stat(b.Path(name))
	return err == nil
}

// GenerateSecret returns fresh random key material.
func GenerateSecret() ([]byte, error) {
	secret := make([]byte, secretLen)
	if _, err := rand.Read(secret); err != nil {
		return nil, fmt.Errorf("failed to generate key material: %w", err)
	}
	return secret, nil
}

// Store writes a passphrase file and returns its path. Passphrases are
// stored base64 encoded so they stay printable for cryptsetup key files.
func (b *BekManager) Store(name string, passphrase []byte) (string, error) {
	path := b.Path(name)
	encoded := []byte(base64.StdEncoding.EncodeToString(passphrase))
	if err := afero.WriteFile(b.fs, path, encoded, 0600); err != nil {
		return "", fmt.Errorf("failed to write passphrase file %s: %w", name, err)
	}
	b.log.Info("Stored passphrase file", slog.String("name", name))
	return path, nil
}

// Load reads and decodes a passphrase file.
func (b *BekManager) Load(name string) ([]byte, error) {
	data, err := afero.ReadFile(b.fs, b.Path(name))
	if err != nil {
		return nil, fmt.Errorf("failed to read passphrase file %s: %w", name, err)
	}
	decoded, err := base64.StdEncoding.DecodeString(string(data))
	if err != nil {
		return nil, fmt.Errorf("passphrase file %s is corrupt: %w", name, err)
	}
	return decoded, nil
}

// Backup copies a passphrase file aside before rotation replaces it, so an
// interrupted rotation can still unlock with the old key.
func (b *BekManager) Backup(name string) (string, error) {
	data, err := afero.ReadFile(b.fs, b.Path(name))
	if err != nil {
		return "", fmt.Errorf("failed to read passphrase file %s: %w", name, err)
	}
	backupPath := b.Path(name) + ".bak"
	if err := afero.WriteFile(b.fs, backupPath, data, 0600); err != nil {
		return "", fmt.Errorf("failed to back up passphrase file %s: %w", name, err)
	}
	return backupPath, nil
}

// Remove deletes a passphrase file. Removing an absent file is not an error.
func (b *BekManager) Remove(name string) error {
	err := b.fs.Remove(b.Path(name))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove passphrase file %s: %w", name, err)
	}
	return nil
}
