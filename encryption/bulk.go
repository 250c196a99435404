package encryption

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/cloudvolt/diskcryptd/config"
	"github.com/cloudvolt/diskcryptd/interfaces"
)

// EncryptAllInPlace encrypts every eligible data volume, one at a time.
// The first failure halts the run and the failing device is returned with
// the error; volumes encrypted before it stay encrypted and registered. A
// nil device means every candidate succeeded.
func (m *Manager) EncryptAllInPlace(ctx context.Context, passphraseFile string, policy SelectionPolicy) (*interfaces.DeviceItem, error) {
	policy.RequireFileSystem = true

	candidates, err := m.SelectCandidates(ctx, policy)
	if err != nil {
		return nil, err
	}
	m.log.Info("Selected data volumes for encryption", slog.Int("count", len(candidates)))

	for i := range candidates {
		device := candidates[i]
		if _, err := m.EncryptInPlaceNoHeader(ctx, passphraseFile, &device, nil); err != nil {
			return &device, err
		}
	}
	return nil, nil
}

// DecryptAllInPlace decrypts every registered volume, one at a time. Each
// mapping is opened if needed, its plaintext written back over the raw
// device, the mapping closed and its registry entry dropped. The first
// failure halts the run and the failing crypt item is returned. Mounts
// are replayed from fstab once every volume is back in cleartext.
func (m *Manager) DecryptAllInPlace(ctx context.Context, passphraseFile string) (*config.CryptItem, error) {
	items, err := m.registry.List()
	if err != nil {
		return nil, err
	}
	m.log.Info("Decrypting registered volumes", slog.Int("count", len(items)))

	for i := range items {
		crypt := items[i]
		if err := m.decryptOne(ctx, passphraseFile, &crypt); err != nil {
			return &crypt, err
		}
	}

	if len(items) > 0 {
		if err := m.devices.MountAll(ctx); err != nil {
			m.log.Warn("Could not replay fstab mounts after decryption", "err", err)
		}
	}
	return nil, nil
}

func (m *Manager) decryptOne(ctx context.Context, passphraseFile string, crypt *config.CryptItem) error {
	if !m.devices.DeviceExists(crypt.DevPath) {
		return fmt.Errorf("%s: %w", crypt.DevPath, interfaces.ErrDeviceNotFound)
	}

	mapperPath := m.mapperPath(crypt.MapperName)
	if !m.devices.DeviceExists(mapperPath) {
		headerFile := ""
		if crypt.HasSeparateHeader() {
			headerFile = crypt.HeaderFilePath
		}
		if err := m.devices.LuksOpen(ctx, passphraseFile, crypt.DevPath, crypt.MapperName, headerFile); err != nil {
			return fmt.Errorf("failed to open %s for decryption: %w", crypt.DevPath, err)
		}
	}

	if _, err := m.DecryptInPlace(ctx, crypt, crypt.DevPath); err != nil {
		return err
	}
	return m.finishDecrypted(ctx, crypt)
}

// finishDecrypted tears down a volume whose raw device holds cleartext
// again: the mapping is closed, a detached header dropped, and the
// registry entry removed.
func (m *Manager) finishDecrypted(ctx context.Context, crypt *config.CryptItem) error {
	if err := m.devices.LuksClose(ctx, crypt.MapperName); err != nil {
		return fmt.Errorf("failed to close %s after decryption: %w", crypt.MapperName, err)
	}
	if crypt.HasSeparateHeader() {
		if err := m.fs.Remove(crypt.HeaderFilePath); err != nil {
			m.log.Warn("Could not remove the detached header",
				slog.String("path", crypt.HeaderFilePath), "err", err)
		}
	}
	return m.registry.Remove(crypt.MapperName)
}
