package encryption

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/cloudvolt/diskcryptd/config"
	"github.com/cloudvolt/diskcryptd/interfaces"
	"github.com/cloudvolt/diskcryptd/registry"
)

// DecryptInPlace writes the plaintext of an open mapping back over its raw
// device, front to back. Unlike encryption the copy must run start to end:
// writing plaintext at raw offset X destroys the ciphertext backing a
// lower mapper offset, which a start-to-end pass has already read.
//
// The mapping must be open. On PhaseDone the raw device holds cleartext
// and the checkpoint is gone; closing the mapping and dropping the
// registry entry is the caller's job, since the caller also owns
// re-mounting.
func (m *Manager) DecryptInPlace(ctx context.Context, crypt *config.CryptItem, rawDevPath string) (config.Phase, error) {
	mapperPath := m.mapperPath(crypt.MapperName)

	rawSize, err := m.devices.DeviceSize(rawDevPath)
	if err != nil {
		return "", fmt.Errorf("failed to size %s: %w", rawDevPath, err)
	}
	mapperSize, err := m.devices.DeviceSize(mapperPath)
	if err != nil {
		return "", fmt.Errorf("failed to size %s: %w", mapperPath, err)
	}

	if err := m.checkDecryptGeometry(ctx, crypt, rawDevPath, rawSize, mapperSize); err != nil {
		return "", err
	}

	if crypt.HasMountPoint() {
		if err := m.devices.Unmount(ctx, crypt.MountPoint); err != nil {
			return "", fmt.Errorf("failed to unmount %s before decrypting: %w", crypt.MountPoint, err)
		}
	}

	item := &config.OngoingItem{
		Phase:               config.PhaseDecryptData,
		MapperName:          crypt.MapperName,
		OriginalDevNamePath: rawDevPath,
		OriginalDevPath:     crypt.DevPath,
		DeviceSize:          rawSize,
		FileSystem:          crypt.FileSystem,
		MountPoint:          crypt.MountPoint,
		HeaderFilePath:      crypt.HeaderFilePath,
		HeaderSlicePath:     config.None,
		BlockSize:           m.blockSize,
		SourcePath:          mapperPath,
		DestinationPath:     rawDevPath,
		TotalCopySize:       mapperSize,
		FromEnd:             false,
	}
	if err := m.store.CreateOngoing(item); err != nil {
		return "", err
	}

	m.log.Info("Starting in-place decryption",
		slog.String("devPath", rawDevPath),
		slog.String("mapperName", crypt.MapperName),
		slog.Int64("size", mapperSize))

	if err := m.decryptData(ctx, item); err != nil {
		return item.Phase, err
	}
	return config.PhaseDone, nil
}

// checkDecryptGeometry refuses to decrypt when the raw/mapper size delta
// does not match the LUKS layout the registry entry claims. A mismatch
// means the entry and the disk disagree, and a copy sized off either
// number would corrupt data.
func (m *Manager) checkDecryptGeometry(ctx context.Context, crypt *config.CryptItem, rawDevPath string, rawSize, mapperSize int64) error {
	if crypt.HasSeparateHeader() {
		if rawSize != mapperSize {
			return fmt.Errorf("%s: detached-header device is %d bytes but its mapping is %d: %w",
				rawDevPath, rawSize, mapperSize, interfaces.ErrDeviceMismatch)
		}
		return nil
	}

	headerSize, err := m.devices.LuksHeaderSize(ctx, rawDevPath)
	if err != nil {
		return fmt.Errorf("failed to read the LUKS payload offset of %s: %w", rawDevPath, err)
	}
	if rawSize-mapperSize != headerSize {
		return fmt.Errorf("%s: device/mapping delta is %d bytes, header is %d: %w",
			rawDevPath, rawSize-mapperSize, headerSize, interfaces.ErrDeviceMismatch)
	}
	return nil
}

// resumeDecrypt finishes an interrupted decrypt from its committed slice
// cursor. The teardown decryptOne normally performs happens here as well,
// so a bulk pass running right after the resume sees the volume already
// gone from the registry instead of re-opening a cleartext device.
func (m *Manager) resumeDecrypt(ctx context.Context, passphraseFile string, item *config.OngoingItem) (config.Phase, error) {
	if err := m.ensureMapperOpen(ctx, passphraseFile, item); err != nil {
		return item.Phase, err
	}
	if err := m.decryptData(ctx, item); err != nil {
		return item.Phase, err
	}

	crypt, err := m.registry.Get(item.MapperName)
	switch {
	case errors.Is(err, registry.ErrCryptItemNotFound):
		// A replay after the teardown already ran. Close any stale mapping
		// and move on.
		if m.devices.DeviceExists(m.mapperPath(item.MapperName)) {
			if err := m.devices.LuksClose(ctx, item.MapperName); err != nil {
				m.log.Warn("Could not close stale mapping",
					slog.String("mapperName", item.MapperName), "err", err)
			}
		}
	case err != nil:
		return config.PhaseDone, err
	default:
		if err := m.finishDecrypted(ctx, crypt); err != nil {
			return config.PhaseDone, err
		}
	}
	return config.PhaseDone, nil
}

func (m *Manager) decryptData(ctx context.Context, item *config.OngoingItem) error {
	if err := m.devices.Copy(ctx, item, m.commitOngoing); err != nil {
		return fmt.Errorf("data decryption on %s failed: %w", item.OriginalDevNamePath, err)
	}

	if item.HasMountPoint() {
		if err := m.devices.RestoreFstabEntry(item.MountPoint); err != nil {
			m.log.Warn("Could not restore the fstab entry",
				slog.String("mountPoint", item.MountPoint), "err", err)
		}
	}

	item.Phase = config.PhaseDone
	if err := m.store.CommitOngoing(item); err != nil {
		return err
	}
	return m.store.ClearOngoing()
}
