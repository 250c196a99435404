package encryption

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/cloudvolt/diskcryptd/config"
	"github.com/cloudvolt/diskcryptd/interfaces"
)

// EncryptInPlaceWithHeader encrypts a populated device in place with the
// LUKS header in a detached file, leaving the device's addressable region
// the same size. No filesystem shrink and no header relocation happen; the
// machine skips straight from format to the full-device copy.
func (m *Manager) EncryptInPlaceWithHeader(ctx context.Context, passphraseFile string, device *interfaces.DeviceItem, item *config.OngoingItem) (config.Phase, error) {
	if item == nil {
		var err error
		item, err = m.newDetachedHeaderItem(ctx, device)
		if err != nil {
			return "", err
		}
	}

	for item.Phase != config.PhaseDone {
		var err error
		switch item.Phase {
		case config.PhaseEncryptDevice:
			err = m.encryptWithDetachedHeader(ctx, passphraseFile, item)
		case config.PhaseCopyData:
			err = m.reencryptData(ctx, passphraseFile, item)
		default:
			err = fmt.Errorf("checkpoint holds unknown phase %q", item.Phase)
		}
		if err != nil {
			return item.Phase, err
		}
	}
	return config.PhaseDone, nil
}

func (m *Manager) newDetachedHeaderItem(ctx context.Context, device *interfaces.DeviceItem) (*config.OngoingItem, error) {
	size, err := m.devices.DeviceSize(device.DevPath)
	if err != nil {
		return nil, fmt.Errorf("failed to size %s: %w", device.DevPath, err)
	}

	if device.MountPoint != "" {
		if err := m.devices.Unmount(ctx, device.MountPoint); err != nil {
			return nil, fmt.Errorf("failed to unmount %s before encrypting: %w", device.MountPoint, err)
		}
	}

	mapperName := newMapperName()

	// Header allocation happens before the checkpoint exists. Running out
	// of space here leaves nothing to resume and nothing to clean up.
	headerFile, err := m.devices.CreateLuksHeader(mapperName)
	if err != nil {
		return nil, fmt.Errorf("failed to allocate a detached header: %w", err)
	}

	devPath := m.stableDevPath(device.DevPath)
	if device.UUID != "" {
		devPath = filepath.Join("/dev/disk/by-uuid", device.UUID)
	}

	item := &config.OngoingItem{
		Phase:               config.PhaseEncryptDevice,
		MapperName:          mapperName,
		OriginalDevNamePath: device.DevPath,
		OriginalDevPath:     devPath,
		DeviceSize:          size,
		FileSystem:          device.FileSystem,
		MountPoint:          mountPointOrNone(device.MountPoint),
		HeaderFilePath:      headerFile,
		HeaderSlicePath:     config.None,
		BlockSize:           m.blockSize,
	}
	if err := m.store.CreateOngoing(item); err != nil {
		return nil, err
	}

	m.log.Info("Starting in-place encryption with a detached header",
		slog.String("devPath", device.DevPath),
		slog.String("mapperName", mapperName),
		slog.String("headerFile", headerFile))
	return item, nil
}

func (m *Manager) encryptWithDetachedHeader(ctx context.Context, passphraseFile string, item *config.OngoingItem) error {
	mapperPath := m.mapperPath(item.MapperName)
	if m.devices.DeviceExists(mapperPath) {
		if err := m.devices.LuksClose(ctx, item.MapperName); err != nil {
			return fmt.Errorf("failed to close stale mapping %s: %w", item.MapperName, err)
		}
	}

	if err := m.devices.EncryptDevice(ctx, item.OriginalDevNamePath, passphraseFile, item.MapperName, item.HeaderFilePath); err != nil {
		return fmt.Errorf("failed to format %s: %w", item.OriginalDevNamePath, err)
	}

	// The detached header keeps the mapper the same size as the device;
	// offsets line up, so each slice overwrites exactly the range it read.
	item.Phase = config.PhaseCopyData
	item.SliceIndex = 0
	item.SourcePath = item.OriginalDevNamePath
	item.DestinationPath = mapperPath
	item.TotalCopySize = item.DeviceSize
	item.FromEnd = true
	return m.store.CommitOngoing(item)
}

func (m *Manager) reencryptData(ctx context.Context, passphraseFile string, item *config.OngoingItem) error {
	if err := m.ensureMapperOpen(ctx, passphraseFile, item); err != nil {
		return err
	}
	if err := m.devices.Copy(ctx, item, m.commitOngoing); err != nil {
		return fmt.Errorf("data encryption on %s failed: %w", item.OriginalDevNamePath, err)
	}

	crypt := config.CryptItem{
		MapperName:     item.MapperName,
		DevPath:        item.OriginalDevPath,
		HeaderFilePath: item.HeaderFilePath,
		FileSystem:     item.FileSystem,
		MountPoint:     item.MountPoint,
	}
	if err := m.registerCryptItem(ctx, crypt, m.mapperPath(item.MapperName)); err != nil {
		return err
	}

	item.Phase = config.PhaseDone
	if err := m.store.CommitOngoing(item); err != nil {
		return err
	}
	return m.store.ClearOngoing()
}
