package encryption

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/cloudvolt/diskcryptd/config"
	"github.com/cloudvolt/diskcryptd/diskutil"
	"github.com/cloudvolt/diskcryptd/interfaces"
)

// EncryptInPlaceNoHeader encrypts a populated device in place, relocating
// its data to make room for a LUKS header at the front. device must be set
// for a fresh run and item nil; a resumed run passes the loaded checkpoint
// as item and nil device. The machine returns the phase it stopped in;
// PhaseDone means the volume is encrypted, mounted and registered.
//
// Phases: BackupHeader shrinks the filesystem by a header's worth of
// sectors and saves the device front to a scratch file. EncryptDevice
// formats the device, destroying the saved front. CopyData relocates every
// block end to start from the raw device into the mapper, shifting the
// data past the new header. RecoverHeader writes the scratch block back to
// the mapper front and registers the volume.
func (m *Manager) EncryptInPlaceNoHeader(ctx context.Context, passphraseFile string, device *interfaces.DeviceItem, item *config.OngoingItem) (config.Phase, error) {
	if item == nil {
		var err error
		item, err = m.newRelocatingItem(ctx, device)
		if err != nil {
			return "", err
		}
	}

	for item.Phase != config.PhaseDone {
		var err error
		switch item.Phase {
		case config.PhaseBackupHeader:
			err = m.backupHeader(ctx, item)
		case config.PhaseEncryptDevice:
			err = m.encryptShrunkDevice(ctx, passphraseFile, item)
		case config.PhaseCopyData:
			err = m.relocateData(ctx, passphraseFile, item)
		case config.PhaseRecoverHeader:
			err = m.recoverHeader(ctx, item)
		default:
			err = fmt.Errorf("checkpoint holds unknown phase %q", item.Phase)
		}
		if err != nil {
			return item.Phase, err
		}
	}
	return config.PhaseDone, nil
}

func (m *Manager) newRelocatingItem(ctx context.Context, device *interfaces.DeviceItem) (*config.OngoingItem, error) {
	size, err := m.devices.DeviceSize(device.DevPath)
	if err != nil {
		return nil, fmt.Errorf("failed to size %s: %w", device.DevPath, err)
	}

	if device.MountPoint != "" {
		if err := m.devices.Unmount(ctx, device.MountPoint); err != nil {
			return nil, fmt.Errorf("failed to unmount %s before encrypting: %w", device.MountPoint, err)
		}
	}

	item := &config.OngoingItem{
		Phase:               config.PhaseBackupHeader,
		MapperName:          newMapperName(),
		OriginalDevNamePath: device.DevPath,
		OriginalDevPath:     m.stableDevPath(device.DevPath),
		DeviceSize:          size,
		FileSystem:          device.FileSystem,
		MountPoint:          mountPointOrNone(device.MountPoint),
		HeaderFilePath:      config.None,
		HeaderSlicePath:     m.scratchPath,
		BlockSize:           m.blockSize,
	}
	if err := m.store.CreateOngoing(item); err != nil {
		return nil, err
	}

	m.log.Info("Starting in-place encryption",
		slog.String("devPath", device.DevPath),
		slog.String("mapperName", item.MapperName),
		slog.Int64("size", size))
	return item, nil
}

// backupHeader makes room for the LUKS header and preserves the device
// front, which the format in the next phase will destroy. Both failure
// modes here are preflight failures: retrying cannot help, so the
// checkpoint is cleared and the device is left untouched.
func (m *Manager) backupHeader(ctx context.Context, item *config.OngoingItem) error {
	switch item.FileSystem {
	case "ext2", "ext3", "ext4":
	default:
		m.abandon(item)
		return fmt.Errorf("%s holds %q: %w", item.OriginalDevNamePath, item.FileSystem, interfaces.ErrUnsupportedFilesystem)
	}

	sectors := (item.DeviceSize - m.headerSize) / diskutil.SectorSize
	if sectors <= 0 {
		m.abandon(item)
		return fmt.Errorf("%s is smaller than a LUKS header: %w", item.OriginalDevNamePath, interfaces.ErrShrinkHeadroom)
	}
	if err := m.devices.ShrinkFilesystemTo(ctx, item.OriginalDevNamePath, sectors); err != nil {
		if errors.Is(err, interfaces.ErrShrinkHeadroom) {
			m.abandon(item)
			return fmt.Errorf("cannot make room for the LUKS header on %s: %w", item.OriginalDevNamePath, err)
		}
		return fmt.Errorf("failed to shrink the filesystem on %s: %w", item.OriginalDevNamePath, err)
	}

	item.SliceIndex = 0
	item.SourcePath = item.OriginalDevNamePath
	item.DestinationPath = item.HeaderSlicePath
	item.TotalCopySize = min(item.BlockSize, item.DeviceSize)
	item.FromEnd = false
	if err := m.store.CommitOngoing(item); err != nil {
		return err
	}
	if err := m.devices.Copy(ctx, item, m.commitOngoing); err != nil {
		return fmt.Errorf("failed to back up the device front: %w", err)
	}

	item.Phase = config.PhaseEncryptDevice
	item.SliceIndex = 0
	return m.store.CommitOngoing(item)
}

// abandon clears the checkpoint after a preflight failure. The operation
// must be re-requested from the top.
func (m *Manager) abandon(item *config.OngoingItem) {
	m.log.Error("Abandoning in-place encryption",
		slog.String("devPath", item.OriginalDevNamePath),
		slog.String("phase", string(item.Phase)))
	if err := m.store.ClearOngoing(); err != nil {
		m.log.Error("Could not clear the abandoned checkpoint", "err", err)
	}
}

func (m *Manager) encryptShrunkDevice(ctx context.Context, passphraseFile string, item *config.OngoingItem) error {
	mapperPath := m.mapperPath(item.MapperName)
	if m.devices.DeviceExists(mapperPath) {
		// A previous attempt died between open and the phase commit; the
		// stale mapping sits over a header that is about to be rewritten.
		if err := m.devices.LuksClose(ctx, item.MapperName); err != nil {
			return fmt.Errorf("failed to close stale mapping %s: %w", item.MapperName, err)
		}
	}

	if err := m.devices.EncryptDevice(ctx, item.OriginalDevNamePath, passphraseFile, item.MapperName, ""); err != nil {
		return fmt.Errorf("failed to format %s: %w", item.OriginalDevNamePath, err)
	}

	headerSize, err := m.devices.LuksHeaderSize(ctx, item.OriginalDevNamePath)
	if err != nil {
		m.log.Warn("Could not read the LUKS payload offset, assuming the default",
			slog.String("devPath", item.OriginalDevNamePath), "err", err)
		headerSize = m.headerSize
	}

	item.Phase = config.PhaseCopyData
	item.SliceIndex = 0
	item.SourcePath = item.OriginalDevNamePath
	item.DestinationPath = mapperPath
	item.TotalCopySize = item.DeviceSize - headerSize
	item.FromEnd = true
	return m.store.CommitOngoing(item)
}

// relocateData shifts the whole payload past the LUKS header. Reading the
// raw device at offset X and writing the mapper at offset X moves the
// block headerSize bytes forward on disk, so the copy must run end to
// start to never overwrite a block it has yet to read.
func (m *Manager) relocateData(ctx context.Context, passphraseFile string, item *config.OngoingItem) error {
	if err := m.ensureMapperOpen(ctx, passphraseFile, item); err != nil {
		return err
	}
	if err := m.devices.Copy(ctx, item, m.commitOngoing); err != nil {
		return fmt.Errorf("data relocation on %s failed: %w", item.OriginalDevNamePath, err)
	}

	mapperSize := item.TotalCopySize

	item.Phase = config.PhaseRecoverHeader
	item.SliceIndex = 0
	item.SourcePath = item.HeaderSlicePath
	item.DestinationPath = m.mapperPath(item.MapperName)
	item.TotalCopySize = min(item.BlockSize, mapperSize)
	item.FromEnd = false
	return m.store.CommitOngoing(item)
}

func (m *Manager) recoverHeader(ctx context.Context, item *config.OngoingItem) error {
	mapperPath := m.mapperPath(item.MapperName)

	if err := m.devices.Copy(ctx, item, m.commitOngoing); err != nil {
		return fmt.Errorf("failed to restore the device front: %w", err)
	}

	if err := m.devices.ExpandFilesystem(ctx, mapperPath); err != nil {
		m.log.Warn("Could not expand the filesystem after relocation",
			slog.String("mapperPath", mapperPath), "err", err)
	}

	crypt := config.CryptItem{
		MapperName:     item.MapperName,
		DevPath:        item.OriginalDevPath,
		HeaderFilePath: config.None,
		FileSystem:     item.FileSystem,
		MountPoint:     item.MountPoint,
	}
	if err := m.registerCryptItem(ctx, crypt, mapperPath); err != nil {
		return err
	}

	if err := m.fs.Remove(item.HeaderSlicePath); err != nil {
		m.log.Warn("Could not remove the scratch file",
			slog.String("path", item.HeaderSlicePath), "err", err)
	}

	item.Phase = config.PhaseDone
	if err := m.store.CommitOngoing(item); err != nil {
		return err
	}
	return m.store.ClearOngoing()
}

func (m *Manager) ensureMapperOpen(ctx context.Context, passphraseFile string, item *config.OngoingItem) error {
	if m.devices.DeviceExists(m.mapperPath(item.MapperName)) {
		return nil
	}
	headerFile := ""
	if item.HasSeparateHeader() {
		headerFile = item.HeaderFilePath
	}
	if err := m.devices.LuksOpen(ctx, passphraseFile, item.OriginalDevNamePath, item.MapperName, headerFile); err != nil {
		return fmt.Errorf("failed to open %s as %s: %w", item.OriginalDevNamePath, item.MapperName, err)
	}
	return nil
}
