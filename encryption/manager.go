package encryption

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/spf13/afero"

	"github.com/cloudvolt/diskcryptd/config"
	"github.com/cloudvolt/diskcryptd/diskutil"
	"github.com/cloudvolt/diskcryptd/interfaces"
	"github.com/cloudvolt/diskcryptd/registry"
)

// Manager wires the phase machines to the persisted config store, the
// crypt-item registry and the device primitives. One Manager serves the
// whole daemon; all operations run strictly sequentially.
type Manager struct {
	store    *config.Store
	registry *registry.Registry
	devices  interfaces.DevicePrimitives
	fs       afero.Fs
	log      *slog.Logger

	// scratchPath holds the backed-up filesystem header while the
	// no-separate-header machine rewrites the front of the device.
	scratchPath string

	blockSize  int64
	headerSize int64
}

// NewManager returns a manager writing scratch state under the store's
// config directory.
func NewManager(store *config.Store, reg *registry.Registry, devices interfaces.DevicePrimitives, fs afero.Fs, log *slog.Logger) *Manager {
	return &Manager{
		store:       store,
		registry:    reg,
		devices:     devices,
		fs:          fs,
		log:         log,
		scratchPath: filepath.Join(store.Dir(), "header_slice.bak"),
		blockSize:   diskutil.DefaultBlockSize,
		headerSize:  diskutil.LuksHeaderSizeBytes,
	}
}

func (m *Manager) mapperPath(mapperName string) string {
	return filepath.Join(interfaces.DevMapperRoot, mapperName)
}

// commitOngoing is the CommitFunc handed to the copy primitive.
func (m *Manager) commitOngoing(item *config.OngoingItem) error {
	return m.store.CommitOngoing(item)
}

// Resume re-runs the machine an existing checkpoint belongs to, from the
// committed phase. The checkpoint's shape selects the machine: a decrypt
// phase resumes the decrypt copy, a separate header file selects the
// detached-header encrypt machine, anything else the header-relocating one.
func (m *Manager) Resume(ctx context.Context, passphraseFile string, item *config.OngoingItem) (config.Phase, error) {
	m.log.Info("Resuming in-flight operation",
		slog.String("phase", string(item.Phase)),
		slog.String("mapperName", item.MapperName))

	if item.HasMountPoint() {
		// The half-processed device must not be mounted while its blocks
		// are rewritten.
		if err := m.devices.Unmount(ctx, item.MountPoint); err != nil {
			m.log.Warn("Could not unmount before resume",
				slog.String("mountPoint", item.MountPoint), "err", err)
		}
	}

	switch {
	case item.Phase == config.PhaseDecryptData:
		return m.resumeDecrypt(ctx, passphraseFile, item)
	case item.HasSeparateHeader():
		return m.EncryptInPlaceWithHeader(ctx, passphraseFile, nil, item)
	default:
		return m.EncryptInPlaceNoHeader(ctx, passphraseFile, nil, item)
	}
}

// newMapperName picks the permanent LUKS mapping name for a fresh
// operation. It is chosen once and persisted before the encrypt phase so a
// replayed phase can never fork a second mapping.
func newMapperName() string {
	return uuid.NewString()
}

func mountPointOrNone(mountPoint string) string {
	if mountPoint == "" {
		return config.None
	}
	return mountPoint
}

// stableDevPath resolves the recorded device path to a udev-stable one,
// falling back to the original on failure so registration never blocks on
// a missing by-id link.
func (m *Manager) stableDevPath(devNamePath string) string {
	stable, err := m.devices.StableDevicePath(devNamePath)
	if err != nil {
		m.log.Warn("Could not resolve stable device path",
			slog.String("devPath", devNamePath), "err", err)
		return devNamePath
	}
	return stable
}

// registerCryptItem finishes a terminal encryption phase: mount when a
// mount point is defined, record the crypt item, and drop the stale
// unencrypted fstab entry.
func (m *Manager) registerCryptItem(ctx context.Context, item config.CryptItem, mapperPath string) error {
	if item.HasMountPoint() {
		if err := m.devices.Mount(ctx, mapperPath, item.MountPoint); err != nil {
			m.log.Error("Could not mount encrypted volume",
				slog.String("mapperPath", mapperPath),
				slog.String("mountPoint", item.MountPoint), "err", err)
		}
	}

	err := m.registry.Add(item)
	switch {
	case errors.Is(err, registry.ErrMapperNameExists):
		// A replayed terminal phase registered the item already.
		m.log.Info("Crypt item already registered", slog.String("mapperName", item.MapperName))
	case err != nil:
		return fmt.Errorf("failed to register crypt item %s: %w", item.MapperName, err)
	}

	if item.HasMountPoint() {
		if err := m.devices.RemoveFstabEntry(item.MountPoint); err != nil {
			m.log.Error("Could not remove stale fstab entry",
				slog.String("mountPoint", item.MountPoint), "err", err)
		}
	}
	return nil
}
