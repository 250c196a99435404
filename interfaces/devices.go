package interfaces

import (
	"context"

	"github.com/cloudvolt/diskcryptd/config"
)

// DevMapperRoot is where unlocked LUKS mappings appear.
const DevMapperRoot = "/dev/mapper"

// CommitFunc persists the OngoingItem checkpoint. Copy implementations call
// it after every slice; the phase machines pass in the config store's commit.
type CommitFunc func(*config.OngoingItem) error

// DevicePrimitives is the low-level device interface the phase state
// machines sequence over. Implementations perform real storage mutation;
// the core's job is ordering and crash-safety around these calls, so every
// blocking operation takes a context.
type DevicePrimitives interface {
	// EncryptDevice runs LUKS format on devPath using the passphrase file.
	// An empty headerFile places the LUKS header at the front of the
	// device; otherwise the header is written to the named file and the
	// device's addressable region is untouched.
	EncryptDevice(ctx context.Context, devPath, passphraseFile, mapperName, headerFile string) error

	// LuksOpen unlocks devPath under mapperName. headerFile follows the
	// same convention as EncryptDevice.
	LuksOpen(ctx context.Context, passphraseFile, devPath, mapperName, headerFile string) error

	// LuksClose removes the mapping.
	LuksClose(ctx context.Context, mapperName string) error

	// LuksAddKey adds the key material in newKeyPath to a free key slot,
	// authorized by passphraseFile. Returns the slot index the key landed in.
	LuksAddKey(ctx context.Context, passphraseFile, devPath, headerFile, newKeyPath string) (int, error)

	// LuksRemoveKey removes the key slot unlocked by passphraseFile.
	LuksRemoveKey(ctx context.Context, passphraseFile, devPath, headerFile string) error

	// LuksDumpKeyslots reports which key slots are occupied.
	LuksDumpKeyslots(ctx context.Context, devPath, headerFile string) ([]bool, error)

	// LuksHeaderSize returns the byte size of the LUKS header region on an
	// in-place encrypted device, as recorded by the disk metadata.
	LuksHeaderSize(ctx context.Context, devPath string) (int64, error)

	// CreateLuksHeader allocates a detached header file for mapperName and
	// returns its path.
	CreateLuksHeader(mapperName string) (string, error)

	// FormatFilesystem creates a filesystem on devPath.
	FormatFilesystem(ctx context.Context, devPath, fsType string) error

	// ShrinkFilesystemTo resizes the filesystem on devPath down to the
	// given sector count. Returns ErrShrinkHeadroom when the filesystem
	// does not fit the requested size.
	ShrinkFilesystemTo(ctx context.Context, devPath string, sizeSectors int64) error

	// ExpandFilesystem grows the filesystem on devPath to fill the device.
	ExpandFilesystem(ctx context.Context, devPath string) error

	// Mount mounts devPath at mountPoint, creating the mount point if needed.
	Mount(ctx context.Context, devPath, mountPoint string) error

	// Unmount unmounts the mount point.
	Unmount(ctx context.Context, mountPoint string) error

	// MountAll replays fstab (mount -a).
	MountAll(ctx context.Context) error

	// RemoveFstabEntry comments out the entry for mountPoint, keeping it
	// recoverable, so the stale unencrypted device is not mounted on boot.
	RemoveFstabEntry(mountPoint string) error

	// RestoreFstabEntry reinstates an entry removed by RemoveFstabEntry.
	RestoreFstabEntry(mountPoint string) error

	// EnumerateDevices lists the machine's block devices.
	EnumerateDevices(ctx context.Context) ([]DeviceItem, error)

	// DeviceSize returns the size of the block device in bytes.
	DeviceSize(devPath string) (int64, error)

	// StableDevicePath resolves a transient /dev/sdX path to a udev-stable
	// by-id path. Identity must never change across reboots.
	StableDevicePath(devPath string) (string, error)

	// DeviceExists reports whether the path currently exists.
	DeviceExists(path string) bool

	// Copy runs the resumable block copy described by the checkpoint's
	// cursor, committing the cursor through commit after every slice.
	// Resumption starts from item.SliceIndex.
	Copy(ctx context.Context, item *config.OngoingItem, commit CommitFunc) error
}
