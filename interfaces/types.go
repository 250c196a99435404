package interfaces

import "errors"

// DeviceItem describes one block device as reported by enumeration.
type DeviceItem struct {
	// Name is the kernel device name, e.g. "sdc" or "sdc1".
	Name string

	// DevPath is the /dev path the device is currently reachable at.
	DevPath string

	// Size in bytes.
	Size int64

	// FileSystem is the detected filesystem type, empty for raw devices.
	FileSystem string

	// MountPoint is the current mount point, empty when unmounted.
	MountPoint string

	// Type is the lsblk-style device type: "disk", "part", "lvm", "crypt".
	Type string

	// UUID is the filesystem UUID when one exists.
	UUID string

	// StableAlias is the externally assigned udev alias
	// (e.g. /dev/disk/azure/scsi1/lun0), empty when the platform did not
	// assign one.
	StableAlias string

	// IsOSDisk marks devices backing the root filesystem hierarchy.
	IsOSDisk bool
}

// HasStableAlias reports whether the platform assigned a managed udev alias
// to this device.
func (d *DeviceItem) HasStableAlias() bool {
	return d.StableAlias != ""
}

// Errors forming the failure taxonomy shared across components.
var (
	// ErrLockHeld means another daemon holds the process lock. Fatal to the
	// process: the observer must exit without mutating any state.
	ErrLockHeld = errors.New("process lock is held by another daemon")

	// ErrUnsupportedFilesystem means the device's filesystem cannot be
	// safely header-relocated. Abandon-and-clear: not self-healing.
	ErrUnsupportedFilesystem = errors.New("filesystem is not supported for in-place encryption")

	// ErrShrinkHeadroom means the filesystem has no room to give up a LUKS
	// header's worth of sectors. Abandon-and-clear.
	ErrShrinkHeadroom = errors.New("filesystem cannot shrink by a LUKS header size")

	// ErrDeviceMismatch means a registry entry is inconsistent with on-disk
	// reality (raw/mapper size delta does not match the header size).
	ErrDeviceMismatch = errors.New("raw and mapper device sizes are inconsistent with the LUKS header")

	// ErrDeviceNotFound means a raw or mapper device referenced by the
	// registry could not be located during enumeration.
	ErrDeviceNotFound = errors.New("device not found")

	// ErrSecretNotFound is returned by secret stores for unknown names.
	ErrSecretNotFound = errors.New("secret not found")

	// ErrUnsupportedDistro means OS-volume encryption has no capability
	// registered for the running distro/layout. Fatal to the process.
	ErrUnsupportedDistro = errors.New("OS volume encryption is not supported on this distribution")
)
