package encryption

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/cloudvolt/diskcryptd/interfaces"
)

// SelectionPolicy narrows device enumeration down to the volumes a bulk
// command is allowed to touch. The baseline exclusions (OS disk, open
// crypt mappings, already-registered devices, special filesystems) always
// apply; the policy only adds requirements on top.
type SelectionPolicy struct {
	// RequireFileSystem excludes raw devices. In-place encryption needs a
	// filesystem to shrink; format commands do not.
	RequireFileSystem bool

	// RequireMountPoint excludes devices that are not mounted anywhere.
	RequireMountPoint bool

	// RequireStableAlias excludes devices the platform assigned no managed
	// udev alias to. Format commands wipe data, so they only touch devices
	// whose identity is pinned by the platform.
	RequireStableAlias bool

	// ExcludeMountPoints lists mount points to leave alone, such as the
	// volume the passphrase file itself lives on.
	ExcludeMountPoints []string
}

// Filesystems that must never be encrypted in place regardless of policy.
var skipFilesystems = map[string]bool{
	"swap":        true,
	"iso9660":     true,
	"udf":         true,
	"squashfs":    true,
	"vfat":        true,
	"crypto_LUKS": true,
	"LVM2_member": true,
}

var systemMountPoints = map[string]bool{
	"/":         true,
	"/boot":     true,
	"/boot/efi": true,
}

// SelectCandidates enumerates block devices and returns the ones the
// policy allows a bulk data-volume command to operate on.
func (m *Manager) SelectCandidates(ctx context.Context, policy SelectionPolicy) ([]interfaces.DeviceItem, error) {
	devices, err := m.devices.EnumerateDevices(ctx)
	if err != nil {
		return nil, err
	}

	excluded := make(map[string]bool, len(policy.ExcludeMountPoints))
	for _, mp := range policy.ExcludeMountPoints {
		excluded[mp] = true
	}

	var candidates []interfaces.DeviceItem
	for _, d := range devices {
		switch {
		case d.Type == "crypt" || d.Type == "rom":
			continue
		case d.IsOSDisk || systemMountPoints[d.MountPoint]:
			continue
		case skipFilesystems[d.FileSystem]:
			continue
		case excluded[d.MountPoint]:
			continue
		case policy.RequireFileSystem && d.FileSystem == "":
			continue
		case policy.RequireMountPoint && d.MountPoint == "":
			continue
		case policy.RequireStableAlias && !d.HasStableAlias():
			continue
		}

		registered, err := m.registry.IsRegisteredDevice(d.Name, d.DevPath)
		if err != nil {
			return nil, fmt.Errorf("failed to check registration of %s: %w", d.DevPath, err)
		}
		if registered {
			m.log.Debug("Skipping registered device", slog.String("devPath", d.DevPath))
			continue
		}

		candidates = append(candidates, d)
	}
	return candidates, nil
}
