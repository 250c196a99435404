package diskutil

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/afero"
)

// Mount mounts the device at the mount point, creating the directory first.
func (d *DiskUtil) Mount(ctx context.Context, devPath, mountPoint string) error {
	if err := d.fs.MkdirAll(mountPoint, 0755); err != nil {
		return fmt.Errorf("failed to create mount point %s: %w", mountPoint, err)
	}
	if _, err := d.run(ctx, "mount", devPath, mountPoint); err != nil {
		return fmt.Errorf("could not mount %s at %s: %w", devPath, mountPoint, err)
	}
	return nil
}

// Unmount unmounts the mount point. Unmounting something that is not
// mounted is treated as success: phases unmount defensively before copying.
func (d *DiskUtil) Unmount(ctx context.Context, mountPoint string) error {
	if !d.IsMounted(mountPoint) {
		return nil
	}
	if _, err := d.run(ctx, "umount", mountPoint); err != nil {
		return fmt.Errorf("could not unmount %s: %w", mountPoint, err)
	}
	return nil
}

// MountAll replays fstab.
func (d *DiskUtil) MountAll(ctx context.Context) error {
	if _, err := d.run(ctx, "mount", "-a"); err != nil {
		return fmt.Errorf("mount -a failed: %w", err)
	}
	return nil
}

// IsMounted reports whether the mount point appears in the mounts table.
func (d *DiskUtil) IsMounted(mountPoint string) bool {
	data, err := afero.ReadFile(d.fs, d.cfg.MountsPath)
	if err != nil {
		return false
	}
	return strings.Contains(string(data), " "+mountPoint+" ")
}
