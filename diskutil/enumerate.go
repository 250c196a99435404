package diskutil

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/jaypipes/ghw"
	"github.com/jaypipes/ghw/pkg/block"
	"github.com/spf13/afero"

	"github.com/cloudvolt/diskcryptd/interfaces"
)

// EnumerateDevices lists the machine's block devices: whole disks without
// partitions, and every partition of partitioned disks. Virtual devices
// (loop, ram, device-mapper internals) are skipped.
func (d *DiskUtil) EnumerateDevices(ctx context.Context) ([]interfaces.DeviceItem, error) {
	info, err := ghw.Block()
	if err != nil {
		return nil, fmt.Errorf("failed to enumerate block devices: %w", err)
	}

	aliases := d.stableAliasTable()
	mounts := d.readMounts()

	var items []interfaces.DeviceItem
	for _, disk := range info.Disks {
		if strings.HasPrefix(disk.Name, "loop") || strings.HasPrefix(disk.Name, "ram") {
			continue
		}

		diskIsOS := diskHasRootPartition(disk)

		if len(disk.Partitions) == 0 {
			devPath := filepath.Join("/dev", disk.Name)
			items = append(items, interfaces.DeviceItem{
				Name:        disk.Name,
				DevPath:     devPath,
				Size:        int64(disk.SizeBytes),
				MountPoint:  mounts[devPath],
				Type:        "disk",
				StableAlias: aliases[devPath],
				IsOSDisk:    diskIsOS,
			})
			continue
		}

		for _, part := range disk.Partitions {
			devPath := filepath.Join("/dev", part.Name)
			mountPoint := part.MountPoint
			if mountPoint == "" {
				mountPoint = mounts[devPath]
			}
			items = append(items, interfaces.DeviceItem{
				Name:        part.Name,
				DevPath:     devPath,
				Size:        int64(part.SizeBytes),
				FileSystem:  part.Type,
				MountPoint:  mountPoint,
				Type:        "part",
				UUID:        part.UUID,
				StableAlias: aliases[devPath],
				IsOSDisk:    diskIsOS,
			})
		}
	}

	d.log.Debug("Enumerated block devices", slog.Int("count", len(items)))
	return items, nil
}

func diskHasRootPartition(disk *block.Disk) bool {
	for _, part := range disk.Partitions {
		if part.MountPoint == "/" || part.MountPoint == "/boot" {
			return true
		}
	}
	return false
}

// stableAliasTable maps /dev paths to their platform-assigned udev aliases,
// built by resolving every symlink under the alias directory.
func (d *DiskUtil) stableAliasTable() map[string]string {
	table := make(map[string]string)

	entries, err := os.ReadDir(d.cfg.AliasDir)
	if err != nil {
		return table
	}
	for _, entry := range entries {
		aliasPath := filepath.Join(d.cfg.AliasDir, entry.Name())
		d.addAliasLinks(aliasPath, table)

		// Alias directories nest one level for LUN links (scsi1/lun0).
		if entry.IsDir() {
			sub, err := os.ReadDir(aliasPath)
			if err != nil {
				continue
			}
			for _, s := range sub {
				d.addAliasLinks(filepath.Join(aliasPath, s.Name()), table)
			}
		}
	}
	return table
}

func (d *DiskUtil) addAliasLinks(aliasPath string, table map[string]string) {
	target, err := filepath.EvalSymlinks(aliasPath)
	if err != nil {
		return
	}
	if _, exists := table[target]; !exists {
		table[target] = aliasPath
	}
}

// StableDevicePath resolves a transient /dev/sdX path to a udev-stable
// by-id path, preferring SCSI identifiers. The path a crypt item records
// must survive device reordering across reboots.
func (d *DiskUtil) StableDevicePath(devPath string) (string, error) {
	real, err := filepath.EvalSymlinks(devPath)
	if err != nil {
		return "", fmt.Errorf("failed to resolve %s: %w", devPath, err)
	}

	entries, err := os.ReadDir(d.cfg.ByIDDir)
	if err != nil {
		// No by-id directory: keep the original path rather than failing
		// the operation that asked.
		d.log.Warn("No by-id directory, keeping device path",
			slog.String("devPath", devPath), "err", err)
		return devPath, nil
	}

	var fallback string
	for _, entry := range entries {
		linkPath := filepath.Join(d.cfg.ByIDDir, entry.Name())
		target, err := filepath.EvalSymlinks(linkPath)
		if err != nil || target != real {
			continue
		}
		if strings.HasPrefix(entry.Name(), "scsi-") {
			return linkPath, nil
		}
		if fallback == "" {
			fallback = linkPath
		}
	}
	if fallback != "" {
		return fallback, nil
	}
	return devPath, nil
}

// readMounts returns the mount table as devPath -> mountPoint.
func (d *DiskUtil) readMounts() map[string]string {
	mounts := make(map[string]string)
	data, err := afero.ReadFile(d.fs, d.cfg.MountsPath)
	if err != nil {
		return mounts
	}
	for _, line := range strings.Split(string(data), "\n") {
		fields := strings.Fields(line)
		if len(fields) >= 2 && strings.HasPrefix(fields[0], "/dev/") {
			mounts[fields[0]] = fields[1]
		}
	}
	return mounts
}
