package diskutil

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/cloudvolt/diskcryptd/interfaces"
)

// ShrinkFilesystemTo resizes the ext filesystem down to the given sector
// count. resize2fs refuses when the data does not fit, which surfaces as
// ErrShrinkHeadroom so callers can abandon instead of retrying.
func (d *DiskUtil) ShrinkFilesystemTo(ctx context.Context, devPath string, sizeSectors int64) error {
	if _, err := d.run(ctx, "e2fsck", "-f", "-y", devPath); err != nil {
		return fmt.Errorf("filesystem check before shrink failed: %w", err)
	}

	size := strconv.FormatInt(sizeSectors, 10) + "s"
	if out, err := d.run(ctx, "resize2fs", devPath, size); err != nil {
		if strings.Contains(string(out), "No space left") ||
			strings.Contains(string(out), "is smaller than minimum") {
			return fmt.Errorf("%w: %s", interfaces.ErrShrinkHeadroom, devPath)
		}
		return fmt.Errorf("failed to shrink %s: %w", devPath, err)
	}

	d.log.Info("Shrunk filesystem",
		slog.String("devPath", devPath),
		slog.Int64("sizeSectors", sizeSectors))
	return nil
}

// ExpandFilesystem grows the filesystem to fill the device, reclaiming the
// slack the shrink left behind.
func (d *DiskUtil) ExpandFilesystem(ctx context.Context, devPath string) error {
	if _, err := d.run(ctx, "resize2fs", devPath); err != nil {
		return fmt.Errorf("failed to expand %s: %w", devPath, err)
	}
	return nil
}

// FormatFilesystem creates a fresh filesystem on the device.
func (d *DiskUtil) FormatFilesystem(ctx context.Context, devPath, fsType string) error {
	if fsType == "" {
		fsType = "ext4"
	}
	if _, err := d.run(ctx, "mkfs", "-t", fsType, devPath); err != nil {
		return fmt.Errorf("could not create %s filesystem on %s: %w", fsType, devPath, err)
	}
	d.log.Info("Formatted device",
		slog.String("devPath", devPath),
		slog.String("fsType", fsType))
	return nil
}
