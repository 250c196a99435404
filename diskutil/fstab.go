package diskutil

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/spf13/afero"
)

// fstabDisabledPrefix marks entries this daemon commented out so they can
// be restored verbatim when decryption completes.
const fstabDisabledPrefix = "# diskcryptd-disabled: "

func fstabMountPoint(line string) string {
	trimmed := strings.TrimSpace(line)
	if trimmed == "" || strings.HasPrefix(trimmed, "#") {
		return ""
	}
	fields := strings.Fields(trimmed)
	if len(fields) < 2 {
		return ""
	}
	return fields[1]
}

// RemoveFstabEntry comments out the entry for the mount point so the stale
// unencrypted device is not mounted at boot. The original line is kept
// under a marker prefix for restoration.
func (d *DiskUtil) RemoveFstabEntry(mountPoint string) error {
	data, err := afero.ReadFile(d.fs, d.cfg.FstabPath)
	if err != nil {
		return fmt.Errorf("failed to read fstab: %w", err)
	}

	changed := false
	lines := strings.Split(string(data), "\n")
	for i, line := range lines {
		if fstabMountPoint(line) == mountPoint {
			lines[i] = fstabDisabledPrefix + line
			changed = true
		}
	}
	if !changed {
		d.log.Info("No fstab entry to remove", slog.String("mountPoint", mountPoint))
		return nil
	}

	if err := d.writeFstab(lines); err != nil {
		return err
	}
	d.log.Info("Disabled fstab entry", slog.String("mountPoint", mountPoint))
	return nil
}

// RestoreFstabEntry reinstates an entry previously disabled for the mount
// point.
func (d *DiskUtil) RestoreFstabEntry(mountPoint string) error {
	data, err := afero.ReadFile(d.fs, d.cfg.FstabPath)
	if err != nil {
		return fmt.Errorf("failed to read fstab: %w", err)
	}

	changed := false
	lines := strings.Split(string(data), "\n")
	for i, line := range lines {
		if !strings.HasPrefix(line, fstabDisabledPrefix) {
			continue
		}
		original := strings.TrimPrefix(line, fstabDisabledPrefix)
		if fstabMountPoint(original) == mountPoint {
			lines[i] = original
			changed = true
		}
	}
	if !changed {
		d.log.Info("No disabled fstab entry to restore", slog.String("mountPoint", mountPoint))
		return nil
	}

	if err := d.writeFstab(lines); err != nil {
		return err
	}
	d.log.Info("Restored fstab entry", slog.String("mountPoint", mountPoint))
	return nil
}

// writeFstab replaces fstab atomically; a torn fstab is unbootable.
func (d *DiskUtil) writeFstab(lines []string) error {
	tmp := d.cfg.FstabPath + ".diskcryptd.tmp"
	if err := afero.WriteFile(d.fs, tmp, []byte(strings.Join(lines, "\n")), 0644); err != nil {
		return fmt.Errorf("failed to write fstab: %w", err)
	}
	if err := d.fs.Rename(tmp, d.cfg.FstabPath); err != nil {
		return fmt.Errorf("failed to replace fstab: %w", err)
	}
	return nil
}
