package diskutil

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"path/filepath"

	"github.com/spf13/afero"

	"github.com/cloudvolt/diskcryptd/config"
	"github.com/cloudvolt/diskcryptd/interfaces"
)

const (
	// SectorSize is the logical sector size filesystem shrink math uses.
	SectorSize = 512

	// LuksHeaderSizeBytes is the space reserved at the front of an
	// in-place encrypted device for the LUKS header and key material.
	LuksHeaderSizeBytes = 4096 * SectorSize

	// DefaultBlockSize is the slice size of the resumable copy.
	DefaultBlockSize = 50 * 1024 * 1024

	// DefaultHeaderFileSize is the allocation for a detached LUKS header.
	DefaultHeaderFileSize = 16 * 1024 * 1024
)

// Config carries the host paths DiskUtil operates on. Zero values select
// the standard locations; tests point them into temp directories.
type Config struct {
	CryptsetupPath string
	FstabPath      string
	MountsPath     string
	HeaderDir      string
	ByIDDir        string
	AliasDir       string
}

func (c *Config) applyDefaults() {
	if c.CryptsetupPath == "" {
		c.CryptsetupPath = "cryptsetup"
	}
	if c.FstabPath == "" {
		c.FstabPath = "/etc/fstab"
	}
	if c.MountsPath == "" {
		c.MountsPath = "/proc/mounts"
	}
	if c.HeaderDir == "" {
		c.HeaderDir = "/var/lib/diskcryptd/headers"
	}
	if c.ByIDDir == "" {
		c.ByIDDir = "/dev/disk/by-id"
	}
	if c.AliasDir == "" {
		c.AliasDir = "/dev/disk/azure"
	}
}

// DiskUtil implements interfaces.DevicePrimitives against the running
// system. File access goes through an afero.Fs so fstab, header and copy
// logic are testable without a real machine.
type DiskUtil struct {
	cfg Config
	fs  afero.Fs
	log *slog.Logger
}

// New returns a DiskUtil over the given filesystem.
func New(cfg Config, fs afero.Fs, log *slog.Logger) *DiskUtil {
	cfg.applyDefaults()
	return &DiskUtil{cfg: cfg, fs: fs, log: log}
}

var _ interfaces.DevicePrimitives = (*DiskUtil)(nil)

// MapperPath returns the device path a mapping is exposed at.
func MapperPath(mapperName string) string {
	return filepath.Join(interfaces.DevMapperRoot, mapperName)
}

// run executes a command, returning combined output in the error on failure.
func (d *DiskUtil) run(ctx context.Context, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	var buf bytes.Buffer
	cmd.Stdout = &buf
	cmd.Stderr = &buf

	d.log.Debug("Executing command", slog.String("cmd", name+" "+joinArgs(args)))
	if err := cmd.Run(); err != nil {
		return buf.Bytes(), fmt.Errorf("%s failed: %w: %s", name, err, buf.String())
	}
	return buf.Bytes(), nil
}

func joinArgs(args []string) string {
	out := ""
	for i, a := range args {
		if i > 0 {
			out += " "
		}
		out += a
	}
	return out
}

// DeviceSize returns the size of the block device (or backing file) in bytes.
func (d *DiskUtil) DeviceSize(devPath string) (int64, error) {
	f, err := d.fs.Open(devPath)
	if err != nil {
		return 0, fmt.Errorf("failed to open %s: %w", devPath, err)
	}
	defer f.Close()

	size, err := f.Seek(0, io.SeekEnd)
	if err != nil {
		return 0, fmt.Errorf("failed to determine size of %s: %w", devPath, err)
	}
	return size, nil
}

// DeviceExists reports whether a path is currently present.
func (d *DiskUtil) DeviceExists(path string) bool {
	_, err := d.fs.Stat(path)
	return err == nil
}

// CreateLuksHeader allocates a zero-filled detached header file for the
// mapper name and returns its path.
func (d *DiskUtil) CreateLuksHeader(mapperName string) (string, error) {
	if err := d.fs.MkdirAll(d.cfg.HeaderDir, 0700); err != nil {
		return "", fmt.Errorf("failed to create header directory: %w", err)
	}

	path := filepath.Join(d.cfg.HeaderDir, mapperName+".hdr")
	f, err := d.fs.OpenFile(path, createWriteFlags, 0600)
	if err != nil {
		return "", fmt.Errorf("failed to create header file: %w", err)
	}
	defer f.Close()

	if err := f.Truncate(DefaultHeaderFileSize); err != nil {
		return "", fmt.Errorf("failed to allocate header file: %w", err)
	}
	return path, nil
}

// Copy runs the resumable slice copy described by the checkpoint cursor.
func (d *DiskUtil) Copy(ctx context.Context, item *config.OngoingItem, commit interfaces.CommitFunc) error {
	copier := NewCopier(d.fs, d.log)
	return copier.Run(ctx, item, commit)
}
