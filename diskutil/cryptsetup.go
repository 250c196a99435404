package diskutil

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strconv"
)

// EncryptDevice runs luksFormat on the device. With an empty headerFile the
// LUKS metadata occupies the front of the device; with a header file the
// device's addressable region is untouched.
func (d *DiskUtil) EncryptDevice(ctx context.Context, devPath, passphraseFile, mapperName, headerFile string) error {
	args := []string{"luksFormat", "-q", "--key-file", passphraseFile}
	if headerFile != "" {
		args = append(args, "--header", headerFile)
	}
	args = append(args, devPath)

	if _, err := d.run(ctx, d.cfg.CryptsetupPath, args...); err != nil {
		return fmt.Errorf("could not format %s: %w", devPath, err)
	}

	// Open immediately so the mapper device the copy phase writes to
	// exists. The mapper name is chosen once, before this phase, so a
	// replayed format cannot fork a second mapping.
	if err := d.LuksOpen(ctx, passphraseFile, devPath, mapperName, headerFile); err != nil {
		return err
	}

	d.log.Info("Encrypted device",
		slog.String("devPath", devPath),
		slog.String("mapperName", mapperName),
		slog.Bool("separateHeader", headerFile != ""))
	return nil
}

// LuksOpen unlocks the device under the mapper name. Opening an already
// open mapping is treated as success to support resume after a partial open.
func (d *DiskUtil) LuksOpen(ctx context.Context, passphraseFile, devPath, mapperName, headerFile string) error {
	if d.DeviceExists(MapperPath(mapperName)) {
		d.log.Debug("Mapper device already open, skipping luksOpen",
			slog.String("mapperName", mapperName))
		return nil
	}

	args := []string{"luksOpen", devPath, mapperName, "--key-file", passphraseFile}
	if headerFile != "" {
		args = append(args, "--header", headerFile)
	}
	if _, err := d.run(ctx, d.cfg.CryptsetupPath, args...); err != nil {
		return fmt.Errorf("could not open LUKS device %s: %w", devPath, err)
	}
	return nil
}

// LuksClose removes the mapping.
func (d *DiskUtil) LuksClose(ctx context.Context, mapperName string) error {
	if _, err := d.run(ctx, d.cfg.CryptsetupPath, "luksClose", mapperName); err != nil {
		return fmt.Errorf("could not close mapping %s: %w", mapperName, err)
	}
	return nil
}

// LuksAddKey adds the key in newKeyPath to a free slot and returns the slot
// index, determined by diffing the keyslot map before and after.
func (d *DiskUtil) LuksAddKey(ctx context.Context, passphraseFile, devPath, headerFile, newKeyPath string) (int, error) {
	before, err := d.LuksDumpKeyslots(ctx, devPath, headerFile)
	if err != nil {
		return -1, err
	}

	args := []string{"luksAddKey", devPath, newKeyPath, "--key-file", passphraseFile}
	if headerFile != "" {
		args = append(args, "--header", headerFile)
	}
	if _, err := d.run(ctx, d.cfg.CryptsetupPath, args...); err != nil {
		return -1, fmt.Errorf("could not add key to %s: %w", devPath, err)
	}

	after, err := d.LuksDumpKeyslots(ctx, devPath, headerFile)
	if err != nil {
		return -1, err
	}

	for i := range after {
		if after[i] && (i >= len(before) || !before[i]) {
			return i, nil
		}
	}
	return -1, fmt.Errorf("key added to %s but no new keyslot detected", devPath)
}

// LuksRemoveKey removes the key slot matching the passphrase file.
func (d *DiskUtil) LuksRemoveKey(ctx context.Context, passphraseFile, devPath, headerFile string) error {
	args := []string{"luksRemoveKey", devPath, passphraseFile}
	if headerFile != "" {
		args = append(args, "--header", headerFile)
	}
	if _, err := d.run(ctx, d.cfg.CryptsetupPath, args...); err != nil {
		return fmt.Errorf("could not remove key from %s: %w", devPath, err)
	}
	return nil
}

var (
	luks1SlotPattern   = regexp.MustCompile(`Key Slot (\d+): (ENABLED|DISABLED)`)
	luks2SlotPattern   = regexp.MustCompile(`(?m)^\s{2}(\d+): luks2`)
	payloadPattern     = regexp.MustCompile(`Payload offset:\s*(\d+)`)
	luks2OffsetPattern = regexp.MustCompile(`(?m)^\s*offset:\s*(\d+)\s*\[bytes\]`)
)

// LuksDumpKeyslots reports which of the 8 LUKS key slots are occupied,
// parsed from luksDump output in both LUKS1 and LUKS2 formats.
func (d *DiskUtil) LuksDumpKeyslots(ctx context.Context, devPath, headerFile string) ([]bool, error) {
	target := devPath
	if headerFile != "" {
		target = headerFile
	}
	out, err := d.run(ctx, d.cfg.CryptsetupPath, "luksDump", target)
	if err != nil {
		return nil, fmt.Errorf("could not dump LUKS metadata for %s: %w", devPath, err)
	}
	return ParseKeyslots(string(out)), nil
}

// ParseKeyslots extracts the keyslot occupancy map from luksDump output.
func ParseKeyslots(dump string) []bool {
	slots := make([]bool, 8)

	if matches := luks1SlotPattern.FindAllStringSubmatch(dump, -1); len(matches) > 0 {
		for _, m := range matches {
			idx, err := strconv.Atoi(m[1])
			if err != nil || idx >= len(slots) {
				continue
			}
			slots[idx] = m[2] == "ENABLED"
		}
		return slots
	}

	for _, m := range luks2SlotPattern.FindAllStringSubmatch(dump, -1) {
		idx, err := strconv.Atoi(m[1])
		if err != nil || idx >= len(slots) {
			continue
		}
		slots[idx] = true
	}
	return slots
}

// LuksHeaderSize returns the byte size of the header region recorded in the
// disk metadata: the payload offset in sectors for LUKS1, the segment
// offset in bytes for LUKS2.
func (d *DiskUtil) LuksHeaderSize(ctx context.Context, devPath string) (int64, error) {
	out, err := d.run(ctx, d.cfg.CryptsetupPath, "luksDump", devPath)
	if err != nil {
		return 0, fmt.Errorf("could not dump LUKS metadata for %s: %w", devPath, err)
	}
	return ParseHeaderSize(string(out))
}

// ParseHeaderSize extracts the header size in bytes from luksDump output.
func ParseHeaderSize(dump string) (int64, error) {
	if m := payloadPattern.FindStringSubmatch(dump); m != nil {
		sectors, err := strconv.ParseInt(m[1], 10, 64)
		if err != nil {
			return 0, fmt.Errorf("invalid payload offset: %w", err)
		}
		return sectors * SectorSize, nil
	}
	if m := luks2OffsetPattern.FindStringSubmatch(dump); m != nil {
		bytes, err := strconv.ParseInt(m[1], 10, 64)
		if err != nil {
			return 0, fmt.Errorf("invalid segment offset: %w", err)
		}
		return bytes, nil
	}
	return 0, fmt.Errorf("no payload offset found in LUKS metadata")
}
