package encryption

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/cloudvolt/diskcryptd/config"
	"github.com/cloudvolt/diskcryptd/interfaces"
)

const defaultFormatFilesystem = "ext4"

// FormatItem is one entry of a disk format query: a device named either by
// path or by kernel name, and the filesystem and mount point it should
// carry once encrypted.
type FormatItem struct {
	DevPath    string `json:"dev_path,omitempty"`
	Name       string `json:"name,omitempty"`
	MountPoint string `json:"mount_point"`
	FileSystem string `json:"file_system"`
}

// ParseFormatQuery decodes a disk format query. Both a single JSON object
// and an array of objects are accepted.
func ParseFormatQuery(query string) ([]FormatItem, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, nil
	}
	if strings.HasPrefix(query, "{") {
		query = "[" + query + "]"
	}
	var items []FormatItem
	if err := json.Unmarshal([]byte(query), &items); err != nil {
		return nil, fmt.Errorf("invalid disk format query: %w", err)
	}
	return items, nil
}

// EncryptFormat encrypts the queried devices, discarding their contents: a
// fresh LUKS volume is created over each and a new filesystem made inside
// it. No checkpoint is involved since there is no data to preserve. The
// first failure halts the run and the failing entry is returned.
func (m *Manager) EncryptFormat(ctx context.Context, passphraseFile string, items []FormatItem) (*FormatItem, error) {
	devices, err := m.devices.EnumerateDevices(ctx)
	if err != nil {
		return nil, err
	}

	for i := range items {
		query := items[i]
		device := matchFormatItem(devices, &query)
		if device == nil {
			return &query, fmt.Errorf("no device matches format query entry %q%q: %w",
				query.DevPath, query.Name, interfaces.ErrDeviceNotFound)
		}
		if err := m.encryptAndFormat(ctx, passphraseFile, *device, query.FileSystem, query.MountPoint); err != nil {
			return &query, err
		}
	}
	return nil, nil
}

// EncryptFormatAll encrypts and reformats every eligible data volume,
// keeping each volume's filesystem type and mount point. Only mounted
// devices with a platform-assigned udev alias qualify: the command wipes
// data, so a device must be pinned to a managed identity before it is
// eligible.
func (m *Manager) EncryptFormatAll(ctx context.Context, passphraseFile string, policy SelectionPolicy) (*interfaces.DeviceItem, error) {
	policy.RequireMountPoint = true
	policy.RequireStableAlias = true

	candidates, err := m.SelectCandidates(ctx, policy)
	if err != nil {
		return nil, err
	}
	m.log.Info("Selected data volumes for encrypt-format", slog.Int("count", len(candidates)))

	for i := range candidates {
		device := candidates[i]
		if err := m.encryptAndFormat(ctx, passphraseFile, device, device.FileSystem, device.MountPoint); err != nil {
			return &device, err
		}
	}
	return nil, nil
}

func matchFormatItem(devices []interfaces.DeviceItem, query *FormatItem) *interfaces.DeviceItem {
	for i := range devices {
		d := &devices[i]
		if query.DevPath != "" && d.DevPath == query.DevPath {
			return d
		}
		if query.Name != "" && d.Name == query.Name {
			return d
		}
	}
	return nil
}

func (m *Manager) encryptAndFormat(ctx context.Context, passphraseFile string, device interfaces.DeviceItem, fsType, mountPoint string) error {
	if fsType == "" {
		fsType = defaultFormatFilesystem
	}

	m.log.Info("Encrypting and formatting data volume",
		slog.String("devPath", device.DevPath),
		slog.String("fsType", fsType),
		slog.String("mountPoint", mountPoint))

	if device.MountPoint != "" {
		if err := m.devices.Unmount(ctx, device.MountPoint); err != nil {
			return fmt.Errorf("failed to unmount %s before formatting: %w", device.MountPoint, err)
		}
	}

	mapperName := newMapperName()
	if err := m.devices.EncryptDevice(ctx, device.DevPath, passphraseFile, mapperName, ""); err != nil {
		return fmt.Errorf("failed to format %s: %w", device.DevPath, err)
	}

	mapperPath := m.mapperPath(mapperName)
	if err := m.devices.FormatFilesystem(ctx, mapperPath, fsType); err != nil {
		return fmt.Errorf("failed to make a filesystem on %s: %w", mapperPath, err)
	}

	crypt := config.CryptItem{
		MapperName:     mapperName,
		DevPath:        m.stableDevPath(device.DevPath),
		HeaderFilePath: config.None,
		FileSystem:     fsType,
		MountPoint:     mountPointOrNone(mountPoint),
	}
	return m.registerCryptItem(ctx, crypt, mapperPath)
}
