package encryption

import (
	"context"
	"log/slog"

	"github.com/cloudvolt/diskcryptd/config"
)

// MountRegisteredVolumes brings every registered volume back after a
// reboot: closed mappings are reopened with the passphrase file the
// callback names for the item, and volumes with a mount point are mounted.
// Individual failures are logged and skipped so one broken volume does not
// keep the rest offline.
func (m *Manager) MountRegisteredVolumes(ctx context.Context, passphrasePathFor func(*config.CryptItem) string) error {
	items, err := m.registry.List()
	if err != nil {
		return err
	}

	for i := range items {
		item := items[i]
		mapperPath := m.mapperPath(item.MapperName)

		if !m.devices.DeviceExists(mapperPath) {
			headerFile := ""
			if item.HasSeparateHeader() {
				headerFile = item.HeaderFilePath
			}
			if err := m.devices.LuksOpen(ctx, passphrasePathFor(&item), item.DevPath, item.MapperName, headerFile); err != nil {
				m.log.Error("Could not reopen encrypted volume",
					slog.String("mapperName", item.MapperName),
					slog.String("devPath", item.DevPath), "err", err)
				continue
			}

			if item.HasMountPoint() {
				if err := m.devices.Mount(ctx, mapperPath, item.MountPoint); err != nil {
					m.log.Error("Could not mount encrypted volume",
						slog.String("mapperPath", mapperPath),
						slog.String("mountPoint", item.MountPoint), "err", err)
				}
			}
		}
	}
	return nil
}
