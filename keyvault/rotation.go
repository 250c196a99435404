package keyvault

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/cloudvolt/diskcryptd/config"
	"github.com/cloudvolt/diskcryptd/registry"
)

// KeySlotter is the slice of the device primitives rotation needs.
type KeySlotter interface {
	LuksAddKey(ctx context.Context, passphraseFile, devPath, headerFile, newKeyPath string) (int, error)
	LuksRemoveKey(ctx context.Context, passphraseFile, devPath, headerFile string) error
	LuksDumpKeyslots(ctx context.Context, devPath, headerFile string) ([]bool, error)
}

// Rotator applies key changes across every registered volume.
type Rotator struct {
	registry *registry.Registry
	devices  KeySlotter
	bek      *BekManager
	log      *slog.Logger
}

// NewRotator returns a rotator over the registered volumes.
func NewRotator(reg *registry.Registry, devices KeySlotter, bek *BekManager, log *slog.Logger) *Rotator {
	return &Rotator{registry: reg, devices: devices, bek: bek, log: log}
}

func headerFileOf(item *config.CryptItem) string {
	if item.HasSeparateHeader() {
		return item.HeaderFilePath
	}
	return ""
}

// RotateKeys adds the new passphrase to every registered volume and only
// then removes the old one everywhere. The two passes never interleave: an
// interruption between them leaves every volume openable with both keys,
// never with neither.
func (r *Rotator) RotateKeys(ctx context.Context, oldPassphrasePath, newPassphrasePath string) error {
	if err := r.AddKeyEverywhere(ctx, oldPassphrasePath, newPassphrasePath); err != nil {
		return err
	}
	return r.RemoveKeyEverywhere(ctx, oldPassphrasePath)
}

// AddKeyEverywhere adds the new passphrase to every registered volume and
// records the slot it landed in.
func (r *Rotator) AddKeyEverywhere(ctx context.Context, oldPassphrasePath, newPassphrasePath string) error {
	items, err := r.registry.List()
	if err != nil {
		return err
	}

	for i := range items {
		item := items[i]
		slot, err := r.devices.LuksAddKey(ctx, oldPassphrasePath, item.DevPath, headerFileOf(&item), newPassphrasePath)
		if err != nil {
			return fmt.Errorf("failed to add the new key to %s: %w", item.MapperName, err)
		}
		item.CurrentLuksSlot = slot
		if err := r.registry.Update(item); err != nil {
			return err
		}
		r.log.Info("Added rotated key",
			slog.String("mapperName", item.MapperName),
			slog.Int("slot", slot))
	}
	return nil
}

// RemoveKeyEverywhere removes the slot unlocked by the given passphrase
// from every registered volume.
func (r *Rotator) RemoveKeyEverywhere(ctx context.Context, passphrasePath string) error {
	items, err := r.registry.List()
	if err != nil {
		return err
	}

	for i := range items {
		item := items[i]
		if err := r.devices.LuksRemoveKey(ctx, passphrasePath, item.DevPath, headerFileOf(&item)); err != nil {
			return fmt.Errorf("failed to remove the old key from %s: %w", item.MapperName, err)
		}
	}

	r.log.Info("Key rotation complete", slog.Int("volumes", len(items)))
	return nil
}

// StageCleartextKey prepares volumes for decryption: a throwaway key is
// written to the key volume and added to every registered volume, and the
// registry records that each item opens with it. After a reboot the daemon
// can then reopen every mapping and resume decryption without reaching the
// escrowed secret.
func (r *Rotator) StageCleartextKey(ctx context.Context, protectedPassphrasePath string) (string, error) {
	items, err := r.registry.List()
	if err != nil {
		return "", err
	}

	passphrase, err := GenerateSecret()
	if err != nil {
		return "", err
	}
	path, err := r.bek.Store(CleartextKeyName, passphrase)
	if err != nil {
		return "", err
	}

	for i := range items {
		item := items[i]
		if item.UsesCleartextKey {
			continue
		}
		slot, err := r.devices.LuksAddKey(ctx, protectedPassphrasePath, item.DevPath, headerFileOf(&item), path)
		if err != nil {
			return "", fmt.Errorf("failed to stage the cleartext key on %s: %w", item.MapperName, err)
		}
		item.UsesCleartextKey = true
		item.CurrentLuksSlot = slot
		if err := r.registry.Update(item); err != nil {
			return "", err
		}
	}

	r.log.Info("Staged cleartext key for decryption", slog.Int("volumes", len(items)))
	return path, nil
}
