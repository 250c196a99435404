// Package registry maintains the list of currently encrypted volumes. It is
// the system's source of truth for which devices are encrypted: every
// higher-level operation consults it, the selection policy excludes devices
// already present in it, and mount restoration iterates it after reboot.
//
// Entries are persisted through the config store; the registry itself holds
// no state beyond the store handle.
package registry

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/cloudvolt/diskcryptd/config"
)

// Errors returned by registry operations.
var (
	// ErrMapperNameExists means an add would reuse an existing mapper
	// name. Adds fail closed; they never overwrite.
	ErrMapperNameExists = errors.New("a crypt item with this mapper name already exists")

	// ErrCryptItemNotFound means no entry matches the mapper name.
	ErrCryptItemNotFound = errors.New("crypt item not found")
)

// Registry provides CRUD over the persisted crypt item list, keyed by the
// unique LUKS mapper name.
type Registry struct {
	store *config.Store
	log   *slog.Logger
}

// New returns a registry over the given config store.
func New(store *config.Store, log *slog.Logger) *Registry {
	return &Registry{store: store, log: log}
}

// List returns all registered crypt items.
func (r *Registry) List() ([]config.CryptItem, error) {
	return r.store.LoadCryptItems()
}

// Get returns the crypt item with the given mapper name.
func (r *Registry) Get(mapperName string) (*config.CryptItem, error) {
	items, err := r.store.LoadCryptItems()
	if err != nil {
		return nil, err
	}
	for i := range items {
		if items[i].MapperName == mapperName {
			return &items[i], nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrCryptItemNotFound, mapperName)
}

// Add registers a newly encrypted volume. The mapper name must be unique;
// a duplicate add fails with ErrMapperNameExists and leaves the list
// untouched.
func (r *Registry) Add(item config.CryptItem) error {
	if item.MapperName == "" {
		return errors.New("crypt item mapper name must not be empty")
	}

	items, err := r.store.LoadCryptItems()
	if err != nil {
		return err
	}
	for i := range items {
		if items[i].MapperName == item.MapperName {
			return fmt.Errorf("%w: %s", ErrMapperNameExists, item.MapperName)
		}
	}

	items = append(items, item)
	if err := r.store.SaveCryptItems(items); err != nil {
		return fmt.Errorf("failed to persist crypt item: %w", err)
	}

	r.log.Info("Registered crypt item",
		slog.String("mapperName", item.MapperName),
		slog.String("devPath", item.DevPath))
	return nil
}

// Update replaces the entry matching item's mapper name.
func (r *Registry) Update(item config.CryptItem) error {
	items, err := r.store.LoadCryptItems()
	if err != nil {
		return err
	}
	for i := range items {
		if items[i].MapperName == item.MapperName {
			items[i] = item
			return r.store.SaveCryptItems(items)
		}
	}
	return fmt.Errorf("%w: %s", ErrCryptItemNotFound, item.MapperName)
}

// Remove deletes the entry with the given mapper name. Removing an absent
// entry is not an error: decryption completion must be idempotent.
func (r *Registry) Remove(mapperName string) error {
	items, err := r.store.LoadCryptItems()
	if err != nil {
		return err
	}

	kept := items[:0]
	removed := false
	for _, it := range items {
		if it.MapperName == mapperName {
			removed = true
			continue
		}
		kept = append(kept, it)
	}
	if !removed {
		return nil
	}

	if err := r.store.SaveCryptItems(kept); err != nil {
		return fmt.Errorf("failed to persist crypt item removal: %w", err)
	}
	r.log.Info("Removed crypt item", slog.String("mapperName", mapperName))
	return nil
}

// IsRegisteredDevice reports whether any crypt item references the device,
// either through its recorded stable path or through the mapper name (for
// devices enumerated as open crypt mappings).
func (r *Registry) IsRegisteredDevice(devName, devPath string) (bool, error) {
	items, err := r.store.LoadCryptItems()
	if err != nil {
		return false, err
	}
	for _, it := range items {
		if it.MapperName == devName {
			return true, nil
		}
		if devPath != "" && it.DevPath == devPath {
			return true, nil
		}
		// Recorded paths are stable by-id links; match on the trailing
		// component as well since enumeration reports kernel names.
		if devName != "" && strings.HasSuffix(it.DevPath, "/"+devName) {
			return true, nil
		}
	}
	return false, nil
}
