package encryption

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"

	"github.com/cloudvolt/diskcryptd/config"
	"github.com/cloudvolt/diskcryptd/diskutil"
	"github.com/cloudvolt/diskcryptd/interfaces"
	"github.com/cloudvolt/diskcryptd/registry"
)

// fakeDevices implements interfaces.DevicePrimitives over an in-memory
// filesystem. Raw devices and mappings are plain files; "formatting" a
// device stamps junk over its front the way a real luksFormat destroys it,
// and opening a mapping creates a zero-filled file of the payload size
// that the copy then fills.
type fakeDevices struct {
	fs         afero.Fs
	log        *slog.Logger
	headerSize int64

	items []interfaces.DeviceItem

	shrinkErr     map[string]error
	shrinkSectors map[string]int64
	luksFormatted map[string]bool
	fsFormatted   map[string]string
	keyslots      map[string][]string
	mounted       map[string]string
	unmounted     []string
	fstabRemoved  []string
	fstabRestored []string
	expanded      []string
	closed        []string
	mountAllCalls int

	// copyFailAfter injects an interruption: the copy fails right after
	// this many slice commits, counted across calls.
	copyFailAfter int
}

func newFakeDevices(fs afero.Fs, log *slog.Logger) *fakeDevices {
	return &fakeDevices{
		fs:            fs,
		log:           log,
		headerSize:    2048,
		shrinkErr:     make(map[string]error),
		shrinkSectors: make(map[string]int64),
		luksFormatted: make(map[string]bool),
		fsFormatted:   make(map[string]string),
		keyslots:      make(map[string][]string),
		mounted:       make(map[string]string),
	}
}

var _ interfaces.DevicePrimitives = (*fakeDevices)(nil)

func (f *fakeDevices) addDevice(t *testing.T, item interfaces.DeviceItem, content []byte) {
	t.Helper()
	require.NoError(t, afero.WriteFile(f.fs, item.DevPath, content, 0600))
	item.Size = int64(len(content))
	f.items = append(f.items, item)
}

func (f *fakeDevices) slotKey(devPath, headerFile string) string {
	return devPath + "|" + headerFile
}

func (f *fakeDevices) EncryptDevice(ctx context.Context, devPath, passphraseFile, mapperName, headerFile string) error {
	size, err := f.DeviceSize(devPath)
	if err != nil {
		return err
	}

	payload := size
	if headerFile == "" {
		// An attached header destroys the device front.
		junk := make([]byte, min(f.headerSize, size))
		for i := range junk {
			junk[i] = 0xEE
		}
		fh, err := f.fs.OpenFile(devPath, createWriteFlags, 0600)
		if err != nil {
			return err
		}
		if _, err := fh.WriteAt(junk, 0); err != nil {
			fh.Close()
			return err
		}
		fh.Close()
		payload = size - f.headerSize
	} else {
		if err := afero.WriteFile(f.fs, headerFile, []byte("luks-header"), 0600); err != nil {
			return err
		}
	}

	f.luksFormatted[devPath] = true
	slots := make([]string, 8)
	slots[0] = passphraseFile
	f.keyslots[f.slotKey(devPath, headerFile)] = slots

	return f.openMapper(mapperName, payload)
}

func (f *fakeDevices) openMapper(mapperName string, payload int64) error {
	path := filepath.Join(interfaces.DevMapperRoot, mapperName)
	if exists, _ := afero.Exists(f.fs, path); exists {
		return nil
	}
	return afero.WriteFile(f.fs, path, make([]byte, payload), 0600)
}

func (f *fakeDevices) LuksOpen(ctx context.Context, passphraseFile, devPath, mapperName, headerFile string) error {
	size, err := f.DeviceSize(devPath)
	if err != nil {
		return err
	}
	if headerFile == "" {
		size -= f.headerSize
	}
	return f.openMapper(mapperName, size)
}

func (f *fakeDevices) LuksClose(ctx context.Context, mapperName string) error {
	f.closed = append(f.closed, mapperName)
	return f.fs.Remove(filepath.Join(interfaces.DevMapperRoot, mapperName))
}

func (f *fakeDevices) LuksAddKey(ctx context.Context, passphraseFile, devPath, headerFile, newKeyPath string) (int, error) {
	slots := f.keyslots[f.slotKey(devPath, headerFile)]
	for i, s := range slots {
		if s == "" {
			slots[i] = newKeyPath
			return i, nil
		}
	}
	return 0, errors.New("no free key slot")
}

func (f *fakeDevices) LuksRemoveKey(ctx context.Context, passphraseFile, devPath, headerFile string) error {
	slots := f.keyslots[f.slotKey(devPath, headerFile)]
	for i, s := range slots {
		if s == passphraseFile {
			slots[i] = ""
			return nil
		}
	}
	return errors.New("no key slot matches the passphrase")
}

func (f *fakeDevices) LuksDumpKeyslots(ctx context.Context, devPath, headerFile string) ([]bool, error) {
	slots, ok := f.keyslots[f.slotKey(devPath, headerFile)]
	if !ok {
		return nil, fmt.Errorf("%s is not a LUKS device", devPath)
	}
	out := make([]bool, len(slots))
	for i, s := range slots {
		out[i] = s != ""
	}
	return out, nil
}

func (f *fakeDevices) LuksHeaderSize(ctx context.Context, devPath string) (int64, error) {
	if !f.luksFormatted[devPath] {
		return 0, fmt.Errorf("%s is not a LUKS device", devPath)
	}
	return f.headerSize, nil
}

func (f *fakeDevices) CreateLuksHeader(mapperName string) (string, error) {
	path := filepath.Join("/var/lib/headers", mapperName+".hdr")
	if err := afero.WriteFile(f.fs, path, make([]byte, 1024), 0600); err != nil {
		return "", err
	}
	return path, nil
}

func (f *fakeDevices) FormatFilesystem(ctx context.Context, devPath, fsType string) error {
	f.fsFormatted[devPath] = fsType
	return nil
}

func (f *fakeDevices) ShrinkFilesystemTo(ctx context.Context, devPath string, sizeSectors int64) error {
	if err := f.shrinkErr[devPath]; err != nil {
		return err
	}
	f.shrinkSectors[devPath] = sizeSectors
	return nil
}

func (f *fakeDevices) ExpandFilesystem(ctx context.Context, devPath string) error {
	f.expanded = append(f.expanded, devPath)
	return nil
}

func (f *fakeDevices) Mount(ctx context.Context, devPath, mountPoint string) error {
	f.mounted[mountPoint] = devPath
	return nil
}

func (f *fakeDevices) Unmount(ctx context.Context, mountPoint string) error {
	delete(f.mounted, mountPoint)
	f.unmounted = append(f.unmounted, mountPoint)
	return nil
}

func (f *fakeDevices) MountAll(ctx context.Context) error {
	f.mountAllCalls++
	return nil
}

func (f *fakeDevices) RemoveFstabEntry(mountPoint string) error {
	f.fstabRemoved = append(f.fstabRemoved, mountPoint)
	return nil
}

func (f *fakeDevices) RestoreFstabEntry(mountPoint string) error {
	f.fstabRestored = append(f.fstabRestored, mountPoint)
	return nil
}

func (f *fakeDevices) EnumerateDevices(ctx context.Context) ([]interfaces.DeviceItem, error) {
	return f.items, nil
}

func (f *fakeDevices) DeviceSize(devPath string) (int64, error) {
	info, err := f.fs.Stat(devPath)
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}

func (f *fakeDevices) StableDevicePath(devPath string) (string, error) {
	return devPath, nil
}

func (f *fakeDevices) DeviceExists(path string) bool {
	exists, _ := afero.Exists(f.fs, path)
	return exists
}

func (f *fakeDevices) Copy(ctx context.Context, item *config.OngoingItem, commit interfaces.CommitFunc) error {
	wrapped := commit
	if f.copyFailAfter > 0 {
		wrapped = func(it *config.OngoingItem) error {
			if err := commit(it); err != nil {
				return err
			}
			f.copyFailAfter--
			if f.copyFailAfter == 0 {
				return errors.New("simulated interruption")
			}
			return nil
		}
	}
	return diskutil.NewCopier(f.fs, f.log).Run(ctx, item, wrapped)
}

const createWriteFlags = os.O_WRONLY | os.O_CREATE

func newTestManager(t *testing.T) (*Manager, *fakeDevices) {
	t.Helper()
	fs := afero.NewMemMapFs()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))

	store, err := config.NewStore(fs, "/var/lib/diskcryptd", log)
	require.NoError(t, err)

	fake := newFakeDevices(fs, log)
	m := NewManager(store, registry.New(store, log), fake, fs, log)
	m.blockSize = 1024
	m.headerSize = 2048
	return m, fake
}
