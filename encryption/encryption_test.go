package encryption

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cloudvolt/diskcryptd/config"
	"github.com/cloudvolt/diskcryptd/interfaces"
	"github.com/cloudvolt/diskcryptd/registry"
)

const passphraseFile = "/var/lib/diskcryptd/bek/passphrase"

// deviceContent builds a deterministic non-repeating pattern so any block
// written to the wrong offset shows up as a mismatch.
func deviceContent(size int64) []byte {
	data := make([]byte, size)
	for i := range data {
		data[i] = byte(i*7 + i/251)
	}
	return data
}

func dataVolume(devPath, mountPoint string) interfaces.DeviceItem {
	return interfaces.DeviceItem{
		Name:       filepath.Base(devPath),
		DevPath:    devPath,
		FileSystem: "ext4",
		MountPoint: mountPoint,
		Type:       "part",
	}
}

func TestEncryptInPlaceNoHeaderRelocatesData(t *testing.T) {
	m, fake := newTestManager(t)
	original := deviceContent(10240)
	device := dataVolume("/dev/sdc", "/mnt/data0")
	fake.addDevice(t, device, original)

	phase, err := m.EncryptInPlaceNoHeader(context.Background(), passphraseFile, &device, nil)
	require.NoError(t, err)
	assert.Equal(t, config.PhaseDone, phase)

	items, err := m.registry.List()
	require.NoError(t, err)
	require.Len(t, items, 1)
	crypt := items[0]
	assert.Equal(t, "/dev/sdc", crypt.DevPath)
	assert.Equal(t, config.None, crypt.HeaderFilePath)
	assert.Equal(t, "/mnt/data0", crypt.MountPoint)
	assert.Equal(t, "ext4", crypt.FileSystem)

	// The mapping exposes the original payload shifted past the header.
	mapperPath := m.mapperPath(crypt.MapperName)
	got, err := afero.ReadFile(fake.fs, mapperPath)
	require.NoError(t, err)
	assert.Equal(t, original[:10240-2048], got)

	// Filesystem was shrunk by a header's worth of sectors before the format.
	assert.Equal(t, int64((10240-2048)/512), fake.shrinkSectors["/dev/sdc"])

	assert.Contains(t, fake.unmounted, "/mnt/data0")
	assert.Equal(t, mapperPath, fake.mounted["/mnt/data0"])
	assert.Contains(t, fake.fstabRemoved, "/mnt/data0")
	assert.Contains(t, fake.expanded, mapperPath)

	ongoing, err := m.store.LoadOngoing()
	require.NoError(t, err)
	assert.Nil(t, ongoing, "checkpoint must be cleared on success")
	assert.False(t, fake.DeviceExists(m.scratchPath), "scratch file must be removed")
}

func TestEncryptInPlaceUnsupportedFilesystemAbandons(t *testing.T) {
	m, fake := newTestManager(t)
	device := dataVolume("/dev/sdc", "/mnt/data0")
	device.FileSystem = "xfs"
	fake.addDevice(t, device, deviceContent(10240))

	_, err := m.EncryptInPlaceNoHeader(context.Background(), passphraseFile, &device, nil)
	require.ErrorIs(t, err, interfaces.ErrUnsupportedFilesystem)

	ongoing, err := m.store.LoadOngoing()
	require.NoError(t, err)
	assert.Nil(t, ongoing, "abandoned checkpoint must be cleared")
	assert.Empty(t, fake.shrinkSectors, "device must not be touched")
	assert.False(t, fake.luksFormatted["/dev/sdc"])
}

func TestEncryptInPlaceShrinkHeadroomAbandons(t *testing.T) {
	m, fake := newTestManager(t)
	original := deviceContent(10240)
	device := dataVolume("/dev/sdc", "")
	fake.addDevice(t, device, original)
	fake.shrinkErr["/dev/sdc"] = interfaces.ErrShrinkHeadroom

	_, err := m.EncryptInPlaceNoHeader(context.Background(), passphraseFile, &device, nil)
	require.ErrorIs(t, err, interfaces.ErrShrinkHeadroom)

	ongoing, err := m.store.LoadOngoing()
	require.NoError(t, err)
	assert.Nil(t, ongoing)

	got, err := afero.ReadFile(fake.fs, "/dev/sdc")
	require.NoError(t, err)
	assert.Equal(t, original, got, "device data must be intact after an abandoned preflight")
}

func TestEncryptInPlaceResumesAfterInterruption(t *testing.T) {
	m, fake := newTestManager(t)
	original := deviceContent(10240)
	device := dataVolume("/dev/sdc", "/mnt/data0")
	fake.addDevice(t, device, original)

	// One commit for the header backup, then three data slices before the
	// simulated crash. The cursor for slice 3 is durable by then.
	fake.copyFailAfter = 4

	phase, err := m.EncryptInPlaceNoHeader(context.Background(), passphraseFile, &device, nil)
	require.ErrorContains(t, err, "simulated interruption")
	assert.Equal(t, config.PhaseCopyData, phase)

	item, err := m.store.LoadOngoing()
	require.NoError(t, err)
	require.NotNil(t, item)
	assert.Equal(t, config.PhaseCopyData, item.Phase)
	assert.Equal(t, int64(3), item.SliceIndex)
	assert.True(t, item.FromEnd, "relocation must copy back to front")

	phase, err = m.Resume(context.Background(), passphraseFile, item)
	require.NoError(t, err)
	assert.Equal(t, config.PhaseDone, phase)

	items, err := m.registry.List()
	require.NoError(t, err)
	require.Len(t, items, 1)

	got, err := afero.ReadFile(fake.fs, m.mapperPath(items[0].MapperName))
	require.NoError(t, err)
	assert.Equal(t, original[:10240-2048], got, "interrupted run must converge to the uninterrupted result")
}

func TestEncryptInPlaceWithHeaderKeepsDeviceSize(t *testing.T) {
	m, fake := newTestManager(t)
	original := deviceContent(8192)
	device := dataVolume("/dev/sdd", "/mnt/data1")
	device.UUID = "0f8fad5b-d9cb-469f-a165-70867728950e"
	fake.addDevice(t, device, original)

	phase, err := m.EncryptInPlaceWithHeader(context.Background(), passphraseFile, &device, nil)
	require.NoError(t, err)
	assert.Equal(t, config.PhaseDone, phase)

	items, err := m.registry.List()
	require.NoError(t, err)
	require.Len(t, items, 1)
	crypt := items[0]
	assert.Equal(t, "/dev/disk/by-uuid/0f8fad5b-d9cb-469f-a165-70867728950e", crypt.DevPath)
	assert.True(t, crypt.HasSeparateHeader())
	assert.True(t, fake.DeviceExists(crypt.HeaderFilePath))

	// The detached header leaves the whole device addressable.
	got, err := afero.ReadFile(fake.fs, m.mapperPath(crypt.MapperName))
	require.NoError(t, err)
	assert.Equal(t, original, got)

	ongoing, err := m.store.LoadOngoing()
	require.NoError(t, err)
	assert.Nil(t, ongoing)
}

func TestDecryptInPlaceRejectsGeometryMismatch(t *testing.T) {
	m, fake := newTestManager(t)
	require.NoError(t, afero.WriteFile(fake.fs, "/dev/sde", make([]byte, 10240), 0600))
	fake.luksFormatted["/dev/sde"] = true

	// A mapping the same size as its device cannot belong to an attached
	// header layout.
	require.NoError(t, afero.WriteFile(fake.fs, "/dev/mapper/m0", make([]byte, 10240), 0600))

	crypt := &config.CryptItem{
		MapperName:     "m0",
		DevPath:        "/dev/sde",
		HeaderFilePath: config.None,
	}
	_, err := m.DecryptInPlace(context.Background(), crypt, "/dev/sde")
	require.ErrorIs(t, err, interfaces.ErrDeviceMismatch)

	ongoing, err := m.store.LoadOngoing()
	require.NoError(t, err)
	assert.Nil(t, ongoing, "a refused decrypt must not leave a checkpoint")
}

func TestDecryptAllInPlaceRoundTrip(t *testing.T) {
	m, fake := newTestManager(t)
	original := deviceContent(10240)
	device := dataVolume("/dev/sdc", "/mnt/data0")
	fake.addDevice(t, device, original)

	_, err := m.EncryptInPlaceNoHeader(context.Background(), passphraseFile, &device, nil)
	require.NoError(t, err)

	items, err := m.registry.List()
	require.NoError(t, err)
	require.Len(t, items, 1)
	mapperName := items[0].MapperName

	failed, err := m.DecryptAllInPlace(context.Background(), passphraseFile)
	require.NoError(t, err)
	assert.Nil(t, failed)

	got, err := afero.ReadFile(fake.fs, "/dev/sdc")
	require.NoError(t, err)
	assert.Equal(t, original[:10240-2048], got[:10240-2048],
		"payload must be back in cleartext at the front of the device")

	items, err = m.registry.List()
	require.NoError(t, err)
	assert.Empty(t, items, "decrypted volumes must leave the registry")

	assert.Contains(t, fake.closed, mapperName)
	assert.Contains(t, fake.fstabRestored, "/mnt/data0")
	assert.Equal(t, 1, fake.mountAllCalls)

	ongoing, err := m.store.LoadOngoing()
	require.NoError(t, err)
	assert.Nil(t, ongoing)
}

func TestDecryptResumesAfterInterruption(t *testing.T) {
	m, fake := newTestManager(t)
	original := deviceContent(10240)
	device := dataVolume("/dev/sdc", "")
	fake.addDevice(t, device, original)
	other := dataVolume("/dev/sdd", "")
	fake.addDevice(t, other, original)

	_, err := m.EncryptInPlaceNoHeader(context.Background(), passphraseFile, &device, nil)
	require.NoError(t, err)
	_, err = m.EncryptInPlaceNoHeader(context.Background(), passphraseFile, &other, nil)
	require.NoError(t, err)

	fake.copyFailAfter = 2
	_, err = m.DecryptAllInPlace(context.Background(), passphraseFile)
	require.ErrorContains(t, err, "simulated interruption")

	item, err := m.store.LoadOngoing()
	require.NoError(t, err)
	require.NotNil(t, item)
	assert.Equal(t, config.PhaseDecryptData, item.Phase)
	assert.Equal(t, int64(2), item.SliceIndex)
	assert.False(t, item.FromEnd, "decryption must copy front to back")
	interrupted := item.MapperName

	phase, err := m.Resume(context.Background(), passphraseFile, item)
	require.NoError(t, err)
	assert.Equal(t, config.PhaseDone, phase)

	// The resume completes the volume's teardown, not just its copy.
	assert.Contains(t, fake.closed, interrupted)
	_, err = m.registry.Get(interrupted)
	assert.ErrorIs(t, err, registry.ErrCryptItemNotFound)

	got, err := afero.ReadFile(fake.fs, item.OriginalDevNamePath)
	require.NoError(t, err)
	assert.Equal(t, original[:10240-2048], got[:10240-2048])

	// A retried bulk pass then finishes the remaining volume without
	// tripping over a stale checkpoint.
	failed, err := m.DecryptAllInPlace(context.Background(), passphraseFile)
	require.NoError(t, err)
	assert.Nil(t, failed)

	items, err := m.registry.List()
	require.NoError(t, err)
	assert.Empty(t, items)

	got, err = afero.ReadFile(fake.fs, "/dev/sdd")
	require.NoError(t, err)
	assert.Equal(t, original[:10240-2048], got[:10240-2048])
}
