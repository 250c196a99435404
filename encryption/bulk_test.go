package encryption

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cloudvolt/diskcryptd/config"
	"github.com/cloudvolt/diskcryptd/interfaces"
)

func TestEncryptAllInPlaceHaltsOnFirstFailure(t *testing.T) {
	m, fake := newTestManager(t)
	fake.addDevice(t, dataVolume("/dev/sdc", "/mnt/data0"), deviceContent(10240))
	fake.addDevice(t, dataVolume("/dev/sdd", "/mnt/data1"), deviceContent(10240))
	fake.addDevice(t, dataVolume("/dev/sde", "/mnt/data2"), deviceContent(10240))
	fake.shrinkErr["/dev/sdd"] = interfaces.ErrShrinkHeadroom

	failed, err := m.EncryptAllInPlace(context.Background(), passphraseFile, SelectionPolicy{})
	require.ErrorIs(t, err, interfaces.ErrShrinkHeadroom)
	require.NotNil(t, failed)
	assert.Equal(t, "/dev/sdd", failed.DevPath)

	// The volume before the failure stays encrypted; the one after it is
	// never touched.
	items, listErr := m.registry.List()
	require.NoError(t, listErr)
	require.Len(t, items, 1)
	assert.True(t, fake.luksFormatted["/dev/sdc"])
	assert.False(t, fake.luksFormatted["/dev/sde"])

	ongoing, loadErr := m.store.LoadOngoing()
	require.NoError(t, loadErr)
	assert.Nil(t, ongoing, "an abandoned preflight must not leave a checkpoint")
}

func TestSelectCandidatesBaselineExclusions(t *testing.T) {
	m, fake := newTestManager(t)
	fake.addDevice(t, interfaces.DeviceItem{
		Name: "sda1", DevPath: "/dev/sda1", FileSystem: "ext4",
		MountPoint: "/", Type: "part", IsOSDisk: true,
	}, deviceContent(512))
	fake.addDevice(t, interfaces.DeviceItem{
		Name: "mapped", DevPath: "/dev/mapper/mapped", FileSystem: "ext4", Type: "crypt",
	}, deviceContent(512))
	fake.addDevice(t, interfaces.DeviceItem{
		Name: "sdb1", DevPath: "/dev/sdb1", FileSystem: "vfat",
		MountPoint: "/mnt/resource", Type: "part",
	}, deviceContent(512))
	fake.addDevice(t, interfaces.DeviceItem{
		Name: "sdz", DevPath: "/dev/sdz", FileSystem: "ext4", Type: "part",
	}, deviceContent(512))
	fake.addDevice(t, dataVolume("/dev/sdc1", "/mnt/data0"), deviceContent(512))

	require.NoError(t, m.registry.Add(config.CryptItem{MapperName: "m1", DevPath: "/dev/sdz"}))

	candidates, err := m.SelectCandidates(context.Background(), SelectionPolicy{RequireFileSystem: true})
	require.NoError(t, err)
	require.Len(t, candidates, 1)
	assert.Equal(t, "/dev/sdc1", candidates[0].DevPath)
}

func TestSelectCandidatesPolicyRequirements(t *testing.T) {
	m, fake := newTestManager(t)

	aliased := dataVolume("/dev/sdc1", "/mnt/data0")
	aliased.StableAlias = "/dev/disk/azure/scsi1/lun0"
	fake.addDevice(t, aliased, deviceContent(512))

	unaliased := dataVolume("/dev/sdd1", "/mnt/data1")
	fake.addDevice(t, unaliased, deviceContent(512))

	unmounted := dataVolume("/dev/sde1", "")
	unmounted.StableAlias = "/dev/disk/azure/scsi1/lun2"
	fake.addDevice(t, unmounted, deviceContent(512))

	bekVolume := dataVolume("/dev/sdf1", "/mnt/keys")
	fake.addDevice(t, bekVolume, deviceContent(512))

	candidates, err := m.SelectCandidates(context.Background(), SelectionPolicy{
		RequireMountPoint:  true,
		RequireStableAlias: true,
		ExcludeMountPoints: []string{"/mnt/keys"},
	})
	require.NoError(t, err)
	require.Len(t, candidates, 1)
	assert.Equal(t, "/dev/sdc1", candidates[0].DevPath)
}

func TestParseFormatQuery(t *testing.T) {
	items, err := ParseFormatQuery(`{"dev_path": "/dev/sdc", "mount_point": "/mnt/data0", "file_system": "ext4"}`)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "/dev/sdc", items[0].DevPath)

	items, err = ParseFormatQuery(`[{"name": "sdc1", "mount_point": "/a"}, {"name": "sdd1", "mount_point": "/b"}]`)
	require.NoError(t, err)
	assert.Len(t, items, 2)

	items, err = ParseFormatQuery("")
	require.NoError(t, err)
	assert.Empty(t, items)

	_, err = ParseFormatQuery("not json")
	assert.Error(t, err)
}

func TestEncryptFormatCreatesFreshVolumes(t *testing.T) {
	m, fake := newTestManager(t)
	fake.addDevice(t, dataVolume("/dev/sdc", "/mnt/data0"), deviceContent(10240))

	failed, err := m.EncryptFormat(context.Background(), passphraseFile, []FormatItem{
		{DevPath: "/dev/sdc", MountPoint: "/mnt/fresh", FileSystem: "ext4"},
	})
	require.NoError(t, err)
	assert.Nil(t, failed)

	items, err := m.registry.List()
	require.NoError(t, err)
	require.Len(t, items, 1)
	crypt := items[0]
	assert.Equal(t, "/mnt/fresh", crypt.MountPoint)
	assert.Equal(t, "ext4", crypt.FileSystem)

	mapperPath := m.mapperPath(crypt.MapperName)
	assert.True(t, fake.luksFormatted["/dev/sdc"])
	assert.Equal(t, "ext4", fake.fsFormatted[mapperPath], "filesystem goes inside the mapping")
	assert.Equal(t, mapperPath, fake.mounted["/mnt/fresh"])

	ongoing, err := m.store.LoadOngoing()
	require.NoError(t, err)
	assert.Nil(t, ongoing, "format commands are not checkpointed")
}

func TestEncryptFormatUnknownDeviceFails(t *testing.T) {
	m, _ := newTestManager(t)

	failed, err := m.EncryptFormat(context.Background(), passphraseFile, []FormatItem{
		{DevPath: "/dev/nope", MountPoint: "/mnt/x"},
	})
	require.ErrorIs(t, err, interfaces.ErrDeviceNotFound)
	require.NotNil(t, failed)
	assert.Equal(t, "/dev/nope", failed.DevPath)
}

func TestMountRegisteredVolumesReopensClosedMappings(t *testing.T) {
	m, fake := newTestManager(t)
	fake.addDevice(t, dataVolume("/dev/sdc", "/mnt/data0"), deviceContent(10240))

	_, err := m.EncryptInPlaceNoHeader(context.Background(), passphraseFile, &interfaces.DeviceItem{
		Name: "sdc", DevPath: "/dev/sdc", FileSystem: "ext4", MountPoint: "/mnt/data0", Type: "part",
	}, nil)
	require.NoError(t, err)

	items, err := m.registry.List()
	require.NoError(t, err)
	require.Len(t, items, 1)
	mapperPath := m.mapperPath(items[0].MapperName)

	// Simulate a reboot: the mapping and the mount are gone.
	require.NoError(t, fake.LuksClose(context.Background(), items[0].MapperName))
	delete(fake.mounted, "/mnt/data0")

	require.NoError(t, m.MountRegisteredVolumes(context.Background(), func(*config.CryptItem) string {
		return passphraseFile
	}))

	assert.True(t, fake.DeviceExists(mapperPath), "mapping must be reopened")
	assert.Equal(t, mapperPath, fake.mounted["/mnt/data0"], "volume must be remounted")
}

func TestEncryptFormatAllOnlyTakesPinnedMountedVolumes(t *testing.T) {
	m, fake := newTestManager(t)

	pinned := dataVolume("/dev/sdc1", "/mnt/data0")
	pinned.StableAlias = "/dev/disk/azure/scsi1/lun0"
	fake.addDevice(t, pinned, deviceContent(10240))

	floating := dataVolume("/dev/sdd1", "/mnt/data1")
	fake.addDevice(t, floating, deviceContent(10240))

	failed, err := m.EncryptFormatAll(context.Background(), passphraseFile, SelectionPolicy{})
	require.NoError(t, err)
	assert.Nil(t, failed)

	assert.True(t, fake.luksFormatted["/dev/sdc1"])
	assert.False(t, fake.luksFormatted["/dev/sdd1"], "unpinned volumes must never be wiped")

	items, err := m.registry.List()
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "/mnt/data0", items[0].MountPoint)
}
