package diskutil

import (
	"log/slog"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testFstab = `# /etc/fstab
UUID=c0ffee00-aaaa /            ext4 defaults 0 1
UUID=deadbeef-bbbb /boot        ext4 defaults 0 2
/dev/sdc1          /mnt/data0   ext4 defaults,nofail 0 2
/dev/sdd1          /mnt/data1   ext4 defaults,nofail 0 2
`

func newTestDiskUtil(t *testing.T) (*DiskUtil, afero.Fs) {
	t.Helper()
	fs := afero.NewMemMapFs()
	du := New(Config{
		FstabPath:  "/etc/fstab",
		MountsPath: "/proc/mounts",
		HeaderDir:  "/var/lib/diskcryptd/headers",
	}, fs, slog.Default())
	return du, fs
}

func TestRemoveAndRestoreFstabEntry(t *testing.T) {
	du, fs := newTestDiskUtil(t)
	require.NoError(t, afero.WriteFile(fs, "/etc/fstab", []byte(testFstab), 0644))

	require.NoError(t, du.RemoveFstabEntry("/mnt/data0"))

	data, err := afero.ReadFile(fs, "/etc/fstab")
	require.NoError(t, err)
	assert.Contains(t, string(data), fstabDisabledPrefix+"/dev/sdc1")
	assert.Contains(t, string(data), "/dev/sdd1          /mnt/data1", "unrelated entries untouched")
	assert.NotContains(t, string(data), "\n/dev/sdc1", "active entry must be gone")

	require.NoError(t, du.RestoreFstabEntry("/mnt/data0"))

	data, err = afero.ReadFile(fs, "/etc/fstab")
	require.NoError(t, err)
	assert.Equal(t, testFstab, string(data), "restore must reproduce the original fstab")
}

func TestRemoveFstabEntryWithoutMatchIsNoop(t *testing.T) {
	du, fs := newTestDiskUtil(t)
	require.NoError(t, afero.WriteFile(fs, "/etc/fstab", []byte(testFstab), 0644))

	require.NoError(t, du.RemoveFstabEntry("/mnt/never-mounted"))

	data, err := afero.ReadFile(fs, "/etc/fstab")
	require.NoError(t, err)
	assert.Equal(t, testFstab, string(data))
}

func TestIsMounted(t *testing.T) {
	du, fs := newTestDiskUtil(t)
	mounts := "/dev/sda1 / ext4 rw,relatime 0 0\n/dev/mapper/m0 /mnt/data0 ext4 rw 0 0\n"
	require.NoError(t, afero.WriteFile(fs, "/proc/mounts", []byte(mounts), 0444))

	assert.True(t, du.IsMounted("/mnt/data0"))
	assert.False(t, du.IsMounted("/mnt/data1"))
}

func TestCreateLuksHeader(t *testing.T) {
	du, fs := newTestDiskUtil(t)

	path, err := du.CreateLuksHeader("0f8fad5b-d9cb-469f-a165-70867728950e")
	require.NoError(t, err)
	assert.Equal(t, "/var/lib/diskcryptd/headers/0f8fad5b-d9cb-469f-a165-70867728950e.hdr", path)

	info, err := fs.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, int64(DefaultHeaderFileSize), info.Size())
}

func TestDeviceSize(t *testing.T) {
	du, fs := newTestDiskUtil(t)
	require.NoError(t, afero.WriteFile(fs, "/dev/sdc", make([]byte, 4096), 0600))

	size, err := du.DeviceSize("/dev/sdc")
	require.NoError(t, err)
	assert.Equal(t, int64(4096), size)

	_, err = du.DeviceSize("/dev/missing")
	assert.Error(t, err)
}

func TestParseKeyslotsLuks1(t *testing.T) {
	dump := `LUKS header information for /dev/sdc

Version:        1
Payload offset: 4096
Key Slot 0: ENABLED
Key Slot 1: ENABLED
Key Slot 2: DISABLED
Key Slot 3: DISABLED
Key Slot 4: DISABLED
Key Slot 5: DISABLED
Key Slot 6: DISABLED
Key Slot 7: DISABLED
`
	slots := ParseKeyslots(dump)
	assert.Equal(t, []bool{true, true, false, false, false, false, false, false}, slots)

	size, err := ParseHeaderSize(dump)
	require.NoError(t, err)
	assert.Equal(t, int64(4096*512), size)
}

func TestParseKeyslotsLuks2(t *testing.T) {
	dump := `LUKS header information
Version:       	2

Keyslots:
  0: luks2
	Key:        512 bits
  3: luks2
	Key:        512 bits

Data segments:
  0: crypt
	offset: 16777216 [bytes]
	length: (whole device)
`
	slots := ParseKeyslots(dump)
	assert.Equal(t, []bool{true, false, false, true, false, false, false, false}, slots)

	size, err := ParseHeaderSize(dump)
	require.NoError(t, err)
	assert.Equal(t, int64(16777216), size)
}

func TestParseHeaderSizeRejectsGarbage(t *testing.T) {
	_, err := ParseHeaderSize("not a luks dump")
	assert.Error(t, err)
}
