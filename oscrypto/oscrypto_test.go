package oscrypto

import (
	"io"
	"log/slog"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cloudvolt/diskcryptd/interfaces"
)

func testDeps() Deps {
	return Deps{Log: slog.New(slog.NewTextHandler(io.Discard, nil))}
}

func TestLookupTable(t *testing.T) {
	tests := []struct {
		distro  string
		version string
		lvm     bool
		state   string
		wantErr bool
	}{
		{"rhel", "7.4", true, "os-lvm", false},
		{"RHEL", "7.9", false, "os-plain", false},
		{"centos", "7.6", true, "os-lvm", false},
		{"ubuntu", "16.04", false, "os-plain", false},
		{"ubuntu", "16.04", true, "", true},
		{"ubuntu", "18.04", false, "", true},
		{"debian", "9", false, "", true},
		{"rhel", "8.1", false, "", true},
	}

	for _, tt := range tests {
		cap, err := Lookup(tt.distro, tt.version, tt.lvm, testDeps())
		if tt.wantErr {
			assert.ErrorIs(t, err, interfaces.ErrUnsupportedDistro,
				"%s %s lvm=%v", tt.distro, tt.version, tt.lvm)
			continue
		}
		require.NoError(t, err, "%s %s lvm=%v", tt.distro, tt.version, tt.lvm)
		assert.Equal(t, tt.state, cap.State())
	}
}

func TestDetectDistro(t *testing.T) {
	fs := afero.NewMemMapFs()
	osRelease := `NAME="CentOS Linux"
VERSION="7 (Core)"
ID="centos"
ID_LIKE="rhel fedora"
VERSION_ID="7"
`
	require.NoError(t, afero.WriteFile(fs, "/etc/os-release", []byte(osRelease), 0444))

	distro, version, err := DetectDistro(fs)
	require.NoError(t, err)
	assert.Equal(t, "centos", distro)
	assert.Equal(t, "7", version)
}

func TestDetectDistroMissingFields(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/etc/os-release", []byte("NAME=x\n"), 0444))

	_, _, err := DetectDistro(fs)
	assert.Error(t, err)
}
