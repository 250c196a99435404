// Package oscrypto gates OS-volume encryption behind per-distribution
// capabilities. Encrypting the volume the OS is running from needs distro
// knowledge (boot layout, LVM arrangement), so support is an explicit
// lookup table; a distro/layout combination without an entry fails the
// process with ErrUnsupportedDistro before anything is touched.
package oscrypto

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/spf13/afero"

	"github.com/cloudvolt/diskcryptd/interfaces"
)

// Capability is one supported OS-volume encryption flow.
type Capability interface {
	// State names the distro/layout combination, for logs and status.
	State() string

	// Run performs the OS-volume encryption.
	Run(ctx context.Context) error
}

// Deps is what a capability gets to work with. Encrypt runs the in-place
// machine on the device the capability selects.
type Deps struct {
	Devices        interfaces.DevicePrimitives
	Encrypt        func(ctx context.Context, device *interfaces.DeviceItem) error
	PassphraseFile string
	Log            *slog.Logger
}

type entry struct {
	distro        string
	versionPrefix string
	lvm           bool
	build         func(Deps) Capability
}

var capabilities = []entry{
	{"rhel", "7", true, newLVMCapability},
	{"rhel", "7", false, newPlainCapability},
	{"centos", "7", true, newLVMCapability},
	{"centos", "7", false, newPlainCapability},
	{"ubuntu", "16.04", false, newPlainCapability},
}

// Lookup returns the capability for the running distribution, or
// ErrUnsupportedDistro when no entry matches.
func Lookup(distro, version string, lvm bool, deps Deps) (Capability, error) {
	d := strings.ToLower(distro)
	for _, e := range capabilities {
		if e.distro == d && strings.HasPrefix(version, e.versionPrefix) && e.lvm == lvm {
			cap := e.build(deps)
			deps.Log.Info("Selected OS volume capability", slog.String("state", cap.State()))
			return cap, nil
		}
	}
	return nil, fmt.Errorf("%s %s (lvm=%v): %w", distro, version, lvm, interfaces.ErrUnsupportedDistro)
}

// DetectDistro parses /etc/os-release for the distro id and version.
func DetectDistro(fs afero.Fs) (distro, version string, err error) {
	f, err := fs.Open("/etc/os-release")
	if err != nil {
		return "", "", fmt.Errorf("failed to read os-release: %w", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		if v, ok := strings.CutPrefix(line, "ID="); ok {
			distro = strings.Trim(v, `"`)
		}
		if v, ok := strings.CutPrefix(line, "VERSION_ID="); ok {
			version = strings.Trim(v, `"`)
		}
	}
	if err := scanner.Err(); err != nil {
		return "", "", err
	}
	if distro == "" || version == "" {
		return "", "", fmt.Errorf("os-release is missing ID or VERSION_ID")
	}
	return distro, version, nil
}

// RootIsLVM reports whether the root filesystem sits on an LVM volume.
func RootIsLVM(ctx context.Context, devices interfaces.DevicePrimitives) (bool, error) {
	root, err := findRootDevice(ctx, devices)
	if err != nil {
		return false, err
	}
	return root.Type == "lvm", nil
}

func findRootDevice(ctx context.Context, devices interfaces.DevicePrimitives) (*interfaces.DeviceItem, error) {
	items, err := devices.EnumerateDevices(ctx)
	if err != nil {
		return nil, err
	}
	for i := range items {
		if items[i].MountPoint == "/" {
			return &items[i], nil
		}
	}
	return nil, fmt.Errorf("root device: %w", interfaces.ErrDeviceNotFound)
}

func findMountedDevice(ctx context.Context, devices interfaces.DevicePrimitives, mountPoint string) (*interfaces.DeviceItem, bool, error) {
	items, err := devices.EnumerateDevices(ctx)
	if err != nil {
		return nil, false, err
	}
	for i := range items {
		if items[i].MountPoint == mountPoint {
			return &items[i], true, nil
		}
	}
	return nil, false, nil
}
