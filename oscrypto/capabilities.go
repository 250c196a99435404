package oscrypto

import (
	"context"
	"fmt"
	"log/slog"
)

// lvmCapability encrypts an OS volume laid out as an LVM logical volume.
// The root LV is encrypted with a detached header (the PV layout leaves no
// room to relocate one), and the boot partition must be separate since the
// bootloader cannot read the encrypted root.
type lvmCapability struct {
	deps Deps
}

func newLVMCapability(deps Deps) Capability {
	return &lvmCapability{deps: deps}
}

func (c *lvmCapability) State() string {
	return "os-lvm"
}

func (c *lvmCapability) Run(ctx context.Context) error {
	root, err := findRootDevice(ctx, c.deps.Devices)
	if err != nil {
		return err
	}
	if root.Type != "lvm" {
		return fmt.Errorf("root device %s is %s, expected an LVM volume", root.DevPath, root.Type)
	}

	if _, ok, err := findMountedDevice(ctx, c.deps.Devices, "/boot"); err != nil {
		return err
	} else if !ok {
		return fmt.Errorf("no separate /boot partition, cannot encrypt the root volume")
	}

	c.deps.Log.Info("Encrypting OS root volume",
		slog.String("state", c.State()),
		slog.String("devPath", root.DevPath))
	return c.deps.Encrypt(ctx, root)
}

// plainCapability encrypts an OS volume sitting directly on a partition.
type plainCapability struct {
	deps Deps
}

func newPlainCapability(deps Deps) Capability {
	return &plainCapability{deps: deps}
}

func (c *plainCapability) State() string {
	return "os-plain"
}

func (c *plainCapability) Run(ctx context.Context) error {
	root, err := findRootDevice(ctx, c.deps.Devices)
	if err != nil {
		return err
	}
	if root.Type == "lvm" {
		return fmt.Errorf("root device %s is an LVM volume, expected a plain partition", root.DevPath)
	}

	if _, ok, err := findMountedDevice(ctx, c.deps.Devices, "/boot"); err != nil {
		return err
	} else if !ok {
		return fmt.Errorf("no separate /boot partition, cannot encrypt the root volume")
	}

	c.deps.Log.Info("Encrypting OS root volume",
		slog.String("state", c.State()),
		slog.String("devPath", root.DevPath))
	return c.deps.Encrypt(ctx, root)
}
