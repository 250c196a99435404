package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/afero"
	"github.com/urfave/cli/v2"

	"github.com/cloudvolt/diskcryptd/common"
	"github.com/cloudvolt/diskcryptd/config"
	"github.com/cloudvolt/diskcryptd/daemon"
	"github.com/cloudvolt/diskcryptd/diskutil"
	"github.com/cloudvolt/diskcryptd/encryption"
	"github.com/cloudvolt/diskcryptd/interfaces"
	"github.com/cloudvolt/diskcryptd/keyvault"
	"github.com/cloudvolt/diskcryptd/oscrypto"
	"github.com/cloudvolt/diskcryptd/registry"
)

var flags []cli.Flag = []cli.Flag{
	&cli.StringFlag{
		Name:  "config-dir",
		Value: "/var/lib/diskcryptd",
		Usage: "directory for checkpoint and registry files",
	},
	&cli.StringFlag{
		Name:  "bek-dir",
		Value: "/mnt/diskcryptd-keys",
		Usage: "mount point of the key volume holding passphrase files",
	},
	&cli.StringFlag{
		Name:  "lock-file",
		Value: "/var/lib/diskcryptd/daemon.lock",
		Usage: "path of the machine-wide advisory lock",
	},
	&cli.StringFlag{
		Name:  "secret-store",
		Value: "file:///var/lib/diskcryptd/secrets",
		Usage: "secret escrow location: file://, vault:// or s3:// URI",
	},
	&cli.Int64Flag{
		Name:  "sequence",
		Value: 0,
		Usage: "invocation sequence number from the dispatch shell",
	},
	&cli.StringFlag{
		Name:  "command",
		Value: "",
		Usage: "command to record before settling: EnableEncryption, EnableEncryptionFormat, EnableEncryptionFormatAll or DisableEncryption",
	},
	&cli.StringFlag{
		Name:  "volume-type",
		Value: string(config.VolumeTypeData),
		Usage: "scope of the command: OS, Data or All",
	},
	&cli.StringFlag{
		Name:  "disk-format-query",
		Value: "",
		Usage: "JSON device list for the format commands",
	},
	&cli.Int64Flag{
		Name:  "startup-delay-seconds",
		Value: 0,
		Usage: "seconds to wait before settling, so device enumeration stabilizes after boot",
	},
	&cli.BoolFlag{
		Name:  "log-json",
		Value: false,
		Usage: "log in JSON format",
	},
	&cli.BoolFlag{
		Name:  "log-debug",
		Value: false,
		Usage: "log debug messages",
	},
}

func main() {
	app := &cli.App{
		Name:  "diskcryptd",
		Usage: "Resumable in-place disk encryption daemon",
		Flags: flags,
		Commands: []*cli.Command{
			{
				Name:   "daemon",
				Usage:  "Record the requested command and run one settlement pass",
				Action: runDaemon,
			},
			{
				Name:   "status",
				Usage:  "Print the registered encrypted volumes and pending state",
				Action: runStatus,
			},
			{
				Name:   "rotate-keys",
				Usage:  "Escrow a fresh root secret and rotate every volume onto it",
				Action: runRotateKeys,
			},
			{
				Name:   "recover-key",
				Usage:  "Rebuild the passphrase file from the escrowed root secret",
				Action: runRecoverKey,
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func runDaemon(cCtx *cli.Context) error {
	logger := common.SetupLogger(&common.LoggingOpts{
		Debug:   cCtx.Bool("log-debug"),
		JSON:    cCtx.Bool("log-json"),
		Service: "diskcryptd",
		Version: common.Version,
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	fs := afero.NewOsFs()

	store, err := config.NewStore(fs, cCtx.String("config-dir"), logger)
	if err != nil {
		return err
	}
	reg := registry.New(store, logger)
	devices := diskutil.New(diskutil.Config{}, fs, logger)
	manager := encryption.NewManager(store, reg, devices, fs, logger)

	bek, err := keyvault.NewBekManager(fs, cCtx.String("bek-dir"), logger)
	if err != nil {
		return err
	}
	secrets, err := keyvault.NewSecretStoreFactory(fs, logger).SecretStoreFor(cCtx.String("secret-store"))
	if err != nil {
		return err
	}
	stamper := keyvault.NewStamper(store, secrets, bek, logger)
	rotator := keyvault.NewRotator(reg, devices, bek, logger)

	osEncrypt := resolveOSCapability(ctx, fs, devices, manager, logger)

	lock := daemon.NewProcessLock(cCtx.String("lock-file"), logger)
	d := daemon.New(daemon.Config{
		Sequence:     cCtx.Int64("sequence"),
		StartupDelay: time.Duration(cCtx.Int64("startup-delay-seconds")) * time.Second,
	}, store, lock, manager, stamper, rotator, bek, osEncrypt, logger)

	if command := cCtx.String("command"); command != "" {
		volumeType, err := parseVolumeType(cCtx.String("volume-type"))
		if err != nil {
			return err
		}
		if err := d.Submit(ctx, config.Command(command), volumeType, cCtx.String("disk-format-query")); err != nil {
			return err
		}
	}

	return d.Run(ctx)
}

// resolveOSCapability probes the distribution and returns the OS-volume
// encryption hook, or nil when the distro/layout has no supported flow.
// The daemon only fails on a missing capability if an OS volume is
// actually requested.
func resolveOSCapability(ctx context.Context, fs afero.Fs, devices interfaces.DevicePrimitives, manager *encryption.Manager, logger *slog.Logger) func(ctx context.Context, passphraseFile string) error {
	distro, version, err := oscrypto.DetectDistro(fs)
	if err != nil {
		logger.Warn("Could not detect the distribution, OS volume requests will fail", "err", err)
		return nil
	}
	lvm, err := oscrypto.RootIsLVM(ctx, devices)
	if err != nil {
		logger.Warn("Could not inspect the root device, OS volume requests will fail", "err", err)
		return nil
	}

	return func(ctx context.Context, passphraseFile string) error {
		capability, err := oscrypto.Lookup(distro, version, lvm, oscrypto.Deps{
			Devices: devices,
			Encrypt: func(ctx context.Context, device *interfaces.DeviceItem) error {
				_, err := manager.EncryptInPlaceWithHeader(ctx, passphraseFile, device, nil)
				return err
			},
			PassphraseFile: passphraseFile,
			Log:            logger,
		})
		if err != nil {
			return err
		}
		return capability.Run(ctx)
	}
}

func parseVolumeType(s string) (config.VolumeType, error) {
	switch config.VolumeType(s) {
	case config.VolumeTypeOS, config.VolumeTypeData, config.VolumeTypeAll:
		return config.VolumeType(s), nil
	default:
		return "", fmt.Errorf("unknown volume type %q", s)
	}
}

func runRotateKeys(cCtx *cli.Context) error {
	logger := common.SetupLogger(&common.LoggingOpts{
		Debug:   cCtx.Bool("log-debug"),
		JSON:    cCtx.Bool("log-json"),
		Service: "diskcryptd",
		Version: common.Version,
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	fs := afero.NewOsFs()
	store, err := config.NewStore(fs, cCtx.String("config-dir"), logger)
	if err != nil {
		return err
	}
	reg := registry.New(store, logger)
	devices := diskutil.New(diskutil.Config{}, fs, logger)

	bek, err := keyvault.NewBekManager(fs, cCtx.String("bek-dir"), logger)
	if err != nil {
		return err
	}
	secrets, err := keyvault.NewSecretStoreFactory(fs, logger).SecretStoreFor(cCtx.String("secret-store"))
	if err != nil {
		return err
	}
	stamper := keyvault.NewStamper(store, secrets, bek, logger)
	rotator := keyvault.NewRotator(reg, devices, bek, logger)

	lock := daemon.NewProcessLock(cCtx.String("lock-file"), logger)
	if err := lock.Acquire(); err != nil {
		return err
	}
	defer lock.Release()

	path, err := stamper.Rekey(ctx, rotator, cCtx.Int64("sequence"))
	if err != nil {
		return err
	}
	logger.Info("Key rotation finished", "passphraseFile", path)
	return nil
}

func runRecoverKey(cCtx *cli.Context) error {
	logger := common.SetupLogger(&common.LoggingOpts{
		Debug:   cCtx.Bool("log-debug"),
		JSON:    cCtx.Bool("log-json"),
		Service: "diskcryptd",
		Version: common.Version,
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	fs := afero.NewOsFs()
	store, err := config.NewStore(fs, cCtx.String("config-dir"), logger)
	if err != nil {
		return err
	}
	bek, err := keyvault.NewBekManager(fs, cCtx.String("bek-dir"), logger)
	if err != nil {
		return err
	}
	secrets, err := keyvault.NewSecretStoreFactory(fs, logger).SecretStoreFor(cCtx.String("secret-store"))
	if err != nil {
		return err
	}

	path, err := keyvault.NewStamper(store, secrets, bek, logger).Recover(ctx)
	if err != nil {
		return err
	}
	logger.Info("Recovered passphrase file", "passphraseFile", path)
	return nil
}

func runStatus(cCtx *cli.Context) error {
	logger := common.SetupLogger(&common.LoggingOpts{
		Debug:   cCtx.Bool("log-debug"),
		JSON:    cCtx.Bool("log-json"),
		Service: "diskcryptd",
		Version: common.Version,
	})

	fs := afero.NewOsFs()
	store, err := config.NewStore(fs, cCtx.String("config-dir"), logger)
	if err != nil {
		return err
	}
	reg := registry.New(store, logger)

	items, err := reg.List()
	if err != nil {
		return err
	}
	if len(items) == 0 {
		fmt.Println("no encrypted volumes registered")
	}
	for _, item := range items {
		header := "attached"
		if item.HasSeparateHeader() {
			header = item.HeaderFilePath
		}
		fmt.Printf("%s\t%s\tmount=%s\tfs=%s\theader=%s\tslot=%d\n",
			item.MapperName, item.DevPath, item.MountPoint, item.FileSystem, header, item.CurrentLuksSlot)
	}

	if ongoing, err := store.LoadOngoing(); err == nil && ongoing != nil {
		fmt.Printf("in-flight: %s on %s (slice %d of %d-byte blocks)\n",
			ongoing.Phase, ongoing.OriginalDevNamePath, ongoing.SliceIndex, ongoing.BlockSize)
	}
	if mark, err := store.LoadEncryptionMark(); err == nil && mark != nil {
		fmt.Printf("pending: %s (%s)\n", mark.Command, mark.VolumeType)
	}
	if mark, err := store.LoadDecryptionMark(); err == nil && mark != nil {
		fmt.Printf("pending: %s (%s)\n", mark.Command, mark.VolumeType)
	}
	return nil
}
