package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.uber.org/atomic"

	"github.com/cloudvolt/diskcryptd/config"
	"github.com/cloudvolt/diskcryptd/encryption"
	"github.com/cloudvolt/diskcryptd/interfaces"
	"github.com/cloudvolt/diskcryptd/keyvault"
)

// Operations is the slice of the encryption manager the daemon drives.
type Operations interface {
	Resume(ctx context.Context, passphraseFile string, item *config.OngoingItem) (config.Phase, error)
	EncryptAllInPlace(ctx context.Context, passphraseFile string, policy encryption.SelectionPolicy) (*interfaces.DeviceItem, error)
	DecryptAllInPlace(ctx context.Context, passphraseFile string) (*config.CryptItem, error)
	EncryptFormat(ctx context.Context, passphraseFile string, items []encryption.FormatItem) (*encryption.FormatItem, error)
	EncryptFormatAll(ctx context.Context, passphraseFile string, policy encryption.SelectionPolicy) (*interfaces.DeviceItem, error)
	MountRegisteredVolumes(ctx context.Context, passphrasePathFor func(*config.CryptItem) string) error
}

// Provisioner stamps the secret escrow and hands out the passphrase file.
type Provisioner interface {
	Provision(ctx context.Context, seq int64, volumeType config.VolumeType) (string, error)
	StampedForSequence(seq int64) (bool, error)
}

// KeyStager prepares volumes for decryption with a cleartext key.
type KeyStager interface {
	StageCleartextKey(ctx context.Context, protectedPassphrasePath string) (string, error)
}

// Config carries the per-invocation parameters.
type Config struct {
	// Sequence is the invocation's sequence number for the gate.
	Sequence int64

	// StartupDelay holds the loop back after boot so device enumeration
	// settles before anything is rewritten.
	StartupDelay time.Duration
}

// Daemon runs one settlement pass over the persisted intent.
type Daemon struct {
	cfg     Config
	store   *config.Store
	gate    *Gate
	lock    *ProcessLock
	ops     Operations
	stamper Provisioner
	stager  KeyStager
	bek     *keyvault.BekManager
	log     *slog.Logger

	// osEncrypt runs the distro capability for OS-volume requests; nil
	// means no capability was resolved and OS requests fail.
	osEncrypt func(ctx context.Context, passphraseFile string) error

	running atomic.Bool
}

// New assembles a daemon.
func New(cfg Config, store *config.Store, lock *ProcessLock, ops Operations, stamper Provisioner, stager KeyStager, bek *keyvault.BekManager, osEncrypt func(ctx context.Context, passphraseFile string) error, log *slog.Logger) *Daemon {
	return &Daemon{
		cfg:       cfg,
		store:     store,
		gate:      NewGate(store, log),
		lock:      lock,
		ops:       ops,
		stamper:   stamper,
		stager:    stager,
		bek:       bek,
		osEncrypt: osEncrypt,
		log:       log,
	}
}

// Submit records the intent of a command. Enable commands queue an
// encryption mark; disable stages the cleartext key on every volume first
// and only then commits the decryption mark, so a reboot between the two
// steps never strands volumes that cannot be reopened.
func (d *Daemon) Submit(ctx context.Context, command config.Command, volumeType config.VolumeType, diskFormatQuery string) error {
	switch command {
	case config.CommandDisableEncryption:
		if _, err := d.stager.StageCleartextKey(ctx, d.protectedPassphrasePath()); err != nil {
			return fmt.Errorf("failed to stage the cleartext key: %w", err)
		}
		// A queued encryption request is superseded by the disable.
		if err := d.store.ClearEncryptionMark(); err != nil {
			return err
		}
		return d.store.CommitDecryptionMark(&config.DecryptionMark{
			Command:    command,
			VolumeType: volumeType,
		})
	case config.CommandEnableEncryption, config.CommandEnableEncryptionFormat, config.CommandEnableEncryptionFormatAll:
		return d.store.CommitEncryptionMark(&config.EncryptionMark{
			Command:         command,
			VolumeType:      volumeType,
			DiskFormatQuery: diskFormatQuery,
		})
	default:
		return fmt.Errorf("unknown command %q", command)
	}
}

// Run executes one settlement pass: lock, gate, delay, settle, record.
func (d *Daemon) Run(ctx context.Context) error {
	if !d.running.CompareAndSwap(false, true) {
		return errors.New("settlement pass already running")
	}
	defer d.running.Store(false)

	if err := d.lock.Acquire(); err != nil {
		return err
	}
	defer d.lock.Release()

	replay, shouldRun, err := d.gate.Check(d.cfg.Sequence)
	if err != nil {
		return err
	}
	if !shouldRun {
		if replay.Succeeded {
			d.log.Info("Sequence already processed, replaying recorded outcome",
				slog.Int64("seq", replay.Sequence),
				slog.String("operation", replay.Operation))
			return nil
		}
		// A failed run leaves its mark or checkpoint behind; as long as
		// that intent is still pending, a re-invocation retries instead of
		// replaying the failure.
		pending, err := d.hasPendingIntent()
		if err != nil {
			return err
		}
		if !pending {
			return fmt.Errorf("sequence %d already failed: %s", replay.Sequence, replay.Message)
		}
		d.log.Info("Retrying failed sequence, intent still pending",
			slog.Int64("seq", replay.Sequence),
			slog.String("operation", replay.Operation))
	}

	if d.cfg.StartupDelay > 0 {
		d.log.Info("Delaying before settlement", slog.Duration("delay", d.cfg.StartupDelay))
		select {
		case <-time.After(d.cfg.StartupDelay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	operation, runErr := d.settle(ctx)
	if err := d.gate.Record(d.cfg.Sequence, operation, runErr); err != nil {
		d.log.Error("Could not record the invocation outcome", "err", err)
	}
	return runErr
}

// hasPendingIntent reports whether any mark or in-flight checkpoint is
// still waiting to be settled.
func (d *Daemon) hasPendingIntent() (bool, error) {
	if item, err := d.store.LoadOngoing(); err != nil {
		return false, err
	} else if item != nil {
		return true, nil
	}
	if mark, err := d.store.LoadDecryptionMark(); err != nil {
		return false, err
	} else if mark != nil {
		return true, nil
	}
	mark, err := d.store.LoadEncryptionMark()
	if err != nil {
		return false, err
	}
	return mark != nil, nil
}

// settle restores mounts, finishes any in-flight checkpoint, then works
// through outstanding intent: decryption mark before encryption mark.
func (d *Daemon) settle(ctx context.Context) (string, error) {
	if err := d.ops.MountRegisteredVolumes(ctx, d.passphrasePathFor); err != nil {
		d.log.Warn("Could not restore encrypted volume mounts", "err", err)
	}

	// The checkpoint comes first regardless of which mark is pending: a
	// half-rewritten device can serve neither intent, and starting a mark's
	// bulk pass over it would just trip on the existing checkpoint.
	item, err := d.store.LoadOngoing()
	if err != nil {
		return "", err
	}
	if item != nil {
		if _, err := d.ops.Resume(ctx, d.resumePassphrasePath(item), item); err != nil {
			return "Resume", err
		}
	}

	decMark, err := d.store.LoadDecryptionMark()
	if err != nil {
		return "", err
	}
	if decMark != nil {
		return string(decMark.Command), d.runDecryption(ctx)
	}

	encMark, err := d.store.LoadEncryptionMark()
	if err != nil {
		return "", err
	}
	if encMark != nil {
		return string(encMark.Command), d.runEncryption(ctx, encMark)
	}
	return "NoOp", nil
}

func (d *Daemon) protectedPassphrasePath() string {
	name := keyvault.DefaultBekName
	if cfg, err := d.store.LoadEncryptionConfig(); err == nil && cfg != nil && cfg.PassphraseFileName != "" {
		name = cfg.PassphraseFileName
	}
	return d.bek.Path(name)
}

func (d *Daemon) passphrasePathFor(item *config.CryptItem) string {
	if item.UsesCleartextKey && d.bek.Exists(keyvault.CleartextKeyName) {
		return d.bek.Path(keyvault.CleartextKeyName)
	}
	return d.protectedPassphrasePath()
}

func (d *Daemon) resumePassphrasePath(item *config.OngoingItem) string {
	if item.Phase == config.PhaseDecryptData && d.bek.Exists(keyvault.CleartextKeyName) {
		return d.bek.Path(keyvault.CleartextKeyName)
	}
	return d.protectedPassphrasePath()
}

func (d *Daemon) runDecryption(ctx context.Context) error {
	passphrasePath := d.protectedPassphrasePath()
	if d.bek.Exists(keyvault.CleartextKeyName) {
		passphrasePath = d.bek.Path(keyvault.CleartextKeyName)
	}

	failed, err := d.ops.DecryptAllInPlace(ctx, passphrasePath)
	if err != nil {
		if failed != nil {
			d.log.Error("Decryption halted",
				slog.String("mapperName", failed.MapperName),
				slog.String("devPath", failed.DevPath), "err", err)
		}
		return err
	}

	// Everything is cleartext again; drop the mark, the key-wrapping
	// metadata and the staged key.
	if err := d.store.ClearDecryptionMark(); err != nil {
		return err
	}
	if err := d.store.ClearEncryptionConfig(); err != nil {
		return err
	}
	if err := d.bek.Remove(keyvault.CleartextKeyName); err != nil {
		d.log.Warn("Could not remove the cleartext key", "err", err)
	}
	d.log.Info("Decryption complete")
	return nil
}

func (d *Daemon) runEncryption(ctx context.Context, mark *config.EncryptionMark) error {
	passphrasePath, err := d.stamper.Provision(ctx, d.cfg.Sequence, mark.VolumeType)
	if err != nil {
		return fmt.Errorf("failed to provision key material: %w", err)
	}

	policy := encryption.SelectionPolicy{
		ExcludeMountPoints: []string{d.bek.Dir()},
	}

	if mark.VolumeType != config.VolumeTypeOS {
		if err := d.runDataEncryption(ctx, mark, passphrasePath, policy); err != nil {
			return err
		}
	}

	if mark.VolumeType == config.VolumeTypeOS || mark.VolumeType == config.VolumeTypeAll {
		if d.osEncrypt == nil {
			return fmt.Errorf("OS volume requested: %w", interfaces.ErrUnsupportedDistro)
		}
		if err := d.osEncrypt(ctx, passphrasePath); err != nil {
			return fmt.Errorf("OS volume encryption failed: %w", err)
		}
	}

	return d.store.ClearEncryptionMark()
}

func (d *Daemon) runDataEncryption(ctx context.Context, mark *config.EncryptionMark, passphrasePath string, policy encryption.SelectionPolicy) error {
	switch mark.Command {
	case config.CommandEnableEncryption:
		failed, err := d.ops.EncryptAllInPlace(ctx, passphrasePath, policy)
		if err != nil {
			if failed != nil {
				d.log.Error("Encryption halted", slog.String("devPath", failed.DevPath), "err", err)
			}
			return err
		}
	case config.CommandEnableEncryptionFormat:
		items, err := encryption.ParseFormatQuery(mark.DiskFormatQuery)
		if err != nil {
			return err
		}
		failed, err := d.ops.EncryptFormat(ctx, passphrasePath, items)
		if err != nil {
			if failed != nil {
				d.log.Error("Encrypt-format halted",
					slog.String("devPath", failed.DevPath),
					slog.String("name", failed.Name), "err", err)
			}
			return err
		}
	case config.CommandEnableEncryptionFormatAll:
		failed, err := d.ops.EncryptFormatAll(ctx, passphrasePath, policy)
		if err != nil {
			if failed != nil {
				d.log.Error("Encrypt-format halted", slog.String("devPath", failed.DevPath), "err", err)
			}
			return err
		}
	default:
		return fmt.Errorf("unknown encryption command %q", mark.Command)
	}
	return nil
}
