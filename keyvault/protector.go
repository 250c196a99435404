package keyvault

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"golang.org/x/crypto/argon2"

	"github.com/cloudvolt/diskcryptd/config"
	"github.com/cloudvolt/diskcryptd/interfaces"
)

// DeriveProtector derives the LUKS passphrase from the escrowed root
// secret using Argon2id. The secret id salts the derivation, so the same
// root secret escrowed twice yields independent passphrases.
func DeriveProtector(secret []byte, secretID string) []byte {
	salt := append([]byte("diskcryptd-protector-"), secretID...)
	return argon2.IDKey(secret, salt, 1, 64*1024, 4, 32)
}

// Stamper escrows root secrets and records the resulting key-wrapping
// metadata. Nothing destructive may run until the sequence number asking
// for it has been stamped: a durable escrow is the proof the key can be
// recovered after this machine is gone.
type Stamper struct {
	store   *config.Store
	secrets interfaces.SecretStore
	bek     *BekManager
	log     *slog.Logger
}

// NewStamper returns a stamper escrowing to the given secret store.
func NewStamper(store *config.Store, secrets interfaces.SecretStore, bek *BekManager, log *slog.Logger) *Stamper {
	return &Stamper{store: store, secrets: secrets, bek: bek, log: log}
}

// StampedForSequence reports whether an escrow at or past the given
// sequence number exists.
func (s *Stamper) StampedForSequence(seq int64) (bool, error) {
	cfg, err := s.store.LoadEncryptionConfig()
	if err != nil {
		return false, err
	}
	return cfg != nil && cfg.SecretSeqNum >= seq, nil
}

// Provision makes sure a stamped passphrase exists for the given sequence
// number and returns the passphrase file path. An existing escrow is
// reused and only its sequence stamp is advanced; otherwise a fresh root
// secret is generated, escrowed, and the derived passphrase written to the
// key volume. The escrow write happens before the passphrase file: a crash
// in between loses nothing but an orphaned secret.
func (s *Stamper) Provision(ctx context.Context, seq int64, volumeType config.VolumeType) (string, error) {
	cfg, err := s.store.LoadEncryptionConfig()
	if err != nil {
		return "", err
	}

	if cfg != nil && s.bek.Exists(cfg.PassphraseFileName) {
		if cfg.SecretSeqNum < seq {
			cfg.SecretSeqNum = seq
			cfg.VolumeType = volumeType
			if err := s.store.CommitEncryptionConfig(cfg); err != nil {
				return "", err
			}
			s.log.Info("Advanced escrow stamp",
				slog.String("secretID", cfg.SecretID),
				slog.Int64("seq", seq))
		}
		return s.bek.Path(cfg.PassphraseFileName), nil
	}

	if !s.secrets.Available(ctx) {
		return "", fmt.Errorf("secret store %s is not available", s.secrets.LocationURI())
	}

	secret, err := GenerateSecret()
	if err != nil {
		return "", err
	}
	secretID := uuid.NewString()

	if err := s.secrets.PutSecret(ctx, secretID, secret); err != nil {
		return "", fmt.Errorf("failed to escrow the root secret: %w", err)
	}

	path, err := s.bek.Store(DefaultBekName, DeriveProtector(secret, secretID))
	if err != nil {
		return "", err
	}

	cfg = &config.EncryptionConfig{
		SecretID:           secretID,
		SecretSeqNum:       seq,
		PassphraseFileName: DefaultBekName,
		VolumeType:         volumeType,
	}
	if err := s.store.CommitEncryptionConfig(cfg); err != nil {
		return "", err
	}

	s.log.Info("Stamped new escrow",
		slog.String("secretID", secretID),
		slog.Int64("seq", seq),
		slog.String("store", s.secrets.LocationURI()))
	return path, nil
}

// Rekey rotates the escrowed root secret: a fresh secret is escrowed, its
// derived passphrase is written next to the old one, the new key is added
// to every registered volume, the key-wrapping metadata is re-stamped, and
// only then is the old key removed from the volumes and the old passphrase
// file backed up and dropped. An interruption anywhere leaves every volume
// openable with at least one passphrase file that the metadata names.
func (s *Stamper) Rekey(ctx context.Context, rotator *Rotator, seq int64) (string, error) {
	cfg, err := s.store.LoadEncryptionConfig()
	if err != nil {
		return "", err
	}
	if cfg == nil {
		return "", fmt.Errorf("nothing to rekey, no encryption config")
	}
	oldName := cfg.PassphraseFileName
	oldPath := s.bek.Path(oldName)

	if !s.secrets.Available(ctx) {
		return "", fmt.Errorf("secret store %s is not available", s.secrets.LocationURI())
	}

	secret, err := GenerateSecret()
	if err != nil {
		return "", err
	}
	secretID := uuid.NewString()
	if err := s.secrets.PutSecret(ctx, secretID, secret); err != nil {
		return "", fmt.Errorf("failed to escrow the new root secret: %w", err)
	}

	newName := fmt.Sprintf("%s_%d", DefaultBekName, seq)
	newPath, err := s.bek.Store(newName, DeriveProtector(secret, secretID))
	if err != nil {
		return "", err
	}

	if err := rotator.AddKeyEverywhere(ctx, oldPath, newPath); err != nil {
		return "", err
	}

	cfg.SecretID = secretID
	cfg.SecretSeqNum = seq
	cfg.PassphraseFileName = newName
	if err := s.store.CommitEncryptionConfig(cfg); err != nil {
		return "", err
	}

	if err := rotator.RemoveKeyEverywhere(ctx, oldPath); err != nil {
		return "", err
	}
	if _, err := s.bek.Backup(oldName); err != nil {
		s.log.Warn("Could not back up the old passphrase file", "err", err)
	}
	if err := s.bek.Remove(oldName); err != nil {
		s.log.Warn("Could not remove the old passphrase file", "err", err)
	}

	s.log.Info("Rotated root secret",
		slog.String("secretID", secretID),
		slog.Int64("seq", seq))
	return newPath, nil
}

// Recover rebuilds the passphrase file from the escrowed root secret, for
// a machine whose key volume was lost but whose config survived.
func (s *Stamper) Recover(ctx context.Context) (string, error) {
	cfg, err := s.store.LoadEncryptionConfig()
	if err != nil {
		return "", err
	}
	if cfg == nil {
		return "", fmt.Errorf("no encryption config to recover from")
	}

	secret, err := s.secrets.GetSecret(ctx, cfg.SecretID)
	if err != nil {
		return "", fmt.Errorf("failed to recover secret %s: %w", cfg.SecretID, err)
	}
	return s.bek.Store(cfg.PassphraseFileName, DeriveProtector(secret, cfg.SecretID))
}
