package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/spf13/afero"
)

// ErrOngoingOperationExists is returned when a second in-flight checkpoint
// would be created while one already exists. At most one operation may be
// in flight at a time.
var ErrOngoingOperationExists = errors.New("an in-flight operation checkpoint already exists")

const (
	cryptItemsFile     = "azure_crypt_mount"
	ongoingItemFile    = "azure_crypt_ongoing_item"
	encryptionCfgFile  = "azure_crypt_config"
	encryptionMarkFile = "azure_crypt_request_queue"
	decryptionMarkFile = "azure_decrypt_request_queue"
	lastSequenceFile   = "azure_crypt_sequence"
)

// Store persists all configuration records under a single directory. The
// daemon process is the only writer while it holds the process lock; the
// store itself performs no locking.
type Store struct {
	fs  afero.Fs
	dir string
	log *slog.Logger
}

// NewStore creates the config directory if needed and returns a store over it.
func NewStore(fs afero.Fs, dir string, log *slog.Logger) (*Store, error) {
	if err := fs.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create config directory: %w", err)
	}
	return &Store{fs: fs, dir: dir, log: log}, nil
}

// Dir returns the directory the store writes to.
func (s *Store) Dir() string {
	return s.dir
}

func (s *Store) path(name string) string {
	return filepath.Join(s.dir, name)
}

// commit atomically replaces the named record. The temp file is written and
// renamed in the same directory so the rename cannot cross filesystems.
func (s *Store) commit(name string, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", name, err)
	}

	tmp := s.path(name) + ".tmp"
	if err := afero.WriteFile(s.fs, tmp, data, 0600); err != nil {
		return fmt.Errorf("failed to write %s: %w", name, err)
	}
	if err := s.fs.Rename(tmp, s.path(name)); err != nil {
		return fmt.Errorf("failed to commit %s: %w", name, err)
	}

	s.log.Debug("Committed config record", slog.String("record", name))
	return nil
}

// load reads the named record into v. A missing record is not an error: the
// bool result reports whether the record existed. A torn or otherwise
// unreadable record is treated as missing and removed.
func (s *Store) load(name string, v interface{}) (bool, error) {
	data, err := afero.ReadFile(s.fs, s.path(name))
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to read %s: %w", name, err)
	}

	if err := json.Unmarshal(data, v); err != nil {
		s.log.Warn("Discarding torn config record",
			slog.String("record", name), "err", err)
		s.clear(name)
		return false, nil
	}
	return true, nil
}

func (s *Store) clear(name string) error {
	err := s.fs.Remove(s.path(name))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to clear %s: %w", name, err)
	}
	return nil
}

func (s *Store) exists(name string) bool {
	_, err := s.fs.Stat(s.path(name))
	return err == nil
}

// LoadCryptItems returns the persisted crypt item list. A missing or torn
// list reads as empty.
func (s *Store) LoadCryptItems() ([]CryptItem, error) {
	var items []CryptItem
	if _, err := s.load(cryptItemsFile, &items); err != nil {
		return nil, err
	}
	return items, nil
}

// SaveCryptItems atomically replaces the crypt item list.
func (s *Store) SaveCryptItems(items []CryptItem) error {
	if items == nil {
		items = []CryptItem{}
	}
	return s.commit(cryptItemsFile, items)
}

// CreateOngoing creates the in-flight checkpoint. It fails closed with
// ErrOngoingOperationExists if a checkpoint is already present.
func (s *Store) CreateOngoing(item *OngoingItem) error {
	if s.exists(ongoingItemFile) {
		return ErrOngoingOperationExists
	}
	return s.commit(ongoingItemFile, item)
}

// CommitOngoing persists the current state of the in-flight checkpoint.
// Called after every phase transition and after every copied slice.
func (s *Store) CommitOngoing(item *OngoingItem) error {
	return s.commit(ongoingItemFile, item)
}

// LoadOngoing returns the in-flight checkpoint, or nil if none exists.
func (s *Store) LoadOngoing() (*OngoingItem, error) {
	var item OngoingItem
	ok, err := s.load(ongoingItemFile, &item)
	if err != nil || !ok {
		return nil, err
	}
	return &item, nil
}

// ClearOngoing deletes the in-flight checkpoint.
func (s *Store) ClearOngoing() error {
	return s.clear(ongoingItemFile)
}

// CommitEncryptionConfig persists the resolved key-wrapping metadata.
func (s *Store) CommitEncryptionConfig(cfg *EncryptionConfig) error {
	return s.commit(encryptionCfgFile, cfg)
}

// LoadEncryptionConfig returns the encryption config, or nil if none exists.
func (s *Store) LoadEncryptionConfig() (*EncryptionConfig, error) {
	var cfg EncryptionConfig
	ok, err := s.load(encryptionCfgFile, &cfg)
	if err != nil || !ok {
		return nil, err
	}
	return &cfg, nil
}

// ClearEncryptionConfig deletes the encryption config.
func (s *Store) ClearEncryptionConfig() error {
	return s.clear(encryptionCfgFile)
}

// CommitEncryptionMark records that an encryption run is owed.
func (s *Store) CommitEncryptionMark(mark *EncryptionMark) error {
	return s.commit(encryptionMarkFile, mark)
}

// LoadEncryptionMark returns the encryption intent marker, or nil if none.
func (s *Store) LoadEncryptionMark() (*EncryptionMark, error) {
	var mark EncryptionMark
	ok, err := s.load(encryptionMarkFile, &mark)
	if err != nil || !ok {
		return nil, err
	}
	return &mark, nil
}

// ClearEncryptionMark removes the encryption intent marker.
func (s *Store) ClearEncryptionMark() error {
	return s.clear(encryptionMarkFile)
}

// CommitDecryptionMark records that a decryption run is owed.
func (s *Store) CommitDecryptionMark(mark *DecryptionMark) error {
	return s.commit(decryptionMarkFile, mark)
}

// LoadDecryptionMark returns the decryption intent marker, or nil if none.
func (s *Store) LoadDecryptionMark() (*DecryptionMark, error) {
	var mark DecryptionMark
	ok, err := s.load(decryptionMarkFile, &mark)
	if err != nil || !ok {
		return nil, err
	}
	return &mark, nil
}

// ClearDecryptionMark removes the decryption intent marker.
func (s *Store) ClearDecryptionMark() error {
	return s.clear(decryptionMarkFile)
}

// CommitLastSequence records the outcome of a completed invocation.
func (s *Store) CommitLastSequence(seq *LastSequence) error {
	return s.commit(lastSequenceFile, seq)
}

// LoadLastSequence returns the last completed invocation record, or nil.
func (s *Store) LoadLastSequence() (*LastSequence, error) {
	var seq LastSequence
	ok, err := s.load(lastSequenceFile, &seq)
	if err != nil || !ok {
		return nil, err
	}
	return &seq, nil
}
