package config

// None is the sentinel used in persisted records for "no value". A crypt
// item without a separate LUKS header stores None as its header path, and a
// volume that was never mounted stores None as its mount point.
const None = "None"

// Phase identifies a step of an in-place (de)cryption state machine. The
// phase stored in the OngoingItem checkpoint is the exact point execution
// resumes from after a crash.
type Phase string

const (
	PhaseBackupHeader  Phase = "BackupHeader"
	PhaseEncryptDevice Phase = "EncryptDevice"
	PhaseCopyData      Phase = "CopyData"
	PhaseRecoverHeader Phase = "RecoverHeader"
	PhaseDecryptData   Phase = "DecryptData"
	PhaseDone          Phase = "Done"
)

// VolumeType selects which volumes a command applies to.
type VolumeType string

const (
	VolumeTypeOS   VolumeType = "OS"
	VolumeTypeData VolumeType = "Data"
	VolumeTypeAll  VolumeType = "All"
)

// Command is a top-level encryption command recorded in an intent marker.
type Command string

const (
	CommandEnableEncryption          Command = "EnableEncryption"
	CommandEnableEncryptionFormat    Command = "EnableEncryptionFormat"
	CommandEnableEncryptionFormatAll Command = "EnableEncryptionFormatAll"
	CommandDisableEncryption         Command = "DisableEncryption"
)

// CryptItem is the durable record of one encrypted volume: its LUKS mapping
// name, the stable device path it encrypts, and enough mount metadata to
// bring it back after a reboot.
type CryptItem struct {
	MapperName       string `json:"mapper_name"`
	DevPath          string `json:"dev_path"`
	HeaderFilePath   string `json:"luks_header_path"`
	FileSystem       string `json:"file_system"`
	MountPoint       string `json:"mount_point"`
	UsesCleartextKey bool   `json:"uses_cleartext_key"`
	CurrentLuksSlot  int    `json:"current_luks_slot"`
}

// HasSeparateHeader reports whether the item's LUKS header lives in a file
// rather than at the front of the device.
func (c *CryptItem) HasSeparateHeader() bool {
	return c.HeaderFilePath != "" && c.HeaderFilePath != None
}

// HasMountPoint reports whether the volume is meant to be mounted.
func (c *CryptItem) HasMountPoint() bool {
	return c.MountPoint != "" && c.MountPoint != None
}

// OngoingItem is the checkpoint for the single in-flight in-place
// operation. It is committed after every phase transition and after every
// slice of the block copy, so that the on-disk state plus this record is
// always sufficient to resume.
type OngoingItem struct {
	Phase               Phase  `json:"phase"`
	MapperName          string `json:"mapper_name"`
	OriginalDevNamePath string `json:"original_dev_name_path"`
	OriginalDevPath     string `json:"original_dev_path"`
	DeviceSize          int64  `json:"device_size"`
	FileSystem          string `json:"file_system"`
	MountPoint          string `json:"mount_point"`
	HeaderFilePath      string `json:"luks_header_file_path"`
	HeaderSlicePath     string `json:"header_slice_file_path"`

	// Copy cursor. SliceIndex counts committed slices of BlockSize bytes
	// out of TotalCopySize, read from SourcePath and written to
	// DestinationPath. FromEnd selects the copy direction.
	BlockSize       int64  `json:"current_block_size"`
	SliceIndex      int64  `json:"current_slice_index"`
	TotalCopySize   int64  `json:"current_total_copy_size"`
	SourcePath      string `json:"current_source_path"`
	DestinationPath string `json:"current_destination"`
	FromEnd         bool   `json:"from_end"`
}

// HasSeparateHeader reports whether the in-flight operation uses a detached
// LUKS header file.
func (o *OngoingItem) HasSeparateHeader() bool {
	return o.HeaderFilePath != "" && o.HeaderFilePath != None
}

// HasMountPoint reports whether the device being processed had a mount point.
func (o *OngoingItem) HasMountPoint() bool {
	return o.MountPoint != "" && o.MountPoint != None
}

// EncryptionConfig records the key-wrapping metadata once a secret has been
// provisioned externally: which protector the passphrase was escrowed under
// and at which sequence number the escrow was stamped.
type EncryptionConfig struct {
	SecretID           string     `json:"secret_id"`
	SecretSeqNum       int64      `json:"secret_seq_num"`
	PassphraseFileName string     `json:"passphrase_file_name"`
	VolumeType         VolumeType `json:"volume_type"`
}

// EncryptionMark records that an encryption run is owed. Its mere existence
// is the signal; the fields say which command and scope were requested.
type EncryptionMark struct {
	Command         Command    `json:"command"`
	VolumeType      VolumeType `json:"volume_type"`
	DiskFormatQuery string     `json:"disk_format_query"`
}

// DecryptionMark mirrors EncryptionMark for decryption intent.
type DecryptionMark struct {
	Command    Command    `json:"command"`
	VolumeType VolumeType `json:"volume_type"`
}

// LastSequence is the idempotency gate's record: the sequence number of the
// last completed invocation and the outcome to replay if the same sequence
// number is submitted again.
type LastSequence struct {
	Sequence  int64  `json:"sequence"`
	Operation string `json:"operation"`
	Succeeded bool   `json:"succeeded"`
	Message   string `json:"message"`
}
