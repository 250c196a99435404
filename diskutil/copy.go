package diskutil

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/afero"

	"github.com/cloudvolt/diskcryptd/config"
	"github.com/cloudvolt/diskcryptd/interfaces"
)

const createWriteFlags = os.O_WRONLY | os.O_CREATE

// Copier performs the resumable byte-range copy. Progress is an explicit
// cursor in the OngoingItem checkpoint: SliceIndex counts slices already
// copied and durably committed, so a crash between slices loses at most the
// slice in flight, which is re-copied on resume.
//
// When FromEnd is set, slice 0 is the last BlockSize bytes of the range and
// the copy walks backwards toward offset zero. The in-place encryption path
// depends on this: the encrypted mapping shifts the addressable region back
// from the front of the device, so a front-to-back copy would overwrite
// source bytes that have not been read yet.
type Copier struct {
	fs  afero.Fs
	log *slog.Logger
}

// NewCopier returns a copier over the given filesystem.
func NewCopier(fs afero.Fs, log *slog.Logger) *Copier {
	return &Copier{fs: fs, log: log}
}

// sliceRange returns the byte offset and length of the given slice.
func sliceRange(item *config.OngoingItem, index int64) (offset, length int64) {
	if item.FromEnd {
		end := item.TotalCopySize - index*item.BlockSize
		start := end - item.BlockSize
		if start < 0 {
			start = 0
		}
		return start, end - start
	}

	start := index * item.BlockSize
	length = item.BlockSize
	if start+length > item.TotalCopySize {
		length = item.TotalCopySize - start
	}
	return start, length
}

func sliceCount(item *config.OngoingItem) int64 {
	if item.BlockSize <= 0 {
		return 0
	}
	return (item.TotalCopySize + item.BlockSize - 1) / item.BlockSize
}

// Run copies the configured range slice by slice, resuming from the
// committed SliceIndex and committing the cursor after every slice.
func (c *Copier) Run(ctx context.Context, item *config.OngoingItem, commit interfaces.CommitFunc) error {
	if item.BlockSize <= 0 {
		return errors.New("copy block size must be positive")
	}
	if item.TotalCopySize < 0 {
		return errors.New("copy size must not be negative")
	}

	src, err := c.fs.Open(item.SourcePath)
	if err != nil {
		return fmt.Errorf("failed to open copy source %s: %w", item.SourcePath, err)
	}
	defer src.Close()

	dst, err := c.fs.OpenFile(item.DestinationPath, createWriteFlags, 0600)
	if err != nil {
		return fmt.Errorf("failed to open copy destination %s: %w", item.DestinationPath, err)
	}
	defer dst.Close()

	total := sliceCount(item)
	buf := make([]byte, item.BlockSize)

	c.log.Info("Starting block copy",
		slog.String("source", item.SourcePath),
		slog.String("destination", item.DestinationPath),
		slog.Int64("totalSize", item.TotalCopySize),
		slog.Int64("resumeSlice", item.SliceIndex),
		slog.Bool("fromEnd", item.FromEnd))

	for index := item.SliceIndex; index < total; index++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		offset, length := sliceRange(item, index)
		slice := buf[:length]

		if _, err := src.ReadAt(slice, offset); err != nil {
			return fmt.Errorf("failed to read slice %d at offset %d: %w", index, offset, err)
		}
		if _, err := dst.WriteAt(slice, offset); err != nil {
			return fmt.Errorf("failed to write slice %d at offset %d: %w", index, offset, err)
		}
		if err := dst.Sync(); err != nil {
			return fmt.Errorf("failed to sync slice %d: %w", index, err)
		}

		// The slice is durable; commit the cursor before touching the next
		// one. A crash after this point resumes at index+1.
		item.SliceIndex = index + 1
		if err := commit(item); err != nil {
			return fmt.Errorf("failed to commit copy cursor at slice %d: %w", index, err)
		}
	}

	c.log.Info("Block copy complete",
		slog.String("destination", item.DestinationPath),
		slog.Int64("slices", total))
	return nil
}
