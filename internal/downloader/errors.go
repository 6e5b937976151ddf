package downloader

import (
	"fmt"

	"github.com/dustin/go-humanize"
)

// AlreadyDownloadingError means a fresh lock file exists for the key.
// Not retryable without an explicit cancel or the stale-lock sweep.
type AlreadyDownloadingError struct {
	ContentID string
	Quality   string
}

func (e *AlreadyDownloadingError) Error() string {
	return fmt.Sprintf("download already in progress for %s (%s)", e.ContentID, e.Quality)
}

// InsufficientSpaceError is fatal and never retried. The exact figures are
// surfaced to the user.
type InsufficientSpaceError struct {
	Required  uint64
	Available uint64
}

func (e *InsufficientSpaceError) Error() string {
	return fmt.Sprintf("insufficient disk space: need %s, have %s",
		humanize.Bytes(e.Required), humanize.Bytes(e.Available))
}

// InterruptedError is a recoverable mid-stream failure: the partial file
// and its validator are retained so a later attempt can resume.
type InterruptedError struct {
	BytesDownloaded int64
	Err             error
}

func (e *InterruptedError) Error() string {
	return fmt.Sprintf("download interrupted after %s: %v",
		humanize.Bytes(uint64(e.BytesDownloaded)), e.Err)
}

func (e *InterruptedError) Unwrap() error {
	return e.Err
}

// CorruptionError means the assembled byte count does not match the
// expected size. All partial artifacts are purged: a size mismatch means
// the validator cannot be trusted, so there is nothing safe to resume.
type CorruptionError struct {
	Expected int64
	Actual   int64
}

func (e *CorruptionError) Error() string {
	return fmt.Sprintf("file corruption: expected %d bytes, got %d", e.Expected, e.Actual)
}

// EncryptionError is fatal for the operation; no partially-encrypted
// output is ever left visible.
type EncryptionError struct {
	Err error
}

func (e *EncryptionError) Error() string {
	return fmt.Sprintf("encryption failed: %v", e.Err)
}

func (e *EncryptionError) Unwrap() error {
	return e.Err
}
