package storage

import (
	"errors"
	"time"
)

// ErrNotFound means no offline content row exists for the key.
var ErrNotFound = errors.New("offline content not found")

// OfflineContent is the persisted metadata row for one completed download.
type OfflineContent struct {
	ContentID string
	Quality   string
	Filename  string
	FileSize  int64
	Encrypted bool
	AddedAt   time.Time
}

// OfflineReadRepository is consumed by the local stream server to resolve
// a requested file and learn whether it is encrypted.
type OfflineReadRepository interface {
	GetOfflineContent(contentID, quality string) (*OfflineContent, error)
	// FindOfflineContent returns the row for a content id regardless of
	// quality; used when the player does not name one.
	FindOfflineContent(contentID string) (*OfflineContent, error)
}

// OfflineWriteRepository is owned by the download pipeline.
type OfflineWriteRepository interface {
	SaveOfflineContent(record *OfflineContent) error
	DeleteOfflineContent(contentID, quality string) error
}

// OfflineRepository combines both sides.
type OfflineRepository interface {
	OfflineReadRepository
	OfflineWriteRepository
}
