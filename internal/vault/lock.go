package vault

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/reelvault/reelvault/internal/logctx"
)

// ErrLocked means a fresh lock file already exists for the key: another
// download for the same (content_id, quality) is in flight.
var ErrLocked = errors.New("download already locked")

// lockToken returns a unique owner string for this process
// (hostname+pid+random), written into the lock file for diagnostics.
func lockToken() string {
	host, _ := os.Hostname()
	pid := os.Getpid()
	rnd := make([]byte, 4)
	_, _ = rand.Read(rnd)

	return host + "-" + strconv.Itoa(pid) + "-" + hex.EncodeToString(rnd)
}

// AcquireLock creates the key's .lock file exclusively. The lock file is
// the mutual-exclusion primitive: it must survive a process crash so that
// staleness can be detected by mtime, which an in-memory mutex cannot do.
// A lock older than maxAge is treated as orphaned and replaced.
func (v *Vault) AcquireLock(contentID, quality string, maxAge time.Duration) error {
	path, err := v.LockPath(contentID, quality)
	if err != nil {
		return err
	}

	for tries := 0; tries < 2; tries++ {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, filePerm)
		if err == nil {
			_, werr := f.WriteString(lockToken())
			if cerr := f.Close(); werr == nil {
				werr = cerr
			}

			if werr != nil {
				os.Remove(path) //nolint:errcheck

				return fmt.Errorf("failed to write lock file: %w", werr)
			}

			return nil
		}

		if !os.IsExist(err) {
			return fmt.Errorf("failed to create lock file: %w", err)
		}

		info, serr := os.Stat(path)
		if serr != nil {
			if os.IsNotExist(serr) {
				continue // holder released between open and stat
			}

			return fmt.Errorf("failed to stat lock file: %w", serr)
		}

		if time.Since(info.ModTime()) <= maxAge {
			return fmt.Errorf("%w: %s-%s", ErrLocked, contentID, quality)
		}

		// Orphaned by a crash; remove and retry the exclusive create once.
		if rerr := os.Remove(path); rerr != nil && !os.IsNotExist(rerr) {
			return fmt.Errorf("failed to remove stale lock: %w", rerr)
		}
	}

	return fmt.Errorf("%w: %s-%s", ErrLocked, contentID, quality)
}

// TouchLock refreshes the lock file's mtime. The mtime is the liveness
// signal staleness detection reads, so the holder must touch the lock
// while its download runs or a long transfer becomes indistinguishable
// from a crashed one. A missing lock is not an error.
func (v *Vault) TouchLock(contentID, quality string) error {
	path, err := v.LockPath(contentID, quality)
	if err != nil {
		return err
	}

	now := time.Now()
	if err := os.Chtimes(path, now, now); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to touch lock file: %w", err)
	}

	return nil
}

// ReleaseLock removes the key's lock file. Missing lock is not an error.
func (v *Vault) ReleaseLock(contentID, quality string) error {
	path, err := v.LockPath(contentID, quality)
	if err != nil {
		return err
	}

	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove lock file: %w", err)
	}

	return nil
}

// SweepStaleLocks removes lock files older than maxAge and returns how many
// were removed. This is the only automatic path back to an unlocked key
// after a crash.
func (v *Vault) SweepStaleLocks(ctx context.Context, maxAge time.Duration) (int, error) {
	logger := logctx.LoggerFromContext(ctx)

	entries, err := os.ReadDir(v.root)
	if err != nil {
		return 0, fmt.Errorf("failed to read vault dir: %w", err)
	}

	removed := 0

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), lockSuffix) {
			continue
		}

		info, err := entry.Info()
		if err != nil {
			continue // deleted underneath us
		}

		if time.Since(info.ModTime()) <= maxAge {
			continue
		}

		path := filepath.Join(v.root, entry.Name())
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			logger.Error("failed to remove stale lock", "lock", entry.Name(), "err", err)

			continue
		}

		logger.Info("removed stale lock", "lock", entry.Name(), "age", time.Since(info.ModTime()).String())

		removed++
	}

	return removed, nil
}
