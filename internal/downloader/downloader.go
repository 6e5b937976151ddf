// Package downloader orchestrates the download pipeline: lock acquisition,
// source probing, disk space check, resumable streaming into the vault,
// integrity verification, optional encryption and atomic finalization.
package downloader

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/reelvault/reelvault/internal/cryptox"
	"github.com/reelvault/reelvault/internal/events"
	"github.com/reelvault/reelvault/internal/gateway"
	"github.com/reelvault/reelvault/internal/logctx"
	"github.com/reelvault/reelvault/internal/storage"
	"github.com/reelvault/reelvault/internal/telemetry"
	"github.com/reelvault/reelvault/internal/vault"
	"golang.org/x/sync/errgroup"

	"github.com/reelvault/reelvault/internal/downloader/progress"
)

const (
	copyBufSize = 256 * 1024

	progressByteInterval = 1 * 1024 * 1024
	progressMinInterval  = 500 * time.Millisecond

	defaultLockMaxAge  = time.Hour
	defaultSpaceBuffer = 200 * 1024 * 1024
	defaultMaxParallel = 3
	defaultExt         = ".mp4"
)

var extPattern = regexp.MustCompile(`^\.[A-Za-z0-9]{1,8}$`)

// reservedExts are the vault's control-file suffixes. A source URL ending
// in one must not dictate the final filename, or the finalized media file
// would land on a path the artifact cleanup owns.
var reservedExts = map[string]struct{}{
	".tmp":  {},
	".lock": {},
	".etag": {},
}

// Request describes one download keyed by (content_id, quality).
type Request struct {
	ContentID string
	Quality   string
	SourceURL string
	Encrypt   bool
}

// Manager runs download tasks through their state machine. Tasks for
// different keys are independent and may run concurrently; per-key
// exclusivity is enforced by the vault lock file, not an in-memory mutex,
// so it holds across process restarts.
type Manager struct {
	source      gateway.MediaSource
	vlt         *vault.Vault
	repo        storage.OfflineRepository
	cipher      *cryptox.Cipher
	hub         *events.Hub
	tel         *telemetry.Telemetry
	lockMaxAge  time.Duration
	spaceBuffer int64
	maxParallel int
	freeSpace   func() (uint64, error)
}

// Option configures a Manager.
type Option func(*Manager)

// WithCipher enables encryption-at-rest for tasks that request it.
func WithCipher(c *cryptox.Cipher) Option {
	return func(m *Manager) { m.cipher = c }
}

// WithTelemetry installs metrics recording.
func WithTelemetry(t *telemetry.Telemetry) Option {
	return func(m *Manager) { m.tel = t }
}

// WithLockMaxAge overrides the stale-lock age threshold.
func WithLockMaxAge(d time.Duration) Option {
	return func(m *Manager) { m.lockMaxAge = d }
}

// WithSpaceBuffer overrides the safety buffer added to the required size.
func WithSpaceBuffer(n int64) Option {
	return func(m *Manager) { m.spaceBuffer = n }
}

// WithMaxParallel bounds concurrent tasks in batch runs.
func WithMaxParallel(n int) Option {
	return func(m *Manager) { m.maxParallel = n }
}

// WithFreeSpaceFunc replaces the free-space probe. Intended for tests.
func WithFreeSpaceFunc(fn func() (uint64, error)) Option {
	return func(m *Manager) { m.freeSpace = fn }
}

// NewManager builds a Manager.
func NewManager(source gateway.MediaSource, vlt *vault.Vault, repo storage.OfflineRepository, hub *events.Hub, opts ...Option) *Manager {
	m := &Manager{
		source:      source,
		vlt:         vlt,
		repo:        repo,
		hub:         hub,
		lockMaxAge:  defaultLockMaxAge,
		spaceBuffer: defaultSpaceBuffer,
		maxParallel: defaultMaxParallel,
	}

	m.freeSpace = vlt.FreeSpace

	for _, opt := range opts {
		opt(m)
	}

	return m
}

// Start runs one download task to completion or terminal failure. Every
// failure path publishes exactly one error event with enough structure for
// the UI to decide between a silent log entry and a visible toast.
func (m *Manager) Start(ctx context.Context, req Request) error {
	logger := logctx.LoggerFromContext(ctx).With("content_id", req.ContentID, "quality", req.Quality)
	ctx = logctx.WithLogger(ctx, logger)

	if req.Encrypt && m.cipher == nil {
		err := &EncryptionError{Err: errors.New("encryption requested but no key is configured")}
		m.publishFailure(req, 0, err)

		return err
	}

	if err := m.vlt.AcquireLock(req.ContentID, req.Quality, m.lockMaxAge); err != nil {
		if errors.Is(err, vault.ErrLocked) {
			adErr := &AlreadyDownloadingError{ContentID: req.ContentID, Quality: req.Quality}
			m.publishFailure(req, 0, adErr)

			return adErr
		}

		m.publishFailure(req, 0, err)

		return fmt.Errorf("failed to acquire download lock: %w", err)
	}

	touchCtx, stopTouch := context.WithCancel(ctx)
	go m.keepLockFresh(touchCtx, req)

	err := m.tel.InstrumentDownload(ctx, func(ctx context.Context) error {
		return m.run(ctx, req)
	})

	stopTouch()

	// The lock comes off on every exit; partial artifacts may stay for
	// resume depending on the failure mode. Cleanup never fails the task.
	if rerr := m.vlt.ReleaseLock(req.ContentID, req.Quality); rerr != nil {
		logger.Error("failed to release download lock", "err", rerr)
	}

	return err
}

// keepLockFresh refreshes the key's lock mtime while the task runs, so a
// transfer that legitimately outlives the staleness threshold is never
// mistaken for an orphan. Only locks whose owner actually died age out.
func (m *Manager) keepLockFresh(ctx context.Context, req Request) {
	interval := m.lockMaxAge / 4
	if interval > time.Minute {
		interval = time.Minute
	}

	if interval <= 0 {
		interval = time.Second
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := m.vlt.TouchLock(req.ContentID, req.Quality); err != nil {
				logctx.LoggerFromContext(ctx).Error("failed to refresh download lock", "err", err)
			}
		}
	}
}

// StartBatch runs several tasks with bounded parallelism. Tasks for
// distinct keys proceed independently; a failed task does not cancel its
// siblings' resume artifacts.
func (m *Manager) StartBatch(ctx context.Context, reqs []Request) error {
	wg, ctx := errgroup.WithContext(ctx)
	sem := make(chan struct{}, m.maxParallel)

	for i := range reqs {
		req := reqs[i]
		sem <- struct{}{}

		wg.Go(func() error {
			defer func() { <-sem }() // release the slot

			return m.Start(ctx, req)
		})
	}

	return wg.Wait()
}

func (m *Manager) run(ctx context.Context, req Request) error {
	logger := logctx.LoggerFromContext(ctx)

	// ProbingSource
	probe, err := m.source.Probe(ctx, req.SourceURL)
	if err != nil {
		werr := fmt.Errorf("failed to probe source: %w", err)
		m.publishFailure(req, 0, werr)

		return werr
	}

	logger.Debug("source probed",
		"total_bytes", probe.TotalBytes,
		"supports_range", probe.SupportsRange,
		"etag", probe.ETag != "")

	// SpaceChecked: fail before any media bytes move.
	if err := m.checkSpace(ctx, probe.TotalBytes); err != nil {
		m.publishFailure(req, 0, err)

		return err
	}

	// Streaming
	written, err := m.stream(ctx, req, probe)
	if err != nil {
		var corrErr *CorruptionError
		if errors.As(err, &corrErr) {
			if cerr := m.vlt.RemoveArtifacts(req.ContentID, req.Quality); cerr != nil {
				logger.Error("failed to purge corrupt artifacts", "err", cerr)
			}
		}

		m.publishFailure(req, written, err)

		return err
	}

	// Verifying
	if err := m.verify(ctx, req, probe.TotalBytes); err != nil {
		m.publishFailure(req, written, err)

		return err
	}

	finalSrc, err := m.vlt.TempPath(req.ContentID, req.Quality)
	if err != nil {
		return err
	}

	// Encrypting
	if req.Encrypt {
		finalSrc, err = m.encrypt(ctx, req)
		if err != nil {
			m.publishFailure(req, written, err)

			return err
		}
	}

	// Finalized
	final, size, err := m.finalize(ctx, req, finalSrc)
	if err != nil {
		m.publishFailure(req, written, err)

		return err
	}

	logger.Info("download complete", "file", final, "file_size", humanize.Bytes(uint64(size)))

	m.hub.PublishComplete(events.Complete{
		ContentID: req.ContentID,
		Quality:   req.Quality,
		FilePath:  final,
		FileSize:  size,
	})

	return nil
}

func (m *Manager) checkSpace(ctx context.Context, totalBytes int64) error {
	logger := logctx.LoggerFromContext(ctx)

	free, err := m.freeSpace()
	if err != nil {
		// An unreadable mount should not veto the download; streaming will
		// surface a real write failure if the disk fills.
		logger.Warn("failed to query free disk space", "err", err)

		return nil
	}

	required := uint64(totalBytes + m.spaceBuffer)
	if free < required {
		return &InsufficientSpaceError{Required: required, Available: free}
	}

	return nil
}

// stream writes the source body into the .tmp file, resuming from the
// current tmp size when the stored validator still matches. It returns the
// total bytes present in the tmp file.
func (m *Manager) stream(ctx context.Context, req Request, probe *gateway.ProbeInfo) (int64, error) {
	logger := logctx.LoggerFromContext(ctx)

	offset, err := m.resumeOffset(ctx, req, probe)
	if err != nil {
		return 0, err
	}

	resumable := probe.SupportsRange && probe.ETag != ""

	if probe.ETag != "" {
		if err := m.vlt.WriteValidator(req.ContentID, req.Quality, probe.ETag); err != nil {
			return offset, err
		}
	}

	if offset == probe.TotalBytes {
		logger.Info("partial file already complete, skipping stream")

		return offset, nil
	}

	body, err := m.source.OpenStream(ctx, req.SourceURL, offset)
	if err != nil {
		return offset, &InterruptedError{BytesDownloaded: offset, Err: err}
	}
	defer body.Close()

	out, err := m.vlt.OpenTemp(req.ContentID, req.Quality, offset > 0)
	if err != nil {
		return offset, err
	}
	defer out.Close()

	logger.Info("streaming download",
		"offset", offset,
		"total", humanize.Bytes(uint64(probe.TotalBytes)),
		"resumable", resumable)

	pr := progress.NewReader(body, probe.TotalBytes, progressByteInterval, progressMinInterval,
		func(read, total int64, speed float64) {
			written := offset + read

			var pct float64
			if total > 0 {
				pct = float64(written) * 100 / float64(total)
			}

			m.hub.PublishProgress(events.Progress{
				ContentID:       req.ContentID,
				Quality:         req.Quality,
				BytesDownloaded: written,
				TotalBytes:      total,
				Percentage:      pct,
				Speed:           speed,
			})
		})

	written := offset
	buf := make([]byte, copyBufSize)

	for {
		// Cancellation is cooperative: checked between chunks, never a
		// forced interrupt mid-write.
		if cerr := ctx.Err(); cerr != nil {
			return written, &InterruptedError{BytesDownloaded: written, Err: cerr}
		}

		n, rerr := pr.Read(buf)
		if n > 0 {
			// The tmp file must never exceed the expected size.
			if written+int64(n) > probe.TotalBytes {
				return written, &CorruptionError{Expected: probe.TotalBytes, Actual: written + int64(n)}
			}

			if _, werr := out.Write(buf[:n]); werr != nil {
				return written, fmt.Errorf("failed to write temp file: %w", werr)
			}

			written += int64(n)

			m.tel.AddDownloadedBytes(int64(n))
		}

		if rerr == io.EOF {
			break
		}

		if rerr != nil {
			return written, &InterruptedError{BytesDownloaded: written, Err: rerr}
		}
	}

	if err := out.Sync(); err != nil {
		return written, fmt.Errorf("failed to sync temp file: %w", err)
	}

	return written, nil
}

// resumeOffset decides where streaming starts. Resume requires an existing
// partial file, range support upstream, and a validator match; anything
// less restarts from zero.
func (m *Manager) resumeOffset(ctx context.Context, req Request, probe *gateway.ProbeInfo) (int64, error) {
	logger := logctx.LoggerFromContext(ctx)

	tmpSize, err := m.vlt.TempSize(req.ContentID, req.Quality)
	if err != nil {
		return 0, err
	}

	if tmpSize == 0 {
		return 0, nil
	}

	if !probe.SupportsRange || probe.ETag == "" {
		logger.Info("partial file found but source is not resumable, restarting", "tmp_size", tmpSize)

		return 0, m.truncateTemp(req)
	}

	stored, err := m.vlt.ReadValidator(req.ContentID, req.Quality)
	if err != nil {
		if !errors.Is(err, vault.ErrNoValidator) {
			return 0, err
		}

		logger.Info("partial file has no validator, restarting", "tmp_size", tmpSize)

		return 0, m.truncateTemp(req)
	}

	if stored != probe.ETag || tmpSize > probe.TotalBytes {
		logger.Info("partial file validator mismatch, restarting", "tmp_size", tmpSize)

		return 0, m.truncateTemp(req)
	}

	logger.Info("resuming partial download", "offset", tmpSize)

	return tmpSize, nil
}

func (m *Manager) truncateTemp(req Request) error {
	f, err := m.vlt.OpenTemp(req.ContentID, req.Quality, false)
	if err != nil {
		return err
	}

	return f.Close()
}

func (m *Manager) verify(ctx context.Context, req Request, expected int64) error {
	actual, err := m.vlt.TempSize(req.ContentID, req.Quality)
	if err != nil {
		return err
	}

	if actual != expected {
		// The validator lied; purge everything, nothing is safe to resume.
		if cerr := m.vlt.RemoveArtifacts(req.ContentID, req.Quality); cerr != nil {
			logctx.LoggerFromContext(ctx).Error("failed to purge corrupt artifacts", "err", cerr)
		}

		return &CorruptionError{Expected: expected, Actual: actual}
	}

	return nil
}

// encrypt streams the verified plaintext temp file into the encryption
// temp file and removes the plaintext. On any failure every partial
// artifact goes away: a half-encrypted file must never become visible.
func (m *Manager) encrypt(ctx context.Context, req Request) (string, error) {
	logger := logctx.LoggerFromContext(ctx)

	tmpPath, err := m.vlt.TempPath(req.ContentID, req.Quality)
	if err != nil {
		return "", err
	}

	encPath, err := m.vlt.EncTempPath(req.ContentID, req.Quality)
	if err != nil {
		return "", err
	}

	if err := m.encryptFile(tmpPath, encPath); err != nil {
		if cerr := m.vlt.RemoveArtifacts(req.ContentID, req.Quality); cerr != nil {
			logger.Error("failed to purge encryption artifacts", "err", cerr)
		}

		return "", &EncryptionError{Err: err}
	}

	if err := os.Remove(tmpPath); err != nil && !os.IsNotExist(err) {
		logger.Error("failed to remove plaintext temp file", "err", err)
	}

	return encPath, nil
}

func (m *Manager) encryptFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("failed to open plaintext: %w", err)
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return fmt.Errorf("failed to create ciphertext: %w", err)
	}

	if _, err := m.cipher.EncryptStream(out, in); err != nil {
		out.Close()

		return err
	}

	if err := out.Sync(); err != nil {
		out.Close()

		return fmt.Errorf("failed to sync ciphertext: %w", err)
	}

	return out.Close()
}

func (m *Manager) finalize(ctx context.Context, req Request, src string) (string, int64, error) {
	logger := logctx.LoggerFromContext(ctx)

	final, size, err := m.vlt.Finalize(req.ContentID, req.Quality, extFromURL(req.SourceURL), src)
	if err != nil {
		return "", 0, fmt.Errorf("failed to finalize download: %w", err)
	}

	if err := m.vlt.RemoveArtifacts(req.ContentID, req.Quality); err != nil {
		logger.Error("failed to remove download artifacts", "err", err)
	}

	record := &storage.OfflineContent{
		ContentID: req.ContentID,
		Quality:   req.Quality,
		Filename:  filepath.Base(final),
		FileSize:  size,
		Encrypted: req.Encrypt,
		AddedAt:   time.Now().UTC(),
	}

	if err := m.repo.SaveOfflineContent(record); err != nil {
		return "", 0, fmt.Errorf("failed to persist offline content metadata: %w", err)
	}

	return final, size, nil
}

// Delete removes the final file, its metadata row and any lingering
// artifacts for the key. Idempotent: missing pieces are swallowed.
func (m *Manager) Delete(ctx context.Context, contentID, quality string) error {
	logger := logctx.LoggerFromContext(ctx).With("content_id", contentID, "quality", quality)

	record, err := m.repo.GetOfflineContent(contentID, quality)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("failed to look up offline content: %w", err)
	}

	if record != nil {
		if err := m.vlt.RemoveNamed(record.Filename); err != nil {
			logger.Error("failed to remove media file", "err", err)
		}
	}

	if err := m.repo.DeleteOfflineContent(contentID, quality); err != nil {
		return fmt.Errorf("failed to delete offline content metadata: %w", err)
	}

	if err := m.vlt.RemoveArtifacts(contentID, quality); err != nil {
		logger.Error("failed to remove download artifacts", "err", err)
	}

	if err := m.vlt.ReleaseLock(contentID, quality); err != nil {
		logger.Error("failed to remove lock file", "err", err)
	}

	logger.Info("offline content deleted")

	return nil
}

func (m *Manager) publishFailure(req Request, bytesDownloaded int64, err error) {
	event := events.Error{
		ContentID:       req.ContentID,
		Quality:         req.Quality,
		Err:             err.Error(),
		Category:        events.CategoryInternal,
		BytesDownloaded: bytesDownloaded,
	}

	var (
		adErr     *AlreadyDownloadingError
		spaceErr  *InsufficientSpaceError
		intrErr   *InterruptedError
		corrErr   *CorruptionError
		encErr    *EncryptionError
		gwErr     *gateway.AllGatewaysError
		statusErr *gateway.BadStatusError
	)

	switch {
	case errors.As(err, &adErr):
		event.Category = events.CategoryConflict
	case errors.As(err, &spaceErr):
		event.Category = events.CategoryDiskSpace
	case errors.As(err, &intrErr):
		event.Category = events.CategoryNetwork
		event.Recoverable = true
		event.Resumable = true
		event.BytesDownloaded = intrErr.BytesDownloaded
	case errors.As(err, &corrErr):
		event.Category = events.CategoryCorruption
	case errors.As(err, &encErr):
		event.Category = events.CategoryEncryption
	case errors.As(err, &gwErr), errors.As(err, &statusErr):
		event.Category = events.CategoryGateway
		event.Recoverable = true
	}

	m.hub.PublishError(event)
}

// extFromURL extracts a safe filename extension from the media URL,
// falling back to the default container format.
func extFromURL(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return defaultExt
	}

	ext := filepath.Ext(u.Path)
	if !extPattern.MatchString(ext) {
		return defaultExt
	}

	if _, ok := reservedExts[strings.ToLower(ext)]; ok {
		return defaultExt
	}

	return ext
}
