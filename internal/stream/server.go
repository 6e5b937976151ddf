// Package stream is the local playback surface: an HTTP server bound to a
// loopback address with an OS-assigned port, serving vault files to the
// embedded player with byte-range support and decryption-on-read.
package stream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/reelvault/reelvault/internal/cryptox"
	"github.com/reelvault/reelvault/internal/events"
	"github.com/reelvault/reelvault/internal/logctx"
	"github.com/reelvault/reelvault/internal/storage"
	"github.com/reelvault/reelvault/internal/telemetry"
	"github.com/reelvault/reelvault/internal/vault"
)

// decryptChunk is the plaintext bytes decrypted per write while serving an
// encrypted range.
const decryptChunk = 1 * 1024 * 1024

// Server answers GET /movies/{contentID} out of the vault. Requests are
// stateless and independently seekable, so a scrubbing player can issue
// overlapping out-of-order ranges against the same file.
type Server struct {
	repo      storage.OfflineReadRepository
	vlt       *vault.Vault
	cipher    *cryptox.Cipher
	tel       *telemetry.Telemetry
	hub       *events.Hub
	downloads DownloadController

	// baseCtx carries the process logger for work that outlives a request.
	baseCtx context.Context

	readTimeout time.Duration
	idleTimeout time.Duration

	srv  *http.Server
	ln   net.Listener
	addr string
	port int
}

// Option configures a Server.
type Option func(*Server)

// WithCipher enables serving encrypted files.
func WithCipher(c *cryptox.Cipher) Option {
	return func(s *Server) { s.cipher = c }
}

// WithTelemetry installs metrics middleware and the /metrics endpoint.
func WithTelemetry(t *telemetry.Telemetry) Option {
	return func(s *Server) { s.tel = t }
}

// WithHub installs the event hub for the server-started notification.
func WithHub(h *events.Hub) Option {
	return func(s *Server) { s.hub = h }
}

// WithTimeouts overrides the HTTP server timeouts. The write timeout stays
// unset: a paused player holds a response open indefinitely and only the
// OS or the player bound it.
func WithTimeouts(read, idle time.Duration) Option {
	return func(s *Server) {
		s.readTimeout = read
		s.idleTimeout = idle
	}
}

// NewServer builds a Server.
func NewServer(repo storage.OfflineReadRepository, vlt *vault.Vault, opts ...Option) *Server {
	s := &Server{
		repo:        repo,
		vlt:         vlt,
		baseCtx:     context.Background(),
		readTimeout: 30 * time.Second,
		idleTimeout: 5 * time.Second,
	}

	for _, opt := range opts {
		opt(s)
	}

	return s
}

// Routes builds the HTTP handler.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()

	r.Use(telemetry.RequestID)
	r.Use(telemetry.HTTPLogging)

	if s.tel != nil {
		r.Use(telemetry.HTTPMetrics(s.tel))
		r.Handle("/metrics", s.tel.Handler())
	}

	r.Use(permissiveCORS)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok")) //nolint:errcheck
	})

	r.Get("/movies/{contentID}", s.handleMovie)

	if s.downloads != nil {
		r.Post("/downloads", s.handleStartDownload)
		r.Delete("/downloads/{contentID}", s.handleDeleteDownload)
	}

	return r
}

// Start binds to loopback on an OS-assigned port and begins serving.
// Never a well-known or configurable port: that avoids conflicts and keeps
// exposure to localhost.
func (s *Server) Start(ctx context.Context) error {
	logger := logctx.LoggerFromContext(ctx)

	s.baseCtx = ctx

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return fmt.Errorf("failed to bind local stream server: %w", err)
	}

	s.ln = ln
	s.addr = ln.Addr().String()
	s.port = ln.Addr().(*net.TCPAddr).Port

	s.srv = &http.Server{
		Handler:     s.Routes(),
		ReadTimeout: s.readTimeout,
		IdleTimeout: s.idleTimeout,
		BaseContext: func(net.Listener) context.Context {
			return ctx
		},
	}

	logger.Info("local stream server listening", "address", s.addr, "port", s.port)

	if s.hub != nil {
		s.hub.PublishServerStarted(events.ServerStarted{Port: s.port, Address: s.addr})
	}

	return nil
}

// Serve blocks serving connections until Shutdown or a listener error.
func (s *Server) Serve() error {
	if err := s.srv.Serve(s.ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}

	return nil
}

// Addr returns the bound address, valid after Start.
func (s *Server) Addr() string {
	return s.addr
}

// Port returns the bound port, valid after Start.
func (s *Server) Port() int {
	return s.port
}

// StreamURL returns the playback URL for a key, valid after Start.
func (s *Server) StreamURL(contentID, quality string) string {
	u := fmt.Sprintf("http://%s/movies/%s", s.addr, contentID)
	if quality != "" {
		u += "?quality=" + quality
	}

	return u
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}

	return s.srv.Shutdown(ctx)
}

func (s *Server) handleMovie(w http.ResponseWriter, r *http.Request) {
	logger := logctx.LoggerFromContext(r.Context())

	contentID := chi.URLParam(r, "contentID")
	quality := r.URL.Query().Get("quality")

	record, err := s.lookup(contentID, quality)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			http.Error(w, "not found", http.StatusNotFound)

			return
		}

		logger.Error("failed to look up offline content", "err", err)
		http.Error(w, "stream not available", http.StatusInternalServerError)

		return
	}

	if record.Encrypted && s.cipher == nil {
		logger.Error("encrypted content requested but no key is configured")
		http.Error(w, "stream not available", http.StatusInternalServerError)

		return
	}

	f, err := s.vlt.OpenNamed(record.Filename)
	if err != nil {
		if os.IsNotExist(err) {
			http.Error(w, "not found", http.StatusNotFound)

			return
		}

		logger.Error("failed to open media file", "err", err)
		http.Error(w, "stream not available", http.StatusInternalServerError)

		return
	}
	defer f.Close()

	size, err := s.logicalSize(f, record)
	if err != nil {
		logger.Error("failed to size media file", "err", err)
		http.Error(w, "stream not available", http.StatusInternalServerError)

		return
	}

	rng := byteRange{Start: 0, End: size - 1}
	partial := false

	if header := r.Header.Get("Range"); header != "" {
		rng, err = parseRange(header, size)
		if err != nil {
			w.Header().Set("Content-Range", unsatisfiableRange(size))
			http.Error(w, "invalid range", http.StatusRequestedRangeNotSatisfiable)

			return
		}

		partial = true
	}

	w.Header().Set("Accept-Ranges", "bytes")
	w.Header().Set("Content-Type", contentType(record.Filename))
	w.Header().Set("Content-Length", strconv.FormatInt(rng.length(), 10))

	if partial {
		w.Header().Set("Content-Range", contentRange(rng, size))
		w.WriteHeader(http.StatusPartialContent)
	}

	if record.Encrypted {
		err = s.serveEncrypted(w, f, rng)
	} else {
		err = s.servePlain(w, f, rng)
	}

	if err != nil {
		// Mid-body failures (usually the player dropping the connection
		// while scrubbing) cannot change the status anymore.
		logger.Debug("stream aborted", "err", err)
	}
}

func (s *Server) lookup(contentID, quality string) (*storage.OfflineContent, error) {
	if quality != "" {
		return s.repo.GetOfflineContent(contentID, quality)
	}

	return s.repo.FindOfflineContent(contentID)
}

// logicalSize is the byte size the player sees: the plaintext size for
// encrypted files, the file size otherwise.
func (s *Server) logicalSize(f *os.File, record *storage.OfflineContent) (int64, error) {
	info, err := f.Stat()
	if err != nil {
		return 0, err
	}

	if !record.Encrypted {
		return info.Size(), nil
	}

	return cryptox.PlaintextSize(info.Size())
}

func (s *Server) servePlain(w io.Writer, f *os.File, rng byteRange) error {
	if _, err := f.Seek(rng.Start, io.SeekStart); err != nil {
		return err
	}

	_, err := io.CopyN(w, f, rng.length())

	return err
}

// serveEncrypted decrypts and writes the range in chunks. Each chunk is an
// independent ranged decrypt, so concurrent requests against the same file
// never share state.
func (s *Server) serveEncrypted(w io.Writer, f *os.File, rng byteRange) error {
	offset := rng.Start
	remaining := rng.length()

	for remaining > 0 {
		n := int64(decryptChunk)
		if n > remaining {
			n = remaining
		}

		plain, err := s.cipher.DecryptRange(f, offset, n)
		if err != nil {
			return err
		}

		if _, err := w.Write(plain); err != nil {
			return err
		}

		offset += n
		remaining -= n
	}

	return nil
}

func contentType(filename string) string {
	if ct := mime.TypeByExtension(filepath.Ext(filename)); ct != "" {
		return ct
	}

	return "application/octet-stream"
}
