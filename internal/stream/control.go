package stream

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/reelvault/reelvault/internal/downloader"
	"github.com/reelvault/reelvault/internal/logctx"
)

// DownloadController is the slice of the download manager the control
// routes need.
type DownloadController interface {
	Start(ctx context.Context, req downloader.Request) error
	Delete(ctx context.Context, contentID, quality string) error
}

// WithDownloads mounts the download control routes on the server.
func WithDownloads(ctrl DownloadController) Option {
	return func(s *Server) { s.downloads = ctrl }
}

type downloadRequest struct {
	ContentID string `json:"content_id"`
	Quality   string `json:"quality"`
	SourceURL string `json:"source_url"`
	Encrypt   bool   `json:"encrypt"`
}

// handleStartDownload accepts a download request and runs it in the
// background. Progress and outcome flow through the event hub, not this
// response.
func (s *Server) handleStartDownload(w http.ResponseWriter, r *http.Request) {
	logger := logctx.LoggerFromContext(r.Context())

	var body downloadRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)

		return
	}

	if body.ContentID == "" || body.Quality == "" || body.SourceURL == "" {
		http.Error(w, "content_id, quality and source_url are required", http.StatusBadRequest)

		return
	}

	req := downloader.Request{
		ContentID: body.ContentID,
		Quality:   body.Quality,
		SourceURL: body.SourceURL,
		Encrypt:   body.Encrypt,
	}

	// Detach from the request context: the download outlives this response.
	ctx := logctx.WithLogger(s.baseCtx, logger)

	go func() {
		if err := s.downloads.Start(ctx, req); err != nil {
			var already *downloader.AlreadyDownloadingError
			if errors.As(err, &already) {
				logger.Warn("download already in progress",
					"content_id", req.ContentID, "quality", req.Quality)

				return
			}

			logger.Error("download failed",
				"content_id", req.ContentID, "quality", req.Quality, "err", err)
		}
	}()

	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleDeleteDownload(w http.ResponseWriter, r *http.Request) {
	logger := logctx.LoggerFromContext(r.Context())

	contentID := chi.URLParam(r, "contentID")
	quality := r.URL.Query().Get("quality")

	if quality == "" {
		http.Error(w, "quality is required", http.StatusBadRequest)

		return
	}

	if err := s.downloads.Delete(r.Context(), contentID, quality); err != nil {
		logger.Error("failed to delete offline content", "err", err)
		http.Error(w, "delete failed", http.StatusInternalServerError)

		return
	}

	w.WriteHeader(http.StatusNoContent)
}
