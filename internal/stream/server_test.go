package stream_test

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/reelvault/reelvault/internal/cryptox"
	"github.com/reelvault/reelvault/internal/downloader"
	"github.com/reelvault/reelvault/internal/storage"
	"github.com/reelvault/reelvault/internal/stream"
	"github.com/reelvault/reelvault/internal/vault"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stubRepo is a fixed read-only catalog.
type stubRepo struct {
	records map[string]*storage.OfflineContent
}

func (r *stubRepo) GetOfflineContent(contentID, quality string) (*storage.OfflineContent, error) {
	record, ok := r.records[contentID+"/"+quality]
	if !ok {
		return nil, storage.ErrNotFound
	}

	return record, nil
}

func (r *stubRepo) FindOfflineContent(contentID string) (*storage.OfflineContent, error) {
	var newest *storage.OfflineContent

	for _, record := range r.records {
		if record.ContentID != contentID {
			continue
		}

		if newest == nil || record.AddedAt.After(newest.AddedAt) {
			newest = record
		}
	}

	if newest == nil {
		return nil, storage.ErrNotFound
	}

	return newest, nil
}

type serverFixture struct {
	vlt     *vault.Vault
	repo    *stubRepo
	ts      *httptest.Server
	payload []byte
}

func newServerFixture(t *testing.T, opts ...stream.Option) *serverFixture {
	t.Helper()

	v, err := vault.New(t.TempDir())
	require.NoError(t, err)

	payload := make([]byte, 200*1024)
	_, err = rand.New(rand.NewSource(7)).Read(payload)
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(v.Root(), "movie1-720p.mp4"), payload, 0o644))

	repo := &stubRepo{records: map[string]*storage.OfflineContent{
		"movie1/720p": {
			ContentID: "movie1",
			Quality:   "720p",
			Filename:  "movie1-720p.mp4",
			FileSize:  int64(len(payload)),
			AddedAt:   time.Now().UTC(),
		},
	}}

	srv := stream.NewServer(repo, v, opts...)
	ts := httptest.NewServer(srv.Routes())
	t.Cleanup(ts.Close)

	return &serverFixture{vlt: v, repo: repo, ts: ts, payload: payload}
}

func (f *serverFixture) get(t *testing.T, path, rangeHeader string) *http.Response {
	t.Helper()

	req, err := http.NewRequest(http.MethodGet, f.ts.URL+path, nil)
	require.NoError(t, err)

	if rangeHeader != "" {
		req.Header.Set("Range", rangeHeader)
	}

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)

	return resp
}

func TestServeMovie_FullFile(t *testing.T) {
	f := newServerFixture(t)

	resp := f.get(t, "/movies/movie1?quality=720p", "")
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "bytes", resp.Header.Get("Accept-Ranges"))
	assert.Equal(t, "video/mp4", resp.Header.Get("Content-Type"))

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, f.payload, body)
}

func TestServeMovie_WithoutQualityPicksNewest(t *testing.T) {
	f := newServerFixture(t)

	resp := f.get(t, "/movies/movie1", "")
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestServeMovie_Ranges(t *testing.T) {
	f := newServerFixture(t)
	size := int64(len(f.payload))

	tests := []struct {
		name      string
		header    string
		wantStart int64
		wantEnd   int64
	}{
		{"prefix", "bytes=0-1023", 0, 1023},
		{"middle", "bytes=50000-60000", 50000, 60000},
		{"open ended", "bytes=100000-", 100000, size - 1},
		{"suffix", "bytes=-4096", size - 4096, size - 1},
		{"oversized suffix clamps", fmt.Sprintf("bytes=-%d", size*2), 0, size - 1},
		{"end clamps to eof", fmt.Sprintf("bytes=100-%d", size*2), 100, size - 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := f.get(t, "/movies/movie1?quality=720p", tt.header)
			defer resp.Body.Close()

			require.Equal(t, http.StatusPartialContent, resp.StatusCode)

			wantLen := tt.wantEnd - tt.wantStart + 1
			assert.Equal(t, fmt.Sprintf("bytes %d-%d/%d", tt.wantStart, tt.wantEnd, size),
				resp.Header.Get("Content-Range"))
			assert.Equal(t, fmt.Sprintf("%d", wantLen), resp.Header.Get("Content-Length"))

			body, err := io.ReadAll(resp.Body)
			require.NoError(t, err)
			assert.Equal(t, f.payload[tt.wantStart:tt.wantEnd+1], body)
		})
	}
}

func TestServeMovie_UnsatisfiableRange(t *testing.T) {
	f := newServerFixture(t)
	size := int64(len(f.payload))

	for _, header := range []string{
		fmt.Sprintf("bytes=%d-", size),
		fmt.Sprintf("bytes=%d-%d", size+10, size+20),
		"bytes=junk",
	} {
		t.Run(header, func(t *testing.T) {
			resp := f.get(t, "/movies/movie1?quality=720p", header)
			defer resp.Body.Close()

			require.Equal(t, http.StatusRequestedRangeNotSatisfiable, resp.StatusCode)
			assert.Equal(t, fmt.Sprintf("bytes */%d", size), resp.Header.Get("Content-Range"))
		})
	}
}

func TestServeMovie_NotFound(t *testing.T) {
	f := newServerFixture(t)

	tests := []struct {
		name string
		path string
	}{
		{"unknown id", "/movies/nope"},
		{"unknown quality", "/movies/movie1?quality=4k"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := f.get(t, tt.path, "")
			defer resp.Body.Close()

			assert.Equal(t, http.StatusNotFound, resp.StatusCode)
		})
	}
}

func TestServeMovie_MissingFileIs404(t *testing.T) {
	f := newServerFixture(t)

	// Metadata row without a file on disk.
	f.repo.records["ghost/720p"] = &storage.OfflineContent{
		ContentID: "ghost",
		Quality:   "720p",
		Filename:  "ghost-720p.mp4",
	}

	resp := f.get(t, "/movies/ghost?quality=720p", "")
	defer resp.Body.Close()

	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestServeMovie_CORS(t *testing.T) {
	f := newServerFixture(t)

	resp := f.get(t, "/movies/movie1?quality=720p", "")
	defer resp.Body.Close()

	assert.Equal(t, "*", resp.Header.Get("Access-Control-Allow-Origin"))
	assert.Contains(t, resp.Header.Get("Access-Control-Expose-Headers"), "Content-Range")
}

func TestHealthz(t *testing.T) {
	f := newServerFixture(t)

	resp := f.get(t, "/healthz", "")
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func newEncryptedFixture(t *testing.T) (*serverFixture, []byte) {
	t.Helper()

	key := make([]byte, cryptox.KeySize)
	for i := range key {
		key[i] = byte(i + 1)
	}

	cipher, err := cryptox.NewCipher(key)
	require.NoError(t, err)

	f := newServerFixture(t, stream.WithCipher(cipher))

	plain := make([]byte, 3*cryptox.BlockSize+777)
	_, err = rand.New(rand.NewSource(9)).Read(plain)
	require.NoError(t, err)

	var enc bytes.Buffer
	_, err = cipher.EncryptStream(&enc, bytes.NewReader(plain))
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(f.vlt.Root(), "secret-1080p.mp4"), enc.Bytes(), 0o644))

	f.repo.records["secret/1080p"] = &storage.OfflineContent{
		ContentID: "secret",
		Quality:   "1080p",
		Filename:  "secret-1080p.mp4",
		FileSize:  int64(enc.Len()),
		Encrypted: true,
		AddedAt:   time.Now().UTC(),
	}

	return f, plain
}

func TestServeMovie_EncryptedFullFile(t *testing.T) {
	f, plain := newEncryptedFixture(t)

	resp := f.get(t, "/movies/secret?quality=1080p", "")
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, fmt.Sprintf("%d", len(plain)), resp.Header.Get("Content-Length"),
		"the player must see the plaintext size, not the on-disk size")

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, plain, body)
}

func TestServeMovie_EncryptedRanges(t *testing.T) {
	f, plain := newEncryptedFixture(t)
	size := int64(len(plain))

	tests := []struct {
		name   string
		header string
		start  int64
		end    int64
	}{
		{"prefix", "bytes=0-499", 0, 499},
		{"block straddle", fmt.Sprintf("bytes=%d-%d", cryptox.BlockSize-100, cryptox.BlockSize+100), cryptox.BlockSize - 100, cryptox.BlockSize + 100},
		{"tail", fmt.Sprintf("bytes=%d-", size-777), size - 777, size - 1},
		{"suffix", "bytes=-1000", size - 1000, size - 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := f.get(t, "/movies/secret?quality=1080p", tt.header)
			defer resp.Body.Close()

			require.Equal(t, http.StatusPartialContent, resp.StatusCode)
			assert.Equal(t, fmt.Sprintf("bytes %d-%d/%d", tt.start, tt.end, size),
				resp.Header.Get("Content-Range"))

			body, err := io.ReadAll(resp.Body)
			require.NoError(t, err)
			assert.Equal(t, plain[tt.start:tt.end+1], body)
		})
	}
}

func TestServeMovie_EncryptedConcurrentRanges(t *testing.T) {
	f, plain := newEncryptedFixture(t)
	size := int64(len(plain))

	var wg sync.WaitGroup

	for i := 0; i < 8; i++ {
		start := (size / 8) * int64(i)
		end := start + 2048

		if end >= size {
			end = size - 1
		}

		wg.Add(1)

		go func(start, end int64) {
			defer wg.Done()

			resp := f.get(t, "/movies/secret?quality=1080p", fmt.Sprintf("bytes=%d-%d", start, end))
			defer resp.Body.Close()

			assert.Equal(t, http.StatusPartialContent, resp.StatusCode)

			body, err := io.ReadAll(resp.Body)
			assert.NoError(t, err)
			assert.Equal(t, plain[start:end+1], body)
		}(start, end)
	}

	wg.Wait()
}

func TestServeMovie_EncryptedWithoutKeyIs500(t *testing.T) {
	// Fixture without a cipher, but with an encrypted record.
	f := newServerFixture(t)
	f.repo.records["secret/1080p"] = &storage.OfflineContent{
		ContentID: "secret",
		Quality:   "1080p",
		Filename:  "movie1-720p.mp4",
		Encrypted: true,
	}

	resp := f.get(t, "/movies/secret?quality=1080p", "")
	defer resp.Body.Close()

	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
}

// recordingController captures control-surface calls.
type recordingController struct {
	started chan downloader.Request
	deleted chan [2]string
}

func (c *recordingController) Start(_ context.Context, req downloader.Request) error {
	c.started <- req

	return nil
}

func (c *recordingController) Delete(_ context.Context, contentID, quality string) error {
	c.deleted <- [2]string{contentID, quality}

	return nil
}

func TestControlRoutes(t *testing.T) {
	ctrl := &recordingController{
		started: make(chan downloader.Request, 1),
		deleted: make(chan [2]string, 1),
	}

	f := newServerFixture(t, stream.WithDownloads(ctrl))

	t.Run("start download", func(t *testing.T) {
		body := `{"content_id":"movie2","quality":"1080p","source_url":"http://cdn.example/m.mkv","encrypt":true}`

		resp, err := http.Post(f.ts.URL+"/downloads", "application/json", strings.NewReader(body))
		require.NoError(t, err)
		defer resp.Body.Close()

		require.Equal(t, http.StatusAccepted, resp.StatusCode)

		select {
		case req := <-ctrl.started:
			assert.Equal(t, "movie2", req.ContentID)
			assert.Equal(t, "1080p", req.Quality)
			assert.True(t, req.Encrypt)
		case <-time.After(2 * time.Second):
			t.Fatal("controller was never called")
		}
	})

	t.Run("missing fields", func(t *testing.T) {
		resp, err := http.Post(f.ts.URL+"/downloads", "application/json", strings.NewReader(`{"content_id":"x"}`))
		require.NoError(t, err)
		defer resp.Body.Close()

		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})

	t.Run("delete", func(t *testing.T) {
		req, err := http.NewRequest(http.MethodDelete, f.ts.URL+"/downloads/movie1?quality=720p", nil)
		require.NoError(t, err)

		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		defer resp.Body.Close()

		require.Equal(t, http.StatusNoContent, resp.StatusCode)
		assert.Equal(t, [2]string{"movie1", "720p"}, <-ctrl.deleted)
	})

	t.Run("delete without quality", func(t *testing.T) {
		req, err := http.NewRequest(http.MethodDelete, f.ts.URL+"/downloads/movie1", nil)
		require.NoError(t, err)

		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		defer resp.Body.Close()

		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})
}

func TestStartAndStreamURL(t *testing.T) {
	v, err := vault.New(t.TempDir())
	require.NoError(t, err)

	srv := stream.NewServer(&stubRepo{records: map[string]*storage.OfflineContent{}}, v)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, srv.Start(ctx))

	go srv.Serve() //nolint:errcheck

	assert.True(t, strings.HasPrefix(srv.Addr(), "127.0.0.1:"))
	assert.NotZero(t, srv.Port())
	assert.Equal(t, fmt.Sprintf("http://%s/movies/abc?quality=720p", srv.Addr()),
		srv.StreamURL("abc", "720p"))

	resp, err := http.Get(srv.StreamURL("abc", "720p"))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	require.NoError(t, srv.Shutdown(shutdownCtx))
}
