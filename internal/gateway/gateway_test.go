package gateway_test

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/reelvault/reelvault/internal/gateway"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fastDelays keeps failover tests quick.
var fastDelays = []time.Duration{time.Millisecond}

func TestNewClient(t *testing.T) {
	tests := []struct {
		name    string
		urls    []string
		wantErr bool
	}{
		{"single", []string{"http://primary.example"}, false},
		{"ordered", []string{"http://a.example", "http://b.example", "http://c.example"}, false},
		{"trailing slash", []string{"http://a.example/"}, false},
		{"empty list", nil, true},
		{"missing scheme", []string{"primary.example"}, true},
		{"garbage", []string{"://"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client, err := gateway.NewClient(tt.urls)
			if tt.wantErr {
				assert.Error(t, err)

				return
			}

			require.NoError(t, err)

			eps := client.Endpoints()
			require.Len(t, eps, len(tt.urls))
			for i, ep := range eps {
				assert.Equal(t, i, ep.Rank)
			}
		})
	}
}

func TestDo_FailoverOrder(t *testing.T) {
	var primaryHits, secondaryHits, tertiaryHits atomic.Int32

	primary := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		primaryHits.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer primary.Close()

	secondary := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		secondaryHits.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer secondary.Close()

	tertiary := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tertiaryHits.Add(1)
		fmt.Fprint(w, `{"ok":true}`)
	}))
	defer tertiary.Close()

	client, err := gateway.NewClient([]string{primary.URL, secondary.URL, tertiary.URL},
		gateway.WithRetryDelays(fastDelays))
	require.NoError(t, err)

	resp, err := client.Do(context.Background(), "/catalog", nil)
	require.NoError(t, err)

	// Three tries against each failing endpoint, then one success.
	assert.Equal(t, int32(3), primaryHits.Load())
	assert.Equal(t, int32(3), secondaryHits.Load())
	assert.Equal(t, int32(1), tertiaryHits.Load())
	assert.Equal(t, 2, resp.Endpoint.Rank)
	assert.JSONEq(t, `{"ok":true}`, string(resp.Body))
}

func TestDo_FirstSuccessStopsFailover(t *testing.T) {
	var secondaryHits atomic.Int32

	primary := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"source":"primary"}`)
	}))
	defer primary.Close()

	secondary := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		secondaryHits.Add(1)
		fmt.Fprint(w, `{"source":"secondary"}`)
	}))
	defer secondary.Close()

	client, err := gateway.NewClient([]string{primary.URL, secondary.URL},
		gateway.WithRetryDelays(fastDelays))
	require.NoError(t, err)

	resp, err := client.Do(context.Background(), "/catalog", nil)
	require.NoError(t, err)
	assert.Equal(t, 0, resp.Endpoint.Rank)
	assert.Equal(t, int32(0), secondaryHits.Load())
}

func TestDo_MalformedBodyCountsAsFailure(t *testing.T) {
	var primaryHits atomic.Int32

	primary := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		primaryHits.Add(1)
		fmt.Fprint(w, "<html>not json</html>")
	}))
	defer primary.Close()

	secondary := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"ok":true}`)
	}))
	defer secondary.Close()

	client, err := gateway.NewClient([]string{primary.URL, secondary.URL},
		gateway.WithRetryDelays(fastDelays))
	require.NoError(t, err)

	resp, err := client.Do(context.Background(), "/catalog", nil)
	require.NoError(t, err)
	assert.Equal(t, int32(3), primaryHits.Load())
	assert.Equal(t, 1, resp.Endpoint.Rank)
}

func TestDo_AllGatewaysFail(t *testing.T) {
	primary := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer primary.Close()

	secondary := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer secondary.Close()

	client, err := gateway.NewClient([]string{primary.URL, secondary.URL},
		gateway.WithRetryDelays(fastDelays))
	require.NoError(t, err)

	_, err = client.Do(context.Background(), "/catalog", nil)
	require.Error(t, err)

	var allErr *gateway.AllGatewaysError
	require.ErrorAs(t, err, &allErr)
	assert.Len(t, allErr.LastErrors, 2)
}

func TestDo_AttemptObserver(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{}`)
	}))
	defer ts.Close()

	var attempts atomic.Int32

	client, err := gateway.NewClient([]string{ts.URL},
		gateway.WithAttemptObserver(func(endpoint string, rank, attempt int, latency time.Duration, err error) {
			attempts.Add(1)
			assert.Equal(t, 0, rank)
			assert.NoError(t, err)
		}))
	require.NoError(t, err)

	_, err = client.Do(context.Background(), "/catalog", nil)
	require.NoError(t, err)
	assert.Equal(t, int32(1), attempts.Load())
}

func TestDo_ContextCancelStopsRetrying(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer ts.Close()

	client, err := gateway.NewClient([]string{ts.URL},
		gateway.WithRetryDelays([]time.Duration{time.Minute}))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err = client.Do(ctx, "/catalog", nil)
	require.Error(t, err)
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestProbe_Head(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodHead, r.Method)
		w.Header().Set("Content-Length", "4096")
		w.Header().Set("Accept-Ranges", "bytes")
		w.Header().Set("ETag", `"v1"`)
	}))
	defer ts.Close()

	client, err := gateway.NewClient([]string{ts.URL}, gateway.WithRetryDelays(fastDelays))
	require.NoError(t, err)

	info, err := client.Probe(context.Background(), ts.URL+"/media/abc")
	require.NoError(t, err)
	assert.Equal(t, int64(4096), info.TotalBytes)
	assert.True(t, info.SupportsRange)
	assert.Equal(t, `"v1"`, info.ETag)
}

func TestProbe_FallsBackToRangedGet(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodHead {
			w.WriteHeader(http.StatusMethodNotAllowed)

			return
		}

		assert.Equal(t, "bytes=0-0", r.Header.Get("Range"))
		w.Header().Set("Content-Range", "bytes 0-0/9000")
		w.Header().Set("ETag", `"v2"`)
		w.WriteHeader(http.StatusPartialContent)
		w.Write([]byte{0}) //nolint:errcheck
	}))
	defer ts.Close()

	client, err := gateway.NewClient([]string{ts.URL}, gateway.WithRetryDelays(fastDelays))
	require.NoError(t, err)

	info, err := client.Probe(context.Background(), ts.URL+"/media/abc")
	require.NoError(t, err)
	assert.Equal(t, int64(9000), info.TotalBytes)
	assert.True(t, info.SupportsRange)
	assert.Equal(t, `"v2"`, info.ETag)
}

func TestOpenStream(t *testing.T) {
	payload := []byte("0123456789")

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if rng := r.Header.Get("Range"); rng != "" {
			assert.Equal(t, "bytes=4-", rng)
			w.Header().Set("Content-Range", fmt.Sprintf("bytes 4-9/%d", len(payload)))
			w.WriteHeader(http.StatusPartialContent)
			w.Write(payload[4:]) //nolint:errcheck

			return
		}

		w.Write(payload) //nolint:errcheck
	}))
	defer ts.Close()

	client, err := gateway.NewClient([]string{ts.URL}, gateway.WithRetryDelays(fastDelays))
	require.NoError(t, err)

	t.Run("from start", func(t *testing.T) {
		body, err := client.OpenStream(context.Background(), ts.URL+"/media/abc", 0)
		require.NoError(t, err)
		defer body.Close()

		data, err := io.ReadAll(body)
		require.NoError(t, err)
		assert.Equal(t, payload, data)
	})

	t.Run("from offset", func(t *testing.T) {
		body, err := client.OpenStream(context.Background(), ts.URL+"/media/abc", 4)
		require.NoError(t, err)
		defer body.Close()

		data, err := io.ReadAll(body)
		require.NoError(t, err)
		assert.Equal(t, payload[4:], data)
	})
}

func TestOpenStream_RejectsFullBodyForResume(t *testing.T) {
	// An upstream that ignores Range and answers 200 would silently corrupt
	// a resumed file, so the open must fail.
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("full body")) //nolint:errcheck
	}))
	defer ts.Close()

	client, err := gateway.NewClient([]string{ts.URL}, gateway.WithRetryDelays(fastDelays))
	require.NoError(t, err)

	_, err = client.OpenStream(context.Background(), ts.URL+"/media/abc", 100)
	require.Error(t, err)

	var badStatus *gateway.BadStatusError
	assert.ErrorAs(t, err, &badStatus)
}
