package precache

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/apex/log"
	"github.com/apex/log/handlers/discard"
	"github.com/stretchr/testify/require"
)

var errOffline = errors.New("network unreachable")

var testLogger = &log.Logger{Handler: discard.Default, Level: log.DebugLevel}

// testNetwork is an http.RoundTripper that counts requests per URL and can
// be switched offline.
type testNetwork struct {
	base    http.RoundTripper
	offline atomic.Bool

	mu   sync.Mutex
	hits map[string]int
}

func newTestNetwork() *testNetwork {
	return &testNetwork{base: http.DefaultTransport, hits: make(map[string]int)}
}

func (n *testNetwork) RoundTrip(req *http.Request) (*http.Response, error) {
	n.mu.Lock()
	n.hits[req.URL.String()]++
	n.mu.Unlock()

	if n.offline.Load() {
		return nil, errOffline
	}
	return n.base.RoundTrip(req)
}

func (n *testNetwork) Hits(url string) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.hits[url]
}

// newOrigin starts a server playing the reading app.
func newOrigin(t *testing.T) *httptest.Server {
	t.Helper()

	mux := http.NewServeMux()
	mux.HandleFunc("GET /{$}", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		io.WriteString(w, "<html><body>reader</body></html>")
	})
	mux.HandleFunc("GET /static/icons/{name}", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "image/png")
		io.WriteString(w, "png:"+r.PathValue("name"))
	})
	mux.HandleFunc("GET /novel/{id}", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		io.WriteString(w, "chapter text of "+r.PathValue("id"))
	})
	mux.HandleFunc("GET /accepted", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
		io.WriteString(w, "accepted")
	})
	mux.HandleFunc("POST /download", func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, "download")
	})

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func newTestStorage(t *testing.T) *CacheStorage {
	t.Helper()
	return newTestStorageAt(t, t.TempDir())
}

func newTestStorageAt(t *testing.T, dir string) *CacheStorage {
	t.Helper()
	s, err := OpenStorage(WithCacheDir(dir), WithStorageLogger(testLogger))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func testConfig(origin, version string) Config {
	return Config{
		Version:  version,
		Origin:   origin,
		Manifest: DefaultManifest(),
	}
}

func newTestInterceptor(t *testing.T, cfg Config, storage *CacheStorage, network http.RoundTripper, opts ...Option) *Interceptor {
	t.Helper()
	opts = append([]Option{WithTransport(network), WithLogger(testLogger)}, opts...)
	w, err := New(cfg, storage, opts...)
	require.NoError(t, err)
	t.Cleanup(w.Flush)
	return w
}

func get(t *testing.T, rt http.RoundTripper, url string) (*http.Response, string, error) {
	t.Helper()
	req, err := http.NewRequestWithContext(context.Background(), http.MethodGet, url, nil)
	require.NoError(t, err)
	resp, err := rt.RoundTrip(req)
	if err != nil {
		return nil, "", err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, string(body), nil
}

// nopLifecycle records lifecycle signals without a registration.
type nopLifecycle struct {
	skipped atomic.Bool
	claimed atomic.Bool
}

func (l *nopLifecycle) SkipWaiting() { l.skipped.Store(true) }
func (l *nopLifecycle) Claim()       { l.claimed.Store(true) }
