package precache

import (
	"context"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// legacyWorker is the first released worker, kept to pin down the behaviour
// the Interceptor replaced: it never removes caches of older versions, never
// claims clients, and never fills its cache from the network.
type legacyWorker struct {
	cfg      Config
	manifest []string
	storage  *CacheStorage
	network  http.RoundTripper
}

func newLegacyWorker(t *testing.T, cfg Config, storage *CacheStorage, network http.RoundTripper) *legacyWorker {
	t.Helper()
	_, manifest, err := cfg.resolve()
	require.NoError(t, err)
	return &legacyWorker{cfg: cfg, manifest: manifest, storage: storage, network: network}
}

func (w *legacyWorker) Install(ctx context.Context, _ Lifecycle) *Task {
	return Go(ctx, func(ctx context.Context) error {
		c, err := w.storage.Open(w.cfg.Version)
		if err != nil {
			return err
		}
		return c.AddAll(ctx, w.network, w.manifest, 0)
	})
}

func (w *legacyWorker) Activate(context.Context, Lifecycle) *Task { return Settled(nil) }

func (w *legacyWorker) Fetch(req *http.Request) (*http.Response, error) {
	if resp, err := w.storage.Match(req); err == nil {
		return resp, nil
	}
	return w.network.RoundTrip(req)
}

func TestLegacyWorkerLeaksOldCaches(t *testing.T) {
	t.Parallel()

	origin := newOrigin(t)
	network := newTestNetwork()
	storage := newTestStorage(t)

	reg := NewRegistration(WithLogger(testLogger))
	for _, version := range []string{"app-cache-v1", "app-cache-v2", "app-cache-v3"} {
		w := newLegacyWorker(t, testConfig(origin.URL, version), storage, network)
		require.NoError(t, reg.Register(context.Background(), w))
		assert.Equal(t, StateActivated, reg.StateOf(w))
	}

	names, err := storage.Keys()
	require.NoError(t, err)
	assert.Equal(t, []string{"app-cache-v1", "app-cache-v2", "app-cache-v3"}, names)
}

func TestInterceptorCleansUpAfterLegacyWorker(t *testing.T) {
	t.Parallel()

	origin := newOrigin(t)
	network := newTestNetwork()
	storage := newTestStorage(t)

	reg := NewRegistration(WithLogger(testLogger))
	legacy := newLegacyWorker(t, testConfig(origin.URL, "app-cache-v1"), storage, network)
	require.NoError(t, reg.Register(context.Background(), legacy))
	client := reg.Open()

	current := newTestInterceptor(t, testConfig(origin.URL, "app-cache-v2"), storage, network)
	require.NoError(t, reg.Register(context.Background(), current))

	// Skip-waiting and claim hand the open client to the new worker at once.
	assert.Same(t, current, client.Controller())
	assert.Equal(t, StateRedundant, reg.StateOf(legacy))

	names, err := storage.Keys()
	require.NoError(t, err)
	assert.Equal(t, []string{"app-cache-v2"}, names)
}

func TestLegacyWorkerNeverFills(t *testing.T) {
	t.Parallel()

	origin := newOrigin(t)
	network := newTestNetwork()
	storage := newTestStorage(t)
	w := newLegacyWorker(t, testConfig(origin.URL, "app-cache-v1"), storage, network)
	require.NoError(t, w.Install(context.Background(), &nopLifecycle{}).Wait(context.Background()))

	url := origin.URL + "/novel/11"
	for range 2 {
		_, body, err := get(t, fetcher(w), url)
		require.NoError(t, err)
		assert.Equal(t, "chapter text of 11", body)
	}
	assert.Equal(t, 2, network.Hits(url))

	// Unfiltered: error responses reach the caller unchanged.
	resp, _, err := get(t, fetcher(w), origin.URL+"/missing")
	require.NoError(t, err)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}
