package precache

import (
	"context"
	"io"
	stdlog "log"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/go-containerregistry/pkg/registry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRegistry(t *testing.T) string {
	t.Helper()
	srv := httptest.NewServer(registry.New(registry.Logger(stdlog.New(io.Discard, "", 0))))
	t.Cleanup(srv.Close)
	return strings.TrimPrefix(srv.URL, "http://")
}

func TestPushPull(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	origin := newOrigin(t)
	ref := newRegistry(t) + "/reader/cache:v1"

	src := newTestStorage(t)
	w := newTestInterceptor(t, testConfig(origin.URL, "app-cache-v1"), src, newTestNetwork())
	installed(t, w)

	root, err := src.Push(ctx, "app-cache-v1", ref)
	require.NoError(t, err)
	assert.NoError(t, root.Validate())

	dst := newTestStorage(t)
	n, err := dst.Pull(ctx, ref, "")
	require.NoError(t, err)
	assert.Equal(t, len(DefaultManifest()), n)

	names, err := dst.Keys()
	require.NoError(t, err)
	assert.Equal(t, []string{"app-cache-v1"}, names)

	// The pulled cache serves the manifest with the network down.
	network := newTestNetwork()
	network.offline.Store(true)
	restored := newTestInterceptor(t, testConfig(origin.URL, "app-cache-v1"), dst, network)
	for _, p := range DefaultManifest() {
		resp, body, err := get(t, fetcher(restored), origin.URL+p)
		require.NoError(t, err, p)
		assert.Equal(t, http.StatusOK, resp.StatusCode)

		_, want, err := get(t, http.DefaultTransport, origin.URL+p)
		require.NoError(t, err)
		assert.Equal(t, want, body, p)
	}
}

func TestPullUnderNewName(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	ref := newRegistry(t) + "/reader/cache:latest"

	src := newTestStorage(t)
	c, err := src.Open("v1")
	require.NoError(t, err)
	req := mustRequest(t, http.MethodGet, "https://example.com/")
	require.NoError(t, c.Put(req, newResponse(http.StatusOK, "home")))

	_, err = src.Push(ctx, "v1", ref)
	require.NoError(t, err)

	dst := newTestStorage(t)
	n, err := dst.Pull(ctx, ref, "v1-restored")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	restored, err := dst.Open("v1-restored")
	require.NoError(t, err)
	resp, err := restored.Match(req)
	require.NoError(t, err)
	assert.Equal(t, "home", readAll(t, resp))
}

func TestPushMissingCache(t *testing.T) {
	t.Parallel()

	_, err := newTestStorage(t).Push(context.Background(), "nope", "127.0.0.1:1/x:y")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestPushPullWithoutRemote(t *testing.T) {
	t.Parallel()

	storage := newTestStorage(t)
	_, err := storage.Open("v1")
	require.NoError(t, err)

	_, err = storage.Push(context.Background(), "v1", "")
	assert.ErrorIs(t, err, ErrNoRemote)
	_, err = storage.Pull(context.Background(), "", "v1")
	assert.ErrorIs(t, err, ErrNoRemote)
}
