package cmd

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/aweris/precache"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Not parallel: the command reads the global viper instance.
func TestRunInstall(t *testing.T) {
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/missing" {
			http.NotFound(w, r)
			return
		}
		w.Write([]byte("asset " + r.URL.Path))
	}))
	t.Cleanup(origin.Close)

	dir := t.TempDir()
	viper.Set("cache_dir", dir)
	viper.Set("origin", origin.URL)
	viper.Set("version", "cli-cache-v1")
	viper.Set("manifest", []string{"/", "/static/app.css"})
	t.Cleanup(viper.Reset)

	cmd := &cobra.Command{}
	cmd.SetContext(context.Background())
	require.NoError(t, runInstall(cmd, nil))

	storage, err := precache.OpenStorage(precache.WithCacheDir(dir))
	require.NoError(t, err)
	t.Cleanup(func() { _ = storage.Close() })

	names, err := storage.Keys()
	require.NoError(t, err)
	assert.Equal(t, []string{"cli-cache-v1"}, names)

	c, err := storage.Open("cli-cache-v1")
	require.NoError(t, err)
	keys, err := c.Keys(context.Background())
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"GET " + origin.URL + "/", "GET " + origin.URL + "/static/app.css"}, keys)

	viper.Set("version", "cli-cache-v2")
	viper.Set("manifest", []string{"/", "/missing"})
	assert.Error(t, runInstall(cmd, nil))
}
