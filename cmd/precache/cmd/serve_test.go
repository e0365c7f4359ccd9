package cmd

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/aweris/precache"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type switchableTransport struct {
	offline atomic.Bool
}

func (s *switchableTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if s.offline.Load() {
		return nil, errors.New("origin unreachable")
	}
	return http.DefaultTransport.RoundTrip(req)
}

func fetch(t *testing.T, url string) (int, string) {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, string(body)
}

func TestProxyServesOffline(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /{$}", func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, "index")
	})
	mux.HandleFunc("GET /static/icons/{name}", func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, r.PathValue("name"))
	})
	mux.HandleFunc("GET /novel/{id}", func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, "novel "+r.PathValue("id"))
	})
	origin := httptest.NewServer(mux)
	defer origin.Close()

	storage, err := precache.OpenStorage(precache.WithCacheDir(t.TempDir()))
	require.NoError(t, err)
	defer storage.Close()

	network := &switchableTransport{}
	w, err := precache.New(precache.Config{
		Version:  precache.DefaultVersion,
		Origin:   origin.URL,
		Manifest: precache.DefaultManifest(),
	}, storage, precache.WithTransport(network))
	require.NoError(t, err)

	reg := precache.NewRegistration(precache.WithTransport(network))
	require.NoError(t, reg.Register(context.Background(), w))

	client := reg.Open()
	defer client.Close()

	handler, err := newProxy(origin.URL, client)
	require.NoError(t, err)
	proxy := httptest.NewServer(handler)
	defer proxy.Close()

	status, body := fetch(t, proxy.URL+"/novel/8")
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "novel 8", body)
	w.Flush()

	network.offline.Store(true)

	tests := []struct {
		path       string
		wantStatus int
		wantBody   string
	}{
		{path: "/", wantStatus: http.StatusOK, wantBody: "index"},
		{path: "/static/icons/icon-192x192.png", wantStatus: http.StatusOK, wantBody: "icon-192x192.png"},
		{path: "/novel/8", wantStatus: http.StatusOK, wantBody: "novel 8"},
		{path: "/novel/9", wantStatus: http.StatusBadGateway},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			status, body := fetch(t, proxy.URL+tt.path)
			assert.Equal(t, tt.wantStatus, status)
			if tt.wantBody != "" {
				assert.Equal(t, tt.wantBody, body)
			}
		})
	}
}

func TestNewProxyBadOrigin(t *testing.T) {
	_, err := newProxy("://bad", http.DefaultTransport)
	assert.Error(t, err)
}
