package remote

import (
	"bytes"
	"context"
	"io"
	stdlog "log"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/apex/log"
	"github.com/apex/log/handlers/discard"
	"github.com/google/go-containerregistry/pkg/name"
	"github.com/google/go-containerregistry/pkg/registry"
	"github.com/google/go-containerregistry/pkg/v1/remote"
	"github.com/google/go-containerregistry/pkg/v1/types"
	digest "github.com/opencontainers/go-digest"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRemote(t *testing.T, repo string) *OCIRemote {
	t.Helper()
	srv := httptest.NewServer(registry.New(registry.Logger(stdlog.New(io.Discard, "", 0))))
	t.Cleanup(srv.Close)

	r, err := NewOCIRemote(strings.TrimPrefix(srv.URL, "http://")+"/"+repo, NewDefaultAuthenticator())
	require.NoError(t, err)
	r.SetLogger(&log.Logger{Handler: discard.Default, Level: log.InfoLevel})
	return r
}

func TestOCIRemoteRoundTrip(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	objects := map[string][]byte{}
	for _, body := range []string{"index", "icon-192", "icon-512", strings.Repeat("chapter ", 4096)} {
		objects[digest.FromString(body).String()] = []byte(body)
	}
	root := digest.FromString("index").String()

	r := newTestRemote(t, "reader/cache:v1")
	require.NoError(t, r.Push(ctx, root, objects, map[string]string{"dev.precache.cache": "v1"}))

	gotRoot, gotObjects, labels, err := r.Pull(ctx)
	require.NoError(t, err)
	assert.Equal(t, root, gotRoot)
	assert.Equal(t, objects, gotObjects)
	assert.Equal(t, "v1", labels["dev.precache.cache"])
	assert.Equal(t, root, labels[LabelRoot])

	ref, err := name.ParseReference(r.String())
	require.NoError(t, err)
	img, err := remote.Image(ref)
	require.NoError(t, err)
	manifest, err := img.Manifest()
	require.NoError(t, err)
	assert.Equal(t, root, manifest.Annotations[LabelRoot])
	assert.NotEmpty(t, manifest.Annotations[ocispec.AnnotationDescription])
	for _, l := range manifest.Layers {
		assert.Equal(t, types.OCILayerZStd, l.MediaType)
	}
}

func TestOCIRemotePushMissingRoot(t *testing.T) {
	t.Parallel()

	r := newTestRemote(t, "reader/cache:v1")
	err := r.Push(context.Background(), "sha256:missing", map[string][]byte{}, nil)
	assert.Error(t, err)
}

func TestNewOCIRemote(t *testing.T) {
	t.Parallel()

	r, err := NewOCIRemote("ghcr.io/org/app-cache", StaticAuthenticator{Username: "u", Password: "p"})
	require.NoError(t, err)
	assert.Equal(t, "ghcr.io/org/app-cache", r.String())
	assert.Equal(t, "ghcr.io/org/app-cache:latest", r.ref.Name())
	assert.Equal(t, "ghcr.io", r.Registry())

	_, err = NewOCIRemote("Not A Ref!", nil)
	assert.Error(t, err)

	user, pass, err := StaticAuthenticator{Username: "u", Password: "p"}.Authenticate("ghcr.io")
	require.NoError(t, err)
	assert.Equal(t, []string{"u", "p"}, []string{user, pass})
}

func TestBlobLayer(t *testing.T) {
	t.Parallel()

	data := bytes.Repeat([]byte("offline"), 100)
	l := newBlobLayer(data)

	rc, err := l.Uncompressed()
	require.NoError(t, err)
	got, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, data, got)

	size, err := l.Size()
	require.NoError(t, err)
	assert.Less(t, size, int64(len(data)))
}
