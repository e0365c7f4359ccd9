package remote

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/apex/log"
	"github.com/google/go-containerregistry/pkg/authn"
	"github.com/google/go-containerregistry/pkg/name"
	v1 "github.com/google/go-containerregistry/pkg/v1"
	"github.com/google/go-containerregistry/pkg/v1/empty"
	"github.com/google/go-containerregistry/pkg/v1/mutate"
	"github.com/google/go-containerregistry/pkg/v1/remote"
	"github.com/google/go-containerregistry/pkg/v1/types"
	"github.com/klauspost/compress/zstd"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/sourcegraph/conc/pool"
)

const (
	DefaultConcurrency = 4

	// LabelRoot holds the digest of the snapshot's root object.
	LabelRoot = "dev.precache.root"
)

type OCIRemote struct {
	ref         name.Reference
	auth        Authenticator
	concurrency int
	log         log.Interface
}

// NewOCIRemote creates a remote from a standard Docker ref (e.g., "ghcr.io/org/app-cache:v1")
func NewOCIRemote(imageRef string, auth Authenticator) (*OCIRemote, error) {
	ref, err := name.ParseReference(imageRef, name.WithDefaultTag("latest"))
	if err != nil {
		return nil, fmt.Errorf("invalid image ref %q: %w", imageRef, err)
	}
	return &OCIRemote{ref: ref, auth: auth, concurrency: DefaultConcurrency, log: log.Log}, nil
}

// SetConcurrency sets the number of parallel operations for push/pull
func (r *OCIRemote) SetConcurrency(n int) {
	if n > 0 {
		r.concurrency = n
	}
}

// SetLogger sets the progress logger.
func (r *OCIRemote) SetLogger(l log.Interface) {
	if l != nil {
		r.log = l
	}
}

func (r *OCIRemote) String() string   { return r.ref.String() }
func (r *OCIRemote) Registry() string { return r.ref.Context().RegistryStr() }

// blobLayer implements v1.Layer with zstd compression for remote transfer
type blobLayer struct {
	compressed   []byte
	uncompressed []byte
}

var zstdEncoder, _ = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))

func newBlobLayer(data []byte) *blobLayer {
	return &blobLayer{
		compressed:   zstdEncoder.EncodeAll(data, nil),
		uncompressed: data,
	}
}

func (l *blobLayer) Digest() (v1.Hash, error) {
	h, _, err := v1.SHA256(bytes.NewReader(l.compressed))
	return h, err
}

func (l *blobLayer) DiffID() (v1.Hash, error) {
	h, _, err := v1.SHA256(bytes.NewReader(l.uncompressed))
	return h, err
}

func (l *blobLayer) Compressed() (io.ReadCloser, error) {
	return io.NopCloser(bytes.NewReader(l.compressed)), nil
}
func (l *blobLayer) Uncompressed() (io.ReadCloser, error) {
	return io.NopCloser(bytes.NewReader(l.uncompressed)), nil
}
func (l *blobLayer) Size() (int64, error)                { return int64(len(l.compressed)), nil }
func (l *blobLayer) MediaType() (types.MediaType, error) { return types.OCILayerZStd, nil }

// Push uploads objects as a single image whose config labels carry root
// and the extra labels.
func (r *OCIRemote) Push(ctx context.Context, root string, objects map[string][]byte, labels map[string]string) error {
	if _, ok := objects[root]; !ok {
		return fmt.Errorf("root object %s missing", root)
	}

	sizes := make(map[string]int64, len(objects))
	for d, data := range objects {
		sizes[d] = int64(len(data))
	}
	plan := BuildLayerPlan(sizes)

	layers := make([]v1.Layer, 0, len(plan))
	var totalRaw, totalCompressed int64
	for _, group := range plan {
		members := make(map[string][]byte, len(group))
		for _, d := range group {
			members[d] = objects[d]
		}
		data, err := PackLayer(members)
		if err != nil {
			return fmt.Errorf("pack layer: %w", err)
		}
		layer := newBlobLayer(data)
		totalRaw += int64(len(data))
		totalCompressed += int64(len(layer.compressed))
		layers = append(layers, layer)
	}

	r.log.WithFields(log.Fields{
		"ref":        r.String(),
		"objects":    len(objects),
		"layers":     len(layers),
		"raw":        totalRaw,
		"compressed": totalCompressed,
	}).Info("pushing snapshot")

	img, err := buildImage(layers, root, labels)
	if err != nil {
		return fmt.Errorf("build image: %w", err)
	}

	options := append(r.remoteOptions(ctx), remote.WithJobs(r.concurrency))
	_, err = retry(ctx, 3, func() (struct{}, error) {
		return struct{}{}, remote.Write(r.ref, img, options...)
	})
	if err != nil {
		return fmt.Errorf("push image: %w", err)
	}
	return nil
}

func buildImage(layers []v1.Layer, root string, labels map[string]string) (v1.Image, error) {
	img := empty.Image

	if len(layers) > 0 {
		var err error
		img, err = mutate.AppendLayers(img, layers...)
		if err != nil {
			return nil, err
		}
	}

	cfg, err := img.ConfigFile()
	if err != nil {
		return nil, err
	}
	cfg = cfg.DeepCopy()

	all := make(map[string]string, len(labels)+1)
	for k, v := range labels {
		all[k] = v
	}
	all[LabelRoot] = root
	cfg.Config.Labels = all

	img, err = mutate.ConfigFile(img, cfg)
	if err != nil {
		return nil, err
	}
	return mutate.Annotations(img, map[string]string{
		ocispec.AnnotationDescription: "precache snapshot",
		LabelRoot:                     root,
	}).(v1.Image), nil
}

// Pull downloads every layer of the image in parallel and unpacks them.
func (r *OCIRemote) Pull(ctx context.Context) (string, map[string][]byte, map[string]string, error) {
	img, err := retry(ctx, 3, func() (v1.Image, error) {
		return remote.Image(r.ref, r.remoteOptions(ctx)...)
	})
	if err != nil {
		return "", nil, nil, fmt.Errorf("fetch image: %w", err)
	}

	cfg, err := img.ConfigFile()
	if err != nil {
		return "", nil, nil, fmt.Errorf("get config: %w", err)
	}

	labels := cfg.Config.Labels
	root := labels[LabelRoot]
	if root == "" {
		return "", nil, nil, fmt.Errorf("missing %s label", LabelRoot)
	}

	layers, err := img.Layers()
	if err != nil {
		return "", nil, nil, fmt.Errorf("get layers: %w", err)
	}

	r.log.WithFields(log.Fields{"ref": r.String(), "layers": len(layers)}).Info("pulling snapshot")

	var mu sync.Mutex
	objects := make(map[string][]byte)

	p := pool.New().WithMaxGoroutines(r.concurrency).WithContext(ctx).WithCancelOnError()
	for _, layer := range layers {
		p.Go(func(ctx context.Context) error {
			rc, err := layer.Uncompressed()
			if err != nil {
				return fmt.Errorf("read layer: %w", err)
			}
			data, err := io.ReadAll(rc)
			if cerr := rc.Close(); cerr != nil {
				return fmt.Errorf("close layer: %w", cerr)
			}
			if err != nil {
				return fmt.Errorf("read layer: %w", err)
			}

			unpacked, err := UnpackLayer(data)
			if err != nil {
				return fmt.Errorf("unpack layer: %w", err)
			}

			mu.Lock()
			for k, v := range unpacked {
				objects[k] = v
			}
			mu.Unlock()
			return nil
		})
	}
	if err := p.Wait(); err != nil {
		return "", nil, nil, err
	}

	if _, ok := objects[root]; !ok {
		return "", nil, nil, fmt.Errorf("root object %s missing from image", root)
	}
	return root, objects, labels, nil
}

func (r *OCIRemote) remoteOptions(ctx context.Context) []remote.Option {
	opts := []remote.Option{remote.WithContext(ctx)}
	if r.auth != nil {
		username, password, err := r.auth.Authenticate(r.Registry())
		if err == nil && username != "" {
			return append(opts, remote.WithAuth(&authn.Basic{
				Username: username,
				Password: password,
			}))
		}
	}
	return append(opts, remote.WithAuthFromKeychain(authn.DefaultKeychain))
}

func retry[T any](ctx context.Context, maxAttempts int, fn func() (T, error)) (T, error) {
	var zero T
	var lastErr error
	for i := range maxAttempts {
		result, err := fn()
		if err == nil {
			return result, nil
		}
		lastErr = err
		if i < maxAttempts-1 {
			delay := time.Duration(1<<i) * 500 * time.Millisecond // 500ms, 1s, 2s, 4s...
			select {
			case <-ctx.Done():
				return zero, ctx.Err()
			case <-time.After(delay):
			}
		}
	}
	return zero, lastErr
}
