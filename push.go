package precache

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/aweris/precache/internal/remote"
	digest "github.com/opencontainers/go-digest"
)

// LabelCache names the cache a pushed image was taken from.
const LabelCache = "dev.precache.cache"

func (s *CacheStorage) newRemote(ref string) (*remote.OCIRemote, error) {
	if ref == "" {
		return nil, ErrNoRemote
	}
	auth := s.opts.Auth
	if auth == nil {
		auth = remote.NewDefaultAuthenticator()
	}
	r, err := remote.NewOCIRemote(ref, auth)
	if err != nil {
		return nil, err
	}
	r.SetConcurrency(s.opts.RemoteConcurrency)
	r.SetLogger(s.log)
	return r, nil
}

// Push uploads the cache called name to the OCI image ref and returns the
// digest of the pushed index.
func (s *CacheStorage) Push(ctx context.Context, name, ref string) (digest.Digest, error) {
	if ref == "" {
		return "", ErrNoRemote
	}
	c, err := s.lookup(name)
	if err != nil {
		return "", err
	}
	if c == nil {
		return "", fmt.Errorf("cache %q: %w", name, ErrNotFound)
	}

	entries, err := c.Entries(ctx)
	if err != nil {
		return "", err
	}

	objects := make(map[string][]byte, len(entries)+1)
	for _, e := range entries {
		if _, ok := objects[e.Body.String()]; ok {
			continue
		}
		body, err := c.store.GetBlob(ctx, e.Body)
		if err != nil {
			return "", fmt.Errorf("read body of %s: %w", e.Key, err)
		}
		objects[e.Body.String()] = body
	}

	index, err := json.Marshal(entries)
	if err != nil {
		return "", fmt.Errorf("encode index: %w", err)
	}
	root := digest.FromBytes(index)
	objects[root.String()] = index

	r, err := s.newRemote(ref)
	if err != nil {
		return "", err
	}
	if err := r.Push(ctx, root.String(), objects, map[string]string{LabelCache: name}); err != nil {
		return "", fmt.Errorf("push %s to %s: %w", name, ref, err)
	}

	s.log.WithField("cache", name).WithField("ref", ref).Info("pushed cache")
	return root, nil
}

// Pull downloads the image ref into the cache called name, creating it if
// needed. An empty name restores under the name the image was pushed from.
// Existing entries with the same keys are replaced. It returns the number
// of entries restored.
func (s *CacheStorage) Pull(ctx context.Context, ref, name string) (int, error) {
	r, err := s.newRemote(ref)
	if err != nil {
		return 0, err
	}

	root, objects, labels, err := r.Pull(ctx)
	if err != nil {
		return 0, fmt.Errorf("pull %s: %w", ref, err)
	}
	if name == "" {
		name = labels[LabelCache]
	}
	if name == "" {
		return 0, fmt.Errorf("%w: image %s names no cache", ErrInvalidConfig, ref)
	}

	var entries []Entry
	if err := json.Unmarshal(objects[root], &entries); err != nil {
		return 0, fmt.Errorf("parse index: %w", err)
	}

	c, err := s.Open(name)
	if err != nil {
		return 0, err
	}

	for key, data := range objects {
		if key == root {
			continue
		}
		d, err := c.store.PutBlob(ctx, data)
		if err != nil {
			return 0, err
		}
		if d.String() != key {
			return 0, fmt.Errorf("object %s: content digest is %s", key, d)
		}
	}

	for _, e := range entries {
		if _, ok := objects[e.Body.String()]; !ok {
			return 0, fmt.Errorf("entry %s: body %s missing from image", e.Key, e.Body)
		}
		if err := c.putEntry(ctx, e); err != nil {
			return 0, fmt.Errorf("restore %s: %w", e.Key, err)
		}
	}

	s.log.WithField("cache", name).WithField("ref", ref).WithField("entries", len(entries)).Info("pulled cache")
	return len(entries), nil
}
