package precache

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"

	"github.com/apex/log"
	"github.com/sourcegraph/conc"
)

// Interceptor is the offline cache worker: it precaches the manifest on
// install, drops caches of other versions on activate, and answers fetches
// cache-first, filling the cache from successful same-origin responses.
type Interceptor struct {
	cfg      Config
	origin   *url.URL
	manifest []string
	storage  *CacheStorage
	opts     *Options
	log      log.Interface

	fills conc.WaitGroup
}

var _ Worker = (*Interceptor)(nil)

// New returns an interceptor for cfg backed by storage.
func New(cfg Config, storage *CacheStorage, opts ...Option) (*Interceptor, error) {
	if storage == nil {
		return nil, fmt.Errorf("%w: nil storage", ErrInvalidConfig)
	}
	origin, manifest, err := cfg.resolve()
	if err != nil {
		return nil, err
	}

	options := defaultOptions()
	for _, opt := range opts {
		opt(options)
	}

	cfg.Manifest = append([]string(nil), cfg.Manifest...)
	return &Interceptor{
		cfg:      cfg,
		origin:   origin,
		manifest: manifest,
		storage:  storage,
		opts:     options,
		log:      options.Logger.WithField("cache", cfg.Version),
	}, nil
}

// Config returns the interceptor's configuration.
func (i *Interceptor) Config() Config { return i.cfg }

// Install opens the versioned cache and stores every manifest entry. Any
// failed fetch fails the whole install and leaves the cache without the
// batch. On success the worker asks to skip waiting.
func (i *Interceptor) Install(ctx context.Context, lc Lifecycle) *Task {
	return Go(ctx, func(ctx context.Context) error {
		cache, err := i.storage.Open(i.cfg.Version)
		if err != nil {
			return err
		}
		if err := cache.AddAll(ctx, i.opts.Transport, i.manifest, i.opts.Concurrency); err != nil {
			return fmt.Errorf("precache %s: %w", i.cfg.Version, err)
		}
		i.log.WithField("entries", len(i.manifest)).Info("precached manifest")
		lc.SkipWaiting()
		return nil
	})
}

// Activate deletes every cache not named by the current version, then
// claims open clients.
func (i *Interceptor) Activate(ctx context.Context, lc Lifecycle) *Task {
	return Go(ctx, func(ctx context.Context) error {
		names, err := i.storage.Keys()
		if err != nil {
			return err
		}

		var deletions []*Task
		for _, name := range names {
			if name == i.cfg.Version {
				continue
			}
			deletions = append(deletions, Go(ctx, func(context.Context) error {
				if _, err := i.storage.Delete(name); err != nil {
					return fmt.Errorf("delete cache %q: %w", name, err)
				}
				i.log.WithField("stale", name).Debug("removed stale cache")
				return nil
			}))
		}
		if err := All(deletions...).Wait(ctx); err != nil {
			return err
		}

		lc.Claim()
		return nil
	})
}

// Fetch answers req from the cache, falling back to the network. A network
// failure on a cache miss is returned as is.
func (i *Interceptor) Fetch(req *http.Request) (*http.Response, error) {
	if resp, err := i.match(req); err == nil {
		i.log.WithField("url", req.URL.String()).Debug("cache hit")
		return resp, nil
	} else if !errors.Is(err, ErrNotFound) {
		// An unreadable entry is treated as a miss.
		i.log.WithError(err).WithField("url", req.URL.String()).Warn("cache lookup failed")
	}

	resp, err := i.opts.Transport.RoundTrip(req)
	if err != nil {
		return nil, err
	}
	if !i.fillable(req, resp) {
		return resp, nil
	}

	body, err := bufferBody(resp)
	if err != nil {
		return nil, err
	}
	i.fill(req, resp, body)
	return resp, nil
}

// match looks req up without creating the cache, so a superseded worker
// never brings back a cache a newer version deleted.
func (i *Interceptor) match(req *http.Request) (*http.Response, error) {
	cache, err := i.storage.lookup(i.cfg.Version)
	if err != nil {
		return nil, err
	}
	if cache == nil {
		return nil, ErrNotFound
	}
	return cache.Match(req)
}

// Flush waits for background cache fills started by Fetch.
func (i *Interceptor) Flush() {
	i.fills.Wait()
}

// fillable reports whether a network response may be stored: a present,
// 200, same-origin response to a GET.
func (i *Interceptor) fillable(req *http.Request, resp *http.Response) bool {
	if resp == nil || resp.StatusCode != http.StatusOK {
		return false
	}
	if req.Method != "" && req.Method != http.MethodGet {
		return false
	}
	return i.sameOrigin(req.URL)
}

func (i *Interceptor) sameOrigin(u *url.URL) bool {
	return u != nil && u.Scheme == i.origin.Scheme && u.Host == i.origin.Host
}

// fill stores a copy of resp in the background. Failures never reach the
// caller; they are logged and passed to the fill error handler.
func (i *Interceptor) fill(req *http.Request, resp *http.Response, body []byte) {
	ctx := context.WithoutCancel(req.Context())
	clone := req.Clone(ctx)
	header := resp.Header.Clone()
	if header == nil {
		header = http.Header{}
	}
	snap := snapshot{
		url:        normalizeURL(clone.URL),
		statusCode: resp.StatusCode,
		status:     resp.Status,
		header:     header,
		vary:       varyHeaders(clone, header),
		body:       body,
	}

	i.fills.Go(func() {
		err := i.store(ctx, clone, snap)
		if err == nil {
			return
		}
		i.log.WithError(err).WithField("url", clone.URL.String()).Warn("cache fill failed")
		if i.opts.OnFillError != nil {
			i.opts.OnFillError(clone, err)
		}
	})
}

func (i *Interceptor) store(ctx context.Context, req *http.Request, snap snapshot) error {
	key, err := RequestKey(req)
	if err != nil {
		return err
	}
	if err := checkStorable(snap.statusCode, snap.header); err != nil {
		return err
	}
	// A fill that outlives its version must not bring the cache back.
	cache, err := i.storage.lookup(i.cfg.Version)
	if err != nil {
		return err
	}
	if cache == nil {
		return fmt.Errorf("%s: %w", i.cfg.Version, ErrCacheDeleted)
	}
	return cache.put(ctx, key, snap)
}
