package precache

import (
	"fmt"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/apex/log"
	"github.com/aweris/precache/internal/compression"
	"github.com/aweris/precache/internal/remote"
)

// DefaultVersion is the cache name of the reading app this module was built for.
const DefaultVersion = "hameln-txt-cache-v1.5.1"

// DefaultManifest lists the assets the reading app needs to start offline.
func DefaultManifest() []string {
	return []string{
		"/",
		"/static/icons/icon-192x192.png",
		"/static/icons/icon-512x512.png",
	}
}

// Config is the version tag and precache manifest of one interceptor.
type Config struct {
	// Version names the cache this interceptor owns. Changing it supersedes
	// every cache created under a previous version.
	Version string

	// Origin is the scheme and host the interceptor serves, e.g.
	// "https://example.com". Manifest paths resolve against it and only
	// responses from it are filled into the cache.
	Origin string

	// Manifest is the ordered list of root-relative paths fetched on install.
	Manifest []string
}

// resolve validates the config and returns the parsed origin and the
// absolute manifest URLs.
func (c Config) resolve() (*url.URL, []string, error) {
	if strings.TrimSpace(c.Version) == "" {
		return nil, nil, fmt.Errorf("%w: empty version", ErrInvalidConfig)
	}

	origin, err := url.Parse(c.Origin)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: origin: %v", ErrInvalidConfig, err)
	}
	if origin.Scheme == "" || origin.Host == "" {
		return nil, nil, fmt.Errorf("%w: origin %q is not absolute", ErrInvalidConfig, c.Origin)
	}
	origin = &url.URL{Scheme: origin.Scheme, Host: origin.Host}

	urls := make([]string, 0, len(c.Manifest))
	for _, p := range c.Manifest {
		if !strings.HasPrefix(p, "/") {
			return nil, nil, fmt.Errorf("%w: manifest path %q is not root-relative", ErrInvalidConfig, p)
		}
		ref, err := url.Parse(p)
		if err != nil {
			return nil, nil, fmt.Errorf("%w: manifest path %q: %v", ErrInvalidConfig, p, err)
		}
		urls = append(urls, origin.ResolveReference(ref).String())
	}
	return origin, urls, nil
}

// Options configures an Interceptor or a Registration.
type Options struct {
	// Transport performs network requests. Defaults to http.DefaultTransport.
	Transport http.RoundTripper

	// Concurrency bounds the parallel fetches made during install.
	Concurrency int

	Logger log.Interface

	// OnFillError is called when a background cache fill fails.
	OnFillError func(req *http.Request, err error)
}

// Option is a functional option for configuring New and NewRegistration.
type Option func(*Options)

const defaultConcurrency = 4

func defaultOptions() *Options {
	return &Options{
		Transport:   http.DefaultTransport,
		Concurrency: defaultConcurrency,
		Logger:      log.Log,
	}
}

// WithTransport sets the network transport.
func WithTransport(rt http.RoundTripper) Option {
	return func(o *Options) {
		if rt != nil {
			o.Transport = rt
		}
	}
}

// WithConcurrency sets the number of parallel fetches during install.
func WithConcurrency(n int) Option {
	return func(o *Options) {
		if n > 0 {
			o.Concurrency = n
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l log.Interface) Option {
	return func(o *Options) {
		if l != nil {
			o.Logger = l
		}
	}
}

// WithFillErrorHandler registers a callback for failed background fills.
// Fill failures never affect the response returned to the caller.
func WithFillErrorHandler(fn func(req *http.Request, err error)) Option {
	return func(o *Options) { o.OnFillError = fn }
}

// Authenticator provides credentials for remote registries.
type Authenticator = remote.Authenticator

// StorageOptions configures a CacheStorage.
type StorageOptions struct {
	CacheDir string

	// MemoryEntries is the number of decoded bodies kept in memory per cache.
	MemoryEntries int

	Compression      bool
	CompressionLevel compression.Level

	// Auth and RemoteConcurrency are used by Push and Pull.
	Auth              Authenticator
	RemoteConcurrency int

	Logger log.Interface
}

// StorageOption is a functional option for configuring OpenStorage.
type StorageOption func(*StorageOptions)

func defaultStorageOptions() *StorageOptions {
	return &StorageOptions{
		CacheDir:          DefaultCacheDir(),
		MemoryEntries:     256,
		Compression:       true,
		CompressionLevel:  compression.LevelDefault,
		RemoteConcurrency: remote.DefaultConcurrency,
		Logger:            log.Log,
	}
}

// WithCacheDir sets the local cache directory.
func WithCacheDir(dir string) StorageOption {
	return func(o *StorageOptions) { o.CacheDir = dir }
}

// WithMemoryEntries sets how many bodies each cache keeps in memory.
func WithMemoryEntries(n int) StorageOption {
	return func(o *StorageOptions) { o.MemoryEntries = n }
}

// WithCompression enables or disables zstd compression of stored bodies.
func WithCompression(enabled bool) StorageOption {
	return func(o *StorageOptions) { o.Compression = enabled }
}

// WithCompressionLevel selects the zstd encoder level (1 fastest, 3 best).
func WithCompressionLevel(level int) StorageOption {
	return func(o *StorageOptions) { o.CompressionLevel = compression.Level(level) }
}

// WithAuth sets custom registry authentication for Push and Pull.
func WithAuth(auth Authenticator) StorageOption {
	return func(o *StorageOptions) { o.Auth = auth }
}

// WithRemoteConcurrency sets the number of parallel layer transfers.
func WithRemoteConcurrency(n int) StorageOption {
	return func(o *StorageOptions) {
		if n > 0 {
			o.RemoteConcurrency = n
		}
	}
}

// WithStorageLogger sets the logger used by the storage.
func WithStorageLogger(l log.Interface) StorageOption {
	return func(o *StorageOptions) {
		if l != nil {
			o.Logger = l
		}
	}
}

// DefaultCacheDir returns $XDG_DATA_HOME/precache or ~/.local/share/precache.
func DefaultCacheDir() string {
	if xdgData := os.Getenv("XDG_DATA_HOME"); xdgData != "" {
		return filepath.Join(xdgData, "precache")
	}
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, ".local", "share", "precache")
	}
	return ".precache"
}

func expandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, path[2:])
		}
	}
	return path
}
