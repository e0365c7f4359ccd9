package precache

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"slices"
	"sort"
	"strings"
	"time"

	"github.com/apex/log"
	"github.com/aweris/precache/internal/store"
	digest "github.com/opencontainers/go-digest"
	"github.com/sourcegraph/conc/pool"
)

// Entry is the stored snapshot of one response.
type Entry struct {
	Key        string        `json:"key"`
	URL        string        `json:"url"`
	StatusCode int           `json:"status_code"`
	Status     string        `json:"status"`
	Header     http.Header   `json:"header,omitempty"`
	Vary       http.Header   `json:"vary,omitempty"`
	Body       digest.Digest `json:"body"`
	Size       int64         `json:"size"`
	Stored     time.Time     `json:"stored"`
}

// snapshot is a fully buffered response, ready to be stored.
type snapshot struct {
	url        string
	statusCode int
	status     string
	header     http.Header
	vary       http.Header
	body       []byte
}

// RequestKey returns the identity a request is cached under: the method and
// the absolute URL without fragment. Only GET requests have one.
func RequestKey(req *http.Request) (string, error) {
	if req == nil || req.URL == nil {
		return "", fmt.Errorf("%w: nil request", ErrNotCacheable)
	}
	method := req.Method
	if method == "" {
		method = http.MethodGet
	}
	if method != http.MethodGet {
		return "", fmt.Errorf("%w: method %s", ErrNotCacheable, method)
	}
	return method + " " + normalizeURL(req.URL), nil
}

func normalizeURL(u *url.URL) string {
	c := *u
	c.Fragment = ""
	c.RawFragment = ""
	return c.String()
}

// Cache is one named store of request/response pairs.
type Cache struct {
	name  string
	store *store.LocalStore
	log   log.Interface
}

// Name returns the cache name.
func (c *Cache) Name() string { return c.name }

// Created returns when the cache was first opened.
func (c *Cache) Created() time.Time { return c.store.Namespace().Created }

// Match returns the cached response for req, or ErrNotFound.
// Every call returns a response with its own body reader.
func (c *Cache) Match(req *http.Request) (*http.Response, error) {
	key, err := RequestKey(req)
	if err != nil {
		return nil, ErrNotFound
	}
	if !c.store.Exists() {
		return nil, fmt.Errorf("%s: %w", c.name, ErrCacheDeleted)
	}
	ctx := req.Context()

	e, err := c.entry(ctx, key)
	if err != nil {
		return nil, err
	}
	if !e.matches(req) {
		return nil, fmt.Errorf("%s: vary mismatch: %w", key, ErrNotFound)
	}
	body, err := c.store.GetBlob(ctx, e.Body)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("%s: body %s: %w", key, e.Body, ErrNotFound)
		}
		return nil, err
	}
	return e.response(req, body), nil
}

// Put stores resp under req's identity, consuming and closing resp.Body.
// Callers that still need the response must hand Put a copy.
func (c *Cache) Put(req *http.Request, resp *http.Response) error {
	key, err := RequestKey(req)
	if err != nil {
		return err
	}
	snap, err := readSnapshot(req, resp)
	if err != nil {
		return err
	}
	return c.put(req.Context(), key, snap)
}

// Add fetches a single URL and stores the response.
func (c *Cache) Add(ctx context.Context, rt http.RoundTripper, rawURL string) error {
	return c.AddAll(ctx, rt, []string{rawURL}, 1)
}

// AddAll fetches every URL and stores all responses, or none of them.
// A transport error or a non-2xx status for any URL fails the whole batch.
func (c *Cache) AddAll(ctx context.Context, rt http.RoundTripper, urls []string, concurrency int) error {
	if concurrency <= 0 {
		concurrency = defaultConcurrency
	}

	snaps := make([]snapshot, len(urls))
	keys := make([]string, len(urls))

	p := pool.New().WithMaxGoroutines(concurrency).WithContext(ctx).WithCancelOnError().WithFirstError()
	for i, u := range urls {
		p.Go(func(ctx context.Context) error {
			req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
			if err != nil {
				return fmt.Errorf("request %s: %w", u, err)
			}
			key, err := RequestKey(req)
			if err != nil {
				return err
			}

			resp, err := rt.RoundTrip(req)
			if err != nil {
				return fmt.Errorf("fetch %s: %w", u, err)
			}
			if resp.StatusCode < 200 || resp.StatusCode > 299 {
				_ = resp.Body.Close()
				return fmt.Errorf("fetch %s: unexpected status %s", u, resp.Status)
			}

			snap, err := readSnapshot(req, resp)
			if err != nil {
				return fmt.Errorf("read %s: %w", u, err)
			}
			snaps[i] = snap
			keys[i] = key
			return nil
		})
	}
	if err := p.Wait(); err != nil {
		return err
	}

	// Keep what each key held before so a failed batch can be undone.
	previous := make(map[string][]byte, len(keys))
	for i, key := range keys {
		if _, seen := previous[key]; !seen {
			rec, err := c.store.GetRecord(ctx, key)
			if err != nil && !errors.Is(err, store.ErrNotFound) {
				c.rollback(previous)
				return err
			}
			previous[key] = rec
		}
		if err := c.put(ctx, key, snaps[i]); err != nil {
			c.rollback(previous)
			return err
		}
	}

	c.log.WithFields(log.Fields{"cache": c.name, "entries": len(keys)}).Debug("stored batch")
	return nil
}

// rollback restores each key to its previous record, deleting keys that
// had none.
func (c *Cache) rollback(previous map[string][]byte) {
	ctx := context.Background()
	for key, rec := range previous {
		var err error
		if rec == nil {
			err = c.store.DeleteRecord(ctx, key)
		} else {
			err = c.store.PutRecord(ctx, key, rec)
		}
		if err != nil {
			c.log.WithError(err).WithField("key", key).Warn("rollback failed")
		}
	}
}

// Delete removes the entry for req. It reports whether an entry existed.
func (c *Cache) Delete(req *http.Request) (bool, error) {
	key, err := RequestKey(req)
	if err != nil {
		return false, nil
	}
	ctx := req.Context()
	e, err := c.entry(ctx, key)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	if err := c.store.DeleteRecord(ctx, key); err != nil {
		return false, err
	}
	// The body may be shared with other entries, so it stays on disk.
	c.store.Evict(e.Body)
	return true, nil
}

// Keys returns the request identities stored in the cache, sorted.
func (c *Cache) Keys(ctx context.Context) ([]string, error) {
	entries, err := c.Entries(ctx)
	if err != nil {
		return nil, err
	}
	keys := make([]string, len(entries))
	for i, e := range entries {
		keys[i] = e.Key
	}
	return keys, nil
}

// Entries returns every stored entry, sorted by key.
func (c *Cache) Entries(ctx context.Context) ([]Entry, error) {
	records, err := c.store.Records(ctx)
	if err != nil {
		return nil, err
	}
	entries := make([]Entry, 0, len(records))
	for _, rec := range records {
		var e Entry
		if err := json.Unmarshal(rec, &e); err != nil {
			c.log.WithError(err).WithField("cache", c.name).Warn("skipping unreadable entry")
			continue
		}
		entries = append(entries, e)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Key < entries[j].Key })
	return entries, nil
}

func (c *Cache) entry(ctx context.Context, key string) (Entry, error) {
	rec, err := c.store.GetRecord(ctx, key)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return Entry{}, fmt.Errorf("%s: %w", key, ErrNotFound)
		}
		return Entry{}, err
	}
	var e Entry
	if err := json.Unmarshal(rec, &e); err != nil {
		return Entry{}, fmt.Errorf("parse entry %s: %w", key, err)
	}
	return e, nil
}

func (c *Cache) put(ctx context.Context, key string, snap snapshot) error {
	if !c.store.Exists() {
		return fmt.Errorf("%s: %w", c.name, ErrCacheDeleted)
	}

	d, err := c.store.PutBlob(ctx, snap.body)
	if err != nil {
		return fmt.Errorf("store body: %w", err)
	}

	rec, err := json.Marshal(Entry{
		Key:        key,
		URL:        snap.url,
		StatusCode: snap.statusCode,
		Status:     snap.status,
		Header:     snap.header,
		Vary:       snap.vary,
		Body:       d,
		Size:       int64(len(snap.body)),
		Stored:     time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("encode entry: %w", err)
	}
	if err := c.store.PutRecord(ctx, key, rec); err != nil {
		return fmt.Errorf("store entry: %w", err)
	}
	return nil
}

// putEntry restores an entry whose body is already in the store.
func (c *Cache) putEntry(ctx context.Context, e Entry) error {
	rec, err := json.Marshal(e)
	if err != nil {
		return err
	}
	return c.store.PutRecord(ctx, e.Key, rec)
}

func (c *Cache) close() error {
	return c.store.Close()
}

func (e Entry) response(req *http.Request, body []byte) *http.Response {
	return &http.Response{
		Status:        e.Status,
		StatusCode:    e.StatusCode,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        e.Header.Clone(),
		Body:          io.NopCloser(bytes.NewReader(body)),
		ContentLength: int64(len(body)),
		Request:       req,
	}
}

func readSnapshot(req *http.Request, resp *http.Response) (snapshot, error) {
	if resp == nil {
		return snapshot{}, fmt.Errorf("%w: nil response", ErrNotCacheable)
	}
	defer resp.Body.Close()

	if err := checkStorable(resp.StatusCode, resp.Header); err != nil {
		return snapshot{}, err
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return snapshot{}, err
	}
	header := resp.Header.Clone()
	if header == nil {
		header = http.Header{}
	}
	return snapshot{
		url:        normalizeURL(req.URL),
		statusCode: resp.StatusCode,
		status:     resp.Status,
		header:     header,
		vary:       varyHeaders(req, header),
		body:       body,
	}, nil
}

// varyHeaders records the request header values a response varies on.
func varyHeaders(req *http.Request, header http.Header) http.Header {
	var out http.Header
	for _, v := range header.Values("Vary") {
		for _, name := range strings.Split(v, ",") {
			name = http.CanonicalHeaderKey(strings.TrimSpace(name))
			if name == "" || name == "*" {
				continue
			}
			if out == nil {
				out = http.Header{}
			}
			out[name] = slices.Clone(req.Header.Values(name))
		}
	}
	return out
}

// matches reports whether req carries the same values for every header the
// stored response varies on.
func (e Entry) matches(req *http.Request) bool {
	for name, want := range e.Vary {
		if strings.Join(req.Header.Values(name), ",") != strings.Join(want, ",") {
			return false
		}
	}
	return true
}

// checkStorable rejects responses a cache never holds: partial content and
// responses that vary on everything.
func checkStorable(status int, header http.Header) error {
	if status == http.StatusPartialContent {
		return fmt.Errorf("%w: partial response", ErrNotCacheable)
	}
	for _, v := range header.Values("Vary") {
		for _, name := range strings.Split(v, ",") {
			if strings.TrimSpace(name) == "*" {
				return fmt.Errorf("%w: Vary: *", ErrNotCacheable)
			}
		}
	}
	return nil
}

// bufferBody replaces resp.Body with an in-memory copy and returns the bytes.
func bufferBody(resp *http.Response) ([]byte, error) {
	body, err := io.ReadAll(resp.Body)
	closeErr := resp.Body.Close()
	if err != nil {
		return nil, err
	}
	if closeErr != nil {
		return nil, closeErr
	}
	resp.Body = io.NopCloser(bytes.NewReader(body))
	resp.ContentLength = int64(len(body))
	return body, nil
}
