package store

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/aweris/precache/internal/compression"
	digest "github.com/opencontainers/go-digest"
)

const (
	metaFile   = "namespace.json"
	blobsDir   = "blobs"
	recordsDir = "records"

	dirPerm  = 0o755
	filePerm = 0o644
)

// Config configures a LocalStore.
type Config struct {
	// CacheSize is the number of decoded blobs kept in memory. 0 disables it.
	CacheSize int

	CompressionLevel   compression.Level
	CompressionEnabled bool
}

// DefaultConfig returns the configuration used when none is given.
func DefaultConfig() Config {
	return Config{
		CacheSize:          256,
		CompressionLevel:   compression.LevelDefault,
		CompressionEnabled: true,
	}
}

// Namespace describes one namespace directory under a base path.
type Namespace struct {
	Name    string    `json:"name"`
	Created time.Time `json:"created"`
}

// LocalStore implements Store using the local filesystem.
//
// Storage layout (namespace-isolated):
//
//	basePath/<sha256(name)[:32]>/
//	  namespace.json      {"name": ..., "created": ...}
//	  blobs/sha256/ab/cd123...  (compressed bodies)
//	  records/ef/ef456...       (sha256 of the record key)
//
// Namespace directories are named by hash so that any string, including
// ones with path separators, is a valid namespace name.
type LocalStore struct {
	dir        string
	ns         Namespace
	cache      Cache
	compressor *compression.Compressor
}

var _ Store = (*LocalStore)(nil)

// NewLocalStore opens the namespace called name under basePath, creating it
// if it does not exist.
func NewLocalStore(basePath, name string, cfg Config) (*LocalStore, error) {
	if name == "" {
		return nil, errors.New("store: empty namespace name")
	}

	dir := namespaceDir(basePath, name)
	for _, sub := range []string{blobsDir, recordsDir} {
		if err := os.MkdirAll(filepath.Join(dir, sub), dirPerm); err != nil {
			return nil, fmt.Errorf("failed to create directory %s: %w", sub, err)
		}
	}

	ns, err := ensureMeta(dir, name)
	if err != nil {
		return nil, err
	}

	cache, err := NewLRUCache(cfg.CacheSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create memory cache: %w", err)
	}

	compressor, err := compression.NewCompressor(cfg.CompressionLevel, cfg.CompressionEnabled)
	if err != nil {
		return nil, fmt.Errorf("failed to create compressor: %w", err)
	}

	return &LocalStore{
		dir:        dir,
		ns:         ns,
		cache:      cache,
		compressor: compressor,
	}, nil
}

// Namespace returns the namespace this store is bound to.
func (s *LocalStore) Namespace() Namespace { return s.ns }

// Exists reports whether the namespace this store was opened on is still on
// disk. A namespace removed and created again under the same name is a
// different namespace.
func (s *LocalStore) Exists() bool {
	ns, err := readMeta(s.dir)
	return err == nil && ns.Name == s.ns.Name && ns.Created.Equal(s.ns.Created)
}

// GetBlob retrieves a body by digest.
func (s *LocalStore) GetBlob(ctx context.Context, d digest.Digest) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := d.Validate(); err != nil {
		return nil, fmt.Errorf("invalid digest %q: %w", d, err)
	}

	// 1. Check memory cache
	if data, ok := s.cache.Get(d.String()); ok {
		return data, nil
	}

	// 2. Read from disk
	frame, err := os.ReadFile(s.blobPath(d))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("blob %s: %w", d, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to read blob: %w", err)
	}

	data, err := s.compressor.Decompress(frame)
	if err != nil {
		return nil, fmt.Errorf("failed to decompress blob %s: %w", d, err)
	}
	if d.Algorithm().FromBytes(data) != d {
		return nil, fmt.Errorf("blob %s: content does not match digest", d)
	}

	// 3. Cache and return
	s.cache.Add(d.String(), data)
	return data, nil
}

// PutBlob stores a body and returns its digest.
func (s *LocalStore) PutBlob(ctx context.Context, data []byte) (digest.Digest, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	d := digest.FromBytes(data)

	path := s.blobPath(d)
	if _, err := os.Stat(path); err == nil {
		return d, nil
	}

	if err := writeFileAtomic(path, s.compressor.Compress(data)); err != nil {
		return "", fmt.Errorf("failed to write blob: %w", err)
	}

	s.cache.Add(d.String(), data)
	return d, nil
}

// HasBlob checks if a body exists.
func (s *LocalStore) HasBlob(ctx context.Context, d digest.Digest) (bool, error) {
	if s.cache.Has(d.String()) {
		return true, nil
	}
	if err := d.Validate(); err != nil {
		return false, err
	}

	_, err := os.Stat(s.blobPath(d))
	if err == nil {
		return true, nil
	}
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	return false, err
}

// GetRecord retrieves the record stored under key.
func (s *LocalStore) GetRecord(ctx context.Context, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(s.recordPath(key))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("record %q: %w", key, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to read record: %w", err)
	}
	return data, nil
}

// PutRecord replaces the record stored under key.
func (s *LocalStore) PutRecord(ctx context.Context, key string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := writeFileAtomic(s.recordPath(key), data); err != nil {
		return fmt.Errorf("failed to write record: %w", err)
	}
	return nil
}

// DeleteRecord removes a record.
func (s *LocalStore) DeleteRecord(ctx context.Context, key string) error {
	err := os.Remove(s.recordPath(key))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to delete record: %w", err)
	}
	return nil
}

// Records returns every record in the namespace.
func (s *LocalStore) Records(ctx context.Context) ([][]byte, error) {
	var out [][]byte
	root := filepath.Join(s.dir, recordsDir)
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if d.IsDir() || strings.HasPrefix(d.Name(), ".tmp-") {
			return nil
		}
		data, err := os.ReadFile(path)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil // deleted while walking
			}
			return err
		}
		out = append(out, data)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list records: %w", err)
	}
	return out, nil
}

// Evict removes a blob from the memory cache.
func (s *LocalStore) Evict(d digest.Digest) {
	s.cache.Remove(d.String())
}

// Clear clears the memory cache.
func (s *LocalStore) Clear() {
	s.cache.Clear()
}

// Close releases the compressor.
func (s *LocalStore) Close() error {
	return s.compressor.Close()
}

// blobPath returns the filesystem path for a blob.
// Git-style sharding: blobs/sha256/ab/cd123...
func (s *LocalStore) blobPath(d digest.Digest) string {
	hash := d.Encoded()
	base := filepath.Join(s.dir, blobsDir, string(d.Algorithm()))
	if len(hash) < 2 {
		return filepath.Join(base, hash)
	}
	return filepath.Join(base, hash[:2], hash)
}

// recordPath returns the filesystem path for a record key.
func (s *LocalStore) recordPath(key string) string {
	hash := hashString(key)
	return filepath.Join(s.dir, recordsDir, hash[:2], hash)
}

// Namespaces lists every namespace under basePath, oldest first.
func Namespaces(basePath string) ([]Namespace, error) {
	dirs, err := os.ReadDir(basePath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read %s: %w", basePath, err)
	}

	var out []Namespace
	for _, d := range dirs {
		if !d.IsDir() {
			continue
		}
		ns, err := readMeta(filepath.Join(basePath, d.Name()))
		if err != nil {
			continue // not a namespace, or removed concurrently
		}
		out = append(out, ns)
	}

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Created.Equal(out[j].Created) {
			return out[i].Name < out[j].Name
		}
		return out[i].Created.Before(out[j].Created)
	})
	return out, nil
}

// HasNamespace reports whether the namespace exists under basePath.
func HasNamespace(basePath, name string) (bool, error) {
	_, err := os.Stat(filepath.Join(namespaceDir(basePath, name), metaFile))
	if err == nil {
		return true, nil
	}
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	return false, err
}

// RemoveNamespace deletes the namespace and all of its content.
// It reports whether the namespace existed.
func RemoveNamespace(basePath, name string) (bool, error) {
	dir := namespaceDir(basePath, name)
	if _, err := os.Stat(filepath.Join(dir, metaFile)); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, err
	}

	// Drop the metadata first so the namespace stops being enumerable even
	// if removing the content fails halfway.
	if err := os.Remove(filepath.Join(dir, metaFile)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return false, fmt.Errorf("failed to remove namespace %q: %w", name, err)
	}
	if err := os.RemoveAll(dir); err != nil {
		return true, fmt.Errorf("failed to remove namespace %q: %w", name, err)
	}
	return true, nil
}

func namespaceDir(basePath, name string) string {
	return filepath.Join(basePath, hashString(name)[:32])
}

func ensureMeta(dir, name string) (Namespace, error) {
	ns, err := readMeta(dir)
	if err == nil {
		if ns.Name != name {
			return Namespace{}, fmt.Errorf("store: namespace %q collides with %q", name, ns.Name)
		}
		return ns, nil
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return Namespace{}, err
	}

	ns = Namespace{Name: name, Created: time.Now().UTC()}
	data, err := json.Marshal(ns)
	if err != nil {
		return Namespace{}, err
	}
	if err := writeFileAtomic(filepath.Join(dir, metaFile), data); err != nil {
		return Namespace{}, fmt.Errorf("failed to write namespace metadata: %w", err)
	}
	return ns, nil
}

func readMeta(dir string) (Namespace, error) {
	data, err := os.ReadFile(filepath.Join(dir, metaFile))
	if err != nil {
		return Namespace{}, err
	}
	var ns Namespace
	if err := json.Unmarshal(data, &ns); err != nil {
		return Namespace{}, fmt.Errorf("parse namespace metadata: %w", err)
	}
	return ns, nil
}

// writeFileAtomic writes data next to path and renames it into place.
func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, dirPerm); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return err
	}
	if err := os.Chmod(tmpPath, filePerm); err != nil {
		_ = os.Remove(tmpPath)
		return err
	}
	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return err
	}
	return nil
}

func hashString(s string) string {
	h := sha256.Sum256([]byte(s))
	return hex.EncodeToString(h[:])
}
