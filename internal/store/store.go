// Package store implements the on-disk layer behind a named cache.
//
// Each namespace is an isolated directory holding two kinds of objects:
//   - blobs: response bodies, content-addressed by sha256 digest and
//     compressed at rest
//   - records: small opaque documents addressed by an arbitrary key
//
// Records are replaced atomically (temp file + rename), so concurrent writers
// of the same key resolve to last-write-wins.
package store

import (
	"context"
	"errors"

	digest "github.com/opencontainers/go-digest"
)

// ErrNotFound is returned when a blob or record does not exist.
var ErrNotFound = errors.New("store: not found")

// Store handles local storage for one namespace.
type Store interface {
	// GetBlob retrieves a body by digest.
	GetBlob(ctx context.Context, d digest.Digest) ([]byte, error)

	// PutBlob stores a body and returns its digest.
	PutBlob(ctx context.Context, data []byte) (digest.Digest, error)

	// HasBlob checks if a body exists.
	HasBlob(ctx context.Context, d digest.Digest) (bool, error)

	// GetRecord retrieves the record stored under key.
	GetRecord(ctx context.Context, key string) ([]byte, error)

	// PutRecord replaces the record stored under key.
	PutRecord(ctx context.Context, key string, data []byte) error

	// DeleteRecord removes a record. Missing records are not an error.
	DeleteRecord(ctx context.Context, key string) error

	// Records returns every record in the namespace, in no particular order.
	Records(ctx context.Context) ([][]byte, error)

	// Evict removes a blob from the memory cache (not from disk).
	Evict(d digest.Digest)

	// Clear clears the in-memory cache.
	Clear()
}
