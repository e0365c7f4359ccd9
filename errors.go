package precache

import "errors"

var (
	ErrNotFound      = errors.New("precache: not found")
	ErrNoRemote      = errors.New("precache: no remote configured")
	ErrInstall       = errors.New("precache: install failed")
	ErrActivate      = errors.New("precache: activate failed")
	ErrNotCacheable  = errors.New("precache: request is not cacheable")
	ErrCacheDeleted  = errors.New("precache: cache was deleted")
	ErrInvalidConfig = errors.New("precache: invalid config")
)
