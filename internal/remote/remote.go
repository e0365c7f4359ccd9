// Package remote moves cache snapshots to and from OCI registries.
//
// A snapshot is a set of content-addressed objects plus a root object that
// indexes them. On the registry it is a single image:
// - layers: objects packed as [digest 71B][length 8B][data]..., zstd compressed
// - config labels: the root digest and caller-supplied metadata
// Upload ordering and auth follow go-containerregistry conventions.
package remote

import "context"

// Remote handles OCI registry operations.
type Remote interface {
	// Push uploads objects under the remote's reference.
	Push(ctx context.Context, root string, objects map[string][]byte, labels map[string]string) error

	// Pull downloads every object of the image at the remote's reference.
	Pull(ctx context.Context) (root string, objects map[string][]byte, labels map[string]string, err error)
}

var _ Remote = (*OCIRemote)(nil)
