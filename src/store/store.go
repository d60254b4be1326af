// Package store defines the local content-addressed storage abstraction that
// the remote cache middleware reads process outputs from and uploads closures
// through, plus an in-memory reference implementation used by tests.
//
// Grounded on please's blob upload/download pipeline (src/remote/blobs.go),
// generalised from "blobs belonging to a BuildTarget" to "blobs named by
// digest alone", which is all the action-cache middleware needs.
package store

import (
	"context"
	"fmt"

	repb "github.com/bazelbuild/remote-apis/build/bazel/remote/execution/v2"
)

// A Store is the local content-addressed blob store a downstream process
// execution writes its outputs into, and that the remote cache middleware
// reads from when constructing a result manifest and uploads from when
// writing a result back to the remote action cache.
//
// Implementations are expected to be safe for concurrent use: the speculation
// driver and the write-back pipeline may both be reading the same blobs.
type Store interface {
	// LoadBlob returns the bytes of a previously-stored blob by digest.
	LoadBlob(ctx context.Context, digest repb.Digest) ([]byte, error)

	// StoreBlob records a blob's bytes under its own digest, returning the
	// digest for convenience. Storing the same digest twice is not an error;
	// the second write is expected to be a no-op given digests are content-derived.
	StoreBlob(ctx context.Context, data []byte) (repb.Digest, error)

	// HasLocally reports whether a blob is present in local storage without
	// fetching its contents.
	HasLocally(ctx context.Context, digest repb.Digest) bool

	// EnsureRemoteHas uploads every digest in the closure that the remote
	// action cache's CAS does not already have, skipping ones that do
	// (mirroring please's FindMissingBlobs-then-upload pattern in
	// src/remote/blobs.go's uploadBlobs). missingCheck is supplied by the
	// execapi client since only it knows how to call FindMissingBlobs; store
	// implementations only need to know how to read their own local blobs.
	EnsureRemoteHas(ctx context.Context, closure []repb.Digest, missingCheck func(context.Context, []repb.Digest) ([]repb.Digest, error), upload func(context.Context, repb.Digest, []byte) error) error
}

// ErrBlobNotFound is returned by LoadBlob when the digest is not present.
type ErrBlobNotFound struct {
	Digest repb.Digest
}

func (e *ErrBlobNotFound) Error() string {
	return fmt.Sprintf("blob not found locally: %s/%d", e.Digest.Hash, e.Digest.SizeBytes)
}
