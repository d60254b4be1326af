package store

import (
	"context"
	"sync"

	repb "github.com/bazelbuild/remote-apis/build/bazel/remote/execution/v2"

	"github.com/thought-machine/remotecache/src/trie"
)

// MemStore is an in-memory Store, used in tests and by the demo binary in
// place of a real on-disk execution sandbox.
type MemStore struct {
	mu    sync.RWMutex
	blobs map[string][]byte
}

// NewMemStore returns an empty MemStore.
func NewMemStore() *MemStore {
	return &MemStore{blobs: map[string][]byte{}}
}

func (s *MemStore) LoadBlob(ctx context.Context, digest repb.Digest) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.blobs[digest.Hash]
	if !ok {
		return nil, &ErrBlobNotFound{Digest: digest}
	}
	return b, nil
}

func (s *MemStore) StoreBlob(ctx context.Context, data []byte) (repb.Digest, error) {
	digest := trie.DigestBlob(data)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.blobs[digest.Hash] = data
	return digest, nil
}

func (s *MemStore) HasLocally(ctx context.Context, digest repb.Digest) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.blobs[digest.Hash]
	return ok
}

func (s *MemStore) EnsureRemoteHas(ctx context.Context, closure []repb.Digest, missingCheck func(context.Context, []repb.Digest) ([]repb.Digest, error), upload func(context.Context, repb.Digest, []byte) error) error {
	missing, err := missingCheck(ctx, closure)
	if err != nil {
		return err
	}
	for _, digest := range missing {
		data, err := s.LoadBlob(ctx, digest)
		if err != nil {
			return err
		}
		if err := upload(ctx, digest, data); err != nil {
			return err
		}
	}
	return nil
}
