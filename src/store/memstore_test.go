package store

import (
	"context"
	"testing"

	repb "github.com/bazelbuild/remote-apis/build/bazel/remote/execution/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStoreAndLoadBlob(t *testing.T) {
	s := NewMemStore()
	ctx := context.Background()
	digest, err := s.StoreBlob(ctx, []byte("hello"))
	require.NoError(t, err)
	assert.True(t, s.HasLocally(ctx, digest))

	data, err := s.LoadBlob(ctx, digest)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(data))
}

func TestLoadMissingBlobErrors(t *testing.T) {
	s := NewMemStore()
	_, err := s.LoadBlob(context.Background(), repb.Digest{Hash: "nope", SizeBytes: 1})
	assert.Error(t, err)
	var notFound *ErrBlobNotFound
	assert.ErrorAs(t, err, &notFound)
}

func TestEnsureRemoteHasSkipsPresentBlobs(t *testing.T) {
	s := NewMemStore()
	ctx := context.Background()
	d1, _ := s.StoreBlob(ctx, []byte("one"))
	d2, _ := s.StoreBlob(ctx, []byte("two"))

	var uploaded []repb.Digest
	missingCheck := func(ctx context.Context, closure []repb.Digest) ([]repb.Digest, error) {
		return []repb.Digest{d2}, nil // pretend the remote already has d1
	}
	upload := func(ctx context.Context, digest repb.Digest, data []byte) error {
		uploaded = append(uploaded, digest)
		return nil
	}
	err := s.EnsureRemoteHas(ctx, []repb.Digest{d1, d2}, missingCheck, upload)
	require.NoError(t, err)
	assert.Equal(t, []repb.Digest{d2}, uploaded)
}
