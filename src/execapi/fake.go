package execapi

import (
	"context"
	"sync"

	repb "github.com/bazelbuild/remote-apis/build/bazel/remote/execution/v2"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// FakeActionCache is an in-memory ActionCache used by tests of the
// speculation and write-back code in src/remotecache, so they never need a
// real gRPC server.
type FakeActionCache struct {
	mu      sync.Mutex
	results map[string]*repb.ActionResult
	blobs   map[string][]byte

	// GetDelay, if set, is waited on a channel before GetActionResult returns,
	// letting tests control the race between the cache-read and downstream
	// execution arms of the speculation driver.
	GetDelay <-chan struct{}

	// FailGet/FailUpdate, while set, make every call return that error, for testing
	// the adaptive error logger and error-path metrics.
	FailGet    error
	FailUpdate error

	GetCalls    int
	UpdateCalls int
}

// NewFakeActionCache returns an empty FakeActionCache.
func NewFakeActionCache() *FakeActionCache {
	return &FakeActionCache{
		results: map[string]*repb.ActionResult{},
		blobs:   map[string][]byte{},
	}
}

func (f *FakeActionCache) GetActionResult(ctx context.Context, instanceName string, actionDigest repb.Digest) (*repb.ActionResult, error) {
	if f.GetDelay != nil {
		select {
		case <-f.GetDelay:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.GetCalls++
	if f.FailGet != nil {
		return nil, f.FailGet
	}
	ar, ok := f.results[actionDigest.Hash]
	if !ok {
		return nil, status.Error(codes.NotFound, "action result not found")
	}
	return ar, nil
}

func (f *FakeActionCache) UpdateActionResult(ctx context.Context, instanceName string, actionDigest repb.Digest, result *repb.ActionResult) (*repb.ActionResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.UpdateCalls++
	if f.FailUpdate != nil {
		return nil, f.FailUpdate
	}
	f.results[actionDigest.Hash] = result
	return result, nil
}

func (f *FakeActionCache) FindMissingBlobs(ctx context.Context, instanceName string, digests []repb.Digest) ([]repb.Digest, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var missing []repb.Digest
	for _, d := range digests {
		if _, ok := f.blobs[d.Hash]; !ok {
			missing = append(missing, d)
		}
	}
	return missing, nil
}

func (f *FakeActionCache) UploadBlob(ctx context.Context, digest repb.Digest, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.blobs[digest.Hash] = data
	return nil
}

func (f *FakeActionCache) DownloadBlob(ctx context.Context, digest repb.Digest) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.blobs[digest.Hash]
	if !ok {
		return nil, status.Error(codes.NotFound, "blob not found")
	}
	return data, nil
}

// PutActionResult seeds the fake with a pre-existing cache entry, for tests
// that start from a warm cache.
func (f *FakeActionCache) PutActionResult(actionDigest repb.Digest, ar *repb.ActionResult) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.results[actionDigest.Hash] = ar
}
