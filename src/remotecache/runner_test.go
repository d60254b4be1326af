package remotecache

import (
	"context"
	"testing"
	"time"

	repb "github.com/bazelbuild/remote-apis/build/bazel/remote/execution/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thought-machine/remotecache/src/execapi"
	"github.com/thought-machine/remotecache/src/observability"
	st "github.com/thought-machine/remotecache/src/store"
	"github.com/thought-machine/remotecache/src/tasks"
	"github.com/thought-machine/remotecache/src/trie"
)

func newTestRunner(downstream DownstreamRunner, cache execapi.ActionCache, store st.Store, cfg Config) *Runner {
	obs := observability.NewStore("test", "")
	return NewRunner(downstream, store, cache, obs, cfg)
}

func newTestContext(pool *tasks.Pool) *Context {
	return NewContext(context.Background(), "corr-1", pool)
}

// storeOutputTree stores a one-file output directory trie (path -> data)
// and returns its root digest, ready to hang off an ExecutionResult.
func storeOutputTree(t *testing.T, store st.Store, path string, data []byte) repb.Digest {
	t.Helper()
	ctx := context.Background()
	fileDigest, err := store.StoreBlob(ctx, data)
	require.NoError(t, err)

	tr := trie.New()
	require.NoError(t, tr.InsertFile(path, fileDigest, false))
	tree := tr.Flatten()

	rootDigest, rootBytes := trie.DigestProto(tree.Root)
	_, err = store.StoreBlob(ctx, rootBytes)
	require.NoError(t, err)
	for _, child := range tree.Children {
		d, b := trie.DigestProto(child)
		_, err := store.StoreBlob(ctx, b)
		require.NoError(t, err)
		_ = d
	}
	return rootDigest
}

func baseCommand(outputFiles []string) CommandDescriptor {
	return CommandDescriptor{
		Command:         &repb.Command{OutputFiles: outputFiles},
		InputRootDigest: repb.Digest{Hash: "empty-root", SizeBytes: 0},
		ActionDigest:    repb.Digest{Hash: "action-1", SizeBytes: 1},
		CommandDigest:   repb.Digest{Hash: "command-1", SizeBytes: 1},
	}
}

func TestFreshMissThenWriteBack(t *testing.T) {
	store := st.NewMemStore()
	cache := execapi.NewFakeActionCache()
	pool := tasks.NewPool(2)

	rootDigest := storeOutputTree(t, store, "a.txt", []byte("12345678"))
	downstream := &fakeDownstream{result: ExecutionResult{
		ExitCode:              0,
		OutputDirectoryDigest: rootDigest,
		Metadata:              ExecutionMetadata{Source: SourceRanLocally},
	}}

	runner := newTestRunner(downstream, cache, store, Config{
		CacheRead: true, CacheWrite: true, CacheContentBehavior: Defer,
	})

	req := Request{Command: baseCommand([]string{"a.txt"}), CacheScope: CacheScopeSuccessful}
	result, err := runner.Run(newTestContext(pool), req)
	require.NoError(t, err)
	assert.Equal(t, SourceRanLocally, result.Metadata.Source)
	assert.Equal(t, 1, cache.GetCalls)

	pool.Shutdown()
	assert.Equal(t, 1, cache.UpdateCalls)
}

func TestCacheHitWinsSpeculation(t *testing.T) {
	store := st.NewMemStore()
	cache := execapi.NewFakeActionCache()
	pool := tasks.NewPool(2)

	cmd := baseCommand([]string{"a.txt"})
	cache.PutActionResult(cmd.ActionDigest, &repb.ActionResult{ExitCode: 0})

	downstream := &fakeDownstream{delay: 200 * time.Millisecond, result: ExecutionResult{Metadata: ExecutionMetadata{Source: SourceRanLocally}}}
	runner := newTestRunner(downstream, cache, store, Config{
		CacheRead: true, CacheWrite: true, CacheContentBehavior: Defer,
	})

	req := Request{Command: cmd, CacheScope: CacheScopeSuccessful, SpeculationDelay: 20 * time.Millisecond}
	start := time.Now()
	result, err := runner.Run(newTestContext(pool), req)
	elapsed := time.Since(start)
	require.NoError(t, err)
	assert.Equal(t, SourceHitRemotely, result.Metadata.Source)
	assert.Less(t, elapsed, 150*time.Millisecond)

	pool.Shutdown()
	assert.Equal(t, 0, cache.UpdateCalls)
}

func TestLocalWinsWhenCacheStalls(t *testing.T) {
	store := st.NewMemStore()
	cache := execapi.NewFakeActionCache()
	block := make(chan struct{}) // never closed: cache read never completes in time
	cache.GetDelay = block
	pool := tasks.NewPool(2)

	rootDigest := storeOutputTree(t, store, "a.txt", []byte("x"))
	downstream := &fakeDownstream{delay: 5 * time.Millisecond, result: ExecutionResult{
		ExitCode: 0, OutputDirectoryDigest: rootDigest, Metadata: ExecutionMetadata{Source: SourceRanLocally},
	}}
	runner := newTestRunner(downstream, cache, store, Config{
		CacheRead: true, CacheWrite: false, CacheContentBehavior: Defer,
	})

	req := Request{Command: baseCommand([]string{"a.txt"}), CacheScope: CacheScopeSuccessful, SpeculationDelay: 10 * time.Millisecond}
	result, err := runner.Run(newTestContext(pool), req)
	require.NoError(t, err)
	assert.Equal(t, SourceRanLocally, result.Metadata.Source)
	pool.Shutdown()
}

func TestFailureNotCachedUnderSuccessfulScope(t *testing.T) {
	store := st.NewMemStore()
	cache := execapi.NewFakeActionCache()
	pool := tasks.NewPool(2)

	rootDigest := storeOutputTree(t, store, "a.txt", []byte("x"))
	downstream := &fakeDownstream{result: ExecutionResult{ExitCode: 3, OutputDirectoryDigest: rootDigest}}
	runner := newTestRunner(downstream, cache, store, Config{
		CacheRead: true, CacheWrite: true, CacheContentBehavior: Defer,
	})

	req := Request{Command: baseCommand([]string{"a.txt"}), CacheScope: CacheScopeSuccessful}
	result, err := runner.Run(newTestContext(pool), req)
	require.NoError(t, err)
	assert.EqualValues(t, 3, result.ExitCode)

	pool.Shutdown()
	assert.Equal(t, 0, cache.UpdateCalls)
}

func TestFailureCachedUnderAlwaysScope(t *testing.T) {
	store := st.NewMemStore()
	cache := execapi.NewFakeActionCache()
	pool := tasks.NewPool(2)

	rootDigest := storeOutputTree(t, store, "a.txt", []byte("x"))
	downstream := &fakeDownstream{result: ExecutionResult{ExitCode: 3, OutputDirectoryDigest: rootDigest}}
	runner := newTestRunner(downstream, cache, store, Config{
		CacheRead: true, CacheWrite: true, CacheContentBehavior: Defer,
	})

	req := Request{Command: baseCommand([]string{"a.txt"}), CacheScope: CacheScopeAlways}
	result, err := runner.Run(newTestContext(pool), req)
	require.NoError(t, err)
	assert.EqualValues(t, 3, result.ExitCode)

	pool.Shutdown()
	assert.Equal(t, 1, cache.UpdateCalls)
}

func TestSymlinkAtDeclaredOutputFileSurfacesError(t *testing.T) {
	store := st.NewMemStore()
	cache := execapi.NewFakeActionCache()
	pool := tasks.NewPool(2)

	tr := trie.New()
	require.NoError(t, tr.InsertSymlink("out", "elsewhere"))
	tree := tr.Flatten()
	rootDigest, rootBytes := trie.DigestProto(tree.Root)
	_, err := store.StoreBlob(context.Background(), rootBytes)
	require.NoError(t, err)

	downstream := &fakeDownstream{result: ExecutionResult{ExitCode: 0, OutputDirectoryDigest: rootDigest}}
	runner := newTestRunner(downstream, cache, store, Config{
		CacheRead: false, CacheWrite: true, CacheContentBehavior: Defer,
	})

	req := Request{Command: baseCommand([]string{"out"}), CacheScope: CacheScopeSuccessful}
	_, err = runner.Run(newTestContext(pool), req)
	require.Error(t, err)
	var manifestErr *ManifestError
	assert.ErrorAs(t, err, &manifestErr)

	pool.Shutdown()
	assert.Equal(t, 0, cache.UpdateCalls)
}

func TestCacheReadDisabledNeverCallsGetActionResult(t *testing.T) {
	store := st.NewMemStore()
	cache := execapi.NewFakeActionCache()
	pool := tasks.NewPool(2)

	downstream := &fakeDownstream{result: ExecutionResult{ExitCode: 0, Metadata: ExecutionMetadata{Source: SourceRanLocally}}}
	runner := newTestRunner(downstream, cache, store, Config{
		CacheRead: false, CacheWrite: false,
	})

	req := Request{Command: baseCommand(nil), CacheScope: CacheScopeSuccessful}
	result, err := runner.Run(newTestContext(pool), req)
	require.NoError(t, err)
	assert.Equal(t, SourceRanLocally, result.Metadata.Source)
	assert.Equal(t, 0, cache.GetCalls)
	pool.Shutdown()
}
