package remotecache

import (
	"context"
	"testing"

	repb "github.com/bazelbuild/remote-apis/build/bazel/remote/execution/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	st "github.com/thought-machine/remotecache/src/store"
	"github.com/thought-machine/remotecache/src/trie"
)

func storeTree(t *testing.T, store st.Store, tr *trie.DirectoryTrie) repb.Digest {
	t.Helper()
	ctx := context.Background()
	tree := tr.Flatten()
	rootDigest, rootBytes := trie.DigestProto(tree.Root)
	_, err := store.StoreBlob(ctx, rootBytes)
	require.NoError(t, err)
	for _, child := range tree.Children {
		_, b := trie.DigestProto(child)
		_, err := store.StoreBlob(ctx, b)
		require.NoError(t, err)
	}
	return rootDigest
}

func TestBuildManifestWithFilesAndDirectories(t *testing.T) {
	store := st.NewMemStore()
	ctx := context.Background()

	stdout, _ := store.StoreBlob(ctx, []byte("out"))
	stderr, _ := store.StoreBlob(ctx, []byte("err"))

	tr := trie.New()
	fileDigest, _ := store.StoreBlob(ctx, []byte("1234"))
	require.NoError(t, tr.InsertFile("bin/run", fileDigest, true))
	nestedDigest, _ := store.StoreBlob(ctx, []byte("nested"))
	require.NoError(t, tr.InsertFile("data/nested/x.txt", nestedDigest, false))
	root := storeTree(t, store, tr)

	cmd := &repb.Command{
		OutputFiles:       []string{"bin/run"},
		OutputDirectories: []string{"data"},
	}
	result := ExecutionResult{
		ExitCode:              0,
		StdoutDigest:          stdout,
		StderrDigest:          stderr,
		OutputDirectoryDigest: root,
	}

	manifest, closure, err := buildManifest(ctx, store, cmd, result)
	require.NoError(t, err)
	require.Len(t, manifest.OutputFiles, 1)
	assert.Equal(t, "bin/run", manifest.OutputFiles[0].Path)
	assert.True(t, manifest.OutputFiles[0].IsExecutable)
	require.Len(t, manifest.OutputDirectories, 1)
	assert.Equal(t, "data", manifest.OutputDirectories[0].Path)

	// Closure must include stdout/stderr, the file digest, the tree digest for
	// "data", and the nested file's digest.
	hashes := map[string]bool{}
	for _, d := range closure {
		hashes[d.Hash] = true
	}
	assert.True(t, hashes[stdout.Hash])
	assert.True(t, hashes[stderr.Hash])
	assert.True(t, hashes[fileDigest.Hash])
	assert.True(t, hashes[nestedDigest.Hash])
	assert.True(t, hashes[manifest.OutputDirectories[0].TreeDigest.Hash])
}

func TestBuildManifestSkipsAbsentDeclaredPaths(t *testing.T) {
	store := st.NewMemStore()
	ctx := context.Background()
	tr := trie.New()
	require.NoError(t, tr.InsertFile("present.txt", mustDigest(t, store, "hi"), false))
	root := storeTree(t, store, tr)

	cmd := &repb.Command{OutputFiles: []string{"present.txt", "absent.txt"}}
	result := ExecutionResult{OutputDirectoryDigest: root}

	manifest, _, err := buildManifest(ctx, store, cmd, result)
	require.NoError(t, err)
	assert.Len(t, manifest.OutputFiles, 1)
}

func TestBuildManifestSymlinkAtDeclaredDirectoryErrors(t *testing.T) {
	store := st.NewMemStore()
	ctx := context.Background()
	tr := trie.New()
	require.NoError(t, tr.InsertSymlink("outdir", "elsewhere"))
	root := storeTree(t, store, tr)

	cmd := &repb.Command{OutputDirectories: []string{"outdir"}}
	result := ExecutionResult{OutputDirectoryDigest: root}

	_, _, err := buildManifest(ctx, store, cmd, result)
	require.Error(t, err)
	var manifestErr *ManifestError
	require.ErrorAs(t, err, &manifestErr)
	assert.Equal(t, "outdir", manifestErr.Path)
	assert.Equal(t, "directory", manifestErr.Want)
	assert.Equal(t, "symlink", manifestErr.Got)
}

func TestBuildManifestFileAtDeclaredDirectoryErrors(t *testing.T) {
	store := st.NewMemStore()
	ctx := context.Background()
	tr := trie.New()
	require.NoError(t, tr.InsertFile("outdir", mustDigest(t, store, "x"), false))
	root := storeTree(t, store, tr)

	cmd := &repb.Command{OutputDirectories: []string{"outdir"}}
	result := ExecutionResult{OutputDirectoryDigest: root}

	_, _, err := buildManifest(ctx, store, cmd, result)
	require.Error(t, err)
	var manifestErr *ManifestError
	require.ErrorAs(t, err, &manifestErr)
	assert.Equal(t, "file", manifestErr.Got)
}

func mustDigest(t *testing.T, store st.Store, s string) repb.Digest {
	t.Helper()
	d, err := store.StoreBlob(context.Background(), []byte(s))
	require.NoError(t, err)
	return d
}
