package trie

import (
	"context"
	"fmt"
	"testing"

	repb "github.com/bazelbuild/remote-apis/build/bazel/remote/execution/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInsertFileAndEntry(t *testing.T) {
	tr := New()
	d := repb.Digest{Hash: "abc", SizeBytes: 3}
	require.NoError(t, tr.InsertFile("a/b/c.txt", d, false))

	f, ok := tr.Entry("a/b/c.txt")
	require.True(t, ok)
	assert.Equal(t, d, f.Digest)
	assert.False(t, f.IsSymlink())
}

func TestInsertSymlink(t *testing.T) {
	tr := New()
	require.NoError(t, tr.InsertSymlink("out/link", "../target"))

	f, ok := tr.Entry("out/link")
	require.True(t, ok)
	assert.True(t, f.IsSymlink())
	assert.Equal(t, "../target", f.SymlinkTarget)
}

func TestInsertTwiceIsError(t *testing.T) {
	tr := New()
	d := repb.Digest{Hash: "abc", SizeBytes: 3}
	require.NoError(t, tr.InsertFile("a.txt", d, false))
	assert.Error(t, tr.InsertFile("a.txt", d, false))
}

func TestFileDirectoryCollisionIsError(t *testing.T) {
	tr := New()
	d := repb.Digest{Hash: "abc", SizeBytes: 3}
	require.NoError(t, tr.InsertFile("a", d, false))
	assert.Error(t, tr.InsertFile("a/b", d, false))
}

func TestFlattenProducesStableRootDigest(t *testing.T) {
	tr := New()
	require.NoError(t, tr.InsertFile("bin/run", repb.Digest{Hash: "h1", SizeBytes: 1}, true))
	require.NoError(t, tr.InsertFile("data/x.txt", repb.Digest{Hash: "h2", SizeBytes: 2}, false))
	require.NoError(t, tr.InsertFile("data/y.txt", repb.Digest{Hash: "h3", SizeBytes: 3}, false))

	tree := tr.Flatten()
	require.NotNil(t, tree.Root)
	// Two subdirectories (bin, data) should appear, sorted by name.
	require.Len(t, tree.Root.Directories, 2)
	assert.Equal(t, "bin", tree.Root.Directories[0].Name)
	assert.Equal(t, "data", tree.Root.Directories[1].Name)

	// Flatten should be deterministic across repeated calls.
	tree2 := tr.Flatten()
	rootDigest, _ := DigestProto(tree.Root)
	rootDigest2, _ := DigestProto(tree2.Root)
	assert.Equal(t, rootDigest.Hash, rootDigest2.Hash)
}

func TestFlattenAtAndLoadFromStoreRoundTrip(t *testing.T) {
	tr := New()
	require.NoError(t, tr.InsertFile("keep/out/a.txt", repb.Digest{Hash: "ha", SizeBytes: 1}, false))
	require.NoError(t, tr.InsertFile("keep/out/sub/b.txt", repb.Digest{Hash: "hb", SizeBytes: 2}, false))
	require.NoError(t, tr.InsertSymlink("keep/out/link", "a.txt"))

	subtree, ok := tr.FlattenAt("keep/out")
	require.True(t, ok)
	digests := FileDigests(subtree)
	assert.ElementsMatch(t, []repb.Digest{{Hash: "ha", SizeBytes: 1}, {Hash: "hb", SizeBytes: 2}}, digests)

	// Store every directory proto in the tree under its own digest, then reload
	// the whole thing back into a trie purely from the root digest.
	blobs := map[string][]byte{}
	rootDigest, rootBytes := DigestProto(subtree.Root)
	blobs[rootDigest.Hash] = rootBytes
	for _, child := range subtree.Children {
		d, b := DigestProto(child)
		blobs[d.Hash] = b
	}
	loader := func(ctx context.Context, d repb.Digest) ([]byte, error) {
		b, ok := blobs[d.Hash]
		if !ok {
			return nil, fmt.Errorf("blob %s not found", d.Hash)
		}
		return b, nil
	}
	loaded, err := LoadFromStore(context.Background(), rootDigest, loader)
	require.NoError(t, err)

	f, ok := loaded.Entry("a.txt")
	require.True(t, ok)
	assert.Equal(t, repb.Digest{Hash: "ha", SizeBytes: 1}, f.Digest)

	f, ok = loaded.Entry("sub/b.txt")
	require.True(t, ok)
	assert.Equal(t, repb.Digest{Hash: "hb", SizeBytes: 2}, f.Digest)

	link, ok := loaded.Entry("link")
	require.True(t, ok)
	assert.True(t, link.IsSymlink())
}

func TestHasDirectory(t *testing.T) {
	tr := New()
	require.NoError(t, tr.InsertFile("out/sub/file.txt", repb.Digest{Hash: "h", SizeBytes: 1}, false))
	assert.True(t, tr.HasDirectory("out"))
	assert.True(t, tr.HasDirectory("out/sub"))
	assert.False(t, tr.HasDirectory("nope"))
}
