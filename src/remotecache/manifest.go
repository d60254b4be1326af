package remotecache

import (
	"context"
	"sort"

	repb "github.com/bazelbuild/remote-apis/build/bazel/remote/execution/v2"

	"github.com/thought-machine/remotecache/src/store"
	"github.com/thought-machine/remotecache/src/trie"
)

// buildManifest implements spec.md §4.4: it walks the output directory trie
// an execution produced, extracts exactly the paths the command declared, and
// returns both the REAPI ActionResult to publish and the full set of digests
// that must exist remotely before publication (the write-closure invariant).
func buildManifest(ctx context.Context, st store.Store, command *repb.Command, result ExecutionResult) (*repb.ActionResult, []repb.Digest, error) {
	closure := newDigestSet()
	closure.add(result.StdoutDigest)
	closure.add(result.StderrDigest)

	ar := &repb.ActionResult{
		ExitCode:     result.ExitCode,
		StdoutDigest: &result.StdoutDigest,
		StderrDigest: &result.StderrDigest,
	}
	if wt, ok := result.Metadata.WallTime(); ok {
		ar.ExecutionMetadata = &repb.ExecutedActionMetadata{
			ExecutionStartTimestamp:    timestampProto(result.Metadata.ExecutionStartTime),
			ExecutionCompletedTimestamp: timestampProto(result.Metadata.ExecutionStartTime.Add(wt)),
		}
	}

	outputTrie, err := trie.LoadFromStore(ctx, result.OutputDirectoryDigest, st.LoadBlob)
	if err != nil {
		return nil, nil, err
	}

	dirPaths := append([]string{}, command.OutputDirectories...)
	sort.Strings(dirPaths)
	for _, p := range dirPaths {
		if outputTrie.HasDirectory(p) {
			tree, _ := outputTrie.FlattenAt(p)
			treeDigest, treeBytes := trie.DigestProto(tree)
			if _, err := st.StoreBlob(ctx, treeBytes); err != nil {
				return nil, nil, err
			}
			closure.add(treeDigest)
			for _, d := range trie.FileDigests(tree) {
				closure.add(d)
			}
			ar.OutputDirectories = append(ar.OutputDirectories, &repb.OutputDirectory{
				Path:       p,
				TreeDigest: &treeDigest,
			})
			continue
		}
		if entry, ok := outputTrie.Entry(p); ok {
			got := "file"
			if entry.IsSymlink() {
				got = "symlink"
			}
			return nil, nil, &ManifestError{Path: p, Want: "directory", Got: got}
		}
		// Absent: the command declared it but the execution never produced it. Skip.
	}

	filePaths := append([]string{}, command.OutputFiles...)
	sort.Strings(filePaths)
	for _, p := range filePaths {
		entry, ok := outputTrie.Entry(p)
		if !ok {
			if outputTrie.HasDirectory(p) {
				return nil, nil, &ManifestError{Path: p, Want: "file", Got: "directory"}
			}
			continue // Absent: skip.
		}
		if entry.IsSymlink() {
			return nil, nil, &ManifestError{Path: p, Want: "file", Got: "symlink"}
		}
		closure.add(entry.Digest)
		digest := entry.Digest
		ar.OutputFiles = append(ar.OutputFiles, &repb.OutputFile{
			Path:         p,
			Digest:       &digest,
			IsExecutable: entry.IsExecutable,
		})
	}

	return ar, closure.slice(), nil
}

// digestSet deduplicates digests by content identity (keyed by hash), matching
// the HashSet<Digest> the original builds its closure with.
type digestSet struct {
	seen map[string]repb.Digest
}

func newDigestSet() *digestSet {
	return &digestSet{seen: map[string]repb.Digest{}}
}

func (s *digestSet) add(d repb.Digest) {
	if d.Hash == "" {
		return
	}
	s.seen[d.Hash] = d
}

func (s *digestSet) slice() []repb.Digest {
	out := make([]repb.Digest, 0, len(s.seen))
	for _, d := range s.seen {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Hash < out[j].Hash })
	return out
}
