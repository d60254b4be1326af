// Package trie builds and flattens content-addressed directory trees.
//
// A DirectoryTrie is the in-memory equivalent of a REAPI pb.Tree: a root
// directory plus, recursively, every directory reachable from it. It is built
// bottom-up from a flat set of declared output paths (as produced by a local
// process execution) and flattened top-down into the wire format the action
// cache stores and serves.
//
// Grounded on please's src/remote/utils.go dirBuilder (which builds a
// pb.Directory tree from build outputs) and on the make_tree_for_output_directory
// and extract_output_file functions in original_source's remote_cache.rs, which
// define the symlink-handling rules encoded in InsertSymlink and Flatten below.
package trie

import (
	"context"
	"fmt"
	"path"
	"sort"
	"strings"

	repb "github.com/bazelbuild/remote-apis/build/bazel/remote/execution/v2"
	"google.golang.org/protobuf/proto"
)

// A File is a leaf entry: a regular file's digest, or a symlink's target.
type File struct {
	Digest       repb.Digest
	IsExecutable bool
	// SymlinkTarget is set instead of Digest when this entry is a symlink.
	SymlinkTarget string
}

// IsSymlink reports whether this File is a symlink rather than a regular file.
func (f File) IsSymlink() bool {
	return f.SymlinkTarget != ""
}

// node is one directory's worth of children, keyed by path segment.
type node struct {
	files map[string]File
	dirs  map[string]*node
}

func newNode() *node {
	return &node{files: map[string]File{}, dirs: map[string]*node{}}
}

// A DirectoryTrie accumulates file and symlink entries under slash-separated
// paths and can flatten them into the REAPI wire format on demand.
type DirectoryTrie struct {
	root *node
}

// New returns an empty DirectoryTrie.
func New() *DirectoryTrie {
	return &DirectoryTrie{root: newNode()}
}

// InsertFile adds a regular file at the given slash-separated relative path.
// It is an error for a path to be inserted twice, or for a path to collide
// with an already-inserted directory prefix.
func (t *DirectoryTrie) InsertFile(relPath string, digest repb.Digest, executable bool) error {
	return t.insert(relPath, File{Digest: digest, IsExecutable: executable})
}

// InsertSymlink adds a symlink at the given slash-separated relative path,
// pointing at target. Symlinks are recorded as symlink nodes in the REAPI
// output rather than being dereferenced.
func (t *DirectoryTrie) InsertSymlink(relPath, target string) error {
	return t.insert(relPath, File{SymlinkTarget: target})
}

func (t *DirectoryTrie) insert(relPath string, f File) error {
	relPath = strings.Trim(relPath, "/")
	if relPath == "" {
		return fmt.Errorf("trie: cannot insert at empty path")
	}
	segments := strings.Split(relPath, "/")
	cur := t.root
	for _, seg := range segments[:len(segments)-1] {
		if _, isFile := cur.files[seg]; isFile {
			return fmt.Errorf("trie: %s is both a file and a directory prefix", path.Join(segments...))
		}
		child, ok := cur.dirs[seg]
		if !ok {
			child = newNode()
			cur.dirs[seg] = child
		}
		cur = child
	}
	leaf := segments[len(segments)-1]
	if _, isDir := cur.dirs[leaf]; isDir {
		return fmt.Errorf("trie: %s is both a file and a directory prefix", relPath)
	}
	if _, exists := cur.files[leaf]; exists {
		return fmt.Errorf("trie: %s inserted twice", relPath)
	}
	cur.files[leaf] = f
	return nil
}

// Flatten renders the trie into a pb.Tree: a root Directory and, in some
// stable order, every directory transitively reachable from it. This is the
// wire shape the action cache's CAS expects for an OutputDirectory's tree
// digest (bundled rather than addressed file-by-file).
func (t *DirectoryTrie) Flatten() *repb.Tree {
	root, children := flattenNode(t.root)
	return &repb.Tree{Root: root, Children: children}
}

// FlattenAt is like Flatten but rooted at relPath instead of the trie's root,
// for materialising just one declared output directory rather than the whole
// execution's output tree. It returns false if relPath was never used as a
// directory prefix.
func (t *DirectoryTrie) FlattenAt(relPath string) (*repb.Tree, bool) {
	n := t.nodeAt(relPath)
	if n == nil {
		return nil, false
	}
	root, children := flattenNode(n)
	return &repb.Tree{Root: root, Children: children}, true
}

func (t *DirectoryTrie) nodeAt(relPath string) *node {
	relPath = strings.Trim(relPath, "/")
	cur := t.root
	if relPath == "" {
		return cur
	}
	for _, seg := range strings.Split(relPath, "/") {
		child, ok := cur.dirs[seg]
		if !ok {
			return nil
		}
		cur = child
	}
	return cur
}

// FileDigests returns the digest of every regular file (not symlink) in a
// flattened tree, across its root and every descendant directory. Used to
// build the closure a manifest's output_directories entry must keep present
// in the remote store alongside the tree blob itself.
func FileDigests(tree *repb.Tree) []repb.Digest {
	var digests []repb.Digest
	collect := func(dir *repb.Directory) {
		for _, f := range dir.Files {
			if f.Digest != nil {
				digests = append(digests, *f.Digest)
			}
		}
	}
	collect(tree.Root)
	for _, c := range tree.Children {
		collect(c)
	}
	return digests
}

// LoadFromStore reconstructs a DirectoryTrie by recursively resolving
// Directory protos starting from root, using loader to fetch each digest's
// bytes. This is how the manifest builder turns the root digest an execution
// reports for its output tree back into something Entry/HasDirectory/FlattenAt
// can be called on.
func LoadFromStore(ctx context.Context, root repb.Digest, loader func(context.Context, repb.Digest) ([]byte, error)) (*DirectoryTrie, error) {
	n, err := loadNode(ctx, root, loader)
	if err != nil {
		return nil, err
	}
	return &DirectoryTrie{root: n}, nil
}

func loadNode(ctx context.Context, digest repb.Digest, loader func(context.Context, repb.Digest) ([]byte, error)) (*node, error) {
	b, err := loader(ctx, digest)
	if err != nil {
		return nil, err
	}
	var dir repb.Directory
	if err := proto.Unmarshal(b, &dir); err != nil {
		return nil, fmt.Errorf("trie: unmarshalling directory %s: %w", digest.Hash, err)
	}
	n := newNode()
	for _, f := range dir.Files {
		if f.Digest == nil {
			continue
		}
		n.files[f.Name] = File{Digest: *f.Digest, IsExecutable: f.IsExecutable}
	}
	for _, s := range dir.Symlinks {
		n.files[s.Name] = File{SymlinkTarget: s.Target}
	}
	for _, d := range dir.Directories {
		if d.Digest == nil {
			continue
		}
		child, err := loadNode(ctx, *d.Digest, loader)
		if err != nil {
			return nil, err
		}
		n.dirs[d.Name] = child
	}
	return n, nil
}

func flattenNode(n *node) (*repb.Directory, []*repb.Directory) {
	dir := &repb.Directory{}
	var allChildren []*repb.Directory

	names := make([]string, 0, len(n.files))
	for name := range n.files {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		f := n.files[name]
		if f.IsSymlink() {
			dir.Symlinks = append(dir.Symlinks, &repb.SymlinkNode{
				Name:   name,
				Target: f.SymlinkTarget,
			})
			continue
		}
		dir.Files = append(dir.Files, &repb.FileNode{
			Name:         name,
			Digest:       &f.Digest,
			IsExecutable: f.IsExecutable,
		})
	}

	dirNames := make([]string, 0, len(n.dirs))
	for name := range n.dirs {
		dirNames = append(dirNames, name)
	}
	sort.Strings(dirNames)
	for _, name := range dirNames {
		childDir, childDescendants := flattenNode(n.dirs[name])
		digest, blob := DigestProto(childDir)
		dir.Directories = append(dir.Directories, &repb.DirectoryNode{
			Name:   name,
			Digest: &digest,
		})
		_ = blob
		allChildren = append(allChildren, childDir)
		allChildren = append(allChildren, childDescendants...)
	}
	return dir, allChildren
}

// Entry looks up the File previously inserted at relPath, if any.
func (t *DirectoryTrie) Entry(relPath string) (File, bool) {
	relPath = strings.Trim(relPath, "/")
	if relPath == "" {
		return File{}, false
	}
	segments := strings.Split(relPath, "/")
	cur := t.root
	for _, seg := range segments[:len(segments)-1] {
		child, ok := cur.dirs[seg]
		if !ok {
			return File{}, false
		}
		cur = child
	}
	f, ok := cur.files[segments[len(segments)-1]]
	return f, ok
}

// HasDirectory reports whether relPath was ever used as a directory prefix,
// i.e. whether some file or symlink was inserted under it. Used by callers
// distinguishing "declared output directory is actually empty" from
// "declared output directory does not exist at all" (the former is fine;
// make_tree_for_output_directory in the original treats a missing directory
// as producing an empty Tree, not an error).
func (t *DirectoryTrie) HasDirectory(relPath string) bool {
	relPath = strings.Trim(relPath, "/")
	cur := t.root
	if relPath == "" {
		return true
	}
	for _, seg := range strings.Split(relPath, "/") {
		child, ok := cur.dirs[seg]
		if !ok {
			return false
		}
		cur = child
	}
	return true
}
