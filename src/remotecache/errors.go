package remotecache

import "fmt"

// ManifestError is raised when a declared output path resolves to the wrong
// kind of trie entry: a symlink or directory where a file was declared, or a
// symlink or file where a directory was declared. Unlike remote-cache faults,
// this indicates the downstream process itself misbehaved, so it is
// surfaced to the caller rather than logged and swallowed.
type ManifestError struct {
	Path string
	Want string // "file" or "directory"
	Got  string // "symlink", "file", or "directory"
}

func (e *ManifestError) Error() string {
	return fmt.Sprintf("declared output path %q should have been a %s but was a %s", e.Path, e.Want, e.Got)
}
