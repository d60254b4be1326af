// Package remotecache implements the Cached Runner: a process-execution
// middleware that races a remote action-cache lookup against a downstream
// execution, and asynchronously publishes new results back to the cache.
//
// Grounded throughout on original_source's remote_cache.rs (the Pants
// CommandRunner this middleware is a reimplementation of) and, for its Go
// idiom, on please's src/remote package.
package remotecache

import (
	"context"
	"time"

	repb "github.com/bazelbuild/remote-apis/build/bazel/remote/execution/v2"

	"github.com/thought-machine/remotecache/src/tasks"
)

// CacheScope is a per-request policy for whether a result may be read from or
// written to the remote cache, and whether failed executions are cacheable.
type CacheScope int

const (
	// CacheScopeSuccessful caches and serves only exit_code == 0 results.
	CacheScopeSuccessful CacheScope = iota
	// CacheScopeAlways caches and serves results regardless of exit code.
	CacheScopeAlways
	// CacheScopeNever disables both reading and writing for this request.
	CacheScopeNever
)

func (s CacheScope) String() string {
	switch s {
	case CacheScopeSuccessful:
		return "successful"
	case CacheScopeAlways:
		return "always"
	case CacheScopeNever:
		return "never"
	default:
		return "unknown"
	}
}

// usesRemoteCache reports whether this scope permits talking to the remote
// cache at all (Never opts a single request out entirely, independent of the
// runner's own cache_read/cache_write construction-time switches).
func (s CacheScope) usesRemoteCache() bool {
	return s == CacheScopeAlways || s == CacheScopeSuccessful
}

// failuresCached reports whether a non-zero exit code is still cacheable
// under this scope.
func (s CacheScope) failuresCached() bool {
	return s == CacheScopeAlways
}

// CacheContentBehavior controls how aggressively a cache hit's referenced
// blobs are checked for local/remote presence before the hit is trusted.
type CacheContentBehavior int

const (
	// Defer trusts the server: a GetActionResult success is accepted without
	// checking that its referenced blobs still exist anywhere.
	Defer CacheContentBehavior = iota
	// Fetch pre-fetches every blob the result references into the local store.
	Fetch
	// Validate confirms every referenced blob exists remotely, without
	// fetching it locally.
	Validate
)

// WarningsBehavior controls how often a repeated cache error is escalated
// from Debug to Warn level logging.
type WarningsBehavior int

const (
	// Ignore never escalates a cache error to Warn.
	Ignore WarningsBehavior = iota
	// FirstOnly escalates only the first occurrence of a given error string.
	FirstOnly
	// Backoff escalates on occurrences that are a power of two (1, 2, 4, 8, ...).
	Backoff
)

// ResultSource tags where an ExecutionResult actually came from, since the
// Run contract promises the caller gets the same shape back either way.
type ResultSource int

const (
	SourceRanLocally ResultSource = iota
	SourceRanRemotely
	SourceHitRemotely
	SourceHitLocally
)

func (s ResultSource) String() string {
	switch s {
	case SourceRanLocally:
		return "ran_locally"
	case SourceRanRemotely:
		return "ran_remotely"
	case SourceHitRemotely:
		return "hit_remotely"
	case SourceHitLocally:
		return "hit_locally"
	default:
		return "unknown"
	}
}

// ExecutionMetadata carries timing and provenance information about how a
// result was produced. WallTime, when both timestamps are present, is used by
// the speculation driver to decide how much latency a cache hit actually saved.
type ExecutionMetadata struct {
	Source               ResultSource
	Platform              map[string]string
	ExecutionStartTime    time.Time
	ExecutionCompleteTime time.Time
}

// WallTime returns the execution's wall-clock duration, if both endpoints of
// ExecutionMetadata are set.
func (m ExecutionMetadata) WallTime() (time.Duration, bool) {
	if m.ExecutionStartTime.IsZero() || m.ExecutionCompleteTime.IsZero() {
		return 0, false
	}
	return m.ExecutionCompleteTime.Sub(m.ExecutionStartTime), true
}

// OutputFile is one declared output file's result: its content digest and
// whether it should be marked executable on disk.
type OutputFile struct {
	Path       string
	Digest     repb.Digest
	Executable bool
}

// OutputDirectory is one declared output directory's result: the digest of
// its FlattenedTree blob (a root Directory proto plus every transitively
// reachable sub-directory proto, bundled into one blob).
type OutputDirectory struct {
	Path       string
	TreeDigest repb.Digest
}

// ExecutionResult is what a downstream runner produces, and what a cache hit
// is reified into. OutputDirectoryDigest is only meaningful for results that
// came from an actual execution (it names the root of the trie the result's
// OutputFiles/OutputDirectories still need to be extracted from via
// buildManifest); a cache hit instead arrives with OutputFiles/OutputDirectories
// already populated and OutputDirectoryDigest left zero.
type ExecutionResult struct {
	ExitCode              int32
	StdoutDigest          repb.Digest
	StderrDigest          repb.Digest
	OutputDirectoryDigest repb.Digest
	OutputFiles           []OutputFile
	OutputDirectories     []OutputDirectory
	Metadata              ExecutionMetadata
}

// CommandDescriptor is the structured description of the process being run,
// carrying the declared output paths a manifest is built against plus the
// pre-built REAPI Command/action digests (computed upstream by
// src/execapi.BuildCommand + ActionDigest, which this package treats as
// delegated per spec.md §6's execute-request builder).
type CommandDescriptor struct {
	Command         *repb.Command
	InputRootDigest repb.Digest
	ActionDigest    repb.Digest
	CommandDigest   repb.Digest
}

// Request is one call to Run.
type Request struct {
	Command          CommandDescriptor
	CacheScope       CacheScope
	SpeculationDelay time.Duration
}

// DownstreamRunner is the process-execution stack this middleware sits in
// front of. Treated as opaque: its errors are propagated unchanged.
type DownstreamRunner interface {
	Run(ctx *Context, command CommandDescriptor) (ExecutionResult, error)
}

// Context carries per-request identity and the process-wide detached task
// pool write-back uses, standing in for Pants' Context{build_id, tail_tasks}.
// It embeds a standard context.Context so it can be passed directly to gRPC
// calls and respects the caller's cancellation/deadline.
type Context struct {
	context.Context
	CorrelationID string
	Tasks         *tasks.Pool
}

// NewContext wraps a standard context.Context with the correlation id and
// task pool a Run call needs.
func NewContext(ctx context.Context, correlationID string, pool *tasks.Pool) *Context {
	return &Context{Context: ctx, CorrelationID: correlationID, Tasks: pool}
}
