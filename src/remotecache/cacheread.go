package remotecache

import (
	"context"
	"fmt"
	"time"

	repb "github.com/bazelbuild/remote-apis/build/bazel/remote/execution/v2"
	"github.com/hashicorp/go-multierror"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/proto"

	"github.com/thought-machine/remotecache/src/execapi"
	"github.com/thought-machine/remotecache/src/observability"
	"github.com/thought-machine/remotecache/src/trie"
)

// checkActionCache implements spec.md §4.3: fetch a result by action digest,
// reify it into an ExecutionResult, and validate its referenced content.
// It never returns a propagated error for remote faults — callers treat any
// non-nil error here as a read failure to log and coerce to a miss; a nil
// result with a nil error means a clean miss that needs no logging.
func (r *Runner) checkActionCache(ctx *Context, cmd CommandDescriptor) (*ExecutionResult, error) {
	_, wu := r.obs.StartWorkunit(ctx.Context, "check_action_cache", observability.Debug, "Remote cache lookup")
	wu.IncrementCounter(observability.MetricRemoteCacheRequests, 1)

	readCtx := ctx.Context
	var cancel context.CancelFunc
	if r.readTimeout > 0 {
		readCtx, cancel = context.WithTimeout(readCtx, r.readTimeout)
		defer cancel()
	}

	start := time.Now()
	result, err := r.cache.GetActionResult(readCtx, r.instanceName, cmd.ActionDigest)
	wu.RecordObservation(observability.ObservationRemoteCacheGetActionResultTimeMicros, uint64(time.Since(start).Microseconds()))

	if err != nil {
		if execapi.IsNotFound(err) {
			wu.IncrementCounter(observability.MetricRemoteCacheRequestsUncached, 1)
			return nil, nil
		}
		if status.Code(err) == codes.DeadlineExceeded {
			wu.IncrementCounter(observability.MetricRemoteCacheRequestTimeouts, 1)
			return nil, nil
		}
		wu.IncrementCounter(observability.MetricRemoteCacheReadErrors, 1)
		return nil, err
	}

	reified, err := reifyActionResult(result)
	if err != nil {
		wu.IncrementCounter(observability.MetricRemoteCacheReadErrors, 1)
		return nil, err
	}

	valid, err := r.validateContent(ctx.Context, reified)
	if err != nil {
		wu.IncrementCounter(observability.MetricRemoteCacheReadErrors, 1)
		return nil, err
	}
	if !valid {
		wu.IncrementCounter(observability.MetricRemoteCacheRequestsUncached, 1)
		return nil, nil
	}

	wu.IncrementCounter(observability.MetricRemoteCacheRequestsCached, 1)
	return &reified, nil
}

// reifyActionResult converts a wire ActionResult into the middleware's own
// ExecutionResult shape, tagging its source as HitRemotely.
func reifyActionResult(ar *repb.ActionResult) (ExecutionResult, error) {
	result := ExecutionResult{
		ExitCode: ar.ExitCode,
		Metadata: ExecutionMetadata{Source: SourceHitRemotely},
	}
	if ar.StdoutDigest != nil {
		result.StdoutDigest = *ar.StdoutDigest
	}
	if ar.StderrDigest != nil {
		result.StderrDigest = *ar.StderrDigest
	}
	for _, f := range ar.OutputFiles {
		if f.Digest == nil {
			continue
		}
		result.OutputFiles = append(result.OutputFiles, OutputFile{
			Path: f.Path, Digest: *f.Digest, Executable: f.IsExecutable,
		})
	}
	for _, d := range ar.OutputDirectories {
		if d.TreeDigest == nil {
			continue
		}
		result.OutputDirectories = append(result.OutputDirectories, OutputDirectory{
			Path: d.Path, TreeDigest: *d.TreeDigest,
		})
	}
	if m := ar.ExecutionMetadata; m != nil {
		if m.ExecutionStartTimestamp != nil {
			result.Metadata.ExecutionStartTime = m.ExecutionStartTimestamp.AsTime()
		}
		if m.ExecutionCompletedTimestamp != nil {
			result.Metadata.ExecutionCompleteTime = m.ExecutionCompletedTimestamp.AsTime()
		}
	}
	return result, nil
}

// validateContent applies r.cacheContentBehavior to a reified hit's full
// content closure. Defer always returns true; Fetch and Validate return false
// if any referenced blob cannot be found, including the file blobs nested
// inside a declared output directory's flattened tree (spec.md §4.3 step 5 -
// the transitive closure, not just each OutputDirectory's top-level
// TreeDigest).
func (r *Runner) validateContent(ctx context.Context, result ExecutionResult) (bool, error) {
	if r.cacheContentBehavior == Defer {
		return true, nil
	}
	digests, treeBlobs, err := r.expandTreeClosure(ctx, result)
	if err != nil {
		return false, err
	}
	if len(digests) == 0 {
		return true, nil
	}

	if r.cacheContentBehavior == Validate {
		missing, err := r.cache.FindMissingBlobs(ctx, r.instanceName, digests)
		if err != nil {
			return false, err
		}
		return len(missing) == 0, nil
	}

	// Fetch: pull every referenced blob down into the local store. A single
	// missing blob is a clean miss; other failures across the closure are
	// aggregated so the caller sees every faulty digest, not just the first.
	var missing bool
	var errs *multierror.Error
	for _, d := range digests {
		if r.store.HasLocally(ctx, d) {
			continue
		}
		data, ok := treeBlobs[d.Hash]
		if !ok {
			var err error
			data, err = r.cache.DownloadBlob(ctx, d)
			if err != nil {
				if execapi.IsNotFound(err) {
					missing = true
					continue
				}
				errs = multierror.Append(errs, err)
				continue
			}
		}
		if _, err := r.store.StoreBlob(ctx, data); err != nil {
			errs = multierror.Append(errs, err)
		}
	}
	if err := errs.ErrorOrNil(); err != nil {
		return false, err
	}
	return !missing, nil
}

// expandTreeClosure returns every digest a hit's ActionResult references:
// stdout/stderr, each declared output file, and, for each declared output
// directory, both its top-level TreeDigest and every file digest nested
// inside that Tree. The latter requires downloading and parsing the Tree blob
// itself (the same manifest.go builds via trie.FileDigests when writing a
// result), so a directory digest's tree bytes are returned alongside keyed by
// hash, letting the Fetch path above store them without a second download.
// A directory whose Tree blob cannot be found is left unexpanded; its
// TreeDigest is still present in the returned digest list, so the caller's
// Fetch/Validate pass already reports the result as missing.
func (r *Runner) expandTreeClosure(ctx context.Context, result ExecutionResult) ([]repb.Digest, map[string][]byte, error) {
	digests := referencedDigests(result)
	treeBlobs := map[string][]byte{}
	var errs *multierror.Error
	for _, d := range result.OutputDirectories {
		data, err := r.cache.DownloadBlob(ctx, d.TreeDigest)
		if err != nil {
			if execapi.IsNotFound(err) {
				continue
			}
			errs = multierror.Append(errs, err)
			continue
		}
		treeBlobs[d.TreeDigest.Hash] = data
		var tree repb.Tree
		if err := proto.Unmarshal(data, &tree); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("unmarshalling tree %s: %w", d.TreeDigest.Hash, err))
			continue
		}
		digests = append(digests, trie.FileDigests(&tree)...)
	}
	return digests, treeBlobs, errs.ErrorOrNil()
}

func referencedDigests(result ExecutionResult) []repb.Digest {
	var digests []repb.Digest
	if result.StdoutDigest.Hash != "" {
		digests = append(digests, result.StdoutDigest)
	}
	if result.StderrDigest.Hash != "" {
		digests = append(digests, result.StderrDigest)
	}
	for _, f := range result.OutputFiles {
		digests = append(digests, f.Digest)
	}
	for _, d := range result.OutputDirectories {
		digests = append(digests, d.TreeDigest)
	}
	return digests
}
