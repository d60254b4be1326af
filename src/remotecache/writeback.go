package remotecache

import (
	"context"
	"fmt"

	repb "github.com/bazelbuild/remote-apis/build/bazel/remote/execution/v2"

	"github.com/thought-machine/remotecache/src/observability"
	"github.com/thought-machine/remotecache/src/trie"
)

// spawnWriteBack implements spec.md §4.5: it is called from Run on a miss
// whose result is cacheable, after the manifest has already been built
// synchronously (see Run — a ManifestError must surface to the caller, not
// just be logged, so it cannot be discovered inside the detached task). It
// runs detached on the runner's task pool so Run itself returns without
// waiting for the upload to finish.
func (r *Runner) spawnWriteBack(reqCtx *Context, cmd CommandDescriptor, manifest *repb.ActionResult, closure []repb.Digest) {
	name := fmt.Sprintf("remote cache write %s", cmd.ActionDigest.Hash)
	correlationID := reqCtx.CorrelationID
	reqCtx.Tasks.Spawn(name, func(ctx context.Context) {
		_, wu := r.obs.StartWorkunit(ctx, "remote_cache_write", observability.Trace, name)
		wu.IncrementCounter(observability.MetricRemoteCacheWriteAttempts, 1)

		wctx := &Context{Context: ctx, CorrelationID: correlationID, Tasks: reqCtx.Tasks}
		if err := r.updateActionCache(wctx, cmd, manifest, closure); err != nil {
			r.writeErrors.log(writeErr, err)
			wu.IncrementCounter(observability.MetricRemoteCacheWriteErrors, 1)
			return
		}
		wu.IncrementCounter(observability.MetricRemoteCacheWriteSuccesses, 1)
	})
}

// updateActionCache uploads the action/command blobs (idempotent if already
// present), ensures the manifest's digest closure exists remotely, and
// finally calls UpdateActionResult. Every digest the published manifest
// references is guaranteed remote before the RPC is issued (the
// write-closure invariant, spec.md §3).
func (r *Runner) updateActionCache(ctx *Context, cmd CommandDescriptor, manifest *repb.ActionResult, closure []repb.Digest) error {
	if err := r.ensureActionUploaded(ctx.Context, cmd); err != nil {
		return err
	}

	missingCheck := func(c context.Context, digests []repb.Digest) ([]repb.Digest, error) {
		return r.cache.FindMissingBlobs(c, r.instanceName, digests)
	}
	if err := r.store.EnsureRemoteHas(ctx.Context, closure, missingCheck, r.cache.UploadBlob); err != nil {
		return err
	}

	_, err := r.cache.UpdateActionResult(ctx.Context, r.instanceName, cmd.ActionDigest, manifest)
	return err
}

// ensureActionUploaded uploads the Action and Command protos if the remote
// CAS doesn't already have them, mirroring please's uploadAction and the
// original's ensure_action_uploaded.
func (r *Runner) ensureActionUploaded(ctx context.Context, cmd CommandDescriptor) error {
	commandDigest, commandBytes := trie.DigestProto(cmd.Command)
	inputRoot := cmd.InputRootDigest
	actionProto := &repb.Action{
		CommandDigest:   &commandDigest,
		InputRootDigest: &inputRoot,
	}
	_, actionBytes := trie.DigestProto(actionProto)

	missing, err := r.cache.FindMissingBlobs(ctx, r.instanceName, []repb.Digest{commandDigest, cmd.ActionDigest})
	if err != nil {
		return err
	}
	for _, d := range missing {
		switch d.Hash {
		case commandDigest.Hash:
			if err := r.cache.UploadBlob(ctx, commandDigest, commandBytes); err != nil {
				return err
			}
		case cmd.ActionDigest.Hash:
			if err := r.cache.UploadBlob(ctx, cmd.ActionDigest, actionBytes); err != nil {
				return err
			}
		}
	}
	return nil
}
