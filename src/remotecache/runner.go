package remotecache

import (
	"time"

	"github.com/thought-machine/remotecache/src/execapi"
	"github.com/thought-machine/remotecache/src/observability"
	"github.com/thought-machine/remotecache/src/store"
	"github.com/thought-machine/remotecache/src/tasks"
)

// Runner is the Cached Runner described by spec.md §4.1: a process-execution
// middleware that sits in front of a DownstreamRunner, consulting and
// populating a remote action cache around it.
//
// A Runner is safe for concurrent use by multiple Run calls; it holds only
// shared, reference-safe collaborators (client, store, task pool, error
// counters guarded by their own locks).
type Runner struct {
	downstream DownstreamRunner
	store      store.Store
	cache      execapi.ActionCache
	obs        *observability.Store

	instanceName         string
	cacheRead            bool
	cacheWrite            bool
	cacheContentBehavior CacheContentBehavior
	readTimeout          time.Duration

	readErrors  *errorLogger
	writeErrors *errorLogger
}

// Config bundles the construction-time options spec.md §6 names.
type Config struct {
	InstanceName         string
	CacheRead            bool
	CacheWrite           bool
	WarningsBehavior     WarningsBehavior
	CacheContentBehavior CacheContentBehavior
	ReadTimeout          time.Duration
}

// NewRunner builds a Runner around a downstream execution stack, a local
// content store, and a REAPI action-cache client.
func NewRunner(downstream DownstreamRunner, st store.Store, cache execapi.ActionCache, obs *observability.Store, cfg Config) *Runner {
	return &Runner{
		downstream:           downstream,
		store:                st,
		cache:                cache,
		obs:                  obs,
		instanceName:         cfg.InstanceName,
		cacheRead:            cfg.CacheRead,
		cacheWrite:           cfg.CacheWrite,
		cacheContentBehavior: cfg.CacheContentBehavior,
		readTimeout:          cfg.ReadTimeout,
		readErrors:           newErrorLogger(cfg.WarningsBehavior),
		writeErrors:          newErrorLogger(cfg.WarningsBehavior),
	}
}

// Run implements spec.md §4.1's algorithm. The caller cannot distinguish a
// cache hit from a fresh execution except via the returned result's Source.
func (r *Runner) Run(ctx *Context, req Request) (ExecutionResult, error) {
	failuresCached := req.CacheScope.failuresCached()
	useRemoteCache := req.CacheScope.usesRemoteCache()

	localDone := make(chan localResult, 1)
	go func() {
		res, err := r.downstream.Run(ctx, req.Command)
		localDone <- localResult{result: res, err: err}
	}()

	var result ExecutionResult
	var hit bool
	var err error

	if r.cacheRead && useRemoteCache {
		result, hit, err = r.speculate(ctx, req.Command, failuresCached, req.SpeculationDelay, localDone)
	} else {
		local := <-localDone
		result, hit, err = local.result, false, local.err
	}
	if err != nil {
		return ExecutionResult{}, err
	}

	if !hit && (result.ExitCode == 0 || failuresCached) && r.cacheWrite && useRemoteCache {
		manifest, closure, err := buildManifest(ctx.Context, r.store, req.Command.Command, result)
		if err != nil {
			return ExecutionResult{}, err
		}
		r.spawnWriteBack(ctx, req.Command, manifest, closure)
	}

	return result, nil
}
