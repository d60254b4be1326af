package remotecache

import (
	"context"
	"time"

	"github.com/thought-machine/remotecache/src/observability"
)

// localResult is how the downstream-execute arm reports back over a channel,
// since it runs as its own goroutine rather than being awaited directly.
type localResult struct {
	result ExecutionResult
	err    error
}

// speculate implements spec.md §4.2: race a cache-read future against an
// already-started downstream execution, gated by a delay that governs only
// which arm is raced first, never when downstream execution begins (see the
// Open Question in spec.md §9 — downstream must already be running by the
// time speculate is called).
func (r *Runner) speculate(ctx *Context, cmd CommandDescriptor, failuresCached bool, speculationDelay time.Duration, localDone <-chan localResult) (ExecutionResult, bool, error) {
	lookupStart := time.Now()
	cacheCtx, cancelCacheRead := context.WithCancel(ctx.Context)
	defer cancelCacheRead()

	cacheDone := make(chan cacheOutcome, 1)
	go func() {
		cacheDone <- r.readForSpeculation(&Context{Context: cacheCtx, CorrelationID: ctx.CorrelationID, Tasks: ctx.Tasks}, cmd, failuresCached)
	}()

	_, wu := r.obs.StartWorkunit(ctx.Context, "remote_cache_read_speculation", observability.Trace, "")

	if speculationDelay <= 0 {
		return r.selectSpeculation(wu, lookupStart, cacheDone, localDone, cancelCacheRead)
	}

	timer := time.NewTimer(speculationDelay)
	defer timer.Stop()

	select {
	case outcome := <-cacheDone:
		return r.handleCacheReadCompleted(wu, lookupStart, outcome, localDone)
	case <-timer.C:
		return r.selectSpeculation(wu, lookupStart, cacheDone, localDone, cancelCacheRead)
	}
}

// selectSpeculation is the second, undelayed race once the speculation delay
// has elapsed (or never applied): cache-read vs downstream, whichever
// finishes first. If downstream wins, the still-pending cache read is
// cancelled rather than left to run to completion unobserved (spec.md §5:
// "any in-flight RPC is cancelled at the transport layer").
func (r *Runner) selectSpeculation(wu *observability.Workunit, lookupStart time.Time, cacheDone <-chan cacheOutcome, localDone <-chan localResult, cancelCacheRead context.CancelFunc) (ExecutionResult, bool, error) {
	select {
	case outcome := <-cacheDone:
		return r.handleCacheReadCompleted(wu, lookupStart, outcome, localDone)
	case local := <-localDone:
		cancelCacheRead()
		wu.IncrementCounter(observability.MetricRemoteCacheSpeculationLocalCompletedFirst, 1)
		return local.result, false, local.err
	}
}

type cacheOutcome struct {
	result *ExecutionResult
}

// readForSpeculation runs checkActionCache and coerces any error to a miss:
// per spec.md §4.2, "a cache read that yields an error is coerced to None
// before racing (never propagated)".
func (r *Runner) readForSpeculation(ctx *Context, cmd CommandDescriptor, failuresCached bool) cacheOutcome {
	result, err := r.checkActionCache(ctx, cmd)
	if err != nil {
		r.readErrors.log(readErr, err)
		return cacheOutcome{}
	}
	if result == nil {
		return cacheOutcome{}
	}
	if result.ExitCode != 0 && !failuresCached {
		return cacheOutcome{}
	}
	return cacheOutcome{result: result}
}

func (r *Runner) handleCacheReadCompleted(wu *observability.Workunit, lookupStart time.Time, outcome cacheOutcome, localDone <-chan localResult) (ExecutionResult, bool, error) {
	if outcome.result == nil {
		local := <-localDone
		return local.result, false, local.err
	}
	wu.IncrementCounter(observability.MetricRemoteCacheSpeculationRemoteCompletedFirst, 1)
	lookupElapsed := time.Since(lookupStart)
	if wallTime, ok := outcome.result.Metadata.WallTime(); ok && wallTime > lookupElapsed {
		saved := uint64((wallTime - lookupElapsed).Milliseconds())
		wu.IncrementCounter(observability.MetricRemoteCacheTotalTimeSavedMs, saved)
		wu.RecordObservation(observability.ObservationRemoteCacheTimeSavedMs, saved)
	}
	wu.UpdateMetadata(func(desc string, level observability.Level) (string, observability.Level) {
		return "Hit: " + desc, observability.Debug
	})
	return *outcome.result, true, nil
}
