package observability

// Metric identifies a monotonically-increasing counter recorded against a Workunit.
//
// Names follow the RemoteCache* convention of the system this middleware was
// distilled from; they are also used verbatim as the Prometheus label value, so
// changing one is a user-visible metrics schema change.
type Metric string

// Counters recorded by the remote cache speculation driver, cache-read path, and
// write-back path (src/remotecache's speculate.go, cacheread.go and writeback.go).
const (
	MetricRemoteCacheRequests                        Metric = "remote_cache_requests"
	MetricRemoteCacheRequestsCached                   Metric = "remote_cache_requests_cached"
	MetricRemoteCacheRequestsUncached                 Metric = "remote_cache_requests_uncached"
	MetricRemoteCacheReadErrors                       Metric = "remote_cache_read_errors"
	MetricRemoteCacheRequestTimeouts                  Metric = "remote_cache_request_timeouts"
	MetricRemoteCacheSpeculationRemoteCompletedFirst  Metric = "remote_cache_speculation_remote_completed_first"
	MetricRemoteCacheSpeculationLocalCompletedFirst   Metric = "remote_cache_speculation_local_completed_first"
	MetricRemoteCacheTotalTimeSavedMs                 Metric = "remote_cache_total_time_saved_ms"
	MetricRemoteCacheWriteAttempts                    Metric = "remote_cache_write_attempts"
	MetricRemoteCacheWriteSuccesses                   Metric = "remote_cache_write_successes"
	MetricRemoteCacheWriteErrors                      Metric = "remote_cache_write_errors"
)

// Observation identifies a recorded value used to build a distribution (as opposed
// to a monotonic counter).
type Observation string

// Observations recorded alongside the counters above.
const (
	ObservationRemoteCacheGetActionResultTimeMicros Observation = "remote_cache_get_action_result_time_micros"
	ObservationRemoteCacheTimeSavedMs                Observation = "remote_cache_time_saved_ms"
)
