// Package observability provides the nested-scope counters/observations/logging
// abstraction that the remote cache middleware reports through.
//
// It plays the role that a "workunit store" plays in the system this was distilled
// from: a place to open named, leveled scopes that can later have their level or
// description rewritten (e.g. when a speculative cache read turns out to be a hit),
// and which aggregate counters and observations for external reporting.
package observability

import (
	"context"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/push"
	logging "gopkg.in/op/go-logging.v1"
)

var log = logging.MustGetLogger("observability")

// A Level is the severity a Workunit is logged at if it is ever surfaced.
// Mirrors op/go-logging's levels but restricted to the four the spec names.
type Level int

// The four levels a Workunit can be at. The speculation driver
// (src/remotecache/speculate.go) raises its scope from Trace to Debug on a cache
// hit; the adaptive error logger (src/remotecache/logging.go) logs directly and
// does not change Workunit levels.
const (
	Trace Level = iota
	Debug
	Info
	Warn
)

func (l Level) String() string {
	switch l {
	case Trace:
		return "TRACE"
	case Debug:
		return "DEBUG"
	case Info:
		return "INFO"
	case Warn:
		return "WARN"
	default:
		return "UNKNOWN"
	}
}

// A Workunit is a single named, leveled observation scope. It may have a parent
// (not modelled explicitly here since nothing in this middleware needs to walk the
// parent chain) and accumulates counters/observations into the Store that created it.
type Workunit struct {
	store *Store
	name  string
	start time.Time

	mu    sync.Mutex
	level Level
	desc  string
}

// Name returns the workunit's name, fixed at creation.
func (w *Workunit) Name() string { return w.name }

// Level returns the workunit's current level.
func (w *Workunit) Level() Level {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.level
}

// Description returns the workunit's current description.
func (w *Workunit) Description() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.desc
}

// Elapsed returns how long this workunit has been open.
func (w *Workunit) Elapsed() time.Duration {
	return time.Since(w.start)
}

// UpdateMetadata atomically rewrites the level and description, as happens when a
// speculative cache read wins the race and the scope is elevated from Trace to
// Debug with a "Hit: " prefix on its description (spec.md §4.2).
func (w *Workunit) UpdateMetadata(fn func(desc string, level Level) (string, Level)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.desc, w.level = fn(w.desc, w.level)
}

// IncrementCounter bumps a named counter by delta.
func (w *Workunit) IncrementCounter(m Metric, delta uint64) {
	w.store.counters.WithLabelValues(string(m)).Add(float64(delta))
}

// RecordObservation records a single sample against a named observation.
func (w *Workunit) RecordObservation(o Observation, value uint64) {
	w.store.observations.WithLabelValues(string(o)).Observe(float64(value))
}

type workunitKey struct{}

// FromContext returns the innermost Workunit attached to ctx, if any.
func FromContext(ctx context.Context) (*Workunit, bool) {
	w, ok := ctx.Value(workunitKey{}).(*Workunit)
	return w, ok
}

// A Store creates Workunits and owns the Prometheus registry they report into.
// It is the concrete, process-wide implementation of the "workunit store" external
// dependency named in spec.md §6.
type Store struct {
	registry       *prometheus.Registry
	counters       *prometheus.CounterVec
	observations   *prometheus.HistogramVec
	pushGatewayURL string
	jobName        string
}

// NewStore creates a Store. If pushGatewayURL is non-empty, counters and
// observations are pushed to that Prometheus pushgateway each time Flush is
// called; individual updates do not push on their own. Pushing suits this
// middleware because, like please, it runs as a transient process rather than
// something Prometheus can scrape on its own schedule.
func NewStore(jobName, pushGatewayURL string) *Store {
	registry := prometheus.NewRegistry()
	counters := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "remote_cache_events_total",
		Help: "Count of remote action-cache middleware events, by metric name.",
	}, []string{"metric"})
	observations := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "remote_cache_observations",
		Help:    "Recorded value distributions for the remote action-cache middleware.",
		Buckets: prometheus.ExponentialBuckets(1, 4, 12),
	}, []string{"metric"})
	registry.MustRegister(counters, observations)
	return &Store{
		registry:       registry,
		counters:       counters,
		observations:   observations,
		pushGatewayURL: pushGatewayURL,
		jobName:        jobName,
	}
}

// StartWorkunit opens a new named scope at the given level with the given initial
// description, returning a context carrying it so child scopes (or adaptive-logging
// code further down the call stack) can find it via FromContext.
func (s *Store) StartWorkunit(ctx context.Context, name string, level Level, desc string) (context.Context, *Workunit) {
	w := &Workunit{store: s, name: name, start: time.Now(), level: level, desc: desc}
	return context.WithValue(ctx, workunitKey{}, w), w
}

// Flush pushes the current counter/observation values to the configured
// pushgateway, if any. Safe to call even if no URL is configured (no-op).
func (s *Store) Flush() {
	if s.pushGatewayURL == "" {
		return
	}
	if err := push.New(s.pushGatewayURL, s.jobName).Gatherer(s.registry).Push(); err != nil {
		log.Warning("Error pushing metrics to pushgateway: %s", err)
	}
}

// Registry exposes the underlying Prometheus registry, e.g. for an HTTP /metrics
// handler in a long-running deployment of this middleware.
func (s *Store) Registry() *prometheus.Registry {
	return s.registry
}
