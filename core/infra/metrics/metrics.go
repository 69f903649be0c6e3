package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// LockMetrics captures counters for the lock engine (C2).
type LockMetrics interface {
	IncLockAcquire(status string)
	IncLockRelease()
	IncLockConflict()
	IncLockSwept(count int)
}

// GraphMetrics captures counters/histograms for the dependency graph builder (C4).
type GraphMetrics interface {
	ObserveGraphBuild(kind string, durationSeconds float64, filesProcessed, edgesFound int)
	IncGraphCacheHit(layer string)
	IncGraphRateLimited()
}

// RemoteMetrics captures counters for the remote repository adapter (C3).
type RemoteMetrics interface {
	IncRemoteCall(op, status string)
}

// GatewayMetrics captures request metrics for the coordination API.
type GatewayMetrics interface {
	ObserveRequest(method, route, status string, durationSeconds float64)
}

// Noop implements every metrics interface without emitting anything.
type Noop struct{}

func (Noop) IncLockAcquire(string)                          {}
func (Noop) IncLockRelease()                                {}
func (Noop) IncLockConflict()                               {}
func (Noop) IncLockSwept(int)                                {}
func (Noop) ObserveGraphBuild(string, float64, int, int)    {}
func (Noop) IncGraphCacheHit(string)                         {}
func (Noop) IncGraphRateLimited()                            {}
func (Noop) IncRemoteCall(string, string)                    {}
func (Noop) ObserveRequest(string, string, string, float64) {}

type lockProm struct {
	acquire  *prometheus.CounterVec
	release  prometheus.Counter
	conflict prometheus.Counter
	swept    prometheus.Counter
	once     sync.Once
}

// NewLockProm constructs LockMetrics backed by Prometheus counters.
func NewLockProm(namespace string) LockMetrics {
	l := &lockProm{
		acquire: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "lock_acquire_total",
			Help:      "Lock acquire attempts by outcome",
		}, []string{"status"}),
		release: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "lock_release_total",
			Help:      "Lock release calls",
		}),
		conflict: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "lock_conflict_total",
			Help:      "Lock acquire conflicts",
		}),
		swept: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "lock_swept_total",
			Help:      "Expired lock entries removed by the sweeper",
		}),
	}
	l.once.Do(func() {
		prometheus.MustRegister(l.acquire, l.release, l.conflict, l.swept)
	})
	return l
}

func (l *lockProm) IncLockAcquire(status string) { l.acquire.WithLabelValues(status).Inc() }
func (l *lockProm) IncLockRelease()               { l.release.Inc() }
func (l *lockProm) IncLockConflict()              { l.conflict.Inc() }
func (l *lockProm) IncLockSwept(count int) {
	if count > 0 {
		l.swept.Add(float64(count))
	}
}

type graphProm struct {
	buildDuration  *prometheus.HistogramVec
	filesProcessed *prometheus.CounterVec
	edgesFound     *prometheus.CounterVec
	cacheHit       *prometheus.CounterVec
	rateLimited    prometheus.Counter
	once           sync.Once
}

// NewGraphProm constructs GraphMetrics backed by Prometheus counters/histograms.
func NewGraphProm(namespace string) GraphMetrics {
	g := &graphProm{
		buildDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "graph_build_duration_seconds",
			Help:      "Dependency graph build duration by kind (full/incremental)",
			Buckets:   prometheus.DefBuckets,
		}, []string{"kind"}),
		filesProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "graph_files_processed_total",
			Help:      "Files processed during graph builds",
		}, []string{"kind"}),
		edgesFound: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "graph_edges_found_total",
			Help:      "Edges discovered during graph builds",
		}, []string{"kind"}),
		cacheHit: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "graph_cache_hit_total",
			Help:      "Cached graph served by layer (head_checked_at_guard/repo_head/rate_limited)",
		}, []string{"layer"}),
		rateLimited: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "graph_rate_limited_total",
			Help:      "Graph builds that hit remote quota exhaustion",
		}),
	}
	g.once.Do(func() {
		prometheus.MustRegister(g.buildDuration, g.filesProcessed, g.edgesFound, g.cacheHit, g.rateLimited)
	})
	return g
}

func (g *graphProm) ObserveGraphBuild(kind string, durationSeconds float64, filesProcessed, edgesFound int) {
	g.buildDuration.WithLabelValues(kind).Observe(durationSeconds)
	g.filesProcessed.WithLabelValues(kind).Add(float64(filesProcessed))
	g.edgesFound.WithLabelValues(kind).Add(float64(edgesFound))
}

func (g *graphProm) IncGraphCacheHit(layer string) { g.cacheHit.WithLabelValues(layer).Inc() }
func (g *graphProm) IncGraphRateLimited()          { g.rateLimited.Inc() }

type remoteProm struct {
	calls *prometheus.CounterVec
	once  sync.Once
}

// NewRemoteProm constructs RemoteMetrics backed by a Prometheus counter.
func NewRemoteProm(namespace string) RemoteMetrics {
	r := &remoteProm{
		calls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "remote_calls_total",
			Help:      "Remote repository adapter calls by operation and outcome",
		}, []string{"op", "status"}),
	}
	r.once.Do(func() {
		prometheus.MustRegister(r.calls)
	})
	return r
}

func (r *remoteProm) IncRemoteCall(op, status string) { r.calls.WithLabelValues(op, status).Inc() }

type gatewayProm struct {
	requests *prometheus.CounterVec
	latency  *prometheus.HistogramVec
	once     sync.Once
}

// NewGatewayProm constructs GatewayMetrics with counters/histograms.
func NewGatewayProm(namespace string) GatewayMetrics {
	g := &gatewayProm{
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by method/route/status",
		}, []string{"method", "route", "status"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency by method/route",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route"}),
	}
	g.once.Do(func() {
		prometheus.MustRegister(g.requests, g.latency)
	})
	return g
}

func (g *gatewayProm) ObserveRequest(method, route, status string, durationSeconds float64) {
	g.requests.WithLabelValues(method, route, status).Inc()
	g.latency.WithLabelValues(method, route).Observe(durationSeconds)
}

// Handler returns an HTTP handler for /metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}
