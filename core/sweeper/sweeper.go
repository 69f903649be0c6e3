// Package sweeper runs the periodic stale-lock eviction pass (spec.md
// §4.6): it invokes the lock store's sweep operation on a wall-clock
// schedule and exposes an HTTP endpoint gated by a shared secret for
// external schedulers that prefer to trigger it on demand.
package sweeper

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"time"

	"github.com/cordum/agentlock/core/infra/locks"
	"github.com/cordum/agentlock/core/infra/logging"
	"github.com/cordum/agentlock/core/infra/metrics"
)

const component = "sweeper"

// Sweeper owns the periodic eviction loop.
type Sweeper struct {
	store   locks.Store
	metrics metrics.LockMetrics
	secret  string
}

// New constructs a Sweeper. metrics may be nil, in which case
// metrics.Noop{} is used.
func New(store locks.Store, lm metrics.LockMetrics, secret string) *Sweeper {
	if lm == nil {
		lm = metrics.Noop{}
	}
	return &Sweeper{store: store, metrics: lm, secret: secret}
}

// Run invokes one sweep pass every interval until ctx is canceled.
// Callers typically run this in its own goroutine.
func (s *Sweeper) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweepOnce(ctx)
		}
	}
}

func (s *Sweeper) sweepOnce(ctx context.Context) {
	removed, err := s.store.Sweep(ctx)
	if err != nil {
		logging.Error(component, "sweep failed", "error", err)
		return
	}
	if removed > 0 {
		s.metrics.IncLockSwept(removed)
		logging.Info(component, "sweep completed", "removed", removed)
	}
}

type cleanupResponse struct {
	Success   bool  `json:"success"`
	Cleaned   int   `json:"cleaned"`
	Timestamp int64 `json:"timestamp"`
}

// ServeHTTP implements the cleanup_stale_locks operation: a POST
// endpoint gated by a shared-secret header, invoked by an external
// scheduler rather than this process's own ticker.
func (s *Sweeper) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !s.authorized(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	removed, err := s.store.Sweep(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if removed > 0 {
		s.metrics.IncLockSwept(removed)
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(cleanupResponse{
		Success:   true,
		Cleaned:   removed,
		Timestamp: time.Now().UnixMilli(),
	})
}

func (s *Sweeper) authorized(r *http.Request) bool {
	if s.secret == "" {
		return false
	}
	got := r.Header.Get("X-Sweeper-Secret")
	return subtle.ConstantTimeCompare([]byte(got), []byte(s.secret)) == 1
}
