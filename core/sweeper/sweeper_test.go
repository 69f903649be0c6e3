package sweeper

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"

	"github.com/cordum/agentlock/core/infra/locks"
)

func newTestStore(t *testing.T) *locks.RedisStore {
	t.Helper()
	mr := miniredis.RunT(t)
	store, err := locks.NewRedisStore("redis://" + mr.Addr())
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func acquireOrSkip(t *testing.T, store locks.Store, ctx context.Context, ttl time.Duration) {
	t.Helper()
	res, err := store.Acquire(ctx, locks.AcquireRequest{
		Repo: "acme/widgets", Branch: "main", FilePaths: []string{"a.ts"},
		UserID: "alice", UserName: "Alice", Status: locks.StatusWriting,
		Message: "editing", AgentHead: "h1", TTL: ttl,
	})
	if err != nil {
		msg := strings.ToLower(err.Error())
		if strings.Contains(msg, "eval") && strings.Contains(msg, "unknown") {
			t.Skip("miniredis does not support EVAL")
		}
		t.Fatalf("acquire: %v", err)
	}
	if !res.Success {
		t.Fatalf("acquire failed: %+v", res)
	}
}

func TestServeHTTPRejectsWithoutSecret(t *testing.T) {
	store := newTestStore(t)
	sw := New(store, nil, "")

	req := httptest.NewRequest(http.MethodPost, "/api/v1/locks/cleanup-stale", nil)
	rec := httptest.NewRecorder()
	sw.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 with empty secret configured, got %d", rec.Code)
	}
}

func TestServeHTTPRejectsWrongSecret(t *testing.T) {
	store := newTestStore(t)
	sw := New(store, nil, "correct-secret")

	req := httptest.NewRequest(http.MethodPost, "/api/v1/locks/cleanup-stale", nil)
	req.Header.Set("X-Sweeper-Secret", "wrong")
	rec := httptest.NewRecorder()
	sw.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 with wrong secret, got %d", rec.Code)
	}
}

func TestServeHTTPCleansStaleLocks(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	acquireOrSkip(t, store, ctx, 10*time.Millisecond)
	time.Sleep(20 * time.Millisecond)

	sw := New(store, nil, "correct-secret")
	req := httptest.NewRequest(http.MethodPost, "/api/v1/locks/cleanup-stale", nil)
	req.Header.Set("X-Sweeper-Secret", "correct-secret")
	rec := httptest.NewRecorder()
	sw.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestRunInvokesSweepOnTick(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	acquireOrSkip(t, store, ctx, 10*time.Millisecond)
	time.Sleep(20 * time.Millisecond)

	sw := New(store, nil, "secret")
	runCtx, cancel := context.WithTimeout(ctx, 60*time.Millisecond)
	defer cancel()
	sw.Run(runCtx, 15*time.Millisecond)

	remaining, err := store.GetAll(ctx, "acme/widgets", "main")
	if err != nil {
		t.Fatalf("get all: %v", err)
	}
	if len(remaining) != 0 {
		t.Fatalf("expected sweep to have removed the stale lock, got %+v", remaining)
	}
}
