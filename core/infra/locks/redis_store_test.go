package locks

import (
	"context"
	"strings"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
)

func newTestStore(t *testing.T) *RedisStore {
	t.Helper()
	mr := miniredis.RunT(t)
	store, err := NewRedisStore("redis://" + mr.Addr())
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func acquireOrSkip(t *testing.T, store *RedisStore, ctx context.Context, req AcquireRequest) *AcquireResult {
	t.Helper()
	res, err := store.Acquire(ctx, req)
	if err != nil {
		if skipEval(err) {
			t.Skip("miniredis does not support EVAL")
		}
		t.Fatalf("acquire: %v", err)
	}
	return res
}

func TestAcquireReleaseRoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	res := acquireOrSkip(t, store, ctx, AcquireRequest{
		Repo: "org/repo", Branch: "main", FilePaths: []string{"src/a.ts"},
		UserID: "alice", UserName: "Alice", Status: StatusWriting,
		Message: "edit A", AgentHead: "h1", TTL: time.Minute,
	})
	if !res.Success {
		t.Fatalf("expected acquire success")
	}
	entry := res.Entries["src/a.ts"]
	if entry.UserID != "alice" || entry.ID == "" {
		t.Fatalf("unexpected entry: %+v", entry)
	}

	if err := store.Release(ctx, "org/repo", "main", []string{"src/a.ts"}, "alice"); err != nil {
		t.Fatalf("release: %v", err)
	}

	res = acquireOrSkip(t, store, ctx, AcquireRequest{
		Repo: "org/repo", Branch: "main", FilePaths: []string{"src/a.ts"},
		UserID: "bob", UserName: "Bob", Status: StatusWriting,
		Message: "edit A again", AgentHead: "h1", TTL: time.Minute,
	})
	if !res.Success {
		t.Fatalf("expected acquire success after release")
	}
}

func TestAcquireConflict(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	acquireOrSkip(t, store, ctx, AcquireRequest{
		Repo: "org/repo", Branch: "main", FilePaths: []string{"src/a.ts"},
		UserID: "alice", UserName: "Alice", Status: StatusWriting,
		Message: "edit A", AgentHead: "h1", TTL: time.Minute,
	})

	res := acquireOrSkip(t, store, ctx, AcquireRequest{
		Repo: "org/repo", Branch: "main", FilePaths: []string{"src/a.ts"},
		UserID: "bob", UserName: "Bob", Status: StatusWriting,
		Message: "also edit A", AgentHead: "h1", TTL: time.Minute,
	})
	if res.Success {
		t.Fatalf("expected conflict")
	}
	if res.ConflictingFile != "src/a.ts" || res.ConflictingUser != "alice" {
		t.Fatalf("unexpected conflict details: %+v", res)
	}
}

func TestAcquireAtomicAllOrNone(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	acquireOrSkip(t, store, ctx, AcquireRequest{
		Repo: "org/repo", Branch: "main", FilePaths: []string{"y"},
		UserID: "alice", UserName: "Alice", Status: StatusWriting,
		Message: "edit y", AgentHead: "h1", TTL: time.Minute,
	})

	res := acquireOrSkip(t, store, ctx, AcquireRequest{
		Repo: "org/repo", Branch: "main", FilePaths: []string{"x", "y", "z"},
		UserID: "bob", UserName: "Bob", Status: StatusWriting,
		Message: "edit x,y,z", AgentHead: "h1", TTL: time.Minute,
	})
	if res.Success {
		t.Fatalf("expected atomic failure due to conflict on y")
	}

	entries, err := store.GetAll(ctx, "org/repo", "main")
	if err != nil {
		t.Fatalf("getall: %v", err)
	}
	if _, ok := entries["x"]; ok {
		t.Fatalf("expected no partial lock installed for x")
	}
	if _, ok := entries["z"]; ok {
		t.Fatalf("expected no partial lock installed for z")
	}
}

func TestAcquireIdempotentRefresh(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	first := acquireOrSkip(t, store, ctx, AcquireRequest{
		Repo: "org/repo", Branch: "main", FilePaths: []string{"src/a.ts"},
		UserID: "alice", UserName: "Alice", Status: StatusWriting,
		Message: "edit A", AgentHead: "h1", TTL: time.Minute,
	})
	firstID := first.Entries["src/a.ts"].ID

	second := acquireOrSkip(t, store, ctx, AcquireRequest{
		Repo: "org/repo", Branch: "main", FilePaths: []string{"src/a.ts"},
		UserID: "alice", UserName: "Alice", Status: StatusWriting,
		Message: "still editing A", AgentHead: "h2", TTL: time.Minute,
	})
	if !second.Success {
		t.Fatalf("expected idempotent refresh to succeed")
	}
	entry := second.Entries["src/a.ts"]
	if entry.ID != firstID {
		t.Fatalf("expected refresh to reuse lock id, got %s want %s", entry.ID, firstID)
	}
	if entry.Message != "still editing A" || entry.AgentHead != "h2" {
		t.Fatalf("expected refresh to update message/agentHead: %+v", entry)
	}
}

func TestReleaseIsOwnerOnly(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	acquireOrSkip(t, store, ctx, AcquireRequest{
		Repo: "org/repo", Branch: "main", FilePaths: []string{"src/a.ts"},
		UserID: "alice", UserName: "Alice", Status: StatusWriting,
		Message: "edit A", AgentHead: "h1", TTL: time.Minute,
	})

	if err := store.Release(ctx, "org/repo", "main", []string{"src/a.ts"}, "bob"); err != nil {
		t.Fatalf("release: %v", err)
	}

	entries, err := store.GetAll(ctx, "org/repo", "main")
	if err != nil {
		t.Fatalf("getall: %v", err)
	}
	if _, ok := entries["src/a.ts"]; !ok {
		t.Fatalf("expected non-owner release to be a no-op")
	}
}

func TestReadingLocksAreShared(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	acquireOrSkip(t, store, ctx, AcquireRequest{
		Repo: "org/repo", Branch: "main", FilePaths: []string{"src/a.ts"},
		UserID: "alice", UserName: "Alice", Status: StatusReading,
		Message: "reviewing A", AgentHead: "h1", TTL: time.Minute,
	})

	res := acquireOrSkip(t, store, ctx, AcquireRequest{
		Repo: "org/repo", Branch: "main", FilePaths: []string{"src/a.ts"},
		UserID: "bob", UserName: "Bob", Status: StatusReading,
		Message: "also reviewing A", AgentHead: "h1", TTL: time.Minute,
	})
	if !res.Success {
		t.Fatalf("expected READING vs READING to be non-conflicting")
	}
}

func TestWritingConflictsWithExistingReader(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	acquireOrSkip(t, store, ctx, AcquireRequest{
		Repo: "org/repo", Branch: "main", FilePaths: []string{"src/a.ts"},
		UserID: "alice", UserName: "Alice", Status: StatusReading,
		Message: "reviewing A", AgentHead: "h1", TTL: time.Minute,
	})

	res := acquireOrSkip(t, store, ctx, AcquireRequest{
		Repo: "org/repo", Branch: "main", FilePaths: []string{"src/a.ts"},
		UserID: "bob", UserName: "Bob", Status: StatusWriting,
		Message: "editing A", AgentHead: "h1", TTL: time.Minute,
	})
	if res.Success {
		t.Fatalf("expected WRITING to conflict with an existing reader")
	}
}

func TestReadingConflictsWithExistingWriter(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	acquireOrSkip(t, store, ctx, AcquireRequest{
		Repo: "org/repo", Branch: "main", FilePaths: []string{"src/a.ts"},
		UserID: "alice", UserName: "Alice", Status: StatusWriting,
		Message: "editing A", AgentHead: "h1", TTL: time.Minute,
	})

	res := acquireOrSkip(t, store, ctx, AcquireRequest{
		Repo: "org/repo", Branch: "main", FilePaths: []string{"src/a.ts"},
		UserID: "bob", UserName: "Bob", Status: StatusReading,
		Message: "reviewing A", AgentHead: "h1", TTL: time.Minute,
	})
	if res.Success {
		t.Fatalf("expected READING to conflict with an existing writer")
	}
}

func TestReleaseAllWipesNamespace(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	acquireOrSkip(t, store, ctx, AcquireRequest{
		Repo: "org/repo", Branch: "main", FilePaths: []string{"a", "b"},
		UserID: "alice", UserName: "Alice", Status: StatusWriting,
		Message: "batch edit", AgentHead: "h1", TTL: time.Minute,
	})

	count, err := store.ReleaseAll(ctx, "org/repo", "main")
	if err != nil {
		t.Fatalf("release all: %v", err)
	}
	if count != 2 {
		t.Fatalf("expected 2 released, got %d", count)
	}
	entries, err := store.GetAll(ctx, "org/repo", "main")
	if err != nil {
		t.Fatalf("getall: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("expected empty namespace after release all")
	}
}

func TestSweepEvictsExpiredEntries(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	acquireOrSkip(t, store, ctx, AcquireRequest{
		Repo: "org/repo", Branch: "main", FilePaths: []string{"src/a.ts"},
		UserID: "alice", UserName: "Alice", Status: StatusWriting,
		Message: "edit A", AgentHead: "h1", TTL: time.Millisecond,
	})

	time.Sleep(5 * time.Millisecond)

	entries, err := store.GetAll(ctx, "org/repo", "main")
	if err != nil {
		t.Fatalf("getall: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("expected passive expiry to hide stale entry, got %v", entries)
	}

	removed, err := store.Sweep(ctx)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if removed < 0 {
		t.Fatalf("expected non-negative sweep count")
	}
}

func TestCheckRestrictsToRequestedPaths(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	acquireOrSkip(t, store, ctx, AcquireRequest{
		Repo: "org/repo", Branch: "main", FilePaths: []string{"a", "b"},
		UserID: "alice", UserName: "Alice", Status: StatusWriting,
		Message: "batch edit", AgentHead: "h1", TTL: time.Minute,
	})

	entries, err := store.Check(ctx, "org/repo", "main", []string{"a"})
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected exactly one entry, got %d", len(entries))
	}
	if _, ok := entries["a"]; !ok {
		t.Fatalf("expected entry for a")
	}
}

func skipEval(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "eval") && strings.Contains(msg, "unknown")
}
