package coordination

import (
	"context"
	"strings"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"

	"github.com/cordum/agentlock/core/depgraph"
	"github.com/cordum/agentlock/core/infra/locks"
)

type fakeRemoteHead struct {
	head string
}

func (f *fakeRemoteHead) GetHeadCached(ctx context.Context, owner, repo, branch string, maxAge time.Duration) (string, error) {
	return f.head, nil
}

type fakeGraph struct {
	graph *depgraph.DependencyGraph
}

func (f *fakeGraph) Get(ctx context.Context, owner, repo, branch string, forceRebuild bool) (*depgraph.DependencyGraph, error) {
	if f.graph == nil {
		return &depgraph.DependencyGraph{}, nil
	}
	return f.graph, nil
}

func newTestService(t *testing.T, head string, graph *depgraph.DependencyGraph) (*Service, locks.Store) {
	t.Helper()
	mr := miniredis.RunT(t)
	store, err := locks.NewRedisStore("redis://" + mr.Addr())
	if err != nil {
		t.Fatalf("new lock store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	svc := New(store, &fakeRemoteHead{head: head}, &fakeGraph{graph: graph}, nil, 20*time.Second)
	return svc, store
}

func skipIfNoEval(t *testing.T, err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "eval") && strings.Contains(msg, "unknown") {
		t.Skip("miniredis does not support EVAL")
		return true
	}
	return false
}

func TestCheckStatusOKWhenNoLocksAndNotStale(t *testing.T) {
	svc, _ := newTestService(t, "h1", nil)
	res, err := svc.CheckStatus(context.Background(), CheckStatusRequest{
		RepoURL: "acme/widgets", Branch: "main", FilePaths: []string{"a.ts"}, AgentHead: "h1",
	})
	if err != nil {
		if skipIfNoEval(t, err) {
			return
		}
		t.Fatalf("check status: %v", err)
	}
	if res.Status != StatusOK || res.Orchestration.Action != ActionProceed {
		t.Fatalf("expected OK/PROCEED, got %+v", res)
	}
}

func TestCheckStatusStaleWhenHeadMismatched(t *testing.T) {
	svc, _ := newTestService(t, "h2", nil)
	res, err := svc.CheckStatus(context.Background(), CheckStatusRequest{
		RepoURL: "acme/widgets", Branch: "main", FilePaths: []string{"a.ts"}, AgentHead: "h1",
	})
	if err != nil {
		t.Fatalf("check status: %v", err)
	}
	if res.Status != StatusStale || res.Orchestration.Action != ActionPull {
		t.Fatalf("expected STALE/PULL, got %+v", res)
	}
}

func TestCheckStatusConflictWhenFileLocked(t *testing.T) {
	svc, store := newTestService(t, "h1", nil)
	ctx := context.Background()
	acquire, err := store.Acquire(ctx, locks.AcquireRequest{
		Repo: "acme/widgets", Branch: "main", FilePaths: []string{"a.ts"},
		UserID: "alice", UserName: "Alice", Status: locks.StatusWriting,
		Message: "editing", AgentHead: "h1", TTL: time.Minute,
	})
	if err != nil {
		if skipIfNoEval(t, err) {
			return
		}
		t.Fatalf("acquire: %v", err)
	}
	if !acquire.Success {
		t.Fatalf("expected acquire success: %+v", acquire)
	}

	res, err := svc.CheckStatus(ctx, CheckStatusRequest{
		RepoURL: "acme/widgets", Branch: "main", FilePaths: []string{"a.ts"}, AgentHead: "h1",
	})
	if err != nil {
		t.Fatalf("check status: %v", err)
	}
	if res.Status != StatusConflict || res.Orchestration.Action != ActionSwitchTask {
		t.Fatalf("expected CONFLICT/SWITCH_TASK, got %+v", res)
	}
}

func TestCheckStatusReportsNeighborLockWhenGraphAvailable(t *testing.T) {
	graph := &depgraph.DependencyGraph{
		Edges: []depgraph.GraphEdge{
			{Source: "src/a.ts", Target: "src/b.ts", Type: "import"},
		},
	}
	svc, store := newTestService(t, "h1", graph)
	ctx := context.Background()

	acquire, err := store.Acquire(ctx, locks.AcquireRequest{
		Repo: "acme/widgets", Branch: "main", FilePaths: []string{"src/b.ts"},
		UserID: "alice", UserName: "Alice", Status: locks.StatusWriting,
		Message: "editing B", AgentHead: "h1", TTL: time.Minute,
	})
	if err != nil {
		if skipIfNoEval(t, err) {
			return
		}
		t.Fatalf("acquire: %v", err)
	}
	if !acquire.Success {
		t.Fatalf("expected acquire success: %+v", acquire)
	}

	res, err := svc.CheckStatus(ctx, CheckStatusRequest{
		RepoURL: "acme/widgets", Branch: "main", FilePaths: []string{"src/a.ts"}, AgentHead: "h1",
	})
	if err != nil {
		t.Fatalf("check status: %v", err)
	}
	if res.Status != StatusConflict || res.Orchestration.Action != ActionSwitchTask {
		t.Fatalf("expected CONFLICT/SWITCH_TASK, got %+v", res)
	}
	if res.Orchestration.Metadata["kind"] != string(LockKindNeighbor) {
		t.Fatalf("expected NEIGHBOR lock kind, got %+v", res.Orchestration.Metadata)
	}
}

func TestCheckStatusNoGraphOnlyReportsDirect(t *testing.T) {
	svc, store := newTestService(t, "h1", nil)
	ctx := context.Background()

	acquire, err := store.Acquire(ctx, locks.AcquireRequest{
		Repo: "acme/widgets", Branch: "main", FilePaths: []string{"src/b.ts"},
		UserID: "alice", UserName: "Alice", Status: locks.StatusWriting,
		Message: "editing B", AgentHead: "h1", TTL: time.Minute,
	})
	if err != nil {
		if skipIfNoEval(t, err) {
			return
		}
		t.Fatalf("acquire: %v", err)
	}
	if !acquire.Success {
		t.Fatalf("expected acquire success: %+v", acquire)
	}

	res, err := svc.CheckStatus(ctx, CheckStatusRequest{
		RepoURL: "acme/widgets", Branch: "main", FilePaths: []string{"src/a.ts"}, AgentHead: "h1",
	})
	if err != nil {
		t.Fatalf("check status: %v", err)
	}
	if res.Status != StatusOK || res.Orchestration.Action != ActionProceed {
		t.Fatalf("expected OK/PROCEED when graph carries no edges, got %+v", res)
	}
}

func TestPostStatusWritingThenConflictingWriterSwitchesTask(t *testing.T) {
	svc, _ := newTestService(t, "h1", nil)
	ctx := context.Background()

	first, err := svc.PostStatus(ctx, PostStatusRequest{
		RepoURL: "acme/widgets", Branch: "main", FilePaths: []string{"src/a.ts"},
		Status: locks.StatusWriting, Message: "edit A", UserID: "alice", UserName: "Alice", AgentHead: "h1",
	})
	if err != nil {
		if skipIfNoEval(t, err) {
			return
		}
		t.Fatalf("first post_status: %v", err)
	}
	if !first.Success || first.Orchestration.Action != ActionProceed {
		t.Fatalf("expected first writer to proceed, got %+v", first)
	}

	second, err := svc.PostStatus(ctx, PostStatusRequest{
		RepoURL: "acme/widgets", Branch: "main", FilePaths: []string{"src/a.ts"},
		Status: locks.StatusWriting, Message: "also edit A", UserID: "bob", UserName: "Bob", AgentHead: "h1",
	})
	if err != nil {
		t.Fatalf("second post_status: %v", err)
	}
	if second.Success || second.Orchestration.Action != ActionSwitchTask {
		t.Fatalf("expected second writer to SWITCH_TASK, got %+v", second)
	}
	if !strings.Contains(second.Orchestration.Reason, "src/a.ts") || !strings.Contains(second.Orchestration.Reason, "alice") {
		t.Fatalf("expected reason to name conflicting file and user, got %q", second.Orchestration.Reason)
	}
}

func TestPostStatusWritingStaleReturnsPull(t *testing.T) {
	svc, _ := newTestService(t, "h_new", nil)
	res, err := svc.PostStatus(context.Background(), PostStatusRequest{
		RepoURL: "acme/widgets", Branch: "main", FilePaths: []string{"src/a.ts"},
		Status: locks.StatusWriting, Message: "edit A", UserID: "alice", UserName: "Alice", AgentHead: "h_old",
	})
	if err != nil {
		if skipIfNoEval(t, err) {
			return
		}
		t.Fatalf("post status: %v", err)
	}
	if res.Success || res.Orchestration.Action != ActionPull {
		t.Fatalf("expected PULL, got %+v", res)
	}
	if res.Orchestration.Metadata["remote_head"] != "h_new" || res.Orchestration.Metadata["your_head"] != "h_old" {
		t.Fatalf("expected remote/your head metadata, got %+v", res.Orchestration.Metadata)
	}
}

func TestPostStatusOpenReleasesAndReportsOrphans(t *testing.T) {
	graph := &depgraph.DependencyGraph{
		Edges: []depgraph.GraphEdge{
			{Source: "src/b.ts", Target: "src/a.ts", Type: "import"},
			{Source: "src/c.ts", Target: "src/a.ts", Type: "import"},
		},
	}
	svc, _ := newTestService(t, "h1", graph)
	ctx := context.Background()

	acquireRes, err := svc.PostStatus(ctx, PostStatusRequest{
		RepoURL: "acme/widgets", Branch: "main", FilePaths: []string{"src/a.ts"},
		Status: locks.StatusWriting, Message: "edit A", UserID: "alice", UserName: "Alice", AgentHead: "h1",
	})
	if err != nil {
		if skipIfNoEval(t, err) {
			return
		}
		t.Fatalf("acquire: %v", err)
	}
	if !acquireRes.Success {
		t.Fatalf("expected acquire success: %+v", acquireRes)
	}

	openRes, err := svc.PostStatus(ctx, PostStatusRequest{
		RepoURL: "acme/widgets", Branch: "main", FilePaths: []string{"src/a.ts"},
		Status: "OPEN", Message: "done", UserID: "alice", UserName: "Alice", AgentHead: "h1", NewRepoHead: "h2",
	})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if !openRes.Success || openRes.Orchestration.Action != ActionProceed {
		t.Fatalf("expected PROCEED on open, got %+v", openRes)
	}
	if len(openRes.OrphanedDependencies) != 2 {
		t.Fatalf("expected 2 orphaned dependencies, got %+v", openRes.OrphanedDependencies)
	}
}

func TestPostStatusOpenRefusesWhenHeadsAssertWithoutPush(t *testing.T) {
	svc, _ := newTestService(t, "h1", nil)
	res, err := svc.PostStatus(context.Background(), PostStatusRequest{
		RepoURL: "acme/widgets", Branch: "main", FilePaths: []string{"src/a.ts"},
		Status: "OPEN", Message: "done", UserID: "alice", UserName: "Alice", AgentHead: "h1", NewRepoHead: "h1",
	})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if res.Success || res.Orchestration.Action != ActionPush {
		t.Fatalf("expected PUSH refusal, got %+v", res)
	}
}

func TestPostStatusReadingSharedDoesNotConflictWithOtherReaders(t *testing.T) {
	svc, _ := newTestService(t, "h1", nil)
	ctx := context.Background()

	first, err := svc.PostStatus(ctx, PostStatusRequest{
		RepoURL: "acme/widgets", Branch: "main", FilePaths: []string{"src/a.ts"},
		Status: locks.StatusReading, Message: "reading A", UserID: "alice", UserName: "Alice",
	})
	if err != nil {
		if skipIfNoEval(t, err) {
			return
		}
		t.Fatalf("first reading: %v", err)
	}
	if !first.Success {
		t.Fatalf("expected first reader to succeed: %+v", first)
	}

	second, err := svc.PostStatus(ctx, PostStatusRequest{
		RepoURL: "acme/widgets", Branch: "main", FilePaths: []string{"src/a.ts"},
		Status: locks.StatusReading, Message: "reading A too", UserID: "bob", UserName: "Bob",
	})
	if err != nil {
		t.Fatalf("second reading: %v", err)
	}
	if !second.Success {
		t.Fatalf("expected shared readers to not conflict, got %+v", second)
	}
}

func TestReleaseAllLocksWipesNamespace(t *testing.T) {
	svc, store := newTestService(t, "h1", nil)
	ctx := context.Background()
	_, err := store.Acquire(ctx, locks.AcquireRequest{
		Repo: "acme/widgets", Branch: "main", FilePaths: []string{"a.ts", "b.ts"},
		UserID: "alice", UserName: "Alice", Status: locks.StatusWriting,
		Message: "editing", AgentHead: "h1", TTL: time.Minute,
	})
	if err != nil {
		if skipIfNoEval(t, err) {
			return
		}
		t.Fatalf("acquire: %v", err)
	}

	res, err := svc.ReleaseAllLocks(ctx, "acme/widgets", "main")
	if err != nil {
		t.Fatalf("release all: %v", err)
	}
	if !res.Success || res.Released != 2 {
		t.Fatalf("expected 2 released, got %+v", res)
	}
}

func TestPostStatusRejectsMessageContainingSecretRef(t *testing.T) {
	svc, _ := newTestService(t, "h1", nil)
	_, err := svc.PostStatus(context.Background(), PostStatusRequest{
		RepoURL: "acme/widgets", Branch: "main", FilePaths: []string{"src/a.ts"},
		Status: locks.StatusReading, Message: "token is secret://vault/prod/github-token", UserID: "alice", UserName: "Alice",
	})
	if err == nil {
		t.Fatalf("expected rejection for message containing a secret reference")
	}
}

func TestCheckStatusRejectsMissingFields(t *testing.T) {
	svc, _ := newTestService(t, "h1", nil)
	if _, err := svc.CheckStatus(context.Background(), CheckStatusRequest{RepoURL: "acme/widgets", Branch: "main"}); err == nil {
		t.Fatalf("expected validation error for empty file_paths")
	}
}
