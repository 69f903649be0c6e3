package coordination

import (
	"context"
	"strings"
	"time"

	"github.com/cordum/agentlock/core/apierr"
	"github.com/cordum/agentlock/core/depgraph"
	"github.com/cordum/agentlock/core/infra/locks"
	"github.com/cordum/agentlock/core/infra/secrets"
	"github.com/cordum/agentlock/core/remoterepo"
)

// Service composes C2 (locks), C3 (remote head resolution), and C4
// (dependency graph) into the orchestration decision function.
type Service struct {
	locks                locks.Store
	remote               RemoteHead
	graph                Graph
	activity             *ActivityHub
	headCheckMinInterval time.Duration
}

// New constructs a Service. activity may be nil to disable publication
// (e.g. in tests that don't care about the stream).
func New(lockStore locks.Store, remote RemoteHead, graph Graph, activity *ActivityHub, headCheckMinInterval time.Duration) *Service {
	return &Service{
		locks:                lockStore,
		remote:               remote,
		graph:                graph,
		activity:             activity,
		headCheckMinInterval: headCheckMinInterval,
	}
}

func splitRepo(repoURL string) (owner, repo, repoKey string, err error) {
	owner, repo, err = remoterepo.ParseRepoURL(repoURL)
	if err != nil {
		return "", "", "", err
	}
	return owner, repo, owner + "/" + repo, nil
}

func dedupeNonEmpty(paths []string) []string {
	seen := make(map[string]struct{}, len(paths))
	out := make([]string, 0, len(paths))
	for _, p := range paths {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		if _, ok := seen[p]; ok {
			continue
		}
		seen[p] = struct{}{}
		out = append(out, p)
	}
	return out
}

// CheckStatus implements check_status (spec.md §4.5).
func (s *Service) CheckStatus(ctx context.Context, req CheckStatusRequest) (*CheckStatusResult, error) {
	filePaths := dedupeNonEmpty(req.FilePaths)
	if strings.TrimSpace(req.RepoURL) == "" || strings.TrimSpace(req.Branch) == "" ||
		len(filePaths) == 0 || strings.TrimSpace(req.AgentHead) == "" {
		return nil, apierr.BadRequest("repo_url, branch, file_paths, and agent_head are required")
	}

	owner, repo, repoKey, err := splitRepo(req.RepoURL)
	if err != nil {
		return nil, apierr.BadRequest(err.Error())
	}

	remoteHead, err := s.remote.GetHeadCached(ctx, owner, repo, req.Branch, s.headCheckMinInterval)
	if err != nil {
		if _, ok := err.(*remoterepo.ErrRateLimited); ok {
			return nil, apierr.RateLimited(err.Error())
		}
		return nil, apierr.Internal(err.Error())
	}

	lockMap, err := s.locks.Check(ctx, repoKey, req.Branch, filePaths)
	if err != nil {
		return nil, apierr.Internal(err.Error())
	}

	isStale := req.AgentHead != remoteHead
	var status Status
	var orchestration Orchestration
	switch {
	case isStale:
		status = StatusStale
		orchestration = pullOrchestration(remoteHead)
	default:
		if path, entry, ok := firstLockedFile(filePaths, lockMap); ok {
			status = StatusConflict
			orchestration = switchTaskOrchestration(path, entry, LockKindDirect)
		} else if path, entry, ok := s.firstNeighborLock(ctx, owner, repo, repoKey, req.Branch, filePaths); ok {
			status = StatusConflict
			orchestration = switchTaskOrchestration(path, entry, LockKindNeighbor)
		} else {
			status = StatusOK
			orchestration = proceedOrchestration()
		}
	}

	return &CheckStatusResult{
		Status:        status,
		RepoHead:      remoteHead,
		Locks:         lockMap,
		Warnings:      nil,
		Orchestration: orchestration,
	}, nil
}

// PostStatus implements post_status (spec.md §4.5).
func (s *Service) PostStatus(ctx context.Context, req PostStatusRequest) (*PostStatusResult, error) {
	filePaths := dedupeNonEmpty(req.FilePaths)
	if strings.TrimSpace(req.RepoURL) == "" || strings.TrimSpace(req.Branch) == "" ||
		len(filePaths) == 0 || strings.TrimSpace(string(req.Status)) == "" || strings.TrimSpace(req.Message) == "" {
		return nil, apierr.BadRequest("repo_url, branch, file_paths, status, and message are required")
	}
	if secrets.ContainsSecretRefs(strings.Fields(req.Message)) {
		return nil, apierr.BadRequest("message must not contain a secret reference; it is broadcast on the activity stream")
	}

	owner, repo, repoKey, err := splitRepo(req.RepoURL)
	if err != nil {
		return nil, apierr.BadRequest(err.Error())
	}

	switch req.Status {
	case "OPEN":
		return s.postStatusOpen(ctx, owner, repo, repoKey, req, filePaths)
	case locks.StatusWriting:
		return s.postStatusWriting(ctx, owner, repo, repoKey, req, filePaths)
	case locks.StatusReading:
		return s.postStatusReading(ctx, owner, repo, repoKey, req, filePaths)
	default:
		return s.postStatusInformational(req, filePaths), nil
	}
}

func (s *Service) postStatusOpen(ctx context.Context, owner, repo, repoKey string, req PostStatusRequest, filePaths []string) (*PostStatusResult, error) {
	if req.NewRepoHead != "" && req.AgentHead != "" && req.NewRepoHead == req.AgentHead {
		return &PostStatusResult{Success: false, Orchestration: pushRefuseOrchestration()}, nil
	}

	if err := s.locks.Release(ctx, repoKey, req.Branch, filePaths, req.UserID); err != nil {
		return nil, apierr.Internal(err.Error())
	}

	orphaned := s.orphanedDependencies(ctx, owner, repo, req.Branch, filePaths)

	for _, path := range filePaths {
		s.publish(repoKey, req.Branch, path, req, "status_open")
	}

	return &PostStatusResult{
		Success:              true,
		OrphanedDependencies: orphaned,
		Orchestration:        proceedOrchestration(),
	}, nil
}

func (s *Service) postStatusWriting(ctx context.Context, owner, repo, repoKey string, req PostStatusRequest, filePaths []string) (*PostStatusResult, error) {
	if strings.TrimSpace(req.AgentHead) == "" {
		return nil, apierr.BadRequest("agent_head is required for a WRITING acquire")
	}

	remoteHead, err := s.remote.GetHeadCached(ctx, owner, repo, req.Branch, s.headCheckMinInterval)
	if err != nil {
		if _, ok := err.(*remoterepo.ErrRateLimited); ok {
			return nil, apierr.RateLimited(err.Error())
		}
		return nil, apierr.Internal(err.Error())
	}
	if req.AgentHead != remoteHead {
		return &PostStatusResult{Success: false, Orchestration: staleWritingOrchestration(remoteHead, req.AgentHead)}, nil
	}

	result, err := s.locks.Acquire(ctx, locks.AcquireRequest{
		Repo: repoKey, Branch: req.Branch, FilePaths: filePaths,
		UserID: req.UserID, UserName: req.UserName, Status: locks.StatusWriting,
		Message: req.Message, AgentHead: req.AgentHead,
	})
	if err != nil {
		return nil, apierr.Internal(err.Error())
	}
	if !result.Success {
		return &PostStatusResult{
			Success:       false,
			Orchestration: conflictSwitchTaskOrchestration(result.ConflictingFile, result.ConflictingUser),
		}, nil
	}

	for _, path := range filePaths {
		s.publish(repoKey, req.Branch, path, req, "status_writing")
	}

	return &PostStatusResult{Success: true, Locks: result.Entries, Orchestration: proceedOrchestration()}, nil
}

func (s *Service) postStatusReading(ctx context.Context, owner, repo, repoKey string, req PostStatusRequest, filePaths []string) (*PostStatusResult, error) {
	agentHead := req.AgentHead
	if agentHead == "" {
		remoteHead, err := s.remote.GetHeadCached(ctx, owner, repo, req.Branch, s.headCheckMinInterval)
		if err != nil {
			if _, ok := err.(*remoterepo.ErrRateLimited); ok {
				return nil, apierr.RateLimited(err.Error())
			}
			return nil, apierr.Internal(err.Error())
		}
		agentHead = remoteHead
	}

	result, err := s.locks.Acquire(ctx, locks.AcquireRequest{
		Repo: repoKey, Branch: req.Branch, FilePaths: filePaths,
		UserID: req.UserID, UserName: req.UserName, Status: locks.StatusReading,
		Message: req.Message, AgentHead: agentHead,
	})
	if err != nil {
		return nil, apierr.Internal(err.Error())
	}
	if !result.Success {
		return &PostStatusResult{
			Success:       false,
			Orchestration: conflictSwitchTaskOrchestration(result.ConflictingFile, result.ConflictingUser),
		}, nil
	}

	for _, path := range filePaths {
		s.publish(repoKey, req.Branch, path, req, "status_reading")
	}

	return &PostStatusResult{Success: true, Locks: result.Entries, Orchestration: proceedOrchestration()}, nil
}

func (s *Service) postStatusInformational(req PostStatusRequest, filePaths []string) *PostStatusResult {
	return &PostStatusResult{Success: true, Orchestration: proceedOrchestration()}
}

// firstNeighborLock derives the NEIGHBOR lock kind (spec.md §8): a file
// not itself requested but reachable via a one-hop import edge (in either
// direction) from a requested file, and currently locked by any owner
// (check_status carries no caller identity). Best-effort — an unavailable graph or lock read yields no
// neighbor match rather than an error, leaving DIRECT as the only kind
// reported.
func (s *Service) firstNeighborLock(ctx context.Context, owner, repo, repoKey, branch string, filePaths []string) (string, locks.LockEntry, bool) {
	if s.graph == nil {
		return "", locks.LockEntry{}, false
	}
	graph, err := s.graph.Get(ctx, owner, repo, branch, false)
	if err != nil {
		return "", locks.LockEntry{}, false
	}
	requested := make(map[string]struct{}, len(filePaths))
	for _, p := range filePaths {
		requested[p] = struct{}{}
	}
	seen := make(map[string]struct{})
	var neighbors []string
	addNeighbor := func(candidate string) {
		if _, isRequested := requested[candidate]; isRequested {
			return
		}
		if _, dup := seen[candidate]; dup {
			return
		}
		seen[candidate] = struct{}{}
		neighbors = append(neighbors, candidate)
	}
	for _, edge := range graph.Edges {
		if _, ok := requested[edge.Source]; ok {
			addNeighbor(edge.Target)
		}
		if _, ok := requested[edge.Target]; ok {
			addNeighbor(edge.Source)
		}
	}
	if len(neighbors) == 0 {
		return "", locks.LockEntry{}, false
	}
	neighborLocks, err := s.locks.Check(ctx, repoKey, branch, neighbors)
	if err != nil {
		return "", locks.LockEntry{}, false
	}
	return firstLockedFile(neighbors, neighborLocks)
}

// orphanedDependencies is best-effort: from the cached graph, any file s
// such that some released target t has an edge s -> t and s itself is
// not being released. Errors resolving the graph yield an empty list
// rather than failing the release.
func (s *Service) orphanedDependencies(ctx context.Context, owner, repo, branch string, released []string) []string {
	if s.graph == nil {
		return nil
	}
	graph, err := s.graph.Get(ctx, owner, repo, branch, false)
	if err != nil {
		return nil
	}
	releasedSet := make(map[string]struct{}, len(released))
	for _, p := range released {
		releasedSet[p] = struct{}{}
	}
	seen := make(map[string]struct{})
	var out []string
	for _, edge := range graph.Edges {
		if _, targetReleased := releasedSet[edge.Target]; !targetReleased {
			continue
		}
		if _, sourceReleased := releasedSet[edge.Source]; sourceReleased {
			continue
		}
		if _, dup := seen[edge.Source]; dup {
			continue
		}
		seen[edge.Source] = struct{}{}
		out = append(out, edge.Source)
	}
	return out
}

func (s *Service) publish(repoKey, branch, filePath string, req PostStatusRequest, eventType string) {
	if s.activity == nil {
		return
	}
	s.activity.Publish(ActivityEvent{
		Type:      eventType,
		Repo:      repoKey,
		Branch:    branch,
		FilePath:  filePath,
		UserID:    req.UserID,
		UserName:  req.UserName,
		Message:   req.Message,
		Status:    string(req.Status),
		Timestamp: time.Now().UTC(),
	})
}

// GetGraph implements get_graph (spec.md §4.5): delegate to C4 with
// single-flight, returning the graph with locks overlaid.
func (s *Service) GetGraph(ctx context.Context, repoURL, branch string, forceRegenerate bool) (*depgraph.DependencyGraph, error) {
	if strings.TrimSpace(repoURL) == "" || strings.TrimSpace(branch) == "" {
		return nil, apierr.BadRequest("repo_url and branch are required")
	}
	owner, repo, _, err := splitRepo(repoURL)
	if err != nil {
		return nil, apierr.BadRequest(err.Error())
	}
	graph, err := s.graph.Get(ctx, owner, repo, branch, forceRegenerate)
	if err != nil {
		if _, ok := err.(*remoterepo.ErrRateLimited); ok {
			return nil, apierr.RateLimited(err.Error())
		}
		return nil, apierr.Internal(err.Error())
	}
	return graph, nil
}

// ReleaseAllLocks implements release_all_locks (spec.md §6).
func (s *Service) ReleaseAllLocks(ctx context.Context, repoURL, branch string) (*ReleaseAllResult, error) {
	if strings.TrimSpace(repoURL) == "" || strings.TrimSpace(branch) == "" {
		return nil, apierr.BadRequest("repo_url and branch are required")
	}
	_, _, repoKey, err := splitRepo(repoURL)
	if err != nil {
		return nil, apierr.BadRequest(err.Error())
	}
	released, err := s.locks.ReleaseAll(ctx, repoKey, branch)
	if err != nil {
		return nil, apierr.Internal(err.Error())
	}
	return &ReleaseAllResult{Success: true, Released: released}, nil
}
