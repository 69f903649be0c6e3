// Package coordination composes the lock engine (C2), remote repository
// adapter (C3), and dependency graph builder (C4) into the orchestration
// decision function exposed to agents as the Coordination API (C5):
// check_status, post_status, get_graph, and release_all_locks.
// cleanup_stale_locks is served by package sweeper.
package coordination

import (
	"context"
	"time"

	"github.com/cordum/agentlock/core/depgraph"
	"github.com/cordum/agentlock/core/infra/locks"
)

// Action is the orchestration verb returned alongside every business
// outcome, telling the caller what to do next.
type Action string

const (
	ActionProceed    Action = "PROCEED"
	ActionPull       Action = "PULL"
	ActionPush       Action = "PUSH"
	ActionSwitchTask Action = "SWITCH_TASK"
	ActionStop       Action = "STOP"
	ActionWait       Action = "WAIT"
)

// LockKind distinguishes a lock discovered directly on a requested file
// from one reached through graph-dependency proximity.
type LockKind string

const (
	LockKindDirect   LockKind = "DIRECT"
	LockKindNeighbor LockKind = "NEIGHBOR"
)

// Orchestration is the structured directive every C5 operation returns.
type Orchestration struct {
	Action   Action         `json:"action"`
	Command  string         `json:"command,omitempty"`
	Reason   string         `json:"reason,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// Status is check_status's coarse verdict.
type Status string

const (
	StatusOK       Status = "OK"
	StatusStale    Status = "STALE"
	StatusConflict Status = "CONFLICT"
)

// CheckStatusRequest is the check_status input.
type CheckStatusRequest struct {
	RepoURL   string
	Branch    string
	FilePaths []string
	AgentHead string
}

// CheckStatusResult is the check_status output.
type CheckStatusResult struct {
	Status        Status                     `json:"status"`
	RepoHead      string                     `json:"repo_head"`
	Locks         map[string]locks.LockEntry `json:"locks"`
	Warnings      []string                   `json:"warnings"`
	Orchestration Orchestration              `json:"orchestration"`
}

// PostStatusRequest is the post_status input.
type PostStatusRequest struct {
	RepoURL     string
	Branch      string
	FilePaths   []string
	Status      locks.Status
	Message     string
	UserID      string
	UserName    string
	AgentHead   string
	NewRepoHead string
}

// PostStatusResult is the post_status output.
type PostStatusResult struct {
	Success             bool                       `json:"success"`
	Locks               map[string]locks.LockEntry `json:"locks,omitempty"`
	OrphanedDependencies []string                  `json:"orphaned_dependencies,omitempty"`
	Orchestration       Orchestration              `json:"orchestration"`
}

// ReleaseAllResult is the release_all_locks output.
type ReleaseAllResult struct {
	Success  bool `json:"success"`
	Released int  `json:"released"`
}

// ActivityEvent is derived (never persisted by the core) and published
// on every successful post_status, one per affected file.
type ActivityEvent struct {
	Type      string    `json:"type"`
	Repo      string    `json:"repo"`
	Branch    string    `json:"branch"`
	FilePath  string    `json:"file_path"`
	UserID    string    `json:"user_id"`
	UserName  string    `json:"user_name"`
	Message   string    `json:"message"`
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
}

// RemoteHead resolves the current head of a branch, cached per the
// Layer-1 guard window in C4's builder.
type RemoteHead interface {
	GetHeadCached(ctx context.Context, owner, repo, branch string, maxAge time.Duration) (string, error)
}

// Graph is the subset of depgraph.Builder the coordination service
// needs, narrowed for testability.
type Graph interface {
	Get(ctx context.Context, owner, repo, branch string, forceRebuild bool) (*depgraph.DependencyGraph, error)
}
