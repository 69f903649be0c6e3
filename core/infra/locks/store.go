package locks

import (
	"context"
	"time"
)

// Status is the intent an owner declares when holding a lock.
type Status string

const (
	StatusReading Status = "READING"
	StatusWriting Status = "WRITING"
)

// LockEntry is the unit of ownership for a single file within a
// (repo, branch) namespace.
type LockEntry struct {
	ID        string `json:"id"`
	FilePath  string `json:"file_path"`
	UserID    string `json:"user_id"`
	UserName  string `json:"user_name"`
	Status    Status `json:"status"`
	AgentHead string `json:"agent_head"`
	Message   string `json:"message"`
	Timestamp int64  `json:"timestamp"`
	Expiry    int64  `json:"expiry"`
}

// AcquireRequest asks for a fresh or refreshed lock on every path in
// FilePaths. Either all installs succeed or none do.
type AcquireRequest struct {
	Repo      string
	Branch    string
	FilePaths []string
	UserID    string
	UserName  string
	Status    Status
	Message   string
	AgentHead string
	TTL       time.Duration
}

// AcquireResult reports the outcome of an AcquireRequest.
type AcquireResult struct {
	Success          bool
	Entries          map[string]LockEntry
	ConflictingFile  string
	ConflictingUser  string
}

// Store manages per-(repo,branch) file locks.
type Store interface {
	// Acquire performs the atomic multi-file check-then-commit described
	// by AcquireRequest. On conflict, Success is false and
	// ConflictingFile/ConflictingUser identify the blocker.
	Acquire(ctx context.Context, req AcquireRequest) (*AcquireResult, error)

	// Release deletes every entry in filePaths owned by userID. Entries
	// owned by someone else are left untouched and are not an error.
	// Errors are returned only for missing arguments or store failures.
	Release(ctx context.Context, repo, branch string, filePaths []string, userID string) error

	// GetAll returns every non-expired entry for (repo, branch).
	GetAll(ctx context.Context, repo, branch string) (map[string]LockEntry, error)

	// Check returns non-expired entries restricted to filePaths.
	Check(ctx context.Context, repo, branch string, filePaths []string) (map[string]LockEntry, error)

	// ReleaseAll unconditionally wipes every entry for (repo, branch).
	ReleaseAll(ctx context.Context, repo, branch string) (int, error)

	// Sweep scans every (repo, branch) namespace known to the store and
	// removes expired entries, returning the count removed.
	Sweep(ctx context.Context) (int, error)
}
