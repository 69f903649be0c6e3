package depgraph

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// persistedState is everything store.go reads/writes for a (repo,
// branch) namespace, per the persisted key layout.
type persistedState struct {
	Graph            *structuralGraph
	FileShas         FileShaMap
	HeadCheckedAt    time.Time
	RateLimitedUntil time.Time
}

// GraphStore persists the structural graph, FileShaMap, content cache,
// and the two scalar guards (headCheckedAt, rateLimitedUntil).
type GraphStore interface {
	Load(ctx context.Context, repo, branch string) (*persistedState, error)
	Save(ctx context.Context, repo, branch string, graph *structuralGraph, shas FileShaMap, newContent map[string]string, evictShas []string, headCheckedAt time.Time) error
	SetHeadCheckedAt(ctx context.Context, repo, branch string, at time.Time) error
	SetRateLimitedUntil(ctx context.Context, repo, branch string, at time.Time) error
	GetContent(ctx context.Context, repo, branch, sha string) (string, bool, error)
}

// RedisGraphStore implements GraphStore against the key layout:
//
//	graph:{repo}:{branch}             structural graph blob
//	graph:meta:{repo}:{branch}        last processed commit id
//	graph:file_shas:{repo}:{branch}   hash filePath -> contentSha
//	graph:file_contents:{repo}:{branch} hash contentSha -> text
//	graph:head_checked_at:{repo}:{branch} scalar ms epoch
//	graph:rate_limited_until:{repo}:{branch} scalar ms epoch
type RedisGraphStore struct {
	client redis.UniversalClient
}

// NewRedisGraphStore constructs a GraphStore sharing a Redis client with
// other components.
func NewRedisGraphStore(client redis.UniversalClient) *RedisGraphStore {
	return &RedisGraphStore{client: client}
}

func graphKey(repo, branch string) string         { return fmt.Sprintf("graph:%s:%s", repo, branch) }
func graphMetaKey(repo, branch string) string      { return fmt.Sprintf("graph:meta:%s:%s", repo, branch) }
func graphShasKey(repo, branch string) string      { return fmt.Sprintf("graph:file_shas:%s:%s", repo, branch) }
func graphContentsKey(repo, branch string) string  { return fmt.Sprintf("graph:file_contents:%s:%s", repo, branch) }
func graphHeadCheckedKey(repo, branch string) string {
	return fmt.Sprintf("graph:head_checked_at:%s:%s", repo, branch)
}
func graphRateLimitedKey(repo, branch string) string {
	return fmt.Sprintf("graph:rate_limited_until:%s:%s", repo, branch)
}

// Load reads everything persisted for (repo, branch). A missing or
// corrupt graph blob is reported via persistedState.Graph == nil so the
// builder can decide to force a full rebuild.
func (s *RedisGraphStore) Load(ctx context.Context, repo, branch string) (*persistedState, error) {
	state := &persistedState{}

	rawGraph, err := s.client.Get(ctx, graphKey(repo, branch)).Result()
	switch {
	case err == redis.Nil:
		// no cached graph yet
	case err != nil:
		return nil, fmt.Errorf("depgraph: load graph blob: %w", err)
	default:
		var g structuralGraph
		if jsonErr := json.Unmarshal([]byte(rawGraph), &g); jsonErr == nil {
			state.Graph = &g
		}
		// corrupt blob falls through with state.Graph == nil
	}

	shas, err := s.client.HGetAll(ctx, graphShasKey(repo, branch)).Result()
	if err != nil {
		return nil, fmt.Errorf("depgraph: load file shas: %w", err)
	}
	state.FileShas = FileShaMap(shas)

	if ms, err := s.client.Get(ctx, graphHeadCheckedKey(repo, branch)).Int64(); err == nil {
		state.HeadCheckedAt = time.UnixMilli(ms)
	}
	if ms, err := s.client.Get(ctx, graphRateLimitedKey(repo, branch)).Int64(); err == nil {
		state.RateLimitedUntil = time.UnixMilli(ms)
	}

	return state, nil
}

// Save writes the new graph, version, file sha updates, and evictions in
// a single pipelined batch.
func (s *RedisGraphStore) Save(ctx context.Context, repo, branch string, graph *structuralGraph, shas FileShaMap, newContent map[string]string, evictShas []string, headCheckedAt time.Time) error {
	encoded, err := json.Marshal(graph)
	if err != nil {
		return fmt.Errorf("depgraph: encode graph: %w", err)
	}

	pipe := s.client.TxPipeline()
	pipe.Set(ctx, graphKey(repo, branch), encoded, 0)
	pipe.Set(ctx, graphMetaKey(repo, branch), graph.Version, 0)
	if len(shas) > 0 {
		fields := make(map[string]interface{}, len(shas))
		for path, sha := range shas {
			fields[path] = sha
		}
		pipe.HSet(ctx, graphShasKey(repo, branch), fields)
	}
	for sha, content := range newContent {
		pipe.HSet(ctx, graphContentsKey(repo, branch), sha, content)
	}
	if len(evictShas) > 0 {
		pipe.HDel(ctx, graphContentsKey(repo, branch), evictShas...)
	}
	pipe.Set(ctx, graphHeadCheckedKey(repo, branch), strconv.FormatInt(headCheckedAt.UnixMilli(), 10), 0)

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("depgraph: persist batch: %w", err)
	}

	// Reconcile the sha hash to exactly `shas` (drop paths no longer
	// present) as a follow-up op; this only matters for deleted files,
	// which are rare compared to the common incremental case above.
	return s.pruneFileShas(ctx, repo, branch, shas)
}

func (s *RedisGraphStore) pruneFileShas(ctx context.Context, repo, branch string, want FileShaMap) error {
	existing, err := s.client.HKeys(ctx, graphShasKey(repo, branch)).Result()
	if err != nil {
		return nil // best-effort
	}
	var stale []string
	for _, path := range existing {
		if _, ok := want[path]; !ok {
			stale = append(stale, path)
		}
	}
	if len(stale) == 0 {
		return nil
	}
	return s.client.HDel(ctx, graphShasKey(repo, branch), stale...).Err()
}

func (s *RedisGraphStore) SetHeadCheckedAt(ctx context.Context, repo, branch string, at time.Time) error {
	return s.client.Set(ctx, graphHeadCheckedKey(repo, branch), strconv.FormatInt(at.UnixMilli(), 10), 0).Err()
}

func (s *RedisGraphStore) SetRateLimitedUntil(ctx context.Context, repo, branch string, at time.Time) error {
	return s.client.Set(ctx, graphRateLimitedKey(repo, branch), strconv.FormatInt(at.UnixMilli(), 10), 0).Err()
}

// GetContent returns persisted content for a sha, if previously cached.
func (s *RedisGraphStore) GetContent(ctx context.Context, repo, branch, sha string) (string, bool, error) {
	val, err := s.client.HGet(ctx, graphContentsKey(repo, branch), sha).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return val, true, nil
}
