package locks

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	defaultRedisURL = "redis://localhost:6379"
	defaultTTL      = 300 * time.Second
	indexKey        = "locks:index"
)

// RedisStore implements Store on top of a single composite hash key per
// (repo, branch): locks:{repo}:{branch} -> filePath -> serialized LockEntry.
type RedisStore struct {
	client redis.UniversalClient
}

// NewRedisStore constructs a Redis-backed lock store from a connection URL.
func NewRedisStore(url string) (*RedisStore, error) {
	if url == "" {
		url = defaultRedisURL
	}
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect redis: %w", err)
	}
	return &RedisStore{client: client}, nil
}

// NewRedisStoreFromClient wraps an already-constructed client, letting
// callers share one redisutil-managed connection across components.
func NewRedisStoreFromClient(client redis.UniversalClient) *RedisStore {
	return &RedisStore{client: client}
}

// Close shuts down the Redis client.
func (s *RedisStore) Close() error {
	if s == nil || s.client == nil {
		return nil
	}
	return s.client.Close()
}

func lockKey(repo, branch string) string {
	return fmt.Sprintf("locks:%s:%s", repo, branch)
}

// Acquire performs the two-phase check/commit acquire described by
// AcquireRequest, atomically for every requested file.
func (s *RedisStore) Acquire(ctx context.Context, req AcquireRequest) (*AcquireResult, error) {
	if s == nil || s.client == nil {
		return nil, fmt.Errorf("lock store unavailable")
	}
	repo := strings.TrimSpace(req.Repo)
	branch := strings.TrimSpace(req.Branch)
	if repo == "" || branch == "" {
		return nil, fmt.Errorf("repo and branch required")
	}
	files := dedupeNonEmpty(req.FilePaths)
	if len(files) == 0 {
		return nil, fmt.Errorf("filePaths required")
	}
	userID := strings.TrimSpace(req.UserID)
	if userID == "" {
		return nil, fmt.Errorf("userId required")
	}
	if strings.TrimSpace(req.Message) == "" {
		return nil, fmt.Errorf("message required")
	}
	status := req.Status
	if status != StatusReading && status != StatusWriting {
		return nil, fmt.Errorf("status must be READING or WRITING")
	}
	ttl := req.TTL
	if ttl <= 0 {
		ttl = defaultTTL
	}

	ids := make([]string, len(files))
	for i := range ids {
		ids[i] = uuid.NewString()
	}

	argv := make([]interface{}, 0, 8+2*len(files))
	now := time.Now().UnixMilli()
	argv = append(argv,
		now,
		ttl.Milliseconds(),
		userID,
		req.UserName,
		string(status),
		req.Message,
		req.AgentHead,
		len(files),
	)
	for _, f := range files {
		argv = append(argv, f)
	}
	for _, id := range ids {
		argv = append(argv, id)
	}

	res, err := s.client.Eval(ctx, acquireScript, []string{lockKey(repo, branch), indexKey}, argv...).Result()
	if err != nil {
		return nil, err
	}
	raw, ok := res.(string)
	if !ok {
		return nil, fmt.Errorf("unexpected acquire result type %T", res)
	}
	var decoded acquireScriptResult
	if err := json.Unmarshal([]byte(raw), &decoded); err != nil {
		return nil, fmt.Errorf("decode acquire result: %w", err)
	}
	if !decoded.Success {
		return &AcquireResult{
			Success:         false,
			ConflictingFile: decoded.ConflictingFile,
			ConflictingUser: decoded.ConflictingUser,
		}, nil
	}
	entries := make(map[string]LockEntry, len(decoded.Entries))
	for path, e := range decoded.Entries {
		entries[path] = e.toLockEntry()
	}
	return &AcquireResult{Success: true, Entries: entries}, nil
}

// Release deletes every entry in filePaths owned by userID.
func (s *RedisStore) Release(ctx context.Context, repo, branch string, filePaths []string, userID string) error {
	if s == nil || s.client == nil {
		return fmt.Errorf("lock store unavailable")
	}
	repo = strings.TrimSpace(repo)
	branch = strings.TrimSpace(branch)
	userID = strings.TrimSpace(userID)
	files := dedupeNonEmpty(filePaths)
	if repo == "" || branch == "" || userID == "" || len(files) == 0 {
		return fmt.Errorf("repo, branch, userId and filePaths required")
	}
	argv := make([]interface{}, 0, 2+len(files))
	argv = append(argv, userID, len(files))
	for _, f := range files {
		argv = append(argv, f)
	}
	return s.client.Eval(ctx, releaseScript, []string{lockKey(repo, branch)}, argv...).Err()
}

// GetAll returns every non-expired entry for (repo, branch).
func (s *RedisStore) GetAll(ctx context.Context, repo, branch string) (map[string]LockEntry, error) {
	if s == nil || s.client == nil {
		return nil, fmt.Errorf("lock store unavailable")
	}
	raw, err := s.client.HGetAll(ctx, lockKey(repo, branch)).Result()
	if err != nil {
		return nil, err
	}
	return s.filterFresh(ctx, repo, branch, raw)
}

// Check returns non-expired entries restricted to filePaths.
func (s *RedisStore) Check(ctx context.Context, repo, branch string, filePaths []string) (map[string]LockEntry, error) {
	if s == nil || s.client == nil {
		return nil, fmt.Errorf("lock store unavailable")
	}
	files := dedupeNonEmpty(filePaths)
	if len(files) == 0 {
		return map[string]LockEntry{}, nil
	}
	values, err := s.client.HMGet(ctx, lockKey(repo, branch), files...).Result()
	if err != nil {
		return nil, err
	}
	raw := make(map[string]string, len(files))
	for i, v := range values {
		s, ok := v.(string)
		if !ok || s == "" {
			continue
		}
		raw[files[i]] = s
	}
	return s.filterFresh(ctx, repo, branch, raw)
}

// filterFresh drops (and best-effort deletes) expired entries from a raw
// field map, implementing passive expiry on read (Invariant 4).
func (s *RedisStore) filterFresh(ctx context.Context, repo, branch string, raw map[string]string) (map[string]LockEntry, error) {
	now := time.Now().UnixMilli()
	fresh := make(map[string]LockEntry, len(raw))
	var expired []string
	for path, payload := range raw {
		var decoded lockEntryPayload
		if err := json.Unmarshal([]byte(payload), &decoded); err != nil {
			continue
		}
		if decoded.Expiry <= now {
			expired = append(expired, path)
			continue
		}
		fresh[path] = decoded.toLockEntry()
	}
	if len(expired) > 0 {
		s.client.HDel(ctx, lockKey(repo, branch), expired...)
	}
	return fresh, nil
}

// ReleaseAll unconditionally wipes every entry for (repo, branch).
func (s *RedisStore) ReleaseAll(ctx context.Context, repo, branch string) (int, error) {
	if s == nil || s.client == nil {
		return 0, fmt.Errorf("lock store unavailable")
	}
	key := lockKey(repo, branch)
	count, err := s.client.HLen(ctx, key).Result()
	if err != nil {
		return 0, err
	}
	pipe := s.client.TxPipeline()
	pipe.Del(ctx, key)
	pipe.SRem(ctx, indexKey, key)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	return int(count), nil
}

// Sweep removes expired entries from every (repo, branch) namespace
// registered in the index set, returning the total number removed.
func (s *RedisStore) Sweep(ctx context.Context) (int, error) {
	if s == nil || s.client == nil {
		return 0, fmt.Errorf("lock store unavailable")
	}
	keys, err := s.client.SMembers(ctx, indexKey).Result()
	if err != nil {
		return 0, err
	}
	now := time.Now().UnixMilli()
	total := 0
	for _, key := range keys {
		res, err := s.client.Eval(ctx, sweepOneScript, []string{key, indexKey}, now).Result()
		if err != nil {
			return total, err
		}
		count, _ := res.(int64)
		total += int(count)
	}
	return total, nil
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

type lockEntryPayload struct {
	ID        string `json:"id"`
	FilePath  string `json:"file_path"`
	UserID    string `json:"user_id"`
	UserName  string `json:"user_name"`
	Status    string `json:"status"`
	AgentHead string `json:"agent_head"`
	Message   string `json:"message"`
	Timestamp int64  `json:"timestamp"`
	Expiry    int64  `json:"expiry"`
}

func (p lockEntryPayload) toLockEntry() LockEntry {
	return LockEntry{
		ID:        p.ID,
		FilePath:  p.FilePath,
		UserID:    p.UserID,
		UserName:  p.UserName,
		Status:    Status(p.Status),
		AgentHead: p.AgentHead,
		Message:   p.Message,
		Timestamp: p.Timestamp,
		Expiry:    p.Expiry,
	}
}

type acquireScriptResult struct {
	Success         bool                        `json:"success"`
	ConflictingFile string                      `json:"conflicting_file"`
	ConflictingUser string                      `json:"conflicting_user"`
	Entries         map[string]lockEntryPayload `json:"entries"`
}

// acquireScript implements the check-then-commit acquire protocol:
// abort on the first non-expired, non-owned entry unless both the
// existing and incoming lock are READING (shared readers never
// conflict with each other); otherwise install a fresh entry per
// file, reusing the existing id on same-owner refresh.
const acquireScript = `
local key = KEYS[1]
local indexKey = KEYS[2]
local now = tonumber(ARGV[1])
local ttl = tonumber(ARGV[2])
local userId = ARGV[3]
local userName = ARGV[4]
local status = ARGV[5]
local message = ARGV[6]
local agentHead = ARGV[7]
local n = tonumber(ARGV[8])
local files = {}
local ids = {}
for i = 1, n do
  files[i] = ARGV[8 + i]
  ids[i] = ARGV[8 + n + i]
end

for i = 1, n do
  local raw = redis.call("HGET", key, files[i])
  if raw then
    local existing = cjson.decode(raw)
    if existing["expiry"] > now and existing["user_id"] ~= userId and (existing["status"] == "WRITING" or status == "WRITING") then
      return cjson.encode({
        success = false,
        conflicting_file = files[i],
        conflicting_user = existing["user_id"],
      })
    end
  end
end

local entries = {}
local expiry = now + ttl
for i = 1, n do
  local path = files[i]
  local id = ids[i]
  local raw = redis.call("HGET", key, path)
  if raw then
    local existing = cjson.decode(raw)
    if existing["expiry"] > now and existing["user_id"] == userId then
      id = existing["id"]
    end
  end
  local entry = {
    id = id,
    file_path = path,
    user_id = userId,
    user_name = userName,
    status = status,
    agent_head = agentHead,
    message = message,
    timestamp = now,
    expiry = expiry,
  }
  redis.call("HSET", key, path, cjson.encode(entry))
  entries[path] = entry
end
redis.call("SADD", indexKey, key)
return cjson.encode({success = true, entries = entries})
`

// releaseScript deletes every requested field whose stored user_id
// matches the caller, leaving entries owned by anyone else untouched.
const releaseScript = `
local key = KEYS[1]
local userId = ARGV[1]
local n = tonumber(ARGV[2])
for i = 1, n do
  local path = ARGV[2 + i]
  local raw = redis.call("HGET", key, path)
  if raw then
    local entry = cjson.decode(raw)
    if entry["user_id"] == userId then
      redis.call("HDEL", key, path)
    end
  end
end
return "OK"
`

// sweepOneScript removes expired fields from a single composite key and
// drops the key (and its index membership) once it is empty.
const sweepOneScript = `
local key = KEYS[1]
local indexKey = KEYS[2]
local now = tonumber(ARGV[1])
local all = redis.call("HGETALL", key)
local removed = 0
local expired = {}
for i = 1, #all, 2 do
  local path = all[i]
  local raw = all[i + 1]
  local entry = cjson.decode(raw)
  if entry["expiry"] <= now then
    table.insert(expired, path)
  end
end
if #expired > 0 then
  redis.call("HDEL", key, unpack(expired))
  removed = #expired
end
if redis.call("HLEN", key) == 0 then
  redis.call("DEL", key)
  redis.call("SREM", indexKey, key)
end
return removed
`
