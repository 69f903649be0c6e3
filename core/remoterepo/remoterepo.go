// Package remoterepo resolves branch HEAD, file tree, and file content
// from a GitHub-hosted repository on demand (C3).
package remoterepo

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

const defaultAPIBaseURL = "https://api.github.com"

// ParseRepoURL canonicalizes the owner/repo pair out of the common URL
// variants (https://github.com/Owner/Repo, github.com/Owner/Repo.git,
// bare Owner/Repo), lower-casing both and stripping a trailing ".git".
func ParseRepoURL(raw string) (owner, repo string, err error) {
	trimmed := strings.TrimSpace(raw)
	trimmed = strings.TrimSuffix(trimmed, "/")
	trimmed = strings.TrimSuffix(trimmed, ".git")

	for _, prefix := range []string{"https://", "http://", "git@"} {
		trimmed = strings.TrimPrefix(trimmed, prefix)
	}
	trimmed = strings.TrimPrefix(trimmed, "github.com/")
	trimmed = strings.TrimPrefix(trimmed, "github.com:")

	parts := strings.Split(trimmed, "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("remoterepo: cannot parse owner/repo from %q", raw)
	}
	return strings.ToLower(parts[0]), strings.ToLower(parts[1]), nil
}

// SupportedExtensions restricts getTreeRecursive to files the dependency
// graph builder can parse.
var SupportedExtensions = map[string]struct{}{
	".ts": {}, ".tsx": {}, ".js": {}, ".jsx": {}, ".py": {},
}

// TreeEntry is one blob reachable from a commit, filtered to a
// supported extension.
type TreeEntry struct {
	Path string
	Sha  string
	Size int64
}

// ErrRateLimited indicates the remote quota is exhausted. ResetAt is the
// instant the caller should retry after.
type ErrRateLimited struct {
	ResetAt time.Time
}

func (e *ErrRateLimited) Error() string {
	return fmt.Sprintf("remote rate limited until %s", e.ResetAt.Format(time.RFC3339))
}

type headCacheEntry struct {
	sha       string
	fetchedAt time.Time
}

// Adapter is a GitHub REST v3-backed implementation of the remote
// repository adapter.
type Adapter struct {
	baseURL    string
	token      string
	httpClient *http.Client

	mu        sync.Mutex
	headCache map[string]headCacheEntry

	contentCache *lru.Cache[string, string]
}

// New constructs an Adapter. baseURL defaults to the public GitHub API;
// pass a GitHub Enterprise base URL to override it.
func New(baseURL, token string) (*Adapter, error) {
	if strings.TrimSpace(baseURL) == "" {
		baseURL = defaultAPIBaseURL
	}
	cache, err := lru.New[string, string](512)
	if err != nil {
		return nil, fmt.Errorf("remoterepo: content cache: %w", err)
	}
	return &Adapter{
		baseURL:      strings.TrimRight(baseURL, "/"),
		token:        token,
		httpClient:   &http.Client{Timeout: 15 * time.Second},
		headCache:    make(map[string]headCacheEntry),
		contentCache: cache,
	}, nil
}

// Close releases adapter-held resources. The shared *http.Client needs
// no explicit teardown; Close exists for symmetry with other adapters
// that hold connections.
func (a *Adapter) Close() error { return nil }

func cacheKey(owner, repo, branch string) string {
	return strings.ToLower(owner) + "/" + strings.ToLower(repo) + "@" + branch
}

// GetHead returns the latest commit id on branch.
func (a *Adapter) GetHead(ctx context.Context, owner, repo, branch string) (string, error) {
	var ref struct {
		Object struct {
			Sha string `json:"sha"`
		} `json:"object"`
	}
	path := fmt.Sprintf("/repos/%s/%s/git/refs/heads/%s", owner, repo, url.PathEscape(branch))
	if err := a.get(ctx, path, &ref); err != nil {
		return "", err
	}
	sha := ref.Object.Sha
	a.mu.Lock()
	a.headCache[cacheKey(owner, repo, branch)] = headCacheEntry{sha: sha, fetchedAt: time.Now()}
	a.mu.Unlock()
	return sha, nil
}

// GetHeadCached returns a cached HEAD if it was fetched within maxAge,
// otherwise it refreshes from the remote and updates the cache.
func (a *Adapter) GetHeadCached(ctx context.Context, owner, repo, branch string, maxAge time.Duration) (string, error) {
	if maxAge > 0 {
		a.mu.Lock()
		entry, ok := a.headCache[cacheKey(owner, repo, branch)]
		a.mu.Unlock()
		if ok && time.Since(entry.fetchedAt) <= maxAge {
			return entry.sha, nil
		}
	}
	return a.GetHead(ctx, owner, repo, branch)
}

// ResolveDefaultBranch returns the repository's default branch, for
// callers that omit branch explicitly.
func (a *Adapter) ResolveDefaultBranch(ctx context.Context, owner, repo string) (string, error) {
	var info struct {
		DefaultBranch string `json:"default_branch"`
	}
	if err := a.get(ctx, fmt.Sprintf("/repos/%s/%s", owner, repo), &info); err != nil {
		return "", err
	}
	if info.DefaultBranch == "" {
		return "", fmt.Errorf("remoterepo: %s/%s has no default branch", owner, repo)
	}
	return info.DefaultBranch, nil
}

// GetTreeRecursive returns every blob reachable from sha whose path has
// a supported extension.
func (a *Adapter) GetTreeRecursive(ctx context.Context, owner, repo, sha string) ([]TreeEntry, error) {
	var tree struct {
		Tree []struct {
			Path string `json:"path"`
			Type string `json:"type"`
			Sha  string `json:"sha"`
			Size int64  `json:"size"`
		} `json:"tree"`
		Truncated bool `json:"truncated"`
	}
	path := fmt.Sprintf("/repos/%s/%s/git/trees/%s?recursive=1", owner, repo, sha)
	if err := a.get(ctx, path, &tree); err != nil {
		return nil, err
	}
	entries := make([]TreeEntry, 0, len(tree.Tree))
	for _, item := range tree.Tree {
		if item.Type != "blob" {
			continue
		}
		ext := extOf(item.Path)
		if _, ok := SupportedExtensions[ext]; !ok {
			continue
		}
		entries = append(entries, TreeEntry{Path: item.Path, Sha: item.Sha, Size: item.Size})
	}
	return entries, nil
}

// GetFileContent returns the UTF-8 text of a blob, content-addressed by
// sha. A process-local LRU sits in front of the remote call.
func (a *Adapter) GetFileContent(ctx context.Context, owner, repo, path, sha string) (string, error) {
	if content, ok := a.contentCache.Get(sha); ok {
		return content, nil
	}
	var blob struct {
		Content  string `json:"content"`
		Encoding string `json:"encoding"`
		Size     int64  `json:"size"`
	}
	apiPath := fmt.Sprintf("/repos/%s/%s/git/blobs/%s", owner, repo, sha)
	if err := a.get(ctx, apiPath, &blob); err != nil {
		return "", err
	}
	if blob.Encoding != "base64" {
		return "", fmt.Errorf("remoterepo: unsupported blob encoding %q for %s", blob.Encoding, path)
	}
	raw, err := base64.StdEncoding.DecodeString(strings.ReplaceAll(blob.Content, "\n", ""))
	if err != nil {
		return "", fmt.Errorf("remoterepo: decode blob for %s: %w", path, err)
	}
	if !isLikelyText(raw) {
		return "", fmt.Errorf("remoterepo: %s does not look like utf-8 text, skipping", path)
	}
	content := string(raw)
	a.contentCache.Add(sha, content)
	return content, nil
}

func extOf(path string) string {
	idx := strings.LastIndexByte(path, '.')
	if idx < 0 {
		return ""
	}
	return strings.ToLower(path[idx:])
}

func isLikelyText(data []byte) bool {
	for _, b := range data {
		if b == 0 {
			return false
		}
	}
	return true
}

func (a *Adapter) get(ctx context.Context, path string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("remoterepo: build request: %w", err)
	}
	req.Header.Set("Accept", "application/vnd.github.v3+json")
	if a.token != "" {
		req.Header.Set("Authorization", "Bearer "+a.token)
	}
	resp, err := a.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("remoterepo: request %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusForbidden || resp.StatusCode == http.StatusTooManyRequests {
		if resp.Header.Get("X-RateLimit-Remaining") == "0" || resp.StatusCode == http.StatusTooManyRequests {
			return &ErrRateLimited{ResetAt: rateLimitResetAt(resp.Header.Get("X-RateLimit-Reset"))}
		}
	}
	if resp.StatusCode >= 300 {
		return fmt.Errorf("remoterepo: %s returned status %d", path, resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func rateLimitResetAt(raw string) time.Time {
	if raw == "" {
		return time.Now().Add(time.Minute)
	}
	epoch, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return time.Now().Add(time.Minute)
	}
	return time.Unix(epoch, 0)
}
