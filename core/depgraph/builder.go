package depgraph

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/cordum/agentlock/core/infra/locks"
	"github.com/cordum/agentlock/core/infra/metrics"
	"github.com/cordum/agentlock/core/remoterepo"
)

// RemoteRepo is the subset of remoterepo.Adapter the builder needs,
// narrowed to keep this package independently testable.
type RemoteRepo interface {
	GetHeadCached(ctx context.Context, owner, repo, branch string, maxAge time.Duration) (string, error)
	GetTreeRecursive(ctx context.Context, owner, repo, sha string) ([]remoterepo.TreeEntry, error)
	GetFileContent(ctx context.Context, owner, repo, path, sha string) (string, error)
}

const defaultFetchConcurrency = 8

// Builder maintains one incrementally-updated DependencyGraph per
// (repo, branch), serialized through a single-flight group so concurrent
// readers share one in-flight regeneration (Invariant 6).
type Builder struct {
	remote    RemoteRepo
	store     GraphStore
	lockStore locks.Store
	metrics   metrics.GraphMetrics

	headCheckMinInterval time.Duration
	fetchConcurrency     int
	tuning               Tuning

	sf         singleflight.Group
	resolvers  map[string]*resolver
	resolverMu sync.Mutex
}

// NewBuilder constructs a Builder using the default adapter tuning.
// metrics may be nil, in which case metrics.Noop{} is used.
func NewBuilder(remote RemoteRepo, store GraphStore, lockStore locks.Store, gm metrics.GraphMetrics, headCheckMinInterval time.Duration) *Builder {
	return NewBuilderWithTuning(remote, store, lockStore, gm, headCheckMinInterval, DefaultTuning())
}

// NewBuilderWithTuning constructs a Builder with an explicit, operator
// supplied adapter Tuning (see LoadTuning).
func NewBuilderWithTuning(remote RemoteRepo, store GraphStore, lockStore locks.Store, gm metrics.GraphMetrics, headCheckMinInterval time.Duration, tuning Tuning) *Builder {
	if gm == nil {
		gm = metrics.Noop{}
	}
	return &Builder{
		remote:               remote,
		store:                store,
		lockStore:            lockStore,
		metrics:              gm,
		headCheckMinInterval: headCheckMinInterval,
		fetchConcurrency:     defaultFetchConcurrency,
		tuning:               tuning,
		resolvers:            make(map[string]*resolver),
	}
}

func canonicalRepo(owner, repo string) string {
	return strings.ToLower(strings.TrimSpace(owner)) + "/" + strings.ToLower(strings.TrimSpace(repo))
}

func (b *Builder) resolverFor(key string) (*resolver, error) {
	b.resolverMu.Lock()
	defer b.resolverMu.Unlock()
	if r, ok := b.resolvers[key]; ok {
		return r, nil
	}
	r, err := newResolver(b.tuning.ResolverCacheSize, b.tuning.ProbeSuffixes)
	if err != nil {
		return nil, err
	}
	b.resolvers[key] = r
	return r, nil
}

// Get returns the DependencyGraph for (owner/repo, branch), rebuilding
// or incrementally updating the cached graph as needed, with locks
// always overlaid fresh from C2.
func (b *Builder) Get(ctx context.Context, owner, repo, branch string, forceRebuild bool) (*DependencyGraph, error) {
	repoKey := canonicalRepo(owner, repo)
	sfKey := repoKey + "@" + branch

	resultAny, err, _ := b.sf.Do(sfKey, func() (interface{}, error) {
		return b.buildOrServe(ctx, owner, repo, branch, repoKey, forceRebuild)
	})
	if err != nil {
		return nil, err
	}
	graph := resultAny.(*structuralGraph)

	liveLocks, err := b.lockStore.GetAll(ctx, repoKey, branch)
	if err != nil {
		return nil, fmt.Errorf("depgraph: overlay locks: %w", err)
	}

	return &DependencyGraph{
		Nodes:    graph.Nodes,
		Edges:    graph.Edges,
		Locks:    liveLocks,
		Version:  graph.Version,
		Metadata: graph.Metadata,
	}, nil
}

func (b *Builder) buildOrServe(ctx context.Context, owner, repo, branch, repoKey string, forceRebuild bool) (*structuralGraph, error) {
	state, err := b.store.Load(ctx, repoKey, branch)
	if err != nil {
		return nil, err
	}
	now := time.Now()

	if !state.RateLimitedUntil.IsZero() && now.Before(state.RateLimitedUntil) {
		if state.Graph != nil {
			b.metrics.IncGraphCacheHit("rate_limited")
			return state.Graph, nil
		}
		return nil, &remoterepo.ErrRateLimited{ResetAt: state.RateLimitedUntil}
	}

	guardActive := !forceRebuild && !state.HeadCheckedAt.IsZero() && now.Sub(state.HeadCheckedAt) < b.headCheckMinInterval
	if guardActive && state.Graph != nil {
		b.metrics.IncGraphCacheHit("head_checked_at_guard")
		return state.Graph, nil
	}

	remoteHead, err := b.remote.GetHeadCached(ctx, owner, repo, branch, 0)
	if err != nil {
		return b.handleRemoteFailure(ctx, repoKey, branch, state, err)
	}
	_ = b.store.SetHeadCheckedAt(ctx, repoKey, branch, now)

	if !forceRebuild && state.Graph != nil && state.Graph.Version == remoteHead {
		b.metrics.IncGraphCacheHit("repo_head")
		return state.Graph, nil
	}

	entries, err := b.remote.GetTreeRecursive(ctx, owner, repo, remoteHead)
	if err != nil {
		return b.handleRemoteFailure(ctx, repoKey, branch, state, err)
	}

	return b.reconcile(ctx, owner, repo, branch, repoKey, remoteHead, state, entries, forceRebuild, now)
}

func (b *Builder) handleRemoteFailure(ctx context.Context, repoKey, branch string, state *persistedState, err error) (*structuralGraph, error) {
	if rl, ok := err.(*remoterepo.ErrRateLimited); ok {
		_ = b.store.SetRateLimitedUntil(ctx, repoKey, branch, rl.ResetAt)
		b.metrics.IncGraphRateLimited()
		if state.Graph != nil {
			return state.Graph, nil
		}
		return nil, rl
	}
	return nil, err
}

func (b *Builder) reconcile(ctx context.Context, owner, repo, branch, repoKey, remoteHead string, state *persistedState, entries []remoterepo.TreeEntry, forceRebuild bool, now time.Time) (*structuralGraph, error) {
	start := time.Now()

	newShas := make(FileShaMap, len(entries))
	fileSet := make(map[string]struct{}, len(entries))
	sizeOf := make(map[string]int64, len(entries))
	for _, e := range entries {
		newShas[e.Path] = e.Sha
		fileSet[e.Path] = struct{}{}
		sizeOf[e.Path] = e.Size
	}

	oldShas := state.FileShas
	var newFiles, changedFiles, deletedFiles []string
	for path, sha := range newShas {
		if oldSha, existed := oldShas[path]; !existed {
			newFiles = append(newFiles, path)
		} else if oldSha != sha {
			changedFiles = append(changedFiles, path)
		}
	}
	for path := range oldShas {
		if _, ok := newShas[path]; !ok {
			deletedFiles = append(deletedFiles, path)
		}
	}

	fullRebuild := forceRebuild || len(newFiles) > 0 || (state.Graph == nil && len(oldShas) > 0)

	res, err := b.resolverFor(repoKey + "@" + branch)
	if err != nil {
		return nil, err
	}
	if fullRebuild {
		res.reset()
	}

	var toParse []string
	if fullRebuild {
		for path := range fileSet {
			toParse = append(toParse, path)
		}
	} else {
		toParse = changedFiles
	}

	contents, newContent, err := b.fetchContents(ctx, owner, repo, branch, toParse, newShas)
	if err != nil {
		return b.handleRemoteFailure(ctx, repoKey, branch, state, err)
	}

	parsedEdgesBySource := make(map[string][]GraphEdge, len(toParse))
	for _, path := range toParse {
		content, ok := contents[path]
		if !ok {
			continue
		}
		language := languageOf(path)
		modules := extractImports(language, content)
		var edges []GraphEdge
		for _, m := range modules {
			target := res.resolve(path, m, fileSet)
			if target == "" || target == path {
				continue
			}
			edges = append(edges, GraphEdge{Source: path, Target: target, Type: "import"})
		}
		parsedEdgesBySource[path] = edges
	}

	changedSet := make(map[string]struct{}, len(changedFiles))
	for _, p := range changedFiles {
		changedSet[p] = struct{}{}
	}
	newSet := make(map[string]struct{}, len(newFiles))
	for _, p := range newFiles {
		newSet[p] = struct{}{}
	}
	deletedSet := make(map[string]struct{}, len(deletedFiles))
	for _, p := range deletedFiles {
		deletedSet[p] = struct{}{}
	}

	var oldEdgesBySource map[string][]GraphEdge
	var oldNodesByID map[string]GraphNode
	if state.Graph != nil {
		oldEdgesBySource = make(map[string][]GraphEdge)
		for _, e := range state.Graph.Edges {
			oldEdgesBySource[e.Source] = append(oldEdgesBySource[e.Source], e)
		}
		oldNodesByID = make(map[string]GraphNode, len(state.Graph.Nodes))
		for _, n := range state.Graph.Nodes {
			oldNodesByID[n.ID] = n
		}
	}

	var nodes []GraphNode
	var edges []GraphEdge
	for path := range fileSet {
		node := GraphNode{ID: path, Type: "file", Size: sizeOf[path], Language: languageOf(path)}
		if old, ok := oldNodesByID[path]; ok && !fullRebuild {
			if _, changed := changedSet[path]; !changed {
				node = old
				node.Size = sizeOf[path]
			}
		}
		nodes = append(nodes, node)

		if fullRebuild {
			edges = append(edges, parsedEdgesBySource[path]...)
			continue
		}
		if _, isNew := newSet[path]; isNew {
			edges = append(edges, parsedEdgesBySource[path]...)
			continue
		}
		if _, isChanged := changedSet[path]; isChanged {
			edges = append(edges, parsedEdgesBySource[path]...)
			continue
		}
		for _, e := range oldEdgesBySource[path] {
			if _, targetDeleted := deletedSet[e.Target]; targetDeleted {
				continue
			}
			edges = append(edges, e)
		}
	}

	sortGraph(nodes, edges)

	graph := &structuralGraph{
		Nodes:   nodes,
		Edges:   edges,
		Version: remoteHead,
		Metadata: Metadata{
			GeneratedAt:    now,
			FilesProcessed: len(toParse),
			EdgesFound:     len(edges),
		},
	}

	evictShas := bestEffortEvictions(oldShas, newShas, deletedFiles)

	if err := b.store.Save(ctx, repoKey, branch, graph, newShas, newContent, evictShas, now); err != nil {
		return nil, err
	}

	kind := "incremental"
	if fullRebuild {
		kind = "full"
	}
	b.metrics.ObserveGraphBuild(kind, time.Since(start).Seconds(), len(toParse), len(edges))

	return graph, nil
}

// fetchContents retrieves file content for every path in toParse,
// preferring the persisted content cache over a remote fetch, bounded by
// fetchConcurrency concurrent in-flight fetches.
func (b *Builder) fetchContents(ctx context.Context, owner, repo, branch string, toParse []string, shas FileShaMap) (map[string]string, map[string]string, error) {
	contents := make(map[string]string, len(toParse))
	newContent := make(map[string]string)
	var mu sync.Mutex

	group, gctx := errgroup.WithContext(ctx)
	sem := make(chan struct{}, b.fetchConcurrency)

	for _, path := range toParse {
		path := path
		sha := shas[path]
		if sha == "" {
			continue
		}
		group.Go(func() error {
			sem <- struct{}{}
			defer func() { <-sem }()

			if cached, ok, err := b.store.GetContent(gctx, canonicalRepo(owner, repo), branch, sha); err == nil && ok {
				mu.Lock()
				contents[path] = cached
				mu.Unlock()
				return nil
			}
			text, err := b.remote.GetFileContent(gctx, owner, repo, path, sha)
			if err != nil {
				return err
			}
			mu.Lock()
			contents[path] = text
			newContent[sha] = text
			mu.Unlock()
			return nil
		})
	}

	if err := group.Wait(); err != nil {
		return nil, nil, err
	}
	return contents, newContent, nil
}

// bestEffortEvictions returns content shas that were referenced by a
// deleted file's old sha and are not referenced anywhere in the new map.
func bestEffortEvictions(oldShas, newShas FileShaMap, deletedFiles []string) []string {
	referenced := make(map[string]struct{}, len(newShas))
	for _, sha := range newShas {
		referenced[sha] = struct{}{}
	}
	var evict []string
	seen := make(map[string]struct{})
	for _, path := range deletedFiles {
		sha := oldShas[path]
		if sha == "" {
			continue
		}
		if _, ok := referenced[sha]; ok {
			continue
		}
		if _, dup := seen[sha]; dup {
			continue
		}
		seen[sha] = struct{}{}
		evict = append(evict, sha)
	}
	return evict
}

func sortGraph(nodes []GraphNode, edges []GraphEdge) {
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].ID < nodes[j].ID })
	sort.Slice(edges, func(i, j int) bool {
		if edges[i].Source != edges[j].Source {
			return edges[i].Source < edges[j].Source
		}
		return edges[i].Target < edges[j].Target
	})
}
