// Package depgraph maintains an incrementally-updated file-import graph
// per (repo, branch), rebuilding only the parts of the tree that changed
// since the last observed commit (C4).
package depgraph

import (
	"time"

	"github.com/cordum/agentlock/core/infra/locks"
)

// GraphNode is one file participating in the dependency graph.
type GraphNode struct {
	ID       string `json:"id"`
	Type     string `json:"type"`
	Size     int64  `json:"size,omitempty"`
	Language string `json:"language,omitempty"`
}

// GraphEdge is a directed import relationship: Source imports Target.
type GraphEdge struct {
	Source string `json:"source"`
	Target string `json:"target"`
	Type   string `json:"type"`
}

// Metadata describes the circumstances of the last structural rebuild.
type Metadata struct {
	GeneratedAt    time.Time `json:"generated_at"`
	FilesProcessed int       `json:"files_processed"`
	EdgesFound     int       `json:"edges_found"`
}

// DependencyGraph is the structural graph plus the freshly-overlaid lock
// state for a (repo, branch) pair.
type DependencyGraph struct {
	Nodes    []GraphNode               `json:"nodes"`
	Edges    []GraphEdge               `json:"edges"`
	Locks    map[string]locks.LockEntry `json:"locks"`
	Version  string                    `json:"version"`
	Metadata Metadata                  `json:"metadata"`
}

// structuralGraph is the persisted shape: everything in DependencyGraph
// except Locks, which is never persisted inside the cached blob.
type structuralGraph struct {
	Nodes    []GraphNode `json:"nodes"`
	Edges    []GraphEdge `json:"edges"`
	Version  string      `json:"version"`
	Metadata Metadata    `json:"metadata"`
}

// FileShaMap maps filePath to the remote content sha it last had.
type FileShaMap map[string]string
