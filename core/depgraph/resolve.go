package depgraph

import (
	"path"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"
)

// resolver resolves relative import module strings against the current
// tree's file set, caching (fromFile, module) -> resolved path.
type resolver struct {
	cache    *lru.Cache[string, string]
	suffixes []string
}

func newResolver(capacity int, suffixes []string) (*resolver, error) {
	cache, err := lru.New[string, string](capacity)
	if err != nil {
		return nil, err
	}
	return &resolver{cache: cache, suffixes: suffixes}, nil
}

func (r *resolver) reset() {
	r.cache.Purge()
}

func resolveKey(from, module string) string {
	return from + "\x00" + module
}

// resolve returns the resolved file path for module as imported from
// fromFile, or "" if it does not refer to a relative module present in
// fileSet.
func (r *resolver) resolve(fromFile, module string, fileSet map[string]struct{}) string {
	if !strings.HasPrefix(module, ".") && !strings.HasPrefix(module, "/") {
		return ""
	}
	key := resolveKey(fromFile, module)
	if cached, ok := r.cache.Get(key); ok {
		return cached
	}

	var target string
	if strings.HasPrefix(module, "/") {
		target = path.Clean(module)
	} else {
		target = path.Join(path.Dir(fromFile), module)
	}
	target = strings.TrimPrefix(target, "/")

	resolved := ""
	for _, suffix := range r.suffixes {
		candidate := target + suffix
		if _, ok := fileSet[candidate]; ok {
			resolved = candidate
			break
		}
	}
	r.cache.Add(key, resolved)
	return resolved
}
