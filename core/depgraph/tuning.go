package depgraph

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Tuning holds the import-resolution knobs an operator may want to
// adjust without a rebuild: the file suffixes probed when resolving a
// relative import, and the per-repo resolver cache size.
type Tuning struct {
	ProbeSuffixes     []string `yaml:"probe_suffixes"`
	ResolverCacheSize int      `yaml:"resolver_cache_size"`
}

func defaultTuning() Tuning {
	return Tuning{
		ProbeSuffixes: []string{
			".ts", ".tsx", ".js", ".jsx", ".py",
			"/index.ts", "/index.tsx", "/index.js", "/index.jsx",
		},
		ResolverCacheSize: 4096,
	}
}

// DefaultTuning returns the built-in adapter tuning used when no
// overlay file is configured.
func DefaultTuning() Tuning {
	return defaultTuning()
}

// LoadTuning reads a YAML overlay from path, filling any field left
// zero-valued with the built-in default. An empty path returns the
// default unmodified; a missing or malformed file returns the default
// alongside the error so callers can log-and-continue.
func LoadTuning(path string) (Tuning, error) {
	def := defaultTuning()
	if path == "" {
		return def, nil
	}
	// #nosec G304 -- adapter tuning path is operator-provided.
	data, err := os.ReadFile(path)
	if err != nil {
		return def, fmt.Errorf("read adapter tuning config: %w", err)
	}
	var cfg Tuning
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return def, fmt.Errorf("parse adapter tuning config: %w", err)
	}
	if len(cfg.ProbeSuffixes) == 0 {
		cfg.ProbeSuffixes = def.ProbeSuffixes
	}
	if cfg.ResolverCacheSize <= 0 {
		cfg.ResolverCacheSize = def.ResolverCacheSize
	}
	return cfg, nil
}
