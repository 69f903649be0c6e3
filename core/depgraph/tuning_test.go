package depgraph

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadTuningEmptyPathReturnsDefault(t *testing.T) {
	tuning, err := LoadTuning("")
	if err != nil {
		t.Fatalf("load tuning: %v", err)
	}
	if len(tuning.ProbeSuffixes) == 0 || tuning.ResolverCacheSize != 4096 {
		t.Fatalf("expected default tuning, got %+v", tuning)
	}
}

func TestLoadTuningOverlayFillsMissingFields(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "tuning.yaml")
	if err := os.WriteFile(path, []byte("resolver_cache_size: 128\n"), 0o600); err != nil {
		t.Fatalf("write overlay: %v", err)
	}

	tuning, err := LoadTuning(path)
	if err != nil {
		t.Fatalf("load tuning: %v", err)
	}
	if tuning.ResolverCacheSize != 128 {
		t.Fatalf("expected overridden cache size, got %d", tuning.ResolverCacheSize)
	}
	if len(tuning.ProbeSuffixes) != len(defaultTuning().ProbeSuffixes) {
		t.Fatalf("expected default probe suffixes to fill in, got %+v", tuning.ProbeSuffixes)
	}
}

func TestLoadTuningMissingFileReturnsDefaultAndError(t *testing.T) {
	tuning, err := LoadTuning("/nonexistent/path/tuning.yaml")
	if err == nil {
		t.Fatalf("expected error for missing file")
	}
	if tuning.ResolverCacheSize != defaultTuning().ResolverCacheSize {
		t.Fatalf("expected default tuning on error, got %+v", tuning)
	}
}
