package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadFromFileMissingReturnsDefaults(t *testing.T) {
	cfg, err := LoadFromFile(filepath.Join(t.TempDir(), "missing.toml"))
	if err != nil {
		t.Fatalf("LoadFromFile: %v", err)
	}
	if cfg.BufferPool.MaxPoolBytes != Default().BufferPool.MaxPoolBytes {
		t.Fatalf("expected default MaxPoolBytes, got %d", cfg.BufferPool.MaxPoolBytes)
	}
}

func TestLoadFromFileOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	body := `
[buffer_pool]
max_pool_bytes = 1048576
preallocate_common = false

[http]
max_retries = 7
`
	if err := os.WriteFile(path, []byte(body), 0644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	cfg, err := LoadFromFile(path)
	if err != nil {
		t.Fatalf("LoadFromFile: %v", err)
	}
	if cfg.BufferPool.MaxPoolBytes != 1048576 {
		t.Fatalf("MaxPoolBytes = %d, want 1048576", cfg.BufferPool.MaxPoolBytes)
	}
	if cfg.BufferPool.PreallocateCommon {
		t.Fatal("expected PreallocateCommon to be overridden to false")
	}
	if cfg.HTTP.MaxRetries != 7 {
		t.Fatalf("MaxRetries = %d, want 7", cfg.HTTP.MaxRetries)
	}
	if cfg.FLAC.MaxCRCMismatchesBeforeDisable != Default().FLAC.MaxCRCMismatchesBeforeDisable {
		t.Fatal("expected untouched section to keep its default")
	}
}
