package cli

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestCacheDir(t *testing.T) {
	t.Setenv("XDG_CACHE_HOME", "")

	dir, err := cacheDir()
	if err != nil {
		t.Fatalf("cacheDir() error: %v", err)
	}

	home, _ := os.UserHomeDir()
	expected := filepath.Join(home, ".cache", "polypkg")
	if dir != expected {
		t.Errorf("cacheDir() = %q, want %q", dir, expected)
	}
}

func TestCacheDirXDG(t *testing.T) {
	root := t.TempDir()
	t.Setenv("XDG_CACHE_HOME", root)

	dir, err := cacheDir()
	if err != nil {
		t.Fatalf("cacheDir() error: %v", err)
	}
	if dir != filepath.Join(root, "polypkg") {
		t.Errorf("cacheDir() = %q, want it under %q", dir, root)
	}
}

func TestCacheClearCommand(t *testing.T) {
	root := t.TempDir()
	t.Setenv("XDG_CACHE_HOME", root)
	dir := filepath.Join(root, "polypkg", "ab")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "abcdef.json"), []byte("{}"), 0o644); err != nil {
		t.Fatal(err)
	}

	out := captureStdout(t)
	if err := executeCommand(t, "cache", "clear"); err != nil {
		t.Fatalf("cache clear: %v", err)
	}
	if !strings.Contains(out.String(), "Cleared 1 cached entries") {
		t.Errorf("output = %q", out.String())
	}
	if _, err := os.Stat(dir); !os.IsNotExist(err) {
		t.Errorf("shard directory should be removed, stat err = %v", err)
	}
}

func TestCachePathCommand(t *testing.T) {
	root := t.TempDir()
	t.Setenv("XDG_CACHE_HOME", root)

	out := captureStdout(t)
	if err := executeCommand(t, "cache", "path"); err != nil {
		t.Fatalf("cache path: %v", err)
	}
	if got := strings.TrimSpace(out.String()); got != filepath.Join(root, "polypkg") {
		t.Errorf("cache path = %q", got)
	}
}
