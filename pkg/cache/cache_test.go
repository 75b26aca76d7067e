package cache

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestNullCache(t *testing.T) {
	ctx := context.Background()
	c := NewNullCache()
	defer c.Close()

	// Get always returns miss
	data, hit, err := c.Get(ctx, "key")
	if err != nil {
		t.Fatalf("Get error: %v", err)
	}
	if hit {
		t.Error("NullCache.Get should always return miss")
	}
	if data != nil {
		t.Error("NullCache.Get should return nil data")
	}

	// Set does nothing (no error)
	if err := c.Set(ctx, "key", []byte("value"), time.Hour); err != nil {
		t.Errorf("Set error: %v", err)
	}

	// Still a miss after Set
	_, hit, _ = c.Get(ctx, "key")
	if hit {
		t.Error("NullCache should not store data")
	}

	// Delete does nothing (no error)
	if err := c.Delete(ctx, "key"); err != nil {
		t.Errorf("Delete error: %v", err)
	}
}

func TestHash(t *testing.T) {
	// Test determinism
	h1 := Hash([]byte("hello"))
	h2 := Hash([]byte("hello"))
	if h1 != h2 {
		t.Error("Hash should be deterministic")
	}

	// Test different inputs produce different hashes
	h3 := Hash([]byte("world"))
	if h1 == h3 {
		t.Error("Different inputs should produce different hashes")
	}

	// Test hash length (SHA-256 produces 64 hex chars)
	if len(h1) != 64 {
		t.Errorf("Hash length should be 64, got %d", len(h1))
	}
}

func TestDefaultKeyer(t *testing.T) {
	k := NewDefaultKeyer()

	key := k.MetadataKey("https://registry.npmjs.org", "left-pad")
	if !strings.HasPrefix(key, "meta:") || !strings.HasSuffix(key, ":left-pad") {
		t.Errorf("MetadataKey unexpected: %s", key)
	}

	// Trailing slash does not change the registry identity
	if k.MetadataKey("https://registry.npmjs.org/", "left-pad") != key {
		t.Error("trailing slash should not change the key")
	}

	// Different registries produce different keys
	if k.MetadataKey("http://localhost:4873", "left-pad") == key {
		t.Error("different registries should produce different keys")
	}
}

func TestScopedKeyer(t *testing.T) {
	inner := NewDefaultKeyer()
	scoped := NewScopedKeyer(inner, "polypkg:")

	want := "polypkg:" + inner.MetadataKey("https://r.example", "express")
	if got := scoped.MetadataKey("https://r.example", "express"); got != want {
		t.Errorf("ScopedKeyer MetadataKey = %s, want %s", got, want)
	}
}

func TestScopedKeyerNilInner(t *testing.T) {
	scoped := NewScopedKeyer(nil, "prefix:")
	key := scoped.MetadataKey("https://r.example", "x")
	if !strings.HasPrefix(key, "prefix:meta:") {
		t.Errorf("Unexpected key with nil inner: %s", key)
	}
}

func TestFileCacheRoundTrip(t *testing.T) {
	ctx := context.Background()
	c, err := NewFileCache(t.TempDir())
	if err != nil {
		t.Fatalf("NewFileCache error: %v", err)
	}
	defer c.Close()

	if _, hit, _ := c.Get(ctx, "k"); hit {
		t.Fatal("empty cache should miss")
	}

	if err := c.Set(ctx, "k", []byte("v1"), time.Hour); err != nil {
		t.Fatalf("Set error: %v", err)
	}
	data, hit, err := c.Get(ctx, "k")
	if err != nil || !hit || string(data) != "v1" {
		t.Fatalf("Get = %q, %v, %v; want v1, true, nil", data, hit, err)
	}

	// Overwrite
	if err := c.Set(ctx, "k", []byte("v2"), 0); err != nil {
		t.Fatalf("Set error: %v", err)
	}
	data, _, _ = c.Get(ctx, "k")
	if string(data) != "v2" {
		t.Errorf("Get after overwrite = %q, want v2", data)
	}

	if err := c.Delete(ctx, "k"); err != nil {
		t.Fatalf("Delete error: %v", err)
	}
	if _, hit, _ := c.Get(ctx, "k"); hit {
		t.Error("Get after Delete should miss")
	}
	if err := c.Delete(ctx, "k"); err != nil {
		t.Errorf("Delete of missing key should not fail: %v", err)
	}
}

func TestFileCacheExpired(t *testing.T) {
	ctx := context.Background()
	c, _ := NewFileCache(t.TempDir())

	if err := c.Set(ctx, "k", []byte("v"), time.Nanosecond); err != nil {
		t.Fatalf("Set error: %v", err)
	}
	time.Sleep(5 * time.Millisecond)

	if _, hit, err := c.Get(ctx, "k"); hit || err != nil {
		t.Errorf("expired entry: hit=%v err=%v, want miss", hit, err)
	}
	if _, err := os.Stat(c.path("k")); !os.IsNotExist(err) {
		t.Error("expired entry should be removed from disk")
	}
}

func TestFileCacheCorruptEntry(t *testing.T) {
	ctx := context.Background()
	c, _ := NewFileCache(t.TempDir())

	path := c.path("k")
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte("{not json"), 0o644); err != nil {
		t.Fatal(err)
	}

	if _, hit, err := c.Get(ctx, "k"); hit || err != nil {
		t.Errorf("corrupt entry: hit=%v err=%v, want miss", hit, err)
	}
}

func TestFileCacheClear(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	c, _ := NewFileCache(dir)

	for _, k := range []string{"a", "b", "c"} {
		if err := c.Set(ctx, k, []byte(k), 0); err != nil {
			t.Fatalf("Set error: %v", err)
		}
	}

	n, err := c.Clear()
	if err != nil {
		t.Fatalf("Clear error: %v", err)
	}
	if n != 3 {
		t.Errorf("Clear removed %d entries, want 3", n)
	}

	entries, _ := os.ReadDir(dir)
	if len(entries) != 0 {
		t.Errorf("cache dir should be empty after Clear, has %d entries", len(entries))
	}
	if _, err := os.Stat(dir); err != nil {
		t.Errorf("cache root should survive Clear: %v", err)
	}
}

func TestNewRedisCacheBadURL(t *testing.T) {
	if _, err := NewRedisCache(context.Background(), "not-a-redis-url"); err == nil {
		t.Error("NewRedisCache should reject a malformed URL")
	}
}

func TestNewRedisCacheUnreachable(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if _, err := NewRedisCache(ctx, "redis://127.0.0.1:1/0"); err == nil {
		t.Error("NewRedisCache should fail when PING cannot reach the server")
	}
}

func TestRedisCacheRoundTrip(t *testing.T) {
	url := os.Getenv("POLY_CACHE_REDIS_URL")
	if url == "" {
		t.Skip("POLY_CACHE_REDIS_URL not set")
	}
	ctx := context.Background()
	c, err := NewRedisCache(ctx, url)
	if err != nil {
		t.Fatalf("NewRedisCache: %v", err)
	}
	defer c.Close()

	key := "polypkg-test:" + Hash([]byte(t.Name()+time.Now().String()))
	defer c.Delete(ctx, key)

	if _, ok, err := c.Get(ctx, key); err != nil || ok {
		t.Fatalf("Get before Set = ok %v, err %v; want a miss", ok, err)
	}
	if err := c.Set(ctx, key, []byte("payload"), time.Minute); err != nil {
		t.Fatalf("Set: %v", err)
	}
	data, ok, err := c.Get(ctx, key)
	if err != nil || !ok || string(data) != "payload" {
		t.Fatalf("Get = %q, %v, %v; want payload", data, ok, err)
	}
	if err := c.Delete(ctx, key); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, ok, _ := c.Get(ctx, key); ok {
		t.Error("Get after Delete should miss")
	}
}
