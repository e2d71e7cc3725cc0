package storage

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"wrap-studio/app/config"
)

func TestLocalStorePutWritesFileAndReturnsURL(t *testing.T) {
	dir := t.TempDir()
	store := NewLocalStore(dir, "http://localhost:5000/objects/")

	url, err := store.Put(context.Background(), "wraps/ai-generated/wrap-abc.png", []byte("png"), "image/png")
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	if url != "http://localhost:5000/objects/wraps/ai-generated/wrap-abc.png" {
		t.Fatalf("unexpected url %q", url)
	}

	data, err := os.ReadFile(filepath.Join(dir, "wraps", "ai-generated", "wrap-abc.png"))
	if err != nil {
		t.Fatalf("read back: %v", err)
	}
	if string(data) != "png" {
		t.Fatalf("unexpected content %q", data)
	}
}

func TestMemoryStoreRejectsCancelledContext(t *testing.T) {
	store := NewMemoryStore("mem://bucket")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := store.Put(ctx, "k", []byte("v"), "text/plain"); err == nil {
		t.Fatalf("expected error for cancelled context")
	}
	if store.Len() != 0 {
		t.Fatalf("nothing should be stored")
	}
}

func TestNewRejectsUnknownDriver(t *testing.T) {
	if _, err := New(context.Background(), configWithDriver("ftp")); err == nil {
		t.Fatalf("expected error for unknown driver")
	}
}

func configWithDriver(driver string) config.StorageConfig {
	return config.StorageConfig{Driver: driver}
}
