package resultstore

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"genjobs/internal/domain"
)

func newTestStore(t *testing.T, retention time.Duration) *FileStore {
	t.Helper()
	store, err := NewFileStore(t.TempDir(), retention)
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}
	return store
}

func TestFileStoreWriteOnce(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t, time.Hour)

	key, err := store.Write(ctx, "job-1", []byte(`{"text":"result"}`))
	if err != nil {
		t.Fatalf("Write: %v", err)
	}
	if key != "results/job-1.json" {
		t.Fatalf("key = %q", key)
	}

	if _, err := store.Write(ctx, "job-1", []byte(`{"text":"other"}`)); !errors.Is(err, domain.ErrResultExists) {
		t.Fatalf("second write should be refused, got %v", err)
	}

	data, err := store.Read(ctx, key)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if string(data) != `{"text":"result"}` {
		t.Fatalf("overwrite leaked through: %s", data)
	}
}

func TestFileStoreReadMissing(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t, time.Hour)

	if _, err := store.Read(ctx, store.Key("nope")); !errors.Is(err, domain.ErrResultExpired) {
		t.Fatalf("missing artifact should read as expired, got %v", err)
	}
	ok, err := store.Exists(ctx, store.Key("nope"))
	if err != nil || ok {
		t.Fatalf("Exists = %v, %v", ok, err)
	}
}

func TestFileStoreRejectsTraversal(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t, time.Hour)

	if _, err := store.Read(ctx, "../../etc/passwd"); err == nil {
		t.Fatal("traversal key should be rejected")
	}
}

func TestFileStoreSweepRemovesOldArtifacts(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	store, err := NewFileStore(dir, time.Hour)
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}

	oldKey, _ := store.Write(ctx, "old", []byte("x"))
	newKey, _ := store.Write(ctx, "new", []byte("y"))

	past := time.Now().Add(-2 * time.Hour)
	oldPath := filepath.Join(dir, filepath.FromSlash(oldKey))
	if err := os.Chtimes(oldPath, past, past); err != nil {
		t.Fatalf("Chtimes: %v", err)
	}

	removed, err := store.Sweep(ctx, time.Now())
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if removed != 1 {
		t.Fatalf("removed = %d, want 1", removed)
	}
	if _, err := store.Read(ctx, oldKey); !errors.Is(err, domain.ErrResultExpired) {
		t.Fatal("old artifact should be gone")
	}
	if _, err := store.Read(ctx, newKey); err != nil {
		t.Fatalf("fresh artifact should survive: %v", err)
	}
}
