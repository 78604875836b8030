package cache

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"io"
	"strings"
	"testing"
)

func TestStoreWriteCommitLookup(t *testing.T) {
	store := newTestStore(t, 1024)
	payload := []byte("cdp payload bytes")

	entry := commitEntry(t, store, "kuid:1:1", payload, WriteOptions{})
	if entry.SizeBytes != int64(len(payload)) {
		t.Fatalf("size mismatch: %d", entry.SizeBytes)
	}
	wantDigest := sha1Hex(payload)
	if entry.SHA1 != wantDigest {
		t.Fatalf("digest mismatch: want %s got %s", wantDigest, entry.SHA1)
	}
	if entry.State != StateReady {
		t.Fatalf("expected ready state, got %s", entry.State)
	}

	result, err := store.Lookup(context.Background(), "kuid:1:1")
	if err != nil {
		t.Fatalf("lookup error: %v", err)
	}
	defer result.Reader.Close()

	body, err := io.ReadAll(result.Reader)
	if err != nil {
		t.Fatalf("read cached body error: %v", err)
	}
	if string(body) != string(payload) {
		t.Fatalf("cached payload mismatch: %s", string(body))
	}
}

func TestStoreLookupMissing(t *testing.T) {
	store := newTestStore(t, 1024)
	if _, err := store.Lookup(context.Background(), "kuid:9:9"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestStoreLookupIgnoresPendingWrite(t *testing.T) {
	store := newTestStore(t, 1024)
	handle, err := store.BeginWrite(context.Background(), "kuid:1:1", WriteOptions{})
	if err != nil {
		t.Fatalf("begin write error: %v", err)
	}
	defer handle.Abort(nil)

	if _, err := store.Lookup(context.Background(), "kuid:1:1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("pending entry must not be readable, got %v", err)
	}
}

func TestStoreRejectsConcurrentWrites(t *testing.T) {
	store := newTestStore(t, 1024)
	handle, err := store.BeginWrite(context.Background(), "kuid:1:1", WriteOptions{})
	if err != nil {
		t.Fatalf("begin write error: %v", err)
	}
	defer handle.Abort(nil)

	if _, err := store.BeginWrite(context.Background(), "kuid:1:1", WriteOptions{}); !errors.Is(err, ErrWriteInProgress) {
		t.Fatalf("expected ErrWriteInProgress, got %v", err)
	}
}

func TestStoreDoubleCommit(t *testing.T) {
	store := newTestStore(t, 1024)
	handle, err := store.BeginWrite(context.Background(), "kuid:1:1", WriteOptions{})
	if err != nil {
		t.Fatalf("begin write error: %v", err)
	}
	if _, err := io.Copy(handle, strings.NewReader("data")); err != nil {
		t.Fatalf("write error: %v", err)
	}
	if _, err := handle.Commit(""); err != nil {
		t.Fatalf("commit error: %v", err)
	}
	if _, err := handle.Commit(""); !errors.Is(err, ErrAlreadyCommitted) {
		t.Fatalf("expected ErrAlreadyCommitted, got %v", err)
	}
}

func TestStoreAbortDiscardsBytes(t *testing.T) {
	store := newTestStore(t, 1024)
	handle, err := store.BeginWrite(context.Background(), "kuid:1:1", WriteOptions{})
	if err != nil {
		t.Fatalf("begin write error: %v", err)
	}
	if _, err := io.Copy(handle, strings.NewReader("partial")); err != nil {
		t.Fatalf("write error: %v", err)
	}
	if err := handle.Abort(errors.New("upstream died")); err != nil {
		t.Fatalf("abort error: %v", err)
	}

	if _, err := store.Lookup(context.Background(), "kuid:1:1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("aborted entry must not be readable, got %v", err)
	}

	// 失败的 key 可以立即重试。
	retry, err := store.BeginWrite(context.Background(), "kuid:1:1", WriteOptions{})
	if err != nil {
		t.Fatalf("begin write after abort error: %v", err)
	}
	_ = retry.Abort(nil)

	if stats := store.Stats(); stats.FailedWrites == 0 {
		t.Fatalf("aborted writes should be counted, got %+v", stats)
	}
}

func TestStoreEvictIdempotent(t *testing.T) {
	store := newTestStore(t, 1024)
	if err := store.Evict(context.Background(), "kuid:9:9"); err != nil {
		t.Fatalf("evicting absent key must be a no-op, got %v", err)
	}

	commitEntry(t, store, "kuid:1:1", []byte("data"), WriteOptions{})
	if err := store.Evict(context.Background(), "kuid:1:1"); err != nil {
		t.Fatalf("evict error: %v", err)
	}
	if err := store.Evict(context.Background(), "kuid:1:1"); err != nil {
		t.Fatalf("second evict must be a no-op, got %v", err)
	}
	if _, err := store.Lookup(context.Background(), "kuid:1:1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found after evict, got %v", err)
	}
}

func TestStoreEvictRefusesPending(t *testing.T) {
	store := newTestStore(t, 1024)
	handle, err := store.BeginWrite(context.Background(), "kuid:1:1", WriteOptions{})
	if err != nil {
		t.Fatalf("begin write error: %v", err)
	}
	defer handle.Abort(nil)

	if err := store.Evict(context.Background(), "kuid:1:1"); !errors.Is(err, ErrPendingEntry) {
		t.Fatalf("expected ErrPendingEntry, got %v", err)
	}
}

func TestStoreCapacityEvictsLeastRecentlyRead(t *testing.T) {
	store := newTestStore(t, 100)
	payload := make([]byte, 40)

	commitEntry(t, store, "kuid:1:1", payload, WriteOptions{})
	commitEntry(t, store, "kuid:2:2", payload, WriteOptions{})

	// 触读第一条，使第二条成为最久未读。
	result, err := store.Lookup(context.Background(), "kuid:1:1")
	if err != nil {
		t.Fatalf("lookup error: %v", err)
	}
	result.Reader.Close()

	commitEntry(t, store, "kuid:3:3", payload, WriteOptions{})

	stats := store.Stats()
	if stats.TotalBytes > stats.CapacityBytes {
		t.Fatalf("capacity invariant violated: %+v", stats)
	}
	if _, err := store.Lookup(context.Background(), "kuid:2:2"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("least recently read entry should be evicted, got %v", err)
	}
	if _, err := store.Lookup(context.Background(), "kuid:1:1"); err != nil {
		t.Fatalf("recently read entry should survive: %v", err)
	}
	if stats.Evictions == 0 {
		t.Fatalf("expected eviction counter to advance")
	}
}

func TestStoreOpenReaderSurvivesEviction(t *testing.T) {
	store := newTestStore(t, 1024)
	payload := []byte("still readable after unlink")
	commitEntry(t, store, "kuid:1:1", payload, WriteOptions{})

	result, err := store.Lookup(context.Background(), "kuid:1:1")
	if err != nil {
		t.Fatalf("lookup error: %v", err)
	}
	defer result.Reader.Close()

	if err := store.Evict(context.Background(), "kuid:1:1"); err != nil {
		t.Fatalf("evict error: %v", err)
	}

	body, err := io.ReadAll(result.Reader)
	if err != nil {
		t.Fatalf("read after evict error: %v", err)
	}
	if string(body) != string(payload) {
		t.Fatalf("in-flight reader corrupted by eviction")
	}
}

func TestStoreCommitVerifiesDeclaredSize(t *testing.T) {
	store := newTestStore(t, 1024)
	handle, err := store.BeginWrite(context.Background(), "kuid:1:1", WriteOptions{ExpectedSize: 10})
	if err != nil {
		t.Fatalf("begin write error: %v", err)
	}
	if _, err := handle.Write([]byte("short")); err != nil {
		t.Fatalf("write error: %v", err)
	}
	if _, err := handle.Commit(""); !errors.Is(err, ErrSizeMismatch) {
		t.Fatalf("expected ErrSizeMismatch, got %v", err)
	}
}

func TestStoreWriteRejectsOversizedBody(t *testing.T) {
	store := newTestStore(t, 1024)
	handle, err := store.BeginWrite(context.Background(), "kuid:1:1", WriteOptions{ExpectedSize: 4})
	if err != nil {
		t.Fatalf("begin write error: %v", err)
	}
	defer handle.Abort(nil)

	if _, err := handle.Write([]byte("too many bytes")); !errors.Is(err, ErrSizeExceeded) {
		t.Fatalf("expected ErrSizeExceeded, got %v", err)
	}
}

func TestStoreCommitVerifiesHash(t *testing.T) {
	store := newTestStore(t, 1024)
	handle, err := store.BeginWrite(context.Background(), "kuid:1:1", WriteOptions{
		ExpectedSHA1: strings.Repeat("0", 40),
	})
	if err != nil {
		t.Fatalf("begin write error: %v", err)
	}
	if _, err := handle.Write([]byte("data")); err != nil {
		t.Fatalf("write error: %v", err)
	}
	if _, err := handle.Commit(""); !errors.Is(err, ErrHashMismatch) {
		t.Fatalf("expected ErrHashMismatch, got %v", err)
	}
}

func TestStoreRescanRestoresEntries(t *testing.T) {
	dir := t.TempDir()
	store, err := NewStore(dir, 1024)
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	payload := []byte("survives restart")
	commitEntry(t, store, "kuid:1:1", payload, WriteOptions{})
	if err := store.Close(); err != nil {
		t.Fatalf("close error: %v", err)
	}

	reopened, err := NewStore(dir, 1024)
	if err != nil {
		t.Fatalf("reopen error: %v", err)
	}
	defer reopened.Close()

	result, err := reopened.Lookup(context.Background(), "kuid:1:1")
	if err != nil {
		t.Fatalf("lookup after reopen error: %v", err)
	}
	defer result.Reader.Close()

	body, err := io.ReadAll(result.Reader)
	if err != nil {
		t.Fatalf("read error: %v", err)
	}
	if string(body) != string(payload) {
		t.Fatalf("restored payload mismatch")
	}
	if stats := reopened.Stats(); stats.TotalBytes != int64(len(payload)) {
		t.Fatalf("restored byte accounting wrong: %+v", stats)
	}
}

func TestStoreRefusesSecondProcessLock(t *testing.T) {
	dir := t.TempDir()
	store, err := NewStore(dir, 1024)
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	defer store.Close()

	if _, err := NewStore(dir, 1024); err == nil {
		t.Fatalf("expected second store on same path to fail")
	}
}

// newTestStore returns a Store backed by a temporary directory.
func newTestStore(t *testing.T, capacity int64) Store {
	t.Helper()
	store, err := NewStore(t.TempDir(), capacity)
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func commitEntry(t *testing.T, store Store, key string, payload []byte, opts WriteOptions) *Entry {
	t.Helper()
	handle, err := store.BeginWrite(context.Background(), key, opts)
	if err != nil {
		t.Fatalf("begin write error: %v", err)
	}
	if _, err := handle.Write(payload); err != nil {
		t.Fatalf("write error: %v", err)
	}
	entry, err := handle.Commit("")
	if err != nil {
		t.Fatalf("commit error: %v", err)
	}
	return entry
}

func sha1Hex(data []byte) string {
	sum := sha1.Sum(data)
	return hex.EncodeToString(sum[:])
}
