package cache

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"testing"
	"time"
)

func newTestEntry(body string) *CacheEntry {
	return &CacheEntry{
		Data:       []byte(body),
		StatusCode: 200,
		ETag:       `"abc123"`,
		Headers:    http.Header{"Content-Type": []string{"application/json"}},
		CachedAt:   time.Now(),
	}
}

func setupMemoryStore(t *testing.T) *DiskStore {
	t.Helper()
	store, err := OpenMemoryStore()
	if err != nil {
		t.Fatalf("OpenMemoryStore() error = %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestDiskStore_PutAndGet(t *testing.T) {
	store := setupMemoryStore(t)
	ctx := context.Background()

	key := CacheKey{Method: "GET", URL: "https://example.com/items"}
	entry := newTestEntry(`[{"id":1},{"id":2}]`)

	if err := store.Put(ctx, key, entry); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	retrieved, err := store.Get(ctx, key)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}

	if !bytes.Equal(retrieved.Data, entry.Data) {
		t.Errorf("Data mismatch: got %s, want %s", retrieved.Data, entry.Data)
	}
	if retrieved.ETag != entry.ETag {
		t.Errorf("ETag mismatch: got %s, want %s", retrieved.ETag, entry.ETag)
	}
	if retrieved.StatusCode != entry.StatusCode {
		t.Errorf("StatusCode mismatch: got %d, want %d", retrieved.StatusCode, entry.StatusCode)
	}
	if retrieved.Key != key.String() {
		t.Errorf("Key = %q, want %q", retrieved.Key, key.String())
	}
	if store.Len() != 1 {
		t.Errorf("Len() = %d, want 1", store.Len())
	}
}

func TestDiskStore_BinaryBodyRoundTrip(t *testing.T) {
	store := setupMemoryStore(t)
	ctx := context.Background()

	body := make([]byte, 256)
	for i := range body {
		body[i] = byte(i)
	}
	key := CacheKey{Method: "GET", URL: "https://example.com/blob"}
	entry := newTestEntry("")
	entry.Data = body

	if err := store.Put(ctx, key, entry); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	retrieved, err := store.Get(ctx, key)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if !bytes.Equal(retrieved.Data, body) {
		t.Error("binary body did not round-trip exactly")
	}
}

func TestDiskStore_Get_CacheMiss(t *testing.T) {
	store := setupMemoryStore(t)

	_, err := store.Get(context.Background(), CacheKey{Method: "GET", URL: "https://example.com/none"})
	if err != ErrCacheMiss {
		t.Errorf("Expected ErrCacheMiss, got %v", err)
	}
}

func TestDiskStore_Put_Overwrites(t *testing.T) {
	store := setupMemoryStore(t)
	ctx := context.Background()
	key := CacheKey{Method: "GET", URL: "https://example.com/items"}

	if err := store.Put(ctx, key, newTestEntry("first")); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	second := newTestEntry("second")
	second.ETag = `"def456"`
	if err := store.Put(ctx, key, second); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	retrieved, err := store.Get(ctx, key)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if string(retrieved.Data) != "second" || retrieved.ETag != `"def456"` {
		t.Errorf("got %q/%s, want second entry", retrieved.Data, retrieved.ETag)
	}
	if store.Len() != 1 {
		t.Errorf("Len() = %d, want 1", store.Len())
	}
}

func TestDiskStore_Put_NilEntry(t *testing.T) {
	store := setupMemoryStore(t)

	if err := store.Put(context.Background(), CacheKey{URL: "x"}, nil); err == nil {
		t.Error("Put with nil entry should return error")
	}
}

func TestDiskStore_Delete(t *testing.T) {
	store := setupMemoryStore(t)
	ctx := context.Background()
	key := CacheKey{Method: "GET", URL: "https://example.com/items"}

	if err := store.Put(ctx, key, newTestEntry("data")); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	if err := store.Delete(ctx, key); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if _, err := store.Get(ctx, key); err != ErrCacheMiss {
		t.Errorf("Expected ErrCacheMiss after Delete, got %v", err)
	}
	if store.TotalSize() != 0 {
		t.Errorf("TotalSize() = %d, want 0", store.TotalSize())
	}

	// Deleting again is not an error
	if err := store.Delete(ctx, key); err != nil {
		t.Errorf("second Delete failed: %v", err)
	}
}

func TestDiskStore_CorruptEntryIsInvalid(t *testing.T) {
	store := setupMemoryStore(t)
	ctx := context.Background()
	key := CacheKey{Method: "GET", URL: "https://example.com/items"}

	if err := store.db.Put([]byte(entryPrefix+key.Hash()), []byte("{not json"), nil); err != nil {
		t.Fatalf("raw put failed: %v", err)
	}

	_, err := store.Get(ctx, key)
	if !errors.Is(err, ErrInvalidEntry) {
		t.Fatalf("Get error = %v, want ErrInvalidEntry", err)
	}

	// The corrupt record is dropped
	if _, err := store.Get(ctx, key); err != ErrCacheMiss {
		t.Errorf("second Get error = %v, want ErrCacheMiss", err)
	}
}

func TestDiskStore_SurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()
	key := CacheKey{Method: "GET", URL: "https://example.com/items"}

	store, err := OpenDiskStore(dir, DiskOptions{})
	if err != nil {
		t.Fatalf("OpenDiskStore() error = %v", err)
	}
	if err := store.Put(ctx, key, newTestEntry("persisted")); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	size := store.TotalSize()
	if err := store.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	reopened, err := OpenDiskStore(dir, DiskOptions{})
	if err != nil {
		t.Fatalf("reopen error = %v", err)
	}
	defer reopened.Close()

	retrieved, err := reopened.Get(ctx, key)
	if err != nil {
		t.Fatalf("Get after reopen failed: %v", err)
	}
	if string(retrieved.Data) != "persisted" {
		t.Errorf("Data = %q, want persisted", retrieved.Data)
	}
	if reopened.TotalSize() != size {
		t.Errorf("TotalSize() after reopen = %d, want %d", reopened.TotalSize(), size)
	}
}

func TestDiskStore_EvictsOldest(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	// Each entry encodes to a few hundred bytes
	store, err := OpenDiskStore(dir, DiskOptions{MaxBytes: 2000})
	if err != nil {
		t.Fatalf("OpenDiskStore() error = %v", err)
	}
	defer store.Close()

	first := CacheKey{Method: "GET", URL: "https://example.com/items/0"}
	for i := 0; i < 20; i++ {
		key := CacheKey{Method: "GET", URL: fmt.Sprintf("https://example.com/items/%d", i)}
		if err := store.Put(ctx, key, newTestEntry(`{"payload":"xxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxx"}`)); err != nil {
			t.Fatalf("Put %d failed: %v", i, err)
		}
	}

	if store.TotalSize() > 2000 {
		t.Errorf("TotalSize() = %d, want <= 2000", store.TotalSize())
	}
	if _, err := store.Get(ctx, first); err != ErrCacheMiss {
		t.Errorf("oldest entry should have been evicted, got %v", err)
	}
	last := CacheKey{Method: "GET", URL: "https://example.com/items/19"}
	if _, err := store.Get(ctx, last); err != nil {
		t.Errorf("newest entry should be present, got %v", err)
	}
}

func TestDiskStore_EvictsUntilUnderLimit(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()
	body := `{"payload":"xxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxx"}`

	unbounded, err := OpenDiskStore(dir, DiskOptions{})
	if err != nil {
		t.Fatalf("OpenDiskStore() error = %v", err)
	}
	for i := 0; i < 20; i++ {
		key := CacheKey{Method: "GET", URL: fmt.Sprintf("https://example.com/items/%d", i)}
		if err := unbounded.Put(ctx, key, newTestEntry(body)); err != nil {
			t.Fatalf("Put %d failed: %v", i, err)
		}
	}
	entrySize := unbounded.TotalSize() / int64(unbounded.Len())
	if err := unbounded.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	// One tenth of 21 entries is far from enough to get under this bound
	limit := entrySize*7/2 + entrySize/4
	store, err := OpenDiskStore(dir, DiskOptions{MaxBytes: limit})
	if err != nil {
		t.Fatalf("OpenDiskStore() reopen error = %v", err)
	}
	defer store.Close()

	newest := CacheKey{Method: "GET", URL: "https://example.com/items/20"}
	if err := store.Put(ctx, newest, newTestEntry(body)); err != nil {
		t.Fatalf("Put newest failed: %v", err)
	}

	if store.TotalSize() > limit {
		t.Errorf("TotalSize() = %d, want <= %d", store.TotalSize(), limit)
	}
	if got := store.Len(); got == 0 || got > 3 {
		t.Errorf("Len() = %d, want 1..3 entries left", got)
	}
	if _, err := store.Get(ctx, newest); err != nil {
		t.Errorf("newest entry should be present, got %v", err)
	}
}

func TestDiskStore_EvictionSkipsRewrittenEntry(t *testing.T) {
	store := setupMemoryStore(t)
	ctx := context.Background()

	key := CacheKey{Method: "GET", URL: "https://example.com/items"}
	if err := store.Put(ctx, key, newTestEntry(`[1]`)); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	store.mu.Lock()
	stale := store.index[key.Hash()].StoredAt
	store.mu.Unlock()

	time.Sleep(time.Millisecond)
	if err := store.Put(ctx, key, newTestEntry(`[1,2]`)); err != nil {
		t.Fatalf("second Put failed: %v", err)
	}

	if store.evictIfUnchanged(key.Hash(), stale) {
		t.Fatal("evictIfUnchanged() removed an entry rewritten after the snapshot")
	}
	got, err := store.Get(ctx, key)
	if err != nil {
		t.Fatalf("rewritten entry should survive, got %v", err)
	}
	if string(got.Data) != `[1,2]` {
		t.Errorf("Data = %s, want [1,2]", got.Data)
	}

	store.mu.Lock()
	current := store.index[key.Hash()].StoredAt
	store.mu.Unlock()
	if !store.evictIfUnchanged(key.Hash(), current) {
		t.Error("evictIfUnchanged() kept an entry with a matching stamp")
	}
	if store.Len() != 0 {
		t.Errorf("Len() = %d, want 0", store.Len())
	}
}

func TestDiskStore_ConcurrentAccess(t *testing.T) {
	store := setupMemoryStore(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				// Half the workers share one key to exercise same-identity writes
				url := fmt.Sprintf("https://example.com/items/%d", w%2)
				key := CacheKey{Method: "GET", URL: url}
				body := fmt.Sprintf("worker-%d-%d", w, i)
				if err := store.Put(ctx, key, newTestEntry(body)); err != nil {
					t.Errorf("Put failed: %v", err)
					return
				}
				entry, err := store.Get(ctx, key)
				if err != nil {
					t.Errorf("Get failed: %v", err)
					return
				}
				if !bytes.HasPrefix(entry.Data, []byte("worker-")) {
					t.Errorf("corrupted body %q", entry.Data)
					return
				}
			}
		}(w)
	}
	wg.Wait()

	if store.Len() != 2 {
		t.Errorf("Len() = %d, want 2", store.Len())
	}
}

func TestOpenStore(t *testing.T) {
	ctx := context.Background()

	t.Run("none disables caching", func(t *testing.T) {
		store, err := OpenStore(ctx, StoreConfig{Backend: BackendNone})
		if err != nil || store != nil {
			t.Errorf("OpenStore(none) = %v, %v; want nil, nil", store, err)
		}
	})

	t.Run("memory", func(t *testing.T) {
		store, err := OpenStore(ctx, StoreConfig{Backend: BackendMemory})
		if err != nil {
			t.Fatalf("OpenStore(memory) error = %v", err)
		}
		defer store.Close()
		if _, ok := store.(*DiskStore); !ok {
			t.Errorf("OpenStore(memory) = %T, want *DiskStore", store)
		}
	})

	t.Run("disk with size", func(t *testing.T) {
		store, err := OpenStore(ctx, StoreConfig{Backend: BackendDisk, Dir: t.TempDir(), MaxSize: "1MB"})
		if err != nil {
			t.Fatalf("OpenStore(disk) error = %v", err)
		}
		defer store.Close()
		if ds := store.(*DiskStore); ds.opts.MaxBytes != 1<<20 {
			t.Errorf("MaxBytes = %d, want %d", ds.opts.MaxBytes, 1<<20)
		}
	})

	t.Run("disk without dir", func(t *testing.T) {
		if _, err := OpenStore(ctx, StoreConfig{Backend: BackendDisk}); err == nil {
			t.Error("expected error for missing dir")
		}
	})

	t.Run("redis without addr", func(t *testing.T) {
		if _, err := OpenStore(ctx, StoreConfig{Backend: BackendRedis}); err == nil {
			t.Error("expected error for missing redis_addr")
		}
	})

	t.Run("unknown backend", func(t *testing.T) {
		if _, err := OpenStore(ctx, StoreConfig{Backend: "s3"}); err == nil {
			t.Error("expected error for unknown backend")
		}
	})
}

func TestParseSize(t *testing.T) {
	tests := []struct {
		in      string
		want    int64
		wantErr bool
	}{
		{in: "512", want: 512},
		{in: "64k", want: 64 << 10},
		{in: "64KB", want: 64 << 10},
		{in: "1.5m", want: 3 << 19},
		{in: "2GB", want: 2 << 30},
		{in: " 10 MB ", want: 10 << 20},
		{in: "", wantErr: true},
		{in: "b", wantErr: true},
		{in: "-1", wantErr: true},
		{in: "lots", wantErr: true},
		{in: "inf", wantErr: true},
		{in: "+InfGB", wantErr: true},
		{in: "nan", wantErr: true},
		{in: "1e30GB", wantErr: true},
		{in: "8589934592g", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseSize(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseSize(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			}
			if !tt.wantErr && got != tt.want {
				t.Errorf("ParseSize(%q) = %d, want %d", tt.in, got, tt.want)
			}
		})
	}
}
