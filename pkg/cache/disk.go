package cache

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/syndtr/goleveldb/leveldb"
	lerrors "github.com/syndtr/goleveldb/leveldb/errors"
	"github.com/syndtr/goleveldb/leveldb/storage"
	"github.com/syndtr/goleveldb/leveldb/util"
)

const (
	entryPrefix = "e:"
	metaPrefix  = "m:"
)

// DiskOptions configures a DiskStore.
type DiskOptions struct {
	// MaxBytes bounds the total encoded entry size; 0 means unbounded.
	// When exceeded, the oldest 10% of entries are evicted until the
	// total fits again.
	MaxBytes int64
}

type diskMeta struct {
	Size     int64 `json:"size"`
	StoredAt int64 `json:"stored_at"` // unix nanoseconds
}

// DiskStore is a Store backed by a goleveldb database. Entries survive
// process restarts.
type DiskStore struct {
	db      *leveldb.DB
	backend string
	opts    DiskOptions

	mu        sync.Mutex
	index     map[string]diskMeta
	totalSize int64
}

// OpenDiskStore opens (or creates) the leveldb database in dir. A corrupted
// database is recovered rather than rejected.
func OpenDiskStore(dir string, opts DiskOptions) (*DiskStore, error) {
	db, err := leveldb.OpenFile(dir, nil)
	if lerrors.IsCorrupted(err) {
		db, err = leveldb.RecoverFile(dir, nil)
	}
	if err != nil {
		return nil, fmt.Errorf("open leveldb %s: %w", dir, err)
	}
	return newDiskStore(db, BackendDisk, opts)
}

// OpenMemoryStore opens a DiskStore on in-memory storage. Its entries are
// lost on Close.
func OpenMemoryStore() (*DiskStore, error) {
	db, err := leveldb.Open(storage.NewMemStorage(), nil)
	if err != nil {
		return nil, fmt.Errorf("open memory leveldb: %w", err)
	}
	return newDiskStore(db, BackendMemory, DiskOptions{})
}

func newDiskStore(db *leveldb.DB, backend string, opts DiskOptions) (*DiskStore, error) {
	d := &DiskStore{
		db:      db,
		backend: backend,
		opts:    opts,
		index:   map[string]diskMeta{},
	}
	if err := d.loadIndex(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return d, nil
}

func (d *DiskStore) loadIndex() error {
	it := d.db.NewIterator(util.BytesPrefix([]byte(metaPrefix)), nil)
	defer it.Release()

	var total int64
	idx := map[string]diskMeta{}
	for it.Next() {
		hash := string(bytes.TrimPrefix(it.Key(), []byte(metaPrefix)))
		var meta diskMeta
		if err := json.Unmarshal(it.Value(), &meta); err != nil {
			continue
		}
		idx[hash] = meta
		total += meta.Size
	}
	if err := it.Error(); err != nil {
		return fmt.Errorf("load cache index: %w", err)
	}

	d.mu.Lock()
	d.index = idx
	d.totalSize = total
	d.mu.Unlock()
	CacheSize.WithLabelValues(d.backend).Set(float64(total))
	return nil
}

// Get retrieves a cache entry by key.
func (d *DiskStore) Get(ctx context.Context, key CacheKey) (*CacheEntry, error) {
	hash := key.Hash()

	data, err := d.db.Get([]byte(entryPrefix+hash), nil)
	if err != nil {
		if errors.Is(err, leveldb.ErrNotFound) {
			CacheMisses.WithLabelValues(d.backend).Inc()
			return nil, ErrCacheMiss
		}
		CacheErrors.WithLabelValues("get").Inc()
		if lerrors.IsCorrupted(err) {
			return nil, fmt.Errorf("%w: %v", ErrInvalidEntry, err)
		}
		return nil, fmt.Errorf("leveldb get: %w", err)
	}

	entry, err := decodeEntry(data)
	if err != nil {
		CacheErrors.WithLabelValues("get").Inc()
		_ = d.Delete(ctx, key)
		return nil, err
	}

	// Same hash, different identity: treat as absent
	if entry.Key != "" && entry.Key != key.String() {
		CacheMisses.WithLabelValues(d.backend).Inc()
		return nil, ErrCacheMiss
	}

	CacheHits.WithLabelValues(d.backend).Inc()
	return entry, nil
}

// Put stores entry under key. Entry and metadata are written in one batch.
func (d *DiskStore) Put(ctx context.Context, key CacheKey, entry *CacheEntry) error {
	if entry == nil {
		return fmt.Errorf("cache entry cannot be nil")
	}

	stored := *entry
	stored.Key = key.String()
	data, err := encodeEntry(&stored)
	if err != nil {
		CacheErrors.WithLabelValues("put").Inc()
		return err
	}

	hash := key.Hash()
	meta := diskMeta{Size: int64(len(data)), StoredAt: time.Now().UnixNano()}
	metaData, err := json.Marshal(meta)
	if err != nil {
		CacheErrors.WithLabelValues("put").Inc()
		return fmt.Errorf("marshal cache meta: %w", err)
	}

	batch := new(leveldb.Batch)
	batch.Put([]byte(entryPrefix+hash), data)
	batch.Put([]byte(metaPrefix+hash), metaData)

	d.mu.Lock()
	if err := d.db.Write(batch, nil); err != nil {
		d.mu.Unlock()
		CacheErrors.WithLabelValues("put").Inc()
		return fmt.Errorf("leveldb write: %w", err)
	}
	d.totalSize += meta.Size - d.index[hash].Size
	d.index[hash] = meta
	over := d.opts.MaxBytes > 0 && d.totalSize > d.opts.MaxBytes
	total := d.totalSize
	d.mu.Unlock()

	CacheSize.WithLabelValues(d.backend).Set(float64(total))
	if over {
		d.evictSome()
	}
	return nil
}

// Delete removes a cache entry.
func (d *DiskStore) Delete(ctx context.Context, key CacheKey) error {
	return d.deleteHash(key.Hash())
}

func (d *DiskStore) deleteHash(hash string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.deleteLocked(hash)
}

// deleteLocked removes both records of hash. d.mu must be held.
func (d *DiskStore) deleteLocked(hash string) error {
	batch := new(leveldb.Batch)
	batch.Delete([]byte(entryPrefix + hash))
	batch.Delete([]byte(metaPrefix + hash))

	if err := d.db.Write(batch, nil); err != nil {
		CacheErrors.WithLabelValues("delete").Inc()
		return fmt.Errorf("leveldb delete: %w", err)
	}
	if meta, ok := d.index[hash]; ok {
		d.totalSize -= meta.Size
		delete(d.index, hash)
	}
	CacheSize.WithLabelValues(d.backend).Set(float64(d.totalSize))
	return nil
}

// evictIfUnchanged deletes hash only if it still holds the write stamped
// storedAt. It reports whether the entry was removed.
func (d *DiskStore) evictIfUnchanged(hash string, storedAt int64) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	meta, ok := d.index[hash]
	if !ok || meta.StoredAt != storedAt {
		return false
	}
	if err := d.deleteLocked(hash); err != nil {
		return false
	}
	CacheEvictions.Inc()
	return true
}

// evictSome removes the oldest tenth of the entries (at least one) per
// round until the store fits MaxBytes again. Entries rewritten since the
// round started are skipped.
func (d *DiskStore) evictSome() {
	type item struct {
		hash     string
		storedAt int64
	}

	for {
		d.mu.Lock()
		if d.totalSize <= d.opts.MaxBytes {
			d.mu.Unlock()
			return
		}
		items := make([]item, 0, len(d.index))
		for hash, meta := range d.index {
			items = append(items, item{hash, meta.StoredAt})
		}
		d.mu.Unlock()

		sort.Slice(items, func(i, j int) bool {
			return items[i].storedAt < items[j].storedAt
		})

		n := len(items) / 10
		if n < 1 {
			n = 1
		}
		evicted := 0
		for i := 0; i < n && i < len(items); i++ {
			if d.evictIfUnchanged(items[i].hash, items[i].storedAt) {
				evicted++
			}
		}
		if evicted == 0 {
			return
		}
	}
}

// Len returns the number of stored entries.
func (d *DiskStore) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.index)
}

// TotalSize returns the encoded size of all stored entries.
func (d *DiskStore) TotalSize() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.totalSize
}

// Close closes the database.
func (d *DiskStore) Close() error {
	return d.db.Close()
}
