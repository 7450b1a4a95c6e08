// Package hashcache memoizes file content digests keyed by path, size and
// modification time so repeated checks of an unchanged tree skip hashing.
//
// A cached digest is trusted while the file's size and modification time are
// unchanged. Rewriting a file with different content of the same size while
// preserving its modification time is therefore not detected; callers that
// need that guarantee must Forget the path or bypass the cache.
package hashcache

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/schaermu/patchkit/internal/digest"
)

// Record is the cached digest of one file together with the metadata it was
// computed from
type Record struct {
	Size      int64            `json:"size"`
	ModTime   time.Time        `json:"mod_time"`
	Algorithm digest.Algorithm `json:"algorithm"`
	Hash      string           `json:"hash"`
}

// matches reports whether the record is still valid for info and alg
func (r Record) matches(info os.FileInfo, alg digest.Algorithm) bool {
	return r.Size == info.Size() && r.ModTime.Equal(info.ModTime()) && r.Algorithm == alg
}

// Store persists cache records across process runs
type Store interface {
	Load() (map[string]Record, error)
	Save(records map[string]Record) error
	Close() error
}

// Stats counts lookups served from the cache (hits) and digests computed
// from file content (misses)
type Stats struct {
	Hits   int64
	Misses int64
}

// Cache is an in-memory digest table backed by an optional Store. It is safe
// for concurrent use.
type Cache struct {
	store  Store
	logger *slog.Logger

	mu      sync.Mutex
	records map[string]Record
	dirty   bool

	hits   atomic.Int64
	misses atomic.Int64
}

// New creates a cache. A nil store keeps records in memory only.
func New(store Store, logger *slog.Logger) *Cache {
	return &Cache{
		store:   store,
		logger:  logger,
		records: make(map[string]Record),
	}
}

// Load replaces the in-memory records with the persisted ones. On error the
// cache is left empty and remains usable.
func (c *Cache) Load() error {
	if c.store == nil {
		return nil
	}

	records, err := c.store.Load()

	c.mu.Lock()
	defer c.mu.Unlock()

	c.dirty = false
	if err != nil {
		c.records = make(map[string]Record)
		return fmt.Errorf("failed to load hash cache: %w", err)
	}
	if records == nil {
		records = make(map[string]Record)
	}
	c.records = records

	c.logger.Debug("hash cache loaded", "records", len(records))
	return nil
}

// Save persists the records if anything changed since the last Load or Save
func (c *Cache) Save() error {
	if c.store == nil {
		return nil
	}

	c.mu.Lock()
	if !c.dirty {
		c.mu.Unlock()
		return nil
	}
	snapshot := make(map[string]Record, len(c.records))
	for k, v := range c.records {
		snapshot[k] = v
	}
	c.mu.Unlock()

	if err := c.store.Save(snapshot); err != nil {
		return fmt.Errorf("failed to save hash cache: %w", err)
	}

	c.mu.Lock()
	c.dirty = false
	c.mu.Unlock()

	c.logger.Debug("hash cache saved", "records", len(snapshot))
	return nil
}

// Close releases the underlying store
func (c *Cache) Close() error {
	if c.store == nil {
		return nil
	}
	return c.store.Close()
}

// Hash returns the digest of the file at path, computing it only when no
// valid record exists
func (c *Cache) Hash(path string, alg digest.Algorithm) (string, error) {
	key := cacheKey(path)

	info, err := os.Stat(path)
	if err != nil {
		return "", err
	}

	if h, ok := c.Lookup(key, info, alg); ok {
		return h, nil
	}

	sum, err := alg.File(path)
	if err != nil {
		return "", err
	}
	c.misses.Add(1)

	c.Put(key, info, alg, sum)
	return sum, nil
}

// Lookup returns the cached digest for path if it is still valid for info
func (c *Cache) Lookup(path string, info os.FileInfo, alg digest.Algorithm) (string, bool) {
	c.mu.Lock()
	rec, ok := c.records[cacheKey(path)]
	c.mu.Unlock()

	if !ok || !rec.matches(info, alg) {
		return "", false
	}

	c.hits.Add(1)
	return rec.Hash, true
}

// Put records a digest known to describe the file at path as described by info
func (c *Cache) Put(path string, info os.FileInfo, alg digest.Algorithm, hash string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.records[cacheKey(path)] = Record{
		Size:      info.Size(),
		ModTime:   info.ModTime(),
		Algorithm: alg,
		Hash:      hash,
	}
	c.dirty = true
}

// Forget drops any record for path
func (c *Cache) Forget(path string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	key := cacheKey(path)
	if _, ok := c.records[key]; ok {
		delete(c.records, key)
		c.dirty = true
	}
}

// Len returns the number of records held in memory
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.records)
}

// Stats returns the hit and miss counters accumulated since creation
func (c *Cache) Stats() Stats {
	return Stats{Hits: c.hits.Load(), Misses: c.misses.Load()}
}

// ResetStats zeroes the hit and miss counters
func (c *Cache) ResetStats() {
	c.hits.Store(0)
	c.misses.Store(0)
}

func cacheKey(path string) string {
	if abs, err := filepath.Abs(path); err == nil {
		return abs
	}
	return filepath.Clean(path)
}
