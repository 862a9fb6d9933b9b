// Package manifestcache persists resolved inventory manifests in a local
// Badger store so repeated queries skip the resolution round trips, with
// a singleflight guarantee that concurrent queries for the same key share
// one underlying resolution.
package manifestcache

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/adrg/xdg"
	"github.com/dgraph-io/badger/v4"
	"golang.org/x/sync/singleflight"

	"github.com/eunmann/s3-inv-query/internal/logctx"
	"github.com/eunmann/s3-inv-query/pkg/manifest"
)

// Options configures the cache.
type Options struct {
	// Dir is the cache root; the Badger store lives in Dir/manifests.
	// Empty means $XDG_CACHE_HOME/s3inv-query.
	Dir string

	// TTL expires entries by resolution age. Zero means entries never
	// expire: a dated inventory snapshot is immutable, and latest-queries
	// re-list dates anyway, so newer deliveries supersede naturally.
	TTL time.Duration
}

// DefaultOptions returns the standard cache location with no TTL.
func DefaultOptions() Options {
	return Options{
		Dir: filepath.Join(xdg.CacheHome, "s3inv-query"),
	}
}

// Stats summarizes cache contents.
type Stats struct {
	Dir        string
	Entries    int
	TotalBytes int64

	// Inventories counts cached dates per "bucket/inventoryID".
	Inventories map[string]int
}

// Cache is the persistent manifest cache.
type Cache struct {
	db    *badger.DB
	dir   string
	ttl   time.Duration
	group singleflight.Group
}

// Open opens or creates the cache store under opts.Dir.
func Open(opts Options) (*Cache, error) {
	if opts.Dir == "" {
		opts.Dir = DefaultOptions().Dir
	}
	path := filepath.Join(opts.Dir, "manifests")

	badgerOpts := badger.DefaultOptions(path)
	badgerOpts.Logger = nil

	db, err := badger.Open(badgerOpts)
	if err != nil {
		return nil, fmt.Errorf("open manifest cache at %s: %w", path, err)
	}

	return &Cache{db: db, dir: path, ttl: opts.TTL}, nil
}

// Close closes the store.
func (c *Cache) Close() error {
	return c.db.Close()
}

// Get returns the cached resolution for an exact date, or a miss. Expired
// entries and entries whose stored config no longer matches (two
// inventories landing on the same key) are dropped and reported as
// misses. Hits touch LastUsed.
func (c *Cache) Get(cfg manifest.InventoryConfig, date string) (*manifest.Resolved, bool, error) {
	key := MakeKey(cfg.Bucket, cfg.ID, date)

	var entry Entry
	err := c.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(key)
		if err != nil {
			return err
		}
		return item.Value(entry.Decode)
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("cache get: %w", err)
	}

	if c.ttl > 0 && time.Since(entry.ResolvedAt) > c.ttl {
		c.deleteKey(key)
		return nil, false, nil
	}
	if entry.Config != cfg {
		c.deleteKey(key)
		return nil, false, nil
	}

	m, err := manifest.ParseManifest(entry.Raw)
	if err != nil {
		// Unreadable on-disk entry; evict rather than fail the query.
		c.deleteKey(key)
		return nil, false, nil
	}

	entry.LastUsed = time.Now().UTC()
	if data, err := entry.Encode(); err == nil {
		_ = c.db.Update(func(txn *badger.Txn) error {
			return txn.Set(key, data)
		})
	}

	return &manifest.Resolved{
		Config:   entry.Config,
		Date:     entry.Date,
		Key:      entry.ManifestKey,
		Manifest: m,
		Raw:      entry.Raw,
	}, true, nil
}

// Put stores a resolution under its bucket/inventory/date key.
func (c *Cache) Put(resolved *manifest.Resolved) error {
	now := time.Now().UTC()
	entry := Entry{
		Config:      resolved.Config,
		Date:        resolved.Date,
		ManifestKey: resolved.Key,
		Raw:         resolved.Raw,
		ResolvedAt:  now,
		LastUsed:    now,
	}
	data, err := entry.Encode()
	if err != nil {
		return fmt.Errorf("cache encode: %w", err)
	}

	key := MakeKey(resolved.Config.Bucket, resolved.Config.ID, resolved.Date)
	err = c.db.Update(func(txn *badger.Txn) error {
		return txn.Set(key, data)
	})
	if err != nil {
		return fmt.Errorf("cache put: %w", err)
	}
	return nil
}

// Invalidate removes every cached date for one inventory.
func (c *Cache) Invalidate(cfg manifest.InventoryConfig) error {
	return c.deletePrefix(MakeKeyPrefix(cfg.Bucket, cfg.ID))
}

// Clear removes all cached entries.
func (c *Cache) Clear() error {
	return c.deletePrefix(nil)
}

// Resolve is the singleflight read-through. With a date it serves from
// cache or delegates one resolution to r; without a date it lists the
// available dates fresh (so newer deliveries are always observed) and
// then resolves the newest through the per-date cache path.
func (c *Cache) Resolve(ctx context.Context, r *manifest.Resolver, cfg manifest.InventoryConfig, date string) (*manifest.Resolved, error) {
	if date != "" {
		return c.resolveDate(ctx, r, cfg, date)
	}

	flightKey := string(MakeKey(cfg.Bucket, cfg.ID, latestSentinel))
	v, err, _ := c.group.Do(flightKey, func() (any, error) {
		entries, err := r.ListDates(ctx, cfg)
		if err != nil {
			return nil, err
		}
		if len(entries) == 0 {
			return nil, fmt.Errorf("%w: no inventory manifests under s3://%s/%s",
				manifest.ErrNotFound, cfg.Bucket, cfg.InventoryPrefix())
		}

		log := logctx.FromContext(ctx)
		var lastErr error
		for _, entry := range entries {
			resolved, err := c.resolveDate(ctx, r, cfg, entry.Date)
			if err == nil {
				return resolved, nil
			}
			if !errors.Is(err, manifest.ErrNotFound) && !errors.Is(err, manifest.ErrCorrupt) {
				return nil, err
			}
			log.Warn().Str("date", entry.Date).Err(err).Msg("skipping unusable manifest")
			lastErr = err
		}
		return nil, fmt.Errorf("%w: none of %d inventory dates has a usable manifest: %w",
			manifest.ErrNotFound, len(entries), lastErr)
	})
	if err != nil {
		return nil, err
	}
	return v.(*manifest.Resolved), nil
}

func (c *Cache) resolveDate(ctx context.Context, r *manifest.Resolver, cfg manifest.InventoryConfig, date string) (*manifest.Resolved, error) {
	ctx = logctx.WithStr(ctx, "date", date)
	flightKey := string(MakeKey(cfg.Bucket, cfg.ID, date))
	v, err, _ := c.group.Do(flightKey, func() (any, error) {
		if resolved, ok, err := c.Get(cfg, date); err != nil {
			return nil, err
		} else if ok {
			log := logctx.FromContext(ctx)
			log.Debug().Msg("manifest cache hit")
			return resolved, nil
		}

		resolved, err := r.ResolveDate(ctx, cfg, date)
		if err != nil {
			return nil, err
		}
		// The resolution already succeeded; a cache that cannot persist
		// it should not fail the query.
		if err := c.Put(resolved); err != nil {
			log := logctx.FromContext(ctx)
			log.Warn().Err(err).Msg("manifest cache write failed")
		}
		return resolved, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*manifest.Resolved), nil
}

// Stats reports entry count, stored bytes, and per-inventory date counts.
func (c *Cache) Stats() (Stats, error) {
	stats := Stats{Dir: c.dir, Inventories: make(map[string]int)}
	err := c.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			stats.Entries++
			stats.TotalBytes += it.Item().ValueSize()
			bucket, id, _ := ParseKey(it.Item().Key())
			stats.Inventories[bucket+"/"+id]++
		}
		return nil
	})
	if err != nil {
		return Stats{}, fmt.Errorf("cache stats: %w", err)
	}
	return stats, nil
}

func (c *Cache) deleteKey(key []byte) {
	_ = c.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(key)
	})
}

func (c *Cache) deletePrefix(prefix []byte) error {
	return c.db.Update(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			if err := txn.Delete(it.Item().KeyCopy(nil)); err != nil {
				return err
			}
		}
		return nil
	})
}
