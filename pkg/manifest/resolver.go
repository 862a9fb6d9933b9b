package manifest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"

	"github.com/eunmann/s3-inv-query/internal/logctx"
	"github.com/eunmann/s3-inv-query/pkg/s3fetch"
)

// Resolver locates and parses inventory manifests in the destination
// bucket.
type Resolver struct {
	store s3fetch.Store
}

func NewResolver(store s3fetch.Store) *Resolver {
	return &Resolver{store: store}
}

// DateEntry is one dated inventory delivery.
type DateEntry struct {
	Date        string
	ManifestKey string
}

// ResolveDate fetches and parses the manifest for an exact date.
// A missing manifest is ErrNotFound; an unusable one is ErrCorrupt;
// transient fetch failures keep the client's classification.
func (r *Resolver) ResolveDate(ctx context.Context, cfg InventoryConfig, date string) (*Resolved, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if _, err := ParseDate(date); err != nil {
		return nil, err
	}

	key := cfg.ManifestKey(date)
	raw, err := r.fetchRaw(ctx, cfg.Bucket, key)
	if err != nil {
		if errors.Is(err, s3fetch.ErrKeyNotFound) {
			return nil, fmt.Errorf("%w: no manifest at s3://%s/%s", ErrNotFound, cfg.Bucket, key)
		}
		return nil, err
	}

	m, err := ParseManifest(raw)
	if err != nil {
		return nil, fmt.Errorf("manifest s3://%s/%s: %w", cfg.Bucket, key, err)
	}

	return &Resolved{
		Config:   cfg,
		Date:     date,
		Key:      key,
		Manifest: m,
		Raw:      raw,
	}, nil
}

// ResolveLatest returns the newest date whose manifest fetches and
// parses. Corrupt or vanished candidates are logged and skipped so one
// bad delivery never hides an older good one; infrastructure failures
// abort immediately instead of masquerading as corruption.
func (r *Resolver) ResolveLatest(ctx context.Context, cfg InventoryConfig) (*Resolved, error) {
	entries, err := r.ListDates(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, fmt.Errorf("%w: no inventory manifests under s3://%s/%s",
			ErrNotFound, cfg.Bucket, cfg.InventoryPrefix())
	}

	log := logctx.FromContext(ctx)

	var lastErr error
	for _, entry := range entries {
		resolved, err := r.ResolveDate(ctx, cfg, entry.Date)
		if err == nil {
			return resolved, nil
		}
		if errors.Is(err, s3fetch.ErrSourceUnavailable) ||
			errors.Is(err, context.Canceled) ||
			errors.Is(err, context.DeadlineExceeded) {
			return nil, err
		}

		log.Warn().
			Str("date", entry.Date).
			Err(err).
			Msg("skipping unusable manifest")
		lastErr = err
	}

	return nil, fmt.Errorf("%w: none of %d inventory dates has a usable manifest: %w",
		ErrNotFound, len(entries), lastErr)
}

// ListDates lists the dated deliveries under the inventory prefix,
// newest first. Data directories, checksums, and hive symlink folders
// under the same prefix are ignored.
func (r *Resolver) ListDates(ctx context.Context, cfg InventoryConfig) ([]DateEntry, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	keys, err := r.store.ListKeys(ctx, cfg.Bucket, cfg.InventoryPrefix())
	if err != nil {
		return nil, fmt.Errorf("list inventory dates: %w", err)
	}

	var entries []DateEntry
	for _, k := range keys {
		if !IsManifestKey(k.Key) {
			continue
		}
		date, err := DateFromKey(k.Key)
		if err != nil {
			continue
		}
		entries = append(entries, DateEntry{Date: date, ManifestKey: k.Key})
	}

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Date > entries[j].Date
	})

	return entries, nil
}

func (r *Resolver) fetchRaw(ctx context.Context, bucket, key string) ([]byte, error) {
	body, err := r.store.StreamObject(ctx, bucket, key)
	if err != nil {
		return nil, err
	}
	defer body.Close()

	raw, err := io.ReadAll(body)
	if err != nil {
		return nil, fmt.Errorf("read manifest body: %w", err)
	}
	return raw, nil
}
