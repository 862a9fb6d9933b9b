package manifestcache

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/eunmann/s3-inv-query/pkg/manifest"
	"github.com/eunmann/s3-inv-query/pkg/s3fetch"
)

// fakeStore counts fetches so tests can prove how many resolutions
// actually hit the backing store.
type fakeStore struct {
	mu          sync.Mutex
	objects     map[string][]byte
	streamDelay time.Duration
	streamCalls atomic.Int64
	listCalls   atomic.Int64
}

func (f *fakeStore) ListKeys(_ context.Context, _, prefix string) ([]s3fetch.KeyInfo, error) {
	f.listCalls.Add(1)
	f.mu.Lock()
	defer f.mu.Unlock()
	var keys []s3fetch.KeyInfo
	for k, v := range f.objects {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, s3fetch.KeyInfo{Key: k, Size: int64(len(v))})
		}
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].Key < keys[j].Key })
	return keys, nil
}

func (f *fakeStore) StreamObject(_ context.Context, bucket, key string) (io.ReadCloser, error) {
	f.streamCalls.Add(1)
	if f.streamDelay > 0 {
		time.Sleep(f.streamDelay)
	}
	f.mu.Lock()
	data, ok := f.objects[key]
	f.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("get s3://%s/%s: %w", bucket, key, s3fetch.ErrKeyNotFound)
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (f *fakeStore) addDate(cfg manifest.InventoryConfig, date string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.objects == nil {
		f.objects = map[string][]byte{}
	}
	f.objects[cfg.ManifestKey(date)] = fmt.Appendf(nil, `{
		"sourceBucket": "src-bucket",
		"destinationBucket": "dest-bucket",
		"fileFormat": "CSV",
		"fileSchema": "Bucket, Key, Size",
		"files": [{"key": "inv/src-bucket/daily/data/%s.csv.gz", "size": 64, "MD5checksum": "aa"}]
	}`, date)
}

var cacheCfg = manifest.InventoryConfig{
	Bucket:       "dest-bucket",
	Prefix:       "inv",
	SourceBucket: "src-bucket",
	ID:           "daily",
}

func openTestCache(t *testing.T, opts Options) *Cache {
	t.Helper()
	if opts.Dir == "" {
		opts.Dir = t.TempDir()
	}
	c, err := Open(opts)
	if err != nil {
		t.Fatalf("open cache: %v", err)
	}
	t.Cleanup(func() {
		if err := c.Close(); err != nil {
			t.Errorf("close cache: %v", err)
		}
	})
	return c
}

func TestMakeKey(t *testing.T) {
	key := MakeKey("bucket", "daily", "2026-08-21T01-00Z")
	want := "bucket\x00daily\x002026-08-21T01-00Z"
	if string(key) != want {
		t.Errorf("MakeKey = %q, want %q", key, want)
	}

	b, id, date := ParseKey(key)
	if b != "bucket" || id != "daily" || date != "2026-08-21T01-00Z" {
		t.Errorf("ParseKey = %q %q %q", b, id, date)
	}

	if !bytes.HasPrefix(key, MakeKeyPrefix("bucket", "daily")) {
		t.Error("key should start with its config prefix")
	}
}

func TestPutGetRoundtrip(t *testing.T) {
	c := openTestCache(t, Options{})

	store := &fakeStore{}
	store.addDate(cacheCfg, "2026-08-21T01-00Z")
	r := manifest.NewResolver(store)

	resolved, err := r.ResolveDate(context.Background(), cacheCfg, "2026-08-21T01-00Z")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if err := c.Put(resolved); err != nil {
		t.Fatalf("put: %v", err)
	}

	got, ok, err := c.Get(cacheCfg, "2026-08-21T01-00Z")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !ok {
		t.Fatal("expected cache hit")
	}
	if !bytes.Equal(got.Raw, resolved.Raw) {
		t.Error("cached Raw differs from stored Raw")
	}
	if got.Manifest == nil || len(got.Manifest.Files) != 1 {
		t.Error("cached manifest not reparsed")
	}
	if got.Key != resolved.Key || got.Date != resolved.Date {
		t.Errorf("got key=%q date=%q, want key=%q date=%q", got.Key, got.Date, resolved.Key, resolved.Date)
	}
}

func TestGetMiss(t *testing.T) {
	c := openTestCache(t, Options{})

	_, ok, err := c.Get(cacheCfg, "2026-08-21T01-00Z")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if ok {
		t.Error("expected miss on empty cache")
	}
}

func TestGetConfigMismatchIsMiss(t *testing.T) {
	c := openTestCache(t, Options{})

	store := &fakeStore{}
	store.addDate(cacheCfg, "2026-08-21T01-00Z")
	resolved, err := manifest.NewResolver(store).ResolveDate(context.Background(), cacheCfg, "2026-08-21T01-00Z")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if err := c.Put(resolved); err != nil {
		t.Fatalf("put: %v", err)
	}

	other := cacheCfg
	other.SourceBucket = "different-source"
	_, ok, err := c.Get(other, "2026-08-21T01-00Z")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if ok {
		t.Error("entry for a different config should be a miss")
	}
}

func TestResolve_WarmHitIsByteIdentical(t *testing.T) {
	c := openTestCache(t, Options{})
	store := &fakeStore{}
	store.addDate(cacheCfg, "2026-08-21T01-00Z")
	r := manifest.NewResolver(store)
	ctx := context.Background()

	cold, err := c.Resolve(ctx, r, cacheCfg, "2026-08-21T01-00Z")
	if err != nil {
		t.Fatalf("cold resolve: %v", err)
	}
	warm, err := c.Resolve(ctx, r, cacheCfg, "2026-08-21T01-00Z")
	if err != nil {
		t.Fatalf("warm resolve: %v", err)
	}

	if !bytes.Equal(cold.Raw, warm.Raw) {
		t.Error("warm resolve returned different manifest bytes")
	}
	if got := store.streamCalls.Load(); got != 1 {
		t.Errorf("stream calls = %d, want 1 (warm hit must not refetch)", got)
	}
}

func TestResolve_Singleflight(t *testing.T) {
	c := openTestCache(t, Options{})
	store := &fakeStore{streamDelay: 50 * time.Millisecond}
	store.addDate(cacheCfg, "2026-08-21T01-00Z")
	r := manifest.NewResolver(store)

	const callers = 8
	results := make([]*manifest.Resolved, callers)
	errs := make([]error, callers)

	var wg sync.WaitGroup
	for i := range callers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i], errs[i] = c.Resolve(context.Background(), r, cacheCfg, "2026-08-21T01-00Z")
		}()
	}
	wg.Wait()

	for i := range callers {
		if errs[i] != nil {
			t.Fatalf("caller %d: %v", i, errs[i])
		}
		if results[i] == nil || results[i].Date != "2026-08-21T01-00Z" {
			t.Fatalf("caller %d got bad result", i)
		}
	}
	if got := store.streamCalls.Load(); got != 1 {
		t.Errorf("stream calls = %d, want exactly 1 for %d concurrent callers", got, callers)
	}
}

func TestResolve_LatestObservesNewerDates(t *testing.T) {
	c := openTestCache(t, Options{})
	store := &fakeStore{}
	store.addDate(cacheCfg, "2026-08-20T01-00Z")
	r := manifest.NewResolver(store)
	ctx := context.Background()

	first, err := c.Resolve(ctx, r, cacheCfg, "")
	if err != nil {
		t.Fatalf("first latest: %v", err)
	}
	if first.Date != "2026-08-20T01-00Z" {
		t.Errorf("first.Date = %q", first.Date)
	}

	// Second latest query: dates are re-listed but the manifest itself
	// comes from cache.
	second, err := c.Resolve(ctx, r, cacheCfg, "")
	if err != nil {
		t.Fatalf("second latest: %v", err)
	}
	if second.Date != first.Date {
		t.Errorf("second.Date = %q", second.Date)
	}
	if got := store.streamCalls.Load(); got != 1 {
		t.Errorf("stream calls = %d, want 1 (repeated latest should reuse cached manifest)", got)
	}
	if got := store.listCalls.Load(); got != 2 {
		t.Errorf("list calls = %d, want 2 (latest always re-lists)", got)
	}

	// A newer delivery appears; the next latest query must pick it up.
	store.addDate(cacheCfg, "2026-08-21T01-00Z")
	third, err := c.Resolve(ctx, r, cacheCfg, "")
	if err != nil {
		t.Fatalf("third latest: %v", err)
	}
	if third.Date != "2026-08-21T01-00Z" {
		t.Errorf("third.Date = %q, want newer 2026-08-21T01-00Z", third.Date)
	}
	if got := store.streamCalls.Load(); got != 2 {
		t.Errorf("stream calls = %d, want 2", got)
	}
}

func TestResolve_TTLExpiry(t *testing.T) {
	c := openTestCache(t, Options{TTL: 50 * time.Millisecond})
	store := &fakeStore{}
	store.addDate(cacheCfg, "2026-08-21T01-00Z")
	r := manifest.NewResolver(store)
	ctx := context.Background()

	if _, err := c.Resolve(ctx, r, cacheCfg, "2026-08-21T01-00Z"); err != nil {
		t.Fatalf("cold resolve: %v", err)
	}
	time.Sleep(80 * time.Millisecond)

	if _, err := c.Resolve(ctx, r, cacheCfg, "2026-08-21T01-00Z"); err != nil {
		t.Fatalf("post-expiry resolve: %v", err)
	}
	if got := store.streamCalls.Load(); got != 2 {
		t.Errorf("stream calls = %d, want 2 (expired entry must refetch)", got)
	}
}

func TestResolve_NotFoundPassthrough(t *testing.T) {
	c := openTestCache(t, Options{})
	store := &fakeStore{}
	r := manifest.NewResolver(store)

	_, err := c.Resolve(context.Background(), r, cacheCfg, "2026-08-21T01-00Z")
	if !errors.Is(err, manifest.ErrNotFound) {
		t.Errorf("error = %v, want ErrNotFound", err)
	}

	_, err = c.Resolve(context.Background(), r, cacheCfg, "")
	if !errors.Is(err, manifest.ErrNotFound) {
		t.Errorf("latest error = %v, want ErrNotFound", err)
	}
}

func TestInvalidate(t *testing.T) {
	c := openTestCache(t, Options{})
	store := &fakeStore{}
	store.addDate(cacheCfg, "2026-08-20T01-00Z")
	store.addDate(cacheCfg, "2026-08-21T01-00Z")

	otherCfg := manifest.InventoryConfig{Bucket: "dest-bucket", Prefix: "inv", SourceBucket: "src-bucket", ID: "weekly"}
	store.addDate(otherCfg, "2026-08-17T01-00Z")

	r := manifest.NewResolver(store)
	ctx := context.Background()
	for _, date := range []string{"2026-08-20T01-00Z", "2026-08-21T01-00Z"} {
		if _, err := c.Resolve(ctx, r, cacheCfg, date); err != nil {
			t.Fatalf("resolve %s: %v", date, err)
		}
	}
	if _, err := c.Resolve(ctx, r, otherCfg, "2026-08-17T01-00Z"); err != nil {
		t.Fatalf("resolve other: %v", err)
	}

	if err := c.Invalidate(cacheCfg); err != nil {
		t.Fatalf("invalidate: %v", err)
	}

	for _, date := range []string{"2026-08-20T01-00Z", "2026-08-21T01-00Z"} {
		if _, ok, _ := c.Get(cacheCfg, date); ok {
			t.Errorf("date %s should be invalidated", date)
		}
	}
	if _, ok, _ := c.Get(otherCfg, "2026-08-17T01-00Z"); !ok {
		t.Error("other inventory's entry should survive invalidation")
	}
}

func TestClearAndStats(t *testing.T) {
	c := openTestCache(t, Options{})
	store := &fakeStore{}
	store.addDate(cacheCfg, "2026-08-20T01-00Z")
	store.addDate(cacheCfg, "2026-08-21T01-00Z")
	r := manifest.NewResolver(store)
	ctx := context.Background()

	for _, date := range []string{"2026-08-20T01-00Z", "2026-08-21T01-00Z"} {
		if _, err := c.Resolve(ctx, r, cacheCfg, date); err != nil {
			t.Fatalf("resolve %s: %v", date, err)
		}
	}

	stats, err := c.Stats()
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.Entries != 2 {
		t.Errorf("Entries = %d, want 2", stats.Entries)
	}
	if stats.TotalBytes <= 0 {
		t.Errorf("TotalBytes = %d, want > 0", stats.TotalBytes)
	}
	if stats.Dir == "" {
		t.Error("Dir should be set")
	}
	if got := stats.Inventories["dest-bucket/daily"]; got != 2 {
		t.Errorf("Inventories[dest-bucket/daily] = %d, want 2", got)
	}

	if err := c.Clear(); err != nil {
		t.Fatalf("clear: %v", err)
	}
	stats, err = c.Stats()
	if err != nil {
		t.Fatalf("stats after clear: %v", err)
	}
	if stats.Entries != 0 {
		t.Errorf("Entries after clear = %d, want 0", stats.Entries)
	}
}

func TestOpenPersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	store := &fakeStore{}
	store.addDate(cacheCfg, "2026-08-21T01-00Z")
	r := manifest.NewResolver(store)
	ctx := context.Background()

	c1, err := Open(Options{Dir: dir})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	resolved, err := c1.Resolve(ctx, r, cacheCfg, "2026-08-21T01-00Z")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if err := c1.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	c2, err := Open(Options{Dir: dir})
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer c2.Close()

	got, ok, err := c2.Get(cacheCfg, "2026-08-21T01-00Z")
	if err != nil {
		t.Fatalf("get after reopen: %v", err)
	}
	if !ok {
		t.Fatal("entry should survive reopen")
	}
	if !bytes.Equal(got.Raw, resolved.Raw) {
		t.Error("persisted Raw differs")
	}
}
