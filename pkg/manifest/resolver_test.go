package manifest

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"testing"

	"github.com/eunmann/s3-inv-query/pkg/s3fetch"
)

// fakeStore is an in-memory object store for one bucket.
type fakeStore struct {
	bucket  string
	objects map[string][]byte
	getErr  map[string]error
	listErr error
}

func (f *fakeStore) ListKeys(_ context.Context, bucket, prefix string) ([]s3fetch.KeyInfo, error) {
	if f.listErr != nil {
		return nil, f.listErr
	}
	if bucket != f.bucket {
		return nil, nil
	}
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
	if err := f.getErr[key]; err != nil {
		return nil, err
	}
	data, ok := f.objects[key]
	if !ok || bucket != f.bucket {
		return nil, fmt.Errorf("get s3://%s/%s: %w", bucket, key, s3fetch.ErrKeyNotFound)
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func manifestJSON(files ...string) []byte {
	var refs []string
	for _, f := range files {
		refs = append(refs, fmt.Sprintf(`{"key": %q, "size": 128, "MD5checksum": "d41d8cd9"}`, f))
	}
	return fmt.Appendf(nil, `{
		"sourceBucket": "src-bucket",
		"destinationBucket": "arn:aws:s3:::dest-bucket",
		"version": "2016-11-30",
		"fileFormat": "CSV",
		"fileSchema": "Bucket, Key, Size, LastModifiedDate, ETag, StorageClass",
		"files": [%s]
	}`, strings.Join(refs, ","))
}

var testCfg = InventoryConfig{
	Bucket:       "dest-bucket",
	Prefix:       "inv",
	SourceBucket: "src-bucket",
	ID:           "daily",
}

func storeWithDates(dates ...string) *fakeStore {
	objects := map[string][]byte{}
	for _, d := range dates {
		objects[testCfg.ManifestKey(d)] = manifestJSON("inv/src-bucket/daily/data/part-" + d + ".csv.gz")
		objects["inv/src-bucket/daily/"+d+"/manifest.checksum"] = []byte("cafebabe")
	}
	// Noise that shares the prefix but is not a dated manifest.
	objects["inv/src-bucket/daily/data/part-000.csv.gz"] = []byte("gzdata")
	objects["inv/src-bucket/daily/hive/dt=2026-08-20-01-00/symlink.txt"] = []byte("s3://x")
	return &fakeStore{bucket: testCfg.Bucket, objects: objects}
}

func TestResolveDate(t *testing.T) {
	store := storeWithDates("2026-08-20T01-00Z", "2026-08-21T01-00Z")
	r := NewResolver(store)

	resolved, err := r.ResolveDate(context.Background(), testCfg, "2026-08-20T01-00Z")
	if err != nil {
		t.Fatalf("ResolveDate: %v", err)
	}
	if resolved.Date != "2026-08-20T01-00Z" {
		t.Errorf("Date = %q, want 2026-08-20T01-00Z", resolved.Date)
	}
	if want := testCfg.ManifestKey("2026-08-20T01-00Z"); resolved.Key != want {
		t.Errorf("Key = %q, want %q", resolved.Key, want)
	}
	if resolved.Manifest == nil || len(resolved.Manifest.Files) != 1 {
		t.Fatal("manifest not parsed")
	}
	if !bytes.Equal(resolved.Raw, store.objects[resolved.Key]) {
		t.Error("Raw bytes should match fetched object exactly")
	}
}

func TestResolveDate_Missing(t *testing.T) {
	r := NewResolver(storeWithDates("2026-08-20T01-00Z"))

	_, err := r.ResolveDate(context.Background(), testCfg, "2026-08-19T01-00Z")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("error = %v, want ErrNotFound", err)
	}
}

func TestResolveDate_InvalidDate(t *testing.T) {
	r := NewResolver(storeWithDates("2026-08-20T01-00Z"))

	if _, err := r.ResolveDate(context.Background(), testCfg, "last tuesday"); err == nil {
		t.Error("expected error for invalid date")
	}
}

func TestResolveDate_Corrupt(t *testing.T) {
	store := storeWithDates("2026-08-20T01-00Z")
	store.objects[testCfg.ManifestKey("2026-08-20T01-00Z")] = []byte(`{"files": []}`)
	r := NewResolver(store)

	_, err := r.ResolveDate(context.Background(), testCfg, "2026-08-20T01-00Z")
	if !errors.Is(err, ErrCorrupt) {
		t.Errorf("error = %v, want ErrCorrupt", err)
	}
}

func TestResolveDate_TransientPassesThrough(t *testing.T) {
	store := storeWithDates("2026-08-20T01-00Z")
	key := testCfg.ManifestKey("2026-08-20T01-00Z")
	store.getErr = map[string]error{
		key: fmt.Errorf("get object: %w after 3 attempts: connection reset", s3fetch.ErrSourceUnavailable),
	}
	r := NewResolver(store)

	_, err := r.ResolveDate(context.Background(), testCfg, "2026-08-20T01-00Z")
	if !errors.Is(err, s3fetch.ErrSourceUnavailable) {
		t.Errorf("error = %v, want ErrSourceUnavailable", err)
	}
}

func TestResolveLatest_PicksNewest(t *testing.T) {
	r := NewResolver(storeWithDates("2026-08-19T01-00Z", "2026-08-21T01-00Z", "2026-08-20T01-00Z"))

	resolved, err := r.ResolveLatest(context.Background(), testCfg)
	if err != nil {
		t.Fatalf("ResolveLatest: %v", err)
	}
	if resolved.Date != "2026-08-21T01-00Z" {
		t.Errorf("Date = %q, want newest 2026-08-21T01-00Z", resolved.Date)
	}
}

func TestResolveLatest_SkipsCorruptNewest(t *testing.T) {
	store := storeWithDates("2026-08-20T01-00Z", "2026-08-21T01-00Z")
	store.objects[testCfg.ManifestKey("2026-08-21T01-00Z")] = []byte("not json at all")
	r := NewResolver(store)

	resolved, err := r.ResolveLatest(context.Background(), testCfg)
	if err != nil {
		t.Fatalf("ResolveLatest: %v", err)
	}
	if resolved.Date != "2026-08-20T01-00Z" {
		t.Errorf("Date = %q, want fallback 2026-08-20T01-00Z", resolved.Date)
	}
}

func TestResolveLatest_AllCorrupt(t *testing.T) {
	store := storeWithDates("2026-08-20T01-00Z", "2026-08-21T01-00Z")
	store.objects[testCfg.ManifestKey("2026-08-20T01-00Z")] = []byte("junk")
	store.objects[testCfg.ManifestKey("2026-08-21T01-00Z")] = []byte("junk")
	r := NewResolver(store)

	_, err := r.ResolveLatest(context.Background(), testCfg)
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("error = %v, want ErrNotFound", err)
	}
	if !errors.Is(err, ErrCorrupt) {
		t.Errorf("error should also wrap the last corruption, got: %v", err)
	}
}

func TestResolveLatest_NoCandidates(t *testing.T) {
	store := &fakeStore{bucket: testCfg.Bucket, objects: map[string][]byte{}}
	r := NewResolver(store)

	_, err := r.ResolveLatest(context.Background(), testCfg)
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("error = %v, want ErrNotFound", err)
	}
}

func TestResolveLatest_TransientAborts(t *testing.T) {
	store := storeWithDates("2026-08-20T01-00Z", "2026-08-21T01-00Z")
	store.getErr = map[string]error{
		testCfg.ManifestKey("2026-08-21T01-00Z"): fmt.Errorf("throttled: %w", s3fetch.ErrSourceUnavailable),
	}
	r := NewResolver(store)

	// The newest candidate failing transiently must not silently fall
	// back to an older snapshot.
	_, err := r.ResolveLatest(context.Background(), testCfg)
	if !errors.Is(err, s3fetch.ErrSourceUnavailable) {
		t.Errorf("error = %v, want ErrSourceUnavailable", err)
	}
}

func TestListDates(t *testing.T) {
	r := NewResolver(storeWithDates("2026-08-19T01-00Z", "2026-08-21T01-00Z", "2026-08-20T01-00Z"))

	entries, err := r.ListDates(context.Background(), testCfg)
	if err != nil {
		t.Fatalf("ListDates: %v", err)
	}

	want := []string{"2026-08-21T01-00Z", "2026-08-20T01-00Z", "2026-08-19T01-00Z"}
	if len(entries) != len(want) {
		t.Fatalf("got %d entries, want %d", len(entries), len(want))
	}
	for i, e := range entries {
		if e.Date != want[i] {
			t.Errorf("entries[%d].Date = %q, want %q", i, e.Date, want[i])
		}
		if wantKey := testCfg.ManifestKey(want[i]); e.ManifestKey != wantKey {
			t.Errorf("entries[%d].ManifestKey = %q, want %q", i, e.ManifestKey, wantKey)
		}
	}
}

func TestListDates_ListFailure(t *testing.T) {
	store := storeWithDates("2026-08-20T01-00Z")
	store.listErr = fmt.Errorf("list: %w", s3fetch.ErrSourceUnavailable)
	r := NewResolver(store)

	_, err := r.ListDates(context.Background(), testCfg)
	if !errors.Is(err, s3fetch.ErrSourceUnavailable) {
		t.Errorf("error = %v, want ErrSourceUnavailable", err)
	}
}
