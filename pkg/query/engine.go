// Package query runs searches and size aggregations over S3 Inventory
// snapshots. An Engine resolves the requested snapshot through the
// manifest cache, then scans the snapshot's data files with a bounded
// worker pool, streaming records straight out of the inventory files
// without building any intermediate index.
package query

import (
	"context"
	"errors"
	"fmt"
	"io"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/eunmann/s3-inv-query/internal/logctx"
	"github.com/eunmann/s3-inv-query/pkg/inventory"
	"github.com/eunmann/s3-inv-query/pkg/logging"
	"github.com/eunmann/s3-inv-query/pkg/manifest"
	"github.com/eunmann/s3-inv-query/pkg/manifestcache"
	"github.com/eunmann/s3-inv-query/pkg/s3fetch"
	"github.com/eunmann/s3-inv-query/pkg/sysmem"
)

// Request identifies the inventory snapshot a query runs against.
type Request struct {
	// Bucket is the inventory destination bucket, where AWS delivers
	// manifests and data files.
	Bucket string

	// InventoryID is the inventory configuration name.
	InventoryID string

	// Prefix is the destination prefix configured for the inventory.
	// May be empty.
	Prefix string

	// SourceBucket is the bucket the inventory lists. Defaults to
	// Bucket when empty.
	SourceBucket string

	// Date pins the query to one delivery (YYYY-MM-DDTHH-MMZ). Empty
	// means the latest usable delivery.
	Date string
}

func (r Request) config() manifest.InventoryConfig {
	return manifest.InventoryConfig{
		Bucket:       r.Bucket,
		Prefix:       r.Prefix,
		SourceBucket: r.SourceBucket,
		ID:           r.InventoryID,
	}
}

// perWorkerBytes approximates a scan worker's peak memory: transfer
// buffers plus decode state for one data file.
const perWorkerBytes = 64 << 20

// Options tunes how the engine scans data files.
type Options struct {
	// Concurrency bounds how many data files are scanned in parallel.
	// Defaults to min(GOMAXPROCS, 16), capped so the pool stays within
	// half of system memory.
	Concurrency int

	// MaxConsecutiveMalformed is handed to the record readers; see
	// inventory.ReaderOptions.
	MaxConsecutiveMalformed int

	// MatchBuffer is the per-file match channel capacity used by
	// Search. Defaults to 256.
	MatchBuffer int

	// DataDir, when set, materializes data files under this directory
	// before scanning, so re-running queries against a warm directory
	// skips the transfer. Requires the engine's store to be the
	// s3fetch client; other stores fall back to streaming.
	DataDir string

	// Download tunes the transfer manager used for DataDir.
	Download s3fetch.DownloaderConfig
}

// DefaultOptions returns the scanning defaults.
func DefaultOptions() Options {
	conc := runtime.GOMAXPROCS(0)
	if conc > 16 {
		conc = 16
	}
	return Options{
		Concurrency: sysmem.CapWorkers(conc, perWorkerBytes),
		MatchBuffer: 256,
	}
}

// normalized fills unset fields from DefaultOptions.
func (o Options) normalized() Options {
	def := DefaultOptions()
	if o.Concurrency <= 0 {
		o.Concurrency = def.Concurrency
	}
	if o.MatchBuffer <= 0 {
		o.MatchBuffer = def.MatchBuffer
	}
	return o
}

// Engine executes queries against inventory snapshots.
type Engine struct {
	store s3fetch.Store
	cache *manifestcache.Cache
	opts  Options
	dl    *s3fetch.Downloader
}

// New builds an Engine. cache may be nil, in which case every query
// resolves its manifest from the store directly.
func New(store s3fetch.Store, cache *manifestcache.Cache, opts Options) *Engine {
	opts = opts.normalized()
	e := &Engine{store: store, cache: cache, opts: opts}
	if opts.DataDir != "" {
		if client, ok := store.(*s3fetch.Client); ok {
			e.dl = s3fetch.NewDownloader(client, opts.Download)
		}
	}
	return e
}

// Summary describes how a scan went. Both operations return one even
// when the scan ended early.
type Summary struct {
	// Date and ManifestKey identify the snapshot that was scanned.
	Date        string
	ManifestKey string

	// FilesScanned counts data files streamed to completion.
	// FilesFailed counts files abandoned after a fetch or decode
	// failure. Files cut short by cancellation count in neither.
	FilesScanned int
	FilesFailed  int

	// RecordsScanned counts every row decoded, valid or malformed.
	// MalformedRows is the subset that was skipped.
	RecordsScanned int64
	MalformedRows  int64

	// Partial is set when the scan was cancelled before covering every
	// data file.
	Partial bool

	Elapsed time.Duration
}

// resolve produces the manifest for the requested snapshot, through the
// cache when one is configured.
func (e *Engine) resolve(ctx context.Context, req Request) (*manifest.Resolved, error) {
	cfg := req.config()
	r := manifest.NewResolver(e.store)
	if e.cache != nil {
		return e.cache.Resolve(ctx, r, cfg, req.Date)
	}
	if req.Date != "" {
		return r.ResolveDate(ctx, cfg, req.Date)
	}
	return r.ResolveLatest(ctx, cfg)
}

// scanPlan carries everything the workers need to open data files.
type scanPlan struct {
	res    *manifest.Resolved
	format manifest.Format
	sch    *manifest.Schema

	// bucket is where the data files live (the manifest's destination
	// bucket, not necessarily the configured one).
	bucket string

	// localPaths is parallel to the manifest's file list when the data
	// files were materialized to DataDir; nil means stream from S3.
	localPaths []string
}

// plan resolves the snapshot and prepares the scan.
func (e *Engine) plan(ctx context.Context, req Request) (*scanPlan, error) {
	res, err := e.resolve(ctx, req)
	if err != nil {
		return nil, err
	}

	m := res.Manifest
	format := m.Format()
	if format == manifest.FormatORC {
		return nil, fmt.Errorf("%w: inventory %s is ORC", inventory.ErrUnsupportedFormat, res.Key)
	}

	// Parquet carries its own schema; a fileSchema the readers cannot
	// use only matters for CSV.
	sch, err := m.Schema()
	if err != nil && format != manifest.FormatParquet {
		return nil, err
	}

	log := logctx.FromContext(ctx)
	log.Debug().
		Str("date", res.Date).
		Str("format", format.String()).
		Int("files", len(m.Files)).
		Int64("data_bytes", m.TotalDataSize()).
		Msg("snapshot resolved")

	p := &scanPlan{res: res, format: format, sch: sch, bucket: dataBucket(res)}
	p.localPaths = e.materialize(ctx, p.bucket, m)
	return p, nil
}

// dataBucket picks the bucket the manifest's data files live in,
// falling back to the configured bucket when the manifest does not name
// a usable destination.
func dataBucket(res *manifest.Resolved) string {
	b, err := res.Manifest.DataBucket()
	if err != nil || b == "" {
		return res.Config.Bucket
	}
	return b
}

// materialize downloads the manifest's data files to DataDir when the
// engine has a downloader. Any failure falls back to streaming.
func (e *Engine) materialize(ctx context.Context, bucket string, m *manifest.Manifest) []string {
	if e.dl == nil {
		return nil
	}
	specs := make([]s3fetch.FileSpec, len(m.Files))
	for i, f := range m.Files {
		specs[i] = s3fetch.FileSpec{Key: f.Key, Size: f.Size}
	}
	res, err := e.dl.FetchAll(ctx, bucket, specs, e.opts.DataDir)
	if err != nil {
		log := logctx.FromContext(ctx)
		log.Warn().Err(err).Msg("data dir fetch failed, falling back to streaming")
		return nil
	}
	return res.Paths
}

// openFile opens data file idx either from its materialized local copy
// or as a stream from the store.
func (e *Engine) openFile(ctx context.Context, p *scanPlan, idx int) (inventory.Reader, error) {
	ropts := inventory.ReaderOptions{MaxConsecutiveMalformed: e.opts.MaxConsecutiveMalformed}
	f := p.res.Manifest.Files[idx]
	if p.localPaths != nil {
		return inventory.OpenPath(p.localPaths[idx], p.format, p.sch, ropts)
	}
	rc, err := e.store.StreamObject(ctx, p.bucket, f.Key)
	if err != nil {
		return nil, err
	}
	return inventory.Open(rc, f.Key, p.format, p.sch, ropts)
}

// fileResult is what scanning one data file produced. records counts
// rows seen, valid plus malformed.
type fileResult struct {
	records   int64
	malformed int64
	completed bool
	failed    bool
}

// scanOne streams one data file, invoking onRecord for each valid row.
// Failures are logged here; callers only see counts. Cancellation is
// checked between rows and never marks the file failed.
func (e *Engine) scanOne(ctx context.Context, p *scanPlan, idx int, onRecord func(inventory.Record)) fileResult {
	var fr fileResult
	f := p.res.Manifest.Files[idx]
	log := logctx.FromContext(ctx)

	r, err := e.openFile(ctx, p, idx)
	if err != nil {
		if ctx.Err() != nil {
			return fr
		}
		log.Warn().Err(err).Str("key", f.Key).Msg("data file unreadable")
		fr.failed = true
		return fr
	}
	defer r.Close()

	var valid int64
	finish := func() {
		fr.malformed = r.Malformed()
		fr.records = valid + fr.malformed
	}

	for {
		if ctx.Err() != nil {
			finish()
			return fr
		}
		rec, err := r.Next()
		if err != nil {
			finish()
			switch {
			case errors.Is(err, io.EOF):
				fr.completed = true
			case ctx.Err() != nil:
				// Cancelled mid-read; keep what was decoded.
			default:
				log.Warn().Err(err).Str("key", f.Key).Int64("rows", valid).Msg("data file stream failed")
				fr.failed = true
			}
			return fr
		}
		valid++
		onRecord(rec)
	}
}

// scanCounters accumulates per-file results across the worker pool.
type scanCounters struct {
	scanned   atomic.Int64
	failed    atomic.Int64
	records   atomic.Int64
	malformed atomic.Int64
}

func (c *scanCounters) report(sp *logging.ScanProgress, fr fileResult) {
	c.records.Add(fr.records)
	c.malformed.Add(fr.malformed)
	switch {
	case fr.failed:
		c.failed.Add(1)
		sp.AddRecords(fr.records)
		sp.FileFailed()
	case fr.completed:
		c.scanned.Add(1)
		sp.FileDone(fr.records)
	default:
		sp.AddRecords(fr.records)
	}
}

func (c *scanCounters) summary(res *manifest.Resolved, partial bool, elapsed time.Duration) *Summary {
	return &Summary{
		Date:           res.Date,
		ManifestKey:    res.Key,
		FilesScanned:   int(c.scanned.Load()),
		FilesFailed:    int(c.failed.Load()),
		RecordsScanned: c.records.Load(),
		MalformedRows:  c.malformed.Load(),
		Partial:        partial,
		Elapsed:        elapsed,
	}
}
