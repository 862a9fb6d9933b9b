// Package cli implements the command-line interface for s3inv-query.
package cli

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/eunmann/s3-inv-query/pkg/humanfmt"
	"github.com/eunmann/s3-inv-query/pkg/logging"
	"github.com/eunmann/s3-inv-query/pkg/manifestcache"
	"github.com/eunmann/s3-inv-query/pkg/memdiag"
	"github.com/eunmann/s3-inv-query/pkg/query"
	"github.com/eunmann/s3-inv-query/pkg/s3fetch"
)

const usageText = `usage: s3inv-query <command> [options]

commands:
  search     find object keys in an inventory snapshot
  du         aggregate sizes and object counts by path prefix
  manifests  list available inventory snapshot dates
  cache      inspect or clear the local manifest cache

run 's3inv-query <command> -h' for command options`

// usageError marks errors caused by bad invocations, so Run can exit
// with the usage status instead of the runtime failure status.
type usageError struct{ err error }

func (e *usageError) Error() string { return e.err.Error() }
func (e *usageError) Unwrap() error { return e.err }

func usagef(format string, args ...any) error {
	return &usageError{err: fmt.Errorf(format, args...)}
}

// Run executes the CLI and returns the process exit code: 0 on success
// (including a scan cut short by SIGINT, which still prints partial
// results), 1 on usage errors, 2 on runtime failures.
func Run(args []string) int {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	stopDiag := memdiag.StartIfEnabled()
	defer stopDiag()

	err := run(ctx, args, os.Stdout, os.Stderr)
	if err == nil {
		return 0
	}
	if errors.Is(err, flag.ErrHelp) {
		return 0
	}
	fmt.Fprintf(os.Stderr, "error: %v\n", err)
	var ue *usageError
	if errors.As(err, &ue) {
		return 1
	}
	return 2
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	if len(args) == 0 {
		return usagef("%s", usageText)
	}

	switch args[0] {
	case "search":
		return runSearch(ctx, args[1:], stdout, stderr)
	case "du":
		return runDU(ctx, args[1:], stdout, stderr)
	case "manifests":
		return runManifests(ctx, args[1:], stdout)
	case "cache":
		return runCache(args[1:], stdout)
	default:
		return usagef("unknown command %q\n\n%s", args[0], usageText)
	}
}

// parseFlags wraps FlagSet.Parse so that bad flags become usage errors
// and -h propagates as flag.ErrHelp, which Run treats as success.
func parseFlags(fs *flag.FlagSet, args []string) error {
	err := fs.Parse(args)
	if err == nil {
		return nil
	}
	if errors.Is(err, flag.ErrHelp) {
		return err
	}
	return &usageError{err: err}
}

// scanFlags are the flags shared by the search and du commands.
type scanFlags struct {
	debug       bool
	pretty      bool
	bucket      string
	inventory   string
	prefix      string
	source      string
	date        string
	concurrency int
	maxBadRows  int
	dataDir     string
	cacheDir    string
	noCache     bool
	cacheTTL    time.Duration
}

func bindScanFlags(fs *flag.FlagSet, f *scanFlags) {
	fs.BoolVar(&f.debug, "debug", false, "enable debug logging")
	fs.BoolVar(&f.pretty, "pretty", false, "human-friendly log output")
	fs.StringVar(&f.bucket, "bucket", "", "inventory destination bucket (name, ARN, or s3:// URI)")
	fs.StringVar(&f.inventory, "inventory", "", "inventory configuration name")
	fs.StringVar(&f.prefix, "prefix", "", "inventory destination prefix")
	fs.StringVar(&f.source, "source", "", "source bucket when it differs from the destination")
	fs.StringVar(&f.date, "date", "", "snapshot date (YYYY-MM-DDTHH-MMZ, default latest)")
	fs.IntVar(&f.concurrency, "concurrency", 0, "parallel data file scans (default auto)")
	fs.IntVar(&f.maxBadRows, "max-bad-rows", 0, "consecutive malformed rows before a data file is abandoned (default 100)")
	fs.StringVar(&f.dataDir, "data-dir", "", "download data files here before scanning")
	fs.StringVar(&f.cacheDir, "cache-dir", "", "manifest cache directory (default $S3INVQ_CACHE_DIR or XDG cache)")
	fs.BoolVar(&f.noCache, "no-cache", false, "bypass the manifest cache")
	fs.DurationVar(&f.cacheTTL, "cache-ttl", 0, "expire cached manifests older than this (default never)")
}

// newStore builds the S3 client. Tests swap it out to run the CLI
// against an in-memory store.
var newStore = func(ctx context.Context) (s3fetch.Store, error) {
	return s3fetch.NewClient(ctx)
}

// resolveBuckets normalizes the -bucket, -prefix, and -source flags.
// An s3:// bucket URI's path becomes the prefix unless -prefix is set.
func resolveBuckets(bucketFlag, prefixFlag, sourceFlag string) (bucket, prefix, source string, err error) {
	if bucketFlag == "" {
		return "", "", "", usagef("-bucket is required")
	}
	bucket, keyPrefix, err := s3fetch.ParseBucketIdentifier(bucketFlag)
	if err != nil {
		return "", "", "", &usageError{err: err}
	}
	prefix = prefixFlag
	if prefix == "" {
		prefix = keyPrefix
	}
	if sourceFlag != "" {
		if source, _, err = s3fetch.ParseBucketIdentifier(sourceFlag); err != nil {
			return "", "", "", &usageError{err: err}
		}
	}
	return bucket, prefix, source, nil
}

func resolveCacheDir(flagVal string) string {
	if flagVal != "" {
		return flagVal
	}
	// Empty falls through to the XDG default inside manifestcache.
	return os.Getenv("S3INVQ_CACHE_DIR")
}

// buildEngine validates scan flags and assembles the query engine. The
// returned cleanup closes the manifest cache.
func buildEngine(ctx context.Context, f *scanFlags, stderr io.Writer) (*query.Engine, query.Request, func(), error) {
	logging.Init(f.debug, f.pretty)

	bucket, prefix, source, err := resolveBuckets(f.bucket, f.prefix, f.source)
	if err != nil {
		return nil, query.Request{}, nil, err
	}
	if f.inventory == "" {
		return nil, query.Request{}, nil, usagef("-inventory is required")
	}

	store, err := newStore(ctx)
	if err != nil {
		return nil, query.Request{}, nil, err
	}

	cleanup := func() {}
	var cache *manifestcache.Cache
	if !f.noCache {
		cache, err = manifestcache.Open(manifestcache.Options{Dir: resolveCacheDir(f.cacheDir), TTL: f.cacheTTL})
		if err != nil {
			// A locked or unreadable cache should not block the query.
			fmt.Fprintf(stderr, "warning: manifest cache unavailable: %v\n", err)
			cache = nil
		} else {
			cleanup = func() { cache.Close() }
		}
	}

	eng := query.New(store, cache, query.Options{
		Concurrency:             f.concurrency,
		MaxConsecutiveMalformed: f.maxBadRows,
		DataDir:                 f.dataDir,
	})
	req := query.Request{
		Bucket:       bucket,
		InventoryID:  f.inventory,
		Prefix:       prefix,
		SourceBucket: source,
		Date:         f.date,
	}
	return eng, req, cleanup, nil
}

// fprintSummary writes the scan summary to stderr so stdout stays
// clean for piping.
func fprintSummary(w io.Writer, sum *query.Summary) {
	partial := ""
	if sum.Partial {
		partial = " [partial]"
	}
	fmt.Fprintf(w, "snapshot %s: %s records across %d files in %s%s\n",
		sum.Date, humanfmt.Count(sum.RecordsScanned), sum.FilesScanned,
		humanfmt.Duration(sum.Elapsed), partial)
	if sum.FilesFailed > 0 {
		fmt.Fprintf(w, "warning: %d data files failed to scan\n", sum.FilesFailed)
	}
	if sum.MalformedRows > 0 {
		fmt.Fprintf(w, "warning: %s malformed rows skipped\n", humanfmt.Count(sum.MalformedRows))
	}
}
