package cli

import (
	"flag"
	"fmt"
	"io"
	"sort"

	"github.com/eunmann/s3-inv-query/pkg/humanfmt"
	"github.com/eunmann/s3-inv-query/pkg/logging"
	"github.com/eunmann/s3-inv-query/pkg/manifest"
	"github.com/eunmann/s3-inv-query/pkg/manifestcache"
	"github.com/eunmann/s3-inv-query/pkg/s3fetch"
)

// runCache administers the local manifest cache. Exactly one of
// -stats, -clear, or -invalidate must be given.
func runCache(args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet("cache", flag.ContinueOnError)
	debug := fs.Bool("debug", false, "enable debug logging")
	pretty := fs.Bool("pretty", false, "human-friendly log output")
	dir := fs.String("dir", "", "cache directory (default $S3INVQ_CACHE_DIR or XDG cache)")
	stats := fs.Bool("stats", false, "print cache statistics")
	clearAll := fs.Bool("clear", false, "remove every cached manifest")
	invalidate := fs.Bool("invalidate", false, "remove cached manifests for one inventory")
	bucket := fs.String("bucket", "", "destination bucket for -invalidate")
	inventoryID := fs.String("inventory", "", "inventory name for -invalidate")

	if err := parseFlags(fs, args); err != nil {
		return err
	}
	logging.Init(*debug, *pretty)

	actions := 0
	for _, on := range []bool{*stats, *clearAll, *invalidate} {
		if on {
			actions++
		}
	}
	if actions != 1 {
		return usagef("cache needs exactly one of -stats, -clear, or -invalidate")
	}

	cache, err := manifestcache.Open(manifestcache.Options{Dir: resolveCacheDir(*dir)})
	if err != nil {
		return err
	}
	defer cache.Close()

	switch {
	case *stats:
		st, err := cache.Stats()
		if err != nil {
			return err
		}
		fmt.Fprintf(stdout, "dir: %s\nentries: %d\nsize: %s\n", st.Dir, st.Entries, humanfmt.Bytes(st.TotalBytes))
		names := make([]string, 0, len(st.Inventories))
		for name := range st.Inventories {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			fmt.Fprintf(stdout, "  %s: %d\n", name, st.Inventories[name])
		}
		return nil
	case *clearAll:
		if err := cache.Clear(); err != nil {
			return err
		}
		fmt.Fprintln(stdout, "cache cleared")
		return nil
	default:
		if *bucket == "" || *inventoryID == "" {
			return usagef("-invalidate needs -bucket and -inventory")
		}
		b, _, err := s3fetch.ParseBucketIdentifier(*bucket)
		if err != nil {
			return &usageError{err: err}
		}
		cfg := manifest.InventoryConfig{Bucket: b, ID: *inventoryID}
		if err := cache.Invalidate(cfg); err != nil {
			return err
		}
		fmt.Fprintf(stdout, "invalidated %s/%s\n", b, *inventoryID)
		return nil
	}
}
