package cli

import (
	"context"
	"flag"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/eunmann/s3-inv-query/pkg/logging"
	"github.com/eunmann/s3-inv-query/pkg/manifest"
)

// runManifests lists the dated deliveries of one inventory
// configuration, newest first.
func runManifests(ctx context.Context, args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet("manifests", flag.ContinueOnError)
	debug := fs.Bool("debug", false, "enable debug logging")
	pretty := fs.Bool("pretty", false, "human-friendly log output")
	bucket := fs.String("bucket", "", "inventory destination bucket (name, ARN, or s3:// URI)")
	inventoryID := fs.String("inventory", "", "inventory configuration name")
	prefix := fs.String("prefix", "", "inventory destination prefix")
	source := fs.String("source", "", "source bucket when it differs from the destination")

	if err := parseFlags(fs, args); err != nil {
		return err
	}
	logging.Init(*debug, *pretty)

	b, p, src, err := resolveBuckets(*bucket, *prefix, *source)
	if err != nil {
		return err
	}
	if *inventoryID == "" {
		return usagef("-inventory is required")
	}

	store, err := newStore(ctx)
	if err != nil {
		return err
	}

	cfg := manifest.InventoryConfig{Bucket: b, Prefix: p, SourceBucket: src, ID: *inventoryID}
	entries, err := manifest.NewResolver(store).ListDates(ctx, cfg)
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		return fmt.Errorf("no inventory manifests under s3://%s/%s", b, cfg.InventoryPrefix())
	}

	tw := tabwriter.NewWriter(stdout, 2, 4, 2, ' ', 0)
	for i, e := range entries {
		marker := ""
		if i == 0 {
			marker = "(latest)"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\n", e.Date, e.ManifestKey, marker)
	}
	return tw.Flush()
}
