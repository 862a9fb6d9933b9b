package cli

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"io"
	"time"

	"github.com/eunmann/s3-inv-query/pkg/query"
)

// runSearch streams matching keys to stdout as tab-separated rows:
// key, size, last modified, storage class, and in folder mode the
// matched folder path.
func runSearch(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	fs := flag.NewFlagSet("search", flag.ContinueOnError)
	var sf scanFlags
	bindScanFlags(fs, &sf)
	modeName := fs.String("mode", "substring", "match mode: substring, prefix, or folder")
	insensitive := fs.Bool("i", false, "case-insensitive matching")
	maxMatches := fs.Int("max", 0, "stop after this many matches (0 = all)")

	if err := parseFlags(fs, args); err != nil {
		return err
	}
	if fs.NArg() > 1 {
		return usagef("search takes one query argument, got %d", fs.NArg())
	}

	mode, err := query.ParseMatchMode(*modeName)
	if err != nil {
		return &usageError{err: err}
	}

	eng, req, cleanup, err := buildEngine(ctx, &sf, stderr)
	if err != nil {
		return err
	}
	defer cleanup()

	sreq := query.SearchRequest{
		Request:         req,
		Query:           fs.Arg(0),
		Mode:            mode,
		CaseInsensitive: *insensitive,
	}

	// -max cancels the scan once enough matches arrived; the summary
	// then reports a partial scan, which is still a success.
	sctx := ctx
	stopEarly := func() {}
	if *maxMatches > 0 {
		var cancel context.CancelFunc
		sctx, cancel = context.WithCancel(ctx)
		defer cancel()
		stopEarly = cancel
	}

	w := bufio.NewWriter(stdout)
	delivered := 0
	sum, err := eng.Search(sctx, sreq, func(m query.Match) {
		if *maxMatches > 0 && delivered >= *maxMatches {
			return
		}
		writeMatch(w, m, mode)
		delivered++
		if *maxMatches > 0 && delivered == *maxMatches {
			stopEarly()
		}
	})
	if err != nil {
		return err
	}
	if err := w.Flush(); err != nil {
		return err
	}

	fprintSummary(stderr, sum)
	return nil
}

func writeMatch(w io.Writer, m query.Match, mode query.MatchMode) {
	lastModified := ""
	if !m.LastModified.IsZero() {
		lastModified = m.LastModified.Format(time.RFC3339)
	}
	if mode == query.MatchExactFolder {
		fmt.Fprintf(w, "%s\t%d\t%s\t%s\t%s\n", m.Key, m.Size, lastModified, m.StorageClass, m.FolderPath)
		return
	}
	fmt.Fprintf(w, "%s\t%d\t%s\t%s\n", m.Key, m.Size, lastModified, m.StorageClass)
}
