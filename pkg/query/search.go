package query

import (
	"context"
	"fmt"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/eunmann/s3-inv-query/internal/logctx"
	"github.com/eunmann/s3-inv-query/pkg/inventory"
	"github.com/eunmann/s3-inv-query/pkg/logging"
	"github.com/eunmann/s3-inv-query/pkg/memdiag"
)

// MatchMode selects how Search compares the query against object keys.
type MatchMode int

const (
	// MatchSubstring matches the query anywhere in the key.
	MatchSubstring MatchMode = iota

	// MatchPrefix matches keys that start with the query.
	MatchPrefix

	// MatchExactFolder matches keys that contain a directory segment
	// exactly equal to the query. The leaf object name never matches.
	MatchExactFolder
)

func (m MatchMode) String() string {
	switch m {
	case MatchPrefix:
		return "prefix"
	case MatchExactFolder:
		return "folder"
	default:
		return "substring"
	}
}

// ParseMatchMode parses a mode name as given on the command line.
func ParseMatchMode(s string) (MatchMode, error) {
	switch strings.ToLower(s) {
	case "", "substring":
		return MatchSubstring, nil
	case "prefix":
		return MatchPrefix, nil
	case "folder", "exact-folder":
		return MatchExactFolder, nil
	default:
		return 0, fmt.Errorf("unknown match mode %q (want substring, prefix or folder)", s)
	}
}

// SearchRequest is a key search over one inventory snapshot.
type SearchRequest struct {
	Request

	// Query is the text to look for. An empty query matches every key.
	Query string

	Mode MatchMode

	// CaseInsensitive folds both query and keys before comparing.
	CaseInsensitive bool
}

// Match is one search hit.
type Match struct {
	inventory.Record

	// FolderPath is set in MatchExactFolder mode: the key's directory
	// path up to and including the first segment that matched, in the
	// key's original case.
	FolderPath string
}

type matcher struct {
	query string
	mode  MatchMode
	fold  bool
}

func newMatcher(req SearchRequest) matcher {
	q := req.Query
	if req.CaseInsensitive {
		q = strings.ToLower(q)
	}
	return matcher{query: q, mode: req.Mode, fold: req.CaseInsensitive}
}

func (m matcher) match(key string) (folder string, ok bool) {
	k := key
	if m.fold {
		k = strings.ToLower(k)
	}
	switch m.mode {
	case MatchPrefix:
		return "", strings.HasPrefix(k, m.query)
	case MatchExactFolder:
		// Leftmost matching segment wins. The final segment is the
		// object name, not a folder, so it is excluded.
		segs := strings.Split(key, "/")
		for i := 0; i < len(segs)-1; i++ {
			seg := segs[i]
			if m.fold {
				seg = strings.ToLower(seg)
			}
			if seg == m.query {
				return strings.Join(segs[:i+1], "/"), true
			}
		}
		return "", false
	default:
		return "", strings.Contains(k, m.query)
	}
}

// Search scans the snapshot's data files and streams every matching
// record to onMatch, grouped by data file in manifest order. Cancelling
// the context stops the scan early; Search then still returns a summary
// with Partial set and a nil error.
func (e *Engine) Search(ctx context.Context, req SearchRequest, onMatch func(Match)) (*Summary, error) {
	start := time.Now()
	memdiag.Global().SetPhase("search")
	ctx = logctx.WithInventory(ctx, req.Bucket, req.InventoryID)
	log := logctx.FromContext(ctx)

	p, err := e.plan(ctx, req.Request)
	if err != nil {
		return nil, err
	}

	files := p.res.Manifest.Files
	mt := newMatcher(req)
	sp := logging.NewScanProgress("search", len(files), log)
	var c scanCounters

	chans := make([]chan Match, len(files))
	for i := range chans {
		chans[i] = make(chan Match, e.opts.MatchBuffer)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.opts.Concurrency)

	// Workers are dispatched off this goroutine because g.Go blocks at
	// the concurrency limit, and the current goroutine has to keep
	// draining match channels below or the pool would deadlock.
	go func() {
		for i := range files {
			g.Go(func() error {
				defer close(chans[i])
				if gctx.Err() != nil {
					return nil
				}
				fctx := logctx.WithInt(gctx, "file_index", i)
				fr := e.scanOne(fctx, p, i, func(rec inventory.Record) {
					folder, ok := mt.match(rec.Key)
					if !ok {
						return
					}
					select {
					case chans[i] <- Match{Record: rec, FolderPath: folder}:
					case <-gctx.Done():
					}
				})
				c.report(sp, fr)
				return nil
			})
		}
	}()

	// Ordered fan-in: deliver matches strictly in file order while
	// later files keep scanning in the background.
	for _, ch := range chans {
		for m := range ch {
			onMatch(m)
		}
	}

	// Every channel is closed, so all workers have returned; Wait only
	// publishes their counter writes.
	_ = g.Wait()

	sum := c.summary(p.res, ctx.Err() != nil, time.Since(start))
	logging.PhaseComplete(log, "search", sum.Elapsed).
		Int("files_scanned", sum.FilesScanned).
		Int("files_failed", sum.FilesFailed).
		Count("records", sum.RecordsScanned).
		Count("malformed_rows", sum.MalformedRows).
		Bool("partial", sum.Partial).
		Log("search complete")
	return sum, nil
}
