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
	"github.com/eunmann/s3-inv-query/pkg/tiers"
)

// AggregateRequest is a size roll-up over one inventory snapshot.
type AggregateRequest struct {
	Request

	// Depth picks the path depth keys are grouped at. Depth 0 is a
	// single bucket-wide group.
	Depth int
}

// PrefixStats is the roll-up for one path group.
type PrefixStats struct {
	TotalSize   int64
	ObjectCount int64

	// HasChildren reports whether any member key extends beyond the
	// group path, i.e. the group is a directory rather than a single
	// object or a bare folder marker.
	HasChildren bool
}

// AggregateResult is what AggregateByDepth returns.
type AggregateResult struct {
	// Groups maps each truncated path prefix to its stats. Depth 0
	// yields a single "" group covering the whole bucket.
	Groups map[string]PrefixStats

	// TierTotals breaks the scanned bytes down by storage tier.
	TierTotals tiers.Totals

	Summary Summary
}

// groupForKey buckets key at depth and reports whether the key extends
// beyond the group path. Keys with fewer directories than depth form
// their own single-object group under the full key.
func groupForKey(key string, depth int) (string, bool) {
	if depth == 0 {
		return "", len(key) > 0
	}
	segs := strings.Split(key, "/")
	dirs := len(segs) - 1
	if depth > dirs {
		return key, false
	}
	g := strings.Join(segs[:depth], "/")
	// A folder marker sitting exactly at the group path ("g/") does
	// not count as a child.
	return g, len(key) > len(g)+1
}

// AggregateByDepth scans the snapshot and rolls object sizes and counts
// up into path groups at the requested depth. Cancelling the context
// stops the scan early; the groups merged so far are still returned
// with Summary.Partial set and a nil error.
func (e *Engine) AggregateByDepth(ctx context.Context, req AggregateRequest) (*AggregateResult, error) {
	start := time.Now()
	if req.Depth < 0 {
		return nil, fmt.Errorf("aggregate depth must be non-negative, got %d", req.Depth)
	}
	memdiag.Global().SetPhase("aggregate")
	ctx = logctx.WithInventory(ctx, req.Bucket, req.InventoryID)
	log := logctx.FromContext(ctx)

	p, err := e.plan(ctx, req.Request)
	if err != nil {
		return nil, err
	}

	files := p.res.Manifest.Files
	sp := logging.NewScanProgress("aggregate", len(files), log)
	var c scanCounters
	mapping := tiers.NewMapping()

	// Each worker fills only its own slot, so the slice needs no lock;
	// g.Wait publishes the writes before the merge below reads them.
	type fileAgg struct {
		groups map[string]PrefixStats
		tiers  tiers.Totals
	}
	aggs := make([]fileAgg, len(files))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.opts.Concurrency)

	for i := range files {
		g.Go(func() error {
			if gctx.Err() != nil {
				return nil
			}
			fctx := logctx.WithInt(gctx, "file_index", i)
			a := &aggs[i]
			a.groups = make(map[string]PrefixStats)
			fr := e.scanOne(fctx, p, i, func(rec inventory.Record) {
				grp, hasChildren := groupForKey(rec.Key, req.Depth)
				st := a.groups[grp]
				st.TotalSize += rec.Size
				st.ObjectCount++
				st.HasChildren = st.HasChildren || hasChildren
				a.groups[grp] = st
				a.tiers.Add(mapping.FromS3(rec.StorageClass, rec.AccessTier), rec.Size)
			})
			c.report(sp, fr)
			return nil
		})
	}
	_ = g.Wait()

	// Per-file partials merge commutatively, so merge order does not
	// matter and a cancelled scan merges whatever the workers got to.
	out := &AggregateResult{Groups: make(map[string]PrefixStats)}
	for i := range aggs {
		for k, st := range aggs[i].groups {
			cur := out.Groups[k]
			cur.TotalSize += st.TotalSize
			cur.ObjectCount += st.ObjectCount
			cur.HasChildren = cur.HasChildren || st.HasChildren
			out.Groups[k] = cur
		}
		out.TierTotals.Merge(&aggs[i].tiers)
	}
	out.Summary = *c.summary(p.res, ctx.Err() != nil, time.Since(start))

	logging.PhaseComplete(log, "aggregate", out.Summary.Elapsed).
		Int("files_scanned", out.Summary.FilesScanned).
		Int("files_failed", out.Summary.FilesFailed).
		Count("records", out.Summary.RecordsScanned).
		Count("malformed_rows", out.Summary.MalformedRows).
		Int("groups", len(out.Groups)).
		Bool("partial", out.Summary.Partial).
		Log("aggregate complete")
	return out, nil
}
