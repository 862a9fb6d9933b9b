package cli

import (
	"context"
	"flag"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/eunmann/s3-inv-query/pkg/humanfmt"
	"github.com/eunmann/s3-inv-query/pkg/pricing"
	"github.com/eunmann/s3-inv-query/pkg/query"
	"github.com/eunmann/s3-inv-query/pkg/tiers"
)

// priceOverrides collects repeated -price TIER=VALUE flags.
type priceOverrides map[string]float64

func (p priceOverrides) String() string {
	parts := make([]string, 0, len(p))
	for name, v := range p {
		parts = append(parts, fmt.Sprintf("%s=%g", name, v))
	}
	sort.Strings(parts)
	return strings.Join(parts, ",")
}

func (p priceOverrides) Set(s string) error {
	name, val, ok := strings.Cut(s, "=")
	if !ok {
		return fmt.Errorf("want TIER=DOLLARS_PER_GB_MONTH, got %q", s)
	}
	f, err := strconv.ParseFloat(val, 64)
	if err != nil {
		return fmt.Errorf("bad price %q: %v", val, err)
	}
	p[strings.ToUpper(strings.TrimSpace(name))] = f
	return nil
}

// runDU prints a du-style size table grouped at the requested path
// depth, sorted by size descending. -cost adds a per-tier monthly
// storage cost estimate.
func runDU(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	fs := flag.NewFlagSet("du", flag.ContinueOnError)
	var sf scanFlags
	bindScanFlags(fs, &sf)
	depth := fs.Int("depth", 1, "path depth to group at (0 = whole inventory)")
	top := fs.Int("top", 0, "show only the N largest groups (0 = all)")
	cost := fs.Bool("cost", false, "estimate monthly storage cost per tier")
	pricesFile := fs.String("prices", "", "JSON price table (default built-in us-east-1 prices)")
	initPrices := fs.String("init-prices", "", "write the built-in price table to this file and exit")
	overrides := priceOverrides{}
	fs.Var(overrides, "price", "override one tier price as TIER=DOLLARS_PER_GB_MONTH (repeatable)")

	if err := parseFlags(fs, args); err != nil {
		return err
	}
	if *initPrices != "" {
		if err := pricing.SavePriceTable(*initPrices, pricing.DefaultUSEast1Prices()); err != nil {
			return err
		}
		fmt.Fprintf(stdout, "wrote %s\n", *initPrices)
		return nil
	}
	if fs.NArg() != 0 {
		return usagef("du takes no positional arguments")
	}

	eng, req, cleanup, err := buildEngine(ctx, &sf, stderr)
	if err != nil {
		return err
	}
	defer cleanup()

	res, err := eng.AggregateByDepth(ctx, query.AggregateRequest{Request: req, Depth: *depth})
	if err != nil {
		return err
	}

	printGroups(stdout, res, *top)
	if *cost {
		table := pricing.DefaultUSEast1Prices()
		if *pricesFile != "" {
			if table, err = pricing.LoadPriceTable(*pricesFile); err != nil {
				return err
			}
		}
		for name, v := range overrides {
			table.Set(name, v)
		}
		printCost(stdout, res, table)
	}

	fprintSummary(stderr, &res.Summary)
	return nil
}

func printGroups(w io.Writer, res *query.AggregateResult, top int) {
	type row struct {
		path  string
		stats query.PrefixStats
	}
	rows := make([]row, 0, len(res.Groups))
	for path, st := range res.Groups {
		rows = append(rows, row{path, st})
	}
	sort.Slice(rows, func(i, j int) bool {
		if rows[i].stats.TotalSize != rows[j].stats.TotalSize {
			return rows[i].stats.TotalSize > rows[j].stats.TotalSize
		}
		return rows[i].path < rows[j].path
	})
	if top > 0 && len(rows) > top {
		rows = rows[:top]
	}

	tw := tabwriter.NewWriter(w, 2, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "SIZE\tOBJECTS\tPREFIX")
	for _, r := range rows {
		path := r.path
		switch {
		case path == "":
			path = "."
		case r.stats.HasChildren:
			path += "/"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\n", humanfmt.Bytes(r.stats.TotalSize), humanfmt.Count(r.stats.ObjectCount), path)
	}
	tw.Flush()
}

func printCost(w io.Writer, res *query.AggregateResult, table pricing.PriceTable) {
	mapping := tiers.NewMapping()
	cost := pricing.ComputeMonthlyCost(&res.TierTotals, mapping, table)

	tw := tabwriter.NewWriter(w, 2, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "\nTIER\tSIZE\tMONTHLY")
	for _, id := range res.TierTotals.NonZero() {
		name := mapping.ByID(id).Name
		monthly := "-"
		if md, ok := cost.PerTierMicrodollars[name]; ok {
			monthly = pricing.FormatCost(md)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\n", name, humanfmt.Bytes(res.TierTotals[id]), monthly)
	}
	fmt.Fprintf(tw, "TOTAL\t%s\t%s\n", humanfmt.Bytes(res.TierTotals.Sum()), pricing.FormatCost(cost.TotalMicrodollars))
	tw.Flush()
}
