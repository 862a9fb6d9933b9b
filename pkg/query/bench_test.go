package query

import (
	"context"
	"fmt"
	"testing"

	"github.com/eunmann/s3-inv-query/pkg/invgen"
)

// benchSink keeps match counting from being optimized away.
var benchSink int

// benchStore fans numObjects synthetic rows out over nFiles data files
// in one snapshot.
func benchStore(b *testing.B, numObjects, nFiles int) *fakeStore {
	b.Helper()
	objects := invgen.New(invgen.DefaultConfig(numObjects)).Generate()

	files := make([]fixtureFile, nFiles)
	per := (numObjects + nFiles - 1) / nFiles
	for i := range files {
		lo := i * per
		hi := min(lo+per, numObjects)
		files[i] = fixtureFile{
			name: fmt.Sprintf("f%d.csv", i),
			body: string(invgen.AppendCSV(nil, objects[lo:hi])),
		}
	}

	st := newFakeStore()
	addSnapshot(b, st, testDate, "CSV", invgen.CSVSchema, files)
	return st
}

func BenchmarkSearchSubstring(b *testing.B) {
	for _, size := range []int{10_000, 100_000} {
		b.Run(fmt.Sprintf("objects=%d", size), func(b *testing.B) {
			st := benchStore(b, size, 4)
			eng := testEngine(st)
			req := SearchRequest{Request: testRequest(), Query: "logs"}

			b.ReportAllocs()
			b.ResetTimer()
			for range b.N {
				matches := 0
				sum, err := eng.Search(context.Background(), req, func(Match) { matches++ })
				if err != nil {
					b.Fatalf("search: %v", err)
				}
				if sum.RecordsScanned != int64(size) {
					b.Fatalf("scanned %d records, want %d", sum.RecordsScanned, size)
				}
				benchSink = matches
			}
		})
	}
}

func BenchmarkSearchScaling(b *testing.B) {
	invgen.SkipIfNoLongBench(b)

	for _, size := range []int{500_000, 1_000_000} {
		b.Run(fmt.Sprintf("objects=%d", size), func(b *testing.B) {
			st := benchStore(b, size, 8)
			eng := testEngine(st)
			req := SearchRequest{Request: testRequest(), Query: "logs"}

			b.ReportAllocs()
			b.ResetTimer()
			for range b.N {
				if _, err := eng.Search(context.Background(), req, func(Match) {}); err != nil {
					b.Fatalf("search: %v", err)
				}
			}
		})
	}
}

func BenchmarkAggregateByDepth(b *testing.B) {
	for _, depth := range []int{1, 3} {
		b.Run(fmt.Sprintf("depth=%d", depth), func(b *testing.B) {
			st := benchStore(b, 50_000, 4)
			eng := testEngine(st)
			req := AggregateRequest{Request: testRequest(), Depth: depth}

			b.ReportAllocs()
			b.ResetTimer()
			for range b.N {
				res, err := eng.AggregateByDepth(context.Background(), req)
				if err != nil {
					b.Fatalf("aggregate: %v", err)
				}
				benchSink = len(res.Groups)
			}
		})
	}
}

func BenchmarkMatcher(b *testing.B) {
	keys := invgen.Keys(invgen.New(invgen.DefaultConfig(100_000)).Generate())

	cases := []struct {
		name string
		req  SearchRequest
	}{
		{"substring", SearchRequest{Query: "logs"}},
		{"substring-fold", SearchRequest{Query: "LOGS", CaseInsensitive: true}},
		{"prefix", SearchRequest{Query: "data/", Mode: MatchPrefix}},
		{"folder", SearchRequest{Query: "logs", Mode: MatchExactFolder}},
	}
	for _, tc := range cases {
		b.Run(tc.name, func(b *testing.B) {
			m := newMatcher(tc.req)
			b.ReportAllocs()
			hits := 0
			for i := range b.N {
				if _, ok := m.match(keys[i%len(keys)]); ok {
					hits++
				}
			}
			benchSink = hits
		})
	}
}
