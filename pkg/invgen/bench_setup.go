package invgen

import (
	"os"
	"testing"
)

// SkipIfNoLongBench skips the benchmark unless S3INVQ_LONG_BENCH is
// set. Use this to gate benchmarks too slow for the default run.
func SkipIfNoLongBench(b *testing.B) {
	if os.Getenv("S3INVQ_LONG_BENCH") == "" {
		b.Skip("set S3INVQ_LONG_BENCH=1 to run scaling benchmark")
	}
}
