// Package invgen generates synthetic S3 inventory data for benchmarks
// and load tests. Generation is deterministic for a given seed.
package invgen

import (
	"fmt"
	"math/rand"
	"sort"
	"strconv"
)

// Object is one synthetic inventory row.
type Object struct {
	Key          string
	Size         int64
	StorageClass string
	AccessTier   string
}

// Config shapes the generated key space.
type Config struct {
	// NumObjects is how many rows to generate.
	NumObjects int

	// Fanout is the approximate number of distinct children per
	// directory level.
	Fanout int

	// MaxDepth is the maximum directory depth of generated keys.
	MaxDepth int

	// ClassWeights maps storage class names to their probability.
	// Nil means every object is STANDARD.
	ClassWeights map[string]float64

	// Seed makes generation reproducible. Zero means seed 42.
	Seed int64
}

// DefaultConfig mimics a production bucket: date-partitioned paths and
// a storage class mix skewed toward STANDARD.
func DefaultConfig(numObjects int) Config {
	return Config{
		NumObjects: numObjects,
		Fanout:     15,
		MaxDepth:   6,
		ClassWeights: map[string]float64{
			"STANDARD":            0.60,
			"STANDARD_IA":         0.15,
			"GLACIER_IR":          0.10,
			"INTELLIGENT_TIERING": 0.10,
			"GLACIER":             0.05,
		},
		Seed: 42,
	}
}

// Generator produces synthetic inventory objects.
type Generator struct {
	cfg Config
	rng *rand.Rand

	// classes and cumWeights are ClassWeights flattened for sampling
	// in a stable order.
	classes    []string
	cumWeights []float64
}

func New(cfg Config) *Generator {
	seed := cfg.Seed
	if seed == 0 {
		seed = 42
	}
	g := &Generator{cfg: cfg, rng: rand.New(rand.NewSource(seed))}

	if len(cfg.ClassWeights) > 0 {
		names := make([]string, 0, len(cfg.ClassWeights))
		for name := range cfg.ClassWeights {
			names = append(names, name)
		}
		// Map order is random; sort so the same seed yields the same rows.
		sort.Strings(names)
		total := 0.0
		for _, name := range names {
			total += cfg.ClassWeights[name]
			g.classes = append(g.classes, name)
			g.cumWeights = append(g.cumWeights, total)
		}
	}
	return g
}

// Generate returns cfg.NumObjects synthetic objects.
func (g *Generator) Generate() []Object {
	objects := make([]Object, g.cfg.NumObjects)
	for i := range objects {
		objects[i] = g.next()
	}
	return objects
}

func (g *Generator) next() Object {
	class, access := g.class()
	return Object{
		Key:          g.key(),
		Size:         g.size(),
		StorageClass: class,
		AccessTier:   access,
	}
}

func (g *Generator) key() string {
	depth := 1 + g.rng.Intn(g.cfg.MaxDepth)
	path := ""
	for range depth {
		path += g.segment() + "/"
	}
	return path + g.filename()
}

// segment mixes date partitions, entity IDs, and category names so the
// key space resembles a real data lake.
func (g *Generator) segment() string {
	switch g.rng.Intn(4) {
	case 0:
		switch g.rng.Intn(4) {
		case 0:
			return strconv.Itoa(2020 + g.rng.Intn(6))
		case 1:
			return fmt.Sprintf("%02d", 1+g.rng.Intn(12))
		case 2:
			return fmt.Sprintf("hour=%02d", g.rng.Intn(24))
		default:
			return fmt.Sprintf("dt=%d-%02d-%02d", 2020+g.rng.Intn(6), 1+g.rng.Intn(12), 1+g.rng.Intn(28))
		}
	case 1:
		prefixes := []string{"user", "account", "tenant", "org", "project"}
		return fmt.Sprintf("%s_%05d", prefixes[g.rng.Intn(len(prefixes))], g.rng.Intn(g.cfg.Fanout*100))
	case 2:
		categories := []string{"logs", "data", "exports", "backups", "raw", "processed", "archive", "tmp"}
		return categories[g.rng.Intn(len(categories))]
	default:
		n := g.rng.Intn(g.cfg.Fanout)
		if n < 26 {
			return string(rune('a' + n))
		}
		return string(rune('a'+n/26-1)) + string(rune('a'+n%26))
	}
}

func (g *Generator) filename() string {
	extensions := []string{".json", ".csv", ".parquet", ".txt", ".gz", ".log", ".dat"}
	return fmt.Sprintf("file_%08x%s", g.rng.Uint32(), extensions[g.rng.Intn(len(extensions))])
}

// size draws from a skewed distribution: mostly small files with a
// long tail of multi-gigabyte ones.
func (g *Generator) size() int64 {
	switch g.rng.Intn(10) {
	case 0:
		return int64(g.rng.Intn(1024))
	case 1, 2, 3:
		return int64(1024 + g.rng.Intn(1024*1024))
	case 4, 5, 6, 7:
		return int64(1024*1024 + g.rng.Intn(100*1024*1024))
	case 8:
		return int64(100*1024*1024 + g.rng.Intn(900*1024*1024))
	default:
		return 1024*1024*1024 + g.rng.Int63n(4*1024*1024*1024)
	}
}

func (g *Generator) class() (storageClass, accessTier string) {
	if len(g.classes) == 0 {
		return "STANDARD", ""
	}
	r := g.rng.Float64()
	for i, cum := range g.cumWeights {
		if r < cum {
			name := g.classes[i]
			if name == "INTELLIGENT_TIERING" {
				tiers := []string{"FREQUENT", "INFREQUENT", "ARCHIVE_INSTANT_ACCESS"}
				return name, tiers[g.rng.Intn(len(tiers))]
			}
			return name, ""
		}
	}
	return "STANDARD", ""
}

// CSVSchema is the inventory file schema matching AppendCSV's columns.
const CSVSchema = "Key, Size, StorageClass, IntelligentTieringAccessTier"

// AppendCSV appends objects as inventory CSV rows in CSVSchema column
// order and returns the extended buffer.
func AppendCSV(dst []byte, objects []Object) []byte {
	for _, o := range objects {
		dst = append(dst, o.Key...)
		dst = append(dst, ',')
		dst = strconv.AppendInt(dst, o.Size, 10)
		dst = append(dst, ',')
		dst = append(dst, o.StorageClass...)
		dst = append(dst, ',')
		dst = append(dst, o.AccessTier...)
		dst = append(dst, '\n')
	}
	return dst
}

// Keys returns just the object keys, for matcher-only benchmarks.
func Keys(objects []Object) []string {
	keys := make([]string, len(objects))
	for i, o := range objects {
		keys[i] = o.Key
	}
	return keys
}
