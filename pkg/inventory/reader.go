// Package inventory streams object records out of S3 Inventory data
// files. CSV (optionally gzip-compressed) and Parquet inventories are
// supported. Malformed rows are counted and skipped rather than failing
// the whole file, up to a consecutive-failure limit that aborts streams
// which are corrupt wholesale.
package inventory

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/eunmann/s3-inv-query/pkg/manifest"
)

var (
	// ErrStreamCorrupt aborts a data file once too many consecutive
	// rows fail to decode.
	ErrStreamCorrupt = errors.New("inventory stream corrupt")

	// ErrUnsupportedFormat is returned for inventory formats this
	// package cannot stream, currently ORC.
	ErrUnsupportedFormat = errors.New("unsupported inventory format")
)

// DefaultMaxConsecutiveMalformed is the consecutive-failure limit used
// when ReaderOptions does not set one.
const DefaultMaxConsecutiveMalformed = 100

// Record is a single object listed in an inventory data file.
type Record struct {
	// Key is the S3 object key.
	Key string

	// Size is the object size in bytes.
	Size int64

	// LastModified is zero when the inventory does not include the
	// LastModifiedDate field or its value does not parse.
	LastModified time.Time

	// ETag is the object's entity tag. May be empty.
	ETag string

	// StorageClass is the S3 storage class (e.g. "STANDARD", "GLACIER").
	// May be empty if not included in the inventory.
	StorageClass string

	// AccessTier is the Intelligent-Tiering access tier (e.g.
	// "ARCHIVE_ACCESS"). May be empty if not applicable.
	AccessTier string
}

// Reader streams Records from a single inventory data file.
type Reader interface {
	// Next returns the next valid record. It returns io.EOF at end of
	// stream, and ErrStreamCorrupt once too many consecutive rows have
	// failed to decode.
	Next() (Record, error)

	// Malformed reports how many rows have been skipped so far.
	Malformed() int64

	// Close releases resources associated with the reader.
	Close() error
}

// ReaderOptions tunes how tolerant a Reader is of bad rows.
type ReaderOptions struct {
	// MaxConsecutiveMalformed aborts the stream with ErrStreamCorrupt
	// once this many rows in a row fail to decode. The counter resets
	// on every valid row. Zero means DefaultMaxConsecutiveMalformed.
	MaxConsecutiveMalformed int
}

func (o ReaderOptions) limit() int {
	if o.MaxConsecutiveMalformed > 0 {
		return o.MaxConsecutiveMalformed
	}
	return DefaultMaxConsecutiveMalformed
}

// malformedCounter tracks skipped rows for a Reader and trips once the
// consecutive-failure limit is reached.
type malformedCounter struct {
	limit       int
	total       int64
	consecutive int
}

// mark records one malformed row and returns ErrStreamCorrupt when the
// stream has exceeded its consecutive-failure limit.
func (c *malformedCounter) mark() error {
	c.total++
	c.consecutive++
	if c.consecutive >= c.limit {
		return fmt.Errorf("%w: %d consecutive malformed rows", ErrStreamCorrupt, c.consecutive)
	}
	return nil
}

func (c *malformedCounter) reset() { c.consecutive = 0 }

// Malformed reports how many rows have been skipped so far.
func (c *malformedCounter) Malformed() int64 { return c.total }

// Open wraps an inventory data-file stream in a Reader for its format.
// CSV streams are gunzipped when the key ends in .gz. Parquet streams
// are spooled to a temp file because the format needs random access.
// The stream is closed if no Reader could be constructed.
func Open(rc io.ReadCloser, key string, format manifest.Format, sch *manifest.Schema, opts ReaderOptions) (Reader, error) {
	switch {
	case isParquet(key, format):
		return newParquetReaderFromStream(rc, opts)
	case format == manifest.FormatORC:
		rc.Close()
		return nil, fmt.Errorf("%w: ORC", ErrUnsupportedFormat)
	default:
		return newCSVReader(rc, key, sch, opts)
	}
}

// OpenPath opens a local inventory data file, typically one
// materialized by the downloader. Parquet files are read in place
// rather than spooled, and the file is left on disk after Close.
func OpenPath(path string, format manifest.Format, sch *manifest.Schema, opts ReaderOptions) (Reader, error) {
	if format == manifest.FormatORC {
		return nil, fmt.Errorf("%w: ORC", ErrUnsupportedFormat)
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open data file: %w", err)
	}

	if isParquet(path, format) {
		info, err := f.Stat()
		if err != nil {
			f.Close()
			return nil, fmt.Errorf("stat data file: %w", err)
		}
		r, err := newParquetReaderAt(f, info.Size(), "", opts)
		if err != nil {
			f.Close()
			return nil, err
		}
		return r, nil
	}
	return newCSVReader(f, path, sch, opts)
}

func isParquet(key string, format manifest.Format) bool {
	return format == manifest.FormatParquet || strings.HasSuffix(strings.ToLower(key), ".parquet")
}
