package inventory

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/klauspost/compress/gzip"

	"github.com/eunmann/s3-inv-query/pkg/manifest"
)

// csvReader reads inventory records from CSV streams. Column positions
// come from the manifest's fileSchema, so inventories with any column
// ordering or optional-field selection decode correctly.
type csvReader struct {
	malformedCounter

	csv     *csv.Reader
	sch     *manifest.Schema
	closers []io.Closer
}

// newCSVReader wraps a raw data-file stream. The stream is gunzipped
// when the key ends in .gz. It closes rc on error.
func newCSVReader(rc io.ReadCloser, key string, sch *manifest.Schema, opts ReaderOptions) (Reader, error) {
	if sch == nil {
		rc.Close()
		return nil, errors.New("csv inventory requires a file schema")
	}

	var reader io.Reader = rc
	closers := []io.Closer{rc}

	if strings.HasSuffix(strings.ToLower(key), ".gz") {
		gzr, err := gzip.NewReader(rc)
		if err != nil {
			rc.Close()
			return nil, fmt.Errorf("open gzip stream: %w", err)
		}
		closers = append(closers, gzr)
		reader = gzr
	}

	csvr := csv.NewReader(reader)
	csvr.ReuseRecord = true
	csvr.FieldsPerRecord = -1 // Variable field count
	csvr.LazyQuotes = true    // Handle malformed quotes

	return &csvReader{
		malformedCounter: malformedCounter{limit: opts.limit()},
		csv:              csvr,
		sch:              sch,
		closers:          closers,
	}, nil
}

// Next returns the next valid record.
func (r *csvReader) Next() (Record, error) {
	for {
		fields, err := r.csv.Read()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return Record{}, io.EOF
			}
			var parseErr *csv.ParseError
			if errors.As(err, &parseErr) {
				// A row the CSV layer could not parse counts like a
				// row we could not decode; the reader resumes on the
				// next line.
				if err := r.mark(); err != nil {
					return Record{}, err
				}
				continue
			}
			// Read failures below the CSV layer (truncated gzip,
			// checksum mismatch) mean the rest of the file is gone.
			return Record{}, fmt.Errorf("%w: read csv row: %w", ErrStreamCorrupt, err)
		}

		rec, ok := r.decode(fields)
		if !ok {
			if err := r.mark(); err != nil {
				return Record{}, err
			}
			continue
		}
		r.reset()
		return rec, nil
	}
}

// decode maps one CSV row onto a Record using the manifest schema's
// column positions. Rows missing a key or a parseable non-negative size
// are malformed. Optional fields are decoded leniently: an unparseable
// LastModifiedDate yields a zero time, not a malformed row.
func (r *csvReader) decode(fields []string) (Record, bool) {
	if len(fields) <= r.sch.Key || len(fields) <= r.sch.Size {
		return Record{}, false
	}

	key := fields[r.sch.Key]
	if key == "" {
		return Record{}, false
	}

	size, err := strconv.ParseInt(strings.TrimSpace(fields[r.sch.Size]), 10, 64)
	if err != nil || size < 0 {
		return Record{}, false
	}

	rec := Record{Key: key, Size: size}

	if i := r.sch.LastModified; i >= 0 && i < len(fields) {
		if t, err := time.Parse(time.RFC3339, strings.TrimSpace(fields[i])); err == nil {
			rec.LastModified = t
		}
	}
	if i := r.sch.ETag; i >= 0 && i < len(fields) {
		rec.ETag = fields[i]
	}
	if i := r.sch.StorageClass; i >= 0 && i < len(fields) {
		rec.StorageClass = fields[i]
	}
	if i := r.sch.AccessTier; i >= 0 && i < len(fields) {
		rec.AccessTier = fields[i]
	}
	return rec, true
}

// Close releases resources.
func (r *csvReader) Close() error {
	var firstErr error
	// Close in reverse order (gzip reader before underlying stream)
	for i := len(r.closers) - 1; i >= 0; i-- {
		if err := r.closers[i].Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
