package inventory

import (
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/parquet-go/parquet-go"
)

// parquetReader reads inventory records from Parquet data files. It
// streams by iterating row groups with a fixed row buffer, so memory
// stays bounded regardless of file size.
type parquetReader struct {
	malformedCounter

	src      io.Closer
	tempPath string // spooled stream copy, removed on Close when set
	cols     parquetColumns

	// Row group iteration state
	rowGroups []parquet.RowGroup
	rgIdx     int
	rows      parquet.Rows
	rowBuf    []parquet.Row
	bufIdx    int
	bufLen    int
}

// parquetColumns holds leaf column indices resolved from the file
// schema by name. Optional columns are -1 when absent.
type parquetColumns struct {
	key          int
	size         int
	lastModified int
	etag         int
	storageClass int
	accessTier   int
	tsUnit       timestampUnit
}

type timestampUnit int

const (
	unitMillis timestampUnit = iota
	unitMicros
	unitNanos
)

func (u timestampUnit) toTime(v int64) time.Time {
	switch u {
	case unitMicros:
		return time.UnixMicro(v).UTC()
	case unitNanos:
		return time.Unix(0, v).UTC()
	default:
		return time.UnixMilli(v).UTC()
	}
}

type readAtCloser interface {
	io.ReaderAt
	io.Closer
}

// newParquetReaderFromStream spools the stream to a temp file because
// the Parquet format needs random access, then reads from the spool.
// The temp file is removed on Close. It closes rc in all cases.
func newParquetReaderFromStream(rc io.ReadCloser, opts ReaderOptions) (Reader, error) {
	tempFile, err := os.CreateTemp("", "s3inv-parquet-*.parquet")
	if err != nil {
		rc.Close()
		return nil, fmt.Errorf("create temp file: %w", err)
	}

	written, err := io.Copy(tempFile, rc)
	rc.Close()
	if err != nil {
		tempFile.Close()
		os.Remove(tempFile.Name())
		return nil, fmt.Errorf("buffer parquet data: %w", err)
	}

	if _, err := tempFile.Seek(0, io.SeekStart); err != nil {
		tempFile.Close()
		os.Remove(tempFile.Name())
		return nil, fmt.Errorf("seek temp file: %w", err)
	}

	r, err := newParquetReaderAt(tempFile, written, tempFile.Name(), opts)
	if err != nil {
		tempFile.Close()
		os.Remove(tempFile.Name())
		return nil, err
	}
	return r, nil
}

// newParquetReaderAt opens Parquet data through an io.ReaderAt. When
// tempPath is non-empty the file at that path is removed on Close.
func newParquetReaderAt(src readAtCloser, size int64, tempPath string, opts ReaderOptions) (Reader, error) {
	file, err := parquet.OpenFile(src, size)
	if err != nil {
		return nil, fmt.Errorf("open parquet file: %w", err)
	}

	cols, err := resolveParquetColumns(file.Schema())
	if err != nil {
		return nil, err
	}

	return &parquetReader{
		malformedCounter: malformedCounter{limit: opts.limit()},
		src:              src,
		tempPath:         tempPath,
		cols:             cols,
		rowGroups:        file.RowGroups(),
		rgIdx:            -1,
		rowBuf:           make([]parquet.Row, 1024), // Buffer 1024 rows at a time
	}, nil
}

// resolveParquetColumns maps the inventory column names AWS writes to
// leaf indices. Key and size are required; everything else is optional.
func resolveParquetColumns(schema *parquet.Schema) (parquetColumns, error) {
	cols := parquetColumns{
		key:          -1,
		size:         -1,
		lastModified: -1,
		etag:         -1,
		storageClass: -1,
		accessTier:   -1,
	}

	for i, field := range schema.Fields() {
		switch field.Name() {
		case "key":
			cols.key = i
		case "size":
			cols.size = i
		case "last_modified_date":
			cols.lastModified = i
			if lt := field.Type().LogicalType(); lt != nil && lt.Timestamp != nil {
				switch {
				case lt.Timestamp.Unit.Micros != nil:
					cols.tsUnit = unitMicros
				case lt.Timestamp.Unit.Nanos != nil:
					cols.tsUnit = unitNanos
				}
			}
		case "e_tag":
			cols.etag = i
		case "storage_class":
			cols.storageClass = i
		case "intelligent_tiering_access_tier":
			cols.accessTier = i
		}
	}

	if cols.key < 0 {
		return cols, errors.New("parquet schema missing 'key' column")
	}
	if cols.size < 0 {
		return cols, errors.New("parquet schema missing 'size' column")
	}
	return cols, nil
}

// Next returns the next valid record.
func (r *parquetReader) Next() (Record, error) {
	for {
		// Drain buffered rows first
		if r.bufIdx < r.bufLen {
			row := r.rowBuf[r.bufIdx]
			r.bufIdx++

			rec, ok := r.decode(row)
			if !ok {
				if err := r.mark(); err != nil {
					return Record{}, err
				}
				continue
			}
			r.reset()
			return rec, nil
		}

		if r.rows != nil {
			n, err := r.rows.ReadRows(r.rowBuf)
			if n > 0 {
				r.bufIdx = 0
				r.bufLen = n
				continue
			}
			if err != nil && !errors.Is(err, io.EOF) {
				return Record{}, fmt.Errorf("%w: read parquet rows: %w", ErrStreamCorrupt, err)
			}
			// Current row group exhausted
			r.rows.Close()
			r.rows = nil
		}

		r.rgIdx++
		if r.rgIdx >= len(r.rowGroups) {
			return Record{}, io.EOF
		}
		r.rows = r.rowGroups[r.rgIdx].Rows()
	}
}

// decode converts a parquet.Row to a Record. Rows with a null or empty
// key, or a missing or negative size, are malformed.
func (r *parquetReader) decode(row parquet.Row) (Record, bool) {
	var rec Record
	sizeSeen := false

	for _, val := range row {
		if val.IsNull() {
			continue
		}
		switch val.Column() {
		case r.cols.key:
			rec.Key = val.String()
		case r.cols.size:
			rec.Size = val.Int64()
			sizeSeen = true
		case r.cols.lastModified:
			rec.LastModified = r.cols.tsUnit.toTime(val.Int64())
		case r.cols.etag:
			rec.ETag = val.String()
		case r.cols.storageClass:
			rec.StorageClass = val.String()
		case r.cols.accessTier:
			rec.AccessTier = val.String()
		}
	}

	if rec.Key == "" || !sizeSeen || rec.Size < 0 {
		return Record{}, false
	}
	return rec, true
}

// Close releases resources and removes the temp spool if one was made.
func (r *parquetReader) Close() error {
	if r.rows != nil {
		r.rows.Close()
		r.rows = nil
	}

	var err error
	if r.src != nil {
		err = r.src.Close()
	}
	if r.tempPath != "" {
		os.Remove(r.tempPath)
	}
	return err
}
