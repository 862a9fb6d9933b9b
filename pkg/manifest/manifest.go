// Package manifest models AWS S3 Inventory manifests and resolves them
// from the inventory destination bucket.
package manifest

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/eunmann/s3-inv-query/pkg/s3fetch"
)

var (
	// ErrNotFound means no manifest exists for the requested inventory
	// and date.
	ErrNotFound = errors.New("manifest not found")

	// ErrCorrupt means a manifest was fetched but is not structurally
	// usable.
	ErrCorrupt = errors.New("manifest corrupt")
)

// Format identifies the data-file format declared by a manifest.
type Format int

const (
	FormatCSV Format = iota
	FormatParquet
	FormatORC
)

func (f Format) String() string {
	switch f {
	case FormatCSV:
		return "CSV"
	case FormatParquet:
		return "Parquet"
	case FormatORC:
		return "ORC"
	}
	return "unknown"
}

// Manifest is a parsed manifest.json. The encoding is owned by the S3
// Inventory feature: unknown fields are ignored and everything else is
// validated before use.
type Manifest struct {
	SourceBucket      string        `json:"sourceBucket"`
	DestinationBucket string        `json:"destinationBucket"`
	Version           string        `json:"version"`
	CreationTimestamp string        `json:"creationTimestamp"`
	FileFormat        string        `json:"fileFormat"`
	FileSchema        string        `json:"fileSchema"`
	Files             []DataFileRef `json:"files"`
}

// DataFileRef names one data file shard of the snapshot: its key in the
// destination bucket, its declared size, and its checksum.
type DataFileRef struct {
	Key         string `json:"key"`
	Size        int64  `json:"size"`
	MD5Checksum string `json:"MD5checksum"`
}

// ParseManifest decodes and validates manifest.json bytes. Structural
// problems surface as ErrCorrupt.
func ParseManifest(data []byte) (*Manifest, error) {
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("%w: decode: %v", ErrCorrupt, err)
	}
	if err := m.validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	return &m, nil
}

func (m *Manifest) validate() error {
	if m.SourceBucket == "" {
		return errors.New("missing sourceBucket")
	}
	if m.FileFormat == "" {
		return errors.New("missing fileFormat")
	}
	switch strings.ToUpper(m.FileFormat) {
	case "CSV", "PARQUET", "ORC":
	default:
		return fmt.Errorf("unknown file format %q", m.FileFormat)
	}
	if m.FileSchema == "" {
		return errors.New("missing fileSchema")
	}
	if len(m.Files) == 0 {
		return errors.New("no data files")
	}
	for i, f := range m.Files {
		if f.Key == "" {
			return fmt.Errorf("data file %d has empty key", i)
		}
		if f.Size < 0 {
			return fmt.Errorf("data file %q has negative size %d", f.Key, f.Size)
		}
	}
	return nil
}

// Format normalizes the declared fileFormat, falling back to file
// extension detection for manifests that omit it cleanly.
func (m *Manifest) Format() Format {
	switch strings.ToUpper(m.FileFormat) {
	case "CSV":
		return FormatCSV
	case "PARQUET":
		return FormatParquet
	case "ORC":
		return FormatORC
	}

	if len(m.Files) > 0 {
		key := strings.ToLower(m.Files[0].Key)
		switch {
		case strings.HasSuffix(key, ".parquet"):
			return FormatParquet
		case strings.HasSuffix(key, ".orc"):
			return FormatORC
		}
	}
	return FormatCSV
}

// DataBucket returns the bucket data files live in: the manifest's
// destinationBucket (often an ARN) when present, else "".
func (m *Manifest) DataBucket() (string, error) {
	if m.DestinationBucket == "" {
		return "", nil
	}
	bucket, _, err := s3fetch.ParseBucketIdentifier(m.DestinationBucket)
	if err != nil {
		return "", fmt.Errorf("%w: destinationBucket: %v", ErrCorrupt, err)
	}
	return bucket, nil
}

// TotalDataSize sums the declared sizes of all data files.
func (m *Manifest) TotalDataSize() int64 {
	var total int64
	for _, f := range m.Files {
		total += f.Size
	}
	return total
}

// Resolved is one successful manifest resolution. Raw holds the exact
// bytes fetched so cached resolutions stay byte-identical to cold ones.
type Resolved struct {
	Config   InventoryConfig `json:"config"`
	Date     string          `json:"date"`
	Key      string          `json:"key"`
	Manifest *Manifest       `json:"-"`
	Raw      []byte          `json:"raw"`
}
