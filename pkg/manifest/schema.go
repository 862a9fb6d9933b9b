package manifest

import (
	"fmt"
	"strings"
)

// Schema maps inventory columns to their positions in each data row.
// Key and Size are required; the rest are -1 when the inventory was
// configured without them. Positions beyond the declared columns are
// simply never referenced, so additive trailing columns are harmless.
type Schema struct {
	Columns []string

	Key          int
	Size         int
	LastModified int
	ETag         int
	StorageClass int
	AccessTier   int
}

// Schema resolves the manifest's fileSchema into column positions.
// Matching is case-insensitive and tolerates whitespace around names.
// A schema without Key or Size cannot drive any query and is ErrCorrupt.
func (m *Manifest) Schema() (*Schema, error) {
	cols := strings.Split(m.FileSchema, ",")
	s := &Schema{
		Columns:      make([]string, len(cols)),
		Key:          -1,
		Size:         -1,
		LastModified: -1,
		ETag:         -1,
		StorageClass: -1,
		AccessTier:   -1,
	}

	for i, col := range cols {
		name := strings.TrimSpace(col)
		s.Columns[i] = name
		switch {
		case strings.EqualFold(name, "Key"):
			s.Key = i
		case strings.EqualFold(name, "Size"):
			s.Size = i
		case strings.EqualFold(name, "LastModifiedDate"):
			s.LastModified = i
		case strings.EqualFold(name, "ETag"):
			s.ETag = i
		case strings.EqualFold(name, "StorageClass"):
			s.StorageClass = i
		case strings.EqualFold(name, "IntelligentTieringAccessTier"):
			s.AccessTier = i
		}
	}

	if s.Key < 0 {
		return nil, fmt.Errorf("%w: schema missing Key column: %s", ErrCorrupt, m.FileSchema)
	}
	if s.Size < 0 {
		return nil, fmt.Errorf("%w: schema missing Size column: %s", ErrCorrupt, m.FileSchema)
	}

	return s, nil
}
