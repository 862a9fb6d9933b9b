package manifest

import (
	"errors"
	"fmt"
	"path"
	"strings"
	"time"
)

// DateLayout is the date-directory encoding S3 Inventory uses under the
// inventory prefix, e.g. 2026-08-21T01-00Z. It sorts lexicographically
// in chronological order, which the resolver relies on.
const DateLayout = "2006-01-02T15-04Z"

// InventoryConfig identifies one inventory configuration: where its
// output lives and which source bucket and configuration name produced
// it. Immutable per query.
type InventoryConfig struct {
	// Bucket is the inventory destination bucket.
	Bucket string `json:"bucket"`

	// Prefix is the destination prefix, possibly empty.
	Prefix string `json:"prefix,omitempty"`

	// SourceBucket is the inventoried bucket. Empty means Bucket
	// inventories itself.
	SourceBucket string `json:"source_bucket,omitempty"`

	// ID is the inventory configuration name.
	ID string `json:"id"`
}

func (c InventoryConfig) Validate() error {
	if c.Bucket == "" {
		return errors.New("inventory config: missing bucket")
	}
	if c.ID == "" {
		return errors.New("inventory config: missing inventory ID")
	}
	return nil
}

func (c InventoryConfig) sourceBucket() string {
	if c.SourceBucket != "" {
		return c.SourceBucket
	}
	return c.Bucket
}

// InventoryPrefix returns the key prefix all of this configuration's
// dated outputs live under:
//
//	<prefix>/<sourceBucket>/<inventoryID>/
func (c InventoryConfig) InventoryPrefix() string {
	return path.Join(c.Prefix, c.sourceBucket(), c.ID) + "/"
}

// ManifestKey returns the manifest.json key for the given date.
func (c InventoryConfig) ManifestKey(date string) string {
	return c.InventoryPrefix() + date + "/manifest.json"
}

// ParseDate validates an inventory date string against DateLayout.
func ParseDate(date string) (time.Time, error) {
	t, err := time.Parse(DateLayout, date)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid inventory date %q (want YYYY-MM-DDTHH-MMZ): %w", date, err)
	}
	return t, nil
}

// DateFromKey extracts the date directory from a manifest key like
// <prefix>/<bucket>/<id>/2026-08-21T01-00Z/manifest.json.
func DateFromKey(key string) (string, error) {
	dir := path.Base(path.Dir(key))
	if dir == "." || dir == "/" {
		return "", fmt.Errorf("no date directory in key %q", key)
	}
	if _, err := ParseDate(dir); err != nil {
		return "", fmt.Errorf("key %q: %w", key, err)
	}
	return dir, nil
}

// IsManifestKey reports whether the key names a manifest.json inside a
// valid date directory.
func IsManifestKey(key string) bool {
	if !strings.HasSuffix(key, "/manifest.json") {
		return false
	}
	_, err := DateFromKey(key)
	return err == nil
}
