package manifestcache

import (
	"bytes"
	"encoding/json"
	"time"

	"github.com/eunmann/s3-inv-query/pkg/manifest"
)

// KeySeparator separates the key components. Bucket names and inventory
// IDs never contain NUL, so keys stay unambiguous.
const KeySeparator = '\x00'

// latestSentinel is the singleflight key suffix used while a "no date
// given" resolution is in flight. Never stored.
const latestSentinel = "latest"

// Entry is one cached resolution. Raw is the source of truth: the parsed
// manifest is rebuilt from it on every read, so a warm hit returns bytes
// identical to the cold fetch that populated it.
type Entry struct {
	Config      manifest.InventoryConfig `json:"config"`
	Date        string                   `json:"date"`
	ManifestKey string                   `json:"manifest_key"`
	Raw         []byte                   `json:"raw"`
	ResolvedAt  time.Time                `json:"resolved_at"`
	LastUsed    time.Time                `json:"last_used"`
}

// Encode serializes the entry to JSON.
func (e *Entry) Encode() ([]byte, error) {
	return json.Marshal(e)
}

// Decode deserializes JSON bytes into the entry.
func (e *Entry) Decode(data []byte) error {
	return json.Unmarshal(data, e)
}

// MakeKey builds the store key <bucket>\x00<inventoryID>\x00<date>.
func MakeKey(bucket, inventoryID, date string) []byte {
	var b bytes.Buffer
	b.WriteString(bucket)
	b.WriteByte(KeySeparator)
	b.WriteString(inventoryID)
	b.WriteByte(KeySeparator)
	b.WriteString(date)
	return b.Bytes()
}

// MakeKeyPrefix returns the prefix covering every date of one inventory.
func MakeKeyPrefix(bucket, inventoryID string) []byte {
	var b bytes.Buffer
	b.WriteString(bucket)
	b.WriteByte(KeySeparator)
	b.WriteString(inventoryID)
	b.WriteByte(KeySeparator)
	return b.Bytes()
}

// ParseKey splits a store key back into its components.
func ParseKey(key []byte) (bucket, inventoryID, date string) {
	parts := bytes.SplitN(key, []byte{KeySeparator}, 3)
	if len(parts) > 0 {
		bucket = string(parts[0])
	}
	if len(parts) > 1 {
		inventoryID = string(parts[1])
	}
	if len(parts) > 2 {
		date = string(parts[2])
	}
	return bucket, inventoryID, date
}
