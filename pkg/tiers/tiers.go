// Package tiers defines S3 storage class and Intelligent-Tiering tier mappings.
package tiers

import "strings"

// ID represents a logical tier identifier.
type ID uint8

// Tier IDs for all S3 storage classes and Intelligent-Tiering access tiers.
const (
	Standard ID = iota
	StandardIA
	OneZoneIA
	GlacierIR
	GlacierFR
	DeepArchive
	ReducedRedundancy
	ITFrequent
	ITInfrequent
	ITArchiveInstant
	ITArchive
	ITDeepArchive
	Other    // Catch-all for storage classes with no mapping
	NumTiers // Sentinel value for array sizing
)

// Info describes a storage tier.
type Info struct {
	ID   ID     `json:"id"`
	Name string `json:"name"`
}

// AllTiers contains information about all supported tiers.
var AllTiers = []Info{
	{Standard, "STANDARD"},
	{StandardIA, "STANDARD_IA"},
	{OneZoneIA, "ONEZONE_IA"},
	{GlacierIR, "GLACIER_IR"},
	{GlacierFR, "GLACIER"},
	{DeepArchive, "DEEP_ARCHIVE"},
	{ReducedRedundancy, "REDUCED_REDUNDANCY"},
	{ITFrequent, "INTELLIGENT_TIERING_FREQUENT"},
	{ITInfrequent, "INTELLIGENT_TIERING_INFREQUENT"},
	{ITArchiveInstant, "INTELLIGENT_TIERING_ARCHIVE_INSTANT"},
	{ITArchive, "INTELLIGENT_TIERING_ARCHIVE"},
	{ITDeepArchive, "INTELLIGENT_TIERING_DEEP_ARCHIVE"},
	{Other, "OTHER"},
}

// Mapping provides tier lookup and metadata.
type Mapping struct {
	Tiers         []Info
	indexByS3Name map[string]ID
}

// NewMapping creates a new tier mapping with all supported tiers.
func NewMapping() *Mapping {
	m := &Mapping{
		Tiers:         make([]Info, len(AllTiers)),
		indexByS3Name: make(map[string]ID),
	}
	copy(m.Tiers, AllTiers)

	for _, t := range m.Tiers {
		m.indexByS3Name[strings.ToUpper(t.Name)] = t.ID
	}

	// Add INTELLIGENT_TIERING as alias for ITFrequent (default when no access tier specified)
	m.indexByS3Name["INTELLIGENT_TIERING"] = ITFrequent

	return m
}

// FromS3 maps S3 inventory StorageClass and IntelligentTieringAccessTier to a tier ID.
// If storageClass is INTELLIGENT_TIERING, accessTier determines the specific IT tier.
// If accessTier is empty for IT, defaults to FREQUENT.
func (m *Mapping) FromS3(storageClass, accessTier string) ID {
	storageClass = strings.ToUpper(strings.TrimSpace(storageClass))
	accessTier = strings.ToUpper(strings.TrimSpace(accessTier))

	// Handle Intelligent-Tiering with access tier
	if storageClass == "INTELLIGENT_TIERING" {
		switch accessTier {
		case "FREQUENT_ACCESS", "FREQUENT":
			return ITFrequent
		case "INFREQUENT_ACCESS", "INFREQUENT":
			return ITInfrequent
		case "ARCHIVE_INSTANT_ACCESS":
			return ITArchiveInstant
		case "ARCHIVE_ACCESS", "ARCHIVE":
			return ITArchive
		case "DEEP_ARCHIVE_ACCESS", "DEEP_ARCHIVE":
			return ITDeepArchive
		default:
			// Default to Frequent if access tier is missing or unknown
			return ITFrequent
		}
	}

	// Look up standard storage class
	if id, ok := m.indexByS3Name[storageClass]; ok {
		return id
	}

	// Unrecognized classes land in the catch-all tier
	return Other
}

// ByID returns tier info by ID.
func (m *Mapping) ByID(id ID) Info {
	if int(id) < len(m.Tiers) {
		return m.Tiers[id]
	}
	return Info{ID: id, Name: "UNKNOWN"}
}

// Totals accumulates per-tier byte counts during a scan.
// The zero value is ready to use.
type Totals [NumTiers]int64

// Add adds size bytes to the tier's total.
func (t *Totals) Add(id ID, size int64) {
	if id < NumTiers {
		t[id] += size
	}
}

// Merge adds another Totals into this one. Merging is commutative, so
// per-worker totals can be combined in any order.
func (t *Totals) Merge(other *Totals) {
	for i := range t {
		t[i] += other[i]
	}
}

// Sum returns the total bytes across all tiers.
func (t *Totals) Sum() int64 {
	var sum int64
	for _, v := range t {
		sum += v
	}
	return sum
}

// NonZero returns the tiers with non-zero totals, in ID order.
func (t *Totals) NonZero() []ID {
	var ids []ID
	for i, v := range t {
		if v != 0 {
			ids = append(ids, ID(i))
		}
	}
	return ids
}
