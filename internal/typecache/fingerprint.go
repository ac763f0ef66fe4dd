package typecache

import (
	"fmt"

	"github.com/twinfer/omfgate/pkg/types"
)

// Fingerprint is a compact, order-independent summary of a schema's shape:
// how many supported fields it has and how they split across kinds. It stands
// in for the full schema body when checking whether new fields appeared, so
// drift detection is O(1) instead of a body comparison.
type Fingerprint struct {
	Total    uint16
	Floats   uint16
	Integers uint16
	Strings  uint16
}

// FingerprintOf summarizes the supported datapoints of one reading.
func FingerprintOf(dps []types.Datapoint) Fingerprint {
	var fp Fingerprint
	for _, dp := range dps {
		fp.count(dp.Kind())
	}
	return fp
}

// SupersetFingerprint summarizes the union of every datapoint name seen for
// the asset across the whole batch. A field that appears in any reading of
// the batch counts once, with the kind inferred from the first value observed
// for that name. This detects "new field appeared somewhere in this batch"
// without the full prior schema text.
func SupersetFingerprint(batch []*types.Reading, assetName string) Fingerprint {
	seen := map[string]types.DatapointKind{}
	for _, r := range batch {
		if r.AssetName != assetName {
			continue
		}
		for _, dp := range r.DataDatapoints() {
			if _, ok := seen[dp.Name]; !ok {
				seen[dp.Name] = dp.Kind()
			}
		}
	}
	var fp Fingerprint
	for _, kind := range seen {
		fp.count(kind)
	}
	return fp
}

func (fp *Fingerprint) count(kind types.DatapointKind) {
	switch kind {
	case types.KindFloat:
		fp.Floats++
	case types.KindInteger:
		fp.Integers++
	case types.KindString:
		fp.Strings++
	default:
		return
	}
	fp.Total++
}

// Covers reports whether fp is at least as large as other in every kind
// count. A cached fingerprint that does not cover the batch superset means a
// field of that kind appeared and the schema must be resent.
func (fp Fingerprint) Covers(other Fingerprint) bool {
	return fp.Total >= other.Total &&
		fp.Floats >= other.Floats &&
		fp.Integers >= other.Integers &&
		fp.Strings >= other.Strings
}

// Encode packs the four counters into a fixed-width hex token for the
// persisted state blob.
func (fp Fingerprint) Encode() string {
	packed := uint64(fp.Total)<<48 | uint64(fp.Floats)<<32 |
		uint64(fp.Integers)<<16 | uint64(fp.Strings)
	return fmt.Sprintf("%016x", packed)
}

// DecodeFingerprint reverses Encode. Malformed tokens decode to the zero
// fingerprint, which always forces a resend.
func DecodeFingerprint(s string) Fingerprint {
	var packed uint64
	if _, err := fmt.Sscanf(s, "%016x", &packed); err != nil {
		return Fingerprint{}
	}
	return Fingerprint{
		Total:    uint16(packed >> 48),
		Floats:   uint16(packed >> 32),
		Integers: uint16(packed >> 16),
		Strings:  uint16(packed),
	}
}
