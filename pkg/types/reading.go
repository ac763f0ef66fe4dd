package types

import (
	"encoding/json"
	"math"
	"time"
)

// HintDatapointName is the reserved datapoint name carrying an embedded hint
// payload. Datapoints with this name are consumed by the hint parser and are
// never forwarded to the endpoint.
const HintDatapointName = "OMFHint"

// DatapointKind classifies a datapoint value for schema inference.
type DatapointKind int

const (
	KindInteger DatapointKind = iota
	KindFloat
	KindString
	// KindUnsupported covers arrays and nested structures, which the OMF
	// translation never transmits. They are counted and reported once per
	// asset as a rollup warning.
	KindUnsupported
)

func (k DatapointKind) String() string {
	switch k {
	case KindInteger:
		return "integer"
	case KindFloat:
		return "number"
	case KindString:
		return "string"
	default:
		return "unsupported"
	}
}

// Datapoint is a single named value inside a reading.
type Datapoint struct {
	Name  string
	Value interface{}
}

// Kind infers the schema kind of the datapoint value. JSON decoding yields
// float64 for every number, so a float64 with no fractional part and within
// the safe integer range is still treated as a float unless it arrived as a
// native integer type.
func (d Datapoint) Kind() DatapointKind {
	switch v := d.Value.(type) {
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64:
		return KindInteger
	case float32, float64:
		return KindFloat
	case string:
		return KindString
	case json.Number:
		if _, err := v.Int64(); err == nil {
			return KindInteger
		}
		return KindFloat
	default:
		return KindUnsupported
	}
}

// FloatValue coerces the datapoint to float64 where possible.
func (d Datapoint) FloatValue() (float64, bool) {
	switch v := d.Value.(type) {
	case int:
		return float64(v), true
	case int8:
		return float64(v), true
	case int16:
		return float64(v), true
	case int32:
		return float64(v), true
	case int64:
		return float64(v), true
	case uint:
		return float64(v), true
	case uint8:
		return float64(v), true
	case uint16:
		return float64(v), true
	case uint32:
		return float64(v), true
	case uint64:
		return float64(v), true
	case float32:
		return float64(v), true
	case float64:
		return v, true
	case json.Number:
		f, err := v.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}

// IntValue coerces the datapoint to int64, truncating floats.
func (d Datapoint) IntValue() (int64, bool) {
	f, ok := d.FloatValue()
	if !ok {
		return 0, false
	}
	return int64(math.Trunc(f)), true
}

// Reading is one timestamped observation from one asset. The engine treats it
// as read-only for the duration of a send cycle; the caller retains ownership.
type Reading struct {
	AssetName  string
	Timestamp  time.Time
	Datapoints []Datapoint
}

// HintPayload returns the raw embedded hint payload, if the reading carries
// one under the reserved datapoint name.
func (r *Reading) HintPayload() (string, bool) {
	for _, dp := range r.Datapoints {
		if dp.Name != HintDatapointName {
			continue
		}
		switch v := dp.Value.(type) {
		case string:
			return v, true
		case []byte:
			return string(v), true
		default:
			// Hint payloads embedded as decoded JSON objects are
			// re-serialized so the parser sees one canonical form.
			raw, err := json.Marshal(v)
			if err != nil {
				return "", false
			}
			return string(raw), true
		}
	}
	return "", false
}

// DataDatapoints returns the datapoints to be forwarded, excluding the
// reserved hint datapoint.
func (r *Reading) DataDatapoints() []Datapoint {
	out := make([]Datapoint, 0, len(r.Datapoints))
	for _, dp := range r.Datapoints {
		if dp.Name == HintDatapointName {
			continue
		}
		out = append(out, dp)
	}
	return out
}
