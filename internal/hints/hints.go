// Package hints parses the optional per-reading directive payload embedded
// under the reserved OMFHint datapoint. Hints override how individual values
// are typed, named, and placed when the reading is translated to OMF.
package hints

import (
	"encoding/json"
	"fmt"

	"github.com/sirupsen/logrus"
)

// Kind enumerates the closed set of hint directives.
type Kind int

const (
	// KindNumberFormat overrides the OMF format of float attributes.
	KindNumberFormat Kind = iota
	// KindIntegerFormat overrides the OMF format of integer attributes.
	KindIntegerFormat
	// KindTypeName overrides the asset portion of generated type ids.
	KindTypeName
	// KindTagName replaces the container id wholesale.
	KindTagName
	// KindTag is the legacy spelling of KindTagName.
	KindTag
	// KindAFLocation overrides the hierarchy placement of the asset.
	KindAFLocation
	// KindUOM attaches a unit of measure to an attribute.
	KindUOM
	// KindMinimum attaches a minimum bound to an attribute.
	KindMinimum
	// KindMaximum attaches a maximum bound to an attribute.
	KindMaximum
	// KindInterpolation sets the interpolation mode of an attribute.
	KindInterpolation
)

func (k Kind) String() string {
	switch k {
	case KindNumberFormat:
		return "number"
	case KindIntegerFormat:
		return "integer"
	case KindTypeName:
		return "typeName"
	case KindTagName:
		return "tagName"
	case KindTag:
		return "tag"
	case KindAFLocation:
		return "AFLocation"
	case KindUOM:
		return "uom"
	case KindMinimum:
		return "minimum"
	case KindMaximum:
		return "maximum"
	case KindInterpolation:
		return "interpolation"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// Hint is one typed directive with its string value.
type Hint struct {
	Kind  Kind
	Value string
}

// hintKeys fixes the extraction order so a payload always yields the same
// hint sequence regardless of JSON map iteration order.
var hintKeys = []struct {
	key  string
	kind Kind
}{
	{"number", KindNumberFormat},
	{"integer", KindIntegerFormat},
	{"typeName", KindTypeName},
	{"tagName", KindTagName},
	{"tag", KindTag},
	{"AFLocation", KindAFLocation},
	{"uom", KindUOM},
	{"minimum", KindMinimum},
	{"maximum", KindMaximum},
	{"interpolation", KindInterpolation},
}

// Set holds the parsed directives of one reading: a reading-wide list plus
// per-datapoint lists keyed by datapoint name.
type Set struct {
	global   []Hint
	byName   map[string][]Hint
	checksum uint32
}

// Empty reports whether the set carries no directives at all.
func (s *Set) Empty() bool {
	return s == nil || (len(s.global) == 0 && len(s.byName) == 0)
}

// Checksum is the sum of the raw payload bytes. It is compared against the
// cached value to detect hint-driven schema changes without re-evaluating
// the full hint set.
func (s *Set) Checksum() uint32 {
	if s == nil {
		return 0
	}
	return s.checksum
}

// For returns the hints bound to the named datapoint, falling back to the
// reading-wide list when no datapoint-specific entries exist.
func (s *Set) For(datapoint string) []Hint {
	if s == nil {
		return nil
	}
	if h, ok := s.byName[datapoint]; ok && len(h) > 0 {
		return h
	}
	return s.global
}

// Global returns the reading-wide hints.
func (s *Set) Global() []Hint {
	if s == nil {
		return nil
	}
	return s.global
}

// FirstValue returns the value of the first hint of the given kind in the
// list, if any.
func FirstValue(list []Hint, kind Kind) (string, bool) {
	for _, h := range list {
		if h.Kind == kind {
			return h.Value, true
		}
	}
	return "", false
}

// Checksum computes the hint payload checksum used for cache comparisons.
func Checksum(payload string) uint32 {
	var sum uint32
	for i := 0; i < len(payload); i++ {
		sum += uint32(payload[i])
	}
	return sum
}

// Parse decodes a hint payload into a Set. Parsing fails softly: a malformed
// payload yields an empty set and a logged warning rather than an error, so
// one bad hint never blocks data from flowing.
func Parse(payload string, logger *logrus.Logger) *Set {
	set := &Set{
		byName:   map[string][]Hint{},
		checksum: Checksum(payload),
	}
	if payload == "" {
		return set
	}

	var doc map[string]interface{}
	if err := json.Unmarshal([]byte(payload), &doc); err != nil {
		logger.WithFields(logrus.Fields{
			"payload": payload,
			"error":   err,
		}).Warn("Ignoring malformed OMF hint payload")
		return set
	}

	set.global = extract(doc)

	// Per-datapoint hints live under "datapoint", either a single object
	// or an array of objects each naming its target attribute.
	switch dps := doc["datapoint"].(type) {
	case map[string]interface{}:
		addDatapointHints(set, dps, logger)
	case []interface{}:
		for _, entry := range dps {
			obj, ok := entry.(map[string]interface{})
			if !ok {
				logger.Warn("Ignoring non-object entry in datapoint hint list")
				continue
			}
			addDatapointHints(set, obj, logger)
		}
	case nil:
	default:
		logger.Warn("Ignoring datapoint hint of unexpected shape")
	}
	return set
}

func addDatapointHints(set *Set, obj map[string]interface{}, logger *logrus.Logger) {
	name, ok := obj["name"].(string)
	if !ok || name == "" {
		logger.Warn("Ignoring datapoint hint without a name")
		return
	}
	parsed := extract(obj)
	if len(parsed) == 0 {
		return
	}
	set.byName[name] = append(set.byName[name], parsed...)
}

func extract(obj map[string]interface{}) []Hint {
	var out []Hint
	for _, hk := range hintKeys {
		raw, ok := obj[hk.key]
		if !ok {
			continue
		}
		out = append(out, Hint{Kind: hk.kind, Value: stringify(raw)})
	}
	return out
}

func stringify(v interface{}) string {
	switch t := v.(type) {
	case string:
		return t
	case float64:
		// Trailing-zero free rendering keeps minimum/maximum hints stable.
		return formatFloat(t)
	case bool:
		if t {
			return "true"
		}
		return "false"
	default:
		raw, err := json.Marshal(v)
		if err != nil {
			return ""
		}
		return string(raw)
	}
}

func formatFloat(f float64) string {
	if f == float64(int64(f)) {
		return fmt.Sprintf("%d", int64(f))
	}
	return fmt.Sprintf("%g", f)
}
