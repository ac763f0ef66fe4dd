package types

import "fmt"

// NamingScheme tags how container and type identifiers are displayed
// downstream. It is recorded per asset in the schema cache but does not alter
// the translation algorithms.
type NamingScheme int

const (
	// NamingConcise emits bare asset names.
	NamingConcise NamingScheme = iota
	// NamingTypeSuffix appends the inferred type to the name.
	NamingTypeSuffix
	// NamingAttributeHash prefixes names with the hierarchy hash.
	NamingAttributeHash
	// NamingCompatibility reproduces the historical naming of older agents.
	NamingCompatibility
)

// ParseNamingScheme maps a configuration value to a NamingScheme.
func ParseNamingScheme(s string) (NamingScheme, error) {
	switch s {
	case "concise", "":
		return NamingConcise, nil
	case "type suffix":
		return NamingTypeSuffix, nil
	case "attribute hash":
		return NamingAttributeHash, nil
	case "compatibility":
		return NamingCompatibility, nil
	default:
		return 0, fmt.Errorf("unknown naming scheme %q", s)
	}
}

// MetadataRuleKind discriminates the metadata-driven hierarchy rules.
type MetadataRuleKind int

const (
	// MetadataExists places assets that carry the named datapoint.
	MetadataExists MetadataRuleKind = iota
	// MetadataNonExists places assets that lack the named datapoint.
	MetadataNonExists
	// MetadataEqual places assets whose named datapoint equals a value.
	MetadataEqual
	// MetadataNotEqual places assets whose named datapoint differs from a value.
	MetadataNotEqual
)

// MetadataRule maps a datapoint condition to a hierarchy location. Paths may
// be absolute or relative to the default hierarchy location.
type MetadataRule struct {
	Kind     MetadataRuleKind `json:"kind"`
	Property string           `json:"property"`
	Value    string           `json:"value,omitempty"`
	Location string           `json:"location"`
}

// HierarchyRules is the full placement rule set. Name rules take priority
// over metadata rules; metadata rules apply in listed order; the first match
// wins and no match falls back to DefaultLocation.
type HierarchyRules struct {
	DefaultLocation string            `json:"default_location"`
	Names           map[string]string `json:"names,omitempty"`
	Metadata        []MetadataRule    `json:"metadata,omitempty"`
}

// Formats carries the configured default OMF format strings for inferred
// numeric types. An explicit per-attribute hint overrides these.
type Formats struct {
	Number  string `json:"number"`
	Integer string `json:"integer"`
}

// StaticData is the set of configured static key/value pairs attached to the
// companion static type when full-structure mode is enabled.
type StaticData map[string]string
