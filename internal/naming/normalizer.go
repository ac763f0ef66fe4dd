// Package naming enforces the target server's naming constraints on OMF
// object and hierarchy path names. All functions are pure and idempotent:
// normalizing an already-normalized name yields the same name.
package naming

import (
	"strings"
	"unicode"
)

// Placeholder substitutes forbidden characters and empty names.
const Placeholder = '_'

// MaxNameLength is the server-side limit on object and path names.
const MaxNameLength = 200

// forbidden is the fixed character set the server rejects in names.
const forbidden = "*?;{}[]|\\`'\""

// NormalizeObjectName applies the naming rules to a single object name and
// reports whether anything was changed.
func NormalizeObjectName(raw string) (string, bool) {
	name, changed := normalizeCommon(raw)
	name, collapsed := collapseLeadingPlaceholders(name)
	return name, changed || collapsed
}

// NormalizePathName applies the naming rules to a hierarchy path. In addition
// to the object rules, a run of placeholders directly after a path separator
// is collapsed to one so no path segment starts with a reserved prefix.
func NormalizePathName(raw string) (string, bool) {
	path, changed := normalizeCommon(raw)
	path, collapsed := collapseLeadingPlaceholders(path)
	path, segCollapsed := collapseSegmentPlaceholders(path)
	return path, changed || collapsed || segCollapsed
}

func normalizeCommon(raw string) (string, bool) {
	name := strings.TrimSpace(raw)
	changed := name != raw

	if name == "" {
		return string(Placeholder), true
	}
	if len(name) > MaxNameLength {
		name = name[:MaxNameLength]
		changed = true
	}

	var b strings.Builder
	b.Grow(len(name))
	for _, r := range name {
		if unicode.IsControl(r) || strings.ContainsRune(forbidden, r) {
			b.WriteRune(Placeholder)
			changed = true
			continue
		}
		b.WriteRune(r)
	}
	return b.String(), changed
}

// collapseLeadingPlaceholders reduces a leading run of two or more
// placeholders to a single one. Double-underscore prefixes are reserved by
// the server. The whole run collapses at once to keep the operation
// idempotent.
func collapseLeadingPlaceholders(name string) (string, bool) {
	n := 0
	for n < len(name) && name[n] == Placeholder {
		n++
	}
	if n < 2 {
		return name, false
	}
	return string(Placeholder) + name[n:], true
}

// collapseSegmentPlaceholders reduces a run of two or more placeholders
// directly following a path separator to a single placeholder.
func collapseSegmentPlaceholders(path string) (string, bool) {
	var b strings.Builder
	b.Grow(len(path))
	changed := false
	i := 0
	for i < len(path) {
		c := path[i]
		b.WriteByte(c)
		i++
		if c != '/' {
			continue
		}
		n := 0
		for i+n < len(path) && path[i+n] == Placeholder {
			n++
		}
		if n >= 2 {
			b.WriteByte(Placeholder)
			i += n
			changed = true
		}
	}
	return b.String(), changed
}
