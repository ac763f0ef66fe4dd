// Package typecache tracks which assets already have a confirmed schema on
// the server and owns the monotonic type version counter. The server's schema
// model is append-only: a confirmed schema is never amended in place, only
// superseded under a bumped version. The cache is forgiving by design; a
// missing key simply means "must send".
package typecache

import (
	"encoding/json"
	"sort"

	"github.com/sirupsen/logrus"

	"github.com/twinfer/omfgate/pkg/types"
)

// SeedKey is the reserved placeholder key holding the global version seed in
// the persisted blob when no per-asset record exists yet.
const SeedKey = "_seed"

// emptySchemaBody is the degenerate body produced by a reading with no
// supported datapoints. It never counts as a confirmed schema.
const emptySchemaBody = "{}"

// Record is one asset's cached schema state.
type Record struct {
	// Version is the monotonic type version for this key.
	Version int64
	// SchemaBody is the serialized datapoint-name to type map last
	// confirmed sent. Empty means not yet confirmed.
	SchemaBody string
	// Fingerprint is the compact shape summary of SchemaBody.
	Fingerprint Fingerprint
	// HintChecksum detects hint-driven schema changes.
	HintChecksum uint32
	// NamingScheme tags how ids for this asset were formed.
	NamingScheme types.NamingScheme
	// Hierarchy placement captured at confirm time.
	HierarchyHash         string
	HierarchyPath         string
	HierarchyOriginalPath string
}

// Cache maps asset keys to schema records. It is not safe for concurrent
// use; the orchestrator is the only writer and runs one send cycle at a time.
type Cache struct {
	seed           int64
	hierarchyAware bool
	records        map[string]*Record
	logger         *logrus.Logger
}

// New creates a cache seeded with the configured start version.
// hierarchyAware enables the batch-superset fingerprint check, which only
// matters for endpoints that key schemas by hierarchy placement.
func New(seed int64, hierarchyAware bool, logger *logrus.Logger) *Cache {
	if seed < 1 {
		seed = 1
	}
	return &Cache{
		seed:           seed,
		hierarchyAware: hierarchyAware,
		records:        map[string]*Record{},
		logger:         logger,
	}
}

// Seed returns the global version seed used for keys with no record.
func (c *Cache) Seed() int64 { return c.seed }

// Version returns the version in force for the key: the record's own version
// when one exists, otherwise the global seed.
func (c *Cache) Version(key string) int64 {
	if rec, ok := c.records[key]; ok {
		return rec.Version
	}
	return c.seed
}

// Lookup returns the record for the key, if any.
func (c *Cache) Lookup(key string) (*Record, bool) {
	rec, ok := c.records[key]
	return rec, ok
}

// NeedsSchemaSend decides whether Type and Container messages must be
// (re)sent before data for the key may flow. It returns false only when a
// record exists with a confirmed non-degenerate body, an unchanged hint
// checksum, and (on hierarchy-aware endpoints) a fingerprint covering the
// batch superset.
func (c *Cache) NeedsSchemaSend(key string, hintChecksum uint32, superset Fingerprint) bool {
	rec, ok := c.records[key]
	if !ok {
		return true
	}
	if rec.SchemaBody == "" || rec.SchemaBody == emptySchemaBody {
		return true
	}
	if rec.HintChecksum != hintChecksum {
		return true
	}
	if c.hierarchyAware && !rec.Fingerprint.Covers(superset) {
		return true
	}
	return false
}

// ConfirmSchemaSent records that the schema derived from the reading was
// accepted by the server. The reading's supported datapoint-name to type map
// becomes the schema body and the fingerprint and hint checksum are
// recomputed. A missing record is created at the seeded version.
func (c *Cache) ConfirmSchemaSent(key string, reading *types.Reading, hintChecksum uint32, scheme types.NamingScheme) {
	rec, ok := c.records[key]
	if !ok {
		rec = &Record{Version: c.seed}
		c.records[key] = rec
	}
	dps := reading.DataDatapoints()
	rec.SchemaBody = serializeSchema(dps)
	rec.Fingerprint = FingerprintOf(dps)
	rec.HintChecksum = hintChecksum
	rec.NamingScheme = scheme

	c.logger.WithFields(logrus.Fields{
		"key":     key,
		"version": rec.Version,
		"fields":  rec.Fingerprint.Total,
	}).Debug("Schema confirmed sent")
}

// SetPlacement stores the hierarchy placement metadata on the key's record,
// creating it at the seeded version if absent.
func (c *Cache) SetPlacement(key, hash, path, originalPath string) {
	rec, ok := c.records[key]
	if !ok {
		rec = &Record{Version: c.seed}
		c.records[key] = rec
	}
	rec.HierarchyHash = hash
	rec.HierarchyPath = path
	rec.HierarchyOriginalPath = originalPath
}

// BumpVersion increments the version for the key, or the global seed when no
// record exists. Used on schema-conflict recovery so the superseding schema
// is sent under a fresh type id.
func (c *Cache) BumpVersion(key string) int64 {
	if rec, ok := c.records[key]; ok {
		rec.Version++
		c.logger.WithFields(logrus.Fields{
			"key":     key,
			"version": rec.Version,
		}).Info("Type version bumped for schema recovery")
		return rec.Version
	}
	c.seed++
	return c.seed
}

// ClearBody empties the key's schema body while preserving its version,
// forcing a resend without losing version continuity. Unknown keys are
// ignored.
func (c *Cache) ClearBody(key string) {
	if rec, ok := c.records[key]; ok {
		rec.SchemaBody = ""
		rec.Fingerprint = Fingerprint{}
	}
}

// ClearAll wipes every record, keeping the current seed.
func (c *Cache) ClearAll() {
	c.records = map[string]*Record{}
}

// Len returns the number of cached records.
func (c *Cache) Len() int { return len(c.records) }

// Keys returns the cached keys in sorted order.
func (c *Cache) Keys() []string { return c.sortedKeys() }

// serializeSchema renders the supported datapoints as a JSON object mapping
// name to inferred type. Map marshaling sorts keys, so the body is
// deterministic for a given field set.
func serializeSchema(dps []types.Datapoint) string {
	m := map[string]string{}
	for _, dp := range dps {
		kind := dp.Kind()
		if kind == types.KindUnsupported {
			continue
		}
		m[dp.Name] = kind.String()
	}
	raw, err := json.Marshal(m)
	if err != nil {
		return emptySchemaBody
	}
	return string(raw)
}

// sortedKeys is shared by the persistence codec for stable output.
func (c *Cache) sortedKeys() []string {
	keys := make([]string, 0, len(c.records))
	for k := range c.records {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
