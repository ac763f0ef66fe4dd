package typecache

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/sirupsen/logrus"

	"github.com/twinfer/omfgate/pkg/types"
)

// persistedRecord is the on-disk shape of one cache entry. The reserved seed
// key carries only the type-id field.
type persistedRecord struct {
	TypeID             int64           `json:"type-id"`
	Schema             json.RawMessage `json:"schema,omitempty"`
	Fingerprint        string          `json:"fingerprint,omitempty"`
	HintChecksum       string          `json:"hint-checksum,omitempty"`
	NamingScheme       int             `json:"naming-scheme"`
	AFHash             string          `json:"af-hash,omitempty"`
	AFLocation         string          `json:"af-location,omitempty"`
	AFLocationOriginal string          `json:"af-location-original,omitempty"`
}

// Save writes the cache as the persisted state blob: one JSON object keyed
// by asset key, with the reserved seed key always present so the global
// version survives restarts even with no per-asset entries.
func (c *Cache) Save(w io.Writer) error {
	out := map[string]persistedRecord{
		SeedKey: {TypeID: c.seed},
	}
	for _, key := range c.sortedKeys() {
		rec := c.records[key]
		pr := persistedRecord{
			TypeID:             rec.Version,
			Fingerprint:        rec.Fingerprint.Encode(),
			HintChecksum:       fmt.Sprintf("%08x", rec.HintChecksum),
			NamingScheme:       int(rec.NamingScheme),
			AFHash:             rec.HierarchyHash,
			AFLocation:         rec.HierarchyPath,
			AFLocationOriginal: rec.HierarchyOriginalPath,
		}
		if json.Valid([]byte(rec.SchemaBody)) && rec.SchemaBody != "" {
			pr.Schema = json.RawMessage(rec.SchemaBody)
		}
		out[key] = pr
	}

	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(out); err != nil {
		return fmt.Errorf("failed to serialize schema cache: %w", err)
	}
	return nil
}

// Load replaces the cache content with a previously persisted blob. A
// malformed blob is tolerated: the cache falls back to seed-only state and
// every asset is treated as never sent, which is safe because schema sends
// are idempotent under version bumps.
func (c *Cache) Load(r io.Reader) error {
	raw, err := io.ReadAll(r)
	if err != nil {
		return fmt.Errorf("failed to read schema cache blob: %w", err)
	}
	var in map[string]persistedRecord
	if err := json.Unmarshal(raw, &in); err != nil {
		c.logger.WithFields(logrus.Fields{
			"error": err,
		}).Warn("Discarding malformed schema cache blob, starting from seed")
		c.records = map[string]*Record{}
		return nil
	}

	c.records = map[string]*Record{}
	for key, pr := range in {
		if key == SeedKey {
			if pr.TypeID > 0 {
				c.seed = pr.TypeID
			}
			continue
		}
		rec := &Record{
			Version:               pr.TypeID,
			Fingerprint:           DecodeFingerprint(pr.Fingerprint),
			NamingScheme:          types.NamingScheme(pr.NamingScheme),
			HierarchyHash:         pr.AFHash,
			HierarchyPath:         pr.AFLocation,
			HierarchyOriginalPath: pr.AFLocationOriginal,
		}
		if rec.Version < 1 {
			rec.Version = c.seed
		}
		if len(pr.Schema) > 0 {
			// The encoder re-indents nested raw JSON on save; compact it
			// back so bodies compare byte-identical across round trips.
			var compact bytes.Buffer
			if err := json.Compact(&compact, pr.Schema); err == nil {
				rec.SchemaBody = compact.String()
			}
		}
		var sum uint32
		if _, err := fmt.Sscanf(pr.HintChecksum, "%08x", &sum); err == nil {
			rec.HintChecksum = sum
		}
		c.records[key] = rec
	}
	c.logger.WithFields(logrus.Fields{
		"entries": len(c.records),
		"seed":    c.seed,
	}).Info("Schema cache restored")
	return nil
}

// FileStore persists the cache at a fixed path across agent restarts.
type FileStore struct {
	Path   string
	Logger *logrus.Logger
}

// Restore loads the blob at the store path into the cache. A missing file is
// not an error; the cache stays at seed-only state.
func (fs *FileStore) Restore(c *Cache) error {
	f, err := os.Open(fs.Path)
	if os.IsNotExist(err) {
		fs.Logger.WithFields(logrus.Fields{
			"path": fs.Path,
		}).Info("No persisted schema cache, starting from seed")
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to open schema cache file: %w", err)
	}
	defer f.Close()
	return c.Load(f)
}

// Persist writes the cache to the store path atomically.
func (fs *FileStore) Persist(c *Cache) error {
	tmp := fs.Path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("failed to create schema cache file: %w", err)
	}
	if err := c.Save(f); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to close schema cache file: %w", err)
	}
	if err := os.Rename(tmp, fs.Path); err != nil {
		return fmt.Errorf("failed to replace schema cache file: %w", err)
	}
	return nil
}
