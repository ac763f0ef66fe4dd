// Package hierarchy places assets in the server-side AF tree. Placement is
// driven by configured rules evaluated in a fixed priority order: an explicit
// location hint wins, then exact-name rules, then metadata rules in listed
// order; assets matching nothing land at the default location.
package hierarchy

import (
	"fmt"
	"strings"

	"github.com/cespare/xxhash/v2"
	"github.com/sirupsen/logrus"

	"github.com/twinfer/omfgate/internal/naming"
	"github.com/twinfer/omfgate/pkg/types"
)

// Placement is the resolved position of one asset.
type Placement struct {
	// Path is the normalized hierarchy path.
	Path string
	// OriginalPath is the configured path before name normalization.
	OriginalPath string
	// Prefix is a short stable token derived from the normalized path,
	// used to disambiguate type and container ids across branches.
	Prefix string
	// Leaf is the last segment of the path.
	Leaf string
}

// Resolver evaluates placement rules and memoizes results per asset for the
// lifetime of one batch. Metadata and hint content may change between
// batches, so the memo must be reset when a new batch starts.
type Resolver struct {
	rules  types.HierarchyRules
	logger *logrus.Logger
	memo   map[string]Placement
}

// NewResolver creates a resolver over the configured rule set.
func NewResolver(rules types.HierarchyRules, logger *logrus.Logger) *Resolver {
	if rules.DefaultLocation == "" {
		rules.DefaultLocation = "/"
	}
	return &Resolver{
		rules:  rules,
		logger: logger,
		memo:   map[string]Placement{},
	}
}

// ResetBatch discards the per-batch memo.
func (r *Resolver) ResetBatch() {
	r.memo = map[string]Placement{}
}

// Resolve returns the placement for the asset. hintLocation, when non-empty,
// is an explicit per-reading override and short-circuits rule evaluation.
// The result is memoized per asset name until the next ResetBatch.
func (r *Resolver) Resolve(assetName string, reading *types.Reading, hintLocation string) Placement {
	if p, ok := r.memo[assetName]; ok {
		return p
	}
	raw := r.locate(assetName, reading, hintLocation)
	p := r.place(raw)
	r.memo[assetName] = p

	r.logger.WithFields(logrus.Fields{
		"asset":  assetName,
		"path":   p.Path,
		"prefix": p.Prefix,
	}).Debug("Resolved hierarchy placement")
	return p
}

func (r *Resolver) locate(assetName string, reading *types.Reading, hintLocation string) string {
	if hintLocation != "" {
		return r.absolute(hintLocation)
	}
	if path, ok := r.rules.Names[assetName]; ok {
		return r.absolute(path)
	}
	for _, rule := range r.rules.Metadata {
		if matchMetadata(rule, reading) {
			return r.absolute(rule.Location)
		}
	}
	return r.rules.DefaultLocation
}

// absolute anchors relative rule paths under the default location.
func (r *Resolver) absolute(path string) string {
	if strings.HasPrefix(path, "/") {
		return path
	}
	return strings.TrimRight(r.rules.DefaultLocation, "/") + "/" + path
}

func (r *Resolver) place(rawPath string) Placement {
	normalized, changed := naming.NormalizePathName(rawPath)
	if changed {
		r.logger.WithFields(logrus.Fields{
			"original":   rawPath,
			"normalized": normalized,
		}).Debug("Hierarchy path adjusted to naming rules")
	}
	return Placement{
		Path:         normalized,
		OriginalPath: rawPath,
		Prefix:       PathPrefix(normalized),
		Leaf:         lastSegment(normalized),
	}
}

// PathPrefix derives the short stable token for a normalized path.
func PathPrefix(path string) string {
	return fmt.Sprintf("%x", xxhash.Sum64String(path))
}

func lastSegment(path string) string {
	trimmed := strings.TrimRight(path, "/")
	if trimmed == "" {
		return "/"
	}
	idx := strings.LastIndex(trimmed, "/")
	return trimmed[idx+1:]
}

func matchMetadata(rule types.MetadataRule, reading *types.Reading) bool {
	var found *types.Datapoint
	for i := range reading.Datapoints {
		if reading.Datapoints[i].Name == rule.Property {
			found = &reading.Datapoints[i]
			break
		}
	}
	switch rule.Kind {
	case types.MetadataExists:
		return found != nil
	case types.MetadataNonExists:
		return found == nil
	case types.MetadataEqual:
		return found != nil && datapointEquals(*found, rule.Value)
	case types.MetadataNotEqual:
		return found != nil && !datapointEquals(*found, rule.Value)
	default:
		return false
	}
}

func datapointEquals(dp types.Datapoint, want string) bool {
	switch v := dp.Value.(type) {
	case string:
		return v == want
	default:
		return fmt.Sprintf("%v", dp.Value) == want
	}
}
