package hierarchy

import (
	"io"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/twinfer/omfgate/pkg/types"
)

func testLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func reading(asset string, dps ...types.Datapoint) *types.Reading {
	return &types.Reading{AssetName: asset, Timestamp: time.Now(), Datapoints: dps}
}

func TestResolveDefaultLocation(t *testing.T) {
	r := NewResolver(types.HierarchyRules{DefaultLocation: "/plant/area1"}, testLogger())
	p := r.Resolve("motor7", reading("motor7"), "")
	assert.Equal(t, "/plant/area1", p.Path)
	assert.Equal(t, "area1", p.Leaf)
	assert.NotEmpty(t, p.Prefix)
}

func TestResolveNameRuleWinsOverMetadata(t *testing.T) {
	rules := types.HierarchyRules{
		DefaultLocation: "/plant",
		Names:           map[string]string{"motor7": "/plant/motors"},
		Metadata: []types.MetadataRule{
			{Kind: types.MetadataExists, Property: "rpm", Location: "/plant/rotating"},
		},
	}
	r := NewResolver(rules, testLogger())
	p := r.Resolve("motor7", reading("motor7", types.Datapoint{Name: "rpm", Value: 1500}), "")
	assert.Equal(t, "/plant/motors", p.Path)
	assert.Equal(t, "motors", p.Leaf)
}

func TestResolveMetadataRules(t *testing.T) {
	rules := types.HierarchyRules{
		DefaultLocation: "/plant",
		Metadata: []types.MetadataRule{
			{Kind: types.MetadataEqual, Property: "floor", Value: "2", Location: "/plant/floor2"},
			{Kind: types.MetadataExists, Property: "floor", Location: "/plant/floors"},
			{Kind: types.MetadataNonExists, Property: "floor", Location: "/plant/unplaced"},
		},
	}
	r := NewResolver(rules, testLogger())

	p := r.Resolve("a", reading("a", types.Datapoint{Name: "floor", Value: 2}), "")
	assert.Equal(t, "/plant/floor2", p.Path)

	r.ResetBatch()
	p = r.Resolve("b", reading("b", types.Datapoint{Name: "floor", Value: 9}), "")
	assert.Equal(t, "/plant/floors", p.Path)

	r.ResetBatch()
	p = r.Resolve("c", reading("c"), "")
	assert.Equal(t, "/plant/unplaced", p.Path)
}

func TestResolveNotEqualRule(t *testing.T) {
	rules := types.HierarchyRules{
		DefaultLocation: "/plant",
		Metadata: []types.MetadataRule{
			{Kind: types.MetadataNotEqual, Property: "state", Value: "ok", Location: "/plant/alerts"},
		},
	}
	r := NewResolver(rules, testLogger())

	p := r.Resolve("x", reading("x", types.Datapoint{Name: "state", Value: "fault"}), "")
	assert.Equal(t, "/plant/alerts", p.Path)

	// Absent property does not satisfy not-equal.
	r.ResetBatch()
	p = r.Resolve("y", reading("y"), "")
	assert.Equal(t, "/plant", p.Path)
}

func TestResolveHintOverridesRules(t *testing.T) {
	rules := types.HierarchyRules{
		DefaultLocation: "/plant",
		Names:           map[string]string{"m": "/plant/motors"},
	}
	r := NewResolver(rules, testLogger())
	p := r.Resolve("m", reading("m"), "/override/here")
	assert.Equal(t, "/override/here", p.Path)
}

func TestResolveRelativePathAnchoredAtDefault(t *testing.T) {
	rules := types.HierarchyRules{
		DefaultLocation: "/plant/area1",
		Names:           map[string]string{"m": "motors"},
	}
	r := NewResolver(rules, testLogger())
	p := r.Resolve("m", reading("m"), "")
	assert.Equal(t, "/plant/area1/motors", p.Path)
}

func TestResolvePathNormalized(t *testing.T) {
	rules := types.HierarchyRules{
		DefaultLocation: "/plant",
		Names:           map[string]string{"m": "/plant/__bad*name"},
	}
	r := NewResolver(rules, testLogger())
	p := r.Resolve("m", reading("m"), "")
	assert.Equal(t, "/plant/_bad_name", p.Path)
	assert.Equal(t, "/plant/__bad*name", p.OriginalPath)
}

func TestResolveMemoPerBatch(t *testing.T) {
	rules := types.HierarchyRules{
		DefaultLocation: "/plant",
		Metadata: []types.MetadataRule{
			{Kind: types.MetadataExists, Property: "tag", Location: "/plant/tagged"},
		},
	}
	r := NewResolver(rules, testLogger())

	p := r.Resolve("m", reading("m", types.Datapoint{Name: "tag", Value: "x"}), "")
	require.Equal(t, "/plant/tagged", p.Path)

	// Same batch: memoized result returned even though content changed.
	p = r.Resolve("m", reading("m"), "")
	assert.Equal(t, "/plant/tagged", p.Path)

	// New batch: recomputed.
	r.ResetBatch()
	p = r.Resolve("m", reading("m"), "")
	assert.Equal(t, "/plant", p.Path)
}

func TestPathPrefixStable(t *testing.T) {
	a := PathPrefix("/plant/area1")
	b := PathPrefix("/plant/area1")
	c := PathPrefix("/plant/area2")
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
	assert.NotEmpty(t, a)
}
