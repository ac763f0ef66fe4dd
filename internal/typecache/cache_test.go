package typecache

import (
	"bytes"
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

func TestNeedsSchemaSendLifecycle(t *testing.T) {
	c := New(1, true, testLogger())
	r := reading("A1", types.Datapoint{Name: "x", Value: 3})
	superset := SupersetFingerprint([]*types.Reading{r}, "A1")

	// No prior record: must send.
	assert.True(t, c.NeedsSchemaSend("A1", 0, superset))

	c.ConfirmSchemaSent("A1", r, 0, types.NamingConcise)

	// Identical shape: no resend needed.
	assert.False(t, c.NeedsSchemaSend("A1", 0, superset))
}

func TestNeedsSchemaSendOnHintChange(t *testing.T) {
	c := New(1, true, testLogger())
	r := reading("A1", types.Datapoint{Name: "x", Value: 3})
	superset := FingerprintOf(r.Datapoints)

	c.ConfirmSchemaSent("A1", r, 100, types.NamingConcise)
	assert.False(t, c.NeedsSchemaSend("A1", 100, superset))
	assert.True(t, c.NeedsSchemaSend("A1", 101, superset))
}

func TestNeedsSchemaSendOnFingerprintDrift(t *testing.T) {
	c := New(1, true, testLogger())
	r1 := reading("A1", types.Datapoint{Name: "x", Value: 1.5})
	c.ConfirmSchemaSent("A1", r1, 0, types.NamingConcise)

	// A second float field appears somewhere in the batch.
	batch := []*types.Reading{
		r1,
		reading("A1", types.Datapoint{Name: "x", Value: 1.5}, types.Datapoint{Name: "y", Value: 2.5}),
	}
	superset := SupersetFingerprint(batch, "A1")
	assert.True(t, c.NeedsSchemaSend("A1", 0, superset))
}

func TestFingerprintCheckSkippedWhenNotHierarchyAware(t *testing.T) {
	c := New(1, false, testLogger())
	r1 := reading("A1", types.Datapoint{Name: "x", Value: 1.5})
	c.ConfirmSchemaSent("A1", r1, 0, types.NamingConcise)

	bigger := Fingerprint{Total: 5, Floats: 5}
	assert.False(t, c.NeedsSchemaSend("A1", 0, bigger))
}

func TestDegenerateBodyForcesResend(t *testing.T) {
	c := New(1, true, testLogger())
	// Only an unsupported datapoint: serialized body is the empty object.
	r := reading("A1", types.Datapoint{Name: "arr", Value: []interface{}{1, 2}})
	c.ConfirmSchemaSent("A1", r, 0, types.NamingConcise)
	assert.True(t, c.NeedsSchemaSend("A1", 0, Fingerprint{}))
}

func TestBumpVersionMonotonic(t *testing.T) {
	c := New(7, true, testLogger())
	r := reading("A1", types.Datapoint{Name: "x", Value: 3})
	c.ConfirmSchemaSent("A1", r, 0, types.NamingConcise)

	last := c.Version("A1")
	require.Equal(t, int64(7), last)
	for i := 0; i < 5; i++ {
		v := c.BumpVersion("A1")
		assert.Greater(t, v, last)
		last = v
	}
	assert.Equal(t, int64(12), c.Version("A1"))
}

func TestBumpVersionWithoutRecordBumpsSeed(t *testing.T) {
	c := New(3, true, testLogger())
	assert.Equal(t, int64(4), c.BumpVersion("missing"))
	assert.Equal(t, int64(4), c.Seed())
	assert.Equal(t, int64(4), c.Version("other-missing"))
}

func TestClearBodyPreservesVersion(t *testing.T) {
	c := New(1, true, testLogger())
	r := reading("A1", types.Datapoint{Name: "x", Value: 3})
	c.ConfirmSchemaSent("A1", r, 0, types.NamingConcise)
	c.BumpVersion("A1")

	c.ClearBody("A1")
	rec, ok := c.Lookup("A1")
	require.True(t, ok)
	assert.Empty(t, rec.SchemaBody)
	assert.Equal(t, int64(2), rec.Version)
	assert.True(t, c.NeedsSchemaSend("A1", 0, Fingerprint{}))
}

func TestClearAll(t *testing.T) {
	c := New(1, true, testLogger())
	c.ConfirmSchemaSent("A1", reading("A1", types.Datapoint{Name: "x", Value: 3}), 0, types.NamingConcise)
	c.ConfirmSchemaSent("A2", reading("A2", types.Datapoint{Name: "y", Value: "s"}), 0, types.NamingConcise)
	require.Equal(t, 2, c.Len())
	c.ClearAll()
	assert.Equal(t, 0, c.Len())
}

func TestSupersetFingerprintUnionAcrossBatch(t *testing.T) {
	batch := []*types.Reading{
		reading("A1", types.Datapoint{Name: "x", Value: 1.0}),
		reading("A1", types.Datapoint{Name: "y", Value: 2}, types.Datapoint{Name: "z", Value: "s"}),
		reading("B1", types.Datapoint{Name: "other", Value: 9}),
	}
	fp := SupersetFingerprint(batch, "A1")
	assert.Equal(t, Fingerprint{Total: 3, Floats: 1, Integers: 1, Strings: 1}, fp)
}

func TestFingerprintCovers(t *testing.T) {
	base := Fingerprint{Total: 3, Floats: 1, Integers: 1, Strings: 1}
	assert.True(t, base.Covers(base))
	assert.True(t, base.Covers(Fingerprint{Total: 2, Floats: 1, Integers: 1}))
	assert.False(t, base.Covers(Fingerprint{Total: 4, Floats: 2, Integers: 1, Strings: 1}))
	assert.False(t, (Fingerprint{}).Covers(base))
}

func TestFingerprintEncodeDecodeRoundTrip(t *testing.T) {
	fp := Fingerprint{Total: 12, Floats: 7, Integers: 3, Strings: 2}
	assert.Equal(t, fp, DecodeFingerprint(fp.Encode()))
	assert.Equal(t, Fingerprint{}, DecodeFingerprint("not-hex"))
}

func TestPersistRoundTrip(t *testing.T) {
	c := New(2, true, testLogger())
	r := reading("A1", types.Datapoint{Name: "x", Value: 3}, types.Datapoint{Name: "f", Value: 1.5})
	c.ConfirmSchemaSent("A1", r, 0xbeef, types.NamingTypeSuffix)
	c.SetPlacement("A1", "cafe01", "/plant/line1", "/plant/line1")
	c.BumpVersion("A1")

	var buf bytes.Buffer
	require.NoError(t, c.Save(&buf))

	restored := New(1, true, testLogger())
	require.NoError(t, restored.Load(&buf))

	require.Equal(t, 1, restored.Len())
	assert.Equal(t, c.Seed(), restored.Seed())

	orig, _ := c.Lookup("A1")
	got, ok := restored.Lookup("A1")
	require.True(t, ok)
	assert.Equal(t, orig.Version, got.Version)
	assert.Equal(t, orig.Fingerprint, got.Fingerprint)
	assert.Equal(t, orig.HintChecksum, got.HintChecksum)
	assert.Equal(t, orig.NamingScheme, got.NamingScheme)
	assert.Equal(t, orig.HierarchyPath, got.HierarchyPath)
	assert.Equal(t, orig.SchemaBody, got.SchemaBody)

	// Restored state still answers needs-send correctly.
	assert.False(t, restored.NeedsSchemaSend("A1", 0xbeef, FingerprintOf(r.Datapoints)))
}

func TestLoadMalformedBlobFallsBackToSeed(t *testing.T) {
	c := New(5, true, testLogger())
	c.ConfirmSchemaSent("A1", reading("A1", types.Datapoint{Name: "x", Value: 1}), 0, types.NamingConcise)

	require.NoError(t, c.Load(bytes.NewReader([]byte("{corrupt"))))
	assert.Equal(t, 0, c.Len())
	assert.Equal(t, int64(5), c.Seed())
	assert.True(t, c.NeedsSchemaSend("A1", 0, Fingerprint{}))
}

func TestSeedOnlyBlobRoundTrip(t *testing.T) {
	c := New(9, true, testLogger())
	var buf bytes.Buffer
	require.NoError(t, c.Save(&buf))

	restored := New(1, true, testLogger())
	require.NoError(t, restored.Load(&buf))
	assert.Equal(t, int64(9), restored.Seed())
	assert.Equal(t, 0, restored.Len())
}
