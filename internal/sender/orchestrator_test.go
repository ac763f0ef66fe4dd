package sender

import (
	"context"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/twinfer/omfgate/internal/hierarchy"
	"github.com/twinfer/omfgate/internal/transport"
	"github.com/twinfer/omfgate/internal/typecache"
	"github.com/twinfer/omfgate/pkg/omf"
	"github.com/twinfer/omfgate/pkg/types"
)

func testLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

type fakeCall struct {
	msgType  transport.MessageType
	body     string
	compress bool
}

// fakeSender scripts transport outcomes per call, in order. A nil entry (or
// an exhausted script) means success.
type fakeSender struct {
	calls    []fakeCall
	script   []error
	lastBody string
	probeErr error
}

func (f *fakeSender) Send(_ context.Context, msgType transport.MessageType, body []byte, compress bool) (int, error) {
	f.calls = append(f.calls, fakeCall{msgType: msgType, body: string(body), compress: compress})
	if len(f.script) == 0 {
		return 204, nil
	}
	err := f.script[0]
	f.script = f.script[1:]
	if err == nil {
		return 204, nil
	}
	switch e := err.(type) {
	case *transport.BadRequestError:
		f.lastBody = e.Body
		return 400, err
	case *transport.UnauthorizedError:
		f.lastBody = e.Body
		return 401, err
	case *transport.ConflictError:
		f.lastBody = e.Body
		return 409, err
	case *transport.RequestError:
		f.lastBody = e.Body
		return e.StatusCode, err
	default:
		return 0, err
	}
}

func (f *fakeSender) LastResponseBody() string { return f.lastBody }

func (f *fakeSender) Probe(context.Context) error { return f.probeErr }

func (f *fakeSender) callTypes() []transport.MessageType {
	out := make([]transport.MessageType, len(f.calls))
	for i, c := range f.calls {
		out[i] = c.msgType
	}
	return out
}

func newEDSOrchestrator(fake *fakeSender, cache *typecache.Cache) *Orchestrator {
	builder := omf.NewBuilder(false, types.Formats{Number: "float64", Integer: "int64"}, nil)
	return New(Config{Endpoint: types.EndpointEDS}, fake, builder, cache, nil, nil, testLogger())
}

func reading(asset string, dps ...types.Datapoint) *types.Reading {
	return &types.Reading{AssetName: asset, Timestamp: time.Now(), Datapoints: dps}
}

func TestFirstCycleSendsSchemaThenData(t *testing.T) {
	fake := &fakeSender{}
	cache := typecache.New(1, false, testLogger())
	o := newEDSOrchestrator(fake, cache)

	batch := []*types.Reading{reading("A1", types.Datapoint{Name: "x", Value: 3})}
	sent, err := o.Send(context.Background(), batch)
	require.NoError(t, err)
	assert.Equal(t, 1, sent)

	require.Equal(t, []transport.MessageType{
		transport.MessageTypeType,
		transport.MessageTypeContainer,
		transport.MessageTypeData,
	}, fake.callTypes())
	assert.Contains(t, fake.calls[2].body, "1measurement_A1")

	// Identical shape next cycle: schema already confirmed, data only.
	fake.calls = nil
	sent, err = o.Send(context.Background(), batch)
	require.NoError(t, err)
	assert.Equal(t, 1, sent)
	assert.Equal(t, []transport.MessageType{transport.MessageTypeData}, fake.callTypes())
}

func TestSchemaConflictBumpsVersionAndRetriesOnce(t *testing.T) {
	fake := &fakeSender{}
	cache := typecache.New(1, false, testLogger())
	o := newEDSOrchestrator(fake, cache)

	base := []*types.Reading{reading("A1", types.Datapoint{Name: "x", Value: 3})}
	_, err := o.Send(context.Background(), base)
	require.NoError(t, err)
	require.Equal(t, int64(1), cache.Version("A1"))

	// A hint change forces a resend; the server rejects the redefinition
	// until the version is bumped.
	hinted := []*types.Reading{reading("A1",
		types.Datapoint{Name: "x", Value: 3},
		types.Datapoint{Name: types.HintDatapointName, Value: `{"integer":"int32"}`},
	)}
	fake.calls = nil
	fake.script = []error{
		&transport.BadRequestError{Body: "Type does not exist"},
	}

	sent, err := o.Send(context.Background(), hinted)
	require.NoError(t, err)
	assert.Equal(t, 1, sent)
	assert.Equal(t, int64(2), cache.Version("A1"))

	// Failed Type, retried Type, Container, then the data batch.
	require.Equal(t, []transport.MessageType{
		transport.MessageTypeType,
		transport.MessageTypeType,
		transport.MessageTypeContainer,
		transport.MessageTypeData,
	}, fake.callTypes())
	assert.Contains(t, fake.calls[1].body, "2_A1_typename_measurement")
}

func TestSchemaConflictGivesUpAfterOneRetry(t *testing.T) {
	fake := &fakeSender{
		script: []error{
			&transport.BadRequestError{Body: "Type does not exist"},
			&transport.BadRequestError{Body: "Type does not exist"},
		},
	}
	cache := typecache.New(1, false, testLogger())
	o := newEDSOrchestrator(fake, cache)

	sent, err := o.Send(context.Background(),
		[]*types.Reading{reading("A1", types.Datapoint{Name: "x", Value: 3})})
	require.NoError(t, err)
	assert.Equal(t, 0, sent)

	// Two Type attempts, nothing else.
	assert.Equal(t, []transport.MessageType{
		transport.MessageTypeType,
		transport.MessageTypeType,
	}, fake.callTypes())
}

func TestUnauthorizedAbortsCycle(t *testing.T) {
	fake := &fakeSender{script: []error{&transport.UnauthorizedError{Body: "bad token"}}}
	cache := typecache.New(1, false, testLogger())
	o := newEDSOrchestrator(fake, cache)

	sent, err := o.Send(context.Background(), []*types.Reading{
		reading("A1", types.Datapoint{Name: "x", Value: 3}),
		reading("A2", types.Datapoint{Name: "y", Value: 4}),
	})
	assert.Equal(t, 0, sent)
	require.Error(t, err)

	// The cycle stopped at the first schema call.
	assert.Equal(t, []transport.MessageType{transport.MessageTypeType}, fake.callTypes())
}

func TestGenericSchemaFailureSkipsOnlyThatReading(t *testing.T) {
	fake := &fakeSender{script: []error{&transport.RequestError{StatusCode: 500, Body: "boom"}}}
	cache := typecache.New(1, false, testLogger())
	o := newEDSOrchestrator(fake, cache)

	sent, err := o.Send(context.Background(), []*types.Reading{
		reading("A1", types.Datapoint{Name: "x", Value: 3}),
		reading("A2", types.Datapoint{Name: "y", Value: 4}),
	})
	require.NoError(t, err)
	assert.Equal(t, 1, sent)

	// A1's Type failed; A2 got its schema and the batch carries A2 only.
	last := fake.calls[len(fake.calls)-1]
	assert.Equal(t, transport.MessageTypeData, last.msgType)
	assert.Contains(t, last.body, "measurement_A2")
	assert.NotContains(t, last.body, "measurement_A1")
}

func TestDataSendFailureFailsWholeBatch(t *testing.T) {
	fake := &fakeSender{script: []error{nil, nil, &transport.RequestError{StatusCode: 500, Body: "boom"}}}
	cache := typecache.New(1, false, testLogger())
	o := newEDSOrchestrator(fake, cache)

	sent, err := o.Send(context.Background(),
		[]*types.Reading{reading("A1", types.Datapoint{Name: "x", Value: 3})})
	assert.Equal(t, 0, sent)
	require.Error(t, err)
}

func TestDataSendNonBlockingConflictIsAccepted(t *testing.T) {
	fake := &fakeSender{script: []error{nil, nil,
		&transport.BadRequestError{Body: `container "1measurement_A1": Type does not exist`}}}
	cache := typecache.New(1, false, testLogger())
	o := newEDSOrchestrator(fake, cache)

	sent, err := o.Send(context.Background(),
		[]*types.Reading{reading("A1", types.Datapoint{Name: "x", Value: 3})})
	require.NoError(t, err)
	assert.Equal(t, 1, sent, "non-blocking data error counts as delivered")

	// The affected asset's schema is rotated for the next cycle... but EDS
	// has no error attribution, so only the log records it.
	assert.Equal(t, int64(1), cache.Version("A1"))
}

func TestDataConflictRotatesAttributedAssetOnPIWebAPI(t *testing.T) {
	fake := &fakeSender{script: []error{nil, nil, nil, nil,
		&transport.BadRequestError{Body: `container "1measurement_A1": Type does not exist`}}}
	cache := typecache.New(1, true, testLogger())
	resolver := hierarchy.NewResolver(types.HierarchyRules{DefaultLocation: "/plant"}, testLogger())
	builder := omf.NewBuilder(true, types.Formats{Number: "float64", Integer: "int64"}, nil)
	o := New(Config{Endpoint: types.EndpointPIWebAPI, FullStructure: true},
		fake, builder, cache, resolver, nil, testLogger())

	batch := []*types.Reading{reading("A1", types.Datapoint{Name: "x", Value: 3})}
	sent, err := o.Send(context.Background(), batch)
	require.NoError(t, err)
	assert.Equal(t, 1, sent)

	// Attribution found A1 under its prefixed key and bumped it.
	prefix := hierarchy.PathPrefix("/plant")
	key := prefix + "_A1"
	rec, ok := cache.Lookup(key)
	require.True(t, ok)
	assert.Equal(t, int64(2), rec.Version)
	assert.Empty(t, rec.SchemaBody)
}

func TestFullStructureSendsStaticAndLinkMessages(t *testing.T) {
	fake := &fakeSender{}
	cache := typecache.New(1, true, testLogger())
	resolver := hierarchy.NewResolver(types.HierarchyRules{DefaultLocation: "/plant"}, testLogger())
	builder := omf.NewBuilder(true, types.Formats{Number: "float64", Integer: "int64"}, nil)
	o := New(Config{Endpoint: types.EndpointPIWebAPI, FullStructure: true},
		fake, builder, cache, resolver, nil, testLogger())

	sent, err := o.Send(context.Background(),
		[]*types.Reading{reading("A1", types.Datapoint{Name: "x", Value: 3})})
	require.NoError(t, err)
	assert.Equal(t, 1, sent)

	require.Equal(t, []transport.MessageType{
		transport.MessageTypeType,
		transport.MessageTypeContainer,
		transport.MessageTypeData, // static instance values
		transport.MessageTypeData, // hierarchy links
		transport.MessageTypeData, // reading batch
	}, fake.callTypes())
	assert.Contains(t, fake.calls[3].body, "__Link")

	prefix := hierarchy.PathPrefix("/plant")
	assert.Contains(t, fake.calls[1].body, prefix+"_1measurement_A1")
}

func TestFullStructureSuppressedWithoutLinkSupport(t *testing.T) {
	fake := &fakeSender{}
	cache := typecache.New(1, false, testLogger())
	builder := omf.NewBuilder(true, types.Formats{Number: "float64", Integer: "int64"}, nil)
	o := New(Config{Endpoint: types.EndpointEDS, FullStructure: true},
		fake, builder, cache, nil, nil, testLogger())

	sent, err := o.Send(context.Background(),
		[]*types.Reading{reading("A1", types.Datapoint{Name: "x", Value: 3})})
	require.NoError(t, err)
	assert.Equal(t, 1, sent)

	// Containers-only endpoints get no static instance or link messages.
	require.Equal(t, []transport.MessageType{
		transport.MessageTypeType,
		transport.MessageTypeContainer,
		transport.MessageTypeData, // reading batch
	}, fake.callTypes())
	for _, c := range fake.calls {
		assert.NotContains(t, c.body, "__Link")
	}
}

func TestUnsupportedOnlyReadingSuppressed(t *testing.T) {
	fake := &fakeSender{}
	cache := typecache.New(1, false, testLogger())
	o := newEDSOrchestrator(fake, cache)

	sent, err := o.Send(context.Background(),
		[]*types.Reading{reading("A1", types.Datapoint{Name: "blob", Value: []interface{}{1, 2}})})
	require.NoError(t, err)
	assert.Equal(t, 0, sent)

	// Schema went out, but no Data message was built for the batch.
	for _, c := range fake.calls {
		assert.NotEqual(t, transport.MessageTypeData, c.msgType)
	}
}

func TestProbeFailureDefersBatch(t *testing.T) {
	fake := &fakeSender{probeErr: &transport.ConnectionError{Host: "pi.local"}}
	cache := typecache.New(1, true, testLogger())
	resolver := hierarchy.NewResolver(types.HierarchyRules{DefaultLocation: "/plant"}, testLogger())
	builder := omf.NewBuilder(false, types.Formats{Number: "float64", Integer: "int64"}, nil)
	o := New(Config{Endpoint: types.EndpointPIWebAPI}, fake, builder, cache, resolver, nil, testLogger())

	require.True(t, o.Connected())
	sent, err := o.Send(context.Background(),
		[]*types.Reading{reading("A1", types.Datapoint{Name: "x", Value: 3})})
	assert.Equal(t, 0, sent)
	require.Error(t, err)
	assert.False(t, o.Connected())
	assert.Empty(t, fake.calls)

	// Once the endpoint is reachable again the next cycle recovers.
	fake.probeErr = nil
	sent, err = o.Send(context.Background(),
		[]*types.Reading{reading("A1", types.Datapoint{Name: "x", Value: 3})})
	require.NoError(t, err)
	assert.Equal(t, 1, sent)
	assert.True(t, o.Connected())
}

func TestReadingsProcessedInInputOrder(t *testing.T) {
	fake := &fakeSender{}
	cache := typecache.New(1, false, testLogger())
	o := newEDSOrchestrator(fake, cache)

	batch := []*types.Reading{
		reading("B", types.Datapoint{Name: "x", Value: 1}),
		reading("A", types.Datapoint{Name: "x", Value: 2}),
		reading("B", types.Datapoint{Name: "x", Value: 3}),
	}
	sent, err := o.Send(context.Background(), batch)
	require.NoError(t, err)
	assert.Equal(t, 3, sent)

	last := fake.calls[len(fake.calls)-1]
	require.Equal(t, transport.MessageTypeData, last.msgType)
	bi := strings.Index(last.body, "measurement_B")
	ai := strings.Index(last.body, "measurement_A")
	assert.True(t, bi >= 0 && ai >= 0 && bi < ai, "batch preserves input order")
}

func TestEmptyBatchIsNoop(t *testing.T) {
	fake := &fakeSender{}
	o := newEDSOrchestrator(fake, typecache.New(1, false, testLogger()))
	sent, err := o.Send(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, 0, sent)
	assert.Empty(t, fake.calls)
}
