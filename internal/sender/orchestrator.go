// Package sender drives the end-to-end OMF send cycle: normalize names,
// resolve hierarchy placement, consult the schema cache, send Type and
// Container definitions when needed, batch the Data bodies and transmit them,
// classifying failures against the endpoint's error taxonomy. One cycle is
// synchronous and single-threaded; the only suspension points are the
// transport calls. At most one Send may run per Orchestrator instance.
package sender

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/twinfer/omfgate/internal/hierarchy"
	"github.com/twinfer/omfgate/internal/hints"
	"github.com/twinfer/omfgate/internal/metrics"
	"github.com/twinfer/omfgate/internal/naming"
	"github.com/twinfer/omfgate/internal/transport"
	"github.com/twinfer/omfgate/internal/typecache"
	"github.com/twinfer/omfgate/pkg/omf"
	"github.com/twinfer/omfgate/pkg/types"
)

// defaultProbeInterval gates connectivity probing at cycle start.
const defaultProbeInterval = 60 * time.Second

// Config tunes one orchestrator instance.
type Config struct {
	Endpoint      types.Endpoint
	Compression   bool
	FullStructure bool
	Scheme        types.NamingScheme
	// Delimiter joins name components of generated identifiers, "_" when
	// empty.
	Delimiter string
	// NonBlocking are the 400-body substrings classified as recoverable
	// schema conflicts. Empty falls back to the endpoint defaults.
	NonBlocking []string
	// ProbeInterval is the minimum spacing of connectivity probes.
	ProbeInterval time.Duration
}

// Orchestrator owns the state of one forwarding stream: the schema cache,
// the hierarchy resolver and the connectivity flag. The connected flag is an
// instance field rather than process state so independent orchestrators
// never interfere.
type Orchestrator struct {
	cfg        Config
	sender     transport.Sender
	builder    *omf.Builder
	cache      *typecache.Cache
	resolver   *hierarchy.Resolver
	classifier *Classifier
	metrics    *metrics.Metrics
	logger     *logrus.Logger

	connected bool
	lastProbe time.Time
}

// New creates an orchestrator. resolver may be nil for endpoints without
// hierarchy support; metrics may be nil.
func New(cfg Config, snd transport.Sender, builder *omf.Builder, cache *typecache.Cache,
	resolver *hierarchy.Resolver, m *metrics.Metrics, logger *logrus.Logger) *Orchestrator {

	if cfg.ProbeInterval <= 0 {
		cfg.ProbeInterval = defaultProbeInterval
	}
	nonBlocking := cfg.NonBlocking
	if len(nonBlocking) == 0 {
		nonBlocking = cfg.Endpoint.DefaultNonBlockingErrors()
	}
	if !cfg.Endpoint.SupportsHierarchy() {
		resolver = nil
	}
	// Link and static-instance messages are only accepted by hierarchy
	// aware endpoints; full-structure mode degrades to containers-only
	// everywhere else.
	if !cfg.Endpoint.SupportsLinks() {
		cfg.FullStructure = false
	}
	return &Orchestrator{
		cfg:        cfg,
		sender:     snd,
		builder:    builder,
		cache:      cache,
		resolver:   resolver,
		classifier: NewClassifier(nonBlocking),
		metrics:    m,
		logger:     logger,
		connected:  true,
	}
}

// Connected reports the endpoint reachability as of the last cycle. The
// caller uses it to schedule reconnect probing.
func (o *Orchestrator) Connected() bool {
	return o.connected
}

// Send forwards one batch of readings and returns how many were accepted by
// the endpoint. Zero with a non-nil error means the whole batch must be
// redelivered; a positive count covers every accepted reading, so the caller
// must not redeliver them.
func (o *Orchestrator) Send(ctx context.Context, readings []*types.Reading) (int, error) {
	if len(readings) == 0 {
		return 0, nil
	}
	started := time.Now()
	cycle := o.logger.WithFields(logrus.Fields{
		"cycle":    uuid.NewString(),
		"readings": len(readings),
		"endpoint": o.cfg.Endpoint.String(),
	})

	if err := o.probe(ctx); err != nil {
		o.setConnected(false)
		cycle.WithFields(logrus.Fields{"error": err}).Error("Endpoint unreachable, batch deferred")
		return 0, err
	}

	if o.resolver != nil {
		o.resolver.ResetBatch()
	}

	supersets := map[string]typecache.Fingerprint{}
	skippedRollup := map[string][]string{}

	var batch []string
	accepted := 0
	for _, reading := range readings {
		actx, ok, fatal := o.prepare(ctx, cycle, reading, readings, supersets)
		if fatal != nil {
			o.metrics.ReadingsFailed(len(readings))
			return 0, fatal
		}
		if !ok {
			// Schema delivery failed for this reading only.
			continue
		}

		body, skipped := o.builder.DataMessage(actx, reading)
		if len(skipped) > 0 {
			skippedRollup[reading.AssetName] = mergeSkipped(skippedRollup[reading.AssetName], skipped)
		}
		if body == "" {
			continue
		}
		batch = append(batch, body)
		accepted++
	}

	o.reportSkipped(cycle, skippedRollup)

	if len(batch) == 0 {
		o.metrics.ObserveCycle(time.Since(started).Seconds())
		return accepted, nil
	}

	payload := "[" + strings.Join(batch, ",") + "]"
	_, err := o.sender.Send(ctx, transport.MessageTypeData, []byte(payload), o.cfg.Compression)
	fault := o.classifier.Classify(err)
	o.metrics.ObserveCycle(time.Since(started).Seconds())

	switch fault {
	case FaultNone:
		o.setConnected(true)
		o.metrics.ReadingsForwarded(accepted)
		return accepted, nil
	case FaultSchemaConflict:
		// The server accepted what it could; re-delivery would duplicate
		// rows. Rotate the affected asset's version so the next cycle
		// sends a superseding schema.
		o.recoverDataConflict(cycle)
		o.metrics.ReadingsForwarded(accepted)
		return accepted, nil
	case FaultConflict:
		o.metrics.ReadingsForwarded(accepted)
		return accepted, nil
	case FaultConnectivityLost:
		o.setConnected(false)
		o.metrics.ReadingsFailed(len(readings))
		cycle.WithFields(logrus.Fields{"error": err}).Error("Connectivity lost on data send")
		return 0, err
	default:
		o.metrics.ReadingsFailed(len(readings))
		cycle.WithFields(logrus.Fields{
			"fault": fault.String(),
			"error": err,
		}).Error("Data send failed")
		return 0, err
	}
}

// prepare runs the per-reading front half of the cycle: naming, hierarchy,
// hints, cache check and, when required, schema delivery with one bounded
// conflict retry. ok is false when the reading must be skipped this cycle.
func (o *Orchestrator) prepare(ctx context.Context, cycle *logrus.Entry, reading *types.Reading,
	batch []*types.Reading, supersets map[string]typecache.Fingerprint) (omf.AssetContext, bool, error) {

	assetName, _ := naming.NormalizeObjectName(reading.AssetName)

	payload, _ := reading.HintPayload()
	hintSet := hints.Parse(payload, o.logger)

	var placement hierarchy.Placement
	if o.resolver != nil {
		hintLocation, _ := hints.FirstValue(hintSet.Global(), hints.KindAFLocation)
		placement = o.resolver.Resolve(assetName, reading, hintLocation)
	}

	typeName, _ := hints.FirstValue(hintSet.Global(), hints.KindTypeName)
	key := cacheKey(assetName, placement.Prefix, typeName)

	superset, ok := supersets[reading.AssetName]
	if !ok {
		superset = typecache.SupersetFingerprint(batch, reading.AssetName)
		supersets[reading.AssetName] = superset
	}

	actx := omf.AssetContext{
		Asset:     assetName,
		Version:   o.cache.Version(key),
		Prefix:    placement.Prefix,
		Path:      placement.Path,
		Leaf:      placement.Leaf,
		Delimiter: o.cfg.Delimiter,
		Hints:     hintSet,
	}

	if !o.cache.NeedsSchemaSend(key, hintSet.Checksum(), superset) {
		return actx, true, nil
	}

	fault, err := o.sendSchema(ctx, actx, reading)
	if fault == FaultSchemaConflict {
		// The server holds an incompatible definition under this type id:
		// supersede it under a bumped version and retry exactly once.
		o.cache.BumpVersion(key)
		o.cache.ClearBody(key)
		o.metrics.SchemaRecovered()
		actx.Version = o.cache.Version(key)
		cycle.WithFields(logrus.Fields{
			"asset":   assetName,
			"version": actx.Version,
		}).Info("Schema conflict, resending under bumped version")
		fault, err = o.sendSchema(ctx, actx, reading)
	}

	switch fault {
	case FaultNone, FaultConflict:
		o.cache.ConfirmSchemaSent(key, reading, hintSet.Checksum(), o.cfg.Scheme)
		o.cache.SetPlacement(key, placement.Prefix, placement.Path, placement.OriginalPath)
		o.metrics.SchemaSent()
		return actx, true, nil
	case FaultUnauthorized:
		cycle.WithFields(logrus.Fields{
			"asset": assetName,
			"error": err,
		}).Error("Authorization failed, aborting cycle")
		return actx, false, err
	case FaultConnectivityLost:
		o.setConnected(false)
		cycle.WithFields(logrus.Fields{
			"asset": assetName,
			"error": err,
		}).Error("Connectivity lost during schema delivery, aborting cycle")
		return actx, false, err
	default:
		cycle.WithFields(logrus.Fields{
			"asset": assetName,
			"fault": fault.String(),
			"error": err,
		}).Error("Schema delivery failed, reading skipped this cycle")
		return actx, false, nil
	}
}

// sendSchema delivers the definition sequence for one asset: Type, then
// Container, then in full-structure mode the static instance values and the
// hierarchy links. The sequence aborts on the first failure; a 409 means the
// object already exists and the sequence continues.
func (o *Orchestrator) sendSchema(ctx context.Context, actx omf.AssetContext, reading *types.Reading) (Fault, error) {
	typeBody, _ := o.builder.TypeMessage(actx, reading.DataDatapoints())

	type schemaStep struct {
		msgType transport.MessageType
		body    string
	}
	steps := []schemaStep{
		{transport.MessageTypeType, typeBody},
		{transport.MessageTypeContainer, o.builder.ContainerMessage(actx)},
	}
	if o.cfg.FullStructure {
		steps = append(steps,
			schemaStep{transport.MessageTypeData, o.builder.StaticDataMessage(actx)},
			schemaStep{transport.MessageTypeData, o.builder.LinkMessage(actx)},
		)
	}

	for _, step := range steps {
		if step.body == "" {
			continue
		}
		if _, err := o.sender.Send(ctx, step.msgType, []byte(step.body), false); err != nil {
			fault := o.classifier.Classify(err)
			if fault == FaultConflict {
				continue
			}
			return fault, err
		}
	}
	return FaultNone, nil
}

// recoverDataConflict rotates the cached version of the asset named in a
// non-blocking data-send error so the next cycle resends its schema.
// Attribution is best-effort and unavailable on endpoints whose error bodies
// carry no asset identity.
func (o *Orchestrator) recoverDataConflict(cycle *logrus.Entry) {
	body := o.sender.LastResponseBody()
	if !o.cfg.Endpoint.SupportsErrorAttribution() {
		cycle.Warn("Non-blocking data error, asset attribution unavailable on this endpoint")
		return
	}
	asset, ok := AssetFromErrorBody(body)
	if !ok {
		cycle.WithFields(logrus.Fields{
			"report": ParseErrorReport(body).Text(),
		}).Warn("Non-blocking data error without attributable asset")
		return
	}
	key := o.findKeyForAsset(asset)
	o.cache.BumpVersion(key)
	o.cache.ClearBody(key)
	o.metrics.SchemaRecovered()
	cycle.WithFields(logrus.Fields{
		"asset":   asset,
		"version": o.cache.Version(key),
	}).Info("Rotated type version after non-blocking data error")
}

// findKeyForAsset locates the cache key whose asset portion matches the
// attributed asset name. Falls back to the bare asset name, which bumps the
// global seed when unknown.
func (o *Orchestrator) findKeyForAsset(asset string) string {
	if _, ok := o.cache.Lookup(asset); ok {
		return asset
	}
	for _, key := range o.cache.Keys() {
		if key == asset || strings.HasSuffix(key, "_"+asset) {
			return key
		}
	}
	return asset
}

// probe checks endpoint reachability when the endpoint supports it and the
// gate interval elapsed. It runs synchronously at cycle start; there is no
// background timer.
func (o *Orchestrator) probe(ctx context.Context) error {
	if !o.cfg.Endpoint.SupportsConnectivityProbe() {
		return nil
	}
	if o.connected && time.Since(o.lastProbe) < o.cfg.ProbeInterval {
		return nil
	}
	o.lastProbe = time.Now()
	if err := o.sender.Probe(ctx); err != nil {
		return err
	}
	o.setConnected(true)
	return nil
}

func (o *Orchestrator) setConnected(up bool) {
	if o.connected != up {
		o.logger.WithFields(logrus.Fields{
			"endpoint":  o.cfg.Endpoint.String(),
			"connected": up,
		}).Info("Endpoint connectivity changed")
	}
	o.connected = up
	o.metrics.SetConnected(up)
}

func (o *Orchestrator) reportSkipped(cycle *logrus.Entry, rollup map[string][]string) {
	for asset, names := range rollup {
		o.metrics.DatapointsSkipped(len(names))
		cycle.WithFields(logrus.Fields{
			"asset":      asset,
			"datapoints": strings.Join(names, ", "),
		}).Warn("Skipped datapoints of unsupported kinds")
	}
}

func cacheKey(asset, prefix, typeName string) string {
	key := asset
	if prefix != "" {
		key = prefix + "_" + asset
	}
	if typeName != "" {
		key = key + "_" + typeName
	}
	return key
}

func mergeSkipped(have, add []string) []string {
	seen := map[string]bool{}
	for _, n := range have {
		seen[n] = true
	}
	for _, n := range add {
		if !seen[n] {
			have = append(have, n)
			seen[n] = true
		}
	}
	return have
}
