package omf

import (
	"strings"

	"github.com/twinfer/omfgate/internal/naming"
	"github.com/twinfer/omfgate/pkg/types"
)

// timeFormat is the fixed-width UTC timestamp layout of Data messages.
const timeFormat = "2006-01-02T15:04:05.000000Z"

type dataMessage struct {
	ContainerID string                   `json:"containerid"`
	Values      []map[string]interface{} `json:"values"`
}

// DataMessage builds the Data body of one reading: a single JSON object
// mapping the asset's container id to the supported datapoint values,
// stamped with the reading time. A reading with no supported datapoints
// yields an empty body, meaning the reading is suppressed from the batch.
// The skipped names are returned for the per-asset rollup warning.
func (b *Builder) DataMessage(ctx AssetContext, reading *types.Reading) (string, []string) {
	values := map[string]interface{}{
		"Time": reading.Timestamp.UTC().Format(timeFormat),
	}

	var skipped []string
	supported := 0
	for _, dp := range reading.DataDatapoints() {
		prop, ok := b.schemaProperty(dp, ctx.Hints.For(dp.Name))
		if !ok {
			skipped = append(skipped, dp.Name)
			continue
		}
		name, _ := naming.NormalizeObjectName(dp.Name)
		values[name] = coerceValue(dp, prop)
		supported++
	}
	if supported == 0 {
		return "", skipped
	}

	return marshal(dataMessage{
		ContainerID: ctx.ContainerID(),
		Values:      []map[string]interface{}{values},
	}), skipped
}

// coerceValue reconciles the datapoint value with the attribute's resolved
// schema type. Floats sent to an integer-typed attribute are truncated;
// negative values bound for an unsigned-typed attribute become null rather
// than wrapping.
func coerceValue(dp types.Datapoint, prop property) interface{} {
	switch prop.Type {
	case "integer":
		i, ok := dp.IntValue()
		if !ok {
			return nil
		}
		if i < 0 && isUnsignedFormat(prop.Format) {
			return nil
		}
		return i
	case "number":
		f, ok := dp.FloatValue()
		if !ok {
			return nil
		}
		return f
	default:
		return dp.Value
	}
}

func isUnsignedFormat(format string) bool {
	return strings.HasPrefix(format, "uint")
}
