// Package omf builds the four message kinds of the OMF wire protocol: Type
// (schema), Container (stream declaration), Data (values, including the
// static instance values of full-structure mode) and Link (hierarchy edges).
// All builders are pure: they serialize from their inputs and report which
// attributes were skipped as unsupported, with no cache or network effects.
package omf

import (
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/twinfer/omfgate/internal/hierarchy"
	"github.com/twinfer/omfgate/internal/hints"
	"github.com/twinfer/omfgate/internal/naming"
	"github.com/twinfer/omfgate/pkg/types"
)

// linkTypeID is the well-known OMF type id for relationship edges.
const linkTypeID = "__Link"

// rootIndex is the well-known index of the hierarchy root element.
const rootIndex = "_ROOT"

// Builder constructs OMF message bodies. One Builder serves all assets of a
// forwarding stream; per-asset specifics arrive through AssetContext.
type Builder struct {
	fullStructure bool
	formats       types.Formats
	staticData    types.StaticData
}

// NewBuilder creates a message builder. formats supplies the configured
// default OMF format strings for inferred numeric types; staticData the
// configured key/value pairs of full-structure static instances.
func NewBuilder(fullStructure bool, formats types.Formats, staticData types.StaticData) *Builder {
	return &Builder{
		fullStructure: fullStructure,
		formats:       formats,
		staticData:    staticData,
	}
}

type property struct {
	Type          string   `json:"type"`
	Format        string   `json:"format,omitempty"`
	IsIndex       bool     `json:"isindex,omitempty"`
	UOM           string   `json:"uom,omitempty"`
	Minimum       *float64 `json:"minimum,omitempty"`
	Maximum       *float64 `json:"maximum,omitempty"`
	Interpolation string   `json:"interpolation,omitempty"`
}

type typeDefinition struct {
	ID             string              `json:"id"`
	Type           string              `json:"type"`
	Classification string              `json:"classification"`
	Properties     map[string]property `json:"properties"`
}

// TypeMessage builds the Type message body for the asset: a dynamic-object
// schema over the reading's supported datapoints plus, in full-structure
// mode, the companion static-object schema. It returns the body and the
// names of datapoints skipped as unsupported.
func (b *Builder) TypeMessage(ctx AssetContext, dps []types.Datapoint) (string, []string) {
	dynamic := typeDefinition{
		ID:             ctx.DynamicTypeID(),
		Type:           "object",
		Classification: "dynamic",
		Properties: map[string]property{
			"Time": {Type: "string", Format: "date-time", IsIndex: true},
		},
	}

	var skipped []string
	for _, dp := range dps {
		prop, ok := b.schemaProperty(dp, ctx.Hints.For(dp.Name))
		if !ok {
			skipped = append(skipped, dp.Name)
			continue
		}
		name, _ := naming.NormalizeObjectName(dp.Name)
		dynamic.Properties[name] = prop
	}

	defs := make([]typeDefinition, 0, 2)
	if b.fullStructure {
		static := typeDefinition{
			ID:             ctx.StaticTypeID(),
			Type:           "object",
			Classification: "static",
			Properties: map[string]property{
				"Name":    {Type: "string", IsIndex: true},
				"AssetId": {Type: "string"},
			},
		}
		for key := range b.staticData {
			static.Properties[key] = property{Type: "string"}
		}
		defs = append(defs, static)
	}
	defs = append(defs, dynamic)

	return marshal(defs), skipped
}

// schemaProperty resolves the OMF property of one datapoint. Type selection
// precedence: an explicit per-attribute hint, then the configured default
// format, then the value's natural inferred type.
func (b *Builder) schemaProperty(dp types.Datapoint, hintList []hints.Hint) (property, bool) {
	kind := dp.Kind()
	if kind == types.KindUnsupported {
		return property{}, false
	}

	var prop property
	switch kind {
	case types.KindInteger, types.KindFloat:
		// An explicit hint retypes the attribute outright; otherwise the
		// natural kind picks the type and the configured default supplies
		// the format.
		if v, ok := hints.FirstValue(hintList, hints.KindIntegerFormat); ok && v != "" {
			prop = property{Type: "integer", Format: v}
		} else if v, ok := hints.FirstValue(hintList, hints.KindNumberFormat); ok && v != "" {
			prop = property{Type: "number", Format: v}
		} else if kind == types.KindInteger {
			prop = property{Type: "integer", Format: b.formats.Integer}
		} else {
			prop = property{Type: "number", Format: b.formats.Number}
		}
	case types.KindString:
		prop = property{Type: "string"}
	}

	if v, ok := hints.FirstValue(hintList, hints.KindUOM); ok && v != "" {
		prop.UOM = v
	}
	if v, ok := hints.FirstValue(hintList, hints.KindMinimum); ok {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			prop.Minimum = &f
		}
	}
	if v, ok := hints.FirstValue(hintList, hints.KindMaximum); ok {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			prop.Maximum = &f
		}
	}
	if v, ok := hints.FirstValue(hintList, hints.KindInterpolation); ok && v != "" {
		prop.Interpolation = v
	}
	return prop, true
}

type containerDefinition struct {
	ID     string `json:"id"`
	TypeID string `json:"typeid"`
}

// ContainerMessage builds the Container message body declaring the asset's
// data stream.
func (b *Builder) ContainerMessage(ctx AssetContext) string {
	return marshal([]containerDefinition{{
		ID:     ctx.ContainerID(),
		TypeID: ctx.DynamicTypeID(),
	}})
}

type staticValues struct {
	TypeID string                   `json:"typeid"`
	Values []map[string]interface{} `json:"values"`
}

// StaticDataMessage builds the Data message carrying the asset's static
// instance values. Full-structure mode only; empty otherwise.
func (b *Builder) StaticDataMessage(ctx AssetContext) string {
	if !b.fullStructure {
		return ""
	}
	values := map[string]interface{}{
		"Name":    ctx.Asset,
		"AssetId": ctx.StaticIndex(),
	}
	for key, val := range b.staticData {
		values[key] = val
	}
	return marshal([]staticValues{{
		TypeID: ctx.StaticTypeID(),
		Values: []map[string]interface{}{values},
	}})
}

type linkSource struct {
	TypeID string `json:"typeid,omitempty"`
	Index  string `json:"index,omitempty"`
}

type linkTarget struct {
	TypeID      string `json:"typeid,omitempty"`
	Index       string `json:"index,omitempty"`
	ContainerID string `json:"containerid,omitempty"`
}

type linkValue struct {
	Source linkSource `json:"source"`
	Target linkTarget `json:"target"`
}

type linkMessage struct {
	TypeID string      `json:"typeid"`
	Values []linkValue `json:"values"`
}

// LinkMessage builds the Link message wiring the hierarchy chain from the
// root through each path level to the asset's static instance, and finally
// from the static instance to its dynamic container. Full-structure mode
// only; empty otherwise.
func (b *Builder) LinkMessage(ctx AssetContext) string {
	if !b.fullStructure {
		return ""
	}
	msg := linkMessage{TypeID: linkTypeID}

	parentType := ctx.StaticTypeID()
	parentIndex := rootIndex
	for _, level := range ctx.PathLevels() {
		levelIndex := levelNodeIndex(level)
		msg.Values = append(msg.Values, linkValue{
			Source: linkSource{TypeID: parentType, Index: parentIndex},
			Target: linkTarget{TypeID: ctx.StaticTypeID(), Index: levelIndex},
		})
		parentType = ctx.StaticTypeID()
		parentIndex = levelIndex
	}

	msg.Values = append(msg.Values,
		linkValue{
			Source: linkSource{TypeID: parentType, Index: parentIndex},
			Target: linkTarget{TypeID: ctx.StaticTypeID(), Index: ctx.StaticIndex()},
		},
		linkValue{
			Source: linkSource{TypeID: ctx.StaticTypeID(), Index: ctx.StaticIndex()},
			Target: linkTarget{ContainerID: ctx.ContainerID()},
		},
	)
	return marshal([]linkMessage{msg})
}

// levelNodeIndex names one hierarchy level element from its cumulative path.
func levelNodeIndex(levelPath string) string {
	return hierarchy.PathPrefix(levelPath) + "_" + lastSegment(levelPath)
}

func lastSegment(path string) string {
	for i := len(path) - 1; i >= 0; i-- {
		if path[i] == '/' {
			return path[i+1:]
		}
	}
	return path
}

func marshal(v interface{}) string {
	raw, err := json.Marshal(v)
	if err != nil {
		// Construction inputs are plain structs and maps of printable
		// values; marshal cannot fail on them.
		panic(fmt.Sprintf("omf: marshal of message body failed: %v", err))
	}
	return string(raw)
}
