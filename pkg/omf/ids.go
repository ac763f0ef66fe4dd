package omf

import (
	"fmt"
	"strings"

	"github.com/twinfer/omfgate/internal/hints"
)

// AssetContext carries everything the builders need to name and place one
// asset's messages: the normalized asset name, the type version in force,
// the hierarchy placement (empty for endpoints without hierarchy support)
// and the parsed hints of the current reading.
type AssetContext struct {
	Asset     string
	Version   int64
	Prefix    string
	Path      string
	Leaf      string
	Delimiter string
	Hints     *hints.Set
}

// sep is the configured joiner between name components, "_" by default.
func (c AssetContext) sep() string {
	if c.Delimiter == "" {
		return "_"
	}
	return c.Delimiter
}

// typeNamePortion returns the asset portion of generated identifiers, which
// a typeName hint replaces.
func (c AssetContext) typeNamePortion() string {
	if v, ok := hints.FirstValue(c.Hints.Global(), hints.KindTypeName); ok && v != "" {
		return v
	}
	return c.Asset
}

// DynamicTypeID is the id of the asset's dynamic (time-series) type.
func (c AssetContext) DynamicTypeID() string {
	return c.qualify(fmt.Sprintf("%d_%s_typename_measurement", c.Version, c.typeNamePortion()))
}

// StaticTypeID is the id of the asset's companion static type, used only in
// full-structure mode.
func (c AssetContext) StaticTypeID() string {
	return c.qualify(fmt.Sprintf("%d_%s_typename_sensor", c.Version, c.typeNamePortion()))
}

// ContainerID is the id of the asset's data stream. A tagName (or legacy
// tag) hint overrides it wholesale.
func (c AssetContext) ContainerID() string {
	if v, ok := hints.FirstValue(c.Hints.Global(), hints.KindTagName); ok && v != "" {
		return v
	}
	if v, ok := hints.FirstValue(c.Hints.Global(), hints.KindTag); ok && v != "" {
		return v
	}
	return c.qualify(fmt.Sprintf("%dmeasurement_%s", c.Version, c.typeNamePortion()))
}

// StaticIndex is the indexing value of the asset's static instance.
func (c AssetContext) StaticIndex() string {
	if c.Prefix == "" {
		return c.Asset
	}
	return c.Prefix + c.sep() + c.Asset
}

// qualify prepends the hierarchy prefix so identical assets under different
// branches never collide.
func (c AssetContext) qualify(id string) string {
	if c.Prefix == "" {
		return id
	}
	return c.Prefix + c.sep() + id
}

// PathLevels expands the hierarchy path into its cumulative levels, root
// first: "/plant/area1" yields ["/plant", "/plant/area1"].
func (c AssetContext) PathLevels() []string {
	if c.Path == "" || c.Path == "/" {
		return nil
	}
	segments := strings.Split(strings.Trim(c.Path, "/"), "/")
	levels := make([]string, 0, len(segments))
	current := ""
	for _, seg := range segments {
		if seg == "" {
			continue
		}
		current += "/" + seg
		levels = append(levels, current)
	}
	return levels
}
