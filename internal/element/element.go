package element

import (
	"encoding/json"
	"fmt"
)

// Point is the canvas engine's in-memory point: a tuple-like [x, y] pair.
// It marshals as a two-element JSON array to match the drawing engine's
// native element format.
type Point struct {
	X float64
	Y float64
}

// MarshalJSON encodes the point as [x, y].
func (p Point) MarshalJSON() ([]byte, error) {
	return json.Marshal([2]float64{p.X, p.Y})
}

// UnmarshalJSON decodes a [x, y] pair.
func (p *Point) UnmarshalJSON(data []byte) error {
	var pair [2]float64
	if err := json.Unmarshal(data, &pair); err != nil {
		return fmt.Errorf("invalid point pair: %w", err)
	}
	p.X = pair[0]
	p.Y = pair[1]
	return nil
}

// Element is a drawing primitive as the canvas engine holds it in memory.
// Elements are never physically removed from a canvas; deletion sets the
// IsDeleted tombstone so late-arriving updates can be rejected
// deterministically.
//
// Fields the engine does not recognize survive a JSON round trip through
// Extra, so clients running newer element schemas are never silently
// truncated.
type Element struct {
	ID              string   `json:"id"`
	Type            string   `json:"type"`
	X               float64  `json:"x"`
	Y               float64  `json:"y"`
	Width           float64  `json:"width"`
	Height          float64  `json:"height"`
	Angle           float64  `json:"angle"`
	StrokeColor     string   `json:"strokeColor,omitempty"`
	BackgroundColor string   `json:"backgroundColor,omitempty"`
	FillStyle       string   `json:"fillStyle,omitempty"`
	StrokeWidth     float64  `json:"strokeWidth,omitempty"`
	Roughness       float64  `json:"roughness,omitempty"`
	Opacity         float64  `json:"opacity,omitempty"`
	GroupIDs        []string `json:"groupIds,omitempty"`
	Points          []Point  `json:"points,omitempty"`
	Scale           *Point   `json:"scale,omitempty"`
	Text            string   `json:"text,omitempty"`
	FontSize        float64  `json:"fontSize,omitempty"`
	FontFamily      string   `json:"fontFamily,omitempty"`
	IsDeleted       bool     `json:"isDeleted"`
	Version         int64    `json:"version,omitempty"`
	VersionNonce    int64    `json:"versionNonce"`
	Updated         int64    `json:"updated"`

	// Extra carries fields this build does not model. Passed through
	// unchanged on marshal.
	Extra map[string]json.RawMessage `json:"-"`
}

// elementAlias breaks the MarshalJSON recursion.
type elementAlias Element

// knownElementFields are the JSON keys the struct models. Anything else in
// an incoming payload lands in Extra.
var knownElementFields = map[string]struct{}{
	"id": {}, "type": {}, "x": {}, "y": {}, "width": {}, "height": {},
	"angle": {}, "strokeColor": {}, "backgroundColor": {}, "fillStyle": {},
	"strokeWidth": {}, "roughness": {}, "opacity": {}, "groupIds": {},
	"points": {}, "scale": {}, "text": {}, "fontSize": {}, "fontFamily": {},
	"isDeleted": {}, "version": {}, "versionNonce": {}, "updated": {},
}

// MarshalJSON merges modeled fields with the Extra passthrough set.
func (e Element) MarshalJSON() ([]byte, error) {
	return marshalWithExtra(elementAlias(e), e.Extra)
}

// UnmarshalJSON decodes modeled fields and collects unknown keys into Extra.
func (e *Element) UnmarshalJSON(data []byte) error {
	var alias elementAlias
	if err := json.Unmarshal(data, &alias); err != nil {
		return err
	}
	extra, err := collectExtra(data, knownElementFields)
	if err != nil {
		return err
	}
	*e = Element(alias)
	e.Extra = extra
	return nil
}

// Newer reports whether a is strictly newer than b under the authority
// ordering: Updated is the primary key, VersionNonce breaks ties. Equal
// pairs are not newer, so re-delivery of the same element never wins twice.
func Newer(a, b Element) bool {
	if a.Updated != b.Updated {
		return a.Updated > b.Updated
	}
	return a.VersionNonce > b.VersionNonce
}

// marshalWithExtra marshals v, then grafts extra keys onto the object.
// Modeled fields always win over a stale Extra entry of the same name.
func marshalWithExtra(v any, extra map[string]json.RawMessage) ([]byte, error) {
	base, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	if len(extra) == 0 {
		return base, nil
	}
	var merged map[string]json.RawMessage
	if err := json.Unmarshal(base, &merged); err != nil {
		return nil, err
	}
	for k, raw := range extra {
		if _, ok := merged[k]; !ok {
			merged[k] = raw
		}
	}
	return json.Marshal(merged)
}

// collectExtra returns the keys of data not present in known.
func collectExtra(data []byte, known map[string]struct{}) (map[string]json.RawMessage, error) {
	var all map[string]json.RawMessage
	if err := json.Unmarshal(data, &all); err != nil {
		return nil, err
	}
	var extra map[string]json.RawMessage
	for k, raw := range all {
		if _, ok := known[k]; ok {
			continue
		}
		if extra == nil {
			extra = make(map[string]json.RawMessage)
		}
		extra[k] = raw
	}
	return extra, nil
}
