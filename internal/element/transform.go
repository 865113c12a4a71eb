package element

import "encoding/json"

// WirePoint is the storage-safe point shape. The document store cannot
// represent heterogeneous tuples reliably, so points cross the wire as
// {"x": .., "y": ..} objects.
type WirePoint struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// WireElement mirrors Element with object-keyed points. Every other field
// is carried verbatim so ToWireForm and FromWireForm stay mutual inverses.
type WireElement struct {
	ID              string      `json:"id"`
	Type            string      `json:"type"`
	X               float64     `json:"x"`
	Y               float64     `json:"y"`
	Width           float64     `json:"width"`
	Height          float64     `json:"height"`
	Angle           float64     `json:"angle"`
	StrokeColor     string      `json:"strokeColor,omitempty"`
	BackgroundColor string      `json:"backgroundColor,omitempty"`
	FillStyle       string      `json:"fillStyle,omitempty"`
	StrokeWidth     float64     `json:"strokeWidth,omitempty"`
	Roughness       float64     `json:"roughness,omitempty"`
	Opacity         float64     `json:"opacity,omitempty"`
	GroupIDs        []string    `json:"groupIds,omitempty"`
	Points          []WirePoint `json:"points,omitempty"`
	Scale           *WirePoint  `json:"scale,omitempty"`
	Text            string      `json:"text,omitempty"`
	FontSize        float64     `json:"fontSize,omitempty"`
	FontFamily      string      `json:"fontFamily,omitempty"`
	IsDeleted       bool        `json:"isDeleted"`
	Version         int64       `json:"version,omitempty"`
	VersionNonce    int64       `json:"versionNonce"`
	Updated         int64       `json:"updated"`

	Extra map[string]json.RawMessage `json:"-"`
}

type wireElementAlias WireElement

// MarshalJSON merges modeled fields with the Extra passthrough set.
func (e WireElement) MarshalJSON() ([]byte, error) {
	return marshalWithExtra(wireElementAlias(e), e.Extra)
}

// UnmarshalJSON decodes modeled fields and collects unknown keys into Extra.
func (e *WireElement) UnmarshalJSON(data []byte) error {
	var alias wireElementAlias
	if err := json.Unmarshal(data, &alias); err != nil {
		return err
	}
	extra, err := collectExtra(data, knownElementFields)
	if err != nil {
		return err
	}
	*e = WireElement(alias)
	e.Extra = extra
	return nil
}

// ToWireForm converts in-memory elements to the storage-safe shape.
// Pure: inputs are never mutated, nested structures are copied.
func ToWireForm(elements []Element) []WireElement {
	if elements == nil {
		return nil
	}
	out := make([]WireElement, len(elements))
	for i, e := range elements {
		w := WireElement{
			ID:              e.ID,
			Type:            e.Type,
			X:               e.X,
			Y:               e.Y,
			Width:           e.Width,
			Height:          e.Height,
			Angle:           e.Angle,
			StrokeColor:     e.StrokeColor,
			BackgroundColor: e.BackgroundColor,
			FillStyle:       e.FillStyle,
			StrokeWidth:     e.StrokeWidth,
			Roughness:       e.Roughness,
			Opacity:         e.Opacity,
			GroupIDs:        copyStrings(e.GroupIDs),
			Text:            e.Text,
			FontSize:        e.FontSize,
			FontFamily:      e.FontFamily,
			IsDeleted:       e.IsDeleted,
			Version:         e.Version,
			VersionNonce:    e.VersionNonce,
			Updated:         e.Updated,
			Extra:           copyExtra(e.Extra),
		}
		if e.Points != nil {
			w.Points = make([]WirePoint, len(e.Points))
			for j, p := range e.Points {
				w.Points[j] = WirePoint{X: p.X, Y: p.Y}
			}
		}
		if e.Scale != nil {
			w.Scale = &WirePoint{X: e.Scale.X, Y: e.Scale.Y}
		}
		out[i] = w
	}
	return out
}

// FromWireForm converts storage-safe elements back to the in-memory shape.
// Inverse of ToWireForm for every valid element.
func FromWireForm(elements []WireElement) []Element {
	if elements == nil {
		return nil
	}
	out := make([]Element, len(elements))
	for i, w := range elements {
		e := Element{
			ID:              w.ID,
			Type:            w.Type,
			X:               w.X,
			Y:               w.Y,
			Width:           w.Width,
			Height:          w.Height,
			Angle:           w.Angle,
			StrokeColor:     w.StrokeColor,
			BackgroundColor: w.BackgroundColor,
			FillStyle:       w.FillStyle,
			StrokeWidth:     w.StrokeWidth,
			Roughness:       w.Roughness,
			Opacity:         w.Opacity,
			GroupIDs:        copyStrings(w.GroupIDs),
			Text:            w.Text,
			FontSize:        w.FontSize,
			FontFamily:      w.FontFamily,
			IsDeleted:       w.IsDeleted,
			Version:         w.Version,
			VersionNonce:    w.VersionNonce,
			Updated:         w.Updated,
			Extra:           copyExtra(w.Extra),
		}
		if w.Points != nil {
			e.Points = make([]Point, len(w.Points))
			for j, p := range w.Points {
				e.Points[j] = Point{X: p.X, Y: p.Y}
			}
		}
		if w.Scale != nil {
			e.Scale = &Point{X: w.Scale.X, Y: w.Scale.Y}
		}
		out[i] = e
	}
	return out
}

func copyStrings(s []string) []string {
	if s == nil {
		return nil
	}
	out := make([]string, len(s))
	copy(out, s)
	return out
}

func copyExtra(extra map[string]json.RawMessage) map[string]json.RawMessage {
	if extra == nil {
		return nil
	}
	out := make(map[string]json.RawMessage, len(extra))
	for k, v := range extra {
		out[k] = v
	}
	return out
}
