package element

import (
	"encoding/json"
	"reflect"
	"testing"

	"github.com/go-playground/assert/v2"
)

func sampleElement() Element {
	return Element{
		ID:              "el-1",
		Type:            "freedraw",
		X:               10.25,
		Y:               -3.5,
		Width:           120.125,
		Height:          44,
		Angle:           0.7853981633974483,
		StrokeColor:     "#1e1e1e",
		BackgroundColor: "transparent",
		FillStyle:       "hachure",
		StrokeWidth:     2,
		Roughness:       1,
		Opacity:         100,
		GroupIDs:        []string{"g1", "g2"},
		Points: []Point{
			{X: 0, Y: 0},
			{X: 10.333333333333334, Y: 5.1},
			{X: -2.0000000000000004, Y: 8},
		},
		Scale:        &Point{X: 1, Y: -1},
		IsDeleted:    false,
		Version:      3,
		VersionNonce: 987654321,
		Updated:      1700000000123,
	}
}

func TestWireFormRoundTrip(t *testing.T) {
	e := sampleElement()

	got := FromWireForm(ToWireForm([]Element{e}))
	assert.Equal(t, len(got), 1)
	if !reflect.DeepEqual(got[0], e) {
		t.Fatalf("round trip mismatch:\n got %#v\nwant %#v", got[0], e)
	}
}

func TestWireFormRoundTripMinimalElement(t *testing.T) {
	// No points, no scale, no optional style: nothing may be introduced.
	e := Element{ID: "r1", Type: "rectangle", X: 1, Y: 2, Width: 3, Height: 4, VersionNonce: 1, Updated: 5}

	got := FromWireForm(ToWireForm([]Element{e}))[0]
	if !reflect.DeepEqual(got, e) {
		t.Fatalf("round trip mismatch:\n got %#v\nwant %#v", got, e)
	}
	assert.Equal(t, got.Points == nil, true)
	assert.Equal(t, got.Scale == nil, true)
}

func TestWireFormPreservesUnknownFields(t *testing.T) {
	e := sampleElement()
	e.Extra = map[string]json.RawMessage{
		"boundElements": json.RawMessage(`[{"id":"arrow-1","type":"arrow"}]`),
		"frameId":       json.RawMessage(`null`),
	}

	got := FromWireForm(ToWireForm([]Element{e}))[0]
	assert.Equal(t, string(got.Extra["boundElements"]), `[{"id":"arrow-1","type":"arrow"}]`)
	assert.Equal(t, string(got.Extra["frameId"]), `null`)
}

func TestPointsMarshalAsTuples(t *testing.T) {
	e := Element{ID: "p", Points: []Point{{X: 1.5, Y: 2}}}
	data, err := json.Marshal(e)
	assert.Equal(t, err, nil)

	var raw map[string]json.RawMessage
	assert.Equal(t, json.Unmarshal(data, &raw), nil)
	assert.Equal(t, string(raw["points"]), `[[1.5,2]]`)
}

func TestWirePointsMarshalAsObjects(t *testing.T) {
	w := ToWireForm([]Element{{ID: "p", Points: []Point{{X: 1.5, Y: 2}}}})[0]
	data, err := json.Marshal(w)
	assert.Equal(t, err, nil)

	var raw map[string]json.RawMessage
	assert.Equal(t, json.Unmarshal(data, &raw), nil)
	assert.Equal(t, string(raw["points"]), `[{"x":1.5,"y":2}]`)
}

func TestWireElementJSONRoundTripKeepsUnknownFields(t *testing.T) {
	in := []byte(`{"id":"x1","type":"ellipse","x":1,"y":2,"width":3,"height":4,` +
		`"isDeleted":false,"versionNonce":7,"updated":9,` +
		`"link":"https://example.com","locked":true}`)

	var w WireElement
	assert.Equal(t, json.Unmarshal(in, &w), nil)
	assert.Equal(t, string(w.Extra["link"]), `"https://example.com"`)
	assert.Equal(t, string(w.Extra["locked"]), `true`)

	out, err := json.Marshal(w)
	assert.Equal(t, err, nil)
	var raw map[string]json.RawMessage
	assert.Equal(t, json.Unmarshal(out, &raw), nil)
	assert.Equal(t, string(raw["link"]), `"https://example.com"`)
	assert.Equal(t, string(raw["locked"]), `true`)
}

func TestTransformDoesNotMutateInput(t *testing.T) {
	e := sampleElement()
	wire := ToWireForm([]Element{e})

	wire[0].Points[0].X = 999
	wire[0].GroupIDs[0] = "mutated"
	*wire[0].Scale = WirePoint{X: 42, Y: 42}

	assert.Equal(t, e.Points[0].X, 0.0)
	assert.Equal(t, e.GroupIDs[0], "g1")
	assert.Equal(t, e.Scale.X, 1.0)
}

func TestNewerOrdering(t *testing.T) {
	base := Element{Updated: 100, VersionNonce: 5}

	cases := []struct {
		name string
		a    Element
		want bool
	}{
		{"newer updated wins", Element{Updated: 101, VersionNonce: 1}, true},
		{"older updated loses", Element{Updated: 99, VersionNonce: 999}, false},
		{"equal updated higher nonce wins", Element{Updated: 100, VersionNonce: 6}, true},
		{"equal updated lower nonce loses", Element{Updated: 100, VersionNonce: 4}, false},
		{"identical pair is not newer", Element{Updated: 100, VersionNonce: 5}, false},
	}

	for _, tc := range cases {
		assert.Equal(t, Newer(tc.a, base), tc.want)
	}
}
