package scene

import (
	"testing"

	"github.com/go-playground/assert/v2"

	"canvas-backend/internal/element"
)

func TestMemorySceneSwapAndFind(t *testing.T) {
	s := NewMemory()
	assert.Equal(t, len(s.Elements()), 0)

	s.Update([]element.Element{
		{ID: "a", Type: "rectangle", Updated: 1},
		{ID: "b", Type: "ellipse", Updated: 2},
	}, false)
	assert.Equal(t, s.UpdateCount(), 1)
	assert.Equal(t, len(s.Elements()), 2)

	el, ok := s.Find("b")
	assert.Equal(t, ok, true)
	assert.Equal(t, el.Type, "ellipse")

	_, ok = s.Find("missing")
	assert.Equal(t, ok, false)

	// Update replaces the whole set.
	s.Update([]element.Element{{ID: "c", Type: "freedraw", Updated: 3}}, true)
	assert.Equal(t, s.UpdateCount(), 2)
	assert.Equal(t, len(s.Elements()), 1)
	_, ok = s.Find("a")
	assert.Equal(t, ok, false)
}

func TestElementsReturnsCopy(t *testing.T) {
	s := NewMemory()
	s.Update([]element.Element{{ID: "a", X: 1}}, false)

	els := s.Elements()
	els[0].X = 99

	el, _ := s.Find("a")
	assert.Equal(t, el.X, 1.0)
}
