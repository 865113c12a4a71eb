package channel

import (
	"context"
	"testing"

	"github.com/go-playground/assert/v2"

	"canvas-backend/internal/element"
)

func testRecord(id string, ts int64) Record {
	return Record{
		Type:       OpAdd,
		ElementIDs: []string{id},
		Data: RecordData{Elements: element.ToWireForm([]element.Element{{
			ID: id, Type: "rectangle", Updated: ts, VersionNonce: 1,
		}})},
		UserID:    "user-1",
		ClientID:  "client-1",
		Timestamp: ts,
	}
}

func TestValidate(t *testing.T) {
	assert.Equal(t, testRecord("a", 1).Validate(), nil)

	bad := testRecord("a", 1)
	bad.Type = "scribble"
	assert.NotEqual(t, bad.Validate(), nil)

	bad = testRecord("a", 1)
	bad.ElementIDs = nil
	assert.NotEqual(t, bad.Validate(), nil)

	bad = testRecord("a", 1)
	bad.ClientID = ""
	assert.NotEqual(t, bad.Validate(), nil)
}

func TestAppendDeliversInOrder(t *testing.T) {
	ch := NewMemoryChannel()
	ctx := context.Background()

	var got []int64
	unsub, err := ch.Subscribe(ctx, "canvas-1", func(rec Record) {
		got = append(got, rec.Timestamp)
	})
	assert.Equal(t, err, nil)
	defer unsub()

	for i := int64(1); i <= 4; i++ {
		_, err := ch.Append(ctx, "canvas-1", testRecord("a", i))
		assert.Equal(t, err, nil)
	}
	assert.Equal(t, got, []int64{1, 2, 3, 4})
	assert.Equal(t, ch.AppendCount(), 4)
}

func TestSubscriptionsAreScopedToCanvas(t *testing.T) {
	ch := NewMemoryChannel()
	ctx := context.Background()

	var got int
	unsub, err := ch.Subscribe(ctx, "canvas-1", func(Record) { got++ })
	assert.Equal(t, err, nil)
	defer unsub()

	_, err = ch.Append(ctx, "canvas-2", testRecord("a", 1))
	assert.Equal(t, err, nil)
	assert.Equal(t, got, 0)
	assert.Equal(t, len(ch.Log("canvas-2")), 1)
	assert.Equal(t, len(ch.Log("canvas-1")), 0)
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	ch := NewMemoryChannel()
	ctx := context.Background()

	var got int
	unsub, err := ch.Subscribe(ctx, "canvas-1", func(Record) { got++ })
	assert.Equal(t, err, nil)

	_, err = ch.Append(ctx, "canvas-1", testRecord("a", 1))
	assert.Equal(t, err, nil)
	assert.Equal(t, got, 1)

	unsub()
	_, err = ch.Append(ctx, "canvas-1", testRecord("a", 2))
	assert.Equal(t, err, nil)
	assert.Equal(t, got, 1)
}

func TestReplayWalksOldestFirst(t *testing.T) {
	ch := NewMemoryChannel()
	ctx := context.Background()

	for i := int64(1); i <= 3; i++ {
		_, err := ch.Append(ctx, "canvas-1", testRecord("a", i))
		assert.Equal(t, err, nil)
	}

	var got []int64
	err := ch.Replay(ctx, "canvas-1", func(rec Record) {
		got = append(got, rec.Timestamp)
	})
	assert.Equal(t, err, nil)
	assert.Equal(t, got, []int64{1, 2, 3})
}

func TestFailAppendsKeepsLogUntouched(t *testing.T) {
	ch := NewMemoryChannel()
	ctx := context.Background()

	ch.FailAppends(true)
	_, err := ch.Append(ctx, "canvas-1", testRecord("a", 1))
	assert.Equal(t, err, ErrAppendFailed)
	assert.Equal(t, ch.AppendCount(), 0)
	assert.Equal(t, len(ch.Log("canvas-1")), 0)

	ch.FailAppends(false)
	_, err = ch.Append(ctx, "canvas-1", testRecord("a", 2))
	assert.Equal(t, err, nil)
	assert.Equal(t, ch.AppendCount(), 1)
}
