package engine

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"

	"canvas-backend/internal/channel"
	"canvas-backend/internal/element"
	"canvas-backend/internal/scene"
)

func testConfig() Config {
	return Config{
		BatchSize:            3,
		BatchDelay:           30 * time.Millisecond,
		MaxReconnectAttempts: 2,
		ReconnectDelay:       10 * time.Millisecond,
	}
}

func newTestEngine(t *testing.T, ch channel.Channel, cb Callbacks) (*Engine, *scene.Memory) {
	t.Helper()
	scn := scene.NewMemory()
	e := New(ch, scn, testConfig())
	err := e.Initialize(context.Background(), "canvas-1", "user-1", cb)
	assert.Equal(t, err, nil)
	return e, scn
}

func addOp(id string, updated int64, nonce int64) Operation {
	return Operation{
		Type:       channel.OpAdd,
		ElementIDs: []string{id},
		Elements: []element.Element{{
			ID:           id,
			Type:         "rectangle",
			X:            1,
			Y:            2,
			Width:        10,
			Height:       10,
			Updated:      updated,
			VersionNonce: nonce,
		}},
	}
}

func TestInitializeValidation(t *testing.T) {
	ch := channel.NewMemoryChannel()
	e := New(ch, scene.NewMemory(), testConfig())

	assert.Equal(t, e.Initialize(context.Background(), "", "user-1", Callbacks{}), ErrMissingCanvasID)
	assert.Equal(t, e.Initialize(context.Background(), "canvas-1", "", Callbacks{}), ErrMissingUserID)
	assert.Equal(t, e.QueueOperation(context.Background(), addOp("a", 1, 1)), ErrNotInitialized)
}

func TestInitializeTwiceSubscribesOnce(t *testing.T) {
	ch := channel.NewMemoryChannel()
	var applied int32
	cb := Callbacks{OnRemoteApplied: func(channel.Record) { atomic.AddInt32(&applied, 1) }}

	e, scn := newTestEngine(t, ch, cb)
	assert.Equal(t, e.Initialize(context.Background(), "canvas-1", "user-1", cb), nil)

	_, err := ch.Append(context.Background(), "canvas-1", remoteRecord("a", 100, 1, channel.OpAdd))
	assert.Equal(t, err, nil)

	// A double subscription would apply the record twice.
	assert.Equal(t, atomic.LoadInt32(&applied), int32(1))
	assert.Equal(t, scn.UpdateCount(), 1)

	assert.Equal(t, e.Cleanup(context.Background()), nil)
}

func TestBatchSizeFlushesImmediately(t *testing.T) {
	ch := channel.NewMemoryChannel()
	e, _ := newTestEngine(t, ch, Callbacks{})
	ctx := context.Background()

	assert.Equal(t, e.QueueOperation(ctx, addOp("a", 100, 1)), nil)
	assert.Equal(t, e.QueueOperation(ctx, addOp("b", 101, 2)), nil)
	assert.Equal(t, ch.AppendCount(), 0)
	assert.Equal(t, e.IsSynced(), false)

	// Third op completes the batch.
	assert.Equal(t, e.QueueOperation(ctx, addOp("c", 102, 3)), nil)
	assert.Equal(t, ch.AppendCount(), 3)
	assert.Equal(t, e.QueueSize(), 0)
	assert.Equal(t, e.IsSynced(), true)

	assert.Equal(t, e.Cleanup(ctx), nil)
}

func TestBatchDelayFlushesOnce(t *testing.T) {
	ch := channel.NewMemoryChannel()
	var syncedSignals int32
	e, _ := newTestEngine(t, ch, Callbacks{
		OnSyncStateChange: func(s bool) {
			if s {
				atomic.AddInt32(&syncedSignals, 1)
			}
		},
	})
	ctx := context.Background()

	assert.Equal(t, e.QueueOperation(ctx, addOp("a", 100, 1)), nil)
	assert.Equal(t, ch.AppendCount(), 0)

	time.Sleep(80 * time.Millisecond)
	assert.Equal(t, ch.AppendCount(), 1)
	assert.Equal(t, e.IsSynced(), true)
	assert.Equal(t, atomic.LoadInt32(&syncedSignals), int32(1))

	// The timer is one-shot; nothing flushes again.
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, ch.AppendCount(), 1)

	assert.Equal(t, e.Cleanup(ctx), nil)
}

func TestBatchTimerNotResetByLaterEnqueues(t *testing.T) {
	ch := channel.NewMemoryChannel()
	cfg := testConfig()
	cfg.BatchDelay = 100 * time.Millisecond
	e := New(ch, scene.NewMemory(), cfg)
	ctx := context.Background()
	assert.Equal(t, e.Initialize(ctx, "canvas-1", "user-1", Callbacks{}), nil)

	// The delay counts from the oldest unflushed op, so the second enqueue
	// must not push the flush out.
	assert.Equal(t, e.QueueOperation(ctx, addOp("a", 100, 1)), nil)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, e.QueueOperation(ctx, addOp("b", 101, 2)), nil)
	assert.Equal(t, ch.AppendCount(), 0)

	time.Sleep(80 * time.Millisecond)
	assert.Equal(t, ch.AppendCount(), 2)
	assert.Equal(t, e.QueueSize(), 0)

	assert.Equal(t, e.Cleanup(ctx), nil)
}

func TestRecordStampsAreMonotonic(t *testing.T) {
	ch := channel.NewMemoryChannel()
	e, _ := newTestEngine(t, ch, Callbacks{})
	ctx := context.Background()

	for i := 0; i < 6; i++ {
		assert.Equal(t, e.QueueOperation(ctx, addOp("a", int64(i), int64(i))), nil)
	}
	assert.Equal(t, e.ForceSync(ctx), nil)

	log := ch.Log("canvas-1")
	assert.Equal(t, len(log), 6)
	for i := 1; i < len(log); i++ {
		if log[i].Timestamp <= log[i-1].Timestamp {
			t.Fatalf("timestamps not strictly increasing: %d then %d", log[i-1].Timestamp, log[i].Timestamp)
		}
	}

	assert.Equal(t, e.Cleanup(ctx), nil)
}

func TestEchoSuppression(t *testing.T) {
	ch := channel.NewMemoryChannel()
	var applied int32
	e, scn := newTestEngine(t, ch, Callbacks{
		OnRemoteApplied: func(channel.Record) { atomic.AddInt32(&applied, 1) },
	})
	ctx := context.Background()

	// The engine receives its own flush back from the channel and must not
	// touch the scene for it.
	assert.Equal(t, e.QueueOperation(ctx, addOp("a", 100, 1)), nil)
	assert.Equal(t, e.ForceSync(ctx), nil)
	assert.Equal(t, ch.AppendCount(), 1)
	assert.Equal(t, scn.UpdateCount(), 0)
	assert.Equal(t, atomic.LoadInt32(&applied), int32(0))

	// A record from another client of the same user is applied.
	rec := remoteRecord("b", 200, 2, channel.OpAdd)
	rec.UserID = "user-1"
	_, err := ch.Append(ctx, "canvas-1", rec)
	assert.Equal(t, err, nil)
	assert.Equal(t, scn.UpdateCount(), 1)
	assert.Equal(t, atomic.LoadInt32(&applied), int32(1))

	assert.Equal(t, e.Cleanup(ctx), nil)
}

func remoteRecord(id string, updated int64, nonce int64, typ channel.OpType) channel.Record {
	return channel.Record{
		Type:       typ,
		ElementIDs: []string{id},
		Data: channel.RecordData{Elements: element.ToWireForm([]element.Element{{
			ID:           id,
			Type:         "rectangle",
			X:            5,
			Y:            5,
			Width:        20,
			Height:       20,
			Updated:      updated,
			VersionNonce: nonce,
		}})},
		UserID:    "user-2",
		ClientID:  "client-remote",
		Timestamp: updated,
	}
}

func TestMalformedRecordIsDiscarded(t *testing.T) {
	ch := channel.NewMemoryChannel()
	e, scn := newTestEngine(t, ch, Callbacks{})

	bad := remoteRecord("a", 100, 1, channel.OpType("unknown"))
	_, err := ch.Append(context.Background(), "canvas-1", bad)
	assert.Equal(t, err, nil)
	assert.Equal(t, scn.UpdateCount(), 0)

	assert.Equal(t, e.Cleanup(context.Background()), nil)
}

func TestApplyIsIdempotent(t *testing.T) {
	ch := channel.NewMemoryChannel()
	e, scn := newTestEngine(t, ch, Callbacks{})
	ctx := context.Background()

	rec := remoteRecord("a", 100, 1, channel.OpAdd)
	_, err := ch.Append(ctx, "canvas-1", rec)
	assert.Equal(t, err, nil)
	assert.Equal(t, scn.UpdateCount(), 1)

	// Redelivery of the identical record changes nothing.
	_, err = ch.Append(ctx, "canvas-1", rec)
	assert.Equal(t, err, nil)
	assert.Equal(t, scn.UpdateCount(), 1)
	assert.Equal(t, len(scn.Elements()), 1)

	assert.Equal(t, e.Cleanup(ctx), nil)
}

func TestTombstonePrecedence(t *testing.T) {
	ch := channel.NewMemoryChannel()
	e, scn := newTestEngine(t, ch, Callbacks{})
	ctx := context.Background()

	_, err := ch.Append(ctx, "canvas-1", remoteRecord("a", 100, 1, channel.OpAdd))
	assert.Equal(t, err, nil)

	// Delete with a newer pair tombstones the element.
	_, err = ch.Append(ctx, "canvas-1", remoteRecord("a", 200, 1, channel.OpDelete))
	assert.Equal(t, err, nil)

	el, ok := scn.Find("a")
	assert.Equal(t, ok, true)
	assert.Equal(t, el.IsDeleted, true)

	// A stale update cannot resurrect it.
	_, err = ch.Append(ctx, "canvas-1", remoteRecord("a", 150, 9, channel.OpUpdate))
	assert.Equal(t, err, nil)
	el, _ = scn.Find("a")
	assert.Equal(t, el.IsDeleted, true)
	assert.Equal(t, el.Updated, int64(200))

	assert.Equal(t, e.Cleanup(ctx), nil)
}

func TestMergeConvergesInEitherOrder(t *testing.T) {
	older := remoteRecord("a", 100, 5, channel.OpUpdate)
	newer := remoteRecord("a", 100, 9, channel.OpUpdate)

	apply := func(recs ...channel.Record) []element.Element {
		var out []element.Element
		for _, rec := range recs {
			out, _ = Merge(out, rec)
		}
		return out
	}

	forward := apply(older, newer)
	reversed := apply(newer, older)

	assert.Equal(t, len(forward), 1)
	assert.Equal(t, len(reversed), 1)
	assert.Equal(t, forward[0].VersionNonce, int64(9))
	assert.Equal(t, reversed[0].VersionNonce, int64(9))
}

func TestMergeUpdateForUnknownElementWithData(t *testing.T) {
	// An update whose element is absent locally acts as an add when the
	// record carries full state.
	merged, changed := Merge(nil, remoteRecord("ghost", 100, 1, channel.OpUpdate))
	assert.Equal(t, changed, true)
	assert.Equal(t, len(merged), 1)
	assert.Equal(t, merged[0].ID, "ghost")
}

func TestRetryPreservesQueue(t *testing.T) {
	ch := channel.NewMemoryChannel()
	ch.FailAppends(true)
	e, _ := newTestEngine(t, ch, Callbacks{})
	ctx := context.Background()

	assert.Equal(t, e.QueueOperation(ctx, addOp("a", 100, 1)), nil)
	assert.Equal(t, e.ForceSync(ctx), channel.ErrAppendFailed)
	assert.Equal(t, e.QueueSize(), 1)
	assert.Equal(t, e.IsSynced(), false)

	// The backoff timer retries once the outage clears.
	ch.FailAppends(false)
	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, e.QueueSize(), 0)
	assert.Equal(t, ch.AppendCount(), 1)
	assert.Equal(t, e.IsSynced(), true)

	assert.Equal(t, e.Cleanup(ctx), nil)
}

func TestSyncFailedAfterExhaustedRetries(t *testing.T) {
	ch := channel.NewMemoryChannel()
	ch.FailAppends(true)
	failed := make(chan error, 1)
	e, _ := newTestEngine(t, ch, Callbacks{
		OnSyncFailed: func(err error) { failed <- err },
	})
	ctx := context.Background()

	assert.Equal(t, e.QueueOperation(ctx, addOp("a", 100, 1)), nil)
	assert.Equal(t, e.ForceSync(ctx), channel.ErrAppendFailed)

	select {
	case err := <-failed:
		assert.Equal(t, err, channel.ErrAppendFailed)
	case <-time.After(500 * time.Millisecond):
		t.Fatal("OnSyncFailed never fired")
	}

	// The queue survives exhaustion for a later manual retry.
	assert.Equal(t, e.QueueSize(), 1)
	ch.FailAppends(false)
	assert.Equal(t, e.ForceSync(ctx), nil)
	assert.Equal(t, e.QueueSize(), 0)

	assert.Equal(t, e.Cleanup(ctx), nil)
}

func TestCleanupFlushesAndUnsubscribes(t *testing.T) {
	ch := channel.NewMemoryChannel()
	e, scn := newTestEngine(t, ch, Callbacks{})
	ctx := context.Background()

	assert.Equal(t, e.QueueOperation(ctx, addOp("a", 100, 1)), nil)
	assert.Equal(t, e.Cleanup(ctx), nil)

	// Pending work went out during cleanup.
	assert.Equal(t, ch.AppendCount(), 1)
	assert.Equal(t, e.QueueSize(), 0)

	// The torn-down engine no longer reacts to the channel.
	_, err := ch.Append(ctx, "canvas-1", remoteRecord("b", 200, 2, channel.OpAdd))
	assert.Equal(t, err, nil)
	assert.Equal(t, scn.UpdateCount(), 0)

	// Queueing after cleanup is rejected until the next Initialize.
	assert.Equal(t, e.QueueOperation(ctx, addOp("c", 300, 3)), ErrNotInitialized)
}

// Two sessions on one canvas: an add from one side reaches the other, and a
// concurrent stale delete loses to the add everywhere.
func TestTwoClientScenario(t *testing.T) {
	ch := channel.NewMemoryChannel()
	ctx := context.Background()

	scnA := scene.NewMemory()
	engA := New(ch, scnA, testConfig())
	assert.Equal(t, engA.Initialize(ctx, "canvas-1", "alice", Callbacks{}), nil)

	scnB := scene.NewMemory()
	engB := New(ch, scnB, testConfig())
	assert.Equal(t, engB.Initialize(ctx, "canvas-1", "bob", Callbacks{}), nil)

	// Alice draws a rectangle with pair (100, 5). Her own scene already
	// reflects the edit before it is queued, as a real client's would.
	rect := addOp("r1", 100, 5)
	scnA.Update(rect.Elements, false)
	assert.Equal(t, engA.QueueOperation(ctx, rect), nil)
	assert.Equal(t, engA.ForceSync(ctx), nil)

	el, ok := scnB.Find("r1")
	assert.Equal(t, ok, true)
	assert.Equal(t, el.IsDeleted, false)
	// Alice's echo never touched her scene; only her own seed write did.
	assert.Equal(t, scnA.UpdateCount(), 1)

	// Bob deletes it with an older pair (50, 9); the tombstone is stale.
	del := addOp("r1", 50, 9)
	del.Type = channel.OpDelete
	assert.Equal(t, engB.QueueOperation(ctx, del), nil)
	assert.Equal(t, engB.ForceSync(ctx), nil)

	// Alice keeps the rectangle: her local copy is newer than the delete.
	el, ok = scnA.Find("r1")
	assert.Equal(t, ok, true)
	assert.Equal(t, el.IsDeleted, false)
	assert.Equal(t, el.Updated, int64(100))

	assert.Equal(t, engA.Cleanup(ctx), nil)
	assert.Equal(t, engB.Cleanup(ctx), nil)
}
