package engine

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"canvas-backend/internal/channel"
	"canvas-backend/internal/element"
	"canvas-backend/internal/scene"
)

var (
	// ErrMissingCanvasID is returned by Initialize without a canvas id.
	ErrMissingCanvasID = errors.New("canvas id is required")
	// ErrMissingUserID is returned by Initialize without an authenticated user.
	ErrMissingUserID = errors.New("user id is required")
	// ErrNotInitialized is returned when queueing before Initialize.
	ErrNotInitialized = errors.New("engine not initialized")
)

const maxRetryDelay = 30 * time.Second

// Operation is a local edit to be synced: which elements it touches and
// their full post-edit state. The engine stamps identity and time.
type Operation struct {
	Type       channel.OpType
	ElementIDs []string
	Elements   []element.Element
}

// Callbacks let the owning session observe the engine. All fields optional.
type Callbacks struct {
	// OnRemoteApplied fires after a remote record changed the scene.
	OnRemoteApplied func(rec channel.Record)
	// OnSyncStateChange fires when IsSynced flips.
	OnSyncStateChange func(synced bool)
	// OnSyncFailed fires when flush retries are exhausted. The queue is
	// kept; a later enqueue or ForceSync retries from scratch.
	OnSyncFailed func(err error)
}

// Config tunes batching and retry. Zero values fall back to defaults.
type Config struct {
	BatchSize            int
	BatchDelay           time.Duration
	MaxReconnectAttempts int
	ReconnectDelay       time.Duration
}

func (c Config) withDefaults() Config {
	if c.BatchSize <= 0 {
		c.BatchSize = 10
	}
	if c.BatchDelay <= 0 {
		c.BatchDelay = 500 * time.Millisecond
	}
	if c.MaxReconnectAttempts <= 0 {
		c.MaxReconnectAttempts = 5
	}
	if c.ReconnectDelay <= 0 {
		c.ReconnectDelay = time.Second
	}
	return c
}

// Engine turns local edits into a durable, ordered, deduplicated op log and
// merges remote records into the local scene. One instance serves one
// (canvasID, userID, clientID) triple and exclusively owns its pending
// queue and channel subscription.
type Engine struct {
	cfg      Config
	ch       channel.Channel
	scn      scene.Scene
	clientID string

	mu            sync.Mutex
	canvasID      string
	userID        string
	callbacks     Callbacks
	pending       []channel.Record
	flushTimer    *time.Timer
	retryTimer    *time.Timer
	retryAttempts int
	flushing      bool
	initialized   bool
	initializing  bool
	unsub         channel.Unsubscribe
	lastStamp     int64

	// applyMu serializes remote record application so the scene sees
	// exactly one Update per record.
	applyMu sync.Mutex
}

// New builds an engine around a channel and a scene. The clientID is a
// fresh per-session token, so two tabs of the same user echo-filter
// independently.
func New(ch channel.Channel, scn scene.Scene, cfg Config) *Engine {
	return &Engine{
		cfg:      cfg.withDefaults(),
		ch:       ch,
		scn:      scn,
		clientID: uuid.NewString(),
	}
}

// ClientID returns the per-session token stamped onto outgoing records.
func (e *Engine) ClientID() string {
	return e.clientID
}

// Initialize subscribes to the canvas op log and marks the engine ready.
// Calling it again before Cleanup is a no-op; concurrent calls are guarded
// by an initializing flag so only one subscription is ever established.
func (e *Engine) Initialize(ctx context.Context, canvasID, userID string, cb Callbacks) error {
	if canvasID == "" {
		return ErrMissingCanvasID
	}
	if userID == "" {
		return ErrMissingUserID
	}

	e.mu.Lock()
	if e.initialized || e.initializing {
		e.mu.Unlock()
		return nil
	}
	e.initializing = true
	e.mu.Unlock()

	unsub, err := e.ch.Subscribe(ctx, canvasID, e.handleRecord)

	e.mu.Lock()
	defer e.mu.Unlock()
	e.initializing = false
	if err != nil {
		return err
	}
	e.canvasID = canvasID
	e.userID = userID
	e.callbacks = cb
	e.unsub = unsub
	e.initialized = true
	log.Printf("[Engine] Initialized for canvas=%s user=%s client=%s", canvasID, userID, e.clientID)
	return nil
}

// QueueOperation stamps the operation and appends it to the pending queue.
// A full batch flushes immediately; otherwise the first queued op arms the
// batch timer, which later enqueues do not reset.
func (e *Engine) QueueOperation(ctx context.Context, op Operation) error {
	e.mu.Lock()
	if !e.initialized {
		e.mu.Unlock()
		return ErrNotInitialized
	}

	rec := channel.Record{
		Type:       op.Type,
		ElementIDs: op.ElementIDs,
		Data:       channel.RecordData{Elements: element.ToWireForm(op.Elements)},
		UserID:     e.userID,
		ClientID:   e.clientID,
		Timestamp:  e.nextStampLocked(),
	}
	e.pending = append(e.pending, rec)

	if len(e.pending) >= e.cfg.BatchSize {
		e.mu.Unlock()
		return e.flush(ctx)
	}

	if e.flushTimer == nil {
		e.flushTimer = time.AfterFunc(e.cfg.BatchDelay, e.flushBackground)
	}
	e.mu.Unlock()
	return nil
}

// ForceSync flushes the pending queue now, bypassing the batch timer.
func (e *Engine) ForceSync(ctx context.Context) error {
	return e.flush(ctx)
}

// QueueSize returns the number of ops not yet flushed.
func (e *Engine) QueueSize() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.pending)
}

// IsSynced reports true iff the queue is empty and no flush is in flight.
func (e *Engine) IsSynced() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.pending) == 0 && !e.flushing
}

// Cleanup unsubscribes first, so no callback fires on a torn-down instance,
// then best-effort flushes whatever is still pending. The engine can be
// initialized again afterwards.
func (e *Engine) Cleanup(ctx context.Context) error {
	e.mu.Lock()
	if !e.initialized {
		e.mu.Unlock()
		return nil
	}
	unsub := e.unsub
	e.unsub = nil
	if e.flushTimer != nil {
		e.flushTimer.Stop()
		e.flushTimer = nil
	}
	if e.retryTimer != nil {
		e.retryTimer.Stop()
		e.retryTimer = nil
	}
	e.mu.Unlock()

	if unsub != nil {
		unsub()
	}

	if err := e.flush(ctx); err != nil {
		log.Printf("[Engine] Final flush failed during cleanup: %v", err)
	}

	e.mu.Lock()
	e.initialized = false
	e.callbacks = Callbacks{}
	e.retryAttempts = 0
	e.mu.Unlock()
	return nil
}

// nextStampLocked returns a millisecond timestamp that is strictly
// monotonic within this instance, even across clock reads in the same ms.
func (e *Engine) nextStampLocked() int64 {
	now := time.Now().UnixMilli()
	if now <= e.lastStamp {
		now = e.lastStamp + 1
	}
	e.lastStamp = now
	return now
}

// flush appends every queued record, in order, one record per op. On
// failure the unappended tail stays queued and a backoff retry is armed;
// ops are deferred, never dropped.
func (e *Engine) flush(ctx context.Context) error {
	e.mu.Lock()
	if e.flushing || len(e.pending) == 0 {
		e.mu.Unlock()
		return nil
	}
	e.flushing = true
	if e.flushTimer != nil {
		e.flushTimer.Stop()
		e.flushTimer = nil
	}
	batch := make([]channel.Record, len(e.pending))
	copy(batch, e.pending)
	canvasID := e.canvasID
	e.mu.Unlock()

	appended := 0
	var appendErr error
	for _, rec := range batch {
		if _, err := e.ch.Append(ctx, canvasID, rec); err != nil {
			appendErr = err
			break
		}
		appended++
	}

	e.mu.Lock()
	// Only the appended prefix leaves the queue; ops enqueued during the
	// flush stay behind it.
	e.pending = e.pending[appended:]
	e.flushing = false

	if appendErr != nil {
		e.scheduleRetryLocked(appendErr)
		e.mu.Unlock()
		return appendErr
	}

	e.retryAttempts = 0
	synced := len(e.pending) == 0
	if !synced && e.flushTimer == nil {
		e.flushTimer = time.AfterFunc(e.cfg.BatchDelay, e.flushBackground)
	}
	cb := e.callbacks.OnSyncStateChange
	e.mu.Unlock()

	if cb != nil {
		cb(synced)
	}
	return nil
}

// flushBackground runs a flush off a timer, detached from any caller ctx.
func (e *Engine) flushBackground() {
	e.mu.Lock()
	e.flushTimer = nil
	e.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.flush(ctx); err != nil {
		log.Printf("[Engine] Background flush failed: %v", err)
	}
}

// scheduleRetryLocked arms the next backoff attempt, or reports sync-failed
// upward once attempts are exhausted. The queue is kept either way.
func (e *Engine) scheduleRetryLocked(cause error) {
	e.retryAttempts++
	if e.retryAttempts > e.cfg.MaxReconnectAttempts {
		log.Printf("[Engine] Sync failed after %d attempts: %v (queue kept, %d ops)",
			e.cfg.MaxReconnectAttempts, cause, len(e.pending))
		e.retryAttempts = 0
		if cb := e.callbacks.OnSyncFailed; cb != nil {
			go cb(cause)
		}
		return
	}

	delay := e.cfg.ReconnectDelay << (e.retryAttempts - 1)
	if delay > maxRetryDelay {
		delay = maxRetryDelay
	}
	log.Printf("[Engine] Flush failed (attempt %d/%d), retrying in %s: %v",
		e.retryAttempts, e.cfg.MaxReconnectAttempts, delay, cause)
	if e.retryTimer != nil {
		e.retryTimer.Stop()
	}
	e.retryTimer = time.AfterFunc(delay, e.flushBackground)
}
