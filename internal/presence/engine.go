package presence

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"
)

var (
	// ErrPresenceMissingCanvasID is returned by InitializePresence without a canvas id.
	ErrPresenceMissingCanvasID = errors.New("canvas id is required")
	// ErrPresenceMissingUserID is returned by InitializePresence without a user id.
	ErrPresenceMissingUserID = errors.New("user id is required")
	// ErrPresenceNotInitialized is returned when the engine is used before init.
	ErrPresenceNotInitialized = errors.New("presence engine not initialized")
)

// UserInfo is what a joining client declares about itself.
type UserInfo struct {
	DisplayName string
}

// Callbacks let the owning session observe presence. All fields optional.
type Callbacks struct {
	// OnPresenceChange fires with the current active-user map after any
	// join, leave, cursor move, or heartbeat from a peer.
	OnPresenceChange func(users map[string]Record)
	// OnMessage fires for each ephemeral chat message.
	OnMessage func(msg Message)
}

// Config tunes cursor throttling and staleness.
type Config struct {
	CursorUpdateInterval time.Duration // min interval between cursor writes
	PresenceTimeout      time.Duration // staleness cutoff
}

func (c Config) withDefaults() Config {
	if c.CursorUpdateInterval <= 0 {
		c.CursorUpdateInterval = 50 * time.Millisecond
	}
	if c.PresenceTimeout <= 0 {
		c.PresenceTimeout = 30 * time.Second
	}
	return c
}

// Engine maintains this client's ephemeral presence record and mirrors the
// peers'. Presence rides a separate self-expiring store, never the op log:
// cursor traffic must not be durably ordered or retried.
type Engine struct {
	store Store
	cfg   Config

	mu            sync.Mutex
	canvasID      string
	userID        string
	info          UserInfo
	color         string
	users         map[string]Record
	callbacks     Callbacks
	initialized   bool
	lastCursorAt  time.Time
	pendingCursor *Cursor
	cursorTimer   *time.Timer
	unsubEvents   Unsubscribe
	unsubMessages Unsubscribe
	stopHeartbeat chan struct{}
}

// NewEngine builds a presence engine over a store.
func NewEngine(store Store, cfg Config) *Engine {
	return &Engine{
		store: store,
		cfg:   cfg.withDefaults(),
		users: make(map[string]Record),
	}
}

// InitializePresence joins the canvas: picks a display color by join order,
// writes the initial record, subscribes to peer changes and chat, and
// starts the heartbeat.
func (e *Engine) InitializePresence(ctx context.Context, canvasID, userID string, info UserInfo, cb Callbacks) error {
	if canvasID == "" {
		return ErrPresenceMissingCanvasID
	}
	if userID == "" {
		return ErrPresenceMissingUserID
	}

	e.mu.Lock()
	if e.initialized {
		e.mu.Unlock()
		return nil
	}
	e.mu.Unlock()

	existing, err := e.store.List(ctx, canvasID)
	if err != nil {
		return err
	}

	unsubEvents, err := e.store.SubscribeChildren(ctx, canvasID, e.handleEvent)
	if err != nil {
		return err
	}
	unsubMessages, err := e.store.SubscribeMessages(ctx, canvasID, e.handleMessage)
	if err != nil {
		unsubEvents()
		return err
	}

	e.mu.Lock()
	e.canvasID = canvasID
	e.userID = userID
	e.info = info
	e.color = ColorForJoinOrder(len(existing))
	e.users = make(map[string]Record, len(existing))
	for _, rec := range existing {
		e.users[rec.UserID] = rec
	}
	e.callbacks = cb
	e.unsubEvents = unsubEvents
	e.unsubMessages = unsubMessages
	e.stopHeartbeat = make(chan struct{})
	e.initialized = true
	rec := e.selfRecordLocked(nil)
	stop := e.stopHeartbeat
	e.mu.Unlock()

	if err := e.store.Set(ctx, canvasID, rec); err != nil {
		return err
	}

	go e.runHeartbeat(stop)
	log.Printf("[Presence] Joined canvas=%s user=%s color=%s", canvasID, userID, rec.Color)
	return nil
}

// UpdateCursor records a pointer move. Writes are rate-limited to one per
// CursorUpdateInterval; between writes only the latest position is kept,
// and a trailing write flushes it once the interval elapses.
func (e *Engine) UpdateCursor(x, y float64) {
	e.mu.Lock()
	if !e.initialized {
		e.mu.Unlock()
		return
	}
	cursor := &Cursor{X: x, Y: y}
	now := time.Now()

	if since := now.Sub(e.lastCursorAt); since < e.cfg.CursorUpdateInterval {
		e.pendingCursor = cursor
		if e.cursorTimer == nil {
			e.cursorTimer = time.AfterFunc(e.cfg.CursorUpdateInterval-since, e.flushPendingCursor)
		}
		e.mu.Unlock()
		return
	}

	e.lastCursorAt = now
	rec := e.selfRecordLocked(cursor)
	canvasID := e.canvasID
	e.mu.Unlock()

	e.writeSelf(canvasID, rec)
}

// flushPendingCursor writes the most recent throttled position.
func (e *Engine) flushPendingCursor() {
	e.mu.Lock()
	e.cursorTimer = nil
	if !e.initialized || e.pendingCursor == nil {
		e.mu.Unlock()
		return
	}
	cursor := e.pendingCursor
	e.pendingCursor = nil
	e.lastCursorAt = time.Now()
	rec := e.selfRecordLocked(cursor)
	canvasID := e.canvasID
	e.mu.Unlock()

	e.writeSelf(canvasID, rec)
}

// SendMessage relays an ephemeral chat line to the canvas.
func (e *Engine) SendMessage(ctx context.Context, text string) error {
	e.mu.Lock()
	if !e.initialized {
		e.mu.Unlock()
		return ErrPresenceNotInitialized
	}
	msg := Message{
		UserID:      e.userID,
		DisplayName: e.info.DisplayName,
		Color:       e.color,
		Text:        text,
		SentAt:      time.Now().UnixMilli(),
	}
	canvasID := e.canvasID
	e.mu.Unlock()

	return e.store.PublishMessage(ctx, canvasID, msg)
}

// ActiveUsers returns the non-stale presence records, keyed by userID.
// Staleness is detected lazily at read time against PresenceTimeout.
func (e *Engine) ActiveUsers() map[string]Record {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.activeUsersLocked()
}

// UserColor returns this client's palette color.
func (e *Engine) UserColor() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.color
}

// Cleanup removes this client's record best-effort so peers see immediate
// departure, and stops all background work.
func (e *Engine) Cleanup(ctx context.Context) error {
	e.mu.Lock()
	if !e.initialized {
		e.mu.Unlock()
		return nil
	}
	e.initialized = false
	if e.cursorTimer != nil {
		e.cursorTimer.Stop()
		e.cursorTimer = nil
	}
	e.pendingCursor = nil
	close(e.stopHeartbeat)
	unsubEvents := e.unsubEvents
	unsubMessages := e.unsubMessages
	e.unsubEvents = nil
	e.unsubMessages = nil
	canvasID := e.canvasID
	userID := e.userID
	e.callbacks = Callbacks{}
	e.mu.Unlock()

	if unsubEvents != nil {
		unsubEvents()
	}
	if unsubMessages != nil {
		unsubMessages()
	}

	if err := e.store.Remove(ctx, canvasID, userID); err != nil {
		// Timeout-based expiry will catch it.
		log.Printf("[Presence] Best-effort remove failed for %s/%s: %v", canvasID, userID, err)
	}
	return nil
}

// runHeartbeat refreshes the self record so the TTL and lastActiveAt stay
// ahead of the staleness cutoff.
func (e *Engine) runHeartbeat(stop chan struct{}) {
	interval := e.cfg.PresenceTimeout / 3
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			e.mu.Lock()
			if !e.initialized {
				e.mu.Unlock()
				return
			}
			rec := e.selfRecordLocked(e.users[e.userID].Cursor)
			canvasID := e.canvasID
			e.mu.Unlock()
			e.writeSelf(canvasID, rec)
		}
	}
}

func (e *Engine) writeSelf(canvasID string, rec Record) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := e.store.Set(ctx, canvasID, rec); err != nil {
		// The next cursor write or heartbeat supersedes this one.
		log.Printf("[Presence] Write failed for %s/%s: %v", canvasID, rec.UserID, err)
	}
}

func (e *Engine) selfRecordLocked(cursor *Cursor) Record {
	return Record{
		UserID:       e.userID,
		DisplayName:  e.info.DisplayName,
		Color:        e.color,
		Cursor:       cursor,
		LastActiveAt: time.Now().UnixMilli(),
	}
}

func (e *Engine) activeUsersLocked() map[string]Record {
	cutoff := time.Now().Add(-e.cfg.PresenceTimeout).UnixMilli()
	out := make(map[string]Record, len(e.users))
	for id, rec := range e.users {
		if rec.LastActiveAt < cutoff {
			continue // stale, excluded lazily
		}
		out[id] = rec
	}
	return out
}

// handleEvent is the store subscription callback.
func (e *Engine) handleEvent(ev Event) {
	e.mu.Lock()
	if !e.initialized {
		e.mu.Unlock()
		return
	}
	switch ev.Type {
	case EventSet:
		e.users[ev.Record.UserID] = ev.Record
	case EventRemove:
		delete(e.users, ev.Record.UserID)
	default:
		e.mu.Unlock()
		return
	}
	cb := e.callbacks.OnPresenceChange
	users := e.activeUsersLocked()
	e.mu.Unlock()

	if cb != nil {
		cb(users)
	}
}

// handleMessage is the chat subscription callback.
func (e *Engine) handleMessage(msg Message) {
	e.mu.Lock()
	cb := e.callbacks.OnMessage
	initialized := e.initialized
	e.mu.Unlock()

	if initialized && cb != nil {
		cb(msg)
	}
}
