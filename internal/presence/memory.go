package presence

import (
	"context"
	"sort"
	"sync"
)

// MemoryStore is an in-process Store for tests and single-node use.
// Delivery is synchronous. Expiry is left to the engine's lazy stale
// filtering; the store itself keeps records until removed.
type MemoryStore struct {
	mu       sync.Mutex
	records  map[string]map[string]Record // canvasID -> userID -> record
	eventFns map[string]map[int]func(Event)
	msgFns   map[string]map[int]func(Message)
	nextSub  int
}

// NewMemoryStore returns an empty in-memory presence store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records:  make(map[string]map[string]Record),
		eventFns: make(map[string]map[int]func(Event)),
		msgFns:   make(map[string]map[int]func(Message)),
	}
}

// Set overwrites the record and notifies subscribers.
func (s *MemoryStore) Set(ctx context.Context, canvasID string, rec Record) error {
	s.mu.Lock()
	if s.records[canvasID] == nil {
		s.records[canvasID] = make(map[string]Record)
	}
	s.records[canvasID][rec.UserID] = rec
	fns := s.eventSubsLocked(canvasID)
	s.mu.Unlock()

	for _, fn := range fns {
		fn(Event{Type: EventSet, Record: rec})
	}
	return nil
}

// Remove deletes the record and notifies subscribers.
func (s *MemoryStore) Remove(ctx context.Context, canvasID, userID string) error {
	s.mu.Lock()
	delete(s.records[canvasID], userID)
	fns := s.eventSubsLocked(canvasID)
	s.mu.Unlock()

	for _, fn := range fns {
		fn(Event{Type: EventRemove, Record: Record{UserID: userID}})
	}
	return nil
}

// List returns the canvas records in stable userID order.
func (s *MemoryStore) List(ctx context.Context, canvasID string) ([]Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Record, 0, len(s.records[canvasID]))
	for _, rec := range s.records[canvasID] {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out, nil
}

// SubscribeChildren registers fn for future presence changes.
func (s *MemoryStore) SubscribeChildren(ctx context.Context, canvasID string, fn func(Event)) (Unsubscribe, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.eventFns[canvasID] == nil {
		s.eventFns[canvasID] = make(map[int]func(Event))
	}
	id := s.nextSub
	s.nextSub++
	s.eventFns[canvasID][id] = fn

	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.eventFns[canvasID], id)
	}, nil
}

// PublishMessage delivers one chat message synchronously.
func (s *MemoryStore) PublishMessage(ctx context.Context, canvasID string, msg Message) error {
	s.mu.Lock()
	ids := make([]int, 0, len(s.msgFns[canvasID]))
	for id := range s.msgFns[canvasID] {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	fns := make([]func(Message), 0, len(ids))
	for _, id := range ids {
		fns = append(fns, s.msgFns[canvasID][id])
	}
	s.mu.Unlock()

	for _, fn := range fns {
		fn(msg)
	}
	return nil
}

// SubscribeMessages registers fn for future chat messages.
func (s *MemoryStore) SubscribeMessages(ctx context.Context, canvasID string, fn func(Message)) (Unsubscribe, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.msgFns[canvasID] == nil {
		s.msgFns[canvasID] = make(map[int]func(Message))
	}
	id := s.nextSub
	s.nextSub++
	s.msgFns[canvasID][id] = fn

	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.msgFns[canvasID], id)
	}, nil
}

func (s *MemoryStore) eventSubsLocked(canvasID string) []func(Event) {
	ids := make([]int, 0, len(s.eventFns[canvasID]))
	for id := range s.eventFns[canvasID] {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	fns := make([]func(Event), 0, len(ids))
	for _, id := range ids {
		fns = append(fns, s.eventFns[canvasID][id])
	}
	return fns
}
