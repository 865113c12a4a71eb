package engine

import (
	"log"

	"canvas-backend/internal/channel"
	"canvas-backend/internal/element"
)

// handleRecord is the channel subscription callback. It validates, filters
// echoes, and merges the record into the scene.
func (e *Engine) handleRecord(rec channel.Record) {
	if err := rec.Validate(); err != nil {
		log.Printf("[Engine] Discarding malformed record: %v", err)
		return
	}

	e.mu.Lock()
	initialized := e.initialized
	cb := e.callbacks.OnRemoteApplied
	e.mu.Unlock()
	if !initialized {
		return
	}

	// Echo of a locally-originated write: the scene already reflects it.
	// Matching on clientID, not userID, keeps two tabs of one user in sync
	// with each other.
	if rec.ClientID == e.clientID {
		return
	}

	if e.applyRecord(rec) && cb != nil {
		cb(rec)
	}
}

// applyRecord merges one remote record into the scene and reports whether
// anything changed.
//
// The scene is re-read under applyMu immediately before the merge, so the
// decision never rests on a stale snapshot, and the scene is updated at
// most once per record.
func (e *Engine) applyRecord(rec channel.Record) bool {
	e.applyMu.Lock()
	defer e.applyMu.Unlock()

	merged, changed := Merge(e.scn.Elements(), rec)
	if !changed {
		return false
	}
	e.scn.Update(merged, false)
	return true
}

// Merge folds one record into an element set with per-element
// last-writer-wins: an incoming element replaces the local one only if its
// (updated, versionNonce) pair is strictly greater, so every client
// converges on the same winner regardless of delivery order. Deletes
// tombstone rather than remove.
//
// Also used to rebuild a document by replaying the durable op log.
func Merge(current []element.Element, rec channel.Record) ([]element.Element, bool) {
	incoming := element.FromWireForm(rec.Data.Elements)
	byID := make(map[string]element.Element, len(incoming))
	for _, inc := range incoming {
		if rec.Type == channel.OpDelete {
			inc.IsDeleted = true
		}
		byID[inc.ID] = inc
	}

	merged := make([]element.Element, 0, len(current)+len(incoming))
	seen := make(map[string]bool, len(current))
	changed := false

	for _, local := range current {
		seen[local.ID] = true
		inc, ok := byID[local.ID]
		if !ok || !element.Newer(inc, local) {
			// Stale or untouched: the local version stands. A losing
			// incoming element is a normal discard, not an error.
			merged = append(merged, local)
			continue
		}
		merged = append(merged, inc)
		changed = true
	}

	// Elements referenced but absent locally act as adds when the record
	// carries their full state. An update/delete for an id with no local
	// element and no embedded data is a no-op: the authoritative state is
	// presumed to arrive later or to have never reached this client.
	for _, inc := range incoming {
		if seen[inc.ID] {
			continue
		}
		merged = append(merged, byID[inc.ID])
		changed = true
	}

	return merged, changed
}
