package channel

import (
	"context"
	"errors"
	"fmt"

	"canvas-backend/internal/element"
)

// OpType classifies a canvas operation.
type OpType string

const (
	OpAdd    OpType = "add"
	OpUpdate OpType = "update"
	OpDelete OpType = "delete"
)

// RecordData carries the full wire-form elements touched by an operation.
type RecordData struct {
	Elements []element.WireElement `json:"elements"`
}

// Record is one immutable entry of the per-canvas operation log.
// ClientID is a per-session random token; two tabs of the same user carry
// different ClientIDs so echo filtering works per tab, not per user.
type Record struct {
	Type       OpType     `json:"type"`
	ElementIDs []string   `json:"elementIds"`
	Data       RecordData `json:"data"`
	UserID     string     `json:"userId"`
	ClientID   string     `json:"clientId"`
	Timestamp  int64      `json:"timestamp"` // unix ms
}

// ErrMalformedRecord marks records that fail schema validation. Malformed
// records are logged and skipped, never applied.
var ErrMalformedRecord = errors.New("malformed operation record")

// Validate checks the minimum schema a record must satisfy before it may be
// applied to a scene.
func (r Record) Validate() error {
	switch r.Type {
	case OpAdd, OpUpdate, OpDelete:
	default:
		return fmt.Errorf("%w: unknown type %q", ErrMalformedRecord, r.Type)
	}
	if len(r.ElementIDs) == 0 {
		return fmt.Errorf("%w: missing elementIds", ErrMalformedRecord)
	}
	if r.ClientID == "" {
		return fmt.Errorf("%w: missing clientId", ErrMalformedRecord)
	}
	return nil
}

// Unsubscribe tears down a subscription. After it returns no further
// callbacks fire.
type Unsubscribe func()

// Channel is the ordered, append-only, push/subscribe primitive the
// operations engine syncs through, keyed by canvas id.
type Channel interface {
	// Append durably appends one record to the canvas log and returns its
	// record id.
	Append(ctx context.Context, canvasID string, rec Record) (string, error)

	// Subscribe delivers every record appended after the call, in append
	// order. Self-appended records are delivered too; echo filtering is the
	// subscriber's job.
	Subscribe(ctx context.Context, canvasID string, fn func(Record)) (Unsubscribe, error)

	// Replay invokes fn for every record already in the log, oldest first.
	Replay(ctx context.Context, canvasID string, fn func(Record)) error
}
