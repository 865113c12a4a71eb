package presence

import "context"

// Cursor is a live pointer position on the canvas.
type Cursor struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Record is the ephemeral per-user presence state. It is current-state, not
// a log: every write overwrites the previous one, and records expire rather
// than being retried.
type Record struct {
	UserID       string  `json:"userId"`
	DisplayName  string  `json:"displayName"`
	Color        string  `json:"color"`
	Cursor       *Cursor `json:"cursor,omitempty"`
	LastActiveAt int64   `json:"lastActiveAt"` // unix ms
}

// Message is an ephemeral chat line relayed alongside presence. Never
// persisted.
type Message struct {
	UserID      string `json:"userId"`
	DisplayName string `json:"displayName"`
	Color       string `json:"color"`
	Text        string `json:"text"`
	SentAt      int64  `json:"sentAt"` // unix ms
}

// EventType classifies a presence change.
type EventType string

const (
	EventSet    EventType = "set"
	EventRemove EventType = "remove"
)

// Event is one presence change on a canvas.
type Event struct {
	Type   EventType
	Record Record
}

// Unsubscribe tears down a subscription.
type Unsubscribe func()

// Store is the self-expiring presence backend, keyed conceptually as
// presence/{canvasID}/{userID}. Kept separate from the operation log
// because cursor data must never be durably ordered or retried.
type Store interface {
	// Set overwrites the user's record and refreshes its expiry.
	Set(ctx context.Context, canvasID string, rec Record) error

	// Remove deletes the user's record so peers see immediate departure.
	Remove(ctx context.Context, canvasID, userID string) error

	// List returns every record currently held for the canvas, expired
	// ones excluded by the backend where it can.
	List(ctx context.Context, canvasID string) ([]Record, error)

	// SubscribeChildren delivers every subsequent presence change on the
	// canvas.
	SubscribeChildren(ctx context.Context, canvasID string, fn func(Event)) (Unsubscribe, error)

	// PublishMessage fans an ephemeral chat message out to subscribers.
	PublishMessage(ctx context.Context, canvasID string, msg Message) error

	// SubscribeMessages delivers chat messages for the canvas.
	SubscribeMessages(ctx context.Context, canvasID string, fn func(Message)) (Unsubscribe, error)
}

// palette is the fixed set of display colors. Clients pick by join order so
// concurrent collaborators stay visually distinct.
var palette = []string{
	"#e74c3c", // red
	"#3498db", // blue
	"#2ecc71", // green
	"#f39c12", // orange
	"#9b59b6", // purple
	"#1abc9c", // teal
	"#e91e63", // pink
	"#34495e", // slate
}

// ColorForJoinOrder returns the palette color for the nth joiner.
func ColorForJoinOrder(n int) string {
	if n < 0 {
		n = 0
	}
	return palette[n%len(palette)]
}
