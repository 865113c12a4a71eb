package model

import (
	"time"

	"gorm.io/datatypes"
)

// Canvas is a shared drawing document.
type Canvas struct {
	ID        string    `gorm:"type:varchar(64);primaryKey" json:"id"`
	Name      string    `gorm:"type:varchar(200);not null" json:"name"`
	OwnerID   string    `gorm:"type:varchar(64);not null;index" json:"owner_id"`
	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`

	// Relations
	Operations []CanvasOperation `gorm:"foreignKey:CanvasID" json:"operations,omitempty"`
	Snapshots  []CanvasSnapshot  `gorm:"foreignKey:CanvasID" json:"snapshots,omitempty"`
}

func (Canvas) TableName() string {
	return "canvases"
}

// CanvasOperation is one durable row of a canvas op log: the full channel
// record as JSONB. Rows older than the compaction tail are folded into a
// CanvasSnapshot and removed.
type CanvasOperation struct {
	ID        int64          `gorm:"primaryKey;autoIncrement" json:"id"`
	CanvasID  string         `gorm:"type:varchar(64);not null;index:idx_canvas_created" json:"canvas_id"`
	Type      string         `gorm:"type:varchar(16);not null" json:"type"`
	UserID    string         `gorm:"type:varchar(64);not null" json:"user_id"`
	ClientID  string         `gorm:"type:varchar(64);not null" json:"client_id"`
	Timestamp int64          `gorm:"not null" json:"timestamp"` // client unix ms
	Record    datatypes.JSON `gorm:"not null" json:"record"`    // full wire record
	CreatedAt time.Time      `gorm:"autoCreateTime;index:idx_canvas_created" json:"created_at"`
}

func (CanvasOperation) TableName() string {
	return "canvas_operations"
}

// CanvasSnapshot is a compacted chunk of op records, a JSON array covering
// rows StartID..EndID.
type CanvasSnapshot struct {
	ID        int64          `gorm:"primaryKey;autoIncrement" json:"id"`
	CanvasID  string         `gorm:"type:varchar(64);not null;index" json:"canvas_id"`
	Records   datatypes.JSON `gorm:"not null" json:"records"`
	StartID   int64          `gorm:"not null" json:"start_id"`
	EndID     int64          `gorm:"not null" json:"end_id"`
	CreatedAt time.Time      `gorm:"autoCreateTime" json:"created_at"`
}

func (CanvasSnapshot) TableName() string {
	return "canvas_snapshots"
}

// User is the minimal account row the backend needs; identity itself is
// owned by the external provider.
type User struct {
	ID          string    `gorm:"type:varchar(64);primaryKey" json:"id"`
	Email       string    `gorm:"type:varchar(255);uniqueIndex;not null" json:"email"`
	DisplayName string    `gorm:"type:varchar(100);not null" json:"display_name"`
	CreatedAt   time.Time `gorm:"autoCreateTime" json:"created_at"`
}

func (User) TableName() string {
	return "users"
}
