package handler

import (
	"encoding/json"
	"log"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"gorm.io/gorm"

	"canvas-backend/internal/channel"
	"canvas-backend/internal/config"
	"canvas-backend/internal/element"
	"canvas-backend/internal/engine"
	"canvas-backend/internal/model"
)

// CanvasHandler serves canvas metadata and the snapshotted document store:
// durable op rows plus compacted snapshot chunks, merged on read.
type CanvasHandler struct {
	db  *gorm.DB
	cfg *config.Config
}

// NewCanvasHandler builds the handler.
func NewCanvasHandler(db *gorm.DB, cfg *config.Config) *CanvasHandler {
	return &CanvasHandler{db: db, cfg: cfg}
}

// CreateCanvasRequest is the body of POST /api/canvas.
type CreateCanvasRequest struct {
	Name string `json:"name"`
}

// CreateCanvas creates an empty canvas owned by the caller.
func (h *CanvasHandler) CreateCanvas(c *fiber.Ctx) error {
	userID, _ := c.Locals("userID").(string)
	if userID == "" {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "Unauthorized"})
	}

	var req CreateCanvasRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Invalid request body"})
	}
	if req.Name == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Canvas name is required"})
	}

	canvas := model.Canvas{
		ID:      uuid.NewString(),
		Name:    req.Name,
		OwnerID: userID,
	}
	if err := h.db.Create(&canvas).Error; err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "Failed to create canvas"})
	}

	return c.Status(fiber.StatusCreated).JSON(fiber.Map{"success": true, "canvas": canvas})
}

// ListCanvases returns the caller's canvases.
func (h *CanvasHandler) ListCanvases(c *fiber.Ctx) error {
	userID, _ := c.Locals("userID").(string)
	if userID == "" {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "Unauthorized"})
	}

	var canvases []model.Canvas
	if err := h.db.Where("owner_id = ?", userID).Order("updated_at DESC").Find(&canvases).Error; err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "Failed to list canvases"})
	}

	return c.JSON(fiber.Map{"success": true, "canvases": canvases})
}

// GetCanvas returns canvas metadata.
func (h *CanvasHandler) GetCanvas(c *fiber.Ctx) error {
	var canvas model.Canvas
	if err := h.db.First(&canvas, "id = ?", c.Params("id")).Error; err != nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "Canvas not found"})
	}
	return c.JSON(fiber.Map{"success": true, "canvas": canvas})
}

// GetDocument rebuilds the current document by replaying compacted
// snapshots first, then the live op rows, through the same merge rule the
// engines use. Joining clients load this before subscribing to the feed.
func (h *CanvasHandler) GetDocument(c *fiber.Ctx) error {
	canvasID := c.Params("id")

	var canvas model.Canvas
	if err := h.db.Select("id").First(&canvas, "id = ?", canvasID).Error; err != nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "Canvas not found"})
	}

	var snapshots []model.CanvasSnapshot
	if err := h.db.Where("canvas_id = ?", canvasID).Order("id ASC").Find(&snapshots).Error; err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "Failed to fetch snapshots"})
	}

	var ops []model.CanvasOperation
	if err := h.db.Where("canvas_id = ?", canvasID).Order("id ASC").Find(&ops).Error; err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "Failed to fetch operations"})
	}

	var elements []element.Element
	applied := 0

	for _, snap := range snapshots {
		var chunk []channel.Record
		if err := json.Unmarshal(snap.Records, &chunk); err != nil {
			log.Printf("[Canvas] Failed to parse snapshot %d: %v", snap.ID, err)
			continue
		}
		for _, rec := range chunk {
			elements, _ = engine.Merge(elements, rec)
			applied++
		}
	}

	for _, op := range ops {
		var rec channel.Record
		if err := json.Unmarshal(op.Record, &rec); err != nil {
			log.Printf("[Canvas] Failed to parse operation %d: %v", op.ID, err)
			continue
		}
		elements, _ = engine.Merge(elements, rec)
		applied++
	}

	return c.JSON(fiber.Map{
		"success":        true,
		"elements":       element.ToWireForm(elements),
		"operationCount": applied,
	})
}

// PersistOperation durably records one channel record and kicks compaction.
// Called by the relay hub for every accepted operation.
func (h *CanvasHandler) PersistOperation(canvasID string, rec channel.Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}

	row := model.CanvasOperation{
		CanvasID:  canvasID,
		Type:      string(rec.Type),
		UserID:    rec.UserID,
		ClientID:  rec.ClientID,
		Timestamp: rec.Timestamp,
		Record:    data,
	}
	if err := h.db.Create(&row).Error; err != nil {
		return err
	}

	go h.compactOperations(canvasID)
	return nil
}

// compactOperations folds the oldest op rows into a snapshot chunk once the
// live table grows past the trigger, keeping a recent tail so reads stay
// cheap without bloating snapshots on every write.
func (h *CanvasHandler) compactOperations(canvasID string) {
	trigger := h.cfg.Sync.SnapshotTriggerCount
	keepRecent := h.cfg.Sync.SnapshotKeepRecent

	var count int64
	h.db.Model(&model.CanvasOperation{}).Where("canvas_id = ?", canvasID).Count(&count)
	if count < int64(trigger) {
		return
	}

	limit := int(count) - keepRecent
	if limit <= 0 {
		return
	}
	log.Printf("[Snapshot] Triggered for canvas %s, count: %d", canvasID, count)

	var ops []model.CanvasOperation
	if err := h.db.Where("canvas_id = ?", canvasID).
		Order("id ASC").
		Limit(limit).
		Find(&ops).Error; err != nil {
		log.Printf("[Snapshot] Failed to select operations: %v", err)
		return
	}
	if len(ops) == 0 {
		return
	}

	aggregated := make([]json.RawMessage, 0, len(ops))
	for _, op := range ops {
		aggregated = append(aggregated, json.RawMessage(op.Record))
	}
	data, err := json.Marshal(aggregated)
	if err != nil {
		log.Printf("[Snapshot] Failed to marshal aggregated records: %v", err)
		return
	}

	snapshot := model.CanvasSnapshot{
		CanvasID: canvasID,
		Records:  data,
		StartID:  ops[0].ID,
		EndID:    ops[len(ops)-1].ID,
	}

	tx := h.db.Begin()
	if err := tx.Create(&snapshot).Error; err != nil {
		tx.Rollback()
		log.Printf("[Snapshot] Failed to create snapshot: %v", err)
		return
	}
	// Rows are safely inside the snapshot; hard delete keeps the live
	// table and its indexes small.
	if err := tx.Where("canvas_id = ? AND id <= ?", canvasID, snapshot.EndID).
		Delete(&model.CanvasOperation{}).Error; err != nil {
		tx.Rollback()
		log.Printf("[Snapshot] Failed to delete operations: %v", err)
		return
	}
	tx.Commit()
	log.Printf("[Snapshot] Created snapshot %d for canvas %s (rows %d-%d)",
		snapshot.ID, canvasID, snapshot.StartID, snapshot.EndID)
}
