package delta

import (
	"time"

	"github.com/openmutual/realtime/internal/services/sync/storage"
)

// Delta is the minimal field-level description of one profile entity
// change. Fields holds only values that actually changed; Previous holds
// the prior value of each changed field for audit and undo. Deltas are
// derived, never independently persisted, but queued for offline delivery.
type Delta struct {
	UserID     string            `json:"user_id"`
	EntityID   string            `json:"entity_id"`
	EntityKind string            `json:"entity_kind"`
	Action     string            `json:"action"`
	Fields     map[string]string `json:"fields,omitempty"`
	Previous   map[string]string `json:"previous,omitempty"`
	Version    int64             `json:"version"`
	At         time.Time         `json:"at"`
}

// Delta actions.
const (
	ActionCreated = "created"
	ActionUpdated = "updated"
	ActionDeleted = "deleted"
)

// EntityView is the wire shape of a profile entity.
type EntityView struct {
	ID          string    `json:"id"`
	Kind        string    `json:"kind"`
	Category    string    `json:"category,omitempty"`
	Title       string    `json:"title"`
	Description string    `json:"description,omitempty"`
	Status      string    `json:"status"`
	Version     int64     `json:"version"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// NewEntityView converts a stored entity to its wire shape.
func NewEntityView(entity storage.ProfileEntity) EntityView {
	return EntityView{
		ID:          entity.ID,
		Kind:        string(entity.Kind),
		Category:    entity.Category,
		Title:       entity.Title,
		Description: entity.Description,
		Status:      string(entity.Status),
		Version:     entity.Version,
		CreatedAt:   entity.CreatedAt,
		UpdatedAt:   entity.UpdatedAt,
	}
}

// ResyncResult is the full profile snapshot returned after reconnection.
type ResyncResult struct {
	Version      int64        `json:"version"`
	Entities     []EntityView `json:"entities"`
	QueuedDeltas []Delta      `json:"queued_deltas,omitempty"`
}
