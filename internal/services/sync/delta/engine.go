// Package delta applies versioned partial updates to profile entities
// (needs and offerings), computes minimal change sets, and resynchronizes
// a client's full profile state after reconnection.
package delta

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/openmutual/realtime/internal/platform/id"
	"github.com/openmutual/realtime/internal/services/sync/bus"
	"github.com/openmutual/realtime/internal/services/sync/events"
	"github.com/openmutual/realtime/internal/services/sync/gateway"
	"github.com/openmutual/realtime/internal/services/sync/storage"
)

// Validation failures reject the request before any side effect.
var (
	ErrValidation     = errors.New("validation failed")
	ErrUserRequired   = fmt.Errorf("%w: user id is required", ErrValidation)
	ErrEntityRequired = fmt.Errorf("%w: entity id is required", ErrValidation)
	ErrTitleRequired  = fmt.Errorf("%w: title is required", ErrValidation)
	ErrKindRequired   = fmt.Errorf("%w: entity kind must be need or offering", ErrValidation)
	ErrUnknownAction  = fmt.Errorf("%w: unknown action", ErrValidation)
	ErrUnknownField   = fmt.Errorf("%w: unknown field", ErrValidation)
	ErrEntityTerminal = fmt.Errorf("%w: entity is no longer active", ErrValidation)
)

// EventProfileDelta is the event type carrying a Delta to the user's other
// sessions.
const EventProfileDelta = "profile:delta"

const (
	offlineDeltaTTL = 24 * time.Hour
	// Retries absorb version races between two devices of the same user.
	maxCommitAttempts = 3
)

// Action names one profile mutation request.
type Action string

// Mutation actions.
const (
	ActionCreate Action = "create"
	ActionUpdate Action = "update"
	ActionDelete Action = "delete"
)

// Routes is the local fan-out surface for delta events.
type Routes interface {
	SendToUserExcept(userID string, exceptChannelID string, event gateway.Event) int
}

// Config wires a delta Engine.
type Config struct {
	Store   storage.Store
	Bus     bus.Bus
	Routes  Routes
	Emitter *events.Emitter
	Clock   func() time.Time
	NewID   func() (string, error)
}

// Engine is the delta sync engine.
type Engine struct {
	store   storage.Store
	bus     bus.Bus
	routes  Routes
	emitter *events.Emitter
	clock   func() time.Time
	newID   func() (string, error)
}

// NewEngine constructs a delta engine.
func NewEngine(cfg Config) *Engine {
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	if cfg.NewID == nil {
		cfg.NewID = id.NewID
	}
	return &Engine{
		store:   cfg.Store,
		bus:     cfg.Bus,
		routes:  cfg.Routes,
		emitter: cfg.Emitter,
		clock:   cfg.Clock,
		newID:   cfg.NewID,
	}
}

// ChangeInput describes one profile mutation. Fields carries the requested
// field values for create and update; recognized keys are category, title,
// and description.
type ChangeInput struct {
	UserID   string
	EntityID string
	Kind     storage.EntityKind
	Action   Action
	Fields   map[string]string
	// OriginChannelID is excluded from local fan-out so the mutating
	// session does not receive its own delta.
	OriginChannelID string
}

// ChangeResult reports the outcome of one mutation. Delta is nil when the
// request was a no-op.
type ChangeResult struct {
	Entity   storage.ProfileEntity
	Delta    *Delta
	NoChange bool
}

// ApplyChange validates and applies one mutation, bumping the owner's
// profile version by exactly one per effective change. A lost version race
// is retried against the fresh state; a no-op update short-circuits
// without a version bump. After a successful commit the delta is published
// to the bus, fanned out to the user's other local sessions, and appended
// to the user's offline queue for later resync.
func (e *Engine) ApplyChange(ctx context.Context, input ChangeInput) (ChangeResult, error) {
	if input.UserID == "" {
		return ChangeResult{}, ErrUserRequired
	}
	for field := range input.Fields {
		switch field {
		case "category", "title", "description":
		default:
			return ChangeResult{}, fmt.Errorf("%w: %q", ErrUnknownField, field)
		}
	}

	var (
		result ChangeResult
		err    error
	)
	for attempt := 0; attempt < maxCommitAttempts; attempt++ {
		result, err = e.applyOnce(ctx, input)
		if errors.Is(err, storage.ErrVersionConflict) {
			continue
		}
		break
	}
	if err != nil {
		return ChangeResult{}, err
	}
	if result.NoChange {
		return result, nil
	}

	e.propagate(ctx, input.OriginChannelID, *result.Delta)
	return result, nil
}

func (e *Engine) applyOnce(ctx context.Context, input ChangeInput) (ChangeResult, error) {
	version, err := e.store.CurrentVersion(ctx, input.UserID)
	if err != nil {
		return ChangeResult{}, fmt.Errorf("read profile version: %w", err)
	}
	now := e.clock().UTC()

	var (
		entity   storage.ProfileEntity
		action   string
		fields   map[string]string
		previous map[string]string
	)
	switch input.Action {
	case ActionCreate:
		entity, fields, err = e.buildCreate(input, now)
		action = ActionCreated
	case ActionUpdate:
		entity, fields, previous, err = e.buildUpdate(ctx, input)
		action = ActionUpdated
	case ActionDelete:
		entity, fields, previous, err = e.buildDelete(ctx, input)
		action = ActionDeleted
	default:
		return ChangeResult{}, fmt.Errorf("%w: %q", ErrUnknownAction, input.Action)
	}
	if err != nil {
		return ChangeResult{}, err
	}
	if len(fields) == 0 {
		return ChangeResult{Entity: entity, NoChange: true}, nil
	}

	entity.Version = version + 1
	entity.UpdatedAt = now
	if err := e.store.CommitEntity(ctx, entity, version); err != nil {
		if errors.Is(err, storage.ErrVersionConflict) {
			return ChangeResult{}, err
		}
		return ChangeResult{}, fmt.Errorf("commit entity: %w", err)
	}

	return ChangeResult{
		Entity: entity,
		Delta: &Delta{
			UserID:     input.UserID,
			EntityID:   entity.ID,
			EntityKind: string(entity.Kind),
			Action:     action,
			Fields:     fields,
			Previous:   previous,
			Version:    entity.Version,
			At:         now,
		},
	}, nil
}

func (e *Engine) buildCreate(input ChangeInput, now time.Time) (storage.ProfileEntity, map[string]string, error) {
	if input.Kind != storage.EntityNeed && input.Kind != storage.EntityOffering {
		return storage.ProfileEntity{}, nil, ErrKindRequired
	}
	if input.Fields["title"] == "" {
		return storage.ProfileEntity{}, nil, ErrTitleRequired
	}

	entityID := input.EntityID
	if entityID == "" {
		var err error
		entityID, err = e.newID()
		if err != nil {
			return storage.ProfileEntity{}, nil, fmt.Errorf("generate entity id: %w", err)
		}
	}

	entity := storage.ProfileEntity{
		ID:          entityID,
		OwnerUserID: input.UserID,
		Kind:        input.Kind,
		Category:    input.Fields["category"],
		Title:       input.Fields["title"],
		Description: input.Fields["description"],
		Status:      storage.EntityActive,
		CreatedAt:   now,
	}

	// A created delta carries the full entity.
	fields := map[string]string{
		"title":  entity.Title,
		"status": string(entity.Status),
	}
	if entity.Category != "" {
		fields["category"] = entity.Category
	}
	if entity.Description != "" {
		fields["description"] = entity.Description
	}
	return entity, fields, nil
}

func (e *Engine) buildUpdate(ctx context.Context, input ChangeInput) (storage.ProfileEntity, map[string]string, map[string]string, error) {
	entity, err := e.ownedEntity(ctx, input)
	if err != nil {
		return storage.ProfileEntity{}, nil, nil, err
	}
	if entity.Status.IsTerminal() {
		return storage.ProfileEntity{}, nil, nil, ErrEntityTerminal
	}

	fields := make(map[string]string)
	previous := make(map[string]string)
	apply := func(name string, current *string) {
		requested, ok := input.Fields[name]
		if !ok || requested == *current {
			return
		}
		previous[name] = *current
		fields[name] = requested
		*current = requested
	}
	apply("category", &entity.Category)
	apply("title", &entity.Title)
	apply("description", &entity.Description)

	if requested, ok := input.Fields["title"]; ok && requested == "" {
		return storage.ProfileEntity{}, nil, nil, ErrTitleRequired
	}
	return entity, fields, previous, nil
}

func (e *Engine) buildDelete(ctx context.Context, input ChangeInput) (storage.ProfileEntity, map[string]string, map[string]string, error) {
	entity, err := e.ownedEntity(ctx, input)
	if err != nil {
		return storage.ProfileEntity{}, nil, nil, err
	}
	if entity.Status.IsTerminal() {
		return entity, nil, nil, nil
	}

	previous := map[string]string{"status": string(entity.Status)}
	if entity.Kind == storage.EntityNeed {
		entity.Status = storage.EntityExpired
	} else {
		entity.Status = storage.EntityUnavailable
	}
	return entity, map[string]string{"status": string(entity.Status)}, previous, nil
}

func (e *Engine) ownedEntity(ctx context.Context, input ChangeInput) (storage.ProfileEntity, error) {
	if input.EntityID == "" {
		return storage.ProfileEntity{}, ErrEntityRequired
	}
	entity, err := e.store.GetEntity(ctx, input.EntityID)
	if err != nil {
		return storage.ProfileEntity{}, err
	}
	// Entities are single-owner; everyone else sees not-found.
	if entity.OwnerUserID != input.UserID {
		return storage.ProfileEntity{}, storage.ErrNotFound
	}
	return entity, nil
}

func (e *Engine) propagate(ctx context.Context, originChannelID string, delta Delta) {
	payload, err := json.Marshal(delta)
	if err != nil {
		log.Printf("delta: marshal delta entity=%s: %v", delta.EntityID, err)
		return
	}

	e.routes.SendToUserExcept(delta.UserID, originChannelID, gateway.Event{
		Type:    EventProfileDelta,
		Payload: payload,
	})
	if err := e.bus.Publish(ctx, bus.TopicProfileDelta, delta); err != nil {
		log.Printf("delta: publish delta entity=%s: %v", delta.EntityID, err)
	}
	e.emitter.Emit(events.Event{Kind: events.KindProfileChanged, At: delta.At, Payload: delta})

	entry := storage.OfflineEntry{
		RecipientUserID: delta.UserID,
		Kind:            storage.OfflineProfileDelta,
		PayloadJSON:     string(payload),
		EnqueuedAt:      delta.At,
		ExpiresAt:       delta.At.Add(offlineDeltaTTL),
	}
	if err := e.store.EnqueueOffline(ctx, entry); err != nil {
		log.Printf("delta: enqueue offline delta entity=%s: %v", delta.EntityID, err)
	}
}

// HandleRemoteDelta forwards a delta received from another instance to the
// user's local sessions.
func (e *Engine) HandleRemoteDelta(delta Delta) {
	payload, err := json.Marshal(delta)
	if err != nil {
		log.Printf("delta: marshal remote delta entity=%s: %v", delta.EntityID, err)
		return
	}
	e.routes.SendToUserExcept(delta.UserID, "", gateway.Event{
		Type:    EventProfileDelta,
		Payload: payload,
	})
}

// Resync returns the owner's current version, the full snapshot of active
// entities, and any queued deltas, then clears the delta queue.
func (e *Engine) Resync(ctx context.Context, userID string) (ResyncResult, error) {
	if userID == "" {
		return ResyncResult{}, ErrUserRequired
	}

	version, err := e.store.CurrentVersion(ctx, userID)
	if err != nil {
		return ResyncResult{}, fmt.Errorf("read profile version: %w", err)
	}
	entities, err := e.store.ListEntitiesByOwner(ctx, userID, false)
	if err != nil {
		return ResyncResult{}, fmt.Errorf("list entities: %w", err)
	}

	result := ResyncResult{Version: version, Entities: make([]EntityView, 0, len(entities))}
	for _, entity := range entities {
		result.Entities = append(result.Entities, NewEntityView(entity))
	}

	entries, err := e.store.ListOffline(ctx, userID, storage.OfflineProfileDelta, e.clock().UTC())
	if err != nil {
		return ResyncResult{}, fmt.Errorf("list offline deltas: %w", err)
	}
	var maxEntryID int64
	for _, entry := range entries {
		maxEntryID = entry.ID
		var queued Delta
		if err := json.Unmarshal([]byte(entry.PayloadJSON), &queued); err != nil {
			log.Printf("delta: drop malformed offline entry id=%d: %v", entry.ID, err)
			continue
		}
		result.QueuedDeltas = append(result.QueuedDeltas, queued)
	}
	if maxEntryID > 0 {
		if err := e.store.ClearOffline(ctx, userID, storage.OfflineProfileDelta, maxEntryID); err != nil {
			log.Printf("delta: clear offline deltas user=%q: %v", userID, err)
		}
	}

	return result, nil
}
