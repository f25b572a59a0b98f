package hipaa

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
)

// Action is the kind of access recorded in the audit log.
type Action string

const (
	ActionRead   Action = "READ"
	ActionCreate Action = "CREATE"
	ActionUpdate Action = "UPDATE"
	ActionDelete Action = "DELETE"
)

// Audited entity types.
const (
	EntityPatient      = "patients"
	EntityPrescription = "prescriptions"
	EntityUser         = "users"
)

// AuditEntry is one append-only row of the audit log. Before and After hold
// the at-rest form of the entity, so sensitive columns appear as ciphertext.
type AuditEntry struct {
	ID         uuid.UUID       `json:"id"`
	ActorID    uuid.UUID       `json:"actor_id"`
	Action     Action          `json:"action"`
	EntityType string          `json:"entity_type"`
	EntityID   uuid.UUID       `json:"entity_id"`
	Before     json.RawMessage `json:"before,omitempty"`
	After      json.RawMessage `json:"after,omitempty"`
	IPAddress  string          `json:"ip_address,omitempty"`
	UserAgent  string          `json:"user_agent,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
}

// AuditFilter narrows an audit log listing. Zero fields are ignored.
type AuditFilter struct {
	ActorID    *uuid.UUID
	EntityType string
	EntityID   *uuid.UUID
	Action     Action
	Since      *time.Time
	Until      *time.Time
	Limit      int
	Offset     int
}

// AuditStore persists audit entries. Implementations must only ever insert.
type AuditStore interface {
	Insert(ctx context.Context, e *AuditEntry) error
	List(ctx context.Context, f AuditFilter) ([]*AuditEntry, int, error)
}

type requestInfoKey struct{}

// RequestInfo carries client details attached to audit entries.
type RequestInfo struct {
	IPAddress string
	UserAgent string
}

// WithRequestInfo stores client details on ctx for later audit entries.
func WithRequestInfo(ctx context.Context, info RequestInfo) context.Context {
	return context.WithValue(ctx, requestInfoKey{}, info)
}

func requestInfoFromContext(ctx context.Context) RequestInfo {
	info, _ := ctx.Value(requestInfoKey{}).(RequestInfo)
	return info
}

// AuditTrail records accesses to protected entities. Record never returns an
// error: a failed write is logged and counted, and the calling operation
// carries on.
type AuditTrail struct {
	store    AuditStore
	logger   zerolog.Logger
	failures prometheus.Counter
	now      func() time.Time
}

// NewAuditTrail creates an AuditTrail. failures may be nil.
func NewAuditTrail(store AuditStore, logger zerolog.Logger, failures prometheus.Counter) *AuditTrail {
	return &AuditTrail{
		store:    store,
		logger:   logger.With().Str("component", "audit").Logger(),
		failures: failures,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Record writes one entry. It must be called only after the audited operation
// has succeeded.
func (a *AuditTrail) Record(ctx context.Context, actorID uuid.UUID, action Action, entityType string, entityID uuid.UUID, before, after any) {
	entry := &AuditEntry{
		ID:         uuid.New(),
		ActorID:    actorID,
		Action:     action,
		EntityType: entityType,
		EntityID:   entityID,
		CreatedAt:  a.now(),
	}
	info := requestInfoFromContext(ctx)
	entry.IPAddress = info.IPAddress
	entry.UserAgent = info.UserAgent

	var err error
	if entry.Before, err = snapshot(before); err != nil {
		a.fail(entry, fmt.Errorf("marshal before snapshot: %w", err))
		return
	}
	if entry.After, err = snapshot(after); err != nil {
		a.fail(entry, fmt.Errorf("marshal after snapshot: %w", err))
		return
	}

	// The primary operation has already been committed; a cancelled request
	// context must not drop the entry.
	if err := a.store.Insert(context.WithoutCancel(ctx), entry); err != nil {
		a.fail(entry, err)
	}
}

// List returns audit entries matching f, newest first.
func (a *AuditTrail) List(ctx context.Context, f AuditFilter) ([]*AuditEntry, int, error) {
	return a.store.List(ctx, f)
}

func (a *AuditTrail) fail(e *AuditEntry, err error) {
	if a.failures != nil {
		a.failures.Inc()
	}
	a.logger.Error().
		Err(err).
		Str("actor_id", e.ActorID.String()).
		Str("action", string(e.Action)).
		Str("entity", e.EntityType).
		Str("entity_id", e.EntityID.String()).
		Msg("audit entry not recorded")
}

func snapshot(v any) (json.RawMessage, error) {
	if v == nil {
		return nil, nil
	}
	if raw, ok := v.(json.RawMessage); ok {
		return raw, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	if string(b) == "null" {
		return nil, nil
	}
	return b, nil
}
