package prescription

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/medicosmart/medicosmart/internal/platform/tenancy"
)

// Repository persists prescriptions. Every method applies the tenancy
// predicate of scope.
type Repository interface {
	Create(ctx context.Context, r *Record) error
	Get(ctx context.Context, scope tenancy.Scope, id uuid.UUID) (*Record, error)
	// GetForUpdate locks the row until the surrounding transaction ends.
	GetForUpdate(ctx context.Context, scope tenancy.Scope, id uuid.UUID) (*Record, error)
	List(ctx context.Context, scope tenancy.Scope, f ListFilter) ([]*Record, int, error)
	// Transition reports false when the row was not in t.From.
	Transition(ctx context.Context, scope tenancy.Scope, t Transition) (bool, error)
	SoftDelete(ctx context.Context, scope tenancy.Scope, id uuid.UUID, at time.Time) error
	CountByStatus(ctx context.Context, scope tenancy.Scope) (map[string]int, error)
}

// CommunicationRepository is the append-only delivery log.
type CommunicationRepository interface {
	Create(ctx context.Context, c *Communication) error
	// Complete moves a PENDING communication to SENT or FAILED.
	Complete(ctx context.Context, c *Communication) error
	ListByPrescription(ctx context.Context, prescriptionID uuid.UUID) ([]*Communication, error)
	// HasPending reports whether a PENDING communication created at or after
	// since exists for the prescription.
	HasPending(ctx context.Context, prescriptionID uuid.UUID, since time.Time) (bool, error)
}
