package patient

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/medicosmart/medicosmart/internal/platform/tenancy"
)

// Repository persists patients in their at-rest form. Every method that
// reads or writes existing rows takes a tenancy scope and applies it to the
// query; rows outside the scope are reported as not found.
type Repository interface {
	Create(ctx context.Context, r *Record) error
	Get(ctx context.Context, scope tenancy.Scope, id uuid.UUID) (*Record, error)
	List(ctx context.Context, scope tenancy.Scope, f ListFilter) ([]*Record, int, error)
	Update(ctx context.Context, scope tenancy.Scope, r *Record) error
	SoftDelete(ctx context.Context, scope tenancy.Scope, id uuid.UUID, at time.Time) error
	// FiscalCodeTaken reports whether a live patient in scope other than
	// exclude carries index.
	FiscalCodeTaken(ctx context.Context, scope tenancy.Scope, index string, exclude uuid.UUID) (bool, error)
	Count(ctx context.Context, scope tenancy.Scope) (int, error)
}
