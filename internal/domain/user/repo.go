package user

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Repository defines the persistence interface for user accounts. Accounts
// are never deleted; SetActive(false) is the delete operation.
type Repository interface {
	Create(ctx context.Context, u *User) error
	GetByID(ctx context.Context, id uuid.UUID) (*User, error)
	GetByUsername(ctx context.Context, username string) (*User, error)
	Update(ctx context.Context, u *User) error
	UpdatePassword(ctx context.Context, id uuid.UUID, hash string) error
	SetActive(ctx context.Context, id uuid.UUID, active bool) error
	TouchLastLogin(ctx context.Context, id uuid.UUID, at time.Time) error
	List(ctx context.Context, f Filter, limit, offset int) ([]*User, int, error)
	Counts(ctx context.Context) (*Counts, error)
}
