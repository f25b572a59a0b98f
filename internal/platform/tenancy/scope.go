// Package tenancy restricts clinical record queries to the owning doctor.
package tenancy

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/medicosmart/medicosmart/internal/platform/apperr"
	"github.com/medicosmart/medicosmart/internal/platform/auth"
)

// Scope is the set of rows a caller may see. The zero value sees nothing.
type Scope struct {
	doctorID       uuid.UUID
	elevated       bool
	includeDeleted bool
	valid          bool
}

// ForActor builds the scope of the doctor named by decision. The decision
// must grant clinical record access.
func ForActor(d auth.Decision) (Scope, error) {
	if d.Capability() != auth.CapClinicalRecords {
		return Scope{}, apperr.Forbidden("clinical record access not requested")
	}
	if err := d.Err(); err != nil {
		return Scope{}, err
	}
	return Scope{doctorID: d.Actor().ID, valid: true}, nil
}

// Elevate builds a scope spanning every doctor. It is meant for aggregate
// queries only.
func Elevate(d auth.Decision) (Scope, error) {
	if d.Capability() != auth.CapTenancyBypass {
		return Scope{}, apperr.Forbidden("tenancy bypass not requested")
	}
	if err := d.Err(); err != nil {
		return Scope{}, err
	}
	return Scope{elevated: true, valid: true}, nil
}

// IncludeDeleted returns a copy of s that also sees soft-deleted rows.
func (s Scope) IncludeDeleted() Scope {
	s.includeDeleted = true
	return s
}

func (s Scope) DoctorID() uuid.UUID { return s.doctorID }
func (s Scope) Elevated() bool      { return s.elevated }

// Where returns the SQL predicate for table alias, numbering its placeholder
// from firstArg, and the arguments to bind.
func (s Scope) Where(alias string, firstArg int) (string, []any) {
	col := func(name string) string {
		if alias == "" {
			return name
		}
		return alias + "." + name
	}
	if !s.valid {
		return "FALSE", nil
	}

	var pred string
	var args []any
	if !s.elevated {
		pred = fmt.Sprintf("%s = $%d", col("doctor_id"), firstArg)
		args = append(args, s.doctorID)
	}
	if !s.includeDeleted {
		if pred != "" {
			pred += " AND "
		}
		pred += col("deleted_at") + " IS NULL"
	}
	if pred == "" {
		pred = "TRUE"
	}
	return pred, args
}

// Permits reports whether a fetched row belongs to the scope. Callers report
// a false result as not found.
func (s Scope) Permits(doctorID uuid.UUID, deletedAt *time.Time) bool {
	if !s.valid {
		return false
	}
	if !s.elevated && doctorID != s.doctorID {
		return false
	}
	if deletedAt != nil && !s.includeDeleted {
		return false
	}
	return true
}

// Check returns a not found error for entity when the row is outside s.
func (s Scope) Check(entity string, doctorID uuid.UUID, deletedAt *time.Time) error {
	if !s.Permits(doctorID, deletedAt) {
		return apperr.NotFound(entity)
	}
	return nil
}
