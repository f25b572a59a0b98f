package auth

import (
	"fmt"

	"github.com/labstack/echo/v4"

	"github.com/medicosmart/medicosmart/internal/platform/apperr"
)

// Role is the single role held by a user account.
type Role string

const (
	RoleAdmin  Role = "ADMIN"
	RoleDoctor Role = "DOCTOR"
)

func (r Role) Valid() bool {
	return r == RoleAdmin || r == RoleDoctor
}

// Capability is a permission granted to a role.
type Capability string

const (
	// CapClinicalRecords covers the caller's own patients and prescriptions.
	CapClinicalRecords Capability = "clinical_records"
	// CapManageUsers covers user administration.
	CapManageUsers Capability = "manage_users"
	// CapViewAudit allows browsing the audit log.
	CapViewAudit Capability = "view_audit"
	// CapTenancyBypass allows aggregate queries across every doctor. It never
	// grants access to record content.
	CapTenancyBypass Capability = "tenancy_bypass"
)

var roleCapabilities = map[Role]map[Capability]bool{
	RoleAdmin: {
		CapManageUsers:   true,
		CapViewAudit:     true,
		CapTenancyBypass: true,
	},
	RoleDoctor: {
		CapClinicalRecords: true,
	},
}

// Capabilities returns the capability set of r.
func (r Role) Capabilities() []Capability {
	caps := make([]Capability, 0, len(roleCapabilities[r]))
	for c := range roleCapabilities[r] {
		caps = append(caps, c)
	}
	return caps
}

// Decision is the outcome of one authorization check. Only Authorize can
// produce a granted Decision.
type Decision struct {
	actor      Actor
	capability Capability
	granted    bool
}

// Authorize checks whether actor holds capability. Inactive actors hold
// nothing.
func Authorize(actor Actor, capability Capability) Decision {
	granted := actor.Active && roleCapabilities[actor.Role][capability]
	return Decision{actor: actor, capability: capability, granted: granted}
}

func (d Decision) Granted() bool          { return d.granted }
func (d Decision) Actor() Actor           { return d.actor }
func (d Decision) Capability() Capability { return d.capability }

// Err returns nil for a granted decision and an authorization error otherwise.
func (d Decision) Err() error {
	if d.granted {
		return nil
	}
	return apperr.Forbidden(fmt.Sprintf("role %s lacks %s", d.actor.Role, d.capability))
}

// Require returns middleware rejecting actors without capability.
func Require(capability Capability) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			actor, err := ActorFrom(c)
			if err != nil {
				return err
			}
			if err := Authorize(actor, capability).Err(); err != nil {
				return err
			}
			return next(c)
		}
	}
}
