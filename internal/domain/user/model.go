package user

import (
	"time"

	"github.com/google/uuid"

	"github.com/medicosmart/medicosmart/internal/platform/auth"
)

// User maps to the users table joined with doctor_profiles.
type User struct {
	ID           uuid.UUID     `json:"id"`
	Username     string        `json:"username"`
	Email        string        `json:"email"`
	PasswordHash string        `json:"-"`
	Role         auth.Role     `json:"role"`
	IsActive     bool          `json:"is_active"`
	LastLoginAt  *time.Time    `json:"last_login_at,omitempty"`
	CreatedAt    time.Time     `json:"created_at"`
	UpdatedAt    time.Time     `json:"updated_at"`
	Profile      DoctorProfile `json:"profile"`
}

// DoctorProfile holds the details printed on prescriptions.
type DoctorProfile struct {
	Title          string `json:"title"`
	FullName       string `json:"full_name"`
	Specialization string `json:"specialization,omitempty"`
	LicenseNumber  string `json:"license_number,omitempty"`
	Address        string `json:"address,omitempty"`
	Phone          string `json:"phone,omitempty"`
	Email          string `json:"email,omitempty"`
}

const defaultTitle = "Dott."

// Actor returns the authenticated-caller view of u.
func (u *User) Actor() auth.Actor {
	return auth.Actor{ID: u.ID, Username: u.Username, Role: u.Role, Active: u.IsActive}
}

// Filter narrows a user listing.
type Filter struct {
	Role   auth.Role
	Search string
}

// Counts aggregates accounts by role and state.
type Counts struct {
	Total   int `json:"total_users"`
	Doctors int `json:"total_doctors"`
	Admins  int `json:"total_admins"`
	Active  int `json:"active_users"`
}

// Stats is the admin dashboard payload. Clinical figures are counts only.
type Stats struct {
	Counts
	Inactive              int            `json:"inactive_users"`
	TotalPatients         int            `json:"total_patients"`
	PrescriptionsByStatus map[string]int `json:"prescriptions_by_status"`
	RecentUsers           []*User        `json:"recent_users"`
}

// Session is returned by register and login.
type Session struct {
	User      *User     `json:"user"`
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

// RegisterInput is the self-service doctor registration request.
type RegisterInput struct {
	Username       string `json:"username"`
	Email          string `json:"email"`
	Password       string `json:"password"`
	Title          string `json:"title"`
	FullName       string `json:"full_name"`
	Specialization string `json:"specialization"`
	LicenseNumber  string `json:"license_number"`
	Phone          string `json:"phone"`
	Address        string `json:"address"`
}

// CreateInput is an administrator-provisioned account.
type CreateInput struct {
	RegisterInput
	Role auth.Role `json:"role"`
}

// UpdateInput changes an account. Nil fields are left untouched.
type UpdateInput struct {
	Username       *string    `json:"username"`
	Email          *string    `json:"email"`
	Role           *auth.Role `json:"role"`
	IsActive       *bool      `json:"is_active"`
	Title          *string    `json:"title"`
	FullName       *string    `json:"full_name"`
	Specialization *string    `json:"specialization"`
	LicenseNumber  *string    `json:"license_number"`
	Phone          *string    `json:"phone"`
	Address        *string    `json:"address"`
}

// PasswordChange is the body of PUT /auth/password.
type PasswordChange struct {
	CurrentPassword string `json:"current_password"`
	NewPassword     string `json:"new_password"`
}
