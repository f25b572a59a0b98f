package user

import (
	"context"
	"errors"
	"net/mail"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/hengadev/errsx"
	"github.com/rs/zerolog"

	"github.com/medicosmart/medicosmart/internal/platform/apperr"
	"github.com/medicosmart/medicosmart/internal/platform/auth"
	"github.com/medicosmart/medicosmart/internal/platform/db"
	"github.com/medicosmart/medicosmart/internal/platform/hipaa"
	"github.com/medicosmart/medicosmart/internal/platform/tenancy"
)

// PatientCounter counts live patients inside a scope.
type PatientCounter interface {
	Count(ctx context.Context, scope tenancy.Scope) (int, error)
}

// PrescriptionCounter counts live prescriptions inside a scope by status.
type PrescriptionCounter interface {
	CountByStatus(ctx context.Context, scope tenancy.Scope) (map[string]int, error)
}

var usernamePattern = regexp.MustCompile(`^[a-zA-Z0-9_]{3,50}$`)

type Service struct {
	repo          Repository
	tx            db.TxRunner
	tokens        *auth.TokenIssuer
	audit         *hipaa.AuditTrail
	logger        zerolog.Logger
	patients      PatientCounter
	prescriptions PrescriptionCounter
	now           func() time.Time
}

func NewService(repo Repository, tx db.TxRunner, tokens *auth.TokenIssuer, audit *hipaa.AuditTrail, logger zerolog.Logger) *Service {
	return &Service{
		repo:   repo,
		tx:     tx,
		tokens: tokens,
		audit:  audit,
		logger: logger.With().Str("component", "users").Logger(),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// SetClinicalCounters attaches the sources of the admin statistics. Without
// them Stats reports user counts only.
func (s *Service) SetClinicalCounters(patients PatientCounter, prescriptions PrescriptionCounter) {
	s.patients = patients
	s.prescriptions = prescriptions
}

// LookupActor implements auth.UserLookup.
func (s *Service) LookupActor(ctx context.Context, id uuid.UUID) (auth.Actor, error) {
	u, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return auth.Actor{}, err
	}
	return u.Actor(), nil
}

// DoctorProfile returns the letterhead details of a doctor. The profile's
// full name falls back to the username.
func (s *Service) DoctorProfile(ctx context.Context, id uuid.UUID) (DoctorProfile, error) {
	u, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return DoctorProfile{}, err
	}
	p := u.Profile
	if p.FullName == "" {
		p.FullName = u.Username
	}
	if p.Title == "" {
		p.Title = defaultTitle
	}
	if p.Email == "" {
		p.Email = u.Email
	}
	return p, nil
}

// -- Authentication --

// Register creates a doctor account and opens a session for it.
func (s *Service) Register(ctx context.Context, in RegisterInput) (*Session, error) {
	u, err := s.create(ctx, in, auth.RoleDoctor)
	if err != nil {
		return nil, err
	}
	s.audit.Record(ctx, u.ID, hipaa.ActionCreate, hipaa.EntityUser, u.ID, nil, u)
	s.logger.Info().Str("user_id", u.ID.String()).Msg("doctor registered")
	return s.session(u)
}

// Login verifies credentials. Unknown usernames and wrong passwords produce
// the same error.
func (s *Service) Login(ctx context.Context, username, password string) (*Session, error) {
	if strings.TrimSpace(username) == "" || password == "" {
		return nil, apperr.Validation("username and password are required")
	}

	u, err := s.repo.GetByUsername(ctx, username)
	if err != nil {
		if errors.Is(err, apperr.ErrNotFound) {
			return nil, apperr.Unauthenticated("invalid credentials")
		}
		return nil, err
	}
	if !u.IsActive {
		return nil, apperr.Forbidden("account is disabled")
	}

	ok, err := auth.CheckPassword(u.PasswordHash, password)
	if err != nil {
		return nil, apperr.Internal("verify credentials", err)
	}
	if !ok {
		s.logger.Warn().Str("user_id", u.ID.String()).Msg("failed login attempt")
		return nil, apperr.Unauthenticated("invalid credentials")
	}

	now := s.now()
	if err := s.repo.TouchLastLogin(ctx, u.ID, now); err != nil {
		return nil, err
	}
	u.LastLoginAt = &now
	return s.session(u)
}

func (s *Service) session(u *User) (*Session, error) {
	token, exp, err := s.tokens.Issue(u.ID, u.Username, u.Role)
	if err != nil {
		return nil, apperr.Internal("issue session token", err)
	}
	return &Session{User: u, Token: token, ExpiresAt: exp}, nil
}

// Me returns the account of the caller.
func (s *Service) Me(ctx context.Context, actor auth.Actor) (*User, error) {
	return s.repo.GetByID(ctx, actor.ID)
}

// ChangePassword replaces the caller's password after checking the current one.
func (s *Service) ChangePassword(ctx context.Context, actor auth.Actor, in PasswordChange) error {
	if in.CurrentPassword == "" || in.NewPassword == "" {
		return apperr.Validation("current and new password are required")
	}
	if len(in.NewPassword) < auth.MinPasswordLength {
		return apperr.Validation("new password must be at least 6 characters")
	}

	u, err := s.repo.GetByID(ctx, actor.ID)
	if err != nil {
		return err
	}
	ok, err := auth.CheckPassword(u.PasswordHash, in.CurrentPassword)
	if err != nil {
		return apperr.Internal("verify credentials", err)
	}
	if !ok {
		return apperr.Unauthenticated("current password is incorrect")
	}

	hash, err := auth.HashPassword(in.NewPassword)
	if err != nil {
		return apperr.Internal("hash password", err)
	}
	if err := s.repo.UpdatePassword(ctx, u.ID, hash); err != nil {
		return err
	}
	s.logger.Info().Str("user_id", u.ID.String()).Msg("password changed")
	return nil
}

// -- Administration --

func (s *Service) ListUsers(ctx context.Context, actor auth.Actor, f Filter, limit, offset int) ([]*User, int, error) {
	if err := auth.Authorize(actor, auth.CapManageUsers).Err(); err != nil {
		return nil, 0, err
	}
	if f.Role != "" && !f.Role.Valid() {
		return nil, 0, apperr.Validation("role must be ADMIN or DOCTOR")
	}
	return s.repo.List(ctx, f, limit, offset)
}

func (s *Service) GetUser(ctx context.Context, actor auth.Actor, id uuid.UUID) (*User, error) {
	if err := auth.Authorize(actor, auth.CapManageUsers).Err(); err != nil {
		return nil, err
	}
	return s.repo.GetByID(ctx, id)
}

// CreateUser provisions an account of any role. Role defaults to DOCTOR.
func (s *Service) CreateUser(ctx context.Context, actor auth.Actor, in CreateInput) (*User, error) {
	if err := auth.Authorize(actor, auth.CapManageUsers).Err(); err != nil {
		return nil, err
	}
	role := in.Role
	if role == "" {
		role = auth.RoleDoctor
	}
	if !role.Valid() {
		return nil, apperr.Validation("role must be ADMIN or DOCTOR")
	}
	u, err := s.create(ctx, in.RegisterInput, role)
	if err != nil {
		return nil, err
	}
	s.audit.Record(ctx, actor.ID, hipaa.ActionCreate, hipaa.EntityUser, u.ID, nil, u)
	s.logger.Info().Str("user_id", u.ID.String()).Str("admin_id", actor.ID.String()).Msg("user created")
	return u, nil
}

// UpdateUser applies in to the account. An administrator cannot deactivate
// or demote their own account.
func (s *Service) UpdateUser(ctx context.Context, actor auth.Actor, id uuid.UUID, in UpdateInput) (*User, error) {
	if err := auth.Authorize(actor, auth.CapManageUsers).Err(); err != nil {
		return nil, err
	}
	if id == actor.ID {
		if in.IsActive != nil && !*in.IsActive {
			return nil, apperr.Validation("you cannot deactivate your own account")
		}
		if in.Role != nil && *in.Role != actor.Role {
			return nil, apperr.Validation("you cannot change your own role")
		}
	}

	var before, after User
	err := s.tx.InTx(ctx, func(ctx context.Context) error {
		u, err := s.repo.GetByID(ctx, id)
		if err != nil {
			return err
		}
		before = *u
		if err := applyUpdate(u, in); err != nil {
			return err
		}
		if err := s.repo.Update(ctx, u); err != nil {
			return err
		}
		after = *u
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.audit.Record(ctx, actor.ID, hipaa.ActionUpdate, hipaa.EntityUser, id, &before, &after)
	return &after, nil
}

func applyUpdate(u *User, in UpdateInput) error {
	var errs errsx.Map
	if in.Username != nil {
		if !usernamePattern.MatchString(*in.Username) {
			errs.Set("username", "must be 3-50 letters, digits or underscores")
		}
		u.Username = *in.Username
	}
	if in.Email != nil {
		if _, err := mail.ParseAddress(*in.Email); err != nil {
			errs.Set("email", "is not a valid address")
		}
		u.Email = strings.ToLower(strings.TrimSpace(*in.Email))
	}
	if in.Role != nil {
		if !in.Role.Valid() {
			errs.Set("role", "must be ADMIN or DOCTOR")
		}
		u.Role = *in.Role
	}
	if !errs.IsEmpty() {
		return apperr.ValidationFields(errs.AsError())
	}
	if in.IsActive != nil {
		u.IsActive = *in.IsActive
	}
	setIf(&u.Profile.Title, in.Title)
	setIf(&u.Profile.FullName, in.FullName)
	setIf(&u.Profile.Specialization, in.Specialization)
	setIf(&u.Profile.LicenseNumber, in.LicenseNumber)
	setIf(&u.Profile.Phone, in.Phone)
	setIf(&u.Profile.Address, in.Address)
	return nil
}

func setIf(dst *string, v *string) {
	if v != nil {
		*dst = strings.TrimSpace(*v)
	}
}

// DeactivateUser is the delete operation for accounts.
func (s *Service) DeactivateUser(ctx context.Context, actor auth.Actor, id uuid.UUID) error {
	if err := auth.Authorize(actor, auth.CapManageUsers).Err(); err != nil {
		return err
	}
	if id == actor.ID {
		return apperr.Validation("you cannot deactivate your own account")
	}

	u, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return err
	}
	if err := s.repo.SetActive(ctx, id, false); err != nil {
		return err
	}
	after := *u
	after.IsActive = false
	s.audit.Record(ctx, actor.ID, hipaa.ActionDelete, hipaa.EntityUser, id, u, &after)
	s.logger.Info().Str("user_id", id.String()).Str("admin_id", actor.ID.String()).Msg("user deactivated")
	return nil
}

// Stats returns account figures and, through an elevated tenancy scope,
// clinical record counts across all doctors.
func (s *Service) Stats(ctx context.Context, actor auth.Actor) (*Stats, error) {
	if err := auth.Authorize(actor, auth.CapManageUsers).Err(); err != nil {
		return nil, err
	}
	counts, err := s.repo.Counts(ctx)
	if err != nil {
		return nil, err
	}
	recent, _, err := s.repo.List(ctx, Filter{}, 5, 0)
	if err != nil {
		return nil, err
	}
	stats := &Stats{
		Counts:                *counts,
		Inactive:              counts.Total - counts.Active,
		PrescriptionsByStatus: map[string]int{},
		RecentUsers:           recent,
	}

	if s.patients == nil || s.prescriptions == nil {
		return stats, nil
	}
	scope, err := tenancy.Elevate(auth.Authorize(actor, auth.CapTenancyBypass))
	if err != nil {
		return nil, err
	}
	if stats.TotalPatients, err = s.patients.Count(ctx, scope); err != nil {
		return nil, err
	}
	if stats.PrescriptionsByStatus, err = s.prescriptions.CountByStatus(ctx, scope); err != nil {
		return nil, err
	}
	return stats, nil
}

// ListAudit browses the audit log. Snapshots are returned only for user
// accounts; clinical entries keep who, what and when but no content.
func (s *Service) ListAudit(ctx context.Context, actor auth.Actor, f hipaa.AuditFilter) ([]*hipaa.AuditEntry, int, error) {
	if err := auth.Authorize(actor, auth.CapViewAudit).Err(); err != nil {
		return nil, 0, err
	}
	entries, total, err := s.audit.List(ctx, f)
	if err != nil {
		return nil, 0, err
	}
	out := make([]*hipaa.AuditEntry, len(entries))
	for i, e := range entries {
		cp := *e
		if cp.EntityType != hipaa.EntityUser {
			cp.Before, cp.After = nil, nil
		}
		out[i] = &cp
	}
	return out, total, nil
}

func (s *Service) create(ctx context.Context, in RegisterInput, role auth.Role) (*User, error) {
	in.Username = strings.TrimSpace(in.Username)
	in.Email = strings.ToLower(strings.TrimSpace(in.Email))

	var errs errsx.Map
	if !usernamePattern.MatchString(in.Username) {
		errs.Set("username", "must be 3-50 letters, digits or underscores")
	}
	if _, err := mail.ParseAddress(in.Email); err != nil || in.Email == "" {
		errs.Set("email", "is not a valid address")
	}
	if len(in.Password) < auth.MinPasswordLength {
		errs.Set("password", "must be at least 6 characters")
	}
	if !errs.IsEmpty() {
		return nil, apperr.ValidationFields(errs.AsError())
	}

	hash, err := auth.HashPassword(in.Password)
	if err != nil {
		return nil, apperr.Internal("hash password", err)
	}

	u := &User{
		ID:           uuid.New(),
		Username:     in.Username,
		Email:        in.Email,
		PasswordHash: hash,
		Role:         role,
		IsActive:     true,
		Profile: DoctorProfile{
			Title:          strings.TrimSpace(in.Title),
			FullName:       strings.TrimSpace(in.FullName),
			Specialization: strings.TrimSpace(in.Specialization),
			LicenseNumber:  strings.TrimSpace(in.LicenseNumber),
			Address:        strings.TrimSpace(in.Address),
			Phone:          strings.TrimSpace(in.Phone),
			Email:          in.Email,
		},
	}
	if u.Profile.Title == "" {
		u.Profile.Title = defaultTitle
	}
	if u.Profile.FullName == "" {
		u.Profile.FullName = u.Username
	}

	if err := s.tx.InTx(ctx, func(ctx context.Context) error {
		return s.repo.Create(ctx, u)
	}); err != nil {
		return nil, err
	}
	return u, nil
}

// Bootstrap creates the first administrator when username is unused. It
// reports whether an account was created.
func (s *Service) Bootstrap(ctx context.Context, in RegisterInput) (bool, error) {
	if _, err := s.repo.GetByUsername(ctx, strings.TrimSpace(in.Username)); err == nil {
		return false, nil
	} else if !errors.Is(err, apperr.ErrNotFound) {
		return false, err
	}
	u, err := s.create(ctx, in, auth.RoleAdmin)
	if err != nil {
		return false, err
	}
	s.audit.Record(ctx, u.ID, hipaa.ActionCreate, hipaa.EntityUser, u.ID, nil, u)
	return true, nil
}
