package user

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/hengadev/errsx"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/medicosmart/medicosmart/internal/platform/apperr"
	"github.com/medicosmart/medicosmart/internal/platform/auth"
	"github.com/medicosmart/medicosmart/internal/platform/hipaa"
	"github.com/medicosmart/medicosmart/internal/platform/tenancy"
)

type directTx struct{}

func (directTx) InTx(ctx context.Context, fn func(ctx context.Context) error) error { return fn(ctx) }

type stubCounters struct {
	scopes []tenancy.Scope
}

func (s *stubCounters) Count(_ context.Context, scope tenancy.Scope) (int, error) {
	s.scopes = append(s.scopes, scope)
	return 7, nil
}

func (s *stubCounters) CountByStatus(_ context.Context, scope tenancy.Scope) (map[string]int, error) {
	s.scopes = append(s.scopes, scope)
	return map[string]int{"DRAFT": 2, "SIGNED": 1}, nil
}

// -- Fixture --

type fixture struct {
	svc    *Service
	repo   *MemoryRepo
	audit  *hipaa.MemoryAuditStore
	tokens *auth.TokenIssuer
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	repo := NewMemoryRepo()
	store := hipaa.NewMemoryAuditStore()
	tokens := auth.NewTokenIssuer([]byte(strings.Repeat("k", 32)), time.Hour)
	trail := hipaa.NewAuditTrail(store, zerolog.Nop(), nil)
	return &fixture{
		svc:    NewService(repo, directTx{}, tokens, trail, zerolog.Nop()),
		repo:   repo,
		audit:  store,
		tokens: tokens,
	}
}

func (f *fixture) admin(t *testing.T) auth.Actor {
	t.Helper()
	created, err := f.svc.Bootstrap(context.Background(), RegisterInput{
		Username: "admin", Email: "admin@clinic.test", Password: "admin-pass",
	})
	require.NoError(t, err)
	require.True(t, created)
	u, err := f.repo.GetByUsername(context.Background(), "admin")
	require.NoError(t, err)
	return u.Actor()
}

func validRegistration() RegisterInput {
	return RegisterInput{
		Username: "mrossi",
		Email:    "Mario.Rossi@Clinic.test",
		Password: "secret1",
		FullName: "Mario Rossi",
	}
}

// -- Tests --

func TestRegister_CreatesDoctorWithSession(t *testing.T) {
	f := newFixture(t)

	sess, err := f.svc.Register(context.Background(), validRegistration())
	require.NoError(t, err)

	assert.Equal(t, auth.RoleDoctor, sess.User.Role)
	assert.True(t, sess.User.IsActive)
	assert.Equal(t, "mario.rossi@clinic.test", sess.User.Email)
	assert.Equal(t, "Dott.", sess.User.Profile.Title)
	assert.NotEqual(t, "secret1", sess.User.PasswordHash)

	claims, err := f.tokens.Parse(sess.Token)
	require.NoError(t, err)
	assert.Equal(t, sess.User.ID.String(), claims.Subject)

	entries := f.audit.Entries()
	require.Len(t, entries, 1)
	assert.Equal(t, hipaa.ActionCreate, entries[0].Action)
	assert.NotContains(t, string(entries[0].After), sess.User.PasswordHash)
}

func TestRegister_Validation(t *testing.T) {
	f := newFixture(t)

	_, err := f.svc.Register(context.Background(), RegisterInput{Username: "a!", Email: "nope", Password: "123"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, apperr.ErrValidation))
	var fields errsx.Map
	require.True(t, errors.As(err, &fields))
	assert.Contains(t, fields, "username")
	assert.Contains(t, fields, "email")
	assert.Contains(t, fields, "password")
	assert.Empty(t, f.repo.users)
}

func TestRegister_DuplicateUsername(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.Register(context.Background(), validRegistration())
	require.NoError(t, err)

	in := validRegistration()
	in.Email = "other@clinic.test"
	_, err = f.svc.Register(context.Background(), in)
	assert.True(t, errors.Is(err, apperr.ErrConflict))
}

func TestLogin(t *testing.T) {
	f := newFixture(t)
	sess, err := f.svc.Register(context.Background(), validRegistration())
	require.NoError(t, err)

	t.Run("valid credentials", func(t *testing.T) {
		got, err := f.svc.Login(context.Background(), "mrossi", "secret1")
		require.NoError(t, err)
		assert.NotEmpty(t, got.Token)
		assert.NotNil(t, got.User.LastLoginAt)
	})

	t.Run("wrong password", func(t *testing.T) {
		_, err := f.svc.Login(context.Background(), "mrossi", "wrong-password")
		assert.True(t, errors.Is(err, apperr.ErrUnauthenticated))
	})

	t.Run("unknown user", func(t *testing.T) {
		_, err := f.svc.Login(context.Background(), "ghost", "secret1")
		assert.True(t, errors.Is(err, apperr.ErrUnauthenticated))
	})

	t.Run("inactive user", func(t *testing.T) {
		require.NoError(t, f.repo.SetActive(context.Background(), sess.User.ID, false))
		_, err := f.svc.Login(context.Background(), "mrossi", "secret1")
		assert.True(t, errors.Is(err, apperr.ErrForbidden))
	})
}

func TestChangePassword(t *testing.T) {
	f := newFixture(t)
	sess, err := f.svc.Register(context.Background(), validRegistration())
	require.NoError(t, err)
	actor := sess.User.Actor()

	err = f.svc.ChangePassword(context.Background(), actor, PasswordChange{CurrentPassword: "secret1", NewPassword: "123"})
	assert.True(t, errors.Is(err, apperr.ErrValidation))

	err = f.svc.ChangePassword(context.Background(), actor, PasswordChange{CurrentPassword: "bad", NewPassword: "newsecret"})
	assert.True(t, errors.Is(err, apperr.ErrUnauthenticated))

	require.NoError(t, f.svc.ChangePassword(context.Background(), actor, PasswordChange{CurrentPassword: "secret1", NewPassword: "newsecret"}))
	_, err = f.svc.Login(context.Background(), "mrossi", "newsecret")
	assert.NoError(t, err)
}

func TestLookupActor(t *testing.T) {
	f := newFixture(t)
	sess, err := f.svc.Register(context.Background(), validRegistration())
	require.NoError(t, err)

	actor, err := f.svc.LookupActor(context.Background(), sess.User.ID)
	require.NoError(t, err)
	assert.Equal(t, auth.RoleDoctor, actor.Role)
	assert.True(t, actor.Active)

	_, err = f.svc.LookupActor(context.Background(), uuid.New())
	assert.True(t, errors.Is(err, apperr.ErrNotFound))
}

func TestAdmin_DoctorIsForbidden(t *testing.T) {
	f := newFixture(t)
	sess, err := f.svc.Register(context.Background(), validRegistration())
	require.NoError(t, err)
	doctor := sess.User.Actor()

	_, _, err = f.svc.ListUsers(context.Background(), doctor, Filter{}, 20, 0)
	assert.True(t, errors.Is(err, apperr.ErrForbidden))
	_, err = f.svc.Stats(context.Background(), doctor)
	assert.True(t, errors.Is(err, apperr.ErrForbidden))
	_, _, err = f.svc.ListAudit(context.Background(), doctor, hipaa.AuditFilter{})
	assert.True(t, errors.Is(err, apperr.ErrForbidden))
}

func TestListAudit_OmitsClinicalSnapshots(t *testing.T) {
	f := newFixture(t)
	admin := f.admin(t)
	doctorID := uuid.New()
	patientID := uuid.New()
	f.svc.audit.Record(context.Background(), doctorID, hipaa.ActionCreate, hipaa.EntityPatient, patientID, nil,
		map[string]string{"first_name": "Giulia", "last_name": "Bianchi", "phone": "+393331234567"})

	entries, total, err := f.svc.ListAudit(context.Background(), admin, hipaa.AuditFilter{EntityType: hipaa.EntityPatient})
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	require.Len(t, entries, 1)
	assert.Equal(t, doctorID, entries[0].ActorID)
	assert.Equal(t, patientID, entries[0].EntityID)
	assert.Equal(t, hipaa.ActionCreate, entries[0].Action)
	assert.Nil(t, entries[0].Before)
	assert.Nil(t, entries[0].After)

	// The stored entry keeps its snapshot.
	for _, e := range f.audit.Entries() {
		if e.EntityID == patientID {
			assert.Contains(t, string(e.After), "Bianchi")
		}
	}

	users, _, err := f.svc.ListAudit(context.Background(), admin, hipaa.AuditFilter{EntityType: hipaa.EntityUser})
	require.NoError(t, err)
	require.NotEmpty(t, users)
	assert.Contains(t, string(users[0].After), `"username":"admin"`)
}

func TestAdmin_CreateAndUpdateUser(t *testing.T) {
	f := newFixture(t)
	admin := f.admin(t)

	u, err := f.svc.CreateUser(context.Background(), admin, CreateInput{
		RegisterInput: RegisterInput{Username: "lbianchi", Email: "l@clinic.test", Password: "secret1"},
	})
	require.NoError(t, err)
	assert.Equal(t, auth.RoleDoctor, u.Role)

	_, err = f.svc.CreateUser(context.Background(), admin, CreateInput{
		RegisterInput: RegisterInput{Username: "other", Email: "o@clinic.test", Password: "secret1"},
		Role:          "NURSE",
	})
	assert.True(t, errors.Is(err, apperr.ErrValidation))

	title := "Prof."
	spec := "Cardiologia"
	updated, err := f.svc.UpdateUser(context.Background(), admin, u.ID, UpdateInput{Title: &title, Specialization: &spec})
	require.NoError(t, err)
	assert.Equal(t, "Prof.", updated.Profile.Title)
	assert.Equal(t, "Cardiologia", updated.Profile.Specialization)

	var actions []hipaa.Action
	for _, e := range f.audit.Entries() {
		if e.EntityID == u.ID {
			actions = append(actions, e.Action)
		}
	}
	assert.Equal(t, []hipaa.Action{hipaa.ActionCreate, hipaa.ActionUpdate}, actions)
}

func TestAdmin_CannotDeactivateSelf(t *testing.T) {
	f := newFixture(t)
	admin := f.admin(t)

	err := f.svc.DeactivateUser(context.Background(), admin, admin.ID)
	assert.True(t, errors.Is(err, apperr.ErrValidation))

	inactive := false
	_, err = f.svc.UpdateUser(context.Background(), admin, admin.ID, UpdateInput{IsActive: &inactive})
	assert.True(t, errors.Is(err, apperr.ErrValidation))
}

func TestAdmin_DeactivateUser(t *testing.T) {
	f := newFixture(t)
	admin := f.admin(t)
	sess, err := f.svc.Register(context.Background(), validRegistration())
	require.NoError(t, err)

	require.NoError(t, f.svc.DeactivateUser(context.Background(), admin, sess.User.ID))

	actor, err := f.svc.LookupActor(context.Background(), sess.User.ID)
	require.NoError(t, err)
	assert.False(t, actor.Active)
	assert.False(t, auth.Authorize(actor, auth.CapClinicalRecords).Granted())

	err = f.svc.DeactivateUser(context.Background(), admin, uuid.New())
	assert.True(t, errors.Is(err, apperr.ErrNotFound))
}

func TestAdmin_StatsUsesElevatedScope(t *testing.T) {
	f := newFixture(t)
	admin := f.admin(t)
	_, err := f.svc.Register(context.Background(), validRegistration())
	require.NoError(t, err)

	counters := &stubCounters{}
	f.svc.SetClinicalCounters(counters, counters)

	stats, err := f.svc.Stats(context.Background(), admin)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Total)
	assert.Equal(t, 1, stats.Doctors)
	assert.Equal(t, 1, stats.Admins)
	assert.Equal(t, 7, stats.TotalPatients)
	assert.Equal(t, 2, stats.PrescriptionsByStatus["DRAFT"])

	require.Len(t, counters.scopes, 2)
	for _, s := range counters.scopes {
		assert.True(t, s.Elevated())
	}
}

func TestBootstrap_Idempotent(t *testing.T) {
	f := newFixture(t)
	in := RegisterInput{Username: "root", Email: "root@clinic.test", Password: "rootpass"}

	created, err := f.svc.Bootstrap(context.Background(), in)
	require.NoError(t, err)
	assert.True(t, created)

	created, err = f.svc.Bootstrap(context.Background(), in)
	require.NoError(t, err)
	assert.False(t, created)

	u, err := f.repo.GetByUsername(context.Background(), "root")
	require.NoError(t, err)
	assert.Equal(t, auth.RoleAdmin, u.Role)
}
