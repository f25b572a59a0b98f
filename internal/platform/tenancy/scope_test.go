package tenancy

import (
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/medicosmart/medicosmart/internal/platform/apperr"
	"github.com/medicosmart/medicosmart/internal/platform/auth"
)

func doctor() auth.Actor {
	return auth.Actor{ID: uuid.New(), Username: "medico", Role: auth.RoleDoctor, Active: true}
}

func admin() auth.Actor {
	return auth.Actor{ID: uuid.New(), Username: "admin", Role: auth.RoleAdmin, Active: true}
}

func TestForActor(t *testing.T) {
	d := doctor()
	s, err := ForActor(auth.Authorize(d, auth.CapClinicalRecords))
	require.NoError(t, err)
	assert.Equal(t, d.ID, s.DoctorID())
	assert.False(t, s.Elevated())

	pred, args := s.Where("p", 3)
	assert.Equal(t, "p.doctor_id = $3 AND p.deleted_at IS NULL", pred)
	assert.Equal(t, []any{d.ID}, args)
}

func TestForActor_AdminHasNoClinicalAccess(t *testing.T) {
	_, err := ForActor(auth.Authorize(admin(), auth.CapClinicalRecords))
	assert.True(t, errors.Is(err, apperr.ErrForbidden))
}

func TestForActor_RejectsOtherCapability(t *testing.T) {
	_, err := ForActor(auth.Authorize(admin(), auth.CapTenancyBypass))
	assert.True(t, errors.Is(err, apperr.ErrForbidden))
}

func TestElevate(t *testing.T) {
	s, err := Elevate(auth.Authorize(admin(), auth.CapTenancyBypass))
	require.NoError(t, err)
	assert.True(t, s.Elevated())

	pred, args := s.Where("", 1)
	assert.Equal(t, "deleted_at IS NULL", pred)
	assert.Empty(t, args)

	pred, _ = s.IncludeDeleted().Where("", 1)
	assert.Equal(t, "TRUE", pred)

	_, err = Elevate(auth.Authorize(doctor(), auth.CapTenancyBypass))
	assert.True(t, errors.Is(err, apperr.ErrForbidden))
}

func TestScope_IncludeDeleted(t *testing.T) {
	d := doctor()
	s, err := ForActor(auth.Authorize(d, auth.CapClinicalRecords))
	require.NoError(t, err)

	pred, _ := s.IncludeDeleted().Where("", 1)
	assert.Equal(t, "doctor_id = $1", pred)

	now := time.Now()
	assert.False(t, s.Permits(d.ID, &now))
	assert.True(t, s.IncludeDeleted().Permits(d.ID, &now))
	assert.False(t, s.IncludeDeleted().Permits(uuid.New(), nil))
}

func TestScope_Permits(t *testing.T) {
	d := doctor()
	s, _ := ForActor(auth.Authorize(d, auth.CapClinicalRecords))

	assert.True(t, s.Permits(d.ID, nil))
	assert.False(t, s.Permits(uuid.New(), nil))

	err := s.Check("patient", uuid.New(), nil)
	assert.True(t, errors.Is(err, apperr.ErrNotFound))
	assert.NoError(t, s.Check("patient", d.ID, nil))
}

func TestScope_ZeroValueSeesNothing(t *testing.T) {
	var s Scope
	pred, args := s.Where("p", 1)
	assert.Equal(t, "FALSE", pred)
	assert.Nil(t, args)
	assert.False(t, s.Permits(uuid.Nil, nil))
}
