//go:build integration

package integration

import (
	"context"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/medicosmart/medicosmart/internal/domain/patient"
	"github.com/medicosmart/medicosmart/internal/platform/apperr"
	"github.com/medicosmart/medicosmart/internal/platform/hipaa"
)

func TestPatient_StoredEncrypted(t *testing.T) {
	s := newStack(t)
	ctx := context.Background()
	d := s.doctor(t, "rossi")
	p := s.patient(t, d, "BNCHGL85C54H501Z")

	var fiscal, index string
	err := globalPool.QueryRow(ctx,
		`SELECT fiscal_code, fiscal_code_index FROM patients WHERE id = $1`, p.ID).Scan(&fiscal, &index)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(fiscal, "v1:"))
	assert.NotContains(t, fiscal, "BNCHGL85C54H501Z")
	assert.NotEmpty(t, index)

	got, err := s.patients.Get(ctx, d, p.ID)
	require.NoError(t, err)
	require.NotNil(t, got.FiscalCode)
	assert.Equal(t, "BNCHGL85C54H501Z", *got.FiscalCode)
}

func TestPatient_FiscalCodeUniquePerDoctor(t *testing.T) {
	s := newStack(t)
	ctx := context.Background()
	d1 := s.doctor(t, "rossi")
	d2 := s.doctor(t, "verdi")
	first := s.patient(t, d1, "BNCHGL85C54H501Z")

	_, err := s.patients.Create(ctx, d1, patient.CreateInput{
		FirstName: "Other", LastName: "Person", BirthDate: "1990-01-01",
		FiscalCode: strPtr(" bnchgl85c54h501z "), ConsentGiven: true,
	})
	assert.ErrorIs(t, err, apperr.ErrConflict)

	// Another doctor may register the same person.
	s.patient(t, d2, "BNCHGL85C54H501Z")

	// The code is free again once the first record is deleted.
	require.NoError(t, s.patients.Delete(ctx, d1, first.ID))
	s.patient(t, d1, "BNCHGL85C54H501Z")
}

func TestPatient_TenantIsolation(t *testing.T) {
	s := newStack(t)
	ctx := context.Background()
	d1 := s.doctor(t, "rossi")
	d2 := s.doctor(t, "verdi")
	p := s.patient(t, d1, "BNCHGL85C54H501Z")

	_, err := s.patients.Get(ctx, d2, p.ID)
	assert.ErrorIs(t, err, apperr.ErrNotFound)

	_, err = s.patients.Update(ctx, d2, p.ID, patient.UpdateInput{FirstName: strPtr("X")})
	assert.ErrorIs(t, err, apperr.ErrNotFound)

	assert.ErrorIs(t, s.patients.Delete(ctx, d2, p.ID), apperr.ErrNotFound)

	list, total, err := s.patients.List(ctx, d2, patient.ListFilter{Limit: 20})
	require.NoError(t, err)
	assert.Empty(t, list)
	assert.Zero(t, total)

	_, err = s.patients.Get(ctx, d1, uuid.New())
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestPatient_SearchByNameAndFiscalCode(t *testing.T) {
	s := newStack(t)
	ctx := context.Background()
	d := s.doctor(t, "rossi")
	s.patient(t, d, "BNCHGL85C54H501Z")

	byName, total, err := s.patients.List(ctx, d, patient.ListFilter{Search: "bian", Limit: 20})
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	require.Len(t, byName, 1)
	assert.Nil(t, byName[0].Notes)

	byCode, _, err := s.patients.List(ctx, d, patient.ListFilter{Search: "bnchgl85c54h501z", Limit: 20})
	require.NoError(t, err)
	assert.Len(t, byCode, 1)

	partial, _, err := s.patients.List(ctx, d, patient.ListFilter{Search: "BNCHGL85", Limit: 20})
	require.NoError(t, err)
	assert.Empty(t, partial)
}

func TestPatient_AuditTrail(t *testing.T) {
	s := newStack(t)
	ctx := context.Background()
	d := s.doctor(t, "rossi")
	p := s.patient(t, d, "BNCHGL85C54H501Z")

	_, err := s.patients.Get(ctx, d, p.ID)
	require.NoError(t, err)
	require.NoError(t, s.patients.Delete(ctx, d, p.ID))

	entries, total, err := s.audit.List(ctx, hipaa.AuditFilter{
		EntityType: hipaa.EntityPatient,
		EntityID:   &p.ID,
		Limit:      10,
	})
	require.NoError(t, err)
	assert.Equal(t, 3, total)

	actions := map[hipaa.Action]bool{}
	for _, e := range entries {
		assert.Equal(t, d.ID, e.ActorID)
		actions[e.Action] = true
		assert.NotContains(t, string(e.After), "BNCHGL85C54H501Z")
	}
	assert.True(t, actions[hipaa.ActionCreate])
	assert.True(t, actions[hipaa.ActionRead])
	assert.True(t, actions[hipaa.ActionDelete])

	_, err = globalPool.Exec(ctx, `DELETE FROM audit_log`)
	assert.Error(t, err, "audit_log must reject deletes")
}

func TestPatient_AdminAuditHasNoDetails(t *testing.T) {
	s := newStack(t)
	ctx := context.Background()
	admin := s.admin(t)
	d := s.doctor(t, "rossi")
	p := s.patient(t, d, "BNCHGL85C54H501Z")

	entries, total, err := s.users.ListAudit(ctx, admin, hipaa.AuditFilter{
		EntityType: hipaa.EntityPatient,
		Limit:      10,
	})
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	require.Len(t, entries, 1)
	assert.Equal(t, p.ID, entries[0].EntityID)
	assert.Equal(t, hipaa.ActionCreate, entries[0].Action)
	assert.Empty(t, entries[0].Before)
	assert.Empty(t, entries[0].After)
}

func TestPatient_SearchWildcardsAreLiteral(t *testing.T) {
	s := newStack(t)
	ctx := context.Background()
	d := s.doctor(t, "rossi")
	s.patient(t, d, "BNCHGL85C54H501Z")

	for _, term := range []string{"%", "_", "Bi%chi"} {
		got, total, err := s.patients.List(ctx, d, patient.ListFilter{Search: term, Limit: 20})
		require.NoError(t, err)
		assert.Empty(t, got, term)
		assert.Zero(t, total, term)
	}
}
