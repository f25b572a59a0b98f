//go:build integration

package integration

import (
	"context"
	"fmt"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/medicosmart/medicosmart/internal/domain/patient"
	"github.com/medicosmart/medicosmart/internal/domain/prescription"
	"github.com/medicosmart/medicosmart/internal/domain/user"
	"github.com/medicosmart/medicosmart/internal/platform/auth"
	"github.com/medicosmart/medicosmart/internal/platform/blobstore"
	"github.com/medicosmart/medicosmart/internal/platform/db"
	"github.com/medicosmart/medicosmart/internal/platform/hipaa"
	"github.com/medicosmart/medicosmart/internal/platform/notification"
	"github.com/medicosmart/medicosmart/internal/platform/pdf"
	"github.com/medicosmart/medicosmart/migrations"
)

// globalPool is the shared database, initialized once in TestMain.
var globalPool *pgxpool.Pool

func TestMain(m *testing.M) {
	ctx := context.Background()

	connStr, cleanup, err := startWithTestcontainers(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to setup postgres container: %v\n", err)
		os.Exit(1)
	}

	pool, err := db.NewPool(ctx, connStr, 10, 1)
	if err != nil {
		cleanup()
		fmt.Fprintf(os.Stderr, "failed to connect: %v\n", err)
		os.Exit(1)
	}
	if _, err := db.NewMigrator(pool, migrations.FS).Up(ctx); err != nil {
		pool.Close()
		cleanup()
		fmt.Fprintf(os.Stderr, "failed to migrate: %v\n", err)
		os.Exit(1)
	}

	globalPool = pool
	code := m.Run()
	pool.Close()
	cleanup()
	os.Exit(code)
}

// resetDB empties every table. audit_log triggers reject UPDATE and DELETE,
// so it can only be cleared with TRUNCATE.
func resetDB(t *testing.T) {
	t.Helper()
	_, err := globalPool.Exec(context.Background(),
		`TRUNCATE communications, prescriptions, patients, doctor_profiles, users, audit_log CASCADE`)
	require.NoError(t, err)
}

// stack wires the real services over the shared pool.
type stack struct {
	users         *user.Service
	patients      *patient.Service
	prescriptions *prescription.Service
	audit         *hipaa.AuditStorePG
	blobs         *blobstore.InMemoryStore
	email         *notification.MockEmailSender
	sms           *notification.MockSMSSender
}

func newStack(t *testing.T) *stack {
	t.Helper()
	resetDB(t)

	codec, err := hipaa.NewCodec([]byte(strings.Repeat("k", 32)), []byte(strings.Repeat("i", 16)))
	require.NoError(t, err)

	logger := zerolog.Nop()
	tx := db.NewTxRunner(globalPool)
	store := hipaa.NewAuditStorePG(globalPool)
	trail := hipaa.NewAuditTrail(store, logger, nil)
	tokens := auth.NewTokenIssuer([]byte(strings.Repeat("s", 32)), time.Hour)

	s := &stack{
		audit: store,
		blobs: blobstore.NewInMemoryStore(),
		email: &notification.MockEmailSender{},
		sms:   &notification.MockSMSSender{},
	}
	s.users = user.NewService(user.NewRepo(globalPool), tx, tokens, trail, logger)
	s.patients = patient.NewService(patient.NewRepo(globalPool), tx, codec, trail, logger)
	s.prescriptions = prescription.NewService(prescription.Deps{
		Repo:           prescription.NewRepo(globalPool),
		Communications: prescription.NewCommunicationRepo(globalPool),
		Tx:             tx,
		Codec:          codec,
		Audit:          trail,
		Patients:       s.patients,
		Doctors:        s.users,
		Documents:      pdf.NewGenerator(s.blobs, "http://localhost:3000", 5*time.Second, logger, nil),
		Dispatcher:     notification.NewDispatcher(s.email, s.sms, 5*time.Second, logger, nil),
		Logger:         logger,
	})
	s.users.SetClinicalCounters(s.patients, s.prescriptions)
	return s
}

func (s *stack) doctor(t *testing.T, username string) auth.Actor {
	t.Helper()
	sess, err := s.users.Register(context.Background(), user.RegisterInput{
		Username: username,
		Email:    username + "@clinic.test",
		Password: "secret1",
		FullName: "Dr " + username,
	})
	require.NoError(t, err)
	return sess.User.Actor()
}

func (s *stack) admin(t *testing.T) auth.Actor {
	t.Helper()
	created, err := s.users.Bootstrap(context.Background(), user.RegisterInput{
		Username: "admin",
		Email:    "admin@clinic.test",
		Password: "secret1",
	})
	require.NoError(t, err)
	require.True(t, created)
	sess, err := s.users.Login(context.Background(), "admin", "secret1")
	require.NoError(t, err)
	return sess.User.Actor()
}

func (s *stack) patient(t *testing.T, actor auth.Actor, fiscal string) *patient.Patient {
	t.Helper()
	p, err := s.patients.Create(context.Background(), actor, patient.CreateInput{
		FirstName:    "Giulia",
		LastName:     "Bianchi",
		BirthDate:    "1985-03-14",
		Phone:        "+393331234567",
		Email:        "giulia@example.com",
		FiscalCode:   &fiscal,
		ConsentGiven: true,
	})
	require.NoError(t, err)
	return p
}

func strPtr(s string) *string { return &s }
