package prescription

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/medicosmart/medicosmart/internal/platform/apperr"
	"github.com/medicosmart/medicosmart/internal/platform/db"
	"github.com/medicosmart/medicosmart/internal/platform/tenancy"
)

// patientForeignKey rejects a prescription whose patient belongs to another
// doctor.
const patientForeignKey = "prescriptions_patient_same_doctor_fkey"

type repoPG struct {
	pool *pgxpool.Pool
}

func NewRepo(pool *pgxpool.Pool) Repository {
	return &repoPG{pool: pool}
}

const prescriptionColumns = `rx.id, rx.doctor_id, rx.patient_id, rx.content, rx.diagnosis, rx.status,
	rx.signed_at, rx.printed_at, rx.sent_at, rx.cancelled_at,
	COALESCE(rx.pdf_url, ''), COALESCE(rx.pdf_key, ''), COALESCE(rx.pdf_hash, ''),
	rx.created_at, rx.updated_at, rx.deleted_at`

var sortColumns = map[string]bool{
	"rx.created_at": true, "rx.updated_at": true, "rx.signed_at": true, "rx.status": true,
}

func (r *repoPG) Create(ctx context.Context, rec *Record) error {
	err := db.Conn(ctx, r.pool).QueryRow(ctx, `
		INSERT INTO prescriptions (id, doctor_id, patient_id, content, diagnosis, status)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING created_at, updated_at`,
		rec.ID, rec.DoctorID, rec.PatientID, rec.Content, rec.Diagnosis, rec.Status,
	).Scan(&rec.CreatedAt, &rec.UpdatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.ConstraintName == patientForeignKey {
			return apperr.NotFound("patient")
		}
		return fmt.Errorf("insert prescription: %w", err)
	}
	return nil
}

func (r *repoPG) Get(ctx context.Context, scope tenancy.Scope, id uuid.UUID) (*Record, error) {
	return r.get(ctx, scope, id, "")
}

func (r *repoPG) GetForUpdate(ctx context.Context, scope tenancy.Scope, id uuid.UUID) (*Record, error) {
	return r.get(ctx, scope, id, " FOR UPDATE")
}

func (r *repoPG) get(ctx context.Context, scope tenancy.Scope, id uuid.UUID, lock string) (*Record, error) {
	pred, args := scope.Where("rx", 2)
	row := db.Conn(ctx, r.pool).QueryRow(ctx,
		`SELECT `+prescriptionColumns+` FROM prescriptions rx WHERE rx.id = $1 AND `+pred+lock,
		append([]any{id}, args...)...)
	rec, err := scanRecord(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.NotFound("prescription")
	}
	return rec, err
}

func (r *repoPG) List(ctx context.Context, scope tenancy.Scope, f ListFilter) ([]*Record, int, error) {
	where, args := scope.Where("rx", 1)
	if f.PatientID != nil {
		args = append(args, *f.PatientID)
		where += fmt.Sprintf(" AND rx.patient_id = $%d", len(args))
	}
	if f.Status != "" {
		args = append(args, f.Status)
		where += fmt.Sprintf(" AND rx.status = $%d", len(args))
	}
	if f.From != nil {
		args = append(args, *f.From)
		where += fmt.Sprintf(" AND rx.created_at >= $%d", len(args))
	}
	if f.To != nil {
		args = append(args, *f.To)
		where += fmt.Sprintf(" AND rx.created_at < $%d", len(args))
	}

	conn := db.Conn(ctx, r.pool)
	var total int
	if err := conn.QueryRow(ctx, `SELECT COUNT(*) FROM prescriptions rx WHERE `+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count prescriptions: %w", err)
	}

	order := "rx.created_at"
	if sortColumns[f.SortColumn] {
		order = f.SortColumn
	}
	if f.SortDesc {
		order += " DESC"
	}
	args = append(args, f.Limit, f.Offset)
	rows, err := conn.Query(ctx,
		`SELECT `+prescriptionColumns+` FROM prescriptions rx WHERE `+where+
			fmt.Sprintf(` ORDER BY %s, rx.id LIMIT $%d OFFSET $%d`, order, len(args)-1, len(args)),
		args...)
	if err != nil {
		return nil, 0, fmt.Errorf("list prescriptions: %w", err)
	}
	defer rows.Close()

	var out []*Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, rec)
	}
	return out, total, rows.Err()
}

func (r *repoPG) Transition(ctx context.Context, scope tenancy.Scope, t Transition) (bool, error) {
	pred, args := scope.Where("prescriptions", 8)
	tag, err := db.Conn(ctx, r.pool).Exec(ctx, `
		UPDATE prescriptions SET
			status       = $3::varchar,
			updated_at   = $4::timestamptz,
			signed_at    = CASE WHEN $3::varchar = 'SIGNED' THEN $4::timestamptz ELSE signed_at END,
			printed_at   = CASE WHEN $3::varchar = 'PRINTED' THEN $4::timestamptz ELSE printed_at END,
			sent_at      = CASE WHEN $3::varchar = 'SENT' THEN $4::timestamptz ELSE sent_at END,
			cancelled_at = CASE WHEN $3::varchar = 'CANCELLED' THEN $4::timestamptz ELSE cancelled_at END,
			pdf_url      = COALESCE(NULLIF($5::text, ''), pdf_url),
			pdf_key      = COALESCE(NULLIF($6::text, ''), pdf_key),
			pdf_hash     = COALESCE(NULLIF($7::text, ''), pdf_hash)
		WHERE id = $1 AND status = $2 AND `+pred,
		append([]any{t.ID, t.From, t.To, t.At, t.PDFURL, t.PDFKey, t.PDFHash}, args...)...,
	)
	if err != nil {
		return false, fmt.Errorf("update prescription status: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (r *repoPG) SoftDelete(ctx context.Context, scope tenancy.Scope, id uuid.UUID, at time.Time) error {
	pred, args := scope.Where("prescriptions", 3)
	tag, err := db.Conn(ctx, r.pool).Exec(ctx,
		`UPDATE prescriptions SET deleted_at = $2, updated_at = $2 WHERE id = $1 AND `+pred,
		append([]any{id, at}, args...)...)
	if err != nil {
		return fmt.Errorf("delete prescription: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return apperr.NotFound("prescription")
	}
	return nil
}

func (r *repoPG) CountByStatus(ctx context.Context, scope tenancy.Scope) (map[string]int, error) {
	pred, args := scope.Where("rx", 1)
	rows, err := db.Conn(ctx, r.pool).Query(ctx,
		`SELECT rx.status, COUNT(*) FROM prescriptions rx WHERE `+pred+` GROUP BY rx.status`, args...)
	if err != nil {
		return nil, fmt.Errorf("count prescriptions: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int, len(Statuses))
	for _, s := range Statuses {
		counts[string(s)] = 0
	}
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan prescription count: %w", err)
		}
		counts[status] = n
	}
	return counts, rows.Err()
}

func scanRecord(row pgx.Row) (*Record, error) {
	var rec Record
	err := row.Scan(
		&rec.ID, &rec.DoctorID, &rec.PatientID, &rec.Content, &rec.Diagnosis, &rec.Status,
		&rec.SignedAt, &rec.PrintedAt, &rec.SentAt, &rec.CancelledAt,
		&rec.PDFURL, &rec.PDFKey, &rec.PDFHash,
		&rec.CreatedAt, &rec.UpdatedAt, &rec.DeletedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan prescription: %w", err)
	}
	return &rec, nil
}

// -- Communications --

type communicationRepoPG struct {
	pool *pgxpool.Pool
}

func NewCommunicationRepo(pool *pgxpool.Pool) CommunicationRepository {
	return &communicationRepoPG{pool: pool}
}

const communicationColumns = `id, prescription_id, doctor_id, channel, recipient, status,
	COALESCE(provider_message_id, ''), COALESCE(error_message, ''), created_at, sent_at, updated_at`

func (r *communicationRepoPG) Create(ctx context.Context, c *Communication) error {
	err := db.Conn(ctx, r.pool).QueryRow(ctx, `
		INSERT INTO communications (id, prescription_id, doctor_id, channel, recipient, status)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING created_at, updated_at`,
		c.ID, c.PrescriptionID, c.DoctorID, c.Channel, c.Recipient, c.Status,
	).Scan(&c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert communication: %w", err)
	}
	return nil
}

func (r *communicationRepoPG) Complete(ctx context.Context, c *Communication) error {
	tag, err := db.Conn(ctx, r.pool).Exec(ctx, `
		UPDATE communications SET
			status = $2, provider_message_id = NULLIF($3, ''), error_message = NULLIF($4, ''),
			sent_at = $5, updated_at = NOW()
		WHERE id = $1 AND status = 'PENDING'`,
		c.ID, c.Status, c.ProviderMessageID, c.ErrorMessage, c.SentAt,
	)
	if err != nil {
		return fmt.Errorf("complete communication: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return apperr.Conflict("communication already completed")
	}
	return nil
}

func (r *communicationRepoPG) HasPending(ctx context.Context, prescriptionID uuid.UUID, since time.Time) (bool, error) {
	var pending bool
	err := db.Conn(ctx, r.pool).QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM communications
			WHERE prescription_id = $1 AND status = 'PENDING' AND created_at >= $2
		)`, prescriptionID, since).Scan(&pending)
	if err != nil {
		return false, fmt.Errorf("check pending communications: %w", err)
	}
	return pending, nil
}

func (r *communicationRepoPG) ListByPrescription(ctx context.Context, prescriptionID uuid.UUID) ([]*Communication, error) {
	rows, err := db.Conn(ctx, r.pool).Query(ctx,
		`SELECT `+communicationColumns+` FROM communications WHERE prescription_id = $1 ORDER BY created_at`,
		prescriptionID)
	if err != nil {
		return nil, fmt.Errorf("list communications: %w", err)
	}
	defer rows.Close()

	var out []*Communication
	for rows.Next() {
		var c Communication
		if err := rows.Scan(
			&c.ID, &c.PrescriptionID, &c.DoctorID, &c.Channel, &c.Recipient, &c.Status,
			&c.ProviderMessageID, &c.ErrorMessage, &c.CreatedAt, &c.SentAt, &c.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan communication: %w", err)
		}
		out = append(out, &c)
	}
	return out, rows.Err()
}
