package patient

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/medicosmart/medicosmart/internal/platform/apperr"
	"github.com/medicosmart/medicosmart/internal/platform/db"
	"github.com/medicosmart/medicosmart/internal/platform/tenancy"
)

const fiscalCodeConstraint = "patients_doctor_fiscal_code_key"

var errDuplicateFiscalCode = apperr.Conflict("a patient with this fiscal code already exists")

type repoPG struct {
	pool *pgxpool.Pool
}

func NewRepo(pool *pgxpool.Pool) Repository {
	return &repoPG{pool: pool}
}

const patientColumns = `p.id, p.doctor_id, p.first_name, p.last_name, p.birth_date,
	COALESCE(p.gender, ''), COALESCE(p.address, ''), COALESCE(p.phone, ''), COALESCE(p.email, ''),
	p.fiscal_code, COALESCE(p.fiscal_code_index, ''), p.notes,
	p.consent_given, p.consent_date, p.created_at, p.updated_at, p.deleted_at`

var sortColumns = map[string]bool{
	"p.created_at": true, "p.last_name": true, "p.first_name": true, "p.birth_date": true,
}

func (r *repoPG) Create(ctx context.Context, rec *Record) error {
	err := db.Conn(ctx, r.pool).QueryRow(ctx, `
		INSERT INTO patients (
			id, doctor_id, first_name, last_name, birth_date,
			gender, address, phone, email,
			fiscal_code, fiscal_code_index, notes,
			consent_given, consent_date
		) VALUES (
			$1, $2, $3, $4, $5,
			NULLIF($6, ''), NULLIF($7, ''), NULLIF($8, ''), NULLIF($9, ''),
			$10, NULLIF($11, ''), $12,
			$13, $14
		)
		RETURNING created_at, updated_at`,
		rec.ID, rec.DoctorID, rec.FirstName, rec.LastName, rec.BirthDate,
		rec.Gender, rec.Address, rec.Phone, rec.Email,
		rec.FiscalCode, rec.FiscalCodeIndex, rec.Notes,
		rec.ConsentGiven, rec.ConsentDate,
	).Scan(&rec.CreatedAt, &rec.UpdatedAt)
	if err != nil {
		if db.IsUniqueViolation(err, fiscalCodeConstraint) {
			return errDuplicateFiscalCode
		}
		return fmt.Errorf("insert patient: %w", err)
	}
	return nil
}

func (r *repoPG) Get(ctx context.Context, scope tenancy.Scope, id uuid.UUID) (*Record, error) {
	pred, args := scope.Where("p", 2)
	row := db.Conn(ctx, r.pool).QueryRow(ctx,
		`SELECT `+patientColumns+` FROM patients p WHERE p.id = $1 AND `+pred,
		append([]any{id}, args...)...)
	rec, err := scanRecord(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.NotFound("patient")
	}
	return rec, err
}

func (r *repoPG) List(ctx context.Context, scope tenancy.Scope, f ListFilter) ([]*Record, int, error) {
	pred, args := scope.Where("p", 1)
	where := pred
	if f.Search != "" {
		args = append(args, db.ContainsPattern(f.Search), f.SearchIndex)
		n := len(args)
		where += fmt.Sprintf(` AND (p.first_name ILIKE $%d ESCAPE '\' OR p.last_name ILIKE $%d ESCAPE '\' OR p.fiscal_code_index = $%d)`, n-1, n-1, n)
	}

	conn := db.Conn(ctx, r.pool)
	var total int
	if err := conn.QueryRow(ctx, `SELECT COUNT(*) FROM patients p WHERE `+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count patients: %w", err)
	}

	order := "p.created_at"
	if sortColumns[f.SortColumn] {
		order = f.SortColumn
	}
	if f.SortDesc {
		order += " DESC"
	}
	args = append(args, f.Limit, f.Offset)
	rows, err := conn.Query(ctx,
		`SELECT `+patientColumns+` FROM patients p WHERE `+where+
			fmt.Sprintf(` ORDER BY %s, p.id LIMIT $%d OFFSET $%d`, order, len(args)-1, len(args)),
		args...)
	if err != nil {
		return nil, 0, fmt.Errorf("list patients: %w", err)
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

func (r *repoPG) Update(ctx context.Context, scope tenancy.Scope, rec *Record) error {
	pred, args := scope.Where("patients", 12)
	tag, err := db.Conn(ctx, r.pool).Exec(ctx, `
		UPDATE patients SET
			first_name = $2, last_name = $3, birth_date = $4,
			gender = NULLIF($5, ''), address = NULLIF($6, ''), phone = NULLIF($7, ''), email = NULLIF($8, ''),
			fiscal_code = $9, fiscal_code_index = NULLIF($10, ''), notes = $11,
			updated_at = NOW()
		WHERE id = $1 AND `+pred,
		append([]any{
			rec.ID, rec.FirstName, rec.LastName, rec.BirthDate,
			rec.Gender, rec.Address, rec.Phone, rec.Email,
			rec.FiscalCode, rec.FiscalCodeIndex, rec.Notes,
		}, args...)...,
	)
	if err != nil {
		if db.IsUniqueViolation(err, fiscalCodeConstraint) {
			return errDuplicateFiscalCode
		}
		return fmt.Errorf("update patient: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return apperr.NotFound("patient")
	}
	return nil
}

func (r *repoPG) SoftDelete(ctx context.Context, scope tenancy.Scope, id uuid.UUID, at time.Time) error {
	pred, args := scope.Where("patients", 3)
	tag, err := db.Conn(ctx, r.pool).Exec(ctx,
		`UPDATE patients SET deleted_at = $2, updated_at = $2 WHERE id = $1 AND `+pred,
		append([]any{id, at}, args...)...)
	if err != nil {
		return fmt.Errorf("delete patient: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return apperr.NotFound("patient")
	}
	return nil
}

func (r *repoPG) FiscalCodeTaken(ctx context.Context, scope tenancy.Scope, index string, exclude uuid.UUID) (bool, error) {
	pred, args := scope.Where("p", 3)
	var taken bool
	err := db.Conn(ctx, r.pool).QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM patients p WHERE p.fiscal_code_index = $1 AND p.id <> $2 AND `+pred+`)`,
		append([]any{index, exclude}, args...)...,
	).Scan(&taken)
	if err != nil {
		return false, fmt.Errorf("check fiscal code: %w", err)
	}
	return taken, nil
}

func (r *repoPG) Count(ctx context.Context, scope tenancy.Scope) (int, error) {
	pred, args := scope.Where("p", 1)
	var n int
	if err := db.Conn(ctx, r.pool).QueryRow(ctx, `SELECT COUNT(*) FROM patients p WHERE `+pred, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("count patients: %w", err)
	}
	return n, nil
}

func scanRecord(row pgx.Row) (*Record, error) {
	var rec Record
	err := row.Scan(
		&rec.ID, &rec.DoctorID, &rec.FirstName, &rec.LastName, &rec.BirthDate,
		&rec.Gender, &rec.Address, &rec.Phone, &rec.Email,
		&rec.FiscalCode, &rec.FiscalCodeIndex, &rec.Notes,
		&rec.ConsentGiven, &rec.ConsentDate, &rec.CreatedAt, &rec.UpdatedAt, &rec.DeletedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan patient: %w", err)
	}
	return &rec, nil
}
