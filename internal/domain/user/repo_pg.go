package user

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/medicosmart/medicosmart/internal/platform/apperr"
	"github.com/medicosmart/medicosmart/internal/platform/auth"
	"github.com/medicosmart/medicosmart/internal/platform/db"
)

type repoPG struct {
	pool *pgxpool.Pool
}

func NewRepo(pool *pgxpool.Pool) Repository {
	return &repoPG{pool: pool}
}

const userColumns = `u.id, u.username, u.email, u.password_hash, u.role, u.is_active,
	u.last_login_at, u.created_at, u.updated_at,
	COALESCE(p.title, ''), COALESCE(p.full_name, ''), COALESCE(p.specialization, ''),
	COALESCE(p.license_number, ''), COALESCE(p.address, ''), COALESCE(p.phone, ''),
	COALESCE(p.email, '')`

const userFrom = ` FROM users u LEFT JOIN doctor_profiles p ON p.user_id = u.id`

// uniqueErr maps unique violations on users to a conflict naming the field.
func uniqueErr(err error) error {
	switch {
	case db.IsUniqueViolation(err, "users_username_key"):
		return apperr.Conflict("username already in use")
	case db.IsUniqueViolation(err, "users_email_key"):
		return apperr.Conflict("email already registered")
	}
	return err
}

func (r *repoPG) Create(ctx context.Context, u *User) error {
	if u.ID == uuid.Nil {
		u.ID = uuid.New()
	}
	conn := db.Conn(ctx, r.pool)
	err := conn.QueryRow(ctx, `
		INSERT INTO users (id, username, email, password_hash, role, is_active)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING created_at, updated_at`,
		u.ID, u.Username, u.Email, u.PasswordHash, string(u.Role), u.IsActive,
	).Scan(&u.CreatedAt, &u.UpdatedAt)
	if err != nil {
		return uniqueErr(fmt.Errorf("insert user: %w", err))
	}

	p := u.Profile
	_, err = conn.Exec(ctx, `
		INSERT INTO doctor_profiles (user_id, title, full_name, specialization, license_number, address, phone, email)
		VALUES ($1, $2, $3, NULLIF($4, ''), NULLIF($5, ''), NULLIF($6, ''), NULLIF($7, ''), NULLIF($8, ''))`,
		u.ID, p.Title, p.FullName, p.Specialization, p.LicenseNumber, p.Address, p.Phone, p.Email,
	)
	if err != nil {
		return fmt.Errorf("insert doctor profile: %w", err)
	}
	return nil
}

func (r *repoPG) GetByID(ctx context.Context, id uuid.UUID) (*User, error) {
	return r.scanUser(db.Conn(ctx, r.pool).QueryRow(ctx,
		`SELECT `+userColumns+userFrom+` WHERE u.id = $1`, id))
}

func (r *repoPG) GetByUsername(ctx context.Context, username string) (*User, error) {
	return r.scanUser(db.Conn(ctx, r.pool).QueryRow(ctx,
		`SELECT `+userColumns+userFrom+` WHERE u.username = $1`, username))
}

func (r *repoPG) Update(ctx context.Context, u *User) error {
	conn := db.Conn(ctx, r.pool)
	tag, err := conn.Exec(ctx, `
		UPDATE users SET username = $2, email = $3, role = $4, is_active = $5, updated_at = NOW()
		WHERE id = $1`,
		u.ID, u.Username, u.Email, string(u.Role), u.IsActive,
	)
	if err != nil {
		return uniqueErr(fmt.Errorf("update user: %w", err))
	}
	if tag.RowsAffected() == 0 {
		return apperr.NotFound("user")
	}

	p := u.Profile
	_, err = conn.Exec(ctx, `
		INSERT INTO doctor_profiles (user_id, title, full_name, specialization, license_number, address, phone, email)
		VALUES ($1, $2, $3, NULLIF($4, ''), NULLIF($5, ''), NULLIF($6, ''), NULLIF($7, ''), NULLIF($8, ''))
		ON CONFLICT (user_id) DO UPDATE SET
			title = EXCLUDED.title, full_name = EXCLUDED.full_name,
			specialization = EXCLUDED.specialization, license_number = EXCLUDED.license_number,
			address = EXCLUDED.address, phone = EXCLUDED.phone, email = EXCLUDED.email,
			updated_at = NOW()`,
		u.ID, p.Title, p.FullName, p.Specialization, p.LicenseNumber, p.Address, p.Phone, p.Email,
	)
	if err != nil {
		return fmt.Errorf("upsert doctor profile: %w", err)
	}
	return nil
}

func (r *repoPG) UpdatePassword(ctx context.Context, id uuid.UUID, hash string) error {
	return r.exec(ctx, `UPDATE users SET password_hash = $2, updated_at = NOW() WHERE id = $1`, id, hash)
}

func (r *repoPG) SetActive(ctx context.Context, id uuid.UUID, active bool) error {
	return r.exec(ctx, `UPDATE users SET is_active = $2, updated_at = NOW() WHERE id = $1`, id, active)
}

func (r *repoPG) TouchLastLogin(ctx context.Context, id uuid.UUID, at time.Time) error {
	return r.exec(ctx, `UPDATE users SET last_login_at = $2 WHERE id = $1`, id, at)
}

func (r *repoPG) exec(ctx context.Context, sql string, args ...interface{}) error {
	tag, err := db.Conn(ctx, r.pool).Exec(ctx, sql, args...)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return apperr.NotFound("user")
	}
	return nil
}

func (r *repoPG) List(ctx context.Context, f Filter, limit, offset int) ([]*User, int, error) {
	var where []string
	var args []interface{}
	if f.Role != "" {
		args = append(args, string(f.Role))
		where = append(where, fmt.Sprintf("u.role = $%d", len(args)))
	}
	if f.Search != "" {
		args = append(args, db.ContainsPattern(f.Search))
		n := len(args)
		where = append(where, fmt.Sprintf(`(u.username ILIKE $%d ESCAPE '\' OR u.email ILIKE $%d ESCAPE '\' OR p.full_name ILIKE $%d ESCAPE '\')`, n, n, n))
	}
	clause := ""
	if len(where) > 0 {
		clause = " WHERE " + strings.Join(where, " AND ")
	}

	conn := db.Conn(ctx, r.pool)
	var total int
	if err := conn.QueryRow(ctx, `SELECT COUNT(*)`+userFrom+clause, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count users: %w", err)
	}

	args = append(args, limit, offset)
	rows, err := conn.Query(ctx,
		`SELECT `+userColumns+userFrom+clause+
			fmt.Sprintf(` ORDER BY u.created_at DESC LIMIT $%d OFFSET $%d`, len(args)-1, len(args)),
		args...)
	if err != nil {
		return nil, 0, fmt.Errorf("list users: %w", err)
	}
	defer rows.Close()

	var users []*User
	for rows.Next() {
		u, err := r.scanUser(rows)
		if err != nil {
			return nil, 0, err
		}
		users = append(users, u)
	}
	return users, total, rows.Err()
}

func (r *repoPG) Counts(ctx context.Context) (*Counts, error) {
	c := &Counts{}
	err := db.Conn(ctx, r.pool).QueryRow(ctx, `
		SELECT COUNT(*),
			COUNT(*) FILTER (WHERE role = 'DOCTOR'),
			COUNT(*) FILTER (WHERE role = 'ADMIN'),
			COUNT(*) FILTER (WHERE is_active)
		FROM users`,
	).Scan(&c.Total, &c.Doctors, &c.Admins, &c.Active)
	if err != nil {
		return nil, fmt.Errorf("count users: %w", err)
	}
	return c, nil
}

func (r *repoPG) scanUser(row pgx.Row) (*User, error) {
	var u User
	var role string
	p := &u.Profile
	err := row.Scan(
		&u.ID, &u.Username, &u.Email, &u.PasswordHash, &role, &u.IsActive,
		&u.LastLoginAt, &u.CreatedAt, &u.UpdatedAt,
		&p.Title, &p.FullName, &p.Specialization, &p.LicenseNumber, &p.Address, &p.Phone, &p.Email,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperr.NotFound("user")
		}
		return nil, fmt.Errorf("scan user: %w", err)
	}
	u.Role = auth.Role(role)
	return &u, nil
}
