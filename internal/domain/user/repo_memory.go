package user

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/medicosmart/medicosmart/internal/platform/apperr"
	"github.com/medicosmart/medicosmart/internal/platform/auth"
)

// MemoryRepo is an in-process Repository with the same uniqueness rules as
// the Postgres one. Tests here and in packages that depend on users use it
// in place of Postgres.
type MemoryRepo struct {
	mu    sync.Mutex
	users map[uuid.UUID]*User
}

func NewMemoryRepo() *MemoryRepo {
	return &MemoryRepo{users: make(map[uuid.UUID]*User)}
}

func (m *MemoryRepo) Create(_ context.Context, u *User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.users {
		if existing.Username == u.Username {
			return apperr.Conflict("username already in use")
		}
		if existing.Email == u.Email {
			return apperr.Conflict("email already registered")
		}
	}
	u.CreatedAt = time.Now()
	u.UpdatedAt = u.CreatedAt
	cp := *u
	m.users[u.ID] = &cp
	return nil
}

func (m *MemoryRepo) GetByID(_ context.Context, id uuid.UUID) (*User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	if !ok {
		return nil, apperr.NotFound("user")
	}
	cp := *u
	return &cp, nil
}

func (m *MemoryRepo) GetByUsername(_ context.Context, username string) (*User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, u := range m.users {
		if u.Username == username {
			cp := *u
			return &cp, nil
		}
	}
	return nil, apperr.NotFound("user")
}

func (m *MemoryRepo) Update(_ context.Context, u *User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.users[u.ID]; !ok {
		return apperr.NotFound("user")
	}
	for id, existing := range m.users {
		if id != u.ID && (existing.Username == u.Username || existing.Email == u.Email) {
			return apperr.Conflict("username or email already in use")
		}
	}
	cp := *u
	m.users[u.ID] = &cp
	return nil
}

func (m *MemoryRepo) UpdatePassword(_ context.Context, id uuid.UUID, hash string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	if !ok {
		return apperr.NotFound("user")
	}
	u.PasswordHash = hash
	return nil
}

func (m *MemoryRepo) SetActive(_ context.Context, id uuid.UUID, active bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	if !ok {
		return apperr.NotFound("user")
	}
	u.IsActive = active
	return nil
}

func (m *MemoryRepo) TouchLastLogin(_ context.Context, id uuid.UUID, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	if !ok {
		return apperr.NotFound("user")
	}
	u.LastLoginAt = &at
	return nil
}

func (m *MemoryRepo) List(_ context.Context, f Filter, limit, offset int) ([]*User, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var result []*User
	for _, u := range m.users {
		if f.Role != "" && u.Role != f.Role {
			continue
		}
		if f.Search != "" && !strings.Contains(u.Username, f.Search) && !strings.Contains(u.Email, f.Search) {
			continue
		}
		cp := *u
		result = append(result, &cp)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.Before(result[j].CreatedAt) })
	total := len(result)
	if offset >= total {
		return nil, total, nil
	}
	end := offset + limit
	if end > total {
		end = total
	}
	return result[offset:end], total, nil
}

func (m *MemoryRepo) Counts(_ context.Context) (*Counts, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := &Counts{}
	for _, u := range m.users {
		c.Total++
		if u.Role == auth.RoleDoctor {
			c.Doctors++
		} else {
			c.Admins++
		}
		if u.IsActive {
			c.Active++
		}
	}
	return c, nil
}
