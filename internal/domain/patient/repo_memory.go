package patient

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/medicosmart/medicosmart/internal/platform/apperr"
	"github.com/medicosmart/medicosmart/internal/platform/tenancy"
)

// MemoryRepo is an in-process Repository with the same scoping and
// uniqueness rules as the Postgres one. Tests here and in packages that
// depend on patients use it in place of Postgres.
type MemoryRepo struct {
	mu      sync.RWMutex
	records map[uuid.UUID]*Record
}

func NewMemoryRepo() *MemoryRepo {
	return &MemoryRepo{records: make(map[uuid.UUID]*Record)}
}

func (m *MemoryRepo) Create(_ context.Context, r *Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.indexTaken(r.DoctorID, r.FiscalCodeIndex, r.ID) {
		return errDuplicateFiscalCode
	}
	now := time.Now().UTC()
	r.CreatedAt, r.UpdatedAt = now, now
	cp := *r
	m.records[r.ID] = &cp
	return nil
}

func (m *MemoryRepo) Get(_ context.Context, scope tenancy.Scope, id uuid.UUID) (*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.records[id]
	if !ok || !scope.Permits(r.DoctorID, r.DeletedAt) {
		return nil, apperr.NotFound("patient")
	}
	cp := *r
	return &cp, nil
}

func (m *MemoryRepo) List(_ context.Context, scope tenancy.Scope, f ListFilter) ([]*Record, int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	needle := strings.ToLower(f.Search)
	var out []*Record
	for _, r := range m.records {
		if !scope.Permits(r.DoctorID, r.DeletedAt) {
			continue
		}
		if needle != "" &&
			!strings.Contains(strings.ToLower(r.FirstName), needle) &&
			!strings.Contains(strings.ToLower(r.LastName), needle) &&
			(f.SearchIndex == "" || r.FiscalCodeIndex != f.SearchIndex) {
			continue
		}
		cp := *r
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		less := out[i].CreatedAt.Before(out[j].CreatedAt)
		if f.SortColumn == "p.last_name" {
			less = out[i].LastName < out[j].LastName
		}
		if f.SortDesc {
			return !less
		}
		return less
	})
	total := len(out)
	if f.Offset >= total {
		return nil, total, nil
	}
	end := total
	if f.Limit > 0 && f.Offset+f.Limit < total {
		end = f.Offset + f.Limit
	}
	return out[f.Offset:end], total, nil
}

func (m *MemoryRepo) Update(_ context.Context, scope tenancy.Scope, r *Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.records[r.ID]
	if !ok || !scope.Permits(cur.DoctorID, cur.DeletedAt) {
		return apperr.NotFound("patient")
	}
	if m.indexTaken(cur.DoctorID, r.FiscalCodeIndex, r.ID) {
		return errDuplicateFiscalCode
	}
	cp := *r
	cp.DoctorID = cur.DoctorID
	cp.UpdatedAt = time.Now().UTC()
	m.records[r.ID] = &cp
	return nil
}

func (m *MemoryRepo) SoftDelete(_ context.Context, scope tenancy.Scope, id uuid.UUID, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.records[id]
	if !ok || !scope.Permits(r.DoctorID, r.DeletedAt) {
		return apperr.NotFound("patient")
	}
	r.DeletedAt = &at
	return nil
}

func (m *MemoryRepo) FiscalCodeTaken(_ context.Context, scope tenancy.Scope, index string, exclude uuid.UUID) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, r := range m.records {
		if r.ID != exclude && r.FiscalCodeIndex == index && scope.Permits(r.DoctorID, r.DeletedAt) {
			return true, nil
		}
	}
	return false, nil
}

func (m *MemoryRepo) Count(_ context.Context, scope tenancy.Scope) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, r := range m.records {
		if scope.Permits(r.DoctorID, r.DeletedAt) {
			n++
		}
	}
	return n, nil
}

// Raw returns the stored at-rest record regardless of scope.
func (m *MemoryRepo) Raw(id uuid.UUID) (*Record, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.records[id]
	if !ok {
		return nil, false
	}
	cp := *r
	return &cp, true
}

// indexTaken mirrors the partial unique index on live rows.
func (m *MemoryRepo) indexTaken(doctorID uuid.UUID, index string, exclude uuid.UUID) bool {
	if index == "" {
		return false
	}
	for _, r := range m.records {
		if r.ID != exclude && r.DoctorID == doctorID && r.DeletedAt == nil && r.FiscalCodeIndex == index {
			return true
		}
	}
	return false
}
