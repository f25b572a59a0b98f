package prescription

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/medicosmart/medicosmart/internal/platform/apperr"
	"github.com/medicosmart/medicosmart/internal/platform/tenancy"
)

// -- Mock Repository --

type mockRepo struct {
	mu      sync.Mutex
	records map[uuid.UUID]*Record
	// staleReads makes GetForUpdate return a DRAFT copy regardless of the
	// stored status, simulating a read that lost a race.
	staleReads bool
}

func newMockRepo() *mockRepo {
	return &mockRepo{records: make(map[uuid.UUID]*Record)}
}

func (m *mockRepo) Create(_ context.Context, r *Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r.CreatedAt = time.Now().UTC()
	r.UpdatedAt = r.CreatedAt
	cp := *r
	m.records[r.ID] = &cp
	return nil
}

func (m *mockRepo) Get(_ context.Context, scope tenancy.Scope, id uuid.UUID) (*Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.records[id]
	if !ok || !scope.Permits(r.DoctorID, r.DeletedAt) {
		return nil, apperr.NotFound("prescription")
	}
	cp := *r
	return &cp, nil
}

func (m *mockRepo) GetForUpdate(ctx context.Context, scope tenancy.Scope, id uuid.UUID) (*Record, error) {
	r, err := m.Get(ctx, scope, id)
	if err != nil {
		return nil, err
	}
	if m.staleReads {
		r.Status = StatusDraft
	}
	return r, nil
}

func (m *mockRepo) List(_ context.Context, scope tenancy.Scope, f ListFilter) ([]*Record, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Record
	for _, r := range m.records {
		if !scope.Permits(r.DoctorID, r.DeletedAt) {
			continue
		}
		if f.PatientID != nil && r.PatientID != *f.PatientID {
			continue
		}
		if f.Status != "" && r.Status != f.Status {
			continue
		}
		if f.From != nil && r.CreatedAt.Before(*f.From) {
			continue
		}
		if f.To != nil && !r.CreatedAt.Before(*f.To) {
			continue
		}
		cp := *r
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		if f.SortDesc {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
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

func (m *mockRepo) Transition(ctx context.Context, scope tenancy.Scope, t Transition) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.records[t.ID]
	if !ok || !scope.Permits(r.DoctorID, r.DeletedAt) || r.Status != t.From {
		return false, nil
	}
	next := t.Apply(*r)
	m.records[t.ID] = &next
	return true, nil
}

func (m *mockRepo) SoftDelete(_ context.Context, scope tenancy.Scope, id uuid.UUID, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.records[id]
	if !ok || !scope.Permits(r.DoctorID, r.DeletedAt) {
		return apperr.NotFound("prescription")
	}
	r.DeletedAt = &at
	return nil
}

func (m *mockRepo) CountByStatus(_ context.Context, scope tenancy.Scope) (map[string]int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	counts := make(map[string]int)
	for _, s := range Statuses {
		counts[string(s)] = 0
	}
	for _, r := range m.records {
		if scope.Permits(r.DoctorID, r.DeletedAt) {
			counts[string(r.Status)]++
		}
	}
	return counts, nil
}

func (m *mockRepo) raw(id uuid.UUID) Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	return *m.records[id]
}

// -- Mock Communication Repository --

type mockComms struct {
	mu    sync.Mutex
	items []*Communication
}

func (m *mockComms) Create(_ context.Context, c *Communication) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c.CreatedAt = time.Now().UTC()
	c.UpdatedAt = c.CreatedAt
	cp := *c
	m.items = append(m.items, &cp)
	return nil
}

func (m *mockComms) Complete(ctx context.Context, c *Communication) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, existing := range m.items {
		if existing.ID != c.ID {
			continue
		}
		if existing.Status != CommPending {
			return apperr.Conflict("communication already completed")
		}
		cp := *c
		m.items[i] = &cp
		return nil
	}
	return apperr.NotFound("communication")
}

func (m *mockComms) ListByPrescription(_ context.Context, id uuid.UUID) ([]*Communication, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Communication
	for _, c := range m.items {
		if c.PrescriptionID == id {
			cp := *c
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *mockComms) HasPending(_ context.Context, id uuid.UUID, since time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range m.items {
		if c.PrescriptionID == id && c.Status == CommPending && !c.CreatedAt.Before(since) {
			return true, nil
		}
	}
	return false, nil
}

// age moves the creation time of every stored communication back by d.
func (m *mockComms) age(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range m.items {
		c.CreatedAt = c.CreatedAt.Add(-d)
	}
}

// lockingTx serializes transactions the way row locks serialize competing
// updates of one prescription.
type lockingTx struct {
	mu sync.Mutex
}

func (l *lockingTx) InTx(ctx context.Context, fn func(ctx context.Context) error) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return fn(ctx)
}
