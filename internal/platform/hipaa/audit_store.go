package hipaa

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/jackc/pgx/v5/pgxpool"
)

// AuditStorePG writes audit entries to the audit_log table. It always uses
// the pool directly so an entry never joins, or is rolled back with, the
// caller's transaction.
type AuditStorePG struct {
	pool *pgxpool.Pool
}

func NewAuditStorePG(pool *pgxpool.Pool) *AuditStorePG {
	return &AuditStorePG{pool: pool}
}

func (s *AuditStorePG) Insert(ctx context.Context, e *AuditEntry) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO audit_log (id, actor_id, action, entity_type, entity_id, before, after, ip_address, user_agent, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, NULLIF($8, ''), NULLIF($9, ''), $10)`,
		e.ID, e.ActorID, string(e.Action), e.EntityType, e.EntityID,
		nullJSON(e.Before), nullJSON(e.After), e.IPAddress, e.UserAgent, e.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert audit entry: %w", err)
	}
	return nil
}

func (s *AuditStorePG) List(ctx context.Context, f AuditFilter) ([]*AuditEntry, int, error) {
	var where []string
	var args []any
	add := func(cond string, v any) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(cond, len(args)))
	}
	if f.ActorID != nil {
		add("actor_id = $%d", *f.ActorID)
	}
	if f.EntityType != "" {
		add("entity_type = $%d", f.EntityType)
	}
	if f.EntityID != nil {
		add("entity_id = $%d", *f.EntityID)
	}
	if f.Action != "" {
		add("action = $%d", string(f.Action))
	}
	if f.Since != nil {
		add("created_at >= $%d", *f.Since)
	}
	if f.Until != nil {
		add("created_at <= $%d", *f.Until)
	}

	clause := ""
	if len(where) > 0 {
		clause = " WHERE " + strings.Join(where, " AND ")
	}

	var total int
	if err := s.pool.QueryRow(ctx, "SELECT COUNT(*) FROM audit_log"+clause, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count audit entries: %w", err)
	}

	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	query := fmt.Sprintf(`SELECT id, actor_id, action, entity_type, entity_id, before, after,
		COALESCE(ip_address, ''), COALESCE(user_agent, ''), created_at
		FROM audit_log%s ORDER BY created_at DESC LIMIT %d OFFSET %d`, clause, limit, f.Offset)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("list audit entries: %w", err)
	}
	defer rows.Close()

	var out []*AuditEntry
	for rows.Next() {
		var e AuditEntry
		var action string
		if err := rows.Scan(&e.ID, &e.ActorID, &action, &e.EntityType, &e.EntityID,
			&e.Before, &e.After, &e.IPAddress, &e.UserAgent, &e.CreatedAt); err != nil {
			return nil, 0, fmt.Errorf("scan audit entry: %w", err)
		}
		e.Action = Action(action)
		out = append(out, &e)
	}
	return out, total, rows.Err()
}

func nullJSON(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return string(b)
}

// MemoryAuditStore keeps entries in memory for tests.
type MemoryAuditStore struct {
	mu      sync.RWMutex
	entries []*AuditEntry
	// Err, when set, is returned by Insert to simulate a failing backend.
	Err error
}

func NewMemoryAuditStore() *MemoryAuditStore {
	return &MemoryAuditStore{}
}

func (s *MemoryAuditStore) Insert(_ context.Context, e *AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return s.Err
	}
	cp := *e
	s.entries = append(s.entries, &cp)
	return nil
}

func (s *MemoryAuditStore) List(_ context.Context, f AuditFilter) ([]*AuditEntry, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var matched []*AuditEntry
	for _, e := range s.entries {
		if f.ActorID != nil && e.ActorID != *f.ActorID {
			continue
		}
		if f.EntityType != "" && e.EntityType != f.EntityType {
			continue
		}
		if f.EntityID != nil && e.EntityID != *f.EntityID {
			continue
		}
		if f.Action != "" && e.Action != f.Action {
			continue
		}
		if f.Since != nil && e.CreatedAt.Before(*f.Since) {
			continue
		}
		if f.Until != nil && e.CreatedAt.After(*f.Until) {
			continue
		}
		cp := *e
		matched = append(matched, &cp)
	}
	sort.SliceStable(matched, func(i, j int) bool {
		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})

	total := len(matched)
	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	start := f.Offset
	if start > total {
		start = total
	}
	end := start + limit
	if end > total {
		end = total
	}
	return matched[start:end], total, nil
}

// Entries returns every stored entry in insertion order.
func (s *MemoryAuditStore) Entries() []*AuditEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*AuditEntry, len(s.entries))
	copy(out, s.entries)
	return out
}
