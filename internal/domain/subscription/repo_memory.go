package subscription

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryRepository is an in-process Repository. It backs tests and the
// --memory serve mode. Reads return copies, so callers never alias stored rows.
type MemoryRepository struct {
	mu    sync.RWMutex
	rows  map[uuid.UUID]*Subscription
	order []uuid.UUID
	now   func() time.Time
}

// NewMemoryRepository creates an empty in-memory repository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		rows: make(map[uuid.UUID]*Subscription),
		now:  time.Now,
	}
}

func clone(s *Subscription) *Subscription {
	c := *s
	if s.Channel.Header != nil {
		c.Channel.Header = make(map[string]string, len(s.Channel.Header))
		for k, v := range s.Channel.Header {
			c.Channel.Header[k] = v
		}
	}
	return &c
}

func (m *MemoryRepository) Create(_ context.Context, sub *Subscription) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if sub.FHIRID != "" {
		for _, s := range m.rows {
			if s.FHIRID == sub.FHIRID {
				return fmt.Errorf("subscription %q already exists", sub.FHIRID)
			}
		}
	}
	sub.ID = uuid.New()
	if sub.FHIRID == "" {
		sub.FHIRID = sub.ID.String()
	}
	if sub.VersionID == 0 {
		sub.VersionID = 1
	}
	now := m.now()
	sub.CreatedAt = now
	sub.UpdatedAt = now
	m.rows[sub.ID] = clone(sub)
	m.order = append(m.order, sub.ID)
	return nil
}

func (m *MemoryRepository) GetByID(_ context.Context, id uuid.UUID) (*Subscription, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.rows[id]
	if !ok {
		return nil, ErrNotFound
	}
	return clone(s), nil
}

func (m *MemoryRepository) GetByFHIRID(_ context.Context, fhirID string) (*Subscription, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, s := range m.rows {
		if s.FHIRID == fhirID {
			return clone(s), nil
		}
	}
	return nil, ErrNotFound
}

func (m *MemoryRepository) Update(_ context.Context, sub *Subscription) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	existing, ok := m.rows[sub.ID]
	if !ok {
		return ErrNotFound
	}
	c := clone(sub)
	c.CreatedAt = existing.CreatedAt
	c.UpdatedAt = m.now()
	m.rows[sub.ID] = c
	sub.UpdatedAt = c.UpdatedAt
	return nil
}

// mutate applies fn to the stored row under the write lock.
func (m *MemoryRepository) mutate(id uuid.UUID, fn func(Subscription) Subscription) (*Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	existing, ok := m.rows[id]
	if !ok {
		return nil, ErrNotFound
	}
	next := fn(*clone(existing))
	next.UpdatedAt = m.now()
	m.rows[id] = clone(&next)
	return &next, nil
}

func (m *MemoryRepository) RecordOutcome(_ context.Context, id uuid.UUID, o DeliveryOutcome) (*Subscription, error) {
	return m.mutate(id, o.Apply)
}

func (m *MemoryRepository) MarkActive(_ context.Context, id uuid.UUID) (*Subscription, error) {
	return m.mutate(id, Activated)
}

func (m *MemoryRepository) MarkOff(_ context.Context, id uuid.UUID) (*Subscription, error) {
	return m.mutate(id, Deactivated)
}

func (m *MemoryRepository) MarkExpired(_ context.Context, id uuid.UUID, now time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.rows[id]
	if !ok || s.Status != StatusActive || s.End == nil || s.End.After(now) {
		return false, nil
	}
	next := Expired(*clone(s))
	next.UpdatedAt = m.now()
	m.rows[id] = &next
	return true, nil
}

func (m *MemoryRepository) Delete(_ context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.rows[id]; !ok {
		return ErrNotFound
	}
	delete(m.rows, id)
	for i, oid := range m.order {
		if oid == id {
			m.order = append(m.order[:i], m.order[i+1:]...)
			break
		}
	}
	return nil
}

// FindCandidates preserves insertion order, matching the created_at ordering
// of the Postgres implementation.
func (m *MemoryRepository) FindCandidates(_ context.Context, q CandidateQuery) ([]*Subscription, error) {
	re, err := regexp.Compile("(?i)" + q.CriteriaPattern)
	if err != nil {
		return nil, fmt.Errorf("compile criteria pattern: %w", err)
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Subscription
	for _, id := range m.order {
		s := m.rows[id]
		if s.Status != q.Status {
			continue
		}
		if s.End != nil && !s.End.After(q.ActiveAt) {
			continue
		}
		if !re.MatchString(s.Criteria) {
			continue
		}
		out = append(out, clone(s))
	}
	return out, nil
}

func (m *MemoryRepository) ListExpired(_ context.Context, now time.Time) ([]*Subscription, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Subscription
	for _, id := range m.order {
		s := m.rows[id]
		if s.Status == StatusActive && s.End != nil && !s.End.After(now) {
			out = append(out, clone(s))
		}
	}
	return out, nil
}

func (m *MemoryRepository) Search(_ context.Context, params map[string]string, limit, offset int) ([]*Subscription, int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var matched []*Subscription
	for _, id := range m.order {
		s := m.rows[id]
		if v, ok := params["status"]; ok && s.Status != v {
			continue
		}
		if v, ok := params["type"]; ok && string(s.Channel.Type) != v {
			continue
		}
		if v, ok := params["url"]; ok && s.Channel.Endpoint != v {
			continue
		}
		if v, ok := params["criteria"]; ok && !strings.HasPrefix(strings.ToLower(s.Criteria), strings.ToLower(v)) {
			continue
		}
		matched = append(matched, clone(s))
	}
	// newest first, as the Postgres search orders by created_at DESC
	sort.SliceStable(matched, func(i, j int) bool { return matched[i].CreatedAt.After(matched[j].CreatedAt) })

	total := len(matched)
	if offset >= total {
		return nil, total, nil
	}
	end := offset + limit
	if limit <= 0 || end > total {
		end = total
	}
	return matched[offset:end], total, nil
}
