package subscription

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ehr/fhirsub/internal/platform/fhir"
)

func TestMemoryRepository_FindCandidates(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryRepository()
	now := time.Now()
	past := now.Add(-time.Hour)
	future := now.Add(time.Hour)

	add := func(criteria, status string, end *time.Time) *Subscription {
		s := &Subscription{Criteria: criteria, Status: status, End: end, Channel: Channel{Type: ChannelRestHook}}
		if err := repo.Create(ctx, s); err != nil {
			t.Fatalf("create: %v", err)
		}
		return s
	}
	first := add("Observation?status=final", StatusActive, nil)
	add("Observation", StatusOff, nil)
	add("Observation", StatusError, nil)
	add("Observation", StatusActive, &past)
	add("ObservationDefinition", StatusActive, nil)
	add("Patient?active=true", StatusActive, nil)
	last := add("observation", StatusActive, &future)

	got, err := repo.FindCandidates(ctx, CandidateQuery{
		Status:          StatusActive,
		CriteriaPattern: fhir.CoarsePattern("Observation"),
		ActiveAt:        now,
	})
	if err != nil {
		t.Fatalf("FindCandidates: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 candidates, got %d", len(got))
	}
	if got[0].ID != first.ID || got[1].ID != last.ID {
		t.Error("expected candidates in insertion order")
	}
}

func TestMemoryRepository_EndEqualToNowIsExcluded(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryRepository()
	now := time.Now()
	end := now
	repo.Create(ctx, &Subscription{Criteria: "Patient", Status: StatusActive, End: &end})

	got, _ := repo.FindCandidates(ctx, CandidateQuery{Status: StatusActive, CriteriaPattern: fhir.CoarsePattern("Patient"), ActiveAt: now})
	if len(got) != 0 {
		t.Fatalf("expected subscription ending now to be excluded, got %d", len(got))
	}
}

func TestMemoryRepository_ReturnsCopies(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryRepository()
	sub := &Subscription{Criteria: "Patient", Status: StatusActive, Channel: Channel{Header: map[string]string{"A": "1"}}}
	repo.Create(ctx, sub)

	got, _ := repo.GetByID(ctx, sub.ID)
	got.Status = StatusOff
	got.Channel.Header["A"] = "2"

	again, _ := repo.GetByID(ctx, sub.ID)
	if again.Status != StatusActive || again.Channel.Header["A"] != "1" {
		t.Errorf("stored row was modified through a returned copy: %+v", again)
	}
}

func TestMemoryRepository_NotFound(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryRepository()
	if _, err := repo.GetByFHIRID(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
	if err := repo.Update(ctx, &Subscription{}); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound on update, got %v", err)
	}
}

func TestMemoryRepository_DuplicateFHIRID(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryRepository()
	if err := repo.Create(ctx, &Subscription{FHIRID: "s1"}); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := repo.Create(ctx, &Subscription{FHIRID: "s1"}); err == nil {
		t.Fatal("expected duplicate id to be rejected")
	}
}

func TestMemoryRepository_SearchAndDelete(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryRepository()
	a := &Subscription{Criteria: "Observation?status=final", Status: StatusActive, Channel: Channel{Type: ChannelRestHook}}
	b := &Subscription{Criteria: "Patient", Status: StatusRequested, Channel: Channel{Type: ChannelEmail}}
	repo.Create(ctx, a)
	repo.Create(ctx, b)

	items, total, err := repo.Search(ctx, map[string]string{"criteria": "observation"}, 10, 0)
	if err != nil || total != 1 || items[0].ID != a.ID {
		t.Fatalf("criteria search: items=%v total=%d err=%v", items, total, err)
	}
	items, total, _ = repo.Search(ctx, map[string]string{"type": "email"}, 10, 0)
	if total != 1 || items[0].ID != b.ID {
		t.Fatalf("type search: got total %d", total)
	}
	_, total, _ = repo.Search(ctx, nil, 1, 5)
	if total != 2 {
		t.Fatalf("expected total 2 past last page, got %d", total)
	}

	if err := repo.Delete(ctx, a.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := repo.Delete(ctx, a.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound on second delete, got %v", err)
	}
}

func TestMemoryRepository_ListExpired(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryRepository()
	now := time.Now()
	past := now.Add(-time.Minute)
	future := now.Add(time.Minute)
	expired := &Subscription{Status: StatusActive, End: &past}
	repo.Create(ctx, expired)
	repo.Create(ctx, &Subscription{Status: StatusActive, End: &future})
	repo.Create(ctx, &Subscription{Status: StatusOff, End: &past})
	repo.Create(ctx, &Subscription{Status: StatusActive})

	got, err := repo.ListExpired(ctx, now)
	if err != nil {
		t.Fatalf("ListExpired: %v", err)
	}
	if len(got) != 1 || got[0].ID != expired.ID {
		t.Fatalf("expected only the expired active subscription, got %d", len(got))
	}
}

func TestMemoryRepository_CriteriaSearchIsLiteralPrefix(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryRepository()
	repo.Create(ctx, &Subscription{Criteria: "Observation?code=1234", Status: StatusActive})
	repo.Create(ctx, &Subscription{Criteria: "Obs%ervation", Status: StatusActive})

	cases := map[string]int{
		"obs":   2,
		"Obs%":  1,
		"O_s":   0,
		"%":     0,
		"obs%e": 1,
	}
	for criteria, want := range cases {
		_, total, err := repo.Search(ctx, map[string]string{"criteria": criteria}, 10, 0)
		if err != nil {
			t.Fatalf("search %q: %v", criteria, err)
		}
		if total != want {
			t.Errorf("criteria %q: expected %d matches, got %d", criteria, want, total)
		}
	}
}

func TestMemoryRepository_MarkExpiredOnlyActive(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryRepository()
	now := time.Now()
	past := now.Add(-time.Minute)
	future := now.Add(time.Minute)
	off := &Subscription{Status: StatusOff, End: &past}
	errored := &Subscription{Status: StatusError, End: &past}
	running := &Subscription{Status: StatusActive, End: &future}
	due := &Subscription{Status: StatusActive, End: &past, ErrorCount: 2}
	for _, s := range []*Subscription{off, errored, running, due} {
		repo.Create(ctx, s)
	}

	for _, s := range []*Subscription{off, errored, running} {
		changed, err := repo.MarkExpired(ctx, s.ID, now)
		if err != nil || changed {
			t.Errorf("status %s end %v: expected no change, got changed=%v err=%v", s.Status, s.End, changed, err)
		}
	}
	got, _ := repo.GetByID(ctx, errored.ID)
	if got.Status != StatusError {
		t.Errorf("expected error status kept, got %s", got.Status)
	}

	changed, err := repo.MarkExpired(ctx, due.ID, now)
	if err != nil || !changed {
		t.Fatalf("expected due subscription expired, got changed=%v err=%v", changed, err)
	}
	got, _ = repo.GetByID(ctx, due.ID)
	if got.Status != StatusOff || got.ErrorCount != 2 {
		t.Errorf("expected off with counters kept, got %s errorCount %d", got.Status, got.ErrorCount)
	}
	if changed, _ := repo.MarkExpired(ctx, due.ID, now); changed {
		t.Error("expiring twice must report no change")
	}
}
