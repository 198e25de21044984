package subscription

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// CandidateQuery selects the coarse candidate set for an event.
// CriteriaPattern is matched case-insensitively against the criteria column.
type CandidateQuery struct {
	Status          string
	CriteriaPattern string
	ActiveAt        time.Time
}

// Repository defines the data access interface for subscriptions.
//
// Update writes the whole row and is last-write-wins. The lifecycle and
// outcome writers below apply their change to the stored row instead of a
// caller snapshot, so a delivery that settles after a deactivation can never
// bring the subscription back to active.
type Repository interface {
	Create(ctx context.Context, sub *Subscription) error
	GetByID(ctx context.Context, id uuid.UUID) (*Subscription, error)
	GetByFHIRID(ctx context.Context, fhirID string) (*Subscription, error)
	Update(ctx context.Context, sub *Subscription) error
	// RecordOutcome applies a delivery outcome to the counters and
	// notification times. Status only moves from active to error.
	RecordOutcome(ctx context.Context, id uuid.UUID, o DeliveryOutcome) (*Subscription, error)
	// MarkActive sets status active and clears the failure streak.
	MarkActive(ctx context.Context, id uuid.UUID) (*Subscription, error)
	// MarkOff sets status off, keeping counters.
	MarkOff(ctx context.Context, id uuid.UUID) (*Subscription, error)
	// MarkExpired switches an active subscription whose end time is at or
	// before now to off. It reports false when the row no longer qualifies.
	MarkExpired(ctx context.Context, id uuid.UUID, now time.Time) (bool, error)
	Delete(ctx context.Context, id uuid.UUID) error
	Search(ctx context.Context, params map[string]string, limit, offset int) ([]*Subscription, int, error)
	FindCandidates(ctx context.Context, q CandidateQuery) ([]*Subscription, error)
	ListExpired(ctx context.Context, now time.Time) ([]*Subscription, error)
}
