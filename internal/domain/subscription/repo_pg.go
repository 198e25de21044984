package subscription

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

type queryable interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
}

type subscriptionRepoPG struct{ db queryable }

// NewSubscriptionRepoPG creates a new PostgreSQL-backed subscription repository.
func NewSubscriptionRepoPG(pool *pgxpool.Pool) Repository {
	return &subscriptionRepoPG{db: pool}
}

const subCols = `id, fhir_id, status, criteria, channel_type, channel_endpoint,
	channel_payload, channel_headers, reason, end_time, error_count, last_error,
	last_notification, last_successful_notification, events_since_start,
	version_id, created_at, updated_at`

func scanSub(row pgx.Row) (*Subscription, error) {
	var s Subscription
	var channelType string
	err := row.Scan(&s.ID, &s.FHIRID, &s.Status, &s.Criteria,
		&channelType, &s.Channel.Endpoint, &s.Channel.Payload, &s.Channel.Header,
		&s.Reason, &s.End, &s.ErrorCount, &s.LastError,
		&s.LastNotification, &s.LastSuccessfulNotification, &s.EventsSinceStart,
		&s.VersionID, &s.CreatedAt, &s.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	s.Channel.Type = ChannelType(channelType)
	return &s, nil
}

func collectSubs(rows pgx.Rows) ([]*Subscription, error) {
	defer rows.Close()
	var items []*Subscription
	for rows.Next() {
		s, err := scanSub(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, s)
	}
	return items, rows.Err()
}

func headersParam(h map[string]string) map[string]string {
	if h == nil {
		return map[string]string{}
	}
	return h
}

func (r *subscriptionRepoPG) Create(ctx context.Context, sub *Subscription) error {
	sub.ID = uuid.New()
	if sub.FHIRID == "" {
		sub.FHIRID = sub.ID.String()
	}
	if sub.VersionID == 0 {
		sub.VersionID = 1
	}
	return r.db.QueryRow(ctx, `
		INSERT INTO subscription (id, fhir_id, status, criteria, channel_type, channel_endpoint,
			channel_payload, channel_headers, reason, end_time, error_count, last_error,
			events_since_start, version_id)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)
		RETURNING created_at, updated_at`,
		sub.ID, sub.FHIRID, sub.Status, sub.Criteria,
		string(sub.Channel.Type), sub.Channel.Endpoint, sub.Channel.Payload, headersParam(sub.Channel.Header),
		sub.Reason, sub.End, sub.ErrorCount, sub.LastError,
		sub.EventsSinceStart, sub.VersionID).Scan(&sub.CreatedAt, &sub.UpdatedAt)
}

func (r *subscriptionRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Subscription, error) {
	return scanSub(r.db.QueryRow(ctx, `SELECT `+subCols+` FROM subscription WHERE id = $1`, id))
}

func (r *subscriptionRepoPG) GetByFHIRID(ctx context.Context, fhirID string) (*Subscription, error) {
	return scanSub(r.db.QueryRow(ctx, `SELECT `+subCols+` FROM subscription WHERE fhir_id = $1`, fhirID))
}

func (r *subscriptionRepoPG) Update(ctx context.Context, sub *Subscription) error {
	tag, err := r.db.Exec(ctx, `
		UPDATE subscription SET status=$2, criteria=$3, channel_type=$4, channel_endpoint=$5,
			channel_payload=$6, channel_headers=$7, reason=$8, end_time=$9, error_count=$10,
			last_error=$11, last_notification=$12, last_successful_notification=$13,
			events_since_start=$14, version_id=$15, updated_at=NOW()
		WHERE id = $1`,
		sub.ID, sub.Status, sub.Criteria, string(sub.Channel.Type), sub.Channel.Endpoint,
		sub.Channel.Payload, headersParam(sub.Channel.Header), sub.Reason, sub.End, sub.ErrorCount,
		sub.LastError, sub.LastNotification, sub.LastSuccessfulNotification,
		sub.EventsSinceStart, sub.VersionID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// RecordOutcome updates the counters in place. SET expressions read the row
// as it was before the update, so concurrent outcomes each add one.
func (r *subscriptionRepoPG) RecordOutcome(ctx context.Context, id uuid.UUID, o DeliveryOutcome) (*Subscription, error) {
	return scanSub(r.db.QueryRow(ctx, `
		UPDATE subscription SET
			events_since_start = events_since_start + 1,
			error_count = CASE WHEN $2::boolean THEN error_count + 1 ELSE 0 END,
			last_error = CASE WHEN $2::boolean THEN $3::text ELSE NULL END,
			last_notification = $4::timestamptz,
			last_successful_notification = CASE WHEN $2::boolean THEN last_successful_notification ELSE $4::timestamptz END,
			status = CASE WHEN $2::boolean AND status = 'active' AND error_count + 1 >= $5::int THEN 'error' ELSE status END,
			updated_at = NOW()
		WHERE id = $1
		RETURNING `+subCols,
		id, o.Failed, o.Error, o.At, MaxConsecutiveFailures))
}

func (r *subscriptionRepoPG) MarkActive(ctx context.Context, id uuid.UUID) (*Subscription, error) {
	return scanSub(r.db.QueryRow(ctx, `
		UPDATE subscription SET status = 'active', error_count = 0, last_error = NULL,
			version_id = version_id + 1, updated_at = NOW()
		WHERE id = $1
		RETURNING `+subCols, id))
}

func (r *subscriptionRepoPG) MarkOff(ctx context.Context, id uuid.UUID) (*Subscription, error) {
	return scanSub(r.db.QueryRow(ctx, `
		UPDATE subscription SET status = 'off', version_id = version_id + 1, updated_at = NOW()
		WHERE id = $1
		RETURNING `+subCols, id))
}

func (r *subscriptionRepoPG) MarkExpired(ctx context.Context, id uuid.UUID, now time.Time) (bool, error) {
	tag, err := r.db.Exec(ctx, `
		UPDATE subscription SET status = 'off', version_id = version_id + 1, updated_at = NOW()
		WHERE id = $1 AND status = 'active' AND end_time IS NOT NULL AND end_time <= $2`,
		id, now)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (r *subscriptionRepoPG) Delete(ctx context.Context, id uuid.UUID) error {
	tag, err := r.db.Exec(ctx, `DELETE FROM subscription WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// FindCandidates runs the coarse phase-1 query. The criteria pattern is
// applied with the case-insensitive POSIX regex operator.
func (r *subscriptionRepoPG) FindCandidates(ctx context.Context, q CandidateQuery) ([]*Subscription, error) {
	rows, err := r.db.Query(ctx, `SELECT `+subCols+` FROM subscription
		WHERE status = $1 AND criteria ~* $2 AND (end_time IS NULL OR end_time > $3)
		ORDER BY created_at, id`,
		q.Status, q.CriteriaPattern, q.ActiveAt)
	if err != nil {
		return nil, err
	}
	return collectSubs(rows)
}

func (r *subscriptionRepoPG) ListExpired(ctx context.Context, now time.Time) ([]*Subscription, error) {
	rows, err := r.db.Query(ctx, `SELECT `+subCols+` FROM subscription
		WHERE status = 'active' AND end_time IS NOT NULL AND end_time <= $1
		ORDER BY end_time`, now)
	if err != nil {
		return nil, err
	}
	return collectSubs(rows)
}

// searchColumns maps FHIR search parameters to columns. String parameters
// match case-insensitively by prefix, token parameters exactly.
var searchColumns = map[string]struct {
	column string
	prefix bool
}{
	"status":   {column: "status"},
	"type":     {column: "channel_type"},
	"url":      {column: "channel_endpoint"},
	"criteria": {column: "criteria", prefix: true},
}

func (r *subscriptionRepoPG) Search(ctx context.Context, params map[string]string, limit, offset int) ([]*Subscription, int, error) {
	keys := make([]string, 0, len(params))
	for k := range params {
		if _, ok := searchColumns[k]; ok {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	var where []string
	var args []interface{}
	for _, k := range keys {
		col := searchColumns[k]
		args = append(args, params[k])
		if col.prefix {
			where = append(where, fmt.Sprintf("left(lower(%s), length($%d::text)) = lower($%d::text)", col.column, len(args), len(args)))
		} else {
			where = append(where, fmt.Sprintf("%s = $%d", col.column, len(args)))
		}
	}
	clause := ""
	if len(where) > 0 {
		clause = " WHERE " + strings.Join(where, " AND ")
	}

	var total int
	if err := r.db.QueryRow(ctx, `SELECT COUNT(*) FROM subscription`+clause, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	dataArgs := append(append([]interface{}{}, args...), limit, offset)
	rows, err := r.db.Query(ctx, fmt.Sprintf(`SELECT `+subCols+` FROM subscription%s
		ORDER BY created_at DESC LIMIT $%d OFFSET $%d`, clause, len(args)+1, len(args)+2), dataArgs...)
	if err != nil {
		return nil, 0, err
	}
	items, err := collectSubs(rows)
	if err != nil {
		return nil, 0, err
	}
	return items, total, nil
}
