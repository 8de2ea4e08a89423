package booking

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ehr/booking/internal/platform/db"
)

const (
	pgExclusionViolation = "23P01"
	maxTxAttempts        = 3
)

type bookingRepoPG struct{ pool *pgxpool.Pool }

func NewBookingRepoPG(pool *pgxpool.Pool) Repository { return &bookingRepoPG{pool: pool} }

func (r *bookingRepoPG) conn(ctx context.Context) db.Querier {
	return db.Conn(ctx, r.pool)
}

const bookingCols = `id, resource_id, subject_id, start_time, end_time, utc_offset_minutes,
	kind, state, reason, room, note, cancellation_reason, version_id,
	created_by, updated_by, created_at, updated_at`

func (r *bookingRepoPG) scanBooking(row pgx.Row) (*Booking, error) {
	var (
		b      Booking
		offset int
		state  string
	)
	err := row.Scan(&b.ID, &b.ResourceID, &b.SubjectID, &b.Interval.Start, &b.Interval.End, &offset,
		&b.Kind, &state, &b.Reason, &b.Room, &b.Note, &b.CancellationReason, &b.VersionID,
		&b.CreatedBy, &b.UpdatedBy, &b.CreatedAt, &b.UpdatedAt)
	if err != nil {
		return nil, classify(err)
	}
	b.State = State(state)
	loc := zoneFor(offset)
	b.Interval.Start = b.Interval.Start.In(loc)
	b.Interval.End = b.Interval.End.In(loc)
	return &b, nil
}

func (r *bookingRepoPG) scanAll(rows pgx.Rows) ([]*Booking, error) {
	defer rows.Close()
	var items []*Booking
	for rows.Next() {
		b, err := r.scanBooking(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, b)
	}
	if err := rows.Err(); err != nil {
		return nil, classify(err)
	}
	return items, nil
}

func (r *bookingRepoPG) Create(ctx context.Context, b *Booking) error {
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO booking (id, resource_id, subject_id, start_time, end_time, utc_offset_minutes,
			kind, state, reason, room, note, cancellation_reason, version_id,
			created_by, updated_by, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17)`,
		b.ID, b.ResourceID, b.SubjectID, b.Interval.Start, b.Interval.End, offsetOf(b.Interval.Start),
		b.Kind, string(b.State), b.Reason, b.Room, b.Note, b.CancellationReason, b.VersionID,
		b.CreatedBy, b.UpdatedBy, b.CreatedAt, b.UpdatedAt)
	return classify(err)
}

func (r *bookingRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Booking, error) {
	return r.scanBooking(r.conn(ctx).QueryRow(ctx, `SELECT `+bookingCols+` FROM booking WHERE id = $1`, id))
}

func (r *bookingRepoPG) GetForUpdate(ctx context.Context, id uuid.UUID) (*Booking, error) {
	return r.scanBooking(r.conn(ctx).QueryRow(ctx, `SELECT `+bookingCols+` FROM booking WHERE id = $1 FOR UPDATE`, id))
}

func (r *bookingRepoPG) Update(ctx context.Context, b *Booking) error {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE booking SET resource_id=$2, start_time=$3, end_time=$4, utc_offset_minutes=$5,
			state=$6, cancellation_reason=$7, version_id=$8, updated_by=$9, updated_at=$10,
			kind=$11, reason=$12, room=$13, note=$14
		WHERE id = $1`,
		b.ID, b.ResourceID, b.Interval.Start, b.Interval.End, offsetOf(b.Interval.Start),
		string(b.State), b.CancellationReason, b.VersionID, b.UpdatedBy, b.UpdatedAt,
		b.Kind, b.Reason, b.Room, b.Note)
	if err != nil {
		return classify(err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// LockResources takes a transaction-scoped advisory lock per resource. Ids are
// deduplicated and locked in ascending order so concurrent reschedules across
// two resources cannot deadlock.
func (r *bookingRepoPG) LockResources(ctx context.Context, resourceIDs ...uuid.UUID) error {
	if db.TxFromContext(ctx) == nil {
		return fmt.Errorf("lock resources: no transaction in context")
	}
	ids := make([]string, 0, len(resourceIDs))
	seen := make(map[uuid.UUID]bool, len(resourceIDs))
	for _, id := range resourceIDs {
		if !seen[id] {
			seen[id] = true
			ids = append(ids, id.String())
		}
	}
	sort.Strings(ids)
	for _, id := range ids {
		if _, err := r.conn(ctx).Exec(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`, id); err != nil {
			return classify(err)
		}
	}
	return nil
}

func (r *bookingRepoPG) ListActiveOverlapping(ctx context.Context, resourceID uuid.UUID, iv Interval, exclude *uuid.UUID) ([]*Booking, error) {
	query := `SELECT ` + bookingCols + ` FROM booking
		WHERE resource_id = $1 AND state IN ('scheduled','confirmed')
		AND start_time < $3 AND end_time > $2`
	args := []any{resourceID, iv.Start, iv.End}
	if exclude != nil {
		query += ` AND id <> $4`
		args = append(args, *exclude)
	}
	query += ` ORDER BY start_time, end_time, id`
	rows, err := r.conn(ctx).Query(ctx, query, args...)
	if err != nil {
		return nil, classify(err)
	}
	return r.scanAll(rows)
}

func (r *bookingRepoPG) ListByResourceWithin(ctx context.Context, resourceID uuid.UUID, iv Interval) ([]*Booking, error) {
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+bookingCols+` FROM booking
		WHERE resource_id = $1 AND start_time < $3 AND end_time > $2
		ORDER BY start_time, end_time, id`, resourceID, iv.Start, iv.End)
	if err != nil {
		return nil, classify(err)
	}
	return r.scanAll(rows)
}

func (r *bookingRepoPG) Search(ctx context.Context, params SearchParams, limit, offset int) ([]*Booking, int, error) {
	where := ` WHERE 1=1`
	var args []any
	idx := 1

	if params.ResourceID != nil {
		where += fmt.Sprintf(` AND resource_id = $%d`, idx)
		args = append(args, *params.ResourceID)
		idx++
	}
	if params.SubjectID != nil {
		where += fmt.Sprintf(` AND subject_id = $%d`, idx)
		args = append(args, *params.SubjectID)
		idx++
	}
	if params.State != nil {
		where += fmt.Sprintf(` AND state = $%d`, idx)
		args = append(args, string(*params.State))
		idx++
	}
	if params.Within != nil {
		where += fmt.Sprintf(` AND start_time < $%d AND end_time > $%d`, idx, idx+1)
		args = append(args, params.Within.End, params.Within.Start)
		idx += 2
	}

	var total int
	if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM booking`+where, args...).Scan(&total); err != nil {
		return nil, 0, classify(err)
	}

	query := `SELECT ` + bookingCols + ` FROM booking` + where +
		fmt.Sprintf(` ORDER BY start_time, end_time, id LIMIT $%d OFFSET $%d`, idx, idx+1)
	args = append(args, limit, offset)
	rows, err := r.conn(ctx).Query(ctx, query, args...)
	if err != nil {
		return nil, 0, classify(err)
	}
	items, err := r.scanAll(rows)
	if err != nil {
		return nil, 0, err
	}
	return items, total, nil
}

func (r *bookingRepoPG) RecordEvent(ctx context.Context, e *Event) error {
	var from *string
	if e.FromState != nil {
		s := string(*e.FromState)
		from = &s
	}
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO booking_event (id, booking_id, resource_id, action, from_state, to_state,
			start_time, end_time, prev_start, prev_end, reason, actor, recorded_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)`,
		e.ID, e.BookingID, e.ResourceID, string(e.Action), from, string(e.ToState),
		e.Interval.Start, e.Interval.End, e.PrevStart, e.PrevEnd, e.Reason, e.Actor, e.RecordedAt)
	return classify(err)
}

// =========== Transactor ===========

type txPG struct{ m *db.TxManager }

// NewTransactorPG returns a Transactor that replays the unit of work on
// serialization failures and deadlocks.
func NewTransactorPG(pool *pgxpool.Pool) Transactor {
	return &txPG{m: db.NewTxManager(pool)}
}

func (t *txPG) InTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if db.TxFromContext(ctx) != nil {
		return t.m.InTx(ctx, fn)
	}
	var err error
	for attempt := 1; attempt <= maxTxAttempts; attempt++ {
		err = t.m.InTx(ctx, fn)
		if err == nil || !db.IsRetryable(err) || ctx.Err() != nil {
			break
		}
	}
	return classify(err)
}

// classify maps driver errors onto the package sentinels. Errors that are
// already classified pass through.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrNotFound) || errors.Is(err, ErrOverlap) || errors.Is(err, ErrStoreUnavailable) || IsValidation(err) {
		return err
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == pgExclusionViolation {
		return fmt.Errorf("%w: %s", ErrOverlap, pgErr.ConstraintName)
	}
	return fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
}

func offsetOf(t time.Time) int {
	_, off := t.Zone()
	return off / 60
}

func zoneFor(minutes int) *time.Location {
	if minutes == 0 {
		return time.UTC
	}
	return time.FixedZone("", minutes*60)
}
