package appointments

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/wolfman30/appointment-sync/pkg/logging"
)

const pgUniqueViolation = "23505"

// DB abstracts the pgx pool for testing.
type DB interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type queryer interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

const selectColumns = `id, user_id, book_id_mis, details, external_visit_time, external_mo_name,
		status, cancelled_at, cancelled_by, reminder_sent_at, created_at, updated_at`

// Store persists appointments in Postgres.
type Store struct {
	db           DB
	cancelWindow time.Duration
	now          func() time.Time
	logger       *logging.Logger
}

// NewStore creates an appointment store with a 3 hour user cancel window.
func NewStore(db DB, logger *logging.Logger) *Store {
	if logger == nil {
		logger = logging.Default()
	}
	return &Store{
		db:           db,
		cancelWindow: 3 * time.Hour,
		now:          time.Now,
		logger:       logger,
	}
}

// WithCancelWindow overrides how long after creation a user may cancel.
func (s *Store) WithCancelWindow(d time.Duration) *Store {
	if d > 0 {
		s.cancelWindow = d
	}
	return s
}

// WithClock overrides the clock used for the cancel window.
func (s *Store) WithClock(now func() time.Time) *Store {
	if now != nil {
		s.now = now
	}
	return s
}

// Upsert inserts or merges an appointment. Existing non-null detail values are
// kept, missing ones are filled in, and the row is reactivated. A unique
// violation caused by a concurrent writer is retried once.
func (s *Store) Upsert(ctx context.Context, in UpsertInput) (UpsertResult, error) {
	res, err := s.upsert(ctx, in)
	if isUniqueViolation(err) {
		s.logger.Warn("appointments: upsert raced, retrying", "user_id", in.UserID, "book_id_mis", in.BookIDMis)
		res, err = s.upsert(ctx, in)
	}
	if err != nil {
		return UpsertResult{}, err
	}
	return res, nil
}

func (s *Store) upsert(ctx context.Context, in UpsertInput) (UpsertResult, error) {
	details, err := json.Marshal(in.Details)
	if err != nil {
		return UpsertResult{}, fmt.Errorf("appointments: encode details: %w", err)
	}

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return UpsertResult{}, fmt.Errorf("appointments: begin upsert: %w", err)
	}
	defer tx.Rollback(ctx)

	var res UpsertResult
	if in.BookIDMis == "" {
		res, err = upsertBySlot(ctx, tx, in, details)
	} else {
		res, err = upsertByBookID(ctx, tx, in, details)
	}
	if err != nil {
		return UpsertResult{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return UpsertResult{}, fmt.Errorf("appointments: commit upsert: %w", err)
	}
	return res, nil
}

func upsertByBookID(ctx context.Context, tx pgx.Tx, in UpsertInput, details []byte) (UpsertResult, error) {
	var exists bool
	if err := tx.QueryRow(ctx, `
		SELECT EXISTS (SELECT 1 FROM appointments WHERE user_id = $1 AND book_id_mis = $2)`,
		in.UserID, in.BookIDMis).Scan(&exists); err != nil {
		return UpsertResult{}, fmt.Errorf("appointments: lookup book id: %w", err)
	}

	if !exists {
		merged, ok, err := mergeIntoSlot(ctx, tx, in, details)
		if err != nil {
			return UpsertResult{}, err
		}
		if ok {
			return merged, nil
		}
	}

	var res UpsertResult
	err := tx.QueryRow(ctx, `
		INSERT INTO appointments (user_id, book_id_mis, details, external_visit_time, external_mo_name)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (user_id, book_id_mis) DO UPDATE SET
			details = EXCLUDED.details || jsonb_strip_nulls(appointments.details),
			external_visit_time = COALESCE(appointments.external_visit_time, EXCLUDED.external_visit_time),
			external_mo_name = COALESCE(appointments.external_mo_name, EXCLUDED.external_mo_name),
			status = 'active',
			cancelled_at = NULL,
			cancelled_by = NULL,
			updated_at = now()
		RETURNING id, (xmax = 0) AS inserted`,
		in.UserID, in.BookIDMis, details, in.VisitTime, in.MOName,
	).Scan(&res.ID, &res.Inserted)
	if err != nil {
		return UpsertResult{}, fmt.Errorf("appointments: upsert by book id: %w", err)
	}
	return res, nil
}

// mergeIntoSlot re-links a row at the same user, visit time and organization
// to the incoming booking identifier. Only rows without an identifier, or
// cancelled rows carrying a different one, are eligible.
func mergeIntoSlot(ctx context.Context, tx pgx.Tx, in UpsertInput, details []byte) (UpsertResult, bool, error) {
	var (
		id     int64
		prevID *string
	)
	err := tx.QueryRow(ctx, `
		SELECT id, book_id_mis
		FROM appointments
		WHERE user_id = $1 AND external_visit_time = $2 AND external_mo_name = $3
			AND (book_id_mis IS NULL OR (status = 'cancelled' AND book_id_mis <> $4))
		ORDER BY (book_id_mis IS NULL) DESC, id
		LIMIT 1
		FOR UPDATE`,
		in.UserID, in.VisitTime, in.MOName, in.BookIDMis,
	).Scan(&id, &prevID)
	if errors.Is(err, pgx.ErrNoRows) {
		return UpsertResult{}, false, nil
	}
	if err != nil {
		return UpsertResult{}, false, fmt.Errorf("appointments: lookup slot: %w", err)
	}

	override := map[string]string{"book_id_mis": in.BookIDMis}
	if prevID != nil && *prevID != in.BookIDMis {
		override["book_id_mis_original"] = *prevID
	}
	overrideJSON, err := json.Marshal(override)
	if err != nil {
		return UpsertResult{}, false, fmt.Errorf("appointments: encode override: %w", err)
	}

	if _, err := tx.Exec(ctx, `
		UPDATE appointments SET
			book_id_mis = $2,
			details = ($3::jsonb || jsonb_strip_nulls(details)) || $4::jsonb,
			status = 'active',
			cancelled_at = NULL,
			cancelled_by = NULL,
			updated_at = now()
		WHERE id = $1`,
		id, in.BookIDMis, details, overrideJSON); err != nil {
		return UpsertResult{}, false, fmt.Errorf("appointments: merge into slot: %w", err)
	}
	return UpsertResult{ID: id}, true, nil
}

func upsertBySlot(ctx context.Context, tx pgx.Tx, in UpsertInput, details []byte) (UpsertResult, error) {
	var res UpsertResult
	err := tx.QueryRow(ctx, `
		INSERT INTO appointments (user_id, book_id_mis, details, external_visit_time, external_mo_name)
		VALUES ($1, NULL, $2, $3, $4)
		ON CONFLICT (user_id, external_visit_time, external_mo_name) WHERE book_id_mis IS NULL DO UPDATE SET
			details = EXCLUDED.details || jsonb_strip_nulls(appointments.details),
			status = 'active',
			cancelled_at = NULL,
			cancelled_by = NULL,
			updated_at = now()
		RETURNING id, (xmax = 0) AS inserted`,
		in.UserID, details, in.VisitTime, in.MOName,
	).Scan(&res.ID, &res.Inserted)
	if err != nil {
		return UpsertResult{}, fmt.Errorf("appointments: upsert by slot: %w", err)
	}
	return res, nil
}

// ReconcileCancellations cancels active rows in [DayStart, DayEnd) whose key
// is absent from in.Known, skipping in.Exclude. It returns the cancelled ids.
func (s *Store) ReconcileCancellations(ctx context.Context, in ReconcileInput) ([]int64, error) {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("appointments: begin reconcile: %w", err)
	}
	defer tx.Rollback(ctx)

	stale, err := staleAppointments(ctx, tx, in)
	if err != nil {
		return nil, err
	}
	if len(stale) == 0 {
		if err := tx.Commit(ctx); err != nil {
			return nil, fmt.Errorf("appointments: commit reconcile: %w", err)
		}
		return nil, nil
	}

	rows, err := tx.Query(ctx, `
		UPDATE appointments SET
			status = 'cancelled',
			cancelled_at = now(),
			cancelled_by = 'system_sync',
			updated_at = now()
		WHERE id = ANY($1) AND status = 'active'
		RETURNING id`, stale)
	if err != nil {
		return nil, fmt.Errorf("appointments: cancel stale: %w", err)
	}
	cancelled, err := pgx.CollectRows(rows, pgx.RowTo[int64])
	if err != nil {
		return nil, fmt.Errorf("appointments: collect cancelled ids: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("appointments: commit reconcile: %w", err)
	}
	s.logger.Info("appointments: reconciled cancellations", "cancelled", len(cancelled), "day", in.DayStart.Format("2006-01-02"))
	return cancelled, nil
}

func staleAppointments(ctx context.Context, tx pgx.Tx, in ReconcileInput) ([]int64, error) {
	rows, err := tx.Query(ctx, `
		SELECT id, user_id, book_id_mis, external_visit_time, external_mo_name
		FROM appointments
		WHERE status = 'active' AND external_visit_time >= $1 AND external_visit_time < $2
		ORDER BY id
		FOR UPDATE`, in.DayStart, in.DayEnd)
	if err != nil {
		return nil, fmt.Errorf("appointments: select day: %w", err)
	}
	defer rows.Close()

	var stale []int64
	for rows.Next() {
		var (
			id, userID int64
			bookID     *string
			visit      *time.Time
			moName     *string
		)
		if err := rows.Scan(&id, &userID, &bookID, &visit, &moName); err != nil {
			return nil, fmt.Errorf("appointments: scan day: %w", err)
		}
		if _, skip := in.Exclude[id]; skip {
			continue
		}
		if _, known := in.Known[Key(userID, deref(bookID), derefTime(visit), deref(moName))]; known {
			continue
		}
		stale = append(stale, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("appointments: iterate day: %w", err)
	}
	return stale, nil
}

// Cancel marks the user's appointment cancelled. Unless force is set, only
// appointments created within the cancel window may be cancelled.
func (s *Store) Cancel(ctx context.Context, id, userID int64, by CancelledBy, force bool) (*Appointment, error) {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("appointments: begin cancel: %w", err)
	}
	defer tx.Rollback(ctx)

	appt, err := getAppointment(ctx, tx, `
		SELECT `+selectColumns+`
		FROM appointments
		WHERE id = $1 AND user_id = $2
		FOR UPDATE`, id, userID)
	if err != nil {
		return nil, err
	}
	if !appt.Active() {
		return nil, ErrAlreadyCancelled
	}
	if !force && s.now().Sub(appt.CreatedAt) > s.cancelWindow {
		return nil, ErrCancelWindowElapsed
	}

	var cancelledAt time.Time
	err = tx.QueryRow(ctx, `
		UPDATE appointments SET
			status = 'cancelled',
			cancelled_at = now(),
			cancelled_by = $2,
			updated_at = now()
		WHERE id = $1 AND status = 'active'
		RETURNING cancelled_at`, id, string(by)).Scan(&cancelledAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrAlreadyCancelled
	}
	if err != nil {
		return nil, fmt.Errorf("appointments: cancel: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("appointments: commit cancel: %w", err)
	}

	appt.Status = StatusCancelled
	appt.CancelledAt = &cancelledAt
	appt.CancelledBy = by
	return appt, nil
}

// MarkReminderSent stamps reminder_sent_at on rows that have not been
// reminded yet and returns how many rows changed.
func (s *Store) MarkReminderSent(ctx context.Context, ids []int64) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	tag, err := s.db.Exec(ctx, `
		UPDATE appointments SET reminder_sent_at = now(), updated_at = now()
		WHERE id = ANY($1) AND reminder_sent_at IS NULL`, ids)
	if err != nil {
		return 0, fmt.Errorf("appointments: mark reminder sent: %w", err)
	}
	return tag.RowsAffected(), nil
}

// ListPendingReminders returns the active rows among ids that have not been
// reminded yet, grouped by user and ordered by visit time.
func (s *Store) ListPendingReminders(ctx context.Context, ids []int64) ([]Appointment, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	return listAppointments(ctx, s.db, `
		SELECT `+selectColumns+`
		FROM appointments
		WHERE id = ANY($1) AND status = 'active' AND reminder_sent_at IS NULL
		ORDER BY user_id, external_visit_time, id`, ids)
}

// ListActive returns the user's active appointments, latest visit first.
func (s *Store) ListActive(ctx context.Context, userID int64, limit int) ([]Appointment, error) {
	if limit <= 0 {
		limit = 10
	}
	return listAppointments(ctx, s.db, `
		SELECT `+selectColumns+`
		FROM appointments
		WHERE user_id = $1 AND status = 'active'
		ORDER BY external_visit_time DESC NULLS LAST, id DESC
		LIMIT $2`, userID, limit)
}

// ListActiveFuture returns every active appointment whose visit is at or after now.
func (s *Store) ListActiveFuture(ctx context.Context, now time.Time) ([]Appointment, error) {
	return listAppointments(ctx, s.db, `
		SELECT `+selectColumns+`
		FROM appointments
		WHERE status = 'active' AND external_visit_time >= $1
		ORDER BY external_visit_time, id`, now)
}

// Get returns one of the user's appointments regardless of status.
func (s *Store) Get(ctx context.Context, id, userID int64) (*Appointment, error) {
	return getAppointment(ctx, s.db, `
		SELECT `+selectColumns+`
		FROM appointments
		WHERE id = $1 AND user_id = $2`, id, userID)
}

// DeleteOlderThan removes appointments whose visit was before cutoff.
func (s *Store) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := s.db.Exec(ctx, `DELETE FROM appointments WHERE external_visit_time < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("appointments: delete old: %w", err)
	}
	return tag.RowsAffected(), nil
}

// Stats reports table totals and per-day creation counts for the last week.
func (s *Store) Stats(ctx context.Context) (*Stats, error) {
	var stats Stats
	if err := s.db.QueryRow(ctx, `
		SELECT COUNT(*), COUNT(DISTINCT user_id), MAX(created_at)
		FROM appointments`).Scan(&stats.Total, &stats.UniqueUsers, &stats.LastCreated); err != nil {
		return nil, fmt.Errorf("appointments: stats totals: %w", err)
	}

	rows, err := s.db.Query(ctx, `
		SELECT date_trunc('day', created_at) AS day, COUNT(*)
		FROM appointments
		WHERE created_at >= now() - interval '7 days'
		GROUP BY day
		ORDER BY day DESC`)
	if err != nil {
		return nil, fmt.Errorf("appointments: stats by day: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var dc DayCount
		if err := rows.Scan(&dc.Day, &dc.Count); err != nil {
			return nil, fmt.Errorf("appointments: scan day count: %w", err)
		}
		stats.LastWeek = append(stats.LastWeek, dc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("appointments: iterate day counts: %w", err)
	}
	return &stats, nil
}

// Ping verifies the database answers queries.
func (s *Store) Ping(ctx context.Context) error {
	var one int
	if err := s.db.QueryRow(ctx, `SELECT 1`).Scan(&one); err != nil {
		return fmt.Errorf("appointments: ping: %w", err)
	}
	return nil
}

func getAppointment(ctx context.Context, q queryer, sql string, args ...any) (*Appointment, error) {
	appt, err := scanAppointment(q.QueryRow(ctx, sql, args...))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("appointments: get: %w", err)
	}
	return appt, nil
}

func listAppointments(ctx context.Context, q queryer, sql string, args ...any) ([]Appointment, error) {
	rows, err := q.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("appointments: list: %w", err)
	}
	defer rows.Close()

	var out []Appointment
	for rows.Next() {
		appt, err := scanAppointment(rows)
		if err != nil {
			return nil, fmt.Errorf("appointments: scan: %w", err)
		}
		out = append(out, *appt)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("appointments: iterate: %w", err)
	}
	return out, nil
}

func scanAppointment(row pgx.Row) (*Appointment, error) {
	var (
		a           Appointment
		bookID      *string
		details     []byte
		visit       *time.Time
		moName      *string
		status      string
		cancelledBy *string
	)
	if err := row.Scan(&a.ID, &a.UserID, &bookID, &details, &visit, &moName,
		&status, &a.CancelledAt, &cancelledBy, &a.ReminderSentAt, &a.CreatedAt, &a.UpdatedAt); err != nil {
		return nil, err
	}
	a.BookIDMis = deref(bookID)
	a.VisitTime = derefTime(visit)
	a.MOName = deref(moName)
	a.Status = Status(status)
	a.CancelledBy = CancelledBy(deref(cancelledBy))
	if len(details) > 0 {
		if err := json.Unmarshal(details, &a.Details); err != nil {
			return nil, fmt.Errorf("decode details: %w", err)
		}
	}
	return &a, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func derefTime(t *time.Time) time.Time {
	if t == nil {
		return time.Time{}
	}
	return *t
}
