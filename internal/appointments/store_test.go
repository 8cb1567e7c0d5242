package appointments

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wolfman30/appointment-sync/internal/mis"
)

var (
	visitAt   = time.Date(2026, 10, 20, 9, 30, 0, 0, time.UTC)
	createdAt = time.Date(2026, 10, 19, 8, 50, 0, 0, time.UTC)
)

func apptColumns() []string {
	return []string{"id", "user_id", "book_id_mis", "details", "external_visit_time", "external_mo_name",
		"status", "cancelled_at", "cancelled_by", "reminder_sent_at", "created_at", "updated_at"}
}

func strPtr(s string) *string { return &s }

func ivanovInput(bookID string) UpsertInput {
	return UpsertInput{
		UserID:    42,
		BookIDMis: bookID,
		VisitTime: visitAt,
		MOName:    "Поликлиника №1",
		Details: mis.AppointmentDetails{
			PatientName: "Иванов Иван Иванович",
			MOName:      "Поликлиника №1",
			BookIDMis:   bookID,
		},
	}
}

func detailsJSON(t *testing.T, in UpsertInput) []byte {
	t.Helper()
	raw, err := json.Marshal(in.Details)
	require.NoError(t, err)
	return raw
}

func TestUpsertInsertsNewBooking(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	in := ivanovInput("B-1")
	mock.ExpectBegin()
	mock.ExpectQuery("SELECT EXISTS").
		WithArgs(int64(42), "B-1").
		WillReturnRows(pgxmock.NewRows([]string{"exists"}).AddRow(false))
	mock.ExpectQuery("SELECT id, book_id_mis").
		WithArgs(int64(42), visitAt, "Поликлиника №1", "B-1").
		WillReturnRows(pgxmock.NewRows([]string{"id", "book_id_mis"}))
	mock.ExpectQuery("INSERT INTO appointments").
		WithArgs(int64(42), "B-1", detailsJSON(t, in), visitAt, "Поликлиника №1").
		WillReturnRows(pgxmock.NewRows([]string{"id", "inserted"}).AddRow(int64(10), true))
	mock.ExpectCommit()

	res, err := NewStore(mock, nil).Upsert(context.Background(), in)
	require.NoError(t, err)
	assert.Equal(t, UpsertResult{ID: 10, Inserted: true}, res)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpsertExistingBookingMergesWithoutSlotLookup(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT EXISTS").
		WithArgs(int64(42), "B-1").
		WillReturnRows(pgxmock.NewRows([]string{"exists"}).AddRow(true))
	mock.ExpectQuery("ON CONFLICT \\(user_id, book_id_mis\\) DO UPDATE").
		WithArgs(int64(42), "B-1", pgxmock.AnyArg(), visitAt, "Поликлиника №1").
		WillReturnRows(pgxmock.NewRows([]string{"id", "inserted"}).AddRow(int64(10), false))
	mock.ExpectCommit()

	res, err := NewStore(mock, nil).Upsert(context.Background(), ivanovInput("B-1"))
	require.NoError(t, err)
	assert.Equal(t, int64(10), res.ID)
	assert.False(t, res.Inserted)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpsertRelinksCancelledSlot(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT EXISTS").
		WithArgs(int64(42), "B-2").
		WillReturnRows(pgxmock.NewRows([]string{"exists"}).AddRow(false))
	mock.ExpectQuery("SELECT id, book_id_mis").
		WithArgs(int64(42), visitAt, "Поликлиника №1", "B-2").
		WillReturnRows(pgxmock.NewRows([]string{"id", "book_id_mis"}).AddRow(int64(7), strPtr("B-1")))
	mock.ExpectExec("UPDATE appointments SET").
		WithArgs(int64(7), "B-2", pgxmock.AnyArg(), []byte(`{"book_id_mis":"B-2","book_id_mis_original":"B-1"}`)).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectCommit()

	res, err := NewStore(mock, nil).Upsert(context.Background(), ivanovInput("B-2"))
	require.NoError(t, err)
	assert.Equal(t, UpsertResult{ID: 7, Inserted: false}, res)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpsertAdoptsBookingIDOnUnidentifiedSlot(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	in := ivanovInput("MIS-1")
	mock.ExpectBegin()
	mock.ExpectQuery("SELECT EXISTS").
		WithArgs(int64(42), "MIS-1").
		WillReturnRows(pgxmock.NewRows([]string{"exists"}).AddRow(false))
	mock.ExpectQuery("SELECT id, book_id_mis").
		WithArgs(int64(42), visitAt, "Поликлиника №1", "MIS-1").
		WillReturnRows(pgxmock.NewRows([]string{"id", "book_id_mis"}).AddRow(int64(5), (*string)(nil)))
	mock.ExpectExec("UPDATE appointments SET").
		WithArgs(int64(5), "MIS-1", detailsJSON(t, in), []byte(`{"book_id_mis":"MIS-1"}`)).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectCommit()

	res, err := NewStore(mock, nil).Upsert(context.Background(), in)
	require.NoError(t, err)
	assert.Equal(t, UpsertResult{ID: 5, Inserted: false}, res)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpsertWithoutBookingUsesSlotKey(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectBegin()
	mock.ExpectQuery("WHERE book_id_mis IS NULL DO UPDATE").
		WithArgs(int64(42), pgxmock.AnyArg(), visitAt, "Поликлиника №1").
		WillReturnRows(pgxmock.NewRows([]string{"id", "inserted"}).AddRow(int64(11), false))
	mock.ExpectCommit()

	res, err := NewStore(mock, nil).Upsert(context.Background(), ivanovInput(""))
	require.NoError(t, err)
	assert.Equal(t, UpsertResult{ID: 11, Inserted: false}, res)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpsertRetriesUniqueViolationOnce(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectBegin()
	mock.ExpectQuery("INSERT INTO appointments").
		WithArgs(int64(42), pgxmock.AnyArg(), visitAt, "Поликлиника №1").
		WillReturnError(&pgconn.PgError{Code: "23505"})
	mock.ExpectRollback()
	mock.ExpectBegin()
	mock.ExpectQuery("INSERT INTO appointments").
		WithArgs(int64(42), pgxmock.AnyArg(), visitAt, "Поликлиника №1").
		WillReturnRows(pgxmock.NewRows([]string{"id", "inserted"}).AddRow(int64(12), false))
	mock.ExpectCommit()

	res, err := NewStore(mock, nil).Upsert(context.Background(), ivanovInput(""))
	require.NoError(t, err)
	assert.Equal(t, int64(12), res.ID)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestReconcileCancelsOnlyMissingRows(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	dayStart := time.Date(2026, 10, 20, 0, 0, 0, 0, time.UTC)
	dayEnd := dayStart.AddDate(0, 0, 1)
	mock.ExpectBegin()
	mock.ExpectQuery("SELECT id, user_id, book_id_mis, external_visit_time, external_mo_name").
		WithArgs(dayStart, dayEnd).
		WillReturnRows(pgxmock.NewRows([]string{"id", "user_id", "book_id_mis", "external_visit_time", "external_mo_name"}).
			AddRow(int64(1), int64(42), strPtr("B-1"), &visitAt, strPtr("Поликлиника №1")).
			AddRow(int64(2), int64(42), strPtr("B-9"), &visitAt, strPtr("Поликлиника №1")).
			AddRow(int64(3), int64(43), (*string)(nil), &visitAt, strPtr("Поликлиника №2")).
			AddRow(int64(4), int64(44), strPtr("B-4"), &visitAt, strPtr("Поликлиника №1")))
	mock.ExpectQuery("UPDATE appointments SET").
		WithArgs([]int64{2}).
		WillReturnRows(pgxmock.NewRows([]string{"id"}).AddRow(int64(2)))
	mock.ExpectCommit()

	known := map[string]struct{}{
		Key(42, "B-1", visitAt, "Поликлиника №1"): {},
		Key(43, "", visitAt.Add(400*time.Millisecond), "Поликлиника №2"): {},
	}
	cancelled, err := NewStore(mock, nil).ReconcileCancellations(context.Background(), ReconcileInput{
		DayStart: dayStart,
		DayEnd:   dayEnd,
		Known:    known,
		Exclude:  map[int64]struct{}{4: {}},
	})
	require.NoError(t, err)
	assert.Equal(t, []int64{2}, cancelled)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestReconcileNothingStale(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectBegin()
	mock.ExpectQuery("FOR UPDATE").
		WithArgs(pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnRows(pgxmock.NewRows([]string{"id", "user_id", "book_id_mis", "external_visit_time", "external_mo_name"}))
	mock.ExpectCommit()

	cancelled, err := NewStore(mock, nil).ReconcileCancellations(context.Background(), ReconcileInput{})
	require.NoError(t, err)
	assert.Empty(t, cancelled)
	require.NoError(t, mock.ExpectationsWereMet())
}

func appointmentRow(rows *pgxmock.Rows, id int64, status string, created time.Time) *pgxmock.Rows {
	return rows.AddRow(id, int64(42), strPtr("B-1"), []byte(`{"patient_name":"Иванов Иван Иванович","room":"12"}`),
		&visitAt, strPtr("Поликлиника №1"), status, (*time.Time)(nil), (*string)(nil), (*time.Time)(nil), created, created)
}

func TestCancelWithinWindow(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	cancelledAt := createdAt.Add(time.Hour)
	mock.ExpectBegin()
	mock.ExpectQuery("FOR UPDATE").
		WithArgs(int64(5), int64(42)).
		WillReturnRows(appointmentRow(pgxmock.NewRows(apptColumns()), 5, "active", createdAt))
	mock.ExpectQuery("UPDATE appointments SET").
		WithArgs(int64(5), "user_cancel").
		WillReturnRows(pgxmock.NewRows([]string{"cancelled_at"}).AddRow(cancelledAt))
	mock.ExpectCommit()

	store := NewStore(mock, nil).WithClock(func() time.Time { return createdAt.Add(2 * time.Hour) })
	appt, err := store.Cancel(context.Background(), 5, 42, CancelledByUser, false)
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, appt.Status)
	assert.Equal(t, CancelledByUser, appt.CancelledBy)
	assert.Equal(t, "12", appt.Details.Room)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCancelErrors(t *testing.T) {
	t.Run("not found", func(t *testing.T) {
		mock, err := pgxmock.NewPool()
		require.NoError(t, err)
		defer mock.Close()
		mock.ExpectBegin()
		mock.ExpectQuery("FOR UPDATE").WithArgs(int64(5), int64(42)).WillReturnRows(pgxmock.NewRows(apptColumns()))
		mock.ExpectRollback()

		_, err = NewStore(mock, nil).Cancel(context.Background(), 5, 42, CancelledByUser, false)
		require.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("already cancelled", func(t *testing.T) {
		mock, err := pgxmock.NewPool()
		require.NoError(t, err)
		defer mock.Close()
		mock.ExpectBegin()
		mock.ExpectQuery("FOR UPDATE").WithArgs(int64(5), int64(42)).
			WillReturnRows(appointmentRow(pgxmock.NewRows(apptColumns()), 5, "cancelled", createdAt))
		mock.ExpectRollback()

		_, err = NewStore(mock, nil).Cancel(context.Background(), 5, 42, CancelledByUser, true)
		require.ErrorIs(t, err, ErrAlreadyCancelled)
	})

	t.Run("window elapsed", func(t *testing.T) {
		mock, err := pgxmock.NewPool()
		require.NoError(t, err)
		defer mock.Close()
		mock.ExpectBegin()
		mock.ExpectQuery("FOR UPDATE").WithArgs(int64(5), int64(42)).
			WillReturnRows(appointmentRow(pgxmock.NewRows(apptColumns()), 5, "active", createdAt))
		mock.ExpectRollback()

		store := NewStore(mock, nil).WithClock(func() time.Time { return createdAt.Add(4 * time.Hour) })
		_, err = store.Cancel(context.Background(), 5, 42, CancelledByUser, false)
		require.ErrorIs(t, err, ErrCancelWindowElapsed)
	})
}

func TestCancelForceIgnoresWindow(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectBegin()
	mock.ExpectQuery("FOR UPDATE").WithArgs(int64(5), int64(42)).
		WillReturnRows(appointmentRow(pgxmock.NewRows(apptColumns()), 5, "active", createdAt))
	mock.ExpectQuery("UPDATE appointments SET").
		WithArgs(int64(5), "system_sync").
		WillReturnRows(pgxmock.NewRows([]string{"cancelled_at"}).AddRow(time.Now()))
	mock.ExpectCommit()

	store := NewStore(mock, nil).WithClock(func() time.Time { return createdAt.Add(48 * time.Hour) })
	appt, err := store.Cancel(context.Background(), 5, 42, CancelledBySync, true)
	require.NoError(t, err)
	assert.False(t, appt.Active())
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestMarkReminderSentIsIdempotent(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectExec("reminder_sent_at IS NULL").
		WithArgs([]int64{1, 2}).
		WillReturnResult(pgxmock.NewResult("UPDATE", 2))
	mock.ExpectExec("reminder_sent_at IS NULL").
		WithArgs([]int64{1, 2}).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	store := NewStore(mock, nil)
	n, err := store.MarkReminderSent(context.Background(), []int64{1, 2})
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	n, err = store.MarkReminderSent(context.Background(), []int64{1, 2})
	require.NoError(t, err)
	assert.Zero(t, n)

	n, err = store.MarkReminderSent(context.Background(), nil)
	require.NoError(t, err)
	assert.Zero(t, n)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestListQueries(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectQuery("WHERE user_id = \\$1 AND status = 'active'").
		WithArgs(int64(42), 10).
		WillReturnRows(appointmentRow(appointmentRow(pgxmock.NewRows(apptColumns()), 1, "active", createdAt), 2, "active", createdAt))
	mock.ExpectQuery("external_visit_time >= \\$1").
		WithArgs(createdAt).
		WillReturnRows(appointmentRow(pgxmock.NewRows(apptColumns()), 3, "active", createdAt))
	mock.ExpectQuery("reminder_sent_at IS NULL").
		WithArgs([]int64{3}).
		WillReturnRows(appointmentRow(pgxmock.NewRows(apptColumns()), 3, "active", createdAt))

	store := NewStore(mock, nil)
	active, err := store.ListActive(context.Background(), 42, 0)
	require.NoError(t, err)
	assert.Len(t, active, 2)
	assert.Equal(t, "B-1", active[0].BookIDMis)
	assert.Equal(t, "Поликлиника №1", active[0].MOName)

	future, err := store.ListActiveFuture(context.Background(), createdAt)
	require.NoError(t, err)
	require.Len(t, future, 1)
	assert.Equal(t, int64(3), future[0].ID)

	pending, err := store.ListPendingReminders(context.Background(), []int64{3})
	require.NoError(t, err)
	assert.Len(t, pending, 1)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestDeleteOlderThanAndStats(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	cutoff := createdAt.AddDate(-1, 0, 0)
	mock.ExpectExec("DELETE FROM appointments").WithArgs(cutoff).
		WillReturnResult(pgxmock.NewResult("DELETE", 17))
	mock.ExpectQuery("COUNT\\(DISTINCT user_id\\)").
		WillReturnRows(pgxmock.NewRows([]string{"count", "count", "max"}).AddRow(int64(120), int64(80), &createdAt))
	mock.ExpectQuery("date_trunc").
		WillReturnRows(pgxmock.NewRows([]string{"day", "count"}).
			AddRow(createdAt.Truncate(24*time.Hour), int64(12)).
			AddRow(createdAt.Truncate(24*time.Hour).AddDate(0, 0, -1), int64(9)))

	store := NewStore(mock, nil)
	deleted, err := store.DeleteOlderThan(context.Background(), cutoff)
	require.NoError(t, err)
	assert.Equal(t, int64(17), deleted)

	stats, err := store.Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(120), stats.Total)
	assert.Equal(t, int64(80), stats.UniqueUsers)
	require.NotNil(t, stats.LastCreated)
	assert.Len(t, stats.LastWeek, 2)
	assert.Equal(t, int64(12), stats.LastWeek[0].Count)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestKey(t *testing.T) {
	assert.Equal(t, "42|book|B-1", Key(42, "B-1", visitAt, "ignored"))
	assert.Equal(t,
		Key(42, "", visitAt, "Поликлиника №1"),
		Key(42, "", visitAt.Add(999*time.Millisecond).In(time.FixedZone("MSK", 3*3600)), "Поликлиника №1"))
	assert.NotEqual(t, Key(42, "", visitAt, "A"), Key(42, "", visitAt, "B"))
}
