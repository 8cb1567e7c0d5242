package appointments

import (
	"errors"
	"fmt"
	"time"

	"github.com/wolfman30/appointment-sync/internal/mis"
)

// Status is the lifecycle state of an appointment row.
type Status string

const (
	StatusActive    Status = "active"
	StatusCancelled Status = "cancelled"
)

// CancelledBy records who cancelled an appointment.
type CancelledBy string

const (
	CancelledByUser CancelledBy = "user_cancel"
	CancelledBySync CancelledBy = "system_sync"
)

var (
	// ErrNotFound is returned when the appointment does not exist for the user.
	ErrNotFound = errors.New("appointments: not found")
	// ErrAlreadyCancelled is returned when cancelling a cancelled appointment.
	ErrAlreadyCancelled = errors.New("appointments: already cancelled")
	// ErrCancelWindowElapsed is returned when a non-forced cancel arrives too late.
	ErrCancelWindowElapsed = errors.New("appointments: cancel window elapsed")
)

// Appointment is a persisted appointment row.
type Appointment struct {
	ID             int64                  `json:"id"`
	UserID         int64                  `json:"user_id"`
	BookIDMis      string                 `json:"book_id_mis,omitempty"`
	Details        mis.AppointmentDetails `json:"details"`
	VisitTime      time.Time              `json:"visit_time"`
	MOName         string                 `json:"mo_name"`
	Status         Status                 `json:"status"`
	CancelledAt    *time.Time             `json:"cancelled_at,omitempty"`
	CancelledBy    CancelledBy            `json:"cancelled_by,omitempty"`
	ReminderSentAt *time.Time             `json:"reminder_sent_at,omitempty"`
	CreatedAt      time.Time              `json:"created_at"`
	UpdatedAt      time.Time              `json:"updated_at"`
}

// Active reports whether the appointment is still active.
func (a Appointment) Active() bool { return a.Status == StatusActive }

// UpsertInput carries one matched feed record to persist.
type UpsertInput struct {
	UserID    int64
	BookIDMis string
	VisitTime time.Time
	MOName    string
	Details   mis.AppointmentDetails
}

// UpsertResult identifies the row an upsert landed on.
type UpsertResult struct {
	ID       int64
	Inserted bool
}

// ReconcileInput scopes a reconciliation pass to one day.
type ReconcileInput struct {
	DayStart time.Time
	DayEnd   time.Time
	// Known holds the keys (see Key) of every appointment the MIS still reports.
	Known map[string]struct{}
	// Exclude holds ids inserted during the current pass.
	Exclude map[int64]struct{}
}

// DayCount is the number of rows created on one day.
type DayCount struct {
	Day   time.Time `json:"day"`
	Count int64     `json:"count"`
}

// Stats summarizes the appointments table.
type Stats struct {
	Total       int64      `json:"total_appointments"`
	UniqueUsers int64      `json:"unique_users"`
	LastCreated *time.Time `json:"last_sync,omitempty"`
	LastWeek    []DayCount `json:"last_7_days"`
}

// Key identifies an appointment for reconciliation: by booking identifier when
// present, otherwise by visit time (to the second) and organization.
func Key(userID int64, bookID string, visit time.Time, moName string) string {
	if bookID != "" {
		return fmt.Sprintf("%d|book|%s", userID, bookID)
	}
	return fmt.Sprintf("%d|slot|%s|%s", userID, visit.UTC().Truncate(time.Second).Format(time.RFC3339), moName)
}
