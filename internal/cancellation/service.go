package cancellation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/wolfman30/appointment-sync/internal/appointments"
	"github.com/wolfman30/appointment-sync/pkg/logging"
)

// Store is the slice of the appointment store the cancel flow needs.
type Store interface {
	Get(ctx context.Context, id, userID int64) (*appointments.Appointment, error)
	Cancel(ctx context.Context, id, userID int64, by appointments.CancelledBy, force bool) (*appointments.Appointment, error)
}

// Canceller sends the cancel to the MIS.
type Canceller interface {
	Configured() bool
	Cancel(ctx context.Context, bookID, reason string, data *ErrorData) (*Result, error)
}

// Outcome describes a completed user cancel.
type Outcome struct {
	Appointment *appointments.Appointment `json:"appointment"`
	MISStatus   string                    `json:"mis_status"`
}

// Service runs the user-initiated cancel flow: validate locally, cancel in
// the MIS, then record the cancel locally.
type Service struct {
	store  Store
	soap   Canceller
	reason string
	window time.Duration
	now    func() time.Time
	logger *logging.Logger
}

// ServiceConfig configures the cancel flow. Window defaults to 3h.
type ServiceConfig struct {
	Store  Store
	SOAP   Canceller
	Reason string
	Window time.Duration
	Logger *logging.Logger
}

// NewService builds the cancel flow.
func NewService(cfg ServiceConfig) *Service {
	if cfg.Logger == nil {
		cfg.Logger = logging.Default()
	}
	if cfg.Window <= 0 {
		cfg.Window = 3 * time.Hour
	}
	if cfg.Reason == "" {
		cfg.Reason = DefaultReason
	}
	return &Service{
		store:  cfg.Store,
		soap:   cfg.SOAP,
		reason: cfg.Reason,
		window: cfg.Window,
		now:    time.Now,
		logger: cfg.Logger,
	}
}

// WithClock overrides the clock used for the cancel window.
func (s *Service) WithClock(now func() time.Time) *Service {
	if now != nil {
		s.now = now
	}
	return s
}

// CancelByUser cancels one of the user's appointments. The local row is only
// cancelled after the MIS confirmed the cancel, so a rejected SOAP call
// leaves the appointment active.
func (s *Service) CancelByUser(ctx context.Context, apptID, userID int64) (*Outcome, error) {
	appt, err := s.store.Get(ctx, apptID, userID)
	if err != nil {
		return nil, err
	}
	if !appt.Active() {
		return nil, appointments.ErrAlreadyCancelled
	}
	if s.now().Sub(appt.CreatedAt) > s.window {
		return nil, appointments.ErrCancelWindowElapsed
	}
	if appt.BookIDMis == "" {
		return nil, ErrMissingBookID
	}
	if s.soap == nil || !s.soap.Configured() {
		return nil, ErrNotConfigured
	}

	res, err := s.soap.Cancel(ctx, appt.BookIDMis, s.reason, nil)
	if err != nil {
		s.logger.Warn("cancellation: mis cancel failed",
			"appointment_id", apptID, "user_id", userID, "book_id_mis", appt.BookIDMis, "error", err)
		return nil, err
	}

	// The window was checked above; the SOAP round trip must not push the
	// local cancel past it.
	cancelled, err := s.store.Cancel(context.WithoutCancel(ctx), apptID, userID, appointments.CancelledByUser, true)
	switch {
	case errors.Is(err, appointments.ErrAlreadyCancelled):
		s.logger.Info("cancellation: appointment cancelled concurrently", "appointment_id", apptID, "user_id", userID)
		appt.Status = appointments.StatusCancelled
		cancelled = appt
	case err != nil:
		return nil, fmt.Errorf("cancellation: record cancel: %w", err)
	}

	s.logger.Info("cancellation: appointment cancelled by user",
		"appointment_id", apptID, "user_id", userID, "book_id_mis", appt.BookIDMis)
	return &Outcome{Appointment: cancelled, MISStatus: res.Status}, nil
}
