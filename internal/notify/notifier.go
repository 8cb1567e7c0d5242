package notify

import (
	"context"
	"errors"
	"slices"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/wolfman30/appointment-sync/internal/appointments"
	"github.com/wolfman30/appointment-sync/internal/observability/metrics"
	"github.com/wolfman30/appointment-sync/pkg/logging"
)

// Outcome reasons reported by Notify.
const (
	ReasonSent        = "sent"
	ReasonSkippedTime = "skipped_time"
	ReasonDenied      = "denied"
	ReasonError       = "error"
	ReasonRetryFailed = "retry_failed"
)

// Outcome is the result of notifying one user.
type Outcome struct {
	Sent   bool   `json:"sent"`
	Reason string `json:"reason"`
}

// Stats counts delivery outcomes.
type Stats struct {
	Sent           int `json:"sent"`
	Skipped        int `json:"skipped"`
	Denied         int `json:"denied"`
	Errors         int `json:"errors"`
	TotalAttempted int `json:"total_attempted"`
}

func (s *Stats) add(reason string) {
	switch reason {
	case ReasonSent:
		s.Sent++
	case ReasonSkippedTime:
		s.Skipped++
	case ReasonDenied:
		s.Denied++
	default:
		s.Errors++
	}
	s.TotalAttempted++
}

// BatchSummary reports the outcome of a batch.
type BatchSummary struct {
	TotalUsers int              `json:"total_users"`
	Stats      Stats            `json:"stats"`
	Details    map[int64]string `json:"details"`
}

// Notifier delivers appointment reminders within the send window, retrying
// rate-limited sends and pacing consecutive sends.
type Notifier struct {
	transport   Transport
	book        AddressBook
	window      SendWindow
	loc         *time.Location
	retryDelays []time.Duration
	limiter     *rate.Limiter
	now         func() time.Time
	metrics     *metrics.NotifyMetrics
	logger      *logging.Logger

	mu    sync.Mutex
	stats Stats
}

// NewNotifier creates a notifier with 2s/4s/8s rate-limit retries and 150ms pacing.
func NewNotifier(transport Transport, book AddressBook, window SendWindow, loc *time.Location, logger *logging.Logger) *Notifier {
	if logger == nil {
		logger = logging.Default()
	}
	if loc == nil {
		loc = time.UTC
	}
	return &Notifier{
		transport:   transport,
		book:        book,
		window:      window,
		loc:         loc,
		retryDelays: []time.Duration{2 * time.Second, 4 * time.Second, 8 * time.Second},
		limiter:     rate.NewLimiter(rate.Every(150*time.Millisecond), 1),
		now:         time.Now,
		logger:      logger,
	}
}

// WithRetryDelays overrides the waits applied after successive rate-limit responses.
func (n *Notifier) WithRetryDelays(delays []time.Duration) *Notifier {
	if delays != nil {
		n.retryDelays = slices.Clone(delays)
	}
	return n
}

// WithPacing sets the minimum spacing between consecutive sends; zero disables pacing.
func (n *Notifier) WithPacing(d time.Duration) *Notifier {
	if d <= 0 {
		n.limiter = rate.NewLimiter(rate.Inf, 1)
		return n
	}
	n.limiter = rate.NewLimiter(rate.Every(d), 1)
	return n
}

// WithClock overrides the clock used for the send window.
func (n *Notifier) WithClock(now func() time.Time) *Notifier {
	if now != nil {
		n.now = now
	}
	return n
}

// WithMetrics attaches delivery metrics.
func (n *Notifier) WithMetrics(m *metrics.NotifyMetrics) *Notifier {
	n.metrics = m
	return n
}

// Notify sends one combined reminder for the user's appointments.
func (n *Notifier) Notify(ctx context.Context, userID int64, appts []appointments.Appointment) Outcome {
	return n.record(n.notify(ctx, userID, appts))
}

func (n *Notifier) record(out Outcome) Outcome {
	n.mu.Lock()
	n.stats.add(out.Reason)
	n.mu.Unlock()
	n.metrics.ObserveOutcome(out.Reason)
	return out
}

func (n *Notifier) notify(ctx context.Context, userID int64, appts []appointments.Appointment) Outcome {
	if !n.window.Allows(n.now()) {
		return Outcome{Reason: ReasonSkippedTime}
	}
	if len(appts) == 0 {
		return Outcome{Reason: ReasonError}
	}

	chatID, ok, err := n.book.LastChatID(ctx, userID)
	if err != nil {
		n.logger.Error("notify: chat lookup failed", "user_id", userID, "error", err)
		return Outcome{Reason: ReasonError}
	}
	if !ok {
		n.logger.Warn("notify: no chat for user", "user_id", userID)
		return Outcome{Reason: ReasonError}
	}

	msg := BuildReminder(chatID, appts, n.loc)
	for attempt := 0; ; attempt++ {
		err := n.transport.SendMessage(ctx, msg)
		if err == nil {
			n.logger.Info("notify: reminder sent", "user_id", userID, "appointments", len(appts), "attempts", attempt+1)
			return Outcome{Sent: true, Reason: ReasonSent}
		}

		var sendErr *SendError
		if !errors.As(err, &sendErr) {
			n.logger.Error("notify: send failed", "user_id", userID, "error", err)
			return Outcome{Reason: ReasonError}
		}
		switch sendErr.Kind {
		case ErrorRecipientUnavailable:
			n.logger.Info("notify: recipient unavailable", "user_id", userID, "code", sendErr.Code)
			return Outcome{Reason: ReasonDenied}
		case ErrorRateLimited:
			if attempt >= len(n.retryDelays) {
				n.logger.Warn("notify: rate limit retries exhausted", "user_id", userID, "attempts", attempt+1)
				return Outcome{Reason: ReasonRetryFailed}
			}
			n.metrics.ObserveRetry()
			n.logger.Warn("notify: rate limited, backing off", "user_id", userID, "delay", n.retryDelays[attempt])
			if err := sleepCtx(ctx, n.retryDelays[attempt]); err != nil {
				return Outcome{Reason: ReasonRetryFailed}
			}
		default:
			n.logger.Error("notify: send failed", "user_id", userID, "error", err)
			return Outcome{Reason: ReasonError}
		}
	}
}

// NotifyBatch notifies users in ascending id order, pacing consecutive sends.
func (n *Notifier) NotifyBatch(ctx context.Context, byUser map[int64][]appointments.Appointment) BatchSummary {
	summary := BatchSummary{
		TotalUsers: len(byUser),
		Details:    make(map[int64]string, len(byUser)),
	}
	userIDs := make([]int64, 0, len(byUser))
	for id := range byUser {
		userIDs = append(userIDs, id)
	}
	slices.Sort(userIDs)

	for _, userID := range userIDs {
		var out Outcome
		if err := n.limiter.Wait(ctx); err != nil {
			out = n.record(Outcome{Reason: ReasonError})
		} else {
			out = n.Notify(ctx, userID, byUser[userID])
		}
		summary.Stats.add(out.Reason)
		summary.Details[userID] = out.Reason
	}

	n.logger.Info("notify: batch finished",
		"users", summary.TotalUsers,
		"sent", summary.Stats.Sent,
		"skipped", summary.Stats.Skipped,
		"denied", summary.Stats.Denied,
		"errors", summary.Stats.Errors,
	)
	return summary
}

// Stats returns counters accumulated across all sends.
func (n *Notifier) Stats() Stats {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.stats
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
