// Package syncer runs the appointment synchronization pipeline: fetch the
// MIS feed, parse it, match patients to users, persist, reconcile
// cancellations and send reminders.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/wolfman30/appointment-sync/internal/appointments"
	"github.com/wolfman30/appointment-sync/internal/matching"
	"github.com/wolfman30/appointment-sync/internal/mis"
	"github.com/wolfman30/appointment-sync/internal/notify"
	"github.com/wolfman30/appointment-sync/internal/observability/metrics"
	"github.com/wolfman30/appointment-sync/pkg/logging"
)

var syncTracer = otel.Tracer("appointment-sync.internal.syncer")

var (
	// ErrSyncInProgress is returned when a pass is already running.
	ErrSyncInProgress = errors.New("syncer: sync already in progress, please wait")
	// ErrArchiveDisabled is returned by RunFromArchive without a configured archive.
	ErrArchiveDisabled = errors.New("syncer: feed archive not configured")
)

// FeedSource loads the MIS feed.
type FeedSource interface {
	Fetch(ctx context.Context) (*mis.Feed, error)
	FetchFromFile(path string) (*mis.Feed, error)
	HealthCheck(ctx context.Context) bool
	Configured() bool
	RequestInfo(now time.Time) mis.RequestInfo
}

// AppointmentStore is the persistence the pipeline needs.
type AppointmentStore interface {
	Upsert(ctx context.Context, in appointments.UpsertInput) (appointments.UpsertResult, error)
	ReconcileCancellations(ctx context.Context, in appointments.ReconcileInput) ([]int64, error)
	ListPendingReminders(ctx context.Context, ids []int64) ([]appointments.Appointment, error)
	MarkReminderSent(ctx context.Context, ids []int64) (int64, error)
	DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
	Stats(ctx context.Context) (*appointments.Stats, error)
	Ping(ctx context.Context) error
}

// ReminderSender delivers reminders in batches.
type ReminderSender interface {
	NotifyBatch(ctx context.Context, byUser map[int64][]appointments.Appointment) notify.BatchSummary
	Stats() notify.Stats
}

// FeedArchive stores and replays raw feed payloads.
type FeedArchive interface {
	Enabled() bool
	ArchiveFeed(ctx context.Context, runID string, at time.Time, raw []byte) (string, error)
	LoadFeed(ctx context.Context, key string) ([]byte, error)
}

// TransportProbe checks that the messenger API is reachable.
type TransportProbe interface {
	Ping(ctx context.Context) error
}

// AlertSender notifies operators about failed passes.
type AlertSender interface {
	SyncFailed(ctx context.Context, f notify.SyncFailure) error
}

// Config wires the service. Archive, Transport, Alerter, Lock, Cache and
// Metrics are optional.
type Config struct {
	Fetcher       FeedSource
	Parser        *mis.Parser
	Matcher       *matching.Matcher
	Store         AppointmentStore
	Notifier      ReminderSender
	Archive       FeedArchive
	Transport     TransportProbe
	Alerter       AlertSender
	Lock          Lock
	Cache         ReportCache
	Metrics       *metrics.SyncMetrics
	Location      *time.Location
	RetentionDays int
	Logger        *logging.Logger
}

// Service coordinates sync passes. At most one pass runs per process; a
// configured Lock extends that across processes.
type Service struct {
	fetcher       FeedSource
	parser        *mis.Parser
	matcher       *matching.Matcher
	store         AppointmentStore
	notifier      ReminderSender
	archive       FeedArchive
	transport     TransportProbe
	alerter       AlertSender
	lock          Lock
	cache         ReportCache
	metrics       *metrics.SyncMetrics
	loc           *time.Location
	retentionDays int
	now           func() time.Time
	logger        *logging.Logger

	running atomic.Bool
	mu      sync.RWMutex
	last    *Report
}

// NewService builds a sync service. Retention defaults to 365 days.
func NewService(cfg Config) *Service {
	if cfg.Logger == nil {
		cfg.Logger = logging.Default()
	}
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	if cfg.RetentionDays <= 0 {
		cfg.RetentionDays = 365
	}
	if cfg.Parser == nil {
		cfg.Parser = mis.NewParser(cfg.Location, cfg.Logger)
	}
	return &Service{
		fetcher:       cfg.Fetcher,
		parser:        cfg.Parser,
		matcher:       cfg.Matcher,
		store:         cfg.Store,
		notifier:      cfg.Notifier,
		archive:       cfg.Archive,
		transport:     cfg.Transport,
		alerter:       cfg.Alerter,
		lock:          cfg.Lock,
		cache:         cfg.Cache,
		metrics:       cfg.Metrics,
		loc:           cfg.Location,
		retentionDays: cfg.RetentionDays,
		now:           time.Now,
		logger:        cfg.Logger,
	}
}

// WithClock overrides the clock used to pick "tomorrow" and stamp reports.
func (s *Service) WithClock(now func() time.Time) *Service {
	if now != nil {
		s.now = now
	}
	return s
}

type triggerKey struct{}

// WithTrigger tags ctx with the source recorded on the report of RunSync.
func WithTrigger(ctx context.Context, source string) context.Context {
	return context.WithValue(ctx, triggerKey{}, source)
}

// TriggerSource returns the source set by WithTrigger, defaulting to api.
func TriggerSource(ctx context.Context) string {
	if v, ok := ctx.Value(triggerKey{}).(string); ok && v != "" {
		return v
	}
	return SourceAPI
}

type feedLoader func(ctx context.Context) (*mis.Feed, error)

// RunSync fetches tomorrow's feed and runs a full pass. Pipeline failures are
// reported through Report.Success; the error is reserved for a pass that
// could not start, such as ErrSyncInProgress.
func (s *Service) RunSync(ctx context.Context) (*Report, error) {
	return s.run(ctx, TriggerSource(ctx), s.fetcher.Fetch, true)
}

// RunFromFile runs a pass over a saved informer payload.
func (s *Service) RunFromFile(ctx context.Context, path string) (*Report, error) {
	return s.run(ctx, SourceFile, func(context.Context) (*mis.Feed, error) {
		return s.fetcher.FetchFromFile(path)
	}, false)
}

// RunFromArchive replays an archived payload.
func (s *Service) RunFromArchive(ctx context.Context, key string) (*Report, error) {
	if s.archive == nil || !s.archive.Enabled() {
		return nil, ErrArchiveDisabled
	}
	return s.run(ctx, SourceArchive, func(ctx context.Context) (*mis.Feed, error) {
		raw, err := s.archive.LoadFeed(ctx, key)
		if err != nil {
			return nil, err
		}
		return mis.DecodeFeed(raw)
	}, false)
}

func (s *Service) run(ctx context.Context, source string, load feedLoader, archiveRaw bool) (*Report, error) {
	if !s.running.CompareAndSwap(false, true) {
		s.metrics.ObserveBusy()
		return nil, ErrSyncInProgress
	}
	defer s.running.Store(false)

	if s.lock != nil {
		release, err := s.lock.Acquire(ctx)
		switch {
		case errors.Is(err, ErrSyncInProgress):
			s.metrics.ObserveBusy()
			return nil, err
		case err != nil:
			s.logger.Warn("syncer: distributed lock unavailable, continuing with local guard", "error", err)
		default:
			defer func() {
				if err := release(context.WithoutCancel(ctx)); err != nil {
					s.logger.Warn("syncer: lock release failed", "error", err)
				}
			}()
		}
	}

	report := s.execute(ctx, source, load, archiveRaw)
	s.record(context.WithoutCancel(ctx), report)
	return report, nil
}

func (s *Service) execute(ctx context.Context, source string, load feedLoader, archiveRaw bool) *Report {
	started := s.now()
	report := &Report{RunID: uuid.NewString(), Source: source, StartedAt: started}
	logger := s.logger.With("run_id", report.RunID, "source", source)

	ctx, span := syncTracer.Start(ctx, "syncer.run", trace.WithAttributes(
		attribute.String("sync.run_id", report.RunID),
		attribute.String("sync.source", source),
	))
	defer span.End()
	logger.Info("syncer: pass started")

	feed, err := s.fetchStage(ctx, load)
	if err != nil {
		return s.finish(span, logger, report, fmt.Errorf("fetch: %w", err))
	}
	if archiveRaw {
		report.ArchiveKey = s.archiveStage(ctx, logger, report, feed)
	}

	parsed := s.parser.Parse(feed, started)
	report.Summary.Received = parsed.Stats.Received
	report.Summary.Parsed = parsed.Stats.Processed
	report.Summary.ParseErrors = parsed.Stats.Errors
	report.Summary.SkippedOtherDates = parsed.Stats.Skipped
	report.Summary.ParseSuccessRate = parsed.Stats.SuccessRate
	if len(parsed.Records) == 0 {
		logger.Info("syncer: no appointments for tomorrow in feed")
		return s.finish(span, logger, report, nil)
	}
	if err := ctx.Err(); err != nil {
		return s.finish(span, logger, report, fmt.Errorf("interrupted before matching: %w", err))
	}

	matched := s.matcher.MatchAll(ctx, parsed.Records)
	report.Summary.Matched = matched.Stats.Matched
	report.Summary.Unmatched = matched.Stats.Unmatched
	report.Summary.MatchRate = matched.Stats.MatchRate
	if len(matched.Matched) == 0 {
		logger.Info("syncer: no feed records matched registered users")
		return s.finish(span, logger, report, nil)
	}
	if err := ctx.Err(); err != nil {
		return s.finish(span, logger, report, fmt.Errorf("interrupted before persistence: %w", err))
	}

	// Started stages run to completion; cancellation is honoured between them.
	detached := context.WithoutCancel(ctx)
	ids, inserted := s.persistStage(detached, logger, report, matched.Matched)
	if err := ctx.Err(); err != nil {
		return s.finish(span, logger, report, fmt.Errorf("interrupted after persistence: %w", err))
	}
	s.reconcileStage(detached, logger, report, started, matched.Matched, inserted)
	if err := ctx.Err(); err != nil {
		return s.finish(span, logger, report, fmt.Errorf("interrupted before notification: %w", err))
	}
	s.notifyStage(detached, logger, report, ids)

	return s.finish(span, logger, report, nil)
}

func (s *Service) fetchStage(ctx context.Context, load feedLoader) (*mis.Feed, error) {
	ctx, span := syncTracer.Start(ctx, "syncer.fetch")
	defer span.End()
	feed, err := load(ctx)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	span.SetAttributes(attribute.Int("sync.records", feed.Received()))
	return feed, nil
}

func (s *Service) archiveStage(ctx context.Context, logger *logging.Logger, report *Report, feed *mis.Feed) string {
	if s.archive == nil || !s.archive.Enabled() || len(feed.Raw) == 0 {
		return ""
	}
	key, err := s.archive.ArchiveFeed(ctx, report.RunID, report.StartedAt, feed.Raw)
	if err != nil {
		logger.Warn("syncer: feed archive failed", "error", err)
		report.Warnings = append(report.Warnings, "archive: "+err.Error())
		return ""
	}
	return key
}

func (s *Service) persistStage(ctx context.Context, logger *logging.Logger, report *Report, matches []matching.Match) ([]int64, map[int64]struct{}) {
	ctx, span := syncTracer.Start(ctx, "syncer.persist")
	defer span.End()

	var ids []int64
	inserted := make(map[int64]struct{})
	for _, m := range matches {
		if !s.matcher.RemindersEnabled(ctx, m.UserID) {
			logger.Info("syncer: reminders disabled, appointment not stored", "user_id", m.UserID)
			report.Summary.SkippedRemindersOff++
			continue
		}
		res, err := s.store.Upsert(ctx, appointments.UpsertInput{
			UserID:    m.UserID,
			BookIDMis: m.Record.BookIDMis,
			VisitTime: m.Record.VisitTime,
			MOName:    m.Record.MOName,
			Details:   m.Record.Details,
		})
		if err != nil {
			logger.Error("syncer: appointment not stored", "user_id", m.UserID, "book_id_mis", m.Record.BookIDMis, "error", err)
			span.RecordError(err)
			report.Summary.SaveErrors++
			continue
		}
		ids = append(ids, res.ID)
		if res.Inserted {
			inserted[res.ID] = struct{}{}
			report.Summary.Saved++
		} else {
			report.Summary.AlreadyExisting++
		}
	}
	span.SetAttributes(
		attribute.Int("sync.saved", report.Summary.Saved),
		attribute.Int("sync.save_errors", report.Summary.SaveErrors),
	)
	return ids, inserted
}

func (s *Service) reconcileStage(ctx context.Context, logger *logging.Logger, report *Report, started time.Time, matches []matching.Match, inserted map[int64]struct{}) {
	ctx, span := syncTracer.Start(ctx, "syncer.reconcile")
	defer span.End()

	known := make(map[string]struct{}, len(matches))
	for _, m := range matches {
		known[appointments.Key(m.UserID, m.Record.BookIDMis, m.Record.VisitTime, m.Record.MOName)] = struct{}{}
	}
	dayStart, dayEnd := mis.DayWindow(mis.Tomorrow(started, s.loc))
	cancelled, err := s.store.ReconcileCancellations(ctx, appointments.ReconcileInput{
		DayStart: dayStart,
		DayEnd:   dayEnd,
		Known:    known,
		Exclude:  inserted,
	})
	if err != nil {
		span.RecordError(err)
		logger.Error("syncer: reconciliation failed", "error", err)
		report.Warnings = append(report.Warnings, "reconcile: "+err.Error())
		return
	}
	report.Summary.CancelledBySync = len(cancelled)
	if len(cancelled) > 0 {
		logger.Info("syncer: appointments removed from MIS cancelled", "count", len(cancelled), "ids", cancelled)
	}
}

func (s *Service) notifyStage(ctx context.Context, logger *logging.Logger, report *Report, ids []int64) {
	if s.notifier == nil || len(ids) == 0 {
		return
	}
	ctx, span := syncTracer.Start(ctx, "syncer.notify")
	defer span.End()

	pending, err := s.store.ListPendingReminders(ctx, ids)
	if err != nil {
		span.RecordError(err)
		logger.Error("syncer: pending reminders lookup failed", "error", err)
		report.Warnings = append(report.Warnings, "notify: "+err.Error())
		return
	}
	if len(pending) == 0 {
		logger.Info("syncer: no reminders pending")
		return
	}

	byUser := make(map[int64][]appointments.Appointment)
	for _, a := range pending {
		byUser[a.UserID] = append(byUser[a.UserID], a)
	}
	summary := s.notifier.NotifyBatch(ctx, byUser)
	report.Notifications = &summary

	for userID, reason := range summary.Details {
		if reason != notify.ReasonSent {
			continue
		}
		apptIDs := make([]int64, 0, len(byUser[userID]))
		for _, a := range byUser[userID] {
			apptIDs = append(apptIDs, a.ID)
		}
		if _, err := s.store.MarkReminderSent(ctx, apptIDs); err != nil {
			logger.Error("syncer: reminder stamp failed", "user_id", userID, "error", err)
			report.Warnings = append(report.Warnings, fmt.Sprintf("mark reminder sent for user %d: %v", userID, err))
		}
	}
}

func (s *Service) finish(span trace.Span, logger *logging.Logger, report *Report, err error) *Report {
	report.FinishedAt = s.now()
	report.DurationSeconds = report.FinishedAt.Sub(report.StartedAt).Seconds()
	report.Components = s.components()
	report.Success = err == nil
	if err != nil {
		report.Error = err.Error()
		span.RecordError(err)
	}
	span.SetAttributes(attribute.Bool("sync.success", report.Success))

	duration := report.FinishedAt.Sub(report.StartedAt)
	s.metrics.ObserveRun(report.Source, report.Success, duration, report.FinishedAt)
	sum := report.Summary
	s.metrics.AddRecords("received", sum.Received)
	s.metrics.AddRecords("parse_error", sum.ParseErrors)
	s.metrics.AddRecords("matched", sum.Matched)
	s.metrics.AddRecords("unmatched", sum.Unmatched)
	s.metrics.AddRecords("skipped_reminders_off", sum.SkippedRemindersOff)
	s.metrics.AddRecords("saved", sum.Saved)
	s.metrics.AddRecords("save_error", sum.SaveErrors)
	s.metrics.AddRecords("cancelled_by_sync", sum.CancelledBySync)

	if err != nil {
		logger.Error("syncer: pass failed", "error", err, "duration", duration)
	} else {
		logger.Info("syncer: pass finished",
			"duration", duration,
			"received", sum.Received,
			"parsed", sum.Parsed,
			"matched", sum.Matched,
			"saved", sum.Saved,
			"already_existing", sum.AlreadyExisting,
			"save_errors", sum.SaveErrors,
			"cancelled_by_sync", sum.CancelledBySync,
		)
	}
	return report
}

func (s *Service) record(ctx context.Context, report *Report) {
	s.mu.Lock()
	s.last = report
	s.mu.Unlock()

	if s.cache != nil {
		if err := s.cache.Save(ctx, report); err != nil {
			s.logger.Warn("syncer: report cache write failed", "run_id", report.RunID, "error", err)
		}
	}
	if !report.Success && s.alerter != nil {
		err := s.alerter.SyncFailed(ctx, notify.SyncFailure{
			RunID:      report.RunID,
			Source:     report.Source,
			Error:      report.Error,
			StartedAt:  report.StartedAt,
			Duration:   report.FinishedAt.Sub(report.StartedAt),
			Received:   report.Summary.Received,
			Matched:    report.Summary.Matched,
			Saved:      report.Summary.Saved,
			SaveErrors: report.Summary.SaveErrors,
		})
		if err != nil {
			s.logger.Warn("syncer: failure alert not sent", "run_id", report.RunID, "error", err)
		}
	}
}

func (s *Service) components() ComponentStats {
	stats := ComponentStats{Parser: s.parser.Stats()}
	if s.matcher != nil {
		stats.Matcher = s.matcher.Stats()
	}
	if s.notifier != nil {
		stats.Notifier = s.notifier.Stats()
	}
	return stats
}

// Running reports whether this process is executing a pass.
func (s *Service) Running() bool {
	return s.running.Load()
}

// LastReport returns the most recent report of this process, falling back to
// the shared cache.
func (s *Service) LastReport(ctx context.Context) *Report {
	s.mu.RLock()
	last := s.last
	s.mu.RUnlock()
	if last != nil || s.cache == nil {
		return last
	}
	cached, err := s.cache.Last(ctx)
	if err != nil {
		s.logger.Warn("syncer: report cache read failed", "error", err)
		return nil
	}
	return cached
}

// RunCleanup deletes appointments whose visit is older than days; a
// non-positive value uses the configured retention.
func (s *Service) RunCleanup(ctx context.Context, days int) (int64, error) {
	if days <= 0 {
		days = s.retentionDays
	}
	ctx, span := syncTracer.Start(ctx, "syncer.cleanup", trace.WithAttributes(attribute.Int("cleanup.days", days)))
	defer span.End()

	cutoff := s.now().AddDate(0, 0, -days)
	deleted, err := s.store.DeleteOlderThan(ctx, cutoff)
	if err != nil {
		span.RecordError(err)
		return 0, fmt.Errorf("syncer: cleanup: %w", err)
	}
	s.metrics.ObserveCleanup(deleted)
	s.logger.Info("syncer: old appointments deleted", "deleted", deleted, "cutoff", cutoff, "days", days)
	return deleted, nil
}

// HealthCheck probes the feed endpoint, the database and the messenger API.
func (s *Service) HealthCheck(ctx context.Context) Health {
	h := Health{CheckedAt: s.now()}
	h.Feed = s.fetcher.HealthCheck(ctx)
	if err := s.store.Ping(ctx); err != nil {
		s.logger.Warn("syncer: database health check failed", "error", err)
	} else {
		h.Database = true
	}
	if s.transport != nil {
		if err := s.transport.Ping(ctx); err != nil {
			s.logger.Warn("syncer: bot api health check failed", "error", err)
		} else {
			h.Transport = true
		}
	}
	h.Healthy = h.Feed && h.Database && h.Transport
	if !h.Healthy {
		s.logger.Warn("syncer: unhealthy", "mis_api", h.Feed, "database", h.Database, "bot_api", h.Transport)
	}
	return h
}

// Status summarizes the service: last pass, database statistics and
// component counters.
func (s *Service) Status(ctx context.Context) Status {
	st := Status{
		Running: s.Running(),
		Fetcher: FetcherStatus{
			Configured: s.fetcher.Configured(),
			Request:    s.fetcher.RequestInfo(s.now()),
		},
		Components: s.components(),
	}
	if last := s.LastReport(ctx); last != nil {
		finished := last.FinishedAt
		st.LastSync = &finished
		st.LastReport = last
	}
	stats, err := s.store.Stats(ctx)
	if err != nil {
		st.DatabaseError = err.Error()
	} else {
		st.Database = stats
	}
	return st
}
