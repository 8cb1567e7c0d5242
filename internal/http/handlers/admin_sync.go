package handlers

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/wolfman30/appointment-sync/internal/appointments"
	"github.com/wolfman30/appointment-sync/internal/archive"
	"github.com/wolfman30/appointment-sync/internal/http/middleware"
	"github.com/wolfman30/appointment-sync/internal/scheduler"
	"github.com/wolfman30/appointment-sync/internal/syncer"
	"github.com/wolfman30/appointment-sync/pkg/logging"
)

// SyncService is the part of the sync pipeline the admin API drives.
type SyncService interface {
	Running() bool
	LastReport(ctx context.Context) *syncer.Report
	RunFromArchive(ctx context.Context, key string) (*syncer.Report, error)
	RunCleanup(ctx context.Context, days int) (int64, error)
	HealthCheck(ctx context.Context) syncer.Health
	Status(ctx context.Context) syncer.Status
}

// JobControl manages the cron jobs.
type JobControl interface {
	TriggerSync() error
	TriggerCleanup()
	Pause(id string) error
	Resume(id string) error
	Reschedule(id, spec string) error
	Status() scheduler.Status
}

// AppointmentOverview reports on the appointment table as a whole.
type AppointmentOverview interface {
	Stats(ctx context.Context) (*appointments.Stats, error)
	ListActiveFuture(ctx context.Context, now time.Time) ([]appointments.Appointment, error)
}

// ArchiveIndex lists archived feed payloads.
type ArchiveIndex interface {
	Enabled() bool
	Manifest(ctx context.Context, at time.Time) ([]archive.ManifestEntry, error)
}

// AdminSyncHandler serves the operator endpoints under /admin.
type AdminSyncHandler struct {
	sync    SyncService
	jobs    JobControl
	stats   AppointmentOverview
	archive ArchiveIndex
	logger  *logging.Logger
}

// NewAdminSyncHandler creates the admin handler.
func NewAdminSyncHandler(sync SyncService, jobs JobControl, stats AppointmentOverview, logger *logging.Logger) *AdminSyncHandler {
	if logger == nil {
		logger = logging.Default()
	}
	return &AdminSyncHandler{sync: sync, jobs: jobs, stats: stats, logger: logger}
}

// WithArchive enables the archive listing endpoint.
func (h *AdminSyncHandler) WithArchive(a ArchiveIndex) *AdminSyncHandler {
	h.archive = a
	return h
}

// Routes mounts the admin endpoints on r.
func (h *AdminSyncHandler) Routes(r chi.Router) {
	r.Post("/sync", h.TriggerSync)
	r.Post("/sync/replay", h.ReplayArchive)
	r.Get("/sync/status", h.SyncStatus)
	r.Get("/sync/last", h.LastReport)
	r.Get("/sync/archive", h.ListArchive)
	r.Post("/cleanup", h.Cleanup)
	r.Get("/stats", h.Stats)
	r.Get("/appointments/upcoming", h.Upcoming)
	r.Get("/health", h.Health)

	r.Get("/jobs", h.ListJobs)
	r.Post("/jobs/{jobID}/pause", h.PauseJob)
	r.Post("/jobs/{jobID}/resume", h.ResumeJob)
	r.Put("/jobs/{jobID}/schedule", h.RescheduleJob)
	r.Post("/jobs/{jobID}/run", h.RunJob)
}

// TriggerSync starts a sync pass in the background.
// POST /admin/sync
func (h *AdminSyncHandler) TriggerSync(w http.ResponseWriter, r *http.Request) {
	if err := h.jobs.TriggerSync(); err != nil {
		if errors.Is(err, syncer.ErrSyncInProgress) {
			jsonError(w, "sync already in progress, please wait", http.StatusConflict)
			return
		}
		h.logger.Error("failed to trigger sync", "error", err)
		jsonError(w, "failed to start sync", http.StatusInternalServerError)
		return
	}
	h.logger.Info("sync triggered", "actor", middleware.Actor(r.Context()))
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "started"})
}

type replayRequest struct {
	Key string `json:"key"`
}

// ReplayArchive re-runs the pipeline over an archived feed and returns its report.
// POST /admin/sync/replay
func (h *AdminSyncHandler) ReplayArchive(w http.ResponseWriter, r *http.Request) {
	var req replayRequest
	if err := decodeJSON(r, &req); err != nil {
		jsonError(w, "invalid JSON", http.StatusBadRequest)
		return
	}
	req.Key = strings.TrimSpace(req.Key)
	if req.Key == "" {
		jsonError(w, "key is required", http.StatusBadRequest)
		return
	}

	report, err := h.sync.RunFromArchive(r.Context(), req.Key)
	switch {
	case errors.Is(err, syncer.ErrSyncInProgress):
		jsonError(w, "sync already in progress, please wait", http.StatusConflict)
		return
	case errors.Is(err, syncer.ErrArchiveDisabled):
		jsonError(w, "feed archive not configured", http.StatusServiceUnavailable)
		return
	case err != nil:
		h.logger.Error("archive replay failed", "error", err, "key", req.Key)
		jsonError(w, "replay failed", http.StatusInternalServerError)
		return
	}
	h.logger.Info("archive replayed", "key", req.Key, "run_id", report.RunID, "success", report.Success,
		"actor", middleware.Actor(r.Context()))
	writeJSON(w, http.StatusOK, report)
}

// SyncStatus returns the service status with the scheduler jobs.
// GET /admin/sync/status
func (h *AdminSyncHandler) SyncStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"service":   h.sync.Status(r.Context()),
		"scheduler": h.jobs.Status(),
	})
}

// LastReport returns the most recent sync report.
// GET /admin/sync/last
func (h *AdminSyncHandler) LastReport(w http.ResponseWriter, r *http.Request) {
	report := h.sync.LastReport(r.Context())
	if report == nil {
		jsonError(w, "no sync has run yet", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// ListArchive returns the archived payloads of a month (?month=YYYY-MM,
// default current) so one can be picked for replay.
// GET /admin/sync/archive
func (h *AdminSyncHandler) ListArchive(w http.ResponseWriter, r *http.Request) {
	if h.archive == nil || !h.archive.Enabled() {
		jsonError(w, "feed archive not configured", http.StatusServiceUnavailable)
		return
	}
	month := time.Now().UTC()
	if raw := strings.TrimSpace(r.URL.Query().Get("month")); raw != "" {
		parsed, err := time.Parse("2006-01", raw)
		if err != nil {
			jsonError(w, "month must be YYYY-MM", http.StatusBadRequest)
			return
		}
		month = parsed
	}
	entries, err := h.archive.Manifest(r.Context(), month)
	if err != nil {
		h.logger.Error("failed to read archive manifest", "error", err, "month", month.Format("2006-01"))
		jsonError(w, "failed to read archive manifest", http.StatusInternalServerError)
		return
	}
	if entries == nil {
		entries = []archive.ManifestEntry{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"month": month.Format("2006-01"), "entries": entries})
}

type cleanupRequest struct {
	Days int `json:"days"`
}

// Cleanup deletes appointments older than the retention period. The body may
// override the number of days.
// POST /admin/cleanup
func (h *AdminSyncHandler) Cleanup(w http.ResponseWriter, r *http.Request) {
	var req cleanupRequest
	if err := decodeJSON(r, &req); err != nil {
		jsonError(w, "invalid JSON", http.StatusBadRequest)
		return
	}
	if req.Days < 0 {
		jsonError(w, "days must be positive", http.StatusBadRequest)
		return
	}
	deleted, err := h.sync.RunCleanup(r.Context(), req.Days)
	if err != nil {
		h.logger.Error("cleanup failed", "error", err)
		jsonError(w, "cleanup failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"deleted": deleted})
}

// Stats returns appointment table statistics.
// GET /admin/stats
func (h *AdminSyncHandler) Stats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.stats.Stats(r.Context())
	if err != nil {
		h.logger.Error("failed to load stats", "error", err)
		jsonError(w, "failed to load stats", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// Upcoming lists every active appointment that has not happened yet.
// GET /admin/appointments/upcoming
func (h *AdminSyncHandler) Upcoming(w http.ResponseWriter, r *http.Request) {
	list, err := h.stats.ListActiveFuture(r.Context(), time.Now())
	if err != nil {
		h.logger.Error("failed to list upcoming appointments", "error", err)
		jsonError(w, "failed to list appointments", http.StatusInternalServerError)
		return
	}
	if list == nil {
		list = []appointments.Appointment{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"count": len(list), "appointments": list})
}

// Health probes the feed, the database and the bot API.
// GET /admin/health
func (h *AdminSyncHandler) Health(w http.ResponseWriter, r *http.Request) {
	health := h.sync.HealthCheck(r.Context())
	status := http.StatusOK
	if !health.Healthy {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, health)
}

// ListJobs returns the scheduler status.
// GET /admin/jobs
func (h *AdminSyncHandler) ListJobs(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.jobs.Status())
}

// PauseJob stops a job from firing.
// POST /admin/jobs/{jobID}/pause
func (h *AdminSyncHandler) PauseJob(w http.ResponseWriter, r *http.Request) {
	h.jobAction(w, r, h.jobs.Pause)
}

// ResumeJob re-enables a paused job.
// POST /admin/jobs/{jobID}/resume
func (h *AdminSyncHandler) ResumeJob(w http.ResponseWriter, r *http.Request) {
	h.jobAction(w, r, h.jobs.Resume)
}

type rescheduleRequest struct {
	Spec string `json:"spec"`
}

// RescheduleJob replaces a job's cron spec.
// PUT /admin/jobs/{jobID}/schedule
func (h *AdminSyncHandler) RescheduleJob(w http.ResponseWriter, r *http.Request) {
	var req rescheduleRequest
	if err := decodeJSON(r, &req); err != nil {
		jsonError(w, "invalid JSON", http.StatusBadRequest)
		return
	}
	spec := strings.TrimSpace(req.Spec)
	if spec == "" {
		jsonError(w, "spec is required", http.StatusBadRequest)
		return
	}
	h.jobAction(w, r, func(id string) error { return h.jobs.Reschedule(id, spec) })
}

// RunJob fires a job immediately.
// POST /admin/jobs/{jobID}/run
func (h *AdminSyncHandler) RunJob(w http.ResponseWriter, r *http.Request) {
	switch id := chi.URLParam(r, "jobID"); id {
	case scheduler.JobDailySync:
		h.TriggerSync(w, r)
	case scheduler.JobWeeklyCleanup:
		h.jobs.TriggerCleanup()
		writeJSON(w, http.StatusAccepted, map[string]string{"status": "started"})
	default:
		jsonError(w, "job "+strconv.Quote(id)+" cannot be run manually", http.StatusBadRequest)
	}
}

func (h *AdminSyncHandler) jobAction(w http.ResponseWriter, r *http.Request, action func(id string) error) {
	id := chi.URLParam(r, "jobID")
	if err := action(id); err != nil {
		switch {
		case errors.Is(err, scheduler.ErrUnknownJob):
			jsonError(w, err.Error(), http.StatusNotFound)
		case errors.Is(err, scheduler.ErrInvalidSpec):
			jsonError(w, err.Error(), http.StatusBadRequest)
		default:
			h.logger.Error("job action failed", "error", err, "job", id)
			jsonError(w, "job action failed", http.StatusInternalServerError)
		}
		return
	}
	h.logger.Info("job updated", "job", id, "path", r.URL.Path, "actor", middleware.Actor(r.Context()))
	writeJSON(w, http.StatusOK, h.jobs.Status())
}
