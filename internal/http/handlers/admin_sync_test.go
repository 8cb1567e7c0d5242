package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wolfman30/appointment-sync/internal/appointments"
	"github.com/wolfman30/appointment-sync/internal/archive"
	"github.com/wolfman30/appointment-sync/internal/scheduler"
	"github.com/wolfman30/appointment-sync/internal/syncer"
)

type fakeSyncService struct {
	running     bool
	last        *syncer.Report
	replayErr   error
	replayKeys  []string
	cleanupDays []int
	health      syncer.Health
}

func (f *fakeSyncService) Running() bool { return f.running }

func (f *fakeSyncService) LastReport(context.Context) *syncer.Report { return f.last }

func (f *fakeSyncService) RunFromArchive(_ context.Context, key string) (*syncer.Report, error) {
	f.replayKeys = append(f.replayKeys, key)
	if f.replayErr != nil {
		return nil, f.replayErr
	}
	return &syncer.Report{RunID: "replay-1", Source: syncer.SourceArchive, Success: true}, nil
}

func (f *fakeSyncService) RunCleanup(_ context.Context, days int) (int64, error) {
	f.cleanupDays = append(f.cleanupDays, days)
	return 7, nil
}

func (f *fakeSyncService) HealthCheck(context.Context) syncer.Health { return f.health }

func (f *fakeSyncService) Status(context.Context) syncer.Status {
	return syncer.Status{Running: f.running, LastReport: f.last}
}

type fakeJobs struct {
	triggerErr  error
	syncs       int
	cleanups    int
	paused      []string
	resumed     []string
	rescheduled map[string]string
}

func (f *fakeJobs) TriggerSync() error {
	if f.triggerErr != nil {
		return f.triggerErr
	}
	f.syncs++
	return nil
}

func (f *fakeJobs) TriggerCleanup() { f.cleanups++ }

func (f *fakeJobs) Pause(id string) error {
	if id != scheduler.JobDailySync {
		return scheduler.ErrUnknownJob
	}
	f.paused = append(f.paused, id)
	return nil
}

func (f *fakeJobs) Resume(id string) error {
	f.resumed = append(f.resumed, id)
	return nil
}

func (f *fakeJobs) Reschedule(id, spec string) error {
	if spec == "bad" {
		return scheduler.ErrInvalidSpec
	}
	if f.rescheduled == nil {
		f.rescheduled = map[string]string{}
	}
	f.rescheduled[id] = spec
	return nil
}

func (f *fakeJobs) Status() scheduler.Status {
	return scheduler.Status{Timezone: "Europe/Moscow", Jobs: []scheduler.JobStatus{{ID: scheduler.JobDailySync, Spec: "50 8 * * *"}}}
}

type fakeStats struct {
	err error
}

func (f fakeStats) Stats(context.Context) (*appointments.Stats, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &appointments.Stats{Total: 12, UniqueUsers: 5}, nil
}

func (f fakeStats) ListActiveFuture(context.Context, time.Time) ([]appointments.Appointment, error) {
	if f.err != nil {
		return nil, f.err
	}
	return []appointments.Appointment{{ID: 1, UserID: 2, Status: appointments.StatusActive}}, nil
}

func newAdminRouter(svc *fakeSyncService, jobs *fakeJobs, stats AppointmentOverview) http.Handler {
	r := chi.NewRouter()
	r.Route("/admin", NewAdminSyncHandler(svc, jobs, stats, nil).Routes)
	return r
}

func doRequest(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func TestAdminTriggerSync(t *testing.T) {
	jobs := &fakeJobs{}
	h := newAdminRouter(&fakeSyncService{}, jobs, fakeStats{})

	rec := doRequest(t, h, http.MethodPost, "/admin/sync", "")
	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, 1, jobs.syncs)
}

func TestAdminTriggerSyncWhileRunning(t *testing.T) {
	jobs := &fakeJobs{triggerErr: syncer.ErrSyncInProgress}
	h := newAdminRouter(&fakeSyncService{running: true}, jobs, fakeStats{})

	rec := doRequest(t, h, http.MethodPost, "/admin/sync", "")
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Contains(t, decodeBody(t, rec)["error"], "please wait")
}

func TestAdminReplay(t *testing.T) {
	svc := &fakeSyncService{}
	h := newAdminRouter(svc, &fakeJobs{}, fakeStats{})

	rec := doRequest(t, h, http.MethodPost, "/admin/sync/replay", `{"key":"mis-feed/v1/by-date/2026/10/19/run.json"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "replay-1", decodeBody(t, rec)["run_id"])
	assert.Equal(t, []string{"mis-feed/v1/by-date/2026/10/19/run.json"}, svc.replayKeys)

	rec = doRequest(t, h, http.MethodPost, "/admin/sync/replay", `{}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doRequest(t, h, http.MethodPost, "/admin/sync/replay", `{"unknown":1}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAdminReplayErrors(t *testing.T) {
	cases := []struct {
		err  error
		code int
	}{
		{syncer.ErrArchiveDisabled, http.StatusServiceUnavailable},
		{syncer.ErrSyncInProgress, http.StatusConflict},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		h := newAdminRouter(&fakeSyncService{replayErr: tc.err}, &fakeJobs{}, fakeStats{})
		rec := doRequest(t, h, http.MethodPost, "/admin/sync/replay", `{"key":"k"}`)
		assert.Equal(t, tc.code, rec.Code, tc.err.Error())
	}
}

func TestAdminStatusAndLastReport(t *testing.T) {
	svc := &fakeSyncService{}
	h := newAdminRouter(svc, &fakeJobs{}, fakeStats{})

	rec := doRequest(t, h, http.MethodGet, "/admin/sync/last", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	svc.last = &syncer.Report{RunID: "run-9", Success: true}
	rec = doRequest(t, h, http.MethodGet, "/admin/sync/last", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "run-9", decodeBody(t, rec)["run_id"])

	rec = doRequest(t, h, http.MethodGet, "/admin/sync/status", "")
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Contains(t, body, "service")
	assert.Contains(t, body, "scheduler")
}

func TestAdminCleanup(t *testing.T) {
	svc := &fakeSyncService{}
	h := newAdminRouter(svc, &fakeJobs{}, fakeStats{})

	rec := doRequest(t, h, http.MethodPost, "/admin/cleanup", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 7, decodeBody(t, rec)["deleted"])

	rec = doRequest(t, h, http.MethodPost, "/admin/cleanup", `{"days":30}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []int{0, 30}, svc.cleanupDays)

	rec = doRequest(t, h, http.MethodPost, "/admin/cleanup", `{"days":-1}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAdminStats(t *testing.T) {
	h := newAdminRouter(&fakeSyncService{}, &fakeJobs{}, fakeStats{})
	rec := doRequest(t, h, http.MethodGet, "/admin/stats", "")
	require.Equal(t, http.StatusOK, rec.Code)

	h = newAdminRouter(&fakeSyncService{}, &fakeJobs{}, fakeStats{err: errors.New("db down")})
	rec = doRequest(t, h, http.MethodGet, "/admin/stats", "")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestAdminUpcoming(t *testing.T) {
	h := newAdminRouter(&fakeSyncService{}, &fakeJobs{}, fakeStats{})
	rec := doRequest(t, h, http.MethodGet, "/admin/appointments/upcoming", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 1, decodeBody(t, rec)["count"])

	h = newAdminRouter(&fakeSyncService{}, &fakeJobs{}, fakeStats{err: errors.New("db down")})
	rec = doRequest(t, h, http.MethodGet, "/admin/appointments/upcoming", "")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

type fakeArchive struct {
	enabled bool
	months  []time.Time
}

func (f *fakeArchive) Enabled() bool { return f.enabled }

func (f *fakeArchive) Manifest(_ context.Context, at time.Time) ([]archive.ManifestEntry, error) {
	f.months = append(f.months, at)
	return []archive.ManifestEntry{{RunID: "run-1", Key: "mis-feed/v1/by-date/2026/10/19/run-1.json", Bytes: 120}}, nil
}

func TestAdminListArchive(t *testing.T) {
	arch := &fakeArchive{enabled: true}
	r := chi.NewRouter()
	r.Route("/admin", NewAdminSyncHandler(&fakeSyncService{}, &fakeJobs{}, fakeStats{}, nil).WithArchive(arch).Routes)

	rec := doRequest(t, r, http.MethodGet, "/admin/sync/archive?month=2026-10", "")
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, "2026-10", body["month"])
	assert.Len(t, body["entries"], 1)
	require.Len(t, arch.months, 1)
	assert.Equal(t, time.October, arch.months[0].Month())

	rec = doRequest(t, r, http.MethodGet, "/admin/sync/archive?month=october", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	arch.enabled = false
	rec = doRequest(t, r, http.MethodGet, "/admin/sync/archive", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	rec = doRequest(t, newAdminRouter(&fakeSyncService{}, &fakeJobs{}, fakeStats{}), http.MethodGet, "/admin/sync/archive", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestAdminHealth(t *testing.T) {
	svc := &fakeSyncService{health: syncer.Health{Feed: true, Database: true, Transport: true, Healthy: true}}
	h := newAdminRouter(svc, &fakeJobs{}, fakeStats{})

	rec := doRequest(t, h, http.MethodGet, "/admin/health", "")
	assert.Equal(t, http.StatusOK, rec.Code)

	svc.health = syncer.Health{Feed: false, Database: true}
	rec = doRequest(t, h, http.MethodGet, "/admin/health", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestAdminJobs(t *testing.T) {
	jobs := &fakeJobs{}
	h := newAdminRouter(&fakeSyncService{}, jobs, fakeStats{})

	rec := doRequest(t, h, http.MethodGet, "/admin/jobs", "")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = doRequest(t, h, http.MethodPost, "/admin/jobs/daily_sync/pause", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []string{"daily_sync"}, jobs.paused)

	rec = doRequest(t, h, http.MethodPost, "/admin/jobs/nope/pause", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = doRequest(t, h, http.MethodPost, "/admin/jobs/daily_sync/resume", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []string{"daily_sync"}, jobs.resumed)

	rec = doRequest(t, h, http.MethodPut, "/admin/jobs/daily_sync/schedule", `{"spec":"30 7 * * *"}`)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "30 7 * * *", jobs.rescheduled["daily_sync"])

	rec = doRequest(t, h, http.MethodPut, "/admin/jobs/daily_sync/schedule", `{"spec":"bad"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doRequest(t, h, http.MethodPut, "/admin/jobs/daily_sync/schedule", `{}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAdminRunJob(t *testing.T) {
	jobs := &fakeJobs{}
	h := newAdminRouter(&fakeSyncService{}, jobs, fakeStats{})

	rec := doRequest(t, h, http.MethodPost, "/admin/jobs/daily_sync/run", "")
	assert.Equal(t, http.StatusAccepted, rec.Code)
	rec = doRequest(t, h, http.MethodPost, "/admin/jobs/weekly_cleanup/run", "")
	assert.Equal(t, http.StatusAccepted, rec.Code)
	rec = doRequest(t, h, http.MethodPost, "/admin/jobs/hourly_health_check/run", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	assert.Equal(t, 1, jobs.syncs)
	assert.Equal(t, 1, jobs.cleanups)
}
