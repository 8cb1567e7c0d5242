package syncer

import (
	"time"

	"github.com/wolfman30/appointment-sync/internal/appointments"
	"github.com/wolfman30/appointment-sync/internal/matching"
	"github.com/wolfman30/appointment-sync/internal/mis"
	"github.com/wolfman30/appointment-sync/internal/notify"
)

// Trigger sources recorded on reports and metrics.
const (
	SourceScheduler = "scheduler"
	SourceAPI       = "api"
	SourceCLI       = "cli"
	SourceFile      = "file"
	SourceArchive   = "archive"
)

// Summary holds the counters of one pass.
type Summary struct {
	Received            int     `json:"total_received"`
	Parsed              int     `json:"successfully_parsed"`
	ParseErrors         int     `json:"parse_errors"`
	SkippedOtherDates   int     `json:"skipped_other_dates"`
	Matched             int     `json:"patients_matched"`
	Unmatched           int     `json:"patients_unmatched"`
	SkippedRemindersOff int     `json:"skipped_reminders_off"`
	Saved               int     `json:"new_appointments_saved"`
	AlreadyExisting     int     `json:"already_existing"`
	SaveErrors          int     `json:"save_errors"`
	CancelledBySync     int     `json:"cancelled_by_sync"`
	MatchRate           float64 `json:"match_rate_percent"`
	ParseSuccessRate    float64 `json:"parse_success_rate_percent"`
}

// ComponentStats are the cumulative counters of the pipeline components.
type ComponentStats struct {
	Parser   mis.ParseStats `json:"parser"`
	Matcher  matching.Stats `json:"matcher"`
	Notifier notify.Stats   `json:"notifier"`
}

// Report describes one sync pass.
type Report struct {
	RunID           string               `json:"run_id"`
	Source          string               `json:"source"`
	Success         bool                 `json:"success"`
	Error           string               `json:"error,omitempty"`
	Warnings        []string             `json:"warnings,omitempty"`
	StartedAt       time.Time            `json:"started_at"`
	FinishedAt      time.Time            `json:"finished_at"`
	DurationSeconds float64              `json:"duration_seconds"`
	ArchiveKey      string               `json:"archive_key,omitempty"`
	Summary         Summary              `json:"summary"`
	Notifications   *notify.BatchSummary `json:"notifications,omitempty"`
	Components      ComponentStats       `json:"components"`
}

// Health is the result of a health probe.
type Health struct {
	Feed      bool      `json:"mis_api"`
	Database  bool      `json:"database"`
	Transport bool      `json:"bot_api"`
	Healthy   bool      `json:"overall"`
	CheckedAt time.Time `json:"checked_at"`
}

// FetcherStatus describes the feed endpoint the next pass will call.
type FetcherStatus struct {
	Configured bool            `json:"configured"`
	Request    mis.RequestInfo `json:"request"`
}

// Status is the service overview.
type Status struct {
	Running       bool                `json:"running"`
	LastSync      *time.Time          `json:"last_sync,omitempty"`
	LastReport    *Report             `json:"last_result,omitempty"`
	Database      *appointments.Stats `json:"database,omitempty"`
	DatabaseError string              `json:"database_error,omitempty"`
	Fetcher       FetcherStatus       `json:"fetcher"`
	Components    ComponentStats      `json:"components"`
}
