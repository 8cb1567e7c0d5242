package notify

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/wolfman30/appointment-sync/pkg/logging"
)

// SyncFailure describes a failed sync pass for operators.
type SyncFailure struct {
	RunID      string
	Source     string
	Error      string
	StartedAt  time.Time
	Duration   time.Duration
	Received   int
	Matched    int
	Saved      int
	SaveErrors int
}

// Alerter e-mails operators when a sync pass fails.
type Alerter struct {
	sender EmailSender
	to     string
	logger *logging.Logger
}

// NewAlerter returns nil when there is no sender or recipient; a nil
// Alerter silently drops alerts.
func NewAlerter(sender EmailSender, to string, logger *logging.Logger) *Alerter {
	if sender == nil || strings.TrimSpace(to) == "" {
		return nil
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &Alerter{sender: sender, to: to, logger: logger}
}

// SyncFailed sends the failure alert.
func (a *Alerter) SyncFailed(ctx context.Context, f SyncFailure) error {
	if a == nil {
		return nil
	}
	subject := fmt.Sprintf("[appointment-sync] %s sync failed", f.Source)

	var b strings.Builder
	fmt.Fprintf(&b, "Sync pass %s failed.\n\n", f.RunID)
	fmt.Fprintf(&b, "Source:      %s\n", f.Source)
	fmt.Fprintf(&b, "Started:     %s\n", f.StartedAt.Format(time.RFC3339))
	fmt.Fprintf(&b, "Duration:    %s\n", f.Duration.Round(time.Millisecond))
	fmt.Fprintf(&b, "Error:       %s\n\n", f.Error)
	fmt.Fprintf(&b, "Received: %d, matched: %d, saved: %d, save errors: %d\n",
		f.Received, f.Matched, f.Saved, f.SaveErrors)

	if err := a.sender.Send(ctx, EmailMessage{To: a.to, Subject: subject, Body: b.String()}); err != nil {
		a.logger.Error("notify: sync alert not delivered", "run_id", f.RunID, "error", err)
		return err
	}
	return nil
}
