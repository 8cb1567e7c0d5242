// Package matching resolves normalized feed records to registered users.
package matching

import (
	"context"
	"slices"
	"strings"
	"sync"

	"github.com/wolfman30/appointment-sync/internal/directory"
	"github.com/wolfman30/appointment-sync/internal/mis"
	"github.com/wolfman30/appointment-sync/pkg/logging"
)

// Directory is the subset of the user directory the matcher needs.
type Directory interface {
	FindByBirthDate(ctx context.Context, birthDate string) ([]directory.User, error)
	RemindersEnabled(ctx context.Context, userID int64) (bool, error)
}

// Match pairs a feed record with the user it resolved to.
type Match struct {
	UserID int64
	Record mis.PatientRecord
}

// Stats counts match outcomes.
type Stats struct {
	Matched   int     `json:"matched"`
	Unmatched int     `json:"unmatched"`
	Total     int     `json:"total_processed"`
	MatchRate float64 `json:"match_rate_percent"`
}

// Result is the outcome of matching a batch of records.
type Result struct {
	Matched   []Match
	Unmatched []mis.PatientRecord
	Stats     Stats
}

// Matcher identifies users by birth date, then full name and phone.
type Matcher struct {
	dir    Directory
	logger *logging.Logger

	mu    sync.Mutex
	total Stats
}

// NewMatcher creates a matcher over the given directory.
func NewMatcher(dir Directory, logger *logging.Logger) *Matcher {
	if logger == nil {
		logger = logging.Default()
	}
	return &Matcher{dir: dir, logger: logger}
}

// Match resolves a single record. A record matches a candidate only when
// both the name tokens and one of the phones agree.
func (m *Matcher) Match(ctx context.Context, rec mis.PatientRecord) (int64, bool) {
	userID, ok := m.match(ctx, rec)
	m.mu.Lock()
	if ok {
		m.total.Matched++
	} else {
		m.total.Unmatched++
	}
	m.total = withRate(m.total)
	m.mu.Unlock()
	return userID, ok
}

// MatchAll resolves every record and partitions the batch.
func (m *Matcher) MatchAll(ctx context.Context, records []mis.PatientRecord) Result {
	var res Result
	for _, rec := range records {
		if userID, ok := m.Match(ctx, rec); ok {
			res.Matched = append(res.Matched, Match{UserID: userID, Record: rec})
			res.Stats.Matched++
		} else {
			res.Unmatched = append(res.Unmatched, rec)
			res.Stats.Unmatched++
		}
	}
	res.Stats = withRate(res.Stats)
	m.logger.Info("matching: batch matched",
		"matched", res.Stats.Matched,
		"unmatched", res.Stats.Unmatched,
		"match_rate_percent", res.Stats.MatchRate,
	)
	return res
}

// RemindersEnabled reports the user's reminder preference; lookup failures
// count as disabled.
func (m *Matcher) RemindersEnabled(ctx context.Context, userID int64) bool {
	enabled, err := m.dir.RemindersEnabled(ctx, userID)
	if err != nil {
		m.logger.Warn("matching: reminders lookup failed", "user_id", userID, "error", err)
		return false
	}
	return enabled
}

// Stats returns counters accumulated across all Match calls.
func (m *Matcher) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.total
}

func (m *Matcher) match(ctx context.Context, rec mis.PatientRecord) (int64, bool) {
	birthDate, err := directory.ToDirectoryDate(rec.BirthDate)
	if err != nil {
		m.logger.Warn("matching: unusable birth date", "error", err)
		return 0, false
	}
	candidates, err := m.dir.FindByBirthDate(ctx, birthDate)
	if err != nil {
		m.logger.Error("matching: directory lookup failed", "error", err)
		return 0, false
	}
	if len(candidates) == 0 {
		return 0, false
	}

	recordTokens := nameTokens(rec.FullName)
	var hits []int64
	for _, c := range candidates {
		if !slices.Equal(nameTokens(c.FullName), recordTokens) {
			continue
		}
		if !phoneMatches(rec.Phones, c.Phone) {
			continue
		}
		hits = append(hits, c.ID)
	}
	if len(hits) == 0 {
		return 0, false
	}
	if len(hits) > 1 {
		m.logger.Warn("matching: multiple users match record, using first",
			"candidates", len(hits), "user_id", hits[0])
	}
	return hits[0], true
}

func nameTokens(name string) []string {
	tokens := strings.Fields(strings.ToUpper(name))
	slices.Sort(tokens)
	return tokens
}

func phoneMatches(recordPhones []string, userPhone string) bool {
	userPhone = strings.TrimSpace(userPhone)
	if userPhone == "" {
		return false
	}
	bare := strings.TrimPrefix(userPhone, "+")
	for _, p := range recordPhones {
		if p == userPhone || strings.TrimPrefix(p, "+") == bare {
			return true
		}
	}
	return false
}

func withRate(s Stats) Stats {
	s.Total = s.Matched + s.Unmatched
	s.MatchRate = 0
	if s.Total > 0 {
		s.MatchRate = float64(s.Matched) / float64(s.Total) * 100
	}
	return s
}
