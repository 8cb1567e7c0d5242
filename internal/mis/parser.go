package mis

import (
	"strings"
	"sync"
	"time"

	"github.com/wolfman30/appointment-sync/pkg/logging"
)

// ParseStats summarizes one or more Parse calls.
type ParseStats struct {
	Received    int     `json:"received"`
	Processed   int     `json:"processed"`
	Errors      int     `json:"errors"`
	Skipped     int     `json:"skipped_other_dates"`
	SuccessRate float64 `json:"success_rate_percent"`
}

// ParseResult is the outcome of parsing a single feed.
type ParseResult struct {
	Records []PatientRecord
	Stats   ParseStats
}

// Parser validates and normalizes feed records, keeping only visits scheduled
// for tomorrow in its location. It is safe for concurrent use.
type Parser struct {
	loc    *time.Location
	logger *logging.Logger

	mu    sync.Mutex
	total ParseStats
}

// NewParser builds a parser evaluating "tomorrow" in loc.
func NewParser(loc *time.Location, logger *logging.Logger) *Parser {
	if loc == nil {
		loc = time.UTC
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &Parser{loc: loc, logger: logger}
}

// Parse normalizes every record of the feed. Records missing required fields
// or carrying unusable phone, birth date or visit time values are dropped and
// counted as errors; visits on other dates are skipped without counting.
func (p *Parser) Parse(feed *Feed, now time.Time) ParseResult {
	var res ParseResult
	if feed == nil {
		return res
	}
	tomorrow := Tomorrow(now, p.loc)
	res.Stats.Received = feed.Received()
	res.Stats.Errors = feed.Invalid

	for i, rec := range feed.Records {
		pr, reason := p.normalize(rec)
		if reason != "" {
			res.Stats.Errors++
			p.logger.Warn("mis: dropping feed record", "index", i, "reason", reason, "book_id_mis", rec.BookIDMis.String())
			continue
		}
		if !SameDay(pr.VisitTime, tomorrow, p.loc) {
			res.Stats.Skipped++
			continue
		}
		res.Records = append(res.Records, pr)
		res.Stats.Processed++
	}
	res.Stats.SuccessRate = successRate(res.Stats.Processed, res.Stats.Errors)

	p.mu.Lock()
	p.total.Received += res.Stats.Received
	p.total.Processed += res.Stats.Processed
	p.total.Errors += res.Stats.Errors
	p.total.Skipped += res.Stats.Skipped
	p.total.SuccessRate = successRate(p.total.Processed, p.total.Errors)
	p.mu.Unlock()

	p.logger.Info("mis: feed parsed",
		"received", res.Stats.Received,
		"processed", res.Stats.Processed,
		"errors", res.Stats.Errors,
		"skipped_other_dates", res.Stats.Skipped,
	)
	return res
}

// Stats returns the counters accumulated across all Parse calls.
func (p *Parser) Stats() ParseStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.total
}

func (p *Parser) normalize(rec Record) (PatientRecord, string) {
	last := strings.TrimSpace(rec.LastName)
	first := strings.TrimSpace(rec.FirstName)
	middle := strings.TrimSpace(rec.MiddleName)
	if last == "" || first == "" || strings.TrimSpace(rec.BirthDate) == "" ||
		strings.TrimSpace(rec.MobilePhone) == "" || strings.TrimSpace(rec.VisitTime) == "" {
		return PatientRecord{}, "missing required field"
	}

	phones := NormalizePhones(rec.MobilePhone)
	if len(phones) == 0 {
		return PatientRecord{}, "no valid phone"
	}
	birthDate, err := NormalizeBirthDate(rec.BirthDate)
	if err != nil {
		return PatientRecord{}, err.Error()
	}
	visit, err := ParseVisitTime(rec.VisitTime, p.loc)
	if err != nil {
		return PatientRecord{}, err.Error()
	}

	doctor, position := SplitSpecialist(rec.SpecialistName)
	display := DisplayName(last, first, middle)
	moName := strings.TrimSpace(rec.MOName)
	bookID := strings.TrimSpace(rec.BookIDMis.String())

	return PatientRecord{
		FullName:    FullName(last, first, middle),
		DisplayName: display,
		Phones:      phones,
		BirthDate:   birthDate,
		VisitTime:   visit,
		MOName:      moName,
		BookIDMis:   bookID,
		Details: AppointmentDetails{
			PatientName:    display,
			BirthDate:      birthDate,
			Phone:          phones[0],
			MOName:         moName,
			MOAddress:      strings.TrimSpace(rec.MOAddress),
			SpecialistName: strings.TrimSpace(rec.SpecialistName),
			DoctorName:     doctor,
			DoctorPosition: position,
			VisitTime:      strings.TrimSpace(rec.VisitTime),
			BookIDMis:      bookID,
			PatientID:      rec.PatientID.String(),
			Room:           rec.Room.String(),
		},
	}, ""
}

func successRate(ok, failed int) float64 {
	if ok+failed == 0 {
		return 0
	}
	return float64(ok) / float64(ok+failed) * 100
}
