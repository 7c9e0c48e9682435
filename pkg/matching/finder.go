package matching

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/synaptica-ai/patient-matching/pkg/common/logger"
	"github.com/synaptica-ai/patient-matching/pkg/match"
	"github.com/synaptica-ai/patient-matching/pkg/patient"
	"github.com/synaptica-ai/patient-matching/pkg/similarity"
)

// LocalFinderPriority orders the local finder ahead of remote sources.
const LocalFinderPriority = 200

// MatchFinder produces candidate matches from one source. Finders with a
// higher priority run first.
type MatchFinder interface {
	Name() string
	Priority() int
	// FindMatches returns matches scoring at least minScore. since is the start
	// of the previous run, zero when unknown.
	FindMatches(ctx context.Context, minScore float64, since time.Time) ([]*match.PatientMatch, RunStats, error)
}

// RunStats summarises one finder run.
type RunStats struct {
	StartedAt           time.Time `json:"started_at"`
	CompletedAt         time.Time `json:"completed_at"`
	PatientsChecked     int       `json:"patients_checked"`
	Errors              int       `json:"errors"`
	MatchesFound        int       `json:"matches_found"`
	AvgMillisPerPatient int64     `json:"avg_ms_per_patient"`
	// Rechecked lists the reference scopes whose matches were fully
	// recomputed. Stored matches in these scopes that the run did not
	// produce are stale.
	Rechecked []match.Scope `json:"-"`
}

// LocalMatchFinder matches local patients against each other.
type LocalMatchFinder struct {
	directory   patient.Directory
	search      *similarity.Finder
	consent     similarity.ConsentChecker
	consentID   string
	onlyUpdated bool
}

type LocalFinderOption func(*LocalMatchFinder)

// WithOnlyUpdated restricts runs to patients modified since the previous run.
func WithOnlyUpdated(enabled bool) LocalFinderOption {
	return func(f *LocalMatchFinder) { f.onlyUpdated = enabled }
}

func WithConsentChecker(consent similarity.ConsentChecker) LocalFinderOption {
	return func(f *LocalMatchFinder) {
		if consent != nil {
			f.consent = consent
		}
	}
}

func NewLocalMatchFinder(directory patient.Directory, search *similarity.Finder, consentID string, opts ...LocalFinderOption) *LocalMatchFinder {
	f := &LocalMatchFinder{
		directory: directory,
		search:    search,
		consent:   patient.GrantedConsents{},
		consentID: consentID,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

func (f *LocalMatchFinder) Name() string  { return "local" }
func (f *LocalMatchFinder) Priority() int { return LocalFinderPriority }

func (f *LocalMatchFinder) FindMatches(ctx context.Context, minScore float64, since time.Time) ([]*match.PatientMatch, RunStats, error) {
	stats := RunStats{StartedAt: time.Now().UTC()}
	ids, err := f.directory.ListPatientIDs(ctx)
	if err != nil {
		return nil, stats, fmt.Errorf("list patients: %w", err)
	}

	var found []*match.PatientMatch
	var elapsed time.Duration
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return found, f.finish(stats, elapsed), err
		}
		if f.search.IsPrototype(id) {
			continue
		}
		p, err := f.directory.GetPatient(ctx, id)
		if err != nil {
			stats.Errors++
			logger.Log.WithError(err).WithField("patient_id", id).Warn("failed to load patient for matching")
			continue
		}
		if !f.eligible(ctx, p, since) {
			continue
		}

		began := time.Now()
		matches, err := f.matchPatient(ctx, p, minScore)
		elapsed += time.Since(began)
		stats.PatientsChecked++
		if err != nil {
			stats.Errors++
			logger.Log.WithError(err).WithField("patient_id", id).Error("failed to find matches for patient")
			continue
		}
		found = append(found, matches...)
		stats.Rechecked = append(stats.Rechecked, match.Scope{
			ReferencePatientID: p.ID,
			ReferenceServerID:  match.LocalServerID,
			MatchedServerID:    match.LocalServerID,
		})
	}
	stats.MatchesFound = len(found)
	return found, f.finish(stats, elapsed), nil
}

func (f *LocalMatchFinder) eligible(ctx context.Context, p *patient.Patient, since time.Time) bool {
	if !p.Matchable() || p.Solved {
		return false
	}
	if f.consentID != "" && !f.consent.HasConsent(ctx, p, f.consentID) {
		return false
	}
	if f.onlyUpdated && !since.IsZero() && p.UpdatedAt.Before(since) {
		return false
	}
	return true
}

// matchPatient converts scorer panics into an error for this patient.
func (f *LocalMatchFinder) matchPatient(ctx context.Context, p *patient.Patient, minScore float64) (matches []*match.PatientMatch, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("similarity search panicked: %v", r)
		}
	}()
	for _, view := range f.search.FindSimilarPatients(ctx, p, f.consentID) {
		if view.Score < minScore {
			continue
		}
		matches = append(matches, match.FromView(view, match.LocalServerID, match.LocalServerID))
	}
	logger.Log.WithFields(logrus.Fields{
		"patient_id": p.ID,
		"matches":    len(matches),
	}).Debug("patient matched")
	return matches, nil
}

func (f *LocalMatchFinder) finish(stats RunStats, elapsed time.Duration) RunStats {
	stats.CompletedAt = time.Now().UTC()
	if stats.PatientsChecked > 0 {
		stats.AvgMillisPerPatient = elapsed.Milliseconds() / int64(stats.PatientsChecked)
	}
	return stats
}
