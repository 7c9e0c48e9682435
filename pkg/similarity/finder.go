package similarity

import (
	"context"
	"errors"
	"sort"
	"strings"

	"github.com/synaptica-ai/patient-matching/pkg/common/logger"
	"github.com/synaptica-ai/patient-matching/pkg/patient"
)

// ConsentChecker resolves whether a patient granted a named consent.
type ConsentChecker interface {
	HasConsent(ctx context.Context, p *patient.Patient, consentID string) bool
}

// View pairs a candidate with its score against the reference.
type View struct {
	Reference        *patient.Patient
	Candidate        *patient.Patient
	Score            float64
	SharedPhenotypes []string
}

type Finder struct {
	directory  patient.Directory
	consent    ConsentChecker
	scorer     Scorer
	scorerName string
	settings   Settings
}

func NewFinder(directory patient.Directory, registry *Registry, settings Settings, consent ConsentChecker) *Finder {
	if registry == nil {
		registry = NewRegistry()
	}
	if consent == nil {
		consent = patient.GrantedConsents{}
	}
	settings = settings.normalized()
	name, scorer := registry.Select(settings.Scorer)
	return &Finder{
		directory:  directory,
		consent:    consent,
		scorer:     scorer,
		scorerName: name,
		settings:   settings,
	}
}

func (f *Finder) ScorerName() string {
	return f.scorerName
}

// FindSimilarPatients returns matchable patients similar to ref, best first.
// When consentID is set, candidates without that consent are dropped. An
// invalid reference yields an empty result.
func (f *Finder) FindSimilarPatients(ctx context.Context, ref *patient.Patient, consentID string) []View {
	views := f.rank(ctx, ref, false, consentID)
	return f.bound(views)
}

// FindSimilarPrototypes ranks the prototype records against ref.
func (f *Finder) FindSimilarPrototypes(ctx context.Context, ref *patient.Patient) []View {
	return f.bound(f.rank(ctx, ref, true, ""))
}

// CountSimilarPatients counts all candidates before the top-N bound.
func (f *Finder) CountSimilarPatients(ctx context.Context, ref *patient.Patient) int {
	return len(f.rank(ctx, ref, false, ""))
}

func (f *Finder) IsPrototype(id string) bool {
	return strings.HasPrefix(id, f.settings.PrototypePrefix)
}

func (f *Finder) rank(ctx context.Context, ref *patient.Patient, prototypes bool, consentID string) []View {
	if !f.validReference(ctx, ref) {
		return []View{}
	}

	ids, err := f.directory.ListPatientIDs(ctx)
	if err != nil {
		logger.Log.WithError(err).WithField("patient_id", ref.ID).Warn("failed to list candidate patients")
		return []View{}
	}

	refPhenotypes := ref.ObservedPhenotypes()
	views := make([]View, 0)
	for _, id := range ids {
		if id == ref.ID || f.IsPrototype(id) != prototypes {
			continue
		}
		candidate, err := f.directory.GetPatient(ctx, id)
		if err != nil {
			if !errors.Is(err, patient.ErrPatientNotFound) {
				logger.Log.WithError(err).WithField("patient_id", id).Warn("failed to load candidate patient")
			}
			continue
		}
		if !f.eligible(ctx, candidate, prototypes, consentID) {
			continue
		}
		score := f.scorer.Score(ref, candidate)
		if score <= 0 {
			continue
		}
		views = append(views, View{
			Reference:        ref,
			Candidate:        candidate,
			Score:            score,
			SharedPhenotypes: intersect(refPhenotypes, candidate.ObservedPhenotypes()),
		})
	}

	sort.SliceStable(views, func(i, j int) bool {
		if views[i].Score != views[j].Score {
			return views[i].Score > views[j].Score
		}
		return views[i].Candidate.ID < views[j].Candidate.ID
	})
	return views
}

func (f *Finder) validReference(ctx context.Context, ref *patient.Patient) bool {
	if ref == nil || strings.TrimSpace(ref.ID) == "" {
		return false
	}
	if _, err := f.directory.GetPatient(ctx, ref.ID); err != nil {
		logger.Log.WithError(err).WithField("patient_id", ref.ID).Debug("reference patient not recognized")
		return false
	}
	return true
}

func (f *Finder) eligible(ctx context.Context, candidate *patient.Patient, prototype bool, consentID string) bool {
	if len(candidate.ObservedPhenotypes()) < f.settings.MinPhenotypes {
		return false
	}
	if prototype {
		return true
	}
	if !candidate.Matchable() {
		return false
	}
	if consentID != "" && !f.consent.HasConsent(ctx, candidate, consentID) {
		return false
	}
	return true
}

func (f *Finder) bound(views []View) []View {
	if f.settings.TopN > 0 && len(views) > f.settings.TopN {
		return views[:f.settings.TopN]
	}
	return views
}
