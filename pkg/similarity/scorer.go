package similarity

import (
	"sort"
	"strings"
	"sync"

	"github.com/synaptica-ai/patient-matching/pkg/common/logger"
	"github.com/synaptica-ai/patient-matching/pkg/patient"
)

// DefaultScorer is used whenever the configured strategy is blank or unknown.
const DefaultScorer = "default"

// Scorer rates how similar a candidate is to a reference patient, in [0,1].
type Scorer interface {
	Score(reference, candidate *patient.Patient) float64
}

type ScorerFunc func(reference, candidate *patient.Patient) float64

func (f ScorerFunc) Score(reference, candidate *patient.Patient) float64 {
	return f(reference, candidate)
}

// Registry maps strategy names to scorers.
type Registry struct {
	mu      sync.RWMutex
	scorers map[string]Scorer
}

// NewRegistry returns a registry preloaded with the built-in strategies.
func NewRegistry() *Registry {
	r := &Registry{scorers: make(map[string]Scorer)}
	r.Register(DefaultScorer, ScorerFunc(jaccard))
	r.Register("overlap", ScorerFunc(overlap))
	return r
}

func (r *Registry) Register(name string, scorer Scorer) {
	key := strings.ToLower(strings.TrimSpace(name))
	if key == "" || scorer == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.scorers[key] = scorer
}

// Select resolves name to a scorer and returns the name actually used.
func (r *Registry) Select(name string) (string, Scorer) {
	key := strings.ToLower(strings.TrimSpace(name))
	if key == "" {
		key = DefaultScorer
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	if s, ok := r.scorers[key]; ok {
		return key, s
	}
	logger.Log.WithField("scorer", name).Warn("unknown similarity scorer, using default")
	return DefaultScorer, r.scorers[DefaultScorer]
}

func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.scorers))
	for name := range r.scorers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func jaccard(reference, candidate *patient.Patient) float64 {
	a, b := reference.ObservedPhenotypes(), candidate.ObservedPhenotypes()
	shared := len(intersect(a, b))
	union := len(a) + len(b) - shared
	if union == 0 {
		return 0
	}
	return float64(shared) / float64(union)
}

func overlap(reference, candidate *patient.Patient) float64 {
	a, b := reference.ObservedPhenotypes(), candidate.ObservedPhenotypes()
	smaller := len(a)
	if len(b) < smaller {
		smaller = len(b)
	}
	if smaller == 0 {
		return 0
	}
	return float64(len(intersect(a, b))) / float64(smaller)
}

// intersect expects both inputs sorted.
func intersect(a, b []string) []string {
	var out []string
	i, j := 0, 0
	for i < len(a) && j < len(b) {
		switch {
		case a[i] == b[j]:
			out = append(out, a[i])
			i++
			j++
		case a[i] < b[j]:
			i++
		default:
			j++
		}
	}
	return out
}
