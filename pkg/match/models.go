package match

import (
	"fmt"
	"time"

	"github.com/synaptica-ai/patient-matching/pkg/similarity"
)

// LocalServerID identifies patients held by this server.
const LocalServerID = ""

// PatientInMatch is a snapshot of one side of a match.
type PatientInMatch struct {
	PatientID  string   `json:"patient_id"`
	ServerID   string   `json:"server_id,omitempty"`
	Phenotypes []string `json:"phenotypes,omitempty"`
	OwnerEmail string   `json:"owner_email,omitempty"`
}

func (p PatientInMatch) IsLocal() bool {
	return p.ServerID == LocalServerID
}

// PatientMatch is a discovered pairing between a reference and a matched patient.
type PatientMatch struct {
	ID         int64          `json:"id"`
	Reference  PatientInMatch `json:"reference"`
	Matched    PatientInMatch `json:"matched"`
	Score      float64        `json:"score"`
	Notified   bool           `json:"notified"`
	NotifiedAt *time.Time     `json:"notified_at,omitempty"`
	Rejected   bool           `json:"rejected"`
	RejectedAt *time.Time     `json:"rejected_at,omitempty"`
	FoundAt    time.Time      `json:"found_at"`
	UpdatedAt  time.Time      `json:"updated_at"`
}

// Key is the deduplication key of a match.
type Key struct {
	ReferencePatientID string
	ReferenceServerID  string
	MatchedPatientID   string
	MatchedServerID    string
}

// Scope groups the matches of one reference patient against one server.
type Scope struct {
	ReferencePatientID string
	ReferenceServerID  string
	MatchedServerID    string
}

// Reverse swaps the reference and matched sides.
func (k Key) Reverse() Key {
	return Key{
		ReferencePatientID: k.MatchedPatientID,
		ReferenceServerID:  k.MatchedServerID,
		MatchedPatientID:   k.ReferencePatientID,
		MatchedServerID:    k.ReferenceServerID,
	}
}

// Scope returns the reference side and matched server of the key.
func (k Key) Scope() Scope {
	return Scope{
		ReferencePatientID: k.ReferencePatientID,
		ReferenceServerID:  k.ReferenceServerID,
		MatchedServerID:    k.MatchedServerID,
	}
}

func (k Key) String() string {
	return fmt.Sprintf("%s@%s->%s@%s", k.ReferencePatientID, k.ReferenceServerID, k.MatchedPatientID, k.MatchedServerID)
}

func (m *PatientMatch) Key() Key {
	return Key{
		ReferencePatientID: m.Reference.PatientID,
		ReferenceServerID:  m.Reference.ServerID,
		MatchedPatientID:   m.Matched.PatientID,
		MatchedServerID:    m.Matched.ServerID,
	}
}

func (m *PatientMatch) IsLocal() bool {
	return m.Reference.IsLocal() && m.Matched.IsLocal()
}

// Clone returns a deep copy.
func (m *PatientMatch) Clone() *PatientMatch {
	if m == nil {
		return nil
	}
	out := *m
	out.Reference.Phenotypes = append([]string(nil), m.Reference.Phenotypes...)
	out.Matched.Phenotypes = append([]string(nil), m.Matched.Phenotypes...)
	if m.NotifiedAt != nil {
		t := *m.NotifiedAt
		out.NotifiedAt = &t
	}
	if m.RejectedAt != nil {
		t := *m.RejectedAt
		out.RejectedAt = &t
	}
	return &out
}

// FromView builds an unpersisted match from a similarity result. Scores are
// clamped to [0,1].
func FromView(view similarity.View, referenceServer, matchedServer string) *PatientMatch {
	now := time.Now().UTC()
	m := &PatientMatch{
		Score:     clamp(view.Score),
		FoundAt:   now,
		UpdatedAt: now,
	}
	if view.Reference != nil {
		m.Reference = PatientInMatch{
			PatientID:  view.Reference.ID,
			ServerID:   referenceServer,
			Phenotypes: view.Reference.ObservedPhenotypes(),
			OwnerEmail: view.Reference.OwnerEmail,
		}
	}
	if view.Candidate != nil {
		m.Matched = PatientInMatch{
			PatientID:  view.Candidate.ID,
			ServerID:   matchedServer,
			Phenotypes: view.Candidate.ObservedPhenotypes(),
			OwnerEmail: view.Candidate.OwnerEmail,
		}
	}
	return m
}

// SharedPhenotypes returns the phenotype ids present in both snapshots.
func (m *PatientMatch) SharedPhenotypes() []string {
	seen := make(map[string]struct{}, len(m.Matched.Phenotypes))
	for _, id := range m.Matched.Phenotypes {
		seen[id] = struct{}{}
	}
	var out []string
	for _, id := range m.Reference.Phenotypes {
		if _, ok := seen[id]; ok {
			out = append(out, id)
		}
	}
	return out
}

func clamp(score float64) float64 {
	switch {
	case score < 0:
		return 0
	case score > 1:
		return 1
	default:
		return score
	}
}
