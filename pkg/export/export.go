package export

import (
	"sort"
	"time"

	"github.com/synaptica-ai/patient-matching/pkg/match"
)

// Matches is the export envelope.
type Matches struct {
	Matches []Record `json:"matches"`
}

type Record struct {
	ID                  int64     `json:"id"`
	EquivalentID        *int64    `json:"equivalent_id,omitempty"`
	ReferencePatientID  string    `json:"reference_patient_id"`
	ReferenceServerID   string    `json:"reference_server_id"`
	MatchedPatientID    string    `json:"matched_patient_id"`
	MatchedServerID     string    `json:"matched_server_id"`
	Score               float64   `json:"score"`
	Notified            bool      `json:"notified"`
	Rejected            bool      `json:"rejected"`
	FoundAt             time.Time `json:"found_at"`
	ReferencePhenotypes []string  `json:"reference_phenotypes"`
	MatchedPhenotypes   []string  `json:"matched_phenotypes"`
}

// ToStructured renders matches best score first. A local match and its
// reverse collapse into one record carrying both ids; the first seen wins.
func ToStructured(matches []*match.PatientMatch) Matches {
	present := make(map[match.Key]*match.PatientMatch, len(matches))
	for _, m := range matches {
		if m != nil {
			present[m.Key()] = m
		}
	}

	used := make(map[match.Key]struct{}, len(matches))
	records := make([]Record, 0, len(matches))
	for _, m := range matches {
		if m == nil {
			continue
		}
		if _, done := used[m.Key()]; done {
			continue
		}
		used[m.Key()] = struct{}{}

		record := toRecord(m)
		if m.IsLocal() {
			reverse := m.Key().Reverse()
			if equivalent, ok := present[reverse]; ok && reverse != m.Key() {
				if _, done := used[reverse]; !done {
					id := equivalent.ID
					record.EquivalentID = &id
					used[reverse] = struct{}{}
				}
			}
		}
		records = append(records, record)
	}

	sort.SliceStable(records, func(i, j int) bool {
		return records[i].Score > records[j].Score
	})
	return Matches{Matches: records}
}

func toRecord(m *match.PatientMatch) Record {
	return Record{
		ID:                  m.ID,
		ReferencePatientID:  m.Reference.PatientID,
		ReferenceServerID:   m.Reference.ServerID,
		MatchedPatientID:    m.Matched.PatientID,
		MatchedServerID:     m.Matched.ServerID,
		Score:               m.Score,
		Notified:            m.Notified,
		Rejected:            m.Rejected,
		FoundAt:             m.FoundAt,
		ReferencePhenotypes: nonNil(m.Reference.Phenotypes),
		MatchedPhenotypes:   nonNil(m.Matched.Phenotypes),
	}
}

func nonNil(values []string) []string {
	if values == nil {
		return []string{}
	}
	return append([]string(nil), values...)
}
