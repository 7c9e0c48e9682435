package patient

import (
	"sort"
	"strings"
	"time"
)

// Visibility levels, ordered from least to most visible.
type Visibility string

const (
	VisibilityPrivate   Visibility = "private"
	VisibilityMatchable Visibility = "matchable"
	VisibilityPublic    Visibility = "public"
	VisibilityOpen      Visibility = "open"
)

var visibilityRank = map[Visibility]int{
	VisibilityPrivate:   0,
	VisibilityMatchable: 1,
	VisibilityPublic:    2,
	VisibilityOpen:      3,
}

// AtLeast reports whether v is at least as visible as other. Unknown values rank
// as private.
func (v Visibility) AtLeast(other Visibility) bool {
	return visibilityRank[v] >= visibilityRank[other]
}

// Feature is a phenotype term recorded on a patient. Observed is false for
// explicitly excluded phenotypes.
type Feature struct {
	ID       string `json:"id"`
	Observed bool   `json:"observed"`
}

type Patient struct {
	ID         string     `json:"id"`
	ExternalID string     `json:"external_id,omitempty"`
	OwnerEmail string     `json:"owner_email,omitempty"`
	Visibility Visibility `json:"visibility"`
	Consents   []string   `json:"consents,omitempty"`
	Features   []Feature  `json:"features,omitempty"`
	Solved     bool       `json:"solved"`
	UpdatedAt  time.Time  `json:"updated_at"`
}

// ObservedPhenotypes returns the sorted, de-duplicated ids of observed features.
func (p *Patient) ObservedPhenotypes() []string {
	if p == nil {
		return nil
	}
	seen := make(map[string]struct{}, len(p.Features))
	out := make([]string, 0, len(p.Features))
	for _, f := range p.Features {
		id := strings.TrimSpace(f.ID)
		if !f.Observed || id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

func (p *Patient) HasConsent(consentID string) bool {
	if p == nil {
		return false
	}
	for _, c := range p.Consents {
		if strings.EqualFold(c, consentID) {
			return true
		}
	}
	return false
}

// Matchable reports whether the record may take part in matching at all.
func (p *Patient) Matchable() bool {
	return p != nil && p.Visibility.AtLeast(VisibilityMatchable)
}
