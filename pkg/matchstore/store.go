package matchstore

import (
	"context"
	"errors"

	"github.com/synaptica-ai/patient-matching/pkg/match"
)

var (
	ErrUnavailable     = errors.New("match store unavailable")
	ErrCommitFailed    = errors.New("match store commit failed")
	ErrAlreadyNotified = errors.New("match already notified")
	ErrMatchNotFound   = errors.New("match not found")
)

// Store persists matches and offers scoped marking transactions.
type Store interface {
	// Save upserts by dedup key. Existing rows keep their id, flags and
	// discovery time; score and snapshots are refreshed.
	Save(ctx context.Context, matches []*match.PatientMatch) ([]*match.PatientMatch, error)
	LoadByFilter(ctx context.Context, minScore float64, notified bool) ([]*match.PatientMatch, error)
	LoadByIDs(ctx context.Context, ids []int64) ([]*match.PatientMatch, error)
	LoadByReferencePatientID(ctx context.Context, patientID string) ([]*match.PatientMatch, error)
	// LoadByMatchedPatientID returns matches whose matched side is the given
	// local patient.
	LoadByMatchedPatientID(ctx context.Context, patientID string) ([]*match.PatientMatch, error)

	// RunInTransaction commits when fn returns nil and rolls back otherwise,
	// including on panic. fn must go through tx, not the store.
	RunInTransaction(ctx context.Context, fn func(tx Tx) error) error
}

// Tx is the write side of a marking transaction.
type Tx interface {
	// LockByIDs loads the current state of the given matches and holds them
	// until the transaction ends.
	LockByIDs(ids []int64) ([]*match.PatientMatch, error)
	// LockByScope does the same for every match in the scope.
	LockByScope(scope match.Scope) ([]*match.PatientMatch, error)
	// MarkNotified flips notified on rows that are still unnotified. A row
	// notified by someone else yields ErrAlreadyNotified.
	MarkNotified(matches []*match.PatientMatch) error
	MarkRejected(matches []*match.PatientMatch, rejected bool) error
	Delete(matches []*match.PatientMatch) error
}

func matchIDs(matches []*match.PatientMatch) []int64 {
	ids := make([]int64, 0, len(matches))
	for _, m := range matches {
		if m != nil && m.ID != 0 {
			ids = append(ids, m.ID)
		}
	}
	return ids
}

// dedupe keeps the last occurrence of each key, preserving first-seen order.
func dedupe(matches []*match.PatientMatch) []*match.PatientMatch {
	index := make(map[match.Key]int, len(matches))
	out := make([]*match.PatientMatch, 0, len(matches))
	for _, m := range matches {
		if m == nil {
			continue
		}
		if i, ok := index[m.Key()]; ok {
			out[i] = m
			continue
		}
		index[m.Key()] = len(out)
		out = append(out, m)
	}
	return out
}
