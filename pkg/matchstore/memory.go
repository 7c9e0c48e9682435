package matchstore

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/synaptica-ai/patient-matching/pkg/common/logger"
	"github.com/synaptica-ai/patient-matching/pkg/match"
)

type memoryState struct {
	nextID int64
	byID   map[int64]*match.PatientMatch
	byKey  map[match.Key]int64
}

func (s *memoryState) clone() *memoryState {
	out := &memoryState{
		nextID: s.nextID,
		byID:   make(map[int64]*match.PatientMatch, len(s.byID)),
		byKey:  make(map[match.Key]int64, len(s.byKey)),
	}
	for id, m := range s.byID {
		out.byID[id] = m.Clone()
	}
	for k, id := range s.byKey {
		out.byKey[k] = id
	}
	return out
}

// MemoryStore is a process-local Store. Transactions are serialised and work
// on a copy of the state that replaces the live state on success.
type MemoryStore struct {
	mu    sync.RWMutex
	state *memoryState
	now   func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		state: &memoryState{
			byID:  make(map[int64]*match.PatientMatch),
			byKey: make(map[match.Key]int64),
		},
		now: func() time.Time { return time.Now().UTC() },
	}
}

func (s *MemoryStore) Save(ctx context.Context, matches []*match.PatientMatch) ([]*match.PatientMatch, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	saved := make([]*match.PatientMatch, 0, len(matches))
	for _, m := range dedupe(matches) {
		key := m.Key()
		if id, ok := s.state.byKey[key]; ok {
			existing := s.state.byID[id]
			existing.Score = m.Score
			existing.Reference.Phenotypes = append([]string(nil), m.Reference.Phenotypes...)
			existing.Reference.OwnerEmail = m.Reference.OwnerEmail
			existing.Matched.Phenotypes = append([]string(nil), m.Matched.Phenotypes...)
			existing.Matched.OwnerEmail = m.Matched.OwnerEmail
			existing.UpdatedAt = now
			saved = append(saved, existing.Clone())
			continue
		}
		stored := m.Clone()
		s.state.nextID++
		stored.ID = s.state.nextID
		if stored.FoundAt.IsZero() {
			stored.FoundAt = now
		}
		stored.UpdatedAt = now
		s.state.byID[stored.ID] = stored
		s.state.byKey[key] = stored.ID
		saved = append(saved, stored.Clone())
	}
	return saved, nil
}

func (s *MemoryStore) LoadByFilter(ctx context.Context, minScore float64, notified bool) ([]*match.PatientMatch, error) {
	out := s.collect(func(m *match.PatientMatch) bool {
		return m.Score >= minScore && m.Notified == notified
	})
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].ID < out[j].ID
	})
	return out, ctx.Err()
}

func (s *MemoryStore) LoadByIDs(ctx context.Context, ids []int64) ([]*match.PatientMatch, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state.byIDs(ids), ctx.Err()
}

func (s *MemoryStore) LoadByReferencePatientID(ctx context.Context, patientID string) ([]*match.PatientMatch, error) {
	return s.collect(func(m *match.PatientMatch) bool {
		return m.Reference.PatientID == patientID
	}), ctx.Err()
}

func (s *MemoryStore) LoadByMatchedPatientID(ctx context.Context, patientID string) ([]*match.PatientMatch, error) {
	return s.collect(func(m *match.PatientMatch) bool {
		return m.Matched.PatientID == patientID && m.Matched.IsLocal()
	}), ctx.Err()
}

func (s *MemoryStore) RunInTransaction(ctx context.Context, fn func(tx Tx) error) (err error) {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, ctxErr)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	tx := &memoryTx{state: s.state.clone(), now: s.now}
	defer func() {
		if r := recover(); r != nil {
			logger.Log.WithField("panic", r).Error("match transaction panicked, rolled back")
			err = fmt.Errorf("match transaction panicked: %v", r)
		}
	}()

	if fnErr := fn(tx); fnErr != nil {
		return fnErr
	}
	s.state = tx.state
	return nil
}

func (s *MemoryStore) collect(keep func(*match.PatientMatch) bool) []*match.PatientMatch {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*match.PatientMatch, 0)
	for _, m := range s.state.byID {
		if keep(m) {
			out = append(out, m.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (st *memoryState) byIDs(ids []int64) []*match.PatientMatch {
	out := make([]*match.PatientMatch, 0, len(ids))
	seen := make(map[int64]struct{}, len(ids))
	for _, id := range ids {
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		if m, ok := st.byID[id]; ok {
			out = append(out, m.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

type memoryTx struct {
	state *memoryState
	now   func() time.Time
}

func (t *memoryTx) LockByIDs(ids []int64) ([]*match.PatientMatch, error) {
	return t.state.byIDs(ids), nil
}

func (t *memoryTx) LockByScope(scope match.Scope) ([]*match.PatientMatch, error) {
	out := make([]*match.PatientMatch, 0)
	for _, m := range t.state.byID {
		if m.Key().Scope() == scope {
			out = append(out, m.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (t *memoryTx) MarkNotified(matches []*match.PatientMatch) error {
	now := t.now()
	for _, id := range matchIDs(matches) {
		m, ok := t.state.byID[id]
		if !ok {
			return fmt.Errorf("match %d: %w", id, ErrMatchNotFound)
		}
		if m.Notified {
			return fmt.Errorf("match %d: %w", id, ErrAlreadyNotified)
		}
		at := now
		m.Notified = true
		m.NotifiedAt = &at
	}
	return nil
}

func (t *memoryTx) MarkRejected(matches []*match.PatientMatch, rejected bool) error {
	now := t.now()
	for _, id := range matchIDs(matches) {
		m, ok := t.state.byID[id]
		if !ok {
			continue
		}
		at := now
		m.Rejected = rejected
		m.RejectedAt = &at
	}
	return nil
}

func (t *memoryTx) Delete(matches []*match.PatientMatch) error {
	for _, id := range matchIDs(matches) {
		m, ok := t.state.byID[id]
		if !ok {
			continue
		}
		delete(t.state.byKey, m.Key())
		delete(t.state.byID, id)
	}
	return nil
}
