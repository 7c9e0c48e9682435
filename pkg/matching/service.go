package matching

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/synaptica-ai/patient-matching/pkg/common/logger"
	"github.com/synaptica-ai/patient-matching/pkg/match"
	"github.com/synaptica-ai/patient-matching/pkg/matchstore"
	"github.com/synaptica-ai/patient-matching/pkg/notification"
	"github.com/synaptica-ai/patient-matching/pkg/observability/metrics"
)

const (
	ReasonNotFound          = "match not found"
	ReasonTxUnavailable     = "transaction unavailable"
	ReasonTxFailed          = "transaction failed"
	ReasonSentNotRecorded   = "notification sent but not recorded"
	ReasonStoreUnavailable  = "match store unavailable"
	ReasonNotificationError = "notification failed"
)

var ErrInvalidThreshold = errors.New("min score must be within [0,1]")

// Service coordinates match discovery and notification against the store.
type Service struct {
	store    matchstore.Store
	sender   notification.Sender
	recorder RunRecorder
	finders  []MatchFinder
}

// NewService wires the orchestrator. A nil recorder keeps run info in memory.
func NewService(store matchstore.Store, sender notification.Sender, recorder RunRecorder, finders ...MatchFinder) *Service {
	if recorder == nil {
		recorder = NewMemoryRunRecorder()
	}
	ordered := append([]MatchFinder(nil), finders...)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].Priority() > ordered[j].Priority()
	})
	return &Service{
		store:    store,
		sender:   sender,
		recorder: recorder,
		finders:  ordered,
	}
}

func (s *Service) Finders() []string {
	names := make([]string, 0, len(s.finders))
	for _, f := range s.finders {
		names = append(names, f.Name())
	}
	return names
}

func (s *Service) LastRun(ctx context.Context, finder string) (RunStats, error) {
	return s.recorder.Last(ctx, finder)
}

// FindAndSaveMatches runs every finder, upserts the matches scoring at least
// minScore and drops the unnotified matches of re-checked patients that fell
// out of the result. It returns the persisted matches from this run.
func (s *Service) FindAndSaveMatches(ctx context.Context, minScore float64) ([]*match.PatientMatch, error) {
	if math.IsNaN(minScore) || minScore < 0 || minScore > 1 {
		return nil, ErrInvalidThreshold
	}

	var (
		candidates []*match.PatientMatch
		rechecked  []match.Scope
		errCount   int
		avgMillis  int64
	)
	for _, finder := range s.finders {
		log := logger.Log.WithField("finder", finder.Name())
		since, err := s.recorder.RecordStart(ctx, finder.Name())
		if err != nil {
			log.WithError(err).Warn("failed to record run start")
		}

		found, stats, err := finder.FindMatches(ctx, minScore, since)
		errCount += stats.Errors
		if stats.AvgMillisPerPatient > avgMillis {
			avgMillis = stats.AvgMillisPerPatient
		}
		if recErr := s.recorder.RecordEnd(ctx, finder.Name(), stats); recErr != nil {
			log.WithError(recErr).Warn("failed to record run end")
		}
		if err != nil {
			if ctx.Err() != nil {
				metrics.ObserveDiscovery(0, errCount, avgMillis)
				return nil, err
			}
			errCount++
			log.WithError(err).Error("match finder failed")
			continue
		}

		for _, m := range found {
			if m.Score >= minScore {
				candidates = append(candidates, m)
			}
		}
		rechecked = append(rechecked, stats.Rechecked...)
		log.WithFields(logrus.Fields{
			"patients_checked": stats.PatientsChecked,
			"matches_found":    stats.MatchesFound,
			"errors":           stats.Errors,
		}).Info("match finder completed")
	}

	saved, err := s.store.Save(ctx, candidates)
	if err != nil {
		metrics.ObserveDiscovery(0, errCount+1, avgMillis)
		return nil, fmt.Errorf("save matches: %w", err)
	}
	pruned, err := s.prune(ctx, rechecked, saved)
	if err != nil {
		metrics.ObserveDiscovery(len(saved), errCount+1, avgMillis)
		return nil, fmt.Errorf("prune stale matches: %w", err)
	}
	if pruned > 0 {
		logger.Log.WithField("pruned", pruned).Info("removed matches no longer found")
	}
	metrics.ObserveDiscovery(len(saved), errCount, avgMillis)
	return saved, nil
}

// prune deletes stored matches in the re-checked scopes that this run did not
// produce. Notified matches are never pruned.
func (s *Service) prune(ctx context.Context, scopes []match.Scope, kept []*match.PatientMatch) (int, error) {
	if len(scopes) == 0 {
		return 0, nil
	}
	keep := make(map[match.Key]struct{}, len(kept))
	for _, m := range kept {
		keep[m.Key()] = struct{}{}
	}

	var stale []*match.PatientMatch
	err := s.store.RunInTransaction(ctx, func(tx matchstore.Tx) error {
		seen := make(map[match.Scope]struct{}, len(scopes))
		for _, scope := range scopes {
			if _, dup := seen[scope]; dup {
				continue
			}
			seen[scope] = struct{}{}
			current, err := tx.LockByScope(scope)
			if err != nil {
				return fmt.Errorf("lock matches of %s: %w", scope.ReferencePatientID, err)
			}
			for _, m := range current {
				if _, ok := keep[m.Key()]; ok || m.Notified {
					continue
				}
				stale = append(stale, m)
			}
		}
		if len(stale) == 0 {
			return nil
		}
		return tx.Delete(stale)
	})
	if err != nil {
		return 0, err
	}
	metrics.ObservePruned(len(stale))
	return len(stale), nil
}

// SendNotifications notifies the owners of the given matches and records the
// successful ones as notified. It returns one response per requested id.
func (s *Service) SendNotifications(ctx context.Context, ids []int64) []notification.Response {
	if len(ids) == 0 {
		return []notification.Response{}
	}

	results := make(map[int64]notification.Response, len(ids))
	loaded, err := s.store.LoadByIDs(ctx, ids)
	if err != nil {
		logger.Log.WithError(err).Error("failed to load matches for notification")
		return s.respond(ids, results, ReasonStoreUnavailable)
	}
	found := make([]int64, 0, len(loaded))
	for _, m := range loaded {
		found = append(found, m.ID)
	}

	var sent []*match.PatientMatch
	err = s.store.RunInTransaction(ctx, func(tx matchstore.Tx) error {
		current, err := tx.LockByIDs(found)
		if err != nil {
			return fmt.Errorf("lock matches: %w", err)
		}
		for _, m := range current {
			if m.Notified {
				results[m.ID] = notification.Succeeded(m.ID)
				continue
			}
			if err := s.sender.Send(ctx, m); err != nil {
				logger.WithMatch(m.ID, m.Reference.PatientID).WithError(err).Warn("notification failed")
				results[m.ID] = notification.Failed(m.ID, failureReason(err))
				continue
			}
			sent = append(sent, m)
			results[m.ID] = notification.Succeeded(m.ID)
		}
		if len(sent) == 0 {
			return nil
		}
		return tx.MarkNotified(sent)
	})

	switch {
	case err == nil:
	case errors.Is(err, matchstore.ErrUnavailable):
		logger.Log.WithError(err).Error("notification transaction could not begin, nothing sent")
		return s.respond(ids, map[int64]notification.Response{}, ReasonTxUnavailable)
	case len(sent) > 0:
		for _, m := range sent {
			logger.WithMatch(m.ID, m.Reference.PatientID).WithError(err).
				Error("notification delivered but notified flag was not recorded")
			metrics.ObserveNotifyInconsistency()
			results[m.ID] = notification.Unrecorded(m.ID, ReasonSentNotRecorded)
		}
	default:
		logger.Log.WithError(err).Error("notification transaction failed")
	}

	loadedSet := make(map[int64]struct{}, len(found))
	for _, id := range found {
		loadedSet[id] = struct{}{}
	}
	for _, id := range ids {
		if _, done := results[id]; done {
			continue
		}
		if _, ok := loadedSet[id]; !ok || err == nil {
			results[id] = notification.Failed(id, ReasonNotFound)
		}
	}
	return s.respond(ids, results, ReasonTxFailed)
}

// SetRejected flags or unflags matches on behalf of a reviewer.
func (s *Service) SetRejected(ctx context.Context, ids []int64, rejected bool) error {
	if len(ids) == 0 {
		return nil
	}
	requested := len(uniqueIDs(ids))
	return s.store.RunInTransaction(ctx, func(tx matchstore.Tx) error {
		current, err := tx.LockByIDs(ids)
		if err != nil {
			return err
		}
		if len(current) != requested {
			return fmt.Errorf("%d of %d matches: %w", requested-len(current), requested, matchstore.ErrMatchNotFound)
		}
		return tx.MarkRejected(current, rejected)
	})
}

// respond orders results as requested, filling gaps with the fallback reason.
func (s *Service) respond(ids []int64, results map[int64]notification.Response, fallback string) []notification.Response {
	out := make([]notification.Response, 0, len(ids))
	sentCount, failedCount := 0, 0
	counted := make(map[int64]struct{}, len(ids))
	for _, id := range ids {
		r, ok := results[id]
		if !ok {
			r = notification.Failed(id, fallback)
		}
		out = append(out, r)
		if _, dup := counted[id]; dup {
			continue
		}
		counted[id] = struct{}{}
		if r.Success {
			sentCount++
		} else {
			failedCount++
		}
	}
	metrics.ObserveNotifications(sentCount, failedCount)
	return out
}

func failureReason(err error) string {
	if errors.Is(err, notification.ErrNoRecipient) {
		return notification.ErrNoRecipient.Error()
	}
	if msg := err.Error(); msg != "" {
		return msg
	}
	return ReasonNotificationError
}

func uniqueIDs(ids []int64) map[int64]struct{} {
	out := make(map[int64]struct{}, len(ids))
	for _, id := range ids {
		out[id] = struct{}{}
	}
	return out
}

// RunScheduled triggers discovery every interval until ctx is done.
func (s *Service) RunScheduled(ctx context.Context, interval time.Duration, minScore float64) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			saved, err := s.FindAndSaveMatches(ctx, minScore)
			if err != nil {
				logger.Log.WithError(err).Error("scheduled discovery failed")
				continue
			}
			logger.Log.WithField("matches", len(saved)).Info("scheduled discovery completed")
		}
	}
}
