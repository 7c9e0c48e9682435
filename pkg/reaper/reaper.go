package reaper

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/synaptica-ai/patient-matching/pkg/common/logger"
	"github.com/synaptica-ai/patient-matching/pkg/common/models"
	"github.com/synaptica-ai/patient-matching/pkg/matchstore"
	"github.com/synaptica-ai/patient-matching/pkg/observability/metrics"
)

// Reaper removes matches that reference a deleted patient.
type Reaper struct {
	store matchstore.Store
}

func New(store matchstore.Store) *Reaper {
	return &Reaper{store: store}
}

// Handle deletes every match with the patient on the reference side, and the
// local matches pointing at it, in one transaction.
func (r *Reaper) Handle(ctx context.Context, event models.PatientDeletedEvent) error {
	patientID := strings.TrimSpace(event.PatientID)
	if patientID == "" {
		return fmt.Errorf("deletion event without patient id")
	}
	log := logger.Log.WithField("patient_id", patientID)

	byReference, err := r.store.LoadByReferencePatientID(ctx, patientID)
	if err != nil {
		metrics.ObserveReaped(0, true)
		log.WithError(err).Error("failed to load matches of deleted patient")
		return err
	}
	byMatched, err := r.store.LoadByMatchedPatientID(ctx, patientID)
	if err != nil {
		metrics.ObserveReaped(0, true)
		log.WithError(err).Error("failed to load matches of deleted patient")
		return err
	}
	doomed := append(byReference, byMatched...)
	if len(doomed) == 0 {
		log.Debug("no matches to remove")
		return nil
	}

	err = r.store.RunInTransaction(ctx, func(tx matchstore.Tx) error {
		return tx.Delete(doomed)
	})
	if err != nil {
		metrics.ObserveReaped(0, true)
		log.WithError(err).WithField("matches", len(doomed)).Error("failed to remove matches of deleted patient")
		return err
	}

	metrics.ObserveReaped(len(doomed), false)
	log.WithFields(logrus.Fields{
		"matches":    len(doomed),
		"deleted_at": event.DeletedAt,
	}).Info("removed matches of deleted patient")
	return nil
}

// Run handles events from ch until it is closed or ctx is done.
func (r *Reaper) Run(ctx context.Context, ch <-chan models.PatientDeletedEvent) {
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-ch:
			if !ok {
				return
			}
			_ = r.Handle(ctx, event)
		}
	}
}

// HandleEvent adapts bus events. Failures are logged and the event is
// acknowledged.
func (r *Reaper) HandleEvent(ctx context.Context, event models.Event) error {
	if event.Type != models.EventPatientDeleted {
		return nil
	}
	deleted, err := decodeDeleted(event)
	if err != nil {
		logger.Log.WithError(err).WithField("event_id", event.ID).Warn("dropping malformed patient deletion event")
		return nil
	}
	_ = r.Handle(ctx, deleted)
	return nil
}

func decodeDeleted(event models.Event) (models.PatientDeletedEvent, error) {
	id, _ := event.Data["patient_id"].(string)
	if strings.TrimSpace(id) == "" {
		return models.PatientDeletedEvent{}, fmt.Errorf("event %s has no patient_id", event.ID)
	}
	deleted := models.PatientDeletedEvent{PatientID: id, DeletedAt: event.Timestamp}
	if raw, ok := event.Data["deleted_at"].(string); ok {
		if t, err := time.Parse(time.RFC3339Nano, raw); err == nil {
			deleted.DeletedAt = t
		}
	}
	return deleted, nil
}
