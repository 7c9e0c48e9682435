package notification

import (
	"context"
	"fmt"

	"github.com/synaptica-ai/patient-matching/pkg/common/kafka"
	"github.com/synaptica-ai/patient-matching/pkg/common/models"
	"github.com/synaptica-ai/patient-matching/pkg/match"
)

// KafkaSender hands notifications to the platform mailer over the event bus.
type KafkaSender struct {
	publisher kafka.Publisher
}

func NewKafkaSender(publisher kafka.Publisher) *KafkaSender {
	return &KafkaSender{publisher: publisher}
}

func (s *KafkaSender) Send(ctx context.Context, m *match.PatientMatch) error {
	payload, err := Payload(m)
	if err != nil {
		return err
	}
	data := map[string]interface{}{
		"match_id":             payload.MatchID,
		"recipient":            payload.Recipient,
		"reference_patient_id": payload.ReferencePatientID,
		"reference_server_id":  payload.ReferenceServerID,
		"matched_patient_id":   payload.MatchedPatientID,
		"matched_server_id":    payload.MatchedServerID,
		"score":                payload.Score,
		"shared_phenotypes":    payload.SharedPhenotypes,
	}
	if err := s.publisher.PublishEvent(ctx, models.EventMatchNotification, payload.ReferencePatientID, data); err != nil {
		return fmt.Errorf("publish notification for match %d: %w", m.ID, err)
	}
	return nil
}
