package notification

import (
	"context"

	"github.com/synaptica-ai/patient-matching/pkg/common/kafka"
	"github.com/synaptica-ai/patient-matching/pkg/common/logger"
	"github.com/synaptica-ai/patient-matching/pkg/common/models"
	"github.com/synaptica-ai/patient-matching/pkg/match"
)

// DeadLetterSender publishes failed deliveries to a dead-letter topic. The
// original error is still returned.
type DeadLetterSender struct {
	next Sender
	dlq  kafka.Publisher
}

func WithDeadLetter(next Sender, dlq kafka.Publisher) Sender {
	if dlq == nil {
		return next
	}
	return &DeadLetterSender{next: next, dlq: dlq}
}

func (s *DeadLetterSender) Send(ctx context.Context, m *match.PatientMatch) error {
	err := s.next.Send(ctx, m)
	if err == nil {
		return nil
	}
	data := map[string]interface{}{
		"match_id":             m.ID,
		"reference_patient_id": m.Reference.PatientID,
		"matched_patient_id":   m.Matched.PatientID,
		"error":                err.Error(),
	}
	if dlqErr := s.dlq.PublishEvent(ctx, models.EventNotificationFailed, m.Reference.PatientID, data); dlqErr != nil {
		logger.WithMatch(m.ID, m.Reference.PatientID).WithError(dlqErr).Error("failed to dead-letter notification")
	}
	return err
}
