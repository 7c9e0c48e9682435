package notification

import (
	"context"

	"github.com/sirupsen/logrus"
	"github.com/synaptica-ai/patient-matching/pkg/common/logger"
	"github.com/synaptica-ai/patient-matching/pkg/match"
)

// LogSender writes notifications to the service log. Used when no delivery
// channel is configured.
type LogSender struct{}

func (LogSender) Send(_ context.Context, m *match.PatientMatch) error {
	payload, err := Payload(m)
	if err != nil {
		return err
	}
	logger.Log.WithFields(logrus.Fields{
		"match_id":             payload.MatchID,
		"recipient":            payload.Recipient,
		"reference_patient_id": payload.ReferencePatientID,
		"matched_patient_id":   payload.MatchedPatientID,
		"score":                payload.Score,
	}).Info("match notification")
	return nil
}
