package notification

import (
	"context"
	"errors"
	"strings"

	"github.com/synaptica-ai/patient-matching/pkg/common/models"
	"github.com/synaptica-ai/patient-matching/pkg/match"
)

var ErrNoRecipient = errors.New("match has no recipient")

// Sender delivers the notification for one match. It is not responsible for
// recording that the match was notified.
type Sender interface {
	Send(ctx context.Context, m *match.PatientMatch) error
}

type SenderFunc func(ctx context.Context, m *match.PatientMatch) error

func (f SenderFunc) Send(ctx context.Context, m *match.PatientMatch) error {
	return f(ctx, m)
}

// Response is the per-match outcome of a notification request. Success means
// the owner was notified; Recorded means the match is stored as notified.
type Response struct {
	MatchID  int64  `json:"match_id"`
	Success  bool   `json:"success"`
	Recorded bool   `json:"recorded"`
	Reason   string `json:"reason,omitempty"`
}

func Succeeded(id int64) Response {
	return Response{MatchID: id, Success: true, Recorded: true}
}

// Unrecorded reports a delivered notification whose notified flag was lost.
func Unrecorded(id int64, reason string) Response {
	return Response{MatchID: id, Success: true, Reason: reason}
}

func Failed(id int64, reason string) Response {
	return Response{MatchID: id, Reason: reason}
}

// Payload builds the outbound message for m, addressed to the owner of the
// reference patient.
func Payload(m *match.PatientMatch) (models.MatchNotification, error) {
	recipient := strings.TrimSpace(m.Reference.OwnerEmail)
	if recipient == "" {
		return models.MatchNotification{}, ErrNoRecipient
	}
	return models.MatchNotification{
		MatchID:            m.ID,
		Recipient:          recipient,
		ReferencePatientID: m.Reference.PatientID,
		ReferenceServerID:  m.Reference.ServerID,
		MatchedPatientID:   m.Matched.PatientID,
		MatchedServerID:    m.Matched.ServerID,
		Score:              m.Score,
		SharedPhenotypes:   m.SharedPhenotypes(),
	}, nil
}
