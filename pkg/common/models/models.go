package models

import (
	"time"
)

const (
	EventPatientDeleted     = "patient.deleted"
	EventMatchNotification  = "match.notification"
	EventNotificationFailed = "match.notification.failed"
)

// Event Bus models
type Event struct {
	ID        string                 `json:"id"`
	Type      string                 `json:"type"` // patient.deleted, match.notification
	Source    string                 `json:"source"`
	Data      map[string]interface{} `json:"data"`
	Timestamp time.Time              `json:"timestamp"`
	Metadata  map[string]string      `json:"metadata,omitempty"`
}

// PatientDeletedEvent is emitted once a patient record has been removed upstream.
type PatientDeletedEvent struct {
	PatientID string    `json:"patient_id"`
	DeletedAt time.Time `json:"deleted_at"`
}

// MatchNotification is the payload handed to the delivery channel for one match.
type MatchNotification struct {
	MatchID            int64    `json:"match_id"`
	Recipient          string   `json:"recipient"`
	ReferencePatientID string   `json:"reference_patient_id"`
	ReferenceServerID  string   `json:"reference_server_id,omitempty"`
	MatchedPatientID   string   `json:"matched_patient_id"`
	MatchedServerID    string   `json:"matched_server_id,omitempty"`
	Score              float64  `json:"score"`
	SharedPhenotypes   []string `json:"shared_phenotypes,omitempty"`
}

// Admin trigger requests
type DiscoverRequest struct {
	MinScore *float64 `json:"min_score,omitempty"`
}

type NotifyRequest struct {
	MatchIDs []int64 `json:"match_ids"`
}

type RejectRequest struct {
	MatchIDs []int64 `json:"match_ids"`
	Rejected bool    `json:"rejected"`
}

type NotificationResult struct {
	MatchID  int64  `json:"match_id"`
	Success  bool   `json:"success"`
	Recorded bool   `json:"recorded"`
	Reason   string `json:"reason,omitempty"`
}
