// Package models defines the durable record schemas and sync payloads for SurveyKiosk
package models

import (
	"bytes"
	"encoding/json"
	"errors"
	"time"
)

// Durable store keys. Each is an independent top-level entry, JSON-encoded.
const (
	KeyAppState          = "appState"
	KeySurveyQueue       = "surveyQueue"
	KeyAnalyticsQueue    = "analyticsQueue"
	KeyQuarantineQueue   = "quarantineQueue"
	KeyLastSyncTime      = "lastSyncTime"
	KeyLastAnalyticsSync = "lastAnalyticsSyncTime"
)

// Analytics event types
const (
	EventSurveyStarted    = "survey_started"
	EventSurveyCompleted  = "survey_completed"
	EventSurveyAbandoned  = "survey_abandoned"
	EventQuestionAnswered = "question_answered"
)

// QueueRecord is one durable, uniquely-identified unit of survey data
// awaiting delivery. The ID is assigned once at creation and never reused;
// it is the sole correlation key between client and server state.
type QueueRecord struct {
	ID        string          `json:"id"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"createdAt"`
}

// Validate checks the record at the store boundary. A record with no ID is
// never eligible for transmission. An absent payload round-trips through
// the JSON store as the literal null, so both spellings count as missing.
func (r *QueueRecord) Validate() error {
	if r.ID == "" {
		return errors.New("queue record missing id")
	}
	if len(r.Payload) == 0 || bytes.Equal(r.Payload, []byte("null")) {
		return errors.New("queue record missing payload")
	}
	if r.CreatedAt.IsZero() {
		return errors.New("queue record missing createdAt")
	}
	return nil
}

// AnalyticsEvent is one lightweight telemetry event. Append-only; never
// individually acknowledged.
type AnalyticsEvent struct {
	Timestamp       time.Time      `json:"timestamp"`
	EventType       string         `json:"eventType"`
	SessionID       string         `json:"sessionId"`
	KioskID         string         `json:"kioskId"`
	QuestionIndex   int            `json:"questionIndex,omitempty"`
	DurationSeconds float64        `json:"durationSeconds,omitempty"`
	Fields          map[string]any `json:"fields,omitempty"`
}

// Validate checks the event at the store boundary.
func (e *AnalyticsEvent) Validate() error {
	if e.Timestamp.IsZero() {
		return errors.New("analytics event missing timestamp")
	}
	switch e.EventType {
	case EventSurveyStarted, EventSurveyCompleted, EventSurveyAbandoned, EventQuestionAnswered:
	default:
		return errors.New("analytics event has unknown eventType: " + e.EventType)
	}
	if e.SessionID == "" {
		return errors.New("analytics event missing sessionId")
	}
	return nil
}

// AppState holds application state persisted across restarts.
type AppState struct {
	SurveyVersion string    `json:"surveyVersion"`
	LastResetAt   time.Time `json:"lastResetAt"`
}

// SyncCursor marks the last confirmed full or partial delivery.
type SyncCursor struct {
	LastSyncAt          int64 `json:"lastSyncAt"`
	LastAnalyticsSyncAt int64 `json:"lastAnalyticsSyncAt"`
}

// QuarantinedRecord wraps a record pulled out of the live queue with the
// reason it was quarantined.
type QuarantinedRecord struct {
	Record        QueueRecord `json:"record"`
	Reason        string      `json:"reason"`
	QuarantinedAt time.Time   `json:"quarantinedAt"`
}
