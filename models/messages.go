package models

import "encoding/json"

// Control message types exchanged between the background daemon and
// connected foreground clients over the control channel.
const (
	MsgSkipWaiting       = "SKIP_WAITING"
	MsgClearCache        = "CLEAR_CACHE"
	MsgCacheCleared      = "CACHE_CLEARED"
	MsgRecacheVideo      = "RECACHE_VIDEO"
	MsgVideoRecached     = "VIDEO_RECACHED"
	MsgBackgroundSync    = "BACKGROUND_SYNC"
	MsgClearQuarantine   = "CLEAR_QUARANTINE"
	MsgQuarantineCleared = "QUARANTINE_CLEARED"
	MsgVisibility        = "VISIBILITY"
	MsgConnectivity      = "CONNECTIVITY"
	MsgGenerationActive  = "GENERATION_ACTIVATED"
)

// ControlMessage is the wire shape for the control channel.
type ControlMessage struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// VisibilityPayload reports page-visibility transitions from the foreground.
type VisibilityPayload struct {
	Visible bool `json:"visible"`
}

// ConnectivityPayload reports connectivity transitions from the foreground.
type ConnectivityPayload struct {
	Online bool `json:"online"`
}

// MediaResult reports per-file success for a media recache.
type MediaResult struct {
	URL     string `json:"url"`
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

// SubmissionSyncRequest is the body posted to the submission sync endpoint.
type SubmissionSyncRequest struct {
	Submissions []QueueRecord `json:"submissions"`
	KioskID     string        `json:"kioskId"`
	Timestamp   int64         `json:"timestamp"`
}

// SubmissionSyncResponse is the expected response from the submission sync
// endpoint. Only ids present in SuccessfulIDs are confirmed accepted.
type SubmissionSyncResponse struct {
	SuccessfulIDs []string `json:"successfulIds"`
}

// AnalyticsSyncRequest is the body posted to the analytics sync endpoint.
// The summary travels alongside the raw event list.
type AnalyticsSyncRequest struct {
	AnalyticsType            string           `json:"analyticsType"`
	Timestamp                int64            `json:"timestamp"`
	KioskID                  string           `json:"kioskId"`
	TotalCompletions         int              `json:"totalCompletions"`
	TotalAbandonments        int              `json:"totalAbandonments"`
	CompletionRate           float64          `json:"completionRate"`
	AvgCompletionTimeSeconds float64          `json:"avgCompletionTimeSeconds"`
	DropoffByQuestion        map[string]int   `json:"dropoffByQuestion"`
	RawEvents                []AnalyticsEvent `json:"rawEvents"`
}

// AnalyticsSyncResponse is the expected response from the analytics sync
// endpoint.
type AnalyticsSyncResponse struct {
	Success bool `json:"success"`
}
