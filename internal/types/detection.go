package types

import "time"

// DetectionResult is the per-frame verdict of the change detector.
type DetectionResult struct {
	ActivityDetected bool      `json:"activity_detected"`
	Magnitude        float64   `json:"magnitude"`
	Timestamp        time.Time `json:"timestamp"`
	RegionUsed       bool      `json:"region_used"`
	// Disconnected marks results synthesized while the camera is unavailable.
	Disconnected bool `json:"disconnected,omitempty"`
}

// AlertRequest is handed to the notification dispatcher when a session has
// been silent for longer than the alert delay.
type AlertRequest struct {
	SessionID        string
	LastActivityTime time.Time
	Snapshot         *Frame
}

// DeliveryOutcome is the result of one dispatch cycle.
type DeliveryOutcome struct {
	Success             bool      `json:"success"`
	Attempt             int       `json:"attempt"`
	RecipientsSucceeded int       `json:"recipients_succeeded"`
	RecipientsTotal     int       `json:"recipients_total"`
	SkipReason          string    `json:"skip_reason,omitempty"`
	AlertID             string    `json:"alert_id,omitempty"`
	Error               string    `json:"error,omitempty"`
	Timestamp           time.Time `json:"timestamp"`
}
