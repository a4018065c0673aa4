// Package session runs the inactivity state machine: it tracks activity
// reported by the detector and hands an alert to the dispatcher once a
// session has been silent for longer than the alert delay.
package session

import (
	"context"
	"errors"
	"time"

	"github.com/mikeyg42/stillwatch/internal/config"
	"github.com/mikeyg42/stillwatch/internal/types"
)

var (
	ErrNotActive = errors.New("session: no active session")
	ErrClosed    = errors.New("session: controller closed")
)

// State of the controller
type State int

const (
	StateInactive State = iota
	StateActive
)

func (s State) String() string {
	if s == StateActive {
		return "active"
	}
	return "inactive"
}

// Stop reasons
const (
	ReasonManual            = "manual"
	ReasonRestart           = "restart"
	ReasonSessionTimeout    = "session_timeout"
	ReasonInactivityTimeout = "inactivity_timeout"
	ReasonShutdown          = "shutdown"
)

// Dispatcher delivers alerts. Dispatch may block on network I/O.
type Dispatcher interface {
	Dispatch(ctx context.Context, req types.AlertRequest) types.DeliveryOutcome
}

// SnapshotSource supplies the frame attached to an alert
type SnapshotSource interface {
	Snapshot() (types.Frame, error)
	Release(f types.Frame)
}

// Observer receives every detection result processed during a session
type Observer interface {
	OnDetection(r types.DetectionResult)
}

// EventKind names a session lifecycle change
type EventKind string

const (
	EventStarted         EventKind = "started"
	EventStopped         EventKind = "stopped"
	EventAlertSubmitted  EventKind = "alert_submitted"
	EventAlertCommitted  EventKind = "alert_committed"
	EventAlertRolledBack EventKind = "alert_rolled_back"
)

// Event is published to listeners after the controller lock is released
type Event struct {
	Kind       EventKind              `json:"kind"`
	SessionID  string                 `json:"session_id"`
	Reason     string                 `json:"reason,omitempty"`
	AlertsSent int                    `json:"alerts_sent"`
	At         time.Time              `json:"at"`
	Outcome    *types.DeliveryOutcome `json:"outcome,omitempty"`
}

// Listener receives session events
type Listener interface {
	OnSessionEvent(ev Event)
}

// Config controls timing and limits
type Config struct {
	AlertDelay          time.Duration
	SessionTimeout      time.Duration
	InactivityTimeout   time.Duration
	MaxAlertsPerSession int
	AlertCheckInterval  time.Duration
	TickInterval        time.Duration
	HistorySize         int
	RecentWindow        int
}

// ConfigFrom maps the session section onto a Config
func ConfigFrom(s config.SessionConfig) Config {
	return Config{
		AlertDelay:          s.AlertDelay,
		SessionTimeout:      s.SessionTimeout,
		InactivityTimeout:   s.InactivityTimeout,
		MaxAlertsPerSession: s.MaxAlertsPerSession,
		AlertCheckInterval:  s.AlertCheckInterval,
		TickInterval:        s.TickInterval,
		HistorySize:         s.HistorySize,
		RecentWindow:        s.RecentWindow,
	}
}

func (c Config) withDefaults() Config {
	if c.MaxAlertsPerSession <= 0 {
		c.MaxAlertsPerSession = 5
	}
	if c.HistorySize <= 0 {
		c.HistorySize = 10
	}
	if c.RecentWindow <= 0 {
		c.RecentWindow = 3
	}
	if c.RecentWindow > c.HistorySize {
		c.RecentWindow = c.HistorySize
	}
	if c.TickInterval <= 0 {
		c.TickInterval = time.Second
	}
	return c
}

// Status is a read-consistent snapshot of the controller
type Status struct {
	IsActive                 bool       `json:"is_active"`
	SessionID                string     `json:"session_id,omitempty"`
	StartTime                *time.Time `json:"start_time,omitempty"`
	DurationSeconds          float64    `json:"duration_seconds"`
	LastActivityTime         *time.Time `json:"last_activity_time,omitempty"`
	TimeSinceActivitySeconds float64    `json:"time_since_activity_seconds"`
	AlertFired               bool       `json:"alert_fired"`
	AlertPending             bool       `json:"alert_pending"`
	AlertCountdownSeconds    *float64   `json:"alert_countdown_seconds"`
	AlertsSentThisSession    int        `json:"alerts_sent_this_session"`
	MaxAlertsPerSession      int        `json:"max_alerts_per_session"`
	RecentActivityDetected   bool       `json:"recent_activity_detected"`
	SessionTimeoutMinutes    float64    `json:"session_timeout_minutes"`
	AlertDelaySeconds        float64    `json:"alert_delay_seconds"`
}
