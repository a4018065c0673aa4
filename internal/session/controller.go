package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/mikeyg42/stillwatch/internal/metrics"
	"github.com/mikeyg42/stillwatch/internal/types"
)

// pendingAlert remembers what an in-flight alert replaced so a failed
// delivery can be rolled back.
type pendingAlert struct {
	generation        uint64
	sessionID         string
	lastActivity      time.Time
	prevAlertsSent    int
	prevLastAlertTime time.Time
	submittedAt       time.Time
}

// Controller owns the session state. All fields below mu are guarded by it;
// OnDetection, Tick, Status and the alert completion path all take it.
type Controller struct {
	cfg        Config
	dispatcher Dispatcher
	snapshots  SnapshotSource
	logger     *zap.Logger
	metrics    *metrics.Metrics
	now        func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu             sync.Mutex
	state          State
	generation     uint64
	sessionID      string
	startTime      time.Time
	lastActivity   time.Time
	alertFired     bool
	alertsSent     int
	lastAlertTime  time.Time
	lastAlertCheck time.Time
	history        []bool
	pending        *pendingAlert
	closed         bool

	obsMu     sync.RWMutex
	observers []Observer
	listeners []Listener
}

// Option configures a Controller
type Option func(*Controller)

func WithSnapshots(s SnapshotSource) Option { return func(c *Controller) { c.snapshots = s } }

func WithMetrics(m *metrics.Metrics) Option { return func(c *Controller) { c.metrics = m } }

// WithClock replaces time.Now
func WithClock(now func() time.Time) Option { return func(c *Controller) { c.now = now } }

// NewController creates an inactive controller
func NewController(cfg Config, dispatcher Dispatcher, logger *zap.Logger, opts ...Option) *Controller {
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	c := &Controller{
		cfg:        cfg.withDefaults(),
		dispatcher: dispatcher,
		logger:     logger.Named("session"),
		now:        time.Now,
		ctx:        ctx,
		cancel:     cancel,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.history = make([]bool, 0, c.cfg.HistorySize)
	return c
}

// AddObserver registers o for every processed detection result
func (c *Controller) AddObserver(o Observer) {
	c.obsMu.Lock()
	defer c.obsMu.Unlock()
	c.observers = append(c.observers, o)
}

// AddListener registers l for lifecycle events
func (c *Controller) AddListener(l Listener) {
	c.obsMu.Lock()
	defer c.obsMu.Unlock()
	c.listeners = append(c.listeners, l)
}

// Start begins a session, stopping any active one first. An empty id is
// replaced with a generated one; the id in use is returned.
func (c *Controller) Start(sessionID string) (string, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return "", ErrClosed
	}

	now := c.now()
	var events []Event
	if c.state == StateActive {
		events = append(events, c.stopLocked(now, ReasonRestart))
	}
	if sessionID == "" {
		sessionID = uuid.NewString()
	}

	c.generation++
	c.state = StateActive
	c.sessionID = sessionID
	c.startTime = now
	c.lastActivity = now
	c.alertFired = false
	c.alertsSent = 0
	c.lastAlertTime = time.Time{}
	c.lastAlertCheck = time.Time{}
	c.history = c.history[:0]
	c.pending = nil
	events = append(events, Event{Kind: EventStarted, SessionID: sessionID, At: now})
	c.mu.Unlock()

	c.metrics.SessionStarted()
	c.logger.Info("Session started",
		zap.String("session_id", sessionID),
		zap.Duration("alert_delay", c.cfg.AlertDelay),
		zap.Duration("session_timeout", c.cfg.SessionTimeout))
	c.emit(events)
	return sessionID, nil
}

// Stop ends the active session
func (c *Controller) Stop() error {
	return c.StopWithReason(ReasonManual)
}

// StopWithReason ends the active session, recording why
func (c *Controller) StopWithReason(reason string) error {
	c.mu.Lock()
	if c.state != StateActive {
		c.mu.Unlock()
		return ErrNotActive
	}
	ev := c.stopLocked(c.now(), reason)
	c.mu.Unlock()

	c.emit([]Event{ev})
	return nil
}

// stopLocked clears the session. Any in-flight alert belongs to the old
// generation and its result will be ignored.
func (c *Controller) stopLocked(now time.Time, reason string) Event {
	ev := Event{
		Kind:       EventStopped,
		SessionID:  c.sessionID,
		Reason:     reason,
		AlertsSent: c.alertsSent,
		At:         now,
	}

	c.logger.Info("Session stopped",
		zap.String("session_id", c.sessionID),
		zap.String("reason", reason),
		zap.Duration("duration", now.Sub(c.startTime)),
		zap.Int("alerts_sent", c.alertsSent))
	c.metrics.SessionStopped(reason)

	c.generation++
	c.state = StateInactive
	c.sessionID = ""
	c.pending = nil
	c.alertFired = false
	return ev
}

// OnDetection records one detection result. It never blocks on I/O.
func (c *Controller) OnDetection(r types.DetectionResult) {
	c.mu.Lock()
	if c.state != StateActive {
		c.mu.Unlock()
		return
	}

	now := c.now()
	c.pushHistory(r.ActivityDetected)
	if r.ActivityDetected {
		ts := r.Timestamp
		if ts.IsZero() {
			ts = now
		}
		c.lastActivity = ts
		c.alertFired = false
	}
	events := c.evaluateLocked(now)
	c.mu.Unlock()

	c.emit(events)
	c.notifyObservers(r)
}

// Tick evaluates timeouts and the alert condition without a new result
func (c *Controller) Tick() {
	c.mu.Lock()
	if c.state != StateActive {
		c.mu.Unlock()
		return
	}
	events := c.evaluateLocked(c.now())
	c.mu.Unlock()

	c.emit(events)
}

// Run ticks on the configured interval until ctx is done
func (c *Controller) Run(ctx context.Context) {
	ticker := time.NewTicker(c.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			c.Tick()
		}
	}
}

// ShouldTriggerAlert reports whether the alert condition holds right now,
// ignoring the evaluation rate limit. The recent-motion guard still applies.
func (c *Controller) ShouldTriggerAlert() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.shouldTriggerLocked(c.now())
}

func (c *Controller) evaluateLocked(now time.Time) []Event {
	if c.cfg.SessionTimeout > 0 && now.Sub(c.startTime) >= c.cfg.SessionTimeout {
		return []Event{c.stopLocked(now, ReasonSessionTimeout)}
	}
	if c.cfg.InactivityTimeout > 0 && now.Sub(c.lastActivity) >= c.cfg.InactivityTimeout {
		return []Event{c.stopLocked(now, ReasonInactivityTimeout)}
	}

	if !c.lastAlertCheck.IsZero() && now.Sub(c.lastAlertCheck) < c.cfg.AlertCheckInterval {
		return nil
	}
	c.lastAlertCheck = now

	if !c.shouldTriggerLocked(now) {
		return nil
	}
	return []Event{c.submitLocked(now)}
}

func (c *Controller) shouldTriggerLocked(now time.Time) bool {
	if c.state != StateActive || c.alertFired || c.pending != nil {
		return false
	}
	if c.alertsSent >= c.cfg.MaxAlertsPerSession {
		return false
	}
	if c.recentActivityLocked() {
		return false
	}
	return now.Sub(c.lastActivity) >= c.cfg.AlertDelay
}

// submitLocked applies the alert optimistically and hands delivery to a
// goroutine. completeAlert commits or rolls it back.
func (c *Controller) submitLocked(now time.Time) Event {
	p := &pendingAlert{
		generation:        c.generation,
		sessionID:         c.sessionID,
		lastActivity:      c.lastActivity,
		prevAlertsSent:    c.alertsSent,
		prevLastAlertTime: c.lastAlertTime,
		submittedAt:       now,
	}
	c.pending = p
	c.alertFired = true
	c.alertsSent++
	c.lastAlertTime = now

	c.logger.Info("Inactivity alert submitted",
		zap.String("session_id", c.sessionID),
		zap.Duration("silent_for", now.Sub(c.lastActivity)),
		zap.Int("alert", c.alertsSent),
		zap.Int("max", c.cfg.MaxAlertsPerSession))
	c.metrics.Alert("submitted")

	c.wg.Add(1)
	go c.deliver(p)

	return Event{Kind: EventAlertSubmitted, SessionID: c.sessionID, AlertsSent: c.alertsSent, At: now}
}

func (c *Controller) deliver(p *pendingAlert) {
	defer c.wg.Done()

	req := types.AlertRequest{SessionID: p.sessionID, LastActivityTime: p.lastActivity}
	if c.snapshots != nil {
		if f, err := c.snapshots.Snapshot(); err != nil {
			c.logger.Warn("Alert snapshot unavailable", zap.Error(err))
		} else {
			snap := f.Clone()
			c.snapshots.Release(f)
			req.Snapshot = &snap
		}
	}

	c.completeAlert(p, c.dispatch(req))
}

func (c *Controller) dispatch(req types.AlertRequest) (out types.DeliveryOutcome) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("Dispatcher panicked", zap.Any("panic", r), zap.Stack("stack"))
			out = types.DeliveryOutcome{Error: fmt.Sprintf("dispatcher panic: %v", r), Timestamp: c.now()}
		}
	}()
	if c.dispatcher == nil {
		return types.DeliveryOutcome{Error: "no dispatcher configured", Timestamp: c.now()}
	}
	return c.dispatcher.Dispatch(c.ctx, req)
}

func (c *Controller) completeAlert(p *pendingAlert, out types.DeliveryOutcome) {
	c.mu.Lock()
	if c.pending != p || c.generation != p.generation {
		c.mu.Unlock()
		c.logger.Debug("Alert result for an ended session ignored",
			zap.String("session_id", p.sessionID),
			zap.Bool("success", out.Success))
		return
	}
	c.pending = nil

	ev := Event{SessionID: p.sessionID, At: c.now(), Outcome: &out}
	if out.Success {
		// alertFired stays cleared if activity arrived while in flight
		ev.Kind = EventAlertCommitted
		c.metrics.Alert("committed")
		c.logger.Info("Inactivity alert delivered",
			zap.String("session_id", p.sessionID),
			zap.Int("recipients", out.RecipientsSucceeded),
			zap.Int("attempts", out.Attempt))
	} else {
		c.alertsSent = p.prevAlertsSent
		c.lastAlertTime = p.prevLastAlertTime
		c.alertFired = false
		ev.Kind = EventAlertRolledBack
		c.metrics.Alert("rolled_back")
		c.logger.Warn("Inactivity alert failed, rolled back",
			zap.String("session_id", p.sessionID),
			zap.String("skip_reason", out.SkipReason),
			zap.String("error", out.Error),
			zap.Int("attempts", out.Attempt))
	}
	ev.AlertsSent = c.alertsSent
	c.mu.Unlock()

	c.emit([]Event{ev})
}

// Status returns a consistent snapshot of the session
func (c *Controller) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()

	st := Status{
		IsActive:              c.state == StateActive,
		MaxAlertsPerSession:   c.cfg.MaxAlertsPerSession,
		SessionTimeoutMinutes: c.cfg.SessionTimeout.Minutes(),
		AlertDelaySeconds:     c.cfg.AlertDelay.Seconds(),
	}
	if !st.IsActive {
		return st
	}

	now := c.now()
	start, last := c.startTime, c.lastActivity
	st.SessionID = c.sessionID
	st.StartTime = &start
	st.DurationSeconds = now.Sub(start).Seconds()
	st.LastActivityTime = &last
	st.TimeSinceActivitySeconds = now.Sub(last).Seconds()
	st.AlertFired = c.alertFired
	st.AlertPending = c.pending != nil
	st.AlertsSentThisSession = c.alertsSent
	st.RecentActivityDetected = c.recentActivityLocked()

	if !c.alertFired {
		remaining := c.cfg.AlertDelay.Seconds() - now.Sub(last).Seconds()
		if remaining < 0 {
			remaining = 0
		}
		st.AlertCountdownSeconds = &remaining
	}
	return st
}

// State returns the current state
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Close stops an active session, cancels in-flight alerts and waits for them
func (c *Controller) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	var events []Event
	if c.state == StateActive {
		events = append(events, c.stopLocked(c.now(), ReasonShutdown))
	}
	c.mu.Unlock()

	c.emit(events)
	c.cancel()
	c.wg.Wait()
	return nil
}

func (c *Controller) pushHistory(activity bool) {
	if len(c.history) < c.cfg.HistorySize {
		c.history = append(c.history, activity)
		return
	}
	copy(c.history, c.history[1:])
	c.history[len(c.history)-1] = activity
}

func (c *Controller) recentActivityLocked() bool {
	n := len(c.history)
	from := n - c.cfg.RecentWindow
	if from < 0 {
		from = 0
	}
	for _, v := range c.history[from:] {
		if v {
			return true
		}
	}
	return false
}

func (c *Controller) emit(events []Event) {
	if len(events) == 0 {
		return
	}
	c.obsMu.RLock()
	listeners := c.listeners
	c.obsMu.RUnlock()

	for _, ev := range events {
		for _, l := range listeners {
			l.OnSessionEvent(ev)
		}
	}
}

func (c *Controller) notifyObservers(r types.DetectionResult) {
	c.obsMu.RLock()
	observers := c.observers
	c.obsMu.RUnlock()

	for _, o := range observers {
		o.OnDetection(r)
	}
}
