package notification

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/mikeyg42/stillwatch/internal/config"
	"github.com/mikeyg42/stillwatch/internal/metrics"
	"github.com/mikeyg42/stillwatch/internal/types"
)

const (
	SkipCooldown = "cooldown"

	KindAlert = "alert"
	KindTest  = "test"

	placeholderWidth  = 640
	placeholderHeight = 480
)

// ImageEncoder turns a frame into attachment bytes
type ImageEncoder interface {
	Encode(f types.Frame) ([]byte, error)
	Extension() string
	ContentType() string
}

// ImageStore persists encoded alert images
type ImageStore interface {
	Save(ctx context.Context, name string, data []byte, contentType string) error
}

// DeliveryRecord is one finished dispatch, handed to the Recorder
type DeliveryRecord struct {
	Kind       string
	SessionID  string
	Attachment string
	Outcome    types.DeliveryOutcome
}

// Recorder keeps a history of dispatches
type Recorder interface {
	RecordDelivery(ctx context.Context, rec DeliveryRecord) error
}

// SnapshotSource supplies a live frame for test messages. Frames are handed
// back with Release once encoded.
type SnapshotSource interface {
	Snapshot() (types.Frame, error)
	Release(f types.Frame)
}

// PlaceholderFunc produces the image attached to test messages
type PlaceholderFunc func(width, height int, label string) (types.Frame, error)

// Config holds dispatcher settings
type Config struct {
	Sender          string
	SenderName      string
	Recipients      []string
	Cooldown        time.Duration
	Retry           RetryPolicy
	SendTimeout     time.Duration
	SubjectTemplate string
	BodyTemplate    string
	AttachSnapshot  bool
	WebsiteURL      string
	DeviceName      string
}

// ConfigFrom maps the notification section onto a dispatcher Config
func ConfigFrom(n config.NotificationConfig) Config {
	retry := DefaultRetryPolicy()
	if n.MaxRetries > 0 {
		retry.MaxAttempts = n.MaxRetries
	}
	if n.RetryDelay > 0 {
		retry.InitialDelay = n.RetryDelay
	}
	return Config{
		Sender:          n.Sender,
		SenderName:      "Stillwatch " + n.DeviceName,
		Recipients:      n.Recipients,
		Cooldown:        n.Cooldown,
		Retry:           retry,
		SendTimeout:     n.SendTimeout,
		SubjectTemplate: n.SubjectTemplate,
		BodyTemplate:    n.BodyTemplate,
		AttachSnapshot:  n.AttachSnapshot,
		WebsiteURL:      n.WebsiteURL,
		DeviceName:      n.DeviceName,
	}
}

// Status is a point-in-time view of the dispatcher
type Status struct {
	Transport                string                 `json:"transport"`
	Recipients               int                    `json:"recipients"`
	SentCount                int                    `json:"sent_count"`
	LastSuccess              *time.Time             `json:"last_success,omitempty"`
	CooldownRemainingSeconds float64                `json:"cooldown_remaining_seconds"`
	CanSend                  bool                   `json:"can_send"`
	LastOutcome              *types.DeliveryOutcome `json:"last_outcome,omitempty"`
}

type jobKind int

const (
	jobAlert jobKind = iota
	jobTest
	jobNoop
)

type job struct {
	kind   jobKind
	ctx    context.Context
	req    types.AlertRequest
	result chan types.DeliveryOutcome
}

// Dispatcher renders and delivers alerts. Transport I/O runs on a single
// worker so at most one send is outstanding.
type Dispatcher struct {
	cfg         Config
	transport   Transport
	renderer    *Renderer
	encoder     ImageEncoder
	stores      []ImageStore
	recorder    Recorder
	contextFn   func() AlertContext
	placeholder PlaceholderFunc
	snapshots   SnapshotSource
	logger      *zap.Logger
	metrics     *metrics.Metrics
	now         func() time.Time

	mu          sync.Mutex
	lastSuccess time.Time
	sentCount   int
	lastOutcome *types.DeliveryOutcome

	jobs   chan job
	quit   chan struct{}
	done   chan struct{}
	closed atomic.Bool
}

// Option configures a Dispatcher
type Option func(*Dispatcher)

func WithEncoder(e ImageEncoder) Option { return func(d *Dispatcher) { d.encoder = e } }

// WithImageStores persists every encoded alert image to each store
func WithImageStores(stores ...ImageStore) Option {
	return func(d *Dispatcher) { d.stores = append(d.stores, stores...) }
}

func WithRecorder(r Recorder) Option { return func(d *Dispatcher) { d.recorder = r } }

// WithAlertContext supplies the live camera settings rendered into messages
func WithAlertContext(fn func() AlertContext) Option {
	return func(d *Dispatcher) { d.contextFn = fn }
}

func WithPlaceholder(fn PlaceholderFunc) Option { return func(d *Dispatcher) { d.placeholder = fn } }

// WithSnapshots lets test messages carry a live frame instead of the placeholder
func WithSnapshots(s SnapshotSource) Option { return func(d *Dispatcher) { d.snapshots = s } }

func WithMetrics(m *metrics.Metrics) Option { return func(d *Dispatcher) { d.metrics = m } }

func WithClock(now func() time.Time) Option { return func(d *Dispatcher) { d.now = now } }

// NewDispatcher validates cfg and starts the delivery worker
func NewDispatcher(cfg Config, transport Transport, logger *zap.Logger, opts ...Option) (*Dispatcher, error) {
	if transport == nil {
		return nil, errors.New("notification: transport is required")
	}
	if cfg.Sender == "" {
		return nil, &config.ConfigError{Field: "notification.sender", Value: cfg.Sender, Reason: "must not be empty"}
	}
	if cfg.Retry.MaxAttempts < 1 {
		cfg.Retry.MaxAttempts = 1
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = defaultSMTPTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	d := &Dispatcher{
		cfg:       cfg,
		transport: transport,
		renderer:  NewRenderer(cfg.SubjectTemplate, cfg.BodyTemplate),
		contextFn: func() AlertContext { return AlertContext{} },
		logger:    logger,
		now:       time.Now,
		jobs:      make(chan job),
		quit:      make(chan struct{}),
		done:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(d)
	}

	if err := d.renderer.Err(); err != nil {
		logger.Warn("Template invalid, fixed message will be used", zap.Error(err))
	}

	go d.worker()
	return d, nil
}

// Dispatch delivers an alert for req. It fails fast while the cooldown since
// the last successful dispatch is running.
func (d *Dispatcher) Dispatch(ctx context.Context, req types.AlertRequest) types.DeliveryOutcome {
	if d.closed.Load() {
		return d.failed(0, len(d.cfg.Recipients), ErrClosed)
	}
	if out, skip := d.checkCooldown(); skip {
		return out
	}
	if len(d.cfg.Recipients) == 0 {
		return d.failed(0, 0, ErrNoRecipients)
	}
	return d.submit(ctx, job{kind: jobAlert, req: req})
}

// SendTest sends a fixed test message regardless of the cooldown
func (d *Dispatcher) SendTest(ctx context.Context) types.DeliveryOutcome {
	if d.closed.Load() {
		return d.failed(0, len(d.cfg.Recipients), ErrClosed)
	}
	if len(d.cfg.Recipients) == 0 {
		return d.failed(0, 0, ErrNoRecipients)
	}
	return d.submit(ctx, job{kind: jobTest})
}

// TestConnectivity performs a no-op round trip against the transport
func (d *Dispatcher) TestConnectivity(ctx context.Context) bool {
	if d.closed.Load() {
		return false
	}
	return d.submit(ctx, job{kind: jobNoop}).Success
}

// Status returns counters and the cooldown state
func (d *Dispatcher) Status() Status {
	d.mu.Lock()
	defer d.mu.Unlock()

	remaining := d.cooldownRemainingLocked(d.now())
	st := Status{
		Transport:                d.transport.String(),
		Recipients:               len(d.cfg.Recipients),
		SentCount:                d.sentCount,
		CooldownRemainingSeconds: remaining.Seconds(),
		CanSend:                  remaining <= 0 && len(d.cfg.Recipients) > 0 && !d.closed.Load(),
	}
	if !d.lastSuccess.IsZero() {
		t := d.lastSuccess
		st.LastSuccess = &t
	}
	if d.lastOutcome != nil {
		out := *d.lastOutcome
		st.LastOutcome = &out
	}
	return st
}

// Close stops the worker. Calls made after Close fail with ErrClosed.
func (d *Dispatcher) Close() error {
	if !d.closed.CompareAndSwap(false, true) {
		return nil
	}
	close(d.quit)
	<-d.done
	return nil
}

func (d *Dispatcher) submit(ctx context.Context, j job) types.DeliveryOutcome {
	if err := ctx.Err(); err != nil {
		return d.failed(0, len(d.cfg.Recipients), err)
	}
	j.ctx = ctx
	j.result = make(chan types.DeliveryOutcome, 1)

	select {
	case d.jobs <- j:
	case <-d.quit:
		return d.failed(0, len(d.cfg.Recipients), ErrClosed)
	case <-ctx.Done():
		return d.failed(0, len(d.cfg.Recipients), ctx.Err())
	}

	select {
	case out := <-j.result:
		return out
	case <-ctx.Done():
		return d.failed(0, len(d.cfg.Recipients), ctx.Err())
	}
}

func (d *Dispatcher) worker() {
	defer close(d.done)
	for {
		select {
		case <-d.quit:
			return
		case j := <-d.jobs:
			j.result <- d.run(j)
		}
	}
}

func (d *Dispatcher) run(j job) types.DeliveryOutcome {
	switch j.kind {
	case jobNoop:
		return d.noop(j.ctx)
	case jobTest:
		return d.sendTest(j.ctx)
	default:
		// a dispatch may have succeeded while this one waited
		if out, skip := d.checkCooldown(); skip {
			return out
		}
		return d.sendAlert(j.ctx, j.req)
	}
}

func (d *Dispatcher) sendAlert(ctx context.Context, req types.AlertRequest) types.DeliveryOutcome {
	now := d.now()
	alertID := uuid.NewString()
	data := NewTemplateData(now, req.SessionID, req.LastActivityTime, d.contextFn(), d.cfg.WebsiteURL, d.cfg.DeviceName, alertID)

	subject, body, fallback := d.renderer.Render(data)
	if fallback {
		d.logger.Warn("Template rendering failed, using fixed message", zap.String("alert_id", alertID))
	}

	msg := &Message{
		From:     d.cfg.Sender,
		FromName: d.cfg.SenderName,
		To:       d.cfg.Recipients,
		Subject:  subject,
		TextBody: body,
		Date:     now,
		AlertID:  alertID,
		System:   d.cfg.DeviceName,
	}

	var attachment string
	if req.Snapshot != nil && d.cfg.AttachSnapshot {
		if a := d.encodeAttachment(*req.Snapshot, now); a != nil {
			msg.Attachment = a
			attachment = a.Filename
			d.persist(ctx, a)
		}
	}

	out := d.deliver(ctx, msg)
	out.AlertID = alertID
	if out.Success {
		d.mu.Lock()
		d.lastSuccess = now
		d.sentCount++
		d.mu.Unlock()
	}
	d.finish(ctx, DeliveryRecord{Kind: KindAlert, SessionID: req.SessionID, Attachment: attachment, Outcome: out})
	return out
}

func (d *Dispatcher) sendTest(ctx context.Context) types.DeliveryOutcome {
	now := d.now()
	actx := d.contextFn()
	alertID := uuid.NewString()

	msg := &Message{
		From:     d.cfg.Sender,
		FromName: d.cfg.SenderName,
		To:       d.cfg.Recipients,
		Subject:  "Test message - " + now.Format(TimestampLayout),
		TextBody: testBody(now, actx, d.cfg, d.transport.String()),
		Date:     now,
		AlertID:  alertID,
		System:   d.cfg.DeviceName,
	}

	var attachment string
	if d.cfg.AttachSnapshot {
		if a := d.testAttachment(now); a != nil {
			msg.Attachment = a
			attachment = a.Filename
		}
	}

	out := d.deliver(ctx, msg)
	out.AlertID = alertID
	d.finish(ctx, DeliveryRecord{Kind: KindTest, Attachment: attachment, Outcome: out})
	return out
}

// testAttachment prefers a live snapshot and falls back to the placeholder
func (d *Dispatcher) testAttachment(now time.Time) *Attachment {
	if d.snapshots != nil {
		frame, err := d.snapshots.Snapshot()
		if err == nil {
			a := d.encodeAttachment(frame, now)
			d.snapshots.Release(frame)
			if a != nil {
				return a
			}
		} else {
			d.logger.Debug("Snapshot unavailable for test message", zap.Error(err))
		}
	}
	if d.placeholder == nil {
		return nil
	}
	frame, err := d.placeholder(placeholderWidth, placeholderHeight, "TEST "+now.Format(TimestampLayout))
	if err != nil {
		d.logger.Warn("Placeholder image unavailable", zap.Error(err))
		return nil
	}
	return d.encodeAttachment(frame, now)
}

func (d *Dispatcher) noop(ctx context.Context) types.DeliveryOutcome {
	actx, cancel := context.WithTimeout(ctx, d.cfg.SendTimeout)
	defer cancel()

	out := types.DeliveryOutcome{Attempt: 1, Timestamp: d.now()}
	if err := d.transport.Noop(actx); err != nil {
		d.logger.Warn("Transport connectivity check failed", zap.String("transport", d.transport.String()), zap.Error(err))
		out.Error = err.Error()
		return out
	}
	out.Success = true
	return out
}

// deliver builds the MIME message and sends it with retries
func (d *Dispatcher) deliver(ctx context.Context, msg *Message) types.DeliveryOutcome {
	total := len(msg.To)
	raw, err := BuildMIMEMessage(msg)
	if err != nil {
		return d.failed(0, total, err)
	}
	env := Envelope{From: msg.From, To: msg.To, Data: raw}

	accepted := 0
	attempts, err := d.cfg.Retry.Do(ctx, func(ctx context.Context, attempt int) error {
		d.metrics.SendAttempted()
		actx, cancel := context.WithTimeout(ctx, d.cfg.SendTimeout)
		defer cancel()

		n, err := d.transport.Send(actx, env)
		if err != nil {
			return err
		}
		if n == 0 {
			return &TransportError{Op: "send", Err: errors.New("no recipient accepted")}
		}
		accepted = n
		return nil
	}, func(err error, wait time.Duration) {
		d.logger.Warn("Delivery attempt failed, retrying",
			zap.String("transport", d.transport.String()),
			zap.Duration("wait", wait),
			zap.Error(err))
	})

	out := types.DeliveryOutcome{
		Attempt:             attempts,
		RecipientsTotal:     total,
		RecipientsSucceeded: accepted,
		Success:             err == nil && accepted > 0,
		Timestamp:           d.now(),
	}
	if err != nil {
		out.RecipientsSucceeded = 0
		out.Error = err.Error()
	}
	return out
}

func (d *Dispatcher) encodeAttachment(f types.Frame, now time.Time) *Attachment {
	if d.encoder == nil {
		return nil
	}
	data, err := d.encoder.Encode(f)
	if err != nil {
		d.logger.Warn("Snapshot encoding failed, sending without attachment", zap.Error(err))
		return nil
	}
	return &Attachment{
		Filename:    AttachmentName(now, d.encoder.Extension()),
		ContentType: d.encoder.ContentType(),
		Data:        data,
	}
}

func (d *Dispatcher) persist(ctx context.Context, a *Attachment) {
	for _, store := range d.stores {
		if err := store.Save(ctx, a.Filename, a.Data, a.ContentType); err != nil {
			d.logger.Warn("Failed to store alert image", zap.String("name", a.Filename), zap.Error(err))
		}
	}
}

func (d *Dispatcher) finish(ctx context.Context, rec DeliveryRecord) {
	out := rec.Outcome
	d.mu.Lock()
	d.lastOutcome = &out
	d.mu.Unlock()

	if out.Success {
		d.metrics.Delivery("success")
		d.logger.Info("Notification delivered",
			zap.String("kind", rec.Kind),
			zap.String("alert_id", out.AlertID),
			zap.Int("attempts", out.Attempt),
			zap.Int("recipients", out.RecipientsSucceeded),
			zap.Int("total", out.RecipientsTotal))
	} else {
		d.metrics.Delivery("failure")
		d.logger.Error("Notification failed",
			zap.String("kind", rec.Kind),
			zap.String("alert_id", out.AlertID),
			zap.Int("attempts", out.Attempt),
			zap.String("error", out.Error))
	}

	if d.recorder != nil {
		if err := d.recorder.RecordDelivery(context.WithoutCancel(ctx), rec); err != nil {
			d.logger.Warn("Failed to record delivery", zap.Error(err))
		}
	}
}

// checkCooldown returns a skip outcome while the cooldown is running
func (d *Dispatcher) checkCooldown() (types.DeliveryOutcome, bool) {
	d.mu.Lock()
	now := d.now()
	remaining := d.cooldownRemainingLocked(now)
	d.mu.Unlock()

	if remaining <= 0 {
		return types.DeliveryOutcome{}, false
	}
	d.metrics.Delivery(SkipCooldown)
	d.logger.Info("Notification skipped, cooldown active", zap.Duration("remaining", remaining))
	return types.DeliveryOutcome{
		SkipReason: SkipCooldown,
		Error:      ErrCooldown.Error(),
		Timestamp:  now,
	}, true
}

func (d *Dispatcher) cooldownRemainingLocked(now time.Time) time.Duration {
	if d.lastSuccess.IsZero() || d.cfg.Cooldown <= 0 {
		return 0
	}
	remaining := d.cfg.Cooldown - now.Sub(d.lastSuccess)
	if remaining < 0 {
		return 0
	}
	return remaining
}

func (d *Dispatcher) failed(attempts, total int, err error) types.DeliveryOutcome {
	return types.DeliveryOutcome{
		Attempt:         attempts,
		RecipientsTotal: total,
		Error:           err.Error(),
		Timestamp:       d.now(),
	}
}

func testBody(now time.Time, actx AlertContext, cfg Config, transport string) string {
	var b strings.Builder
	b.WriteString("This is a test message. Notifications are configured correctly.\n\n")
	fmt.Fprintf(&b, "Time:        %s\n", now.Format(TimestampLayout))
	fmt.Fprintf(&b, "Device:      %s\n", orUnknown(cfg.DeviceName))
	fmt.Fprintf(&b, "Camera:      %s\n", orUnknown(actx.CameraIndex))
	fmt.Fprintf(&b, "Sensitivity: %.2f\n", actx.Sensitivity)
	fmt.Fprintf(&b, "Transport:   %s\n", transport)
	fmt.Fprintf(&b, "Recipients:  %d\n", len(cfg.Recipients))
	fmt.Fprintf(&b, "Cooldown:    %s\n", cfg.Cooldown)
	return b.String()
}

func orUnknown(s string) string {
	if s == "" {
		return unknownValue
	}
	return s
}
