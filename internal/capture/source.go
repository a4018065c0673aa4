package capture

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/mikeyg42/stillwatch/internal/config"
	"github.com/mikeyg42/stillwatch/internal/device"
	"github.com/mikeyg42/stillwatch/internal/logging"
	"github.com/mikeyg42/stillwatch/internal/metrics"
	"github.com/mikeyg42/stillwatch/internal/types"
)

var (
	ErrNotOpen           = errors.New("capture device not open")
	ErrClosed            = errors.New("capture source closed")
	ErrDeviceUnreachable = errors.New("capture device unreachable after reconnect attempts")
)

// State is the lifecycle state of a Source.
type State string

const (
	StateStopped      State = "stopped"
	StateRunning      State = "running"
	StateReconnecting State = "reconnecting"
	StateDisconnected State = "disconnected"
)

// Subscriber receives every captured frame on the capture goroutine, in
// acquisition order. Implementations must not block.
type Subscriber interface {
	OnFrame(f types.Frame)
	// OnDisconnect is called once per reconnect round with a blank frame and
	// a no-activity result so downstream state keeps moving.
	OnDisconnect(f types.Frame, r types.DetectionResult)
}

// Config controls the capture loop and reconnect policy.
type Config struct {
	FailureThreshold     int
	ReconnectInterval    time.Duration
	ReconnectMaxInterval time.Duration
	MaxReconnectAttempts int
	PoolSize             int
	StopTimeout          time.Duration
	ReadFailureBackoff   time.Duration
	DefaultWidth         int
	DefaultHeight        int
}

// ConfigFrom maps the camera section of the application config.
func ConfigFrom(c config.CameraConfig) Config {
	return Config{
		FailureThreshold:     c.FailureThreshold,
		ReconnectInterval:    c.ReconnectInterval,
		ReconnectMaxInterval: c.ReconnectMaxInterval,
		MaxReconnectAttempts: c.MaxReconnectAttempts,
		PoolSize:             c.SnapshotPoolSize,
		StopTimeout:          c.StopTimeout,
		ReadFailureBackoff:   c.ReadFailureBackoff,
		DefaultWidth:         c.Width,
		DefaultHeight:        c.Height,
	}
}

// Status is a point-in-time view of the source.
type Status struct {
	State               State     `json:"state"`
	Connected           bool      `json:"connected"`
	Device              string    `json:"device"`
	FrameCount          uint64    `json:"frame_count"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	ReconnectAttempt    int       `json:"reconnect_attempt"`
	LastFrameTime       time.Time `json:"last_frame_time"`
	FPS                 float64   `json:"fps"`
	Pool                PoolStats `json:"pool"`
	Error               string    `json:"error,omitempty"`
}

// Source owns a camera device and runs the blocking capture loop.
type Source struct {
	cfg     Config
	dev     device.Device
	logger  *zap.Logger
	metrics *metrics.Metrics
	pool    *framePool

	// devMu serialises every call into the device
	devMu sync.Mutex

	mu               sync.RWMutex
	state            State
	current          *types.Frame
	lastErr          error
	failures         int
	reconnectAttempt int
	fps              float64
	subscribers      []Subscriber
	stopCh           chan struct{}
	done             chan struct{}

	seq    atomic.Uint64
	closed atomic.Bool
}

// NewSource creates a source around dev. The device is not opened.
func NewSource(dev device.Device, cfg Config, logger *zap.Logger, m *metrics.Metrics) *Source {
	if cfg.FailureThreshold < 1 {
		cfg.FailureThreshold = 5
	}
	if cfg.MaxReconnectAttempts < 1 {
		cfg.MaxReconnectAttempts = 5
	}
	if cfg.ReconnectInterval <= 0 {
		cfg.ReconnectInterval = 5 * time.Second
	}
	if cfg.ReconnectMaxInterval < cfg.ReconnectInterval {
		cfg.ReconnectMaxInterval = 60 * time.Second
	}
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = 2 * time.Second
	}
	if cfg.DefaultWidth <= 0 || cfg.DefaultHeight <= 0 {
		cfg.DefaultWidth, cfg.DefaultHeight = 640, 480
	}

	return &Source{
		cfg:     cfg,
		dev:     dev,
		logger:  logging.OrNop(logger).Named("capture"),
		metrics: m,
		pool:    newFramePool(cfg.PoolSize),
		state:   StateStopped,
	}
}

// Subscribe registers s for frames and disconnect notifications.
func (s *Source) Subscribe(sub Subscriber) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subscribers = append(s.subscribers, sub)
}

// Open acquires the device.
func (s *Source) Open() error {
	if s.closed.Load() {
		return ErrClosed
	}

	s.devMu.Lock()
	err := s.dev.Open()
	s.devMu.Unlock()

	if err != nil {
		s.setErr(err)
		var de *device.DeviceError
		if !errors.As(err, &de) {
			err = &device.DeviceError{Op: "open", Device: s.dev.String(), Err: err}
		}
		return err
	}

	s.logger.Info("Camera opened", zap.String("device", s.dev.String()))
	s.metrics.SetCaptureConnected(true)
	return nil
}

// StartCapture launches the capture loop. It is a no-op while a loop is running.
func (s *Source) StartCapture(ctx context.Context) error {
	if s.closed.Load() {
		return ErrClosed
	}

	s.devMu.Lock()
	opened := s.dev.IsOpened()
	s.devMu.Unlock()
	if !opened {
		return ErrNotOpen
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.done != nil {
		select {
		case <-s.done:
		default:
			return nil
		}
	}

	s.stopCh = make(chan struct{})
	s.done = make(chan struct{})
	s.state = StateRunning
	s.failures = 0
	s.reconnectAttempt = 0
	s.lastErr = nil

	go s.captureLoop(ctx, s.stopCh, s.done)

	s.logger.Info("Capture started", zap.String("device", s.dev.String()))
	return nil
}

// captureLoop reads frames until stopped, reconnecting after repeated failures
func (s *Source) captureLoop(ctx context.Context, stopCh <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	for {
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		default:
		}

		s.devMu.Lock()
		f, err := s.dev.Read()
		s.devMu.Unlock()

		if err != nil {
			s.metrics.ReadFailed()

			s.mu.Lock()
			s.failures++
			failures := s.failures
			s.lastErr = err
			s.mu.Unlock()

			if failures >= s.cfg.FailureThreshold {
				s.logger.Warn("Camera read failing, reconnecting",
					zap.Int("consecutive_failures", failures), zap.Error(err))
				if !s.reconnect(ctx, stopCh) {
					return
				}
				continue
			}
			if !sleepCtx(ctx, stopCh, s.cfg.ReadFailureBackoff) {
				return
			}
			continue
		}

		s.handleFrame(f)
	}
}

func (s *Source) handleFrame(f types.Frame) {
	f.Seq = s.seq.Add(1)
	if f.Timestamp.IsZero() {
		f.Timestamp = time.Now()
	}

	s.mu.Lock()
	if s.current != nil {
		if dt := f.Timestamp.Sub(s.current.Timestamp).Seconds(); dt > 0 {
			inst := 1 / dt
			if s.fps == 0 {
				s.fps = inst
			} else {
				s.fps = 0.9*s.fps + 0.1*inst
			}
		}
	}
	s.current = &f
	s.failures = 0
	s.lastErr = nil
	subs := append([]Subscriber(nil), s.subscribers...)
	s.mu.Unlock()

	s.metrics.FrameCaptured()

	for _, sub := range subs {
		sub.OnFrame(f)
	}
}

// reconnect releases the device and retries opening it on an exponential
// schedule. It returns false when capture must end.
func (s *Source) reconnect(ctx context.Context, stopCh <-chan struct{}) bool {
	s.setState(StateReconnecting)
	s.metrics.SetCaptureConnected(false)

	s.devMu.Lock()
	if err := s.dev.Release(); err != nil {
		s.logger.Warn("Failed to release camera", zap.Error(err))
	}
	s.devMu.Unlock()

	b := s.reconnectBackOff()
	for attempt := 1; attempt <= s.cfg.MaxReconnectAttempts; attempt++ {
		s.mu.Lock()
		s.reconnectAttempt = attempt
		s.mu.Unlock()

		s.notifyDisconnect()

		wait := b.NextBackOff()
		s.logger.Warn("Camera reconnect scheduled",
			zap.Int("attempt", attempt),
			zap.Int("max_attempts", s.cfg.MaxReconnectAttempts),
			zap.Duration("wait", wait))
		if !sleepCtx(ctx, stopCh, wait) {
			return false
		}

		s.metrics.ReconnectAttempted()
		s.devMu.Lock()
		err := s.dev.Open()
		s.devMu.Unlock()

		if err == nil {
			s.mu.Lock()
			s.state = StateRunning
			s.failures = 0
			s.reconnectAttempt = 0
			s.lastErr = nil
			s.mu.Unlock()

			s.metrics.SetCaptureConnected(true)
			s.logger.Info("Camera reconnected", zap.Int("attempt", attempt))
			return true
		}
		s.setErr(err)
		s.logger.Warn("Camera reconnect failed", zap.Int("attempt", attempt), zap.Error(err))
	}

	s.mu.Lock()
	s.state = StateDisconnected
	s.lastErr = fmt.Errorf("%w: %d attempts", ErrDeviceUnreachable, s.cfg.MaxReconnectAttempts)
	s.mu.Unlock()

	s.logger.Error("Camera unreachable, capture stopped",
		zap.String("device", s.dev.String()),
		zap.Int("attempts", s.cfg.MaxReconnectAttempts))
	return false
}

// reconnectBackOff yields base, 2*base, 4*base, ... capped at the max interval.
func (s *Source) reconnectBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.cfg.ReconnectInterval
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxInterval = s.cfg.ReconnectMaxInterval
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

func (s *Source) notifyDisconnect() {
	s.mu.RLock()
	w, h, ch := s.cfg.DefaultWidth, s.cfg.DefaultHeight, 3
	if s.current != nil {
		w, h, ch = s.current.Width, s.current.Height, s.current.Channels
	}
	subs := append([]Subscriber(nil), s.subscribers...)
	s.mu.RUnlock()

	now := time.Now()
	blank := types.NewBlankFrame(w, h, ch, now)
	result := types.DetectionResult{Timestamp: now, Disconnected: true}
	for _, sub := range subs {
		sub.OnDisconnect(blank, result)
	}
}

// CurrentFrame returns the most recent frame. Its pixels must not be modified.
func (s *Source) CurrentFrame() (types.Frame, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.current == nil {
		return types.Frame{}, false
	}
	return *s.current, true
}

// Snapshot returns a private copy of the latest frame while capture is
// running, otherwise it reads one from the device. A frame cached before a
// disconnect is never returned. Pass the result to Release when done so its
// buffer can be reused.
func (s *Source) Snapshot() (types.Frame, error) {
	if s.closed.Load() {
		return types.Frame{}, ErrClosed
	}
	if cur, ok := s.liveFrame(); ok {
		return cur.CopyInto(s.pool.get(len(cur.Pix))), nil
	}

	s.devMu.Lock()
	defer s.devMu.Unlock()
	if !s.dev.IsOpened() {
		return types.Frame{}, ErrNotOpen
	}
	f, err := s.dev.Read()
	if err != nil {
		return types.Frame{}, err
	}
	if f.Timestamp.IsZero() {
		f.Timestamp = time.Now()
	}
	return f.CopyInto(s.pool.get(len(f.Pix))), nil
}

func (s *Source) liveFrame() (types.Frame, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.state != StateRunning || s.current == nil {
		return types.Frame{}, false
	}
	return *s.current, true
}

// Release returns a snapshot buffer to the pool.
func (s *Source) Release(f types.Frame) {
	s.pool.put(f.Pix)
}

// GetProperty reads a device control.
func (s *Source) GetProperty(p device.Property) (float64, error) {
	s.devMu.Lock()
	defer s.devMu.Unlock()
	return s.dev.Get(p)
}

// SetProperty writes a device control.
func (s *Source) SetProperty(p device.Property, value float64) error {
	s.devMu.Lock()
	defer s.devMu.Unlock()
	if err := s.dev.Set(p, value); err != nil {
		return err
	}
	s.logger.Info("Camera property set", zap.String("property", string(p)), zap.Float64("value", value))
	return nil
}

// Properties reads every known control; unreadable ones are omitted.
func (s *Source) Properties() map[device.Property]float64 {
	s.devMu.Lock()
	defer s.devMu.Unlock()

	out := make(map[device.Property]float64)
	for _, p := range device.Properties() {
		if v, err := s.dev.Get(p); err == nil {
			out[p] = v
		}
	}
	return out
}

// Status returns a consistent snapshot of the source state.
func (s *Source) Status() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st := Status{
		State:               s.state,
		Connected:           s.state == StateRunning,
		Device:              s.dev.String(),
		FrameCount:          s.seq.Load(),
		ConsecutiveFailures: s.failures,
		ReconnectAttempt:    s.reconnectAttempt,
		FPS:                 s.fps,
		Pool:                s.pool.stats(),
	}
	if s.current != nil {
		st.LastFrameTime = s.current.Timestamp
	}
	if s.lastErr != nil {
		st.Error = s.lastErr.Error()
	}
	return st
}

// Done is closed when the current capture loop exits. It is nil before the
// first StartCapture.
func (s *Source) Done() <-chan struct{} {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.done
}

// Err reports the terminal error once the source gave up reconnecting.
func (s *Source) Err() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.state == StateDisconnected {
		return s.lastErr
	}
	return nil
}

// Stop ends the capture loop and waits for it, up to the stop timeout.
// The device stays open. Safe to call repeatedly.
func (s *Source) Stop() {
	s.mu.Lock()
	stopCh, done := s.stopCh, s.done
	s.stopCh = nil
	s.mu.Unlock()

	if stopCh == nil {
		return
	}
	close(stopCh)

	select {
	case <-done:
		s.logger.Info("Capture stopped")
	case <-time.After(s.cfg.StopTimeout):
		s.logger.Warn("Capture loop did not exit in time", zap.Duration("timeout", s.cfg.StopTimeout))
	}

	s.mu.Lock()
	if s.state != StateDisconnected {
		s.state = StateStopped
	}
	s.mu.Unlock()
}

// Close stops capture and releases the device. Safe to call repeatedly.
func (s *Source) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	s.Stop()

	s.devMu.Lock()
	err := s.dev.Release()
	s.devMu.Unlock()

	s.metrics.SetCaptureConnected(false)
	if err != nil {
		return fmt.Errorf("release camera: %w", err)
	}
	return nil
}

func (s *Source) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

func (s *Source) setErr(err error) {
	s.mu.Lock()
	s.lastErr = err
	s.mu.Unlock()
}

// sleepCtx waits for d and reports false if ctx or stop fired first.
func sleepCtx(ctx context.Context, stop <-chan struct{}, d time.Duration) bool {
	if d <= 0 {
		select {
		case <-ctx.Done():
			return false
		case <-stop:
			return false
		default:
			return true
		}
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-stop:
		return false
	case <-t.C:
		return true
	}
}
