package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/mikeyg42/stillwatch/internal/notification"
	"github.com/mikeyg42/stillwatch/internal/types"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type fakeDispatcher struct {
	mu      sync.Mutex
	reqs    []types.AlertRequest
	fail    bool
	panics  bool
	release chan struct{}
}

func (d *fakeDispatcher) Dispatch(ctx context.Context, req types.AlertRequest) types.DeliveryOutcome {
	d.mu.Lock()
	d.reqs = append(d.reqs, req)
	fail, panics, release := d.fail, d.panics, d.release
	d.mu.Unlock()

	if panics {
		panic("transport exploded")
	}
	if release != nil {
		select {
		case <-release:
		case <-ctx.Done():
			return types.DeliveryOutcome{Error: ctx.Err().Error()}
		}
	}
	if fail {
		return types.DeliveryOutcome{Attempt: 3, RecipientsTotal: 1, Error: "unreachable"}
	}
	return types.DeliveryOutcome{Success: true, Attempt: 1, RecipientsSucceeded: 1, RecipientsTotal: 1}
}

func (d *fakeDispatcher) calls() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.reqs)
}

type eventRecorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *eventRecorder) OnSessionEvent(ev Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *eventRecorder) kinds() []EventKind {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]EventKind, 0, len(r.events))
	for _, ev := range r.events {
		out = append(out, ev.Kind)
	}
	return out
}

func (r *eventRecorder) last() Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.events[len(r.events)-1]
}

type resultRecorder struct {
	mu      sync.Mutex
	results []types.DetectionResult
}

func (r *resultRecorder) OnDetection(res types.DetectionResult) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.results = append(r.results, res)
}

func testConfig() Config {
	return Config{
		AlertDelay:          60 * time.Second,
		SessionTimeout:      8 * time.Hour,
		InactivityTimeout:   2 * time.Hour,
		MaxAlertsPerSession: 5,
		AlertCheckInterval:  5 * time.Second,
		HistorySize:         10,
		RecentWindow:        3,
	}
}

func newTestController(t *testing.T, cfg Config, d Dispatcher, clk *fakeClock, opts ...Option) (*Controller, *eventRecorder) {
	t.Helper()
	opts = append([]Option{WithClock(clk.Now)}, opts...)
	c := NewController(cfg, d, zaptest.NewLogger(t), opts...)
	events := &eventRecorder{}
	c.AddListener(events)
	t.Cleanup(func() { c.Close() })
	return c, events
}

func idle(clk *fakeClock) types.DetectionResult {
	return types.DetectionResult{Timestamp: clk.Now()}
}

func motion(clk *fakeClock) types.DetectionResult {
	return types.DetectionResult{ActivityDetected: true, Magnitude: 1200, Timestamp: clk.Now()}
}

func TestAlertFiresOnlyAfterDelay(t *testing.T) {
	clk := newFakeClock()
	c, _ := newTestController(t, testConfig(), &fakeDispatcher{}, clk)

	_, err := c.Start("s1")
	require.NoError(t, err)

	clk.Advance(59 * time.Second)
	assert.False(t, c.ShouldTriggerAlert())

	clk.Advance(2 * time.Second)
	assert.True(t, c.ShouldTriggerAlert())
}

func TestActivityResetsCountdown(t *testing.T) {
	clk := newFakeClock()
	c, _ := newTestController(t, testConfig(), &fakeDispatcher{}, clk)
	t0 := clk.Now()

	_, err := c.Start("s1")
	require.NoError(t, err)

	clk.Advance(30 * time.Second)
	c.OnDetection(motion(clk))

	clk.Advance(31 * time.Second)
	st := c.Status()
	require.NotNil(t, st.LastActivityTime)
	assert.Equal(t, t0.Add(30*time.Second), *st.LastActivityTime)
	require.NotNil(t, st.AlertCountdownSeconds)
	assert.InDelta(t, 29, *st.AlertCountdownSeconds, 0.001)
	assert.False(t, c.ShouldTriggerAlert())
}

func TestFailedDeliveryRollsBack(t *testing.T) {
	clk := newFakeClock()
	tr := &failingTransport{}
	d, err := notification.NewDispatcher(notification.Config{
		Sender:          "alerts@example.com",
		Recipients:      []string{"a@example.com"},
		Cooldown:        5 * time.Minute,
		Retry:           notification.RetryPolicy{MaxAttempts: 3, InitialDelay: time.Millisecond, MaxDelay: 4 * time.Millisecond},
		SendTimeout:     time.Second,
		SubjectTemplate: "{{.session_id}}",
		BodyTemplate:    "{{.last_motion_time}}",
	}, tr, zaptest.NewLogger(t))
	require.NoError(t, err)
	defer d.Close()

	c, events := newTestController(t, testConfig(), d, clk)
	_, err = c.Start("s1")
	require.NoError(t, err)
	before := c.Status().AlertsSentThisSession

	clk.Advance(61 * time.Second)
	c.Tick()
	c.wg.Wait()

	st := c.Status()
	assert.False(t, st.AlertFired)
	assert.False(t, st.AlertPending)
	assert.Equal(t, before, st.AlertsSentThisSession)
	assert.Equal(t, 3, tr.count())
	assert.Equal(t, EventAlertRolledBack, events.last().Kind)

	// the condition may fire again on a later evaluation
	assert.True(t, c.ShouldTriggerAlert())
}

type failingTransport struct {
	mu    sync.Mutex
	sends int
}

func (f *failingTransport) Send(context.Context, notification.Envelope) (int, error) {
	f.mu.Lock()
	f.sends++
	f.mu.Unlock()
	return 0, &notification.TransportError{Op: "dial", Temporary: true, Err: errors.New("connection refused")}
}

func (f *failingTransport) Noop(context.Context) error { return nil }
func (f *failingTransport) String() string             { return "failing" }

func (f *failingTransport) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sends
}

func TestSuccessfulDeliveryCommits(t *testing.T) {
	clk := newFakeClock()
	d := &fakeDispatcher{}
	c, events := newTestController(t, testConfig(), d, clk)
	_, err := c.Start("s1")
	require.NoError(t, err)

	clk.Advance(61 * time.Second)
	c.OnDetection(idle(clk))
	c.wg.Wait()

	st := c.Status()
	assert.True(t, st.AlertFired)
	assert.Equal(t, 1, st.AlertsSentThisSession)
	assert.Nil(t, st.AlertCountdownSeconds)
	assert.Equal(t, 1, d.calls())
	assert.Equal(t, "s1", d.reqs[0].SessionID)
	assert.Equal(t, []EventKind{EventStarted, EventAlertSubmitted, EventAlertCommitted}, events.kinds())

	// no second alert while alertFired holds
	clk.Advance(time.Minute)
	c.Tick()
	c.wg.Wait()
	assert.Equal(t, 1, d.calls())
}

func TestAlertCapIsNeverExceeded(t *testing.T) {
	clk := newFakeClock()
	cfg := testConfig()
	cfg.MaxAlertsPerSession = 2
	cfg.AlertCheckInterval = 0
	d := &fakeDispatcher{}
	c, _ := newTestController(t, cfg, d, clk)
	_, err := c.Start("s1")
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		clk.Advance(61 * time.Second)
		c.Tick()
		c.wg.Wait()
		assert.LessOrEqual(t, c.Status().AlertsSentThisSession, 2)

		c.OnDetection(motion(clk))
		for j := 0; j < 3; j++ {
			c.OnDetection(idle(clk))
		}
	}

	assert.Equal(t, 2, d.calls())
	assert.Equal(t, 2, c.Status().AlertsSentThisSession)
}

func TestRecentMotionGuard(t *testing.T) {
	clk := newFakeClock()
	cfg := testConfig()
	cfg.AlertCheckInterval = 0
	d := &fakeDispatcher{}
	c, _ := newTestController(t, cfg, d, clk)
	t0 := clk.Now()
	_, err := c.Start("s1")
	require.NoError(t, err)

	clk.Advance(61 * time.Second)
	// a late-reported detection stamped at the start keeps the delay elapsed
	c.OnDetection(types.DetectionResult{ActivityDetected: true, Timestamp: t0})
	assert.False(t, c.ShouldTriggerAlert())
	assert.True(t, c.Status().RecentActivityDetected)

	c.OnDetection(idle(clk))
	c.OnDetection(idle(clk))
	assert.False(t, c.ShouldTriggerAlert())
	assert.Zero(t, d.calls())

	c.OnDetection(idle(clk))
	c.wg.Wait()
	assert.Equal(t, 1, d.calls())
}

func TestAlertEvaluationIsRateLimited(t *testing.T) {
	clk := newFakeClock()
	d := &fakeDispatcher{}
	c, _ := newTestController(t, testConfig(), d, clk)
	_, err := c.Start("s1")
	require.NoError(t, err)

	clk.Advance(58 * time.Second)
	c.Tick()

	clk.Advance(3 * time.Second)
	c.Tick()
	c.wg.Wait()
	assert.Zero(t, d.calls())

	// the condition check ignores the rate limit and never submits
	assert.True(t, c.ShouldTriggerAlert())
	c.wg.Wait()
	assert.Zero(t, d.calls())

	clk.Advance(2 * time.Second)
	c.Tick()
	c.wg.Wait()
	assert.Equal(t, 1, d.calls())
}

func TestSessionTimeoutStopsSession(t *testing.T) {
	clk := newFakeClock()
	cfg := testConfig()
	cfg.SessionTimeout = 10 * time.Minute
	cfg.AlertDelay = time.Hour
	c, events := newTestController(t, cfg, &fakeDispatcher{}, clk)
	_, err := c.Start("s1")
	require.NoError(t, err)

	for i := 0; i < 10; i++ {
		clk.Advance(time.Minute)
		c.OnDetection(motion(clk))
	}

	assert.Equal(t, StateInactive, c.State())
	last := events.last()
	assert.Equal(t, EventStopped, last.Kind)
	assert.Equal(t, ReasonSessionTimeout, last.Reason)
	assert.Equal(t, "s1", last.SessionID)
}

func TestInactivityTimeoutStopsSession(t *testing.T) {
	clk := newFakeClock()
	cfg := testConfig()
	cfg.AlertDelay = time.Hour
	cfg.InactivityTimeout = 5 * time.Minute
	c, events := newTestController(t, cfg, &fakeDispatcher{}, clk)
	_, err := c.Start("s1")
	require.NoError(t, err)

	clk.Advance(4 * time.Minute)
	c.Tick()
	assert.Equal(t, StateActive, c.State())

	clk.Advance(time.Minute)
	c.Tick()
	assert.Equal(t, StateInactive, c.State())
	assert.Equal(t, ReasonInactivityTimeout, events.last().Reason)
}

func TestStartRestartsActiveSession(t *testing.T) {
	clk := newFakeClock()
	c, events := newTestController(t, testConfig(), &fakeDispatcher{}, clk)

	_, err := c.Start("a")
	require.NoError(t, err)
	_, err = c.Start("b")
	require.NoError(t, err)

	assert.Equal(t, []EventKind{EventStarted, EventStopped, EventStarted}, events.kinds())
	assert.Equal(t, ReasonRestart, events.events[1].Reason)
	assert.Equal(t, "b", c.Status().SessionID)
}

func TestStartGeneratesID(t *testing.T) {
	c, _ := newTestController(t, testConfig(), &fakeDispatcher{}, newFakeClock())

	id, err := c.Start("")
	require.NoError(t, err)
	assert.Len(t, id, 36)
	assert.Equal(t, id, c.Status().SessionID)
}

func TestStopRequiresActive(t *testing.T) {
	c, _ := newTestController(t, testConfig(), &fakeDispatcher{}, newFakeClock())

	assert.ErrorIs(t, c.Stop(), ErrNotActive)

	_, err := c.Start("s1")
	require.NoError(t, err)
	require.NoError(t, c.Stop())

	st := c.Status()
	assert.False(t, st.IsActive)
	assert.Empty(t, st.SessionID)
	assert.Nil(t, st.AlertCountdownSeconds)
}

func TestInactiveIgnoresDetections(t *testing.T) {
	clk := newFakeClock()
	c, _ := newTestController(t, testConfig(), &fakeDispatcher{}, clk)
	obs := &resultRecorder{}
	c.AddObserver(obs)

	c.OnDetection(motion(clk))
	assert.Empty(t, obs.results)

	_, err := c.Start("s1")
	require.NoError(t, err)
	c.OnDetection(motion(clk))
	assert.Len(t, obs.results, 1)
}

func TestLateResultAfterStopIsIgnored(t *testing.T) {
	clk := newFakeClock()
	d := &fakeDispatcher{release: make(chan struct{}), fail: true}
	c, _ := newTestController(t, testConfig(), d, clk)
	_, err := c.Start("s1")
	require.NoError(t, err)

	clk.Advance(61 * time.Second)
	c.Tick()
	require.Eventually(t, func() bool { return d.calls() == 1 }, time.Second, time.Millisecond)

	require.NoError(t, c.Stop())
	_, err = c.Start("s2")
	require.NoError(t, err)

	close(d.release)
	c.wg.Wait()

	st := c.Status()
	assert.Equal(t, "s2", st.SessionID)
	assert.Zero(t, st.AlertsSentThisSession)
	assert.False(t, st.AlertPending)
}

func TestActivityDuringDeliveryKeepsAlertCleared(t *testing.T) {
	clk := newFakeClock()
	d := &fakeDispatcher{release: make(chan struct{})}
	c, _ := newTestController(t, testConfig(), d, clk)
	_, err := c.Start("s1")
	require.NoError(t, err)

	clk.Advance(61 * time.Second)
	c.Tick()
	require.Eventually(t, func() bool { return d.calls() == 1 }, time.Second, time.Millisecond)
	assert.True(t, c.Status().AlertPending)

	c.OnDetection(motion(clk))
	assert.False(t, c.Status().AlertFired)
	assert.False(t, c.ShouldTriggerAlert(), "no second dispatch while one is outstanding")

	close(d.release)
	c.wg.Wait()

	st := c.Status()
	assert.False(t, st.AlertFired)
	assert.Equal(t, 1, st.AlertsSentThisSession)
	require.NotNil(t, st.AlertCountdownSeconds)
}

func TestDispatcherPanicRollsBack(t *testing.T) {
	clk := newFakeClock()
	d := &fakeDispatcher{panics: true}
	c, events := newTestController(t, testConfig(), d, clk)
	_, err := c.Start("s1")
	require.NoError(t, err)

	clk.Advance(61 * time.Second)
	c.Tick()
	c.wg.Wait()

	assert.Zero(t, c.Status().AlertsSentThisSession)
	assert.Equal(t, EventAlertRolledBack, events.last().Kind)
}

type fakeSnapshots struct {
	mu       sync.Mutex
	released int
	err      error
}

func (s *fakeSnapshots) Snapshot() (types.Frame, error) {
	if s.err != nil {
		return types.Frame{}, s.err
	}
	return types.NewBlankFrame(4, 4, 3, time.Now()), nil
}

func (s *fakeSnapshots) Release(types.Frame) {
	s.mu.Lock()
	s.released++
	s.mu.Unlock()
}

func TestAlertCarriesSnapshot(t *testing.T) {
	clk := newFakeClock()
	d := &fakeDispatcher{}
	snaps := &fakeSnapshots{}
	c, _ := newTestController(t, testConfig(), d, clk, WithSnapshots(snaps))
	t0 := clk.Now()
	_, err := c.Start("s1")
	require.NoError(t, err)

	clk.Advance(61 * time.Second)
	c.Tick()
	c.wg.Wait()

	require.Equal(t, 1, d.calls())
	req := d.reqs[0]
	require.NotNil(t, req.Snapshot)
	assert.Equal(t, 4, req.Snapshot.Width)
	assert.Equal(t, t0, req.LastActivityTime)
	assert.Equal(t, 1, snaps.released)
}

func TestAlertWithoutSnapshotStillDispatches(t *testing.T) {
	clk := newFakeClock()
	d := &fakeDispatcher{}
	c, _ := newTestController(t, testConfig(), d, clk, WithSnapshots(&fakeSnapshots{err: errors.New("no frame")}))
	_, err := c.Start("s1")
	require.NoError(t, err)

	clk.Advance(61 * time.Second)
	c.Tick()
	c.wg.Wait()

	require.Equal(t, 1, d.calls())
	assert.Nil(t, d.reqs[0].Snapshot)
}

func TestCloseStopsSessionAndCancelsDelivery(t *testing.T) {
	clk := newFakeClock()
	d := &fakeDispatcher{release: make(chan struct{})}
	c := NewController(testConfig(), d, zaptest.NewLogger(t), WithClock(clk.Now))
	events := &eventRecorder{}
	c.AddListener(events)

	_, err := c.Start("s1")
	require.NoError(t, err)
	clk.Advance(61 * time.Second)
	c.Tick()
	require.Eventually(t, func() bool { return d.calls() == 1 }, time.Second, time.Millisecond)

	require.NoError(t, c.Close())
	require.NoError(t, c.Close())

	assert.Equal(t, StateInactive, c.State())
	assert.Contains(t, events.kinds(), EventStopped)
	_, err = c.Start("s2")
	assert.ErrorIs(t, err, ErrClosed)
}

func TestStatusInvariantsUnderConcurrency(t *testing.T) {
	clk := newFakeClock()
	cfg := testConfig()
	cfg.AlertCheckInterval = 0
	cfg.MaxAlertsPerSession = 3
	c, _ := newTestController(t, cfg, &fakeDispatcher{}, clk)
	_, err := c.Start("s1")
	require.NoError(t, err)

	var wg sync.WaitGroup
	stop := make(chan struct{})
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; ; i++ {
			select {
			case <-stop:
				return
			default:
			}
			clk.Advance(7 * time.Second)
			if i%20 == 0 {
				c.OnDetection(motion(clk))
			} else {
				c.OnDetection(idle(clk))
			}
		}
	}()

	for i := 0; i < 2000; i++ {
		st := c.Status()
		if !st.IsActive {
			continue
		}
		assert.LessOrEqual(t, st.AlertsSentThisSession, cfg.MaxAlertsPerSession)
		if st.AlertFired {
			assert.Nil(t, st.AlertCountdownSeconds)
		} else if assert.NotNil(t, st.AlertCountdownSeconds) {
			assert.GreaterOrEqual(t, *st.AlertCountdownSeconds, 0.0)
		}
	}
	close(stop)
	wg.Wait()
	c.wg.Wait()
}

func TestRunTicks(t *testing.T) {
	clk := newFakeClock()
	cfg := testConfig()
	cfg.TickInterval = time.Millisecond
	d := &fakeDispatcher{}
	c, _ := newTestController(t, cfg, d, clk)
	_, err := c.Start("s1")
	require.NoError(t, err)
	clk.Advance(61 * time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		c.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool { return d.calls() == 1 }, time.Second, time.Millisecond)
	cancel()
	<-done
}
