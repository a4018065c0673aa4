package monitor

import (
	"context"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/mikeyg42/stillwatch/internal/session"
	"github.com/mikeyg42/stillwatch/internal/storage"
)

const journalBuffer = 64

// SessionEventStore persists session lifecycle rows
type SessionEventStore interface {
	RecordSessionEvent(ctx context.Context, ev storage.SessionEvent) error
}

// Journal copies session events into the history store off the capture
// goroutine. Events are dropped when the buffer is full.
type Journal struct {
	store   SessionEventStore
	logger  *zap.Logger
	events  chan session.Event
	dropped atomic.Int64
}

func NewJournal(store SessionEventStore, logger *zap.Logger) *Journal {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Journal{
		store:  store,
		logger: logger.Named("journal"),
		events: make(chan session.Event, journalBuffer),
	}
}

// OnSessionEvent implements session.Listener
func (j *Journal) OnSessionEvent(ev session.Event) {
	select {
	case j.events <- ev:
	default:
		if n := j.dropped.Add(1); n%10 == 1 {
			j.logger.Warn("Journal buffer full, session event dropped",
				zap.String("kind", string(ev.Kind)), zap.Int64("dropped", n))
		}
	}
}

// Dropped returns how many events were lost to a full buffer
func (j *Journal) Dropped() int64 { return j.dropped.Load() }

// Run writes events until ctx is done, then drains what is buffered
func (j *Journal) Run(ctx context.Context) {
	for {
		select {
		case ev := <-j.events:
			j.write(ctx, ev)
		case <-ctx.Done():
			j.drain()
			return
		}
	}
}

func (j *Journal) drain() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for {
		select {
		case ev := <-j.events:
			j.write(ctx, ev)
		default:
			return
		}
	}
}

func (j *Journal) write(ctx context.Context, ev session.Event) {
	row := storage.SessionEvent{
		SessionID:  ev.SessionID,
		Event:      string(ev.Kind),
		Reason:     ev.Reason,
		AlertsSent: ev.AlertsSent,
		OccurredAt: ev.At,
	}
	if err := j.store.RecordSessionEvent(context.WithoutCancel(ctx), row); err != nil {
		j.logger.Warn("Failed to record session event",
			zap.String("session_id", ev.SessionID),
			zap.String("kind", row.Event),
			zap.Error(err))
	}
}
