// Package broadcast fans out clone session events to observers. Publication
// is best-effort by design: a slow or disconnected subscriber is dropped
// rather than ever stalling the orchestrator. Progress events are
// rate-limited per session; lifecycle events always go through.
package broadcast

import (
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/mrveiss/pureboot-sub001/interfaces"
	"github.com/mrveiss/pureboot-sub001/metrics"
)

// DefaultProgressRate caps progress events at ~2 per second per session.
const DefaultProgressRate = rate.Limit(2)

// subscriberBuffer is how many events a subscriber may lag before it is
// considered slow and dropped.
const subscriberBuffer = 16

// Subscriber receives events for a single session. Its channel is closed
// when it is unsubscribed or dropped.
type Subscriber struct {
	sessionID interfaces.SessionID
	ch        chan interfaces.Event
}

// Events returns the subscriber's delivery channel.
func (s *Subscriber) Events() <-chan interfaces.Event {
	return s.ch
}

type sessionFanout struct {
	limiter     *rate.Limiter
	subscribers map[*Subscriber]struct{}
}

// Broadcaster distributes session events to any number of subscribers.
type Broadcaster struct {
	mu           sync.Mutex
	sessions     map[interfaces.SessionID]*sessionFanout
	progressRate rate.Limit
	log          *slog.Logger
}

// New creates a broadcaster with the given progress rate limit per session.
// A non-positive limit falls back to DefaultProgressRate.
func New(progressRate rate.Limit, log *slog.Logger) *Broadcaster {
	if progressRate <= 0 {
		progressRate = DefaultProgressRate
	}
	return &Broadcaster{
		sessions:     make(map[interfaces.SessionID]*sessionFanout),
		progressRate: progressRate,
		log:          log,
	}
}

// Subscribe registers an observer for one session's events.
func (b *Broadcaster) Subscribe(id interfaces.SessionID) *Subscriber {
	b.mu.Lock()
	defer b.mu.Unlock()

	fanout, ok := b.sessions[id]
	if !ok {
		fanout = &sessionFanout{
			limiter:     rate.NewLimiter(b.progressRate, 1),
			subscribers: make(map[*Subscriber]struct{}),
		}
		b.sessions[id] = fanout
	}

	sub := &Subscriber{
		sessionID: id,
		ch:        make(chan interfaces.Event, subscriberBuffer),
	}
	fanout.subscribers[sub] = struct{}{}
	return sub
}

// Unsubscribe deregisters an observer and closes its channel. Safe to call
// for a subscriber that was already dropped.
func (b *Broadcaster) Unsubscribe(sub *Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.removeLocked(sub)
}

func (b *Broadcaster) removeLocked(sub *Subscriber) {
	fanout, ok := b.sessions[sub.sessionID]
	if !ok {
		return
	}
	if _, ok := fanout.subscribers[sub]; !ok {
		return
	}
	delete(fanout.subscribers, sub)
	close(sub.ch)
	if len(fanout.subscribers) == 0 {
		delete(b.sessions, sub.sessionID)
	}
}

// Publish fans out an event to the session's current subscribers without
// blocking. A subscriber whose buffer is full is dropped and its channel
// closed. Progress events beyond the per-session rate limit are discarded;
// lifecycle events are never rate-limited.
func (b *Broadcaster) Publish(id interfaces.SessionID, event interfaces.Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	fanout, ok := b.sessions[id]
	if !ok {
		return
	}

	if !event.Type.Lifecycle() && !fanout.limiter.Allow() {
		return
	}

	for sub := range fanout.subscribers {
		select {
		case sub.ch <- event:
			metrics.EventsPublished.Inc()
		default:
			b.log.Debug("Dropping slow event subscriber",
				"session", id.String(),
				"eventType", string(event.Type))
			metrics.EventsDropped.Inc()
			b.removeLocked(sub)
		}
	}
}
