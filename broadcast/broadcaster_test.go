package broadcast

import (
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"github.com/mrveiss/pureboot-sub001/interfaces"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func drain(sub *Subscriber) []interfaces.Event {
	var events []interfaces.Event
	for {
		select {
		case ev, ok := <-sub.Events():
			if !ok {
				return events
			}
			events = append(events, ev)
		default:
			return events
		}
	}
}

func TestPublishFansOutToSessionSubscribers(t *testing.T) {
	b := New(DefaultProgressRate, testLogger())
	id := interfaces.NewSessionID()
	other := interfaces.NewSessionID()

	sub1 := b.Subscribe(id)
	sub2 := b.Subscribe(id)
	subOther := b.Subscribe(other)

	b.Publish(id, interfaces.Event{Type: interfaces.EventReady, SessionID: id, Status: interfaces.StatusSourceReady})

	for _, sub := range []*Subscriber{sub1, sub2} {
		events := drain(sub)
		require.Len(t, events, 1)
		assert.Equal(t, interfaces.EventReady, events[0].Type)
		assert.False(t, events[0].Timestamp.IsZero())
	}
	assert.Empty(t, drain(subOther))
}

func TestPublishWithoutSubscribersIsNoOp(t *testing.T) {
	b := New(DefaultProgressRate, testLogger())

	// Must not panic or accumulate state.
	b.Publish(interfaces.NewSessionID(), interfaces.Event{Type: interfaces.EventProgress})
	assert.Empty(t, b.sessions)
}

func TestProgressEventsAreRateLimited(t *testing.T) {
	// Burst of one at a tiny refill rate: the second immediate progress
	// event must be discarded.
	b := New(rate.Limit(0.001), testLogger())
	id := interfaces.NewSessionID()
	sub := b.Subscribe(id)

	b.Publish(id, interfaces.Event{Type: interfaces.EventProgress, BytesTransferred: 1})
	b.Publish(id, interfaces.Event{Type: interfaces.EventProgress, BytesTransferred: 2})

	events := drain(sub)
	require.Len(t, events, 1)
	assert.Equal(t, int64(1), events[0].BytesTransferred)
}

func TestLifecycleEventsBypassRateLimit(t *testing.T) {
	b := New(rate.Limit(0.001), testLogger())
	id := interfaces.NewSessionID()
	sub := b.Subscribe(id)

	b.Publish(id, interfaces.Event{Type: interfaces.EventProgress})
	b.Publish(id, interfaces.Event{Type: interfaces.EventCompleted})
	b.Publish(id, interfaces.Event{Type: interfaces.EventFailed})

	events := drain(sub)
	require.Len(t, events, 3)
	assert.Equal(t, interfaces.EventCompleted, events[1].Type)
	assert.Equal(t, interfaces.EventFailed, events[2].Type)
}

func TestSlowSubscriberIsDropped(t *testing.T) {
	b := New(DefaultProgressRate, testLogger())
	id := interfaces.NewSessionID()
	slow := b.Subscribe(id)
	fast := b.Subscribe(id)

	// Lifecycle events are never rate-limited, so overflowing the buffer
	// exercises only the drop path. The slow subscriber never reads.
	for i := 0; i < subscriberBuffer+1; i++ {
		b.Publish(id, interfaces.Event{Type: interfaces.EventReady})
		drain(fast)
	}

	// The slow subscriber's channel is closed after its buffered backlog.
	received := 0
	for range slow.Events() {
		received++
	}
	assert.Equal(t, subscriberBuffer, received)

	// The fast subscriber remains registered.
	b.Publish(id, interfaces.Event{Type: interfaces.EventCompleted})
	assert.Len(t, drain(fast), 1)
}

func TestUnsubscribeClosesChannelOnce(t *testing.T) {
	b := New(DefaultProgressRate, testLogger())
	id := interfaces.NewSessionID()
	sub := b.Subscribe(id)

	b.Unsubscribe(sub)
	_, ok := <-sub.Events()
	assert.False(t, ok)

	// Unsubscribing again must not panic.
	b.Unsubscribe(sub)

	// The empty fanout is reclaimed.
	assert.Empty(t, b.sessions)
}
