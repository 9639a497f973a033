package notify

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"clinicqueue/internal/models"
	"clinicqueue/internal/store"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeOutbox struct {
	listFn    func(ctx context.Context, offset store.OutboxOffset, limit int) ([]store.OutboxEvent, error)
	cleanupFn func(ctx context.Context, before time.Time) (int, error)
}

func (f *fakeOutbox) ListOutboxEvents(ctx context.Context, offset store.OutboxOffset, limit int) ([]store.OutboxEvent, error) {
	return f.listFn(ctx, offset, limit)
}

func (f *fakeOutbox) CleanupOutbox(ctx context.Context, before time.Time) (int, error) {
	if f.cleanupFn == nil {
		return 0, nil
	}
	return f.cleanupFn(ctx, before)
}

func TestOutboxPollerBroadcastsAndAdvancesOffset(t *testing.T) {
	h := New()
	defer h.Close()
	received := make(chan models.Change, 4)
	h.Subscribe(func(c models.Change) { received <- c })

	at := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	var cleanedBefore time.Time
	source := &fakeOutbox{
		listFn: func(_ context.Context, offset store.OutboxOffset, limit int) ([]store.OutboxEvent, error) {
			assert.Equal(t, 50, limit)
			if offset.LastEventID == "e2" {
				return nil, nil
			}
			return []store.OutboxEvent{
				{EventID: "e1", Entity: models.EntityTicket, CreatedAt: at},
				{EventID: "e2", Entity: models.EntitySettings, CreatedAt: at.Add(time.Second)},
			}, nil
		},
		cleanupFn: func(_ context.Context, before time.Time) (int, error) {
			cleanedBefore = before
			return 2, nil
		},
	}
	poller := NewOutboxPoller(source, h, OutboxConfig{BatchSize: 50, Retention: time.Minute, From: at.Add(-time.Second)})

	count, err := poller.Poll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, count)
	assert.Equal(t, "e2", poller.Offset().LastEventID)
	assert.Equal(t, at.Add(time.Second).Add(-time.Minute), cleanedBefore)

	entities := map[models.Entity]bool{}
	for len(entities) < 2 {
		entities[waitFor(t, received).Entity] = true
	}

	count, err = poller.Poll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, count)
}

// commitOrderOutbox only returns rows whose transaction has committed, the
// way PostgreSQL does for a concurrent reader.
type commitOrderOutbox struct {
	mu     sync.Mutex
	events []store.OutboxEvent
}

func (o *commitOrderOutbox) commit(event store.OutboxEvent) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.events = append(o.events, event)
}

func (o *commitOrderOutbox) ListOutboxEvents(_ context.Context, offset store.OutboxOffset, limit int) ([]store.OutboxEvent, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	var out []store.OutboxEvent
	for _, event := range o.events {
		if after(store.OutboxOffset{LastEventTime: event.CreatedAt, LastEventID: event.EventID}, offset) {
			out = append(out, event)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return after(
			store.OutboxOffset{LastEventTime: out[j].CreatedAt, LastEventID: out[j].EventID},
			store.OutboxOffset{LastEventTime: out[i].CreatedAt, LastEventID: out[i].EventID},
		)
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (o *commitOrderOutbox) CleanupOutbox(context.Context, time.Time) (int, error) {
	return 0, nil
}

func TestOutboxPollerDeliversRowCommittedLate(t *testing.T) {
	h := New()
	defer h.Close()
	received := make(chan models.Change, 4)
	h.Subscribe(func(c models.Change) { received <- c })

	start := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	source := &commitOrderOutbox{}
	poller := NewOutboxPoller(source, h, OutboxConfig{Lookback: 5 * time.Second, From: start})

	// The settings row is stamped first but its transaction commits last.
	source.commit(store.OutboxEvent{EventID: "b-ticket", Entity: models.EntityTicket, CreatedAt: start.Add(2 * time.Second)})
	count, err := poller.Poll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, count)
	assert.Equal(t, models.EntityTicket, waitFor(t, received).Entity)

	source.commit(store.OutboxEvent{EventID: "a-settings", Entity: models.EntitySettings, CreatedAt: start.Add(time.Second)})
	count, err = poller.Poll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, count)
	assert.Equal(t, models.EntitySettings, waitFor(t, received).Entity)

	count, err = poller.Poll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, count, "rows already delivered are not sent again")
	assert.Equal(t, "b-ticket", poller.Offset().LastEventID)
}

func TestOutboxPollerPagesThroughLookbackWindow(t *testing.T) {
	h := New()
	defer h.Close()

	start := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	source := &commitOrderOutbox{}
	for i := 0; i < 5; i++ {
		source.commit(store.OutboxEvent{
			EventID:   fmt.Sprintf("e%d", i),
			Entity:    models.EntityTicket,
			CreatedAt: start.Add(time.Duration(i+1) * time.Millisecond),
		})
	}
	poller := NewOutboxPoller(source, h, OutboxConfig{BatchSize: 2, From: start})

	count, err := poller.Poll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 5, count)

	source.commit(store.OutboxEvent{EventID: "e5", Entity: models.EntitySettings, CreatedAt: start.Add(10 * time.Millisecond)})
	count, err = poller.Poll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, count, "a full page of delivered rows must not hide newer ones")
}

func TestOutboxPollerKeepsOffsetOnError(t *testing.T) {
	source := &fakeOutbox{
		listFn: func(context.Context, store.OutboxOffset, int) ([]store.OutboxEvent, error) {
			return nil, errors.New("db down")
		},
	}
	poller := NewOutboxPoller(source, New(), OutboxConfig{})
	before := poller.Offset()

	_, err := poller.Poll(context.Background())
	assert.Error(t, err)
	assert.Equal(t, before, poller.Offset())
}

func TestDecodeChange(t *testing.T) {
	at := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	change, err := decodeChange(Subject(models.EntityTicket), []byte(`{"entity":"ticket","at":"2026-03-02T09:00:00Z"}`))
	require.NoError(t, err)
	assert.Equal(t, models.EntityTicket, change.Entity)
	assert.True(t, change.At.Equal(at))

	change, err = decodeChange(Subject(models.EntitySettings), nil)
	require.NoError(t, err)
	assert.Equal(t, models.EntitySettings, change.Entity)
	assert.False(t, change.At.IsZero())

	_, err = decodeChange("other.subject", nil)
	assert.Error(t, err)

	_, err = decodeChange(Subject(models.EntityTicket), []byte(`{`))
	assert.Error(t, err)
}

func TestPubNubForwarderPublishesToChannel(t *testing.T) {
	var gotChannel string
	var gotMessage interface{}
	forwarder := &PubNubForwarder{
		channel: "clinic-board",
		publish: func(channel string, message interface{}) error {
			gotChannel = channel
			gotMessage = message
			return nil
		},
	}
	forwarder.Forward(models.Change{Entity: models.EntityTicket, At: time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)})

	assert.Equal(t, "clinic-board", gotChannel)
	message, ok := gotMessage.(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "ticket", message["entity"])
	assert.Equal(t, "2026-03-02T09:00:00.000Z", message["at"])
}
