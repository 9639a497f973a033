package notify

import (
	"context"
	"log"
	"sync/atomic"
	"time"

	"clinicqueue/internal/models"
	"clinicqueue/internal/store"
)

type OutboxSource interface {
	ListOutboxEvents(ctx context.Context, offset store.OutboxOffset, limit int) ([]store.OutboxEvent, error)
	CleanupOutbox(ctx context.Context, before time.Time) (int, error)
}

type OutboxConfig struct {
	BatchSize int
	Retention time.Duration
	// Lookback is how far behind the newest delivered row each poll re-reads.
	// Rows are stamped before their transaction commits, so a row can become
	// visible after a later-stamped one was already delivered.
	Lookback time.Duration
	// From is the initial offset. Zero means now.
	From time.Time
}

// OutboxPoller turns outbox rows written in the mutating transaction into hub
// broadcasts. Every instance polls independently; rows are removed once older
// than the retention window.
type OutboxPoller struct {
	source  OutboxSource
	hub     *Hub
	cfg     OutboxConfig
	offset  store.OutboxOffset
	seen    map[string]time.Time
	running int32
}

func NewOutboxPoller(source OutboxSource, hub *Hub, cfg OutboxConfig) *OutboxPoller {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.Retention <= 0 {
		cfg.Retention = time.Hour
	}
	if cfg.Lookback <= 0 {
		cfg.Lookback = 10 * time.Second
	}
	if cfg.Retention < cfg.Lookback {
		cfg.Retention = cfg.Lookback
	}
	if cfg.From.IsZero() {
		cfg.From = time.Now().UTC()
	}
	return &OutboxPoller{
		source: source,
		hub:    hub,
		cfg:    cfg,
		offset: store.OutboxOffset{LastEventTime: cfg.From},
		seen:   make(map[string]time.Time),
	}
}

// Poll scans from Lookback before the offset and broadcasts every row it has
// not delivered yet. It returns the number of rows delivered. Overlapping
// calls return immediately.
func (p *OutboxPoller) Poll(ctx context.Context) (int, error) {
	if !atomic.CompareAndSwapInt32(&p.running, 0, 1) {
		return 0, nil
	}
	defer atomic.StoreInt32(&p.running, 0)

	cursor := store.OutboxOffset{LastEventTime: p.offset.LastEventTime.Add(-p.cfg.Lookback)}
	delivered := 0
	for {
		events, err := p.source.ListOutboxEvents(ctx, cursor, p.cfg.BatchSize)
		if err != nil {
			return delivered, err
		}
		for _, event := range events {
			cursor = store.OutboxOffset{LastEventTime: event.CreatedAt, LastEventID: event.EventID}
			if after(cursor, p.offset) {
				p.offset = cursor
			}
			if _, ok := p.seen[event.EventID]; ok {
				continue
			}
			p.seen[event.EventID] = event.CreatedAt
			p.hub.Broadcast(models.Change{Entity: event.Entity, At: event.CreatedAt})
			delivered++
		}
		if len(events) < p.cfg.BatchSize {
			break
		}
	}

	horizon := p.offset.LastEventTime.Add(-p.cfg.Lookback)
	for id, createdAt := range p.seen {
		if createdAt.Before(horizon) {
			delete(p.seen, id)
		}
	}

	if delivered > 0 {
		cutoff := p.offset.LastEventTime.Add(-p.cfg.Retention)
		if _, err := p.source.CleanupOutbox(ctx, cutoff); err != nil {
			log.Printf("cleanup outbox error: %v", err)
		}
	}
	return delivered, nil
}

func after(a, b store.OutboxOffset) bool {
	if a.LastEventTime.Equal(b.LastEventTime) {
		return a.LastEventID > b.LastEventID
	}
	return a.LastEventTime.After(b.LastEventTime)
}

func (p *OutboxPoller) Offset() store.OutboxOffset {
	return p.offset
}

func (p *OutboxPoller) Start(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Second
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				pollCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
				if _, err := p.Poll(pollCtx); err != nil {
					log.Printf("outbox poll error: %v", err)
				}
				cancel()
			}
		}
	}()
}
