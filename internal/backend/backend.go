// Package backend opens the stores selected by configuration.
package backend

import (
	"context"
	"fmt"
	"log"
	"time"

	"clinicqueue/internal/archive/mongo"
	"clinicqueue/internal/config"
	"clinicqueue/internal/notify"
	"clinicqueue/internal/sequence"
	"clinicqueue/internal/store"
	"clinicqueue/internal/store/memory"
	"clinicqueue/internal/store/postgres"

	"github.com/jackc/pgx/v5/pgxpool"
)

type Backends struct {
	Queue   store.QueueStore
	Archive store.ArchiveStore
	// Outbox is set only for the postgres store with CHANGE_FEED=outbox.
	Outbox notify.OutboxSource

	closers []func()
}

func Open(ctx context.Context, cfg config.Config) (*Backends, error) {
	b := &Backends{}
	ok := false
	defer func() {
		if !ok {
			b.Close()
		}
	}()

	var sequencer sequence.Sequencer
	if cfg.SequenceBackend == "redis" {
		client, err := sequence.NewRedisClient(ctx, cfg.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("connect redis: %w", err)
		}
		b.closers = append(b.closers, func() { _ = client.Close() })
		sequencer = sequence.NewRedisSequencer(client, 0)
	}

	var pgStore *postgres.Store
	var memStore *memory.Store
	switch cfg.StoreBackend {
	case "memory":
		if cfg.ChangeFeed == "outbox" {
			return nil, fmt.Errorf("change feed outbox requires the postgres store")
		}
		memStore = memory.NewStore(memory.Options{Sequencer: sequencer, Accepting: true})
		b.Queue = memStore
	case "postgres":
		if cfg.DatabaseURL == "" {
			return nil, fmt.Errorf("DATABASE_URL is required for the postgres store")
		}
		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("connect postgres: %w", err)
		}
		b.closers = append(b.closers, pool.Close)
		pgStore = postgres.NewStore(pool, postgres.Options{
			Sequencer: sequencer,
			Outbox:    cfg.ChangeFeed == "outbox",
		})
		b.Queue = pgStore
		if cfg.ChangeFeed == "outbox" {
			b.Outbox = pgStore
		}
	default:
		return nil, fmt.Errorf("unknown STORE_BACKEND %q", cfg.StoreBackend)
	}

	switch cfg.ArchiveBackend {
	case "mongo":
		archiveStore, err := mongo.Connect(ctx, cfg.MongoURI, cfg.MongoDatabase)
		if err != nil {
			return nil, fmt.Errorf("connect mongo: %w", err)
		}
		b.closers = append(b.closers, func() {
			closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := archiveStore.Close(closeCtx); err != nil {
				log.Printf("mongo disconnect error: %v", err)
			}
		})
		b.Archive = archiveStore
	case "postgres":
		if pgStore == nil {
			return nil, fmt.Errorf("ARCHIVE_BACKEND postgres requires the postgres store")
		}
		b.Archive = pgStore
	case "memory":
		if memStore == nil {
			return nil, fmt.Errorf("ARCHIVE_BACKEND memory requires the memory store")
		}
		b.Archive = memStore
	default:
		return nil, fmt.Errorf("unknown ARCHIVE_BACKEND %q", cfg.ArchiveBackend)
	}

	ok = true
	return b, nil
}

// Close releases connections in reverse order of opening.
func (b *Backends) Close() {
	for i := len(b.closers) - 1; i >= 0; i-- {
		b.closers[i]()
	}
	b.closers = nil
}
