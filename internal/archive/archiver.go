package archive

import (
	"context"
	"log"
	"sync"
	"time"

	"clinicqueue/internal/metrics"
	"clinicqueue/internal/models"
	"clinicqueue/internal/store"
)

type LiveSource interface {
	ListArchivable(ctx context.Context, beforeDate string, limit int) ([]models.Ticket, error)
	DeleteTickets(ctx context.Context, ticketIDs []string) (int, error)
}

type Result struct {
	Archived int `json:"archived"`
	Skipped  int `json:"skipped"`
	Deleted  int `json:"deleted"`
}

type Config struct {
	BatchSize int
	Location  *time.Location
	Now       func() time.Time
}

// Archiver moves terminal tickets from days before today into the archive.
// A ticket is written to the sink before it is deleted from the live store,
// and the sink skips ids it already holds, so an interrupted run can simply
// be repeated.
type Archiver struct {
	mu        sync.Mutex
	live      LiveSource
	sink      store.ArchiveStore
	batchSize int
	loc       *time.Location
	now       func() time.Time
}

func New(live LiveSource, sink store.ArchiveStore, cfg Config) *Archiver {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 500
	}
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Archiver{
		live:      live,
		sink:      sink,
		batchSize: cfg.BatchSize,
		loc:       cfg.Location,
		now:       cfg.Now,
	}
}

func (a *Archiver) Run(ctx context.Context) (Result, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	before := models.Day(a.now(), a.loc)
	var result Result
	defer func() {
		metrics.Archived(result.Archived, result.Skipped, result.Deleted)
	}()

	for {
		tickets, err := a.live.ListArchivable(ctx, before, a.batchSize)
		if err != nil {
			return result, wrap("archive_list", err)
		}
		if len(tickets) == 0 {
			break
		}

		archivedAt := a.now().UTC()
		batch := make([]models.ArchivedTicket, 0, len(tickets))
		ids := make([]string, 0, len(tickets))
		for _, ticket := range tickets {
			batch = append(batch, models.ArchivedTicket{Ticket: ticket, ArchivedAt: archivedAt})
			ids = append(ids, ticket.ID)
		}

		inserted, err := a.sink.PutArchived(ctx, batch)
		if err != nil {
			return result, wrap("archive_put", err)
		}
		result.Archived += inserted
		result.Skipped += len(batch) - inserted

		deleted, err := a.live.DeleteTickets(ctx, ids)
		if err != nil {
			return result, wrap("archive_delete", err)
		}
		result.Deleted += deleted

		if deleted == 0 || len(tickets) < a.batchSize {
			break
		}
	}

	log.Printf("archive run before=%s archived=%d skipped=%d deleted=%d", before, result.Archived, result.Skipped, result.Deleted)
	return result, nil
}

// Start runs the archiver on every tick until ctx is done.
func Start(ctx context.Context, interval time.Duration, a *Archiver) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := a.Run(ctx); err != nil {
				log.Printf("archive worker error: %v", err)
			}
		}
	}
}

func wrap(op string, err error) error {
	if store.IsDomainError(err) {
		return err
	}
	return &store.StorageError{Op: op, Err: err}
}
