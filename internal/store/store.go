package store

import (
	"context"
	"encoding/json"
	"time"

	"clinicqueue/internal/models"
)

type CreateTicketInput struct {
	Name        string
	IDNumber    string
	ServiceType models.ServiceType
	QueueDate   string
	CreatedAt   time.Time
}

type ServeNextInput struct {
	ServiceType models.ServiceType
	QueueDate   string
	At          time.Time
}

type TicketActionInput struct {
	TicketID string
	At       time.Time
}

type ClearInput struct {
	ServiceType models.ServiceType
	QueueDate   string
	At          time.Time
}

// ServeResult describes one serve-next step. Serving is nil when nothing was waiting.
type ServeResult struct {
	Completed *models.Ticket `json:"completed,omitempty"`
	Serving   *models.Ticket `json:"serving,omitempty"`
}

// TicketFilter selects tickets by inclusive queue date range and optional equality filters.
type TicketFilter struct {
	From        string
	To          string
	ServiceType models.ServiceType
	Status      models.Status
}

// QueueStore owns the live ticket set and the settings singleton.
type QueueStore interface {
	CreateTicket(ctx context.Context, input CreateTicketInput) (models.Ticket, error)
	GetTicket(ctx context.Context, ticketID string) (models.Ticket, error)
	ServeNext(ctx context.Context, input ServeNextInput) (ServeResult, error)
	CompleteTicket(ctx context.Context, input TicketActionInput) (models.Ticket, error)
	CancelTicket(ctx context.Context, input TicketActionInput) (models.Ticket, error)
	ClearWaiting(ctx context.Context, input ClearInput) (int, error)
	ListWaiting(ctx context.Context, serviceType models.ServiceType, queueDate string) ([]models.Ticket, error)
	CountWaiting(ctx context.Context, serviceType models.ServiceType, queueDate string) (int, error)
	NowServing(ctx context.Context, serviceType models.ServiceType, queueDate string) (models.Ticket, bool, error)
	GetSettings(ctx context.Context) (models.Settings, error)
	SetAccepting(ctx context.Context, accepting bool, at time.Time) (models.Settings, error)
	ListTickets(ctx context.Context, filter TicketFilter) ([]models.Ticket, error)
	ListArchivable(ctx context.Context, beforeDate string, limit int) ([]models.Ticket, error)
	DeleteTickets(ctx context.Context, ticketIDs []string) (int, error)
}

// ArchiveStore is written only by the archiver. PutArchived skips ids already present.
type ArchiveStore interface {
	PutArchived(ctx context.Context, tickets []models.ArchivedTicket) (int, error)
	ListArchived(ctx context.Context, filter TicketFilter) ([]models.ArchivedTicket, error)
}

type OutboxEvent struct {
	EventID   string          `json:"event_id"`
	Entity    models.Entity   `json:"entity"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"created_at"`
}

type OutboxOffset struct {
	LastEventTime time.Time
	LastEventID   string
}
