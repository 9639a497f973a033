package report

import (
	"context"
	"encoding/csv"
	"errors"
	"io"
	"sort"
	"strconv"
	"strings"
	"time"

	"clinicqueue/internal/models"
	"clinicqueue/internal/store"

	"github.com/shopspring/decimal"
)

type LiveSource interface {
	ListTickets(ctx context.Context, filter store.TicketFilter) ([]models.Ticket, error)
}

type ArchiveSource interface {
	ListArchived(ctx context.Context, filter store.TicketFilter) ([]models.ArchivedTicket, error)
}

type Stats struct {
	TotalQueues     int     `json:"total_queues"`
	CompletedQueues int     `json:"completed_queues"`
	CancelledQueues int     `json:"cancelled_queues"`
	AverageWaitTime float64 `json:"average_wait_time"`
}

type Report struct {
	From          string                       `json:"from"`
	To            string                       `json:"to"`
	Tickets       []models.Ticket              `json:"tickets"`
	Stats         Stats                        `json:"stats"`
	ByServiceType map[models.ServiceType]Stats `json:"by_service_type"`
}

type Reporter struct {
	live    LiveSource
	archive ArchiveSource
}

// NewReporter reads both sources. archive may be nil when the live store
// keeps its own archive.
func NewReporter(live LiveSource, archive ArchiveSource) *Reporter {
	return &Reporter{live: live, archive: archive}
}

// ParseFilter validates query values. Empty dates default to today.
func ParseFilter(from, to, serviceType, status, today string) (store.TicketFilter, error) {
	filter := store.TicketFilter{From: strings.TrimSpace(from), To: strings.TrimSpace(to)}
	if filter.From == "" {
		filter.From = today
	}
	if filter.To == "" {
		filter.To = today
	}
	fromDay, err := models.ParseDay(filter.From)
	if err != nil {
		return store.TicketFilter{}, &store.ValidationError{Field: "from", Message: "must be YYYY-MM-DD"}
	}
	toDay, err := models.ParseDay(filter.To)
	if err != nil {
		return store.TicketFilter{}, &store.ValidationError{Field: "to", Message: "must be YYYY-MM-DD"}
	}
	if fromDay.After(toDay) {
		return store.TicketFilter{}, &store.ValidationError{Field: "from", Message: "must not be after to"}
	}
	if strings.TrimSpace(serviceType) != "" {
		parsed, ok := models.ParseServiceType(serviceType)
		if !ok {
			return store.TicketFilter{}, &store.ValidationError{Field: "service_type", Message: "must be medical or dental"}
		}
		filter.ServiceType = parsed
	}
	if strings.TrimSpace(status) != "" {
		parsed, ok := models.ParseStatus(status)
		if !ok {
			return store.TicketFilter{}, &store.ValidationError{Field: "status", Message: "is not a known status"}
		}
		filter.Status = parsed
	}
	return filter, nil
}

// Build merges live and archived tickets, keeping the archived copy when a
// ticket appears in both.
func (r *Reporter) Build(ctx context.Context, filter store.TicketFilter) (Report, error) {
	tickets, err := r.Tickets(ctx, filter)
	if err != nil {
		return Report{}, err
	}

	byType := make(map[models.ServiceType][]models.Ticket)
	for _, ticket := range tickets {
		byType[ticket.ServiceType] = append(byType[ticket.ServiceType], ticket)
	}
	perType := make(map[models.ServiceType]Stats, len(models.ServiceTypes))
	for _, st := range models.ServiceTypes {
		if filter.ServiceType != "" && filter.ServiceType != st {
			continue
		}
		perType[st] = Compute(byType[st])
	}

	if tickets == nil {
		tickets = []models.Ticket{}
	}
	return Report{
		From:          filter.From,
		To:            filter.To,
		Tickets:       tickets,
		Stats:         Compute(tickets),
		ByServiceType: perType,
	}, nil
}

func (r *Reporter) Tickets(ctx context.Context, filter store.TicketFilter) ([]models.Ticket, error) {
	live, err := r.live.ListTickets(ctx, filter)
	if err != nil {
		return nil, storageError(err)
	}
	merged := make(map[string]models.Ticket, len(live))
	for _, ticket := range live {
		merged[ticket.ID] = ticket
	}
	if r.archive != nil {
		archived, err := r.archive.ListArchived(ctx, filter)
		if err != nil {
			return nil, storageError(err)
		}
		for _, item := range archived {
			merged[item.ID] = item.Ticket
		}
	}

	tickets := make([]models.Ticket, 0, len(merged))
	for _, ticket := range merged {
		tickets = append(tickets, ticket)
	}
	sort.Slice(tickets, func(i, j int) bool {
		if tickets[i].CreatedAt.Equal(tickets[j].CreatedAt) {
			return tickets[i].ID < tickets[j].ID
		}
		return tickets[i].CreatedAt.Before(tickets[j].CreatedAt)
	})
	return tickets, nil
}

// Compute counts tickets by outcome. The average wait is taken over completed
// tickets that were served, in minutes rounded to two places.
func Compute(tickets []models.Ticket) Stats {
	stats := Stats{TotalQueues: len(tickets)}
	total := decimal.Zero
	waited := 0
	for _, ticket := range tickets {
		switch ticket.Status {
		case models.StatusCompleted:
			stats.CompletedQueues++
			if ticket.ServedAt != nil && !ticket.CreatedAt.IsZero() {
				ms := ticket.ServedAt.Sub(ticket.CreatedAt).Milliseconds()
				total = total.Add(decimal.NewFromInt(ms))
				waited++
			}
		case models.StatusCancelled:
			stats.CancelledQueues++
		}
	}
	if waited > 0 {
		minutes := total.Div(decimal.NewFromInt(int64(waited))).Div(decimal.NewFromInt(60000)).Round(2)
		stats.AverageWaitTime = minutes.InexactFloat64()
	}
	return stats
}

var csvHeader = []string{
	"id", "queue_number", "service_type", "queue_date", "status", "name", "id_number",
	"created_at", "served_at", "completed_at", "cancelled_at", "wait_minutes",
}

func WriteCSV(w io.Writer, tickets []models.Ticket) error {
	writer := csv.NewWriter(w)
	if err := writer.Write(csvHeader); err != nil {
		return err
	}
	for _, ticket := range tickets {
		wait := ""
		if minutes, ok := ticket.WaitMinutes(); ok {
			wait = strconv.FormatFloat(minutes, 'f', 2, 64)
		}
		if err := writer.Write([]string{
			ticket.ID,
			ticket.QueueNumber,
			string(ticket.ServiceType),
			ticket.QueueDate,
			string(ticket.Status),
			ticket.Name,
			ticket.IDNumber,
			ticket.CreatedAt.Format(time.RFC3339),
			formatTime(ticket.ServedAt),
			formatTime(ticket.CompletedAt),
			formatTime(ticket.CancelledAt),
			wait,
		}); err != nil {
			return err
		}
	}
	writer.Flush()
	return writer.Error()
}

func formatTime(value *time.Time) string {
	if value == nil {
		return ""
	}
	return value.Format(time.RFC3339)
}

func storageError(err error) error {
	var storageErr *store.StorageError
	if errors.As(err, &storageErr) || store.IsDomainError(err) {
		return err
	}
	return &store.StorageError{Op: "report", Err: err}
}
