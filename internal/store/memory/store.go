// Package memory is a single-process store. One mutex serializes every
// operation, which makes numbering and serve-next atomic.
package memory

import (
	"context"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"clinicqueue/internal/models"
	"clinicqueue/internal/sequence"
	"clinicqueue/internal/store"

	"github.com/google/uuid"
)

type counterKey struct {
	serviceType models.ServiceType
	queueDate   string
}

type record struct {
	ticket models.Ticket
	order  int64
}

type Store struct {
	mu        sync.Mutex
	tickets   map[string]*record
	counters  map[counterKey]int64
	order     int64
	settings  models.Settings
	archive   map[string]models.ArchivedTicket
	sequencer sequence.Sequencer
}

type Options struct {
	// Sequencer replaces the built-in daily counters when set.
	Sequencer sequence.Sequencer
	Accepting bool
}

func NewStore(options Options) *Store {
	return &Store{
		tickets:   make(map[string]*record),
		counters:  make(map[counterKey]int64),
		archive:   make(map[string]models.ArchivedTicket),
		sequencer: options.Sequencer,
		settings: models.Settings{
			Accepting: options.Accepting,
			UpdatedAt: time.Now().UTC(),
		},
	}
}

func (s *Store) CreateTicket(ctx context.Context, input store.CreateTicketInput) (models.Ticket, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.settings.Accepting {
		return models.Ticket{}, store.ErrQueueClosed
	}

	n, err := s.nextNumber(ctx, input.ServiceType, input.QueueDate)
	if err != nil {
		return models.Ticket{}, err
	}
	number := sequence.Format(input.ServiceType, n)
	for _, rec := range s.tickets {
		if rec.ticket.ServiceType == input.ServiceType && rec.ticket.QueueDate == input.QueueDate && rec.ticket.QueueNumber == number {
			return models.Ticket{}, store.ErrConflict
		}
	}

	createdAt := input.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	s.order++
	rec := &record{
		order: s.order,
		ticket: models.Ticket{
			ID:          uuid.NewString(),
			Name:        input.Name,
			IDNumber:    input.IDNumber,
			ServiceType: input.ServiceType,
			QueueNumber: number,
			QueueDate:   input.QueueDate,
			Status:      models.StatusWaiting,
			CreatedAt:   createdAt,
		},
	}
	s.tickets[rec.ticket.ID] = rec
	return cloneTicket(rec.ticket), nil
}

func (s *Store) nextNumber(ctx context.Context, serviceType models.ServiceType, queueDate string) (int64, error) {
	if s.sequencer != nil {
		return s.sequencer.Next(ctx, serviceType, queueDate)
	}
	key := counterKey{serviceType: serviceType, queueDate: queueDate}
	n, ok := s.counters[key]
	if !ok {
		for existing := range s.counters {
			if existing.queueDate < queueDate {
				delete(s.counters, existing)
			}
		}
		n = s.highestNumber(serviceType, queueDate)
	}
	n++
	s.counters[key] = n
	return n, nil
}

// highestNumber recovers a counter that was dropped while tickets of that day
// are still live.
func (s *Store) highestNumber(serviceType models.ServiceType, queueDate string) int64 {
	var highest int64
	for _, rec := range s.tickets {
		if rec.ticket.ServiceType != serviceType || rec.ticket.QueueDate != queueDate {
			continue
		}
		n, err := strconv.ParseInt(strings.TrimPrefix(rec.ticket.QueueNumber, serviceType.Prefix()), 10, 64)
		if err == nil && n > highest {
			highest = n
		}
	}
	return highest
}

func (s *Store) GetTicket(ctx context.Context, ticketID string) (models.Ticket, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.tickets[ticketID]
	if !ok {
		return models.Ticket{}, store.ErrTicketNotFound
	}
	return cloneTicket(rec.ticket), nil
}

func (s *Store) ServeNext(ctx context.Context, input store.ServeNextInput) (store.ServeResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	at := input.At
	if at.IsZero() {
		at = time.Now().UTC()
	}

	var result store.ServeResult
	for _, rec := range s.scoped(input.ServiceType, input.QueueDate, models.StatusServing) {
		completedAt := at
		rec.ticket.Status = models.StatusCompleted
		rec.ticket.CompletedAt = &completedAt
		s.clearCurrentServing(rec.ticket.ID)
		completed := cloneTicket(rec.ticket)
		result.Completed = &completed
	}

	waiting := s.scoped(input.ServiceType, input.QueueDate, models.StatusWaiting)
	if len(waiting) == 0 {
		return result, nil
	}
	next := waiting[0]
	servedAt := at
	next.ticket.Status = models.StatusServing
	next.ticket.ServedAt = &servedAt
	id := next.ticket.ID
	s.settings.CurrentServingID = &id
	s.settings.UpdatedAt = at

	serving := cloneTicket(next.ticket)
	result.Serving = &serving
	return result, nil
}

func (s *Store) CompleteTicket(ctx context.Context, input store.TicketActionInput) (models.Ticket, error) {
	return s.applyAction(input, store.ActionComplete)
}

func (s *Store) CancelTicket(ctx context.Context, input store.TicketActionInput) (models.Ticket, error) {
	return s.applyAction(input, store.ActionCancel)
}

func (s *Store) applyAction(input store.TicketActionInput, action string) (models.Ticket, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.tickets[input.TicketID]
	if !ok {
		return models.Ticket{}, store.ErrTicketNotFound
	}
	next, err := store.Transition(action, rec.ticket.Status)
	if err != nil {
		return models.Ticket{}, err
	}
	at := input.At
	if at.IsZero() {
		at = time.Now().UTC()
	}
	rec.ticket.Status = next
	switch next {
	case models.StatusCompleted:
		rec.ticket.CompletedAt = &at
		s.clearCurrentServing(rec.ticket.ID)
	case models.StatusCancelled:
		rec.ticket.CancelledAt = &at
	}
	return cloneTicket(rec.ticket), nil
}

func (s *Store) ClearWaiting(ctx context.Context, input store.ClearInput) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	at := input.At
	if at.IsZero() {
		at = time.Now().UTC()
	}
	waiting := s.scoped(input.ServiceType, input.QueueDate, models.StatusWaiting)
	for _, rec := range waiting {
		cancelledAt := at
		rec.ticket.Status = models.StatusCancelled
		rec.ticket.CancelledAt = &cancelledAt
	}
	return len(waiting), nil
}

func (s *Store) ListWaiting(ctx context.Context, serviceType models.ServiceType, queueDate string) ([]models.Ticket, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	records := s.scoped(serviceType, queueDate, models.StatusWaiting)
	tickets := make([]models.Ticket, 0, len(records))
	for _, rec := range records {
		tickets = append(tickets, cloneTicket(rec.ticket))
	}
	return tickets, nil
}

func (s *Store) CountWaiting(ctx context.Context, serviceType models.ServiceType, queueDate string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.scoped(serviceType, queueDate, models.StatusWaiting)), nil
}

func (s *Store) NowServing(ctx context.Context, serviceType models.ServiceType, queueDate string) (models.Ticket, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	serving := s.scoped(serviceType, queueDate, models.StatusServing)
	if len(serving) == 0 {
		return models.Ticket{}, false, nil
	}
	return cloneTicket(serving[0].ticket), true, nil
}

func (s *Store) GetSettings(ctx context.Context) (models.Settings, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return cloneSettings(s.settings), nil
}

func (s *Store) SetAccepting(ctx context.Context, accepting bool, at time.Time) (models.Settings, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if at.IsZero() {
		at = time.Now().UTC()
	}
	s.settings.Accepting = accepting
	s.settings.UpdatedAt = at
	return cloneSettings(s.settings), nil
}

func (s *Store) ListTickets(ctx context.Context, filter store.TicketFilter) ([]models.Ticket, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var records []*record
	for _, rec := range s.tickets {
		if matchFilter(rec.ticket, filter) {
			records = append(records, rec)
		}
	}
	sortRecords(records)
	tickets := make([]models.Ticket, 0, len(records))
	for _, rec := range records {
		tickets = append(tickets, cloneTicket(rec.ticket))
	}
	return tickets, nil
}

func (s *Store) ListArchivable(ctx context.Context, beforeDate string, limit int) ([]models.Ticket, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var records []*record
	for _, rec := range s.tickets {
		if rec.ticket.Status.Terminal() && rec.ticket.QueueDate < beforeDate {
			records = append(records, rec)
		}
	}
	sortRecords(records)
	if limit > 0 && len(records) > limit {
		records = records[:limit]
	}
	tickets := make([]models.Ticket, 0, len(records))
	for _, rec := range records {
		tickets = append(tickets, cloneTicket(rec.ticket))
	}
	return tickets, nil
}

func (s *Store) DeleteTickets(ctx context.Context, ticketIDs []string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	deleted := 0
	for _, id := range ticketIDs {
		if _, ok := s.tickets[id]; ok {
			delete(s.tickets, id)
			deleted++
		}
	}
	return deleted, nil
}

func (s *Store) PutArchived(ctx context.Context, tickets []models.ArchivedTicket) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	inserted := 0
	for _, ticket := range tickets {
		if _, exists := s.archive[ticket.ID]; exists {
			continue
		}
		archived := ticket
		archived.Ticket = cloneTicket(ticket.Ticket)
		s.archive[ticket.ID] = archived
		inserted++
	}
	return inserted, nil
}

func (s *Store) ListArchived(ctx context.Context, filter store.TicketFilter) ([]models.ArchivedTicket, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.ArchivedTicket
	for _, archived := range s.archive {
		if matchFilter(archived.Ticket, filter) {
			copied := archived
			copied.Ticket = cloneTicket(archived.Ticket)
			out = append(out, copied)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

// scoped returns tickets of one type, day and status, oldest first.
func (s *Store) scoped(serviceType models.ServiceType, queueDate string, status models.Status) []*record {
	var records []*record
	for _, rec := range s.tickets {
		if rec.ticket.ServiceType == serviceType && rec.ticket.QueueDate == queueDate && rec.ticket.Status == status {
			records = append(records, rec)
		}
	}
	sortRecords(records)
	return records
}

func (s *Store) clearCurrentServing(ticketID string) {
	if s.settings.CurrentServingID != nil && *s.settings.CurrentServingID == ticketID {
		s.settings.CurrentServingID = nil
	}
}

func sortRecords(records []*record) {
	sort.Slice(records, func(i, j int) bool {
		a, b := records[i], records[j]
		if a.ticket.CreatedAt.Equal(b.ticket.CreatedAt) {
			return a.order < b.order
		}
		return a.ticket.CreatedAt.Before(b.ticket.CreatedAt)
	})
}

func matchFilter(ticket models.Ticket, filter store.TicketFilter) bool {
	if filter.From != "" && ticket.QueueDate < filter.From {
		return false
	}
	if filter.To != "" && ticket.QueueDate > filter.To {
		return false
	}
	if filter.ServiceType != "" && ticket.ServiceType != filter.ServiceType {
		return false
	}
	if filter.Status != "" && ticket.Status != filter.Status {
		return false
	}
	return true
}

func cloneTicket(ticket models.Ticket) models.Ticket {
	ticket.ServedAt = cloneTime(ticket.ServedAt)
	ticket.CompletedAt = cloneTime(ticket.CompletedAt)
	ticket.CancelledAt = cloneTime(ticket.CancelledAt)
	return ticket
}

func cloneTime(value *time.Time) *time.Time {
	if value == nil {
		return nil
	}
	copied := *value
	return &copied
}

func cloneSettings(settings models.Settings) models.Settings {
	if settings.CurrentServingID != nil {
		id := *settings.CurrentServingID
		settings.CurrentServingID = &id
	}
	return settings
}
