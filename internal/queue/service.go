// Package queue is the operation surface of the clinic queue. It validates
// input, retries storage conflicts a bounded number of times and publishes a
// change signal after every successful mutation.
package queue

import (
	"context"
	"errors"
	"log"
	"strings"
	"time"
	"unicode/utf8"

	"clinicqueue/internal/metrics"
	"clinicqueue/internal/models"
	"clinicqueue/internal/notify"
	"clinicqueue/internal/store"
)

const MaxFieldLength = 120

const (
	OutcomeServed         = "served"
	OutcomeNothingToServe = "nothing_to_serve"
)

type ServeOutcome struct {
	Outcome   string         `json:"outcome"`
	Completed *models.Ticket `json:"completed,omitempty"`
	Serving   *models.Ticket `json:"serving,omitempty"`
}

type QueueStatus struct {
	ServiceType models.ServiceType `json:"service_type"`
	Waiting     int                `json:"waiting"`
	NowServing  *models.Ticket     `json:"now_serving,omitempty"`
}

type Status struct {
	Accepting bool          `json:"accepting"`
	QueueDate string        `json:"queue_date"`
	Queues    []QueueStatus `json:"queues"`
}

type Options struct {
	Location        *time.Location
	ConflictRetries int
	Now             func() time.Time
}

type Service struct {
	store     store.QueueStore
	publisher notify.Publisher
	loc       *time.Location
	retries   int
	now       func() time.Time
}

func NewService(st store.QueueStore, publisher notify.Publisher, options Options) *Service {
	if publisher == nil {
		publisher = notify.Discard{}
	}
	if options.Location == nil {
		options.Location = time.UTC
	}
	if options.ConflictRetries <= 0 {
		options.ConflictRetries = 3
	}
	if options.Now == nil {
		options.Now = time.Now
	}
	return &Service{
		store:     st,
		publisher: publisher,
		loc:       options.Location,
		retries:   options.ConflictRetries,
		now:       options.Now,
	}
}

// Today is the current queue date in the clinic time zone.
func (s *Service) Today() string {
	return models.Day(s.now(), s.loc)
}

func (s *Service) Location() *time.Location {
	return s.loc
}

func (s *Service) Submit(ctx context.Context, name, idNumber, serviceType string) (models.Ticket, error) {
	name = strings.TrimSpace(name)
	idNumber = strings.TrimSpace(idNumber)
	if err := requireField("name", name); err != nil {
		return models.Ticket{}, err
	}
	if err := requireField("id_number", idNumber); err != nil {
		return models.Ticket{}, err
	}
	st, err := parseServiceType(serviceType)
	if err != nil {
		return models.Ticket{}, err
	}

	var ticket models.Ticket
	err = s.run(ctx, store.ActionSubmit, st, func(ctx context.Context) error {
		now := s.now().UTC()
		var createErr error
		ticket, createErr = s.store.CreateTicket(ctx, store.CreateTicketInput{
			Name:        name,
			IDNumber:    idNumber,
			ServiceType: st,
			QueueDate:   models.Day(now, s.loc),
			CreatedAt:   now,
		})
		return createErr
	})
	if err != nil {
		return models.Ticket{}, err
	}
	s.publish(ctx, store.ActionSubmit)
	return ticket, nil
}

func (s *Service) GetTicket(ctx context.Context, ticketID string) (models.Ticket, error) {
	ticketID = strings.TrimSpace(ticketID)
	if ticketID == "" {
		return models.Ticket{}, &store.ValidationError{Field: "id", Message: "is required"}
	}
	ticket, err := s.store.GetTicket(ctx, ticketID)
	return ticket, wrapStorage("get_ticket", err)
}

// ServeNext completes the ticket being served (if any) and promotes the
// oldest waiting one. An empty queue is reported as OutcomeNothingToServe.
func (s *Service) ServeNext(ctx context.Context, serviceType string) (ServeOutcome, error) {
	st, err := parseServiceType(serviceType)
	if err != nil {
		return ServeOutcome{}, err
	}
	var result store.ServeResult
	err = s.run(ctx, store.ActionServeNext, st, func(ctx context.Context) error {
		now := s.now().UTC()
		var serveErr error
		result, serveErr = s.store.ServeNext(ctx, store.ServeNextInput{
			ServiceType: st,
			QueueDate:   models.Day(now, s.loc),
			At:          now,
		})
		return serveErr
	})
	if err != nil {
		return ServeOutcome{}, err
	}

	outcome := ServeOutcome{Outcome: OutcomeServed, Completed: result.Completed, Serving: result.Serving}
	if result.Serving == nil {
		outcome.Outcome = OutcomeNothingToServe
	}
	if result.Completed != nil || result.Serving != nil {
		s.publish(ctx, store.ActionServeNext)
	}
	return outcome, nil
}

func (s *Service) CompleteTicket(ctx context.Context, ticketID string) (models.Ticket, error) {
	return s.ticketAction(ctx, store.ActionComplete, ticketID, s.store.CompleteTicket)
}

func (s *Service) CancelTicket(ctx context.Context, ticketID string) (models.Ticket, error) {
	return s.ticketAction(ctx, store.ActionCancel, ticketID, s.store.CancelTicket)
}

func (s *Service) ticketAction(
	ctx context.Context,
	operation string,
	ticketID string,
	action func(context.Context, store.TicketActionInput) (models.Ticket, error),
) (models.Ticket, error) {
	ticketID = strings.TrimSpace(ticketID)
	if ticketID == "" {
		return models.Ticket{}, &store.ValidationError{Field: "id", Message: "is required"}
	}
	var ticket models.Ticket
	err := s.run(ctx, operation, "", func(ctx context.Context) error {
		var actionErr error
		ticket, actionErr = action(ctx, store.TicketActionInput{TicketID: ticketID, At: s.now().UTC()})
		return actionErr
	})
	if err != nil {
		return models.Ticket{}, err
	}
	s.publish(ctx, operation)
	return ticket, nil
}

// ClearAll cancels every waiting ticket of the type for today.
func (s *Service) ClearAll(ctx context.Context, serviceType string) (int, error) {
	st, err := parseServiceType(serviceType)
	if err != nil {
		return 0, err
	}
	var cleared int
	err = s.run(ctx, store.ActionClear, st, func(ctx context.Context) error {
		now := s.now().UTC()
		var clearErr error
		cleared, clearErr = s.store.ClearWaiting(ctx, store.ClearInput{
			ServiceType: st,
			QueueDate:   models.Day(now, s.loc),
			At:          now,
		})
		return clearErr
	})
	if err != nil {
		return 0, err
	}
	if cleared > 0 {
		s.publish(ctx, store.ActionClear)
	}
	return cleared, nil
}

func (s *Service) WaitingCount(ctx context.Context, serviceType string) (int, error) {
	st, err := parseServiceType(serviceType)
	if err != nil {
		return 0, err
	}
	count, err := s.store.CountWaiting(ctx, st, s.Today())
	if err != nil {
		return 0, wrapStorage("waiting_count", err)
	}
	metrics.SetWaiting(string(st), count)
	return count, nil
}

func (s *Service) WaitingList(ctx context.Context, serviceType string) ([]models.Ticket, error) {
	st, err := parseServiceType(serviceType)
	if err != nil {
		return nil, err
	}
	tickets, err := s.store.ListWaiting(ctx, st, s.Today())
	if err != nil {
		return nil, wrapStorage("waiting_list", err)
	}
	return tickets, nil
}

// NowServing returns nil when nobody is being served.
func (s *Service) NowServing(ctx context.Context, serviceType string) (*models.Ticket, error) {
	st, err := parseServiceType(serviceType)
	if err != nil {
		return nil, err
	}
	ticket, found, err := s.store.NowServing(ctx, st, s.Today())
	if err != nil {
		return nil, wrapStorage("now_serving", err)
	}
	if !found {
		return nil, nil
	}
	return &ticket, nil
}

func (s *Service) Settings(ctx context.Context) (models.Settings, error) {
	settings, err := s.store.GetSettings(ctx)
	if err != nil {
		return models.Settings{}, wrapStorage("settings", err)
	}
	metrics.SetAccepting(settings.Accepting)
	return settings, nil
}

func (s *Service) SetAccepting(ctx context.Context, accepting bool) (models.Settings, error) {
	var settings models.Settings
	err := s.run(ctx, store.ActionSetAccepting, "", func(ctx context.Context) error {
		var setErr error
		settings, setErr = s.store.SetAccepting(ctx, accepting, s.now().UTC())
		return setErr
	})
	if err != nil {
		return models.Settings{}, err
	}
	metrics.SetAccepting(settings.Accepting)
	s.publish(ctx, store.ActionSetAccepting)
	return settings, nil
}

// Status is the public display summary for today.
func (s *Service) Status(ctx context.Context) (Status, error) {
	settings, err := s.Settings(ctx)
	if err != nil {
		return Status{}, err
	}
	status := Status{Accepting: settings.Accepting, QueueDate: s.Today()}
	for _, st := range models.ServiceTypes {
		count, err := s.WaitingCount(ctx, string(st))
		if err != nil {
			return Status{}, err
		}
		serving, err := s.NowServing(ctx, string(st))
		if err != nil {
			return Status{}, err
		}
		status.Queues = append(status.Queues, QueueStatus{ServiceType: st, Waiting: count, NowServing: serving})
	}
	return status, nil
}

func (s *Service) run(ctx context.Context, operation string, serviceType models.ServiceType, fn func(context.Context) error) error {
	started := time.Now()
	var err error
	for attempt := 1; ; attempt++ {
		err = fn(ctx)
		if !errors.Is(err, store.ErrConflict) || attempt >= s.retries {
			break
		}
		if ctx.Err() != nil {
			break
		}
		metrics.ConflictRetry(operation)
		log.Printf("conflict retry operation=%s service_type=%s attempt=%d", operation, serviceType, attempt)
	}
	metrics.ObserveOperation(operation, string(serviceType), outcomeLabel(err), started)
	return wrapStorage(operation, err)
}

func (s *Service) publish(ctx context.Context, action string) {
	at := s.now().UTC()
	for _, entity := range store.ChangedEntities(action) {
		change := models.Change{Entity: entity, At: at}
		if err := s.publisher.Publish(ctx, change); err != nil {
			log.Printf("publish change error entity=%s: %v", entity, err)
		}
	}
}

func wrapStorage(operation string, err error) error {
	if err == nil || store.IsDomainError(err) {
		return err
	}
	var storageErr *store.StorageError
	if errors.As(err, &storageErr) {
		return err
	}
	return &store.StorageError{Op: operation, Err: err}
}

func outcomeLabel(err error) string {
	var validation *store.ValidationError
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, store.ErrQueueClosed):
		return "queue_closed"
	case errors.Is(err, store.ErrTicketNotFound):
		return "not_found"
	case errors.Is(err, store.ErrInvalidState):
		return "invalid_state"
	case errors.Is(err, store.ErrConflict):
		return "conflict"
	case errors.As(err, &validation):
		return "invalid"
	default:
		return "storage_error"
	}
}

func requireField(field, value string) error {
	if value == "" {
		return &store.ValidationError{Field: field, Message: "is required"}
	}
	if utf8.RuneCountInString(value) > MaxFieldLength {
		return &store.ValidationError{Field: field, Message: "must be at most 120 characters"}
	}
	return nil
}

func parseServiceType(value string) (models.ServiceType, error) {
	st, ok := models.ParseServiceType(value)
	if !ok {
		return "", &store.ValidationError{Field: "service_type", Message: "must be medical or dental"}
	}
	return st, nil
}
