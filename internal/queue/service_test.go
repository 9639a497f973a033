package queue

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"clinicqueue/internal/models"
	"clinicqueue/internal/store"
	"clinicqueue/internal/store/memory"
)

type recordingPublisher struct {
	mu      sync.Mutex
	changes []models.Change
}

func (p *recordingPublisher) Publish(ctx context.Context, change models.Change) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.changes = append(p.changes, change)
	return nil
}

func (p *recordingPublisher) count(entity models.Entity) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, change := range p.changes {
		if change.Entity == entity {
			n++
		}
	}
	return n
}

// steppingClock advances one second per call so creation order is stable.
type steppingClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *steppingClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Second)
	return c.now
}

func newTestService(t *testing.T, st store.QueueStore) (*Service, *recordingPublisher) {
	t.Helper()
	clock := &steppingClock{now: time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)}
	publisher := &recordingPublisher{}
	return NewService(st, publisher, Options{Now: clock.Now}), publisher
}

func TestSubmitAndServeNextScenario(t *testing.T) {
	ctx := context.Background()
	svc, publisher := newTestService(t, memory.NewStore(memory.Options{Accepting: true}))

	var numbers []string
	for _, name := range []string{"Alice", "Bob", "Cara"} {
		ticket, err := svc.Submit(ctx, name, "ID-"+name, "Medical")
		if err != nil {
			t.Fatalf("submit %s: %v", name, err)
		}
		if ticket.Status != models.StatusWaiting {
			t.Fatalf("expected waiting, got %s", ticket.Status)
		}
		numbers = append(numbers, ticket.QueueNumber)
	}
	if numbers[0] != "M001" || numbers[1] != "M002" || numbers[2] != "M003" {
		t.Fatalf("unexpected numbers %v", numbers)
	}

	outcome, err := svc.ServeNext(ctx, "medical")
	if err != nil {
		t.Fatalf("serve next: %v", err)
	}
	if outcome.Outcome != OutcomeServed || outcome.Completed != nil || outcome.Serving.QueueNumber != "M001" {
		t.Fatalf("unexpected first outcome %+v", outcome)
	}

	outcome, err = svc.ServeNext(ctx, "medical")
	if err != nil {
		t.Fatalf("serve next: %v", err)
	}
	if outcome.Completed == nil || outcome.Completed.QueueNumber != "M001" || outcome.Completed.Status != models.StatusCompleted {
		t.Fatalf("expected M001 completed, got %+v", outcome.Completed)
	}
	if outcome.Serving == nil || outcome.Serving.QueueNumber != "M002" {
		t.Fatalf("expected M002 serving, got %+v", outcome.Serving)
	}

	count, err := svc.WaitingCount(ctx, "medical")
	if err != nil || count != 1 {
		t.Fatalf("expected 1 waiting, got %d (%v)", count, err)
	}
	serving, err := svc.NowServing(ctx, "medical")
	if err != nil || serving == nil || serving.QueueNumber != "M002" {
		t.Fatalf("expected M002 now serving, got %+v (%v)", serving, err)
	}
	settings, err := svc.Settings(ctx)
	if err != nil {
		t.Fatalf("settings: %v", err)
	}
	if settings.CurrentServingID == nil || *settings.CurrentServingID != serving.ID {
		t.Fatalf("current serving id should point at M002")
	}
	if publisher.count(models.EntityTicket) != 5 {
		t.Fatalf("expected 5 ticket changes, got %d", publisher.count(models.EntityTicket))
	}
}

func TestServeNextWithNothingWaiting(t *testing.T) {
	ctx := context.Background()
	svc, publisher := newTestService(t, memory.NewStore(memory.Options{Accepting: true}))

	outcome, err := svc.ServeNext(ctx, "dental")
	if err != nil {
		t.Fatalf("serve next: %v", err)
	}
	if outcome.Outcome != OutcomeNothingToServe || outcome.Serving != nil {
		t.Fatalf("unexpected outcome %+v", outcome)
	}
	if len(publisher.changes) != 0 {
		t.Fatalf("no change expected, got %d", len(publisher.changes))
	}

	if _, err := svc.Submit(ctx, "Dan", "D1", "dental"); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if _, err := svc.ServeNext(ctx, "dental"); err != nil {
		t.Fatalf("serve next: %v", err)
	}
	outcome, err = svc.ServeNext(ctx, "dental")
	if err != nil {
		t.Fatalf("serve next: %v", err)
	}
	if outcome.Outcome != OutcomeNothingToServe || outcome.Completed == nil || outcome.Completed.QueueNumber != "D001" {
		t.Fatalf("expected D001 completed with nothing to serve, got %+v", outcome)
	}
}

func TestSubmitWhenClosed(t *testing.T) {
	ctx := context.Background()
	svc, publisher := newTestService(t, memory.NewStore(memory.Options{Accepting: true}))

	if _, err := svc.SetAccepting(ctx, false); err != nil {
		t.Fatalf("set accepting: %v", err)
	}
	_, err := svc.Submit(ctx, "Alice", "A1", "medical")
	if !errors.Is(err, store.ErrQueueClosed) {
		t.Fatalf("expected ErrQueueClosed, got %v", err)
	}
	count, err := svc.WaitingCount(ctx, "medical")
	if err != nil || count != 0 {
		t.Fatalf("expected no waiting tickets, got %d (%v)", count, err)
	}
	if publisher.count(models.EntityTicket) != 0 || publisher.count(models.EntitySettings) != 1 {
		t.Fatalf("unexpected changes %+v", publisher.changes)
	}

	if _, err := svc.SetAccepting(ctx, true); err != nil {
		t.Fatalf("reopen: %v", err)
	}
	ticket, err := svc.Submit(ctx, "Alice", "A1", "medical")
	if err != nil || ticket.QueueNumber != "M001" {
		t.Fatalf("expected M001 after reopening, got %+v (%v)", ticket, err)
	}
}

func TestSubmitValidation(t *testing.T) {
	svc, _ := newTestService(t, memory.NewStore(memory.Options{Accepting: true}))
	long := make([]byte, MaxFieldLength+1)
	for i := range long {
		long[i] = 'a'
	}
	tests := []struct {
		name        string
		patient     string
		idNumber    string
		serviceType string
		field       string
	}{
		{"blank name", "   ", "A1", "medical", "name"},
		{"blank id number", "Alice", "", "medical", "id_number"},
		{"long name", string(long), "A1", "medical", "name"},
		{"unknown type", "Alice", "A1", "surgery", "service_type"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.Submit(context.Background(), tt.patient, tt.idNumber, tt.serviceType)
			var validation *store.ValidationError
			if !errors.As(err, &validation) {
				t.Fatalf("expected validation error, got %v", err)
			}
			if validation.Field != tt.field {
				t.Fatalf("expected field %s, got %s", tt.field, validation.Field)
			}
		})
	}
}

func TestConcurrentSubmitsGetDistinctNumbers(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t, memory.NewStore(memory.Options{Accepting: true}))

	const submissions = 20
	var wg sync.WaitGroup
	numbers := make(chan string, submissions)
	for i := 0; i < submissions; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ticket, err := svc.Submit(ctx, "patient", "X", "dental")
			if err != nil {
				t.Errorf("submit: %v", err)
				return
			}
			numbers <- ticket.QueueNumber
		}()
	}
	wg.Wait()
	close(numbers)

	seen := make(map[string]bool)
	for number := range numbers {
		if seen[number] {
			t.Fatalf("duplicate number %s", number)
		}
		seen[number] = true
	}
	if len(seen) != submissions {
		t.Fatalf("expected %d numbers, got %d", submissions, len(seen))
	}
}

func TestClearAllOnlyCancelsWaiting(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t, memory.NewStore(memory.Options{Accepting: true}))

	for _, name := range []string{"A", "B", "C"} {
		if _, err := svc.Submit(ctx, name, name, "medical"); err != nil {
			t.Fatalf("submit: %v", err)
		}
	}
	dental, err := svc.Submit(ctx, "D", "D", "dental")
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	served, err := svc.ServeNext(ctx, "medical")
	if err != nil {
		t.Fatalf("serve next: %v", err)
	}

	cleared, err := svc.ClearAll(ctx, "medical")
	if err != nil {
		t.Fatalf("clear: %v", err)
	}
	if cleared != 2 {
		t.Fatalf("expected 2 cleared, got %d", cleared)
	}
	serving, err := svc.NowServing(ctx, "medical")
	if err != nil || serving == nil || serving.ID != served.Serving.ID {
		t.Fatalf("serving ticket must survive clear, got %+v (%v)", serving, err)
	}
	other, err := svc.GetTicket(ctx, dental.ID)
	if err != nil || other.Status != models.StatusWaiting {
		t.Fatalf("other service type must be untouched, got %+v (%v)", other, err)
	}
}

func TestTicketActions(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t, memory.NewStore(memory.Options{Accepting: true}))

	ticket, err := svc.Submit(ctx, "Alice", "A1", "medical")
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if _, err := svc.CompleteTicket(ctx, ticket.ID); !errors.Is(err, store.ErrInvalidState) {
		t.Fatalf("complete waiting ticket: expected ErrInvalidState, got %v", err)
	}
	cancelled, err := svc.CancelTicket(ctx, ticket.ID)
	if err != nil || cancelled.Status != models.StatusCancelled || cancelled.CancelledAt == nil {
		t.Fatalf("cancel: %+v (%v)", cancelled, err)
	}
	if _, err := svc.CancelTicket(ctx, ticket.ID); !errors.Is(err, store.ErrInvalidState) {
		t.Fatalf("second cancel: expected ErrInvalidState, got %v", err)
	}
	if _, err := svc.GetTicket(ctx, "missing"); !errors.Is(err, store.ErrTicketNotFound) {
		t.Fatalf("expected ErrTicketNotFound, got %v", err)
	}

	second, _ := svc.Submit(ctx, "Bob", "B1", "medical")
	if _, err := svc.ServeNext(ctx, "medical"); err != nil {
		t.Fatalf("serve next: %v", err)
	}
	completed, err := svc.CompleteTicket(ctx, second.ID)
	if err != nil || completed.Status != models.StatusCompleted {
		t.Fatalf("complete: %+v (%v)", completed, err)
	}
	settings, _ := svc.Settings(ctx)
	if settings.CurrentServingID != nil {
		t.Fatalf("current serving id should clear on completion")
	}
}

type conflictStore struct {
	*memory.Store
	failures int
	calls    int
}

func (s *conflictStore) CreateTicket(ctx context.Context, input store.CreateTicketInput) (models.Ticket, error) {
	s.calls++
	if s.calls <= s.failures {
		return models.Ticket{}, store.ErrConflict
	}
	return s.Store.CreateTicket(ctx, input)
}

func TestSubmitRetriesConflicts(t *testing.T) {
	st := &conflictStore{Store: memory.NewStore(memory.Options{Accepting: true}), failures: 2}
	svc, _ := newTestService(t, st)

	ticket, err := svc.Submit(context.Background(), "Alice", "A1", "medical")
	if err != nil {
		t.Fatalf("expected success after retries, got %v", err)
	}
	if st.calls != 3 || ticket.QueueNumber != "M001" {
		t.Fatalf("expected 3 attempts and M001, got %d %s", st.calls, ticket.QueueNumber)
	}
}

func TestSubmitSurfacesConflictAfterRetries(t *testing.T) {
	st := &conflictStore{Store: memory.NewStore(memory.Options{Accepting: true}), failures: 10}
	svc, _ := newTestService(t, st)

	_, err := svc.Submit(context.Background(), "Alice", "A1", "medical")
	if !errors.Is(err, store.ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
	if st.calls != 3 {
		t.Fatalf("expected 3 attempts, got %d", st.calls)
	}
}

type brokenStore struct {
	*memory.Store
}

func (s *brokenStore) ListWaiting(ctx context.Context, serviceType models.ServiceType, queueDate string) ([]models.Ticket, error) {
	return nil, errors.New("connection reset")
}

func TestStorageFailuresAreWrapped(t *testing.T) {
	svc, _ := newTestService(t, &brokenStore{Store: memory.NewStore(memory.Options{Accepting: true})})

	_, err := svc.WaitingList(context.Background(), "medical")
	var storageErr *store.StorageError
	if !errors.As(err, &storageErr) {
		t.Fatalf("expected StorageError, got %v", err)
	}
	if storageErr.Op != "waiting_list" {
		t.Fatalf("unexpected op %s", storageErr.Op)
	}
}

func TestStatusSummarisesEveryServiceType(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t, memory.NewStore(memory.Options{Accepting: true}))
	for i := 0; i < 2; i++ {
		if _, err := svc.Submit(ctx, "p", "p", "dental"); err != nil {
			t.Fatalf("submit: %v", err)
		}
	}
	if _, err := svc.ServeNext(ctx, "dental"); err != nil {
		t.Fatalf("serve next: %v", err)
	}

	status, err := svc.Status(ctx)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if !status.Accepting || status.QueueDate != "2026-03-02" || len(status.Queues) != 2 {
		t.Fatalf("unexpected status %+v", status)
	}
	medical, dental := status.Queues[0], status.Queues[1]
	if medical.Waiting != 0 || medical.NowServing != nil {
		t.Fatalf("unexpected medical status %+v", medical)
	}
	if dental.Waiting != 1 || dental.NowServing == nil || dental.NowServing.QueueNumber != "D001" {
		t.Fatalf("unexpected dental status %+v", dental)
	}
}
