package report

import (
	"bytes"
	"context"
	"encoding/csv"
	"errors"
	"testing"
	"time"

	"clinicqueue/internal/models"
	"clinicqueue/internal/store"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeLive struct {
	listFn func(ctx context.Context, filter store.TicketFilter) ([]models.Ticket, error)
}

func (f fakeLive) ListTickets(ctx context.Context, filter store.TicketFilter) ([]models.Ticket, error) {
	return f.listFn(ctx, filter)
}

type fakeArchive struct {
	listFn func(ctx context.Context, filter store.TicketFilter) ([]models.ArchivedTicket, error)
}

func (f fakeArchive) ListArchived(ctx context.Context, filter store.TicketFilter) ([]models.ArchivedTicket, error) {
	return f.listFn(ctx, filter)
}

var base = time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)

func ticket(id string, serviceType models.ServiceType, status models.Status, createdOffset, waitMinutes int) models.Ticket {
	t := models.Ticket{
		ID:          id,
		ServiceType: serviceType,
		QueueDate:   "2026-03-02",
		Status:      status,
		CreatedAt:   base.Add(time.Duration(createdOffset) * time.Minute),
	}
	if waitMinutes >= 0 {
		served := t.CreatedAt.Add(time.Duration(waitMinutes) * time.Minute)
		t.ServedAt = &served
	}
	return t
}

func TestComputeStats(t *testing.T) {
	tickets := []models.Ticket{
		ticket("a", models.ServiceMedical, models.StatusCompleted, 0, 5),
		ticket("b", models.ServiceMedical, models.StatusCompleted, 1, 15),
		ticket("c", models.ServiceMedical, models.StatusCancelled, 2, -1),
		ticket("d", models.ServiceMedical, models.StatusWaiting, 3, -1),
	}
	stats := Compute(tickets)
	assert.Equal(t, Stats{TotalQueues: 4, CompletedQueues: 2, CancelledQueues: 1, AverageWaitTime: 10}, stats)
}

func TestComputeRoundsAndIgnoresUnserved(t *testing.T) {
	unserved := ticket("x", models.ServiceDental, models.StatusCompleted, 0, -1)
	odd := ticket("y", models.ServiceDental, models.StatusCompleted, 0, 0)
	served := odd.CreatedAt.Add(100 * time.Second)
	odd.ServedAt = &served

	stats := Compute([]models.Ticket{unserved, odd})
	assert.Equal(t, 2, stats.CompletedQueues)
	assert.Equal(t, 1.67, stats.AverageWaitTime)

	assert.Equal(t, Stats{}, Compute(nil))
}

func TestBuildMergesLiveAndArchive(t *testing.T) {
	stale := ticket("shared", models.ServiceMedical, models.StatusCompleted, 5, 5)
	archivedCopy := stale
	archivedCopy.Name = "archived"

	reporter := NewReporter(
		fakeLive{listFn: func(_ context.Context, filter store.TicketFilter) ([]models.Ticket, error) {
			assert.Equal(t, "2026-03-01", filter.From)
			return []models.Ticket{
				stale,
				ticket("live", models.ServiceDental, models.StatusWaiting, 1, -1),
			}, nil
		}},
		fakeArchive{listFn: func(context.Context, store.TicketFilter) ([]models.ArchivedTicket, error) {
			return []models.ArchivedTicket{
				{Ticket: archivedCopy, ArchivedAt: base},
				{Ticket: ticket("old", models.ServiceMedical, models.StatusCancelled, 0, -1), ArchivedAt: base},
			}, nil
		}},
	)

	result, err := reporter.Build(context.Background(), store.TicketFilter{From: "2026-03-01", To: "2026-03-02"})
	require.NoError(t, err)
	require.Len(t, result.Tickets, 3)
	assert.Equal(t, "old", result.Tickets[0].ID)
	assert.Equal(t, "live", result.Tickets[1].ID)
	assert.Equal(t, "archived", result.Tickets[2].Name)

	assert.Equal(t, 3, result.Stats.TotalQueues)
	assert.Equal(t, 2, result.ByServiceType[models.ServiceMedical].TotalQueues)
	assert.Equal(t, 1, result.ByServiceType[models.ServiceDental].TotalQueues)
	assert.Equal(t, 5.0, result.ByServiceType[models.ServiceMedical].AverageWaitTime)
}

func TestBuildWrapsStorageErrors(t *testing.T) {
	reporter := NewReporter(fakeLive{listFn: func(context.Context, store.TicketFilter) ([]models.Ticket, error) {
		return nil, errors.New("timeout")
	}}, nil)

	_, err := reporter.Build(context.Background(), store.TicketFilter{})
	var storageErr *store.StorageError
	require.True(t, errors.As(err, &storageErr))
	assert.Equal(t, "report", storageErr.Op)
}

func TestParseFilter(t *testing.T) {
	filter, err := ParseFilter("", "", "", "", "2026-03-02")
	require.NoError(t, err)
	assert.Equal(t, store.TicketFilter{From: "2026-03-02", To: "2026-03-02"}, filter)

	filter, err = ParseFilter("2026-03-01", "2026-03-02", "Dental", "completed", "2026-03-02")
	require.NoError(t, err)
	assert.Equal(t, models.ServiceDental, filter.ServiceType)
	assert.Equal(t, models.StatusCompleted, filter.Status)

	cases := []struct {
		from, to, serviceType, status, field string
	}{
		{"2026-03-03", "2026-03-02", "", "", "from"},
		{"03/01/2026", "", "", "", "from"},
		{"", "tomorrow", "", "", "to"},
		{"", "", "xray", "", "service_type"},
		{"", "", "", "lost", "status"},
	}
	for _, c := range cases {
		_, err := ParseFilter(c.from, c.to, c.serviceType, c.status, "2026-03-02")
		var validation *store.ValidationError
		require.True(t, errors.As(err, &validation), "expected validation error for %+v", c)
		assert.Equal(t, c.field, validation.Field)
	}
}

func TestWriteCSV(t *testing.T) {
	var buf bytes.Buffer
	done := ticket("a", models.ServiceMedical, models.StatusCompleted, 0, 5)
	done.QueueNumber = "M001"
	done.Name = "Alice, Jr."
	require.NoError(t, WriteCSV(&buf, []models.Ticket{done}))

	records, err := csv.NewReader(&buf).ReadAll()
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, csvHeader, records[0])
	assert.Equal(t, "M001", records[1][1])
	assert.Equal(t, "Alice, Jr.", records[1][5])
	assert.Equal(t, "5.00", records[1][11])
}
