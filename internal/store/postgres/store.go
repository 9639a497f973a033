package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"clinicqueue/internal/models"
	"clinicqueue/internal/sequence"
	"clinicqueue/internal/store"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

type Store struct {
	pool      *pgxpool.Pool
	sequencer sequence.Sequencer
	outbox    bool
}

type Options struct {
	// Sequencer replaces the ticket_sequences upsert when set.
	Sequencer sequence.Sequencer
	// Outbox records a change row in every mutating transaction.
	Outbox bool
}

func NewStore(pool *pgxpool.Pool, options Options) *Store {
	return &Store{
		pool:      pool,
		sequencer: options.Sequencer,
		outbox:    options.Outbox,
	}
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func ticketColumns(table string) string {
	prefix := ""
	if table != "" {
		prefix = table + "."
	}
	cols := []string{
		prefix + "id::text",
		prefix + "name",
		prefix + "id_number",
		prefix + "service_type",
		prefix + "queue_number",
		"to_char(" + prefix + "queue_date, 'YYYY-MM-DD')",
		prefix + "status",
		prefix + "created_at",
		prefix + "served_at",
		prefix + "completed_at",
		prefix + "cancelled_at",
	}
	return strings.Join(cols, ", ")
}

func scanTicket(row rowScanner, extra ...interface{}) (models.Ticket, error) {
	var ticket models.Ticket
	var serviceType, status string
	var servedAt, completedAt, cancelledAt sql.NullTime
	dest := []interface{}{
		&ticket.ID, &ticket.Name, &ticket.IDNumber, &serviceType, &ticket.QueueNumber,
		&ticket.QueueDate, &status, &ticket.CreatedAt, &servedAt, &completedAt, &cancelledAt,
	}
	dest = append(dest, extra...)
	if err := row.Scan(dest...); err != nil {
		return models.Ticket{}, err
	}
	ticket.ServiceType = models.ServiceType(serviceType)
	ticket.Status = models.Status(status)
	ticket.ServedAt = nullTimePtr(servedAt)
	ticket.CompletedAt = nullTimePtr(completedAt)
	ticket.CancelledAt = nullTimePtr(cancelledAt)
	return ticket, nil
}

func (s *Store) CreateTicket(ctx context.Context, input store.CreateTicketInput) (ticket models.Ticket, err error) {
	day, err := models.ParseDay(input.QueueDate)
	if err != nil {
		return models.Ticket{}, &store.ValidationError{Field: "queue_date", Message: "must be YYYY-MM-DD"}
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.Ticket{}, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
			err = classifyError(err)
		}
	}()

	accepting, err := lockAccepting(ctx, tx)
	if err != nil {
		return models.Ticket{}, err
	}
	if !accepting {
		return models.Ticket{}, store.ErrQueueClosed
	}

	var seq int64
	if s.sequencer != nil {
		seq, err = s.sequencer.Next(ctx, input.ServiceType, input.QueueDate)
	} else {
		seq, err = nextTicketNumber(ctx, tx, input.ServiceType, day)
	}
	if err != nil {
		return models.Ticket{}, err
	}

	createdAt := input.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	row := tx.QueryRow(ctx, `
		INSERT INTO tickets (id, name, id_number, service_type, queue_number, queue_date, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING `+ticketColumns(""),
		uuid.NewString(), input.Name, input.IDNumber, string(input.ServiceType),
		sequence.Format(input.ServiceType, seq), day, string(models.StatusWaiting), createdAt)
	ticket, err = scanTicket(row)
	if err != nil {
		return models.Ticket{}, err
	}

	if err = s.recordChanges(ctx, tx, store.ActionSubmit, ticket); err != nil {
		return models.Ticket{}, err
	}
	if err = tx.Commit(ctx); err != nil {
		return models.Ticket{}, err
	}
	return ticket, nil
}

func (s *Store) GetTicket(ctx context.Context, ticketID string) (models.Ticket, error) {
	if !isUUID(ticketID) {
		return models.Ticket{}, store.ErrTicketNotFound
	}
	row := s.pool.QueryRow(ctx, `SELECT `+ticketColumns("")+` FROM tickets WHERE id = $1`, ticketID)
	ticket, err := scanTicket(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Ticket{}, store.ErrTicketNotFound
		}
		return models.Ticket{}, err
	}
	return ticket, nil
}

func (s *Store) ServeNext(ctx context.Context, input store.ServeNextInput) (result store.ServeResult, err error) {
	day, err := models.ParseDay(input.QueueDate)
	if err != nil {
		return store.ServeResult{}, &store.ValidationError{Field: "queue_date", Message: "must be YYYY-MM-DD"}
	}
	at := input.At
	if at.IsZero() {
		at = time.Now().UTC()
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return store.ServeResult{}, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
			err = classifyError(err)
		}
	}()

	if err = lockQueue(ctx, tx, input.ServiceType, input.QueueDate); err != nil {
		return store.ServeResult{}, err
	}

	row := tx.QueryRow(ctx, `
		UPDATE tickets
		SET status = 'completed', completed_at = $3
		WHERE service_type = $1 AND queue_date = $2 AND status = 'serving'
		RETURNING `+ticketColumns(""),
		string(input.ServiceType), day, at)
	completed, err := scanTicket(row)
	switch {
	case err == nil:
		result.Completed = &completed
	case errors.Is(err, pgx.ErrNoRows):
		err = nil
	default:
		return store.ServeResult{}, err
	}

	row = tx.QueryRow(ctx, `
		WITH next_ticket AS (
			SELECT id
			FROM tickets
			WHERE service_type = $1 AND queue_date = $2 AND status = 'waiting'
			ORDER BY created_at ASC, seq ASC
			LIMIT 1
			FOR UPDATE
		)
		UPDATE tickets
		SET status = 'serving', served_at = $3
		FROM next_ticket
		WHERE tickets.id = next_ticket.id
		RETURNING `+ticketColumns("tickets"),
		string(input.ServiceType), day, at)
	serving, err := scanTicket(row)
	switch {
	case err == nil:
		result.Serving = &serving
	case errors.Is(err, pgx.ErrNoRows):
		err = nil
	default:
		return store.ServeResult{}, err
	}

	if result.Serving != nil {
		_, err = tx.Exec(ctx, `
			UPDATE queue_settings SET current_serving_id = $1, updated_at = $2 WHERE id
		`, result.Serving.ID, at)
	} else if result.Completed != nil {
		err = clearCurrentServing(ctx, tx, result.Completed.ID, at)
	}
	if err != nil {
		return store.ServeResult{}, err
	}

	if result.Serving != nil || result.Completed != nil {
		if err = s.recordChanges(ctx, tx, store.ActionServeNext, result); err != nil {
			return store.ServeResult{}, err
		}
	}
	if err = tx.Commit(ctx); err != nil {
		return store.ServeResult{}, err
	}
	return result, nil
}

func (s *Store) CompleteTicket(ctx context.Context, input store.TicketActionInput) (models.Ticket, error) {
	return s.updateTicketStatus(ctx, input, store.ActionComplete, "completed_at")
}

func (s *Store) CancelTicket(ctx context.Context, input store.TicketActionInput) (models.Ticket, error) {
	return s.updateTicketStatus(ctx, input, store.ActionCancel, "cancelled_at")
}

func (s *Store) updateTicketStatus(ctx context.Context, input store.TicketActionInput, action, timestampColumn string) (ticket models.Ticket, err error) {
	if !isUUID(input.TicketID) {
		return models.Ticket{}, store.ErrTicketNotFound
	}
	at := input.At
	if at.IsZero() {
		at = time.Now().UTC()
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.Ticket{}, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
			err = classifyError(err)
		}
	}()

	serviceType, queueDate, found, err := loadTicketQueue(ctx, tx, input.TicketID)
	if err != nil {
		return models.Ticket{}, err
	}
	if !found {
		return models.Ticket{}, store.ErrTicketNotFound
	}
	if err = lockQueue(ctx, tx, serviceType, queueDate); err != nil {
		return models.Ticket{}, err
	}
	current, found, err := loadTicketStatus(ctx, tx, input.TicketID)
	if err != nil {
		return models.Ticket{}, err
	}
	if !found {
		return models.Ticket{}, store.ErrTicketNotFound
	}
	next, err := store.Transition(action, current)
	if err != nil {
		return models.Ticket{}, err
	}

	row := tx.QueryRow(ctx, `
		UPDATE tickets
		SET status = $2, `+timestampColumn+` = $3
		WHERE id = $1 AND status = $4
		RETURNING `+ticketColumns(""),
		input.TicketID, string(next), at, string(current))
	ticket, err = scanTicket(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Ticket{}, store.ErrInvalidState
		}
		return models.Ticket{}, err
	}

	if next == models.StatusCompleted {
		if err = clearCurrentServing(ctx, tx, ticket.ID, at); err != nil {
			return models.Ticket{}, err
		}
	}
	if err = s.recordChanges(ctx, tx, action, ticket); err != nil {
		return models.Ticket{}, err
	}
	if err = tx.Commit(ctx); err != nil {
		return models.Ticket{}, err
	}
	return ticket, nil
}

func (s *Store) ClearWaiting(ctx context.Context, input store.ClearInput) (count int, err error) {
	day, err := models.ParseDay(input.QueueDate)
	if err != nil {
		return 0, &store.ValidationError{Field: "queue_date", Message: "must be YYYY-MM-DD"}
	}
	at := input.At
	if at.IsZero() {
		at = time.Now().UTC()
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return 0, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
			err = classifyError(err)
		}
	}()

	if err = lockQueue(ctx, tx, input.ServiceType, input.QueueDate); err != nil {
		return 0, err
	}
	tag, err := tx.Exec(ctx, `
		UPDATE tickets
		SET status = 'cancelled', cancelled_at = $3
		WHERE service_type = $1 AND queue_date = $2 AND status = 'waiting'
	`, string(input.ServiceType), day, at)
	if err != nil {
		return 0, err
	}
	count = int(tag.RowsAffected())
	if count > 0 {
		payload := map[string]interface{}{
			"service_type": input.ServiceType,
			"queue_date":   input.QueueDate,
			"cancelled":    count,
		}
		if err = s.recordChanges(ctx, tx, store.ActionClear, payload); err != nil {
			return 0, err
		}
	}
	if err = tx.Commit(ctx); err != nil {
		return 0, err
	}
	return count, nil
}

func (s *Store) ListWaiting(ctx context.Context, serviceType models.ServiceType, queueDate string) ([]models.Ticket, error) {
	day, err := models.ParseDay(queueDate)
	if err != nil {
		return nil, &store.ValidationError{Field: "queue_date", Message: "must be YYYY-MM-DD"}
	}
	rows, err := s.pool.Query(ctx, `
		SELECT `+ticketColumns("")+`
		FROM tickets
		WHERE service_type = $1 AND queue_date = $2 AND status = 'waiting'
		ORDER BY created_at ASC, seq ASC
	`, string(serviceType), day)
	if err != nil {
		return nil, err
	}
	return collectTickets(rows)
}

func (s *Store) CountWaiting(ctx context.Context, serviceType models.ServiceType, queueDate string) (int, error) {
	day, err := models.ParseDay(queueDate)
	if err != nil {
		return 0, &store.ValidationError{Field: "queue_date", Message: "must be YYYY-MM-DD"}
	}
	var count int
	row := s.pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM tickets
		WHERE service_type = $1 AND queue_date = $2 AND status = 'waiting'
	`, string(serviceType), day)
	if err := row.Scan(&count); err != nil {
		return 0, err
	}
	return count, nil
}

func (s *Store) NowServing(ctx context.Context, serviceType models.ServiceType, queueDate string) (models.Ticket, bool, error) {
	day, err := models.ParseDay(queueDate)
	if err != nil {
		return models.Ticket{}, false, &store.ValidationError{Field: "queue_date", Message: "must be YYYY-MM-DD"}
	}
	row := s.pool.QueryRow(ctx, `
		SELECT `+ticketColumns("")+`
		FROM tickets
		WHERE service_type = $1 AND queue_date = $2 AND status = 'serving'
		LIMIT 1
	`, string(serviceType), day)
	ticket, err := scanTicket(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Ticket{}, false, nil
		}
		return models.Ticket{}, false, err
	}
	return ticket, true, nil
}

func (s *Store) GetSettings(ctx context.Context) (models.Settings, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT accepting, current_serving_id::text, updated_at FROM queue_settings WHERE id
	`)
	settings, err := scanSettings(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Settings{Accepting: true}, nil
		}
		return models.Settings{}, err
	}
	return settings, nil
}

func (s *Store) SetAccepting(ctx context.Context, accepting bool, at time.Time) (settings models.Settings, err error) {
	if at.IsZero() {
		at = time.Now().UTC()
	}
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.Settings{}, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
			err = classifyError(err)
		}
	}()

	row := tx.QueryRow(ctx, `
		INSERT INTO queue_settings (id, accepting, updated_at)
		VALUES (TRUE, $1, $2)
		ON CONFLICT (id) DO UPDATE SET accepting = EXCLUDED.accepting, updated_at = EXCLUDED.updated_at
		RETURNING accepting, current_serving_id::text, updated_at
	`, accepting, at)
	settings, err = scanSettings(row)
	if err != nil {
		return models.Settings{}, err
	}
	if err = s.recordChanges(ctx, tx, store.ActionSetAccepting, settings); err != nil {
		return models.Settings{}, err
	}
	if err = tx.Commit(ctx); err != nil {
		return models.Settings{}, err
	}
	return settings, nil
}

func (s *Store) ListTickets(ctx context.Context, filter store.TicketFilter) ([]models.Ticket, error) {
	where, args, err := filterClause(filter)
	if err != nil {
		return nil, err
	}
	rows, err := s.pool.Query(ctx, `
		SELECT `+ticketColumns("")+`
		FROM tickets`+where+`
		ORDER BY created_at ASC, seq ASC
	`, args...)
	if err != nil {
		return nil, err
	}
	return collectTickets(rows)
}

func lockAccepting(ctx context.Context, tx pgx.Tx) (bool, error) {
	var accepting bool
	row := tx.QueryRow(ctx, `SELECT accepting FROM queue_settings WHERE id FOR SHARE`)
	if err := row.Scan(&accepting); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return true, nil
		}
		return false, err
	}
	return accepting, nil
}

// lockQueue serializes serve-next and clear for one (service type, day).
// Single-ticket actions take the same lock, and serve-next waits on row locks
// rather than skipping them, so it always promotes the oldest waiting ticket.
func lockQueue(ctx context.Context, tx pgx.Tx, serviceType models.ServiceType, queueDate string) error {
	_, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, "queue:"+string(serviceType)+":"+queueDate)
	return err
}

func nextTicketNumber(ctx context.Context, tx pgx.Tx, serviceType models.ServiceType, day time.Time) (int64, error) {
	var next int64
	row := tx.QueryRow(ctx, `
		INSERT INTO ticket_sequences (service_type, queue_date, next_number)
		VALUES ($1, $2, 1)
		ON CONFLICT (service_type, queue_date)
		DO UPDATE SET next_number = ticket_sequences.next_number + 1
		RETURNING next_number
	`, string(serviceType), day)
	if err := row.Scan(&next); err != nil {
		return 0, err
	}
	return next, nil
}

func clearCurrentServing(ctx context.Context, tx pgx.Tx, ticketID string, at time.Time) error {
	_, err := tx.Exec(ctx, `
		UPDATE queue_settings
		SET current_serving_id = NULL, updated_at = $2
		WHERE id AND current_serving_id = $1
	`, ticketID, at)
	return err
}

// loadTicketQueue reads the queue a ticket belongs to without locking it.
// Both columns are fixed at insert.
func loadTicketQueue(ctx context.Context, tx pgx.Tx, ticketID string) (models.ServiceType, string, bool, error) {
	var serviceType, queueDate string
	row := tx.QueryRow(ctx, `SELECT service_type, to_char(queue_date, 'YYYY-MM-DD') FROM tickets WHERE id = $1`, ticketID)
	if err := row.Scan(&serviceType, &queueDate); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", "", false, nil
		}
		return "", "", false, err
	}
	return models.ServiceType(serviceType), queueDate, true, nil
}

func loadTicketStatus(ctx context.Context, tx pgx.Tx, ticketID string) (models.Status, bool, error) {
	var status string
	row := tx.QueryRow(ctx, `SELECT status FROM tickets WHERE id = $1 FOR UPDATE`, ticketID)
	if err := row.Scan(&status); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", false, nil
		}
		return "", false, err
	}
	return models.Status(status), true, nil
}

func scanSettings(row rowScanner) (models.Settings, error) {
	var settings models.Settings
	var currentServing sql.NullString
	if err := row.Scan(&settings.Accepting, &currentServing, &settings.UpdatedAt); err != nil {
		return models.Settings{}, err
	}
	settings.CurrentServingID = nullStringPtr(currentServing)
	return settings, nil
}

func collectTickets(rows pgx.Rows) ([]models.Ticket, error) {
	defer rows.Close()
	var tickets []models.Ticket
	for rows.Next() {
		ticket, err := scanTicket(rows)
		if err != nil {
			return nil, err
		}
		tickets = append(tickets, ticket)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return tickets, nil
}

func filterClause(filter store.TicketFilter) (string, []interface{}, error) {
	var conditions []string
	var args []interface{}
	if filter.From != "" {
		from, err := models.ParseDay(filter.From)
		if err != nil {
			return "", nil, &store.ValidationError{Field: "from", Message: "must be YYYY-MM-DD"}
		}
		args = append(args, from)
		conditions = append(conditions, fmt.Sprintf("queue_date >= $%d", len(args)))
	}
	if filter.To != "" {
		to, err := models.ParseDay(filter.To)
		if err != nil {
			return "", nil, &store.ValidationError{Field: "to", Message: "must be YYYY-MM-DD"}
		}
		args = append(args, to)
		conditions = append(conditions, fmt.Sprintf("queue_date <= $%d", len(args)))
	}
	if filter.ServiceType != "" {
		args = append(args, string(filter.ServiceType))
		conditions = append(conditions, fmt.Sprintf("service_type = $%d", len(args)))
	}
	if filter.Status != "" {
		args = append(args, string(filter.Status))
		conditions = append(conditions, fmt.Sprintf("status = $%d", len(args)))
	}
	if len(conditions) == 0 {
		return "", args, nil
	}
	return " WHERE " + strings.Join(conditions, " AND "), args, nil
}

// classifyError maps collisions on the unique indexes and serialization
// failures to store.ErrConflict so callers can retry.
func classifyError(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "23505", "40001", "40P01":
			return fmt.Errorf("%w: %s", store.ErrConflict, pgErr.ConstraintName)
		}
	}
	return err
}

func isUUID(value string) bool {
	_, err := uuid.Parse(value)
	return err == nil
}

func nullTimePtr(value sql.NullTime) *time.Time {
	if !value.Valid {
		return nil
	}
	return &value.Time
}

func nullStringPtr(value sql.NullString) *string {
	if !value.Valid {
		return nil
	}
	return &value.String
}
