package postgres

import (
	"context"

	"clinicqueue/internal/models"
	"clinicqueue/internal/store"

	"github.com/jackc/pgx/v5"
)

func (s *Store) ListArchivable(ctx context.Context, beforeDate string, limit int) ([]models.Ticket, error) {
	before, err := models.ParseDay(beforeDate)
	if err != nil {
		return nil, &store.ValidationError{Field: "before", Message: "must be YYYY-MM-DD"}
	}
	if limit <= 0 {
		limit = 500
	}
	rows, err := s.pool.Query(ctx, `
		SELECT `+ticketColumns("")+`
		FROM tickets
		WHERE status IN ('completed', 'cancelled') AND queue_date < $1
		ORDER BY created_at ASC, seq ASC
		LIMIT $2
	`, before, limit)
	if err != nil {
		return nil, err
	}
	return collectTickets(rows)
}

// DeleteTickets removes terminal tickets only; active ones are left in place.
func (s *Store) DeleteTickets(ctx context.Context, ticketIDs []string) (int, error) {
	if len(ticketIDs) == 0 {
		return 0, nil
	}
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM tickets
		WHERE id = ANY($1::uuid[]) AND status IN ('completed', 'cancelled')
	`, ticketIDs)
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}

func (s *Store) PutArchived(ctx context.Context, tickets []models.ArchivedTicket) (inserted int, err error) {
	if len(tickets) == 0 {
		return 0, nil
	}
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return 0, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	for _, ticket := range tickets {
		day, parseErr := models.ParseDay(ticket.QueueDate)
		if parseErr != nil {
			return 0, &store.ValidationError{Field: "queue_date", Message: "must be YYYY-MM-DD"}
		}
		tag, execErr := tx.Exec(ctx, `
			INSERT INTO archived_tickets (
				id, name, id_number, service_type, queue_number, queue_date, status,
				created_at, served_at, completed_at, cancelled_at, archived_at
			) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
			ON CONFLICT (id) DO NOTHING
		`, ticket.ID, ticket.Name, ticket.IDNumber, string(ticket.ServiceType), ticket.QueueNumber, day,
			string(ticket.Status), ticket.CreatedAt, ticket.ServedAt, ticket.CompletedAt, ticket.CancelledAt, ticket.ArchivedAt)
		if execErr != nil {
			return 0, execErr
		}
		inserted += int(tag.RowsAffected())
	}

	if err = tx.Commit(ctx); err != nil {
		return 0, err
	}
	return inserted, nil
}

func (s *Store) ListArchived(ctx context.Context, filter store.TicketFilter) ([]models.ArchivedTicket, error) {
	where, args, err := filterClause(filter)
	if err != nil {
		return nil, err
	}
	rows, err := s.pool.Query(ctx, `
		SELECT `+ticketColumns("")+`, archived_at
		FROM archived_tickets`+where+`
		ORDER BY created_at ASC, id ASC
	`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var archived []models.ArchivedTicket
	for rows.Next() {
		var item models.ArchivedTicket
		ticket, scanErr := scanTicket(rows, &item.ArchivedAt)
		if scanErr != nil {
			return nil, scanErr
		}
		item.Ticket = ticket
		archived = append(archived, item)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return archived, nil
}
