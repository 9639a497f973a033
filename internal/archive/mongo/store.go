package mongo

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"clinicqueue/internal/models"
	"clinicqueue/internal/store"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

const (
	collectionName   = "archived_tickets"
	duplicateKeyCode = 11000
)

type document struct {
	ID          string     `bson:"id"`
	Name        string     `bson:"name"`
	IDNumber    string     `bson:"id_number"`
	ServiceType string     `bson:"service_type"`
	QueueNumber string     `bson:"queue_number"`
	QueueDate   string     `bson:"queue_date"`
	Status      string     `bson:"status"`
	CreatedAt   time.Time  `bson:"created_at"`
	ServedAt    *time.Time `bson:"served_at,omitempty"`
	CompletedAt *time.Time `bson:"completed_at,omitempty"`
	CancelledAt *time.Time `bson:"cancelled_at,omitempty"`
	ArchivedAt  time.Time  `bson:"archived_at"`
}

// Store keeps archived tickets in one collection keyed by the original ticket id.
type Store struct {
	client     *mongo.Client
	collection *mongo.Collection
}

func Connect(ctx context.Context, uri, database string) (*Store, error) {
	clientOptions := options.Client().ApplyURI(uri).
		SetConnectTimeout(10 * time.Second).
		SetServerSelectionTimeout(10 * time.Second)

	client, err := mongo.Connect(ctx, clientOptions)
	if err != nil {
		return nil, fmt.Errorf("cannot connect to MongoDB: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("cannot ping MongoDB: %w", err)
	}

	st := &Store{client: client, collection: client.Database(database).Collection(collectionName)}
	if err := st.ensureIndexes(ctx); err != nil {
		_ = client.Disconnect(ctx)
		return nil, err
	}
	log.Printf("mongo archive connected database=%s collection=%s", database, collectionName)
	return st, nil
}

func (s *Store) ensureIndexes(ctx context.Context) error {
	_, err := s.collection.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "id", Value: 1}},
			Options: options.Index().SetUnique(true),
		},
		{
			Keys: bson.D{{Key: "queue_date", Value: 1}, {Key: "service_type", Value: 1}},
		},
	})
	if err != nil {
		return fmt.Errorf("cannot create archive indexes: %w", err)
	}
	return nil
}

func (s *Store) Close(ctx context.Context) error {
	if err := s.client.Disconnect(ctx); err != nil {
		return fmt.Errorf("cannot disconnect from MongoDB: %w", err)
	}
	return nil
}

// PutArchived inserts tickets whose id is not yet archived and leaves existing
// documents untouched. It returns the number of new documents.
func (s *Store) PutArchived(ctx context.Context, tickets []models.ArchivedTicket) (int, error) {
	if len(tickets) == 0 {
		return 0, nil
	}
	writes := make([]mongo.WriteModel, 0, len(tickets))
	for _, ticket := range tickets {
		writes = append(writes, mongo.NewUpdateOneModel().
			SetFilter(bson.M{"id": ticket.ID}).
			SetUpdate(bson.M{"$setOnInsert": toDocument(ticket)}).
			SetUpsert(true))
	}
	result, err := s.collection.BulkWrite(ctx, writes, options.BulkWrite().SetOrdered(false))
	if err != nil {
		// Concurrent upserts of one id race on the unique index; the loser is
		// already archived, so only the other writes count.
		if onlyDuplicateKeys(err) {
			if result == nil {
				return 0, nil
			}
			return int(result.UpsertedCount), nil
		}
		return 0, fmt.Errorf("cannot archive tickets: %w", err)
	}
	return int(result.UpsertedCount), nil
}

func onlyDuplicateKeys(err error) bool {
	var bulk mongo.BulkWriteException
	if !errors.As(err, &bulk) {
		return false
	}
	if bulk.WriteConcernError != nil || len(bulk.WriteErrors) == 0 {
		return false
	}
	for _, writeErr := range bulk.WriteErrors {
		if writeErr.Code != duplicateKeyCode {
			return false
		}
	}
	return true
}

func (s *Store) ListArchived(ctx context.Context, filter store.TicketFilter) ([]models.ArchivedTicket, error) {
	query := bson.M{}
	dates := bson.M{}
	if filter.From != "" {
		dates["$gte"] = filter.From
	}
	if filter.To != "" {
		dates["$lte"] = filter.To
	}
	if len(dates) > 0 {
		query["queue_date"] = dates
	}
	if filter.ServiceType != "" {
		query["service_type"] = string(filter.ServiceType)
	}
	if filter.Status != "" {
		query["status"] = string(filter.Status)
	}

	opts := options.Find().SetSort(bson.D{{Key: "created_at", Value: 1}, {Key: "id", Value: 1}})
	cursor, err := s.collection.Find(ctx, query, opts)
	if err != nil {
		return nil, fmt.Errorf("cannot find archived tickets: %w", err)
	}
	defer cursor.Close(ctx)

	var docs []document
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("cannot decode archived tickets: %w", err)
	}
	archived := make([]models.ArchivedTicket, 0, len(docs))
	for _, doc := range docs {
		archived = append(archived, fromDocument(doc))
	}
	return archived, nil
}

func toDocument(ticket models.ArchivedTicket) document {
	return document{
		ID:          ticket.ID,
		Name:        ticket.Name,
		IDNumber:    ticket.IDNumber,
		ServiceType: string(ticket.ServiceType),
		QueueNumber: ticket.QueueNumber,
		QueueDate:   ticket.QueueDate,
		Status:      string(ticket.Status),
		CreatedAt:   ticket.CreatedAt.UTC(),
		ServedAt:    utcPtr(ticket.ServedAt),
		CompletedAt: utcPtr(ticket.CompletedAt),
		CancelledAt: utcPtr(ticket.CancelledAt),
		ArchivedAt:  ticket.ArchivedAt.UTC(),
	}
}

func fromDocument(doc document) models.ArchivedTicket {
	return models.ArchivedTicket{
		Ticket: models.Ticket{
			ID:          doc.ID,
			Name:        doc.Name,
			IDNumber:    doc.IDNumber,
			ServiceType: models.ServiceType(doc.ServiceType),
			QueueNumber: doc.QueueNumber,
			QueueDate:   doc.QueueDate,
			Status:      models.Status(doc.Status),
			CreatedAt:   doc.CreatedAt.UTC(),
			ServedAt:    utcPtr(doc.ServedAt),
			CompletedAt: utcPtr(doc.CompletedAt),
			CancelledAt: utcPtr(doc.CancelledAt),
		},
		ArchivedAt: doc.ArchivedAt.UTC(),
	}
}

func utcPtr(value *time.Time) *time.Time {
	if value == nil {
		return nil
	}
	utc := value.UTC()
	return &utc
}
