package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"time"

	"clinicqueue/internal/models"

	"github.com/nats-io/nats.go"
)

const SubjectPrefix = "clinicqueue.changes"

func ConnectNATS(url, name string) (*nats.Conn, error) {
	conn, err := nats.Connect(url,
		nats.Name(name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Printf("nats disconnected: %v", err)
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			log.Printf("nats reconnected to %s", c.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}
	return conn, nil
}

// NATSFeed publishes changes to a subject per entity and relays everything
// received on those subjects into the local hub, so every instance sees
// changes made by any other instance.
type NATSFeed struct {
	conn *nats.Conn
	hub  *Hub
	sub  *nats.Subscription
}

func NewNATSFeed(conn *nats.Conn, hub *Hub) *NATSFeed {
	return &NATSFeed{conn: conn, hub: hub}
}

func Subject(entity models.Entity) string {
	return SubjectPrefix + "." + string(entity)
}

func (f *NATSFeed) Publish(ctx context.Context, change models.Change) error {
	data, err := json.Marshal(change)
	if err != nil {
		return err
	}
	return f.conn.Publish(Subject(change.Entity), data)
}

func (f *NATSFeed) Start() error {
	sub, err := f.conn.Subscribe(SubjectPrefix+".>", func(msg *nats.Msg) {
		change, err := decodeChange(msg.Subject, msg.Data)
		if err != nil {
			log.Printf("nats change decode error: %v", err)
			return
		}
		f.hub.Broadcast(change)
	})
	if err != nil {
		return fmt.Errorf("nats subscribe: %w", err)
	}
	f.sub = sub
	return nil
}

func (f *NATSFeed) Close() error {
	if f.sub != nil {
		_ = f.sub.Unsubscribe()
	}
	return f.conn.Drain()
}

func decodeChange(subject string, data []byte) (models.Change, error) {
	var change models.Change
	if len(data) > 0 {
		if err := json.Unmarshal(data, &change); err != nil {
			return models.Change{}, err
		}
	}
	if change.Entity == "" {
		entity := strings.TrimPrefix(subject, SubjectPrefix+".")
		if entity == subject || entity == "" {
			return models.Change{}, fmt.Errorf("unexpected subject %q", subject)
		}
		change.Entity = models.Entity(entity)
	}
	if change.At.IsZero() {
		change.At = time.Now().UTC()
	}
	return change, nil
}
