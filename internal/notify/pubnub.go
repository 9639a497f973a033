package notify

import (
	"log"

	"clinicqueue/internal/models"

	pubnub "github.com/pubnub/go"
)

func NewPubNubClient(publishKey, subscribeKey, userID string) *pubnub.PubNub {
	cfg := pubnub.NewConfig()
	cfg.PublishKey = publishKey
	cfg.SubscribeKey = subscribeKey
	cfg.UUID = userID
	return pubnub.NewPubNub(cfg)
}

// PubNubForwarder relays hub changes to a PubNub channel for display boards
// that cannot hold a connection to this service.
type PubNubForwarder struct {
	channel string
	publish func(channel string, message interface{}) error
}

func NewPubNubForwarder(pn *pubnub.PubNub, channel string) *PubNubForwarder {
	return &PubNubForwarder{
		channel: channel,
		publish: func(channel string, message interface{}) error {
			_, _, err := pn.Publish().Channel(channel).Message(message).Execute()
			return err
		},
	}
}

func (f *PubNubForwarder) Forward(change models.Change) {
	message := map[string]interface{}{
		"entity": string(change.Entity),
		"at":     change.At.UTC().Format("2006-01-02T15:04:05.000Z07:00"),
	}
	if err := f.publish(f.channel, message); err != nil {
		log.Printf("pubnub publish error: %v", err)
	}
}

func (f *PubNubForwarder) Attach(h *Hub) Handle {
	return h.Subscribe(f.Forward)
}
