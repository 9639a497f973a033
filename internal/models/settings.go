package models

import "time"

type Settings struct {
	Accepting        bool      `json:"accepting"`
	CurrentServingID *string   `json:"current_serving_id,omitempty"`
	UpdatedAt        time.Time `json:"updated_at"`
}

type Entity string

const (
	EntityTicket   Entity = "ticket"
	EntitySettings Entity = "settings"
)

// Change is an invalidation signal. Observers re-query on receipt.
type Change struct {
	Entity Entity    `json:"entity"`
	At     time.Time `json:"at"`
}
