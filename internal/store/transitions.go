package store

import "clinicqueue/internal/models"

const (
	ActionSubmit       = "submit"
	ActionServeNext    = "serve_next"
	ActionComplete     = "complete"
	ActionCancel       = "cancel"
	ActionClear        = "clear"
	ActionSetAccepting = "set_accepting"
)

// Serve-next and complete move current_serving_id, so they signal settings too.
var changedEntities = map[string][]models.Entity{
	ActionSubmit:       {models.EntityTicket},
	ActionServeNext:    {models.EntityTicket, models.EntitySettings},
	ActionComplete:     {models.EntityTicket, models.EntitySettings},
	ActionCancel:       {models.EntityTicket},
	ActionClear:        {models.EntityTicket},
	ActionSetAccepting: {models.EntitySettings},
}

var transitionMap = map[string][]models.Status{
	ActionServeNext: {models.StatusWaiting},
	ActionComplete:  {models.StatusServing},
	ActionCancel:    {models.StatusWaiting},
	ActionClear:     {models.StatusWaiting},
}

var transitionTarget = map[string]models.Status{
	ActionServeNext: models.StatusServing,
	ActionComplete:  models.StatusCompleted,
	ActionCancel:    models.StatusCancelled,
	ActionClear:     models.StatusCancelled,
}

func ValidTransition(action string, fromStatus models.Status) bool {
	allowed, ok := transitionMap[action]
	if !ok {
		return false
	}
	for _, status := range allowed {
		if status == fromStatus {
			return true
		}
	}
	return false
}

// Transition returns the status an action moves a ticket into.
func Transition(action string, fromStatus models.Status) (models.Status, error) {
	if !ValidTransition(action, fromStatus) {
		return "", ErrInvalidState
	}
	return transitionTarget[action], nil
}

// ChangedEntities lists the entities an action signals once it has committed.
// Every change feed uses it, so observers see the same signals whichever feed
// delivers them.
func ChangedEntities(action string) []models.Entity {
	entities := changedEntities[action]
	out := make([]models.Entity, len(entities))
	copy(out, entities)
	return out
}
