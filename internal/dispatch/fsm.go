package dispatch

import "github.com/example/ride-dispatch/internal/models"

// Trigger is an engine operation that may move a ride between statuses.
type Trigger string

const (
	TriggerDriversFound Trigger = "drivers_found"
	TriggerBid          Trigger = "bid"
	TriggerAccept       Trigger = "accept"
	TriggerStart        Trigger = "start"
	TriggerComplete     Trigger = "complete"
	TriggerCancel       Trigger = "cancel"
)

type edge struct {
	from    models.RideStatus
	trigger Trigger
}

// transitions is the ride lifecycle. Anything not listed is refused.
var transitions = map[edge]models.RideStatus{
	{models.StatusSearching, TriggerDriversFound}: models.StatusBidding,
	{models.StatusSearching, TriggerBid}:          models.StatusBidding,
	{models.StatusBidding, TriggerBid}:            models.StatusBidding,
	{models.StatusBidding, TriggerAccept}:         models.StatusAccepted,
	{models.StatusAccepted, TriggerStart}:         models.StatusInProgress,
	{models.StatusInProgress, TriggerComplete}:    models.StatusCompleted,

	{models.StatusSearching, TriggerCancel}:  models.StatusCancelled,
	{models.StatusBidding, TriggerCancel}:    models.StatusCancelled,
	{models.StatusAccepted, TriggerCancel}:   models.StatusCancelled,
	{models.StatusInProgress, TriggerCancel}: models.StatusCancelled,
}

// Next returns the status reached by firing t from status from.
func Next(from models.RideStatus, t Trigger) (models.RideStatus, bool) {
	to, ok := transitions[edge{from, t}]
	return to, ok
}

// CanTransition reports whether some trigger moves a ride from one status to
// a different one.
func CanTransition(from, to models.RideStatus) bool {
	if from == to {
		return false
	}
	for e, next := range transitions {
		if e.from == from && next == to {
			return true
		}
	}
	return false
}
