package models

import "time"

type EventType string

const (
	EventNewRideAvailable EventType = "new_ride_available"
	EventNewBid           EventType = "new_bid"
	EventRideStatusUpdate EventType = "ride_status_update"
)

type TopicKind string

const (
	TopicRide TopicKind = "ride"
	TopicUser TopicKind = "user"
)

// Topic addresses a set of subscribers: everyone joined to a ride, or every
// connection of one user.
type Topic struct {
	Kind TopicKind `json:"kind"`
	ID   string    `json:"id"`
}

func RideTopic(rideID string) Topic { return Topic{Kind: TopicRide, ID: rideID} }
func UserTopic(userID string) Topic { return Topic{Kind: TopicUser, ID: userID} }

// Event is a hint that dispatch state changed. Clients refresh from the
// ride detail endpoint rather than trusting it as the source of truth.
type Event struct {
	ID      string         `json:"id"`
	Type    EventType      `json:"type"`
	RideID  string         `json:"ride_id"`
	Status  RideStatus     `json:"status,omitempty"`
	Ride    *Ride          `json:"ride,omitempty"`
	Bid     *Bid           `json:"bid,omitempty"`
	Driver  *DriverProfile `json:"driver,omitempty"`
	Reason  string         `json:"reason,omitempty"`
	ActorID string         `json:"actor_id,omitempty"`
	Origin  string         `json:"origin,omitempty"`
	At      time.Time      `json:"timestamp"`
}

// Envelope pairs an event with the topics it is addressed to.
type Envelope struct {
	Event  Event   `json:"event"`
	Topics []Topic `json:"topics"`
}
