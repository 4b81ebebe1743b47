package models

import "time"

type Coord struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// Valid reports whether the coordinate lies in the WGS84 lat/lon ranges.
func (c Coord) Valid() bool {
	return c.Lat >= -90 && c.Lat <= 90 && c.Lon >= -180 && c.Lon <= 180
}

type Role string

const (
	RolePassenger Role = "passenger"
	RoleDriver    Role = "driver"
	RoleSystem    Role = "system"
)

type RideStatus string

const (
	StatusSearching  RideStatus = "searching"
	StatusBidding    RideStatus = "bidding"
	StatusAccepted   RideStatus = "accepted"
	StatusInProgress RideStatus = "in_progress"
	StatusCompleted  RideStatus = "completed"
	StatusCancelled  RideStatus = "cancelled"
)

// Terminal reports whether no further transition is possible.
func (s RideStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

// Open reports whether the ride still admits bids.
func (s RideStatus) Open() bool {
	return s == StatusSearching || s == StatusBidding
}

type RideType string

const (
	RideStandard  RideType = "standard"
	RideScheduled RideType = "scheduled"
	RideShared    RideType = "shared"
	RideMultiStop RideType = "multi_stop"
)

func (t RideType) Valid() bool {
	switch t {
	case RideStandard, RideScheduled, RideShared, RideMultiStop:
		return true
	}
	return false
}

type Vehicle struct {
	Model string `json:"model,omitempty"`
	Color string `json:"color,omitempty"`
	Plate string `json:"plate,omitempty"`
}

// Driver is a driver's dispatch availability record together with the
// profile fields shown to passengers.
type Driver struct {
	ID        string    `json:"id"`
	Name      string    `json:"name,omitempty"`
	Rating    float64   `json:"rating"` // 0..5
	Vehicle   Vehicle   `json:"vehicle"`
	Loc       Coord     `json:"loc"`
	Online    bool      `json:"online"`
	Available bool      `json:"available"`
	Updated   time.Time `json:"updated"`
}

// Eligible reports whether the driver may be solicited for a new ride.
func (d Driver) Eligible(now time.Time, staleAfter time.Duration) bool {
	if !d.Online || !d.Available || d.Updated.IsZero() {
		return false
	}
	return now.Sub(d.Updated) <= staleAfter
}

func (d Driver) Profile() DriverProfile {
	return DriverProfile{ID: d.ID, Name: d.Name, Rating: d.Rating, Vehicle: d.Vehicle}
}

type DriverProfile struct {
	ID      string  `json:"id"`
	Name    string  `json:"name,omitempty"`
	Rating  float64 `json:"rating"`
	Vehicle Vehicle `json:"vehicle"`
}

type Ride struct {
	ID                       string     `json:"id"`
	PassengerID              string     `json:"passenger_id"`
	DriverID                 string     `json:"driver_id,omitempty"`
	Pickup                   Coord      `json:"pickup"`
	PickupAddress            string     `json:"pickup_address,omitempty"`
	Destination              Coord      `json:"destination"`
	DestinationAddress       string     `json:"destination_address,omitempty"`
	ProposedFare             float64    `json:"proposed_fare"`
	FinalFare                *float64   `json:"final_fare,omitempty"`
	RideType                 RideType   `json:"ride_type"`
	DistanceKm               float64    `json:"distance_km"`
	EstimatedDurationMinutes int        `json:"estimated_duration_minutes"`
	Status                   RideStatus `json:"status"`
	CreatedAt                time.Time  `json:"created_at"`
	UpdatedAt                time.Time  `json:"updated_at"`
	AcceptedAt               *time.Time `json:"accepted_at,omitempty"`
	StartedAt                *time.Time `json:"started_at,omitempty"`
	CompletedAt              *time.Time `json:"completed_at,omitempty"`
	CancelledAt              *time.Time `json:"cancelled_at,omitempty"`
	CancellationReason       string     `json:"cancellation_reason,omitempty"`
	CancelledBy              string     `json:"cancelled_by,omitempty"`
	ActualDistanceKm         *float64   `json:"actual_distance_km,omitempty"`
	ActualDurationMinutes    *int       `json:"actual_duration_minutes,omitempty"`
}

// Clone returns a deep copy so callers never share pointer fields with a store.
func (r *Ride) Clone() *Ride {
	if r == nil {
		return nil
	}
	c := *r
	c.FinalFare = clonePtr(r.FinalFare)
	c.AcceptedAt = clonePtr(r.AcceptedAt)
	c.StartedAt = clonePtr(r.StartedAt)
	c.CompletedAt = clonePtr(r.CompletedAt)
	c.CancelledAt = clonePtr(r.CancelledAt)
	c.ActualDistanceKm = clonePtr(r.ActualDistanceKm)
	c.ActualDurationMinutes = clonePtr(r.ActualDurationMinutes)
	return &c
}

type BidStatus string

const (
	BidPending  BidStatus = "pending"
	BidAccepted BidStatus = "accepted"
	BidRejected BidStatus = "rejected"
)

type Bid struct {
	ID                      string         `json:"id" db:"id"`
	RideID                  string         `json:"ride_id" db:"ride_id"`
	DriverID                string         `json:"driver_id" db:"driver_id"`
	ProposedFare            float64        `json:"proposed_fare" db:"proposed_fare"`
	EstimatedArrivalMinutes int            `json:"estimated_arrival_minutes" db:"estimated_arrival_minutes"`
	Message                 string         `json:"message,omitempty" db:"message"`
	Status                  BidStatus      `json:"status" db:"status"`
	CreatedAt               time.Time      `json:"created_at" db:"created_at"`
	Driver                  *DriverProfile `json:"driver,omitempty" db:"-"`
}

func (b *Bid) Clone() *Bid {
	if b == nil {
		return nil
	}
	c := *b
	c.Driver = clonePtr(b.Driver)
	return &c
}

// Transition is one committed status change of a ride.
type Transition struct {
	RideID  string     `json:"ride_id" db:"ride_id"`
	From    RideStatus `json:"from" db:"from_status"`
	To      RideStatus `json:"to" db:"to_status"`
	ActorID string     `json:"actor_id,omitempty" db:"actor_id"`
	At      time.Time  `json:"at" db:"created_at"`
}

type CompletionData struct {
	DistanceKm      *float64 `json:"distance_km,omitempty"`
	DurationMinutes *int     `json:"duration_minutes,omitempty"`
}

func clonePtr[T any](p *T) *T {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}
