package storage

import (
	"database/sql"
	"time"

	"github.com/example/ride-dispatch/internal/models"
)

type rideRow struct {
	ID                       string          `db:"id"`
	PassengerID              string          `db:"passenger_id"`
	DriverID                 sql.NullString  `db:"driver_id"`
	PickupLat                float64         `db:"pickup_lat"`
	PickupLon                float64         `db:"pickup_lon"`
	PickupAddress            string          `db:"pickup_address"`
	DestinationLat           float64         `db:"destination_lat"`
	DestinationLon           float64         `db:"destination_lon"`
	DestinationAddress       string          `db:"destination_address"`
	ProposedFare             float64         `db:"proposed_fare"`
	FinalFare                sql.NullFloat64 `db:"final_fare"`
	RideType                 string          `db:"ride_type"`
	DistanceKm               float64         `db:"distance_km"`
	EstimatedDurationMinutes int             `db:"estimated_duration_minutes"`
	Status                   string          `db:"status"`
	CreatedAt                time.Time       `db:"created_at"`
	UpdatedAt                time.Time       `db:"updated_at"`
	AcceptedAt               sql.NullTime    `db:"accepted_at"`
	StartedAt                sql.NullTime    `db:"started_at"`
	CompletedAt              sql.NullTime    `db:"completed_at"`
	CancelledAt              sql.NullTime    `db:"cancelled_at"`
	CancellationReason       sql.NullString  `db:"cancellation_reason"`
	CancelledBy              sql.NullString  `db:"cancelled_by"`
	ActualDistanceKm         sql.NullFloat64 `db:"actual_distance_km"`
	ActualDurationMinutes    sql.NullInt64   `db:"actual_duration_minutes"`
}

func toRideRow(r *models.Ride) rideRow {
	row := rideRow{
		ID:                       r.ID,
		PassengerID:              r.PassengerID,
		DriverID:                 nullString(r.DriverID),
		PickupLat:                r.Pickup.Lat,
		PickupLon:                r.Pickup.Lon,
		PickupAddress:            r.PickupAddress,
		DestinationLat:           r.Destination.Lat,
		DestinationLon:           r.Destination.Lon,
		DestinationAddress:       r.DestinationAddress,
		ProposedFare:             r.ProposedFare,
		RideType:                 string(r.RideType),
		DistanceKm:               r.DistanceKm,
		EstimatedDurationMinutes: r.EstimatedDurationMinutes,
		Status:                   string(r.Status),
		CreatedAt:                r.CreatedAt,
		UpdatedAt:                r.UpdatedAt,
		AcceptedAt:               nullTime(r.AcceptedAt),
		StartedAt:                nullTime(r.StartedAt),
		CompletedAt:              nullTime(r.CompletedAt),
		CancelledAt:              nullTime(r.CancelledAt),
		CancellationReason:       nullString(r.CancellationReason),
		CancelledBy:              nullString(r.CancelledBy),
	}
	if r.FinalFare != nil {
		row.FinalFare = sql.NullFloat64{Float64: *r.FinalFare, Valid: true}
	}
	if r.ActualDistanceKm != nil {
		row.ActualDistanceKm = sql.NullFloat64{Float64: *r.ActualDistanceKm, Valid: true}
	}
	if r.ActualDurationMinutes != nil {
		row.ActualDurationMinutes = sql.NullInt64{Int64: int64(*r.ActualDurationMinutes), Valid: true}
	}
	return row
}

func (row rideRow) toModel() *models.Ride {
	r := &models.Ride{
		ID:                       row.ID,
		PassengerID:              row.PassengerID,
		DriverID:                 row.DriverID.String,
		Pickup:                   models.Coord{Lat: row.PickupLat, Lon: row.PickupLon},
		PickupAddress:            row.PickupAddress,
		Destination:              models.Coord{Lat: row.DestinationLat, Lon: row.DestinationLon},
		DestinationAddress:       row.DestinationAddress,
		ProposedFare:             row.ProposedFare,
		RideType:                 models.RideType(row.RideType),
		DistanceKm:               row.DistanceKm,
		EstimatedDurationMinutes: row.EstimatedDurationMinutes,
		Status:                   models.RideStatus(row.Status),
		CreatedAt:                row.CreatedAt,
		UpdatedAt:                row.UpdatedAt,
		AcceptedAt:               timePtr(row.AcceptedAt),
		StartedAt:                timePtr(row.StartedAt),
		CompletedAt:              timePtr(row.CompletedAt),
		CancelledAt:              timePtr(row.CancelledAt),
		CancellationReason:       row.CancellationReason.String,
		CancelledBy:              row.CancelledBy.String,
	}
	if row.FinalFare.Valid {
		f := row.FinalFare.Float64
		r.FinalFare = &f
	}
	if row.ActualDistanceKm.Valid {
		f := row.ActualDistanceKm.Float64
		r.ActualDistanceKm = &f
	}
	if row.ActualDurationMinutes.Valid {
		n := int(row.ActualDurationMinutes.Int64)
		r.ActualDurationMinutes = &n
	}
	return r
}

// bidRow flattens the driver profile snapshot taken at submission.
type bidRow struct {
	models.Bid
	DriverName   string  `db:"driver_name"`
	DriverRating float64 `db:"driver_rating"`
	VehicleModel string  `db:"vehicle_model"`
	VehicleColor string  `db:"vehicle_color"`
	VehiclePlate string  `db:"vehicle_plate"`
}

func toBidRow(b *models.Bid) bidRow {
	row := bidRow{Bid: *b}
	row.Bid.Driver = nil
	if b.Driver != nil {
		row.DriverName = b.Driver.Name
		row.DriverRating = b.Driver.Rating
		row.VehicleModel = b.Driver.Vehicle.Model
		row.VehicleColor = b.Driver.Vehicle.Color
		row.VehiclePlate = b.Driver.Vehicle.Plate
	}
	return row
}

func (row bidRow) toModel() *models.Bid {
	b := row.Bid
	b.Driver = &models.DriverProfile{
		ID:      row.DriverID,
		Name:    row.DriverName,
		Rating:  row.DriverRating,
		Vehicle: models.Vehicle{Model: row.VehicleModel, Color: row.VehicleColor, Plate: row.VehiclePlate},
	}
	return &b
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}
