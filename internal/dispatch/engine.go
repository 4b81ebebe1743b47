// Package dispatch is the ride dispatch engine: ride creation and driver
// solicitation, bid admission and acceptance, and the ride lifecycle.
package dispatch

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/example/ride-dispatch/internal/bidding"
	"github.com/example/ride-dispatch/internal/eta"
	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/keylock"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
	"github.com/example/ride-dispatch/internal/retry"
	"github.com/example/ride-dispatch/internal/storage"
)

const (
	// nearbyPreview is how many candidate drivers Create returns to the passenger.
	nearbyPreview = 5

	ReasonBidTimeout = "bid_timeout"
	SystemActor      = "system"
)

type Config struct {
	SearchRadiusKm float64
	MaxBidsPerRide int
	BidTimeout     time.Duration
	ReadRetry      retry.Policy
	// InstanceID stamps the origin of emitted events.
	InstanceID string
}

func DefaultConfig() Config {
	return Config{
		SearchRadiusKm: 15,
		MaxBidsPerRide: bidding.DefaultMaxPending,
		BidTimeout:     5 * time.Minute,
		ReadRetry:      retry.DefaultPolicy(),
	}
}

// Caller is the verified identity behind an engine call.
type Caller struct {
	ID   string
	Role models.Role
}

// LocationPublisher mirrors driver heartbeats to other consumers.
type LocationPublisher interface {
	PublishLocation(ctx context.Context, d models.Driver) error
}

type Option func(*Engine)

func WithEstimator(est eta.Estimator) Option { return func(e *Engine) { e.eta = est } }

func WithLocationPublisher(p LocationPublisher) Option { return func(e *Engine) { e.locations = p } }

func WithLogger(l *slog.Logger) Option { return func(e *Engine) { e.log = l } }

func WithClock(now func() time.Time) Option { return func(e *Engine) { e.now = now } }

type Engine struct {
	store     storage.Store
	geo       geo.Geo
	ledger    bidding.Ledger
	notifier  Notifier
	eta       eta.Estimator
	locations LocationPublisher
	locks     *keylock.Map
	cfg       Config
	log       *slog.Logger
	now       func() time.Time
	newID     func() string
}

func New(store storage.Store, g geo.Geo, notifier Notifier, cfg Config, opts ...Option) *Engine {
	if cfg.SearchRadiusKm <= 0 {
		cfg.SearchRadiusKm = 15
	}
	if cfg.ReadRetry.Attempts <= 0 {
		cfg.ReadRetry = retry.DefaultPolicy()
	}
	e := &Engine{
		store:    store,
		geo:      g,
		ledger:   bidding.New(cfg.MaxBidsPerRide),
		notifier: notifier,
		eta:      eta.Naive{},
		locks:    keylock.New(),
		cfg:      cfg,
		log:      slog.Default(),
		now:      func() time.Time { return time.Now().UTC() },
		newID:    uuid.NewString,
	}
	for _, o := range opts {
		o(e)
	}
	e.log = e.log.With("component", "dispatch")
	return e
}

type CreateRequest struct {
	Pickup             models.Coord    `json:"pickup"`
	PickupAddress      string          `json:"pickup_address"`
	Destination        models.Coord    `json:"destination"`
	DestinationAddress string          `json:"destination_address"`
	ProposedFare       float64         `json:"proposed_fare"`
	RideType           models.RideType `json:"ride_type"`
}

type CreateResult struct {
	Ride          *models.Ride    `json:"ride"`
	NearbyDrivers int             `json:"nearby_drivers"`
	Drivers       []geo.Candidate `json:"drivers"`
}

// Create opens a ride for the calling passenger. With at least one eligible
// driver nearby the ride goes straight to bidding and every candidate is
// told about it; otherwise it waits in searching for the first bid.
func (e *Engine) Create(ctx context.Context, caller Caller, req CreateRequest) (*CreateResult, error) {
	const op = "create"
	if caller.Role != models.RolePassenger || caller.ID == "" {
		return nil, newError(ErrUnauthorized, op, nil, errors.New("only passengers create rides"))
	}
	if req.RideType == "" {
		req.RideType = models.RideStandard
	}
	switch {
	case !req.Pickup.Valid() || !req.Destination.Valid():
		return nil, newError(ErrInvalidRequest, op, nil, errors.New("coordinates out of range"))
	case req.ProposedFare <= 0 || math.IsNaN(req.ProposedFare) || math.IsInf(req.ProposedFare, 0):
		return nil, newError(ErrInvalidRequest, op, nil, errors.New("proposed fare must be positive"))
	case !req.RideType.Valid():
		return nil, newError(ErrInvalidRequest, op, nil, errors.New("unknown ride type "+string(req.RideType)))
	}

	est, err := e.eta.Estimate(ctx, req.Pickup, req.Destination)
	if err != nil {
		e.log.Warn("trip estimate unavailable", "err", err)
	}
	candidates, err := e.findNearby(ctx, req.Pickup, e.cfg.SearchRadiusKm)
	if err != nil {
		// the ride still opens in searching; drivers can find it by bidding
		e.log.Warn("driver lookup failed at ride creation", "err", err)
		candidates = nil
	}
	observability.DispatchCandidates.Observe(float64(len(candidates)))

	now := e.now()
	ride := &models.Ride{
		ID:                       e.newID(),
		PassengerID:              caller.ID,
		Pickup:                   req.Pickup,
		PickupAddress:            req.PickupAddress,
		Destination:              req.Destination,
		DestinationAddress:       req.DestinationAddress,
		ProposedFare:             req.ProposedFare,
		RideType:                 req.RideType,
		DistanceKm:               math.Round(est.DistanceKm*100) / 100,
		EstimatedDurationMinutes: est.Minutes(),
		Status:                   models.StatusSearching,
		CreatedAt:                now,
		UpdatedAt:                now,
	}
	history := []models.Transition{{RideID: ride.ID, To: models.StatusSearching, ActorID: caller.ID, At: now}}
	if len(candidates) > 0 {
		to, _ := Next(ride.Status, TriggerDriversFound)
		history = append(history, models.Transition{RideID: ride.ID, From: ride.Status, To: to, ActorID: SystemActor, At: now})
		ride.Status = to
	}

	unlock := e.locks.Lock(ride.ID)
	defer unlock()
	if err := e.store.CreateRide(ctx, ride, history...); err != nil {
		return nil, newError(ErrDependencyUnavailable, op, ride, err)
	}
	observability.RidesCreated.WithLabelValues(string(ride.RideType)).Inc()
	e.recordTransitions(history)

	var envs []models.Envelope
	if ride.Status == models.StatusBidding {
		envs = append(envs, e.statusEnvelope(ride, SystemActor, "", now))
	}
	if len(candidates) > 0 {
		topics := make([]models.Topic, 0, len(candidates))
		for _, c := range candidates {
			topics = append(topics, models.UserTopic(c.Driver.ID))
		}
		ev := e.event(models.EventNewRideAvailable, ride, now)
		ev.ActorID = caller.ID
		envs = append(envs, models.Envelope{Event: ev, Topics: topics})
	}
	e.notify(envs...)

	preview := candidates
	if len(preview) > nearbyPreview {
		preview = preview[:nearbyPreview]
	}
	if preview == nil {
		preview = []geo.Candidate{}
	}
	return &CreateResult{Ride: ride.Clone(), NearbyDrivers: len(candidates), Drivers: preview}, nil
}

type BidRequest struct {
	ProposedFare            float64 `json:"proposed_fare"`
	EstimatedArrivalMinutes int     `json:"estimated_arrival_minutes"`
	Message                 string  `json:"message"`
}

// SubmitBid records a pending bid from the calling driver. The first bid on
// a ride still in searching moves it to bidding.
func (e *Engine) SubmitBid(ctx context.Context, caller Caller, rideID string, req BidRequest) (*models.Bid, error) {
	const op = "submit_bid"
	if caller.Role != models.RoleDriver || caller.ID == "" {
		return nil, newError(ErrUnauthorized, op, &models.Ride{ID: rideID}, errors.New("only drivers bid"))
	}
	if req.ProposedFare <= 0 || math.IsNaN(req.ProposedFare) || math.IsInf(req.ProposedFare, 0) || req.EstimatedArrivalMinutes < 0 {
		return nil, newError(ErrInvalidRequest, op, &models.Ride{ID: rideID}, errors.New("fare must be positive and arrival estimate non-negative"))
	}

	// profile lookup happens before the ride lock is taken
	profile := models.DriverProfile{ID: caller.ID}
	d, err := e.geo.Get(ctx, caller.ID)
	switch {
	case errors.Is(err, geo.ErrDriverNotFound):
		return nil, newError(ErrNotFound, op, &models.Ride{ID: rideID}, err)
	case err != nil:
		e.log.Warn("driver profile lookup failed", "driver_id", caller.ID, "err", err)
	default:
		profile = d.Profile()
	}

	var bid *models.Bid
	_, err = e.mutate(ctx, op, rideID, caller.ID, func(c *rideChange) error {
		if !c.ride.Status.Open() {
			return c.fail(ErrRideNotBiddable, nil)
		}
		bid = &models.Bid{
			ID:                      e.newID(),
			RideID:                  rideID,
			DriverID:                caller.ID,
			ProposedFare:            req.ProposedFare,
			EstimatedArrivalMinutes: req.EstimatedArrivalMinutes,
			Message:                 req.Message,
			CreatedAt:               c.now,
			Driver:                  &profile,
		}
		switch err := e.ledger.Admit(c.tx, bid); {
		case errors.Is(err, bidding.ErrDuplicateBid):
			observability.BidRejections.WithLabelValues("duplicate").Inc()
			return c.fail(ErrDuplicateBid, nil)
		case errors.Is(err, bidding.ErrCapExceeded):
			observability.BidRejections.WithLabelValues("cap_exceeded").Inc()
			return c.fail(ErrBidCapExceeded, nil)
		case err != nil:
			return err
		}
		promoted, err := c.fire(TriggerBid)
		if err != nil {
			return err
		}
		if promoted {
			c.emit(e.statusEnvelope(c.ride, caller.ID, "", c.now))
		}
		ev := e.event(models.EventNewBid, c.ride, c.now)
		ev.Bid = bid.Clone()
		ev.Driver = &profile
		ev.ActorID = caller.ID
		c.emit(models.Envelope{Event: ev, Topics: []models.Topic{models.RideTopic(rideID), models.UserTopic(c.ride.PassengerID)}})
		return nil
	})
	if err != nil {
		return nil, err
	}
	observability.BidsSubmitted.Inc()
	return bid.Clone(), nil
}

// AcceptBid fixes the ride's driver and fare to the chosen bid and rejects
// every other pending bid in the same transaction.
func (e *Engine) AcceptBid(ctx context.Context, caller Caller, rideID, bidID string) (*models.Ride, error) {
	const op = "accept_bid"
	return e.mutate(ctx, op, rideID, caller.ID, func(c *rideChange) error {
		if caller.ID == "" || caller.ID != c.ride.PassengerID {
			return c.fail(ErrUnauthorized, errors.New("only the ride's passenger accepts bids"))
		}
		if _, ok := Next(c.ride.Status, TriggerAccept); !ok {
			return c.fail(ErrInvalidState, nil)
		}
		winner, rejected, err := e.ledger.Resolve(c.tx, bidID)
		if errors.Is(err, bidding.ErrBidNotFound) {
			return c.fail(ErrBidNotFound, nil)
		}
		if err != nil {
			return err
		}
		fare := winner.ProposedFare
		at := c.now
		c.ride.DriverID = winner.DriverID
		c.ride.FinalFare = &fare
		c.ride.AcceptedAt = &at
		if _, err := c.fire(TriggerAccept); err != nil {
			return err
		}

		env := e.statusEnvelope(c.ride, caller.ID, "", c.now)
		env.Event.Bid = winner.Clone()
		env.Event.Driver = winner.Driver
		if env.Event.Driver == nil {
			env.Event.Driver = &models.DriverProfile{ID: winner.DriverID}
		}
		env.Topics = appendBidders(env.Topics, rejected)
		c.emit(env)
		return nil
	})
}

// Start moves an accepted ride to in_progress. Only the assigned driver may.
func (e *Engine) Start(ctx context.Context, caller Caller, rideID string) (*models.Ride, error) {
	const op = "start"
	return e.mutate(ctx, op, rideID, caller.ID, func(c *rideChange) error {
		if err := c.requireDriver(caller); err != nil {
			return err
		}
		at := c.now
		c.ride.StartedAt = &at
		if _, err := c.fire(TriggerStart); err != nil {
			return err
		}
		c.emit(e.statusEnvelope(c.ride, caller.ID, "", c.now))
		return nil
	})
}

// Complete finishes an in-progress ride. A replay on a completed ride fails
// with ErrInvalidState and leaves the ride untouched.
func (e *Engine) Complete(ctx context.Context, caller Caller, rideID string, data models.CompletionData) (*models.Ride, error) {
	const op = "complete"
	return e.mutate(ctx, op, rideID, caller.ID, func(c *rideChange) error {
		if err := c.requireDriver(caller); err != nil {
			return err
		}
		if data.DistanceKm != nil && *data.DistanceKm < 0 || data.DurationMinutes != nil && *data.DurationMinutes < 0 {
			return c.fail(ErrInvalidRequest, errors.New("completion data must be non-negative"))
		}
		if _, ok := Next(c.ride.Status, TriggerComplete); !ok {
			return c.fail(ErrInvalidState, nil)
		}
		at := c.now
		c.ride.CompletedAt = &at
		c.ride.ActualDistanceKm = data.DistanceKm
		c.ride.ActualDurationMinutes = data.DurationMinutes
		if _, err := c.fire(TriggerComplete); err != nil {
			return err
		}
		c.emit(e.statusEnvelope(c.ride, caller.ID, "", c.now))
		return nil
	})
}

// Cancel ends a non-terminal ride and rejects its pending bids. The
// passenger, the assigned driver and the system sweep may cancel.
func (e *Engine) Cancel(ctx context.Context, caller Caller, rideID, reason string) (*models.Ride, error) {
	const op = "cancel"
	return e.mutate(ctx, op, rideID, caller.ID, func(c *rideChange) error {
		allowed := caller.Role == models.RoleSystem ||
			(caller.ID != "" && (caller.ID == c.ride.PassengerID || caller.ID == c.ride.DriverID))
		if !allowed {
			return c.fail(ErrUnauthorized, errors.New("only the passenger or assigned driver cancels"))
		}
		if _, ok := Next(c.ride.Status, TriggerCancel); !ok {
			return c.fail(ErrInvalidState, nil)
		}
		rejected, err := e.ledger.RejectAll(c.tx)
		if err != nil {
			return err
		}
		at := c.now
		by := caller.ID
		if caller.Role == models.RoleSystem {
			by = SystemActor
		}
		c.ride.CancelledAt = &at
		c.ride.CancellationReason = reason
		c.ride.CancelledBy = by
		if _, err := c.fire(TriggerCancel); err != nil {
			return err
		}
		env := e.statusEnvelope(c.ride, by, reason, c.now)
		env.Topics = appendBidders(env.Topics, rejected)
		c.emit(env)
		return nil
	})
}

// FindNearby lists eligible drivers around point, closest first. Transient
// index failures are retried.
func (e *Engine) FindNearby(ctx context.Context, point models.Coord, radiusKm float64) ([]geo.Candidate, error) {
	const op = "find_nearby"
	if !point.Valid() {
		return nil, newError(ErrInvalidRequest, op, nil, errors.New("coordinates out of range"))
	}
	if radiusKm <= 0 {
		radiusKm = e.cfg.SearchRadiusKm
	}
	out, err := e.findNearby(ctx, point, radiusKm)
	if err != nil {
		return nil, newError(ErrDependencyUnavailable, op, nil, err)
	}
	return out, nil
}

func (e *Engine) findNearby(ctx context.Context, point models.Coord, radiusKm float64) ([]geo.Candidate, error) {
	var out []geo.Candidate
	err := retry.Do(ctx, e.cfg.ReadRetry, func(ctx context.Context) error {
		var err error
		out, err = e.geo.FindNearby(ctx, point, radiusKm)
		return err
	})
	return out, err
}

// ListPending returns the ride's pending bids oldest first.
func (e *Engine) ListPending(ctx context.Context, rideID string) ([]*models.Bid, error) {
	var out []*models.Bid
	err := e.read(ctx, "list_pending", rideID, func(ctx context.Context) error {
		var err error
		out, err = e.ledger.ListPending(ctx, e.store, rideID)
		return err
	})
	return out, err
}

// GetRide is the pull-based reconciliation path for clients.
func (e *Engine) GetRide(ctx context.Context, rideID string) (*models.Ride, error) {
	var out *models.Ride
	err := e.read(ctx, "get_ride", rideID, func(ctx context.Context) error {
		var err error
		out, err = e.store.GetRide(ctx, rideID)
		return err
	})
	return out, err
}

// History returns the ride's committed status transitions in order.
func (e *Engine) History(ctx context.Context, rideID string) ([]models.Transition, error) {
	var out []models.Transition
	err := e.read(ctx, "history", rideID, func(ctx context.Context) error {
		var err error
		out, err = e.store.History(ctx, rideID)
		return err
	})
	return out, err
}

func (e *Engine) read(ctx context.Context, op, rideID string, fn func(ctx context.Context) error) error {
	p := e.cfg.ReadRetry
	p.Retryable = func(err error) bool { return !errors.Is(err, storage.ErrNotFound) }
	err := retry.Do(ctx, p, fn)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, storage.ErrNotFound):
		return newError(ErrNotFound, op, &models.Ride{ID: rideID}, nil)
	default:
		return newError(ErrDependencyUnavailable, op, &models.Ride{ID: rideID}, err)
	}
}

type HeartbeatRequest struct {
	Lat       float64        `json:"lat"`
	Lon       float64        `json:"lon"`
	Online    bool           `json:"online"`
	Available bool           `json:"available"`
	Name      string         `json:"name"`
	Rating    float64        `json:"rating"`
	Vehicle   models.Vehicle `json:"vehicle"`
}

// Heartbeat writes the calling driver's availability record. Each driver is
// the only writer of its own record.
func (e *Engine) Heartbeat(ctx context.Context, caller Caller, req HeartbeatRequest) (models.Driver, error) {
	const op = "heartbeat"
	if caller.Role != models.RoleDriver || caller.ID == "" {
		return models.Driver{}, newError(ErrUnauthorized, op, nil, errors.New("only drivers send heartbeats"))
	}
	loc := models.Coord{Lat: req.Lat, Lon: req.Lon}
	if !loc.Valid() {
		return models.Driver{}, newError(ErrInvalidRequest, op, nil, errors.New("coordinates out of range"))
	}
	if req.Rating < 0 || req.Rating > 5 {
		return models.Driver{}, newError(ErrInvalidRequest, op, nil, errors.New("rating must be within 0..5"))
	}
	d := models.Driver{
		ID:        caller.ID,
		Name:      req.Name,
		Rating:    req.Rating,
		Vehicle:   req.Vehicle,
		Loc:       loc,
		Online:    req.Online,
		Available: req.Available,
		Updated:   e.now(),
	}
	if err := e.geo.Upsert(ctx, d); err != nil {
		return models.Driver{}, newError(ErrDependencyUnavailable, op, nil, err)
	}
	if e.locations != nil {
		if err := e.locations.PublishLocation(ctx, d); err != nil {
			e.log.Warn("heartbeat mirror failed", "driver_id", d.ID, "err", err)
		}
	}
	return d, nil
}

// ExpireStale cancels rides that have waited in searching or bidding longer
// than the bid timeout. It returns how many it cancelled.
func (e *Engine) ExpireStale(ctx context.Context, now time.Time) (int, error) {
	timeout := e.cfg.BidTimeout
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	rides, err := e.store.ListOpenRides(ctx, now.Add(-timeout))
	if err != nil {
		return 0, newError(ErrDependencyUnavailable, "expire_stale", nil, err)
	}
	system := Caller{ID: SystemActor, Role: models.RoleSystem}
	n := 0
	for _, r := range rides {
		if err := ctx.Err(); err != nil {
			return n, err
		}
		_, err := e.Cancel(ctx, system, r.ID, ReasonBidTimeout)
		switch {
		case err == nil:
			n++
		case errors.Is(err, ErrInvalidState):
			// accepted or cancelled since it was listed
		default:
			e.log.Error("expire ride failed", "ride_id", r.ID, "err", err)
		}
	}
	return n, nil
}

// CanObserve reports whether caller may join the ride's realtime topic: the
// passenger, the assigned driver, or any driver while bids are open.
func (e *Engine) CanObserve(ctx context.Context, caller Caller, rideID string) (bool, error) {
	r, err := e.GetRide(ctx, rideID)
	if err != nil {
		return false, err
	}
	switch {
	case caller.Role == models.RoleSystem:
		return true, nil
	case caller.ID == "":
		return false, nil
	case caller.ID == r.PassengerID, caller.ID == r.DriverID:
		return true, nil
	case caller.Role == models.RoleDriver && r.Status.Open():
		return true, nil
	}
	return false, nil
}

// rideChange accumulates one locked ride's mutations and the events they
// produce until the transaction commits.
type rideChange struct {
	op     string
	tx     storage.RideTx
	ride   *models.Ride
	actor  string
	now    time.Time
	fired  []models.Transition
	events []models.Envelope
}

// fire applies trigger t to the ride. It reports whether the status changed.
func (c *rideChange) fire(t Trigger) (bool, error) {
	from := c.ride.Status
	to, ok := Next(from, t)
	if !ok {
		return false, c.fail(ErrInvalidState, nil)
	}
	if to == from {
		return false, nil
	}
	c.ride.Status = to
	c.ride.UpdatedAt = c.now
	tr := models.Transition{RideID: c.ride.ID, From: from, To: to, ActorID: c.actor, At: c.now}
	if err := c.tx.AppendTransition(tr); err != nil {
		return false, err
	}
	c.fired = append(c.fired, tr)
	return true, nil
}

func (c *rideChange) requireDriver(caller Caller) error {
	if caller.ID == "" || caller.ID != c.ride.DriverID {
		return c.fail(ErrUnauthorized, errors.New("only the assigned driver"))
	}
	return nil
}

func (c *rideChange) fail(kind, cause error) *Error {
	return newError(kind, c.op, c.ride, cause)
}

func (c *rideChange) emit(env models.Envelope) { c.events = append(c.events, env) }

// mutate runs fn against the locked ride inside a store transaction. Events
// are handed to the notifier after commit while the ride lock is still held,
// so subscribers see a ride's events in commit order.
func (e *Engine) mutate(ctx context.Context, op, rideID, actor string, fn func(c *rideChange) error) (*models.Ride, error) {
	unlock := e.locks.Lock(rideID)
	defer unlock()

	var c *rideChange
	err := e.store.InTx(ctx, rideID, func(tx storage.RideTx) error {
		c = &rideChange{op: op, tx: tx, ride: tx.Ride(), actor: actor, now: e.now()}
		if err := fn(c); err != nil {
			return err
		}
		if len(c.fired) > 0 {
			return tx.SaveRide(c.ride)
		}
		return nil
	})
	if err != nil {
		var de *Error
		switch {
		case errors.As(err, &de):
			return nil, de
		case errors.Is(err, storage.ErrNotFound):
			return nil, newError(ErrNotFound, op, &models.Ride{ID: rideID}, nil)
		default:
			var r *models.Ride
			if c != nil {
				r = c.ride
			} else {
				r = &models.Ride{ID: rideID}
			}
			return nil, newError(ErrDependencyUnavailable, op, r, err)
		}
	}
	e.recordTransitions(c.fired)
	e.notify(c.events...)
	return c.ride.Clone(), nil
}

func (e *Engine) recordTransitions(ts []models.Transition) {
	for _, t := range ts {
		if t.From == "" {
			continue
		}
		observability.RideTransitions.WithLabelValues(string(t.From), string(t.To)).Inc()
		e.log.Info("ride transition", "ride_id", t.RideID, "from", t.From, "to", t.To, "actor", t.ActorID)
	}
}

func (e *Engine) notify(envs ...models.Envelope) {
	if e.notifier == nil || len(envs) == 0 {
		return
	}
	e.notifier.Notify(envs...)
}

func (e *Engine) event(t models.EventType, r *models.Ride, at time.Time) models.Event {
	return models.Event{
		ID:     e.newID(),
		Type:   t,
		RideID: r.ID,
		Status: r.Status,
		Ride:   r.Clone(),
		Origin: e.cfg.InstanceID,
		At:     at,
	}
}

// statusEnvelope addresses a ride_status_update to the ride's subscribers
// and to its passenger and assigned driver wherever they are connected.
func (e *Engine) statusEnvelope(r *models.Ride, actor, reason string, at time.Time) models.Envelope {
	ev := e.event(models.EventRideStatusUpdate, r, at)
	ev.ActorID = actor
	ev.Reason = reason
	topics := []models.Topic{models.RideTopic(r.ID), models.UserTopic(r.PassengerID)}
	if r.DriverID != "" {
		topics = append(topics, models.UserTopic(r.DriverID))
	}
	return models.Envelope{Event: ev, Topics: topics}
}

func appendBidders(topics []models.Topic, bids []*models.Bid) []models.Topic {
	for _, b := range bids {
		topics = append(topics, models.UserTopic(b.DriverID))
	}
	return topics
}
