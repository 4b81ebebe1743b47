package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/logging"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/retry"
	"github.com/example/ride-dispatch/internal/storage"
)

var (
	pickup      = models.Coord{Lat: 27.7172, Lon: 85.3240}
	destination = models.Coord{Lat: 27.6727, Lon: 85.3253}
	passenger   = Caller{ID: "p1", Role: models.RolePassenger}
)

type recorder struct {
	mu   sync.Mutex
	envs []models.Envelope
}

func (r *recorder) Notify(envs ...models.Envelope) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.envs = append(r.envs, envs...)
}

func (r *recorder) all() []models.Envelope {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]models.Envelope(nil), r.envs...)
}

func (r *recorder) types() []models.EventType {
	var out []models.EventType
	for _, env := range r.all() {
		out = append(out, env.Event.Type)
	}
	return out
}

func (r *recorder) reset() {
	r.mu.Lock()
	r.envs = nil
	r.mu.Unlock()
}

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type harness struct {
	engine *Engine
	store  *storage.MemoryStore
	index  *geo.Index
	events *recorder
	clock  *testClock
}

func newHarness(t *testing.T, mutate ...func(*Config)) *harness {
	t.Helper()
	cfg := DefaultConfig()
	cfg.ReadRetry = retry.Policy{Attempts: 3, BaseDelay: time.Millisecond}
	cfg.InstanceID = "test"
	for _, m := range mutate {
		m(&cfg)
	}
	h := &harness{
		store:  storage.NewMemoryStore(),
		index:  geo.NewIndex(2 * time.Minute),
		events: &recorder{},
		clock:  &testClock{t: time.Now().UTC()},
	}
	h.engine = New(h.store, h.index, h.events, cfg, WithClock(h.clock.Now), WithLogger(logging.Discard()))
	return h
}

func (h *harness) addDriver(t *testing.T, id string, dLat float64) {
	t.Helper()
	require.NoError(t, h.index.Upsert(context.Background(), models.Driver{
		ID:        id,
		Name:      "Driver " + id,
		Rating:    4.5,
		Vehicle:   models.Vehicle{Model: "Alto", Color: "white", Plate: "BA " + id},
		Loc:       models.Coord{Lat: pickup.Lat + dLat, Lon: pickup.Lon},
		Online:    true,
		Available: true,
		Updated:   time.Now(),
	}))
}

// ensureDriver registers id with the index unless it is already known. The
// record sits well outside the search radius so it never shows up as a
// candidate for new rides.
func (h *harness) ensureDriver(t *testing.T, id string) {
	t.Helper()
	if _, err := h.index.Get(context.Background(), id); err == nil {
		return
	}
	h.addDriver(t, id, 1.0)
}

func (h *harness) create(t *testing.T) *models.Ride {
	t.Helper()
	res, err := h.engine.Create(context.Background(), passenger, CreateRequest{
		Pickup:       pickup,
		Destination:  destination,
		ProposedFare: 150,
	})
	require.NoError(t, err)
	return res.Ride
}

func (h *harness) bid(t *testing.T, rideID, driverID string, fare float64) *models.Bid {
	t.Helper()
	h.ensureDriver(t, driverID)
	b, err := h.engine.SubmitBid(context.Background(), driver(driverID), rideID, BidRequest{ProposedFare: fare, EstimatedArrivalMinutes: 5})
	require.NoError(t, err)
	return b
}

func (h *harness) bidStatus(t *testing.T, rideID, bidID string) models.BidStatus {
	t.Helper()
	var status models.BidStatus
	require.NoError(t, h.store.InTx(context.Background(), rideID, func(tx storage.RideTx) error {
		b, err := tx.GetBid(bidID)
		if err != nil {
			return err
		}
		status = b.Status
		return nil
	}))
	return status
}

func driver(id string) Caller { return Caller{ID: id, Role: models.RoleDriver} }

func TestCreateWithNearbyDriversStartsBidding(t *testing.T) {
	h := newHarness(t)
	h.addDriver(t, "d1", 0.01)
	h.addDriver(t, "d2", 0.02)
	h.addDriver(t, "d3", 0.03)

	res, err := h.engine.Create(context.Background(), passenger, CreateRequest{
		Pickup: pickup, PickupAddress: "Thamel", Destination: destination, ProposedFare: 150, RideType: models.RideShared,
	})
	require.NoError(t, err)
	assert.Equal(t, models.StatusBidding, res.Ride.Status)
	assert.Equal(t, 3, res.NearbyDrivers)
	require.Len(t, res.Drivers, 3)
	assert.Equal(t, "d1", res.Drivers[0].Driver.ID)
	assert.Greater(t, res.Ride.DistanceKm, 4.0)
	assert.Greater(t, res.Ride.EstimatedDurationMinutes, 0)

	envs := h.events.all()
	require.Len(t, envs, 2)
	assert.Equal(t, models.EventRideStatusUpdate, envs[0].Event.Type)
	assert.Equal(t, models.StatusBidding, envs[0].Event.Status)
	assert.Equal(t, models.EventNewRideAvailable, envs[1].Event.Type)
	assert.ElementsMatch(t, []models.Topic{
		models.UserTopic("d1"), models.UserTopic("d2"), models.UserTopic("d3"),
	}, envs[1].Topics)

	hist, err := h.engine.History(context.Background(), res.Ride.ID)
	require.NoError(t, err)
	require.Len(t, hist, 2)
	assert.Equal(t, models.StatusSearching, hist[0].To)
	assert.Equal(t, models.StatusBidding, hist[1].To)
}

func TestCreatePreviewIsCapped(t *testing.T) {
	h := newHarness(t)
	for i := 0; i < 8; i++ {
		h.addDriver(t, fmt.Sprintf("d%d", i), 0.001*float64(i+1))
	}
	res, err := h.engine.Create(context.Background(), passenger, CreateRequest{Pickup: pickup, Destination: destination, ProposedFare: 100})
	require.NoError(t, err)
	assert.Equal(t, 8, res.NearbyDrivers)
	assert.Len(t, res.Drivers, 5)
}

func TestAcceptLowestBidScenario(t *testing.T) {
	h := newHarness(t)
	h.addDriver(t, "d1", 0.01)
	h.addDriver(t, "d2", 0.02)
	h.addDriver(t, "d3", 0.03)
	ride := h.create(t)
	require.Equal(t, models.StatusBidding, ride.Status)

	cheap := h.bid(t, ride.ID, "d1", 120)
	dear := h.bid(t, ride.ID, "d2", 150)
	assert.Equal(t, "Driver d1", cheap.Driver.Name)

	accepted, err := h.engine.AcceptBid(context.Background(), passenger, ride.ID, cheap.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusAccepted, accepted.Status)
	assert.Equal(t, "d1", accepted.DriverID)
	require.NotNil(t, accepted.FinalFare)
	assert.Equal(t, 120.0, *accepted.FinalFare)
	assert.NotNil(t, accepted.AcceptedAt)

	assert.Equal(t, models.BidAccepted, h.bidStatus(t, ride.ID, cheap.ID))
	assert.Equal(t, models.BidRejected, h.bidStatus(t, ride.ID, dear.ID))

	envs := h.events.all()
	last := envs[len(envs)-1]
	assert.Equal(t, models.EventRideStatusUpdate, last.Event.Type)
	assert.Equal(t, models.StatusAccepted, last.Event.Status)
	require.NotNil(t, last.Event.Driver)
	assert.Equal(t, "BA d1", last.Event.Driver.Vehicle.Plate)
	assert.Contains(t, last.Topics, models.UserTopic("d2"), "rejected bidders are told")
	assert.Contains(t, last.Topics, models.UserTopic("d1"))
}

func TestNoDriversThenFirstBidPromotes(t *testing.T) {
	h := newHarness(t)
	ride := h.create(t)
	assert.Equal(t, models.StatusSearching, ride.Status)
	assert.Empty(t, h.events.all(), "nobody to notify yet")

	b := h.bid(t, ride.ID, "d9", 140)
	assert.Equal(t, models.BidPending, b.Status)

	got, err := h.engine.GetRide(context.Background(), ride.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusBidding, got.Status)
	assert.Equal(t, []models.EventType{models.EventRideStatusUpdate, models.EventNewBid}, h.events.types())

	// a second bid does not emit another status update
	h.events.reset()
	h.bid(t, ride.ID, "d8", 145)
	assert.Equal(t, []models.EventType{models.EventNewBid}, h.events.types())
}

func TestCancelRejectsPendingBids(t *testing.T) {
	h := newHarness(t)
	h.addDriver(t, "d1", 0.01)
	ride := h.create(t)
	b1 := h.bid(t, ride.ID, "d1", 120)
	b2 := h.bid(t, ride.ID, "d2", 130)

	cancelled, err := h.engine.Cancel(context.Background(), passenger, ride.ID, "changed plans")
	require.NoError(t, err)
	assert.Equal(t, models.StatusCancelled, cancelled.Status)
	assert.Equal(t, "changed plans", cancelled.CancellationReason)
	assert.Equal(t, "p1", cancelled.CancelledBy)
	assert.NotNil(t, cancelled.CancelledAt)
	assert.Equal(t, models.BidRejected, h.bidStatus(t, ride.ID, b1.ID))
	assert.Equal(t, models.BidRejected, h.bidStatus(t, ride.ID, b2.ID))

	pending, err := h.engine.ListPending(context.Background(), ride.ID)
	require.NoError(t, err)
	assert.Empty(t, pending)

	_, err = h.engine.Cancel(context.Background(), passenger, ride.ID, "again")
	assert.ErrorIs(t, err, ErrInvalidState)
}

func acceptedRide(t *testing.T, h *harness) *models.Ride {
	t.Helper()
	ride := h.create(t)
	b := h.bid(t, ride.ID, "d1", 120)
	r, err := h.engine.AcceptBid(context.Background(), passenger, ride.ID, b.ID)
	require.NoError(t, err)
	return r
}

func TestFullLifecycle(t *testing.T) {
	h := newHarness(t)
	ride := acceptedRide(t, h)
	ctx := context.Background()

	_, err := h.engine.Start(ctx, driver("d2"), ride.ID)
	assert.ErrorIs(t, err, ErrUnauthorized)

	started, err := h.engine.Start(ctx, driver("d1"), ride.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusInProgress, started.Status)
	assert.NotNil(t, started.StartedAt)

	dist, mins := 5.2, 18
	done, err := h.engine.Complete(ctx, driver("d1"), ride.ID, models.CompletionData{DistanceKm: &dist, DurationMinutes: &mins})
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, done.Status)
	assert.Equal(t, 5.2, *done.ActualDistanceKm)

	hist, err := h.engine.History(ctx, ride.ID)
	require.NoError(t, err)
	var path []models.RideStatus
	for _, tr := range hist {
		path = append(path, tr.To)
	}
	assert.Equal(t, []models.RideStatus{
		models.StatusSearching, models.StatusBidding, models.StatusAccepted, models.StatusInProgress, models.StatusCompleted,
	}, path)
}

func TestCompleteTwiceKeepsFirstTimestamp(t *testing.T) {
	h := newHarness(t)
	ride := acceptedRide(t, h)
	ctx := context.Background()
	_, err := h.engine.Start(ctx, driver("d1"), ride.ID)
	require.NoError(t, err)

	first, err := h.engine.Complete(ctx, driver("d1"), ride.ID, models.CompletionData{})
	require.NoError(t, err)

	h.clock.Advance(time.Minute)
	_, err = h.engine.Complete(ctx, driver("d1"), ride.ID, models.CompletionData{})
	require.ErrorIs(t, err, ErrInvalidState)

	var de *Error
	require.ErrorAs(t, err, &de)
	assert.Equal(t, ride.ID, de.RideID)
	assert.Equal(t, models.StatusCompleted, de.Status)
	assert.Equal(t, "complete", de.Op)

	got, err := h.engine.GetRide(ctx, ride.ID)
	require.NoError(t, err)
	assert.True(t, first.CompletedAt.Equal(*got.CompletedAt))
}

func TestSubmitBidRules(t *testing.T) {
	h := newHarness(t, func(c *Config) { c.MaxBidsPerRide = 2 })
	ctx := context.Background()
	ride := h.create(t)

	h.bid(t, ride.ID, "d1", 100)
	_, err := h.engine.SubmitBid(ctx, driver("d1"), ride.ID, BidRequest{ProposedFare: 90})
	assert.ErrorIs(t, err, ErrDuplicateBid)

	h.bid(t, ride.ID, "d2", 110)
	h.ensureDriver(t, "d3")
	_, err = h.engine.SubmitBid(ctx, driver("d3"), ride.ID, BidRequest{ProposedFare: 95})
	assert.ErrorIs(t, err, ErrBidCapExceeded)

	_, err = h.engine.SubmitBid(ctx, passenger, ride.ID, BidRequest{ProposedFare: 95})
	assert.ErrorIs(t, err, ErrUnauthorized)

	h.ensureDriver(t, "d4")
	_, err = h.engine.SubmitBid(ctx, driver("d4"), ride.ID, BidRequest{ProposedFare: 0})
	assert.ErrorIs(t, err, ErrInvalidRequest)

	_, err = h.engine.SubmitBid(ctx, driver("d4"), "missing", BidRequest{ProposedFare: 10})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSubmitBidFromUnknownDriver(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	ride := h.create(t)

	_, err := h.engine.SubmitBid(ctx, driver("ghost"), ride.ID, BidRequest{ProposedFare: 100})
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, err, geo.ErrDriverNotFound)
	var de *Error
	require.ErrorAs(t, err, &de)
	assert.Equal(t, "submit_bid", de.Op)
	assert.Equal(t, ride.ID, de.RideID)

	got, err := h.engine.GetRide(ctx, ride.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusSearching, got.Status)
	pending, err := h.engine.ListPending(ctx, ride.ID)
	require.NoError(t, err)
	assert.Empty(t, pending)
	assert.Empty(t, h.events.all())

	// known to the index, even far away, is enough to bid
	b := h.bid(t, ride.ID, "ghost", 100)
	assert.Equal(t, "Driver ghost", b.Driver.Name)
}

func TestBidOnAcceptedRideIsNotBiddable(t *testing.T) {
	h := newHarness(t)
	ride := acceptedRide(t, h)
	h.ensureDriver(t, "d7")
	_, err := h.engine.SubmitBid(context.Background(), driver("d7"), ride.ID, BidRequest{ProposedFare: 80})
	assert.ErrorIs(t, err, ErrRideNotBiddable)
}

func TestAcceptBidChecks(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	ride := h.create(t)
	other := h.create(t)

	// searching: nothing to accept yet
	_, err := h.engine.AcceptBid(ctx, passenger, ride.ID, "whatever")
	assert.ErrorIs(t, err, ErrInvalidState)

	b := h.bid(t, ride.ID, "d1", 120)
	foreign := h.bid(t, other.ID, "d2", 120)

	_, err = h.engine.AcceptBid(ctx, Caller{ID: "p2", Role: models.RolePassenger}, ride.ID, b.ID)
	assert.ErrorIs(t, err, ErrUnauthorized)

	_, err = h.engine.AcceptBid(ctx, passenger, ride.ID, foreign.ID)
	assert.ErrorIs(t, err, ErrBidNotFound)
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = h.engine.AcceptBid(ctx, passenger, "missing", b.ID)
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = h.engine.AcceptBid(ctx, passenger, ride.ID, b.ID)
	require.NoError(t, err)
	_, err = h.engine.AcceptBid(ctx, passenger, ride.ID, b.ID)
	assert.ErrorIs(t, err, ErrInvalidState)
}

func TestCancelAuthorization(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	ride := acceptedRide(t, h)

	_, err := h.engine.Cancel(ctx, driver("d2"), ride.ID, "")
	assert.ErrorIs(t, err, ErrUnauthorized)

	r, err := h.engine.Cancel(ctx, driver("d1"), ride.ID, "car trouble")
	require.NoError(t, err)
	assert.Equal(t, "d1", r.CancelledBy)
	assert.Equal(t, "d1", r.DriverID, "driver stays recorded after cancellation")

	other := h.create(t)
	r, err = h.engine.Cancel(ctx, Caller{ID: SystemActor, Role: models.RoleSystem}, other.ID, ReasonBidTimeout)
	require.NoError(t, err)
	assert.Equal(t, SystemActor, r.CancelledBy)
}

func TestCreateValidation(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	_, err := h.engine.Create(ctx, driver("d1"), CreateRequest{Pickup: pickup, Destination: destination, ProposedFare: 100})
	assert.ErrorIs(t, err, ErrUnauthorized)

	_, err = h.engine.Create(ctx, passenger, CreateRequest{Pickup: models.Coord{Lat: 91}, Destination: destination, ProposedFare: 100})
	assert.ErrorIs(t, err, ErrInvalidRequest)

	_, err = h.engine.Create(ctx, passenger, CreateRequest{Pickup: pickup, Destination: destination, ProposedFare: -1})
	assert.ErrorIs(t, err, ErrInvalidRequest)

	_, err = h.engine.Create(ctx, passenger, CreateRequest{Pickup: pickup, Destination: destination, ProposedFare: 10, RideType: "limo"})
	assert.ErrorIs(t, err, ErrInvalidRequest)
}

type failingGeo struct {
	geo.Geo
	calls int
}

func (f *failingGeo) FindNearby(context.Context, models.Coord, float64) ([]geo.Candidate, error) {
	f.calls++
	return nil, errors.New("redis down")
}

func TestCreateSurvivesIndexOutage(t *testing.T) {
	h := newHarness(t)
	fg := &failingGeo{Geo: h.index}
	h.engine.geo = fg

	ride := h.create(t)
	assert.Equal(t, models.StatusSearching, ride.Status)
	assert.Equal(t, 3, fg.calls, "reads are retried")

	_, err := h.engine.FindNearby(context.Background(), pickup, 5)
	assert.ErrorIs(t, err, ErrDependencyUnavailable)
}

type flakyStore struct {
	storage.Store
	mu       sync.Mutex
	failures int
}

func (f *flakyStore) ListPendingBids(ctx context.Context, rideID string) ([]*models.Bid, error) {
	f.mu.Lock()
	if f.failures > 0 {
		f.failures--
		f.mu.Unlock()
		return nil, errors.New("connection reset")
	}
	f.mu.Unlock()
	return f.Store.ListPendingBids(ctx, rideID)
}

func TestListPendingRetriesTransientFailures(t *testing.T) {
	h := newHarness(t)
	ride := h.create(t)
	h.bid(t, ride.ID, "d1", 100)
	h.bid(t, ride.ID, "d2", 90)

	flaky := &flakyStore{Store: h.store, failures: 2}
	h.engine.store = flaky
	bids, err := h.engine.ListPending(context.Background(), ride.ID)
	require.NoError(t, err)
	require.Len(t, bids, 2)
	assert.Equal(t, "d1", bids[0].DriverID, "oldest first")

	flaky.failures = 10
	_, err = h.engine.ListPending(context.Background(), ride.ID)
	assert.ErrorIs(t, err, ErrDependencyUnavailable)

	h.engine.store = h.store
	_, err = h.engine.ListPending(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestExpireStaleCancelsOldOpenRides(t *testing.T) {
	h := newHarness(t, func(c *Config) { c.BidTimeout = 5 * time.Minute })
	ctx := context.Background()
	old := h.create(t)
	b := h.bid(t, old.ID, "d1", 100)
	taken := acceptedRide(t, h)

	h.clock.Advance(4 * time.Minute)
	fresh := h.create(t)
	h.clock.Advance(2 * time.Minute)

	n, err := h.engine.ExpireStale(ctx, h.clock.Now())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, _ := h.engine.GetRide(ctx, old.ID)
	assert.Equal(t, models.StatusCancelled, got.Status)
	assert.Equal(t, ReasonBidTimeout, got.CancellationReason)
	assert.Equal(t, SystemActor, got.CancelledBy)
	assert.Equal(t, models.BidRejected, h.bidStatus(t, old.ID, b.ID))

	got, _ = h.engine.GetRide(ctx, fresh.ID)
	assert.Equal(t, models.StatusSearching, got.Status)
	got, _ = h.engine.GetRide(ctx, taken.ID)
	assert.Equal(t, models.StatusAccepted, got.Status)
}

func TestCanObserve(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	ride := h.create(t)

	ok, err := h.engine.CanObserve(ctx, passenger, ride.ID)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, _ = h.engine.CanObserve(ctx, driver("d5"), ride.ID)
	assert.True(t, ok, "any driver while bids are open")
	ok, _ = h.engine.CanObserve(ctx, Caller{ID: "p2", Role: models.RolePassenger}, ride.ID)
	assert.False(t, ok)

	b := h.bid(t, ride.ID, "d1", 100)
	_, err = h.engine.AcceptBid(ctx, passenger, ride.ID, b.ID)
	require.NoError(t, err)
	ok, _ = h.engine.CanObserve(ctx, driver("d5"), ride.ID)
	assert.False(t, ok)
	ok, _ = h.engine.CanObserve(ctx, driver("d1"), ride.ID)
	assert.True(t, ok)

	_, err = h.engine.CanObserve(ctx, passenger, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

type locationSpy struct {
	mu      sync.Mutex
	drivers []models.Driver
}

func (s *locationSpy) PublishLocation(_ context.Context, d models.Driver) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.drivers = append(s.drivers, d)
	return nil
}

func TestHeartbeat(t *testing.T) {
	h := newHarness(t)
	spy := &locationSpy{}
	h.engine.locations = spy
	ctx := context.Background()

	_, err := h.engine.Heartbeat(ctx, passenger, HeartbeatRequest{Lat: pickup.Lat, Lon: pickup.Lon})
	assert.ErrorIs(t, err, ErrUnauthorized)
	_, err = h.engine.Heartbeat(ctx, driver("d1"), HeartbeatRequest{Lat: 100, Lon: 0})
	assert.ErrorIs(t, err, ErrInvalidRequest)

	d, err := h.engine.Heartbeat(ctx, driver("d1"), HeartbeatRequest{
		Lat: pickup.Lat, Lon: pickup.Lon, Online: true, Available: true, Name: "Hari", Rating: 4.9,
	})
	require.NoError(t, err)
	assert.Equal(t, "d1", d.ID)
	require.Len(t, spy.drivers, 1)

	near, err := h.engine.FindNearby(ctx, pickup, 0)
	require.NoError(t, err)
	require.Len(t, near, 1)
	assert.Equal(t, "Hari", near[0].Driver.Name)

	_, err = h.engine.Heartbeat(ctx, driver("d1"), HeartbeatRequest{Lat: pickup.Lat, Lon: pickup.Lon, Online: true, Available: false})
	require.NoError(t, err)
	near, _ = h.engine.FindNearby(ctx, pickup, 0)
	assert.Empty(t, near)
}

// assertValidStatusPaths checks that every ride saw a legal sequence of statuses.
func assertValidStatusPaths(t *testing.T, envs []models.Envelope) {
	t.Helper()
	last := map[string]models.RideStatus{}
	for _, env := range envs {
		if env.Event.Type != models.EventRideStatusUpdate {
			continue
		}
		prev, seen := last[env.Event.RideID]
		if !seen {
			prev = models.StatusSearching
		}
		assert.True(t, CanTransition(prev, env.Event.Status), "ride %s: %s -> %s", env.Event.RideID, prev, env.Event.Status)
		last[env.Event.RideID] = env.Event.Status
	}
}

func TestConcurrentBidsFromSameDriver(t *testing.T) {
	h := newHarness(t)
	ride := h.create(t)
	h.ensureDriver(t, "d1")

	const n = 20
	var wg sync.WaitGroup
	start := make(chan struct{})
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			_, err := h.engine.SubmitBid(context.Background(), driver("d1"), ride.ID, BidRequest{ProposedFare: float64(100 + i)})
			errs <- err
		}(i)
	}
	close(start)
	wg.Wait()
	close(errs)

	success := 0
	for err := range errs {
		if err == nil {
			success++
			continue
		}
		assert.ErrorIs(t, err, ErrDuplicateBid)
	}
	assert.Equal(t, 1, success)
	assertValidStatusPaths(t, h.events.all())
}

func TestConcurrentBidsRespectCap(t *testing.T) {
	h := newHarness(t, func(c *Config) { c.MaxBidsPerRide = 10 })
	ride := h.create(t)

	const n = 30
	for i := 0; i < n; i++ {
		h.ensureDriver(t, fmt.Sprintf("d%d", i))
	}
	var wg sync.WaitGroup
	start := make(chan struct{})
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			_, err := h.engine.SubmitBid(context.Background(), driver(fmt.Sprintf("d%d", i)), ride.ID, BidRequest{ProposedFare: 100})
			errs <- err
		}(i)
	}
	close(start)
	wg.Wait()
	close(errs)

	success := 0
	for err := range errs {
		if err == nil {
			success++
			continue
		}
		assert.ErrorIs(t, err, ErrBidCapExceeded)
	}
	assert.Equal(t, 10, success)
	pending, err := h.engine.ListPending(context.Background(), ride.ID)
	require.NoError(t, err)
	assert.Len(t, pending, 10)
}

func TestConcurrentAcceptsExactlyOneWins(t *testing.T) {
	h := newHarness(t)
	ride := h.create(t)
	var bids []*models.Bid
	for i := 0; i < 8; i++ {
		bids = append(bids, h.bid(t, ride.ID, fmt.Sprintf("d%d", i), float64(100+i)))
	}

	var wg sync.WaitGroup
	start := make(chan struct{})
	errs := make(chan error, len(bids))
	for _, b := range bids {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			<-start
			_, err := h.engine.AcceptBid(context.Background(), passenger, ride.ID, id)
			errs <- err
		}(b.ID)
	}
	close(start)
	wg.Wait()
	close(errs)

	success := 0
	for err := range errs {
		if err == nil {
			success++
			continue
		}
		assert.ErrorIs(t, err, ErrInvalidState)
	}
	assert.Equal(t, 1, success)

	accepted := 0
	for _, b := range bids {
		if h.bidStatus(t, ride.ID, b.ID) == models.BidAccepted {
			accepted++
		} else {
			assert.Equal(t, models.BidRejected, h.bidStatus(t, ride.ID, b.ID))
		}
	}
	assert.Equal(t, 1, accepted)
	assertValidStatusPaths(t, h.events.all())
}

func TestConcurrentAcceptVsCancel(t *testing.T) {
	for i := 0; i < 20; i++ {
		h := newHarness(t)
		ride := h.create(t)
		b := h.bid(t, ride.ID, "d1", 100)

		var wg sync.WaitGroup
		start := make(chan struct{})
		var acceptErr, cancelErr error
		wg.Add(2)
		go func() {
			defer wg.Done()
			<-start
			_, acceptErr = h.engine.AcceptBid(context.Background(), passenger, ride.ID, b.ID)
		}()
		go func() {
			defer wg.Done()
			<-start
			_, cancelErr = h.engine.Cancel(context.Background(), passenger, ride.ID, "race")
		}()
		close(start)
		wg.Wait()

		// cancel always wins eventually: it is legal from accepted too
		require.NoError(t, cancelErr)
		got, err := h.engine.GetRide(context.Background(), ride.ID)
		require.NoError(t, err)
		assert.Equal(t, models.StatusCancelled, got.Status)
		if acceptErr != nil {
			assert.ErrorIs(t, acceptErr, ErrInvalidState)
			assert.Equal(t, models.BidRejected, h.bidStatus(t, ride.ID, b.ID))
			assert.Nil(t, got.FinalFare)
		} else {
			assert.Equal(t, models.BidAccepted, h.bidStatus(t, ride.ID, b.ID))
		}
		assertValidStatusPaths(t, h.events.all())
	}
}

// Bids racing an accept either land before it and get rejected by it, or
// arrive after it and are refused. None may stay pending.
func TestLateBidsRaceAccept(t *testing.T) {
	for round := 0; round < 10; round++ {
		h := newHarness(t, func(c *Config) { c.MaxBidsPerRide = 64 })
		ride := h.create(t)
		first := h.bid(t, ride.ID, "d0", 100)

		const n = 16
		for i := 0; i < n; i++ {
			h.ensureDriver(t, fmt.Sprintf("late%d", i))
		}
		bidIDs := make([]string, n)
		errs := make([]error, n)
		var acceptErr error
		var wg sync.WaitGroup
		start := make(chan struct{})
		for i := 0; i < n; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				<-start
				b, err := h.engine.SubmitBid(context.Background(), driver(fmt.Sprintf("late%d", i)), ride.ID, BidRequest{ProposedFare: 90})
				if err == nil {
					bidIDs[i] = b.ID
				}
				errs[i] = err
			}(i)
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			_, acceptErr = h.engine.AcceptBid(context.Background(), passenger, ride.ID, first.ID)
		}()
		close(start)
		wg.Wait()

		require.NoError(t, acceptErr)
		assert.Equal(t, models.BidAccepted, h.bidStatus(t, ride.ID, first.ID))

		var rejectedTopics []models.Topic
		acceptedAt := -1
		for i, env := range h.events.all() {
			switch {
			case env.Event.Type == models.EventRideStatusUpdate && env.Event.Status == models.StatusAccepted:
				acceptedAt = i
				rejectedTopics = env.Topics
			case env.Event.Type == models.EventNewBid && acceptedAt >= 0:
				t.Errorf("bid %s announced after the ride was accepted", env.Event.Bid.ID)
			}
		}
		require.GreaterOrEqual(t, acceptedAt, 0)

		for i := 0; i < n; i++ {
			if errs[i] != nil {
				assert.ErrorIs(t, errs[i], ErrRideNotBiddable)
				continue
			}
			assert.Equal(t, models.BidRejected, h.bidStatus(t, ride.ID, bidIDs[i]))
			assert.Contains(t, rejectedTopics, models.UserTopic(fmt.Sprintf("late%d", i)))
		}

		pending, err := h.engine.ListPending(context.Background(), ride.ID)
		require.NoError(t, err)
		assert.Empty(t, pending)
		assertValidStatusPaths(t, h.events.all())
	}
}

func TestOperationsOnDifferentRidesDoNotBlock(t *testing.T) {
	h := newHarness(t)
	r1 := h.create(t)
	r2 := h.create(t)
	h.ensureDriver(t, "d1")

	entered := make(chan struct{})
	release := make(chan struct{})
	go func() {
		_ = h.store.InTx(context.Background(), r1.ID, func(storage.RideTx) error {
			close(entered)
			<-release
			return nil
		})
	}()
	<-entered
	defer close(release)

	done := make(chan error, 1)
	go func() {
		_, err := h.engine.SubmitBid(context.Background(), driver("d1"), r2.ID, BidRequest{ProposedFare: 100})
		done <- err
	}()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("bid on another ride blocked behind an unrelated transaction")
	}
}
