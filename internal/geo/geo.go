package geo

import (
	"context"
	"errors"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/mmcloughlin/geohash"

	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
)

const (
	earthRadiusKm = 6371.0
	// cellPrecision gives cells of roughly 39 x 19.5 km, so the 3x3 block around
	// a point covers the default 15 km search radius away from the poles.
	cellPrecision uint = 4
)

var ErrDriverNotFound = errors.New("driver not found")

// Candidate is an eligible driver and its great-circle distance to the query point.
type Candidate struct {
	Driver     models.Driver `json:"driver"`
	DistanceKm float64       `json:"distance_km"`
}

// Geo is the driver index used by the dispatch engine and the heartbeat path.
type Geo interface {
	Upsert(ctx context.Context, d models.Driver) error
	Get(ctx context.Context, driverID string) (models.Driver, error)
	// FindNearby returns eligible drivers within radiusKm ordered by ascending
	// distance. No match is an empty slice, not an error.
	FindNearby(ctx context.Context, point models.Coord, radiusKm float64) ([]Candidate, error)
}

// Index is an in-memory Geo bucketing drivers by geohash cell.
type Index struct {
	mu         sync.RWMutex
	drivers    map[string]models.Driver
	cells      map[string]map[string]struct{}
	staleAfter time.Duration
	now        func() time.Time
}

func NewIndex(staleAfter time.Duration) *Index {
	return &Index{
		drivers:    make(map[string]models.Driver),
		cells:      make(map[string]map[string]struct{}),
		staleAfter: staleAfter,
		now:        time.Now,
	}
}

func (g *Index) Upsert(_ context.Context, d models.Driver) error {
	if d.Updated.IsZero() {
		d.Updated = g.now()
	}
	cell := geohash.EncodeWithPrecision(d.Loc.Lat, d.Loc.Lon, cellPrecision)

	g.mu.Lock()
	defer g.mu.Unlock()
	if prev, ok := g.drivers[d.ID]; ok {
		prevCell := geohash.EncodeWithPrecision(prev.Loc.Lat, prev.Loc.Lon, cellPrecision)
		if prevCell != cell {
			g.removeFromCell(prevCell, d.ID)
		}
		if prev.Online && !d.Online {
			observability.DriversOnline.Dec()
		} else if !prev.Online && d.Online {
			observability.DriversOnline.Inc()
		}
	} else if d.Online {
		observability.DriversOnline.Inc()
	}
	g.drivers[d.ID] = d
	ids, ok := g.cells[cell]
	if !ok {
		ids = make(map[string]struct{})
		g.cells[cell] = ids
	}
	ids[d.ID] = struct{}{}
	return nil
}

func (g *Index) removeFromCell(cell, id string) {
	ids := g.cells[cell]
	delete(ids, id)
	if len(ids) == 0 {
		delete(g.cells, cell)
	}
}

func (g *Index) Get(_ context.Context, driverID string) (models.Driver, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	d, ok := g.drivers[driverID]
	if !ok {
		return models.Driver{}, ErrDriverNotFound
	}
	return d, nil
}

func (g *Index) FindNearby(_ context.Context, point models.Coord, radiusKm float64) ([]Candidate, error) {
	now := g.now()
	g.mu.RLock()
	defer g.mu.RUnlock()

	out := make([]Candidate, 0)
	consider := func(d models.Driver) {
		if !d.Eligible(now, g.staleAfter) {
			return
		}
		dist := Haversine(point.Lat, point.Lon, d.Loc.Lat, d.Loc.Lon)
		if dist <= radiusKm {
			out = append(out, Candidate{Driver: d, DistanceKm: dist})
		}
	}

	if radiusKm > cellCoverageKm(point.Lat, cellPrecision) || math.Abs(point.Lon) > 179 {
		for _, d := range g.drivers {
			consider(d)
		}
	} else {
		center := geohash.EncodeWithPrecision(point.Lat, point.Lon, cellPrecision)
		seen := make(map[string]struct{}, 9)
		for _, cell := range append(geohash.Neighbors(center), center) {
			if _, dup := seen[cell]; dup {
				continue
			}
			seen[cell] = struct{}{}
			for id := range g.cells[cell] {
				consider(g.drivers[id])
			}
		}
	}
	SortByDistance(out)
	return out, nil
}

// SortByDistance orders candidates closest first; ties break on driver id so
// results are deterministic.
func SortByDistance(c []Candidate) {
	sort.Slice(c, func(i, j int) bool {
		if c[i].DistanceKm != c[j].DistanceKm {
			return c[i].DistanceKm < c[j].DistanceKm
		}
		return c[i].Driver.ID < c[j].Driver.ID
	})
}

// cellCoverageKm is the smallest great-circle distance from a point at lat to
// the outside of the 3x3 block of cells around it.
func cellCoverageKm(lat float64, precision uint) float64 {
	bits := 5 * precision
	latBits := bits / 2
	lonBits := bits - latBits
	cellLat := 180 / math.Exp2(float64(latBits))
	cellLon := 360 / math.Exp2(float64(lonBits))

	latCover := earthRadiusKm * toRad(cellLat)
	maxLat := math.Abs(lat) + cellLat
	if maxLat >= 90 {
		return 0
	}
	lonCover := 2 * earthRadiusKm * math.Asin(math.Cos(toRad(maxLat))*math.Sin(toRad(cellLon)/2))
	return math.Min(latCover, lonCover)
}

// Haversine distance in kilometres.
func Haversine(lat1, lon1, lat2, lon2 float64) float64 {
	dLat := toRad(lat2 - lat1)
	dLon := toRad(lon2 - lon1)
	a := math.Sin(dLat/2)*math.Sin(dLat/2) + math.Cos(toRad(lat1))*math.Cos(toRad(lat2))*math.Sin(dLon/2)*math.Sin(dLon/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return earthRadiusKm * c
}

func toRad(deg float64) float64 { return deg * math.Pi / 180 }
