package geo

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/ride-dispatch/internal/models"
)

// RedisGeo implements Geo using Redis GEO commands for positions and one
// hash per driver for availability and profile metadata.
type RedisGeo struct {
	client     *redis.Client
	key        string
	staleAfter time.Duration
	now        func() time.Time
}

func NewRedisGeo(client *redis.Client, key string, staleAfter time.Duration) *RedisGeo {
	return &RedisGeo{client: client, key: key, staleAfter: staleAfter, now: time.Now}
}

func (r *RedisGeo) Upsert(ctx context.Context, d models.Driver) error {
	if d.Updated.IsZero() {
		d.Updated = r.now()
	}
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.GeoAdd(ctx, r.key, &redis.GeoLocation{Longitude: d.Loc.Lon, Latitude: d.Loc.Lat, Name: d.ID})
		pipe.HSet(ctx, metaKey(d.ID), encodeMeta(d))
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis upsert driver %s: %w", d.ID, err)
	}
	return nil
}

func (r *RedisGeo) Get(ctx context.Context, driverID string) (models.Driver, error) {
	m, err := r.client.HGetAll(ctx, metaKey(driverID)).Result()
	if err != nil {
		return models.Driver{}, fmt.Errorf("redis get driver %s: %w", driverID, err)
	}
	if len(m) == 0 {
		return models.Driver{}, ErrDriverNotFound
	}
	return decodeMeta(driverID, m), nil
}

func (r *RedisGeo) FindNearby(ctx context.Context, point models.Coord, radiusKm float64) ([]Candidate, error) {
	res, err := r.client.GeoRadius(ctx, r.key, point.Lon, point.Lat, &redis.GeoRadiusQuery{
		Radius:    radiusKm,
		Unit:      "km",
		WithCoord: true,
		WithDist:  true,
		Sort:      "ASC",
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("redis georadius: %w", err)
	}
	out := make([]Candidate, 0, len(res))
	if len(res) == 0 {
		return out, nil
	}

	pipe := r.client.Pipeline()
	metas := make([]*redis.MapStringStringCmd, len(res))
	for i, g := range res {
		metas[i] = pipe.HGetAll(ctx, metaKey(g.Name))
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("redis driver metadata: %w", err)
	}

	now := r.now()
	for i, g := range res {
		m, err := metas[i].Result()
		if err != nil || len(m) == 0 {
			continue
		}
		d := decodeMeta(g.Name, m)
		d.Loc = models.Coord{Lat: g.Latitude, Lon: g.Longitude}
		if !d.Eligible(now, r.staleAfter) {
			continue
		}
		out = append(out, Candidate{Driver: d, DistanceKm: g.Dist})
	}
	SortByDistance(out)
	return out, nil
}

func encodeMeta(d models.Driver) map[string]interface{} {
	return map[string]interface{}{
		"name":          d.Name,
		"rating":        strconv.FormatFloat(d.Rating, 'f', -1, 64),
		"online":        strconv.FormatBool(d.Online),
		"available":     strconv.FormatBool(d.Available),
		"lat":           strconv.FormatFloat(d.Loc.Lat, 'f', -1, 64),
		"lon":           strconv.FormatFloat(d.Loc.Lon, 'f', -1, 64),
		"updated":       d.Updated.UTC().Format(time.RFC3339Nano),
		"vehicle_model": d.Vehicle.Model,
		"vehicle_color": d.Vehicle.Color,
		"vehicle_plate": d.Vehicle.Plate,
	}
}

func decodeMeta(id string, m map[string]string) models.Driver {
	d := models.Driver{
		ID:   id,
		Name: m["name"],
		Vehicle: models.Vehicle{
			Model: m["vehicle_model"],
			Color: m["vehicle_color"],
			Plate: m["vehicle_plate"],
		},
		Online:    m["online"] == "true",
		Available: m["available"] == "true",
	}
	if f, err := strconv.ParseFloat(m["rating"], 64); err == nil {
		d.Rating = f
	}
	if f, err := strconv.ParseFloat(m["lat"], 64); err == nil {
		d.Loc.Lat = f
	}
	if f, err := strconv.ParseFloat(m["lon"], 64); err == nil {
		d.Loc.Lon = f
	}
	if t, err := time.Parse(time.RFC3339Nano, m["updated"]); err == nil {
		d.Updated = t
	}
	return d
}

func metaKey(id string) string { return "driver:meta:" + id }
