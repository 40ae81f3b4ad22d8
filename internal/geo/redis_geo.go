package geo

import (
	"context"

	"github.com/redis/go-redis/v9"
)

// Hit is one result of a proximity search.
type Hit struct {
	ID         string
	DistanceKM float64
}

// Index wraps a Redis GEO set of ambulance positions.
type Index struct {
	client *redis.Client
	key    string
}

func NewIndex(client *redis.Client) *Index {
	return &Index{client: client, key: "ambulances:geo"}
}

// Add stores or moves an ambulance position.
func (i *Index) Add(ctx context.Context, id string, p Point) error {
	return i.client.GeoAdd(ctx, i.key, &redis.GeoLocation{
		Name:      id,
		Longitude: p.Lng,
		Latitude:  p.Lat,
	}).Err()
}

func (i *Index) Remove(ctx context.Context, id string) error {
	return i.client.ZRem(ctx, i.key, id).Err()
}

// Nearby lists ambulances within radiusKM of p, closest first. limit <= 0
// returns every match.
func (i *Index) Nearby(ctx context.Context, p Point, radiusKM float64, limit int) ([]Hit, error) {
	results, err := i.client.GeoSearchLocation(ctx, i.key, &redis.GeoSearchLocationQuery{
		GeoSearchQuery: redis.GeoSearchQuery{
			Longitude:  p.Lng,
			Latitude:   p.Lat,
			Radius:     radiusKM,
			RadiusUnit: "km",
			Sort:       "ASC",
			Count:      limit,
		},
		WithDist: true,
	}).Result()
	if err != nil {
		return nil, err
	}
	hits := make([]Hit, len(results))
	for n, r := range results {
		hits[n] = Hit{ID: r.Name, DistanceKM: r.Dist}
	}
	return hits, nil
}
