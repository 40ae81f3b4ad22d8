package geo

import (
	"context"
	"fmt"

	"googlemaps.github.io/maps"
)

// GoogleProvider resolves routes with the Google Directions API.
type GoogleProvider struct {
	client *maps.Client
}

func NewGoogleProvider(apiKey string) (*GoogleProvider, error) {
	client, err := maps.NewClient(maps.WithAPIKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("failed to create Google Maps client: %w", err)
	}
	return &GoogleProvider{client: client}, nil
}

func (g *GoogleProvider) Name() string { return "google" }

func (g *GoogleProvider) Directions(ctx context.Context, waypoints []Point) ([]Point, error) {
	if len(waypoints) < 2 {
		return nil, ErrNoGeometry
	}
	req := &maps.DirectionsRequest{
		Origin:      latLng(waypoints[0]),
		Destination: latLng(waypoints[len(waypoints)-1]),
		Mode:        maps.TravelModeDriving,
	}
	for _, wp := range waypoints[1 : len(waypoints)-1] {
		req.Waypoints = append(req.Waypoints, latLng(wp))
	}

	routes, _, err := g.client.Directions(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("google directions: %w", err)
	}
	if len(routes) == 0 {
		return nil, ErrNoGeometry
	}
	decoded, err := routes[0].OverviewPolyline.Decode()
	if err != nil {
		return nil, fmt.Errorf("google polyline: %w", err)
	}
	out := make([]Point, len(decoded))
	for i, ll := range decoded {
		out[i] = Point{Lat: ll.Lat, Lng: ll.Lng}
	}
	return out, nil
}

func latLng(p Point) string {
	return fmt.Sprintf("%f,%f", p.Lat, p.Lng)
}
