package geo

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
)

const DefaultOSRMURL = "http://router.project-osrm.org"

// OSRMProvider queries an OSRM route service over HTTP.
type OSRMProvider struct {
	client  *resty.Client
	baseURL string
}

func NewOSRMProvider(baseURL string, timeout time.Duration) *OSRMProvider {
	if baseURL == "" {
		baseURL = DefaultOSRMURL
	}
	client := resty.New().
		SetTimeout(timeout).
		SetHeader("Accept", "application/json")
	return &OSRMProvider{client: client, baseURL: strings.TrimRight(baseURL, "/")}
}

func (p *OSRMProvider) Name() string { return "osrm" }

type osrmResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Routes  []struct {
		Geometry struct {
			Coordinates [][]float64 `json:"coordinates"`
		} `json:"geometry"`
		Duration float64 `json:"duration"`
		Distance float64 `json:"distance"`
	} `json:"routes"`
}

// Directions requests a driving route. OSRM takes and returns (lng, lat).
func (p *OSRMProvider) Directions(ctx context.Context, waypoints []Point) ([]Point, error) {
	coords := make([]string, len(waypoints))
	for i, wp := range waypoints {
		coords[i] = fmt.Sprintf("%f,%f", wp.Lng, wp.Lat)
	}
	url := fmt.Sprintf("%s/route/v1/driving/%s", p.baseURL, strings.Join(coords, ";"))

	resp, err := p.client.R().
		SetContext(ctx).
		SetQueryParams(map[string]string{
			"overview":   "full",
			"geometries": "geojson",
		}).
		Get(url)
	if err != nil {
		return nil, fmt.Errorf("osrm request: %w", err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("osrm: status %d", resp.StatusCode())
	}

	var body osrmResponse
	if err := json.Unmarshal(resp.Body(), &body); err != nil {
		return nil, fmt.Errorf("osrm decode: %w", err)
	}
	if body.Code != "Ok" {
		return nil, fmt.Errorf("osrm: code %q: %s", body.Code, body.Message)
	}
	if len(body.Routes) == 0 {
		return nil, ErrNoGeometry
	}

	raw := body.Routes[0].Geometry.Coordinates
	out := make([]Point, 0, len(raw))
	for _, c := range raw {
		if len(c) < 2 {
			return nil, fmt.Errorf("osrm: malformed coordinate %v", c)
		}
		pt := Point{Lat: c[1], Lng: c[0]}
		if !pt.Valid() {
			return nil, fmt.Errorf("osrm: coordinate out of range %v", c)
		}
		out = append(out, pt)
	}
	return out, nil
}
