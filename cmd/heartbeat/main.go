package main

import (
	"flag"
	"log"
	"time"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"

	"ambidispatch/internal/geo"
	"ambidispatch/internal/logging"
)

type positionPayload struct {
	Lat        float64 `json:"lat"`
	Lng        float64 `json:"lng"`
	Speed      float64 `json:"speed"`
	Heading    float64 `json:"heading"`
	Status     string  `json:"status"`
	ETAMinutes float64 `json:"etaMinutes"`
	Timestamp  int64   `json:"timestamp"`
}

// Drives a simulated ambulance from one point to another, reporting positions
// for a booking the way the driver app does.
func main() {
	api := flag.String("api", "http://localhost:8080", "API base URL")
	bookingID := flag.String("booking", "", "booking to report positions for")
	token := flag.String("token", "", "bearer token (driver identity)")
	fromLat := flag.Float64("from-lat", 12.9900, "starting latitude")
	fromLng := flag.Float64("from-lng", 77.5700, "starting longitude")
	toLat := flag.Float64("to-lat", 12.9716, "pickup latitude")
	toLng := flag.Float64("to-lng", 77.5946, "pickup longitude")
	count := flag.Int("count", 20, "number of position reports")
	interval := flag.Duration("interval", 2*time.Second, "report interval")
	eta := flag.Float64("eta", 12, "ETA in minutes at the first report")
	flag.Parse()

	if *bookingID == "" {
		log.Fatal("-booking is required")
	}
	logger, err := logging.NewLogger("info", "console", "ambidispatch-heartbeat")
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	client := resty.New().
		SetBaseURL(*api).
		SetTimeout(5*time.Second).
		SetHeader("Content-Type", "application/json")
	if *token != "" {
		client.SetAuthToken(*token)
	}

	from := geo.Point{Lat: *fromLat, Lng: *fromLng}
	to := geo.Point{Lat: *toLat, Lng: *toLng}
	for i, p := range drive(from, to, *count, *eta, *interval) {
		resp, err := client.R().
			SetPathParam("bookingID", *bookingID).
			SetBody(p).
			Post("/api/tracking/{bookingID}/location")
		switch {
		case err != nil:
			logger.Warn("position report failed", zap.Int("seq", i+1), zap.Error(err))
		case resp.IsError():
			logger.Warn("position report rejected",
				zap.Int("seq", i+1),
				zap.Int("status", resp.StatusCode()),
				zap.String("body", resp.String()))
		default:
			logger.Info("position reported",
				zap.Int("seq", i+1),
				zap.String("status", p.Status),
				zap.Float64("etaMinutes", p.ETAMinutes))
		}
		if p.Status == "arrived" {
			return
		}
		time.Sleep(*interval)
	}
}

// drive interpolates n reports from from to to with a falling ETA. The last
// quarter of the trip reports nearby and the final point reports arrived.
func drive(from, to geo.Point, n int, startETA float64, interval time.Duration) []positionPayload {
	if n < 2 {
		n = 2
	}
	total := geo.DistanceKM(from, to)
	heading := geo.BearingDegrees(from, to)
	speed := 0.0
	if startETA > 0 {
		speed = total / (startETA / 60)
	}
	start := time.Now()
	out := make([]positionPayload, 0, n)
	for i := 0; i < n; i++ {
		f := float64(i) / float64(n-1)
		status := "en_route"
		switch {
		case i == n-1:
			status = "arrived"
		case f >= 0.75:
			status = "nearby"
		}
		out = append(out, positionPayload{
			Lat:        from.Lat + (to.Lat-from.Lat)*f,
			Lng:        from.Lng + (to.Lng-from.Lng)*f,
			Speed:      speed,
			Heading:    heading,
			Status:     status,
			ETAMinutes: startETA * (1 - f),
			Timestamp:  start.Add(time.Duration(i) * interval).UnixMilli(),
		})
	}
	return out
}
