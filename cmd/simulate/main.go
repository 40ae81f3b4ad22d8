package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"ambidispatch/internal/geo"
	"ambidispatch/internal/logging"
	"ambidispatch/internal/sos"
	"ambidispatch/internal/tracking"
)

type options struct {
	api     string
	token   string
	phone   string
	otp     string
	skip    bool
	lat     float64
	lng     float64
	timeout time.Duration
}

// End-to-end SOS drill against a running server: activate, optionally skip
// the countdown, verify by OTP when asked, then follow the ambulance.
func main() {
	var o options
	flag.StringVar(&o.api, "api", "http://localhost:8080", "API base URL")
	flag.StringVar(&o.token, "token", "", "optional bearer token of the caller")
	flag.StringVar(&o.phone, "phone", "+919800000000", "phone number for OTP verification")
	flag.StringVar(&o.otp, "otp", "", "OTP code; read from stdin when empty")
	flag.BoolVar(&o.skip, "skip", true, "skip the countdown")
	flag.Float64Var(&o.lat, "lat", 12.9716, "caller latitude")
	flag.Float64Var(&o.lng, "lng", 77.5946, "caller longitude")
	flag.DurationVar(&o.timeout, "timeout", 2*time.Minute, "overall deadline")
	flag.Parse()

	logger, err := logging.NewLogger("info", "console", "ambidispatch-simulate")
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	ctx, cancel := context.WithTimeout(context.Background(), o.timeout)
	defer cancel()
	if err := run(ctx, o, logger); err != nil {
		logger.Fatal("simulation failed", zap.Error(err))
	}
	logger.Info("simulation complete")
}

func run(ctx context.Context, o options, logger *zap.Logger) error {
	client := resty.New().
		SetBaseURL(o.api).
		SetTimeout(10*time.Second).
		SetHeader("Content-Type", "application/json")
	if o.token != "" {
		client.SetAuthToken(o.token)
	}

	var req sos.Request
	resp, err := client.R().SetContext(ctx).
		SetBody(map[string]any{"location": geo.Point{Lat: o.lat, Lng: o.lng}}).
		SetResult(&req).
		Post("/api/sos")
	if err := checkResponse(resp, err); err != nil {
		return fmt.Errorf("activate: %w", err)
	}
	logger.Info("sos activated", zap.String("sos_id", req.ID), zap.String("status", string(req.Status)))

	updates := make(chan sos.Request, 16)
	go func() {
		if err := subscribe(ctx, wsURL(o.api, "/ws/sos/"+req.ID, o.token), updates); err != nil {
			logger.Warn("sos stream ended", zap.Error(err))
		}
	}()

	if o.skip {
		if err := checkResponse(client.R().SetContext(ctx).Post("/api/sos/" + req.ID + "/skip")); err != nil {
			return fmt.Errorf("skip: %w", err)
		}
	}

	phoneSent, codeSent := false, false
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case snap, ok := <-updates:
			if !ok {
				return errors.New("sos stream closed before dispatch")
			}
			logger.Info("sos update",
				zap.String("status", string(snap.Status)),
				zap.Int("countdown", snap.Countdown),
				zap.Bool("code_sent", snap.CodeSent))
			switch snap.Status {
			case sos.StatusAwaitingVerification:
				if !phoneSent {
					phoneSent = true
					resp, err := client.R().SetContext(ctx).SetBody(map[string]string{"phone": o.phone}).Post("/api/sos/" + req.ID + "/phone")
					if err := checkResponse(resp, err); err != nil {
						return fmt.Errorf("phone: %w", err)
					}
				}
				if snap.CodeSent && !codeSent {
					codeSent = true
					code, err := readCode(o.otp)
					if err != nil {
						return err
					}
					resp, err := client.R().SetContext(ctx).SetBody(map[string]string{"code": code}).Post("/api/sos/" + req.ID + "/otp")
					if err := checkResponse(resp, err); err != nil {
						return fmt.Errorf("otp: %w", err)
					}
				}
			case sos.StatusDispatched:
				if snap.BookingID == "" {
					continue
				}
				if snap.Assigned != nil {
					logger.Info("ambulance assigned",
						zap.String("booking_id", snap.BookingID),
						zap.String("vehicle", snap.Assigned.VehicleNumber),
						zap.Float64("distance_km", snap.Assigned.DistanceKM))
				}
				return follow(ctx, o, snap.BookingID, logger)
			case sos.StatusCancelled, sos.StatusFailed:
				return fmt.Errorf("sos ended in %s: %s", snap.Status, snap.FailureReason)
			}
		}
	}
}

// follow prints tracking updates until the ambulance arrives or ctx ends.
func follow(ctx context.Context, o options, bookingID string, logger *zap.Logger) error {
	updates := make(chan tracking.Update, 16)
	errs := make(chan error, 1)
	go func() { errs <- subscribe(ctx, wsURL(o.api, "/ws/tracking/"+bookingID, o.token), updates) }()
	logger.Info("following ambulance; run cmd/heartbeat with -booking to drive it", zap.String("booking_id", bookingID))
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case u, ok := <-updates:
			if !ok {
				return <-errs
			}
			logger.Info("tracking update",
				zap.Uint64("seq", u.Seq),
				zap.String("status", string(u.Status)),
				zap.Int("progress", u.Progress),
				zap.Float64("eta_minutes", u.ETAMinutes),
				zap.Bool("off_route", u.OffRoute))
			if u.Status == tracking.StatusArrived {
				return nil
			}
		}
	}
}

func subscribe[T any](ctx context.Context, u string, sink chan<- T) error {
	defer close(sink)
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u, nil)
	if err != nil {
		return fmt.Errorf("ws dial: %w", err)
	}
	defer conn.Close()
	go func() {
		<-ctx.Done()
		_ = conn.Close()
	}()
	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				return nil
			}
			return err
		}
		var v T
		if err := json.Unmarshal(msg, &v); err != nil {
			continue
		}
		select {
		case sink <- v:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func wsURL(api, path, token string) string {
	u, err := url.Parse(api)
	if err != nil {
		return api + path
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = path
	if token != "" {
		q := u.Query()
		q.Set("token", token)
		u.RawQuery = q.Encode()
	}
	return u.String()
}

func checkResponse(resp *resty.Response, err error) error {
	if err != nil {
		return err
	}
	if resp.IsError() {
		return fmt.Errorf("status %d: %s", resp.StatusCode(), strings.TrimSpace(resp.String()))
	}
	return nil
}

func readCode(preset string) (string, error) {
	if preset != "" {
		return preset, nil
	}
	fmt.Print("Enter the OTP from the SMS (or server log): ")
	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil {
		return "", fmt.Errorf("read otp: %w", err)
	}
	return strings.TrimSpace(line), nil
}
