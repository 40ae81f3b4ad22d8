package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"math"
	"time"

	"go.uber.org/zap"

	"ambidispatch/internal/auth"
	"ambidispatch/internal/config"
	"ambidispatch/internal/dispatch"
	"ambidispatch/internal/geo"
	"ambidispatch/internal/logging"
	"ambidispatch/internal/storage"
)

// Seed script: registers one identity per role and a demo fleet for local testing.
func main() {
	var (
		lat      = flag.Float64("lat", 12.9716, "fleet centre latitude")
		lng      = flag.Float64("lng", 77.5946, "fleet centre longitude")
		count    = flag.Int("count", 6, "ambulances to create")
		spreadKM = flag.Float64("spread", 4, "distance of bases from the centre in km")
		ttl      = flag.Duration("ttl", 24*time.Hour, "token lifetime")
	)
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	if cfg.DatabaseURL == "" {
		log.Fatal("DATABASE_URL is required for seeding")
	}
	logger, err := logging.NewLogger(cfg.LogLevel, "console", "ambidispatch-seed")
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	pool, err := storage.DefaultPool(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Fatal("db connect failed", zap.Error(err))
	}
	defer pool.Close()
	if err := storage.EnsureSchema(ctx, pool); err != nil {
		logger.Fatal("schema ensure failed", zap.Error(err))
	}

	idStore := storage.NewIdentityStore(pool)
	pg := storage.NewPostgres(pool)
	mem := auth.NewInMemoryStore()

	var operatorID string
	roles := []dispatch.IdentityRole{dispatch.RolePatient, dispatch.RoleDriver, dispatch.RoleOperator, dispatch.RoleAdmin}
	for _, role := range roles {
		ident, err := mem.Register(role, "", false, *ttl)
		if err != nil {
			logger.Fatal("register identity failed", zap.String("role", string(role)), zap.Error(err))
		}
		if err := idStore.Save(ctx, ident); err != nil {
			logger.Fatal("save identity failed", zap.Error(err))
		}
		if role == dispatch.RoleOperator {
			operatorID = ident.ID
		}
		fmt.Printf("%s: id=%s token=%s expires=%v\n", ident.Role, ident.ID, ident.Token, ident.ExpiresAt)
	}

	center := geo.Point{Lat: *lat, Lng: *lng}
	for _, amb := range demoFleet(center, *count, *spreadKM, operatorID) {
		if err := pg.SaveAmbulance(ctx, amb); err != nil {
			logger.Fatal("save ambulance failed", zap.String("id", amb.ID), zap.Error(err))
		}
		fmt.Printf("ambulance: id=%s vehicle=%s type=%s base=%.5f,%.5f\n",
			amb.ID, amb.VehicleNumber, amb.Type, amb.Base.Lat, amb.Base.Lng)
	}
	logger.Info("seed complete", zap.Int("identities", len(roles)), zap.Int("ambulances", *count))
}

// demoFleet places ambulances evenly on a circle around center. IDs are
// stable so repeated runs update the same rows.
func demoFleet(center geo.Point, n int, spreadKM float64, operatorID string) []dispatch.Ambulance {
	types := []dispatch.AmbulanceType{dispatch.TypeBasic, dispatch.TypeAdvanced, dispatch.TypePatientTransport, dispatch.TypeNeonatal}
	const kmPerDegree = 111.32
	now := time.Now().UTC()
	fleet := make([]dispatch.Ambulance, 0, n)
	for i := 0; i < n; i++ {
		angle := 2 * math.Pi * float64(i) / float64(n)
		dLat := spreadKM * math.Sin(angle) / kmPerDegree
		dLng := spreadKM * math.Cos(angle) / (kmPerDegree * math.Cos(center.Lat*math.Pi/180))
		t := types[i%len(types)]
		fleet = append(fleet, dispatch.Ambulance{
			ID:              fmt.Sprintf("amb-%02d", i+1),
			OperatorID:      operatorID,
			VehicleNumber:   fmt.Sprintf("KA-01-AM-%04d", 1001+i),
			Type:            t,
			Status:          dispatch.AmbulanceAvailable,
			DriverName:      fmt.Sprintf("Driver %d", i+1),
			DriverPhone:     fmt.Sprintf("+91980000%04d", i+1),
			Base:            geo.Point{Lat: center.Lat + dLat, Lng: center.Lng + dLng},
			ServiceRadiusKM: 3 * spreadKM,
			IsDefault:       i == 0,
			Equipment: dispatch.Equipment{
				Oxygen:        true,
				Stretcher:     true,
				Defibrillator: t == dispatch.TypeAdvanced,
				Ventilator:    t == dispatch.TypeAdvanced || t == dispatch.TypeNeonatal,
			},
			UpdatedAt: now,
		})
	}
	return fleet
}
