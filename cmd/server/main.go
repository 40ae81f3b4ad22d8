package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"ambidispatch/internal/api"
	"ambidispatch/internal/auth"
	"ambidispatch/internal/config"
	"ambidispatch/internal/dispatch"
	"ambidispatch/internal/geo"
	"ambidispatch/internal/logging"
	"ambidispatch/internal/otp"
	"ambidispatch/internal/sos"
	"ambidispatch/internal/storage"
	"ambidispatch/internal/tracking"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	logger, err := logging.NewLogger(cfg.LogLevel, cfg.LogFormat, "ambidispatch")
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Fatal("server stopped", zap.Error(err))
	}
}

// backends are the optional external stores. Nil fields fall back to memory.
type backends struct {
	pool  *storage.Postgres
	ids   *storage.IdentityStore
	idem  *storage.IdempotencyStore
	redis *redis.Client
	ping  func(context.Context) error
}

func connect(ctx context.Context, cfg *config.Config, logger *zap.Logger) backends {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	var b backends
	if cfg.DatabaseURL != "" {
		pool, err := storage.DefaultPool(ctx, cfg.DatabaseURL)
		if err != nil {
			logger.Warn("database connection failed, falling back to in-memory", zap.Error(err))
		} else if err := storage.EnsureSchema(ctx, pool); err != nil {
			logger.Warn("schema init failed, falling back to in-memory", zap.Error(err))
			pool.Close()
		} else {
			logger.Info("using PostgreSQL persistence", zap.String("schema", storage.SchemaHash()[:12]))
			b.pool = storage.NewPostgres(pool)
			b.ids = storage.NewIdentityStore(pool)
			b.idem = storage.NewIdempotencyStore(pool, cfg.IdempotencyTTL)
			b.ping = pool.Ping
		}
	}

	if cfg.RedisURL != "" {
		opt, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			logger.Warn("redis URL parse error, falling back to in-memory", zap.Error(err))
		} else {
			client := redis.NewClient(opt)
			if err := client.Ping(ctx).Err(); err != nil {
				logger.Warn("redis unreachable, falling back to in-memory", zap.Error(err))
				_ = client.Close()
			} else {
				logger.Info("using Redis geo index and OTP store")
				b.redis = client
			}
		}
	}
	return b
}

func routeProvider(cfg *config.Config) (geo.Provider, error) {
	switch cfg.RoutingProvider {
	case "google":
		return geo.NewGoogleProvider(cfg.GoogleMapsAPIKey)
	case "osrm":
		return geo.NewOSRMProvider(cfg.OSRMURL, cfg.RouteTimeout), nil
	}
	return nil, nil
}

func smsSender(ctx context.Context, cfg *config.Config, logger *zap.Logger) (otp.Sender, error) {
	switch cfg.SMSProvider {
	case "twilio":
		if cfg.TwilioAccountSID == "" || cfg.TwilioAuthToken == "" || cfg.TwilioFromNumber == "" {
			return nil, errors.New("twilio sender needs TWILIO_ACCOUNT_SID, TWILIO_AUTH_TOKEN and TWILIO_FROM_NUMBER")
		}
		return otp.NewTwilioSender(cfg.TwilioAccountSID, cfg.TwilioAuthToken, cfg.TwilioFromNumber), nil
	case "sns":
		return otp.NewSNSSender(ctx, cfg.AWSRegion)
	}
	if cfg.IsProduction() {
		logger.Warn("SMS_PROVIDER=log in production; OTP codes are only logged")
	}
	return otp.NewLogSender(logger), nil
}

func run(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	b := connect(ctx, cfg, logger)

	var (
		persist dispatch.Persistence
		geoLoc  dispatch.GeoLocator = geo.NewInMemoryIndex()
		codes   otp.CodeStore       = otp.NewMemoryStore()
		backend sos.Backend         = sos.NewMemoryBackend()
		events  dispatch.EventLogger
		idDB    api.IdentityDB
	)
	if b.pool != nil {
		persist, backend, events, idDB = b.pool, b.pool, b.pool, b.ids
	}
	if b.redis != nil {
		geoLoc = geo.NewIndex(b.redis)
		codes = otp.NewRedisStore(b.redis)
		defer b.redis.Close()
	}

	store := dispatch.NewStoreWithDeps(persist, geoLoc, logger.Named("dispatch"))
	store.SetDefaultRadius(cfg.DefaultServiceRadiusKM)
	var redisPing func(context.Context) error
	if b.redis != nil {
		redisPing = func(ctx context.Context) error { return b.redis.Ping(ctx).Err() }
	}
	store.AttachHealth(b.ping, redisPing)
	if b.idem != nil {
		store.AttachIdempotency(b.idem, b.idem.TTL())
	}
	if n, err := store.LoadFleet(ctx); err != nil {
		logger.Warn("fleet not loaded", zap.Error(err))
	} else {
		logger.Info("fleet loaded", zap.Int("ambulances", n))
	}

	var authMem *auth.InMemoryStore
	if cfg.AuthMode == "memory" {
		authMem = auth.NewInMemoryStore()
		logger.Info("auth: in-memory token issuance enabled")
		if b.ids != nil {
			seedIdentities(ctx, b.ids, authMem, logger)
		}
	}

	provider, err := routeProvider(cfg)
	if err != nil {
		return err
	}
	router := geo.NewRouter(provider, cfg.RouteTimeout, logger.Named("geo"))
	gateway := tracking.NewGateway(router, tracking.GatewayOptions{
		Session:   tracking.SessionOptions{OffRouteKM: cfg.OffRouteKM},
		Retention: cfg.TrackingRetention,
		Client: tracking.ClientConfig{
			PongWait:   cfg.TrackingPongWait,
			PingPeriod: cfg.TrackingPingPeriod,
			FinalGrace: cfg.TrackingFinalGrace,
		},
	}, logger.Named("tracking"))

	var hospital *geo.Point
	if lat, lng, ok := cfg.Hospital(); ok {
		hospital = &geo.Point{Lat: lat, Lng: lng}
	}

	sender, err := smsSender(ctx, cfg, logger.Named("sms"))
	if err != nil {
		return err
	}
	verifier := otp.NewProvider(otp.Config{
		Length:         cfg.OTPLength,
		TTL:            cfg.OTPTTL,
		MaxAttempts:    cfg.OTPMaxAttempts,
		SendsPerMinute: cfg.OTPSendPerMinute,
	}, codes, sender, logger.Named("otp"))

	sosSvc := sos.NewService(sos.Config{
		CountdownTicks: cfg.SOSCountdownTicks,
		TickInterval:   cfg.SOSTickInterval,
		LocateTimeout:  cfg.SOSLocateTimeout,
		SettleDelay:    cfg.SOSSettleDelay,
		MaxAttempts:    cfg.OTPMaxAttempts,
		Retention:      cfg.SOSRetention,
		Destination:    hospital,
	}, sos.Deps{
		Dispatcher: store,
		Verifier:   verifier,
		Backend:    backend,
		Tracking:   gateway,
		Logger:     logger.Named("sos"),
	})

	r := chi.NewRouter()
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "Idempotency-Key", "X-CSRF-Token"},
		AllowCredentials: false,
		MaxAge:           300,
	}))
	api.AttachRoutes(r, api.Deps{
		Store:       store,
		SOS:         sosSvc,
		Tracking:    gateway,
		AuthStore:   authMem,
		IdentityDB:  idDB,
		AuthTTL:     cfg.AuthTTL,
		Events:      events,
		Destination: hospital,
		Logger:      logger.Named("http"),
	})

	server := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		gateway.Run(gctx)
		return nil
	})
	g.Go(func() error {
		sosSvc.Run(gctx)
		return nil
	})
	if b.idem != nil {
		g.Go(func() error {
			purgeIdempotency(gctx, b.idem, logger)
			return nil
		})
	}
	g.Go(func() error {
		logger.Info("ambidispatch API listening", zap.String("addr", cfg.HTTPAddr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

func seedIdentities(ctx context.Context, db *storage.IdentityStore, mem *auth.InMemoryStore, logger *zap.Logger) {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	all, err := db.All(ctx)
	if err != nil {
		logger.Warn("failed to preload identities", zap.Error(err))
		return
	}
	for _, ident := range all {
		mem.Seed(ident)
	}
	logger.Info("identities preloaded", zap.Int("count", len(all)))
}

func purgeIdempotency(ctx context.Context, idem *storage.IdempotencyStore, logger *zap.Logger) {
	ticker := time.NewTicker(10 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := idem.Purge(ctx)
			if err != nil {
				logger.Warn("idempotency purge failed", zap.Error(err))
				continue
			}
			if n > 0 {
				logger.Debug("idempotency keys purged", zap.Int64("count", n))
			}
		}
	}
}
