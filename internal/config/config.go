// Package config loads service settings from an optional config.yaml and the
// environment.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	HTTPAddr  string `mapstructure:"HTTP_ADDR"`
	AppEnv    string `mapstructure:"APP_ENV"`
	LogLevel  string `mapstructure:"LOG_LEVEL"`
	LogFormat string `mapstructure:"LOG_FORMAT"`

	DatabaseURL string `mapstructure:"DATABASE_URL"`
	RedisURL    string `mapstructure:"REDIS_URL"`

	AuthMode string        `mapstructure:"AUTH_MODE"`
	AuthTTL  time.Duration `mapstructure:"AUTH_TTL"`

	RoutingProvider  string        `mapstructure:"ROUTING_PROVIDER"`
	OSRMURL          string        `mapstructure:"OSRM_URL"`
	GoogleMapsAPIKey string        `mapstructure:"GOOGLE_MAPS_API_KEY"`
	RouteTimeout     time.Duration `mapstructure:"ROUTE_TIMEOUT"`

	SMSProvider      string `mapstructure:"SMS_PROVIDER"`
	TwilioAccountSID string `mapstructure:"TWILIO_ACCOUNT_SID"`
	TwilioAuthToken  string `mapstructure:"TWILIO_AUTH_TOKEN"`
	TwilioFromNumber string `mapstructure:"TWILIO_FROM_NUMBER"`
	AWSRegion        string `mapstructure:"AWS_REGION"`

	OTPLength        int           `mapstructure:"OTP_LENGTH"`
	OTPTTL           time.Duration `mapstructure:"OTP_TTL"`
	OTPMaxAttempts   int           `mapstructure:"OTP_MAX_ATTEMPTS"`
	OTPSendPerMinute int           `mapstructure:"OTP_SEND_PER_MINUTE"`

	SOSCountdownTicks int           `mapstructure:"SOS_COUNTDOWN_TICKS"`
	SOSTickInterval   time.Duration `mapstructure:"SOS_TICK_INTERVAL"`
	SOSLocateTimeout  time.Duration `mapstructure:"SOS_LOCATE_TIMEOUT"`
	SOSSettleDelay    time.Duration `mapstructure:"SOS_SETTLE_DELAY"`
	SOSRetention      time.Duration `mapstructure:"SOS_RETENTION"`

	DefaultServiceRadiusKM float64 `mapstructure:"DEFAULT_SERVICE_RADIUS_KM"`
	HospitalLat            float64 `mapstructure:"HOSPITAL_LAT"`
	HospitalLng            float64 `mapstructure:"HOSPITAL_LNG"`

	TrackingPingPeriod time.Duration `mapstructure:"TRACKING_PING_PERIOD"`
	TrackingPongWait   time.Duration `mapstructure:"TRACKING_PONG_WAIT"`
	TrackingFinalGrace time.Duration `mapstructure:"TRACKING_FINAL_GRACE"`
	TrackingRetention  time.Duration `mapstructure:"TRACKING_RETENTION"`
	OffRouteKM         float64       `mapstructure:"OFF_ROUTE_KM"`

	IdempotencyTTL time.Duration `mapstructure:"IDEMPOTENCY_TTL"`
}

var defaults = map[string]any{
	"HTTP_ADDR":                 ":8080",
	"APP_ENV":                   "development",
	"LOG_LEVEL":                 "info",
	"LOG_FORMAT":                "json",
	"DATABASE_URL":              "",
	"REDIS_URL":                 "redis://redis:6379",
	"AUTH_MODE":                 "memory",
	"AUTH_TTL":                  "720h",
	"ROUTING_PROVIDER":          "osrm",
	"OSRM_URL":                  "https://router.project-osrm.org",
	"GOOGLE_MAPS_API_KEY":       "",
	"ROUTE_TIMEOUT":             "5s",
	"SMS_PROVIDER":              "log",
	"TWILIO_ACCOUNT_SID":        "",
	"TWILIO_AUTH_TOKEN":         "",
	"TWILIO_FROM_NUMBER":        "",
	"AWS_REGION":                "us-east-1",
	"OTP_LENGTH":                6,
	"OTP_TTL":                   "300s",
	"OTP_MAX_ATTEMPTS":          5,
	"OTP_SEND_PER_MINUTE":       3,
	"SOS_COUNTDOWN_TICKS":       5,
	"SOS_TICK_INTERVAL":         "1s",
	"SOS_LOCATE_TIMEOUT":        "5s",
	"SOS_SETTLE_DELAY":          "2s",
	"SOS_RETENTION":             "30m",
	"DEFAULT_SERVICE_RADIUS_KM": 25.0,
	"HOSPITAL_LAT":              0.0,
	"HOSPITAL_LNG":              0.0,
	"TRACKING_PING_PERIOD":      "54s",
	"TRACKING_PONG_WAIT":        "60s",
	"TRACKING_FINAL_GRACE":      "3s",
	"TRACKING_RETENTION":        "10m",
	"OFF_ROUTE_KM":              0.5,
	"IDEMPOTENCY_TTL":           "30m",
}

// Load reads config.yaml from the working directory or ./config when present,
// then applies environment overrides. Missing files are not an error.
func Load(paths ...string) (*Config, error) {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	if len(paths) == 0 {
		paths = []string{".", "./config"}
	}
	for _, p := range paths {
		v.AddConfigPath(p)
	}
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for k, val := range defaults {
		v.SetDefault(k, val)
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects settings the service cannot run with.
func (c *Config) Validate() error {
	switch c.RoutingProvider {
	case "osrm", "google", "none":
	default:
		return fmt.Errorf("config: unknown ROUTING_PROVIDER %q", c.RoutingProvider)
	}
	if c.RoutingProvider == "google" && c.GoogleMapsAPIKey == "" {
		return errors.New("config: GOOGLE_MAPS_API_KEY is required for the google routing provider")
	}
	switch c.SMSProvider {
	case "log", "twilio", "sns":
	default:
		return fmt.Errorf("config: unknown SMS_PROVIDER %q", c.SMSProvider)
	}
	if c.OTPLength < 4 || c.OTPLength > 8 {
		return fmt.Errorf("config: OTP_LENGTH must be between 4 and 8, got %d", c.OTPLength)
	}
	return nil
}

func (c *Config) IsProduction() bool {
	return c.AppEnv == "production"
}

// Hospital reports the configured drop-off point. Unset coordinates mean the
// route ends at the pickup.
func (c *Config) Hospital() (lat, lng float64, ok bool) {
	if c.HospitalLat == 0 && c.HospitalLng == 0 {
		return 0, 0, false
	}
	return c.HospitalLat, c.HospitalLng, true
}
