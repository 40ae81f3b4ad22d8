package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(t.TempDir())
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.HTTPAddr)
	assert.Equal(t, 5, cfg.SOSCountdownTicks)
	assert.Equal(t, time.Second, cfg.SOSTickInterval)
	assert.Equal(t, 2*time.Second, cfg.SOSSettleDelay)
	assert.Equal(t, 300*time.Second, cfg.OTPTTL)
	assert.Equal(t, 5, cfg.OTPMaxAttempts)
	assert.Equal(t, 720*time.Hour, cfg.AuthTTL)
	assert.InDelta(t, 0.5, cfg.OffRouteKM, 1e-9)
	assert.False(t, cfg.IsProduction())
}

func TestLoadFileAndEnv(t *testing.T) {
	dir := t.TempDir()
	yaml := "HTTP_ADDR: \":9090\"\nSOS_COUNTDOWN_TICKS: 3\nSMS_PROVIDER: twilio\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0o600))
	t.Setenv("SOS_COUNTDOWN_TICKS", "7")
	t.Setenv("APP_ENV", "production")

	cfg, err := Load(dir)
	require.NoError(t, err)
	assert.Equal(t, ":9090", cfg.HTTPAddr)
	assert.Equal(t, 7, cfg.SOSCountdownTicks, "environment wins over the file")
	assert.Equal(t, "twilio", cfg.SMSProvider)
	assert.True(t, cfg.IsProduction())
}

func TestValidate(t *testing.T) {
	t.Setenv("ROUTING_PROVIDER", "google")
	_, err := Load(t.TempDir())
	require.Error(t, err)

	t.Setenv("ROUTING_PROVIDER", "osrm")
	t.Setenv("OTP_LENGTH", "12")
	_, err = Load(t.TempDir())
	require.Error(t, err)
}

func TestHospital(t *testing.T) {
	cfg, err := Load(t.TempDir())
	require.NoError(t, err)
	_, _, ok := cfg.Hospital()
	assert.False(t, ok)

	t.Setenv("HOSPITAL_LAT", "12.93")
	t.Setenv("HOSPITAL_LNG", "77.61")
	cfg, err = Load(t.TempDir())
	require.NoError(t, err)
	lat, lng, ok := cfg.Hospital()
	require.True(t, ok)
	assert.InDelta(t, 12.93, lat, 1e-9)
	assert.InDelta(t, 77.61, lng, 1e-9)
}
