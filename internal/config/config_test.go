package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.HTTP.Addr)
	assert.Equal(t, "memory", cfg.Store.Backend)
	assert.Equal(t, 15.0, cfg.Matching.RadiusKm)
	assert.Equal(t, 10, cfg.Matching.Limit)
	assert.Equal(t, 5*time.Minute, cfg.Matching.FreshnessWindow)
	assert.Equal(t, 2*time.Second, cfg.Matching.ETATimeout)
	assert.Equal(t, 60*time.Second, cfg.Dispatch.OfferTTL)
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("RIDEHAIL_MATCHING_RADIUS_KM", "7.5")
	t.Setenv("RIDEHAIL_DISPATCH_OFFER_TTL", "30s")
	t.Setenv("RIDEHAIL_GEO_BACKEND", "redis")
	t.Setenv("RIDEHAIL_MATCHING_ETA_TIMEOUT", "750ms")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 7.5, cfg.Matching.RadiusKm)
	assert.Equal(t, 30*time.Second, cfg.Dispatch.OfferTTL)
	assert.Equal(t, "redis", cfg.Geo.Backend)
	assert.Equal(t, 750*time.Millisecond, cfg.Matching.ETATimeout)
}

func TestLoad_InvalidBackend(t *testing.T) {
	t.Setenv("RIDEHAIL_STORE_BACKEND", "sqlite")
	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "sqlite")
}

func TestLoad_FirebaseNeedsDatabaseURL(t *testing.T) {
	t.Setenv("RIDEHAIL_STORE_BACKEND", "firebase")
	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "DATABASE_URL")
}
