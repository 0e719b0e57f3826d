package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, ":8081", cfg.HTTPAddr)
	assert.Equal(t, "postgres", cfg.StoreDriver)
	assert.Equal(t, 5, cfg.CheckoutRateLimit)
	assert.Equal(t, time.Minute, cfg.CheckoutRateWindow)
	assert.Equal(t, 20, cfg.AdminRateLimit)
	assert.Equal(t, 30*time.Second, cfg.BreakerRecovery)
	assert.Equal(t, []string{"kafka:9092"}, cfg.KafkaBrokers)
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("KAFKA_BROKERS", "a:9092, b:9092,,")
	t.Setenv("STORE_DRIVER", "Memory")
	t.Setenv("CHECKOUT_RATE_WINDOW", "90")
	t.Setenv("ADMIN_RATE_WINDOW", "2m")
	t.Setenv("PUBLIC_URL", "https://shop.example.com/")
	t.Setenv("CURRENCY", "EUR")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, []string{"a:9092", "b:9092"}, cfg.KafkaBrokers)
	assert.Equal(t, "memory", cfg.StoreDriver)
	assert.Equal(t, 90*time.Second, cfg.CheckoutRateWindow)
	assert.Equal(t, 2*time.Minute, cfg.AdminRateWindow)
	assert.Equal(t, "https://shop.example.com", cfg.PublicURL)
	assert.Equal(t, "eur", cfg.Currency)
}

func TestLoadRejectsBadValues(t *testing.T) {
	t.Setenv("WORKER_COUNT", "many")
	t.Setenv("BREAKER_RECOVERY", "-5s")
	t.Setenv("RATE_LIMIT_BACKEND", "memcached")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "WORKER_COUNT")
	assert.Contains(t, err.Error(), "BREAKER_RECOVERY")
	assert.Contains(t, err.Error(), "RATE_LIMIT_BACKEND")
}
