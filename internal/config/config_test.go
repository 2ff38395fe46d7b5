// File: internal/config/config_test.go
package config

import (
	"bytes"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// -- Constructor and Defaults Tests --

func TestNewDefaultConfig(t *testing.T) {
	cfg := NewDefaultConfig()

	assert.Equal(t, "info", cfg.Logger.Level)
	assert.Equal(t, "youbridge", cfg.Logger.ServiceName)
	assert.False(t, cfg.Browser.Headless)
	assert.Equal(t, 60*time.Second, cfg.Browser.NavigationTimeout)
	assert.Equal(t, 5*time.Second, cfg.Browser.InitialLoadWait)
	assert.Equal(t, 30*time.Second, cfg.Browser.ChallengeWait)
	assert.Equal(t, "https://you.com", cfg.Provider.Origin)
	assert.Equal(t, "ja-JP", cfg.Provider.Market)
	assert.Equal(t, StoreDriverFile, cfg.Store.Driver)
	assert.Empty(t, cfg.Sessions)
	assert.NoError(t, cfg.Validate())
}

// -- Validation Logic Tests --

func TestConfigValidation(t *testing.T) {
	t.Run("Browser Validation", func(t *testing.T) {
		cfg := NewDefaultConfig()
		cfg.Browser.NavigationTimeout = 0
		err := cfg.Validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "navigation_timeout must be a positive duration")

		cfg = NewDefaultConfig()
		cfg.Browser.ChallengeWait = -time.Second
		err = cfg.Validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "must not be negative")

		cfg = NewDefaultConfig()
		cfg.Browser.ProfileDir = ""
		assert.Error(t, cfg.Validate())
	})

	t.Run("Provider Validation", func(t *testing.T) {
		cfg := NewDefaultConfig()
		cfg.Provider.Origin = "you.com"
		err := cfg.Validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "origin must be an absolute URL")
	})

	t.Run("Store Validation", func(t *testing.T) {
		s := StoreConfig{Driver: StoreDriverPostgres}
		err := s.Validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "postgres.url is required")

		s.Postgres.URL = "postgres://localhost/youbridge"
		assert.NoError(t, s.Validate())

		assert.NoError(t, (&StoreConfig{Driver: StoreDriverMemory}).Validate())
		assert.Error(t, (&StoreConfig{Driver: "redis"}).Validate())
		assert.Error(t, (&StoreConfig{Driver: StoreDriverFile}).Validate())
	})
}

// -- Viper Integration Tests --

func TestNewConfigFromViper(t *testing.T) {
	yamlConfig := []byte(`
logger:
  level: debug
browser:
  headless: true
  challenge_wait: 10s
provider:
  origin: http://127.0.0.1:8080
sessions:
  - cookie: "stytch_session=a; stytch_session_jwt=b"
  - cookie: "stytch_session=c"
`)
	v := viper.New()
	SetDefaults(v)
	v.SetConfigType("yaml")
	require.NoError(t, v.ReadConfig(bytes.NewBuffer(yamlConfig)))

	cfg, err := NewConfigFromViper(v)
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.Logger.Level)
	assert.True(t, cfg.Browser.Headless)
	assert.Equal(t, 10*time.Second, cfg.Browser.ChallengeWait)
	// Unset values fall back to defaults.
	assert.Equal(t, 60*time.Second, cfg.Browser.NavigationTimeout)
	assert.Equal(t, "http://127.0.0.1:8080", cfg.Provider.Origin)
	require.Len(t, cfg.Sessions, 2)
	assert.Equal(t, "stytch_session=c", cfg.Sessions[1].Cookie)
}

func TestNewConfigFromViper_Invalid(t *testing.T) {
	v := viper.New()
	SetDefaults(v)
	v.Set("store.driver", "postgres")

	_, err := NewConfigFromViper(v)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid configuration")
}

func TestNewConfigFromViper_PostgresURLFromEnv(t *testing.T) {
	t.Setenv("YOUBRIDGE_STORE_POSTGRES_URL", "postgres://env-host/db")
	v := viper.New()
	SetDefaults(v)
	v.Set("store.driver", "postgres")

	cfg, err := NewConfigFromViper(v)
	require.NoError(t, err)
	assert.Equal(t, "postgres://env-host/db", cfg.Store.Postgres.URL)
}
