package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadControllerDefaults(t *testing.T) {
	cfg, err := LoadController("")
	require.NoError(t, err)

	assert.Equal(t, 60*time.Second, cfg.TickInterval.Std())
	assert.Equal(t, 5*time.Second, cfg.HealthTimeout.Std())
	assert.Equal(t, 15*time.Second, cfg.StartTimeout.Std())
	assert.Equal(t, 15*time.Second, cfg.StopTimeout.Std())
	assert.Equal(t, 10*time.Minute, cfg.PrewakeLead.Std())
	assert.Equal(t, 8000, cfg.PortBase)
	assert.Equal(t, 10, cfg.DriftEvery)
}

func TestLoadControllerOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "controller.yaml")
	data := []byte("listen: \":9000\"\ntick_interval: 30s\nport_base: 9000\ntoken_secret: sekrit\n")
	require.NoError(t, os.WriteFile(path, data, 0600))

	cfg, err := LoadController(path)
	require.NoError(t, err)

	assert.Equal(t, ":9000", cfg.Listen)
	assert.Equal(t, 30*time.Second, cfg.TickInterval.Std())
	assert.Equal(t, 9000, cfg.PortBase)
	assert.Equal(t, "sekrit", cfg.TokenSecret)
	// Untouched fields keep defaults
	assert.Equal(t, 15*time.Second, cfg.StartTimeout.Std())
}

func TestLoadControllerBadInterval(t *testing.T) {
	path := filepath.Join(t.TempDir(), "controller.yaml")
	require.NoError(t, os.WriteFile(path, []byte("tick_interval: -5s\n"), 0600))

	_, err := LoadController(path)
	assert.Error(t, err)
}

func TestLoadAgent(t *testing.T) {
	cfg, err := LoadAgent("")
	require.NoError(t, err)
	assert.Equal(t, "localhost", cfg.AdvertiseHost)
	assert.Equal(t, "stint", cfg.Namespace)

	path := filepath.Join(t.TempDir(), "agent.yaml")
	require.NoError(t, os.WriteFile(path, []byte("advertise_host: lab-3.example.edu\n"), 0600))
	cfg, err = LoadAgent(path)
	require.NoError(t, err)
	assert.Equal(t, "lab-3.example.edu", cfg.AdvertiseHost)

	_, err = LoadAgent(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
