package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	cfg := Defaults()
	assert.Equal(t, 14, cfg.Storage.MetricsRetentionDays)
	assert.Equal(t, 7, cfg.Storage.EventsRetentionDays)
	assert.Equal(t, ModeProduction, cfg.TrainingMode)
	assert.True(t, cfg.API.Enabled)
}

func TestEnvOverlay(t *testing.T) {
	t.Setenv("POLICY_ENGINE_URL", "http://pe:5000")
	t.Setenv("FL_SERVER_HOST", "fl-server")
	t.Setenv("FL_SERVER_PORT", "9000")
	t.Setenv("API_AUTH_ENABLED", "true")
	t.Setenv("API_USERNAME", "admin")
	t.Setenv("NODE_IP_FL_SERVER", "10.0.0.10")
	t.Setenv("NODE_IP_POLICY_ENGINE", "10.0.0.20")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "http://pe:5000", cfg.PolicyEngineURL)
	assert.Equal(t, "http://fl-server:9000", cfg.FLServerURL)
	assert.True(t, cfg.API.AuthEnabled)
	assert.Equal(t, "admin", cfg.API.Username)

	ip, ok := cfg.NodeIP("fl-server")
	require.True(t, ok)
	assert.Equal(t, "10.0.0.10", ip)

	ip, ok = cfg.NodeIP("policy-engine")
	require.True(t, ok)
	assert.Equal(t, "10.0.0.20", ip)
}

func TestFileOverlayJSON(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "collector.json")
	body := `{
		"fl_server_url": "http://file-fl:8000",
		"api": {"enabled": true, "host": "127.0.0.1", "port": 9001},
		"storage": {"metrics_retention_days": 3, "events_retention_days": 2, "cleanup_interval_hours": 1}
	}`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "http://file-fl:8000", cfg.FLServerURL)
	assert.Equal(t, 9001, cfg.API.Port)
	assert.Equal(t, 3, cfg.Storage.MetricsRetentionDays)
}

func TestFileOverlayYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "collector.yaml")
	body := "sdn_controller_url: http://ryu:8181\nlog_level: debug\n"
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "http://ryu:8181", cfg.SDNControllerURL)
	assert.Equal(t, "debug", cfg.LogLevel)
}

func TestMissingFileIsError(t *testing.T) {
	_, err := Load("/nonexistent/collector.json")
	assert.Error(t, err)
}

func TestTrainingModeIntervals(t *testing.T) {
	t.Setenv("TRAINING_MODE", "mock")
	cfg, err := Load("")
	require.NoError(t, err)
	assert.True(t, cfg.DevMode())
	assert.Equal(t, 5, cfg.Monitor.FLIntervalSec)

	// Explicit interval overrides survive the mode adjustment.
	t.Setenv("FL_INTERVAL_SEC", "42")
	cfg, err = Load("")
	require.NoError(t, err)
	assert.Equal(t, 42, cfg.Monitor.FLIntervalSec)
}
