package config

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLoadConfig(t *testing.T) {
	// Create a temporary config file for testing
	testConfigContent := `
log_level: debug
api_addr: ":9090"
detection:
  threshold: 0.75
  alert_threshold: 0.92
models:
  forest_path: /var/lib/warden/forest.json
  lstm_path: /var/lib/warden/lstm.json
store:
  sqlite_path: /var/lib/warden/warden.db
alerts:
  enabled: true
  slack_webhook_url: https://hooks.slack.example/T000/B000
  smtp_to:
    - soc@example.org
`

	err := os.WriteFile("config.yaml", []byte(testConfigContent), 0644)
	assert.NoError(t, err)
	defer os.Remove("config.yaml") // Clean up the test config file

	cfg, err := LoadConfig()
	assert.NoError(t, err)
	assert.NotNil(t, cfg)

	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, ":9090", cfg.APIAddr)
	assert.Equal(t, 0.75, cfg.Detection.Threshold)
	assert.Equal(t, 0.92, cfg.Detection.AlertThreshold)

	// Defaults fill in what the file omits.
	assert.Equal(t, 0.6, cfg.Detection.ForestWeight)
	assert.Equal(t, 0.4, cfg.Detection.LSTMWeight)
	assert.False(t, cfg.Models.WatchArtifacts)
	assert.Equal(t, "15m", cfg.Alerts.SuppressionWindow)
	assert.Equal(t, 587, cfg.Alerts.SMTPPort)

	assert.Equal(t, "/var/lib/warden/forest.json", cfg.Models.ForestPath)
	assert.Equal(t, "/var/lib/warden/warden.db", cfg.Store.SQLitePath)
	assert.True(t, cfg.Alerts.Enabled)
	assert.Equal(t, []string{"soc@example.org"}, cfg.Alerts.SMTPTo)

	// Test with environment variable override
	os.Setenv("WARDEN_API_ADDR", ":9091")
	defer os.Unsetenv("WARDEN_API_ADDR")

	cfg, err = LoadConfig()
	assert.NoError(t, err)
	assert.Equal(t, ":9091", cfg.APIAddr)
}

func TestLoadConfigDefaultsWithoutFile(t *testing.T) {
	dir, err := os.Getwd()
	assert.NoError(t, err)
	tmp := t.TempDir()
	assert.NoError(t, os.Chdir(tmp))
	defer os.Chdir(dir)

	cfg, err := LoadConfig()
	assert.NoError(t, err)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, ":8080", cfg.APIAddr)
	assert.Equal(t, 0.7, cfg.Detection.Threshold)
	assert.Equal(t, 0.9, cfg.Detection.AlertThreshold)
	assert.False(t, cfg.Alerts.Enabled)
}
