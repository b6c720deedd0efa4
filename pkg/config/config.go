// Package config loads runtime settings from a YAML file and WARDEN_
// environment variables via Viper.
package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// Config is the top-level configuration struct for the application.
// Tags are used by Viper to map YAML keys to struct fields.
type Config struct {
	LogLevel string `mapstructure:"log_level"`
	LogFile  string `mapstructure:"log_file"`
	APIAddr  string `mapstructure:"api_addr"`

	Detection DetectionConfig `mapstructure:"detection"`
	Models    ModelsConfig    `mapstructure:"models"`
	Store     StoreConfig     `mapstructure:"store"`
	Explain   ExplainConfig   `mapstructure:"explain"`
	Alerts    AlertsConfig    `mapstructure:"alerts"`
}

// DetectionConfig tunes score fusion and the verdict threshold.
type DetectionConfig struct {
	Threshold      float64 `mapstructure:"threshold"`
	AlertThreshold float64 `mapstructure:"alert_threshold"`
	ForestWeight   float64 `mapstructure:"forest_weight"`
	LSTMWeight     float64 `mapstructure:"lstm_weight"`
}

// ModelsConfig points at the model artifacts. Empty paths leave the matching
// provider unavailable and the heuristic carries the score.
type ModelsConfig struct {
	ForestPath string `mapstructure:"forest_path"`
	LSTMPath   string `mapstructure:"lstm_path"`
	// WatchArtifacts enables hot reload of changed artifacts.
	WatchArtifacts bool `mapstructure:"watch_artifacts"`
}

// StoreConfig selects persistence. An empty SQLitePath keeps detections in
// memory.
type StoreConfig struct {
	SQLitePath string `mapstructure:"sqlite_path"`
}

// ExplainConfig wires the narrative backend.
type ExplainConfig struct {
	NarrativeEndpoint string `mapstructure:"narrative_endpoint"`
	NarrativeAPIKey   string `mapstructure:"narrative_api_key"`
	NarrativeModel    string `mapstructure:"narrative_model"`
}

// AlertsConfig configures outbound alert channels.
type AlertsConfig struct {
	Enabled           bool   `mapstructure:"enabled"`
	SuppressionWindow string `mapstructure:"suppression_window"`

	SlackWebhookURL string `mapstructure:"slack_webhook_url"`

	SMTPHost     string   `mapstructure:"smtp_host"`
	SMTPPort     int      `mapstructure:"smtp_port"`
	SMTPUsername string   `mapstructure:"smtp_username"`
	SMTPPassword string   `mapstructure:"smtp_password"`
	SMTPFrom     string   `mapstructure:"smtp_from"`
	SMTPTo       []string `mapstructure:"smtp_to"`

	NATSURL     string `mapstructure:"nats_url"`
	NATSSubject string `mapstructure:"nats_subject"`
}

// LoadConfig reads the configuration from a YAML file (e.g., config.yaml) and
// environment variables, with defaults filled in for everything the file
// omits.
func LoadConfig() (*Config, error) {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/warden/")

	v.SetDefault("log_level", "info")
	v.SetDefault("api_addr", ":8080")
	v.SetDefault("detection.threshold", 0.7)
	v.SetDefault("detection.alert_threshold", 0.9)
	v.SetDefault("detection.forest_weight", 0.6)
	v.SetDefault("detection.lstm_weight", 0.4)
	v.SetDefault("models.watch_artifacts", false)
	v.SetDefault("alerts.enabled", false)
	v.SetDefault("alerts.suppression_window", "15m")
	v.SetDefault("alerts.smtp_port", 587)

	v.SetEnvPrefix("WARDEN")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	return &cfg, nil
}
