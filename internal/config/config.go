// Package config resolves the collector's runtime configuration.
//
// Overlay order is: built-in defaults, then environment variables, then an
// optional config file (JSON or YAML). Later layers win.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	yaml "gopkg.in/yaml.v2"
)

// Training modes. Mock and development run with faster collection cadences.
const (
	ModeProduction  = "production"
	ModeDevelopment = "development"
	ModeMock        = "mock"
)

// Config holds the effective configuration for the whole process.
type Config struct {
	PolicyEngineURL  string `json:"policy_engine_url" yaml:"policy_engine_url"`
	FLServerURL      string `json:"fl_server_url" yaml:"fl_server_url"`
	SDNControllerURL string `json:"sdn_controller_url" yaml:"sdn_controller_url"`

	MetricsOutputDir string `json:"metrics_output_dir" yaml:"metrics_output_dir"`

	API     APIConfig     `json:"api" yaml:"api"`
	Monitor MonitorConfig `json:"monitor" yaml:"monitor"`
	Policy  PolicyConfig  `json:"policy" yaml:"policy"`
	Flow    FlowConfig    `json:"flow" yaml:"flow"`
	Storage StorageConfig `json:"storage" yaml:"storage"`

	TrainingMode string `json:"training_mode" yaml:"training_mode"`
	LogLevel     string `json:"log_level" yaml:"log_level"`
}

// APIConfig configures the query/streaming API server.
type APIConfig struct {
	Enabled        bool     `json:"enabled" yaml:"enabled"`
	Host           string   `json:"host" yaml:"host"`
	Port           int      `json:"port" yaml:"port"`
	AuthEnabled    bool     `json:"auth_enabled" yaml:"auth_enabled"`
	Username       string   `json:"username" yaml:"username"`
	Password       string   `json:"password" yaml:"password"`
	EnableCORS     bool     `json:"enable_cors" yaml:"enable_cors"`
	AllowedOrigins []string `json:"allowed_origins" yaml:"allowed_origins"`
	RateLimitPerMin int     `json:"rate_limit_per_min" yaml:"rate_limit_per_min"`
}

// MonitorConfig holds the per-monitor collection intervals in seconds.
type MonitorConfig struct {
	PolicyIntervalSec  int `json:"policy_interval_sec" yaml:"policy_interval_sec"`
	FLIntervalSec      int `json:"fl_interval_sec" yaml:"fl_interval_sec"`
	NetworkIntervalSec int `json:"network_interval_sec" yaml:"network_interval_sec"`
	EventIntervalSec   int `json:"event_interval_sec" yaml:"event_interval_sec"`
}

// PolicyConfig controls the startup policy gate.
type PolicyConfig struct {
	CheckEnabled     bool `json:"check_enabled" yaml:"check_enabled"`
	StrictPolicyMode bool `json:"strict_policy_mode" yaml:"strict_policy_mode"`
}

// FlowConfig configures the flow manager and its fallback behavior.
type FlowConfig struct {
	FallbackEnabled       bool              `json:"fallback_enabled" yaml:"fallback_enabled"`
	DefaultPolicyFile     string            `json:"default_policy_file" yaml:"default_policy_file"`
	TrafficPriorityAction string            `json:"traffic_priority_action" yaml:"traffic_priority_action"`
	NodeIPs               map[string]string `json:"node_ips" yaml:"node_ips"`
	SubnetPrefix          string            `json:"subnet_prefix" yaml:"subnet_prefix"`
	ClientIPRange         string            `json:"client_ip_range" yaml:"client_ip_range"`
}

// StorageConfig controls retention and cleanup cadence.
type StorageConfig struct {
	MetricsRetentionDays int `json:"metrics_retention_days" yaml:"metrics_retention_days"`
	EventsRetentionDays  int `json:"events_retention_days" yaml:"events_retention_days"`
	CleanupIntervalHours int `json:"cleanup_interval_hours" yaml:"cleanup_interval_hours"`
}

// Defaults returns the built-in configuration.
func Defaults() *Config {
	return &Config{
		PolicyEngineURL:  "http://localhost:5000",
		FLServerURL:      "http://localhost:8000",
		SDNControllerURL: "http://localhost:8181",
		MetricsOutputDir: "./metrics",
		API: APIConfig{
			Enabled:         true,
			Host:            "0.0.0.0",
			Port:            8001,
			EnableCORS:      true,
			AllowedOrigins:  []string{"*"},
			RateLimitPerMin: 600,
		},
		Monitor: MonitorConfig{
			PolicyIntervalSec:  30,
			FLIntervalSec:      10,
			NetworkIntervalSec: 15,
			EventIntervalSec:   10,
		},
		Policy: PolicyConfig{
			CheckEnabled: true,
		},
		Flow: FlowConfig{
			FallbackEnabled:       true,
			DefaultPolicyFile:     "config/default_policies.json",
			TrafficPriorityAction: "normal",
			NodeIPs:               map[string]string{},
		},
		Storage: StorageConfig{
			MetricsRetentionDays: 14,
			EventsRetentionDays:  7,
			CleanupIntervalHours: 6,
		},
		TrainingMode: ModeProduction,
		LogLevel:     "info",
	}
}

// Load builds the effective config: defaults, environment, then the file at
// path when non-empty. A missing file is an error only when explicitly named.
func Load(path string) (*Config, error) {
	cfg := Defaults()
	cfg.applyEnv()

	if path != "" {
		if err := cfg.applyFile(path); err != nil {
			return nil, err
		}
	}

	cfg.applyTrainingMode()
	return cfg, nil
}

func (c *Config) applyFile(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(raw, c); err != nil {
			return fmt.Errorf("parse yaml config: %w", err)
		}
	default:
		if err := json.Unmarshal(raw, c); err != nil {
			return fmt.Errorf("parse json config: %w", err)
		}
	}
	return nil
}

func (c *Config) applyEnv() {
	setStr(&c.PolicyEngineURL, "POLICY_ENGINE_URL")
	setStr(&c.MetricsOutputDir, "METRICS_OUTPUT_DIR")
	setStr(&c.TrainingMode, "TRAINING_MODE")
	setStr(&c.LogLevel, "LOG_LEVEL")

	// FL server: full URL wins, else host/port pair.
	if v := os.Getenv("FL_SERVER_URL"); v != "" {
		c.FLServerURL = v
	} else if host := os.Getenv("FL_SERVER_HOST"); host != "" {
		port := envOr("FL_SERVER_PORT", "8000")
		c.FLServerURL = fmt.Sprintf("http://%s:%s", host, port)
	}

	if v := os.Getenv("SDN_CONTROLLER_URL"); v != "" {
		c.SDNControllerURL = v
	} else if host := os.Getenv("SDN_CONTROLLER_HOST"); host != "" {
		port := envOr("SDN_CONTROLLER_PORT", "8181")
		c.SDNControllerURL = fmt.Sprintf("http://%s:%s", host, port)
	}

	setStr(&c.API.Host, "API_HOST")
	setInt(&c.API.Port, "METRICS_API_PORT")
	setInt(&c.API.Port, "API_PORT")
	setBool(&c.API.AuthEnabled, "API_AUTH_ENABLED")
	setStr(&c.API.Username, "API_USERNAME")
	setStr(&c.API.Password, "API_PASSWORD")
	setBool(&c.API.EnableCORS, "ENABLE_CORS")
	setInt(&c.API.RateLimitPerMin, "API_RATE_LIMIT_PER_MIN")
	if v := os.Getenv("API_ALLOWED_ORIGINS"); v != "" {
		parts := strings.Split(v, ",")
		origins := make([]string, 0, len(parts))
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				origins = append(origins, p)
			}
		}
		c.API.AllowedOrigins = origins
	}

	setInt(&c.Monitor.PolicyIntervalSec, "POLICY_INTERVAL_SEC")
	setInt(&c.Monitor.FLIntervalSec, "FL_INTERVAL_SEC")
	setInt(&c.Monitor.NetworkIntervalSec, "NETWORK_INTERVAL_SEC")
	setInt(&c.Monitor.EventIntervalSec, "EVENT_INTERVAL_SEC")

	setBool(&c.Policy.StrictPolicyMode, "STRICT_POLICY_MODE")
	setBool(&c.Policy.CheckEnabled, "CHECK_POLICY_ENABLED")

	setBool(&c.Flow.FallbackEnabled, "POLICY_FALLBACK_ENABLED")
	setStr(&c.Flow.DefaultPolicyFile, "DEFAULT_POLICY_FILE")
	setStr(&c.Flow.TrafficPriorityAction, "TRAFFIC_PRIORITY_ACTION")
	setStr(&c.Flow.SubnetPrefix, "SUBNET_PREFIX")
	setStr(&c.Flow.ClientIPRange, "CLIENT_IP_RANGE")

	setInt(&c.Storage.MetricsRetentionDays, "RETENTION_DAYS_METRICS")
	setInt(&c.Storage.EventsRetentionDays, "RETENTION_DAYS_EVENTS")
	setInt(&c.Storage.CleanupIntervalHours, "CLEANUP_INTERVAL_HOURS")

	// NODE_IP_<TYPE> keys map role tokens to addresses for rule resolution.
	for _, kv := range os.Environ() {
		if !strings.HasPrefix(kv, "NODE_IP_") {
			continue
		}
		eq := strings.IndexByte(kv, '=')
		if eq < 0 {
			continue
		}
		key := strings.TrimPrefix(kv[:eq], "NODE_IP_")
		if key == "" || kv[eq+1:] == "" {
			continue
		}
		if c.Flow.NodeIPs == nil {
			c.Flow.NodeIPs = map[string]string{}
		}
		c.Flow.NodeIPs[strings.ToUpper(key)] = kv[eq+1:]
	}
}

// applyTrainingMode tightens intervals for mock/development runs unless the
// operator already overrode them.
func (c *Config) applyTrainingMode() {
	if c.TrainingMode != ModeMock && c.TrainingMode != ModeDevelopment {
		return
	}
	if c.Monitor.PolicyIntervalSec == Defaults().Monitor.PolicyIntervalSec {
		c.Monitor.PolicyIntervalSec = 10
	}
	if c.Monitor.FLIntervalSec == Defaults().Monitor.FLIntervalSec {
		c.Monitor.FLIntervalSec = 5
	}
	if c.Monitor.NetworkIntervalSec == Defaults().Monitor.NetworkIntervalSec {
		c.Monitor.NetworkIntervalSec = 5
	}
	if c.Monitor.EventIntervalSec == Defaults().Monitor.EventIntervalSec {
		c.Monitor.EventIntervalSec = 5
	}
}

// DevMode reports whether the process runs with relaxed failure thresholds.
func (c *Config) DevMode() bool {
	return c.TrainingMode == ModeMock || c.TrainingMode == ModeDevelopment
}

// PolicyInterval and friends expose the cadences as durations.
func (c *Config) PolicyInterval() time.Duration {
	return time.Duration(c.Monitor.PolicyIntervalSec) * time.Second
}

func (c *Config) FLInterval() time.Duration {
	return time.Duration(c.Monitor.FLIntervalSec) * time.Second
}

func (c *Config) NetworkInterval() time.Duration {
	return time.Duration(c.Monitor.NetworkIntervalSec) * time.Second
}

func (c *Config) EventInterval() time.Duration {
	return time.Duration(c.Monitor.EventIntervalSec) * time.Second
}

// NodeIP resolves a role token (e.g. "fl-server") to a configured address.
func (c *Config) NodeIP(token string) (string, bool) {
	key := strings.ToUpper(strings.NewReplacer("-", "_", " ", "_").Replace(token))
	ip, ok := c.Flow.NodeIPs[key]
	return ip, ok
}

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		switch strings.ToLower(v) {
		case "1", "true", "yes", "on":
			*dst = true
		case "0", "false", "no", "off":
			*dst = false
		}
	}
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
