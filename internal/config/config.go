// Package config loads service settings from defaults, an optional YAML file
// named by CONFIG_FILE, and environment variables, in that order.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	OrchPort   int    `yaml:"orch_port"`
	DemoPort   int    `yaml:"demo_port"`
	DemoAppURL string `yaml:"demo_app_url"`

	MiniMax MiniMaxConfig `yaml:"minimax"`
	Datadog DatadogConfig `yaml:"datadog"`

	DetectionInterval time.Duration `yaml:"detection_interval"`
	IngestionLag      time.Duration `yaml:"ingestion_lag"`

	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`
}

type MiniMaxConfig struct {
	APIKey  string `yaml:"api_key"`
	Model   string `yaml:"model"`
	BaseURL string `yaml:"base_url"`
}

type DatadogConfig struct {
	APIKey       string `yaml:"api_key"`
	AppKey       string `yaml:"app_key"`
	Site         string `yaml:"site"`
	Service      string `yaml:"service"`
	Env          string `yaml:"env"`
	DashboardURL string `yaml:"dashboard_url"`
	UseMock      bool   `yaml:"use_mock"`
}

func Default() Config {
	return Config{
		OrchPort:   8000,
		DemoPort:   8001,
		DemoAppURL: "http://localhost:8001",
		MiniMax: MiniMaxConfig{
			Model:   "MiniMax-M2",
			BaseURL: "https://api.minimax.io/v1",
		},
		Datadog: DatadogConfig{
			Site:    "datadoghq.com",
			Service: "demo-checkout",
			Env:     "dev",
		},
		DetectionInterval: 5 * time.Second,
		IngestionLag:      60 * time.Second,
		LogLevel:          "info",
		LogFormat:         "text",
	}
}

// Load builds the configuration. A missing CONFIG_FILE is not an error; an
// unreadable or malformed one is.
func Load() (Config, error) {
	cfg := Default()

	if path := os.Getenv("CONFIG_FILE"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	var err error
	if cfg.OrchPort, err = getEnvInt("ORCH_PORT", cfg.OrchPort); err != nil {
		return cfg, err
	}
	if cfg.DemoPort, err = getEnvInt("DEMO_PORT", cfg.DemoPort); err != nil {
		return cfg, err
	}
	cfg.DemoAppURL = strings.TrimRight(getEnvOrDefault("DEMO_APP_URL", cfg.DemoAppURL), "/")

	cfg.MiniMax.APIKey = getEnvOrDefault("MINIMAX_API_KEY", cfg.MiniMax.APIKey)
	cfg.MiniMax.Model = getEnvOrDefault("MINIMAX_MODEL", cfg.MiniMax.Model)
	cfg.MiniMax.BaseURL = getEnvOrDefault("MINIMAX_BASE_URL", cfg.MiniMax.BaseURL)

	cfg.Datadog.APIKey = getEnvOrDefault("DD_API_KEY", cfg.Datadog.APIKey)
	cfg.Datadog.AppKey = getEnvOrDefault("DD_APP_KEY", cfg.Datadog.AppKey)
	cfg.Datadog.Site = getEnvOrDefault("DD_SITE", cfg.Datadog.Site)
	cfg.Datadog.Service = getEnvOrDefault("DD_SERVICE", cfg.Datadog.Service)
	cfg.Datadog.Env = getEnvOrDefault("DD_ENV", cfg.Datadog.Env)
	cfg.Datadog.DashboardURL = getEnvOrDefault("DD_DASHBOARD_URL", cfg.Datadog.DashboardURL)
	cfg.Datadog.UseMock = os.Getenv("USE_MOCK_MONITOR") == "true" || cfg.Datadog.UseMock

	if cfg.DetectionInterval, err = getEnvDuration("DETECTION_INTERVAL", cfg.DetectionInterval); err != nil {
		return cfg, err
	}
	if cfg.IngestionLag, err = getEnvDuration("INGESTION_LAG", cfg.IngestionLag); err != nil {
		return cfg, err
	}

	cfg.LogLevel = getEnvOrDefault("LOG_LEVEL", cfg.LogLevel)
	cfg.LogFormat = getEnvOrDefault("LOG_FORMAT", cfg.LogFormat)

	// Placeholder keys copied from example env files mean "not configured".
	if strings.HasPrefix(cfg.MiniMax.APIKey, "your_") {
		cfg.MiniMax.APIKey = ""
	}
	if strings.HasPrefix(cfg.Datadog.APIKey, "your_") {
		cfg.Datadog.APIKey = ""
	}

	return cfg, cfg.Validate()
}

func (c Config) Validate() error {
	if c.OrchPort <= 0 || c.OrchPort > 65535 {
		return fmt.Errorf("invalid orch_port %d", c.OrchPort)
	}
	if c.DemoPort <= 0 || c.DemoPort > 65535 {
		return fmt.Errorf("invalid demo_port %d", c.DemoPort)
	}
	if c.DetectionInterval <= 0 {
		return fmt.Errorf("detection_interval must be positive, got %s", c.DetectionInterval)
	}
	if c.IngestionLag <= 0 {
		return fmt.Errorf("ingestion_lag must be positive, got %s", c.IngestionLag)
	}
	return nil
}

func getEnvOrDefault(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) (int, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		return defaultVal, fmt.Errorf("invalid %s %q: %w", key, val, err)
	}
	return n, nil
}

// getEnvDuration accepts Go durations ("5s") or bare seconds ("5").
func getEnvDuration(key string, defaultVal time.Duration) (time.Duration, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	if secs, err := strconv.ParseFloat(val, 64); err == nil {
		return time.Duration(secs * float64(time.Second)), nil
	}
	d, err := time.ParseDuration(val)
	if err != nil {
		return defaultVal, fmt.Errorf("invalid %s %q: %w", key, val, err)
	}
	return d, nil
}
