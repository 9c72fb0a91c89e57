package config

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strconv"

	"github.com/rs/zerolog/log"
)

type Config struct {
	Server   ServerConfig   `json:"server"`
	Database DatabaseConfig `json:"database"`
	Logging  LoggingConfig  `json:"logging"`
	Redis    RedisConfig    `json:"redis"`
	Alerting AlertingConfig `json:"alerting"`
}

type ServerConfig struct {
	BindAddr  string `json:"bindAddr"`
	AuthToken string `json:"authToken"`
}

type DatabaseConfig struct {
	Host     string `json:"host"`
	Port     int    `json:"port"`
	User     string `json:"user"`
	Password string `json:"password"`
	DBName   string `json:"dbname"`
	SSLMode  string `json:"sslmode"`
}

// DSN renders a libpq-style connection string understood by pgx.
func (c *DatabaseConfig) DSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.DBName, c.SSLMode)
}

type LoggingConfig struct {
	Level string `json:"level"`
}

type RedisConfig struct {
	Addr     string `json:"addr"`
	Password string `json:"password"`
	DB       int    `json:"db"`
}

type AlertingConfig struct {
	Engine     EngineConfig     `json:"engine"`
	Metrics    MetricsConfig    `json:"metrics"`
	Executor   ExecutorConfig   `json:"executor"`
	Escalation EscalationConfig `json:"escalation"`
	Notify     NotifyConfig     `json:"notify"`
}

type EngineConfig struct {
	TickInterval string `json:"tickInterval"` // e.g. "30s"
	Workers      int    `json:"workers"`
	EventChSize  int    `json:"eventChanSize"`
	GCGrace      string `json:"gcGrace"` // grace before inactive instances are dropped
	RulesFile    string `json:"rulesFile"` // combined rule + runbook definitions (YAML)
}

type MetricsConfig struct {
	PrometheusURL string `json:"prometheusURL"`
	QueryTimeout  string `json:"queryTimeout"`
}

type ExecutorConfig struct {
	RunnerURL     string `json:"runnerURL"` // action runner endpoint, e.g. container manager shim
	RunnerTimeout string `json:"runnerTimeout"`
	MaxRetries    int    `json:"maxRetries"`
	BackoffBase   string `json:"backoffBase"`
}

type EscalationConfig struct {
	// Tiers is the ordered contact ladder; index 0 is paged first.
	Tiers           []ContactTier `json:"tiers"`
	RepageBackoff   string        `json:"repageBackoff"`   // base interval added per escalated tier
	CriticalWindow  string        `json:"criticalWindow"`  // default escalation window for critical-class tiers
	WarningWindow   string        `json:"warningWindow"`   // default escalation window for warning-class tiers
	MaxRepageWindow string        `json:"maxRepageWindow"` // cap on re-page interval growth
}

type ContactTier struct {
	Name    string `json:"name"`
	Channel string `json:"channel"` // "primary" or "fallback" binding
	Target  string `json:"target"`  // channel-specific address (webhook path, room, ...)
}

type NotifyConfig struct {
	PrimaryURL   string `json:"primaryURL"`
	FallbackURL  string `json:"fallbackURL"`
	SendTimeout  string `json:"sendTimeout"`
	DashboardURL string `json:"dashboardURL"` // template for links attached to notifications
}

func Load() (*Config, error) {
	configFile := flag.String("f", "", "Path to configuration file")
	flag.Parse()

	cfg := &Config{
		Server: ServerConfig{
			BindAddr:  getEnv("SERVER_BIND_ADDR", "0.0.0.0:8080"),
			AuthToken: getEnv("SERVER_AUTH_TOKEN", ""),
		},
		Database: DatabaseConfig{
			Host:     getEnv("DB_HOST", "localhost"),
			Port:     getEnvInt("DB_PORT", 5432),
			User:     getEnv("DB_USER", "admin"),
			Password: getEnv("DB_PASSWORD", "password"),
			DBName:   getEnv("DB_NAME", "vigil"),
			SSLMode:  getEnv("DB_SSLMODE", "disable"),
		},
		Logging: LoggingConfig{
			Level: getEnv("LOG_LEVEL", "debug"),
		},
		Redis: RedisConfig{
			// empty addr means no Redis; silences stay in process memory
			Addr:     getEnv("REDIS_ADDR", ""),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvInt("REDIS_DB", 0),
		},
		Alerting: AlertingConfig{
			Engine: EngineConfig{
				TickInterval: getEnv("ENGINE_TICK_INTERVAL", "30s"),
				Workers:      getEnvInt("ENGINE_WORKERS", 4),
				EventChSize:  getEnvInt("ENGINE_EVENT_CHAN_SIZE", 1024),
				GCGrace:      getEnv("ENGINE_GC_GRACE", "10m"),
				RulesFile:    getEnv("ALERT_RULES_FILE", "rules.yaml"),
			},
			Metrics: MetricsConfig{
				PrometheusURL: getEnv("PROMETHEUS_URL", "http://localhost:9090"),
				QueryTimeout:  getEnv("PROMETHEUS_QUERY_TIMEOUT", "30s"),
			},
			Executor: ExecutorConfig{
				RunnerURL:     getEnv("ACTION_RUNNER_URL", ""),
				RunnerTimeout: getEnv("ACTION_RUNNER_TIMEOUT", "60s"),
				MaxRetries:    getEnvInt("ACTION_MAX_RETRIES", 3),
				BackoffBase:   getEnv("ACTION_BACKOFF_BASE", "2s"),
			},
			Escalation: EscalationConfig{
				RepageBackoff:   getEnv("ESCALATION_REPAGE_BACKOFF", "15m"),
				CriticalWindow:  getEnv("ESCALATION_CRITICAL_WINDOW", "10m"),
				WarningWindow:   getEnv("ESCALATION_WARNING_WINDOW", "1h"),
				MaxRepageWindow: getEnv("ESCALATION_MAX_REPAGE_WINDOW", "2h"),
			},
			Notify: NotifyConfig{
				PrimaryURL:   getEnv("NOTIFY_PRIMARY_URL", ""),
				FallbackURL:  getEnv("NOTIFY_FALLBACK_URL", ""),
				SendTimeout:  getEnv("NOTIFY_SEND_TIMEOUT", "10s"),
				DashboardURL: getEnv("NOTIFY_DASHBOARD_URL", ""),
			},
		},
	}

	if *configFile != "" {
		if err := loadFromFile(cfg, *configFile); err != nil {
			log.Err(err)
			return nil, err
		}
	}

	// fill reasonable defaults when fields omitted in file
	if cfg.Server.BindAddr == "" {
		cfg.Server.BindAddr = "0.0.0.0:8080"
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "debug"
	}
	if cfg.Alerting.Engine.TickInterval == "" {
		cfg.Alerting.Engine.TickInterval = "30s"
	}
	if cfg.Alerting.Engine.Workers <= 0 {
		cfg.Alerting.Engine.Workers = 4
	}
	if cfg.Alerting.Engine.EventChSize <= 0 {
		cfg.Alerting.Engine.EventChSize = 1024
	}
	if cfg.Alerting.Engine.GCGrace == "" {
		cfg.Alerting.Engine.GCGrace = "10m"
	}
	if cfg.Alerting.Metrics.QueryTimeout == "" {
		cfg.Alerting.Metrics.QueryTimeout = "30s"
	}
	if cfg.Alerting.Executor.MaxRetries <= 0 {
		cfg.Alerting.Executor.MaxRetries = 3
	}
	if cfg.Alerting.Executor.BackoffBase == "" {
		cfg.Alerting.Executor.BackoffBase = "2s"
	}
	if cfg.Alerting.Escalation.CriticalWindow == "" {
		cfg.Alerting.Escalation.CriticalWindow = "10m"
	}
	if cfg.Alerting.Escalation.WarningWindow == "" {
		cfg.Alerting.Escalation.WarningWindow = "1h"
	}
	if cfg.Alerting.Notify.SendTimeout == "" {
		cfg.Alerting.Notify.SendTimeout = "10s"
	}

	return cfg, nil
}

func loadFromFile(cfg *Config, filePath string) error {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return fmt.Errorf("failed to read config file %s: %w", filePath, err)
	}

	if err := json.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", filePath, err)
	}

	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}
