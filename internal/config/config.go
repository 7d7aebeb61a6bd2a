package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config is the full runtime configuration. Values come from config.yaml,
// with LNFLOW_* environment variables (optionally via .env) taking precedence.
type Config struct {
	Node     NodeConfig     `yaml:"node"`
	Server   ServerConfig   `yaml:"server"`
	Store    StoreConfig    `yaml:"store"`
	Engine   EngineConfig   `yaml:"engine"`
	Telegram TelegramConfig `yaml:"telegram"`
	Verbose  bool           `yaml:"verbose"`
	DryRun   bool           `yaml:"dry_run"`
}

type NodeConfig struct {
	RESTHost          string `yaml:"rest_host"`
	TLSCertPath       string `yaml:"tls_cert_path"`
	MacaroonPath      string `yaml:"macaroon_path"`
	RequestTimeoutSec int    `yaml:"request_timeout_sec"`
}

type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

type StoreConfig struct {
	DSN string `yaml:"dsn"`
}

type TelegramConfig struct {
	Token  string `yaml:"token"`
	ChatID int64  `yaml:"chat_id"`
}

// EngineConfig is the policy engine's configuration surface.
type EngineConfig struct {
	RulesPath string `yaml:"rules_path"`

	// Fee rate limits (ppm).
	MinFeeRatePpm int `yaml:"min_fee_rate_ppm"`
	MaxFeeRatePpm int `yaml:"max_fee_rate_ppm"`

	// Per-change step bounds. Informational: changes beyond them are tagged,
	// not blocked.
	MaxFeeIncreasePct float64 `yaml:"max_fee_increase_pct"`
	MaxFeeDecreasePct float64 `yaml:"max_fee_decrease_pct"`

	// Cadence rules.
	MaxDailyChanges   int   `yaml:"max_daily_changes"`
	UpdateHoursUTC    []int `yaml:"update_hours_utc"`
	MinChangeGapHours int   `yaml:"min_change_gap_hours"`

	// Rollback thresholds.
	RollbackRevenueThreshold float64 `yaml:"rollback_revenue_threshold"`
	RollbackFlowThreshold    float64 `yaml:"rollback_flow_threshold"`

	// Balance strategy thresholds.
	HighBalanceThreshold float64 `yaml:"high_balance_threshold"`
	LowBalanceThreshold  float64 `yaml:"low_balance_threshold"`

	CycleIntervalMin    int `yaml:"cycle_interval_min"`
	SnapshotConcurrency int `yaml:"snapshot_concurrency"`
}

func Default() *Config {
	return &Config{
		Node: NodeConfig{
			RESTHost:          "https://localhost:8080",
			RequestTimeoutSec: 30,
		},
		Server: ServerConfig{
			Host: "127.0.0.1",
			Port: 9741,
		},
		Engine: EngineConfig{
			RulesPath:                "rules.yaml",
			MinFeeRatePpm:            1,
			MaxFeeRatePpm:            5000,
			MaxFeeIncreasePct:        0.5,
			MaxFeeDecreasePct:        0.3,
			MaxDailyChanges:          2,
			UpdateHoursUTC:           []int{9, 21},
			MinChangeGapHours:        4,
			RollbackRevenueThreshold: 0.3,
			RollbackFlowThreshold:    0.6,
			HighBalanceThreshold:     0.8,
			LowBalanceThreshold:      0.2,
			CycleIntervalMin:         30,
			SnapshotConcurrency:      10,
		},
		DryRun: true,
	}
}

// Load reads the YAML config file (missing file falls back to defaults) and
// applies environment overrides.
func Load(path string) (*Config, error) {
	cfg := Default()

	if strings.TrimSpace(path) != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("read config: %w", err)
			}
		} else if err := yaml.Unmarshal(raw, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	_ = godotenv.Load()
	cfg.applyEnv()
	cfg.normalize()
	return cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv("LNFLOW_NODE_REST_HOST"); v != "" {
		c.Node.RESTHost = v
	}
	if v := os.Getenv("LNFLOW_NODE_TLS_CERT"); v != "" {
		c.Node.TLSCertPath = v
	}
	if v := os.Getenv("LNFLOW_NODE_MACAROON"); v != "" {
		c.Node.MacaroonPath = v
	}
	if v := os.Getenv("LNFLOW_STORE_DSN"); v != "" {
		c.Store.DSN = v
	}
	if v := os.Getenv("LNFLOW_RULES_PATH"); v != "" {
		c.Engine.RulesPath = v
	}
	if v := os.Getenv("LNFLOW_TELEGRAM_TOKEN"); v != "" {
		c.Telegram.Token = v
	}
	if v := os.Getenv("LNFLOW_TELEGRAM_CHAT_ID"); v != "" {
		if id, err := strconv.ParseInt(v, 10, 64); err == nil {
			c.Telegram.ChatID = id
		}
	}
	if v := os.Getenv("LNFLOW_MIN_FEE_RATE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Engine.MinFeeRatePpm = n
		}
	}
	if v := os.Getenv("LNFLOW_MAX_FEE_RATE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Engine.MaxFeeRatePpm = n
		}
	}
	if v := os.Getenv("LNFLOW_VERBOSE"); v != "" {
		c.Verbose = parseBool(v)
	}
	if v := os.Getenv("LNFLOW_DRY_RUN"); v != "" {
		c.DryRun = parseBool(v)
	}
}

func parseBool(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "true", "1", "yes", "on":
		return true
	}
	return false
}

func (c *Config) normalize() {
	if c.Engine.MinFeeRatePpm < 1 {
		c.Engine.MinFeeRatePpm = 1
	}
	if c.Engine.MaxFeeRatePpm <= 0 {
		c.Engine.MaxFeeRatePpm = 5000
	}
	if c.Engine.MaxFeeRatePpm < c.Engine.MinFeeRatePpm {
		c.Engine.MaxFeeRatePpm = c.Engine.MinFeeRatePpm
	}
	if c.Engine.MaxDailyChanges <= 0 {
		c.Engine.MaxDailyChanges = 2
	}
	if len(c.Engine.UpdateHoursUTC) == 0 {
		c.Engine.UpdateHoursUTC = []int{9, 21}
	}
	if c.Engine.MinChangeGapHours <= 0 {
		c.Engine.MinChangeGapHours = 4
	}
	if c.Engine.RollbackRevenueThreshold <= 0 {
		c.Engine.RollbackRevenueThreshold = 0.3
	}
	if c.Engine.RollbackFlowThreshold <= 0 {
		c.Engine.RollbackFlowThreshold = 0.6
	}
	if c.Engine.HighBalanceThreshold <= 0 || c.Engine.HighBalanceThreshold > 1 {
		c.Engine.HighBalanceThreshold = 0.8
	}
	if c.Engine.LowBalanceThreshold <= 0 || c.Engine.LowBalanceThreshold >= c.Engine.HighBalanceThreshold {
		c.Engine.LowBalanceThreshold = 0.2
	}
	if c.Engine.CycleIntervalMin <= 0 {
		c.Engine.CycleIntervalMin = 30
	}
	if c.Engine.SnapshotConcurrency <= 0 {
		c.Engine.SnapshotConcurrency = 10
	}
	if c.Node.RequestTimeoutSec <= 0 {
		c.Node.RequestTimeoutSec = 30
	}
}

func (c *Config) CycleInterval() time.Duration {
	return time.Duration(c.Engine.CycleIntervalMin) * time.Minute
}

func (c *Config) NodeRequestTimeout() time.Duration {
	return time.Duration(c.Node.RequestTimeoutSec) * time.Second
}
