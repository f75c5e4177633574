package config

import (
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the application configuration
type Config struct {
	App         AppConfig         `yaml:"app"`
	Server      ServerConfig      `yaml:"server"`
	Database    DatabaseConfig    `yaml:"database"`
	ClickHouse  ClickHouseConfig  `yaml:"clickhouse"`
	Redis       RedisConfig       `yaml:"redis"`
	Market      MarketConfig      `yaml:"market"`
	Backtest    BacktestConfig    `yaml:"backtest"`
	Sensitivity SensitivityConfig `yaml:"sensitivity"`
	JWT         JWTConfig         `yaml:"jwt"`
	Monitoring  MonitoringConfig  `yaml:"monitoring"`
	RateLimit   RateLimitConfig   `yaml:"rate_limit"`
	Logging     LoggingConfig     `yaml:"logging"`
	Scheduler   SchedulerConfig   `yaml:"scheduler"`
}

// AppConfig represents application configuration
type AppConfig struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
	Env     string `yaml:"env"`
}

// ServerConfig represents server configuration
type ServerConfig struct {
	Port         int           `yaml:"port"`
	Host         string        `yaml:"host"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

// DatabaseConfig represents database configuration
type DatabaseConfig struct {
	Enabled     bool          `yaml:"enabled"`
	Host        string        `yaml:"host"`
	Port        int           `yaml:"port"`
	User        string        `yaml:"user"`
	Password    string        `yaml:"password"`
	DBName      string        `yaml:"dbname"`
	SSLMode     string        `yaml:"sslmode"`
	MaxOpen     int           `yaml:"max_open"`
	MaxIdle     int           `yaml:"max_idle"`
	Timeout     time.Duration `yaml:"timeout"`
	AutoMigrate bool          `yaml:"auto_migrate"`
}

// ClickHouseConfig represents the optional ClickHouse bar store
type ClickHouseConfig struct {
	Enabled bool   `yaml:"enabled"`
	DSN     string `yaml:"dsn"`
}

// RedisConfig represents Redis configuration
type RedisConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	PoolSize int    `yaml:"pool_size"`
}

// MarketConfig selects where daily bars come from
type MarketConfig struct {
	Source            string        `yaml:"source"` // memory, eastmoney, postgres, clickhouse
	CacheTTL          time.Duration `yaml:"cache_ttl"`
	RequestsPerSecond float64       `yaml:"requests_per_second"`
	Burst             int           `yaml:"burst"`
	Timeout           time.Duration `yaml:"timeout"`
	MaxRetries        int           `yaml:"max_retries"`
}

// BacktestConfig represents the A-share fee model and default universe
type BacktestConfig struct {
	InitialCash   float64  `yaml:"initial_cash"`
	Commission    float64  `yaml:"commission"`
	MinCommission float64  `yaml:"min_commission"`
	StampDuty     float64  `yaml:"stamp_duty"`
	Slippage      float64  `yaml:"slippage"`
	LotSize       int      `yaml:"lot_size"`
	Benchmark     string   `yaml:"benchmark"`
	StartDate     string   `yaml:"start_date"`
	EndDate       string   `yaml:"end_date"`
	MinBars       int      `yaml:"min_bars"`
	Codes         []string `yaml:"codes"`
}

// SensitivityConfig represents grid search limits
type SensitivityConfig struct {
	MaxCombinations        int           `yaml:"max_combinations"`
	MaxConsecutiveFailures int           `yaml:"max_consecutive_failures"`
	Workers                int           `yaml:"workers"`
	MaxConcurrentTasks     int           `yaml:"max_concurrent_tasks"`
	ResultTTL              time.Duration `yaml:"result_ttl"`
}

// JWTConfig represents JWT configuration
type JWTConfig struct {
	Enabled   bool          `yaml:"enabled"`
	SecretKey string        `yaml:"secret_key"`
	Issuer    string        `yaml:"issuer"`
	Duration  time.Duration `yaml:"duration"`
}

// MonitoringConfig represents monitoring configuration
type MonitoringConfig struct {
	PrometheusEnabled bool   `yaml:"prometheus_enabled"`
	PrometheusPath    string `yaml:"prometheus_path"`
}

// RateLimitConfig represents rate limiting configuration
type RateLimitConfig struct {
	Enabled           bool `yaml:"enabled"`
	RequestsPerMinute int  `yaml:"requests_per_minute"`
	Burst             int  `yaml:"burst"`
}

// LoggingConfig represents logging configuration
type LoggingConfig struct {
	Level      string `yaml:"level"`
	Format     string `yaml:"format"`
	Output     string `yaml:"output"`
	Filename   string `yaml:"filename"`
	MaxSize    int    `yaml:"max_size"`
	MaxAge     int    `yaml:"max_age"`
	MaxBackups int    `yaml:"max_backups"`
}

// SchedulerConfig represents cron jobs
type SchedulerConfig struct {
	Enabled bool        `yaml:"enabled"`
	Jobs    []JobConfig `yaml:"jobs"`
}

// JobConfig is one cron job. Kind is sensitivity_scan or bar_sync.
type JobConfig struct {
	Name     string        `yaml:"name"`
	Kind     string        `yaml:"kind"`
	Spec     string        `yaml:"spec"`
	Strategy string        `yaml:"strategy"`
	Codes    []string      `yaml:"codes"`
	Lookback time.Duration `yaml:"lookback"` // bar_sync only
}

// Default returns the configuration used when a field is absent from the file
func Default() *Config {
	return &Config{
		App: AppConfig{Name: "miniquant", Version: "1.0.0", Env: "development"},
		Server: ServerConfig{
			Port:         8082,
			Host:         "0.0.0.0",
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 60 * time.Second,
		},
		Database: DatabaseConfig{
			Host:    "localhost",
			Port:    5432,
			User:    "miniquant",
			DBName:  "miniquant",
			SSLMode: "disable",
			MaxOpen: 25,
			MaxIdle: 5,
			Timeout: 5 * time.Second,
		},
		Redis: RedisConfig{Addr: "localhost:6379", PoolSize: 10},
		Market: MarketConfig{
			Source:            "eastmoney",
			CacheTTL:          6 * time.Hour,
			RequestsPerSecond: 4,
			Burst:             1,
			Timeout:           5 * time.Second,
			MaxRetries:        3,
		},
		Backtest: BacktestConfig{
			InitialCash:   55000,
			Commission:    0.0003,
			MinCommission: 5,
			StampDuty:     0.001,
			Slippage:      0.001,
			LotSize:       100,
			Benchmark:     "000300",
			StartDate:     "2023-01-01",
			EndDate:       "2024-12-01",
			MinBars:       60,
		},
		Sensitivity: SensitivityConfig{
			MaxCombinations:        200,
			MaxConsecutiveFailures: 10,
			Workers:                1,
			MaxConcurrentTasks:     2,
			ResultTTL:              24 * time.Hour,
		},
		JWT:        JWTConfig{Issuer: "miniquant", Duration: 24 * time.Hour},
		Monitoring: MonitoringConfig{PrometheusEnabled: true, PrometheusPath: "/metrics"},
		RateLimit:  RateLimitConfig{Enabled: true, RequestsPerMinute: 120, Burst: 20},
		Logging:    LoggingConfig{Level: "info", Format: "json", Output: "stdout", MaxSize: 100, MaxAge: 30, MaxBackups: 10},
	}
}

// Load loads configuration from a YAML file on top of Default, then applies
// MINIQUANT_* environment overrides
func Load(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data, NewEnvManager("", ""))
}

// Parse decodes YAML bytes into a validated configuration
func Parse(data []byte, env *EnvManager) (*Config, error) {
	config := Default()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if env != nil {
		config.applyEnv(env)
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

func (c *Config) applyEnv(env *EnvManager) {
	c.App.Env = env.GetString("app_env", c.App.Env)
	c.Server.Port = env.GetInt("server_port", c.Server.Port)
	c.Database.Enabled = env.GetBool("database_enabled", c.Database.Enabled)
	c.Database.Host = env.GetString("database_host", c.Database.Host)
	c.Database.Password = env.GetEncryptedString("database_password", c.Database.Password)
	c.ClickHouse.DSN = env.GetEncryptedString("clickhouse_dsn", c.ClickHouse.DSN)
	c.Redis.Enabled = env.GetBool("redis_enabled", c.Redis.Enabled)
	c.Redis.Addr = env.GetString("redis_addr", c.Redis.Addr)
	c.Redis.Password = env.GetEncryptedString("redis_password", c.Redis.Password)
	c.Market.Source = env.GetString("market_source", c.Market.Source)
	c.JWT.SecretKey = env.GetEncryptedString("jwt_secret", c.JWT.SecretKey)
	c.Logging.Level = env.GetString("log_level", c.Logging.Level)
	c.Sensitivity.MaxCombinations = env.GetInt("sensitivity_max_combinations", c.Sensitivity.MaxCombinations)
	c.Sensitivity.Workers = env.GetInt("sensitivity_workers", c.Sensitivity.Workers)
}

// Validate checks value ranges
func (c *Config) Validate() error {
	var problems []string

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		problems = append(problems, fmt.Sprintf("server.port out of range: %d", c.Server.Port))
	}
	switch c.Market.Source {
	case "memory", "eastmoney", "postgres", "clickhouse":
	default:
		problems = append(problems, fmt.Sprintf("market.source must be memory, eastmoney, postgres or clickhouse, got %q", c.Market.Source))
	}
	if c.Market.Source == "postgres" && !c.Database.Enabled {
		problems = append(problems, "market.source postgres requires database.enabled")
	}
	if c.Market.Source == "clickhouse" && (!c.ClickHouse.Enabled || c.ClickHouse.DSN == "") {
		problems = append(problems, "market.source clickhouse requires clickhouse.enabled and clickhouse.dsn")
	}
	if c.Backtest.InitialCash <= 0 {
		problems = append(problems, "backtest.initial_cash must be positive")
	}
	if c.Backtest.LotSize <= 0 {
		problems = append(problems, "backtest.lot_size must be positive")
	}
	if _, _, err := c.Backtest.Period(); err != nil {
		problems = append(problems, err.Error())
	}
	if c.Sensitivity.MaxCombinations <= 0 {
		problems = append(problems, "sensitivity.max_combinations must be positive")
	}
	if c.Sensitivity.MaxConsecutiveFailures < 0 {
		problems = append(problems, "sensitivity.max_consecutive_failures must not be negative")
	}
	if c.Sensitivity.Workers <= 0 {
		problems = append(problems, "sensitivity.workers must be positive")
	}
	if c.JWT.Enabled && c.JWT.SecretKey == "" {
		problems = append(problems, "jwt.secret_key is required when jwt.enabled")
	}
	for i, job := range c.Scheduler.Jobs {
		if job.Spec == "" {
			problems = append(problems, fmt.Sprintf("scheduler.jobs[%d].spec is required", i))
		}
		if job.Kind != "sensitivity_scan" && job.Kind != "bar_sync" {
			problems = append(problems, fmt.Sprintf("scheduler.jobs[%d].kind %q is unknown", i, job.Kind))
		}
	}

	if len(problems) > 0 {
		return fmt.Errorf("invalid configuration: %s", strings.Join(problems, "; "))
	}
	return nil
}

// Period parses the configured backtest date range
func (b BacktestConfig) Period() (time.Time, time.Time, error) {
	start, err := time.Parse("2006-01-02", b.StartDate)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("backtest.start_date: %w", err)
	}
	end, err := time.Parse("2006-01-02", b.EndDate)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("backtest.end_date: %w", err)
	}
	if !end.After(start) {
		return time.Time{}, time.Time{}, fmt.Errorf("backtest.end_date must be after start_date")
	}
	return start, end, nil
}

// DSN builds the lib/pq connection string
func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.DBName, d.SSLMode)
}

var (
	sensitivityMu      sync.RWMutex
	currentSensitivity = Default().Sensitivity
)

// SetSensitivity replaces the live grid search limits
func SetSensitivity(s SensitivityConfig) {
	sensitivityMu.Lock()
	defer sensitivityMu.Unlock()
	currentSensitivity = s
}

// GetSensitivity returns the live grid search limits
func GetSensitivity() SensitivityConfig {
	sensitivityMu.RLock()
	defer sensitivityMu.RUnlock()
	return currentSensitivity
}
