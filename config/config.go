// Package config loads server configuration from defaults, a YAML or TOML
// file, TODO_* environment variables and command-line flags, in that order.
package config

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/charmbracelet/log"
	"gopkg.in/yaml.v3"

	"github.com/todo-list/todo/database"
)

// 默认值
const (
	DefaultAddr        = ":7789"
	DefaultDSN         = "todos.db?_busy_timeout=5000"
	DefaultPageSize    = 20
	DefaultMaxPageSize = 100
	DefaultMetricsPath = "/metrics"

	// MinSessionSecret flash cookie 签名密钥的最短长度
	MinSessionSecret = 32
)

// Config 应用配置
type Config struct {
	Server   ServerConfig   `yaml:"server" toml:"server"`
	Database DatabaseConfig `yaml:"database" toml:"database"`
	API      APIConfig      `yaml:"api" toml:"api"`
	Log      LogConfig      `yaml:"log" toml:"log"`
	Metrics  MetricsConfig  `yaml:"metrics" toml:"metrics"`
	Tracing  TracingConfig  `yaml:"tracing" toml:"tracing"`
	Session  SessionConfig  `yaml:"session" toml:"session"`
}

// ServerConfig HTTP 服务配置
type ServerConfig struct {
	Addr            string        `yaml:"addr" toml:"addr"`
	ReadTimeout     time.Duration `yaml:"read_timeout" toml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout" toml:"write_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout" toml:"idle_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" toml:"shutdown_timeout"`
}

// DatabaseConfig 数据库配置
type DatabaseConfig struct {
	Driver          string        `yaml:"driver" toml:"driver"`
	DSN             string        `yaml:"dsn" toml:"dsn"`
	MaxOpenConns    int           `yaml:"max_open_conns" toml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns" toml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime" toml:"conn_max_lifetime"`
}

// APIConfig REST 接口配置
type APIConfig struct {
	PageSize    int    `yaml:"page_size" toml:"page_size"`
	MaxPageSize int    `yaml:"max_page_size" toml:"max_page_size"`
	CORSOrigin  string `yaml:"cors_origin" toml:"cors_origin"`
}

// LogConfig 日志配置
type LogConfig struct {
	Level  string `yaml:"level" toml:"level"`
	Format string `yaml:"format" toml:"format"` // text, json, logfmt
}

// MetricsConfig Prometheus 配置
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled" toml:"enabled"`
	Path    string `yaml:"path" toml:"path"`
}

// TracingConfig 追踪配置
type TracingConfig struct {
	Enabled    bool    `yaml:"enabled" toml:"enabled"`
	Output     string  `yaml:"output" toml:"output"` // stdout, stderr or a file path
	SampleRate float64 `yaml:"sample_rate" toml:"sample_rate"`
}

// SessionConfig 页面提示消息 cookie 的签名配置，Secret 为空时每次启动随机生成
type SessionConfig struct {
	Secret string `yaml:"secret" toml:"secret"`
}

// HashKey 签名密钥，未配置时返回 nil
func (c SessionConfig) HashKey() []byte {
	if c.Secret == "" {
		return nil
	}
	return []byte(c.Secret)
}

// Default 返回默认配置
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:            DefaultAddr,
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    15 * time.Second,
			IdleTimeout:     60 * time.Second,
			ShutdownTimeout: 10 * time.Second,
		},
		Database: DatabaseConfig{
			Driver:       database.DriverSQLite,
			DSN:          DefaultDSN,
			MaxOpenConns: 10,
			MaxIdleConns: 5,
		},
		API: APIConfig{
			PageSize:    DefaultPageSize,
			MaxPageSize: DefaultMaxPageSize,
			CORSOrigin:  "*",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    DefaultMetricsPath,
		},
		Tracing: TracingConfig{
			Enabled:    false,
			Output:     "stdout",
			SampleRate: 1,
		},
	}
}

// Load 按优先级加载配置：默认值 < 配置文件 < 环境变量 < 命令行参数。
// 配置文件由 -config 或 TODO_CONFIG 指定，可以是 .yaml/.yml/.toml。
func Load(fs *flag.FlagSet, args []string) (*Config, error) {
	if fs == nil {
		fs = flag.NewFlagSet("todo", flag.ContinueOnError)
	}
	configPath := fs.String("config", "", "path to a .yaml or .toml config file")
	addr := fs.String("addr", "", "listen address (default "+DefaultAddr+")")
	dsn := fs.String("db", "", "database DSN (default "+DefaultDSN+")")
	if err := fs.Parse(args); err != nil {
		return nil, fmt.Errorf("parsing flags: %w", err)
	}

	cfg := Default()

	path := *configPath
	if path == "" {
		path = os.Getenv("TODO_CONFIG")
	}
	if path != "" {
		if err := loadFile(cfg, path); err != nil {
			return nil, fmt.Errorf("loading config file %s: %w", path, err)
		}
	}

	if err := loadFromEnv(cfg); err != nil {
		return nil, err
	}

	// 只覆盖显式传入的参数
	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "addr":
			cfg.Server.Addr = *addr
		case "db":
			cfg.Database.DSN = *dsn
		}
	})

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// loadFile 按扩展名选择解码器
func loadFile(cfg *Config, path string) error {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		_, err := toml.DecodeFile(path, cfg)
		return err
	case ".yaml", ".yml":
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		return yaml.Unmarshal(data, cfg)
	default:
		return fmt.Errorf("unsupported config format %q", filepath.Ext(path))
	}
}

// loadFromEnv 用 TODO_* 环境变量覆盖配置
func loadFromEnv(cfg *Config) error {
	str := func(key string, dst *string) {
		if v, ok := os.LookupEnv(key); ok {
			*dst = v
		}
	}
	var errs []error
	integer := func(key string, dst *int) {
		if v, ok := os.LookupEnv(key); ok {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = n
		}
	}
	boolean := func(key string, dst *bool) {
		if v, ok := os.LookupEnv(key); ok {
			b, err := strconv.ParseBool(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = b
		}
	}

	str("TODO_ADDR", &cfg.Server.Addr)
	str("TODO_DB_DRIVER", &cfg.Database.Driver)
	str("TODO_DB_DSN", &cfg.Database.DSN)
	integer("TODO_PAGE_SIZE", &cfg.API.PageSize)
	integer("TODO_MAX_PAGE_SIZE", &cfg.API.MaxPageSize)
	str("TODO_CORS_ORIGIN", &cfg.API.CORSOrigin)
	str("TODO_LOG_LEVEL", &cfg.Log.Level)
	str("TODO_LOG_FORMAT", &cfg.Log.Format)
	boolean("TODO_METRICS_ENABLED", &cfg.Metrics.Enabled)
	boolean("TODO_TRACING_ENABLED", &cfg.Tracing.Enabled)
	str("TODO_TRACING_OUTPUT", &cfg.Tracing.Output)
	str("TODO_SESSION_SECRET", &cfg.Session.Secret)

	if len(errs) > 0 {
		return fmt.Errorf("invalid environment: %w", errors.Join(errs...))
	}
	return nil
}

// Validate 启动前检查配置
func (c *Config) Validate() error {
	var errs []error

	if c.Server.Addr == "" {
		errs = append(errs, errors.New("server.addr must not be empty"))
	}
	switch c.Database.Driver {
	case database.DriverSQLite, database.DriverPostgres:
	default:
		errs = append(errs, fmt.Errorf("database.driver %q is not supported (use %s or %s)",
			c.Database.Driver, database.DriverSQLite, database.DriverPostgres))
	}
	if c.Database.DSN == "" {
		errs = append(errs, errors.New("database.dsn must not be empty"))
	}
	if c.API.PageSize <= 0 {
		errs = append(errs, errors.New("api.page_size must be positive"))
	}
	if c.API.MaxPageSize < c.API.PageSize {
		errs = append(errs, errors.New("api.max_page_size must not be smaller than api.page_size"))
	}
	if _, err := log.ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, fmt.Errorf("log.level: %w", err))
	}
	if _, err := c.Log.formatter(); err != nil {
		errs = append(errs, err)
	}
	if c.Metrics.Enabled && !strings.HasPrefix(c.Metrics.Path, "/") {
		errs = append(errs, errors.New("metrics.path must start with /"))
	}
	if c.Session.Secret != "" && len(c.Session.Secret) < MinSessionSecret {
		errs = append(errs, fmt.Errorf("session.secret must be at least %d bytes", MinSessionSecret))
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}

func (c LogConfig) formatter() (log.Formatter, error) {
	switch c.Format {
	case "", "text":
		return log.TextFormatter, nil
	case "json":
		return log.JSONFormatter, nil
	case "logfmt":
		return log.LogfmtFormatter, nil
	}
	return 0, fmt.Errorf("log.format %q is not supported (use text, json or logfmt)", c.Format)
}

// NewLogger 按配置创建日志器，配置需先通过 Validate
func (c LogConfig) NewLogger(w io.Writer) *log.Logger {
	level, err := log.ParseLevel(c.Level)
	if err != nil {
		level = log.InfoLevel
	}
	formatter, err := c.formatter()
	if err != nil {
		formatter = log.TextFormatter
	}
	return log.NewWithOptions(w, log.Options{
		Level:           level,
		Formatter:       formatter,
		ReportTimestamp: true,
		TimeFormat:      time.DateTime,
	})
}

// DatabaseOptions 转换为 database.Open 的参数
func (c DatabaseConfig) DatabaseOptions() database.Config {
	return database.Config{
		Driver:          c.Driver,
		DSN:             c.DSN,
		MaxOpenConns:    c.MaxOpenConns,
		MaxIdleConns:    c.MaxIdleConns,
		ConnMaxLifetime: c.ConnMaxLifetime,
	}
}
