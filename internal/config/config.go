// Package config loads the controller's static configuration with
// spf13/viper, covering the broker/rate/poll/scheduler/eod/oco/cancel/retry
// settings of spec §6.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the root of the recognized options in spec §6.
type Config struct {
	Broker   BrokerConfig   `mapstructure:"broker"`
	Rate     RateConfig     `mapstructure:"rate"`
	Poll     PollConfig     `mapstructure:"poll"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	EOD      EODConfig      `mapstructure:"eod"`
	OCO      OCOConfig      `mapstructure:"oco"`
	Cancel   CancelConfig   `mapstructure:"cancel"`
	Retry    RetryConfig    `mapstructure:"retry"`
	Database DatabaseConfig `mapstructure:"database"`
	Logging  LoggingConfig  `mapstructure:"logging"`
	Metrics  MetricsConfig  `mapstructure:"metrics"`
}

type BrokerConfig struct {
	BaseURL                string `mapstructure:"base_url"`
	APIPasswordEncrypted   string `mapstructure:"api_password_encrypted"`
	HTTPTimeoutMs          int    `mapstructure:"http_timeout_ms"`
}

type RateConfig struct {
	OrderPerSec float64 `mapstructure:"order_per_sec"`
	InfoPerSec  float64 `mapstructure:"info_per_sec"`
}

type PollConfig struct {
	OrdersIntervalMs    int `mapstructure:"orders_interval_ms"`
	PositionsIntervalMs int `mapstructure:"positions_interval_ms"`
}

type SchedulerConfig struct {
	MissGraceSec    int `mapstructure:"miss_grace_sec"`
	TickIntervalMs  int `mapstructure:"tick_interval_ms"`
}

type EODConfig struct {
	DefaultCloseTime string `mapstructure:"default_close_time"`
	Enabled          bool   `mapstructure:"enabled"`
}

// ParseCloseTime parses DefaultCloseTime ("HH:MM") into an hour/minute pair.
func (e EODConfig) ParseCloseTime() (hour, minute int, err error) {
	parts := strings.Split(e.DefaultCloseTime, ":")
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("config: invalid eod.default_close_time %q", e.DefaultCloseTime)
	}
	t, err := time.Parse("15:04", e.DefaultCloseTime)
	if err != nil {
		return 0, 0, fmt.Errorf("config: invalid eod.default_close_time %q: %w", e.DefaultCloseTime, err)
	}
	return t.Hour(), t.Minute(), nil
}

type OCOMode string

const (
	OCOModePerPartial    OCOMode = "per_partial"
	OCOModePostComplete  OCOMode = "post_complete"
)

type OCOConfig struct {
	Mode                    OCOMode `mapstructure:"mode"`
	PositionHandleWaitSec   int     `mapstructure:"position_handle_wait_sec"`
}

type CancelConfig struct {
	WaitMs int `mapstructure:"wait_ms"`
}

type RetryConfig struct {
	MaxAttempts   int `mapstructure:"max_attempts"`
	BaseBackoffMs int `mapstructure:"base_backoff_ms"`
}

type DatabaseConfig struct {
	Host        string `mapstructure:"host"`
	Port        int    `mapstructure:"port"`
	User        string `mapstructure:"user"`
	Password    string `mapstructure:"password"`
	Database    string `mapstructure:"database"`
	MaxConns    int32  `mapstructure:"max_conns"`
	MinConns    int32  `mapstructure:"min_conns"`
	MaxConnLife time.Duration `mapstructure:"max_conn_life"`
}

// ConnectionString renders a pgx-compatible DSN.
func (d DatabaseConfig) ConnectionString() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=disable",
		d.User, d.Password, d.Host, d.Port, d.Database)
}

type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	TimeFormat string `mapstructure:"time_format"`
}

type MetricsConfig struct {
	ListenAddr string `mapstructure:"listen_addr"`
}

// Load reads configPath (YAML) and overlays environment variables prefixed
// INTRADAY_.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(configPath)
	v.SetConfigType("yaml")

	setDefaults(v)

	v.SetEnvPrefix("INTRADAY")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("config: read %s: %w", configPath, err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("broker.http_timeout_ms", 5000)

	v.SetDefault("rate.order_per_sec", 5)
	v.SetDefault("rate.info_per_sec", 10)

	v.SetDefault("poll.orders_interval_ms", 1500)
	v.SetDefault("poll.positions_interval_ms", 3000)

	v.SetDefault("scheduler.miss_grace_sec", 300)
	v.SetDefault("scheduler.tick_interval_ms", 1000)

	v.SetDefault("eod.default_close_time", "14:30")
	v.SetDefault("eod.enabled", true)

	v.SetDefault("oco.mode", string(OCOModePerPartial))
	v.SetDefault("oco.position_handle_wait_sec", 10)

	v.SetDefault("cancel.wait_ms", 3000)
	v.SetDefault("retry.max_attempts", 3)
	v.SetDefault("retry.base_backoff_ms", 500)

	v.SetDefault("database.max_conns", 10)
	v.SetDefault("database.min_conns", 2)
	v.SetDefault("database.max_conn_life", "30m")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.time_format", time.RFC3339)

	v.SetDefault("metrics.listen_addr", ":9090")
}
