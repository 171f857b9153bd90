package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// SiteConfig describes one upstream verification site. The four sites form the
// fixed linking pipeline; Index is the 1-based stage number.
type SiteConfig struct {
	Key     string `mapstructure:"KEY"`
	Name    string `mapstructure:"NAME"`
	BaseURL string `mapstructure:"BASE_URL"`
	Index   int    `mapstructure:"INDEX"`
}

// Config represents application configuration.
type Config struct {
	AppEnv  string `mapstructure:"APP_ENV"`
	AppName string `mapstructure:"APP_NAME"`

	Timezone string `mapstructure:"TIMEZONE"`

	Database struct {
		Type     string `mapstructure:"TYPE"`
		DSN      string `mapstructure:"DSN"`
		Host     string `mapstructure:"HOST"`
		Port     string `mapstructure:"PORT"`
		DBName   string `mapstructure:"DBNAME"`
		User     string `mapstructure:"USER"`
		Password string `mapstructure:"PASSWORD"`
		SSLMode  string `mapstructure:"SSLMODE"`
	} `mapstructure:"DATABASE"`

	Redis struct {
		Enable      bool          `mapstructure:"ENABLE"`
		Addr        string        `mapstructure:"ADDR"`
		Password    string        `mapstructure:"PASSWORD"`
		DB          int           `mapstructure:"DB"`
		PoolSize    int           `mapstructure:"POOL_SIZE"`
		PoolTimeout time.Duration `mapstructure:"POOL_TIMEOUT"`
	} `mapstructure:"REDIS"`

	Upstream struct {
		LoginPhone string        `mapstructure:"LOGIN_PHONE"`
		Password   string        `mapstructure:"PASSWORD"`
		Timeout    time.Duration `mapstructure:"TIMEOUT"`
		// Accepted status-check success codes. The upstream contract here is
		// heuristic; keep it configurable rather than hardening further.
		SuccessCodes []int `mapstructure:"SUCCESS_CODES"`
		WaitingCode  int   `mapstructure:"WAITING_CODE"`
		ExpiredCode  int   `mapstructure:"EXPIRED_CODE"`
		NotReadyCode int   `mapstructure:"NOT_READY_CODE"`
	} `mapstructure:"UPSTREAM"`

	Pipeline struct {
		MaxPerUser     int           `mapstructure:"MAX_PER_USER"`
		MaxPerSite     int64         `mapstructure:"MAX_PER_SITE"`
		CodeAttempts   int           `mapstructure:"CODE_ATTEMPTS"`
		RetryBackoff   time.Duration `mapstructure:"RETRY_BACKOFF"`
		PollInterval   time.Duration `mapstructure:"POLL_INTERVAL"`
		PollBudget     int           `mapstructure:"POLL_BUDGET"`
		PaymentPerItem float64       `mapstructure:"PAYMENT_PER_ITEM"`
	} `mapstructure:"PIPELINE"`

	Schedule struct {
		WorkStart   string `mapstructure:"WORK_START"`
		WorkEnd     string `mapstructure:"WORK_END"`
		ResetAt     string `mapstructure:"RESET_AT"`
		ReportAt    string `mapstructure:"REPORT_AT"`
		ClaimMinute int    `mapstructure:"CLAIM_MINUTE"`
	} `mapstructure:"SCHEDULE"`

	Sites []SiteConfig `mapstructure:"SITES"`
}

// Provide loads configuration from the environment (and an optional
// otplink.yaml in the working directory) with defaults for every knob.
func Provide() (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("OTPLINK")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	v.SetConfigName("otplink")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if len(cfg.Sites) == 0 {
		cfg.Sites = defaultSites()
	}
	for i := range cfg.Sites {
		if cfg.Sites[i].Index == 0 {
			cfg.Sites[i].Index = i + 1
		}
	}

	if _, err := cfg.Location(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("APP_ENV", "development")
	v.SetDefault("APP_NAME", "otplink")
	v.SetDefault("TIMEZONE", "Asia/Dhaka")

	v.SetDefault("DATABASE.TYPE", "sqlite")
	v.SetDefault("DATABASE.DSN", "otplink.db")

	v.SetDefault("REDIS.ENABLE", false)
	v.SetDefault("REDIS.ADDR", "127.0.0.1:6379")
	v.SetDefault("REDIS.DB", 0)
	v.SetDefault("REDIS.POOL_SIZE", 10)
	v.SetDefault("REDIS.POOL_TIMEOUT", 30*time.Second)

	v.SetDefault("UPSTREAM.TIMEOUT", 20*time.Second)
	v.SetDefault("UPSTREAM.SUCCESS_CODES", []int{0, 1, 200, 20002, 20003})
	v.SetDefault("UPSTREAM.WAITING_CODE", 20001)
	v.SetDefault("UPSTREAM.EXPIRED_CODE", 10002)
	v.SetDefault("UPSTREAM.NOT_READY_CODE", 10000)

	v.SetDefault("PIPELINE.MAX_PER_USER", 3)
	v.SetDefault("PIPELINE.MAX_PER_SITE", 5)
	v.SetDefault("PIPELINE.CODE_ATTEMPTS", 3)
	v.SetDefault("PIPELINE.RETRY_BACKOFF", 2*time.Second)
	v.SetDefault("PIPELINE.POLL_INTERVAL", time.Second)
	v.SetDefault("PIPELINE.POLL_BUDGET", 180)
	v.SetDefault("PIPELINE.PAYMENT_PER_ITEM", 10.0)

	v.SetDefault("SCHEDULE.WORK_START", "10:30")
	v.SetDefault("SCHEDULE.WORK_END", "15:00")
	v.SetDefault("SCHEDULE.RESET_AT", "08:00")
	v.SetDefault("SCHEDULE.REPORT_AT", "15:00")
	v.SetDefault("SCHEDULE.CLAIM_MINUTE", 30)
}

func defaultSites() []SiteConfig {
	return []SiteConfig{
		{Key: "coinzaapp", Name: "Site 1", BaseURL: "https://coinzaapp.com", Index: 1},
		{Key: "earnbro", Name: "Site 2", BaseURL: "https://earnbro.net", Index: 2},
		{Key: "kamate1", Name: "Site 3", BaseURL: "https://zapkaroapp.com", Index: 3},
		{Key: "kamkg", Name: "Site 4", BaseURL: "https://kamate1.com", Index: 4},
	}
}

// Location resolves the configured timezone. All schedule and working-hours
// decisions are evaluated in this zone, never in server-local time.
func (c *Config) Location() (*time.Location, error) {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return nil, fmt.Errorf("load timezone %q: %w", c.Timezone, err)
	}
	return loc, nil
}

// SiteByIndex returns the site for a 1-based stage index.
func (c *Config) SiteByIndex(idx int) (SiteConfig, bool) {
	for _, s := range c.Sites {
		if s.Index == idx {
			return s, true
		}
	}
	return SiteConfig{}, false
}

// WithinWorkingHours reports whether t falls inside the submission window.
func (c *Config) WithinWorkingHours(t time.Time) bool {
	loc, err := c.Location()
	if err != nil {
		return false
	}
	now := t.In(loc)

	start, err1 := parseClock(c.Schedule.WorkStart)
	end, err2 := parseClock(c.Schedule.WorkEnd)
	if err1 != nil || err2 != nil {
		return false
	}

	minutes := now.Hour()*60 + now.Minute()
	return minutes >= start && minutes <= end
}

// parseClock parses "HH:MM" into minutes since midnight.
func parseClock(s string) (int, error) {
	var h, m int
	if _, err := fmt.Sscanf(s, "%d:%d", &h, &m); err != nil {
		return 0, fmt.Errorf("parse clock %q: %w", s, err)
	}
	if h < 0 || h > 23 || m < 0 || m > 59 {
		return 0, fmt.Errorf("clock %q out of range", s)
	}
	return h*60 + m, nil
}
