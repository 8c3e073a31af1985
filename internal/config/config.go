package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type Config struct {
	DataDir                 string        `mapstructure:"DATA_DIR"`
	DBPath                  string        `mapstructure:"DB_PATH"`
	SupersessionDir         string        `mapstructure:"SUPERSESSION_DIR"`
	HTTPAddr                string        `mapstructure:"HTTP_ADDR"`
	DetectionCron           string        `mapstructure:"DETECTION_CRON"`
	ProviderURL             string        `mapstructure:"PROVIDER_URL"`
	MinSectionActivities    int           `mapstructure:"MIN_SECTION_ACTIVITIES"`
	RouteGroupMinActivities int           `mapstructure:"ROUTE_GROUP_MIN_ACTIVITIES"`
	SimplifyTolerance       float64       `mapstructure:"SIMPLIFY_TOLERANCE"`
	SlowCallThreshold       time.Duration `mapstructure:"SLOW_CALL_THRESHOLD"`
	LogLevel                string        `mapstructure:"LOG_LEVEL"`
}

// Load reads an optional .env file, then the environment. Paths left empty
// are derived from DATA_DIR.
func Load() (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, fmt.Errorf("failed to read .env: %w", err)
	}

	v := viper.New()
	v.AutomaticEnv()
	// DETECTION_CRON="" disables scheduling
	v.AllowEmptyEnv(true)
	v.SetDefault("DATA_DIR", "./data")
	v.SetDefault("DB_PATH", "")
	v.SetDefault("SUPERSESSION_DIR", "")
	v.SetDefault("HTTP_ADDR", ":8888")
	v.SetDefault("DETECTION_CRON", "@hourly")
	v.SetDefault("PROVIDER_URL", "")
	v.SetDefault("MIN_SECTION_ACTIVITIES", 3)
	v.SetDefault("ROUTE_GROUP_MIN_ACTIVITIES", 2)
	v.SetDefault("SIMPLIFY_TOLERANCE", 5.0)
	v.SetDefault("SLOW_CALL_THRESHOLD", "250ms")
	v.SetDefault("LOG_LEVEL", "info")

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("failed to parse config: %w", err)
	}
	if cfg.DBPath == "" {
		cfg.DBPath = filepath.Join(cfg.DataDir, "engine.db")
	}
	if cfg.SupersessionDir == "" {
		cfg.SupersessionDir = filepath.Join(cfg.DataDir, "supersession")
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	var errs []error
	if c.MinSectionActivities < 1 {
		errs = append(errs, fmt.Errorf("MIN_SECTION_ACTIVITIES must be at least 1, got %d", c.MinSectionActivities))
	}
	if c.RouteGroupMinActivities < 1 {
		errs = append(errs, fmt.Errorf("ROUTE_GROUP_MIN_ACTIVITIES must be at least 1, got %d", c.RouteGroupMinActivities))
	}
	if c.SimplifyTolerance <= 0 {
		errs = append(errs, fmt.Errorf("SIMPLIFY_TOLERANCE must be positive, got %v", c.SimplifyTolerance))
	}
	if c.SlowCallThreshold < 0 {
		errs = append(errs, fmt.Errorf("SLOW_CALL_THRESHOLD must not be negative, got %v", c.SlowCallThreshold))
	}
	if _, err := c.Level(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// Level parses LOG_LEVEL.
func (c Config) Level() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.TrimSpace(c.LogLevel))); err != nil {
		return slog.LevelInfo, fmt.Errorf("LOG_LEVEL %q is not one of debug, info, warn, error", c.LogLevel)
	}
	return level, nil
}
