// Package config loads trainer configuration from defaults, an optional
// YAML file, TACTIX_ environment variables and command-line flags, in
// that order of precedence.
package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/posflag"
	"github.com/knadh/koanf/v2"
	"github.com/spf13/pflag"
)

const envPrefix = "TACTIX_"

// Config is the full runtime configuration.
type Config struct {
	DB struct {
		Path string `koanf:"path" validate:"required"`
	} `koanf:"db"`

	Server struct {
		Listen string `koanf:"listen" validate:"required"`
	} `koanf:"server"`

	User struct {
		ID       int64  `koanf:"id" validate:"gt=0"`
		Username string `koanf:"username" validate:"required"`
	} `koanf:"user"`

	Lichess struct {
		Token       string `koanf:"token"`
		ActivityURL string `koanf:"activity_url" validate:"required,url"`
		PuzzleURL   string `koanf:"puzzle_url" validate:"omitempty,url"`
	} `koanf:"lichess"`

	SRS struct {
		Cadence         []int  `koanf:"cadence" validate:"min=1,dive,gt=0"`
		LossResetDays   int    `koanf:"loss_reset_days" validate:"gte=0"`
		MaxIntervalDays int    `koanf:"max_interval_days" validate:"gt=0"`
		SeedMode        string `koanf:"seed_mode" validate:"oneof=tomorrow stagger"`
		StaggerBuckets  int    `koanf:"stagger_buckets" validate:"gt=0"`
	} `koanf:"srs"`

	Queue struct {
		Cap            int  `koanf:"cap" validate:"gt=0"`
		IncludeOverdue bool `koanf:"include_overdue"`
		HideTodayDone  bool `koanf:"hide_today_done"`
		DedupSeconds   int  `koanf:"dedup_seconds" validate:"gte=0"`
	} `koanf:"queue"`

	Backup struct {
		Dir  string `koanf:"dir" validate:"required"`
		Keep int    `koanf:"keep" validate:"gt=0"`
	} `koanf:"backup"`
}

// Default returns the built-in configuration.
func Default() Config {
	var c Config
	c.DB.Path = "db/tactix.sqlite3"
	c.Server.Listen = "127.0.0.1:8765"
	c.User.ID = 1
	c.User.Username = "me"
	c.Lichess.ActivityURL = "https://lichess.org/api/puzzle/activity"
	c.Lichess.PuzzleURL = "https://database.lichess.org/lichess_db_puzzle.csv.zst"
	c.SRS.Cadence = []int{1, 2, 4, 7, 14, 30, 60, 90}
	c.SRS.LossResetDays = 1
	c.SRS.MaxIntervalDays = 365
	c.SRS.SeedMode = "tomorrow"
	c.SRS.StaggerBuckets = 7
	c.Queue.Cap = 60
	c.Queue.IncludeOverdue = true
	c.Queue.HideTodayDone = true
	c.Queue.DedupSeconds = 2
	c.Backup.Dir = "backups"
	c.Backup.Keep = 14
	return c
}

// Load builds the configuration. path may be empty or point to a YAML
// file; flags may be nil.
func Load(path string, flags *pflag.FlagSet) (*Config, error) {
	k := koanf.New(".")

	if path != "" {
		if _, err := os.Stat(path); err == nil {
			if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
				return nil, fmt.Errorf("failed to load config file %s: %w", path, err)
			}
		} else if !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to stat config file %s: %w", path, err)
		}
	}

	// TACTIX_SRS_LOSS_RESET_DAYS -> srs.loss_reset_days. Section and key
	// are split on the first underscore; the rest stays verbatim.
	if err := k.Load(env.ProviderWithValue(envPrefix, ".", func(key, value string) (string, interface{}) {
		key = strings.ToLower(strings.TrimPrefix(key, envPrefix))
		return strings.Replace(key, "_", ".", 1), value
	}), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment: %w", err)
	}

	if flags != nil {
		if err := k.Load(posflag.Provider(flags, ".", k), nil); err != nil {
			return nil, fmt.Errorf("failed to load flags: %w", err)
		}
	}

	cfg := Default()
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := validator.New().Struct(&cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}
