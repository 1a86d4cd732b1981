// Package config loads server settings from an optional YAML file and the
// environment.
package config

import (
	"fmt"
	"os"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

const (
	BackendBadger   = "badger"
	BackendPostgres = "postgres"
)

type Config struct {
	Port         string  `yaml:"port" validate:"required,numeric"`
	JWTSecret    string  `yaml:"jwt_secret" validate:"required,min=16"`
	CookieSecure bool    `yaml:"cookie_secure"`
	LogLevel     string  `yaml:"log_level" validate:"oneof=debug info warn error"`
	AdminIDs     []int64 `yaml:"admin_ids" validate:"dive,gt=0"`

	Store       Store       `yaml:"store"`
	Markers     Markers     `yaml:"markers"`
	Users       Users       `yaml:"users"`
	Invitations Invitations `yaml:"invitations"`
	Trust       Trust       `yaml:"trust"`
	Worker      Worker      `yaml:"worker"`
	RateLimit   RateLimit   `yaml:"rate_limit"`
}

type Store struct {
	Backend  string `yaml:"backend" validate:"oneof=badger postgres"`
	Path     string `yaml:"path" validate:"required_if=Backend badger InMemory false"`
	InMemory bool   `yaml:"in_memory"`
	// DatabaseURL is the postgres connection string.
	DatabaseURL    string        `yaml:"database_url" validate:"required_if=Backend postgres"`
	MaxConns       int32         `yaml:"max_conns" validate:"gte=0"`
	ConnectTimeout time.Duration `yaml:"connect_timeout" validate:"gte=0"`
	GCInterval     time.Duration `yaml:"gc_interval" validate:"gte=0"`
}

type Markers struct {
	MaxMarkers int  `yaml:"max_markers" validate:"gte=1"`
	MinCount   int  `yaml:"min_count" validate:"gte=0"`
	AutoEvict  bool `yaml:"auto_evict"`
}

type Users struct {
	Expiration time.Duration `yaml:"expiration" validate:"gt=0"`
	Pepper     string        `yaml:"pepper" validate:"max=64"`
}

type Invitations struct {
	TTL time.Duration `yaml:"ttl" validate:"gt=0"`
}

type Trust struct {
	PenaltyCharge int `yaml:"penalty_charge" validate:"gte=1,ltefield=PenaltyScale"`
	PenaltyScale  int `yaml:"penalty_scale" validate:"gte=1"`
}

type Worker struct {
	Interval time.Duration `yaml:"interval" validate:"gt=0"`
}

type RateLimit struct {
	// PerMinute is the sustained rate of login and invitation requests
	// one client may make.
	PerMinute int `yaml:"per_minute" validate:"gte=1"`
	Burst     int `yaml:"burst" validate:"gte=1"`
}

func Default() Config {
	return Config{
		Port:     "8080",
		LogLevel: "info",
		Store: Store{
			Backend:        BackendBadger,
			Path:           "data",
			ConnectTimeout: 30 * time.Second,
			GCInterval:     5 * time.Minute,
		},
		Markers: Markers{
			MaxMarkers: 100,
			MinCount:   10,
		},
		Users: Users{
			Expiration: 24 * 7 * 24 * time.Hour,
		},
		Invitations: Invitations{
			TTL: 4 * 7 * 24 * time.Hour,
		},
		Trust: Trust{
			PenaltyCharge: 5,
			PenaltyScale:  25,
		},
		Worker: Worker{
			Interval: time.Minute,
		},
		RateLimit: RateLimit{
			PerMinute: 20,
			Burst:     5,
		},
	}
}

// Load reads path, if not empty, over the defaults and then applies the
// environment as returned by getenv.
func Load(path string, getenv func(string) string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if err := applyEnv(&cfg, getenv); err != nil {
		return Config{}, err
	}
	if err := Validate(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

var validate = validator.New()

func Validate(cfg Config) error {
	if err := validate.Struct(cfg); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

func applyEnv(cfg *Config, getenv func(string) string) error {
	str := func(name string, dst *string) {
		if v := getenv(name); v != "" {
			*dst = v
		}
	}
	integer := func(name string, dst *int) error {
		v := getenv(name)
		if v == "" {
			return nil
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
		*dst = n
		return nil
	}
	duration := func(name string, dst *time.Duration) error {
		v := getenv(name)
		if v == "" {
			return nil
		}
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
		*dst = d
		return nil
	}

	str("PORT", &cfg.Port)
	str("JWT_SECRET", &cfg.JWTSecret)
	if v := getenv("COOKIE_SECURE"); v != "" {
		cfg.CookieSecure = v == "1" || strings.EqualFold(v, "true")
	}
	// a database url alone is enough to select postgres
	if v := getenv("DATABASE_URL"); v != "" {
		cfg.Store.DatabaseURL = v
		cfg.Store.Backend = BackendPostgres
	}
	str("SPOTTHEBOT_STORE_BACKEND", &cfg.Store.Backend)
	str("SPOTTHEBOT_STORE_PATH", &cfg.Store.Path)
	str("SPOTTHEBOT_LOG_LEVEL", &cfg.LogLevel)
	str("SPOTTHEBOT_PEPPER", &cfg.Users.Pepper)

	if v := getenv("SPOTTHEBOT_ADMIN_IDS"); v != "" {
		cfg.AdminIDs = nil
		for _, part := range strings.Split(v, ",") {
			id, err := strconv.ParseInt(strings.TrimSpace(part), 10, 64)
			if err != nil {
				return fmt.Errorf("SPOTTHEBOT_ADMIN_IDS: %w", err)
			}
			cfg.AdminIDs = append(cfg.AdminIDs, id)
		}
	}
	if err := integer("SPOTTHEBOT_MAX_MARKERS", &cfg.Markers.MaxMarkers); err != nil {
		return err
	}
	if err := integer("SPOTTHEBOT_MIN_COUNT", &cfg.Markers.MinCount); err != nil {
		return err
	}
	if err := duration("SPOTTHEBOT_USER_EXPIRATION", &cfg.Users.Expiration); err != nil {
		return err
	}
	if err := duration("SPOTTHEBOT_INVITATION_TTL", &cfg.Invitations.TTL); err != nil {
		return err
	}
	return duration("SPOTTHEBOT_EVICT_INTERVAL", &cfg.Worker.Interval)
}

// IsAdmin reports whether id may use the admin endpoints.
func (c Config) IsAdmin(id int64) bool {
	return slices.Contains(c.AdminIDs, id)
}
