// Package config loads govvote settings from an optional YAML file, the environment and,
// for SQL backings, the settings table.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"

	"github.com/stake-plus/govvote/src/voting"
)

// EnvPrefix prefixes every environment variable, e.g. GOVVOTE_BACKEND.
const EnvPrefix = "GOVVOTE"

const (
	BackendMemory   = "memory"
	BackendSnapshot = "snapshot"
	BackendMySQL    = "mysql"
	BackendSQLite   = "sqlite"
	BackendRedis    = "redis"
	BackendBadger   = "badger"
)

// Config holds every runtime setting. Fields with an envconfig tag also accept the bare
// name (MYSQL_DSN, REDIS_URL) when the prefixed variable is unset.
type Config struct {
	ListenAddr        string        `yaml:"listenAddr"        split_words:"true"`
	Backend           string        `yaml:"backend"`
	SnapshotPath      string        `yaml:"snapshotPath"      split_words:"true"`
	MySQLDSN          string        `yaml:"mysqlDsn"          envconfig:"MYSQL_DSN"`
	SQLitePath        string        `yaml:"sqlitePath"        envconfig:"SQLITE_PATH"`
	RedisURL          string        `yaml:"redisUrl"          envconfig:"REDIS_URL"`
	RedisPrefix       string        `yaml:"redisPrefix"       split_words:"true"`
	BadgerDir         string        `yaml:"badgerDir"         split_words:"true"`
	AdminID           int64         `yaml:"adminId"           envconfig:"ADMIN_ID"`
	JWTSecret         string        `yaml:"jwtSecret"         envconfig:"JWT_SECRET"`
	VotePolicy        string        `yaml:"votePolicy"        split_words:"true"`
	TopLimit          int           `yaml:"topLimit"          split_words:"true"`
	MaxProposalLength int           `yaml:"maxProposalLength" split_words:"true"`
	RateLimit         int           `yaml:"rateLimit"         split_words:"true"`
	RateWindow        time.Duration `yaml:"rateWindow"        split_words:"true"`
	CORSOrigins       []string      `yaml:"corsOrigins"       envconfig:"CORS_ORIGINS"`
	EventsStream      string        `yaml:"eventsStream"      split_words:"true"`
	Metrics           bool          `yaml:"metrics"`
}

// Default returns the settings used when nothing else is configured.
func Default() Config {
	return Config{
		ListenAddr:        ":8080",
		Backend:           BackendMemory,
		SnapshotPath:      "govvote.json",
		SQLitePath:        "govvote.sqlite",
		RedisPrefix:       "{govvote}",
		BadgerDir:         "govvote.badger",
		VotePolicy:        string(voting.PolicyPerProposal),
		TopLimit:          voting.DefaultTopLimit,
		MaxProposalLength: voting.DefaultMaxTextLength,
		RateLimit:         30,
		RateWindow:        time.Minute,
		CORSOrigins:       []string{"*"},
		Metrics:           true,
	}
}

// Load applies, in order, the defaults, the YAML file at path (if path is not empty) and the
// environment.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if err := envconfig.Process(EnvPrefix, &cfg); err != nil {
		return Config{}, fmt.Errorf("environment: %w", err)
	}
	cfg.Backend = strings.ToLower(strings.TrimSpace(cfg.Backend))
	return cfg, nil
}

// ApplySettings overlays values from the settings table. Unknown names are ignored, as are
// empty values.
func (c *Config) ApplySettings(settings map[string]string) error {
	var errs []error
	setInt := func(name string, dst *int) {
		if raw := settings[name]; raw != "" {
			v, err := strconv.Atoi(strings.TrimSpace(raw))
			if err != nil {
				errs = append(errs, fmt.Errorf("setting %s: %w", name, err))
				return
			}
			*dst = v
		}
	}

	if raw := settings["admin_id"]; raw != "" {
		v, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
		if err != nil {
			errs = append(errs, fmt.Errorf("setting admin_id: %w", err))
		} else {
			c.AdminID = v
		}
	}
	if v := settings["jwt_secret"]; v != "" {
		c.JWTSecret = v
	}
	if v := settings["vote_policy"]; v != "" {
		c.VotePolicy = v
	}
	setInt("top_limit", &c.TopLimit)
	setInt("max_proposal_length", &c.MaxProposalLength)
	setInt("rate_limit", &c.RateLimit)
	if raw := settings["rate_window"]; raw != "" {
		d, err := time.ParseDuration(strings.TrimSpace(raw))
		if err != nil {
			errs = append(errs, fmt.Errorf("setting rate_window: %w", err))
		} else {
			c.RateWindow = d
		}
	}
	if raw := settings["cors_origins"]; raw != "" {
		if origins := parseCSV(raw); len(origins) > 0 {
			c.CORSOrigins = origins
		}
	}
	if v := settings["events_stream"]; v != "" {
		c.EventsStream = v
	}
	if raw := settings["metrics_enabled"]; raw != "" {
		c.Metrics = parseBoolDefault(raw, c.Metrics)
	}
	return errors.Join(errs...)
}

// Policy returns the parsed vote policy.
func (c Config) Policy() (voting.VotePolicy, error) {
	return voting.ParseVotePolicy(c.VotePolicy)
}

// SQL reports whether the backing keeps a settings table.
func (c Config) SQL() bool {
	return c.Backend == BackendMySQL || c.Backend == BackendSQLite
}

// Validate checks the settings every command needs.
func (c Config) Validate() error {
	var errs []error
	switch c.Backend {
	case BackendMemory:
	case BackendSnapshot:
		if c.SnapshotPath == "" {
			errs = append(errs, errors.New("snapshot backend needs snapshot_path"))
		}
	case BackendMySQL:
		if c.MySQLDSN == "" {
			errs = append(errs, errors.New("mysql backend needs mysql_dsn"))
		}
	case BackendSQLite:
		if c.SQLitePath == "" {
			errs = append(errs, errors.New("sqlite backend needs sqlite_path"))
		}
	case BackendRedis:
		if c.RedisURL == "" {
			errs = append(errs, errors.New("redis backend needs redis_url"))
		}
	case BackendBadger:
	default:
		errs = append(errs, fmt.Errorf("unknown backend %q", c.Backend))
	}
	if _, err := c.Policy(); err != nil {
		errs = append(errs, err)
	}
	if c.TopLimit <= 0 {
		errs = append(errs, fmt.Errorf("top_limit must be positive, got %d", c.TopLimit))
	}
	if c.MaxProposalLength <= 0 {
		errs = append(errs, fmt.Errorf("max_proposal_length must be positive, got %d", c.MaxProposalLength))
	}
	if c.RateLimit < 0 {
		errs = append(errs, fmt.Errorf("rate_limit must not be negative, got %d", c.RateLimit))
	}
	if c.RateLimit > 0 && c.RateWindow <= 0 {
		errs = append(errs, errors.New("rate_window must be positive when rate_limit is set"))
	}
	if c.AdminID < 0 {
		errs = append(errs, fmt.Errorf("admin_id must not be negative, got %d", c.AdminID))
	}
	if c.EventsStream != "" && c.RedisURL == "" {
		errs = append(errs, errors.New("events_stream needs redis_url"))
	}
	return errors.Join(errs...)
}

// ValidateServer additionally checks what the HTTP server needs.
func (c Config) ValidateServer() error {
	var errs []error
	if err := c.Validate(); err != nil {
		errs = append(errs, err)
	}
	if len(c.JWTSecret) < 16 {
		errs = append(errs, errors.New("jwt_secret must be at least 16 bytes"))
	}
	if c.ListenAddr == "" {
		errs = append(errs, errors.New("listen_addr is empty"))
	}
	return errors.Join(errs...)
}

func parseBoolDefault(value string, fallback bool) bool {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}

func parseCSV(raw string) []string {
	fields := strings.FieldsFunc(raw, func(r rune) bool {
		return r == ',' || r == ';' || r == ' '
	})
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		if trimmed := strings.TrimSpace(f); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
