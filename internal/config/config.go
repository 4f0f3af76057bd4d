package config

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

type Config struct {
	HTTPAddr string `toml:"http_addr"`
	GRPCAddr string `toml:"grpc_addr"` // empty disables the feed

	Env       string `toml:"env"`        // "dev" | "prod"
	LogLevel  string `toml:"log_level"`  // debug | info | warn | error
	LogFormat string `toml:"log_format"` // text | json; defaults by env

	// DB
	DBDriver string `toml:"db_driver"` // "sqlite" | "memory"
	DBPath   string `toml:"db_path"`   // e.g. "./data/tapledger.db"

	KnownDevices   []string `toml:"known_devices"`
	AllowAll       bool     `toml:"allow_all"`
	AllowedCardIDs []string `toml:"allowed_card_ids"`

	// Device connectivity
	HeartbeatIntervalSeconds int `toml:"heartbeat_interval_seconds"`
	MissedHeartbeatLimit     int `toml:"missed_heartbeat_limit"`

	// Heartbeat retention
	HeartbeatRetentionDays int `toml:"heartbeat_retention_days"` // 0 = keep forever
	PruneIntervalHours     int `toml:"prune_interval_hours"`

	// Ingestion
	CommitQueueSize   int `toml:"commit_queue_size"`
	OfflineQueueLimit int `toml:"offline_queue_limit"`

	// Health
	BacklogSoft           int `toml:"backlog_soft"`
	BacklogHard           int `toml:"backlog_hard"`
	VerifyWindow          int `toml:"verify_window"`
	HealthIntervalSeconds int `toml:"health_interval_seconds"`
	AlertLimit            int `toml:"alert_limit"`
	AlertRetentionHours   int `toml:"alert_retention_hours"`

	// Replay
	ReplayPageSize      int `toml:"replay_page_size"`
	MaxReplayGapSeconds int `toml:"max_replay_gap_seconds"`

	// Kafka fan-out; disabled when no brokers are set.
	KafkaBrokers []string `toml:"kafka_brokers"`
	KafkaTopic   string   `toml:"kafka_topic"`
}

func Default() Config {
	return Config{
		HTTPAddr: ":8080",
		GRPCAddr: ":9090",
		Env:      "dev",
		LogLevel: "info",
		DBDriver: "sqlite",
		DBPath:   "./data/tapledger.db",

		HeartbeatIntervalSeconds: 30,
		MissedHeartbeatLimit:     3,
		HeartbeatRetentionDays:   30,
		PruneIntervalHours:       6,

		CommitQueueSize:   1024,
		OfflineQueueLimit: 10000,

		BacklogSoft:           256,
		BacklogHard:           900,
		VerifyWindow:          1000,
		HealthIntervalSeconds: 30,
		AlertLimit:            256,
		AlertRetentionHours:   24,

		ReplayPageSize:      256,
		MaxReplayGapSeconds: 60,

		KafkaTopic: "tapledger.entries",
	}
}

// Load builds the configuration from defaults, then the TOML file at path
// (skipped when path is empty), then TAPLEDGER_* environment variables.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		f, err := os.Open(path)
		if err != nil {
			return Config{}, fmt.Errorf("failed to open config file: %w", err)
		}
		defer f.Close()
		if err := decode(f, &cfg); err != nil {
			return Config{}, fmt.Errorf("reading config from %s: %w", path, err)
		}
	}
	applyEnv(&cfg)
	return cfg.normalize(), nil
}

// FromEnv is Load without a file.
func FromEnv() Config {
	cfg := Default()
	applyEnv(&cfg)
	return cfg.normalize()
}

func decode(r io.Reader, cfg *Config) error {
	md, err := toml.NewDecoder(r).Decode(cfg)
	if err != nil {
		return fmt.Errorf("failed to decode config: %w", err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return fmt.Errorf("unknown config key %q", undecoded[0].String())
	}
	return nil
}

// LoadDotenv loads KEY=VALUE files into the environment without
// overriding variables that are already set.  Missing files are skipped.
func LoadDotenv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, p := range paths {
		if err := godotenv.Load(p); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return fmt.Errorf("load %s: %w", p, err)
		}
	}
	return nil
}

func applyEnv(c *Config) {
	c.HTTPAddr = getenvDefault("TAPLEDGER_HTTP_ADDR", c.HTTPAddr)
	if v, ok := os.LookupEnv("TAPLEDGER_GRPC_ADDR"); ok {
		c.GRPCAddr = strings.TrimSpace(v)
	}

	c.Env = getenvDefault("TAPLEDGER_ENV", c.Env)
	c.LogLevel = getenvDefault("TAPLEDGER_LOG_LEVEL", c.LogLevel)
	c.LogFormat = getenvDefault("TAPLEDGER_LOG_FORMAT", c.LogFormat)

	c.DBDriver = getenvDefault("TAPLEDGER_DB_DRIVER", c.DBDriver)
	c.DBPath = getenvDefault("TAPLEDGER_DB_PATH", c.DBPath)

	if v := splitCSV(os.Getenv("TAPLEDGER_KNOWN_DEVICES")); v != nil {
		c.KnownDevices = v
	}
	if v := splitCSV(os.Getenv("TAPLEDGER_ALLOWED_CARD_IDS")); v != nil {
		c.AllowedCardIDs = v
	}
	c.AllowAll = getenvBool("TAPLEDGER_ALLOW_ALL", c.AllowAll)

	c.HeartbeatIntervalSeconds = getenvInt("TAPLEDGER_HEARTBEAT_INTERVAL_SECONDS", c.HeartbeatIntervalSeconds)
	c.MissedHeartbeatLimit = getenvInt("TAPLEDGER_MISSED_HEARTBEAT_LIMIT", c.MissedHeartbeatLimit)
	c.HeartbeatRetentionDays = getenvInt("TAPLEDGER_HEARTBEAT_RETENTION_DAYS", c.HeartbeatRetentionDays)
	c.PruneIntervalHours = getenvInt("TAPLEDGER_PRUNE_INTERVAL_HOURS", c.PruneIntervalHours)

	c.CommitQueueSize = getenvInt("TAPLEDGER_COMMIT_QUEUE_SIZE", c.CommitQueueSize)
	c.OfflineQueueLimit = getenvInt("TAPLEDGER_OFFLINE_QUEUE_LIMIT", c.OfflineQueueLimit)

	c.BacklogSoft = getenvInt("TAPLEDGER_BACKLOG_SOFT", c.BacklogSoft)
	c.BacklogHard = getenvInt("TAPLEDGER_BACKLOG_HARD", c.BacklogHard)
	c.VerifyWindow = getenvInt("TAPLEDGER_VERIFY_WINDOW", c.VerifyWindow)
	c.HealthIntervalSeconds = getenvInt("TAPLEDGER_HEALTH_INTERVAL_SECONDS", c.HealthIntervalSeconds)
	c.AlertLimit = getenvInt("TAPLEDGER_ALERT_LIMIT", c.AlertLimit)
	c.AlertRetentionHours = getenvInt("TAPLEDGER_ALERT_RETENTION_HOURS", c.AlertRetentionHours)

	c.ReplayPageSize = getenvInt("TAPLEDGER_REPLAY_PAGE_SIZE", c.ReplayPageSize)
	c.MaxReplayGapSeconds = getenvInt("TAPLEDGER_MAX_REPLAY_GAP_SECONDS", c.MaxReplayGapSeconds)

	if v := splitCSV(os.Getenv("TAPLEDGER_KAFKA_BROKERS")); v != nil {
		c.KafkaBrokers = v
	}
	c.KafkaTopic = getenvDefault("TAPLEDGER_KAFKA_TOPIC", c.KafkaTopic)
}

func (c Config) normalize() Config {
	c.Env = strings.ToLower(strings.TrimSpace(c.Env))
	if c.Env != "dev" && c.Env != "prod" {
		// fail-soft: treat unknown as dev
		c.Env = "dev"
	}
	c.DBDriver = strings.ToLower(strings.TrimSpace(c.DBDriver))
	if c.DBDriver != "memory" {
		c.DBDriver = "sqlite"
	}
	c.LogFormat = strings.ToLower(strings.TrimSpace(c.LogFormat))
	if c.LogFormat != "text" && c.LogFormat != "json" {
		c.LogFormat = "text"
		if c.Env == "prod" {
			c.LogFormat = "json"
		}
	}
	if c.AllowAll && c.Env == "prod" {
		// Never accept unenrolled cards in production.
		c.AllowAll = false
	}
	return c
}

func (c Config) HeartbeatInterval() time.Duration {
	return time.Duration(c.HeartbeatIntervalSeconds) * time.Second
}

func (c Config) PruneInterval() time.Duration {
	return time.Duration(c.PruneIntervalHours) * time.Hour
}

func (c Config) HealthInterval() time.Duration {
	return time.Duration(c.HealthIntervalSeconds) * time.Second
}

func (c Config) AlertRetention() time.Duration {
	return time.Duration(c.AlertRetentionHours) * time.Hour
}

func (c Config) MaxReplayGap() time.Duration {
	return time.Duration(c.MaxReplayGapSeconds) * time.Second
}

// SlogLevel maps LogLevel to a slog level, defaulting to info.
func (c Config) SlogLevel() slog.Level {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return slog.LevelInfo
	}
	return lvl
}

// NewLogger builds the process logger: JSON in prod, text in dev.
func (c Config) NewLogger(w io.Writer) *slog.Logger {
	opts := &slog.HandlerOptions{Level: c.SlogLevel()}
	var h slog.Handler = slog.NewTextHandler(w, opts)
	if c.LogFormat == "json" {
		h = slog.NewJSONHandler(w, opts)
	}
	return slog.New(h).With("service", "tapledger")
}

func getenvDefault(key, def string) string {
	v := os.Getenv(key)
	if strings.TrimSpace(v) == "" {
		return def
	}
	return v
}

func getenvInt(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return def
	}
	return n
}

func getenvBool(key string, def bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	return strings.EqualFold(v, "true") || v == "1"
}

func splitCSV(v string) []string {
	v = strings.TrimSpace(v)
	if v == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
