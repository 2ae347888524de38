// Package config loads the sync server configuration from an optional TOML
// file and the environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	toml "github.com/pelletier/go-toml/v2"

	"collabtext/realtime/internal/fanout"
)

const (
	defaultListenAddr      = ":3001"
	defaultSaveDebounce    = 5 * time.Second
	defaultHeartbeat       = 30 * time.Second
	defaultPresenceTimeout = 30 * time.Second
	defaultUserCacheSize   = 1024
	defaultUserCacheTTL    = time.Minute
	defaultSendBuffer      = 256
	defaultPathPrefix      = "/ws/documents/"
)

type Config struct {
	ListenAddr string
	// ProcessID identifies this process on the broker; empty means generate one.
	ProcessID string
	// RedisURL selects the Redis broker; empty runs with an in-process broker.
	RedisURL string
	// DatabaseURL selects PostgreSQL storage; empty keeps documents in memory.
	DatabaseURL       string
	JWTSecret         string
	SaveDebounce      time.Duration
	HeartbeatInterval time.Duration
	PresenceTimeout   time.Duration
	CompressSnapshots bool
	UserCacheSize     int
	UserCacheTTL      time.Duration
	SendBuffer        int
	LogLevel          string
	LogFormat         string
	PathPrefix        string
	// DevDocuments are served without a database, each through an edit
	// share whose token is the document id.
	DevDocuments []string
}

// Default returns the configuration used when nothing is set.
func Default() Config {
	return Config{
		ListenAddr:        defaultListenAddr,
		SaveDebounce:      defaultSaveDebounce,
		HeartbeatInterval: defaultHeartbeat,
		PresenceTimeout:   defaultPresenceTimeout,
		UserCacheSize:     defaultUserCacheSize,
		UserCacheTTL:      defaultUserCacheTTL,
		SendBuffer:        defaultSendBuffer,
		LogLevel:          "info",
		LogFormat:         "console",
		PathPrefix:        defaultPathPrefix,
	}
}

type fileConfig struct {
	ListenAddr        string   `toml:"listen_addr"`
	ProcessID         string   `toml:"process_id"`
	RedisURL          string   `toml:"redis_url"`
	DatabaseURL       string   `toml:"database_url"`
	JWTSecret         string   `toml:"jwt_secret"`
	SaveDebounce      string   `toml:"save_debounce"`
	HeartbeatInterval string   `toml:"heartbeat_interval"`
	PresenceTimeout   string   `toml:"presence_timeout"`
	CompressSnapshots *bool    `toml:"compress_snapshots"`
	UserCacheSize     *int     `toml:"user_cache_size"`
	UserCacheTTL      string   `toml:"user_cache_ttl"`
	SendBuffer        *int     `toml:"send_buffer"`
	LogLevel          string   `toml:"log_level"`
	LogFormat         string   `toml:"log_format"`
	PathPrefix        string   `toml:"path_prefix"`
	DevDocuments      []string `toml:"dev_documents"`
}

// Load reads path when it is set and exists, then applies environment
// overrides. A missing file leaves the defaults in place.
func Load(path string) (Config, error) {
	cfg := Default()
	if strings.TrimSpace(path) != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
		case err != nil:
			return Config{}, fmt.Errorf("read config: %w", err)
		default:
			if err := cfg.merge(data); err != nil {
				return Config{}, err
			}
		}
	}
	cfg.applyEnv(os.LookupEnv)
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) merge(data []byte) error {
	var raw fileConfig
	if err := toml.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("parse config: %w", err)
	}
	setString(&c.ListenAddr, raw.ListenAddr)
	setString(&c.ProcessID, raw.ProcessID)
	setString(&c.RedisURL, raw.RedisURL)
	setString(&c.DatabaseURL, raw.DatabaseURL)
	setString(&c.JWTSecret, raw.JWTSecret)
	setString(&c.LogLevel, raw.LogLevel)
	setString(&c.LogFormat, raw.LogFormat)
	setString(&c.PathPrefix, raw.PathPrefix)
	durations := []struct {
		key string
		raw string
		dst *time.Duration
	}{
		{"save_debounce", raw.SaveDebounce, &c.SaveDebounce},
		{"heartbeat_interval", raw.HeartbeatInterval, &c.HeartbeatInterval},
		{"presence_timeout", raw.PresenceTimeout, &c.PresenceTimeout},
		{"user_cache_ttl", raw.UserCacheTTL, &c.UserCacheTTL},
	}
	for _, d := range durations {
		if strings.TrimSpace(d.raw) == "" {
			continue
		}
		v, err := time.ParseDuration(strings.TrimSpace(d.raw))
		if err != nil {
			return fmt.Errorf("parse config: %s: %w", d.key, err)
		}
		*d.dst = v
	}
	if len(raw.DevDocuments) > 0 {
		c.DevDocuments = raw.DevDocuments
	}
	if raw.CompressSnapshots != nil {
		c.CompressSnapshots = *raw.CompressSnapshots
	}
	if raw.UserCacheSize != nil {
		c.UserCacheSize = *raw.UserCacheSize
	}
	if raw.SendBuffer != nil {
		c.SendBuffer = *raw.SendBuffer
	}
	return nil
}

func setString(dst *string, v string) {
	if v = strings.TrimSpace(v); v != "" {
		*dst = v
	}
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) {
	get := func(key string) string {
		v, _ := lookup(key)
		return strings.TrimSpace(v)
	}
	if port := get("PORT"); port != "" {
		if _, err := strconv.Atoi(port); err == nil {
			c.ListenAddr = ":" + port
		}
	}
	setString(&c.ListenAddr, get("COLLABD_LISTEN"))
	setString(&c.ProcessID, get("SERVER_ID"))
	setString(&c.RedisURL, get("REDIS_URL"))
	setString(&c.DatabaseURL, get("DATABASE_URL"))
	setString(&c.JWTSecret, get("JWT_ACCESS_SECRET"))
}

// Validate reports the first setting that cannot be used.
func (c Config) Validate() error {
	if strings.TrimSpace(c.ListenAddr) == "" {
		return errors.New("config: listen_addr is empty")
	}
	for name, d := range map[string]time.Duration{
		"save_debounce":      c.SaveDebounce,
		"heartbeat_interval": c.HeartbeatInterval,
		"presence_timeout":   c.PresenceTimeout,
		"user_cache_ttl":     c.UserCacheTTL,
	} {
		if d <= 0 {
			return fmt.Errorf("config: %s must be positive, got %s", name, d)
		}
	}
	if c.UserCacheSize <= 0 {
		return fmt.Errorf("config: user_cache_size must be positive, got %d", c.UserCacheSize)
	}
	if c.SendBuffer <= 0 {
		return fmt.Errorf("config: send_buffer must be positive, got %d", c.SendBuffer)
	}
	if strings.IndexByte(c.ProcessID, fanout.Separator) >= 0 {
		return fmt.Errorf("config: process_id %q must not contain %q", c.ProcessID, fanout.Separator)
	}
	if !strings.HasPrefix(c.PathPrefix, "/") {
		return fmt.Errorf("config: path_prefix %q must start with /", c.PathPrefix)
	}
	return nil
}
