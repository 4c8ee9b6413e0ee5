// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/ManuGH/shardline/internal/gateway/reconnect"
	"github.com/ManuGH/shardline/internal/ratelimit"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "SHARDLINE_"

// Loader handles configuration loading with precedence
type Loader struct {
	configPath      string
	version         string
	ConsumedEnvKeys map[string]struct{} // keys read during the last Load
}

// NewLoader creates a new configuration loader
func NewLoader(configPath, version string) *Loader {
	return &Loader{
		configPath:      configPath,
		version:         version,
		ConsumedEnvKeys: make(map[string]struct{}),
	}
}

// Path returns the config file path, possibly empty.
func (l *Loader) Path() string { return l.configPath }

func (l *Loader) envString(key, defaultVal string) string {
	l.ConsumedEnvKeys[key] = struct{}{}
	return ParseString(key, defaultVal)
}

func (l *Loader) envBool(key string, defaultVal bool) bool {
	l.ConsumedEnvKeys[key] = struct{}{}
	return ParseBool(key, defaultVal)
}

func (l *Loader) envInt(key string, defaultVal int) int {
	l.ConsumedEnvKeys[key] = struct{}{}
	return ParseInt(key, defaultVal)
}

func (l *Loader) envDuration(key string, defaultVal time.Duration) time.Duration {
	l.ConsumedEnvKeys[key] = struct{}{}
	return ParseDuration(key, defaultVal)
}

func (l *Loader) envFloat(key string, defaultVal float64) float64 {
	l.ConsumedEnvKeys[key] = struct{}{}
	return ParseFloat(key, defaultVal)
}

func (l *Loader) envList(key string, defaultVal []string) []string {
	l.ConsumedEnvKeys[key] = struct{}{}
	return ParseList(key, defaultVal)
}

// Load loads configuration with precedence: ENV > File > Defaults
// It enforces Strict Validated Order: Parse File (Strict) -> Apply Env -> Validate
func (l *Loader) Load() (AppConfig, error) {
	cfg := Defaults()

	if l.configPath != "" {
		if err := l.loadFile(l.configPath, &cfg); err != nil {
			return cfg, fmt.Errorf("load config file: %w", err)
		}
	}

	l.mergeEnv(&cfg)
	cfg.Version = l.version

	if err := Validate(cfg); err != nil {
		return cfg, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

// Defaults returns the built-in configuration.
func Defaults() AppConfig {
	bo := reconnect.DefaultConfig()
	return AppConfig{
		APIVersion:       10,
		Intents:          []string{"guilds"},
		Shards:           ShardsConfig{First: 0, Last: -1, Total: 0},
		HandshakeTimeout: 30 * time.Second,
		CommandLimit: CommandLimitConfig{
			Capacity: ratelimit.DefaultCapacity,
			Period:   ratelimit.DefaultPeriod,
		},
		Backoff: BackoffConfig{
			Initial:       bo.Initial,
			Max:           bo.Max,
			BurstFailures: bo.BurstFailures,
			BurstWindow:   bo.BurstWindow,
		},
		Session:    SessionConfig{Backend: "memory"},
		LogLevel:   "info",
		LogService: "shardline",
		Status: StatusConfig{
			ListenAddr:   ":9470",
			RequestLimit: 120,
		},
		Telemetry: TelemetryConfig{
			Exporter:     "grpc",
			SamplingRate: 1.0,
		},
	}
}

// loadFile decodes a YAML file over cfg with STRICT parsing.
// Unknown fields will cause a fatal error to prevent misconfiguration.
func (l *Loader) loadFile(path string, cfg *AppConfig) error {
	path = filepath.Clean(path)

	ext := strings.ToLower(filepath.Ext(path))
	if ext != ".yaml" && ext != ".yml" {
		return fmt.Errorf("%w: %s (only YAML supported)", ErrUnsupportedFormat, ext)
	}

	// #nosec G304 -- configuration file paths are provided by the operator via CLI/ENV
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read file: %w", err)
	}

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	if err := dec.Decode(cfg); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		if strings.Contains(err.Error(), "field") && strings.Contains(err.Error(), "not found") {
			return fmt.Errorf("%w: %v", ErrUnknownConfigField, err)
		}
		return fmt.Errorf("strict config parse error: %w", err)
	}

	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		return ErrMultipleDocuments
	}
	return nil
}

// mergeEnv applies SHARDLINE_* overrides. DISCORD_TOKEN is honoured when
// SHARDLINE_TOKEN is unset.
func (l *Loader) mergeEnv(cfg *AppConfig) {
	cfg.Token = l.envString("DISCORD_TOKEN", cfg.Token)
	cfg.Token = l.envString(EnvPrefix+"TOKEN", cfg.Token)
	cfg.GatewayURL = l.envString(EnvPrefix+"GATEWAY_URL", cfg.GatewayURL)
	cfg.APIURL = l.envString(EnvPrefix+"API_URL", cfg.APIURL)
	cfg.APIVersion = l.envInt(EnvPrefix+"API_VERSION", cfg.APIVersion)
	cfg.Compression = l.envString(EnvPrefix+"COMPRESSION", cfg.Compression)
	cfg.Intents = l.envList(EnvPrefix+"INTENTS", cfg.Intents)
	cfg.LargeThreshold = l.envInt(EnvPrefix+"LARGE_THRESHOLD", cfg.LargeThreshold)
	cfg.MaxMessageSize = l.envInt(EnvPrefix+"MAX_MESSAGE_SIZE", cfg.MaxMessageSize)

	cfg.Shards.First = l.envInt(EnvPrefix+"SHARD_FIRST", cfg.Shards.First)
	cfg.Shards.Last = l.envInt(EnvPrefix+"SHARD_LAST", cfg.Shards.Last)
	cfg.Shards.Total = l.envInt(EnvPrefix+"SHARD_TOTAL", cfg.Shards.Total)
	cfg.IdentifyConcurrency = l.envInt(EnvPrefix+"IDENTIFY_CONCURRENCY", cfg.IdentifyConcurrency)

	if status := l.envString(EnvPrefix+"PRESENCE_STATUS", ""); status != "" {
		if cfg.Presence == nil {
			cfg.Presence = &PresenceConfig{}
		}
		cfg.Presence.Status = status
	}

	cfg.HandshakeTimeout = l.envDuration(EnvPrefix+"HANDSHAKE_TIMEOUT", cfg.HandshakeTimeout)
	cfg.CommandLimit.Capacity = l.envInt(EnvPrefix+"COMMAND_LIMIT_CAPACITY", cfg.CommandLimit.Capacity)
	cfg.CommandLimit.Period = l.envDuration(EnvPrefix+"COMMAND_LIMIT_PERIOD", cfg.CommandLimit.Period)
	cfg.Backoff.Initial = l.envDuration(EnvPrefix+"BACKOFF_INITIAL", cfg.Backoff.Initial)
	cfg.Backoff.Max = l.envDuration(EnvPrefix+"BACKOFF_MAX", cfg.Backoff.Max)

	cfg.Session.Backend = l.envString(EnvPrefix+"SESSION_BACKEND", cfg.Session.Backend)
	cfg.Session.Path = l.envString(EnvPrefix+"SESSION_PATH", cfg.Session.Path)
	cfg.Session.RedisAddr = l.envString(EnvPrefix+"SESSION_REDIS_ADDR", cfg.Session.RedisAddr)
	cfg.Session.RedisPassword = l.envString(EnvPrefix+"SESSION_REDIS_PASSWORD", cfg.Session.RedisPassword)
	cfg.Session.RedisDB = l.envInt(EnvPrefix+"SESSION_REDIS_DB", cfg.Session.RedisDB)
	cfg.Session.TTL = l.envDuration(EnvPrefix+"SESSION_TTL", cfg.Session.TTL)

	cfg.EventFilter = l.envString(EnvPrefix+"EVENT_FILTER", cfg.EventFilter)
	cfg.EventFlags = l.envList(EnvPrefix+"EVENT_FLAGS", cfg.EventFlags)

	cfg.LogLevel = l.envString(EnvPrefix+"LOG_LEVEL", cfg.LogLevel)
	cfg.LogService = l.envString(EnvPrefix+"LOG_SERVICE", cfg.LogService)

	cfg.Status.ListenAddr = l.envString(EnvPrefix+"STATUS_LISTEN", cfg.Status.ListenAddr)
	cfg.Status.RequestLimit = l.envInt(EnvPrefix+"STATUS_REQUEST_LIMIT", cfg.Status.RequestLimit)

	cfg.Telemetry.Enabled = l.envBool(EnvPrefix+"TELEMETRY_ENABLED", cfg.Telemetry.Enabled)
	cfg.Telemetry.Exporter = l.envString(EnvPrefix+"TELEMETRY_EXPORTER", cfg.Telemetry.Exporter)
	cfg.Telemetry.Endpoint = l.envString(EnvPrefix+"TELEMETRY_ENDPOINT", cfg.Telemetry.Endpoint)
	cfg.Telemetry.Insecure = l.envBool(EnvPrefix+"TELEMETRY_INSECURE", cfg.Telemetry.Insecure)
	cfg.Telemetry.SamplingRate = l.envFloat(EnvPrefix+"TELEMETRY_SAMPLING_RATE", cfg.Telemetry.SamplingRate)
}
