// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package config

import "time"

// AppConfig is the complete runtime configuration of the shardline daemon.
// YAML keys use camelCase; environment overrides use the SHARDLINE_ prefix.
type AppConfig struct {
	Version string `yaml:"-" json:"-"`

	Token          string   `yaml:"token" json:"token"`
	GatewayURL     string   `yaml:"gatewayURL,omitempty" json:"gatewayURL,omitempty"`
	APIURL         string   `yaml:"apiURL,omitempty" json:"apiURL,omitempty"`
	APIVersion     int      `yaml:"apiVersion" json:"apiVersion"`
	Compression    string   `yaml:"compression,omitempty" json:"compression,omitempty"`
	Intents        []string `yaml:"intents" json:"intents"`
	LargeThreshold int      `yaml:"largeThreshold,omitempty" json:"largeThreshold,omitempty"`
	MaxMessageSize int      `yaml:"maxMessageSize,omitempty" json:"maxMessageSize,omitempty"`

	Shards              ShardsConfig    `yaml:"shards" json:"shards"`
	IdentifyConcurrency int             `yaml:"identifyConcurrency,omitempty" json:"identifyConcurrency,omitempty"`
	Presence            *PresenceConfig `yaml:"presence,omitempty" json:"presence,omitempty"`

	HandshakeTimeout time.Duration      `yaml:"handshakeTimeout" json:"handshakeTimeout"`
	CommandLimit     CommandLimitConfig `yaml:"commandLimit" json:"commandLimit"`
	Backoff          BackoffConfig      `yaml:"backoff" json:"backoff"`
	Session          SessionConfig      `yaml:"session" json:"session"`

	EventFilter string   `yaml:"eventFilter,omitempty" json:"eventFilter,omitempty"`
	EventFlags  []string `yaml:"eventFlags,omitempty" json:"eventFlags,omitempty"`

	LogLevel   string `yaml:"logLevel" json:"logLevel"`
	LogService string `yaml:"logService" json:"logService"`

	Status    StatusConfig    `yaml:"status" json:"status"`
	Telemetry TelemetryConfig `yaml:"telemetry" json:"telemetry"`
}

// ShardsConfig selects the shard range. Total 0 uses the recommended count
// from the REST API; Last -1 means Total-1.
type ShardsConfig struct {
	First int `yaml:"first" json:"first"`
	Last  int `yaml:"last" json:"last"`
	Total int `yaml:"total" json:"total"`
}

// PresenceConfig is the initial presence sent with identify.
type PresenceConfig struct {
	Status       string `yaml:"status" json:"status"`
	AFK          bool   `yaml:"afk,omitempty" json:"afk,omitempty"`
	ActivityName string `yaml:"activityName,omitempty" json:"activityName,omitempty"`
	ActivityType int    `yaml:"activityType,omitempty" json:"activityType,omitempty"`
	ActivityURL  string `yaml:"activityURL,omitempty" json:"activityURL,omitempty"`
}

// CommandLimitConfig bounds outbound commands per connection.
type CommandLimitConfig struct {
	Capacity int           `yaml:"capacity" json:"capacity"`
	Period   time.Duration `yaml:"period" json:"period"`
}

// BackoffConfig tunes reconnect delays.
type BackoffConfig struct {
	Initial       time.Duration `yaml:"initial" json:"initial"`
	Max           time.Duration `yaml:"max" json:"max"`
	BurstFailures int           `yaml:"burstFailures" json:"burstFailures"`
	BurstWindow   time.Duration `yaml:"burstWindow" json:"burstWindow"`
}

// SessionConfig selects where resumable sessions are persisted.
type SessionConfig struct {
	Backend       string        `yaml:"backend" json:"backend"` // memory, file, redis, sqlite
	Path          string        `yaml:"path,omitempty" json:"path,omitempty"`
	RedisAddr     string        `yaml:"redisAddr,omitempty" json:"redisAddr,omitempty"`
	RedisPassword string        `yaml:"redisPassword,omitempty" json:"redisPassword,omitempty"`
	RedisDB       int           `yaml:"redisDB,omitempty" json:"redisDB,omitempty"`
	TTL           time.Duration `yaml:"ttl,omitempty" json:"ttl,omitempty"`
}

// Persistent reports whether sessions survive a process restart.
func (s SessionConfig) Persistent() bool {
	return s.Backend != "" && s.Backend != "memory"
}

// StatusConfig configures the operator HTTP server. An empty ListenAddr
// disables it.
type StatusConfig struct {
	ListenAddr   string `yaml:"listenAddr" json:"listenAddr"`
	RequestLimit int    `yaml:"requestLimit" json:"requestLimit"`
}

// TelemetryConfig configures OTLP tracing.
type TelemetryConfig struct {
	Enabled      bool    `yaml:"enabled" json:"enabled"`
	Exporter     string  `yaml:"exporter" json:"exporter"` // grpc, http
	Endpoint     string  `yaml:"endpoint,omitempty" json:"endpoint,omitempty"`
	Insecure     bool    `yaml:"insecure,omitempty" json:"insecure,omitempty"`
	SamplingRate float64 `yaml:"samplingRate" json:"samplingRate"`
}

// Redacted returns a copy with secrets replaced, suitable for dumping.
func (c AppConfig) Redacted() AppConfig {
	if c.Token != "" {
		c.Token = "***"
	}
	if c.Session.RedisPassword != "" {
		c.Session.RedisPassword = "***"
	}
	c.Session.RedisAddr = MaskURL(c.Session.RedisAddr)
	c.Telemetry.Endpoint = MaskURL(c.Telemetry.Endpoint)
	c.GatewayURL = MaskURL(c.GatewayURL)
	c.APIURL = MaskURL(c.APIURL)
	return c
}
