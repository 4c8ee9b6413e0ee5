// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package shard

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ManuGH/shardline/internal/gateway/codec"
	"github.com/ManuGH/shardline/internal/gateway/reconnect"
	"github.com/ManuGH/shardline/internal/gateway/session"
	"github.com/ManuGH/shardline/internal/gateway/transport"
	"github.com/ManuGH/shardline/internal/ratelimit"
)

const (
	// DefaultAPIVersion is the gateway protocol version.
	DefaultAPIVersion = 10
	// DefaultHandshakeTimeout bounds WaitingHello, Identifying and Resuming.
	DefaultHandshakeTimeout = 30 * time.Second
	// DefaultGatewayURL is used when discovery is skipped.
	DefaultGatewayURL = "wss://gateway.discord.gg"
)

// ID identifies a shard within its fleet.
type ID struct {
	Index int
	Total int
}

// Validate checks Index < Total and Total >= 1.
func (id ID) Validate() error {
	if id.Total < 1 {
		return fmt.Errorf("shard total must be at least 1, got %d", id.Total)
	}
	if id.Index < 0 || id.Index >= id.Total {
		return fmt.Errorf("shard index %d out of range [0, %d)", id.Index, id.Total)
	}
	return nil
}

func (id ID) String() string {
	return fmt.Sprintf("%d/%d", id.Index, id.Total)
}

// IdentifyGate serializes identifies across shards sharing one token. The
// shard calls it before every identify and honours its error.
type IdentifyGate interface {
	WaitIdentify(ctx context.Context, id ID) error
}

// Config is validated once in New; nothing is checked again at send time.
type Config struct {
	Token       string
	GatewayURL  string
	APIVersion  int
	Compression codec.Compression

	ID             ID
	Intents        codec.Intents
	LargeThreshold int
	Presence       *codec.Presence
	Properties     codec.IdentifyProperties

	HandshakeTimeout time.Duration
	MaxMessageSize   int
	CommandLimit     ratelimit.Config
	Backoff          reconnect.Config
	CloseTable       *reconnect.CloseTable

	// EventFlags selects which events reach Events(). Zero means all.
	EventFlags EventFlags

	Gate   IdentifyGate
	Dialer transport.Dialer
	Store  session.Store

	// Rand returns values in [0,1) for heartbeat and invalid-session jitter.
	Rand func() float64
}

// ConfigError lists every invalid field found by Validate.
type ConfigError struct {
	Problems []string
}

func (e *ConfigError) Error() string {
	return "invalid shard config: " + strings.Join(e.Problems, "; ")
}

// ErrMissingToken is reported when no token is configured.
var ErrMissingToken = errors.New("token is required")

// Validate reports all invalid fields at once.
func (c Config) Validate() error {
	var problems []string
	if strings.TrimSpace(c.Token) == "" {
		problems = append(problems, ErrMissingToken.Error())
	}
	if err := c.ID.Validate(); err != nil {
		problems = append(problems, err.Error())
	}
	if c.GatewayURL != "" {
		if _, err := transport.GatewayURL(c.GatewayURL, DefaultAPIVersion, c.Compression); err != nil {
			problems = append(problems, err.Error())
		}
	}
	switch c.Compression {
	case codec.CompressionNone, codec.CompressionPayload, codec.CompressionZlibStream:
	default:
		problems = append(problems, fmt.Sprintf("unknown compression %q", c.Compression))
	}
	if c.LargeThreshold != 0 && (c.LargeThreshold < 50 || c.LargeThreshold > 250) {
		problems = append(problems, fmt.Sprintf("large threshold %d outside [50, 250]", c.LargeThreshold))
	}
	if c.Presence != nil {
		if err := codec.ValidatePresence(*c.Presence); err != nil {
			problems = append(problems, "presence: "+err.Error())
		}
	}
	if c.HandshakeTimeout < 0 {
		problems = append(problems, "handshake timeout must not be negative")
	}
	if c.CommandLimit.Capacity < 0 || c.CommandLimit.Period < 0 {
		problems = append(problems, "command limit must not be negative")
	}
	if len(problems) > 0 {
		return &ConfigError{Problems: problems}
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.GatewayURL == "" {
		c.GatewayURL = DefaultGatewayURL
	}
	if c.APIVersion == 0 {
		c.APIVersion = DefaultAPIVersion
	}
	if c.HandshakeTimeout == 0 {
		c.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if c.EventFlags == 0 {
		c.EventFlags = EventFlagsAll
	}
	if c.Properties == (codec.IdentifyProperties{}) {
		c.Properties = codec.IdentifyProperties{OS: "linux", Browser: "shardline", Device: "shardline"}
	}
	if c.CloseTable == nil {
		t := reconnect.DefaultCloseTable()
		c.CloseTable = &t
	}
	if c.Dialer == nil {
		c.Dialer = transport.NewWebsocketDialer(int64(c.MaxMessageSize))
	}
}
