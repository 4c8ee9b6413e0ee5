// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/ManuGH/shardline/internal/log"
	"github.com/rs/zerolog"
)

// envParser converts a raw environment value.
type envParser[T any] func(string) (T, error)

// lookupEnv reads key and parses it. An unset or empty variable, or one that
// fails to parse, yields def. Values of secret-looking keys are never logged.
func lookupEnv[T any](logger zerolog.Logger, key string, def T, parse envParser[T]) T {
	raw, ok := os.LookupEnv(key)
	if !ok || raw == "" {
		logger.Debug().
			Str("key", key).
			Str("source", "default").
			Bool("set", ok).
			Msg("using default value")
		return def
	}

	sensitive := isSensitiveKey(key)
	v, err := parse(raw)
	if err != nil {
		ev := logger.Warn().Str("key", key).Err(err)
		if !sensitive {
			ev = ev.Str("value", raw)
		}
		ev.Msg("invalid environment value, using default")
		return def
	}

	ev := logger.Debug().Str("key", key).Str("source", "environment")
	if sensitive {
		ev = ev.Bool("sensitive", true)
	} else {
		ev = ev.Interface("value", v)
	}
	ev.Msg("using environment variable")
	return v
}

func parseString(s string) (string, error) { return s, nil }

func parseBool(s string) (bool, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "true", "1", "yes", "on":
		return true, nil
	case "false", "0", "no", "off":
		return false, nil
	}
	return false, fmt.Errorf("not a boolean: %q", s)
}

func parseInt(s string) (int, error) { return strconv.Atoi(strings.TrimSpace(s)) }

func parseFloat(s string) (float64, error) { return strconv.ParseFloat(strings.TrimSpace(s), 64) }

// parseDuration accepts Go durations ("1m30s") and bare integers as milliseconds,
// the unit the gateway itself uses for intervals.
func parseDuration(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if ms, err := strconv.ParseInt(s, 10, 64); err == nil {
		return time.Duration(ms) * time.Millisecond, nil
	}
	return time.ParseDuration(s)
}

// parseList splits a comma separated value, dropping empty items.
func parseList(s string) ([]string, error) {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("empty list")
	}
	return out, nil
}

func envLogger() zerolog.Logger { return log.WithComponent("config") }

// ParseString reads a string override.
func ParseString(key, defaultValue string) string {
	return lookupEnv(envLogger(), key, defaultValue, parseString)
}

// ParseInt reads an integer override.
func ParseInt(key string, defaultValue int) int {
	return lookupEnv(envLogger(), key, defaultValue, parseInt)
}

// ParseDuration reads a duration override, either a Go duration or milliseconds.
func ParseDuration(key string, defaultValue time.Duration) time.Duration {
	return lookupEnv(envLogger(), key, defaultValue, parseDuration)
}

// ParseBool reads a boolean override: true/false, 1/0, yes/no, on/off.
func ParseBool(key string, defaultValue bool) bool {
	return lookupEnv(envLogger(), key, defaultValue, parseBool)
}

// ParseFloat reads a float override.
func ParseFloat(key string, defaultValue float64) float64 {
	return lookupEnv(envLogger(), key, defaultValue, parseFloat)
}

// ParseList reads a comma separated override such as SHARDLINE_INTENTS.
func ParseList(key string, defaultValue []string) []string {
	return lookupEnv(envLogger(), key, defaultValue, parseList)
}
