// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

// Package config loads the daemon configuration.
//
// Precedence is ENV > YAML file > defaults. The file is decoded strictly:
// unknown keys and multiple documents are rejected. Environment overrides use
// the SHARDLINE_ prefix; DISCORD_TOKEN is accepted as a token fallback.
// Holder watches the file with fsnotify and republishes validated configs.
package config
