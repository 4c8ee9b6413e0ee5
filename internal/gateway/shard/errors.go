// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package shard

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrNotConnected is returned by Send outside the Connected phase.
	ErrNotConnected = errors.New("shard is not connected")
	// ErrAlreadyStarted is returned by a second Start.
	ErrAlreadyStarted = errors.New("shard already started")
	// ErrNotCommand is returned when Send is given a handshake or heartbeat opcode.
	ErrNotCommand = errors.New("opcode is not an application command")
)

// RateLimitedError is returned by Send when the command quota is exhausted.
// The command was not sent; retry after RetryAfter.
type RateLimitedError struct {
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("command rate limited, retry after %s", e.RetryAfter)
}
