// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

// Package gwerr classifies gateway failures into the four recovery classes
// used by the shard loop.
package gwerr

import (
	"errors"
	"fmt"
)

// Kind is the recovery class of a failure.
type Kind int

const (
	// Transport covers refused/reset/timed-out connections and zombied heartbeats.
	// Always retried with resume when a session exists.
	Transport Kind = iota + 1
	// Protocol covers malformed frames, unexpected opcodes and decompression
	// failures. Retried with a fresh identify.
	Protocol
	// SessionRejected covers invalid-session and refused resumes.
	SessionRejected
	// Fatal failures are never retried and terminate the shard.
	Fatal
)

func (k Kind) String() string {
	switch k {
	case Transport:
		return "transport"
	case Protocol:
		return "protocol"
	case SessionRejected:
		return "session_rejected"
	case Fatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Error is a classified gateway failure.
type Error struct {
	Kind Kind
	Op   string // what the shard was doing, e.g. "dial", "read", "heartbeat"
	Code int    // transport close code, 0 if none
	Err  error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("gateway %s error during %s", e.Kind, e.Op)
	if e.Code != 0 {
		msg += fmt.Sprintf(" (close code %d)", e.Code)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches another *Error by Kind so errors.Is(err, &Error{Kind: Fatal}) works.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Kind == e.Kind && (t.Op == "" || t.Op == e.Op) && (t.Code == 0 || t.Code == e.Code)
}

// New wraps err with a kind and operation.
func New(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// WithCode wraps err with a kind, operation and close code.
func WithCode(kind Kind, op string, code int, err error) *Error {
	return &Error{Kind: kind, Op: op, Code: code, Err: err}
}

// KindOf returns the kind of err, or 0 if err is not classified.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return 0
}

// IsFatal reports whether err terminates the shard.
func IsFatal(err error) bool {
	return KindOf(err) == Fatal
}
