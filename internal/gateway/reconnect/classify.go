// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

// Package reconnect decides whether and how a shard reconnects after its
// transport closed, and how long it waits first.
package reconnect

import "strconv"

// Class is how a close code is treated.
type Class int

const (
	// ClassResumable reconnects and resumes if a session exists.
	ClassResumable Class = iota
	// ClassNonResumable reconnects with a fresh identify.
	ClassNonResumable
	// ClassFatal stops the shard.
	ClassFatal
)

func (c Class) String() string {
	switch c {
	case ClassResumable:
		return "resumable"
	case ClassNonResumable:
		return "non_resumable"
	case ClassFatal:
		return "fatal"
	default:
		return "Class(" + strconv.Itoa(int(c)) + ")"
	}
}

// Gateway close codes.
const (
	CloseNormal             = 1000
	CloseUnknownError       = 4000
	CloseUnknownOpcode      = 4001
	CloseDecodeError        = 4002
	CloseNotAuthenticated   = 4003
	CloseAuthenticationFail = 4004
	CloseAlreadyAuthed      = 4005
	CloseInvalidSeq         = 4007
	CloseRateLimited        = 4008
	CloseSessionTimedOut    = 4009
	CloseInvalidShard       = 4010
	CloseShardingRequired   = 4011
	CloseInvalidAPIVersion  = 4012
	CloseInvalidIntents     = 4013
	CloseDisallowedIntents  = 4014
)

// CloseTable maps close codes to classes. Codes not listed get Default.
type CloseTable struct {
	Codes   map[int]Class
	Default Class
}

// DefaultCloseTable returns the classification of the current gateway.
func DefaultCloseTable() CloseTable {
	return CloseTable{
		Codes: map[int]Class{
			CloseAuthenticationFail: ClassFatal,
			CloseInvalidShard:       ClassFatal,
			CloseShardingRequired:   ClassFatal,
			CloseInvalidAPIVersion:  ClassFatal,
			CloseInvalidIntents:     ClassFatal,
			CloseDisallowedIntents:  ClassFatal,
			CloseInvalidSeq:         ClassNonResumable,
			CloseSessionTimedOut:    ClassNonResumable,
		},
		Default: ClassResumable,
	}
}

// With returns a copy of t with code classified as c.
func (t CloseTable) With(code int, c Class) CloseTable {
	codes := make(map[int]Class, len(t.Codes)+1)
	for k, v := range t.Codes {
		codes[k] = v
	}
	codes[code] = c
	return CloseTable{Codes: codes, Default: t.Default}
}

// Classify returns the class for code.
func (t CloseTable) Classify(code int) Class {
	if c, ok := t.Codes[code]; ok {
		return c
	}
	return t.Default
}

// Decision is what the shard does with its session on the next attempt.
type Decision int

const (
	// Resume the stored session.
	Resume Decision = iota
	// Invalidate the session and identify from scratch.
	Invalidate
	// Fatal stops the shard.
	Fatal
)

func (d Decision) String() string {
	switch d {
	case Resume:
		return "resume"
	case Invalidate:
		return "invalidate"
	case Fatal:
		return "fatal"
	default:
		return "Decision(" + strconv.Itoa(int(d)) + ")"
	}
}

// Decide combines the close classification with whether a session snapshot
// exists. Resume is chosen only for a resumable close with a snapshot.
func (t CloseTable) Decide(code int, hasSnapshot bool) Decision {
	switch t.Classify(code) {
	case ClassFatal:
		return Fatal
	case ClassResumable:
		if hasSnapshot {
			return Resume
		}
	}
	return Invalidate
}
