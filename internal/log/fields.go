// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package log

// Canonical field name constants for structured logging.
const (
	// Identity fields
	FieldShard      = "shard"
	FieldShardTotal = "shard_total"
	FieldSessionID  = "session_id"
	FieldAttemptID  = "attempt_id"
	FieldSeq        = "seq"

	// Process fields
	FieldEvent     = "event"
	FieldComponent = "component"
	FieldOp        = "op"

	// State fields
	FieldOldState = "old_state"
	FieldNewState = "new_state"

	// Transport fields
	FieldURL       = "url"
	FieldCloseCode = "close_code"
	FieldResume    = "resume"
	FieldBackoff   = "backoff"
	FieldLatency   = "latency"
)
