// SPDX-License-Identifier: MIT

package telemetry

import (
	"go.opentelemetry.io/otel/attribute"
)

// Common attribute keys for consistent tracing across the application.
const (
	// Shard attributes
	ShardIndexKey = "shard.index"
	ShardTotalKey = "shard.total"

	// Connection attributes
	ConnectResumeKey    = "gateway.resume"
	ConnectAttemptKey   = "gateway.attempt_id"
	ConnectCloseCodeKey = "gateway.close_code"
	ConnectOutcomeKey   = "gateway.outcome"
	SessionIDKey        = "gateway.session_id"

	// Discovery attributes
	DiscoveryShardsKey         = "discovery.shards"
	DiscoveryMaxConcurrencyKey = "discovery.max_concurrency"

	// Error attributes
	ErrorKey     = "error"
	ErrorTypeKey = "error.type"
)

// ShardAttributes identifies a shard within its fleet.
func ShardAttributes(index, total int) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.Int(ShardIndexKey, index),
		attribute.Int(ShardTotalKey, total),
	}
}

// ConnectAttributes describes one connection attempt.
func ConnectAttributes(index, total int, resume bool, attemptID string) []attribute.KeyValue {
	attrs := ShardAttributes(index, total)
	attrs = append(attrs, attribute.Bool(ConnectResumeKey, resume))
	if attemptID != "" {
		attrs = append(attrs, attribute.String(ConnectAttemptKey, attemptID))
	}
	return attrs
}

// OutcomeAttributes records how an attempt ended. closeCode 0 is omitted.
func OutcomeAttributes(outcome string, closeCode int) []attribute.KeyValue {
	attrs := []attribute.KeyValue{attribute.String(ConnectOutcomeKey, outcome)}
	if closeCode != 0 {
		attrs = append(attrs, attribute.Int(ConnectCloseCodeKey, closeCode))
	}
	return attrs
}

// DiscoveryAttributes records the recommended sharding.
func DiscoveryAttributes(shards, maxConcurrency int) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.Int(DiscoveryShardsKey, shards),
		attribute.Int(DiscoveryMaxConcurrencyKey, maxConcurrency),
	}
}

// ErrorAttributes creates error-related span attributes.
func ErrorAttributes(_ error, errorType string) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.Bool(ErrorKey, true),
		attribute.String(ErrorTypeKey, errorType),
	}
}
