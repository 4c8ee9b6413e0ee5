// SPDX-License-Identifier: MIT

package config

import (
	"net/url"
	"reflect"
	"sort"
	"strings"
)

const redacted = "***"

// secretKeywords mark keys whose values are never shown. Matching is
// case-insensitive on substrings, so SHARDLINE_TOKEN and RedisPassword match.
var secretKeywords = []string{
	"token",
	"password",
	"passwd",
	"secret",
	"credential",
	"apikey",
	"api_key",
	"authorization",
}

// urlKeywords mark keys whose values may embed credentials in a URL, such as
// redisAddr or the telemetry endpoint.
var urlKeywords = []string{"url", "addr", "endpoint"}

// MaskSecrets turns data into maps and slices with secrets replaced. Struct
// fields keep their Go names. Secret keys are replaced outright; URL-bearing
// keys keep their host but lose userinfo and secret query parameters.
func MaskSecrets(data any) any {
	if data == nil {
		return nil
	}
	return maskValue(reflect.ValueOf(data))
}

func maskValue(val reflect.Value) any {
	for val.Kind() == reflect.Ptr || val.Kind() == reflect.Interface {
		if val.IsNil() {
			return nil
		}
		val = val.Elem()
	}

	switch val.Kind() {
	case reflect.Map:
		out := make(map[string]any, val.Len())
		iter := val.MapRange()
		for iter.Next() {
			key := iter.Key().String()
			out[key] = maskField(key, iter.Value())
		}
		return out

	case reflect.Slice, reflect.Array:
		out := make([]any, val.Len())
		for i := range out {
			out[i] = maskValue(val.Index(i))
		}
		return out

	case reflect.Struct:
		out := make(map[string]any)
		typ := val.Type()
		for i := 0; i < val.NumField(); i++ {
			field := typ.Field(i)
			if !field.IsExported() {
				continue
			}
			out[field.Name] = maskField(field.Name, val.Field(i))
		}
		return out

	default:
		return val.Interface()
	}
}

func maskField(key string, val reflect.Value) any {
	if isSensitiveKey(key) {
		return redacted
	}
	if isURLKey(key) {
		v := val
		for v.Kind() == reflect.Interface && !v.IsNil() {
			v = v.Elem()
		}
		if v.Kind() == reflect.String {
			return MaskURL(v.String())
		}
	}
	return maskValue(val)
}

func isSensitiveKey(key string) bool {
	return containsAny(strings.ToLower(key), secretKeywords)
}

func isURLKey(key string) bool {
	return containsAny(strings.ToLower(key), urlKeywords)
}

func containsAny(s string, words []string) bool {
	for _, w := range words {
		if strings.Contains(s, w) {
			return true
		}
	}
	return false
}

// MaskURL hides the userinfo of a URL (redis://:pw@cache:6379 becomes
// redis://***@cache:6379) and the values of secret query parameters such as
// token. Strings without a scheme and host, like a bare host:port, are
// returned unchanged.
func MaskURL(raw string) string {
	if raw == "" {
		return ""
	}
	u, err := url.Parse(raw)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return raw
	}

	hadUser := u.User != nil
	u.User = nil

	if u.RawQuery != "" {
		q := u.Query()
		keys := make([]string, 0, len(q))
		for k := range q {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		var parts []string
		for _, k := range keys {
			for _, v := range q[k] {
				if isSensitiveKey(k) {
					v = redacted
				} else {
					v = url.QueryEscape(v)
				}
				parts = append(parts, url.QueryEscape(k)+"="+v)
			}
		}
		u.RawQuery = strings.Join(parts, "&")
	}

	out := u.String()
	if hadUser {
		out = strings.Replace(out, "://", "://"+redacted+"@", 1)
	}
	return out
}
