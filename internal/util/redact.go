// Package util holds small helpers shared by the proxy, the interceptor and the CLI.
package util

import (
	"net/url"
	"strings"
)

const redactedValue = "[REDACTED]"

// MaskSecret keeps a short prefix and suffix of a credential so log lines can be
// correlated without leaking the value.
func MaskSecret(secret string) string {
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return ""
	}
	if len(secret) <= 12 {
		return "****"
	}
	return secret[:6] + "..." + secret[len(secret)-4:]
}

// MaskAuthorization masks an authorization header value while keeping its scheme.
func MaskAuthorization(value string) string {
	value = strings.TrimSpace(value)
	if value == "" {
		return ""
	}
	scheme, token, ok := strings.Cut(value, " ")
	if !ok {
		return MaskSecret(value)
	}
	return scheme + " " + MaskSecret(token)
}

// BearerToken extracts the token from an "Authorization: Bearer <token>" value.
// A value without a scheme is returned as-is.
func BearerToken(value string) string {
	value = strings.TrimSpace(value)
	if value == "" {
		return ""
	}
	scheme, token, ok := strings.Cut(value, " ")
	if !ok {
		return value
	}
	if !strings.EqualFold(scheme, "bearer") {
		return ""
	}
	return strings.TrimSpace(token)
}

// MaskSensitiveQuery masks credential-like query parameters in a raw query string.
func MaskSensitiveQuery(raw string) string {
	if raw == "" {
		return ""
	}
	values, err := url.ParseQuery(raw)
	if err != nil {
		return raw
	}
	changed := false
	for key := range values {
		if isSensitiveKey(key) {
			values.Set(key, redactedValue)
			changed = true
		}
	}
	if !changed {
		return raw
	}
	return values.Encode()
}

func isSensitiveKey(key string) bool {
	k := strings.ToLower(strings.TrimSpace(key))
	switch {
	case strings.Contains(k, "authorization"),
		strings.Contains(k, "cookie"),
		strings.Contains(k, "api_key"),
		strings.Contains(k, "apikey"),
		strings.Contains(k, "key"),
		strings.Contains(k, "secret"),
		strings.Contains(k, "token"),
		strings.Contains(k, "password"):
		return true
	default:
		return false
	}
}
