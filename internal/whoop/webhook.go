package whoop

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"strings"
)

// SignatureHeaders are the header names a WHOOP notification may carry its
// signature under, probed in order
var SignatureHeaders = []string{
	"X-Whoop-Signature",
	"X-Signature",
	"X-Hub-Signature-256",
	"X-Webhook-Signature",
}

// VerifySignature checks an inbound webhook body against its keyed-hash
// signature. The header value may be a bare hex digest, a "sha256=" prefixed
// digest, or a comma-separated key=value list; every extracted candidate is
// compared in constant time against the expected HMAC-SHA256 digest, both as
// hex text and as decoded bytes. A missing secret always fails closed.
func VerifySignature(body []byte, headerValue, secret string) bool {
	if secret == "" || headerValue == "" {
		return false
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	expected := mac.Sum(nil)
	expectedHex := []byte(hex.EncodeToString(expected))

	for _, candidate := range signatureCandidates(headerValue) {
		// Hex-text comparison tolerating digest case
		if hmac.Equal([]byte(strings.ToLower(candidate)), expectedHex) {
			return true
		}
		// Raw-bytes comparison; candidates that do not decode are skipped,
		// not fatal
		if decoded, err := hex.DecodeString(candidate); err == nil {
			if hmac.Equal(decoded, expected) {
				return true
			}
		}
	}

	return false
}

// signatureCandidates extracts possible digest values from a header value
func signatureCandidates(headerValue string) []string {
	var candidates []string

	for _, part := range strings.Split(headerValue, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}

		// key=value entries (e.g. "t=12345,v1=abcdef") contribute the value
		if idx := strings.Index(part, "="); idx > 0 && !strings.HasPrefix(part, "sha256=") {
			if value := strings.TrimSpace(part[idx+1:]); value != "" {
				candidates = append(candidates, value)
			}
			continue
		}

		candidates = append(candidates, strings.TrimPrefix(part, "sha256="))
	}

	return candidates
}

// Candidate field names for resolving ids out of an unpredictable payload
// shape, probed depth-first through the nested-object keys
var (
	memberIDNestKeys = []string{"user", "member", "data", "payload", "resource"}
	traceIDKeys      = []string{"trace_id", "traceId", "delivery_id", "deliveryId", "event_id", "eventId", "id"}
	traceIDNestKeys  = []string{"trace", "meta"}
)

// ResolveMemberID finds the external member id anywhere the payload is known
// to carry it. Returns "" when nothing matches; never fails.
func ResolveMemberID(payload map[string]interface{}) string {
	return probeFields(payload, memberIDAliases, memberIDNestKeys, 3)
}

// ResolveTraceID finds the delivery trace id used for webhook idempotency.
// Returns "" when nothing matches.
func ResolveTraceID(payload map[string]interface{}) string {
	return probeFields(payload, traceIDKeys, traceIDNestKeys, 3)
}

// probeFields checks the candidate keys at the current level, then descends
// depth-first into the fixed nested-object keys
func probeFields(payload map[string]interface{}, keys, nestKeys []string, depth int) string {
	if payload == nil || depth <= 0 {
		return ""
	}

	for _, key := range keys {
		if value := coerceID(payload[key]); value != "" {
			return value
		}
	}

	for _, nest := range nestKeys {
		if inner, ok := payload[nest].(map[string]interface{}); ok {
			if value := probeFields(inner, keys, nestKeys, depth-1); value != "" {
				return value
			}
		}
	}

	return ""
}

// coerceID turns a string or JSON number into an id string
func coerceID(v interface{}) string {
	switch value := v.(type) {
	case string:
		return strings.TrimSpace(value)
	case float64:
		return strconv.FormatFloat(value, 'f', -1, 64)
	}
	return ""
}
