package whoop

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

const webhookSecret = "shhh-webhook-secret"

func sign(body []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func TestVerifySignatureFormats(t *testing.T) {
	body := []byte(`{"user_id": 42, "type": "workout.updated"}`)
	digest := sign(body, webhookSecret)

	cases := map[string]string{
		"bare hex":        digest,
		"uppercase hex":   strings.ToUpper(digest),
		"sha256 prefix":   "sha256=" + digest,
		"key value list":  "t=1736000000,v1=" + digest,
		"list with noise": "nonsense, v1=" + digest,
	}

	for name, header := range cases {
		assert.True(t, VerifySignature(body, header, webhookSecret), "format %q should verify", name)
	}
}

func TestVerifySignatureRejectsMutations(t *testing.T) {
	body := []byte(`{"user_id": 42}`)
	digest := sign(body, webhookSecret)

	// Single-byte body mutation
	mutated := []byte(`{"user_id": 43}`)
	assert.False(t, VerifySignature(mutated, digest, webhookSecret))

	// Single-byte signature mutation
	bad := []byte(digest)
	if bad[0] == 'a' {
		bad[0] = 'b'
	} else {
		bad[0] = 'a'
	}
	assert.False(t, VerifySignature(body, string(bad), webhookSecret))

	// Signed with the wrong secret
	assert.False(t, VerifySignature(body, sign(body, "other-secret"), webhookSecret))
}

func TestVerifySignatureFailsClosed(t *testing.T) {
	body := []byte(`{}`)
	digest := sign(body, webhookSecret)

	// Missing secret never verifies and never panics
	assert.False(t, VerifySignature(body, digest, ""))

	// Garbage header values are skipped, not fatal
	assert.False(t, VerifySignature(body, "not-hex-at-all", webhookSecret))
	assert.False(t, VerifySignature(body, ",,,=,=", webhookSecret))
	assert.False(t, VerifySignature(body, "", webhookSecret))
}

func TestResolveMemberID(t *testing.T) {
	cases := []struct {
		name    string
		payload map[string]interface{}
		want    string
	}{
		{
			name:    "top level snake case",
			payload: map[string]interface{}{"user_id": "42"},
			want:    "42",
		},
		{
			name:    "top level number",
			payload: map[string]interface{}{"member_id": float64(1234)},
			want:    "1234",
		},
		{
			name: "nested two levels deep",
			payload: map[string]interface{}{
				"data": map[string]interface{}{
					"user": map[string]interface{}{"member_id": "m-77"},
				},
			},
			want: "m-77",
		},
		{
			name: "nested under resource",
			payload: map[string]interface{}{
				"resource": map[string]interface{}{"userId": "u-9"},
			},
			want: "u-9",
		},
		{
			name: "no candidate keys anywhere",
			payload: map[string]interface{}{
				"type": "workout.updated",
				"data": map[string]interface{}{"foo": "bar"},
			},
			want: "",
		},
		{
			name:    "empty payload",
			payload: map[string]interface{}{},
			want:    "",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, ResolveMemberID(tc.payload))
		})
	}
}

func TestResolveTraceID(t *testing.T) {
	assert.Equal(t, "tr-1", ResolveTraceID(map[string]interface{}{"trace_id": "tr-1"}))
	assert.Equal(t, "d-5", ResolveTraceID(map[string]interface{}{
		"meta": map[string]interface{}{"delivery_id": "d-5"},
	}))
	assert.Equal(t, "9001", ResolveTraceID(map[string]interface{}{
		"trace": map[string]interface{}{"id": float64(9001)},
	}))
	assert.Equal(t, "", ResolveTraceID(map[string]interface{}{"payload": "nothing"}))
}
