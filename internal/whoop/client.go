package whoop

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/pulsetrack/pulsetrack/internal/config"
)

// OAuthError is returned for any token-endpoint protocol failure: non-2xx
// status, non-JSON body, or a payload missing mandatory fields. The diagnostic
// never contains token material.
type OAuthError struct {
	Op     string
	Status int
	Reason string
}

func (e *OAuthError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("whoop %s failed: status %d: %s", e.Op, e.Status, e.Reason)
	}
	return fmt.Sprintf("whoop %s failed: %s", e.Op, e.Reason)
}

// TokenResult is the canonical shape of a token-endpoint response.
// RefreshToken and MemberID are optional: their absence is a degraded but
// valid state (no auto-refresh; member id resolved later via profile lookup).
type TokenResult struct {
	AccessToken  string
	RefreshToken string
	ExpiresIn    int
	Scopes       []string
	MemberID     string
}

// Client talks to the WHOOP OAuth and API endpoints
type Client struct {
	cfg        *config.WhoopConfig
	httpClient *http.Client
}

// NewClient creates a new WHOOP client
func NewClient(cfg *config.WhoopConfig) *Client {
	return &Client{
		cfg: cfg,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// AuthorizeURL returns the user-facing authorization URL for a link attempt
func (c *Client) AuthorizeURL(state, redirectURI string, scopes []string) string {
	params := url.Values{}
	params.Set("client_id", c.cfg.ClientID)
	params.Set("response_type", "code")
	params.Set("redirect_uri", redirectURI)
	params.Set("scope", strings.Join(scopes, " "))
	params.Set("state", state)

	return c.cfg.AuthorizeURL + "?" + params.Encode()
}

// ExchangeCode exchanges an authorization code for tokens
func (c *Client) ExchangeCode(ctx context.Context, code, redirectURI string) (*TokenResult, error) {
	data := url.Values{}
	data.Set("grant_type", "authorization_code")
	data.Set("code", code)
	data.Set("redirect_uri", redirectURI)
	data.Set("client_id", c.cfg.ClientID)
	data.Set("client_secret", c.cfg.ClientSecret)

	return c.postTokenRequest(ctx, "code exchange", data)
}

// Refresh exchanges a refresh token for a fresh token pair
func (c *Client) Refresh(ctx context.Context, refreshToken string) (*TokenResult, error) {
	data := url.Values{}
	data.Set("grant_type", "refresh_token")
	data.Set("refresh_token", refreshToken)
	data.Set("client_id", c.cfg.ClientID)
	data.Set("client_secret", c.cfg.ClientSecret)
	data.Set("scope", strings.Join(c.cfg.Scopes, " "))

	return c.postTokenRequest(ctx, "token refresh", data)
}

func (c *Client) postTokenRequest(ctx context.Context, op string, data url.Values) (*TokenResult, error) {
	req, err := http.NewRequestWithContext(ctx, "POST", c.cfg.TokenURL, strings.NewReader(data.Encode()))
	if err != nil {
		return nil, fmt.Errorf("failed to create token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &OAuthError{Op: op, Reason: "request failed: " + err.Error()}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, &OAuthError{Op: op, Status: resp.StatusCode, Reason: "failed to read response body"}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &OAuthError{Op: op, Status: resp.StatusCode, Reason: "token endpoint returned an error"}
	}

	var payload map[string]interface{}
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, &OAuthError{Op: op, Status: resp.StatusCode, Reason: "response body is not a JSON object"}
	}

	result, reason := parseTokenPayload(payload)
	if result == nil {
		return nil, &OAuthError{Op: op, Status: resp.StatusCode, Reason: reason}
	}

	return result, nil
}

// FetchMemberID resolves the WHOOP member id from the profile endpoint. Used
// opportunistically when a token exchange omits the id.
func (c *Client) FetchMemberID(ctx context.Context, accessToken string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, "GET", c.cfg.APIBaseURL+"/v1/user/profile/basic", nil)
	if err != nil {
		return "", fmt.Errorf("failed to create profile request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("profile request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("profile request failed with status %d", resp.StatusCode)
	}

	var profile map[string]interface{}
	if err := json.NewDecoder(resp.Body).Decode(&profile); err != nil {
		return "", fmt.Errorf("failed to decode profile response: %w", err)
	}

	id, ok := firstField(profile, memberIDAliases)
	if !ok {
		return "", fmt.Errorf("profile response contains no member id")
	}

	return id, nil
}

// Field aliases observed across provider versions: snake_case, camelCase,
// and payloads nested under a "data" envelope.
var (
	accessTokenAliases  = []string{"access_token", "accessToken", "token"}
	refreshTokenAliases = []string{"refresh_token", "refreshToken"}
	expiresInAliases    = []string{"expires_in", "expiresIn", "expires"}
	scopeAliases        = []string{"scope", "scopes"}
	memberIDAliases     = []string{"member_id", "memberId", "user_id", "userId", "whoop_user_id", "whoopUserId"}
)

// parseTokenPayload normalizes a heterogeneous token response. Returns a nil
// result plus a diagnostic when a mandatory field is missing.
func parseTokenPayload(payload map[string]interface{}) (*TokenResult, string) {
	// Some provider versions wrap the interesting fields in a data envelope;
	// probe the inner object first so it wins over envelope metadata.
	sources := []map[string]interface{}{payload}
	if data, ok := payload["data"].(map[string]interface{}); ok {
		sources = []map[string]interface{}{data, payload}
	}

	result := &TokenResult{}

	for _, src := range sources {
		if result.AccessToken == "" {
			result.AccessToken, _ = firstField(src, accessTokenAliases)
		}
		if result.RefreshToken == "" {
			result.RefreshToken, _ = firstField(src, refreshTokenAliases)
		}
		if result.ExpiresIn == 0 {
			result.ExpiresIn, _ = firstIntField(src, expiresInAliases)
		}
		if result.Scopes == nil {
			result.Scopes = extractScopes(src)
		}
		if result.MemberID == "" {
			result.MemberID, _ = firstField(src, memberIDAliases)
		}
	}

	if result.AccessToken == "" {
		return nil, "response missing access token"
	}
	if result.ExpiresIn <= 0 {
		return nil, "response missing token expiry"
	}

	return result, ""
}

// extractScopes normalizes scope values that arrive as an array or as a
// space- or comma-delimited string
func extractScopes(src map[string]interface{}) []string {
	for _, key := range scopeAliases {
		switch v := src[key].(type) {
		case string:
			if v == "" {
				continue
			}
			return strings.FieldsFunc(v, func(r rune) bool {
				return r == ' ' || r == ','
			})
		case []interface{}:
			scopes := make([]string, 0, len(v))
			for _, item := range v {
				if s, ok := item.(string); ok && s != "" {
					scopes = append(scopes, s)
				}
			}
			if len(scopes) > 0 {
				return scopes
			}
		}
	}
	return nil
}

// firstField returns the first alias present in src coercible to a non-empty
// string (strings and JSON numbers both accepted)
func firstField(src map[string]interface{}, aliases []string) (string, bool) {
	for _, key := range aliases {
		switch v := src[key].(type) {
		case string:
			if v != "" {
				return v, true
			}
		case float64:
			return strconv.FormatFloat(v, 'f', -1, 64), true
		}
	}
	return "", false
}

// firstIntField returns the first alias present in src coercible to an int
func firstIntField(src map[string]interface{}, aliases []string) (int, bool) {
	for _, key := range aliases {
		switch v := src[key].(type) {
		case float64:
			return int(v), true
		case string:
			if n, err := strconv.Atoi(v); err == nil {
				return n, true
			}
		}
	}
	return 0, false
}
