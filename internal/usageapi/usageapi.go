// Package usageapi talks to the upstream OAuth usage and profile
// endpoints.
//
// The bearer token comes from the host's credentials file; a missing or
// unreadable file disables pacing for the invocation rather than
// failing the hook. Endpoint paths are package vars so tests can point
// them at httptest servers.
package usageapi

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/oauth2"
)

// ErrUnauthorized marks a token the API refused; callers silently
// disable the pacing subsystem for the invocation.
var ErrUnauthorized = errors.New("usageapi: token rejected")

// Endpoint paths, relative to the configured base URL.
var (
	usagePath   = "/api/oauth/usage"
	profilePath = "/api/oauth/profile"
)

const (
	betaHeader     = "anthropic-beta"
	betaValue      = "oauth-2025-04-20"
	usageTimeout   = 10 * time.Second
	profileTimeout = 3 * time.Second
)

// Credentials is the slice of the host credentials file pacer reads.
type Credentials struct {
	ClaudeAiOauth struct {
		AccessToken string `json:"accessToken"`
	} `json:"claudeAiOauth"`
}

// LoadToken reads the access token from the host credentials file.
func LoadToken(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("usageapi.LoadToken: read %q: %w", path, err)
	}
	var creds Credentials
	if err := json.Unmarshal(data, &creds); err != nil {
		return "", fmt.Errorf("usageapi.LoadToken: parse %q: %w", path, err)
	}
	if creds.ClaudeAiOauth.AccessToken == "" {
		return "", fmt.Errorf("usageapi.LoadToken: no access token in %q", path)
	}
	return creds.ClaudeAiOauth.AccessToken, nil
}

// Window is one quota window of a usage response. A nil ResetsAt means
// the window is not engaged.
type Window struct {
	Utilization float64    `json:"utilization"`
	ResetsAt    *time.Time `json:"resets_at"`
}

// Usage is the parsed usage response. SevenDay is nil for accounts
// without a weekly window.
type Usage struct {
	FiveHour Window  `json:"five_hour"`
	SevenDay *Window `json:"seven_day"`
	Raw      string  `json:"-"`
}

// Client calls the usage and profile endpoints with a static bearer
// token.
type Client struct {
	BaseURL string
	token   string
	http    *http.Client
}

// NewClient builds a client around the given token.
func NewClient(baseURL, token string) *Client {
	src := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token, TokenType: "Bearer"})
	return &Client{
		BaseURL: baseURL,
		token:   token,
		http:    oauth2.NewClient(context.Background(), src),
	}
}

// FetchUsage retrieves current quota utilization for both windows.
func (c *Client) FetchUsage(ctx context.Context) (*Usage, error) {
	ctx, cancel := context.WithTimeout(ctx, usageTimeout)
	defer cancel()

	body, err := c.get(ctx, c.BaseURL+usagePath)
	if err != nil {
		return nil, err
	}

	var parsed Usage
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("usageapi.Client.FetchUsage: parse response: %w", err)
	}
	parsed.Raw = string(body)
	return &parsed, nil
}

type profileResponse struct {
	Account struct {
		Email string `json:"email"`
	} `json:"account"`
}

// Per-process profile cache keyed by token hash: hooks are short-lived,
// so one fetch per process is the ceiling anyway.
var (
	profileMu    sync.Mutex
	profileKey   string
	profileEmail string
)

// FetchProfile returns the account email, cached for the life of the
// process.
func (c *Client) FetchProfile(ctx context.Context) (string, error) {
	key := hashToken(c.token)

	profileMu.Lock()
	if profileKey == key && profileEmail != "" {
		email := profileEmail
		profileMu.Unlock()
		return email, nil
	}
	profileMu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, profileTimeout)
	defer cancel()

	body, err := c.get(ctx, c.BaseURL+profilePath)
	if err != nil {
		return "", err
	}
	var parsed profileResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return "", fmt.Errorf("usageapi.Client.FetchProfile: parse response: %w", err)
	}
	if parsed.Account.Email == "" {
		return "", fmt.Errorf("usageapi.Client.FetchProfile: empty email in response")
	}

	profileMu.Lock()
	profileKey = key
	profileEmail = parsed.Account.Email
	profileMu.Unlock()
	return parsed.Account.Email, nil
}

func (c *Client) get(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("usageapi: build request: %w", err)
	}
	req.Header.Set(betaHeader, betaValue)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("usageapi: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("usageapi: read response: %w", err)
	}
	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, ErrUnauthorized
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		log.Warn().Int("status", resp.StatusCode).Str("url", url).Msg("Usage API request failed")
		return nil, fmt.Errorf("usageapi: unexpected status %d", resp.StatusCode)
	}
	return body, nil
}

func hashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:8])
}

// ResetProfileCache clears the process-wide profile cache. Test hook.
func ResetProfileCache() {
	profileMu.Lock()
	profileKey = ""
	profileEmail = ""
	profileMu.Unlock()
}
