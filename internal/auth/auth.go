// Package auth supplies backend credentials for the live connection. The
// credential issuer is an external collaborator; this package only fetches
// and caches short-lived tokens.
package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/emberware/ember/pkg/live"
)

// Static is a CredentialSource wrapping a fixed API key. Used when no
// ephemeral-token endpoint is configured.
type Static string

var _ live.CredentialSource = Static("")

// Credential returns the wrapped key.
func (s Static) Credential(context.Context) (string, error) {
	if s == "" {
		return "", errors.New("auth: static credential is empty")
	}
	return string(s), nil
}

// refreshFraction is how much of a token's lifetime may elapse before the
// cached value is considered stale. Refreshing early keeps a connect from
// racing token expiry.
const refreshFraction = 0.8

// Option is a functional option for configuring the Client.
type Option func(*Client)

// WithHTTPClient replaces the HTTP client used for token requests.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.httpClient = hc
	}
}

// WithTTL sets the requested token lifetime. Defaults to 30 minutes.
func WithTTL(ttl time.Duration) Option {
	return func(c *Client) {
		if ttl > 0 {
			c.ttl = ttl
		}
	}
}

// Client fetches ephemeral credentials from an external token endpoint and
// caches them until most of their lifetime has elapsed. Concurrent callers
// share a single in-flight refresh.
type Client struct {
	tokenURL   string
	ttl        time.Duration
	httpClient *http.Client
	log        *slog.Logger

	mu      sync.Mutex
	token   string
	expires time.Time

	group singleflight.Group
}

var _ live.CredentialSource = (*Client)(nil)

// NewClient creates a credential client for the given token endpoint.
func NewClient(tokenURL string, log *slog.Logger, opts ...Option) (*Client, error) {
	if tokenURL == "" {
		return nil, errors.New("auth: tokenURL must not be empty")
	}
	if log == nil {
		log = slog.Default()
	}
	c := &Client{
		tokenURL:   tokenURL,
		ttl:        30 * time.Minute,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		log:        log.With("component", "auth"),
	}
	for _, o := range opts {
		o(c)
	}
	return c, nil
}

// tokenRequest is the JSON payload sent to the token endpoint.
type tokenRequest struct {
	TTLSeconds int `json:"ttl_seconds"`
}

// tokenResponse is the issuer's reply.
type tokenResponse struct {
	Token     string `json:"token"`
	ExpiresIn int    `json:"expires_in,omitempty"`
}

// Credential returns a valid token, fetching a fresh one when the cached
// token has passed its refresh point.
func (c *Client) Credential(ctx context.Context) (string, error) {
	c.mu.Lock()
	if c.token != "" && time.Now().Before(c.expires) {
		tok := c.token
		c.mu.Unlock()
		return tok, nil
	}
	c.mu.Unlock()

	v, err, _ := c.group.Do("credential", func() (any, error) {
		return c.fetch(ctx)
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

// Invalidate discards the cached token so the next Credential call fetches
// a fresh one. Called after the backend rejects a connect.
func (c *Client) Invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.token = ""
	c.expires = time.Time{}
}

func (c *Client) fetch(ctx context.Context) (string, error) {
	body, _ := json.Marshal(tokenRequest{TTLSeconds: int(c.ttl.Seconds())})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.tokenURL, strings.NewReader(string(body)))
	if err != nil {
		return "", fmt.Errorf("auth: build token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("auth: fetch token: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("auth: fetch token: unexpected status %d", resp.StatusCode)
	}

	var tr tokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&tr); err != nil {
		return "", fmt.Errorf("auth: decode token response: %w", err)
	}
	if tr.Token == "" {
		return "", errors.New("auth: token endpoint returned an empty token")
	}

	lifetime := c.ttl
	if tr.ExpiresIn > 0 {
		lifetime = time.Duration(tr.ExpiresIn) * time.Second
	}
	refreshAt := time.Now().Add(time.Duration(float64(lifetime) * refreshFraction))

	c.mu.Lock()
	c.token = tr.Token
	c.expires = refreshAt
	c.mu.Unlock()

	c.log.Debug("fetched ephemeral credential", "expires_in", lifetime, "refresh_at", refreshAt)
	return tr.Token, nil
}
