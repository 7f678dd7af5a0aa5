// Package acronis implements a minimal client for an Acronis-style backup
// service API: OAuth2 client-credentials authentication and the paged
// agent listing the dashboard polls.
package acronis

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/Strix89/PMI-DashboardEPS-sub000/pkg/tlsutil"
	"github.com/rs/zerolog/log"
)

const (
	tokenPath  = "/api/2/idp/token"
	agentsPath = "/api/agents"

	// tokenSlack renews the access token this long before its actual
	// expiry so in-flight requests never race the deadline.
	tokenSlack = 60 * time.Second

	// maxPages caps pagination so a server that keeps returning cursors
	// cannot spin the poll forever.
	maxPages = 50

	maxResponseBytes = 16 << 20
)

// ClientConfig holds the connection settings for one backup service
// instance.
type ClientConfig struct {
	// Name identifies the instance in logs and errors.
	Name string

	// Host is the API endpoint, scheme optional (defaults to https).
	Host string

	// ClientID and ClientSecret are the OAuth2 client credentials.
	ClientID     string
	ClientSecret string

	// VerifySSL enables certificate chain verification.
	VerifySSL bool

	// Timeout bounds each request.
	Timeout time.Duration
}

// Client is a backup service API client. It caches the OAuth2 access
// token and refreshes it before expiry. Safe for concurrent use.
type Client struct {
	name    string
	baseURL string
	id      string
	secret  string
	http    *http.Client

	tokenMu     sync.Mutex
	accessToken string
	tokenExpiry time.Time
}

// APIError is a non-2xx response from the backup API.
type APIError struct {
	StatusCode int
	Status     string
	Body       string
}

func (e *APIError) Error() string {
	if e.Body != "" {
		return fmt.Sprintf("backup api: %s: %s", e.Status, e.Body)
	}
	return fmt.Sprintf("backup api: %s", e.Status)
}

// HTTPStatus returns the response status code.
func (e *APIError) HTTPStatus() int {
	return e.StatusCode
}

// NewClient creates a backup service client from the given config.
func NewClient(cfg ClientConfig) (*Client, error) {
	host := strings.TrimSpace(strings.TrimSuffix(cfg.Host, "/"))
	if host == "" {
		return nil, fmt.Errorf("host is required")
	}
	if !strings.Contains(host, "://") {
		host = "https://" + host
	}
	if cfg.ClientID == "" || cfg.ClientSecret == "" {
		return nil, fmt.Errorf("client ID and secret are required")
	}

	httpClient, err := tlsutil.NewHTTPClient(tlsutil.Options{
		VerifySSL: cfg.VerifySSL,
		Timeout:   cfg.Timeout,
	})
	if err != nil {
		return nil, fmt.Errorf("building HTTP client for %s: %w", cfg.Host, err)
	}

	log.Debug().
		Str("instance", cfg.Name).
		Str("host", host).
		Msg("Backup service client created")

	return &Client{
		name:    cfg.Name,
		baseURL: host,
		id:      cfg.ClientID,
		secret:  cfg.ClientSecret,
		http:    httpClient,
	}, nil
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int    `json:"expires_in"`
}

// ensureToken returns a valid access token, fetching a fresh one when the
// cached token is missing or close to expiry.
func (c *Client) ensureToken(ctx context.Context) (string, error) {
	c.tokenMu.Lock()
	defer c.tokenMu.Unlock()

	if c.accessToken != "" && time.Until(c.tokenExpiry) > tokenSlack {
		return c.accessToken, nil
	}

	form := url.Values{"grant_type": {"client_credentials"}}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+tokenPath, strings.NewReader(form.Encode()))
	if err != nil {
		return "", fmt.Errorf("building token request: %w", err)
	}
	req.SetBasicAuth(c.id, c.secret)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("requesting access token: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return "", fmt.Errorf("reading token response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", &APIError{
			StatusCode: resp.StatusCode,
			Status:     resp.Status,
			Body:       strings.TrimSpace(string(body)),
		}
	}

	var token tokenResponse
	if err := json.Unmarshal(body, &token); err != nil {
		return "", fmt.Errorf("decoding token response: %w", err)
	}
	if token.AccessToken == "" {
		return "", fmt.Errorf("token response carried no access token")
	}

	c.accessToken = token.AccessToken
	c.tokenExpiry = time.Now().Add(time.Duration(token.ExpiresIn) * time.Second)

	log.Debug().
		Str("instance", c.name).
		Time("expiry", c.tokenExpiry).
		Msg("Access token refreshed")

	return c.accessToken, nil
}

// invalidateToken drops the cached token so the next request
// re-authenticates.
func (c *Client) invalidateToken() {
	c.tokenMu.Lock()
	c.accessToken = ""
	c.tokenExpiry = time.Time{}
	c.tokenMu.Unlock()
}

// get performs an authenticated GET and decodes the response into out. A
// 401 triggers one token refresh and retry: expired tokens are routine
// and must not surface as credential failures.
func (c *Client) get(ctx context.Context, path string, out interface{}) error {
	for attempt := 0; ; attempt++ {
		token, err := c.ensureToken(ctx)
		if err != nil {
			return err
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
		if err != nil {
			return fmt.Errorf("building request for %s: %w", path, err)
		}
		req.Header.Set("Authorization", "Bearer "+token)
		req.Header.Set("Accept", "application/json")

		resp, err := c.http.Do(req)
		if err != nil {
			return fmt.Errorf("GET %s: %w", path, err)
		}
		body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
		resp.Body.Close()
		if err != nil {
			return fmt.Errorf("reading response from %s: %w", path, err)
		}

		if resp.StatusCode == http.StatusUnauthorized && attempt == 0 {
			c.invalidateToken()
			continue
		}
		if resp.StatusCode != http.StatusOK {
			return &APIError{
				StatusCode: resp.StatusCode,
				Status:     resp.Status,
				Body:       strings.TrimSpace(string(body)),
			}
		}
		return json.Unmarshal(body, out)
	}
}

// Agent is one protected machine's agent as reported by the backup
// service.
type Agent struct {
	ID       string        `json:"id"`
	Hostname string        `json:"hostname"`
	Online   bool          `json:"online"`
	Enabled  bool          `json:"enabled"`
	Version  string        `json:"version,omitempty"`
	Platform AgentPlatform `json:"platform"`
}

// AgentPlatform describes the agent's host OS.
type AgentPlatform struct {
	Family string `json:"family,omitempty"`
	Arch   string `json:"arch,omitempty"`
	Name   string `json:"name,omitempty"`
}

type agentsPage struct {
	Items  []Agent `json:"items"`
	Paging struct {
		Cursors struct {
			After string `json:"after,omitempty"`
		} `json:"cursors"`
	} `json:"paging"`
}

// ListAgents returns all agents, following pagination cursors until the
// listing is exhausted.
func (c *Client) ListAgents(ctx context.Context) ([]Agent, error) {
	var agents []Agent
	after := ""
	for page := 0; page < maxPages; page++ {
		path := agentsPath
		if after != "" {
			path += "?after=" + url.QueryEscape(after)
		}
		var result agentsPage
		if err := c.get(ctx, path, &result); err != nil {
			return nil, err
		}
		agents = append(agents, result.Items...)
		after = result.Paging.Cursors.After
		if after == "" {
			return agents, nil
		}
	}
	return nil, fmt.Errorf("agent listing did not terminate after %d pages", maxPages)
}

// Ping verifies connectivity and credentials by acquiring an access
// token. Used as a bootstrap probe.
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.ensureToken(ctx)
	return err
}

// Name returns the configured instance name.
func (c *Client) Name() string {
	return c.name
}
