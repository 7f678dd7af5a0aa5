// Package proxmox implements a minimal Proxmox VE API client covering the
// endpoints the dashboard polls: node listing and the cluster resource
// view that carries every VM and container in one request.
package proxmox

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/Strix89/PMI-DashboardEPS-sub000/pkg/tlsutil"
	"github.com/rs/zerolog/log"
)

// maxResponseBytes bounds how much of a response body is read. Resource
// listings on large clusters run to a few hundred kilobytes; anything
// beyond this is a misbehaving endpoint.
const maxResponseBytes = 16 << 20

// ClientConfig holds the connection settings for one Proxmox instance.
type ClientConfig struct {
	// Name identifies the instance in logs and errors.
	Name string

	// Host is the API endpoint. A bare hostname gets https:// and the
	// default port 8006.
	Host string

	// TokenName is the full API token ID, e.g. "monitor@pam!dashboard".
	TokenName string

	// TokenValue is the token secret.
	TokenValue string

	// Fingerprint pins the server certificate by SHA-256 fingerprint.
	Fingerprint string

	// VerifySSL enables chain verification when no fingerprint is set.
	VerifySSL bool

	// Timeout bounds each request. Zero disables the client-level
	// timeout; requests are still bounded by their context.
	Timeout time.Duration
}

// Client is a single-endpoint Proxmox VE API client. It is safe for
// concurrent use.
type Client struct {
	name    string
	baseURL string
	auth    string
	http    *http.Client
}

// APIError is a non-2xx response from the Proxmox API.
type APIError struct {
	StatusCode int
	Status     string
	Body       string
}

func (e *APIError) Error() string {
	if e.Body != "" {
		return fmt.Sprintf("proxmox api: %s: %s", e.Status, e.Body)
	}
	return fmt.Sprintf("proxmox api: %s", e.Status)
}

// HTTPStatus returns the response status code.
func (e *APIError) HTTPStatus() int {
	return e.StatusCode
}

// normalizeHost turns the configured host into a base URL, defaulting the
// scheme to https and the port to 8006.
func normalizeHost(host string) (string, error) {
	host = strings.TrimSpace(strings.TrimSuffix(host, "/"))
	if host == "" {
		return "", fmt.Errorf("host is required")
	}
	if !strings.Contains(host, "://") {
		host = "https://" + host
	}
	u, err := url.Parse(host)
	if err != nil {
		return "", fmt.Errorf("invalid host %q: %w", host, err)
	}
	if u.Port() == "" {
		u.Host = u.Host + ":8006"
	}
	return u.String(), nil
}

// NewClient creates a Proxmox client from the given config.
func NewClient(cfg ClientConfig) (*Client, error) {
	baseURL, err := normalizeHost(cfg.Host)
	if err != nil {
		return nil, err
	}
	if cfg.TokenName == "" || cfg.TokenValue == "" {
		return nil, fmt.Errorf("API token name and value are required")
	}

	httpClient, err := tlsutil.NewHTTPClient(tlsutil.Options{
		VerifySSL:   cfg.VerifySSL,
		Fingerprint: cfg.Fingerprint,
		Timeout:     cfg.Timeout,
	})
	if err != nil {
		return nil, fmt.Errorf("building HTTP client for %s: %w", cfg.Host, err)
	}

	log.Debug().
		Str("instance", cfg.Name).
		Str("host", baseURL).
		Bool("fingerprintPinned", cfg.Fingerprint != "").
		Msg("Proxmox client created")

	return &Client{
		name:    cfg.Name,
		baseURL: baseURL,
		auth:    fmt.Sprintf("PVEAPIToken=%s=%s", cfg.TokenName, cfg.TokenValue),
		http:    httpClient,
	}, nil
}

// get performs a GET against the API and decodes the data envelope into
// out.
func (c *Client) get(ctx context.Context, path string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("building request for %s: %w", path, err)
	}
	req.Header.Set("Authorization", c.auth)
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("GET %s: %w", path, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return fmt.Errorf("reading response from %s: %w", path, err)
	}

	if resp.StatusCode != http.StatusOK {
		return &APIError{
			StatusCode: resp.StatusCode,
			Status:     resp.Status,
			Body:       strings.TrimSpace(string(body)),
		}
	}

	var envelope struct {
		Data json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		return fmt.Errorf("decoding response from %s: %w", path, err)
	}
	if len(envelope.Data) == 0 || string(envelope.Data) == "null" {
		return nil
	}
	if err := json.Unmarshal(envelope.Data, out); err != nil {
		return fmt.Errorf("decoding data from %s: %w", path, err)
	}
	return nil
}

// GetNodes returns all nodes known to the instance.
func (c *Client) GetNodes(ctx context.Context) ([]Node, error) {
	var nodes []Node
	if err := c.get(ctx, "/api2/json/nodes", &nodes); err != nil {
		return nil, err
	}
	return nodes, nil
}

// GetClusterResources returns the cluster resource listing, optionally
// filtered by type ("vm", "node", "storage"). An empty type returns
// everything.
func (c *Client) GetClusterResources(ctx context.Context, resourceType string) ([]ClusterResource, error) {
	path := "/api2/json/cluster/resources"
	if resourceType != "" {
		path += "?type=" + url.QueryEscape(resourceType)
	}
	var resources []ClusterResource
	if err := c.get(ctx, path, &resources); err != nil {
		return nil, err
	}
	return resources, nil
}

// GetVersion returns the instance's version info. Used as a connectivity
// probe during source bootstrap.
func (c *Client) GetVersion(ctx context.Context) (*Version, error) {
	var version Version
	if err := c.get(ctx, "/api2/json/version", &version); err != nil {
		return nil, err
	}
	return &version, nil
}

// Name returns the configured instance name.
func (c *Client) Name() string {
	return c.name
}

// Host returns the normalized base URL.
func (c *Client) Host() string {
	return c.baseURL
}
