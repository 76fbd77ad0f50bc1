// Package caddy registers per-sandbox reverse-proxy routes through the
// Caddy admin API. Registration is best-effort by contract: callers log
// failures and carry on, a broken proxy must never block admission or
// expiry.
package caddy

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"
)

// serverKey is the Caddy HTTP server the routes hang off.
const serverKey = "srv0"

// Client talks to a Caddy admin endpoint.
type Client struct {
	apiURL string
	http   *http.Client
	logger *slog.Logger
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithHTTPClient overrides the HTTP client used for admin calls.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) { c.http = hc }
}

// WithLogger sets a structured logger. If not set, no logs are emitted.
func WithLogger(l *slog.Logger) ClientOption {
	return func(c *Client) { c.logger = l }
}

// New creates a Client for the admin API at apiURL
// (e.g. "http://localhost:2019").
func New(apiURL string, opts ...ClientOption) *Client {
	c := &Client{
		apiURL: apiURL,
		http:   &http.Client{Timeout: 5 * time.Second},
		logger: nopLogger,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// route mirrors the slice of Caddy's JSON config we touch: a
// strip-prefix subroute proxying /cmdi-<port>/* to the local sandbox.
type route struct {
	ID     string         `json:"@id,omitempty"`
	Match  []routeMatch   `json:"match,omitempty"`
	Handle []routeHandler `json:"handle,omitempty"`
}

type routeMatch struct {
	Path []string `json:"path,omitempty"`
}

type routeHandler struct {
	Handler         string          `json:"handler"`
	StripPathPrefix string          `json:"strip_path_prefix,omitempty"`
	Upstreams       []routeUpstream `json:"upstreams,omitempty"`
	Routes          []route         `json:"routes,omitempty"`
}

type routeUpstream struct {
	Dial string `json:"dial"`
}

func routeID(port int) string {
	return fmt.Sprintf("cmdi-%d", port)
}

// Register inserts a route for the given port ahead of the catch-all.
func (c *Client) Register(ctx context.Context, port int) error {
	routesURL := fmt.Sprintf("%s/config/apps/http/servers/%s/routes", c.apiURL, serverKey)

	current, err := c.getRoutes(ctx, routesURL)
	if err != nil {
		return err
	}

	prefix := fmt.Sprintf("/cmdi-%d", port)
	newRoute := route{
		ID:    routeID(port),
		Match: []routeMatch{{Path: []string{prefix + "/*"}}},
		Handle: []routeHandler{{
			Handler: "subroute",
			Routes: []route{{
				Handle: []routeHandler{
					{Handler: "rewrite", StripPathPrefix: prefix},
					{Handler: "reverse_proxy", Upstreams: []routeUpstream{{Dial: fmt.Sprintf("localhost:%d", port)}}},
				},
			}},
		}},
	}

	updated := append([]json.RawMessage{mustMarshal(newRoute)}, current...)
	body, err := json.Marshal(updated)
	if err != nil {
		return fmt.Errorf("marshal routes: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPatch, routesURL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("patch routes: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return fmt.Errorf("patch routes: status %d", resp.StatusCode)
	}
	c.logger.Info("route registered", "port", port)
	return nil
}

// Unregister deletes the route by its @id. A 404 means the route is
// already gone, which is fine.
func (c *Client) Unregister(ctx context.Context, port int) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete,
		fmt.Sprintf("%s/id/%s", c.apiURL, routeID(port)), nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("delete route: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNotFound {
		return fmt.Errorf("delete route: status %d", resp.StatusCode)
	}
	c.logger.Info("route removed", "port", port)
	return nil
}

// getRoutes fetches the current route list as raw JSON so unknown route
// shapes survive the round trip untouched.
func (c *Client) getRoutes(ctx context.Context, routesURL string) ([]json.RawMessage, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, routesURL, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("get routes: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("get routes: status %d", resp.StatusCode)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	var routes []json.RawMessage
	if err := json.Unmarshal(data, &routes); err != nil {
		return nil, fmt.Errorf("decode routes: %w", err)
	}
	return routes, nil
}

func mustMarshal(v any) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		// route is built from plain structs; marshal cannot fail.
		panic(err)
	}
	return data
}
