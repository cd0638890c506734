package admin

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"

	"github.com/roach88/vdbtest/internal/env"
)

// DefaultTimeout bounds a single admin API request.
const DefaultTimeout = 30 * time.Second

// APIError is a non-2xx response from the admin API.
type APIError struct {
	Op      string
	Status  int
	Message string
}

func (e *APIError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("admin: %s: status %d: %s", e.Op, e.Status, e.Message)
	}
	return fmt.Sprintf("admin: %s: status %d", e.Op, e.Status)
}

// Client talks to the admin control plane over its REST interface:
//
//	GET  /vdbs?pattern=P                                   list VDBs
//	PUT  /bindings/{name}?on_conflict=C&ignore_decrypt_errors=B
//	PUT  /vdbs/{vdb}/versions/{version}/models/{model}/binding
//	POST /bindings/{name}/start
type Client struct {
	baseURL  *url.URL
	http     *http.Client
	user     string
	password string
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) {
		c.http = hc
	}
}

// NewClient creates a client for the admin API rooted at baseURL.
func NewClient(baseURL string, opts ...ClientOption) (*Client, error) {
	u, err := url.Parse(strings.TrimRight(strings.TrimSpace(baseURL), "/"))
	if err != nil {
		return nil, fmt.Errorf("admin: parse url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("admin: url %q must be http or https", baseURL)
	}

	c := &Client{
		baseURL: u,
		http:    &http.Client{Timeout: DefaultTimeout},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// NewClientFromProperties builds a client from the admin.* properties.
//
// Authentication is chosen from the keys present: admin.token_url selects
// OAuth2 client credentials, admin.user selects basic auth, otherwise
// requests are sent unauthenticated.
func NewClientFromProperties(props env.Properties) (*Client, error) {
	baseURL, ok := props.Get(env.KeyAdminURL)
	if !ok || strings.TrimSpace(baseURL) == "" {
		return nil, fmt.Errorf("admin: %s is not set", env.KeyAdminURL)
	}

	timeout := DefaultTimeout
	if raw := props.Value(env.KeyAdminTimeout); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil {
			return nil, fmt.Errorf("admin: parse %s: %w", env.KeyAdminTimeout, err)
		}
		timeout = d
	}

	hc := &http.Client{Timeout: timeout}
	if tokenURL := props.Value(env.KeyAdminTokenURL); tokenURL != "" {
		cc := clientcredentials.Config{
			ClientID:     props.Value(env.KeyAdminClientID),
			ClientSecret: props.Value(env.KeyAdminClientSecret),
			TokenURL:     tokenURL,
		}
		ctx := context.WithValue(context.Background(), oauth2.HTTPClient, &http.Client{Timeout: timeout})
		hc = cc.Client(ctx)
		hc.Timeout = timeout
	}

	c, err := NewClient(baseURL, WithHTTPClient(hc))
	if err != nil {
		return nil, err
	}
	if props.Value(env.KeyAdminTokenURL) == "" {
		c.user = props.Value(env.KeyAdminUser)
		c.password = props.Value(env.KeyAdminPassword)
	}
	return c, nil
}

// ListVDBs implements API.
func (c *Client) ListVDBs(ctx context.Context, pattern string) ([]VDB, error) {
	q := url.Values{"pattern": {pattern}}
	var vdbs []VDB
	if err := c.do(ctx, "list vdbs", http.MethodGet, c.endpoint(q, "vdbs"), nil, &vdbs); err != nil {
		return nil, err
	}
	return vdbs, nil
}

type bindingRequest struct {
	ConnectorType string            `json:"connector_type"`
	Properties    map[string]string `json:"properties"`
}

// AddConnectorBinding implements API.
func (c *Client) AddConnectorBinding(ctx context.Context, name, connectorType string, props map[string]string, opts Options) error {
	policy := opts.OnConflict
	if policy == "" {
		policy = OnConflictException
	}
	q := url.Values{
		"on_conflict":           {string(policy)},
		"ignore_decrypt_errors": {strconv.FormatBool(opts.IgnoreDecryptErrors)},
	}
	if props == nil {
		props = map[string]string{}
	}
	body := bindingRequest{ConnectorType: connectorType, Properties: props}
	return c.do(ctx, "add connector binding "+name, http.MethodPut, c.endpoint(q, "bindings", name), body, nil)
}

type assignRequest struct {
	Binding string `json:"binding"`
}

// AssignBindingToModel implements API.
func (c *Client) AssignBindingToModel(ctx context.Context, binding, vdbName string, vdbVersion int, model string) error {
	op := fmt.Sprintf("assign binding %s to %s.%d/%s", binding, vdbName, vdbVersion, model)
	u := c.endpoint(nil, "vdbs", vdbName, "versions", strconv.Itoa(vdbVersion), "models", model, "binding")
	return c.do(ctx, op, http.MethodPut, u, assignRequest{Binding: binding}, nil)
}

// StartConnectorBinding implements API.
func (c *Client) StartConnectorBinding(ctx context.Context, name string) error {
	return c.do(ctx, "start connector binding "+name, http.MethodPost, c.endpoint(nil, "bindings", name, "start"), nil, nil)
}

func (c *Client) endpoint(q url.Values, segments ...string) string {
	escaped := make([]string, len(segments))
	for i, seg := range segments {
		escaped[i] = url.PathEscape(seg)
	}
	target := c.baseURL.String() + "/" + strings.Join(escaped, "/")
	if len(q) > 0 {
		target += "?" + q.Encode()
	}
	return target
}

type errorBody struct {
	Error string `json:"error"`
}

func (c *Client) do(ctx context.Context, op, method, target string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("admin: %s: encode request: %w", op, err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return fmt.Errorf("admin: %s: %w", op, err)
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.user != "" {
		req.SetBasicAuth(c.user, c.password)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("admin: %s: %w", op, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("admin: %s: read response: %w", op, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := &APIError{Op: op, Status: resp.StatusCode}
		var eb errorBody
		if json.Unmarshal(data, &eb) == nil && eb.Error != "" {
			apiErr.Message = eb.Error
		} else {
			apiErr.Message = strings.TrimSpace(string(data))
		}
		return apiErr
	}

	if out != nil && len(bytes.TrimSpace(data)) > 0 {
		if err := json.Unmarshal(data, out); err != nil {
			return fmt.Errorf("admin: %s: decode response: %w", op, err)
		}
	}
	return nil
}

var _ API = (*Client)(nil)
