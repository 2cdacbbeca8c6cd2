package identity

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

var _ Resolver = (*Client)(nil)

// StatusError is returned when the identity service answers with a non-2xx
// status.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("identity service returned %d: %s", e.Code, e.Body)
}

// Client talks to the identity service REST API.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient creates a client for the identity service rooted at baseURL
// (for example "http://localhost/api/v0").
func NewClient(baseURL string, timeout time.Duration) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

type credentials struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// SignIn exchanges user credentials for a token.
func (c *Client) SignIn(ctx context.Context, username, password string) (SignedIn, error) {
	var out SignedIn
	err := c.do(ctx, http.MethodPost, "/user/signIn", "", credentials{Username: username, Password: password}, &out)
	return out, err
}

// Refresh exchanges a valid token for a new one.
func (c *Client) Refresh(ctx context.Context, token string) (SignedIn, error) {
	var out SignedIn
	err := c.do(ctx, http.MethodPost, "/user/refreshToken", token, nil, &out)
	return out, err
}

// Account returns the user the token belongs to.
func (c *Client) Account(ctx context.Context, token string) (Account, error) {
	var out Account
	err := c.do(ctx, http.MethodGet, "/user", token, nil, &out)
	return out, err
}

// Ping checks that the identity service answers HTTP requests. It sends an
// unauthenticated account lookup: any answer below 500 means the service is
// up, even though the lookup itself is refused.
func (c *Client) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/user", nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("identity service request failed: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<20))

	if resp.StatusCode >= 500 {
		return &StatusError{Code: resp.StatusCode, Body: http.StatusText(resp.StatusCode)}
	}
	return nil
}

func (c *Client) do(ctx context.Context, method, path, token string, body, out any) error {
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encoding request: %w", err)
		}
		rd = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rd)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	injectBearer(req, token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("identity service request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("reading identity service response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(data))}
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decoding identity service response: %w", err)
	}
	return nil
}

// injectBearer replaces any existing credentials on req with token.
func injectBearer(req *http.Request, token string) {
	req.Header.Del("Authorization")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
}
