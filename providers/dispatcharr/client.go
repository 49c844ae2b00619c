// Package dispatcharr implements delegated authentication against a
// Dispatcharr instance using its token endpoint and profile API.
package dispatcharr

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/streamworks/authcore/providers"
)

// Kind is the registry name of this provider.
const Kind = "dispatcharr"

const defaultTimeout = 10 * time.Second

func init() {
	providers.Register(Kind, func(cfg map[string]string) (providers.Client, error) {
		opts := Options{BaseURL: cfg["base_url"]}
		if raw, ok := cfg["timeout"]; ok {
			timeout, err := time.ParseDuration(raw)
			if err != nil {
				return nil, fmt.Errorf("invalid dispatcharr timeout %q: %w", raw, err)
			}
			opts.Timeout = timeout
		}
		return NewClient(opts)
	})
}

// Options configures a Client.
type Options struct {
	// BaseURL is the root of the Dispatcharr instance, e.g.
	// "http://dispatcharr:9191".
	BaseURL string
	// Timeout bounds each authentication round trip. Defaults to 10s.
	// A timed-out call reports ErrUnavailable, never ErrBadCredentials.
	Timeout time.Duration
	// HTTPClient overrides the transport, mainly for tests.
	HTTPClient *http.Client
}

// Client talks to one Dispatcharr instance.
type Client struct {
	baseURL *url.URL
	hc      *http.Client
}

// NewClient validates opts and returns a ready Client.
func NewClient(opts Options) (*Client, error) {
	if opts.BaseURL == "" {
		return nil, errors.New("dispatcharr base URL is required")
	}
	u, err := url.Parse(strings.TrimRight(opts.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("invalid dispatcharr base URL: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, errors.New("dispatcharr base URL must be absolute")
	}

	hc := opts.HTTPClient
	if hc == nil {
		timeout := opts.Timeout
		if timeout == 0 {
			timeout = defaultTimeout
		}
		hc = &http.Client{Timeout: timeout}
	}

	return &Client{baseURL: u, hc: hc}, nil
}

type tokenResponse struct {
	Access  string `json:"access"`
	Refresh string `json:"refresh"`
}

type profileResponse struct {
	ID        int64  `json:"id"`
	Username  string `json:"username"`
	Email     string `json:"email"`
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
}

// Authenticate obtains a Dispatcharr token pair for the credentials and then
// loads the profile so the caller gets a stable external ID. A 401 from the
// token endpoint is ErrBadCredentials; connection failures, timeouts, and
// unexpected statuses are ErrUnavailable.
func (c *Client) Authenticate(ctx context.Context, username, password string) (*providers.Identity, error) {
	body, err := json.Marshal(map[string]string{
		"username": username,
		"password": password,
	})
	if err != nil {
		return nil, err
	}

	var tokens tokenResponse
	status, err := c.doJSON(ctx, http.MethodPost, "/api/accounts/token/", "", bytes.NewReader(body), &tokens)
	if err != nil {
		return nil, err
	}
	switch {
	case status == http.StatusUnauthorized:
		return nil, providers.ErrBadCredentials
	case status != http.StatusOK:
		return nil, fmt.Errorf("%w: token endpoint returned %d", providers.ErrUnavailable, status)
	}
	if tokens.Access == "" {
		return nil, fmt.Errorf("%w: token endpoint returned no access token", providers.ErrUnavailable)
	}

	var profile profileResponse
	status, err = c.doJSON(ctx, http.MethodGet, "/api/accounts/users/me/", tokens.Access, nil, &profile)
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		return nil, fmt.Errorf("%w: profile endpoint returned %d", providers.ErrUnavailable, status)
	}
	if profile.Username == "" {
		profile.Username = username
	}

	display := strings.TrimSpace(profile.FirstName + " " + profile.LastName)
	return &providers.Identity{
		ExternalID:  strconv.FormatInt(profile.ID, 10),
		Username:    profile.Username,
		DisplayName: display,
		Email:       profile.Email,
	}, nil
}

func (c *Client) doJSON(ctx context.Context, method, path, bearer string, body io.Reader, out interface{}) (int, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL.String()+path, body)
	if err != nil {
		return 0, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}

	resp, err := c.hc.Do(req)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", providers.ErrUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusOK && out != nil {
		if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(out); err != nil {
			return resp.StatusCode, fmt.Errorf("%w: malformed response: %v", providers.ErrUnavailable, err)
		}
	}
	return resp.StatusCode, nil
}
