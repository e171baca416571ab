package torbox

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/kinoramahq/kinorama-backend/pkg/config"
	pkgerrors "github.com/kinoramahq/kinorama-backend/pkg/errors"
	"github.com/kinoramahq/kinorama-backend/pkg/logger"
)

const (
	defaultAttempts  = 3
	defaultBaseDelay = time.Second
	defaultTimeout   = 30 * time.Second

	dialTimeout           = 10 * time.Second
	tlsHandshakeTimeout   = 10 * time.Second
	responseHeaderTimeout = 15 * time.Second
)

var (
	errAPIKeyRequired  = errors.New("torbox api key is required")
	errBaseURLRequired = errors.New("torbox base url is required")
	errLoggerRequired  = errors.New("torbox logger is required")
)

// Account is the vendor's own account record with seat counts.
type Account struct {
	Email        string `json:"email,omitempty"`
	Plan         string `json:"plan,omitempty"`
	AllowedUsers int    `json:"allowed_users"`
	CurrentUsers int    `json:"current_users"`
}

// User is a vendor-managed end user. APIToken is only present once the
// user has confirmed their email on the vendor side.
type User struct {
	AuthID   string `json:"auth_id"`
	Email    string `json:"email"`
	APIToken string `json:"api_token,omitempty"`
}

// Capacity reports seat usage derived from the vendor account.
type Capacity struct {
	Allowed   int `json:"allowed"`
	Current   int `json:"current"`
	Available int `json:"available"`
}

// envelope is the uniform response wrapper on every vendor endpoint.
type envelope struct {
	Success bool            `json:"success"`
	Detail  string          `json:"detail,omitempty"`
	Error   string          `json:"error,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// Client is a thin typed wrapper over the TorBox reseller API with
// centralized auth, retry, logging, and error mapping.
type Client struct {
	http      *http.Client
	baseURL   string
	apiKey    string
	attempts  int
	baseDelay time.Duration
	sleep     func(context.Context, time.Duration) error
	logger    *logger.Logger
}

// NewClient initializes the TorBox wrapper and validates the credentials.
func NewClient(ctx context.Context, cfg config.TorBoxConfig, logg *logger.Logger) (*Client, error) {
	if logg == nil {
		return nil, errLoggerRequired
	}
	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" {
		return nil, errAPIKeyRequired
	}
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		return nil, errBaseURLRequired
	}

	attempts := cfg.RetryAttempts
	if attempts <= 0 {
		attempts = defaultAttempts
	}
	baseDelay := cfg.RetryBaseDelay
	if baseDelay <= 0 {
		baseDelay = defaultBaseDelay
	}
	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	c := &Client{
		http:      newHTTPClient(timeout),
		baseURL:   baseURL,
		apiKey:    apiKey,
		attempts:  attempts,
		baseDelay: baseDelay,
		sleep:     sleepContext,
		logger:    logg,
	}

	logg.Info(ctx, "torbox client initialized")
	return c, nil
}

// GetAccount returns the vendor's own account with seat counts.
func (c *Client) GetAccount(ctx context.Context) (*Account, error) {
	data, err := c.requestWithRetry(ctx, http.MethodGet, "/getaccount", nil, nil)
	if err != nil {
		return nil, err
	}
	var acct Account
	if err := json.Unmarshal(data, &acct); err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "decode torbox account")
	}
	return &acct, nil
}

// ListUsers returns every user registered under the vendor account.
func (c *Client) ListUsers(ctx context.Context) ([]User, error) {
	data, err := c.requestWithRetry(ctx, http.MethodGet, "/getaccounts", nil, nil)
	if err != nil {
		return nil, err
	}
	var users []User
	if err := json.Unmarshal(data, &users); err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "decode torbox users")
	}
	return users, nil
}

// GetUser fetches a single vendor user by its auth id. The response
// carries the user's API token only after email confirmation.
func (c *Client) GetUser(ctx context.Context, authID string) (*User, error) {
	query := url.Values{"id": []string{authID}}
	data, err := c.requestWithRetry(ctx, http.MethodGet, "/getsingleaccount", query, nil)
	if err != nil {
		return nil, err
	}
	var user User
	if err := json.Unmarshal(data, &user); err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "decode torbox user")
	}
	return &user, nil
}

// RegisterUser creates a vendor user for the given email. The vendor
// sends the confirmation email itself.
func (c *Client) RegisterUser(ctx context.Context, email string) (*User, error) {
	body := map[string]string{"email": email}
	data, err := c.requestWithRetry(ctx, http.MethodPost, "/registeruser", nil, body)
	if err != nil {
		return nil, err
	}
	var user User
	if err := json.Unmarshal(data, &user); err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "decode torbox registration")
	}
	return &user, nil
}

// RemoveUser deletes a vendor user by its auth id.
func (c *Client) RemoveUser(ctx context.Context, authID string) error {
	body := map[string]string{"id": authID}
	_, err := c.requestWithRetry(ctx, http.MethodPost, "/removeuser", nil, body)
	return err
}

// Refresh asks the vendor to refresh the reseller account state.
func (c *Client) Refresh(ctx context.Context) error {
	_, err := c.requestWithRetry(ctx, http.MethodPost, "/refresh", nil, nil)
	return err
}

// GetCapacity derives seat usage from the vendor account.
func (c *Client) GetCapacity(ctx context.Context) (*Capacity, error) {
	acct, err := c.GetAccount(ctx)
	if err != nil {
		return nil, err
	}
	available := acct.AllowedUsers - acct.CurrentUsers
	if available < 0 {
		available = 0
	}
	return &Capacity{
		Allowed:   acct.AllowedUsers,
		Current:   acct.CurrentUsers,
		Available: available,
	}, nil
}

// HasCapacity reports whether the vendor account can take another user.
func (c *Client) HasCapacity(ctx context.Context) (bool, error) {
	capacity, err := c.GetCapacity(ctx)
	if err != nil {
		return false, err
	}
	return capacity.Available > 0, nil
}

// IsLogical reports whether err is a vendor rejection that retrying
// cannot fix.
func IsLogical(err error) bool {
	typed := pkgerrors.As(err)
	return typed != nil && typed.Code() == pkgerrors.CodeVendorLogical
}

// IsTransient reports whether err is a transport or availability
// failure that may clear on retry.
func IsTransient(err error) bool {
	typed := pkgerrors.As(err)
	return typed != nil && typed.Code() == pkgerrors.CodeVendorTransient
}

// requestWithRetry drives one logical vendor call through the retry
// policy: transient failures (network, 5xx, 429) back off and retry up
// to the attempt limit, everything else surfaces immediately.
func (c *Client) requestWithRetry(ctx context.Context, method, path string, query url.Values, body any) (json.RawMessage, error) {
	var payload []byte
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "encode torbox request")
		}
		payload = encoded
	}

	op := method + " " + path
	c.log(ctx, "request", op, map[string]any{"attempts": c.attempts})

	var lastErr error
	delay := c.baseDelay
	for attempt := 1; attempt <= c.attempts; attempt++ {
		data, err := c.doRequest(ctx, method, path, query, payload)
		if err == nil {
			c.log(ctx, "response", op, map[string]any{"attempt": attempt})
			return data, nil
		}
		lastErr = err
		if !IsTransient(err) {
			c.log(ctx, "error", op, map[string]any{"attempt": attempt, "error": err.Error()})
			return nil, err
		}
		c.log(ctx, "error", op, map[string]any{"attempt": attempt, "error": err.Error()})
		if attempt == c.attempts {
			break
		}
		if err := c.sleep(ctx, delay); err != nil {
			return nil, pkgerrors.Wrap(pkgerrors.CodeVendorTransient, err, "torbox retry interrupted")
		}
		delay *= 2
	}
	return nil, lastErr
}

func (c *Client) doRequest(ctx context.Context, method, path string, query url.Values, payload []byte) (json.RawMessage, error) {
	endpoint := c.baseURL + path
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "build torbox request")
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeVendorTransient, err, fmt.Sprintf("torbox %s %s", method, path))
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusInternalServerError || resp.StatusCode == http.StatusTooManyRequests {
		return nil, pkgerrors.New(
			pkgerrors.CodeVendorTransient,
			fmt.Sprintf("torbox %s %s returned %d", method, path, resp.StatusCode),
		)
	}

	var env envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		if resp.StatusCode >= http.StatusBadRequest {
			return nil, pkgerrors.New(
				pkgerrors.CodeVendorLogical,
				fmt.Sprintf("torbox %s %s returned %d", method, path, resp.StatusCode),
			)
		}
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "decode torbox response")
	}

	// A false envelope is a vendor rejection no matter the HTTP status.
	if !env.Success {
		return nil, pkgerrors.New(
			pkgerrors.CodeVendorLogical,
			fmt.Sprintf("torbox %s %s rejected", method, path),
		).WithDetails(map[string]any{
			"status": resp.StatusCode,
			"detail": env.Detail,
			"error":  env.Error,
		})
	}
	return env.Data, nil
}

func (c *Client) log(ctx context.Context, phase, op string, fields map[string]any) {
	if c == nil || c.logger == nil {
		return
	}
	logFields := map[string]any{
		"operation": op,
		"phase":     phase,
	}
	for k, v := range fields {
		logFields[k] = c.redact(k, v)
	}
	ctx = c.logger.WithFields(ctx, logFields)
	switch phase {
	case "error":
		c.logger.Warn(ctx, fmt.Sprintf("torbox %s", op))
	default:
		c.logger.Info(ctx, fmt.Sprintf("torbox %s", phase))
	}
}

func (c *Client) redact(key string, value any) any {
	lower := strings.ToLower(key)
	for _, sensitive := range []string{"token", "secret", "email", "key"} {
		if strings.Contains(lower, sensitive) {
			return "[REDACTED]"
		}
	}
	return value
}

func newHTTPClient(timeout time.Duration) *http.Client {
	return &http.Client{
		Timeout: timeout,
		Transport: &http.Transport{
			DialContext: (&net.Dialer{
				Timeout:   dialTimeout,
				KeepAlive: 30 * time.Second,
			}).DialContext,
			TLSHandshakeTimeout:   tlsHandshakeTimeout,
			ResponseHeaderTimeout: responseHeaderTimeout,
			MaxIdleConns:          100,
			MaxIdleConnsPerHost:   10,
			IdleConnTimeout:       90 * time.Second,
		},
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
