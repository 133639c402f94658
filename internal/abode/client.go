// Package abode implements an authenticated client for the Abode
// home-security REST API: session/cookie login, typed accessors for
// devices, alarm, automations and timeline events, and a TTL-cached view
// of the panel's CMS settings.
package abode

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"abodebridge/internal/clock"
	"abodebridge/internal/settings"
)

// API endpoint paths.
const (
	loginPath         = "/api/auth2/login"
	logoutPath        = "/api/v1/logout"
	claimsPath        = "/api/auth2/claims"
	devicesPath       = "/api/v1/devices"
	panelPath         = "/api/v1/panel"
	panelModePath     = "/api/v1/panel/mode/%s/%s"
	automationsPath   = "/integrations/v1/automations"
	timelinePath      = "/api/v1/timeline"
	cmsSettingsPath   = "/integrations/v1/cms/settings"
	securityPanelPath = "/integrations/v1/panel"
)

// DefaultBaseURL is the production Abode API endpoint.
const DefaultBaseURL = "https://my.goabode.com"

// The API reports an already acknowledged/dismissed timeline event with
// this error code; the operation is treated as successful.
const timelineAlreadyProcessedCode = 8029

// Config holds construction-time settings for the client. Credentials,
// retry policy and cache TTL are passed in by the caller; there is no
// process-wide state.
type Config struct {
	Username string
	Password string

	// BaseURL overrides the production API endpoint, mainly for tests.
	BaseURL string

	// RequestTimeout bounds each HTTP attempt. Default 10s.
	RequestTimeout time.Duration

	// RetryCount bounds retries of connection-level failures (1-5).
	RetryCount int

	// CacheTTL bounds the CMS settings cache (30-300s documented range);
	// 0 disables caching.
	CacheTTL time.Duration

	// DefaultAlarmMode is the mode used when the alarm is turned "on"
	// without an explicit mode. Default "away".
	DefaultAlarmMode string
}

func (c *Config) withDefaults() Config {
	out := *c
	if out.BaseURL == "" {
		out.BaseURL = DefaultBaseURL
	}
	if out.RequestTimeout <= 0 {
		out.RequestTimeout = 10 * time.Second
	}
	if out.RetryCount < 1 {
		out.RetryCount = 1
	}
	if out.RetryCount > 5 {
		out.RetryCount = 5
	}
	if out.DefaultAlarmMode == "" {
		out.DefaultAlarmMode = ModeAway
	}
	return out
}

// Client is an authenticated Abode API client. One Client per account;
// it owns its session, device registry and settings cache.
type Client struct {
	cfg        Config
	logger     *zap.Logger
	clk        clock.Clock
	httpClient *http.Client
	baseURL    *url.URL

	// sessionMu guards the session artifacts below. The cookie jar is
	// additionally read by the socket transport at handshake time.
	sessionMu  sync.Mutex
	token      string
	oauthToken string
	deviceUUID string
	panel      *Panel
	user       *User

	devicesMu   sync.RWMutex
	devices     map[string]*Device
	alarm       *Alarm
	automations map[string]*Automation

	settings          *settings.Cache
	testModeMu        sync.Mutex
	testModeSupported bool

	statusMu  sync.Mutex
	status    string
	lastError error
}

// NewClient creates a client for one Abode account.
func NewClient(cfg Config, logger *zap.Logger, clk clock.Clock) (*Client, error) {
	cfg = cfg.withDefaults()

	base, err := url.Parse(cfg.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid base URL %q: %w", cfg.BaseURL, err)
	}

	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create cookie jar: %w", err)
	}

	c := &Client{
		cfg:    cfg,
		logger: logger,
		clk:    clk,
		httpClient: &http.Client{
			Jar:     jar,
			Timeout: cfg.RequestTimeout,
		},
		baseURL:           base,
		deviceUUID:        uuid.NewString(),
		devices:           make(map[string]*Device),
		automations:       make(map[string]*Automation),
		status:            "disconnected",
		testModeSupported: true,
	}

	c.settings = settings.New(cfg.CacheTTL, c.fetchCMSSettings, c.fetchPanelCMS, clk, logger)

	return c, nil
}

// Login authenticates against Abode and captures the session cookie and
// OAuth bearer token. mfaCode may be empty when the account has no MFA.
func (c *Client) Login(ctx context.Context, mfaCode string) error {
	c.sessionMu.Lock()
	c.token = ""
	deviceUUID := c.deviceUUID
	c.sessionMu.Unlock()

	if c.cfg.Username == "" || c.cfg.Password == "" {
		return fmt.Errorf("username and password are required: %w", ErrAuthentication)
	}

	loginData := map[string]any{
		"id":       c.cfg.Username,
		"password": c.cfg.Password,
		"uuid":     deviceUUID,
	}
	if mfaCode != "" {
		loginData["mfa_code"] = mfaCode
		loginData["remember_me"] = 1
	}

	body, err := c.roundTrip(ctx, http.MethodPost, loginPath, loginData, false)
	if err != nil {
		var apiErr *APIError
		if errors.As(err, &apiErr) && apiErr.StatusCode < 500 {
			return fmt.Errorf("login rejected: %s: %w", apiErr.Message, ErrAuthentication)
		}
		return fmt.Errorf("login request failed: %w", err)
	}

	var resp loginResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return fmt.Errorf("failed to parse login response: %w", err)
	}

	if resp.MFAType != "" {
		return fmt.Errorf("account uses %s: %w", resp.MFAType, ErrMFARequired)
	}
	if resp.Token == "" {
		return fmt.Errorf("login response missing token: %w", ErrAuthentication)
	}

	var panel Panel
	if len(resp.Panel) > 0 {
		if err := json.Unmarshal(resp.Panel, &panel); err != nil {
			c.logger.Warn("Failed to parse panel metadata from login", zap.Error(err))
		}
	}

	c.sessionMu.Lock()
	c.token = resp.Token
	c.panel = &panel
	c.user = resp.User
	c.sessionMu.Unlock()

	// The bearer token rides on the session established above.
	claimsBody, err := c.roundTrip(ctx, http.MethodGet, claimsPath, nil, true)
	if err != nil {
		return fmt.Errorf("failed to fetch access token: %w", err)
	}
	var claims claimsResponse
	if err := json.Unmarshal(claimsBody, &claims); err != nil {
		return fmt.Errorf("failed to parse access token: %w", err)
	}

	c.sessionMu.Lock()
	c.oauthToken = claims.AccessToken
	c.sessionMu.Unlock()

	c.setConnectionStatus("connected", nil)
	c.logger.Info("Login successful", zap.String("user", c.cfg.Username))
	return nil
}

// Logout invalidates the session. Network failures during logout are
// logged, not surfaced; the local session is cleared either way.
func (c *Client) Logout(ctx context.Context) error {
	c.sessionMu.Lock()
	token := c.token
	c.token = ""
	c.oauthToken = ""
	c.panel = nil
	c.user = nil
	c.sessionMu.Unlock()

	c.devicesMu.Lock()
	c.devices = make(map[string]*Device)
	c.alarm = nil
	c.automations = make(map[string]*Automation)
	c.devicesMu.Unlock()

	c.settings.Invalidate()

	if token == "" {
		return nil
	}

	if _, err := c.roundTrip(ctx, http.MethodPost, logoutPath, nil, true); err != nil {
		c.logger.Warn("Logout request failed", zap.Error(err))
	} else {
		c.logger.Info("Logout successful")
	}

	c.setConnectionStatus("disconnected", nil)
	return nil
}

// SendRequest performs an authenticated request with the client's retry
// policy: exactly one transparent relogin on session expiry, bounded
// retries with backoff on connection-level failures, and Retry-After
// handling on rate limits. It returns the fully-read response body.
func (c *Client) SendRequest(ctx context.Context, method, path string, body any) ([]byte, error) {
	if err := c.ensureLogin(ctx); err != nil {
		return nil, err
	}

	delay := time.Second
	reloggedIn := false
	var lastErr error

	for attempt := 0; attempt < c.cfg.RetryCount; attempt++ {
		data, err := c.roundTrip(ctx, method, path, body, true)
		if err == nil {
			c.setConnectionStatus("connected", nil)
			return data, nil
		}
		lastErr = err

		if errors.Is(err, ErrSessionExpired) {
			if reloggedIn {
				return nil, fmt.Errorf("session could not be renewed: %w", ErrAuthentication)
			}
			reloggedIn = true
			c.logger.Info("Session expired, attempting relogin", zap.String("path", path))
			if loginErr := c.Login(ctx, ""); loginErr != nil {
				return nil, fmt.Errorf("relogin failed: %w", loginErr)
			}
			attempt--
			continue
		}

		var rateErr *RateLimitError
		if errors.As(err, &rateErr) {
			wait := rateErr.RetryAfter
			if wait < 30*time.Second {
				wait = 30 * time.Second
			}
			c.setConnectionStatus("rate_limited", err)
			c.logger.Warn("Rate limited by Abode",
				zap.Duration("wait", wait),
				zap.Int("attempt", attempt+1))
			if sleepErr := c.sleep(ctx, wait); sleepErr != nil {
				return nil, sleepErr
			}
			continue
		}

		if !retryable(err) || attempt == c.cfg.RetryCount-1 {
			c.setConnectionStatus("error", err)
			return nil, err
		}

		c.logger.Warn("Request failed, retrying",
			zap.String("method", method),
			zap.String("path", path),
			zap.Duration("delay", delay),
			zap.Error(err))
		if sleepErr := c.sleep(ctx, delay); sleepErr != nil {
			return nil, sleepErr
		}
		delay *= 2
		if delay > 30*time.Second {
			delay = 30 * time.Second
		}
	}

	c.setConnectionStatus("error", lastErr)
	return nil, lastErr
}

// roundTrip performs a single HTTP attempt. The response body is fully
// read and the response closed before returning, so no caller ever holds
// a live response object. authed controls whether session headers are
// attached and 401 maps to ErrSessionExpired.
func (c *Client) roundTrip(ctx context.Context, method, path string, body any, authed bool) ([]byte, error) {
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to encode request body: %w", err)
		}
		reader = bytes.NewReader(encoded)
	}

	ctx, cancel := context.WithTimeout(ctx, c.cfg.RequestTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, strings.ToUpper(method), c.cfg.BaseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	if authed {
		c.sessionMu.Lock()
		if c.token != "" {
			req.Header.Set("ABODE-API-KEY", c.token)
		}
		if c.oauthToken != "" {
			req.Header.Set("Authorization", "Bearer "+c.oauthToken)
		}
		c.sessionMu.Unlock()
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request %s %s failed: %w", method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	if resp.StatusCode < 400 {
		return data, nil
	}

	if authed && resp.StatusCode == http.StatusUnauthorized {
		return nil, fmt.Errorf("%s %s returned 401: %w", method, path, ErrSessionExpired)
	}

	message := errorMessage(resp, data)

	if resp.StatusCode == http.StatusTooManyRequests {
		return nil, &RateLimitError{
			APIError:   APIError{StatusCode: resp.StatusCode, Message: message},
			RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After")),
		}
	}

	return nil, &APIError{StatusCode: resp.StatusCode, Message: message}
}

// errorMessage extracts the server-provided message from an error body,
// tolerating HTML and empty bodies.
func errorMessage(resp *http.Response, data []byte) string {
	if strings.HasPrefix(resp.Header.Get("Content-Type"), "application/json") {
		var body apiErrorBody
		if err := json.Unmarshal(data, &body); err == nil && body.Message != "" {
			return body.Message
		}
	}
	if len(data) > 0 && len(data) <= 200 {
		return string(data)
	}
	return http.StatusText(resp.StatusCode)
}

// ensureLogin logs in when the client has no session yet.
func (c *Client) ensureLogin(ctx context.Context) error {
	c.sessionMu.Lock()
	haveToken := c.token != ""
	c.sessionMu.Unlock()

	if haveToken {
		return nil
	}
	return c.Login(ctx, "")
}

func (c *Client) sleep(ctx context.Context, d time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-c.clk.After(d):
		return nil
	}
}

// SessionCookies returns the current session cookies as a Cookie header
// value, or "" when no session has been established yet. The socket
// transport polls this before its handshake.
func (c *Client) SessionCookies() string {
	c.sessionMu.Lock()
	haveToken := c.token != ""
	c.sessionMu.Unlock()
	if !haveToken {
		return ""
	}

	cookies := c.httpClient.Jar.Cookies(c.baseURL)
	if len(cookies) == 0 {
		return ""
	}
	parts := make([]string, 0, len(cookies))
	for _, cookie := range cookies {
		parts = append(parts, cookie.Name+"="+cookie.Value)
	}
	return strings.Join(parts, "; ")
}

// Panel returns the panel metadata captured at login.
func (c *Client) Panel() *Panel {
	c.sessionMu.Lock()
	defer c.sessionMu.Unlock()
	return c.panel
}

// User returns the account metadata captured at login.
func (c *Client) User() *User {
	c.sessionMu.Lock()
	defer c.sessionMu.Unlock()
	return c.user
}

// DeviceUUID returns the stable device UUID presented at login.
func (c *Client) DeviceUUID() string {
	c.sessionMu.Lock()
	defer c.sessionMu.Unlock()
	return c.deviceUUID
}

// ConnectionStatus reports the last known API connection state and error
// for diagnostics.
func (c *Client) ConnectionStatus() (string, error) {
	c.statusMu.Lock()
	defer c.statusMu.Unlock()
	return c.status, c.lastError
}

func (c *Client) setConnectionStatus(status string, err error) {
	c.statusMu.Lock()
	c.status = status
	c.lastError = err
	c.statusMu.Unlock()
}
