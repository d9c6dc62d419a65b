// Package remote is the HTTP client for the central cloud API: one REST
// resource per entity type, a login endpoint for bearer tokens, delta pulls
// with a since cursor, and the device heartbeat endpoint.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	possync "github.com/muntu/possync/internal/sync"
)

// Client talks to the cloud API. Safe for concurrent use; the bearer token
// is swapped atomically on login/reauthentication.
type Client struct {
	baseURL string
	client  *http.Client

	mu    sync.RWMutex
	token string
}

// NewClient creates a Client for the given base URL. timeout bounds every
// HTTP call; a timed-out call surfaces as a transient failure.
func NewClient(baseURL string, timeout time.Duration) *Client {
	return &Client{
		baseURL: baseURL,
		client:  &http.Client{Timeout: timeout},
	}
}

// SetToken replaces the bearer token used for authenticated calls.
func (c *Client) SetToken(token string) {
	c.mu.Lock()
	c.token = token
	c.mu.Unlock()
}

// Token returns the current bearer token, empty when logged out.
func (c *Client) Token() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.token
}

// LoginResponse is the token envelope returned by POST /auth/login.
type LoginResponse struct {
	AccessToken string `json:"accessToken"`
}

// Login exchanges credentials for a bearer token and installs it on the
// client.
func (c *Client) Login(ctx context.Context, email, password string) error {
	body := map[string]string{"email": email, "password": password}
	resp, err := c.send(ctx, http.MethodPost, "/auth/login", body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return statusError(resp.StatusCode, "login failed")
	}

	var login LoginResponse
	if err := json.NewDecoder(resp.Body).Decode(&login); err != nil {
		return fmt.Errorf("decode login response: %w", err)
	}
	if login.AccessToken == "" {
		return statusError(resp.StatusCode, "login returned empty token")
	}

	c.SetToken(login.AccessToken)
	return nil
}

// Logout invalidates the server session and clears the local token. A
// failed server call still clears the token: the device is logging out
// either way.
func (c *Client) Logout(ctx context.Context) error {
	resp, err := c.send(ctx, http.MethodPost, "/auth/logout", nil)
	c.SetToken("")
	if err != nil {
		return err
	}
	resp.Body.Close()
	return nil
}

// Ping is the connectivity probe: a cheap unauthenticated health check.
func (c *Client) Ping(ctx context.Context) error {
	resp, err := c.send(ctx, http.MethodGet, "/health", nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return statusError(resp.StatusCode, "health check failed")
	}
	return nil
}

// Push delivers one queued mutation to its entity endpoint: POST for
// create, PUT for update, DELETE for delete. The server upserts by entity
// id, so redelivery after a crash is harmless.
func (c *Client) Push(ctx context.Context, item possync.QueueItem) error {
	path, err := item.EntityType.Path()
	if err != nil {
		return &APIError{Class: ClassPermanent, Message: err.Error()}
	}

	var (
		method string
		url    string
		body   any
	)
	switch item.Operation {
	case possync.OperationCreate:
		method, url, body = http.MethodPost, path, item.Payload
	case possync.OperationUpdate:
		method, url, body = http.MethodPut, path+"/"+item.EntityID, item.Payload
	case possync.OperationDelete:
		method, url, body = http.MethodDelete, path+"/"+item.EntityID, nil
	default:
		return &APIError{Class: ClassPermanent, Message: fmt.Sprintf("unknown operation %q", item.Operation)}
	}

	resp, err := c.send(ctx, method, url, body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	// 404 on delete means the entity is already gone server-side; treat
	// the delivery as achieved rather than round-tripping to the DLQ.
	if item.Operation == possync.OperationDelete && resp.StatusCode == http.StatusNotFound {
		return nil
	}
	return statusError(resp.StatusCode, readErrorBody(resp.Body))
}

// PullItem is one server-authoritative entity version.
type PullItem struct {
	ID        string          `json:"id"`
	Payload   json.RawMessage `json:"payload"`
	UpdatedAt time.Time       `json:"updatedAt"`
}

// PullResponse is a page of server changes for one entity type.
type PullResponse struct {
	Items      []PullItem `json:"items"`
	ServerTime time.Time  `json:"serverTime"`
}

// PullSince fetches entity versions changed since the cursor. A zero since
// requests the full set.
func (c *Client) PullSince(ctx context.Context, entityType possync.EntityType, since time.Time) (*PullResponse, error) {
	path, err := entityType.Path()
	if err != nil {
		return nil, &APIError{Class: ClassPermanent, Message: err.Error()}
	}
	if !since.IsZero() {
		path += "?since=" + since.UTC().Format(time.RFC3339Nano)
	}

	resp, err := c.send(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, statusError(resp.StatusCode, readErrorBody(resp.Body))
	}

	var pull PullResponse
	if err := json.NewDecoder(resp.Body).Decode(&pull); err != nil {
		return nil, fmt.Errorf("decode pull response for %s: %w", entityType, err)
	}
	return &pull, nil
}

// Heartbeat announces this device's liveness to the cloud registry.
func (c *Client) Heartbeat(ctx context.Context, deviceID, deviceName string) error {
	body := map[string]string{"deviceId": deviceID, "deviceName": deviceName}
	resp, err := c.send(ctx, http.MethodPost, "/devices/heartbeat", body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return statusError(resp.StatusCode, "heartbeat rejected")
	}
	return nil
}

// RemoteDevice is the cloud registry's view of a device.
type RemoteDevice struct {
	DeviceID      string     `json:"deviceId"`
	DeviceName    string     `json:"deviceName"`
	LastHeartbeat time.Time  `json:"lastHeartbeat"`
	LastSyncAt    *time.Time `json:"lastSyncAt,omitempty"`
}

// ListDevices fetches the fleet registry for the dashboard mirror.
func (c *Client) ListDevices(ctx context.Context) ([]RemoteDevice, error) {
	resp, err := c.send(ctx, http.MethodGet, "/devices", nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, statusError(resp.StatusCode, readErrorBody(resp.Body))
	}

	var devices []RemoteDevice
	if err := json.NewDecoder(resp.Body).Decode(&devices); err != nil {
		return nil, fmt.Errorf("decode devices response: %w", err)
	}
	return devices, nil
}

// send issues an authenticated JSON request. Network-level failures come
// back as transient APIErrors so callers can classify without inspecting
// net internals.
func (c *Client) send(ctx context.Context, method, path string, body any) (*http.Response, error) {
	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request body: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}

	if token := c.Token(); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, transportError(err)
	}
	return resp, nil
}

// readErrorBody extracts a short diagnostic from an error response.
func readErrorBody(r io.Reader) string {
	data, err := io.ReadAll(io.LimitReader(r, 512))
	if err != nil || len(data) == 0 {
		return "request failed"
	}
	return string(data)
}
