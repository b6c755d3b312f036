package upstream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/dennisdiepolder/callsync/internal/session"
	"github.com/rs/zerolog"
)

// ErrNotFound is returned when the call record service has no such record
var ErrNotFound = errors.New("upstream: not found")

// Client talks to the console's REST services: call records, presence,
// new-call detection and the directory.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
	logger     zerolog.Logger
}

// NewClient creates a client for the given base URL (e.g. "http://localhost:3000")
func NewClient(baseURL, token string, timeout time.Duration, logger zerolog.Logger) *Client {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		token:   token,
		httpClient: &http.Client{
			Timeout: timeout,
		},
		logger: logger.With().Str("component", "upstream").Logger(),
	}
}

// GetCallRecord fetches the authoritative record for a session
func (c *Client) GetCallRecord(ctx context.Context, sessionID string) (*CallRecord, error) {
	var record CallRecord
	if err := c.getJSON(ctx, "/api/calls/"+url.PathEscape(sessionID), &record); err != nil {
		return nil, err
	}
	if record.SessionID == "" {
		record.SessionID = sessionID
	}
	return &record, nil
}

// MarkCallEnded asks the call record service to close the record
func (c *Client) MarkCallEnded(ctx context.Context, sessionID string) error {
	endpoint := c.baseURL + "/api/calls/" + url.PathEscape(sessionID) + "/end"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	resp, err := c.do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return ErrNotFound
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("POST %s returned status %d", endpoint, resp.StatusCode)
	}
	return nil
}

// GetPresence fetches the presence signal for an extension
func (c *Client) GetPresence(ctx context.Context, extension string) (*Presence, error) {
	var presence Presence
	if err := c.getJSON(ctx, "/api/presence/"+url.PathEscape(extension), &presence); err != nil {
		return nil, err
	}
	return &presence, nil
}

// DetectCall asks whether the extension is on a call nobody told us about
func (c *Client) DetectCall(ctx context.Context, extension string) (*Detection, error) {
	var detection Detection
	path := "/api/calls/detect?extension=" + url.QueryEscape(extension)
	if err := c.getJSON(ctx, path, &detection); err != nil {
		return nil, err
	}
	return &detection, nil
}

// LookupExtension resolves an internal extension to an agent identity.
// A directory miss is an empty result: (nil, nil).
func (c *Client) LookupExtension(ctx context.Context, extension string) (*session.Identity, error) {
	return c.lookup(ctx, "/api/directory/extensions/"+url.PathEscape(extension))
}

// LookupPhone resolves a phone number to a customer identity.
// A directory miss is an empty result: (nil, nil).
func (c *Client) LookupPhone(ctx context.Context, phone string) (*session.Identity, error) {
	return c.lookup(ctx, "/api/directory/phones/"+url.PathEscape(phone))
}

func (c *Client) lookup(ctx context.Context, path string) (*session.Identity, error) {
	var identity session.Identity
	err := c.getJSON(ctx, path, &identity)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if identity.Name == "" {
		return nil, nil
	}
	return &identity, nil
}

func (c *Client) getJSON(ctx context.Context, path string, out interface{}) error {
	endpoint := c.baseURL + path
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return ErrNotFound
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("GET %s: unexpected status code: %d, body: %s", path, resp.StatusCode, string(body))
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}

func (c *Client) do(req *http.Request) (*http.Response, error) {
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", req.Method, req.URL.Path, err)
	}
	c.logger.Debug().
		Str("method", req.Method).
		Str("path", req.URL.Path).
		Int("status", resp.StatusCode).
		Msg("upstream request")
	return resp, nil
}
