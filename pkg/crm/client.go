// Package crm is the client for the remote CRM that mirrors customer
// contacts. The engine only needs to read a contact for data exports and to
// delete it when a subject's erasure policy asks for it.
package crm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"mercator-hq/custodian/pkg/telemetry/tracing"
)

// ErrContactNotFound is returned when the CRM has no contact with the id.
var ErrContactNotFound = errors.New("crm contact not found")

// Contact is the CRM's view of a customer.
type Contact struct {
	ID         string            `json:"id"`
	Email      string            `json:"email"`
	FirstName  string            `json:"first_name,omitempty"`
	LastName   string            `json:"last_name,omitempty"`
	Phone      string            `json:"phone,omitempty"`
	Tags       []string          `json:"tags,omitempty"`
	Attributes map[string]string `json:"attributes,omitempty"`
	UpdatedAt  time.Time         `json:"updated_at,omitempty"`
}

// Client reads and deletes CRM contacts.
type Client interface {
	GetContact(ctx context.Context, id string) (*Contact, error)
	DeleteContact(ctx context.Context, id string) error
}

// StatusError is returned for unexpected HTTP responses.
type StatusError struct {
	Operation  string
	StatusCode int
	Message    string
}

// Error implements the error interface.
func (e *StatusError) Error() string {
	return fmt.Sprintf("crm %s failed (status %d): %s", e.Operation, e.StatusCode, e.Message)
}

// Config configures the HTTP client.
type Config struct {
	// BaseURL is the CRM API root, e.g. https://crm.example.com/api/v1.
	BaseURL string

	// APIKey is sent as a bearer token.
	APIKey string

	// Timeout bounds every call.
	// Default: 10 seconds
	Timeout time.Duration

	MaxIdleConns    int
	IdleConnTimeout time.Duration
}

// HTTPClient talks JSON over HTTP to the CRM. Calls are never retried; the
// caller records failures.
type HTTPClient struct {
	baseURL *url.URL
	apiKey  string
	client  *http.Client
	logger  *slog.Logger
}

// NewHTTPClient creates a CRM client with a pooled transport.
func NewHTTPClient(cfg Config) (*HTTPClient, error) {
	base, err := url.Parse(strings.TrimSuffix(cfg.BaseURL, "/"))
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("crm: invalid base URL %q", cfg.BaseURL)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.MaxIdleConns <= 0 {
		cfg.MaxIdleConns = 10
	}
	if cfg.IdleConnTimeout <= 0 {
		cfg.IdleConnTimeout = 90 * time.Second
	}

	transport := &http.Transport{
		MaxIdleConns:        cfg.MaxIdleConns,
		MaxIdleConnsPerHost: cfg.MaxIdleConns,
		IdleConnTimeout:     cfg.IdleConnTimeout,
		ForceAttemptHTTP2:   true,
	}

	return &HTTPClient{
		baseURL: base,
		apiKey:  cfg.APIKey,
		client:  &http.Client{Transport: tracing.Transport(transport), Timeout: cfg.Timeout},
		logger:  slog.Default().With("component", "crm.client"),
	}, nil
}

// GetContact fetches a contact.
func (c *HTTPClient) GetContact(ctx context.Context, id string) (*Contact, error) {
	resp, err := c.do(ctx, http.MethodGet, id)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound:
		return nil, ErrContactNotFound
	default:
		return nil, statusError("get_contact", resp)
	}

	var contact Contact
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&contact); err != nil {
		return nil, fmt.Errorf("crm: decode contact: %w", err)
	}
	return &contact, nil
}

// DeleteContact removes a contact. A contact that is already gone counts as
// deleted.
func (c *HTTPClient) DeleteContact(ctx context.Context, id string) error {
	resp, err := c.do(ctx, http.MethodDelete, id)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK, http.StatusAccepted, http.StatusNoContent, http.StatusNotFound:
		c.logger.Info("crm contact deleted", "status", resp.StatusCode)
		return nil
	default:
		return statusError("delete_contact", resp)
	}
}

func (c *HTTPClient) do(ctx context.Context, method, id string) (*http.Response, error) {
	if id == "" {
		return nil, fmt.Errorf("crm: empty contact id")
	}
	endpoint := c.baseURL.JoinPath("contacts", id)

	req, err := http.NewRequestWithContext(ctx, method, endpoint.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("crm: create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	c.logger.Debug("sending request to crm", "method", method, "path", endpoint.Path)
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("crm: %s request failed: %w", strings.ToLower(method), err)
	}
	return resp, nil
}

func statusError(op string, resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
	msg := strings.TrimSpace(string(body))
	if msg == "" {
		msg = http.StatusText(resp.StatusCode)
	}
	return &StatusError{Operation: op, StatusCode: resp.StatusCode, Message: msg}
}

// NopClient is used when no CRM is configured. It knows no contacts and
// deletes nothing.
type NopClient struct{}

// GetContact reports no contact.
func (NopClient) GetContact(ctx context.Context, id string) (*Contact, error) {
	return nil, nil
}

// DeleteContact does nothing.
func (NopClient) DeleteContact(ctx context.Context, id string) error {
	return nil
}
