// Package picked mirrors the curated (stock, sector) list held by the remote
// store and wraps the sector lookups used when curating it.
package picked

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/google/uuid"

	"github.com/traderat755/eastmoneywatch/internal/logger"
	"github.com/traderat755/eastmoneywatch/internal/models"
)

const statusSuccess = "success"

// RemoteError is a response whose status is not "success".
type RemoteError struct {
	Status  string
	Message string
}

func (e *RemoteError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("remote status %q", e.Status)
	}
	return fmt.Sprintf("remote status %q: %s", e.Status, e.Message)
}

// API is the remote store and sector catalogue.
type API interface {
	ListPicked(ctx context.Context) ([]models.PickedEntry, error)
	AddPicked(ctx context.Context, e models.PickedEntry) (string, error)
	UpdatePicked(ctx context.Context, code string, e models.PickedEntry) (string, error)
	// DeletePicked removes by stock code or by sector name.
	DeletePicked(ctx context.Context, codeOrSector string) (string, error)
	ListSectors(ctx context.Context) ([]models.Sector, error)
	SearchSectors(ctx context.Context, q string) ([]models.SectorStock, error)
	StockSectors(ctx context.Context, code string) ([]models.Sector, error)
}

type envelope struct {
	Status  string          `json:"status"`
	Data    json.RawMessage `json:"data,omitempty"`
	Message string          `json:"message,omitempty"`
}

// Client talks to the REST API.
type Client struct {
	baseURL        string
	httpClient     *http.Client
	maxRetries     int
	retryDelayBase time.Duration
}

// NewClient creates a new API client. Only GET requests are retried.
func NewClient(baseURL string, timeout time.Duration, maxRetries int, retryDelayBase time.Duration) *Client {
	if maxRetries < 1 {
		maxRetries = 1
	}
	return &Client{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: timeout,
		},
		maxRetries:     maxRetries,
		retryDelayBase: retryDelayBase,
	}
}

// ListPicked returns the remote picked list.
func (c *Client) ListPicked(ctx context.Context) ([]models.PickedEntry, error) {
	var entries []models.PickedEntry
	if _, err := c.call(ctx, http.MethodGet, "/picked", nil, &entries); err != nil {
		return nil, fmt.Errorf("failed to list picked: %w", err)
	}
	return entries, nil
}

// AddPicked stores e and returns the remote message.
func (c *Client) AddPicked(ctx context.Context, e models.PickedEntry) (string, error) {
	msg, err := c.call(ctx, http.MethodPost, "/picked", e, nil)
	if err != nil {
		return "", fmt.Errorf("failed to add picked %s: %w", e.StockCode, err)
	}
	return msg, nil
}

// UpdatePicked replaces the entry for code with e.
func (c *Client) UpdatePicked(ctx context.Context, code string, e models.PickedEntry) (string, error) {
	msg, err := c.call(ctx, http.MethodPut, "/picked/"+url.PathEscape(code), e, nil)
	if err != nil {
		return "", fmt.Errorf("failed to update picked %s: %w", code, err)
	}
	return msg, nil
}

// DeletePicked removes one stock, or every stock of a sector when given a
// sector name.
func (c *Client) DeletePicked(ctx context.Context, codeOrSector string) (string, error) {
	msg, err := c.call(ctx, http.MethodDelete, "/picked/"+url.PathEscape(codeOrSector), nil, nil)
	if err != nil {
		return "", fmt.Errorf("failed to delete picked %s: %w", codeOrSector, err)
	}
	return msg, nil
}

// ListSectors returns the sector catalogue.
func (c *Client) ListSectors(ctx context.Context) ([]models.Sector, error) {
	var sectors []models.Sector
	if _, err := c.call(ctx, http.MethodGet, "/sectors", nil, &sectors); err != nil {
		return nil, fmt.Errorf("failed to list sectors: %w", err)
	}
	return sectors, nil
}

// SearchSectors returns the stocks whose code or name matches q, with their
// sectors.
func (c *Client) SearchSectors(ctx context.Context, q string) ([]models.SectorStock, error) {
	var hits []models.SectorStock
	path := "/sectors/search?" + url.Values{"q": {q}}.Encode()
	if _, err := c.call(ctx, http.MethodGet, path, nil, &hits); err != nil {
		return nil, fmt.Errorf("failed to search sectors: %w", err)
	}
	return hits, nil
}

// StockSectors returns the sectors code belongs to.
func (c *Client) StockSectors(ctx context.Context, code string) ([]models.Sector, error) {
	var sectors []models.Sector
	if _, err := c.call(ctx, http.MethodGet, "/sectors/stock-sectors/"+url.PathEscape(code), nil, &sectors); err != nil {
		return nil, fmt.Errorf("failed to get sectors of %s: %w", code, err)
	}
	return sectors, nil
}

// call performs one API call and unwraps the {status, data, message}
// envelope into out, returning the message.
func (c *Client) call(ctx context.Context, method, path string, body, out interface{}) (string, error) {
	var payload []byte
	if body != nil {
		var err error
		if payload, err = json.Marshal(body); err != nil {
			return "", fmt.Errorf("failed to encode request: %w", err)
		}
	}

	resp, err := c.doRequest(ctx, method, c.baseURL+path, payload)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("failed to read response: %w", err)
	}

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		if resp.StatusCode >= 400 {
			return "", fmt.Errorf("unexpected status code: %d", resp.StatusCode)
		}
		return "", fmt.Errorf("failed to decode response: %w", err)
	}
	if env.Status != statusSuccess {
		if env.Status == "" && resp.StatusCode >= 400 {
			return "", fmt.Errorf("unexpected status code: %d", resp.StatusCode)
		}
		return "", &RemoteError{Status: env.Status, Message: env.Message}
	}

	if out != nil && len(env.Data) > 0 && string(env.Data) != "null" {
		if err := json.Unmarshal(env.Data, out); err != nil {
			return "", fmt.Errorf("failed to decode data: %w", err)
		}
	}
	return env.Message, nil
}

// doRequest performs an HTTP request, retrying GETs on network errors and
// 5xx responses with a linear delay.
func (c *Client) doRequest(ctx context.Context, method, urlStr string, payload []byte) (*http.Response, error) {
	attempts := 1
	if method == http.MethodGet {
		attempts = c.maxRetries
	}
	var lastErr error

	for i := 0; i < attempts; i++ {
		if i > 0 {
			delay := time.Duration(i) * c.retryDelayBase
			logger.Warn("retrying %s %s in %v: %v", method, urlStr, delay, lastErr)
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(delay):
			}
		}

		var body io.Reader
		if payload != nil {
			body = bytes.NewReader(payload)
		}
		req, err := http.NewRequestWithContext(ctx, method, urlStr, body)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Accept", "application/json")
		req.Header.Set("X-Request-ID", uuid.NewString())
		if payload != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return nil, err
			}
			lastErr = err
			continue
		}

		if resp.StatusCode >= 500 && method == http.MethodGet {
			resp.Body.Close()
			lastErr = fmt.Errorf("server error: %d", resp.StatusCode)
			continue
		}

		return resp, nil
	}

	if attempts == 1 {
		return nil, lastErr
	}
	return nil, fmt.Errorf("max retries exceeded: %w", lastErr)
}
