// Package remote talks to the progress sync endpoint from the device.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/jangji/backend/internal/models"
)

const maxResponseBytes = 1 << 20

var (
	// ErrUnauthorized is returned when the server rejects the session
	ErrUnauthorized = errors.New("session rejected by server")
	// ErrServer is returned for any other failure envelope or unexpected response
	ErrServer = errors.New("server error")
)

// Client calls the progress endpoints of one server
type Client struct {
	baseURL string
	http    *http.Client
}

// NewClient creates a new remote client. A nil httpClient gets a 15 second timeout.
func NewClient(baseURL string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    httpClient,
	}
}

// Sync posts the local record and returns the authoritative record, nil when neither side has one
func (c *Client) Sync(ctx context.Context, token string, record *models.ProgressRecord) (*models.ProgressRecord, error) {
	payload, err := json.Marshal(models.SyncRequest{ClientProgress: record})
	if err != nil {
		return nil, fmt.Errorf("failed to encode sync request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/v1/progress/sync", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to build sync request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	return c.do(req, token)
}

// GetProgress returns the record stored on the server
func (c *Client) GetProgress(ctx context.Context, token string) (*models.ProgressRecord, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/v1/progress", nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build progress request: %w", err)
	}

	return c.do(req, token)
}

func (c *Client) do(req *http.Request, token string) (*models.ProgressRecord, error) {
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to reach server: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode == http.StatusUnauthorized {
		return nil, ErrUnauthorized
	}

	if resp.StatusCode != http.StatusOK {
		var failure models.ErrorResponse
		if err := json.Unmarshal(body, &failure); err == nil && failure.Error != "" {
			return nil, fmt.Errorf("%w: %s (status %d)", ErrServer, failure.Error, resp.StatusCode)
		}
		return nil, fmt.Errorf("%w: unexpected status %d", ErrServer, resp.StatusCode)
	}

	var envelope struct {
		Success bool                   `json:"success"`
		Data    *models.ProgressRecord `json:"data"`
		Error   string                 `json:"error"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, fmt.Errorf("%w: malformed response: %v", ErrServer, err)
	}
	if !envelope.Success {
		return nil, fmt.Errorf("%w: %s", ErrServer, envelope.Error)
	}

	return envelope.Data, nil
}
